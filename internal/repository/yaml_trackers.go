package repository

import (
	"context"
	"fmt"
	"os"

	"plantops-data/internal/domain"

	"gopkg.in/yaml.v3"
)

// layoutFile 布局文件格式
//
//	sites:
//	  - tenant_id: "*"
//	    office: {row: 0, col: 4}
//	    trackers:
//	      - {id: M01, row: 1, col: 0}
type layoutFile struct {
	Sites []siteLayout `yaml:"sites"`
}

// YAMLTrackersRepo 从布局文件加载 tracker（启动时读取一次）
type YAMLTrackersRepo struct {
	sites map[string][]domain.TrackerUnit
}

// NewYAMLTrackersRepo 读取并校验布局文件
func NewYAMLTrackersRepo(path string) (*YAMLTrackersRepo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read layout file: %w", err)
	}
	return parseYAMLLayout(data)
}

func parseYAMLLayout(data []byte) (*YAMLTrackersRepo, error) {
	var f layoutFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse layout file: %w", err)
	}
	if len(f.Sites) == 0 {
		return nil, fmt.Errorf("layout file has no sites")
	}

	sites := make(map[string][]domain.TrackerUnit, len(f.Sites))
	for _, s := range f.Sites {
		tenant := s.TenantID
		if tenant == "" {
			tenant = wildcardTenant
		}
		if _, dup := sites[tenant]; dup {
			return nil, fmt.Errorf("duplicate site for tenant %s", tenant)
		}
		seen := make(map[string]struct{}, len(s.Trackers))
		for _, t := range s.Trackers {
			if t.TrackerID == "" {
				return nil, fmt.Errorf("tracker without id in site %s", tenant)
			}
			if _, ok := seen[t.TrackerID]; ok {
				return nil, fmt.Errorf("duplicate tracker %s in site %s", t.TrackerID, tenant)
			}
			seen[t.TrackerID] = struct{}{}
		}
		sites[tenant] = withOfficeMarker(s.Trackers, s.Office)
	}
	return &YAMLTrackersRepo{sites: sites}, nil
}

var _ TrackersRepository = (*YAMLTrackersRepo)(nil)

func (r *YAMLTrackersRepo) ListTrackers(_ context.Context, tenantID string) ([]domain.TrackerUnit, error) {
	layout, ok := r.sites[tenantID]
	if !ok {
		layout, ok = r.sites[wildcardTenant]
	}
	if !ok {
		return nil, fmt.Errorf("no tracker layout for tenant %s: %w", tenantID, domain.ErrNotFound)
	}
	out := make([]domain.TrackerUnit, len(layout))
	copy(out, layout)
	return out, nil
}
