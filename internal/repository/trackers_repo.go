package repository

import (
	"context"

	"plantops-data/internal/domain"
)

// TrackersRepository tracker 布局（只读参考数据，来源于布局导入服务）
type TrackersRepository interface {
	// ListTrackers 返回所有 tracker 以及唯一的办公室标记，顺序无语义
	ListTrackers(ctx context.Context, tenantID string) ([]domain.TrackerUnit, error)
}

// siteLayout 文件 / 远程布局的共同结构
type siteLayout struct {
	TenantID string               `json:"tenant_id" yaml:"tenant_id"`
	Office   *layoutPosition      `json:"office,omitempty" yaml:"office,omitempty"`
	Trackers []domain.TrackerUnit `json:"trackers" yaml:"trackers"`
}

type layoutPosition struct {
	Row int `json:"row" yaml:"row"`
	Col int `json:"col" yaml:"col"`
}

// wildcardTenant 布局文件中适用于所有租户的站点
const wildcardTenant = "*"

// withOfficeMarker 保证结果中恰好有一个办公室标记
func withOfficeMarker(trackers []domain.TrackerUnit, office *layoutPosition) []domain.TrackerUnit {
	out := make([]domain.TrackerUnit, 0, len(trackers)+1)
	for _, t := range trackers {
		if !t.Selectable() {
			continue
		}
		if t.Label == "" {
			t.Label = t.TrackerID
		}
		out = append(out, t)
	}
	pos := layoutPosition{}
	if office != nil {
		pos = *office
	}
	return append(out, domain.NewOfficeMarker(pos.Row, pos.Col))
}
