package repository

import (
	"context"
	"fmt"

	"plantops-data/internal/domain"
)

// MemoryTrackersRepo 开发 / 联调用：按行列生成网格布局（M01..Mnn）
type MemoryTrackersRepo struct {
	layout []domain.TrackerUnit
}

// NewMemoryTrackersRepo count 个 tracker，每行 perRow 个，办公室位于第 0 行
func NewMemoryTrackersRepo(count, perRow int) *MemoryTrackersRepo {
	if perRow <= 0 {
		perRow = 10
	}
	trackers := make([]domain.TrackerUnit, 0, count)
	for i := 1; i <= count; i++ {
		trackers = append(trackers, domain.TrackerUnit{
			TrackerID: fmt.Sprintf("M%02d", i),
			Row:       (i-1)/perRow + 1,
			Col:       (i - 1) % perRow,
		})
	}
	return &MemoryTrackersRepo{layout: withOfficeMarker(trackers, &layoutPosition{Row: 0, Col: 0})}
}

// NewMemoryTrackersRepoFrom 使用给定布局（测试用）
func NewMemoryTrackersRepoFrom(trackers []domain.TrackerUnit) *MemoryTrackersRepo {
	return &MemoryTrackersRepo{layout: withOfficeMarker(trackers, nil)}
}

var _ TrackersRepository = (*MemoryTrackersRepo)(nil)

func (r *MemoryTrackersRepo) ListTrackers(_ context.Context, _ string) ([]domain.TrackerUnit, error) {
	out := make([]domain.TrackerUnit, len(r.layout))
	copy(out, r.layout)
	return out, nil
}
