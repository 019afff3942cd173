package repository

import (
	"context"
	"sync"

	"plantops-data/internal/domain"
)

// CachedTrackersRepo 布局在进程内按租户缓存；布局只在导入时变化，重启即刷新
type CachedTrackersRepo struct {
	source TrackersRepository
	mu     sync.RWMutex
	cache  map[string][]domain.TrackerUnit
}

func NewCachedTrackersRepo(source TrackersRepository) *CachedTrackersRepo {
	return &CachedTrackersRepo{source: source, cache: map[string][]domain.TrackerUnit{}}
}

var _ TrackersRepository = (*CachedTrackersRepo)(nil)

func (r *CachedTrackersRepo) ListTrackers(ctx context.Context, tenantID string) ([]domain.TrackerUnit, error) {
	r.mu.RLock()
	layout, ok := r.cache[tenantID]
	r.mu.RUnlock()
	if !ok {
		fresh, err := r.source.ListTrackers(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.cache[tenantID] = fresh
		r.mu.Unlock()
		layout = fresh
	}
	out := make([]domain.TrackerUnit, len(layout))
	copy(out, layout)
	return out, nil
}

// Invalidate 布局重新导入后调用
func (r *CachedTrackersRepo) Invalidate(tenantID string) {
	r.mu.Lock()
	delete(r.cache, tenantID)
	r.mu.Unlock()
}
