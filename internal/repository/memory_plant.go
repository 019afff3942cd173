package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"plantops-data/internal/domain"

	"github.com/google/uuid"
)

// MemoryPlantRepo DB 未启用时使用的内存实现
// 每个 (tenant, task type) 一把锁；事务内的写入先暂存，fn 成功后一次性提交。
type MemoryPlantRepo struct {
	mu       sync.RWMutex
	states   map[string]*domain.CycleState    // tenant:task -> state
	requests map[string]*domain.StatusRequest // requestID -> request
	history  map[string][]*domain.CycleHistory

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func NewMemoryPlantRepo() *MemoryPlantRepo {
	return &MemoryPlantRepo{
		states:   map[string]*domain.CycleState{},
		requests: map[string]*domain.StatusRequest{},
		history:  map[string][]*domain.CycleHistory{},
		locks:    map[string]*sync.Mutex{},
	}
}

var _ PlantRepository = (*MemoryPlantRepo)(nil)

func (r *MemoryPlantRepo) GetCycleState(_ context.Context, tenantID, taskType string) (*domain.CycleState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.states[taskLockKey(tenantID, taskType)].Clone(), nil
}

func (r *MemoryPlantRepo) ListCycleHistory(_ context.Context, tenantID, taskType string, page, size int) ([]*domain.CycleHistory, int, error) {
	r.mu.RLock()
	all := append([]*domain.CycleHistory(nil), r.history[taskLockKey(tenantID, taskType)]...)
	r.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].CycleNumber > all[j].CycleNumber })
	start, end := pageBounds(len(all), page, size)
	out := make([]*domain.CycleHistory, 0, end-start)
	for _, h := range all[start:end] {
		c := *h
		out = append(out, &c)
	}
	return out, len(all), nil
}

func (r *MemoryPlantRepo) GetStatusRequest(_ context.Context, tenantID, requestID string) (*domain.StatusRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	req, ok := r.requests[requestID]
	if !ok || req.TenantID != tenantID {
		return nil, fmt.Errorf("status request %q: %w", requestID, domain.ErrNotFound)
	}
	return cloneRequest(req), nil
}

func (r *MemoryPlantRepo) ListStatusRequests(_ context.Context, tenantID string, filters *StatusRequestFilters, page, size int) ([]*domain.StatusRequest, int, error) {
	r.mu.RLock()
	all := make([]*domain.StatusRequest, 0)
	for _, req := range r.requests {
		if req.TenantID != tenantID {
			continue
		}
		if filters != nil {
			if filters.TaskType != "" && req.TaskType != filters.TaskType {
				continue
			}
			if filters.Status != "" && req.Status != filters.Status {
				continue
			}
			if filters.SubmittedBy != "" && req.SubmittedBy != filters.SubmittedBy {
				continue
			}
		}
		all = append(all, cloneRequest(req))
	}
	r.mu.RUnlock()

	sortRequests(all)
	start, end := pageBounds(len(all), page, size)
	return all[start:end], len(all), nil
}

func (r *MemoryPlantRepo) ListPendingStatusRequests(_ context.Context, tenantID, taskType string) ([]*domain.StatusRequest, error) {
	r.mu.RLock()
	items := make([]*domain.StatusRequest, 0)
	for _, req := range r.requests {
		if req.TenantID != tenantID || !req.IsPending() {
			continue
		}
		if taskType != "" && req.TaskType != taskType {
			continue
		}
		items = append(items, cloneRequest(req))
	}
	r.mu.RUnlock()

	sortRequests(items)
	return items, nil
}

func (r *MemoryPlantRepo) WithTask(ctx context.Context, tenantID, taskType string, fn func(tx TaskTx) error) error {
	key := taskLockKey(tenantID, taskType)
	lock := r.taskLock(key)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memTaskTx{repo: r, tenantID: tenantID, taskType: taskType, key: key, requests: map[string]*domain.StatusRequest{}}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (r *MemoryPlantRepo) taskLock(key string) *sync.Mutex {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	l, ok := r.locks[key]
	if !ok {
		l = &sync.Mutex{}
		r.locks[key] = l
	}
	return l
}

// memTaskTx 暂存写入，commit 时落到 repo
type memTaskTx struct {
	repo     *MemoryPlantRepo
	tenantID string
	taskType string
	key      string

	state    *domain.CycleState
	archived []*domain.CycleHistory
	requests map[string]*domain.StatusRequest
}

func (t *memTaskTx) LoadCycleState(_ context.Context) (*domain.CycleState, error) {
	if t.state != nil {
		return t.state.Clone(), nil
	}
	t.repo.mu.RLock()
	defer t.repo.mu.RUnlock()
	return t.repo.states[t.key].Clone(), nil
}

func (t *memTaskTx) SaveCycleState(_ context.Context, cs *domain.CycleState) error {
	c := cs.Clone()
	c.TenantID = t.tenantID
	c.TaskType = t.taskType
	t.state = c
	return nil
}

func (t *memTaskTx) ArchiveCycle(_ context.Context, h *domain.CycleHistory) error {
	c := *h
	c.HistoryID = uuid.NewString()
	c.TenantID = t.tenantID
	c.TaskType = t.taskType
	t.archived = append(t.archived, &c)
	return nil
}

func (t *memTaskTx) InsertStatusRequest(_ context.Context, req *domain.StatusRequest) (string, error) {
	c := cloneRequest(req)
	c.RequestID = uuid.NewString()
	c.TenantID = t.tenantID
	c.TaskType = t.taskType
	c.Status = domain.RequestPending
	t.requests[c.RequestID] = c
	return c.RequestID, nil
}

func (t *memTaskTx) FindPendingOverlapping(_ context.Context, submittedBy string, state domain.TrackerState, trackerIDs []string, since time.Time) ([]*domain.StatusRequest, error) {
	match := func(req *domain.StatusRequest) bool {
		return req.TenantID == t.tenantID &&
			req.TaskType == t.taskType &&
			req.SubmittedBy == submittedBy &&
			req.RequestedState == state &&
			req.IsPending() &&
			!req.SubmittedAt.Before(since) &&
			req.Overlaps(trackerIDs)
	}

	var out []*domain.StatusRequest
	for _, req := range t.requests {
		if match(req) {
			out = append(out, cloneRequest(req))
		}
	}
	t.repo.mu.RLock()
	defer t.repo.mu.RUnlock()
	for id, req := range t.repo.requests {
		if _, staged := t.requests[id]; staged {
			continue
		}
		if match(req) {
			out = append(out, cloneRequest(req))
		}
	}
	return out, nil
}

func (t *memTaskTx) LockStatusRequest(_ context.Context, requestID string) (*domain.StatusRequest, error) {
	if req, ok := t.requests[requestID]; ok {
		return cloneRequest(req), nil
	}
	t.repo.mu.RLock()
	defer t.repo.mu.RUnlock()
	req, ok := t.repo.requests[requestID]
	if !ok || req.TenantID != t.tenantID || req.TaskType != t.taskType {
		return nil, fmt.Errorf("status request %q: %w", requestID, domain.ErrNotFound)
	}
	return cloneRequest(req), nil
}

func (t *memTaskTx) SaveStatusRequestReview(ctx context.Context, req *domain.StatusRequest) error {
	cur, err := t.LockStatusRequest(ctx, req.RequestID)
	if err != nil {
		return err
	}
	if !cur.IsPending() {
		return fmt.Errorf("status request %q: %w", req.RequestID, domain.ErrNotFound)
	}
	t.requests[req.RequestID] = cloneRequest(req)
	return nil
}

func (t *memTaskTx) commit() {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	if t.state != nil {
		t.repo.states[t.key] = t.state
	}
	for id, req := range t.requests {
		t.repo.requests[id] = req
	}
	t.repo.history[t.key] = append(t.repo.history[t.key], t.archived...)
}

// sortRequests 按提交时间倒序
func sortRequests(items []*domain.StatusRequest) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].SubmittedAt.Equal(items[j].SubmittedAt) {
			return items[i].RequestID < items[j].RequestID
		}
		return items[i].SubmittedAt.After(items[j].SubmittedAt)
	})
}

func cloneRequest(req *domain.StatusRequest) *domain.StatusRequest {
	c := *req
	c.TrackerIDs = append([]string(nil), req.TrackerIDs...)
	if req.ReviewedAt != nil {
		t := *req.ReviewedAt
		c.ReviewedAt = &t
	}
	return &c
}

func pageBounds(total, page, size int) (int, int) {
	page, size = normalizePage(page, size)
	start := (page - 1) * size
	if start > total {
		start = total
	}
	end := start + size
	if end > total {
		end = total
	}
	return start, end
}
