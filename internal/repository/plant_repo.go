package repository

import (
	"context"
	"time"

	"plantops-data/internal/domain"
)

// StatusRequestFilters 状态请求查询过滤器
type StatusRequestFilters struct {
	TaskType    string // 任务类型
	Status      string // pending / approved / rejected
	SubmittedBy string // 提交人
}

// CycleStatesRepository 周期状态只读查询（不加锁，用于 UI 轮询）
type CycleStatesRepository interface {
	// GetCycleState 不存在时返回 nil, nil
	GetCycleState(ctx context.Context, tenantID, taskType string) (*domain.CycleState, error)

	// ListCycleHistory 已归档周期，按周期号倒序
	ListCycleHistory(ctx context.Context, tenantID, taskType string, page, size int) ([]*domain.CycleHistory, int, error)
}

// StatusRequestsRepository 状态请求只读查询
type StatusRequestsRepository interface {
	// GetStatusRequest 不存在时返回 domain.ErrNotFound
	GetStatusRequest(ctx context.Context, tenantID, requestID string) (*domain.StatusRequest, error)

	// ListStatusRequests 按提交时间倒序，支持过滤和分页
	ListStatusRequests(ctx context.Context, tenantID string, filters *StatusRequestFilters, page, size int) ([]*domain.StatusRequest, int, error)

	// ListPendingStatusRequests 全部 pending 请求（不分页），taskType 为空时不过滤
	ListPendingStatusRequests(ctx context.Context, tenantID, taskType string) ([]*domain.StatusRequest, error)
}

// TaskTx 在同一 (tenant, task type) 锁内执行的原子操作集合
// fn 返回 nil 时全部提交，否则全部回滚
type TaskTx interface {
	// LoadCycleState 不存在时返回 nil, nil
	LoadCycleState(ctx context.Context) (*domain.CycleState, error)
	SaveCycleState(ctx context.Context, cs *domain.CycleState) error
	ArchiveCycle(ctx context.Context, h *domain.CycleHistory) error

	InsertStatusRequest(ctx context.Context, req *domain.StatusRequest) (string, error)
	// FindPendingOverlapping 同一提交人、任务类型、目标状态，since 之后提交且 tracker 有交集的 pending 请求
	FindPendingOverlapping(ctx context.Context, submittedBy string, state domain.TrackerState, trackerIDs []string, since time.Time) ([]*domain.StatusRequest, error)
	// LockStatusRequest 不存在或不属于本任务类型时返回 domain.ErrNotFound
	LockStatusRequest(ctx context.Context, requestID string) (*domain.StatusRequest, error)
	SaveStatusRequestReview(ctx context.Context, req *domain.StatusRequest) error
}

// TaskLocker 按 (tenant, task type) 串行化写操作：审批与重置互斥，重叠审批按顺序执行
type TaskLocker interface {
	WithTask(ctx context.Context, tenantID, taskType string, fn func(tx TaskTx) error) error
}

// PlantRepository Plant Map 持久化的完整能力
type PlantRepository interface {
	CycleStatesRepository
	StatusRequestsRepository
	TaskLocker
}
