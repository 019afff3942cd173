package events

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// 事件类型
const (
	StatusRequestSubmitted = "status_request.submitted"
	StatusRequestApproved  = "status_request.approved"
	StatusRequestRejected  = "status_request.rejected"
	CycleCompleted         = "cycle.completed"
	CycleReset             = "cycle.reset"
)

// CycleEvent 提交后才发布；发布失败不影响已提交的状态
type CycleEvent struct {
	Type        string    `json:"type"`
	TenantID    string    `json:"tenant_id"`
	TaskType    string    `json:"task_type"`
	CycleNumber *int      `json:"cycle_number,omitempty"`
	RequestID   string    `json:"request_id,omitempty"`
	TrackerIDs  []string  `json:"tracker_ids,omitempty"`
	State       string    `json:"state,omitempty"`
	Actor       string    `json:"actor,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// Publisher 事件发布
type Publisher interface {
	Publish(ctx context.Context, ev CycleEvent) error
}

// MultiPublisher 依次发布到多个目标，单个失败只记录日志
type MultiPublisher struct {
	targets []Publisher
	logger  *zap.Logger
}

func NewMultiPublisher(logger *zap.Logger, targets ...Publisher) *MultiPublisher {
	return &MultiPublisher{targets: targets, logger: logger}
}

func (m *MultiPublisher) Publish(ctx context.Context, ev CycleEvent) error {
	for _, p := range m.targets {
		if err := p.Publish(ctx, ev); err != nil {
			m.logger.Warn("Failed to publish cycle event",
				zap.String("type", ev.Type),
				zap.String("tenant_id", ev.TenantID),
				zap.String("task_type", ev.TaskType),
				zap.Error(err),
			)
		}
	}
	return nil
}

// Len 已配置的目标数量
func (m *MultiPublisher) Len() int { return len(m.targets) }
