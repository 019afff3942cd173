package service

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"plantops-data/internal/domain"
	"plantops-data/internal/events"
	"plantops-data/internal/repository"
	"plantops-data/internal/store"

	"go.uber.org/zap"
)

// PlantMapConfig Plant Map 服务配置
type PlantMapConfig struct {
	// TaskTypes 允许的任务类型；为空时接受任意非空任务类型
	TaskTypes []string
	// DebounceWindow 重复提交判定窗口
	DebounceWindow time.Duration
	// CycleInfoTTL cycle info 缓存时间（UI 轮询用）
	CycleInfoTTL time.Duration
	CabinetRule  domain.CabinetRule
}

// PlantMapService tracker 周期与状态审批服务
type PlantMapService struct {
	trackers  repository.TrackersRepository
	repo      repository.PlantRepository
	kv        store.KV // 可为 nil（未启用 Redis）
	publisher events.Publisher
	cfg       PlantMapConfig
	taskTypes map[string]struct{}
	logger    *zap.Logger
	now       func() time.Time
}

// NewPlantMapService 创建 Plant Map 服务；kv / publisher 可为 nil
func NewPlantMapService(
	trackers repository.TrackersRepository,
	repo repository.PlantRepository,
	kv store.KV,
	publisher events.Publisher,
	cfg PlantMapConfig,
	logger *zap.Logger,
) *PlantMapService {
	if cfg.DebounceWindow <= 0 {
		cfg.DebounceWindow = 10 * time.Second
	}
	if cfg.CycleInfoTTL <= 0 {
		cfg.CycleInfoTTL = 5 * time.Second
	}
	if cfg.CabinetRule.GroupSize <= 0 {
		cfg.CabinetRule = domain.DefaultCabinetRule()
	}
	taskTypes := make(map[string]struct{}, len(cfg.TaskTypes))
	for _, tt := range cfg.TaskTypes {
		if tt = strings.TrimSpace(tt); tt != "" {
			taskTypes[tt] = struct{}{}
		}
	}
	return &PlantMapService{
		trackers:  trackers,
		repo:      repo,
		kv:        kv,
		publisher: publisher,
		cfg:       cfg,
		taskTypes: taskTypes,
		logger:    logger,
		now:       time.Now,
	}
}

// TaskTypes 已配置的任务类型
func (s *PlantMapService) TaskTypes() []string {
	return append([]string(nil), s.cfg.TaskTypes...)
}

// CabinetRule 当前 cabinet 规则
func (s *PlantMapService) CabinetRule() domain.CabinetRule {
	return s.cfg.CabinetRule
}

func (s *PlantMapService) checkTaskType(taskType string) error {
	if taskType == "" {
		return fmt.Errorf("task_type is required: %w", domain.ErrNotFound)
	}
	if len(s.taskTypes) == 0 {
		return nil
	}
	if _, ok := s.taskTypes[taskType]; !ok {
		return fmt.Errorf("unknown task_type %q: %w", taskType, domain.ErrNotFound)
	}
	return nil
}

// GetTrackerLayout tracker 布局（含 cabinet 派生字段）
func (s *PlantMapService) GetTrackerLayout(ctx context.Context, tenantID string) ([]domain.TrackerUnit, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant_id is required")
	}
	layout, err := s.trackers.ListTrackers(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load tracker layout: %w", err)
	}
	return s.cfg.CabinetRule.Apply(layout), nil
}

// GetCycleState 当前周期状态；未初始化时返回默认状态（cycle_number = null，全部 not_done）
func (s *PlantMapService) GetCycleState(ctx context.Context, tenantID, taskType string) (*domain.CycleState, error) {
	if err := s.checkTaskType(taskType); err != nil {
		return nil, err
	}
	layout, err := s.GetTrackerLayout(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	cs, err := s.repo.GetCycleState(ctx, tenantID, taskType)
	if err != nil {
		return nil, fmt.Errorf("failed to get cycle state: %w", err)
	}
	return s.aligned(cs, tenantID, taskType, layout), nil
}

// aligned 与布局对齐；nil 时生成默认状态
func (s *PlantMapService) aligned(cs *domain.CycleState, tenantID, taskType string, layout []domain.TrackerUnit) *domain.CycleState {
	if cs == nil {
		return domain.NewCycleState(tenantID, taskType, layout)
	}
	cs.TenantID = tenantID
	cs.TaskType = taskType
	// Normalize 会按需重算 CompletedAt，读取路径保留持久化的时间
	completedAt := cs.CompletedAt
	cs.Normalize(layout, cs.UpdatedAt)
	if cs.IsComplete && completedAt != nil {
		cs.CompletedAt = completedAt
	}
	return cs
}

// GetCycleInfo {cycle_number, is_complete}；Redis 可用时走短 TTL 缓存
func (s *PlantMapService) GetCycleInfo(ctx context.Context, tenantID, taskType string) (*domain.CycleInfo, error) {
	if err := s.checkTaskType(taskType); err != nil {
		return nil, err
	}
	if info, ok := s.cachedCycleInfo(ctx, tenantID, taskType); ok {
		return info, nil
	}
	cs, err := s.GetCycleState(ctx, tenantID, taskType)
	if err != nil {
		return nil, err
	}
	info := cs.Info()
	s.fillCycleInfo(ctx, tenantID, info)
	return &info, nil
}

// CycleOverview 地图页面使用的完整视图
type CycleOverview struct {
	State    *domain.CycleState       `json:"state"`
	Progress domain.Progress          `json:"progress"`
	Cabinets []domain.CabinetProgress `json:"cabinets"`
}

// GetCycleOverview 状态 + 进度 + cabinet 分组进度
func (s *PlantMapService) GetCycleOverview(ctx context.Context, tenantID, taskType string) (*CycleOverview, error) {
	cs, err := s.GetCycleState(ctx, tenantID, taskType)
	if err != nil {
		return nil, err
	}
	return &CycleOverview{
		State:    cs,
		Progress: domain.ComputeProgress(cs),
		Cabinets: domain.ComputeCabinetProgress(cs, s.cfg.CabinetRule),
	}, nil
}

// SubmitStatusRequestRequest 提交状态请求
type SubmitStatusRequestRequest struct {
	TenantID       string
	TaskType       string
	TrackerIDs     []string
	RequestedState domain.TrackerState
	Message        string
	SubmittedBy    string
}

// SubmitStatusRequest 提交状态变更请求（pending，等待管理员审批）
func (s *PlantMapService) SubmitStatusRequest(ctx context.Context, req SubmitStatusRequestRequest) (*domain.StatusRequest, error) {
	if req.TenantID == "" {
		return nil, fmt.Errorf("tenant_id is required")
	}
	if strings.TrimSpace(req.SubmittedBy) == "" {
		return nil, fmt.Errorf("submitted_by is required")
	}
	if err := s.checkTaskType(req.TaskType); err != nil {
		s.countSubmission(req.TaskType, "invalid")
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidSelection, err)
	}

	ids, err := s.validateSelection(ctx, req)
	if err != nil {
		s.countSubmission(req.TaskType, "invalid")
		return nil, err
	}

	// 第一层：完全相同的重试（跨实例），未拿到时仍以仓库层检查为准
	guardKey := submissionGuardKey(req.TenantID, req.TaskType, req.SubmittedBy, req.RequestedState, ids)
	guarded := s.acquireSubmissionGuard(ctx, guardKey)

	now := s.now()
	created := &domain.StatusRequest{
		TenantID:       req.TenantID,
		TaskType:       req.TaskType,
		TrackerIDs:     ids,
		RequestedState: req.RequestedState,
		Message:        strings.TrimSpace(req.Message),
		SubmittedBy:    req.SubmittedBy,
		SubmittedAt:    now,
		Status:         domain.RequestPending,
	}

	err = s.repo.WithTask(ctx, req.TenantID, req.TaskType, func(tx repository.TaskTx) error {
		cs, err := tx.LoadCycleState(ctx)
		if err != nil {
			return err
		}
		if cs != nil {
			for _, id := range ids {
				if cs.StateOf(id) == domain.TrackerDone {
					return fmt.Errorf("%w: tracker %s is already done in this cycle", domain.ErrInvalidSelection, id)
				}
			}
		}

		// 第二层：窗口内重叠的 pending 请求
		dups, err := tx.FindPendingOverlapping(ctx, req.SubmittedBy, req.RequestedState, ids, now.Add(-s.cfg.DebounceWindow))
		if err != nil {
			return err
		}
		if len(dups) > 0 {
			return fmt.Errorf("%w: request %s is still pending", domain.ErrDuplicatePending, dups[0].RequestID)
		}

		id, err := tx.InsertStatusRequest(ctx, created)
		if err != nil {
			return err
		}
		created.RequestID = id
		return nil
	})
	if err != nil {
		if guarded {
			s.releaseSubmissionGuard(ctx, guardKey)
		}
		switch {
		case errors.Is(err, domain.ErrDuplicatePending):
			s.countSubmission(req.TaskType, "duplicate")
		case errors.Is(err, domain.ErrInvalidSelection):
			s.countSubmission(req.TaskType, "invalid")
		default:
			return nil, fmt.Errorf("failed to submit status request: %w", err)
		}
		return nil, err
	}

	s.countSubmission(req.TaskType, "submitted")
	s.logger.Info("Status request submitted",
		zap.String("tenant_id", req.TenantID),
		zap.String("task_type", req.TaskType),
		zap.String("request_id", created.RequestID),
		zap.String("submitted_by", req.SubmittedBy),
		zap.Int("tracker_count", len(ids)),
	)
	s.publish(ctx, events.CycleEvent{
		Type:       events.StatusRequestSubmitted,
		TenantID:   req.TenantID,
		TaskType:   req.TaskType,
		RequestID:  created.RequestID,
		TrackerIDs: ids,
		State:      string(req.RequestedState),
		Actor:      req.SubmittedBy,
		OccurredAt: now,
	})
	return created, nil
}

// validateSelection 非空、无重复、均为布局中的可选 tracker、目标状态合法
func (s *PlantMapService) validateSelection(ctx context.Context, req SubmitStatusRequestRequest) ([]string, error) {
	if !req.RequestedState.Requestable() {
		return nil, fmt.Errorf("%w: requested_state must be halfway or done", domain.ErrInvalidSelection)
	}
	if len(req.TrackerIDs) == 0 {
		return nil, fmt.Errorf("%w: tracker_ids is empty", domain.ErrInvalidSelection)
	}
	ids, ok := domain.NormalizeTrackerIDs(req.TrackerIDs)
	if !ok {
		return nil, fmt.Errorf("%w: tracker_ids must be distinct and non-empty", domain.ErrInvalidSelection)
	}

	layout, err := s.trackers.ListTrackers(ctx, req.TenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load tracker layout: %w", err)
	}
	known := make(map[string]domain.TrackerUnit, len(layout))
	for _, t := range layout {
		known[t.TrackerID] = t
	}
	for _, id := range ids {
		t, ok := known[id]
		if !ok {
			return nil, fmt.Errorf("%w: unknown tracker %s", domain.ErrInvalidSelection, id)
		}
		if !t.Selectable() {
			return nil, fmt.Errorf("%w: tracker %s is not selectable", domain.ErrInvalidSelection, id)
		}
	}
	return ids, nil
}

// ListStatusRequestsRequest 查询状态请求
type ListStatusRequestsRequest struct {
	TenantID    string
	TaskType    string
	Status      string
	SubmittedBy string
	Page        int
	Size        int
}

// ListStatusRequestsResponse 状态请求列表
type ListStatusRequestsResponse struct {
	Items []*domain.StatusRequest `json:"items"`
	Total int                     `json:"total"`
}

// ListStatusRequests 按任务类型 / 状态过滤
func (s *PlantMapService) ListStatusRequests(ctx context.Context, req ListStatusRequestsRequest) (*ListStatusRequestsResponse, error) {
	if req.TenantID == "" {
		return nil, fmt.Errorf("tenant_id is required")
	}
	if req.Status != "" && !domain.ValidRequestStatus(req.Status) {
		return nil, fmt.Errorf("invalid status: %s", req.Status)
	}
	if req.TaskType != "" {
		if err := s.checkTaskType(req.TaskType); err != nil {
			return nil, err
		}
	}
	items, total, err := s.repo.ListStatusRequests(ctx, req.TenantID, &repository.StatusRequestFilters{
		TaskType:    req.TaskType,
		Status:      req.Status,
		SubmittedBy: req.SubmittedBy,
	}, req.Page, req.Size)
	if err != nil {
		return nil, fmt.Errorf("failed to list status requests: %w", err)
	}
	return &ListStatusRequestsResponse{Items: items, Total: total}, nil
}

// ListPending 待审批请求（taskType 为空时返回所有任务类型）
func (s *PlantMapService) ListPending(ctx context.Context, tenantID, taskType string) ([]*domain.StatusRequest, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant_id is required")
	}
	if taskType != "" {
		if err := s.checkTaskType(taskType); err != nil {
			return nil, err
		}
	}
	items, err := s.repo.ListPendingStatusRequests(ctx, tenantID, taskType)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending status requests: %w", err)
	}
	return items, nil
}

// ApproveStatusRequest 审批通过：请求状态与周期状态在同一事务内提交
func (s *PlantMapService) ApproveStatusRequest(ctx context.Context, tenantID, requestID, approver string) (*domain.StatusRequest, error) {
	pending, err := s.pendingRequest(ctx, tenantID, requestID)
	if err != nil {
		return nil, err
	}
	layout, err := s.GetTrackerLayout(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	var (
		approved      *domain.StatusRequest
		state         *domain.CycleState
		changed       []string
		justCompleted bool
	)
	err = s.repo.WithTask(ctx, tenantID, pending.TaskType, func(tx repository.TaskTx) error {
		req, err := tx.LockStatusRequest(ctx, requestID)
		if err != nil {
			return err
		}
		now := s.now()
		if err := req.Approve(approver, now); err != nil {
			return fmt.Errorf("status request %q is %s: %w", requestID, req.Status, err)
		}

		cs, err := tx.LoadCycleState(ctx)
		if err != nil {
			return err
		}
		cs = s.aligned(cs, tenantID, req.TaskType, layout)
		wasComplete := cs.IsComplete
		changed = cs.ApplyApproved(req.TrackerIDs, req.RequestedState, now)
		justCompleted = cs.IsComplete && !wasComplete

		if err := tx.SaveCycleState(ctx, cs); err != nil {
			return err
		}
		if err := tx.SaveStatusRequestReview(ctx, req); err != nil {
			return err
		}
		approved, state = req, cs
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to approve status request: %w", err)
	}

	if skipped := len(approved.TrackerIDs) - len(changed); skipped > 0 {
		// 提交后被其他审批先标记为 done 的 tracker
		s.logger.Info("Approved request contained trackers without state change",
			zap.String("request_id", requestID),
			zap.Int("skipped", skipped),
		)
	}
	statusReviewsTotal.WithLabelValues(approved.TaskType, domain.RequestApproved).Inc()
	s.logger.Info("Status request approved",
		zap.String("tenant_id", tenantID),
		zap.String("task_type", approved.TaskType),
		zap.String("request_id", requestID),
		zap.String("approver", approver),
		zap.Int("changed", len(changed)),
		zap.Bool("cycle_complete", state.IsComplete),
	)

	s.cacheCycleInfo(ctx, tenantID, state.Info())
	s.releaseReviewedGuard(ctx, approved)
	s.publish(ctx, events.CycleEvent{
		Type:        events.StatusRequestApproved,
		TenantID:    tenantID,
		TaskType:    approved.TaskType,
		CycleNumber: state.CycleNumber,
		RequestID:   requestID,
		TrackerIDs:  changed,
		State:       string(approved.RequestedState),
		Actor:       approver,
		OccurredAt:  *approved.ReviewedAt,
	})
	if justCompleted {
		cyclesCompletedTotal.WithLabelValues(approved.TaskType).Inc()
		s.publish(ctx, events.CycleEvent{
			Type:        events.CycleCompleted,
			TenantID:    tenantID,
			TaskType:    approved.TaskType,
			CycleNumber: state.CycleNumber,
			Actor:       approver,
			OccurredAt:  *approved.ReviewedAt,
		})
	}
	return approved, nil
}

// RejectStatusRequest 驳回：不修改周期状态
func (s *PlantMapService) RejectStatusRequest(ctx context.Context, tenantID, requestID, approver, reason string) (*domain.StatusRequest, error) {
	pending, err := s.pendingRequest(ctx, tenantID, requestID)
	if err != nil {
		return nil, err
	}

	var rejected *domain.StatusRequest
	err = s.repo.WithTask(ctx, tenantID, pending.TaskType, func(tx repository.TaskTx) error {
		req, err := tx.LockStatusRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if err := req.Reject(approver, strings.TrimSpace(reason), s.now()); err != nil {
			return fmt.Errorf("status request %q is %s: %w", requestID, req.Status, err)
		}
		if err := tx.SaveStatusRequestReview(ctx, req); err != nil {
			return err
		}
		rejected = req
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to reject status request: %w", err)
	}

	statusReviewsTotal.WithLabelValues(rejected.TaskType, domain.RequestRejected).Inc()
	s.logger.Info("Status request rejected",
		zap.String("tenant_id", tenantID),
		zap.String("task_type", rejected.TaskType),
		zap.String("request_id", requestID),
		zap.String("approver", approver),
	)
	s.releaseReviewedGuard(ctx, rejected)
	s.publish(ctx, events.CycleEvent{
		Type:       events.StatusRequestRejected,
		TenantID:   tenantID,
		TaskType:   rejected.TaskType,
		RequestID:  requestID,
		TrackerIDs: rejected.TrackerIDs,
		State:      string(rejected.RequestedState),
		Actor:      approver,
		OccurredAt: *rejected.ReviewedAt,
	})
	return rejected, nil
}

func (s *PlantMapService) pendingRequest(ctx context.Context, tenantID, requestID string) (*domain.StatusRequest, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant_id is required")
	}
	if requestID == "" {
		return nil, fmt.Errorf("request_id is required: %w", domain.ErrNotFound)
	}
	req, err := s.repo.GetStatusRequest(ctx, tenantID, requestID)
	if err != nil {
		return nil, err
	}
	if !req.IsPending() {
		return nil, fmt.Errorf("status request %q is %s: %w", requestID, req.Status, domain.ErrNotFound)
	}
	return req, nil
}

// ResetCycle 周期全部完成后开始新周期；上一周期归档到 cycle_history
func (s *PlantMapService) ResetCycle(ctx context.Context, tenantID, taskType, resetBy string) (*domain.CycleState, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant_id is required")
	}
	if err := s.checkTaskType(taskType); err != nil {
		return nil, err
	}
	layout, err := s.GetTrackerLayout(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	var (
		state       *domain.CycleState
		closedCycle int
	)
	err = s.repo.WithTask(ctx, tenantID, taskType, func(tx repository.TaskTx) error {
		cs, err := tx.LoadCycleState(ctx)
		if err != nil {
			return err
		}
		cs = s.aligned(cs, tenantID, taskType, layout)
		if !cs.IsComplete {
			return fmt.Errorf("%w: cycle is not complete", domain.ErrPreconditionFailed)
		}

		now := s.now()
		history := &domain.CycleHistory{
			TrackerCount: len(cs.TrackerStates),
			CompletedAt:  cs.CompletedAt,
			ResetAt:      now,
			ResetBy:      resetBy,
		}
		if cs.CycleNumber != nil {
			closedCycle = *cs.CycleNumber
		}
		history.CycleNumber = closedCycle

		if err := cs.Reset(now); err != nil {
			return err
		}
		if err := tx.ArchiveCycle(ctx, history); err != nil {
			return err
		}
		if err := tx.SaveCycleState(ctx, cs); err != nil {
			return err
		}
		state = cs
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrPreconditionFailed) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to reset cycle: %w", err)
	}

	cycleResetsTotal.WithLabelValues(taskType).Inc()
	s.logger.Info("Cycle reset",
		zap.String("tenant_id", tenantID),
		zap.String("task_type", taskType),
		zap.Int("closed_cycle", closedCycle),
		zap.Intp("cycle_number", state.CycleNumber),
		zap.String("reset_by", resetBy),
	)
	s.cacheCycleInfo(ctx, tenantID, state.Info())
	s.publish(ctx, events.CycleEvent{
		Type:        events.CycleReset,
		TenantID:    tenantID,
		TaskType:    taskType,
		CycleNumber: state.CycleNumber,
		Actor:       resetBy,
		OccurredAt:  state.UpdatedAt,
	})
	return state, nil
}

// ListCycleHistoryResponse 周期归档列表
type ListCycleHistoryResponse struct {
	Items []*domain.CycleHistory `json:"items"`
	Total int                    `json:"total"`
}

// ListCycleHistory 已归档周期
func (s *PlantMapService) ListCycleHistory(ctx context.Context, tenantID, taskType string, page, size int) (*ListCycleHistoryResponse, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant_id is required")
	}
	if err := s.checkTaskType(taskType); err != nil {
		return nil, err
	}
	items, total, err := s.repo.ListCycleHistory(ctx, tenantID, taskType, page, size)
	if err != nil {
		return nil, fmt.Errorf("failed to list cycle history: %w", err)
	}
	return &ListCycleHistoryResponse{Items: items, Total: total}, nil
}

func (s *PlantMapService) countSubmission(taskType, outcome string) {
	statusRequestsTotal.WithLabelValues(taskType, outcome).Inc()
}

func (s *PlantMapService) publish(ctx context.Context, ev events.CycleEvent) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Warn("Failed to publish cycle event", zap.String("type", ev.Type), zap.Error(err))
	}
}

func cycleInfoKey(tenantID, taskType string) string {
	return "plantmap:cycle:" + tenantID + ":" + taskType
}

func (s *PlantMapService) cachedCycleInfo(ctx context.Context, tenantID, taskType string) (*domain.CycleInfo, bool) {
	if s.kv == nil {
		return nil, false
	}
	raw, err := s.kv.Get(ctx, cycleInfoKey(tenantID, taskType))
	if err != nil {
		if !errors.Is(err, store.ErrMiss) {
			s.logger.Warn("Cycle info cache read failed", zap.Error(err))
		}
		return nil, false
	}
	var info domain.CycleInfo
	if err := json.Unmarshal([]byte(raw), &info); err != nil {
		return nil, false
	}
	return &info, true
}

// cacheCycleInfo 写路径提交后覆盖缓存
func (s *PlantMapService) cacheCycleInfo(ctx context.Context, tenantID string, info domain.CycleInfo) {
	if s.kv == nil {
		return
	}
	b, err := json.Marshal(info)
	if err != nil {
		return
	}
	if err := s.kv.Set(ctx, cycleInfoKey(tenantID, info.TaskType), string(b), s.cfg.CycleInfoTTL); err != nil {
		s.logger.Warn("Cycle info cache write failed", zap.Error(err))
	}
}

// fillCycleInfo 读路径只在缓存缺失时写入，不覆盖写路径的结果
func (s *PlantMapService) fillCycleInfo(ctx context.Context, tenantID string, info domain.CycleInfo) {
	if s.kv == nil {
		return
	}
	b, err := json.Marshal(info)
	if err != nil {
		return
	}
	if _, err := s.kv.SetNX(ctx, cycleInfoKey(tenantID, info.TaskType), string(b), s.cfg.CycleInfoTTL); err != nil {
		s.logger.Warn("Cycle info cache write failed", zap.Error(err))
	}
}

// InvalidateCycleInfo 清除租户所有任务类型的 cycle info 缓存（布局变化后 is_complete 可能改变）
func (s *PlantMapService) InvalidateCycleInfo(ctx context.Context, tenantID string) error {
	if s.kv == nil || tenantID == "" {
		return nil
	}
	keys, err := s.kv.ScanKeys(ctx, cycleInfoKey(tenantID, "*"))
	if err != nil {
		return fmt.Errorf("failed to scan cycle info cache: %w", err)
	}
	if err := s.kv.Del(ctx, keys...); err != nil {
		return fmt.Errorf("failed to clear cycle info cache: %w", err)
	}
	return nil
}

// submissionGuardKey 同一提交人 + 任务类型 + 目标状态 + tracker 集合
func submissionGuardKey(tenantID, taskType, submittedBy string, state domain.TrackerState, ids []string) string {
	h := sha1.Sum([]byte(strings.Join(ids, ",")))
	return fmt.Sprintf("plantmap:submit:%s:%s:%s:%s:%s", tenantID, taskType, submittedBy, state, hex.EncodeToString(h[:]))
}

// acquireSubmissionGuard 返回是否由本次提交持有 guard；是否重复只由仓库层的 pending 检查决定
func (s *PlantMapService) acquireSubmissionGuard(ctx context.Context, key string) bool {
	if s.kv == nil {
		return false
	}
	ok, err := s.kv.SetNX(ctx, key, "1", s.cfg.DebounceWindow)
	if err != nil {
		s.logger.Warn("Submission guard unavailable", zap.Error(err))
		return false
	}
	if !ok {
		s.logger.Debug("Submission guard held, checking pending requests", zap.String("key", key))
	}
	return ok
}

// releaseReviewedGuard 请求离开 pending 后释放对应的 guard
func (s *PlantMapService) releaseReviewedGuard(ctx context.Context, req *domain.StatusRequest) {
	if s.kv == nil {
		return
	}
	s.releaseSubmissionGuard(ctx, submissionGuardKey(req.TenantID, req.TaskType, req.SubmittedBy, req.RequestedState, req.TrackerIDs))
}

func (s *PlantMapService) releaseSubmissionGuard(ctx context.Context, key string) {
	if err := s.kv.Del(ctx, key); err != nil {
		s.logger.Warn("Failed to release submission guard", zap.Error(err))
	}
}
