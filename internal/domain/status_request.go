package domain

import (
	"sort"
	"time"
)

// StatusRequest 状态变更请求（对应 status_requests 表）
// 现场人员在地图上批量选择 tracker 提交，管理员审批后合并进 CycleState
type StatusRequest struct {
	RequestID string `json:"request_id"`
	TenantID  string `json:"tenant_id"`
	TaskType  string `json:"task_type"`

	TrackerIDs     []string     `json:"tracker_ids"`
	RequestedState TrackerState `json:"requested_state"` // halfway / done
	Message        string       `json:"message,omitempty"`

	SubmittedBy string    `json:"submitted_by"`
	SubmittedAt time.Time `json:"submitted_at"`

	Status       string     `json:"status"` // pending / approved / rejected
	ReviewedBy   string     `json:"reviewed_by,omitempty"`
	ReviewedAt   *time.Time `json:"reviewed_at,omitempty"`
	RejectReason string     `json:"reject_reason,omitempty"`
}

const (
	RequestPending  = "pending"
	RequestApproved = "approved"
	RequestRejected = "rejected"
)

// ValidRequestStatus 是否为已知的请求状态
func ValidRequestStatus(s string) bool {
	return s == RequestPending || s == RequestApproved || s == RequestRejected
}

// IsPending 仅 pending 可被审批 / 驳回
func (r *StatusRequest) IsPending() bool {
	return r.Status == RequestPending
}

// Approve pending -> approved
func (r *StatusRequest) Approve(approver string, now time.Time) error {
	if !r.IsPending() {
		return ErrNotFound
	}
	r.Status = RequestApproved
	r.ReviewedBy = approver
	t := now
	r.ReviewedAt = &t
	return nil
}

// Reject pending -> rejected
func (r *StatusRequest) Reject(approver, reason string, now time.Time) error {
	if !r.IsPending() {
		return ErrNotFound
	}
	r.Status = RequestRejected
	r.ReviewedBy = approver
	r.RejectReason = reason
	t := now
	r.ReviewedAt = &t
	return nil
}

// Overlaps 是否与给定 tracker 集合有交集
func (r *StatusRequest) Overlaps(trackerIDs []string) bool {
	set := make(map[string]struct{}, len(r.TrackerIDs))
	for _, id := range r.TrackerIDs {
		set[id] = struct{}{}
	}
	for _, id := range trackerIDs {
		if _, ok := set[id]; ok {
			return true
		}
	}
	return false
}

// NormalizeTrackerIDs 排序去空；重复 ID 返回 false
func NormalizeTrackerIDs(ids []string) ([]string, bool) {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id == "" {
			return nil, false
		}
		if _, dup := seen[id]; dup {
			return nil, false
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out, true
}
