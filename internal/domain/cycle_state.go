package domain

import (
	"sort"
	"time"
)

// TrackerState 单个 tracker 在当前周期内的完成状态
type TrackerState string

const (
	TrackerNotDone TrackerState = "not_done"
	TrackerHalfway TrackerState = "halfway"
	TrackerDone    TrackerState = "done"
)

// Valid 是否为已知状态
func (s TrackerState) Valid() bool {
	switch s {
	case TrackerNotDone, TrackerHalfway, TrackerDone:
		return true
	}
	return false
}

// Requestable 状态请求只能申请 halfway / done
func (s TrackerState) Requestable() bool {
	return s == TrackerHalfway || s == TrackerDone
}

// CycleState 某个任务类型（grass_cutting / panel_wash ...）的周期状态（对应 cycle_states 表）
type CycleState struct {
	TenantID string `json:"tenant_id"`
	TaskType string `json:"task_type"`

	// 首次审批通过前为 nil
	CycleNumber *int `json:"cycle_number"`

	// 每个可选 tracker 一项（不含办公室标记）
	TrackerStates map[string]TrackerState `json:"tracker_states"`

	IsComplete  bool       `json:"is_complete"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// NewCycleState 默认状态：无周期号，所有 tracker 为 not_done
func NewCycleState(tenantID, taskType string, layout []TrackerUnit) *CycleState {
	cs := &CycleState{
		TenantID:      tenantID,
		TaskType:      taskType,
		TrackerStates: make(map[string]TrackerState, len(layout)),
	}
	for _, t := range layout {
		if t.Selectable() {
			cs.TrackerStates[t.TrackerID] = TrackerNotDone
		}
	}
	return cs
}

// StateOf 未记录的 tracker 视为 not_done
func (cs *CycleState) StateOf(trackerID string) TrackerState {
	if s, ok := cs.TrackerStates[trackerID]; ok && s.Valid() {
		return s
	}
	return TrackerNotDone
}

// Normalize 与当前布局对齐：补齐缺失的 tracker，移除布局中不存在的 tracker，并重算完成标志
func (cs *CycleState) Normalize(layout []TrackerUnit, now time.Time) {
	next := make(map[string]TrackerState, len(layout))
	for _, t := range layout {
		if !t.Selectable() {
			continue
		}
		next[t.TrackerID] = cs.StateOf(t.TrackerID)
	}
	cs.TrackerStates = next
	cs.recomputeComplete(now)
}

// ApplyApproved 应用已审批的状态变更，返回实际发生变化的 tracker ID
//
// done 是终态：已完成的 tracker 不会被降级；布局外的 ID 被忽略。
func (cs *CycleState) ApplyApproved(trackerIDs []string, newState TrackerState, now time.Time) []string {
	if cs.TrackerStates == nil {
		cs.TrackerStates = map[string]TrackerState{}
	}
	if cs.CycleNumber == nil {
		first := 1
		cs.CycleNumber = &first
	}

	changed := make([]string, 0, len(trackerIDs))
	for _, id := range trackerIDs {
		cur, known := cs.TrackerStates[id]
		if !known || cur == TrackerDone || cur == newState {
			continue
		}
		cs.TrackerStates[id] = newState
		changed = append(changed, id)
	}
	cs.UpdatedAt = now
	cs.recomputeComplete(now)
	return changed
}

// Reset 开始新周期：周期号 +1，所有 tracker 回到 not_done
func (cs *CycleState) Reset(now time.Time) error {
	if !cs.IsComplete {
		return ErrPreconditionFailed
	}
	next := 1
	if cs.CycleNumber != nil {
		next = *cs.CycleNumber + 1
	}
	cs.CycleNumber = &next
	for id := range cs.TrackerStates {
		cs.TrackerStates[id] = TrackerNotDone
	}
	cs.IsComplete = false
	cs.CompletedAt = nil
	cs.UpdatedAt = now
	return nil
}

func (cs *CycleState) recomputeComplete(now time.Time) {
	complete := len(cs.TrackerStates) > 0
	for _, s := range cs.TrackerStates {
		if s != TrackerDone {
			complete = false
			break
		}
	}
	if complete && !cs.IsComplete {
		t := now
		cs.CompletedAt = &t
	}
	if !complete {
		cs.CompletedAt = nil
	}
	cs.IsComplete = complete
}

// TrackerIDsIn 按 ID 排序返回处于指定状态的 tracker
func (cs *CycleState) TrackerIDsIn(state TrackerState) []string {
	ids := make([]string, 0)
	for id, s := range cs.TrackerStates {
		if s == state {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Clone 深拷贝（缓存 / 内存仓库使用，避免共享 map）
func (cs *CycleState) Clone() *CycleState {
	if cs == nil {
		return nil
	}
	out := *cs
	if cs.CycleNumber != nil {
		n := *cs.CycleNumber
		out.CycleNumber = &n
	}
	if cs.CompletedAt != nil {
		t := *cs.CompletedAt
		out.CompletedAt = &t
	}
	out.TrackerStates = make(map[string]TrackerState, len(cs.TrackerStates))
	for k, v := range cs.TrackerStates {
		out.TrackerStates[k] = v
	}
	return &out
}

// CycleInfo getCycleInfo 的投影
type CycleInfo struct {
	TaskType    string `json:"task_type"`
	CycleNumber *int   `json:"cycle_number"`
	IsComplete  bool   `json:"is_complete"`
}

// Info 投影为 CycleInfo
func (cs *CycleState) Info() CycleInfo {
	info := CycleInfo{TaskType: cs.TaskType, IsComplete: cs.IsComplete}
	if cs.CycleNumber != nil {
		n := *cs.CycleNumber
		info.CycleNumber = &n
	}
	return info
}

// CycleHistory 已关闭周期的归档记录（对应 cycle_history 表）
type CycleHistory struct {
	HistoryID    string     `json:"history_id"`
	TenantID     string     `json:"tenant_id"`
	TaskType     string     `json:"task_type"`
	CycleNumber  int        `json:"cycle_number"`
	TrackerCount int        `json:"tracker_count"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ResetAt      time.Time  `json:"reset_at"`
	ResetBy      string     `json:"reset_by"`
}
