package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"plantops-data/internal/domain"
	"plantops-data/internal/service"

	"go.uber.org/zap"
)

const plantMapPrefix = "/plantmap/api/v1/"

// LayoutReloader 清除 tracker 布局缓存
type LayoutReloader interface {
	Invalidate(tenantID string)
}

// PlantMapHandler Plant Map（tracker 周期 + 状态审批）Handler
type PlantMapHandler struct {
	svc        *service.PlantMapService
	layout     LayoutReloader // 可为 nil
	adminRoles map[string]struct{}
	logger     *zap.Logger
}

// NewPlantMapHandler 创建 PlantMapHandler；adminRoles 可执行审批 / 重置
func NewPlantMapHandler(svc *service.PlantMapService, layout LayoutReloader, adminRoles []string, logger *zap.Logger) *PlantMapHandler {
	roles := make(map[string]struct{}, len(adminRoles))
	for _, r := range adminRoles {
		roles[strings.ToLower(strings.TrimSpace(r))] = struct{}{}
	}
	return &PlantMapHandler{svc: svc, layout: layout, adminRoles: roles, logger: logger}
}

// ServeHTTP 处理 HTTP 请求
func (h *PlantMapHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// 路由：/plantmap/api/v1/...
	//   GET  trackers
	//   POST trackers/reload
	//   GET  task-types
	//   GET  cycles/:task | cycles/:task/state | cycles/:task/history | cycles/:task/export
	//   POST cycles/:task/reset
	//   GET  status-requests | POST status-requests
	//   POST status-requests/:id/approve | status-requests/:id/reject
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, plantMapPrefix), "/"), "/")

	switch {
	case len(parts) == 1 && parts[0] == "trackers":
		h.only(w, r, http.MethodGet, h.GetTrackers)
	case len(parts) == 2 && parts[0] == "trackers" && parts[1] == "reload":
		h.only(w, r, http.MethodPost, h.admin(h.ReloadTrackers))
	case len(parts) == 1 && parts[0] == "task-types":
		h.only(w, r, http.MethodGet, h.GetTaskTypes)
	case len(parts) == 2 && parts[0] == "cycles":
		h.only(w, r, http.MethodGet, h.withTask(parts[1], h.GetCycleInfo))
	case len(parts) == 3 && parts[0] == "cycles":
		switch parts[2] {
		case "state":
			h.only(w, r, http.MethodGet, h.withTask(parts[1], h.GetCycleState))
		case "history":
			h.only(w, r, http.MethodGet, h.withTask(parts[1], h.GetCycleHistory))
		case "export":
			h.only(w, r, http.MethodGet, h.withTask(parts[1], h.ExportCycle))
		case "reset":
			h.only(w, r, http.MethodPost, h.admin(h.withTask(parts[1], h.ResetCycle)))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	case len(parts) == 1 && parts[0] == "status-requests":
		switch r.Method {
		case http.MethodGet:
			h.ListStatusRequests(w, r)
		case http.MethodPost:
			h.SubmitStatusRequest(w, r)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	case len(parts) == 3 && parts[0] == "status-requests":
		id := parts[1]
		switch parts[2] {
		case "approve":
			h.only(w, r, http.MethodPost, h.admin(func(w http.ResponseWriter, r *http.Request) { h.ApproveStatusRequest(w, r, id) }))
		case "reject":
			h.only(w, r, http.MethodPost, h.admin(func(w http.ResponseWriter, r *http.Request) { h.RejectStatusRequest(w, r, id) }))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *PlantMapHandler) only(w http.ResponseWriter, r *http.Request, method string, next http.HandlerFunc) {
	if r.Method != method {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	next(w, r)
}

// admin 审批 / 重置仅限管理角色（X-User-Role 由网关注入）
func (h *PlantMapHandler) admin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		role := strings.ToLower(strings.TrimSpace(r.Header.Get("X-User-Role")))
		if _, ok := h.adminRoles[role]; !ok || role == "" {
			h.logger.Warn("Plant map admin operation denied",
				zap.String("path", r.URL.Path),
				zap.String("user_id", actorFromReq(r)),
				zap.String("user_role", r.Header.Get("X-User-Role")),
			)
			writeJSON(w, http.StatusForbidden, FailCode(ResultForbidden, "permission denied"))
			return
		}
		next(w, r)
	}
}

type taskHandlerFunc func(w http.ResponseWriter, r *http.Request, taskType string)

func (h *PlantMapHandler) withTask(taskType string, next taskHandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		next(w, r, taskType)
	}
}

func (h *PlantMapHandler) tenantIDFromReq(w http.ResponseWriter, r *http.Request) (string, bool) {
	if tid := r.URL.Query().Get("tenant_id"); tid != "" && tid != "null" {
		return tid, true
	}
	if tid := r.Header.Get("X-Tenant-Id"); tid != "" && tid != "null" {
		return tid, true
	}
	writeJSON(w, http.StatusOK, Fail("tenant_id is required"))
	return "", false
}

// writeError 领域错误 -> HTTP 状态码 + 业务码；其他错误沿用 200 + code=-1
func (h *PlantMapHandler) writeError(w http.ResponseWriter, op, tenantID string, err error) {
	status, code := http.StatusOK, ResultError
	switch {
	case errors.Is(err, domain.ErrInvalidSelection):
		status, code = http.StatusBadRequest, ResultInvalidSelection
	case errors.Is(err, domain.ErrDuplicatePending):
		status, code = http.StatusConflict, ResultDuplicatePending
	case errors.Is(err, domain.ErrNotFound):
		status, code = http.StatusNotFound, ResultNotFound
	case errors.Is(err, domain.ErrPreconditionFailed):
		status, code = http.StatusPreconditionFailed, ResultPreconditionFailed
	}

	if code == ResultError {
		h.logger.Error(op+" failed", zap.String("tenant_id", tenantID), zap.Error(err))
	} else {
		h.logger.Warn(op+" rejected", zap.String("tenant_id", tenantID), zap.Error(err))
	}
	writeJSON(w, status, FailCode(code, err.Error()))
}

// GetTrackers GET /plantmap/api/v1/trackers
func (h *PlantMapHandler) GetTrackers(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenantIDFromReq(w, r)
	if !ok {
		return
	}
	layout, err := h.svc.GetTrackerLayout(r.Context(), tenantID)
	if err != nil {
		h.writeError(w, "GetTrackers", tenantID, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{"items": layout, "total": len(layout)}))
}

// ReloadTrackers POST /plantmap/api/v1/trackers/reload
func (h *PlantMapHandler) ReloadTrackers(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenantIDFromReq(w, r)
	if !ok {
		return
	}
	if h.layout != nil {
		h.layout.Invalidate(tenantID)
	}
	if err := h.svc.InvalidateCycleInfo(r.Context(), tenantID); err != nil {
		h.logger.Warn("Failed to clear cycle info cache after layout reload", zap.String("tenant_id", tenantID), zap.Error(err))
	}
	layout, err := h.svc.GetTrackerLayout(r.Context(), tenantID)
	if err != nil {
		h.writeError(w, "ReloadTrackers", tenantID, err)
		return
	}
	h.logger.Info("Tracker layout reloaded", zap.String("tenant_id", tenantID), zap.Int("trackers", len(layout)))
	writeJSON(w, http.StatusOK, Ok(map[string]any{"total": len(layout)}))
}

// GetTaskTypes GET /plantmap/api/v1/task-types
func (h *PlantMapHandler) GetTaskTypes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Ok(map[string]any{"items": h.svc.TaskTypes()}))
}

// GetCycleInfo GET /plantmap/api/v1/cycles/:task
func (h *PlantMapHandler) GetCycleInfo(w http.ResponseWriter, r *http.Request, taskType string) {
	tenantID, ok := h.tenantIDFromReq(w, r)
	if !ok {
		return
	}
	info, err := h.svc.GetCycleInfo(r.Context(), tenantID, taskType)
	if err != nil {
		h.writeError(w, "GetCycleInfo", tenantID, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(info))
}

// GetCycleState GET /plantmap/api/v1/cycles/:task/state
func (h *PlantMapHandler) GetCycleState(w http.ResponseWriter, r *http.Request, taskType string) {
	tenantID, ok := h.tenantIDFromReq(w, r)
	if !ok {
		return
	}
	overview, err := h.svc.GetCycleOverview(r.Context(), tenantID, taskType)
	if err != nil {
		h.writeError(w, "GetCycleState", tenantID, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(overview))
}

// GetCycleHistory GET /plantmap/api/v1/cycles/:task/history?page=1&size=20
func (h *PlantMapHandler) GetCycleHistory(w http.ResponseWriter, r *http.Request, taskType string) {
	tenantID, ok := h.tenantIDFromReq(w, r)
	if !ok {
		return
	}
	page := queryInt(r, "page", 1)
	size := queryInt(r, "size", 20)
	resp, err := h.svc.ListCycleHistory(r.Context(), tenantID, taskType, page, size)
	if err != nil {
		h.writeError(w, "GetCycleHistory", tenantID, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"items": resp.Items,
		"pagination": map[string]any{
			"page":  page,
			"size":  size,
			"total": resp.Total,
		},
	}))
}

// ExportCycle GET /plantmap/api/v1/cycles/:task/export
func (h *PlantMapHandler) ExportCycle(w http.ResponseWriter, r *http.Request, taskType string) {
	tenantID, ok := h.tenantIDFromReq(w, r)
	if !ok {
		return
	}
	overview, err := h.svc.GetCycleOverview(r.Context(), tenantID, taskType)
	if err != nil {
		h.writeError(w, "ExportCycle", tenantID, err)
		return
	}
	layout, err := h.svc.GetTrackerLayout(r.Context(), tenantID)
	if err != nil {
		h.writeError(w, "ExportCycle", tenantID, err)
		return
	}
	data, err := GeneratePlantCycleExport(overview, layout)
	if err != nil {
		h.writeError(w, "ExportCycle", tenantID, err)
		return
	}

	filename := fmt.Sprintf("plant-map-%s-%s.xlsx", taskType, time.Now().Format("20060102"))
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", "attachment; filename="+filename)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// ResetCycle POST /plantmap/api/v1/cycles/:task/reset
func (h *PlantMapHandler) ResetCycle(w http.ResponseWriter, r *http.Request, taskType string) {
	tenantID, ok := h.tenantIDFromReq(w, r)
	if !ok {
		return
	}
	cs, err := h.svc.ResetCycle(r.Context(), tenantID, taskType, actorFromReq(r))
	if err != nil {
		h.writeError(w, "ResetCycle", tenantID, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(cs.Info()))
}

type submitStatusRequestBody struct {
	TaskType       string   `json:"task_type"`
	TrackerIDs     []string `json:"tracker_ids"`
	RequestedState string   `json:"requested_state"`
	Message        string   `json:"message"`
}

// SubmitStatusRequest POST /plantmap/api/v1/status-requests
func (h *PlantMapHandler) SubmitStatusRequest(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenantIDFromReq(w, r)
	if !ok {
		return
	}
	var body submitStatusRequestBody
	if err := readBodyJSON(r, &body); err != nil {
		writeJSON(w, http.StatusOK, Fail("invalid body"))
		return
	}

	req, err := h.svc.SubmitStatusRequest(r.Context(), service.SubmitStatusRequestRequest{
		TenantID:       tenantID,
		TaskType:       strings.TrimSpace(body.TaskType),
		TrackerIDs:     body.TrackerIDs,
		RequestedState: domain.TrackerState(strings.TrimSpace(body.RequestedState)),
		Message:        body.Message,
		SubmittedBy:    actorFromReq(r),
	})
	if err != nil {
		h.writeError(w, "SubmitStatusRequest", tenantID, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(req))
}

// ListStatusRequests GET /plantmap/api/v1/status-requests?task_type=&status=pending&page=1&size=20
func (h *PlantMapHandler) ListStatusRequests(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenantIDFromReq(w, r)
	if !ok {
		return
	}
	page := queryInt(r, "page", 1)
	size := queryInt(r, "size", 20)
	resp, err := h.svc.ListStatusRequests(r.Context(), service.ListStatusRequestsRequest{
		TenantID:    tenantID,
		TaskType:    queryString(r, "task_type"),
		Status:      queryString(r, "status"),
		SubmittedBy: queryString(r, "submitted_by"),
		Page:        page,
		Size:        size,
	})
	if err != nil {
		h.writeError(w, "ListStatusRequests", tenantID, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"items": resp.Items,
		"pagination": map[string]any{
			"page":  page,
			"size":  size,
			"total": resp.Total,
		},
	}))
}

// ApproveStatusRequest POST /plantmap/api/v1/status-requests/:id/approve
func (h *PlantMapHandler) ApproveStatusRequest(w http.ResponseWriter, r *http.Request, requestID string) {
	tenantID, ok := h.tenantIDFromReq(w, r)
	if !ok {
		return
	}
	req, err := h.svc.ApproveStatusRequest(r.Context(), tenantID, requestID, actorFromReq(r))
	if err != nil {
		h.writeError(w, "ApproveStatusRequest", tenantID, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(req))
}

// RejectStatusRequest POST /plantmap/api/v1/status-requests/:id/reject
func (h *PlantMapHandler) RejectStatusRequest(w http.ResponseWriter, r *http.Request, requestID string) {
	tenantID, ok := h.tenantIDFromReq(w, r)
	if !ok {
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if err := readBodyJSON(r, &body); err != nil {
		writeJSON(w, http.StatusOK, Fail("invalid body"))
		return
	}
	req, err := h.svc.RejectStatusRequest(r.Context(), tenantID, requestID, actorFromReq(r), body.Reason)
	if err != nil {
		h.writeError(w, "RejectStatusRequest", tenantID, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(req))
}
