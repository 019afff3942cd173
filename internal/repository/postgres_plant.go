package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"plantops-data/internal/domain"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// PostgresPlantRepository Plant Map Repository实现
type PostgresPlantRepository struct {
	db *sql.DB
}

// NewPostgresPlantRepository 创建 Plant Map Repository
func NewPostgresPlantRepository(db *sql.DB) *PostgresPlantRepository {
	return &PostgresPlantRepository{db: db}
}

// 确保实现了接口
var _ PlantRepository = (*PostgresPlantRepository)(nil)

// rowScanner *sql.Row / *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

const cycleStateColumns = `
	tenant_id::text,
	task_type,
	cycle_number,
	tracker_states,
	is_complete,
	completed_at,
	updated_at`

const statusRequestColumns = `
	request_id::text,
	tenant_id::text,
	task_type,
	tracker_ids,
	requested_state,
	message,
	submitted_by,
	submitted_at,
	status,
	reviewed_by,
	reviewed_at,
	reject_reason`

func scanCycleState(row rowScanner) (*domain.CycleState, error) {
	var cs domain.CycleState
	var cycleNumber sql.NullInt64
	var statesJSON []byte
	var completedAt sql.NullTime

	if err := row.Scan(
		&cs.TenantID,
		&cs.TaskType,
		&cycleNumber,
		&statesJSON,
		&cs.IsComplete,
		&completedAt,
		&cs.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if cycleNumber.Valid {
		n := int(cycleNumber.Int64)
		cs.CycleNumber = &n
	}
	if completedAt.Valid {
		t := completedAt.Time
		cs.CompletedAt = &t
	}
	cs.TrackerStates = map[string]domain.TrackerState{}
	if len(statesJSON) > 0 {
		if err := json.Unmarshal(statesJSON, &cs.TrackerStates); err != nil {
			return nil, fmt.Errorf("failed to decode tracker_states: %w", err)
		}
	}
	return &cs, nil
}

func scanStatusRequest(row rowScanner) (*domain.StatusRequest, error) {
	var req domain.StatusRequest
	var trackerIDs pq.StringArray
	var state string
	var message, reviewedBy, rejectReason sql.NullString
	var reviewedAt sql.NullTime

	if err := row.Scan(
		&req.RequestID,
		&req.TenantID,
		&req.TaskType,
		&trackerIDs,
		&state,
		&message,
		&req.SubmittedBy,
		&req.SubmittedAt,
		&req.Status,
		&reviewedBy,
		&reviewedAt,
		&rejectReason,
	); err != nil {
		return nil, err
	}

	req.TrackerIDs = []string(trackerIDs)
	req.RequestedState = domain.TrackerState(state)
	if message.Valid {
		req.Message = message.String
	}
	if reviewedBy.Valid {
		req.ReviewedBy = reviewedBy.String
	}
	if reviewedAt.Valid {
		t := reviewedAt.Time
		req.ReviewedAt = &t
	}
	if rejectReason.Valid {
		req.RejectReason = rejectReason.String
	}
	return &req, nil
}

// GetCycleState 获取周期状态
func (r *PostgresPlantRepository) GetCycleState(ctx context.Context, tenantID, taskType string) (*domain.CycleState, error) {
	if tenantID == "" || taskType == "" {
		return nil, nil
	}
	query := `SELECT ` + cycleStateColumns + `
		FROM cycle_states
		WHERE tenant_id = $1 AND task_type = $2`

	cs, err := scanCycleState(r.db.QueryRowContext(ctx, query, tenantID, taskType))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get cycle state: %w", err)
	}
	return cs, nil
}

// ListCycleHistory 查询已归档周期
func (r *PostgresPlantRepository) ListCycleHistory(ctx context.Context, tenantID, taskType string, page, size int) ([]*domain.CycleHistory, int, error) {
	if tenantID == "" {
		return []*domain.CycleHistory{}, 0, nil
	}
	page, size = normalizePage(page, size)

	var total int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cycle_history WHERE tenant_id = $1 AND task_type = $2`,
		tenantID, taskType,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count cycle history: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT
			history_id::text,
			tenant_id::text,
			task_type,
			cycle_number,
			tracker_count,
			completed_at,
			reset_at,
			reset_by
		FROM cycle_history
		WHERE tenant_id = $1 AND task_type = $2
		ORDER BY cycle_number DESC
		LIMIT $3 OFFSET $4`,
		tenantID, taskType, size, (page-1)*size,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list cycle history: %w", err)
	}
	defer rows.Close()

	items := []*domain.CycleHistory{}
	for rows.Next() {
		var h domain.CycleHistory
		var completedAt sql.NullTime
		var resetBy sql.NullString
		if err := rows.Scan(
			&h.HistoryID,
			&h.TenantID,
			&h.TaskType,
			&h.CycleNumber,
			&h.TrackerCount,
			&completedAt,
			&h.ResetAt,
			&resetBy,
		); err != nil {
			return nil, 0, fmt.Errorf("failed to scan cycle history: %w", err)
		}
		if completedAt.Valid {
			t := completedAt.Time
			h.CompletedAt = &t
		}
		h.ResetBy = resetBy.String
		items = append(items, &h)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate cycle history: %w", err)
	}
	return items, total, nil
}

// GetStatusRequest 获取状态请求
func (r *PostgresPlantRepository) GetStatusRequest(ctx context.Context, tenantID, requestID string) (*domain.StatusRequest, error) {
	if tenantID == "" || !isUUID(requestID) {
		return nil, fmt.Errorf("status request %q: %w", requestID, domain.ErrNotFound)
	}
	query := `SELECT ` + statusRequestColumns + `
		FROM status_requests
		WHERE tenant_id = $1 AND request_id = $2`

	req, err := scanStatusRequest(r.db.QueryRowContext(ctx, query, tenantID, requestID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("status request %q: %w", requestID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get status request: %w", err)
	}
	return req, nil
}

// ListStatusRequests 批量查询状态请求（支持过滤和分页）
func (r *PostgresPlantRepository) ListStatusRequests(ctx context.Context, tenantID string, filters *StatusRequestFilters, page, size int) ([]*domain.StatusRequest, int, error) {
	if tenantID == "" {
		return []*domain.StatusRequest{}, 0, nil
	}

	where := []string{"tenant_id = $1"}
	args := []any{tenantID}
	argN := 2

	if filters != nil {
		if filters.TaskType != "" {
			where = append(where, fmt.Sprintf("task_type = $%d", argN))
			args = append(args, filters.TaskType)
			argN++
		}
		if filters.Status != "" {
			where = append(where, fmt.Sprintf("status = $%d", argN))
			args = append(args, filters.Status)
			argN++
		}
		if filters.SubmittedBy != "" {
			where = append(where, fmt.Sprintf("submitted_by = $%d", argN))
			args = append(args, filters.SubmittedBy)
			argN++
		}
	}

	// 查询总数
	var total int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM status_requests WHERE `+strings.Join(where, " AND "),
		args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count status requests: %w", err)
	}

	page, size = normalizePage(page, size)
	argsList := append(args, size, (page-1)*size)
	query := `SELECT ` + statusRequestColumns + `
		FROM status_requests
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY submitted_at DESC
		LIMIT $` + fmt.Sprintf("%d", argN) + ` OFFSET $` + fmt.Sprintf("%d", argN+1)

	rows, err := r.db.QueryContext(ctx, query, argsList...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list status requests: %w", err)
	}
	defer rows.Close()

	items := []*domain.StatusRequest{}
	for rows.Next() {
		req, err := scanStatusRequest(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan status request: %w", err)
		}
		items = append(items, req)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate status requests: %w", err)
	}
	return items, total, nil
}

// ListPendingStatusRequests 审批队列，按提交时间倒序
func (r *PostgresPlantRepository) ListPendingStatusRequests(ctx context.Context, tenantID, taskType string) ([]*domain.StatusRequest, error) {
	if tenantID == "" {
		return []*domain.StatusRequest{}, nil
	}
	query := `SELECT ` + statusRequestColumns + `
		FROM status_requests
		WHERE tenant_id = $1 AND status = 'pending' AND ($2::text = '' OR task_type = $2)
		ORDER BY submitted_at DESC`

	rows, err := r.db.QueryContext(ctx, query, tenantID, taskType)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending status requests: %w", err)
	}
	defer rows.Close()

	items := []*domain.StatusRequest{}
	for rows.Next() {
		req, err := scanStatusRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan status request: %w", err)
		}
		items = append(items, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pending status requests: %w", err)
	}
	return items, nil
}

// WithTask 在一个事务内执行 fn，并以事务级 advisory lock 串行化同一 (tenant, task type)
func (r *PostgresPlantRepository) WithTask(ctx context.Context, tenantID, taskType string, fn func(tx TaskTx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`,
		taskLockKey(tenantID, taskType),
	); err != nil {
		return fmt.Errorf("failed to lock task %s: %w", taskType, err)
	}

	if err := fn(&pgTaskTx{tx: tx, tenantID: tenantID, taskType: taskType}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// pgTaskTx TaskTx 的事务实现
type pgTaskTx struct {
	tx       *sql.Tx
	tenantID string
	taskType string
}

func (t *pgTaskTx) LoadCycleState(ctx context.Context) (*domain.CycleState, error) {
	query := `SELECT ` + cycleStateColumns + `
		FROM cycle_states
		WHERE tenant_id = $1 AND task_type = $2`

	cs, err := scanCycleState(t.tx.QueryRowContext(ctx, query, t.tenantID, t.taskType))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load cycle state: %w", err)
	}
	return cs, nil
}

func (t *pgTaskTx) SaveCycleState(ctx context.Context, cs *domain.CycleState) error {
	statesJSON, err := json.Marshal(cs.TrackerStates)
	if err != nil {
		return fmt.Errorf("failed to encode tracker_states: %w", err)
	}
	var cycleNumber sql.NullInt64
	if cs.CycleNumber != nil {
		cycleNumber = sql.NullInt64{Int64: int64(*cs.CycleNumber), Valid: true}
	}
	var completedAt sql.NullTime
	if cs.CompletedAt != nil {
		completedAt = sql.NullTime{Time: *cs.CompletedAt, Valid: true}
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO cycle_states (tenant_id, task_type, cycle_number, tracker_states, is_complete, completed_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, task_type)
		DO UPDATE SET cycle_number = EXCLUDED.cycle_number,
		              tracker_states = EXCLUDED.tracker_states,
		              is_complete = EXCLUDED.is_complete,
		              completed_at = EXCLUDED.completed_at,
		              updated_at = EXCLUDED.updated_at`,
		t.tenantID, t.taskType, cycleNumber, statesJSON, cs.IsComplete, completedAt, cs.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save cycle state: %w", err)
	}
	return nil
}

func (t *pgTaskTx) ArchiveCycle(ctx context.Context, h *domain.CycleHistory) error {
	var completedAt sql.NullTime
	if h.CompletedAt != nil {
		completedAt = sql.NullTime{Time: *h.CompletedAt, Valid: true}
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO cycle_history (tenant_id, task_type, cycle_number, tracker_count, completed_at, reset_at, reset_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.tenantID, t.taskType, h.CycleNumber, h.TrackerCount, completedAt, h.ResetAt, h.ResetBy,
	)
	if err != nil {
		return fmt.Errorf("failed to archive cycle: %w", err)
	}
	return nil
}

func (t *pgTaskTx) InsertStatusRequest(ctx context.Context, req *domain.StatusRequest) (string, error) {
	var requestID string
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO status_requests (
			tenant_id, task_type, tracker_ids, requested_state, message,
			submitted_by, submitted_at, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING request_id::text`,
		t.tenantID,
		t.taskType,
		pq.Array(req.TrackerIDs),
		string(req.RequestedState),
		sql.NullString{String: req.Message, Valid: req.Message != ""},
		req.SubmittedBy,
		req.SubmittedAt,
		domain.RequestPending,
	).Scan(&requestID)
	if err != nil {
		return "", fmt.Errorf("failed to create status request: %w", err)
	}
	return requestID, nil
}

func (t *pgTaskTx) FindPendingOverlapping(ctx context.Context, submittedBy string, state domain.TrackerState, trackerIDs []string, since time.Time) ([]*domain.StatusRequest, error) {
	query := `SELECT ` + statusRequestColumns + `
		FROM status_requests
		WHERE tenant_id = $1
		  AND task_type = $2
		  AND submitted_by = $3
		  AND requested_state = $4
		  AND status = 'pending'
		  AND submitted_at >= $5
		  AND tracker_ids && $6`

	rows, err := t.tx.QueryContext(ctx, query,
		t.tenantID, t.taskType, submittedBy, string(state), since, pq.Array(trackerIDs),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending requests: %w", err)
	}
	defer rows.Close()

	var out []*domain.StatusRequest
	for rows.Next() {
		req, err := scanStatusRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan status request: %w", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func (t *pgTaskTx) LockStatusRequest(ctx context.Context, requestID string) (*domain.StatusRequest, error) {
	if !isUUID(requestID) {
		return nil, fmt.Errorf("status request %q: %w", requestID, domain.ErrNotFound)
	}
	query := `SELECT ` + statusRequestColumns + `
		FROM status_requests
		WHERE tenant_id = $1 AND task_type = $2 AND request_id = $3
		FOR UPDATE`

	req, err := scanStatusRequest(t.tx.QueryRowContext(ctx, query, t.tenantID, t.taskType, requestID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("status request %q: %w", requestID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to lock status request: %w", err)
	}
	return req, nil
}

func (t *pgTaskTx) SaveStatusRequestReview(ctx context.Context, req *domain.StatusRequest) error {
	var reviewedAt sql.NullTime
	if req.ReviewedAt != nil {
		reviewedAt = sql.NullTime{Time: *req.ReviewedAt, Valid: true}
	}
	// 只允许从 pending 迁出一次
	res, err := t.tx.ExecContext(ctx, `
		UPDATE status_requests
		SET status = $3,
		    reviewed_by = $4,
		    reviewed_at = $5,
		    reject_reason = $6
		WHERE tenant_id = $1 AND request_id = $2 AND status = 'pending'`,
		t.tenantID,
		req.RequestID,
		req.Status,
		sql.NullString{String: req.ReviewedBy, Valid: req.ReviewedBy != ""},
		reviewedAt,
		sql.NullString{String: req.RejectReason, Valid: req.RejectReason != ""},
	)
	if err != nil {
		return fmt.Errorf("failed to update status request: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("status request %q: %w", req.RequestID, domain.ErrNotFound)
	}
	return nil
}

func taskLockKey(tenantID, taskType string) string {
	return "plantmap:" + tenantID + ":" + taskType
}

func isUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

func normalizePage(page, size int) (int, int) {
	if page <= 0 {
		page = 1
	}
	if size <= 0 {
		size = 20
	}
	if size > 500 {
		size = 500
	}
	return page, size
}
