package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/metislab-api/internal/models"
	"github.com/noah-isme/metislab-api/internal/workflow"
)

const accessRequestColumns = `ar.id, ar.project_title, ar.description, ar.purpose, ar.guide_email, ar.expected_duration,
       ar.priority, ar.details, ar.submitted_by, COALESCE(u.full_name, '') AS submitter_name, ar.submitted_at, ar.status,
       ar.guide_approved_by, ar.guide_approved_at, ar.hod_approved_by, ar.hod_approved_at,
       ar.it_services_approved_by, ar.it_services_approved_at, ar.approved_by, ar.approved_at,
       ar.rejected_by, ar.rejected_at, ar.rejection_reason, ar.closed_by, ar.closed_at, ar.cancelled_at, ar.updated_at`

const accessRequestFrom = `FROM access_requests ar LEFT JOIN users u ON u.id = ar.submitted_by`

const insertRequestEvent = `INSERT INTO request_events (id, request_id, actor_id, actor_role, action, from_status, to_status, reason, created_at)
VALUES (:id, :request_id, :actor_id, :actor_role, :action, :from_status, :to_status, :reason, :created_at)`

// AccessRequestRepository persists access requests and their audit events.
type AccessRequestRepository struct {
	db *sqlx.DB
}

// NewAccessRequestRepository constructs the repository.
func NewAccessRequestRepository(db *sqlx.DB) *AccessRequestRepository {
	return &AccessRequestRepository{db: db}
}

// Create inserts req together with its submit event and fills the generated id.
func (r *AccessRequestRepository) Create(ctx context.Context, req *models.AccessRequest, event *models.RequestEvent) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create access request tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const query = `INSERT INTO access_requests
	(project_title, description, purpose, guide_email, expected_duration, priority, details, submitted_by, submitted_at, status, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	RETURNING id`
	if err := tx.QueryRowxContext(ctx, query,
		req.ProjectTitle, req.Description, req.Purpose, req.GuideEmail, req.ExpectedDuration,
		req.Priority, req.Details, req.SubmittedBy, req.SubmittedAt, req.Status, req.UpdatedAt,
	).Scan(&req.ID); err != nil {
		return fmt.Errorf("insert access request: %w", err)
	}

	event.RequestID = req.ID
	if _, err := tx.NamedExecContext(ctx, insertRequestEvent, event); err != nil {
		return fmt.Errorf("insert submit event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create access request: %w", err)
	}
	return nil
}

// GetByID fetches a request with its submitter name. Missing rows return sql.ErrNoRows.
func (r *AccessRequestRepository) GetByID(ctx context.Context, id int64) (*models.AccessRequest, error) {
	query := fmt.Sprintf("SELECT %s %s WHERE ar.id = $1", accessRequestColumns, accessRequestFrom)
	var req models.AccessRequest
	if err := r.db.GetContext(ctx, &req, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("get access request: %w", err)
	}
	return &req, nil
}

// UpdateContent rewrites the editable fields of a pending request and records
// the update event. It returns sql.ErrNoRows when the request is missing, no
// longer pending or was written after observed.
func (r *AccessRequestRepository) UpdateContent(ctx context.Context, req *models.AccessRequest, observed time.Time, event *models.RequestEvent) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update access request tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const query = `UPDATE access_requests
	SET project_title = $2, description = $3, purpose = $4, guide_email = $5, expected_duration = $6,
	    priority = $7, details = $8, updated_at = $9
	WHERE id = $1 AND status = 'pending' AND updated_at = $10`
	res, err := tx.ExecContext(ctx, query,
		req.ID, req.ProjectTitle, req.Description, req.Purpose, req.GuideEmail, req.ExpectedDuration,
		req.Priority, req.Details, req.UpdatedAt, observed,
	)
	if err != nil {
		return fmt.Errorf("update access request: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update access request rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}

	if _, err := tx.NamedExecContext(ctx, insertRequestEvent, event); err != nil {
		return fmt.Errorf("insert update event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update access request: %w", err)
	}
	return nil
}

// CompareAndSwap writes the workflow columns of next and appends event, but
// only while the stored row is still at the expected revision.
func (r *AccessRequestRepository) CompareAndSwap(ctx context.Context, next *models.AccessRequest, expected workflow.Revision, event *models.RequestEvent) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transition tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const query = `UPDATE access_requests
	SET status = $3,
	    guide_approved_by = $4, guide_approved_at = $5,
	    hod_approved_by = $6, hod_approved_at = $7,
	    it_services_approved_by = $8, it_services_approved_at = $9,
	    approved_by = $10, approved_at = $11,
	    rejected_by = $12, rejected_at = $13, rejection_reason = $14,
	    closed_by = $15, closed_at = $16, cancelled_at = $17,
	    updated_at = $18
	WHERE id = $1 AND status = $2 AND updated_at = $19`
	res, err := tx.ExecContext(ctx, query,
		next.ID, expected.Status, next.Status,
		next.GuideApprovedBy, next.GuideApprovedAt,
		next.HODApprovedBy, next.HODApprovedAt,
		next.ITServicesApprovedBy, next.ITServicesApprovedAt,
		next.ApprovedBy, next.ApprovedAt,
		next.RejectedBy, next.RejectedAt, next.RejectionReason,
		next.ClosedBy, next.ClosedAt, next.CancelledAt,
		next.UpdatedAt, expected.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("transition access request: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition access request rows: %w", err)
	}
	if affected == 0 {
		return workflow.ErrStaleState
	}

	if _, err := tx.NamedExecContext(ctx, insertRequestEvent, event); err != nil {
		return fmt.Errorf("insert %s event: %w", event.Action, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition: %w", err)
	}
	return nil
}

// List returns requests matching the filter with the total count.
func (r *AccessRequestRepository) List(ctx context.Context, filter models.AccessRequestFilter) ([]models.AccessRequest, int, error) {
	var conditions []string
	var args []interface{}

	if filter.SubmittedBy != "" {
		args = append(args, filter.SubmittedBy)
		conditions = append(conditions, fmt.Sprintf("ar.submitted_by = $%d", len(args)))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, status := range filter.Statuses {
			statuses[i] = string(status)
		}
		args = append(args, pq.Array(statuses))
		conditions = append(conditions, fmt.Sprintf("ar.status = ANY($%d)", len(args)))
	}
	if filter.Priority != "" {
		args = append(args, filter.Priority)
		conditions = append(conditions, fmt.Sprintf("ar.priority = $%d", len(args)))
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		args = append(args, "%"+search+"%")
		idx := len(args)
		clause := fmt.Sprintf("ar.project_title ILIKE $%d OR ar.purpose ILIKE $%d OR u.full_name ILIKE $%d", idx, idx, idx)
		if id, err := strconv.ParseInt(search, 10, 64); err == nil {
			args = append(args, id)
			clause += fmt.Sprintf(" OR ar.id = $%d", len(args))
		}
		conditions = append(conditions, "("+clause+")")
	}

	dateField := "submitted_at"
	if filter.DateField == "rejected_at" {
		dateField = "rejected_at"
	}
	if filter.From != nil {
		args = append(args, *filter.From)
		conditions = append(conditions, fmt.Sprintf("ar.%s >= $%d", dateField, len(args)))
	}
	if filter.To != nil {
		args = append(args, *filter.To)
		conditions = append(conditions, fmt.Sprintf("ar.%s < $%d", dateField, len(args)))
	}

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	sortOrder := strings.ToUpper(filter.SortOrder)
	if sortOrder != "ASC" && sortOrder != "DESC" {
		sortOrder = "DESC"
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	listQuery := fmt.Sprintf("SELECT %s %s%s ORDER BY ar.%s %s, ar.id %s LIMIT %d OFFSET %d",
		accessRequestColumns, accessRequestFrom, where, dateField, sortOrder, sortOrder, pageSize, offset)
	var requests []models.AccessRequest
	if err := r.db.SelectContext(ctx, &requests, listQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("list access requests: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s%s", accessRequestFrom, where)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count access requests: %w", err)
	}
	return requests, total, nil
}

// ListEvents returns the audit trail of a request, oldest first.
func (r *AccessRequestRepository) ListEvents(ctx context.Context, requestID int64) ([]models.RequestEvent, error) {
	const query = `SELECT id, request_id, actor_id, actor_role, action, from_status, to_status, reason, created_at
	FROM request_events WHERE request_id = $1 ORDER BY created_at ASC, id ASC`
	var events []models.RequestEvent
	if err := r.db.SelectContext(ctx, &events, query, requestID); err != nil {
		return nil, fmt.Errorf("list request events: %w", err)
	}
	return events, nil
}

// StageCounts aggregates requests by status and completed stages. An empty
// ownerID counts every request.
func (r *AccessRequestRepository) StageCounts(ctx context.Context, ownerID string) ([]models.StageCount, error) {
	query := `SELECT status,
       guide_approved_at IS NOT NULL AS guide_done,
       hod_approved_at IS NOT NULL AS hod_done,
       it_services_approved_at IS NOT NULL AS it_services_done,
       COUNT(*) AS count
	FROM access_requests`
	var args []interface{}
	if ownerID != "" {
		query += " WHERE submitted_by = $1"
		args = append(args, ownerID)
	}
	query += " GROUP BY status, guide_done, hod_done, it_services_done ORDER BY status"

	var rows []models.StageCount
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("count access requests by stage: %w", err)
	}
	return rows, nil
}
