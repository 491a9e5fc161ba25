package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/noah-isme/metislab-api/internal/dto"
	"github.com/noah-isme/metislab-api/internal/models"
	"github.com/noah-isme/metislab-api/internal/workflow"
	appErrors "github.com/noah-isme/metislab-api/pkg/errors"
	"github.com/noah-isme/metislab-api/pkg/logger"
)

type accessRequestRepository interface {
	workflow.Store
	Create(ctx context.Context, req *models.AccessRequest, event *models.RequestEvent) error
	GetByID(ctx context.Context, id int64) (*models.AccessRequest, error)
	UpdateContent(ctx context.Context, req *models.AccessRequest, observed time.Time, event *models.RequestEvent) error
	List(ctx context.Context, filter models.AccessRequestFilter) ([]models.AccessRequest, int, error)
	ListEvents(ctx context.Context, requestID int64) ([]models.RequestEvent, error)
	StageCounts(ctx context.Context, ownerID string) ([]models.StageCount, error)
}

type eventPublisher interface {
	Publish(event models.RequestEvent)
}

// RequestService handles submission, editing and listing of access requests.
// Workflow transitions go through ApprovalService.
type RequestService struct {
	repo      accessRequestRepository
	validator *validator.Validate
	cache     *CacheService
	feed      eventPublisher
	logger    *zap.Logger
	now       func() time.Time
}

// NewRequestService constructs a RequestService.
func NewRequestService(repo accessRequestRepository, validate *validator.Validate, cache *CacheService, feed eventPublisher, logger *zap.Logger) *RequestService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	return &RequestService{
		repo:      repo,
		validator: validate,
		cache:     cache,
		feed:      feed,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// stamp is the write time, cut to the precision the store keeps so the
// updated_at handed back to clients matches the stored one.
func (s *RequestService) stamp() time.Time {
	return s.now().Truncate(time.Microsecond)
}

// Submit creates a pending request owned by actor.
func (s *RequestService) Submit(ctx context.Context, actor models.Actor, content dto.RequestContent) (*models.AccessRequest, error) {
	if !lo.Contains(models.RequesterRoles, actor.Role) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only student, faculty and external accounts can submit requests")
	}

	now := s.stamp()
	req := &models.AccessRequest{
		SubmittedBy: actor.ID,
		SubmittedAt: now,
		Status:      models.StatusPending,
		UpdatedAt:   now,
	}
	if err := s.applyContent(req, content); err != nil {
		return nil, err
	}

	event := &models.RequestEvent{
		ID:        uuid.NewString(),
		ActorID:   actor.ID,
		ActorRole: actor.Role,
		Action:    models.ActionSubmit,
		ToStatus:  models.StatusPending,
		CreatedAt: now,
	}
	if err := s.repo.Create(ctx, req, event); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to submit request")
	}

	logger.WithContext(ctx, s.logger).Info("access request submitted", zap.Int64("request_id", req.ID), zap.String("actor_id", actor.ID))
	s.afterCommit(ctx, *event)
	return req, nil
}

// Update rewrites the content of a pending request. Only the owner may edit,
// and only before the guide has acted. The write is refused as stale when the
// request changed after it was read, or after content.ExpectedUpdatedAt.
func (s *RequestService) Update(ctx context.Context, actor models.Actor, id int64, content dto.RequestContent) (*models.AccessRequest, error) {
	current, err := loadRequest(ctx, s.repo, id)
	if err != nil {
		return nil, err
	}
	if current.SubmittedBy != actor.ID {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only the request owner can edit it")
	}
	if current.Status != models.StatusPending {
		return nil, appErrors.Clone(appErrors.ErrInvalidState, fmt.Sprintf("cannot edit a request in status %s", current.Status)).
			WithDetail("status", current.Status)
	}
	if content.ExpectedUpdatedAt != nil && !content.ExpectedUpdatedAt.Equal(current.UpdatedAt) {
		return nil, staleEdit()
	}

	next := current.Clone()
	if err := s.applyContent(next, content); err != nil {
		return nil, err
	}
	now := s.stamp()
	next.UpdatedAt = now

	event := &models.RequestEvent{
		ID:         uuid.NewString(),
		RequestID:  id,
		ActorID:    actor.ID,
		ActorRole:  actor.Role,
		Action:     models.ActionUpdate,
		FromStatus: models.StatusPending,
		ToStatus:   models.StatusPending,
		CreatedAt:  now,
	}
	if err := s.repo.UpdateContent(ctx, next, current.UpdatedAt, event); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			latest, reloadErr := loadRequest(ctx, s.repo, id)
			if reloadErr != nil {
				return nil, reloadErr
			}
			if latest.Status == models.StatusPending {
				return nil, staleEdit()
			}
			return nil, appErrors.Clone(appErrors.ErrInvalidState, fmt.Sprintf("cannot edit a request in status %s", latest.Status)).
				WithDetail("status", latest.Status)
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update request")
	}

	s.afterCommit(ctx, *event)
	return next, nil
}

func staleEdit() error {
	return appErrors.Clone(appErrors.ErrStaleState, "request was changed since you loaded it, refresh and retry").
		WithDetail("action", models.ActionUpdate)
}

// Get returns one request if actor may see it.
func (s *RequestService) Get(ctx context.Context, actor models.Actor, id int64) (*models.AccessRequest, error) {
	req, err := loadRequest(ctx, s.repo, id)
	if err != nil {
		return nil, err
	}
	if !canView(actor, req) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "you can only view your own requests")
	}
	return req, nil
}

// ListMine lists the caller's own requests.
func (s *RequestService) ListMine(ctx context.Context, actor models.Actor, query dto.ListRequestsQuery) ([]models.AccessRequest, *models.Pagination, error) {
	filter, err := s.buildFilter(query, "submitted_at")
	if err != nil {
		return nil, nil, err
	}
	filter.SubmittedBy = actor.ID
	return s.list(ctx, filter)
}

// ListByStage lists requests awaiting role. Staff see their own stage; admin may inspect any stage.
func (s *RequestService) ListByStage(ctx context.Context, actor models.Actor, role models.UserRole, query dto.ListRequestsQuery) ([]models.AccessRequest, *models.Pagination, error) {
	status, ok := workflow.IncomingStatus(role)
	if !ok {
		return nil, nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("%s is not an approval stage", role))
	}
	if actor.Role != role && actor.Role != models.RoleAdmin {
		return nil, nil, appErrors.Clone(appErrors.ErrForbidden, fmt.Sprintf("requires %s role", role))
	}
	filter, err := s.buildFilter(query, "submitted_at")
	if err != nil {
		return nil, nil, err
	}
	filter.Statuses = []models.RequestStatus{status}
	return s.list(ctx, filter)
}

// ListRejected lists rejected requests filtered on the rejection date.
func (s *RequestService) ListRejected(ctx context.Context, query dto.ListRequestsQuery) ([]models.AccessRequest, *models.Pagination, error) {
	filter, err := s.buildFilter(query, "rejected_at")
	if err != nil {
		return nil, nil, err
	}
	filter.Statuses = []models.RequestStatus{models.StatusRejected}
	return s.list(ctx, filter)
}

// ListAll lists every request matching the query.
func (s *RequestService) ListAll(ctx context.Context, query dto.ListRequestsQuery) ([]models.AccessRequest, *models.Pagination, error) {
	filter, err := s.buildFilter(query, "submitted_at")
	if err != nil {
		return nil, nil, err
	}
	return s.list(ctx, filter)
}

func (s *RequestService) list(ctx context.Context, filter models.AccessRequestFilter) ([]models.AccessRequest, *models.Pagination, error) {
	items, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list requests")
	}
	pageSize := filter.PageSize
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}
	return items, models.NewPagination(filter.Page, pageSize, total), nil
}

func (s *RequestService) buildFilter(query dto.ListRequestsQuery, dateField string) (models.AccessRequestFilter, error) {
	for _, status := range query.Status {
		if !status.Valid() {
			return models.AccessRequestFilter{}, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown status %q", status))
		}
	}
	if query.Priority != "" && !query.Priority.Valid() {
		return models.AccessRequestFilter{}, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown priority %q", query.Priority))
	}

	from, to := query.From, query.To
	if query.DateRange != "" {
		start, err := resolveDateRange(query.DateRange, s.now())
		if err != nil {
			return models.AccessRequestFilter{}, err
		}
		from = &start
	}
	if from != nil && to != nil && !to.After(*from) {
		return models.AccessRequestFilter{}, appErrors.Clone(appErrors.ErrValidation, "to must be after from")
	}

	return models.AccessRequestFilter{
		Statuses:  lo.Uniq(query.Status),
		Priority:  query.Priority,
		Search:    strings.TrimSpace(query.Search),
		DateField: dateField,
		From:      from,
		To:        to,
		Page:      query.Page,
		PageSize:  query.PageSize,
		SortOrder: query.SortOrder,
	}, nil
}

func resolveDateRange(name string, now time.Time) (time.Time, error) {
	switch name {
	case models.DateRangeToday:
		y, m, d := now.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, now.Location()), nil
	case models.DateRangeWeek:
		return now.AddDate(0, 0, -7), nil
	case models.DateRangeMonth:
		return now.AddDate(0, 0, -30), nil
	}
	return time.Time{}, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown date_range %q", name))
}

func (s *RequestService) applyContent(req *models.AccessRequest, content dto.RequestContent) error {
	if err := s.validator.Struct(content); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid access request payload")
	}

	title := strings.TrimSpace(content.ProjectTitle)
	description := strings.TrimSpace(content.Description)
	purpose := strings.TrimSpace(content.Purpose)
	switch {
	case title == "":
		return appErrors.Clone(appErrors.ErrValidation, "project_title is required")
	case description == "":
		return appErrors.Clone(appErrors.ErrValidation, "description is required")
	case purpose == "":
		return appErrors.Clone(appErrors.ErrValidation, "purpose is required")
	}

	fields := normaliseSelections(content.FieldsOfInterest)
	if len(fields) == 0 {
		return appErrors.Clone(appErrors.ErrValidation, "select at least one field of interest")
	}
	dataTypes := normaliseSelections(content.DataTypes)
	if len(dataTypes) == 0 {
		return appErrors.Clone(appErrors.ErrValidation, "select at least one data type")
	}
	if !content.DeclarationAccepted {
		return appErrors.Clone(appErrors.ErrValidation, "the declaration must be accepted")
	}

	priority := content.Priority
	if priority == "" {
		priority = models.PriorityMedium
	}
	if !priority.Valid() {
		return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown priority %q", priority))
	}

	req.ProjectTitle = title
	req.Description = description
	req.Purpose = purpose
	req.GuideEmail = nil
	if email := strings.TrimSpace(content.GuideEmail); email != "" {
		email = strings.ToLower(email)
		req.GuideEmail = &email
	}
	req.ExpectedDuration = strings.TrimSpace(content.ExpectedDuration)
	req.Priority = priority
	req.Details = models.RequestDetails{
		FieldsOfInterest:       fields,
		PackagePreference:      strings.TrimSpace(content.PackagePreference),
		DatasetStatus:          strings.TrimSpace(content.DatasetStatus),
		DatasetSize:            strings.TrimSpace(content.DatasetSize),
		DataTypes:              dataTypes,
		ComputeCores:           content.ComputeCores,
		AdditionalRequirements: strings.TrimSpace(content.AdditionalRequirements),
		DeclarationAccepted:    true,
	}
	return nil
}

func (s *RequestService) afterCommit(ctx context.Context, event models.RequestEvent) {
	s.cache.InvalidateDashboards(ctx)
	if s.feed != nil {
		s.feed.Publish(event)
	}
}

// normaliseSelections trims, drops blanks and de-duplicates multi-select values.
func normaliseSelections(values []string) []string {
	trimmed := lo.Map(values, func(v string, _ int) string { return strings.TrimSpace(v) })
	return lo.Uniq(lo.Compact(trimmed))
}

func loadRequest(ctx context.Context, repo accessRequestRepository, id int64) (*models.AccessRequest, error) {
	req, err := repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("request %d not found", id))
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load request")
	}
	return req, nil
}

// canView reports whether actor may read req: its owner or any approval-chain role.
func canView(actor models.Actor, req *models.AccessRequest) bool {
	return actor.ID == req.SubmittedBy || actor.Role.IsStaff()
}
