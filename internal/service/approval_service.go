package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/noah-isme/metislab-api/internal/dto"
	"github.com/noah-isme/metislab-api/internal/models"
	"github.com/noah-isme/metislab-api/internal/workflow"
	appErrors "github.com/noah-isme/metislab-api/pkg/errors"
	"github.com/noah-isme/metislab-api/pkg/logger"
)

// ApprovalService is the role-gated entry point for every workflow transition.
// It loads the request, hands the command to the engine and maps the outcome
// onto typed errors.
type ApprovalService struct {
	repo    accessRequestRepository
	engine  *workflow.Engine
	cache   *CacheService
	feed    eventPublisher
	metrics *MetricsService
	logger  *zap.Logger
}

// ApprovalServiceParams groups constructor dependencies.
type ApprovalServiceParams struct {
	Repo    accessRequestRepository
	Engine  *workflow.Engine
	Cache   *CacheService
	Feed    eventPublisher
	Metrics *MetricsService
	Logger  *zap.Logger
}

// NewApprovalService constructs the gateway. A nil engine gets one over Repo.
func NewApprovalService(params ApprovalServiceParams) *ApprovalService {
	log := params.Logger
	if log == nil {
		log = zap.NewNop()
	}
	engine := params.Engine
	if engine == nil {
		engine = workflow.NewEngine(params.Repo, log)
	}
	return &ApprovalService{
		repo:    params.Repo,
		engine:  engine,
		cache:   params.Cache,
		feed:    params.Feed,
		metrics: params.Metrics,
		logger:  log,
	}
}

// Approve advances a request one stage.
func (s *ApprovalService) Approve(ctx context.Context, actor models.Actor, id int64, req dto.ActionRequest) (*dto.ActionResponse, error) {
	return s.act(ctx, actor, id, models.ActionApprove, req)
}

// Reject ends the approval chain with a reason.
func (s *ApprovalService) Reject(ctx context.Context, actor models.Actor, id int64, req dto.ActionRequest) (*dto.ActionResponse, error) {
	return s.act(ctx, actor, id, models.ActionReject, req)
}

// Close retires an approved request.
func (s *ApprovalService) Close(ctx context.Context, actor models.Actor, id int64, req dto.ActionRequest) (*dto.ActionResponse, error) {
	return s.act(ctx, actor, id, models.ActionClose, req)
}

// Restore sends a rejected request back to the guide stage.
func (s *ApprovalService) Restore(ctx context.Context, actor models.Actor, id int64, req dto.ActionRequest) (*dto.ActionResponse, error) {
	return s.act(ctx, actor, id, models.ActionRestore, req)
}

// Cancel withdraws a pending request on behalf of its owner.
func (s *ApprovalService) Cancel(ctx context.Context, actor models.Actor, id int64, req dto.ActionRequest) (*dto.ActionResponse, error) {
	req.ActingRole = ""
	return s.act(ctx, actor, id, models.ActionCancel, req)
}

// act runs action on request id for actor. The acting role in req only narrows
// what the account role allows; when it is omitted the role implied by the
// current status is reported but never used to authorize.
func (s *ApprovalService) act(ctx context.Context, actor models.Actor, id int64, action models.RequestAction, req dto.ActionRequest) (*dto.ActionResponse, error) {
	if err := validActingRole(req.ActingRole); err != nil {
		return nil, err
	}
	if req.ExpectedStatus != "" && !req.ExpectedStatus.Valid() {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown expected_status %q", req.ExpectedStatus))
	}

	current, err := loadRequest(ctx, s.repo, id)
	if err != nil {
		return nil, err
	}

	result, err := s.engine.Execute(ctx, current, workflow.Command{
		Action:            action,
		Actor:             actor,
		ClaimedRole:       req.ActingRole,
		ExpectedStatus:    req.ExpectedStatus,
		ExpectedUpdatedAt: req.ExpectedUpdatedAt,
		Reason:            req.Reason,
	})
	if err != nil {
		s.metrics.RecordTransition(action, "error")
		logger.WithContext(ctx, s.logger).Error("workflow commit failed", zap.Int64("request_id", id), zap.String("action", string(action)), zap.Error(err))
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record decision")
	}
	s.metrics.RecordTransition(action, string(result.Outcome))

	if err := outcomeError(result, current.Status, action); err != nil {
		return nil, err
	}

	s.cache.InvalidateDashboards(ctx)
	if s.feed != nil && result.Event != nil {
		s.feed.Publish(*result.Event)
	}
	return &dto.ActionResponse{
		Request:    result.Request,
		Event:      result.Event,
		ActingRole: workflow.ActingRole(req.ActingRole, current.Status),
	}, nil
}

// Authorize reports whether actor could take action on request id right now
// without committing anything. Payload checks such as the rejection reason are
// left to the action itself.
func (s *ApprovalService) Authorize(ctx context.Context, actor models.Actor, id int64, action models.RequestAction, claimed models.UserRole) (*dto.AuthorizeResponse, error) {
	if err := validActingRole(claimed); err != nil {
		return nil, err
	}
	current, err := loadRequest(ctx, s.repo, id)
	if err != nil {
		return nil, err
	}

	resp := &dto.AuthorizeResponse{
		RequestID:  current.ID,
		Action:     action,
		Status:     current.Status,
		UpdatedAt:  current.UpdatedAt,
		ActingRole: workflow.ActingRole(claimed, current.Status),
	}
	t, ok := workflow.Lookup(current.Status, action)
	if !ok {
		resp.Reason = fmt.Sprintf("cannot %s a request in status %s", action, current.Status)
		return resp, nil
	}
	decision := workflow.Authorize(actor, claimed, current, t)
	resp.Allowed, resp.Reason = decision.Allowed, decision.Reason
	return resp, nil
}

func validActingRole(role models.UserRole) error {
	if role != "" && !role.Valid() {
		return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown acting_role %q", role))
	}
	return nil
}

// outcomeError maps a refused command to its API error. State refusals carry
// the status the request was in so clients can refresh their view.
func outcomeError(result workflow.Result, status models.RequestStatus, action models.RequestAction) error {
	switch result.Outcome {
	case workflow.OutcomeApplied:
		return nil
	case workflow.OutcomeDenied:
		return appErrors.Clone(appErrors.ErrForbidden, result.Reason)
	case workflow.OutcomeInvalidState:
		return appErrors.Clone(appErrors.ErrInvalidState, result.Reason).
			WithDetail("status", status).
			WithDetail("action", action)
	case workflow.OutcomeStale:
		return appErrors.Clone(appErrors.ErrStaleState, result.Reason).WithDetail("action", action)
	case workflow.OutcomeInvalid:
		return appErrors.Clone(appErrors.ErrValidation, result.Reason)
	}
	return appErrors.Clone(appErrors.ErrInternal, fmt.Sprintf("unknown workflow outcome %q", result.Outcome))
}
