package service

import (
	"context"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/noah-isme/metislab-api/internal/dto"
	"github.com/noah-isme/metislab-api/internal/models"
	"github.com/noah-isme/metislab-api/internal/workflow"
	appErrors "github.com/noah-isme/metislab-api/pkg/errors"
)

// Stats scopes accepted by ProjectionService.Stats.
const (
	StatsScopeRole   = "role"
	StatsScopeGlobal = "global"
	StatsScopeOwn    = "own"
)

var reviewStatuses = lo.Filter(models.AllStatuses, func(s models.RequestStatus, _ int) bool { return s.InReview() })

type userCounter interface {
	Counts(ctx context.Context) (models.UserCounts, error)
}

// ProjectionServiceConfig tunes dashboard composition.
type ProjectionServiceConfig struct {
	CacheTTL    time.Duration
	QueueLimit  int
	RecentLimit int
}

// ProjectionService builds read-only views: dashboards, timelines, statistics
// and request history.
type ProjectionService struct {
	repo    accessRequestRepository
	users   userCounter
	cache   *CacheService
	metrics *MetricsService
	logger  *zap.Logger
	now     func() time.Time
	cfg     ProjectionServiceConfig
}

// ProjectionServiceParams groups constructor dependencies.
type ProjectionServiceParams struct {
	Repo    accessRequestRepository
	Users   userCounter
	Cache   *CacheService
	Metrics *MetricsService
	Logger  *zap.Logger
	Config  ProjectionServiceConfig
}

// NewProjectionService constructs a ProjectionService with sane defaults.
func NewProjectionService(params ProjectionServiceParams) *ProjectionService {
	cfg := params.Config
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 30 * time.Second
	}
	if cfg.QueueLimit <= 0 {
		cfg.QueueLimit = 50
	}
	if cfg.RecentLimit <= 0 {
		cfg.RecentLimit = 5
	}
	logger := params.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProjectionService{
		repo:    params.Repo,
		users:   params.Users,
		cache:   params.Cache,
		metrics: params.Metrics,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		cfg:     cfg,
	}
}

// Dashboard returns the caller's dashboard and whether it came from cache.
func (s *ProjectionService) Dashboard(ctx context.Context, actor models.Actor) (*dto.DashboardResponse, bool, error) {
	if !actor.Role.Valid() {
		return nil, false, appErrors.Clone(appErrors.ErrForbidden, "unknown role")
	}
	return remember(ctx, s.cache, DashboardKey(actor), s.cfg.CacheTTL, func(ctx context.Context) (*dto.DashboardResponse, error) {
		if actor.Role.IsStaff() {
			return s.composeStaffDashboard(ctx, actor.Role)
		}
		return s.composeRequesterDashboard(ctx, actor)
	})
}

func (s *ProjectionService) composeStaffDashboard(ctx context.Context, role models.UserRole) (*dto.DashboardResponse, error) {
	incoming, _ := workflow.IncomingStatus(role)
	pending, pendingTotal, err := s.repo.List(ctx, models.AccessRequestFilter{
		Statuses:  []models.RequestStatus{incoming},
		PageSize:  s.cfg.QueueLimit,
		SortOrder: "ASC",
	})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load pending queue")
	}
	approved, _, err := s.repo.List(ctx, models.AccessRequestFilter{
		Statuses: workflow.AdvancedStatuses(role),
		PageSize: s.cfg.RecentLimit,
	})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load processed requests")
	}
	rows, err := s.stageCounts(ctx, "")
	if err != nil {
		return nil, err
	}

	summary := &dto.DashboardResponse{
		Role:            role,
		PendingAtStage:  pending,
		PendingTotal:    pendingTotal,
		ApprovedByStage: approved,
		Counts:          workflow.StatusTotals(rows),
		Stats:           workflow.FoldStats(rows, role),
		GeneratedAt:     s.now(),
	}

	if role == models.RoleAdmin {
		pipeline, _, err := s.repo.List(ctx, models.AccessRequestFilter{
			Statuses: reviewStatuses,
			PageSize: s.cfg.QueueLimit,
		})
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load pipeline")
		}
		summary.Pipeline = pipeline
		if s.users != nil {
			counts, err := s.users.Counts(ctx)
			if err != nil {
				return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count users")
			}
			summary.Users = &counts
		}
	}
	return summary, nil
}

func (s *ProjectionService) composeRequesterDashboard(ctx context.Context, actor models.Actor) (*dto.DashboardResponse, error) {
	mine, _, err := s.repo.List(ctx, models.AccessRequestFilter{
		SubmittedBy: actor.ID,
		PageSize:    s.cfg.RecentLimit,
	})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load own requests")
	}
	rows, err := s.stageCounts(ctx, actor.ID)
	if err != nil {
		return nil, err
	}
	return &dto.DashboardResponse{
		Role:        actor.Role,
		MyRequests:  mine,
		Counts:      workflow.StatusTotals(rows),
		Stats:       workflow.FoldStats(rows, actor.Role),
		GeneratedAt: s.now(),
	}, nil
}

// Timeline derives the checkpoints of one request and the actions the caller could take next.
func (s *ProjectionService) Timeline(ctx context.Context, actor models.Actor, id int64) (*dto.TimelineResponse, error) {
	req, err := loadRequest(ctx, s.repo, id)
	if err != nil {
		return nil, err
	}
	if !canView(actor, req) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "you can only view your own requests")
	}

	actions := make([]models.RequestAction, 0, 2)
	for _, t := range workflow.Transitions(req.Status) {
		if workflow.Authorize(actor, "", req, t).Allowed {
			actions = append(actions, t.Action)
		}
	}
	return &dto.TimelineResponse{
		RequestID:        req.ID,
		ProjectTitle:     req.ProjectTitle,
		Status:           req.Status,
		Steps:            workflow.Timeline(req),
		AvailableActions: actions,
	}, nil
}

// History returns the audit trail of one request.
func (s *ProjectionService) History(ctx context.Context, actor models.Actor, id int64) ([]models.RequestEvent, error) {
	req, err := loadRequest(ctx, s.repo, id)
	if err != nil {
		return nil, err
	}
	if !canView(actor, req) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "you can only view your own requests")
	}
	events, err := s.repo.ListEvents(ctx, id)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load request history")
	}
	return events, nil
}

// Stats computes request statistics. Requesters only ever see their own
// requests; staff get their stage scope by default and may ask for global.
func (s *ProjectionService) Stats(ctx context.Context, actor models.Actor, scope string) (*dto.StatsResponse, error) {
	if !actor.Role.IsStaff() {
		if scope != "" && scope != StatsScopeOwn {
			return nil, appErrors.Clone(appErrors.ErrForbidden, "requesters can only view their own statistics")
		}
		rows, err := s.stageCounts(ctx, actor.ID)
		if err != nil {
			return nil, err
		}
		return &dto.StatsResponse{Scope: StatsScopeOwn, Stats: workflow.FoldStats(rows, actor.Role)}, nil
	}

	rows, err := s.stageCounts(ctx, "")
	if err != nil {
		return nil, err
	}
	switch scope {
	case "", StatsScopeRole:
		return &dto.StatsResponse{Scope: StatsScopeRole, Stats: workflow.FoldStats(rows, actor.Role)}, nil
	case StatsScopeGlobal:
		return &dto.StatsResponse{Scope: StatsScopeGlobal, Stats: workflow.FoldStats(rows, "")}, nil
	}
	return nil, appErrors.Clone(appErrors.ErrValidation, "scope must be role or global")
}

func (s *ProjectionService) stageCounts(ctx context.Context, ownerID string) ([]models.StageCount, error) {
	start := time.Now()
	rows, err := s.repo.StageCounts(ctx, ownerID)
	s.metrics.ObserveDBQuery("stage_counts", time.Since(start))
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to aggregate requests")
	}
	return rows, nil
}
