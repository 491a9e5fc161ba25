package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/metislab-api/internal/models"
	appErrors "github.com/noah-isme/metislab-api/pkg/errors"
)

type stubUserCounter struct {
	counts models.UserCounts
	calls  int
}

func (s *stubUserCounter) Counts(context.Context) (models.UserCounts, error) {
	s.calls++
	return s.counts, nil
}

type projectionFixture struct {
	svc   *ProjectionService
	repo  *memRequestRepo
	cache *CacheService
	users *stubUserCounter
}

func newProjectionFixture() *projectionFixture {
	repo := newMemRequestRepo()
	users := &stubUserCounter{counts: models.UserCounts{Total: 7, Active: 6, Inactive: 1}}
	cache := NewCacheService(&stubCacheRepo{}, nil, time.Minute, zap.NewNop(), true)
	svc := NewProjectionService(ProjectionServiceParams{
		Repo:    repo,
		Users:   users,
		Cache:   cache,
		Metrics: NewMetricsService(),
	})
	svc.now = func() time.Time { return fixedNow }
	seedProjectionData(repo)
	return &projectionFixture{svc: svc, repo: repo, cache: cache, users: users}
}

// seedProjectionData stores two pending requests, one past the guide, one
// rejected by the guide and one cancelled.
func seedProjectionData(repo *memRequestRepo) {
	repo.seed(pendingRequest(student.ID))
	repo.seed(pendingRequest(student.ID))

	advanced := pendingRequest(student.ID)
	advanced.Status = models.StatusGuideApproved
	advanced.GuideApprovedBy = &guide.ID
	advanced.GuideApprovedAt = &fixedNow
	repo.seed(advanced)

	rejected := pendingRequest(student.ID)
	reason := "incomplete"
	rejected.Status = models.StatusRejected
	rejected.RejectedBy = &guide.ID
	rejected.RejectedAt = &fixedNow
	rejected.RejectionReason = &reason
	repo.seed(rejected)

	cancelled := pendingRequest(otherUser.ID)
	cancelled.Status = models.StatusCancelled
	cancelled.CancelledAt = &fixedNow
	repo.seed(cancelled)
}

func TestProjectionServiceGuideDashboard(t *testing.T) {
	f := newProjectionFixture()

	summary, cached, err := f.svc.Dashboard(context.Background(), guide)
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, models.RoleProjectGuide, summary.Role)
	assert.Len(t, summary.PendingAtStage, 2)
	assert.Equal(t, 2, summary.PendingTotal)
	require.Len(t, summary.ApprovedByStage, 1)
	assert.Equal(t, models.StatusGuideApproved, summary.ApprovedByStage[0].Status)
	assert.Nil(t, summary.Pipeline)
	assert.Nil(t, summary.Users)
	assert.Equal(t, 2, summary.Counts[models.StatusPending])
	assert.Equal(t, 0, summary.Counts[models.StatusClosed])
	assert.Equal(t, models.RequestStats{Total: 4, Active: 3, Pending: 2, Approved: 1, Rejected: 1}, summary.Stats)

	queue := f.repo.lists[0]
	assert.Equal(t, "ASC", queue.SortOrder)
	assert.Equal(t, 50, queue.PageSize)

	again, cached, err := f.svc.Dashboard(context.Background(), guide)
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Equal(t, summary.Stats, again.Stats)

	f.cache.InvalidateDashboards(context.Background())
	_, cached, err = f.svc.Dashboard(context.Background(), guide)
	require.NoError(t, err)
	assert.False(t, cached)
}

func TestProjectionServiceAdminDashboard(t *testing.T) {
	f := newProjectionFixture()

	summary, _, err := f.svc.Dashboard(context.Background(), admin)
	require.NoError(t, err)
	assert.Empty(t, summary.PendingAtStage)
	assert.Len(t, summary.Pipeline, 3)
	require.NotNil(t, summary.Users)
	assert.Equal(t, 7, summary.Users.Total)
	assert.Equal(t, 5, summary.Stats.Total)
	assert.Equal(t, 1, summary.Stats.Cancelled)
}

func TestProjectionServiceRequesterDashboard(t *testing.T) {
	f := newProjectionFixture()

	summary, _, err := f.svc.Dashboard(context.Background(), student)
	require.NoError(t, err)
	assert.Len(t, summary.MyRequests, 4)
	assert.Empty(t, summary.PendingAtStage)
	assert.Equal(t, 4, summary.Stats.Total)
	assert.Equal(t, 3, summary.Stats.Pending)
	assert.Equal(t, 1, summary.Stats.Rejected)
	assert.Zero(t, f.users.calls)
}

func TestProjectionServiceDashboardKeysArePerRequester(t *testing.T) {
	f := newProjectionFixture()

	_, _, err := f.svc.Dashboard(context.Background(), student)
	require.NoError(t, err)
	summary, cached, err := f.svc.Dashboard(context.Background(), otherUser)
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Len(t, summary.MyRequests, 1)
}

func TestProjectionServiceTimelineActions(t *testing.T) {
	f := newProjectionFixture()
	ctx := context.Background()

	resp, err := f.svc.Timeline(ctx, guide, 1)
	require.NoError(t, err)
	assert.Equal(t, []models.RequestAction{models.ActionApprove, models.ActionReject}, resp.AvailableActions)
	require.Len(t, resp.Steps, 5)
	assert.Equal(t, models.StepCompleted, resp.Steps[0].Status)
	assert.Equal(t, models.StepPending, resp.Steps[1].Status)

	resp, err = f.svc.Timeline(ctx, student, 1)
	require.NoError(t, err)
	assert.Equal(t, []models.RequestAction{models.ActionCancel}, resp.AvailableActions)

	resp, err = f.svc.Timeline(ctx, admin, 1)
	require.NoError(t, err)
	assert.Empty(t, resp.AvailableActions)

	resp, err = f.svc.Timeline(ctx, admin, 4)
	require.NoError(t, err)
	assert.Equal(t, []models.RequestAction{models.ActionRestore}, resp.AvailableActions)
	assert.Equal(t, models.StepRejected, resp.Steps[1].Status)

	_, err = f.svc.Timeline(ctx, otherUser, 1)
	assertCode(t, err, appErrors.ErrForbidden.Code)
}

func TestProjectionServiceHistory(t *testing.T) {
	f := newProjectionFixture()
	reason := "no"
	f.repo.events = append(f.repo.events,
		models.RequestEvent{ID: "e1", RequestID: 4, Action: models.ActionSubmit, ToStatus: models.StatusPending},
		models.RequestEvent{ID: "e2", RequestID: 4, Action: models.ActionReject, FromStatus: models.StatusPending, ToStatus: models.StatusRejected, Reason: &reason},
		models.RequestEvent{ID: "e3", RequestID: 1, Action: models.ActionSubmit, ToStatus: models.StatusPending},
	)

	events, err := f.svc.History(context.Background(), student, 4)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "e1", events[0].ID)
	assert.Equal(t, "e2", events[1].ID)

	_, err = f.svc.History(context.Background(), otherUser, 4)
	assertCode(t, err, appErrors.ErrForbidden.Code)
}

func TestProjectionServiceStatsScopes(t *testing.T) {
	f := newProjectionFixture()
	ctx := context.Background()

	resp, err := f.svc.Stats(ctx, guide, "")
	require.NoError(t, err)
	assert.Equal(t, StatsScopeRole, resp.Scope)
	assert.Equal(t, 4, resp.Stats.Total)

	resp, err = f.svc.Stats(ctx, guide, StatsScopeGlobal)
	require.NoError(t, err)
	assert.Equal(t, models.RequestStats{Total: 5, Active: 3, Pending: 3, Rejected: 1, Cancelled: 1}, resp.Stats)

	resp, err = f.svc.Stats(ctx, otherUser, "")
	require.NoError(t, err)
	assert.Equal(t, StatsScopeOwn, resp.Scope)
	assert.Equal(t, models.RequestStats{Total: 1, Cancelled: 1}, resp.Stats)

	_, err = f.svc.Stats(ctx, student, StatsScopeGlobal)
	assertCode(t, err, appErrors.ErrForbidden.Code)

	_, err = f.svc.Stats(ctx, hod, "weekly")
	assertCode(t, err, appErrors.ErrValidation.Code)
}
