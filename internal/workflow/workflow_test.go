package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/metislab-api/internal/models"
)

var fixedNow = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type memStore struct {
	mu       sync.Mutex
	requests map[int64]*models.AccessRequest
	events   []*models.RequestEvent
	failWith error
}

func newMemStore(reqs ...*models.AccessRequest) *memStore {
	s := &memStore{requests: make(map[int64]*models.AccessRequest)}
	for _, r := range reqs {
		s.requests[r.ID] = r.Clone()
	}
	return s
}

func (s *memStore) get(id int64) *models.AccessRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[id].Clone()
}

func (s *memStore) CompareAndSwap(_ context.Context, next *models.AccessRequest, expected Revision, event *models.RequestEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	current, ok := s.requests[next.ID]
	if !ok || !RevisionOf(current).Matches(expected) {
		return ErrStaleState
	}
	s.requests[next.ID] = next.Clone()
	s.events = append(s.events, event)
	return nil
}

func pendingRequest(id int64, owner string) *models.AccessRequest {
	return &models.AccessRequest{
		ID:           id,
		ProjectTitle: "X",
		Description:  "GPU training",
		Purpose:      "thesis",
		Priority:     models.PriorityMedium,
		Details: models.RequestDetails{
			FieldsOfInterest:    []string{"machine learning"},
			DataTypes:           []string{"images"},
			DeclarationAccepted: true,
		},
		SubmittedBy: owner,
		SubmittedAt: fixedNow.Add(-time.Hour),
		Status:      models.StatusPending,
	}
}

func actor(id string, role models.UserRole) models.Actor {
	return models.Actor{ID: id, Role: role}
}

func newTestEngine(store Store) *Engine {
	return NewEngine(store, nil, WithClock(func() time.Time { return fixedNow }))
}

// advance walks a request through the approval chain up to status.
func advance(t *testing.T, e *Engine, store *memStore, id int64, status models.RequestStatus) {
	t.Helper()
	chain := []models.Actor{
		actor("guide-1", models.RoleProjectGuide),
		actor("hod-1", models.RoleHOD),
		actor("it-1", models.RoleITServices),
		actor("admin-1", models.RoleAdmin),
	}
	for _, approver := range chain {
		current := store.get(id)
		if current.Status == status {
			return
		}
		res, err := e.Execute(context.Background(), current, Command{Action: models.ActionApprove, Actor: approver})
		require.NoError(t, err)
		require.Equal(t, OutcomeApplied, res.Outcome, res.Reason)
	}
	require.Equal(t, status, store.get(id).Status)
}

func TestLookupCoversTable(t *testing.T) {
	cases := []struct {
		from   models.RequestStatus
		action models.RequestAction
		role   models.UserRole
		to     models.RequestStatus
	}{
		{models.StatusPending, models.ActionApprove, models.RoleProjectGuide, models.StatusGuideApproved},
		{models.StatusPending, models.ActionReject, models.RoleProjectGuide, models.StatusRejected},
		{models.StatusGuideApproved, models.ActionApprove, models.RoleHOD, models.StatusHODApproved},
		{models.StatusGuideApproved, models.ActionReject, models.RoleHOD, models.StatusRejected},
		{models.StatusHODApproved, models.ActionApprove, models.RoleITServices, models.StatusITServicesApproved},
		{models.StatusHODApproved, models.ActionReject, models.RoleITServices, models.StatusRejected},
		{models.StatusITServicesApproved, models.ActionApprove, models.RoleAdmin, models.StatusApproved},
		{models.StatusITServicesApproved, models.ActionReject, models.RoleAdmin, models.StatusRejected},
		{models.StatusApproved, models.ActionClose, models.RoleAdmin, models.StatusClosed},
		{models.StatusRejected, models.ActionRestore, models.RoleAdmin, models.StatusPending},
	}
	for _, tc := range cases {
		tr, ok := Lookup(tc.from, tc.action)
		require.True(t, ok, "%s/%s", tc.from, tc.action)
		assert.Equal(t, tc.role, tr.Role)
		assert.Equal(t, tc.to, tr.To)
	}

	cancel, ok := Lookup(models.StatusPending, models.ActionCancel)
	require.True(t, ok)
	assert.True(t, cancel.OwnerOnly)
	assert.Equal(t, models.StatusCancelled, cancel.To)

	for _, terminal := range []models.RequestStatus{models.StatusClosed, models.StatusCancelled} {
		assert.Empty(t, Transitions(terminal))
	}
}

func TestRestoreOnlyFromRejected(t *testing.T) {
	for _, status := range models.AllStatuses {
		_, ok := Lookup(status, models.ActionRestore)
		assert.Equal(t, status == models.StatusRejected, ok, "status %s", status)
	}
}

func TestAdminDeniedBeforeFinalStageNamesStageRole(t *testing.T) {
	req := pendingRequest(1, "owner-1")
	tr, ok := Lookup(models.StatusPending, models.ActionApprove)
	require.True(t, ok)

	decision := Authorize(actor("admin-1", models.RoleAdmin), "", req, tr)
	assert.False(t, decision.Allowed)
	assert.Equal(t, "requires project_guide role; admin acts only on it_services_approved requests and for close or restore", decision.Reason)
}

func TestInferRoleMatchesTable(t *testing.T) {
	for _, status := range []models.RequestStatus{
		models.StatusPending, models.StatusGuideApproved, models.StatusHODApproved, models.StatusITServicesApproved,
	} {
		role, ok := InferRole(status)
		require.True(t, ok)
		tr, _ := Lookup(status, models.ActionApprove)
		assert.Equal(t, tr.Role, role)
	}
	role, ok := InferRole(models.StatusRejected)
	require.True(t, ok)
	assert.Equal(t, models.RoleAdmin, role)
	_, ok = InferRole(models.StatusClosed)
	assert.False(t, ok)
}

func TestSingleActorPerStage(t *testing.T) {
	roles := []models.UserRole{
		models.RoleStudent, models.RoleFaculty, models.RoleExternal,
		models.RoleProjectGuide, models.RoleHOD, models.RoleITServices, models.RoleAdmin,
	}
	for _, status := range models.AllStatuses {
		req := pendingRequest(1, "owner-1")
		req.Status = status
		tr, ok := Lookup(status, models.ActionApprove)
		if !ok {
			continue
		}
		authorized := 0
		for _, role := range roles {
			if Authorize(actor("staff-x", role), "", req, tr).Allowed {
				authorized++
			}
		}
		assert.Equal(t, 1, authorized, "status %s", status)
	}
}

func TestSelfApprovalAlwaysDenied(t *testing.T) {
	for _, status := range models.AllStatuses {
		for _, tr := range Transitions(status) {
			if tr.OwnerOnly {
				continue
			}
			req := pendingRequest(1, "owner-1")
			req.Status = status
			decision := Authorize(actor("owner-1", tr.Role), "", req, tr)
			assert.False(t, decision.Allowed, "%s/%s", status, tr.Action)
			assert.NotEmpty(t, decision.Reason)
		}
	}
}

func TestAuthorizeClaimedRoleCannotWiden(t *testing.T) {
	req := pendingRequest(1, "owner-1")
	tr, _ := Lookup(models.StatusPending, models.ActionApprove)

	decision := Authorize(actor("student-2", models.RoleStudent), models.RoleProjectGuide, req, tr)
	assert.False(t, decision.Allowed)
	assert.Contains(t, decision.Reason, "does not match account role")

	decision = Authorize(actor("guide-1", models.RoleProjectGuide), models.RoleProjectGuide, req, tr)
	assert.True(t, decision.Allowed)
}

func TestCancelRequiresOwner(t *testing.T) {
	req := pendingRequest(1, "owner-1")
	tr, _ := Lookup(models.StatusPending, models.ActionCancel)
	assert.True(t, Authorize(actor("owner-1", models.RoleStudent), "", req, tr).Allowed)
	assert.False(t, Authorize(actor("admin-1", models.RoleAdmin), "", req, tr).Allowed)
}

func TestEvaluateRejectNeedsReasonApproveTakesNone(t *testing.T) {
	req := pendingRequest(1, "owner-1")
	guide := actor("guide-1", models.RoleProjectGuide)

	_, res := Evaluate(req, Command{Action: models.ActionReject, Actor: guide, Reason: "   "})
	assert.Equal(t, OutcomeInvalid, res.Outcome)

	_, res = Evaluate(req, Command{Action: models.ActionApprove, Actor: guide, Reason: "looks fine"})
	assert.Equal(t, OutcomeInvalid, res.Outcome)

	_, res = Evaluate(req, Command{Action: models.ActionApprove, Actor: guide})
	assert.Equal(t, OutcomeApplied, res.Outcome)
}

func TestEvaluateExpectedStatusMismatchIsStale(t *testing.T) {
	req := pendingRequest(1, "owner-1")
	req.Status = models.StatusGuideApproved
	_, res := Evaluate(req, Command{
		Action:         models.ActionApprove,
		Actor:          actor("guide-1", models.RoleProjectGuide),
		ExpectedStatus: models.StatusPending,
	})
	assert.Equal(t, OutcomeStale, res.Outcome)
}

func TestScenarioSubmitLeavesStagesEmpty(t *testing.T) {
	req := pendingRequest(1, "student-1")
	require.NoError(t, CheckInvariants(req))
	assert.Equal(t, models.StatusPending, req.Status)
	assert.Equal(t, "student-1", req.SubmittedBy)
	for stage := StageGuide; stage < stageCount; stage++ {
		by, at := StageRecord(req, stage)
		assert.Nil(t, by)
		assert.Nil(t, at)
	}
}

func TestScenarioGuideApproves(t *testing.T) {
	store := newMemStore(pendingRequest(5, "student-1"))
	e := newTestEngine(store)

	res, err := e.Execute(context.Background(), store.get(5), Command{
		Action: models.ActionApprove,
		Actor:  actor("guide-1", models.RoleProjectGuide),
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, res.Outcome)

	stored := store.get(5)
	assert.Equal(t, models.StatusGuideApproved, stored.Status)
	require.NotNil(t, stored.GuideApprovedAt)
	assert.Equal(t, fixedNow, *stored.GuideApprovedAt)
	require.NotNil(t, stored.GuideApprovedBy)
	assert.Equal(t, "guide-1", *stored.GuideApprovedBy)
	require.Len(t, store.events, 1)
	assert.Equal(t, models.ActionApprove, store.events[0].Action)
}

func TestScenarioHODRejectsThenAdminRestores(t *testing.T) {
	store := newMemStore(pendingRequest(5, "student-1"))
	e := newTestEngine(store)
	advance(t, e, store, 5, models.StatusGuideApproved)

	res, err := e.Execute(context.Background(), store.get(5), Command{
		Action: models.ActionReject,
		Actor:  actor("hod-1", models.RoleHOD),
		Reason: "insufficient justification",
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, res.Outcome)
	rejected := store.get(5)
	assert.Equal(t, models.StatusRejected, rejected.Status)
	require.NotNil(t, rejected.RejectionReason)
	assert.Equal(t, "insufficient justification", *rejected.RejectionReason)

	res, err = e.Execute(context.Background(), rejected, Command{
		Action: models.ActionRestore,
		Actor:  actor("admin-1", models.RoleAdmin),
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, res.Outcome)

	restored := store.get(5)
	assert.Equal(t, models.StatusPending, restored.Status)
	for stage := StageGuide; stage < stageCount; stage++ {
		by, at := StageRecord(restored, stage)
		assert.Nil(t, by)
		assert.Nil(t, at)
	}
	assert.Nil(t, restored.RejectedBy)
	assert.Nil(t, restored.RejectedAt)
	assert.Nil(t, restored.RejectionReason)
	assert.Len(t, store.events, 3)
	assert.Equal(t, models.ActionRestore, store.events[2].Action)
}

func TestScenarioAdminCannotApprovePending(t *testing.T) {
	store := newMemStore(pendingRequest(7, "student-1"))
	e := newTestEngine(store)

	res, err := e.Execute(context.Background(), store.get(7), Command{
		Action: models.ActionApprove,
		Actor:  actor("admin-1", models.RoleAdmin),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDenied, res.Outcome)
	assert.Contains(t, res.Reason, "requires project_guide role")
	assert.Contains(t, res.Reason, "it_services")
	assert.Equal(t, models.StatusPending, store.get(7).Status)
	assert.Empty(t, store.events)
}

func TestScenarioOwnerCannotCancelAfterGuideApproval(t *testing.T) {
	store := newMemStore(pendingRequest(8, "student-1"))
	e := newTestEngine(store)
	advance(t, e, store, 8, models.StatusGuideApproved)

	res, err := e.Execute(context.Background(), store.get(8), Command{
		Action: models.ActionCancel,
		Actor:  actor("student-1", models.RoleStudent),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeInvalidState, res.Outcome)
}

func TestScenarioAdminClosesApprovedRequest(t *testing.T) {
	store := newMemStore(pendingRequest(9, "student-1"))
	e := newTestEngine(store)
	advance(t, e, store, 9, models.StatusApproved)

	res, err := e.Execute(context.Background(), store.get(9), Command{
		Action: models.ActionClose,
		Actor:  actor("admin-1", models.RoleAdmin),
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, res.Outcome)
	closed := store.get(9)
	assert.Equal(t, models.StatusClosed, closed.Status)
	require.NotNil(t, closed.ClosedAt)

	for _, action := range []models.RequestAction{models.ActionApprove, models.ActionReject} {
		res, err := e.Execute(context.Background(), closed, Command{
			Action: action,
			Actor:  actor("admin-1", models.RoleAdmin),
			Reason: "late",
		})
		require.NoError(t, err)
		assert.Equal(t, OutcomeInvalidState, res.Outcome, string(action))
	}
}

func TestConcurrentApprovalsOnlyOneWins(t *testing.T) {
	store := newMemStore(pendingRequest(11, "student-1"))
	e := newTestEngine(store)
	snapshot := store.get(11)

	var wg sync.WaitGroup
	results := make([]Result, 2)
	for i, id := range []string{"guide-1", "guide-2"} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			res, err := e.Execute(context.Background(), snapshot.Clone(), Command{
				Action: models.ActionApprove,
				Actor:  actor(id, models.RoleProjectGuide),
			})
			assert.NoError(t, err)
			results[i] = res
		}(i, id)
	}
	wg.Wait()

	outcomes := []Outcome{results[0].Outcome, results[1].Outcome}
	assert.ElementsMatch(t, []Outcome{OutcomeApplied, OutcomeStale}, outcomes)
	assert.Len(t, store.events, 1)
}

func TestEditWhileReviewingMakesApprovalStale(t *testing.T) {
	req := pendingRequest(14, "student-1")
	req.ProjectTitle = "Protein folding"
	req.UpdatedAt = fixedNow.Add(-time.Hour)
	store := newMemStore(req)
	e := newTestEngine(store)

	reviewed := store.get(14)

	edited := store.get(14)
	edited.ProjectTitle = "Crypto mining"
	edited.UpdatedAt = fixedNow.Add(-time.Minute)
	store.requests[14] = edited

	res, err := e.Execute(context.Background(), reviewed, Command{
		Action: models.ActionApprove,
		Actor:  actor("guide-1", models.RoleProjectGuide),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeStale, res.Outcome)

	stored := store.get(14)
	assert.Equal(t, models.StatusPending, stored.Status)
	assert.Equal(t, "Crypto mining", stored.ProjectTitle)
	assert.Nil(t, stored.GuideApprovedBy)
	assert.Empty(t, store.events)
}

func TestEvaluateExpectedUpdatedAtMismatchIsStale(t *testing.T) {
	req := pendingRequest(15, "student-1")
	req.UpdatedAt = fixedNow
	guide := actor("guide-1", models.RoleProjectGuide)

	seen := fixedNow.Add(-time.Second)
	_, res := Evaluate(req, Command{Action: models.ActionApprove, Actor: guide, ExpectedUpdatedAt: &seen})
	assert.Equal(t, OutcomeStale, res.Outcome)

	same := fixedNow.In(time.FixedZone("IST", 5*3600+1800))
	_, res = Evaluate(req, Command{Action: models.ActionApprove, Actor: guide, ExpectedUpdatedAt: &same})
	assert.Equal(t, OutcomeApplied, res.Outcome)
}

func TestExecuteStampsStorablePrecision(t *testing.T) {
	store := newMemStore(pendingRequest(16, "student-1"))
	e := NewEngine(store, nil, WithClock(func() time.Time { return fixedNow.Add(1500 * time.Nanosecond) }))

	res, err := e.Execute(context.Background(), store.get(16), Command{
		Action: models.ActionApprove,
		Actor:  actor("guide-1", models.RoleProjectGuide),
	})
	require.NoError(t, err)
	require.True(t, res.Applied())
	assert.Equal(t, fixedNow.Add(time.Microsecond), res.Request.UpdatedAt)
}

func TestExecuteStorageFailureIsError(t *testing.T) {
	store := newMemStore(pendingRequest(12, "student-1"))
	store.failWith = errors.New("connection refused")
	e := newTestEngine(store)

	_, err := e.Execute(context.Background(), store.get(12), Command{
		Action: models.ActionApprove,
		Actor:  actor("guide-1", models.RoleProjectGuide),
	})
	require.Error(t, err)
}

func TestMonotonicPathThroughChain(t *testing.T) {
	store := newMemStore(pendingRequest(13, "student-1"))
	e := newTestEngine(store)
	advance(t, e, store, 13, models.StatusApproved)

	var path []models.RequestStatus
	for _, ev := range store.events {
		path = append(path, ev.ToStatus)
		_, ok := Lookup(ev.FromStatus, ev.Action)
		assert.True(t, ok)
	}
	assert.Equal(t, []models.RequestStatus{
		models.StatusGuideApproved, models.StatusHODApproved, models.StatusITServicesApproved, models.StatusApproved,
	}, path)
	require.NoError(t, CheckInvariants(store.get(13)))
}

func TestTimelineDerivation(t *testing.T) {
	store := newMemStore(pendingRequest(14, "student-1"))
	e := newTestEngine(store)
	advance(t, e, store, 14, models.StatusHODApproved)
	res, err := e.Execute(context.Background(), store.get(14), Command{
		Action: models.ActionReject,
		Actor:  actor("it-1", models.RoleITServices),
		Reason: "no capacity",
	})
	require.NoError(t, err)
	require.True(t, res.Applied())

	req := store.get(14)
	first := Timeline(req)
	second := Timeline(req)
	assert.Equal(t, first, second)

	require.Len(t, first, 5)
	statuses := make([]models.StepStatus, 0, len(first))
	for _, step := range first {
		statuses = append(statuses, step.Status)
	}
	assert.Equal(t, []models.StepStatus{
		models.StepCompleted, models.StepCompleted, models.StepCompleted, models.StepRejected, models.StepPending,
	}, statuses)
	assert.Equal(t, "no capacity", first[3].Note)
}

func TestCheckInvariantsCatchesBrokenRows(t *testing.T) {
	req := pendingRequest(1, "student-1")
	req.Status = models.StatusRejected
	assert.Error(t, CheckInvariants(req))

	req = pendingRequest(1, "student-1")
	by := "student-1"
	at := fixedNow
	req.Status = models.StatusGuideApproved
	req.GuideApprovedBy, req.GuideApprovedAt = &by, &at
	assert.Error(t, CheckInvariants(req))

	req = pendingRequest(1, "student-1")
	req.ClosedAt = &at
	assert.Error(t, CheckInvariants(req))
}

func TestAdvancedStatusesAndIncoming(t *testing.T) {
	in, ok := IncomingStatus(models.RoleHOD)
	require.True(t, ok)
	assert.Equal(t, models.StatusGuideApproved, in)

	assert.Equal(t, []models.RequestStatus{models.StatusApproved, models.StatusClosed}, AdvancedStatuses(models.RoleAdmin))
	assert.Equal(t, []models.RequestStatus{
		models.StatusHODApproved, models.StatusITServicesApproved, models.StatusApproved, models.StatusClosed,
	}, AdvancedStatuses(models.RoleHOD))
	assert.Nil(t, AdvancedStatuses(models.RoleStudent))
}

func TestFoldStats(t *testing.T) {
	rows := []models.StageCount{
		{Status: models.StatusPending, Count: 3},
		{Status: models.StatusGuideApproved, GuideDone: true, Count: 2},
		{Status: models.StatusRejected, Count: 1},
		{Status: models.StatusRejected, GuideDone: true, Count: 4},
		{Status: models.StatusApproved, GuideDone: true, HODDone: true, ITServicesDone: true, Count: 5},
		{Status: models.StatusClosed, GuideDone: true, HODDone: true, ITServicesDone: true, Count: 1},
		{Status: models.StatusCancelled, Count: 2},
	}

	global := FoldStats(rows, models.RoleAdmin)
	assert.Equal(t, models.RequestStats{Total: 18, Active: 10, Pending: 5, Approved: 5, Rejected: 5, Closed: 1, Cancelled: 2}, global)

	guide := FoldStats(rows, models.RoleProjectGuide)
	assert.Equal(t, 3, guide.Pending)
	assert.Equal(t, 1, guide.Rejected)
	assert.Equal(t, 8, guide.Approved)
	assert.Equal(t, 1, guide.Closed)
	assert.Equal(t, 16, guide.Total)

	hod := FoldStats(rows, models.RoleHOD)
	assert.Equal(t, 2, hod.Pending)
	assert.Equal(t, 4, hod.Rejected)
	assert.Equal(t, 6, hod.Approved)

	totals := StatusTotals(rows)
	assert.Equal(t, 5, totals[models.StatusRejected])
	assert.Equal(t, 0, totals[models.StatusHODApproved])
}
