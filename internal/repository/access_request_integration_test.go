package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/metislab-api/internal/models"
	"github.com/noah-isme/metislab-api/internal/testutil"
	"github.com/noah-isme/metislab-api/internal/workflow"
)

func seedUser(t *testing.T, users *UserRepository, role models.UserRole) models.Actor {
	t.Helper()
	user := &models.User{
		Email:        uuid.NewString() + "@metis.lab",
		PasswordHash: "x",
		FullName:     string(role),
		Role:         role,
		Active:       true,
	}
	require.NoError(t, users.Create(context.Background(), user))
	return models.Actor{ID: user.ID, Role: role}
}

func TestIntegrationConcurrentApprovalsExactlyOneWins(t *testing.T) {
	testDB := testutil.SetupTestDB(t)
	ctx := context.Background()
	repo := NewAccessRequestRepository(testDB.DB)
	users := NewUserRepository(testDB.DB)

	student := seedUser(t, users, models.RoleStudent)
	guides := []models.Actor{seedUser(t, users, models.RoleProjectGuide), seedUser(t, users, models.RoleProjectGuide)}

	now := time.Now().UTC().Truncate(time.Microsecond)
	req := &models.AccessRequest{
		ProjectTitle: "Genome assembly",
		Description:  "Assemble reads",
		Purpose:      "Research",
		Priority:     models.PriorityMedium,
		Details:      models.RequestDetails{FieldsOfInterest: []string{"bio"}, DataTypes: []string{"fastq"}, DeclarationAccepted: true},
		SubmittedBy:  student.ID,
		SubmittedAt:  now,
		Status:       models.StatusPending,
		UpdatedAt:    now,
	}
	submit := &models.RequestEvent{ID: uuid.NewString(), ActorID: student.ID, ActorRole: student.Role, Action: models.ActionSubmit, ToStatus: models.StatusPending, CreatedAt: now}
	require.NoError(t, repo.Create(ctx, req, submit))

	current, err := repo.GetByID(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, string(models.RoleStudent), current.SubmitterName)

	engine := workflow.NewEngine(repo, nil)
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []workflow.Outcome
	)
	for _, guide := range guides {
		wg.Add(1)
		go func(actor models.Actor) {
			defer wg.Done()
			snapshot := *current
			res, err := engine.Execute(ctx, &snapshot, workflow.Command{Action: models.ActionApprove, Actor: actor})
			assert.NoError(t, err)
			mu.Lock()
			results = append(results, res.Outcome)
			mu.Unlock()
		}(guide)
	}
	wg.Wait()

	assert.ElementsMatch(t, []workflow.Outcome{workflow.OutcomeApplied, workflow.OutcomeStale}, results)

	stored, err := repo.GetByID(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusGuideApproved, stored.Status)
	require.NotNil(t, stored.GuideApprovedBy)

	events, err := repo.ListEvents(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, models.ActionApprove, events[1].Action)
	assert.Equal(t, *stored.GuideApprovedBy, events[1].ActorID)
}
