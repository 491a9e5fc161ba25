package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/noah-isme/metislab-api/internal/models"
	"github.com/noah-isme/metislab-api/internal/workflow"
	appErrors "github.com/noah-isme/metislab-api/pkg/errors"
)

var fixedNow = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type memRequestRepo struct {
	mu       sync.Mutex
	nextID   int64
	requests map[int64]*models.AccessRequest
	events   []models.RequestEvent
	lists    []models.AccessRequestFilter

	casErr  error
	listErr error
}

func newMemRequestRepo() *memRequestRepo {
	return &memRequestRepo{requests: make(map[int64]*models.AccessRequest)}
}

func (m *memRequestRepo) seed(req *models.AccessRequest) *models.AccessRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	if req.ID == 0 {
		m.nextID++
		req.ID = m.nextID
	} else if req.ID > m.nextID {
		m.nextID = req.ID
	}
	m.requests[req.ID] = req.Clone()
	return req
}

// touch simulates a write that lands between another caller's read and commit.
func (m *memRequestRepo) touch(id int64, mutate func(req *models.AccessRequest)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mutate(m.requests[id])
}

func (m *memRequestRepo) stored(id int64) *models.AccessRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[id].Clone()
}

func (m *memRequestRepo) Create(_ context.Context, req *models.AccessRequest, event *models.RequestEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	req.ID = m.nextID
	event.RequestID = req.ID
	m.requests[req.ID] = req.Clone()
	m.events = append(m.events, *event)
	return nil
}

func (m *memRequestRepo) GetByID(_ context.Context, id int64) (*models.AccessRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return req.Clone(), nil
}

func (m *memRequestRepo) UpdateContent(_ context.Context, req *models.AccessRequest, observed time.Time, event *models.RequestEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.requests[req.ID]
	if !ok || current.Status != models.StatusPending || !current.UpdatedAt.Equal(observed) {
		return sql.ErrNoRows
	}
	m.requests[req.ID] = req.Clone()
	m.events = append(m.events, *event)
	return nil
}

func (m *memRequestRepo) CompareAndSwap(_ context.Context, next *models.AccessRequest, expected workflow.Revision, event *models.RequestEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.casErr != nil {
		return m.casErr
	}
	current, ok := m.requests[next.ID]
	if !ok || !workflow.RevisionOf(current).Matches(expected) {
		return workflow.ErrStaleState
	}
	m.requests[next.ID] = next.Clone()
	m.events = append(m.events, *event)
	return nil
}

func (m *memRequestRepo) List(_ context.Context, filter models.AccessRequestFilter) ([]models.AccessRequest, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists = append(m.lists, filter)
	if m.listErr != nil {
		return nil, 0, m.listErr
	}
	var out []models.AccessRequest
	for _, req := range m.requests {
		if filter.SubmittedBy != "" && req.SubmittedBy != filter.SubmittedBy {
			continue
		}
		if len(filter.Statuses) > 0 && !lo.Contains(filter.Statuses, req.Status) {
			continue
		}
		out = append(out, *req.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	total := len(out)
	if filter.PageSize > 0 && len(out) > filter.PageSize {
		out = out[:filter.PageSize]
	}
	return out, total, nil
}

func (m *memRequestRepo) ListEvents(_ context.Context, requestID int64) ([]models.RequestEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return lo.Filter(m.events, func(e models.RequestEvent, _ int) bool { return e.RequestID == requestID }), nil
}

func (m *memRequestRepo) StageCounts(_ context.Context, ownerID string) ([]models.StageCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	grouped := map[models.StageCount]int{}
	for _, req := range m.requests {
		if ownerID != "" && req.SubmittedBy != ownerID {
			continue
		}
		key := models.StageCount{
			Status:         req.Status,
			GuideDone:      req.GuideApprovedAt != nil,
			HODDone:        req.HODApprovedAt != nil,
			ITServicesDone: req.ITServicesApprovedAt != nil,
		}
		grouped[key]++
	}
	rows := make([]models.StageCount, 0, len(grouped))
	for key, count := range grouped {
		key.Count = count
		rows = append(rows, key)
	}
	return rows, nil
}

func (m *memRequestRepo) eventsFor(id int64) []models.RequestEvent {
	events, _ := m.ListEvents(context.Background(), id)
	return events
}

// racingRepo runs interleave once, right after the next read, so another
// writer commits between the caller's load and its own write.
type racingRepo struct {
	*memRequestRepo
	interleave func()
}

func (r *racingRepo) GetByID(ctx context.Context, id int64) (*models.AccessRequest, error) {
	req, err := r.memRequestRepo.GetByID(ctx, id)
	if fn := r.interleave; fn != nil {
		r.interleave = nil
		fn()
	}
	return req, err
}

type stubCacheRepo struct {
	mu      sync.Mutex
	store   map[string][]byte
	deleted []string
}

func (s *stubCacheRepo) Get(_ context.Context, key string, dest interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	payload, ok := s.store[key]
	if !ok {
		return appErrors.ErrCacheMiss
	}
	return json.Unmarshal(payload, dest)
}

func (s *stubCacheRepo) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.store == nil {
		s.store = make(map[string][]byte)
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	s.store[key] = payload
	return nil
}

func (s *stubCacheRepo) DeleteByPattern(_ context.Context, pattern string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, pattern)
	s.store = nil
	return nil
}

type recordingFeed struct {
	mu     sync.Mutex
	events []models.RequestEvent
}

func (f *recordingFeed) Publish(event models.RequestEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *recordingFeed) published() []models.RequestEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.RequestEvent(nil), f.events...)
}

func pendingRequest(owner string) *models.AccessRequest {
	return &models.AccessRequest{
		ProjectTitle: "Protein folding",
		Description:  "Simulate folding on GPUs",
		Purpose:      "Thesis",
		Priority:     models.PriorityMedium,
		Details: models.RequestDetails{
			FieldsOfInterest:    []string{"ml"},
			DataTypes:           []string{"tabular"},
			DeclarationAccepted: true,
		},
		SubmittedBy: owner,
		SubmittedAt: fixedNow,
		Status:      models.StatusPending,
		UpdatedAt:   fixedNow,
	}
}

func actorOf(id string, role models.UserRole) models.Actor {
	return models.Actor{ID: id, Role: role}
}

var (
	student    = actorOf("student-1", models.RoleStudent)
	otherUser  = actorOf("student-2", models.RoleStudent)
	guide      = actorOf("guide-1", models.RoleProjectGuide)
	hod        = actorOf("hod-1", models.RoleHOD)
	itServices = actorOf("it-1", models.RoleITServices)
	admin      = actorOf("admin-1", models.RoleAdmin)
)
