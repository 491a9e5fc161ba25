package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/metislab-api/internal/models"
	"github.com/noah-isme/metislab-api/pkg/logger"
)

// ErrStaleState is returned by a Store when the stored row is no longer the
// revision the caller observed.
var ErrStaleState = errors.New("request changed concurrently")

// Revision identifies one stored version of a request. Every write bumps
// UpdatedAt, so an owner edit changes the revision even though the status
// stays pending.
type Revision struct {
	Status    models.RequestStatus
	UpdatedAt time.Time
}

// RevisionOf returns the revision req was read at.
func RevisionOf(req *models.AccessRequest) Revision {
	return Revision{Status: req.Status, UpdatedAt: req.UpdatedAt}
}

// Matches compares revisions by instant rather than by time.Location.
func (r Revision) Matches(other Revision) bool {
	return r.Status == other.Status && r.UpdatedAt.Equal(other.UpdatedAt)
}

// Store commits a transition atomically.
type Store interface {
	// CompareAndSwap persists next and appends event only if the stored row
	// is still at revision expected.
	CompareAndSwap(ctx context.Context, next *models.AccessRequest, expected Revision, event *models.RequestEvent) error
}

// Outcome classifies a command result.
type Outcome string

const (
	OutcomeApplied      Outcome = "applied"
	OutcomeDenied       Outcome = "denied"
	OutcomeInvalidState Outcome = "invalid_state"
	OutcomeStale        Outcome = "stale_state"
	OutcomeInvalid      Outcome = "invalid"
)

// Result reports what happened to a command. Business refusals are results,
// not errors; only storage failures surface as errors.
type Result struct {
	Outcome Outcome
	Request *models.AccessRequest
	Event   *models.RequestEvent
	Reason  string
}

// Applied reports whether the transition was committed.
func (r Result) Applied() bool { return r.Outcome == OutcomeApplied }

// Command asks the engine to take an action on a request.
type Command struct {
	Action models.RequestAction
	Actor  models.Actor
	// ClaimedRole is the acting role sent by the client, empty when omitted.
	ClaimedRole models.UserRole
	// ExpectedStatus is the status the client last saw, empty to use the freshly read one.
	ExpectedStatus models.RequestStatus
	// ExpectedUpdatedAt is the updated_at the client last saw, nil to skip the check.
	ExpectedUpdatedAt *time.Time
	Reason            string
}

// Engine validates commands against the transition table and commits them.
type Engine struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine constructs an engine over store.
func NewEngine(store Store, logger *zap.Logger, opts ...EngineOption) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{store: store, logger: logger, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate runs every check of Execute without committing. The returned
// transition is only meaningful when the outcome is OutcomeApplied.
func Evaluate(current *models.AccessRequest, cmd Command) (Transition, Result) {
	if cmd.ExpectedStatus != "" && cmd.ExpectedStatus != current.Status {
		return Transition{}, Result{
			Outcome: OutcomeStale,
			Request: current,
			Reason:  fmt.Sprintf("request is now %s, refresh and retry", current.Status),
		}
	}
	if cmd.ExpectedUpdatedAt != nil && !cmd.ExpectedUpdatedAt.Equal(current.UpdatedAt) {
		return Transition{}, Result{
			Outcome: OutcomeStale,
			Request: current,
			Reason:  "request was edited since you loaded it, refresh and retry",
		}
	}

	t, ok := Lookup(current.Status, cmd.Action)
	if !ok {
		return Transition{}, Result{
			Outcome: OutcomeInvalidState,
			Request: current,
			Reason:  fmt.Sprintf("cannot %s a request in status %s", cmd.Action, current.Status),
		}
	}

	reason := strings.TrimSpace(cmd.Reason)
	switch {
	case cmd.Action == models.ActionReject && reason == "":
		return t, Result{Outcome: OutcomeInvalid, Request: current, Reason: "rejection reason is required"}
	case cmd.Action != models.ActionReject && reason != "":
		return t, Result{Outcome: OutcomeInvalid, Request: current, Reason: fmt.Sprintf("%s does not take a reason", cmd.Action)}
	}

	if decision := Authorize(cmd.Actor, cmd.ClaimedRole, current, t); !decision.Allowed {
		return t, Result{Outcome: OutcomeDenied, Request: current, Reason: decision.Reason}
	}
	return t, Result{Outcome: OutcomeApplied, Request: current}
}

// Execute validates cmd against current and commits the transition. current
// must have been read from the store by the caller.
func (e *Engine) Execute(ctx context.Context, current *models.AccessRequest, cmd Command) (Result, error) {
	log := logger.WithContext(ctx, e.logger)
	t, verdict := Evaluate(current, cmd)
	if !verdict.Applied() {
		log.Info("workflow command refused",
			zap.Int64("request_id", current.ID),
			zap.String("action", string(cmd.Action)),
			zap.String("actor_id", cmd.Actor.ID),
			zap.String("outcome", string(verdict.Outcome)),
			zap.String("reason", verdict.Reason),
		)
		return verdict, nil
	}

	// Stored timestamps have microsecond precision; the returned revision must match.
	now := e.now().Truncate(time.Microsecond)
	next := Apply(current, t, cmd.Actor.ID, cmd.Reason, now)
	if err := CheckInvariants(next); err != nil {
		return Result{}, fmt.Errorf("transition %s from %s breaks request invariants: %w", t.Action, t.From, err)
	}

	event := &models.RequestEvent{
		ID:         uuid.NewString(),
		RequestID:  current.ID,
		ActorID:    cmd.Actor.ID,
		ActorRole:  cmd.Actor.Role,
		Action:     t.Action,
		FromStatus: t.From,
		ToStatus:   t.To,
		Reason:     next.RejectionReason,
		CreatedAt:  now,
	}
	if t.Action != models.ActionReject {
		event.Reason = nil
	}

	if err := e.store.CompareAndSwap(ctx, next, RevisionOf(current), event); err != nil {
		if errors.Is(err, ErrStaleState) {
			log.Warn("workflow commit lost race",
				zap.Int64("request_id", current.ID),
				zap.String("action", string(t.Action)),
				zap.String("expected_status", string(current.Status)),
			)
			return Result{Outcome: OutcomeStale, Request: current, Reason: "request was changed by someone else, refresh and retry"}, nil
		}
		return Result{}, fmt.Errorf("commit %s on request %d: %w", t.Action, current.ID, err)
	}

	log.Info("workflow transition applied",
		zap.Int64("request_id", current.ID),
		zap.String("action", string(t.Action)),
		zap.String("from", string(t.From)),
		zap.String("to", string(t.To)),
		zap.String("actor_id", cmd.Actor.ID),
	)
	return Result{Outcome: OutcomeApplied, Request: next, Event: event}, nil
}
