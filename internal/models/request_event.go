package models

import "time"

// RequestAction names a workflow action.
type RequestAction string

const (
	ActionSubmit  RequestAction = "submit"
	ActionUpdate  RequestAction = "update"
	ActionApprove RequestAction = "approve"
	ActionReject  RequestAction = "reject"
	ActionClose   RequestAction = "close"
	ActionRestore RequestAction = "restore"
	ActionCancel  RequestAction = "cancel"
)

// RequestEvent is an immutable audit record of one committed change to a request.
type RequestEvent struct {
	ID         string        `db:"id" json:"id"`
	RequestID  int64         `db:"request_id" json:"request_id"`
	ActorID    string        `db:"actor_id" json:"actor_id"`
	ActorRole  UserRole      `db:"actor_role" json:"actor_role"`
	Action     RequestAction `db:"action" json:"action"`
	FromStatus RequestStatus `db:"from_status" json:"from_status,omitempty"`
	ToStatus   RequestStatus `db:"to_status" json:"to_status"`
	Reason     *string       `db:"reason" json:"reason,omitempty"`
	CreatedAt  time.Time     `db:"created_at" json:"created_at"`
}

// TimelineStepName identifies one of the five checkpoints of a request.
type TimelineStepName string

const (
	StepSubmitted          TimelineStepName = "submitted"
	StepGuideApproval      TimelineStepName = "guide_approval"
	StepHODApproval        TimelineStepName = "hod_approval"
	StepITServicesApproval TimelineStepName = "it_services_approval"
	StepFinalApproval      TimelineStepName = "final_approval"
)

// StepStatus is the derived state of one checkpoint.
type StepStatus string

const (
	StepCompleted StepStatus = "completed"
	StepPending   StepStatus = "pending"
	StepRejected  StepStatus = "rejected"
)

// TimelineStep is a derived checkpoint; it is never persisted.
type TimelineStep struct {
	Name      TimelineStepName `json:"name"`
	Label     string           `json:"label"`
	Status    StepStatus       `json:"status"`
	ActorID   *string          `json:"actor_id,omitempty"`
	Timestamp *time.Time       `json:"timestamp,omitempty"`
	Note      string           `json:"note,omitempty"`
}

// RequestStats aggregates request counts for a dashboard scope.
type RequestStats struct {
	Total     int `json:"total"`
	Active    int `json:"active"`
	Pending   int `json:"pending"`
	Approved  int `json:"approved"`
	Rejected  int `json:"rejected"`
	Closed    int `json:"closed"`
	Cancelled int `json:"cancelled"`
}
