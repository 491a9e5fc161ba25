package dto

import (
	"time"

	"github.com/noah-isme/metislab-api/internal/models"
)

// RequestContent is the editable body of an access request, used by submit and update.
type RequestContent struct {
	ProjectTitle           string          `json:"project_title" validate:"required,max=200"`
	Description            string          `json:"description" validate:"required"`
	Purpose                string          `json:"purpose" validate:"required"`
	GuideEmail             string          `json:"guide_email" validate:"omitempty,email"`
	ExpectedDuration       string          `json:"expected_duration" validate:"max=100"`
	Priority               models.Priority `json:"priority" validate:"omitempty,oneof=low medium high urgent"`
	FieldsOfInterest       []string        `json:"fields_of_interest" validate:"required,min=1"`
	PackagePreference      string          `json:"package_preference"`
	DatasetStatus          string          `json:"dataset_status"`
	DatasetSize            string          `json:"dataset_size"`
	DataTypes              []string        `json:"data_types" validate:"required,min=1"`
	ComputeCores           int             `json:"compute_cores" validate:"gte=0,lte=1024"`
	AdditionalRequirements string          `json:"additional_requirements"`
	DeclarationAccepted    bool            `json:"declaration_accepted"`
	// ExpectedUpdatedAt is read by update only: the updated_at the owner edited from.
	ExpectedUpdatedAt *time.Time `json:"expected_updated_at,omitempty"`
}

// ActionRequest is the body of approve, reject, close, restore and cancel calls.
type ActionRequest struct {
	// ActingRole is optional; when given it must match the caller's account role.
	ActingRole models.UserRole `json:"acting_role"`
	// ExpectedStatus is the status the caller last saw.
	ExpectedStatus models.RequestStatus `json:"expected_status"`
	// ExpectedUpdatedAt is the updated_at of the version the caller reviewed.
	ExpectedUpdatedAt *time.Time `json:"expected_updated_at,omitempty"`
	Reason            string     `json:"reason"`
}

// ActionResponse reports a committed transition.
type ActionResponse struct {
	Request    *models.AccessRequest `json:"request"`
	Event      *models.RequestEvent  `json:"event"`
	ActingRole models.UserRole       `json:"acting_role"`
}

// AuthorizeResponse answers whether the caller may take an action right now.
// UpdatedAt is the revision the answer holds for; send it back as
// expected_updated_at when acting.
type AuthorizeResponse struct {
	RequestID  int64                `json:"request_id"`
	Action     models.RequestAction `json:"action"`
	Status     models.RequestStatus `json:"status"`
	UpdatedAt  time.Time            `json:"updated_at"`
	Allowed    bool                 `json:"allowed"`
	Reason     string               `json:"reason,omitempty"`
	ActingRole models.UserRole      `json:"acting_role,omitempty"`
}

// ListRequestsQuery mirrors supported listing filters.
type ListRequestsQuery struct {
	Status    []models.RequestStatus
	Priority  models.Priority
	Search    string
	DateRange string
	From      *time.Time
	To        *time.Time
	Page      int
	PageSize  int
	SortOrder string
}

// TimelineResponse carries the derived checkpoints of one request.
type TimelineResponse struct {
	RequestID        int64                  `json:"request_id"`
	ProjectTitle     string                 `json:"project_title"`
	Status           models.RequestStatus   `json:"status"`
	Steps            []models.TimelineStep  `json:"steps"`
	AvailableActions []models.RequestAction `json:"available_actions"`
}

// DashboardResponse is the role-specific overview. Only the sections relevant
// to the caller's role are populated.
type DashboardResponse struct {
	Role            models.UserRole              `json:"role"`
	PendingAtStage  []models.AccessRequest       `json:"pending_at_stage,omitempty"`
	PendingTotal    int                          `json:"pending_total"`
	ApprovedByStage []models.AccessRequest       `json:"approved_by_stage,omitempty"`
	Pipeline        []models.AccessRequest       `json:"pipeline,omitempty"`
	MyRequests      []models.AccessRequest       `json:"my_requests,omitempty"`
	Counts          map[models.RequestStatus]int `json:"counts"`
	Stats           models.RequestStats          `json:"stats"`
	Users           *models.UserCounts           `json:"users,omitempty"`
	GeneratedAt     time.Time                    `json:"generated_at"`
}

// StatsResponse wraps statistics with the scope they were computed for.
type StatsResponse struct {
	Scope string              `json:"scope"`
	Stats models.RequestStats `json:"stats"`
}
