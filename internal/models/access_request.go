package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// RequestStatus is the authoritative workflow position of an access request.
type RequestStatus string

const (
	StatusPending            RequestStatus = "pending"
	StatusGuideApproved      RequestStatus = "guide_approved"
	StatusHODApproved        RequestStatus = "hod_approved"
	StatusITServicesApproved RequestStatus = "it_services_approved"
	StatusApproved           RequestStatus = "approved"
	StatusRejected           RequestStatus = "rejected"
	StatusClosed             RequestStatus = "closed"
	StatusCancelled          RequestStatus = "cancelled"
)

// AllStatuses lists every status in pipeline order.
var AllStatuses = []RequestStatus{
	StatusPending,
	StatusGuideApproved,
	StatusHODApproved,
	StatusITServicesApproved,
	StatusApproved,
	StatusRejected,
	StatusClosed,
	StatusCancelled,
}

// Valid reports whether s is a known status.
func (s RequestStatus) Valid() bool {
	for _, candidate := range AllStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// InReview reports whether the request still awaits a decision in the approval chain.
func (s RequestStatus) InReview() bool {
	switch s {
	case StatusPending, StatusGuideApproved, StatusHODApproved, StatusITServicesApproved:
		return true
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s RequestStatus) Terminal() bool {
	return s == StatusClosed || s == StatusCancelled
}

// Priority ranks how urgently the requester needs access.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Valid reports whether p is one of the four priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// RequestDetails holds the structured form selections of a submission. It is
// stored as JSONB next to the free-text content.
type RequestDetails struct {
	FieldsOfInterest       []string `json:"fields_of_interest"`
	PackagePreference      string   `json:"package_preference,omitempty"`
	DatasetStatus          string   `json:"dataset_status,omitempty"`
	DatasetSize            string   `json:"dataset_size,omitempty"`
	DataTypes              []string `json:"data_types"`
	ComputeCores           int      `json:"compute_cores,omitempty"`
	AdditionalRequirements string   `json:"additional_requirements,omitempty"`
	DeclarationAccepted    bool     `json:"declaration_accepted"`
}

// Value implements driver.Valuer.
func (d RequestDetails) Value() (driver.Value, error) {
	return json.Marshal(d)
}

// Scan implements sql.Scanner.
func (d *RequestDetails) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*d = RequestDetails{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("scan request details: unsupported type %T", src)
	}
	return json.Unmarshal(raw, d)
}

// AccessRequest is a request for access to the lab compute resource. Each
// approval stage records who completed it and when; rejection, closure and
// cancellation carry their own audit columns.
type AccessRequest struct {
	ID               int64          `db:"id" json:"id"`
	ProjectTitle     string         `db:"project_title" json:"project_title"`
	Description      string         `db:"description" json:"description"`
	Purpose          string         `db:"purpose" json:"purpose"`
	GuideEmail       *string        `db:"guide_email" json:"guide_email,omitempty"`
	ExpectedDuration string         `db:"expected_duration" json:"expected_duration,omitempty"`
	Priority         Priority       `db:"priority" json:"priority"`
	Details          RequestDetails `db:"details" json:"details"`

	SubmittedBy   string    `db:"submitted_by" json:"submitted_by"`
	SubmitterName string    `db:"submitter_name" json:"submitter_name,omitempty"`
	SubmittedAt   time.Time `db:"submitted_at" json:"submitted_at"`

	Status RequestStatus `db:"status" json:"status"`

	GuideApprovedBy      *string    `db:"guide_approved_by" json:"guide_approved_by,omitempty"`
	GuideApprovedAt      *time.Time `db:"guide_approved_at" json:"guide_approved_at,omitempty"`
	HODApprovedBy        *string    `db:"hod_approved_by" json:"hod_approved_by,omitempty"`
	HODApprovedAt        *time.Time `db:"hod_approved_at" json:"hod_approved_at,omitempty"`
	ITServicesApprovedBy *string    `db:"it_services_approved_by" json:"it_services_approved_by,omitempty"`
	ITServicesApprovedAt *time.Time `db:"it_services_approved_at" json:"it_services_approved_at,omitempty"`
	ApprovedBy           *string    `db:"approved_by" json:"approved_by,omitempty"`
	ApprovedAt           *time.Time `db:"approved_at" json:"approved_at,omitempty"`

	RejectedBy      *string    `db:"rejected_by" json:"rejected_by,omitempty"`
	RejectedAt      *time.Time `db:"rejected_at" json:"rejected_at,omitempty"`
	RejectionReason *string    `db:"rejection_reason" json:"rejection_reason,omitempty"`

	ClosedBy    *string    `db:"closed_by" json:"closed_by,omitempty"`
	ClosedAt    *time.Time `db:"closed_at" json:"closed_at,omitempty"`
	CancelledAt *time.Time `db:"cancelled_at" json:"cancelled_at,omitempty"`

	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Clone returns a deep copy so callers can derive a next state without aliasing pointers.
func (r *AccessRequest) Clone() *AccessRequest {
	if r == nil {
		return nil
	}
	c := *r
	c.GuideEmail = cloneString(r.GuideEmail)
	c.GuideApprovedBy = cloneString(r.GuideApprovedBy)
	c.GuideApprovedAt = cloneTime(r.GuideApprovedAt)
	c.HODApprovedBy = cloneString(r.HODApprovedBy)
	c.HODApprovedAt = cloneTime(r.HODApprovedAt)
	c.ITServicesApprovedBy = cloneString(r.ITServicesApprovedBy)
	c.ITServicesApprovedAt = cloneTime(r.ITServicesApprovedAt)
	c.ApprovedBy = cloneString(r.ApprovedBy)
	c.ApprovedAt = cloneTime(r.ApprovedAt)
	c.RejectedBy = cloneString(r.RejectedBy)
	c.RejectedAt = cloneTime(r.RejectedAt)
	c.RejectionReason = cloneString(r.RejectionReason)
	c.ClosedBy = cloneString(r.ClosedBy)
	c.ClosedAt = cloneTime(r.ClosedAt)
	c.CancelledAt = cloneTime(r.CancelledAt)
	c.Details.FieldsOfInterest = append([]string(nil), r.Details.FieldsOfInterest...)
	c.Details.DataTypes = append([]string(nil), r.Details.DataTypes...)
	return &c
}

func cloneString(v *string) *string {
	if v == nil {
		return nil
	}
	s := *v
	return &s
}

func cloneTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	t := *v
	return &t
}

// Request list date shortcuts.
const (
	DateRangeToday = "today"
	DateRangeWeek  = "week"
	DateRangeMonth = "month"
)

// AccessRequestFilter captures filtering criteria for listing requests.
type AccessRequestFilter struct {
	SubmittedBy string
	Statuses    []RequestStatus
	Priority    Priority
	Search      string
	// DateField selects the column From/To apply to: submitted_at (default) or rejected_at.
	DateField string
	From      *time.Time
	To        *time.Time
	Page      int
	PageSize  int
	SortOrder string
}

// StageCount is one row of the status aggregate, split by which approval
// stages have completed so stage-scoped statistics can be folded from it.
type StageCount struct {
	Status         RequestStatus `db:"status"`
	GuideDone      bool          `db:"guide_done"`
	HODDone        bool          `db:"hod_done"`
	ITServicesDone bool          `db:"it_services_done"`
	Count          int           `db:"count"`
}
