package workflow

import (
	"fmt"
	"strings"
	"time"

	"github.com/noah-isme/metislab-api/internal/models"
)

// stageFields returns pointers to the approver and timestamp columns of stage.
func stageFields(req *models.AccessRequest, stage Stage) (**string, **time.Time) {
	switch stage {
	case StageGuide:
		return &req.GuideApprovedBy, &req.GuideApprovedAt
	case StageHOD:
		return &req.HODApprovedBy, &req.HODApprovedAt
	case StageITServices:
		return &req.ITServicesApprovedBy, &req.ITServicesApprovedAt
	default:
		return &req.ApprovedBy, &req.ApprovedAt
	}
}

// StageRecord reports who completed stage and when, or nils when it is open.
func StageRecord(req *models.AccessRequest, stage Stage) (*string, *time.Time) {
	by, at := stageFields(req, stage)
	return *by, *at
}

// Apply computes the request state after t is taken by actorID at now. The
// input is not modified.
func Apply(req *models.AccessRequest, t Transition, actorID, reason string, now time.Time) *models.AccessRequest {
	next := req.Clone()
	next.Status = t.To
	next.UpdatedAt = now
	actor := actorID
	ts := now

	switch t.Action {
	case models.ActionApprove:
		for stage := StageGuide; stage < stageCount; stage++ {
			if stageInput[stage] == t.From {
				by, at := stageFields(next, stage)
				*by, *at = &actor, &ts
				break
			}
		}
	case models.ActionReject:
		trimmed := strings.TrimSpace(reason)
		next.RejectedBy = &actor
		next.RejectedAt = &ts
		next.RejectionReason = &trimmed
	case models.ActionClose:
		next.ClosedBy = &actor
		next.ClosedAt = &ts
	case models.ActionCancel:
		next.CancelledAt = &ts
	case models.ActionRestore:
		for stage := StageGuide; stage < stageCount; stage++ {
			by, at := stageFields(next, stage)
			*by, *at = nil, nil
		}
		next.RejectedBy = nil
		next.RejectedAt = nil
		next.RejectionReason = nil
	}
	return next
}

// CheckInvariants verifies that the audit columns of req agree with its status.
func CheckInvariants(req *models.AccessRequest) error {
	if req == nil {
		return fmt.Errorf("request is nil")
	}
	if !req.Status.Valid() {
		return fmt.Errorf("unknown status %q", req.Status)
	}

	done := 0
	for stage := StageGuide; stage < stageCount; stage++ {
		by, at := StageRecord(req, stage)
		if (by == nil) != (at == nil) {
			return fmt.Errorf("stage %d has a partial audit record", stage)
		}
		if by == nil {
			continue
		}
		if int(stage) != done {
			return fmt.Errorf("stage %d completed before stage %d", stage, done)
		}
		if *by == req.SubmittedBy {
			return fmt.Errorf("stage %d approved by the request owner", stage)
		}
		done++
	}

	if req.Status == models.StatusRejected {
		if req.RejectionReason == nil || strings.TrimSpace(*req.RejectionReason) == "" {
			return fmt.Errorf("rejected request has no rejection reason")
		}
		if req.RejectedAt == nil || req.RejectedBy == nil {
			return fmt.Errorf("rejected request has no rejector")
		}
		if done >= int(stageCount) {
			return fmt.Errorf("rejected request completed every stage")
		}
	} else {
		want, _ := completedStages(req.Status)
		if done != want {
			return fmt.Errorf("status %s expects %d completed stages, found %d", req.Status, want, done)
		}
		if req.RejectionReason != nil || req.RejectedAt != nil {
			return fmt.Errorf("status %s carries rejection fields", req.Status)
		}
	}

	if (req.ClosedAt != nil) != (req.Status == models.StatusClosed) {
		return fmt.Errorf("closed_at does not match status %s", req.Status)
	}
	if (req.CancelledAt != nil) != (req.Status == models.StatusCancelled) {
		return fmt.Errorf("cancelled_at does not match status %s", req.Status)
	}
	return nil
}
