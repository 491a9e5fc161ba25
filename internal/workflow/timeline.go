package workflow

import (
	"github.com/noah-isme/metislab-api/internal/models"
)

var stageSteps = [stageCount]struct {
	name  models.TimelineStepName
	label string
}{
	StageGuide:      {models.StepGuideApproval, "Project Guide Approval"},
	StageHOD:        {models.StepHODApproval, "HOD Approval"},
	StageITServices: {models.StepITServicesApproval, "IT Services Approval"},
	StageFinal:      {models.StepFinalApproval, "Final Approval"},
}

// Timeline derives the five checkpoints of req from its audit columns. The
// first open stage of a rejected request is the rejected step.
func Timeline(req *models.AccessRequest) []models.TimelineStep {
	submittedBy := req.SubmittedBy
	submittedAt := req.SubmittedAt
	steps := make([]models.TimelineStep, 0, int(stageCount)+1)
	steps = append(steps, models.TimelineStep{
		Name:      models.StepSubmitted,
		Label:     "Submitted",
		Status:    models.StepCompleted,
		ActorID:   &submittedBy,
		Timestamp: &submittedAt,
	})

	rejectionPlaced := false
	for stage := StageGuide; stage < stageCount; stage++ {
		step := models.TimelineStep{
			Name:   stageSteps[stage].name,
			Label:  stageSteps[stage].label,
			Status: models.StepPending,
		}
		by, at := StageRecord(req, stage)
		switch {
		case at != nil:
			step.Status = models.StepCompleted
			step.ActorID = copyString(by)
			step.Timestamp = copyTime(at)
		case req.Status == models.StatusRejected && !rejectionPlaced:
			rejectionPlaced = true
			step.Status = models.StepRejected
			step.ActorID = copyString(req.RejectedBy)
			step.Timestamp = copyTime(req.RejectedAt)
			if req.RejectionReason != nil {
				step.Note = *req.RejectionReason
			}
		case req.Status == models.StatusCancelled:
			step.Note = "cancelled by requester"
		}
		steps = append(steps, step)
	}
	if req.Status == models.StatusClosed {
		steps[len(steps)-1].Note = "closed"
	}
	return steps
}
