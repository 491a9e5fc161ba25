// Package workflow holds the access request state machine: the transition
// table, authorization rules, the pure state transform and the derived
// timeline and statistics. Nothing here performs I/O except Engine, which
// commits through a Store.
package workflow

import (
	"github.com/noah-isme/metislab-api/internal/models"
)

// Transition is one legal edge of the state graph.
type Transition struct {
	From   models.RequestStatus
	Action models.RequestAction
	// Role is the account role required to take the edge. Empty for owner-only edges.
	Role      models.UserRole
	OwnerOnly bool
	To        models.RequestStatus
}

type transitionKey struct {
	from   models.RequestStatus
	action models.RequestAction
}

var transitions = map[transitionKey]Transition{}

func init() {
	for _, t := range []Transition{
		{From: models.StatusPending, Action: models.ActionApprove, Role: models.RoleProjectGuide, To: models.StatusGuideApproved},
		{From: models.StatusPending, Action: models.ActionReject, Role: models.RoleProjectGuide, To: models.StatusRejected},
		{From: models.StatusGuideApproved, Action: models.ActionApprove, Role: models.RoleHOD, To: models.StatusHODApproved},
		{From: models.StatusGuideApproved, Action: models.ActionReject, Role: models.RoleHOD, To: models.StatusRejected},
		{From: models.StatusHODApproved, Action: models.ActionApprove, Role: models.RoleITServices, To: models.StatusITServicesApproved},
		{From: models.StatusHODApproved, Action: models.ActionReject, Role: models.RoleITServices, To: models.StatusRejected},
		{From: models.StatusITServicesApproved, Action: models.ActionApprove, Role: models.RoleAdmin, To: models.StatusApproved},
		{From: models.StatusITServicesApproved, Action: models.ActionReject, Role: models.RoleAdmin, To: models.StatusRejected},
		{From: models.StatusApproved, Action: models.ActionClose, Role: models.RoleAdmin, To: models.StatusClosed},
		{From: models.StatusRejected, Action: models.ActionRestore, Role: models.RoleAdmin, To: models.StatusPending},
		{From: models.StatusPending, Action: models.ActionCancel, OwnerOnly: true, To: models.StatusCancelled},
	} {
		transitions[transitionKey{from: t.From, action: t.Action}] = t
	}
}

// Lookup returns the transition for action from status.
func Lookup(status models.RequestStatus, action models.RequestAction) (Transition, bool) {
	t, ok := transitions[transitionKey{from: status, action: action}]
	return t, ok
}

// Transitions returns every legal edge leaving status.
func Transitions(status models.RequestStatus) []Transition {
	out := make([]Transition, 0, 2)
	for _, action := range []models.RequestAction{
		models.ActionApprove, models.ActionReject, models.ActionClose, models.ActionRestore, models.ActionCancel,
	} {
		if t, ok := Lookup(status, action); ok {
			out = append(out, t)
		}
	}
	return out
}

// InferRole maps a status to the role expected to act on it. It only fills in
// a missing acting role; authorization always checks the account role.
func InferRole(status models.RequestStatus) (models.UserRole, bool) {
	switch status {
	case models.StatusPending:
		return models.RoleProjectGuide, true
	case models.StatusGuideApproved:
		return models.RoleHOD, true
	case models.StatusHODApproved:
		return models.RoleITServices, true
	case models.StatusITServicesApproved, models.StatusApproved, models.StatusRejected:
		return models.RoleAdmin, true
	}
	return "", false
}

// Stage is an approval checkpoint after submission.
type Stage int

const (
	StageGuide Stage = iota
	StageHOD
	StageITServices
	StageFinal
	stageCount
)

// StageForRole returns the approval stage a staff role is responsible for.
func StageForRole(role models.UserRole) (Stage, bool) {
	switch role {
	case models.RoleProjectGuide:
		return StageGuide, true
	case models.RoleHOD:
		return StageHOD, true
	case models.RoleITServices:
		return StageITServices, true
	case models.RoleAdmin:
		return StageFinal, true
	}
	return 0, false
}

// IncomingStatus is the status a staff role acts on.
func IncomingStatus(role models.UserRole) (models.RequestStatus, bool) {
	stage, ok := StageForRole(role)
	if !ok {
		return "", false
	}
	return stageInput[stage], true
}

// AdvancedStatuses lists the statuses a request holds once role has approved it
// and the request has not been rejected or restored since.
func AdvancedStatuses(role models.UserRole) []models.RequestStatus {
	stage, ok := StageForRole(role)
	if !ok {
		return nil
	}
	out := make([]models.RequestStatus, 0, 5)
	for s := stage; s < stageCount; s++ {
		out = append(out, stageOutput[s])
	}
	return append(out, models.StatusClosed)
}

var stageInput = [stageCount]models.RequestStatus{
	StageGuide:      models.StatusPending,
	StageHOD:        models.StatusGuideApproved,
	StageITServices: models.StatusHODApproved,
	StageFinal:      models.StatusITServicesApproved,
}

var stageOutput = [stageCount]models.RequestStatus{
	StageGuide:      models.StatusGuideApproved,
	StageHOD:        models.StatusHODApproved,
	StageITServices: models.StatusITServicesApproved,
	StageFinal:      models.StatusApproved,
}

// completedStages is how many approval stages a request in a forward status has passed.
func completedStages(status models.RequestStatus) (int, bool) {
	switch status {
	case models.StatusPending, models.StatusCancelled:
		return 0, true
	case models.StatusGuideApproved:
		return 1, true
	case models.StatusHODApproved:
		return 2, true
	case models.StatusITServicesApproved:
		return 3, true
	case models.StatusApproved, models.StatusClosed:
		return 4, true
	}
	return 0, false
}
