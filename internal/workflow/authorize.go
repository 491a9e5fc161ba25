package workflow

import (
	"fmt"

	"github.com/noah-isme/metislab-api/internal/models"
)

// Decision is the outcome of an authorization check.
type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision { return Decision{Allowed: true} }

func deny(format string, args ...interface{}) Decision {
	return Decision{Reason: fmt.Sprintf(format, args...)}
}

// Authorize decides whether actor may take t on req. claimed is the acting role
// the client asserted, empty when it sent none; it can only narrow, never widen,
// what the account role allows.
func Authorize(actor models.Actor, claimed models.UserRole, req *models.AccessRequest, t Transition) Decision {
	isOwner := actor.ID != "" && actor.ID == req.SubmittedBy

	if t.OwnerOnly {
		if !isOwner {
			return deny("only the request owner can %s it", t.Action)
		}
		return allow()
	}

	if isOwner {
		return deny("request owner cannot %s their own request", t.Action)
	}
	if claimed != "" && claimed != actor.Role {
		return deny("acting role %s does not match account role %s", claimed, actor.Role)
	}
	if actor.Role != t.Role {
		if actor.Role == models.RoleAdmin {
			return deny("requires %s role; admin acts only on it_services_approved requests and for close or restore", t.Role)
		}
		return deny("requires %s role", t.Role)
	}
	return allow()
}

// ActingRole returns the role the caller acts as: the claimed role when given,
// otherwise the role inferred from status.
func ActingRole(claimed models.UserRole, status models.RequestStatus) models.UserRole {
	if claimed != "" {
		return claimed
	}
	role, _ := InferRole(status)
	return role
}
