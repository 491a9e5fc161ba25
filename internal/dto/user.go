package dto

import (
	"time"

	"github.com/noah-isme/metislab-api/internal/models"
)

// CreateUserRequest represents payload for creating users.
type CreateUserRequest struct {
	Email      string          `json:"email" validate:"required,email"`
	FullName   string          `json:"full_name" validate:"required"`
	Role       models.UserRole `json:"role" validate:"required,oneof=student faculty external project_guide hod it_services admin"`
	Department string          `json:"department"`
	Active     bool            `json:"active"`
	Password   string          `json:"password" validate:"required,min=8"`
}

// RegisterRequest is the self-service sign-up payload. Only requester roles
// can be chosen.
type RegisterRequest struct {
	Email      string          `json:"email" validate:"required,email"`
	FullName   string          `json:"full_name" validate:"required,max=200"`
	Role       models.UserRole `json:"role" validate:"required,oneof=student faculty external"`
	Department string          `json:"department" validate:"max=200"`
	Password   string          `json:"password" validate:"required,min=8"`
}

// UpdateUserRequest edits an account profile. Omitted fields are left as they are.
type UpdateUserRequest struct {
	FullName   *string `json:"full_name" validate:"omitempty,max=200"`
	Department *string `json:"department" validate:"omitempty,max=200"`
}

// ToggleStatusResponse reports the account state after a toggle.
type ToggleStatusResponse struct {
	ID     string `json:"id"`
	Active bool   `json:"active"`
}

// SessionResponse describes the caller and where they sit in the approval chain.
type SessionResponse struct {
	User        models.UserInfo       `json:"user"`
	CanSubmit   bool                  `json:"can_submit"`
	ReviewsAt   *models.RequestStatus `json:"reviews_status,omitempty"`
	ExpiresAt   *time.Time            `json:"expires_at,omitempty"`
	Permissions []string              `json:"permissions"`
}
