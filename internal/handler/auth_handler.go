package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"

	"github.com/noah-isme/metislab-api/internal/dto"
	"github.com/noah-isme/metislab-api/internal/middleware"
	"github.com/noah-isme/metislab-api/internal/models"
	"github.com/noah-isme/metislab-api/internal/workflow"
	appErrors "github.com/noah-isme/metislab-api/pkg/errors"
	"github.com/noah-isme/metislab-api/pkg/response"
)

type authService interface {
	Login(ctx context.Context, req models.LoginRequest) (*models.LoginResponse, error)
}

// AuthHandler exposes login and the caller's session.
type AuthHandler struct {
	service authService
}

// NewAuthHandler creates a new handler.
func NewAuthHandler(svc authService) *AuthHandler {
	return &AuthHandler{service: svc}
}

// Login godoc
// @Summary Authenticate user
// @Description Exchange email and password for an access token carrying the account's role
// @Tags Authentication
// @Accept json
// @Produce json
// @Param payload body models.LoginRequest true "Login payload"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /auth/login [post]
func (h *AuthHandler) Login(c *gin.Context) {
	var req models.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid login payload"))
		return
	}
	meta := requestMeta(c)
	req.IP, req.UserAgent = meta.IP, meta.UserAgent

	res, err := h.service.Login(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, res, nil)
}

// Me godoc
// @Summary Current session
// @Description Returns the caller as carried by the token and the workflow actions their role allows
// @Tags Authentication
// @Produce json
// @Success 200 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /auth/me [get]
func (h *AuthHandler) Me(c *gin.Context) {
	claims, ok := middleware.Claims(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	session := dto.SessionResponse{
		User: models.UserInfo{
			ID:       claims.UserID,
			Email:    claims.Email,
			FullName: claims.FullName,
			Role:     claims.Role,
		},
		CanSubmit:   lo.Contains(models.RequesterRoles, claims.Role),
		Permissions: sessionPermissions(claims.Role),
	}
	if incoming, ok := workflow.IncomingStatus(claims.Role); ok {
		session.ReviewsAt = &incoming
	}
	if claims.ExpiresAt != nil {
		session.ExpiresAt = &claims.ExpiresAt.Time
	}
	response.JSON(c, http.StatusOK, session, nil)
}

func sessionPermissions(role models.UserRole) []string {
	switch {
	case role == models.RoleAdmin:
		return []string{"approve", "reject", "close", "restore", "users:manage"}
	case role.IsStaff():
		return []string{"approve", "reject"}
	case lo.Contains(models.RequesterRoles, role):
		return []string{"submit", "update", "cancel"}
	}
	return []string{}
}
