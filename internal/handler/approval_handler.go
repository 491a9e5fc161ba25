package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"

	"github.com/noah-isme/metislab-api/internal/dto"
	"github.com/noah-isme/metislab-api/internal/models"
	appErrors "github.com/noah-isme/metislab-api/pkg/errors"
	"github.com/noah-isme/metislab-api/pkg/response"
)

type actionFunc func(ctx context.Context, actor models.Actor, id int64, req dto.ActionRequest) (*dto.ActionResponse, error)

type approvalService interface {
	Approve(ctx context.Context, actor models.Actor, id int64, req dto.ActionRequest) (*dto.ActionResponse, error)
	Reject(ctx context.Context, actor models.Actor, id int64, req dto.ActionRequest) (*dto.ActionResponse, error)
	Close(ctx context.Context, actor models.Actor, id int64, req dto.ActionRequest) (*dto.ActionResponse, error)
	Restore(ctx context.Context, actor models.Actor, id int64, req dto.ActionRequest) (*dto.ActionResponse, error)
	Cancel(ctx context.Context, actor models.Actor, id int64, req dto.ActionRequest) (*dto.ActionResponse, error)
	Authorize(ctx context.Context, actor models.Actor, id int64, action models.RequestAction, claimed models.UserRole) (*dto.AuthorizeResponse, error)
}

var checkableActions = []models.RequestAction{
	models.ActionApprove, models.ActionReject, models.ActionClose, models.ActionRestore, models.ActionCancel,
}

// ApprovalHandler exposes the workflow actions on a single request.
type ApprovalHandler struct {
	service approvalService
}

// NewApprovalHandler constructs the handler.
func NewApprovalHandler(svc approvalService) *ApprovalHandler {
	return &ApprovalHandler{service: svc}
}

// Approve godoc
// @Summary Approve request at the caller's stage
// @Tags Workflow
// @Accept json
// @Produce json
// @Param id path int true "Request ID"
// @Param payload body dto.ActionRequest false "Acting role and expected revision"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /requests/{id}/approve [post]
func (h *ApprovalHandler) Approve(c *gin.Context) { h.act(c, h.service.Approve) }

// Reject godoc
// @Summary Reject request at the caller's stage
// @Tags Workflow
// @Accept json
// @Produce json
// @Param id path int true "Request ID"
// @Param payload body dto.ActionRequest true "Reason is required"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /requests/{id}/reject [post]
func (h *ApprovalHandler) Reject(c *gin.Context) { h.act(c, h.service.Reject) }

// Close godoc
// @Summary Close approved request
// @Tags Workflow
// @Produce json
// @Param id path int true "Request ID"
// @Success 200 {object} response.Envelope
// @Router /requests/{id}/close [post]
func (h *ApprovalHandler) Close(c *gin.Context) { h.act(c, h.service.Close) }

// Restore godoc
// @Summary Restore rejected request to pending
// @Tags Workflow
// @Produce json
// @Param id path int true "Request ID"
// @Success 200 {object} response.Envelope
// @Router /requests/{id}/restore [post]
func (h *ApprovalHandler) Restore(c *gin.Context) { h.act(c, h.service.Restore) }

// Cancel godoc
// @Summary Cancel own pending request
// @Tags Workflow
// @Produce json
// @Param id path int true "Request ID"
// @Success 200 {object} response.Envelope
// @Router /requests/{id}/cancel [post]
func (h *ApprovalHandler) Cancel(c *gin.Context) { h.act(c, h.service.Cancel) }

// Check godoc
// @Summary Check whether the caller may take an action now
// @Description Dry run of the workflow gate; nothing is committed
// @Tags Workflow
// @Produce json
// @Param id path int true "Request ID"
// @Param action query string true "approve, reject, close, restore or cancel"
// @Param acting_role query string false "Acting role"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /requests/{id}/authorize [get]
func (h *ApprovalHandler) Check(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	id, ok := requestID(c)
	if !ok {
		return
	}
	action := models.RequestAction(c.Query("action"))
	if !lo.Contains(checkableActions, action) {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown action %q", action)))
		return
	}

	result, err := h.service.Authorize(c.Request.Context(), actor, id, action, models.UserRole(c.Query("acting_role")))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

func (h *ApprovalHandler) act(c *gin.Context, run actionFunc) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	id, ok := requestID(c)
	if !ok {
		return
	}

	var body dto.ActionRequest
	if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid action payload"))
		return
	}

	result, err := run(c.Request.Context(), actor, id, body)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}
