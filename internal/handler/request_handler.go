package handler

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/metislab-api/internal/dto"
	"github.com/noah-isme/metislab-api/internal/models"
	"github.com/noah-isme/metislab-api/internal/service"
	appErrors "github.com/noah-isme/metislab-api/pkg/errors"
	"github.com/noah-isme/metislab-api/pkg/response"
)

type requestService interface {
	Submit(ctx context.Context, actor models.Actor, content dto.RequestContent) (*models.AccessRequest, error)
	Update(ctx context.Context, actor models.Actor, id int64, content dto.RequestContent) (*models.AccessRequest, error)
	Get(ctx context.Context, actor models.Actor, id int64) (*models.AccessRequest, error)
	ListMine(ctx context.Context, actor models.Actor, query dto.ListRequestsQuery) ([]models.AccessRequest, *models.Pagination, error)
	ListByStage(ctx context.Context, actor models.Actor, role models.UserRole, query dto.ListRequestsQuery) ([]models.AccessRequest, *models.Pagination, error)
	ListRejected(ctx context.Context, query dto.ListRequestsQuery) ([]models.AccessRequest, *models.Pagination, error)
	ListAll(ctx context.Context, query dto.ListRequestsQuery) ([]models.AccessRequest, *models.Pagination, error)
}

type timelineService interface {
	Timeline(ctx context.Context, actor models.Actor, id int64) (*dto.TimelineResponse, error)
	History(ctx context.Context, actor models.Actor, id int64) ([]models.RequestEvent, error)
}

type timelineExporter interface {
	TimelinePDF(ctx context.Context, actor models.Actor, id int64, meta models.RequestMeta) (*service.ExportResult, error)
}

// RequestHandler exposes submission, listing and timeline endpoints.
type RequestHandler struct {
	requests  requestService
	timelines timelineService
	exporter  timelineExporter
}

// NewRequestHandler constructs the handler.
func NewRequestHandler(requests requestService, timelines timelineService, exporter timelineExporter) *RequestHandler {
	return &RequestHandler{requests: requests, timelines: timelines, exporter: exporter}
}

// Submit godoc
// @Summary Submit access request
// @Description Requesters submit a new request; it enters the guide stage as pending
// @Tags Requests
// @Accept json
// @Produce json
// @Param payload body dto.RequestContent true "Request content"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /requests [post]
func (h *RequestHandler) Submit(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	var content dto.RequestContent
	if err := c.ShouldBindJSON(&content); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid request payload"))
		return
	}
	created, err := h.requests.Submit(c.Request.Context(), actor, content)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, created)
}

// Update godoc
// @Summary Update access request
// @Description The owner edits a request while it is still pending at the guide stage
// @Tags Requests
// @Accept json
// @Produce json
// @Param id path int true "Request ID"
// @Param payload body dto.RequestContent true "Request content"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /requests/{id} [put]
func (h *RequestHandler) Update(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	id, ok := requestID(c)
	if !ok {
		return
	}
	var content dto.RequestContent
	if err := c.ShouldBindJSON(&content); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid request payload"))
		return
	}
	updated, err := h.requests.Update(c.Request.Context(), actor, id, content)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, updated, nil)
}

// Get godoc
// @Summary Get access request
// @Tags Requests
// @Produce json
// @Param id path int true "Request ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /requests/{id} [get]
func (h *RequestHandler) Get(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	id, ok := requestID(c)
	if !ok {
		return
	}
	req, err := h.requests.Get(c.Request.Context(), actor, id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, req, nil)
}

// ListMine godoc
// @Summary List own requests
// @Tags Requests
// @Produce json
// @Param status query string false "Comma separated statuses"
// @Param priority query string false "Priority"
// @Param search query string false "Search"
// @Param date_range query string false "today, week or month"
// @Param from query string false "From date (YYYY-MM-DD)"
// @Param to query string false "To date (YYYY-MM-DD)"
// @Param page query int false "Page number"
// @Param page_size query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /requests [get]
func (h *RequestHandler) ListMine(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	h.list(c, func(ctx context.Context, q dto.ListRequestsQuery) ([]models.AccessRequest, *models.Pagination, error) {
		return h.requests.ListMine(ctx, actor, q)
	})
}

// ListByStage godoc
// @Summary List requests at a review stage
// @Description Requests awaiting or advanced past the given reviewer stage
// @Tags Requests
// @Produce json
// @Param role path string true "Reviewer role"
// @Param status query string false "Comma separated statuses"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /requests/stage/{role} [get]
func (h *RequestHandler) ListByStage(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	role := models.UserRole(c.Param("role"))
	h.list(c, func(ctx context.Context, q dto.ListRequestsQuery) ([]models.AccessRequest, *models.Pagination, error) {
		return h.requests.ListByStage(ctx, actor, role, q)
	})
}

// ListRejected godoc
// @Summary List rejected requests
// @Tags Requests
// @Produce json
// @Param search query string false "Search over title and submitter"
// @Param date_range query string false "today, week or month"
// @Success 200 {object} response.Envelope
// @Router /requests/rejected [get]
func (h *RequestHandler) ListRejected(c *gin.Context) {
	h.list(c, h.requests.ListRejected)
}

// ListAll godoc
// @Summary List all requests
// @Tags Requests
// @Produce json
// @Param status query string false "Comma separated statuses"
// @Success 200 {object} response.Envelope
// @Router /requests/all [get]
func (h *RequestHandler) ListAll(c *gin.Context) {
	h.list(c, h.requests.ListAll)
}

func (h *RequestHandler) list(c *gin.Context, fetch func(context.Context, dto.ListRequestsQuery) ([]models.AccessRequest, *models.Pagination, error)) {
	query, err := parseListQuery(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	items, pagination, err := fetch(c.Request.Context(), query)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, items, pagination)
}

// Timeline godoc
// @Summary Request timeline
// @Description Derived checkpoints and the actions the caller may take now
// @Tags Requests
// @Produce json
// @Param id path int true "Request ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /requests/{id}/timeline [get]
func (h *RequestHandler) Timeline(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	id, ok := requestID(c)
	if !ok {
		return
	}
	timeline, err := h.timelines.Timeline(c.Request.Context(), actor, id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, timeline, nil)
}

// TimelinePDF godoc
// @Summary Download request timeline as PDF
// @Tags Requests
// @Produce application/pdf
// @Param id path int true "Request ID"
// @Success 200 {file} file
// @Failure 404 {object} response.Envelope
// @Router /requests/{id}/timeline.pdf [get]
func (h *RequestHandler) TimelinePDF(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	id, ok := requestID(c)
	if !ok {
		return
	}
	if h.exporter == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrUnavailable, "timeline export is not configured"))
		return
	}
	result, err := h.exporter.TimelinePDF(c.Request.Context(), actor, id, requestMeta(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, result.ContentType, result.Body)
}

// History godoc
// @Summary Request audit history
// @Description Every committed change to the request, oldest first
// @Tags Requests
// @Produce json
// @Param id path int true "Request ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /requests/{id}/events [get]
func (h *RequestHandler) History(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	id, ok := requestID(c)
	if !ok {
		return
	}
	events, err := h.timelines.History(c.Request.Context(), actor, id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, events, nil)
}
