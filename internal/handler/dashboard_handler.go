package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/metislab-api/internal/dto"
	"github.com/noah-isme/metislab-api/internal/middleware"
	"github.com/noah-isme/metislab-api/internal/models"
	appErrors "github.com/noah-isme/metislab-api/pkg/errors"
	"github.com/noah-isme/metislab-api/pkg/response"
)

type dashboardService interface {
	Dashboard(ctx context.Context, actor models.Actor) (*dto.DashboardResponse, bool, error)
	Stats(ctx context.Context, actor models.Actor, scope string) (*dto.StatsResponse, error)
}

// DashboardHandler wires the projection service to HTTP endpoints.
type DashboardHandler struct {
	service      dashboardService
	pollInterval time.Duration
}

// NewDashboardHandler constructs the handler. pollInterval is advertised to
// clients in the response meta.
func NewDashboardHandler(service dashboardService, pollInterval time.Duration) *DashboardHandler {
	return &DashboardHandler{service: service, pollInterval: pollInterval}
}

// Dashboard godoc
// @Summary Role-specific dashboard
// @Description Queue, recent decisions and counts for the caller's role
// @Tags Dashboard
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /dashboard [get]
func (h *DashboardHandler) Dashboard(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.ErrInternal)
		return
	}
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	start := time.Now()
	summary, cacheHit, err := h.service.Dashboard(c.Request.Context(), actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	middleware.SetCacheHit(c, cacheHit)
	middleware.SetPollInterval(c, h.pollInterval)
	meta := middleware.Meta(c)
	meta["processing_time_ms"] = time.Since(start).Milliseconds()
	response.JSON(c, http.StatusOK, summary, nil, meta)
}

// Stats godoc
// @Summary Request statistics
// @Tags Dashboard
// @Produce json
// @Param scope query string false "role, global or own"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /stats [get]
func (h *DashboardHandler) Stats(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	stats, err := h.service.Stats(c.Request.Context(), actor, strings.TrimSpace(c.Query("scope")))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, stats, nil)
}
