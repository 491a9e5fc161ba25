package handler

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/metislab-api/internal/dto"
	"github.com/noah-isme/metislab-api/internal/middleware"
	"github.com/noah-isme/metislab-api/internal/models"
	appErrors "github.com/noah-isme/metislab-api/pkg/errors"
	"github.com/noah-isme/metislab-api/pkg/response"
)

const dateLayout = "2006-01-02"

// actorFromContext returns the verified caller, writing 401 when absent.
func actorFromContext(c *gin.Context) (models.Actor, bool) {
	claims, ok := middleware.Claims(c)
	if !ok || claims.UserID == "" {
		response.Error(c, appErrors.ErrUnauthorized)
		return models.Actor{}, false
	}
	return claims.Actor(), true
}

func requestMeta(c *gin.Context) models.RequestMeta {
	return models.RequestMeta{IP: c.ClientIP(), UserAgent: c.GetHeader("User-Agent")}
}

// requestID parses the :id path parameter, writing 400 when it is not a positive integer.
func requestID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "request id must be a positive integer"))
		return 0, false
	}
	return id, true
}

// parseListQuery reads the shared list filters. status may repeat or be comma separated.
func parseListQuery(c *gin.Context) (dto.ListRequestsQuery, error) {
	query := dto.ListRequestsQuery{
		Priority:  models.Priority(strings.TrimSpace(c.Query("priority"))),
		Search:    c.Query("search"),
		DateRange: strings.TrimSpace(c.Query("date_range")),
		SortOrder: c.Query("sort_order"),
	}

	for _, raw := range c.QueryArray("status") {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				query.Status = append(query.Status, models.RequestStatus(part))
			}
		}
	}

	var err error
	if query.Page, err = intQuery(c, "page", 1); err != nil {
		return query, err
	}
	if query.PageSize, err = intQuery(c, "page_size", 20); err != nil {
		return query, err
	}
	if query.From, err = dateQuery(c, "from", false); err != nil {
		return query, err
	}
	if query.To, err = dateQuery(c, "to", true); err != nil {
		return query, err
	}
	return query, nil
}

func intQuery(c *gin.Context, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, appErrors.Clone(appErrors.ErrValidation, key+" must be an integer")
	}
	return v, nil
}

// dateQuery parses YYYY-MM-DD. An upper bound covers the whole day, so it is
// returned as the start of the following day.
func dateQuery(c *gin.Context, key string, upper bool) (*time.Time, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return nil, nil
	}
	parsed, err := time.Parse(dateLayout, raw)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, "invalid "+key+" date, expected YYYY-MM-DD")
	}
	if upper {
		parsed = parsed.AddDate(0, 0, 1)
	}
	return &parsed, nil
}
