package handler

import (
	"context"
	"io"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/metislab-api/internal/models"
	appErrors "github.com/noah-isme/metislab-api/pkg/errors"
	"github.com/noah-isme/metislab-api/pkg/response"
)

type eventSubscriber interface {
	Subscribe() (<-chan models.RequestEvent, func())
}

type requestReader interface {
	Get(ctx context.Context, actor models.Actor, id int64) (*models.AccessRequest, error)
}

// EventHandler streams committed request events as server-sent events.
type EventHandler struct {
	feed      eventSubscriber
	requests  requestReader
	heartbeat time.Duration
}

// NewEventHandler constructs the handler. requests decides which events a
// requester may see; staff receive every event.
func NewEventHandler(feed eventSubscriber, requests requestReader, heartbeat time.Duration) *EventHandler {
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	return &EventHandler{feed: feed, requests: requests, heartbeat: heartbeat}
}

// Stream godoc
// @Summary Live request changes
// @Description Server-sent events for every committed transition the caller may see. EventSource clients pass the token as access_token.
// @Tags Events
// @Produce text/event-stream
// @Param access_token query string false "Bearer token for EventSource clients"
// @Success 200 {string} string "event stream"
// @Router /events [get]
func (h *EventHandler) Stream(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	if h.feed == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrUnavailable, "event feed is disabled"))
		return
	}

	events, unsubscribe := h.feed.Subscribe()
	defer unsubscribe()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	ctx := c.Request.Context()
	visible := h.visibility(ctx, actor)
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.SSEvent("ready", gin.H{"role": actor.Role})
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case event, open := <-events:
			if !open {
				return false
			}
			if visible(event) {
				c.SSEvent("request_event", event)
			}
			return true
		case <-ticker.C:
			c.SSEvent("heartbeat", gin.H{"at": time.Now().UTC()})
			return true
		}
	})
}

// visibility returns the per-stream event filter. Ownership lookups are
// remembered for the lifetime of the stream.
func (h *EventHandler) visibility(ctx context.Context, actor models.Actor) func(models.RequestEvent) bool {
	if actor.Role.IsStaff() {
		return func(models.RequestEvent) bool { return true }
	}
	seen := make(map[int64]bool)
	return func(event models.RequestEvent) bool {
		if event.ActorID == actor.ID {
			return true
		}
		if allowed, ok := seen[event.RequestID]; ok {
			return allowed
		}
		if h.requests == nil {
			return false
		}
		_, err := h.requests.Get(ctx, actor, event.RequestID)
		allowed := err == nil
		if err == nil || appErrors.HasCode(err, appErrors.ErrNotFound.Code) || appErrors.HasCode(err, appErrors.ErrForbidden.Code) {
			seen[event.RequestID] = allowed
		}
		return allowed
	}
}
