package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/metislab-api/internal/models"
	"github.com/noah-isme/metislab-api/pkg/jobs"
)

// FeedRelay carries events between instances.
type FeedRelay interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string, handle func([]byte)) error
}

// EventFeedConfig tunes the change feed.
type EventFeedConfig struct {
	Channel          string
	Workers          int
	BufferSize       int
	SubscriberBuffer int
}

type relayEnvelope struct {
	Origin string              `json:"origin"`
	Event  models.RequestEvent `json:"event"`
}

// EventFeed fans committed request events out to live subscribers. Publishing
// never blocks a transition: events go through a bounded queue and slow
// subscribers miss events instead of stalling the broadcaster. With a relay
// configured, events also cross instances over Redis pub/sub.
type EventFeed struct {
	queue   *jobs.Queue[models.RequestEvent]
	relay   FeedRelay
	metrics *MetricsService
	logger  *zap.Logger
	cfg     EventFeedConfig
	origin  string

	mu          sync.RWMutex
	subscribers map[string]chan models.RequestEvent
}

// NewEventFeed constructs a feed. relay may be nil for a single instance.
func NewEventFeed(relay FeedRelay, metrics *MetricsService, logger *zap.Logger, cfg EventFeedConfig) *EventFeed {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Channel == "" {
		cfg.Channel = "metislab:request-events"
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = 16
	}
	f := &EventFeed{
		relay:       relay,
		metrics:     metrics,
		logger:      logger,
		cfg:         cfg,
		origin:      uuid.NewString(),
		subscribers: make(map[string]chan models.RequestEvent),
	}
	f.queue = jobs.NewQueue("event-feed", f.handle, jobs.QueueConfig[models.RequestEvent]{
		Workers:    cfg.Workers,
		BufferSize: cfg.BufferSize,
		MaxRetries: -1,
		Logger:     logger,
		OnDrop: func(event models.RequestEvent, err error) {
			f.metrics.RecordFeedDrop()
		},
	})
	return f
}

// Start launches the dispatch workers and, when a relay is configured, the
// relay listener. It returns once the workers are running.
func (f *EventFeed) Start(ctx context.Context) {
	f.queue.Start(ctx)
	if f.relay == nil {
		return
	}
	go func() {
		if err := f.relay.Subscribe(ctx, f.cfg.Channel, f.receive); err != nil {
			f.logger.Error("event relay stopped", zap.String("channel", f.cfg.Channel), zap.Error(err))
		}
	}()
}

// Stop drains the workers and disconnects every subscriber.
func (f *EventFeed) Stop() {
	f.queue.Stop()
	f.mu.Lock()
	for id, ch := range f.subscribers {
		close(ch)
		delete(f.subscribers, id)
	}
	f.mu.Unlock()
	f.metrics.SetFeedSubscribers(0)
}

// Publish schedules event for delivery.
func (f *EventFeed) Publish(event models.RequestEvent) {
	if f == nil {
		return
	}
	if err := f.queue.TryEnqueue(event); err != nil {
		f.metrics.RecordFeedDrop()
		f.logger.Warn("change feed event dropped", zap.String("event_id", event.ID), zap.Error(err))
	}
}

// Subscribe registers a listener. The returned cancel func must be called to release it.
func (f *EventFeed) Subscribe() (<-chan models.RequestEvent, func()) {
	id := uuid.NewString()
	ch := make(chan models.RequestEvent, f.cfg.SubscriberBuffer)

	f.mu.Lock()
	f.subscribers[id] = ch
	count := len(f.subscribers)
	f.mu.Unlock()
	f.metrics.SetFeedSubscribers(count)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			f.mu.Lock()
			if existing, ok := f.subscribers[id]; ok {
				close(existing)
				delete(f.subscribers, id)
			}
			remaining := len(f.subscribers)
			f.mu.Unlock()
			f.metrics.SetFeedSubscribers(remaining)
		})
	}
	return ch, cancel
}

// Subscribers reports the number of live subscribers.
func (f *EventFeed) Subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subscribers)
}

func (f *EventFeed) handle(ctx context.Context, event models.RequestEvent) error {
	f.broadcast(event)

	if f.relay == nil {
		return nil
	}
	payload, err := json.Marshal(relayEnvelope{Origin: f.origin, Event: event})
	if err != nil {
		return fmt.Errorf("marshal relay envelope: %w", err)
	}
	if err := f.relay.Publish(ctx, f.cfg.Channel, payload); err != nil {
		f.logger.Warn("event relay publish failed", zap.String("event_id", event.ID), zap.Error(err))
	}
	return nil
}

func (f *EventFeed) receive(payload []byte) {
	var envelope relayEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		f.logger.Warn("malformed relay message", zap.Error(err))
		return
	}
	if envelope.Origin == f.origin {
		return
	}
	f.broadcast(envelope.Event)
}

func (f *EventFeed) broadcast(event models.RequestEvent) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, ch := range f.subscribers {
		select {
		case ch <- event:
		default:
			f.metrics.RecordFeedDrop()
		}
	}
}
