package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/metislab-api/internal/models"
)

type fakeRelay struct {
	mu        sync.Mutex
	published [][]byte
	handle    func([]byte)
	ready     chan struct{}
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{ready: make(chan struct{})}
}

func (r *fakeRelay) Publish(_ context.Context, _ string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = append(r.published, payload)
	return nil
}

func (r *fakeRelay) Subscribe(ctx context.Context, _ string, handle func([]byte)) error {
	r.mu.Lock()
	r.handle = handle
	r.mu.Unlock()
	close(r.ready)
	<-ctx.Done()
	return nil
}

func (r *fakeRelay) sent() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.published...)
}

func (r *fakeRelay) deliver(payload []byte) {
	r.mu.Lock()
	handle := r.handle
	r.mu.Unlock()
	handle(payload)
}

func feedEvent(id string) models.RequestEvent {
	return models.RequestEvent{ID: id, RequestID: 1, Action: models.ActionApprove, FromStatus: models.StatusPending, ToStatus: models.StatusGuideApproved}
}

func receiveEvent(t *testing.T, ch <-chan models.RequestEvent) models.RequestEvent {
	t.Helper()
	select {
	case event, ok := <-ch:
		require.True(t, ok, "subscriber channel closed")
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return models.RequestEvent{}
}

func TestEventFeedDeliversToSubscribers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	feed := NewEventFeed(nil, NewMetricsService(), zap.NewNop(), EventFeedConfig{Workers: 1, BufferSize: 8})
	feed.Start(ctx)
	defer feed.Stop()

	first, cancelFirst := feed.Subscribe()
	second, cancelSecond := feed.Subscribe()
	defer cancelSecond()
	assert.Equal(t, 2, feed.Subscribers())

	feed.Publish(feedEvent("e1"))
	assert.Equal(t, "e1", receiveEvent(t, first).ID)
	assert.Equal(t, "e1", receiveEvent(t, second).ID)

	cancelFirst()
	cancelFirst()
	assert.Equal(t, 1, feed.Subscribers())
	_, open := <-first
	assert.False(t, open)
}

func TestEventFeedRelaysAcrossInstances(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	relay := newFakeRelay()
	feed := NewEventFeed(relay, nil, zap.NewNop(), EventFeedConfig{Channel: "test-events"})
	feed.Start(ctx)
	defer feed.Stop()
	<-relay.ready

	events, unsubscribe := feed.Subscribe()
	defer unsubscribe()

	feed.Publish(feedEvent("local"))
	assert.Equal(t, "local", receiveEvent(t, events).ID)
	require.Eventually(t, func() bool { return len(relay.sent()) == 1 }, 2*time.Second, 10*time.Millisecond)

	var envelope relayEnvelope
	require.NoError(t, json.Unmarshal(relay.sent()[0], &envelope))
	assert.Equal(t, feed.origin, envelope.Origin)

	relay.deliver(relay.sent()[0])
	remote, err := json.Marshal(relayEnvelope{Origin: "other-instance", Event: feedEvent("remote")})
	require.NoError(t, err)
	relay.deliver(remote)
	relay.deliver([]byte("not json"))

	assert.Equal(t, "remote", receiveEvent(t, events).ID)
	select {
	case extra := <-events:
		t.Fatalf("unexpected event %s", extra.ID)
	default:
	}
	assert.Len(t, relay.sent(), 1)
}

func TestEventFeedDropsForSlowSubscribers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := NewMetricsService()
	feed := NewEventFeed(nil, metrics, zap.NewNop(), EventFeedConfig{Workers: 1, BufferSize: 8, SubscriberBuffer: 1})
	feed.Start(ctx)
	defer feed.Stop()

	slow, unsubscribe := feed.Subscribe()
	defer unsubscribe()

	for _, id := range []string{"e1", "e2", "e3"} {
		feed.Publish(feedEvent(id))
	}
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.feedDropped) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "e1", receiveEvent(t, slow).ID)
}

func TestEventFeedPublishBeforeStartIsDropped(t *testing.T) {
	metrics := NewMetricsService()
	feed := NewEventFeed(nil, metrics, zap.NewNop(), EventFeedConfig{})

	feed.Publish(feedEvent("early"))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.feedDropped))
}

func TestEventFeedStopClosesSubscribers(t *testing.T) {
	metrics := NewMetricsService()
	feed := NewEventFeed(nil, metrics, zap.NewNop(), EventFeedConfig{})
	feed.Start(context.Background())

	events, unsubscribe := feed.Subscribe()
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.feedSubscribers))

	feed.Stop()
	_, open := <-events
	assert.False(t, open)
	assert.Equal(t, 0, feed.Subscribers())
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.feedSubscribers))
	unsubscribe()
}
