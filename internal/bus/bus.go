// ABOUTME: In-memory fan-out broadcaster for routed gateway events
// ABOUTME: Publishes routed events to all live subscribers, one per dashboard view

package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64
)

// Event is a routed gateway event as delivered to subscribers. Immutable
// once published; consumed by every current subscriber then discarded.
// LocalID is synthetic and monotonically decreasing, namespaced away from
// persisted-entity identifiers which are always positive.
type Event struct {
	LocalID   int64           `json:"local_id"`
	ProjectID string          `json:"project_id,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	AgentID   string          `json:"agent_id,omitempty"`
	Source    string          `json:"source"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Bus provides in-memory pub/sub for routed events. Every subscriber
// receives every published event; there is no buffering beyond immediate
// delivery, so a late subscriber relies on the store for history.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan *Event // subID -> ch
	logger      *slog.Logger
}

// New creates a bus. Pass nil logger for default.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subscribers: make(map[string]chan *Event),
		logger:      logger.With("component", "bus"),
	}
}

// Subscribe registers a subscriber. Returns a channel that receives events
// and a subscription ID for later unsubscription. The subscription is
// automatically cleaned up when ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context) (<-chan *Event, string) {
	subID := uuid.New().String()
	ch := make(chan *Event, subscriberBufferSize)

	b.mu.Lock()
	b.subscribers[subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "sub_id", subID)

	// Auto-cleanup on context cancellation
	go func() {
		<-ctx.Done()
		b.Unsubscribe(subID)
	}()

	return ch, subID
}

// Publish sends an event to every current subscriber.
// Non-blocking: events are dropped for subscribers whose channels are full.
// Sends happen under the read lock so an unsubscribe cannot close a channel
// mid-publish; Unsubscribe and Close take the write lock before closing.
func (b *Bus) Publish(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers {
		select {
		case ch <- event:
			// Sent
		default:
			b.logger.Debug("dropped event for slow subscriber",
				"local_id", event.LocalID,
				"type", event.Type)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subscribers[subID]
	if !ok {
		return
	}

	delete(b.subscribers, subID)
	close(ch)

	b.logger.Debug("subscriber removed", "sub_id", subID)
}

// SubscriberCount reports the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close shuts down the bus and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for subID, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, subID)
	}

	b.logger.Debug("bus closed")
}
