// ABOUTME: Classifies inbound gateway pushes and routes them to the bus and run registry
// ABOUTME: Resolves opaque session keys through the store with per-key ordering preserved

package router

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/coven-deck/internal/bus"
	"github.com/2389/coven-deck/internal/runs"
	"github.com/2389/coven-deck/internal/store"
	"github.com/2389/coven-deck/internal/wire"
)

// eventSource marks every routed event as gateway-originated.
const eventSource = "gateway"

// collaboratorTimeout bounds each store call made on behalf of one event.
// The router degrades to partial identifiers rather than stalling a queue.
const collaboratorTimeout = 5 * time.Second

// HeartbeatSink receives liveness timestamps extracted from heartbeat
// events. Heartbeats never travel further than this.
type HeartbeatSink func(time.Time)

// Router classifies every inbound push frame, enriches it with local
// identifiers, and forwards it to the event bus, except for run lifecycle
// events which go to the run registry. The socket read loop calls Route for each
// frame; store lookups run on per-key queues so a slow resolution never
// blocks frame processing for other keys.
type Router struct {
	store     store.Store
	bus       *bus.Bus
	runs      *runs.Registry
	heartbeat HeartbeatSink
	cache     *keyCache
	logger    *slog.Logger

	// localID allocates synthetic routed-event identifiers: negative and
	// strictly decreasing, so they can never collide with persisted ids.
	localID atomic.Int64

	// queues serializes enrichment per ordering key so a later event for a
	// session key cannot race ahead of an earlier one awaiting resolution.
	queuesMu sync.Mutex
	queues   map[string][]func()
}

// New creates a router. The heartbeat sink and logger may be nil.
func New(st store.Store, b *bus.Bus, reg *runs.Registry, heartbeat HeartbeatSink, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if heartbeat == nil {
		heartbeat = func(time.Time) {}
	}
	return &Router{
		store:     st,
		bus:       b,
		runs:      reg,
		heartbeat: heartbeat,
		cache:     newKeyCache(keyCacheTTL, keyCacheMaxSize),
		logger:    logger.With("component", "router"),
	}
}

// Route processes one inbound event frame in socket order. Heartbeats are
// absorbed, run events go to the registry, everything else is enriched and
// published. Invalid payloads are logged and dropped.
func (r *Router) Route(f *wire.Frame) {
	switch wire.Classify(f.Event) {
	case wire.KindHeartbeat:
		r.heartbeat(time.Now())

	case wire.KindChallenge:
		// Handled by the connection engine before frames reach the router.
		r.logger.Warn("challenge event reached router, ignoring")

	case wire.KindRun:
		p, err := wire.ParseRun(f.Payload)
		if err != nil {
			r.logger.Warn("dropping invalid run payload", "event", f.Event, "error", err)
			return
		}
		if err := r.runs.Handle(f.Event, p); err != nil {
			r.logger.Warn("dropping malformed run event", "event", f.Event, "run_id", p.RunID, "error", err)
		}

	default:
		refs, err := wire.ParseRefs(f.Payload)
		if err != nil {
			r.logger.Warn("dropping invalid event payload", "event", f.Event, "error", err)
			return
		}
		frame := *f
		r.enqueue(orderingKey(refs), func() {
			r.enrichAndPublish(&frame, refs)
		})
	}
}

// orderingKey picks the serialization domain for an event: its session key
// when one needs resolving, its project otherwise. Events sharing a key are
// processed strictly in arrival order; distinct keys run concurrently.
func orderingKey(refs *wire.EventRefs) string {
	if !refs.Explicit() && refs.SessionKey != "" {
		return "key:" + refs.SessionKey
	}
	return "project:" + refs.ProjectID
}

// enqueue appends a task to the key's FIFO queue, starting a drain
// goroutine if none is running for that key.
func (r *Router) enqueue(key string, task func()) {
	r.queuesMu.Lock()
	if r.queues == nil {
		r.queues = make(map[string][]func())
	}
	_, running := r.queues[key]
	r.queues[key] = append(r.queues[key], task)
	r.queuesMu.Unlock()

	if !running {
		go r.drain(key)
	}
}

// drain runs the key's queued tasks in order until the queue empties.
func (r *Router) drain(key string) {
	for {
		r.queuesMu.Lock()
		tasks := r.queues[key]
		if len(tasks) == 0 {
			delete(r.queues, key)
			r.queuesMu.Unlock()
			return
		}
		// Keep the map entry as the running marker while we work.
		r.queues[key] = nil
		r.queuesMu.Unlock()

		for _, task := range tasks {
			task()
		}
	}
}

// enrichAndPublish resolves identifiers, provisions missing local entities,
// and publishes the routed event. Every failure here is non-fatal: partial
// information is more useful to a live view than silence.
func (r *Router) enrichAndPublish(f *wire.Frame, refs *wire.EventRefs) {
	projectID := refs.ProjectID
	sessionID := refs.SessionID
	agentID := refs.AgentID

	if refs.SessionKey != "" {
		if refs.Explicit() {
			// The event announces its own key mapping; record it so later
			// key-only events resolve without a lookup.
			r.record(refs)
		} else if ref := r.resolve(refs.SessionKey); ref != nil {
			projectID = ref.ProjectID
			sessionID = ref.SessionID
			agentID = ref.AgentID
		}
	}

	r.provision(projectID, agentID, refs.AgentName)

	r.bus.Publish(&bus.Event{
		LocalID:   r.localID.Add(-1),
		ProjectID: projectID,
		SessionID: sessionID,
		AgentID:   agentID,
		Source:    eventSource,
		Type:      f.Event,
		Payload:   f.Payload,
		Timestamp: time.Now(),
	})
}

// resolve maps a session key to local identifiers via the cache, querying
// the store at most once per key while the cached entry lives. Returns nil
// when the key cannot be resolved; the event still routes with empty fields.
func (r *Router) resolve(key string) *store.SessionRef {
	if ref, ok := r.cache.get(key); ok {
		return ref
	}

	ctx, cancel := context.WithTimeout(context.Background(), collaboratorTimeout)
	defer cancel()

	ref, err := r.store.ResolveSessionKey(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			r.logger.Debug("session key unknown", "session_key", key)
		} else {
			r.logger.Warn("session key resolution failed", "session_key", key, "error", err)
		}
		return nil
	}

	// A session key, once resolved, never changes its mapping.
	r.cache.put(key, ref)
	return ref
}

// record persists a session-key mapping announced by an event that carried
// both the key and explicit identifiers, and primes the cache with it. The
// store keeps the first mapping it sees; failures are logged and delivery
// proceeds with the explicit identifiers the event already carries.
func (r *Router) record(refs *wire.EventRefs) {
	ctx, cancel := context.WithTimeout(context.Background(), collaboratorTimeout)
	defer cancel()

	err := r.store.SaveSession(ctx, &store.Session{
		ID:         refs.SessionID,
		SessionKey: refs.SessionKey,
		ProjectID:  refs.ProjectID,
		AgentID:    refs.AgentID,
	})
	if err != nil {
		r.logger.Warn("session mapping save failed", "session_key", refs.SessionKey, "error", err)
		return
	}

	r.cache.put(refs.SessionKey, &store.SessionRef{
		ProjectID: refs.ProjectID,
		SessionID: refs.SessionID,
		AgentID:   refs.AgentID,
	})
}

// provision lazily auto-creates minimal local records for entities first
// referenced by a gateway event. Failures are logged; delivery proceeds.
func (r *Router) provision(projectID, agentID, agentName string) {
	if projectID == "" && agentID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), collaboratorTimeout)
	defer cancel()

	if projectID != "" {
		if err := r.store.EnsureProject(ctx, projectID, ""); err != nil {
			r.logger.Warn("project auto-provision failed", "project_id", projectID, "error", err)
		}
	}
	if agentID != "" {
		if err := r.store.EnsureAgent(ctx, agentID, agentName); err != nil {
			r.logger.Warn("agent auto-provision failed", "agent_id", agentID, "error", err)
		}
	}
}

// CacheSize reports the number of cached session-key resolutions.
func (r *Router) CacheSize() int {
	return r.cache.len()
}
