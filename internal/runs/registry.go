// ABOUTME: Registry of interactive gateway runs with per-run output buffering
// ABOUTME: Replays retained buffers to late subscribers and reconciles against the backend

package runs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-deck/internal/wire"
)

const (
	// subscriberBufferSize is the headroom for live notes beyond the
	// replay set; each subscriber channel is sized to its full replay
	// plus this, so enqueueing the replay can never block.
	subscriberBufferSize = 128

	// reconcileRetryDelay is the pause before the single reconciliation
	// retry when the backend's run list is unavailable.
	reconcileRetryDelay = 2 * time.Second
)

// ErrNoLister is returned by Reconcile when no backend lister is configured.
var ErrNoLister = errors.New("no run lister configured")

// Run is one interactive sub-process on the gateway.
type Run struct {
	RunID     string
	BackendID string
	Label     string
	PID       int
	ProjectID string
	Active    bool
	StartedAt time.Time

	buffer *OutputBuffer
}

// NoteKind is the type of a run notification.
type NoteKind int

const (
	// NoteStarted announces a run. Synthesized again during replay.
	NoteStarted NoteKind = iota
	// NoteData carries an output chunk (or the full retained buffer
	// during replay).
	NoteData
	// NoteExited announces a run exit. May be synthesized by
	// reconciliation when the real notification was missed.
	NoteExited
)

// Note is one notification delivered to run subscribers.
type Note struct {
	Kind      NoteKind
	RunID     string
	ProjectID string
	Label     string
	PID       int
	ExitCode  *int
	Data      []byte
	Replay    bool // true for notes synthesized from retained state
}

// Lister fetches the backend's authoritative list of active runs.
type Lister func(ctx context.Context) ([]wire.RunSummary, error)

// Registry tracks active runs, buffers their most recent output for replay,
// and reconciles retained state against the backend's authoritative list.
type Registry struct {
	mu     sync.Mutex
	runs   map[string]*Run
	subs   map[string]map[string]chan *Note // projectID -> subID -> ch
	bufCap int
	lister Lister
	logger *slog.Logger
}

// NewRegistry creates a registry whose per-run buffers are bounded to
// bufCap bytes. The lister may be nil; Reconcile then reports ErrNoLister.
func NewRegistry(bufCap int, lister Lister, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		runs:   make(map[string]*Run),
		subs:   make(map[string]map[string]chan *Note),
		bufCap: bufCap,
		lister: lister,
		logger: logger.With("component", "runs"),
	}
}

// Handle dispatches one run lifecycle event into the registry.
func (r *Registry) Handle(event string, p *wire.RunPayload) error {
	switch event {
	case "run.started":
		r.Start(p)
	case "run.data":
		out, err := p.Output()
		if err != nil {
			return err
		}
		r.Data(p, out)
	case "run.exited":
		r.Exit(p.RunID, p.ExitCode)
	default:
		r.logger.Warn("unhandled run event", "event", event, "run_id", p.RunID)
	}
	return nil
}

// Start creates a run entry, marks it active and notifies subscribers.
func (r *Registry) Start(p *wire.RunPayload) {
	r.mu.Lock()

	run, exists := r.runs[p.RunID]
	if !exists {
		run = &Run{
			RunID:  p.RunID,
			buffer: NewOutputBuffer(r.bufCap),
		}
		r.runs[p.RunID] = run
	}
	run.BackendID = p.BackendID
	run.Label = p.Label
	run.PID = p.PID
	run.ProjectID = p.ProjectID
	run.Active = true
	run.StartedAt = time.Now()

	note := &Note{
		Kind:      NoteStarted,
		RunID:     run.RunID,
		ProjectID: run.ProjectID,
		Label:     run.Label,
		PID:       run.PID,
	}
	r.publishLocked(run.ProjectID, note)
	r.mu.Unlock()

	r.logger.Info("run started", "run_id", run.RunID, "project_id", run.ProjectID, "label", run.Label)
}

// Data appends an output chunk to the run's buffer and notifies subscribers.
// A chunk for an unknown run lazily creates the entry so output survives
// notifications lost across engine restarts.
func (r *Registry) Data(p *wire.RunPayload, chunk []byte) {
	if len(chunk) == 0 {
		return
	}

	r.mu.Lock()
	run, exists := r.runs[p.RunID]
	if !exists {
		r.logger.Warn("output for unknown run, creating entry", "run_id", p.RunID)
		run = &Run{
			RunID:     p.RunID,
			ProjectID: p.ProjectID,
			Label:     p.Label,
			Active:    true,
			StartedAt: time.Now(),
			buffer:    NewOutputBuffer(r.bufCap),
		}
		r.runs[p.RunID] = run
	}
	run.buffer.Append(chunk)

	note := &Note{
		Kind:      NoteData,
		RunID:     run.RunID,
		ProjectID: run.ProjectID,
		Data:      chunk,
	}
	r.publishLocked(run.ProjectID, note)
	r.mu.Unlock()
}

// Exit marks the run inactive and notifies subscribers. The buffer is
// retained so a subscriber connecting between exit and cleanup still sees
// the final screen state.
func (r *Registry) Exit(runID string, exitCode *int) {
	r.mu.Lock()
	run, exists := r.runs[runID]
	if !exists {
		r.mu.Unlock()
		r.logger.Warn("exit for unknown run", "run_id", runID)
		return
	}
	run.Active = false

	note := &Note{
		Kind:      NoteExited,
		RunID:     run.RunID,
		ProjectID: run.ProjectID,
		ExitCode:  exitCode,
	}
	r.publishLocked(run.ProjectID, note)
	r.mu.Unlock()

	r.logger.Info("run exited", "run_id", runID)
}

// Subscribe registers a subscriber for runs under the given project and
// replays retained state before any live note is delivered. The replay set
// is built and enqueued under the registry lock, so a live note arriving
// during replay queues behind the replayed state instead of being lost.
// The channel is sized to the whole replay plus live headroom; enqueueing
// never blocks, no matter how many runs are retained. The subscription is
// cleaned up when ctx is cancelled.
func (r *Registry) Subscribe(ctx context.Context, projectID string) (<-chan *Note, string) {
	subID := uuid.New().String()

	r.mu.Lock()
	replay := r.replayNotesLocked(projectID)

	ch := make(chan *Note, len(replay)+subscriberBufferSize)
	if _, ok := r.subs[projectID]; !ok {
		r.subs[projectID] = make(map[string]chan *Note)
	}
	r.subs[projectID][subID] = ch

	for _, note := range replay {
		ch <- note
	}
	r.mu.Unlock()

	r.logger.Debug("run subscriber added", "project_id", projectID, "sub_id", subID)

	go func() {
		<-ctx.Done()
		r.Unsubscribe(projectID, subID)
	}()

	return ch, subID
}

// replayNotesLocked builds the synthetic note sequence describing the
// retained state of a project's runs: started, buffered output, and exited
// for runs that already finished. Must be called with mu held.
func (r *Registry) replayNotesLocked(projectID string) []*Note {
	var notes []*Note
	for _, run := range r.runs {
		if run.ProjectID != projectID {
			continue
		}
		notes = append(notes, &Note{
			Kind:      NoteStarted,
			RunID:     run.RunID,
			ProjectID: run.ProjectID,
			Label:     run.Label,
			PID:       run.PID,
			Replay:    true,
		})
		if data := run.buffer.Bytes(); len(data) > 0 {
			notes = append(notes, &Note{
				Kind:      NoteData,
				RunID:     run.RunID,
				ProjectID: run.ProjectID,
				Data:      data,
				Replay:    true,
			})
		}
		if !run.Active {
			notes = append(notes, &Note{
				Kind:      NoteExited,
				RunID:     run.RunID,
				ProjectID: run.ProjectID,
				Replay:    true,
			})
		}
	}
	return notes
}

// Unsubscribe removes a subscription and closes its channel.
func (r *Registry) Unsubscribe(projectID, subID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.subs[projectID]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(r.subs, projectID)
	}

	r.logger.Debug("run subscriber removed", "project_id", projectID, "sub_id", subID)
}

// Reconcile fetches the backend's authoritative active-run list and closes
// the race between buffer replay and a real exit: any locally-active run the
// backend no longer lists gets a corrective exited note. Runs already
// inactive and unlisted are dropped entirely, buffers included. An
// unavailable backend list is retried once; a second failure leaves the
// replayed state standing and is reported to the caller.
func (r *Registry) Reconcile(ctx context.Context) error {
	if r.lister == nil {
		return ErrNoLister
	}

	listed, err := r.lister(ctx)
	if err != nil {
		r.logger.Warn("run list unavailable, retrying once", "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconcileRetryDelay):
		}
		listed, err = r.lister(ctx)
		if err != nil {
			return fmt.Errorf("listing active runs: %w", err)
		}
	}

	active := make(map[string]bool, len(listed))
	for _, s := range listed {
		active[s.RunID] = true
	}

	r.mu.Lock()
	for id, run := range r.runs {
		if active[id] {
			continue
		}
		if run.Active {
			run.Active = false
			r.publishLocked(run.ProjectID, &Note{
				Kind:      NoteExited,
				RunID:     run.RunID,
				ProjectID: run.ProjectID,
				Replay:    true,
			})
			r.logger.Info("reconciled stale run", "run_id", id)
			continue
		}
		// Exited and confirmed gone: the buffer's retention window ends here.
		delete(r.runs, id)
	}
	r.mu.Unlock()

	return nil
}

// ActiveRuns returns snapshots of the currently active runs.
func (r *Registry) ActiveRuns() []Run {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Run, 0, len(r.runs))
	for _, run := range r.runs {
		if !run.Active {
			continue
		}
		snapshot := *run
		snapshot.buffer = nil
		out = append(out, snapshot)
	}
	return out
}

// BufferSnapshot returns a copy of the retained output for a run.
func (r *Registry) BufferSnapshot(runID string) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runs[runID]
	if !ok {
		return nil, false
	}
	return run.buffer.Bytes(), true
}

// publishLocked delivers a note to every subscriber of the project.
// Non-blocking: notes are dropped for subscribers whose channels are full.
// Must be called with mu held.
func (r *Registry) publishLocked(projectID string, note *Note) {
	for subID, ch := range r.subs[projectID] {
		select {
		case ch <- note:
		default:
			r.logger.Debug("dropped note for slow run subscriber",
				"run_id", note.RunID, "sub_id", subID)
		}
	}
}
