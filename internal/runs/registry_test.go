// ABOUTME: Tests for the run registry, output buffering, replay, and reconciliation.
// ABOUTME: Covers buffer bounds, replay-then-live ordering, and corrective exits.

package runs

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-deck/internal/wire"
)

func TestOutputBuffer_WithinCap(t *testing.T) {
	b := NewOutputBuffer(10)
	b.Append([]byte("hello"))

	assert.Equal(t, []byte("hello"), b.Bytes())
	assert.Equal(t, 5, b.Len())
}

func TestOutputBuffer_TrimsOldest(t *testing.T) {
	b := NewOutputBuffer(8)
	b.Append([]byte("12345"))
	b.Append([]byte("67890"))

	assert.Equal(t, []byte("34567890"), b.Bytes())
	assert.Equal(t, 8, b.Len())
}

func TestOutputBuffer_OversizeChunkKeepsTail(t *testing.T) {
	b := NewOutputBuffer(4)
	b.Append([]byte("abcdefgh"))

	assert.Equal(t, []byte("efgh"), b.Bytes())
}

func TestOutputBuffer_BytesReturnsCopy(t *testing.T) {
	b := NewOutputBuffer(10)
	b.Append([]byte("abc"))

	snapshot := b.Bytes()
	snapshot[0] = 'X'
	assert.Equal(t, []byte("abc"), b.Bytes())
}

func TestOutputBuffer_Empty(t *testing.T) {
	b := NewOutputBuffer(10)
	assert.Nil(t, b.Bytes())
	assert.Equal(t, 0, b.Len())
}

func startPayload(runID, projectID, label string) *wire.RunPayload {
	return &wire.RunPayload{RunID: runID, ProjectID: projectID, Label: label, PID: 123}
}

func recvNote(t *testing.T, ch <-chan *Note) *Note {
	t.Helper()
	select {
	case n := <-ch:
		return n
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for note")
		return nil
	}
}

func TestRegistry_StartDataExitLifecycle(t *testing.T) {
	r := NewRegistry(1024, nil, nil)

	ch, _ := r.Subscribe(context.Background(), "p1")

	r.Start(startPayload("r1", "p1", "make test"))
	n := recvNote(t, ch)
	assert.Equal(t, NoteStarted, n.Kind)
	assert.Equal(t, "r1", n.RunID)
	assert.False(t, n.Replay)

	r.Data(&wire.RunPayload{RunID: "r1"}, []byte("compiling\n"))
	n = recvNote(t, ch)
	assert.Equal(t, NoteData, n.Kind)
	assert.Equal(t, []byte("compiling\n"), n.Data)

	code := 0
	r.Exit("r1", &code)
	n = recvNote(t, ch)
	assert.Equal(t, NoteExited, n.Kind)
	require.NotNil(t, n.ExitCode)
	assert.Equal(t, 0, *n.ExitCode)
}

func TestRegistry_HandleDecodesWireEvents(t *testing.T) {
	r := NewRegistry(1024, nil, nil)

	require.NoError(t, r.Handle("run.started", startPayload("r1", "p1", "build")))

	data := base64.StdEncoding.EncodeToString([]byte("output"))
	p := &wire.RunPayload{RunID: "r1", Data: data}
	require.NoError(t, r.Handle("run.data", p))

	snap, ok := r.BufferSnapshot("r1")
	require.True(t, ok)
	assert.Equal(t, []byte("output"), snap)

	code := 1
	require.NoError(t, r.Handle("run.exited", &wire.RunPayload{RunID: "r1", ExitCode: &code}))
	assert.Empty(t, r.ActiveRuns())
}

func TestRegistry_HandleBadData(t *testing.T) {
	r := NewRegistry(1024, nil, nil)
	err := r.Handle("run.data", &wire.RunPayload{RunID: "r1", Data: "%%%"})
	assert.Error(t, err)
}

func TestRegistry_DataForUnknownRunCreatesEntry(t *testing.T) {
	r := NewRegistry(1024, nil, nil)

	r.Data(&wire.RunPayload{RunID: "ghost", ProjectID: "p1"}, []byte("late output"))

	active := r.ActiveRuns()
	require.Len(t, active, 1)
	assert.Equal(t, "ghost", active[0].RunID)

	snap, ok := r.BufferSnapshot("ghost")
	require.True(t, ok)
	assert.Equal(t, []byte("late output"), snap)
}

func TestRegistry_ExitRetainsBuffer(t *testing.T) {
	r := NewRegistry(1024, nil, nil)

	r.Start(startPayload("r1", "p1", "build"))
	r.Data(&wire.RunPayload{RunID: "r1"}, []byte("final state"))
	r.Exit("r1", nil)

	snap, ok := r.BufferSnapshot("r1")
	require.True(t, ok)
	assert.Equal(t, []byte("final state"), snap)
}

func TestRegistry_SubscribeReplaysRetainedState(t *testing.T) {
	r := NewRegistry(1024, nil, nil)

	r.Start(startPayload("r1", "p1", "build"))
	r.Data(&wire.RunPayload{RunID: "r1"}, []byte("chunk one "))
	r.Data(&wire.RunPayload{RunID: "r1"}, []byte("chunk two"))

	// Late subscriber sees the coalesced buffer, not individual chunks
	ch, _ := r.Subscribe(context.Background(), "p1")

	n := recvNote(t, ch)
	assert.Equal(t, NoteStarted, n.Kind)
	assert.True(t, n.Replay)
	assert.Equal(t, "build", n.Label)

	n = recvNote(t, ch)
	assert.Equal(t, NoteData, n.Kind)
	assert.True(t, n.Replay)
	assert.Equal(t, []byte("chunk one chunk two"), n.Data)

	// Run is still active: no exited note, and live notes follow
	r.Data(&wire.RunPayload{RunID: "r1"}, []byte("live"))
	n = recvNote(t, ch)
	assert.Equal(t, NoteData, n.Kind)
	assert.False(t, n.Replay)
	assert.Equal(t, []byte("live"), n.Data)
}

func TestRegistry_SubscribeReplaysExitedRun(t *testing.T) {
	r := NewRegistry(1024, nil, nil)

	r.Start(startPayload("r1", "p1", "build"))
	r.Data(&wire.RunPayload{RunID: "r1"}, []byte("done\n"))
	code := 0
	r.Exit("r1", &code)

	ch, _ := r.Subscribe(context.Background(), "p1")

	assert.Equal(t, NoteStarted, recvNote(t, ch).Kind)
	assert.Equal(t, NoteData, recvNote(t, ch).Kind)

	n := recvNote(t, ch)
	assert.Equal(t, NoteExited, n.Kind)
	assert.True(t, n.Replay)
}

func TestRegistry_SubscribeWithLargeReplaySet(t *testing.T) {
	r := NewRegistry(1024, nil, nil)

	// Far more replay notes than the live headroom: every run contributes
	// a started and a data note.
	const runCount = 200
	for i := 0; i < runCount; i++ {
		id := fmt.Sprintf("r%03d", i)
		r.Start(startPayload(id, "p1", "build"))
		r.Data(&wire.RunPayload{RunID: id}, []byte("output"))
	}

	type subscription struct {
		ch <-chan *Note
	}
	done := make(chan subscription, 1)
	go func() {
		ch, _ := r.Subscribe(context.Background(), "p1")
		done <- subscription{ch}
	}()

	var sub subscription
	select {
	case sub = <-done:
	case <-time.After(time.Second):
		t.Fatal("Subscribe blocked on a large replay set")
	}

	// The registry stays responsive while the replay sits unread
	r.Start(startPayload("live", "p1", "make"))

	started, data := 0, 0
	for i := 0; i < runCount*2+1; i++ {
		switch recvNote(t, sub.ch).Kind {
		case NoteStarted:
			started++
		case NoteData:
			data++
		}
	}
	assert.Equal(t, runCount+1, started)
	assert.Equal(t, runCount, data)
}

func TestRegistry_SubscribeScopedToProject(t *testing.T) {
	r := NewRegistry(1024, nil, nil)

	r.Start(startPayload("r1", "p1", "build"))
	r.Start(startPayload("r2", "p2", "test"))

	ch, _ := r.Subscribe(context.Background(), "p1")

	n := recvNote(t, ch)
	assert.Equal(t, "r1", n.RunID)
	assert.Empty(t, ch)
}

func TestRegistry_ReconcileCorrectsStaleActiveRun(t *testing.T) {
	// Backend lists only r2; r1's exit notification was missed
	lister := func(ctx context.Context) ([]wire.RunSummary, error) {
		return []wire.RunSummary{{RunID: "r2", ProjectID: "p1"}}, nil
	}
	r := NewRegistry(1024, lister, nil)

	r.Start(startPayload("r1", "p1", "stale"))
	r.Start(startPayload("r2", "p1", "live"))

	ch, _ := r.Subscribe(context.Background(), "p1")
	// Drain replay: two started notes
	recvNote(t, ch)
	recvNote(t, ch)

	require.NoError(t, r.Reconcile(context.Background()))

	n := recvNote(t, ch)
	assert.Equal(t, NoteExited, n.Kind)
	assert.Equal(t, "r1", n.RunID)
	assert.True(t, n.Replay, "corrective exit is synthesized, not observed")
	assert.Nil(t, n.ExitCode)

	active := r.ActiveRuns()
	require.Len(t, active, 1)
	assert.Equal(t, "r2", active[0].RunID)
}

func TestRegistry_ReconcileDropsConfirmedDeadRuns(t *testing.T) {
	lister := func(ctx context.Context) ([]wire.RunSummary, error) {
		return nil, nil
	}
	r := NewRegistry(1024, lister, nil)

	r.Start(startPayload("r1", "p1", "build"))
	r.Exit("r1", nil)

	require.NoError(t, r.Reconcile(context.Background()))

	_, ok := r.BufferSnapshot("r1")
	assert.False(t, ok, "buffer retention ends once the backend confirms the run is gone")
}

func TestRegistry_ReconcileRetriesOnce(t *testing.T) {
	calls := 0
	lister := func(ctx context.Context) ([]wire.RunSummary, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("gateway unavailable")
		}
		return []wire.RunSummary{{RunID: "r1"}}, nil
	}
	r := NewRegistry(1024, lister, nil)
	r.Start(startPayload("r1", "p1", "build"))

	require.NoError(t, r.Reconcile(context.Background()))
	assert.Equal(t, 2, calls)
	assert.Len(t, r.ActiveRuns(), 1)
}

func TestRegistry_ReconcileSecondFailureLeavesStateStanding(t *testing.T) {
	lister := func(ctx context.Context) ([]wire.RunSummary, error) {
		return nil, errors.New("gateway unavailable")
	}
	r := NewRegistry(1024, lister, nil)
	r.Start(startPayload("r1", "p1", "build"))

	err := r.Reconcile(context.Background())
	require.Error(t, err)
	assert.Len(t, r.ActiveRuns(), 1, "replayed state stands when the backend cannot be consulted")
}

func TestRegistry_ReconcileWithoutLister(t *testing.T) {
	r := NewRegistry(1024, nil, nil)
	assert.ErrorIs(t, r.Reconcile(context.Background()), ErrNoLister)
}

func TestRegistry_ReconcileRespectsContext(t *testing.T) {
	lister := func(ctx context.Context) ([]wire.RunSummary, error) {
		return nil, errors.New("gateway unavailable")
	}
	r := NewRegistry(1024, lister, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := r.Reconcile(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRegistry_UnsubscribeStopsDelivery(t *testing.T) {
	r := NewRegistry(1024, nil, nil)

	ch, subID := r.Subscribe(context.Background(), "p1")
	r.Unsubscribe("p1", subID)

	_, open := <-ch
	assert.False(t, open)

	// Publishing afterwards must not panic
	r.Start(startPayload("r1", "p1", "build"))
}
