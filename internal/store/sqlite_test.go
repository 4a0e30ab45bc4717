// ABOUTME: Tests for the SQLite store.
// ABOUTME: Covers session key resolution, idempotent provisioning, and immutable mappings.

package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "deck.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestResolveSessionKey_Unknown(t *testing.T) {
	s := newTestStore(t)

	_, err := s.ResolveSessionKey(context.Background(), "never-seen")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveSession_ThenResolve(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := &Session{
		SessionKey: "gw-key-1",
		ProjectID:  "p1",
		AgentID:    "a1",
	}
	require.NoError(t, s.SaveSession(ctx, sess))
	assert.NotEmpty(t, sess.ID, "id should be generated")

	ref, err := s.ResolveSessionKey(ctx, "gw-key-1")
	require.NoError(t, err)
	assert.Equal(t, "p1", ref.ProjectID)
	assert.Equal(t, "a1", ref.AgentID)
	assert.Equal(t, sess.ID, ref.SessionID)
}

func TestSaveSession_KnownKeyIsNoOp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveSession(ctx, &Session{SessionKey: "gw-key-1", ProjectID: "p1", AgentID: "a1"}))
	require.NoError(t, s.SaveSession(ctx, &Session{SessionKey: "gw-key-1", ProjectID: "p2", AgentID: "a2"}))

	ref, err := s.ResolveSessionKey(ctx, "gw-key-1")
	require.NoError(t, err)

	// The first mapping wins; a key never remaps
	assert.Equal(t, "p1", ref.ProjectID)
	assert.Equal(t, "a1", ref.AgentID)
}

func TestSaveSession_RequiresKey(t *testing.T) {
	s := newTestStore(t)
	assert.Error(t, s.SaveSession(context.Background(), &Session{ProjectID: "p1"}))
}

func TestEnsureProject_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.EnsureProject(ctx, "p1", "First Name"))
	require.NoError(t, s.EnsureProject(ctx, "p1", "Different Name"))

	var name string
	err := s.db.QueryRowContext(ctx, `SELECT name FROM projects WHERE id = ?`, "p1").Scan(&name)
	require.NoError(t, err)
	assert.Equal(t, "First Name", name)
}

func TestEnsureProject_DefaultsNameToID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.EnsureProject(ctx, "p2", ""))

	var name string
	err := s.db.QueryRowContext(ctx, `SELECT name FROM projects WHERE id = ?`, "p2").Scan(&name)
	require.NoError(t, err)
	assert.Equal(t, "p2", name)
}

func TestEnsureProject_RequiresID(t *testing.T) {
	s := newTestStore(t)
	assert.Error(t, s.EnsureProject(context.Background(), "", "x"))
}

func TestEnsureAgent_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.EnsureAgent(ctx, "a1", "claude"))
	require.NoError(t, s.EnsureAgent(ctx, "a1", "renamed"))

	var name string
	err := s.db.QueryRowContext(ctx, `SELECT name FROM agents WHERE id = ?`, "a1").Scan(&name)
	require.NoError(t, err)
	assert.Equal(t, "claude", name)
}
