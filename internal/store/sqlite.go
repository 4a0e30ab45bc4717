// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides project/agent/session persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);

		CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);

		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			session_key TEXT NOT NULL UNIQUE,
			project_id TEXT NOT NULL,
			agent_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_key ON sessions(session_key);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// ResolveSessionKey maps a gateway session key to local identifiers.
func (s *SQLiteStore) ResolveSessionKey(ctx context.Context, key string) (*SessionRef, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, agent_id FROM sessions WHERE session_key = ?`, key)

	var ref SessionRef
	if err := row.Scan(&ref.SessionID, &ref.ProjectID, &ref.AgentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("resolving session key: %w", err)
	}
	return &ref, nil
}

// EnsureProject creates a minimal project record if none exists.
func (s *SQLiteStore) EnsureProject(ctx context.Context, id, name string) error {
	if id == "" {
		return fmt.Errorf("project id is required")
	}
	if name == "" {
		name = id
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (id, name, created_at, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		id, name, now, now)
	if err != nil {
		return fmt.Errorf("ensuring project: %w", err)
	}
	return nil
}

// EnsureAgent creates a minimal agent record if none exists.
func (s *SQLiteStore) EnsureAgent(ctx context.Context, id, name string) error {
	if id == "" {
		return fmt.Errorf("agent id is required")
	}
	if name == "" {
		name = id
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (id, name, created_at, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		id, name, now, now)
	if err != nil {
		return fmt.Errorf("ensuring agent: %w", err)
	}
	return nil
}

// SaveSession records a session key mapping. The session ID is generated
// when absent. Saving an already-known key is a no-op: session keys are
// immutable identifiers and a mapping never changes once recorded.
func (s *SQLiteStore) SaveSession(ctx context.Context, sess *Session) error {
	if sess.SessionKey == "" {
		return fmt.Errorf("session key is required")
	}
	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, session_key, project_id, agent_id, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(session_key) DO NOTHING`,
		sess.ID, sess.SessionKey, sess.ProjectID, sess.AgentID, sess.CreatedAt)
	if err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
