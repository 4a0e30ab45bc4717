// ABOUTME: Store interface and data types for coven-deck persistence
// ABOUTME: Defines Project, Agent, Session structs and the Store interface consumed by the router

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// Project is a locally tracked project supervised from the dashboard.
type Project struct {
	ID        string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Agent is a locally tracked coding agent known from the gateway.
type Agent struct {
	ID        string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Session links an opaque gateway session key to local identifiers.
type Session struct {
	ID         string
	SessionKey string
	ProjectID  string
	AgentID    string
	CreatedAt  time.Time
}

// SessionRef is the resolution of a gateway session key.
type SessionRef struct {
	ProjectID string
	SessionID string
	AgentID   string
}

// Store defines the persistence operations the session engine consumes.
// The relational store itself is an external collaborator; the engine only
// resolves session keys and lazily provisions entities it first hears about
// from gateway events.
type Store interface {
	// ResolveSessionKey maps an opaque gateway session key to local
	// identifiers. Returns ErrNotFound for unknown keys.
	ResolveSessionKey(ctx context.Context, key string) (*SessionRef, error)

	// EnsureProject creates a minimal project record if none exists.
	EnsureProject(ctx context.Context, id, name string) error

	// EnsureAgent creates a minimal agent record if none exists.
	EnsureAgent(ctx context.Context, id, name string) error

	// SaveSession records a session key mapping.
	SaveSession(ctx context.Context, s *Session) error

	// Close releases any resources held by the store.
	Close() error
}
