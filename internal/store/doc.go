// Package store persists project, agent and session metadata in SQLite
// and resolves opaque gateway session keys to local identifiers.
package store
