// Package router turns raw gateway pushes into routed events: it filters
// heartbeats, resolves opaque session keys to local identifiers, lazily
// provisions entities on first reference, and hands run lifecycle events
// to the run registry.
package router
