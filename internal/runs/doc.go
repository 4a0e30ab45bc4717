// Package runs tracks interactive sub-processes spawned on the gateway,
// buffers their most recent output for replay to late subscribers, and
// reconciles retained state against the backend's authoritative run list.
package runs
