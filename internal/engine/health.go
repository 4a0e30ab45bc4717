// ABOUTME: Connection health snapshot exposed for UI polling
// ABOUTME: Failure surfaces here as state, never as exceptions crossing the boundary

package engine

import "time"

// Health is a point-in-time snapshot of the connection for the dashboard's
// polling surface.
type Health struct {
	State              string     `json:"state"`
	LastHeartbeatAgeMS *int64     `json:"last_heartbeat_age_ms,omitempty"`
	ConnectedSince     *time.Time `json:"connected_since,omitempty"`
	ReconnectAttempts  int        `json:"reconnect_attempts"`
	KnownAgentIDs      []string   `json:"known_agent_ids"`
}

// GetHealth reports the current connection health.
func (e *Engine) GetHealth() Health {
	e.mu.Lock()
	defer e.mu.Unlock()

	h := Health{
		State:             e.state.String(),
		ReconnectAttempts: e.reconnectAttempts,
		KnownAgentIDs:     append([]string(nil), e.knownAgents...),
	}
	if !e.lastHeartbeat.IsZero() {
		age := time.Since(e.lastHeartbeat).Milliseconds()
		h.LastHeartbeatAgeMS = &age
	}
	if !e.connectedSince.IsZero() {
		since := e.connectedSince
		h.ConnectedSince = &since
	}
	return h
}
