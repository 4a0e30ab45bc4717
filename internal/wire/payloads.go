// ABOUTME: Typed payloads for pushed event categories with validation
// ABOUTME: Payloads are parsed then validated; bad payloads are dropped, not propagated

package wire

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// Payload errors.
var (
	ErrMissingRunID = errors.New("run payload missing run_id")
)

// ChallengePayload is pushed by the server as connect.challenge. An empty
// nonce is valid: it selects the v1 signed handshake, a present nonce the
// v2 one. The server chooses which challenge to issue.
type ChallengePayload struct {
	Nonce string `json:"nonce,omitempty"`
}

// ParseChallenge decodes a connect.challenge payload.
func ParseChallenge(raw json.RawMessage) (*ChallengePayload, error) {
	var p ChallengePayload
	if len(raw) == 0 {
		return &p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decoding challenge payload: %w", err)
	}
	return &p, nil
}

// EventRefs are the identity fields an event payload may carry, either as
// explicit local identifiers or as an opaque gateway session key needing
// resolution. Extracted without consuming the rest of the payload.
type EventRefs struct {
	ProjectID  string `json:"project_id,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
	AgentID    string `json:"agent_id,omitempty"`
	AgentName  string `json:"agent_name,omitempty"`
	SessionKey string `json:"session_key,omitempty"`
}

// Explicit reports whether the payload carried direct local identifiers,
// making session-key resolution unnecessary.
func (r *EventRefs) Explicit() bool {
	return r.ProjectID != "" || r.SessionID != "" || r.AgentID != ""
}

// ParseRefs extracts the identity fields from an event payload. A payload
// with no identity fields at all is valid: the event is routed unscoped.
func ParseRefs(raw json.RawMessage) (*EventRefs, error) {
	var r EventRefs
	if len(raw) == 0 {
		return &r, nil
	}
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decoding event refs: %w", err)
	}
	return &r, nil
}

// RunPayload is carried by run.started, run.data and run.exited events.
// Data is base64 on the wire; Output() decodes it.
type RunPayload struct {
	RunID     string `json:"run_id"`
	BackendID string `json:"backend_id,omitempty"`
	Label     string `json:"label,omitempty"`
	PID       int    `json:"pid,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
	ExitCode  *int   `json:"exit_code,omitempty"`
	Data      string `json:"data,omitempty"`
}

// ParseRun decodes and validates a run.* payload.
func ParseRun(raw json.RawMessage) (*RunPayload, error) {
	var p RunPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decoding run payload: %w", err)
	}
	if p.RunID == "" {
		return nil, ErrMissingRunID
	}
	return &p, nil
}

// Output decodes the base64 data chunk. Empty data yields nil.
func (p *RunPayload) Output() ([]byte, error) {
	if p.Data == "" {
		return nil, nil
	}
	out, err := base64.StdEncoding.DecodeString(p.Data)
	if err != nil {
		return nil, fmt.Errorf("decoding run output: %w", err)
	}
	return out, nil
}

// AgentListResult is the payload of a successful agents.list response.
type AgentListResult struct {
	Agents []AgentSummary `json:"agents"`
}

// AgentSummary describes one agent known to the gateway.
type AgentSummary struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// RunListResult is the payload of a successful runs.list response.
type RunListResult struct {
	Runs []RunSummary `json:"runs"`
}

// RunSummary describes one active run on the gateway.
type RunSummary struct {
	RunID     string `json:"run_id"`
	ProjectID string `json:"project_id,omitempty"`
	Label     string `json:"label,omitempty"`
	PID       int    `json:"pid,omitempty"`
}
