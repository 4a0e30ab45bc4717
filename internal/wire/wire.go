// ABOUTME: Frame codec for the gateway's JSON-per-frame socket protocol
// ABOUTME: Parses and validates req/res/event frames and classifies pushed events

package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Frame types carried in the "type" field of every wire message.
const (
	TypeRequest  = "req"
	TypeResponse = "res"
	TypeEvent    = "event"
)

// Well-known event names and prefixes.
const (
	EventHeartbeat = "gateway.heartbeat"
	EventChallenge = "connect.challenge"

	RunEventPrefix     = "run."
	AgentEventPrefix   = "agent."
	SessionEventPrefix = "session."
)

// Frame errors.
var (
	ErrEmptyFrame    = errors.New("empty frame")
	ErrUnknownType   = errors.New("unknown frame type")
	ErrMissingID     = errors.New("frame missing id")
	ErrMissingMethod = errors.New("request frame missing method")
	ErrMissingEvent  = errors.New("event frame missing event name")
)

// Frame is one JSON object on the socket. Which fields are meaningful
// depends on Type; Validate enforces the per-type requirements.
type Frame struct {
	Type    string          `json:"type"`
	ID      int64           `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	Event   string          `json:"event,omitempty"`
}

// Error is the error payload carried by a failed response frame.
type Error struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

// ParseFrame decodes and validates a single frame from raw socket bytes.
func ParseFrame(data []byte) (*Frame, error) {
	if len(data) == 0 {
		return nil, ErrEmptyFrame
	}

	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decoding frame: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks the per-type required fields.
func (f *Frame) Validate() error {
	switch f.Type {
	case TypeRequest:
		if f.ID == 0 {
			return ErrMissingID
		}
		if f.Method == "" {
			return ErrMissingMethod
		}
	case TypeResponse:
		if f.ID == 0 {
			return ErrMissingID
		}
	case TypeEvent:
		if f.Event == "" {
			return ErrMissingEvent
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, f.Type)
	}
	return nil
}

// NewRequest builds an outbound request frame. Params may be nil.
func NewRequest(id int64, method string, params any) (*Frame, error) {
	f := &Frame{Type: TypeRequest, ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encoding params for %s: %w", method, err)
		}
		f.Params = raw
	}
	return f, nil
}

// EventKind is the routing category of a pushed event. Event names are
// classified once at the socket boundary so downstream code switches on a
// closed set instead of string-matching event names everywhere.
type EventKind int

const (
	// KindUnclassified is any event we have no special handling for; it is
	// still delivered to subscribers.
	KindUnclassified EventKind = iota
	// KindHeartbeat is a liveness ping. Never delivered to subscribers.
	KindHeartbeat
	// KindChallenge is the server's connect challenge push.
	KindChallenge
	// KindRun is a run lifecycle event (run.started, run.data, run.exited).
	KindRun
	// KindAgent is an agent lifecycle or status event.
	KindAgent
	// KindSession is a conversational session event.
	KindSession
)

// Classify maps an event name to its routing category.
func Classify(event string) EventKind {
	switch {
	case event == EventHeartbeat:
		return KindHeartbeat
	case event == EventChallenge:
		return KindChallenge
	case strings.HasPrefix(event, RunEventPrefix):
		return KindRun
	case strings.HasPrefix(event, AgentEventPrefix):
		return KindAgent
	case strings.HasPrefix(event, SessionEventPrefix):
		return KindSession
	default:
		return KindUnclassified
	}
}

// String returns the category name for logging.
func (k EventKind) String() string {
	switch k {
	case KindHeartbeat:
		return "heartbeat"
	case KindChallenge:
		return "challenge"
	case KindRun:
		return "run"
	case KindAgent:
		return "agent"
	case KindSession:
		return "session"
	default:
		return "unclassified"
	}
}
