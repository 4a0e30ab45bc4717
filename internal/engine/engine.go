// ABOUTME: Connection state machine owning the single gateway socket
// ABOUTME: Drives disconnected/connecting/authenticating/connected/reconnecting with backoff

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/coven-deck/internal/auth"
	"github.com/2389/coven-deck/internal/identity"
	"github.com/2389/coven-deck/internal/wire"
)

// Protocol bounds advertised in the connect request.
const (
	minProtocol = 1
	maxProtocol = 2
)

// clientVersion is reported to the gateway in the connect request.
const clientVersion = "0.4.0"

// dialHandshakeTimeout bounds the websocket upgrade itself; the signed
// handshake that follows has its own request timeout.
const dialHandshakeTimeout = 10 * time.Second

// backoffShiftCap guards the exponential backoff computation against
// overflow for very large attempt counts.
const backoffShiftCap = 20

// State is the connection lifecycle state. Terminal only at shutdown.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateConnected
	StateReconnecting
)

// String returns the state name for logging and health reporting.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// socketConn is the subset of *websocket.Conn the engine uses. Tests
// substitute an in-memory implementation.
type socketConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// FrameRouter receives every server-initiated event frame that is not part
// of the connect handshake.
type FrameRouter interface {
	Route(f *wire.Frame)
}

// Dialer opens the gateway socket. Swappable for tests.
type Dialer func(ctx context.Context, url string) (socketConn, error)

// Options configures an Engine.
type Options struct {
	URL            string
	Scopes         []string
	Identity       *identity.Identity
	Tokens         auth.TokenSource
	ReconnectBase  time.Duration
	ReconnectMax   time.Duration
	RequestTimeout time.Duration
	Dialer         Dialer
	Logger         *slog.Logger
}

// Engine owns the single authenticated gateway connection. It is
// constructed once by the composition root and passed by handle to every
// consumer; there is no hidden global. Outbound requests may be issued
// concurrently by many callers; inbound frames are processed on a single
// path, preserving strict per-socket ordering.
type Engine struct {
	url            string
	scopes         []string
	identity       *identity.Identity
	tokens         auth.TokenSource
	reconnectBase  time.Duration
	reconnectMax   time.Duration
	requestTimeout time.Duration
	dial           Dialer
	logger         *slog.Logger

	router FrameRouter

	mu                sync.Mutex
	state             State
	conn              socketConn
	attemptToken      string
	connectedSince    time.Time
	lastHeartbeat     time.Time
	reconnectAttempts int
	knownAgents       []string
	correlation       int64
	pending           map[int64]*pendingRequest

	writeMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
}

// New creates an engine. The frame router is attached afterwards with
// SetRouter, once the router has the engine's heartbeat sink.
func New(opts Options) (*Engine, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("gateway url is required")
	}
	if opts.Identity == nil {
		return nil, fmt.Errorf("device identity is required")
	}
	if opts.Tokens == nil {
		return nil, fmt.Errorf("token source is required")
	}
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = time.Second
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = 30 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dial := opts.Dialer
	if dial == nil {
		dial = dialWebsocket
	}

	return &Engine{
		url:            opts.URL,
		scopes:         opts.Scopes,
		identity:       opts.Identity,
		tokens:         opts.Tokens,
		reconnectBase:  opts.ReconnectBase,
		reconnectMax:   opts.ReconnectMax,
		requestTimeout: opts.RequestTimeout,
		dial:           dial,
		logger:         logger.With("component", "engine"),
		state:          StateDisconnected,
		pending:        make(map[int64]*pendingRequest),
		done:           make(chan struct{}),
	}, nil
}

// dialWebsocket is the production dialer.
func dialWebsocket(ctx context.Context, url string) (socketConn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: dialHandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// SetRouter attaches the frame router. Must be called before Run.
func (e *Engine) SetRouter(r FrameRouter) {
	e.router = r
}

// Run drives the connection until ctx is cancelled or Close is called.
// One socket at a time: dialing, authenticating and reading all happen on
// this goroutine, so a reconnect can never overlap a socket still closing.
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return
		case <-e.done:
			return
		default:
		}

		token, err := e.tokens.Token()
		if err != nil {
			// No credential: sending a connect guaranteed to fail would
			// waste the attempt counter. Defer and re-check.
			e.logger.Warn("bearer token unavailable, deferring connection attempt", "error", err)
			if !e.sleep(ctx, e.reconnectBase) {
				return
			}
			continue
		}

		e.connectOnce(ctx, token)

		attempts := e.ReconnectAttempts()
		delay := backoffDelay(e.reconnectBase, e.reconnectMax, attempts)
		e.logger.Info("scheduling reconnect", "attempt", attempts, "delay", delay)
		if !e.sleep(ctx, delay) {
			return
		}
	}
}

// connectOnce performs one full connection attempt: dial, authenticate,
// then serve the read loop until the socket dies.
func (e *Engine) connectOnce(ctx context.Context, token string) {
	e.setState(StateConnecting)
	e.logger.Info("connecting to gateway", "url", e.url)

	conn, err := e.dial(ctx, e.url)
	if err != nil {
		e.logger.Warn("dial failed", "error", err)
		e.toReconnecting(nil)
		return
	}

	e.mu.Lock()
	e.conn = conn
	e.attemptToken = token
	e.state = StateAuthenticating
	e.mu.Unlock()
	e.logger.Debug("socket open, awaiting challenge")

	// Force the blocking read loop out when the process shuts down.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-e.done:
			conn.Close()
		case <-stop:
		}
	}()

	e.readLoop(conn)
	e.toReconnecting(conn)
}

// readLoop is the single inbound frame-processing path. Responses go to
// the multiplexer, challenge pushes to the handshake, everything else to
// the router. Malformed frames are logged and dropped.
func (e *Engine) readLoop(conn socketConn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			e.logger.Info("socket closed", "error", err)
			return
		}

		f, err := wire.ParseFrame(data)
		if err != nil {
			e.logger.Warn("dropping malformed frame", "error", err)
			continue
		}

		switch f.Type {
		case wire.TypeResponse:
			e.handleResponse(f)
		case wire.TypeEvent:
			if f.Event == wire.EventChallenge {
				e.handleChallenge(conn, f)
				continue
			}
			if e.router != nil {
				e.router.Route(f)
			}
		default:
			e.logger.Warn("unexpected request frame from gateway", "method", f.Method)
		}
	}
}

// connectParams is the body of the connect request issued in response to
// the server's challenge.
type connectParams struct {
	MinProtocol int                      `json:"minProtocol"`
	MaxProtocol int                      `json:"maxProtocol"`
	Role        string                   `json:"role"`
	Scopes      []string                 `json:"scopes"`
	Client      clientInfo               `json:"client"`
	Auth        authInfo                 `json:"auth"`
	Device      *identity.SignedEnvelope `json:"device"`
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type authInfo struct {
	Token string `json:"token"`
}

// handleChallenge answers the server's connect.challenge push. A nonce in
// the challenge selects the v2 signed payload; its absence selects v1. The
// connect request itself runs on its own goroutine so the read loop stays
// free to receive the response.
func (e *Engine) handleChallenge(conn socketConn, f *wire.Frame) {
	e.mu.Lock()
	st := e.state
	token := e.attemptToken
	e.mu.Unlock()

	if st != StateAuthenticating {
		e.logger.Debug("challenge outside handshake, ignoring")
		return
	}

	p, err := wire.ParseChallenge(f.Payload)
	if err != nil {
		e.logger.Warn("invalid challenge payload", "error", err)
		conn.Close()
		return
	}

	version := identity.ProtocolV1
	if p.Nonce != "" {
		version = identity.ProtocolV2
	}

	env, err := e.identity.BuildEnvelope(version, e.scopes, token, p.Nonce)
	if err != nil {
		e.logger.Error("building signed envelope", "error", err)
		conn.Close()
		return
	}

	params := connectParams{
		MinProtocol: minProtocol,
		MaxProtocol: maxProtocol,
		Role:        identity.Role,
		Scopes:      e.scopes,
		Client:      clientInfo{Name: identity.ClientKind, Version: clientVersion},
		Auth:        authInfo{Token: token},
		Device:      env,
	}

	go e.finishHandshake(conn, params)
}

// finishHandshake sends the connect request and transitions to connected
// on success. A rejection closes the socket; the run loop's reconnect path
// takes over from there.
func (e *Engine) finishHandshake(conn socketConn, params connectParams) {
	ctx, cancel := context.WithTimeout(context.Background(), e.requestTimeout)
	defer cancel()

	if _, err := e.sendOn(ctx, conn, "connect", params, e.requestTimeout); err != nil {
		e.logger.Warn("connect rejected", "error", fmt.Errorf("%w: %w", ErrAuthRejected, err))
		conn.Close()
		return
	}

	e.markConnected(conn)
}

// markConnected records the successful handshake and launches the
// post-connect follow-ups. Both are fire-and-forget: their failures are
// logged and must never take the state machine down.
func (e *Engine) markConnected(conn socketConn) {
	e.mu.Lock()
	if e.conn != conn {
		// The socket died while the handshake response was in flight.
		e.mu.Unlock()
		return
	}
	e.state = StateConnected
	e.connectedSince = time.Now()
	e.reconnectAttempts = 0
	e.mu.Unlock()

	e.logger.Info("=== GATEWAY CONNECTED ===", "device_id", e.identity.ID)

	go e.refreshAgents()
	go e.resubscribe()
}

// toReconnecting tears down after a failed attempt or dead socket: every
// pending request fails immediately with ErrConnectionLost, and the attempt
// counter advances for the next backoff delay.
func (e *Engine) toReconnecting(conn socketConn) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if conn != nil && e.conn == conn {
		e.conn = nil
	}
	select {
	case <-e.done:
		e.state = StateDisconnected
	default:
		e.state = StateReconnecting
	}
	e.connectedSince = time.Time{}
	e.reconnectAttempts++
	e.failAllPending(ErrConnectionLost)
}

// refreshAgents fetches the authoritative agent list after connect.
func (e *Engine) refreshAgents() {
	ctx, cancel := context.WithTimeout(context.Background(), e.requestTimeout)
	defer cancel()

	payload, err := e.SendRequest(ctx, "agents.list", nil, 0)
	if err != nil {
		e.logger.Warn("agent list fetch failed", "error", err)
		return
	}

	var result wire.AgentListResult
	if err := json.Unmarshal(payload, &result); err != nil {
		e.logger.Warn("invalid agent list payload", "error", err)
		return
	}

	ids := make([]string, 0, len(result.Agents))
	for _, a := range result.Agents {
		ids = append(ids, a.ID)
	}

	e.mu.Lock()
	e.knownAgents = ids
	e.mu.Unlock()
	e.logger.Info("agent list refreshed", "count", len(ids))
}

// resubscribe re-registers for push-event broadcasting after connect.
func (e *Engine) resubscribe() {
	ctx, cancel := context.WithTimeout(context.Background(), e.requestTimeout)
	defer cancel()

	params := struct {
		Scopes []string `json:"scopes"`
	}{Scopes: e.scopes}

	if _, err := e.SendRequest(ctx, "events.subscribe", params, 0); err != nil {
		e.logger.Warn("event resubscribe failed", "error", err)
		return
	}
	e.logger.Debug("event subscription restored")
}

// ListActiveRuns asks the gateway for its authoritative active-run list.
// This is the run registry's reconciliation source.
func (e *Engine) ListActiveRuns(ctx context.Context) ([]wire.RunSummary, error) {
	payload, err := e.SendRequest(ctx, "runs.list", nil, 0)
	if err != nil {
		return nil, err
	}

	var result wire.RunListResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("invalid run list payload: %w", err)
	}
	return result.Runs, nil
}

// NoteHeartbeat records gateway liveness. The router calls this for every
// absorbed heartbeat event.
func (e *Engine) NoteHeartbeat(t time.Time) {
	e.mu.Lock()
	e.lastHeartbeat = t
	e.mu.Unlock()
}

// writeFrame serializes and transmits one frame. Writes are serialized;
// concurrent request senders share the socket safely.
func (e *Engine) writeFrame(conn socketConn, f *wire.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// setState transitions the state under lock.
func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// State returns the current connection state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// ReconnectAttempts returns the current attempt counter.
func (e *Engine) ReconnectAttempts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reconnectAttempts
}

// sleep waits for d unless the engine is shutting down first.
func (e *Engine) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		e.shutdown()
		return false
	case <-e.done:
		return false
	case <-t.C:
		return true
	}
}

// backoffDelay computes min(base * 2^(attempts-1), max).
func backoffDelay(base, max time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	shift := attempts - 1
	if shift > backoffShiftCap {
		shift = backoffShiftCap
	}
	d := base << shift
	if d > max || d <= 0 {
		return max
	}
	return d
}

// shutdown closes the engine exactly once: the socket dies, every pending
// request fails, and the state machine parks in disconnected.
func (e *Engine) shutdown() {
	e.closeOnce.Do(func() {
		close(e.done)

		e.mu.Lock()
		if e.conn != nil {
			e.conn.Close()
			e.conn = nil
		}
		e.state = StateDisconnected
		e.failAllPending(ErrEngineClosed)
		e.mu.Unlock()

		e.logger.Info("engine closed")
	})
}

// Close stops the engine. Safe to call multiple times.
func (e *Engine) Close() {
	e.shutdown()
}
