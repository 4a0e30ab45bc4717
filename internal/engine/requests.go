// ABOUTME: Request multiplexer correlating outbound requests with gateway responses
// ABOUTME: Tracks in-flight requests with per-request timeouts over the single socket

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/2389/coven-deck/internal/wire"
)

// pendingRequest tracks one in-flight request until its response, timeout,
// or the loss of the connection.
type pendingRequest struct {
	method string
	sentAt time.Time
	result chan requestResult
	timer  *time.Timer
}

// requestResult is the terminal outcome delivered to the waiting caller.
// Exactly one of these fires per request, never more.
type requestResult struct {
	payload json.RawMessage
	err     error
}

// SendRequest transmits a request over the gateway socket and waits for the
// correlated response. It fails immediately with ErrNotConnected unless the
// engine is in the connected state. timeout <= 0 uses the configured
// default. Exactly one of response, timeout, or connection-lost resolves
// the call.
func (e *Engine) SendRequest(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	e.mu.Lock()
	if e.state != StateConnected || e.conn == nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("sending %s: %w", method, ErrNotConnected)
	}
	conn := e.conn
	e.mu.Unlock()

	return e.sendOn(ctx, conn, method, params, timeout)
}

// sendOn performs the registration, transmission and wait against a
// specific socket. The connect handshake uses this directly from the
// authenticating state, where SendRequest's state check would refuse it.
func (e *Engine) sendOn(ctx context.Context, conn socketConn, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = e.requestTimeout
	}

	id, pending := e.registerPending(method, timeout)

	frame, err := wire.NewRequest(id, method, params)
	if err != nil {
		e.removePending(id)
		return nil, err
	}

	if err := e.writeFrame(conn, frame); err != nil {
		e.removePending(id)
		return nil, fmt.Errorf("sending %s: %w", method, err)
	}

	e.logger.Debug("request sent", "method", method, "correlation_id", id)

	select {
	case res := <-pending.result:
		return res.payload, res.err
	case <-ctx.Done():
		e.removePending(id)
		return nil, ctx.Err()
	}
}

// registerPending allocates the next correlation id and registers the
// pending entry with its timeout timer armed.
func (e *Engine) registerPending(method string, timeout time.Duration) (int64, *pendingRequest) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.correlation++
	id := e.correlation

	p := &pendingRequest{
		method: method,
		sentAt: time.Now(),
		result: make(chan requestResult, 1),
	}
	p.timer = time.AfterFunc(timeout, func() {
		e.timeoutPending(id)
	})
	e.pending[id] = p
	return id, p
}

// removePending drops a pending entry without resolving it, for callers
// that abandoned the wait themselves.
func (e *Engine) removePending(id int64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if p, ok := e.pending[id]; ok {
		p.timer.Stop()
		delete(e.pending, id)
	}
}

// timeoutPending fails a request that outlived its timer.
func (e *Engine) timeoutPending(id int64) {
	e.mu.Lock()
	p, ok := e.pending[id]
	if ok {
		delete(e.pending, id)
	}
	e.mu.Unlock()

	if !ok {
		return
	}

	elapsed := time.Since(p.sentAt)
	e.logger.Warn("request timed out", "method", p.method, "elapsed", elapsed)
	p.result <- requestResult{err: &RequestTimeoutError{Method: p.method, Elapsed: elapsed}}
}

// handleResponse resolves the pending entry matching a response frame.
// A response with no matching entry arrived after timeout or reconnect and
// is silently discarded.
func (e *Engine) handleResponse(f *wire.Frame) {
	e.mu.Lock()
	p, ok := e.pending[f.ID]
	if ok {
		p.timer.Stop()
		delete(e.pending, f.ID)
	}
	e.mu.Unlock()

	if !ok {
		e.logger.Debug("discarding response with no pending request", "correlation_id", f.ID)
		return
	}

	if !f.OK {
		err := error(f.Error)
		if f.Error == nil {
			err = fmt.Errorf("request %s failed", p.method)
		}
		p.result <- requestResult{err: fmt.Errorf("request %s: %w", p.method, err)}
		return
	}
	p.result <- requestResult{payload: f.Payload}
}

// failAllPending rejects every in-flight request with cause. Called with
// the engine lock held the instant the socket closes; callers must never
// wait on a result that can no longer arrive.
func (e *Engine) failAllPending(cause error) {
	for id, p := range e.pending {
		p.timer.Stop()
		delete(e.pending, id)
		p.result <- requestResult{err: fmt.Errorf("request %s: %w", p.method, cause)}
	}
}
