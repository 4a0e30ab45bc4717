// ABOUTME: Error taxonomy for the gateway session engine
// ABOUTME: Nothing here is process-fatal; every failure degrades to retry or best-effort delivery

package engine

import (
	"errors"
	"fmt"
	"time"
)

// Engine errors.
var (
	// ErrNotConnected is returned when a request is attempted outside the
	// connected state. There is no queuing: queuing would silently reorder
	// operations across reconnects.
	ErrNotConnected = errors.New("not connected to gateway")

	// ErrConnectionLost fails every pending request the instant the socket
	// closes. No message is retried automatically.
	ErrConnectionLost = errors.New("connection lost")

	// ErrAuthRejected indicates the gateway denied the connect handshake.
	// Triggers reconnect, not a fatal stop: credentials may become valid.
	ErrAuthRejected = errors.New("authentication rejected")

	// ErrEngineClosed is returned after Close.
	ErrEngineClosed = errors.New("engine closed")
)

// RequestTimeoutError names the method and elapsed time of a request that
// never got its response. Deliberately caller-visible: slow or deadlocked
// backend operations must be observable, not silently retried.
type RequestTimeoutError struct {
	Method  string
	Elapsed time.Duration
}

func (e *RequestTimeoutError) Error() string {
	return fmt.Sprintf("request %s timed out after %v", e.Method, e.Elapsed)
}

// IsTimeout reports whether err is a request timeout.
func IsTimeout(err error) bool {
	var t *RequestTimeoutError
	return errors.As(err, &t)
}
