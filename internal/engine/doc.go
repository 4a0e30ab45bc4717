// Package engine maintains the single authenticated connection to the
// gateway and multiplexes concurrent request/response exchanges over it.
//
// # State machine
//
// The connection moves through:
//
//	disconnected → connecting → authenticating → connected → reconnecting → connecting …
//
// and is terminal only at process shutdown. On socket open the engine
// waits for the server's connect.challenge push, answers it with a connect
// request carrying the signed device envelope, and transitions to
// connected when the response succeeds. Any rejection, socket error, or
// close moves it to reconnecting with an exponential backoff delay of
// min(base * 2^(attempts-1), cap); a successful connect resets the attempt
// counter to zero.
//
// # Request multiplexing
//
// SendRequest allocates monotonic correlation ids, registers a pending
// entry with a per-request timer, and transmits over the shared socket.
// Exactly one of {response, timeout, connection-lost} resolves each
// request. The instant the socket closes, every pending request fails with
// ErrConnectionLost: a caller must never wait on a result that can no
// longer arrive. Nothing is retried automatically; retry is the caller's
// responsibility once reconnection succeeds.
//
// # Failure semantics
//
// Nothing in this package is process-fatal. Every failure mode degrades to
// "keep retrying the connection" or "deliver best-effort data", and
// surfaces to the UI only through GetHealth.
package engine
