// ABOUTME: End-to-end handshake test over a real websocket server.
// ABOUTME: Exercises the production dialer against an httptest gateway.

package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-deck/internal/auth"
	"github.com/2389/coven-deck/internal/wire"
)

// fakeGatewayHandler upgrades the connection, issues a challenge, and
// approves every request it receives.
func fakeGatewayHandler() http.HandlerFunc {
	upgrader := websocket.Upgrader{}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		challenge := &wire.Frame{
			Type:    wire.TypeEvent,
			Event:   wire.EventChallenge,
			Payload: json.RawMessage(`{"nonce":"server-nonce"}`),
		}
		data, _ := json.Marshal(challenge)
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			f, err := wire.ParseFrame(msg)
			if err != nil || f.Type != wire.TypeRequest {
				continue
			}
			res := &wire.Frame{Type: wire.TypeResponse, ID: f.ID, OK: true, Payload: json.RawMessage(`{}`)}
			out, _ := json.Marshal(res)
			if err := conn.WriteMessage(websocket.TextMessage, out); err != nil {
				return
			}
		}
	}
}

func TestEngine_ConnectsOverRealWebsocket(t *testing.T) {
	srv := httptest.NewServer(fakeGatewayHandler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	e, err := New(Options{
		URL:            wsURL,
		Scopes:         []string{"sessions"},
		Identity:       testIdentity(t),
		Tokens:         auth.Static("test-token"),
		ReconnectBase:  10 * time.Millisecond,
		ReconnectMax:   100 * time.Millisecond,
		RequestTimeout: 2 * time.Second,
	})
	require.NoError(t, err)
	defer e.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	waitForState(t, e, StateConnected)

	// Requests round-trip over the real socket
	payload, err := e.SendRequest(context.Background(), "sessions.list", nil, 0)
	require.NoError(t, err)
	require.JSONEq(t, `{}`, string(payload))
}
