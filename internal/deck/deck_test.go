// ABOUTME: Tests for the deck composition root.
// ABOUTME: Covers component wiring, credential selection, and health before connect.

package deck

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-deck/internal/auth"
	"github.com/2389/coven-deck/internal/config"
	"github.com/2389/coven-deck/internal/identity"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{}
	cfg.Gateway.URL = "ws://gateway.test/ws"
	cfg.Gateway.ReconnectBase = time.Second
	cfg.Gateway.ReconnectMax = 30 * time.Second
	cfg.Gateway.RequestTimeout = 30 * time.Second
	cfg.Auth.Token = "tok"
	cfg.Identity.Path = filepath.Join(dir, "device.json")
	cfg.Database.Path = filepath.Join(dir, "deck.db")
	cfg.Runs.BufferBytes = 1024
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	return cfg
}

func TestNew_WiresComponents(t *testing.T) {
	d, err := New(testConfig(t), nil)
	require.NoError(t, err)
	defer d.Close()

	h := d.Health()
	assert.Equal(t, "disconnected", h.State)

	// Subscriptions work before the engine ever connects
	ch, subID := d.SubscribeEvents(context.Background())
	assert.NotNil(t, ch)
	assert.NotEmpty(t, subID)
}

func TestNew_RequiresGatewayURL(t *testing.T) {
	cfg := testConfig(t)
	cfg.Gateway.URL = ""
	_, err := New(cfg, nil)
	assert.Error(t, err)
}

func TestTokenSource_StaticByDefault(t *testing.T) {
	cfg := testConfig(t)
	id, err := identity.LoadOrCreate(cfg.Identity.Path, nil)
	require.NoError(t, err)

	src, err := tokenSource(cfg, id)
	require.NoError(t, err)

	tok, err := src.Token()
	require.NoError(t, err)
	assert.Equal(t, "tok", tok)
}

func TestTokenSource_MinterWhenSecretConfigured(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.JWTSecret = "shared-secret"
	id, err := identity.LoadOrCreate(cfg.Identity.Path, nil)
	require.NoError(t, err)

	src, err := tokenSource(cfg, id)
	require.NoError(t, err)
	assert.IsType(t, &auth.Minter{}, src)

	tok, err := src.Token()
	require.NoError(t, err)
	assert.NotEqual(t, "tok", tok, "minted tokens replace the static one")
}

func TestTokenSource_EmptyStaticAllowed(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.Token = ""
	id, err := identity.LoadOrCreate(cfg.Identity.Path, nil)
	require.NoError(t, err)

	src, err := tokenSource(cfg, id)
	require.NoError(t, err)

	_, err = src.Token()
	assert.ErrorIs(t, err, auth.ErrNoToken)
}
