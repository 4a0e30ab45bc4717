// ABOUTME: Deck orchestrator wiring identity, store, engine, router, bus and runs together
// ABOUTME: Owns component lifecycle and the local HTTP health surface

package deck

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/2389/coven-deck/internal/auth"
	"github.com/2389/coven-deck/internal/bus"
	"github.com/2389/coven-deck/internal/config"
	"github.com/2389/coven-deck/internal/engine"
	"github.com/2389/coven-deck/internal/identity"
	"github.com/2389/coven-deck/internal/router"
	"github.com/2389/coven-deck/internal/runs"
	"github.com/2389/coven-deck/internal/store"
)

// httpShutdownTimeout bounds the graceful HTTP drain at exit.
const httpShutdownTimeout = 5 * time.Second

// Deck is the long-lived composition of the gateway session engine and its
// collaborators. Constructed once at process start by the composition root
// and passed by handle to every consumer.
type Deck struct {
	config     *config.Config
	identity   *identity.Identity
	store      store.Store
	bus        *bus.Bus
	runs       *runs.Registry
	router     *router.Router
	engine     *engine.Engine
	httpServer *http.Server
	logger     *slog.Logger
}

// New builds the full component graph from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Deck, error) {
	if logger == nil {
		logger = slog.Default()
	}

	id, err := identity.LoadOrCreate(cfg.Identity.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("loading device identity: %w", err)
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	tokens, err := tokenSource(cfg, id)
	if err != nil {
		st.Close()
		return nil, err
	}

	eng, err := engine.New(engine.Options{
		URL:            cfg.Gateway.URL,
		Scopes:         cfg.Gateway.Scopes,
		Identity:       id,
		Tokens:         tokens,
		ReconnectBase:  cfg.Gateway.ReconnectBase,
		ReconnectMax:   cfg.Gateway.ReconnectMax,
		RequestTimeout: cfg.Gateway.RequestTimeout,
		Logger:         logger,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("creating engine: %w", err)
	}

	b := bus.New(logger)
	registry := runs.NewRegistry(cfg.Runs.BufferBytes, eng.ListActiveRuns, logger)
	rt := router.New(st, b, registry, eng.NoteHeartbeat, logger)
	eng.SetRouter(rt)

	d := &Deck{
		config:   cfg,
		identity: id,
		store:    st,
		bus:      b,
		runs:     registry,
		router:   rt,
		engine:   eng,
		logger:   logger.With("component", "deck"),
	}
	d.httpServer = &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: d.routes(),
	}
	return d, nil
}

// tokenSource picks the credential strategy: a shared JWT secret mints
// short-lived tokens per attempt; otherwise the static token is used as-is.
// An empty static token is allowed; the engine defers attempts until one
// appears via config reload or environment.
func tokenSource(cfg *config.Config, id *identity.Identity) (auth.TokenSource, error) {
	if cfg.Auth.JWTSecret != "" {
		m, err := auth.NewMinter([]byte(cfg.Auth.JWTSecret), id.ID)
		if err != nil {
			return nil, fmt.Errorf("creating token minter: %w", err)
		}
		return m, nil
	}
	return auth.Static(cfg.Auth.Token), nil
}

// Start runs the engine and the HTTP surface until ctx is cancelled.
func (d *Deck) Start(ctx context.Context) error {
	go d.engine.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		d.logger.Info("http server listening", "addr", d.httpServer.Addr)
		if err := d.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		d.shutdownHTTP()
		d.Close()
		return nil
	case err := <-errCh:
		d.Close()
		return fmt.Errorf("http server: %w", err)
	}
}

func (d *Deck) shutdownHTTP() {
	ctx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()
	if err := d.httpServer.Shutdown(ctx); err != nil {
		d.logger.Warn("http shutdown", "error", err)
	}
}

// routes builds the local HTTP surface.
func (d *Deck) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(d.engine.GetHealth()); err != nil {
			d.logger.Warn("encoding health response", "error", err)
		}
	})
	return mux
}

// SubscribeEvents attaches a dashboard view to the routed event stream.
// A subscriber only ever sees events published after it attached; history
// lives in the store, not the bus.
func (d *Deck) SubscribeEvents(ctx context.Context) (<-chan *bus.Event, string) {
	return d.bus.Subscribe(ctx)
}

// WatchRuns attaches a view to the run stream for a project: retained
// buffers are replayed first, then live notes, then one reconciliation
// pass against the backend closes the replay-versus-exit race.
func (d *Deck) WatchRuns(ctx context.Context, projectID string) (<-chan *runs.Note, string) {
	ch, subID := d.runs.Subscribe(ctx, projectID)
	go func() {
		if err := d.runs.Reconcile(ctx); err != nil {
			d.logger.Warn("run reconciliation failed, replayed state stands", "error", err)
		}
	}()
	return ch, subID
}

// SendRequest exposes on-demand backend calls to the rest of the
// application.
func (d *Deck) SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return d.engine.SendRequest(ctx, method, params, 0)
}

// Health reports the engine's connection health.
func (d *Deck) Health() engine.Health {
	return d.engine.GetHealth()
}

// Close releases every component. Safe to call more than once.
func (d *Deck) Close() {
	d.engine.Close()
	d.bus.Close()
	if err := d.store.Close(); err != nil {
		d.logger.Warn("closing store", "error", err)
	}
}
