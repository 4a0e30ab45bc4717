// ABOUTME: Entry point for the coven-deck dashboard session daemon
// ABOUTME: Maintains the authenticated gateway connection and serves local health state

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-deck/internal/config"
	"github.com/2389/coven-deck/internal/deck"
	"github.com/2389/coven-deck/internal/engine"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                      _           _
  ___ _____   _____ _ __         __ _| | ___  ___| | __
 / __/ _ \ \ / / _ \ '_ \ _____ / _' | |/ _ \/ __| |/ /
| (_| (_) \ V /  __/ | | |_____| (_| | |  __/ (__|   <
 \___\___/ \_/ \___|_| |_|      \__,_|_|\___|\___|_|\_\
`

// getConfigPath returns the path to the deck config file.
// Priority: COVEN_DECK_CONFIG env var > XDG_CONFIG_HOME/coven/deck.yaml > ~/.config/coven/deck.yaml
func getConfigPath() string {
	if envPath := os.Getenv("COVEN_DECK_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "deck.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "deck.yaml")
}

// getDataPath returns the path to the coven-deck data directory.
// Priority: XDG_DATA_HOME/coven-deck > ~/.local/share/coven-deck
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "coven-deck")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: coven-deck <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve     Start the session daemon")
		fmt.Println("  init      Create a starter config file")
		fmt.Println("  health    Check daemon connection health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)

	// Startup info
	green := color.New(color.FgGreen)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Gateway:   %s\n", cfg.Gateway.URL)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	fmt.Println()

	logger.Info("starting coven-deck",
		"config", configPath,
		"gateway_url", cfg.Gateway.URL,
		"http_addr", cfg.Server.HTTPAddr,
	)

	d, err := deck.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating deck: %w", err)
	}

	return d.Start(ctx)
}

// runInit writes a starter config file at the default path. Refuses to
// overwrite an existing one.
func runInit() error {
	configPath := getConfigPath()
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists at %s", configPath)
	}

	dataPath := getDataPath()
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	starter := fmt.Sprintf(`gateway:
  url: ws://localhost:8080/ws
  scopes: [sessions, runs]
  reconnect_base: 1s
  reconnect_max: 30s
  request_timeout: 30s

auth:
  token: ${COVEN_DECK_TOKEN}

identity:
  path: %s

database:
  path: %s

server:
  http_addr: 127.0.0.1:8384

logging:
  level: info
  format: text
`, filepath.Join(dataPath, "device.json"), filepath.Join(dataPath, "deck.db"))

	if err := os.WriteFile(configPath, []byte(starter), 0600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Print("    ✓ ")
	fmt.Printf("Created %s\n", configPath)
	fmt.Println("    Edit the gateway URL and set COVEN_DECK_TOKEN, then run: coven-deck serve")
	return nil
}

func runHealth(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/api/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	var h engine.Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return fmt.Errorf("decoding health response: %w", err)
	}

	switch h.State {
	case "connected":
		color.New(color.FgGreen).Printf("● %s\n", h.State)
	case "reconnecting", "connecting", "authenticating":
		color.New(color.FgYellow).Printf("● %s\n", h.State)
	default:
		color.New(color.FgRed).Printf("● %s\n", h.State)
	}

	if h.ConnectedSince != nil {
		fmt.Printf("  connected since:    %s\n", h.ConnectedSince.Format(time.RFC3339))
	}
	if h.LastHeartbeatAgeMS != nil {
		fmt.Printf("  last heartbeat:     %dms ago\n", *h.LastHeartbeatAgeMS)
	}
	if h.ReconnectAttempts > 0 {
		fmt.Printf("  reconnect attempts: %d\n", h.ReconnectAttempts)
	}
	if len(h.KnownAgentIDs) > 0 {
		fmt.Printf("  agents:             %s\n", strings.Join(h.KnownAgentIDs, ", "))
	}
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
