// ABOUTME: Gateway orchestrator that wires the registry, store, and HTTP server
// ABOUTME: Manages the operator WebSocket, MCP endpoint, health endpoints, and listener lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/switchboard/internal/config"
	"github.com/2389/switchboard/internal/coordinator"
	"github.com/2389/switchboard/internal/dedupe"
	"github.com/2389/switchboard/internal/engine"
	"github.com/2389/switchboard/internal/engine/claudecli"
	"github.com/2389/switchboard/internal/events"
	"github.com/2389/switchboard/internal/mcp"
	"github.com/2389/switchboard/internal/notify"
	"github.com/2389/switchboard/internal/registry"
	"github.com/2389/switchboard/internal/store"
)

// Gateway owns every long-lived component of a switchboard server.
type Gateway struct {
	config      *config.Config
	store       store.ProjectStore
	broadcaster *events.Broadcaster
	registry    *registry.Registry
	mcpServer   *mcp.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	// dedupe drops operator commands whose request_id was already applied
	dedupe *dedupe.Window

	// notifier forwards escalations and direct questions to Matrix when enabled
	notifier     *notify.Notifier
	notifyCancel context.CancelFunc
}

// Option customizes New.
type Option func(*options)

type options struct {
	engine engine.Engine
	store  store.ProjectStore
	sender notify.Sender
}

// WithEngine replaces the subprocess engine built from config.
func WithEngine(e engine.Engine) Option {
	return func(o *options) { o.engine = e }
}

// WithStore replaces the SQLite project store built from config.
func WithStore(s store.ProjectStore) Option {
	return func(o *options) { o.store = s }
}

// WithNotifySender replaces the Matrix sender built from config.
func WithNotifySender(s notify.Sender) Option {
	return func(o *options) { o.sender = s }
}

// initStore creates the project store based on config and environment.
func initStore(cfg *config.Config) (store.ProjectStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("SWITCHBOARD_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

func newEngine(cfg *config.Config, logger *slog.Logger) engine.Engine {
	return claudecli.New(claudecli.Config{
		Binary:    cfg.Engine.Binary,
		APIKey:    cfg.Engine.APIKey,
		ExtraArgs: cfg.Engine.ExtraArgs,
		Logger:    logger,
	})
}

func newSender(cfg *config.Config) (notify.Sender, error) {
	m := cfg.Notify.Matrix
	if !m.Enabled {
		return nil, nil
	}
	sender, err := notify.NewMatrixSender(notify.MatrixConfig{
		Homeserver:  m.Homeserver,
		UserID:      m.UserID,
		AccessToken: m.AccessToken,
		RoomID:      m.RoomID,
	})
	if err != nil {
		return nil, fmt.Errorf("creating matrix notifier: %w", err)
	}
	return sender, nil
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	systemPrompt, err := coordinator.LoadSystemPrompt(cfg.Coordinator.SystemPromptFile)
	if err != nil {
		return nil, err
	}

	if o.sender == nil {
		if o.sender, err = newSender(cfg); err != nil {
			return nil, err
		}
	}

	s := o.store
	if s == nil {
		if s, err = initStore(cfg); err != nil {
			return nil, err
		}
	}

	eng := o.engine
	if eng == nil {
		eng = newEngine(cfg, logger)
	}

	workDir, err := os.Getwd()
	if err != nil {
		workDir = os.TempDir()
	}

	broadcaster := events.NewBroadcaster(logger)
	reg := registry.New(registry.Config{
		Engine:      eng,
		Projects:    s,
		Broadcaster: broadcaster,
		WorkerTools: cfg.Engine.WorkerTools,
		Model:       cfg.Engine.Model,
		MaxTurns:    cfg.Engine.MaxTurns,
		MaxActivity: cfg.Activity.MaxEntries,
		Coordinator: registry.CoordinatorSettings{
			MCPBaseURL:        cfg.MCPBaseURL(),
			SystemPrompt:      systemPrompt,
			WorkDir:           workDir,
			ExtraTools:        cfg.Engine.CoordinatorTools,
			StatusOutputLines: cfg.Coordinator.StatusOutputLines,
		},
		Logger: logger,
	})

	gw := &Gateway{
		config:      cfg,
		store:       s,
		broadcaster: broadcaster,
		registry:    reg,
		logger:      logger.With("component", "gateway"),
		dedupe:      dedupe.New(cfg.Commands.DedupeTTL, cfg.Commands.DedupeMax),
	}

	mux := http.NewServeMux()

	// Health endpoints
	mux.HandleFunc("/health", gw.handleHealth)
	mux.HandleFunc("/health/ready", gw.handleReady)

	// Operator surfaces
	mux.HandleFunc("/api/state", gw.handleState)
	mux.HandleFunc("/ws", gw.handleWebSocket)

	// MCP endpoint the coordinator's engine calls back into
	mcpServer, err := mcp.NewServer(reg, logger)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("creating MCP server: %w", err)
	}
	gw.mcpServer = mcpServer
	gw.mcpServer.RegisterRoutes(mux)

	if o.sender != nil {
		gw.notifier = notify.New(o.sender, logger)
		ctx, cancel := context.WithCancel(context.Background())
		gw.notifyCancel = cancel
		go gw.notifier.Run(ctx, broadcaster)
		gw.logger.Info("operator notifications enabled")
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Registry exposes the session registry backing this gateway.
func (g *Gateway) Registry() *registry.Registry {
	return g.registry
}

// Handler returns the HTTP handler serving every route.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// setupTCPListener creates the standard TCP listener for HTTP.
func (g *Gateway) setupTCPListener() (net.Listener, error) {
	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// setupListener creates a listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// Run starts the HTTP server and blocks until the context is canceled.
// Returns nil on graceful shutdown (context canceled), or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// The Run context is already canceled by the time this runs.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "switchboard", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener joins the tailnet and listens on :80 there.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	ln, err := g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return ln, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = strings.TrimSuffix(status.Self.DNSName, ".")
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the HTTP server, every session and the coordinator, then
// releases the store and listeners.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	errs = appendCloseError(errs, "registry shutdown", g.registry.Shutdown(ctx))

	if g.notifyCancel != nil {
		g.notifyCancel()
	}
	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	g.dedupe.Close()
	g.broadcaster.Close()

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the project store answers queries.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, err := g.store.ListProjects(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (coordinator %s)", g.registry.CoordinatorStatus())
}
