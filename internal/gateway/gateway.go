// ABOUTME: Gateway orchestrator that wires the key cache, gate, audit trail, and MCP dispatcher
// ABOUTME: Owns the HTTP server, optional tailnet listener, health endpoints, and shutdown order

package gateway

import (
	"context"
	"crypto/tls"
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

	"github.com/2389/mcpgate/internal/audit"
	"github.com/2389/mcpgate/internal/auth"
	"github.com/2389/mcpgate/internal/config"
	"github.com/2389/mcpgate/internal/gate"
	"github.com/2389/mcpgate/internal/keys"
	"github.com/2389/mcpgate/internal/mcp"
	"github.com/2389/mcpgate/internal/metrics"
	"github.com/2389/mcpgate/internal/policy"
	"github.com/2389/mcpgate/internal/store"
)

// Version is reported in MCP serverInfo. The binary overrides it at startup.
var Version = "dev"

// Gateway orchestrates the mcpgate server components.
type Gateway struct {
	config      *config.Config
	logger      *slog.Logger
	metrics     *metrics.Metrics
	store       *store.SQLiteStore // nil when the sqlite audit sink is off
	keys        *keys.Cache
	audit       *audit.Logger
	mcpServer   *mcp.Server
	gate        *gate.Gate
	httpServer  *http.Server
	tsnetServer *tsnet.Server

	// resourceURL is the public base URL clients use to reach the gate
	resourceURL string

	// stopKeys cancels the background key refresh loop
	stopKeys context.CancelFunc
	keysDone chan struct{}
}

// determineResourceURL resolves the public base URL from config or environment.
func determineResourceURL(cfg *config.Config, logger *slog.Logger) string {
	// Use explicit config first
	if cfg.Auth.ResourceURL != "" {
		return strings.TrimSuffix(cfg.Auth.ResourceURL, "/")
	}

	if envURL := os.Getenv("MCPGATE_URL"); envURL != "" {
		return strings.TrimSuffix(envURL, "/")
	}

	if !cfg.Tailscale.Enabled {
		return "http://" + cfg.Server.HTTPAddr
	}

	if cfg.Tailscale.HTTPS || cfg.Tailscale.Funnel {
		return "https://" + cfg.Tailscale.Hostname
	}
	logger.Info("auth.resource_url not set, advertising plain HTTP tailnet hostname", "hostname", cfg.Tailscale.Hostname)
	return "http://" + cfg.Tailscale.Hostname
}

func keySources(issuers []config.IssuerConfig) []keys.Source {
	sources := make([]keys.Source, len(issuers))
	for i, iss := range issuers {
		sources[i] = keys.Source{Issuer: iss.Issuer, URL: iss.JWKSURL, File: iss.JWKSFile}
	}
	return sources
}

// buildAudit creates the configured sinks and the async audit logger.
func buildAudit(cfg *config.Config, st *store.SQLiteStore, m *metrics.Metrics, logger *slog.Logger) *audit.Logger {
	var sinks []audit.Sink
	if cfg.Audit.Enabled(config.SinkLog) {
		sinks = append(sinks, audit.NewSlogSink(logger.With("component", "audit")))
	}
	if cfg.Audit.Enabled(config.SinkSQLite) && st != nil {
		sinks = append(sinks, audit.NewStoreSink(st))
	}
	return audit.NewLogger(audit.Config{
		Sinks:        sinks,
		QueueSize:    cfg.Audit.QueueSize,
		WriteTimeout: cfg.Audit.WriteTimeout,
		Logger:       logger,
		Metrics:      m,
	})
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := metrics.New()

	var st *store.SQLiteStore
	if cfg.Audit.Enabled(config.SinkSQLite) {
		var err error
		st, err = store.NewSQLiteStore(cfg.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("opening store: %w", err)
		}
	}

	gw, err := build(cfg, logger, m, st)
	if err != nil {
		if st != nil {
			_ = st.Close()
		}
		return nil, err
	}
	return gw, nil
}

func build(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, st *store.SQLiteStore) (*Gateway, error) {
	keyCache, err := keys.New(keys.Config{
		Sources:            keySources(cfg.Auth.Issuers),
		RefreshInterval:    cfg.Auth.KeyRefreshInterval,
		MinRefreshInterval: cfg.Auth.KeyMinRefreshInterval,
		RefreshTimeout:     cfg.Auth.KeyRefreshTimeout,
		MaxResponseBytes:   cfg.Auth.MaxKeySetBytes,
		Logger:             logger,
		Metrics:            m,
	})
	if err != nil {
		return nil, fmt.Errorf("creating key cache: %w", err)
	}

	verifier, err := auth.NewJWTVerifier(auth.VerifierConfig{
		Keys:       keyCache,
		Audiences:  cfg.Auth.Audiences,
		Algorithms: cfg.Auth.Algorithms,
		Leeway:     cfg.Auth.Leeway,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating token verifier: %w", err)
	}

	registry := mcp.NewRegistry()
	if err := registry.Register(mcp.BuiltinTools()...); err != nil {
		return nil, fmt.Errorf("registering builtin tools: %w", err)
	}
	if st != nil {
		if err := registry.Register(mcp.AuditTool(st)); err != nil {
			return nil, fmt.Errorf("registering audit tool: %w", err)
		}
	}

	mcpServer, err := mcp.NewServer(mcp.Config{
		Registry:      registry,
		Logger:        logger,
		SessionTTL:    cfg.MCP.SessionTTL,
		ServerVersion: Version,
	})
	if err != nil {
		return nil, fmt.Errorf("creating MCP server: %w", err)
	}

	resourceURL := determineResourceURL(cfg, logger)
	auditLogger := buildAudit(cfg, st, m, logger)

	g, err := gate.New(gate.Config{
		Policy:              policy.New(cfg.Gate.ExemptMethods),
		Verifier:            verifier,
		Recorder:            auditLogger,
		MaxBodyBytes:        cfg.Gate.MaxBodyBytes,
		BodyReadTimeout:     cfg.Gate.BodyReadTimeout,
		ResourceMetadataURL: auth.MetadataURL(resourceURL),
		Logger:              logger,
		Metrics:             m,
	})
	if err != nil {
		_ = auditLogger.Close(context.Background())
		return nil, fmt.Errorf("creating gate: %w", err)
	}

	gw := &Gateway{
		config:      cfg,
		logger:      logger.With("component", "gateway"),
		metrics:     m,
		store:       st,
		keys:        keyCache,
		audit:       auditLogger,
		mcpServer:   mcpServer,
		gate:        g,
		resourceURL: resourceURL,
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return gw, nil
}

// routes builds the HTTP mux. Only the MCP endpoint sits behind the gate.
func (g *Gateway) routes() *http.ServeMux {
	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/health/ready", g.handleReady)

	mux.Handle(auth.MetadataPath, auth.MetadataHandler(auth.ResourceMetadata{
		Resource:             g.resourceURL + g.config.MCP.Path,
		AuthorizationServers: issuerNames(g.config.Auth.Issuers),
		ScopesSupported:      g.config.Auth.ScopesSupported,
		ResourceName:         g.config.Auth.ResourceName,
	}))

	if g.config.Metrics.Enabled {
		mux.Handle(g.config.Metrics.Path, g.metrics.Handler())
	}

	mux.Handle(g.config.MCP.Path, g.gate.Middleware(g.mcpServer))
	return mux
}

func issuerNames(issuers []config.IssuerConfig) []string {
	names := make([]string, len(issuers))
	for i, iss := range issuers {
		names[i] = iss.Issuer
	}
	return names
}

// Handler returns the gateway's HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// setupTCPListener creates a standard TCP listener for HTTP.
func (g *Gateway) setupTCPListener() (net.Listener, error) {
	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// setupListener creates the listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// startKeyRefresh runs the key cache refresh loop until Shutdown.
func (g *Gateway) startKeyRefresh(ctx context.Context) {
	ctx, g.stopKeys = context.WithCancel(context.WithoutCancel(ctx))
	g.keysDone = make(chan struct{})
	go func() {
		defer close(g.keysDone)
		g.keys.Run(ctx)
	}()
}

// Run starts the gateway and blocks until the context is canceled.
// Returns nil on graceful shutdown (context canceled), or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	g.startKeyRefresh(ctx)

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String(), "resource", g.resourceURL+g.config.MCP.Path)
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
// Uses context.Background() since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), g.config.Server.ShutdownTimeout)
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
	return filepath.Join(homeDir, ".local", "share", "mcpgate", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable (get one at https://login.tailscale.com/admin/settings/keys)")
	}
	return authKey, nil
}

// setupTailscaleListener joins the tailnet and returns the HTTP listener.
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
		Logf: func(format string, args ...any) {
			g.logger.Debug(fmt.Sprintf(format, args...), "source", "tsnet")
		},
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}

	g.logTailscaleStatus(tsCfg.Hostname, status)
	return g.createTailscaleHTTPListener(tsCfg)
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
	if dnsName != "" && g.config.Auth.ResourceURL == "" {
		g.logger.Warn("auth.resource_url not set; clients on the tailnet should use the full DNS name",
			"suggested", "https://"+dnsName)
	}
}

// createTailscaleHTTPListener creates the appropriate HTTP listener based on config.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		return g.createTailscaleTLSListener()
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener() (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the gateway. In-flight requests finish first, then the
// audit queue drains into the store before the store closes.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	if g.stopKeys != nil {
		g.stopKeys()
		select {
		case <-g.keysDone:
		case <-ctx.Done():
		}
	}

	errs = appendCloseError(errs, "audit drain", g.audit.Close(ctx))

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	if g.store != nil {
		errs = appendCloseError(errs, "store close", g.store.Close())
	}

	return errors.Join(errs...)
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once every trusted issuer's keys have loaded.
func (g *Gateway) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !g.keys.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("signing keys not loaded"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d issuers)", len(g.config.Auth.Issuers))
}
