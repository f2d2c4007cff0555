package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/jiteshy/collabx/internal/api"
	"github.com/jiteshy/collabx/internal/config"
	"github.com/jiteshy/collabx/internal/database"
	"github.com/jiteshy/collabx/internal/discovery"
	"github.com/jiteshy/collabx/internal/hub"
	"github.com/jiteshy/collabx/internal/metrics"
	"github.com/jiteshy/collabx/internal/router"
	"github.com/jiteshy/collabx/internal/session"
	"github.com/jiteshy/collabx/internal/tracing"
	"github.com/jiteshy/collabx/internal/websocket"
	"github.com/jiteshy/collabx/pkg/interfaces"
	pkgdatabase "github.com/jiteshy/collabx/pkg/database"
)

// Application owns every server component and their lifecycle.
type Application struct {
	config      *config.Config
	logger      *zap.Logger
	version     string
	traceWriter io.Writer

	promRegistry *prometheus.Registry
	metrics      *metrics.Metrics
	tracer       *sdktrace.TracerProvider
	audit        *database.Manager
	registry     *websocket.Registry
	sessions     *session.Registry
	limiter      *router.RateLimiter
	eventRouter  *router.Router
	eventHub     *hub.Hub
	admission    *websocket.Admission
	apiServer    *api.Server
	httpServer   *http.Server

	mu       sync.Mutex
	listener net.Listener
	advert   *discovery.Advertisement
	cancel   context.CancelFunc
	serveErr chan error
}

// Option customizes an Application.
type Option func(*Application)

func WithLogger(logger *zap.Logger) Option {
	return func(a *Application) { a.logger = logger }
}

// WithVersion sets the build version reported over mDNS.
func WithVersion(version string) Option {
	return func(a *Application) { a.version = version }
}

// WithTraceWriter redirects exported spans, stdout by default.
func WithTraceWriter(w io.Writer) Option {
	return func(a *Application) { a.traceWriter = w }
}

// NewApplication builds the component graph in dependency order:
// metrics, audit store, connection registry, session registry, rate limiter,
// router, hub, WebSocket handler, HTTP API.
func NewApplication(cfg *config.Config, opts ...Option) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	a := &Application{
		config:      cfg,
		logger:      zap.NewNop(),
		version:     "dev",
		traceWriter: os.Stdout,
	}
	for _, opt := range opts {
		opt(a)
	}

	a.promRegistry = prometheus.NewRegistry()
	a.promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.New(a.promRegistry)

	var sessionOpts []session.Option
	if cfg.Audit.Enabled {
		dbConfig := pkgdatabase.DefaultConfig()
		dbConfig.DatabasePath = cfg.Audit.Path
		dbConfig.WriteTimeout = cfg.Audit.Timeout

		audit, err := database.NewManager(dbConfig, database.WithLogger(a.logger.Named("audit")))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize audit store: %w", err)
		}
		a.audit = audit
		sessionOpts = append(sessionOpts, session.WithAuditRecorder(audit))
	}

	a.registry = websocket.NewRegistry(a.logger.Named("connections"))

	sessionCfg := session.DefaultConfig()
	sessionCfg.MaxMembers = cfg.Session.MaxMembers
	sessionCfg.DefaultContent = cfg.Session.DefaultContent
	sessionCfg.DefaultLanguage = cfg.Session.DefaultLanguage
	sessionOpts = append(sessionOpts, session.WithLogger(a.logger.Named("sessions")))
	a.sessions = session.NewRegistry(sessionCfg, a.registry, sessionOpts...)

	a.limiter = router.NewRateLimiter(nil)
	for eventType, rule := range cfg.RateLimits {
		a.limiter.AddLimit(eventType, rule.Window, rule.Max, rule.Message)
	}

	routerOpts := []router.Option{
		router.WithMetrics(a.metrics),
		router.WithLogger(a.logger.Named("router")),
	}
	if cfg.Tracing.Enabled {
		tp, err := tracing.NewProvider(cfg.Tracing, a.version, a.traceWriter)
		if err != nil {
			_ = a.closeAudit()
			return nil, fmt.Errorf("failed to initialize tracing: %w", err)
		}
		a.tracer = tp
		routerOpts = append(routerOpts, router.WithTracer(tp.Tracer(router.TracerName)))
	}
	a.eventRouter = router.NewRouter(a.sessions, a.registry, a.limiter, routerOpts...)

	a.eventHub = hub.NewHub(a.eventRouter, cfg.Session.QueueSize, a.logger.Named("hub"))

	handlerOpts := []websocket.HandlerOption{
		websocket.WithMetrics(a.metrics),
		websocket.WithLogger(a.logger.Named("websocket")),
	}
	if cfg.Admission.Enabled {
		a.admission = websocket.NewAdmission(cfg.Admission.RPS, cfg.Admission.Burst, cfg.Admission.IdleTimeout, nil)
		handlerOpts = append(handlerOpts, websocket.WithAdmission(a.admission))
	}
	wsHandler := websocket.NewHandler(a.registry, a.eventHub, websocket.HandlerConfig{
		SendBuffer:       cfg.WebSocket.BufferSize,
		MaxMessageSize:   cfg.WebSocket.MaxMessageSize,
		PongWait:         cfg.WebSocket.ReadTimeout,
		PingInterval:     cfg.WebSocket.PingInterval,
		HandshakeTimeout: cfg.WebSocket.HandshakeTimeout,
		AllowedOrigins:   cfg.WebSocket.AllowedOrigins,
	}, handlerOpts...)

	apiOpts := []api.Option{
		api.WithWebSocketHandler(wsHandler),
		api.WithLogger(a.logger.Named("http")),
	}
	if a.audit != nil {
		apiOpts = append(apiOpts, api.WithAuditStore(a.audit))
	}
	if cfg.HTTP.MetricsEnabled {
		apiOpts = append(apiOpts, api.WithMetricsHandler(promhttp.HandlerFor(a.promRegistry, promhttp.HandlerOpts{})))
	}
	a.apiServer = api.NewServer(a.sessions, a.registry, apiOpts...)

	a.trackGauges()

	// No WriteTimeout: hijacked WebSocket connections manage their own
	// deadlines.
	a.httpServer = &http.Server{
		Addr:        cfg.Addr(),
		Handler:     a.apiServer,
		ReadTimeout: cfg.HTTP.ReadTimeout,
	}

	return a, nil
}

func (a *Application) trackGauges() {
	a.metrics.TrackGauge("active_sessions", "Sessions with at least one member",
		func() float64 { return float64(a.sessions.SessionCount()) })
	a.metrics.TrackGauge("active_members", "Joined members across all sessions",
		func() float64 { return float64(a.sessions.MemberCount()) })
	a.metrics.TrackGauge("open_connections", "Registered WebSocket connections",
		func() float64 { return float64(a.registry.ConnectionCount()) })
	a.metrics.TrackGauge("hub_queue_depth", "Events waiting for the hub",
		func() float64 { return float64(a.eventHub.QueueDepth()) })
	a.metrics.TrackGauge("rate_limited_clients", "Connections with rate limit windows",
		func() float64 { return float64(a.limiter.TrackedClients()) })
}

// Start runs the hub and begins serving. It returns once the listener is
// bound; serve errors are reported by Wait.
func (a *Application) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		return errors.New("application already started")
	}

	runCtx, cancel := context.WithCancel(context.Background())

	if err := a.eventHub.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("failed to start event hub: %w", err)
	}
	if a.admission != nil {
		go a.admission.Run(runCtx)
	}

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", a.httpServer.Addr)
	if err != nil {
		_ = a.eventHub.Stop()
		cancel()
		return fmt.Errorf("failed to listen on %s: %w", a.httpServer.Addr, err)
	}
	a.listener = listener
	a.cancel = cancel
	a.serveErr = make(chan error, 1)

	go func() {
		if err := a.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.serveErr <- fmt.Errorf("HTTP server error: %w", err)
		}
		close(a.serveErr)
	}()

	if a.config.Discovery.Enabled {
		port := listener.Addr().(*net.TCPAddr).Port
		advert, err := discovery.Advertise(a.config.Discovery.Instance, a.config.Discovery.Service,
			a.config.Discovery.Domain, port, "/ws", a.version, a.logger.Named("discovery"))
		if err != nil {
			a.logger.Warn("mDNS advertisement unavailable", zap.Error(err))
		} else {
			a.advert = advert
		}
	}

	a.logger.Info("collabx gateway listening",
		zap.String("addr", listener.Addr().String()),
		zap.Bool("audit", a.audit != nil),
		zap.Bool("discovery", a.advert != nil))
	return nil
}

// Wait blocks until the HTTP server stops, returning its error if it failed.
func (a *Application) Wait() error {
	a.mu.Lock()
	ch := a.serveErr
	a.mu.Unlock()
	if ch == nil {
		return nil
	}
	return <-ch
}

// Stop shuts components down in reverse dependency order. Open WebSocket
// connections receive a normal close frame.
func (a *Application) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.logger.Info("Shutting down collabx gateway")

	a.advert.Shutdown()
	a.advert = nil

	var errs []error
	if a.cancel != nil {
		if err := a.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("HTTP server shutdown: %w", err))
		}
	}

	a.registry.CloseAll()

	if err := a.eventHub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		errs = append(errs, fmt.Errorf("event hub shutdown: %w", err))
	}
	if a.cancel != nil {
		a.cancel()
	}

	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer shutdown: %w", err))
		}
		a.tracer = nil
	}
	if err := a.closeAudit(); err != nil {
		errs = append(errs, fmt.Errorf("audit store shutdown: %w", err))
	}

	a.logger.Info("collabx gateway shutdown complete")
	return errors.Join(errs...)
}

func (a *Application) closeAudit() error {
	if a.audit == nil {
		return nil
	}
	return a.audit.Close()
}

// GetAddr returns the bound address once started, else the configured one.
func (a *Application) GetAddr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return a.httpServer.Addr
}

// Handler returns the root HTTP handler.
func (a *Application) Handler() http.Handler { return a.apiServer }

// Sessions exposes the session registry for inspection.
func (a *Application) Sessions() *session.Registry { return a.sessions }

// AuditStore returns the audit store, or nil when auditing is disabled.
func (a *Application) AuditStore() interfaces.AuditStore {
	if a.audit == nil {
		return nil
	}
	return a.audit
}
