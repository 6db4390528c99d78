// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/mediation/internal/auth"
	"github.com/mbd888/mediation/internal/config"
	"github.com/mbd888/mediation/internal/conversation"
	"github.com/mbd888/mediation/internal/dispute"
	"github.com/mbd888/mediation/internal/health"
	"github.com/mbd888/mediation/internal/ledger"
	"github.com/mbd888/mediation/internal/logging"
	"github.com/mbd888/mediation/internal/metrics"
	"github.com/mbd888/mediation/internal/notify"
	"github.com/mbd888/mediation/internal/orders"
	"github.com/mbd888/mediation/internal/otp"
	"github.com/mbd888/mediation/internal/participant"
	"github.com/mbd888/mediation/internal/presence"
	"github.com/mbd888/mediation/internal/ratelimit"
	"github.com/mbd888/mediation/internal/realtime"
	"github.com/mbd888/mediation/internal/refunds"
	"github.com/mbd888/mediation/internal/security"
	"github.com/mbd888/mediation/internal/traces"
)

// notifyConcurrency bounds in-flight notification deliveries.
const notifyConcurrency = 8

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg    *config.Config
	db     *sql.DB       // nil if using in-memory
	rdb    *redis.Client // nil without REDIS_URL
	logger *slog.Logger

	verifier    *auth.Verifier
	orderStore  orders.Store
	ledgerStore ledger.Store

	disputes  *dispute.Service
	presence  *presence.Tracker
	reaper    *presence.Reaper
	refunds   *refunds.Service
	otp       *otp.Service
	notifier  *notify.Emitter
	sendAPI   *notify.Client // nil when notifications are log-only
	hub       *realtime.Hub
	bridge    *realtime.Bridge
	limiter   ratelimit.Allower
	localRate *ratelimit.Limiter // set when limiter is in-process
	retryWait time.Duration
	health    *health.Registry

	router        *gin.Engine
	httpSrv       *http.Server
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
	traceShutdown func(context.Context) error
	drainDelay    time.Duration
	version       string

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithOrderStore supplies the order/profile store used in in-memory mode.
func WithOrderStore(store orders.Store) Option {
	return func(s *Server) {
		s.orderStore = store
	}
}

// WithLedgerStore supplies the balance store used in in-memory mode.
func WithLedgerStore(store ledger.Store) Option {
	return func(s *Server) {
		s.ledgerStore = store
	}
}

// WithVersion tags traces with the build version.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers to stop
// routing traffic before closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
		version:    "dev",
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	if cfg.IsProduction() && cfg.NotifyURL != "" {
		if err := security.ValidateEndpointURL(ctx, cfg.NotifyURL, true); err != nil {
			return nil, fmt.Errorf("invalid NOTIFY_URL: %w", err)
		}
	}

	shutdown, err := traces.Init(ctx, traces.Config{
		Endpoint:       cfg.OTelEndpoint,
		ServiceVersion: s.version,
		Environment:    cfg.Env,
		SampleRatio:    cfg.OTelSampleRatio,
	}, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.traceShutdown = shutdown

	if err := s.openDatabase(ctx); err != nil {
		return nil, err
	}
	if err := s.openRedis(ctx); err != nil {
		return nil, err
	}

	s.verifier = auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	s.wireServices()
	s.wireHealth()

	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// openDatabase connects to Postgres when DATABASE_URL is set. Without it the
// in-memory stores are used.
func (s *Server) openDatabase(ctx context.Context) error {
	if s.cfg.DatabaseURL == "" {
		s.logger.Info("using in-memory storage")
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(s.cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(s.cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.DBConnMaxLife)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	s.db = db
	if err := metrics.RegisterDB(db, "mediation"); err != nil {
		s.logger.Warn("db stats collector not registered", "error", err)
	}
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	return nil
}

func (s *Server) openRedis(ctx context.Context) error {
	if s.cfg.RedisURL == "" {
		return nil
	}
	opts, err := redis.ParseURL(s.cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return fmt.Errorf("failed to connect to redis: %w", err)
	}

	s.rdb = rdb
	s.logger.Info("redis enabled", "addr", opts.Addr)
	return nil
}

// wireServices builds the stores and services for the selected backends.
func (s *Server) wireServices() {
	var (
		disputeStore  dispute.Store
		presenceStore presence.Store
		refundStore   refunds.Store
		convStore     conversation.Store
		settler       refunds.Settler
	)

	if s.db != nil {
		pgOrders := orders.NewPostgresStore(s.db)
		s.orderStore = pgOrders
		s.ledgerStore = ledger.NewPostgresStore(s.db)
		disputeStore = dispute.NewPostgresStore(s.db)
		presenceStore = presence.NewPostgresStore(s.db)
		refundStore = refunds.NewPostgresStore(s.db)
		convStore = conversation.NewPostgresStore(s.db)
		settler = refunds.NewPostgresSettler(s.db)
	} else {
		if s.orderStore == nil {
			s.orderStore = orders.NewMemoryStore()
		}
		if s.ledgerStore == nil {
			s.ledgerStore = ledger.NewMemoryStore()
		}
		memRefunds := refunds.NewMemoryStore()
		disputeStore = dispute.NewMemoryStore(s.orderStore)
		presenceStore = presence.NewMemoryStore()
		refundStore = memRefunds
		convStore = conversation.NewMemoryStore()
		settler = refunds.NewSagaSettler(memRefunds, s.orderStore, s.ledgerStore, s.logger)
	}

	// Notifications: signed webhook to the sender service, or log-only.
	var sender notify.Sender
	if s.cfg.NotifyURL != "" {
		s.sendAPI = notify.NewClient(s.cfg.NotifyURL, s.cfg.NotifySecret).WithLogger(s.logger)
		sender = s.sendAPI
		s.logger.Info("notifications enabled", "endpoint", s.cfg.NotifyURL)
	} else {
		sender = notify.NewLogSender(s.logger)
	}
	s.notifier = notify.NewEmitter(sender, notifyConcurrency, s.logger)

	s.refunds = refunds.NewService(refundStore, settler, s.orderStore, s.logger).
		WithNotifier(s.notifier)

	s.disputes = dispute.NewService(disputeStore, s.orderStore, s.logger).
		WithRefunds(s.refunds).
		WithConversations(conversation.NewService(convStore)).
		WithNotifier(s.notifier)

	// Realtime: local hub, relayed through Redis when available so every
	// instance sees every event.
	s.hub = realtime.NewHub(s.disputes, s.logger).WithAllowedOrigins(s.cfg.CORSOrigins)
	if s.rdb != nil {
		s.bridge = realtime.NewBridge(s.rdb, s.hub, s.logger)
		s.hub.WithRelay(s.bridge)
	}
	s.disputes.WithEvents(s.hub)

	s.presence = presence.NewTracker(presenceStore, s.disputes, participant.NewResolver(s.orderStore), s.logger).
		WithStaleAfter(s.cfg.PresenceStaleAfter).
		WithEvents(s.hub)
	s.disputes.WithPresence(s.presence)
	s.reaper = presence.NewReaper(s.presence, presenceStore, s.logger).
		WithInterval(s.cfg.PresenceSweepInterval)

	var otpStore otp.Store
	if s.rdb != nil {
		otpStore = otp.NewRedisStore(s.rdb)
	} else {
		otpStore = otp.NewMemoryStore()
	}
	s.otp = otp.NewService(otpStore, sender, s.orderStore, s.cfg.OTPTTL, s.cfg.OTPResendCooldown, s.logger)

	rl := ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         s.cfg.RateLimitBurst,
		CleanupInterval:   time.Minute,
	}
	s.retryWait = ratelimit.RetryAfter(rl)
	if s.rdb != nil {
		s.limiter = ratelimit.NewRedisLimiter(s.rdb, rl)
	} else {
		s.localRate = ratelimit.New(rl)
		s.limiter = s.localRate
	}
}

func (s *Server) wireHealth() {
	s.health = health.NewRegistry()
	if s.db != nil {
		s.health.Register("postgres", health.DB(s.db))
	}
	if s.rdb != nil {
		s.health.Register("redis", health.Redis(s.rdb))
	}
	s.health.Register("presence_reaper", health.Flag(s.reaper.Running))
	if s.sendAPI != nil {
		s.health.RegisterOptional("notify", s.sendAPI.Check)
	}
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.health.Handler())
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	api := s.router.Group("/api")
	api.Use(auth.Middleware(s.verifier, false))
	api.Use(ratelimit.Middleware(s.limiter, s.retryWait, s.logger))
	api.Use(auth.RequireAuth())

	dispute.NewHandler(s.disputes, s.logger).WithPresence(s.presence).RegisterProtectedRoutes(api)
	presence.NewHandler(s.presence, s.logger).RegisterProtectedRoutes(api)
	refunds.NewHandler(s.refunds, s.logger).RegisterProtectedRoutes(api)
	otp.NewHandler(s.otp, s.logger).RegisterProtectedRoutes(api)
	ledger.NewHandler(ledger.New(s.ledgerStore), s.logger).RegisterProtectedRoutes(api)

	// Browsers cannot set headers on a WebSocket upgrade, so /ws also
	// accepts ?access_token=.
	ws := s.router.Group("")
	ws.Use(auth.Middleware(s.verifier, true))
	ws.Use(auth.RequireAuth())
	s.hub.RegisterProtectedRoutes(ws)
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	s.health.Handler()(c)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// startBackground launches the hub, bridge and reaper.
func (s *Server) startBackground(ctx context.Context) {
	go s.hub.Run(ctx)
	if s.bridge != nil {
		go s.bridge.Run(ctx)
	}
	go s.reaper.Start(ctx)
}

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.startBackground(runCtx)
	s.ready.Store(true)
	s.logger.Info("server ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		cancel()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.drainDelay > 0 {
		time.Sleep(s.drainDelay)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// Cancel the context for background goroutines (hub, bridge, reaper).
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.reaper.Stop()

	if s.localRate != nil {
		s.localRate.Stop()
	}

	// Let queued notifications finish before closing the stores they read.
	s.notifier.Wait()

	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Warn("trace shutdown error", "error", err)
		}
	}

	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
