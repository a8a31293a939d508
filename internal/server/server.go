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
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/recurring/internal/circuitbreaker"
	"github.com/mbd888/recurring/internal/config"
	"github.com/mbd888/recurring/internal/fees"
	"github.com/mbd888/recurring/internal/health"
	"github.com/mbd888/recurring/internal/idgen"
	"github.com/mbd888/recurring/internal/keeper"
	"github.com/mbd888/recurring/internal/ledger"
	"github.com/mbd888/recurring/internal/logging"
	"github.com/mbd888/recurring/internal/metrics"
	"github.com/mbd888/recurring/internal/ratelimit"
	"github.com/mbd888/recurring/internal/realtime"
	"github.com/mbd888/recurring/internal/security"
	"github.com/mbd888/recurring/internal/validation"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	store       ledger.Store
	engine      *ledger.Engine
	realtimeHub *realtime.Hub
	keeper      *keeper.Keeper
	health      *health.Registry
	rateLimiter *ratelimit.Limiter
	db          *sql.DB // nil if using in-memory
	router      *gin.Engine
	handler     http.Handler // router behind CORS
	httpSrv     *http.Server
	logger      *slog.Logger
	clock       func() time.Time
	drain       time.Duration

	// cancels background goroutines started in Run
	cancelRunCtx context.CancelFunc

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

// WithStore sets the ledger store, bypassing DATABASE_URL (for testing)
func WithStore(store ledger.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// WithClock overrides the engine and keeper clock (for testing)
func WithClock(clock func() time.Time) Option {
	return func(s *Server) {
		s.clock = clock
	}
}

// WithShutdownDrain sets how long Shutdown waits for load balancers to stop
// sending traffic before closing listeners.
func WithShutdownDrain(d time.Duration) Option {
	return func(s *Server) {
		s.drain = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		health: health.NewRegistry(),
		drain:  5 * time.Second,
	}

	// Apply options first (may set store/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	switch {
	case s.store != nil:
	case cfg.DatabaseURL != "":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = db.PingContext(ctx)
		cancel()
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.store = ledger.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	default:
		s.store = ledger.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Ledger engine: events go to the log and to WebSocket subscribers
	s.realtimeHub = realtime.NewHub(s.logger, cfg.CORSOrigins...)

	policy := fees.DefaultTierPolicy()
	policy.Decay = fees.DecayMode(strings.ToLower(cfg.TierDecay))

	s.engine = ledger.NewEngine(s.store).
		WithLogger(s.logger).
		WithTierPolicy(policy).
		WithEventSink(ledger.MultiSink{
			ledger.LogSink{Logger: s.logger},
			s.realtimeHub,
		})
	if cfg.SharedDelegate {
		s.engine = s.engine.WithSharedDelegate()
	}
	if s.clock != nil {
		s.engine = s.engine.WithClock(s.clock)
	}

	// Renewal keeper
	if cfg.KeeperEnabled {
		executor, account := cfg.KeeperIdentity()
		breaker := circuitbreaker.New(cfg.KeeperBreakerThreshold, cfg.KeeperBreakerCooldown)
		s.keeper = keeper.New(s.engine, executor, account, s.logger).
			WithInterval(cfg.KeeperInterval).
			WithBatchSize(cfg.KeeperBatchSize).
			WithWorkers(cfg.KeeperWorkers).
			WithBreaker(breaker)
		if s.clock != nil {
			breaker.WithClock(s.clock)
			s.keeper = s.keeper.WithClock(s.clock)
		}
		s.logger.Info("renewal keeper enabled",
			"executor", executor.Hex(),
			"account", account.Hex(),
			"interval", cfg.KeeperInterval.String(),
		)
	}

	// Health checks
	s.health.Register("store", health.Ping("store", s.store.Ping))
	if s.keeper != nil {
		s.health.Register("keeper", health.Flag("keeper", s.keeperUp, "keeper loop not running"))
	}

	// Setup router
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()
	s.handler = security.CORS(cfg.CORSOrigins).Handler(s.router)

	s.healthy.Store(true)

	return s, nil
}

// keeperUp is healthy until Run has started the keeper, then tracks its loop.
func (s *Server) keeperUp() bool {
	if !s.ready.Load() {
		return true
	}
	return s.keeper.Running()
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
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// Request size limit
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting, per signer when one is presented
	rl := ratelimit.DefaultConfig()
	rl.RequestsPerMinute = s.cfg.RateLimitRPM
	rl.KeyHeader = ledger.SignerHeader
	s.rateLimiter = ratelimit.New(rl)
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = idgen.RequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		if signer := c.GetHeader(ledger.SignerHeader); validation.IsValidAddress(signer) {
			ctx = logging.WithSigner(ctx, validation.NormalizeAddress(signer))
		}
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Debug("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health and metrics
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Event stream
	s.router.GET("/ws", gin.WrapF(s.realtimeHub.HandleWebSocket))

	// Ledger API
	ledgerHandler := ledger.NewHandler(s.engine, s.logger)
	if s.cfg.IsDevelopment() {
		ledgerHandler.WithDeposits()
		s.logger.Warn("development deposit endpoint enabled")
	}

	v1 := s.router.Group("/v1")
	ledgerHandler.RegisterRoutes(v1)
	ledgerHandler.RegisterProtectedRoutes(v1.Group(""))

	v1.GET("/realtime/stats", s.realtimeStatsHandler)
	v1.GET("/keeper", s.keeperStatusHandler)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
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
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) realtimeStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.realtimeHub.Stats())
}

func (s *Server) keeperStatusHandler(c *gin.Context) {
	if s.keeper == nil {
		c.JSON(http.StatusOK, gin.H{"enabled": false})
		return
	}
	executor, account := s.cfg.KeeperIdentity()
	c.JSON(http.StatusOK, gin.H{
		"enabled":   true,
		"running":   s.keeper.Running(),
		"executor":  executor,
		"account":   account,
		"interval":  s.cfg.KeeperInterval.String(),
		"batchSize": s.cfg.KeeperBatchSize,
		"workers":   s.cfg.KeeperWorkers,
		"breaker": gin.H{
			"threshold": s.cfg.KeeperBreakerThreshold,
			"cooldown":  s.cfg.KeeperBreakerCooldown.String(),
		},
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.handler,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start renewal keeper
	if s.keeper != nil {
		go s.keeper.Start(runCtx)
	}

	// Export connection pool stats
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
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

	// Stop the keeper first so no renewal starts while listeners close
	if s.keeper != nil {
		s.keeper.Stop()
		s.logger.Info("keeper stopped")
	}

	// Cancel the context for all background goroutines (hub, keeper, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drain)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Close database connection pool
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

// Handler returns the full HTTP handler, CORS included.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Engine returns the ledger engine.
func (s *Server) Engine() *ledger.Engine {
	return s.engine
}
