// Package server wires the escrow broker together and runs its HTTP surface.
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
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
	_ "github.com/lib/pq"

	"github.com/mesobpay/escrowd/internal/auth"
	"github.com/mesobpay/escrowd/internal/config"
	"github.com/mesobpay/escrowd/internal/escrow"
	"github.com/mesobpay/escrowd/internal/gateway"
	"github.com/mesobpay/escrowd/internal/health"
	"github.com/mesobpay/escrowd/internal/logging"
	"github.com/mesobpay/escrowd/internal/metrics"
	"github.com/mesobpay/escrowd/internal/notify"
	"github.com/mesobpay/escrowd/internal/ratelimit"
	"github.com/mesobpay/escrowd/internal/realtime"
	"github.com/mesobpay/escrowd/internal/reconcile"
	"github.com/mesobpay/escrowd/internal/security"
	"github.com/mesobpay/escrowd/internal/syncutil"
	"github.com/mesobpay/escrowd/internal/traces"
	"github.com/mesobpay/escrowd/internal/transaction"
	"github.com/mesobpay/escrowd/internal/validation"
)

// Server is the escrow broker HTTP server
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	store    transaction.Store
	db       *sql.DB // nil when running on the in-memory store
	adapters *gateway.Set

	engine    *reconcile.Engine
	escrowSvc *escrow.Service
	authMgr   *auth.Manager
	notifier  notify.Notifier
	hub       *realtime.Hub
	checks    *health.Registry

	rateLimiter *ratelimit.Limiter
	router      *gin.Engine
	httpSrv     *http.Server

	cancelRunCtx   context.CancelFunc
	shutdownTraces func(context.Context) error

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

// WithStore overrides the transaction store, mainly for tests.
func WithStore(store transaction.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// New creates a fully wired server from configuration.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: slog.Default(),
		checks: health.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.healthy.Store(true)

	var keyStore auth.KeyStore

	// Persistent store when DATABASE_URL is set, in-memory otherwise.
	if s.store == nil {
		if cfg.DatabaseURL != "" {
			db, err := sql.Open("postgres", cfg.DatabaseURL)
			if err != nil {
				return nil, fmt.Errorf("open database: %w", err)
			}
			db.SetMaxOpenConns(25)
			db.SetMaxIdleConns(5)
			db.SetConnMaxLifetime(5 * time.Minute)

			pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := db.PingContext(pingCtx); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("ping database: %w", err)
			}

			s.db = db
			s.store = transaction.NewPostgresStore(db)
			keyStore = auth.NewPostgresKeyStore(db)
			s.logger.Info("using postgres store", "dsn", maskDSN(cfg.DatabaseURL))
		} else {
			s.store = transaction.NewMemoryStore()
			s.logger.Warn("DATABASE_URL not set, using in-memory store (data is lost on restart)")
		}
	}
	if keyStore == nil {
		keyStore = auth.NewMemoryKeyStore()
	}

	s.checks.Register("store", s.storeChecker())

	// Admin credentials
	s.authMgr = auth.NewManager(keyStore)
	if cfg.AdminSecret != "" {
		if err := s.authMgr.Bootstrap(context.Background(), cfg.AdminSecret, "root"); err != nil {
			return nil, fmt.Errorf("bootstrap admin key: %w", err)
		}
	}

	// Payment gateway adapters
	s.adapters = buildAdapters(cfg)
	if len(s.adapters.Names()) == 0 {
		s.logger.Warn("no payment gateways configured, payment initiation will fail")
	}
	s.logger.Info("gateways configured", "providers", strings.Join(s.adapters.Names(), ","))

	// Notifications
	if cfg.NotifyURL != "" {
		if err := security.ValidateEndpointURL(cfg.NotifyURL); err != nil {
			return nil, fmt.Errorf("NOTIFY_URL rejected: %w", err)
		}
		s.notifier = notify.NewDispatcher(cfg.NotifyURL, cfg.NotifySecret,
			time.Duration(cfg.GatewayTimeout)*time.Second)
	} else {
		s.notifier = notify.Nop{}
	}

	// One keyed mutex shared by every writer of transaction state.
	locks := syncutil.NewKeyedMutex()

	s.engine = reconcile.NewEngine(s.store, s.adapters, locks, reconcile.Config{
		AutoReleaseDays: cfg.AutoReleaseDays,
	})
	s.escrowSvc = escrow.NewService(s.store, s.adapters, s.authMgr, s.notifier, locks, escrow.Config{
		CommissionRateBps: cfg.CommissionRateBps,
	})

	// Realtime hub observes transitions from both write paths.
	s.hub = realtime.NewHub(s.logger)
	s.engine.AddListener(s.hub)
	s.escrowSvc.AddListener(s.hub)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

// buildAdapters registers every gateway that has credentials configured.
func buildAdapters(cfg *config.Config) *gateway.Set {
	set := gateway.NewSet()
	timeout := time.Duration(cfg.GatewayTimeout) * time.Second

	if cfg.TelebirrAppKey != "" {
		set.Register(transaction.MethodTelebirr, gateway.NewTelebirr(gateway.TelebirrConfig{
			BaseURL: cfg.TelebirrBaseURL,
			AppKey:  cfg.TelebirrAppKey,
			Secret:  cfg.TelebirrSecret,
			Timeout: timeout,
		}))
	}
	if cfg.StripeAPIKey != "" {
		set.Register(transaction.MethodStripe, gateway.NewStripe(gateway.StripeConfig{
			APIKey:        cfg.StripeAPIKey,
			WebhookSecret: cfg.StripeWebhookSecret,
			Timeout:       timeout,
		}))
	}
	if cfg.CBEBirrMerchant != "" {
		set.Register(transaction.MethodCBEBirr, gateway.NewCBEBirr(gateway.CBEBirrConfig{
			BaseURL:    cfg.CBEBirrBaseURL,
			MerchantID: cfg.CBEBirrMerchant,
			Secret:     cfg.CBEBirrSecret,
			Timeout:    timeout,
		}))
	}
	return set
}

// maskDSN hides credentials in a connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "<unparseable>"
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	return u.Redacted()
}

func (s *Server) storeChecker() health.Checker {
	return func(ctx context.Context) health.Status {
		if s.db == nil {
			return health.Status{Name: "store", Healthy: true, Detail: "in-memory"}
		}
		if err := s.db.PingContext(ctx); err != nil {
			return health.Status{Name: "store", Healthy: false, Detail: err.Error()}
		}
		return health.Status{Name: "store", Healthy: true, Detail: "postgres"}
	}
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

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerSecond: s.cfg.RateLimitRPS,
		BurstSize:         s.cfg.RateLimitRPS / 2,
		CleanupInterval:   time.Minute,
	})
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
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
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
			logger.Info("request completed",
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
	escrowHandler := escrow.NewHandler(s.escrowSvc)
	reconcileHandler := reconcile.NewHandler(s.engine, s.adapters)

	// Health and observability
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Realtime transition stream
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	// Gateway callbacks live at the root: providers are configured with
	// these exact paths and never send our API version prefix.
	reconcileHandler.RegisterRoutes(s.router)

	v1 := s.router.Group("/v1")
	escrowHandler.RegisterRoutes(v1)

	admin := s.router.Group("/v1/admin")
	admin.Use(auth.RequireAdmin(s.authMgr))
	escrowHandler.RegisterAdminRoutes(admin)
	admin.POST("/transactions/:id/poll", reconcileHandler.Poll)
	admin.POST("/transactions/:id/finalize", reconcileHandler.Finalize)
	admin.GET("/ws/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.hub.Stats())
	})
}

// -----------------------------------------------------------------------------
// Health handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    statuses,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
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

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the server and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	shutdownTraces, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Error("tracing init failed, continuing without traces", "error", err)
	} else {
		s.shutdownTraces = shutdownTraces
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.hub.Run(runCtx)

	// Sample connection pool stats into Prometheus
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

	select {
	case err := <-errChan:
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

	// Cancel the context for all background goroutines (hub, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush pending trace spans
	if s.shutdownTraces != nil {
		if err := s.shutdownTraces(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
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

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
