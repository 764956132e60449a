// Package server sets up the HTTP server with all routes
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
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/replypay/replypay/internal/circuitbreaker"
	"github.com/replypay/replypay/internal/config"
	"github.com/replypay/replypay/internal/distribution"
	"github.com/replypay/replypay/internal/escrow"
	"github.com/replypay/replypay/internal/health"
	"github.com/replypay/replypay/internal/logging"
	"github.com/replypay/replypay/internal/metrics"
	"github.com/replypay/replypay/internal/notify"
	"github.com/replypay/replypay/internal/payment"
	"github.com/replypay/replypay/internal/ratelimit"
	"github.com/replypay/replypay/internal/realtime"
	"github.com/replypay/replypay/internal/reconcile"
	"github.com/replypay/replypay/internal/security"
	"github.com/replypay/replypay/internal/timeout"
	"github.com/replypay/replypay/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg       *config.Config
	store     escrow.Store
	responses escrow.ResponseReader
	// responseRecorder stands in for the response-detection collaborator in
	// demo mode; nil when Postgres is configured and that system owns the table.
	responseRecorder *escrow.MemoryResponseStore
	gateway          payment.Gateway
	directory        payment.Directory
	escrowSvc        *escrow.Service
	engine           *distribution.Engine
	retrySched       *distribution.Scheduler
	timeoutScanner   *timeout.Scanner
	reconciler       *reconcile.Scanner
	reporter         *escrow.Reporter
	hub              *realtime.Hub
	healthReg        *health.Registry
	rateLimiter      *ratelimit.Limiter
	db               *sql.DB // nil if using in-memory
	router           *gin.Engine
	httpSrv          *http.Server
	logger           *slog.Logger
	cancelRunCtx     context.CancelFunc // cancels background goroutines started in Run

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

// WithGateway sets a custom payment gateway (for testing)
func WithGateway(g payment.Gateway, d payment.Directory) Option {
	return func(s *Server) {
		s.gateway = g
		s.directory = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}

	// Apply options first (may set gateway/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.store = escrow.NewPostgresStore(db)
		s.responses = escrow.NewPostgresResponseReader(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.store = escrow.NewMemoryStore()
		recorder := escrow.NewMemoryResponseStore()
		s.responses = recorder
		s.responseRecorder = recorder
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Payment processor (Stripe if key set, otherwise in-memory demo gateway)
	if s.gateway == nil {
		if cfg.StripeSecretKey != "" {
			s.gateway = payment.NewStripeGateway(cfg.StripeSecretKey, cfg.GatewayTimeout)
			s.directory = payment.NewStripeDirectory(cfg.StripeSecretKey, cfg.GatewayTimeout)
			s.logger.Info("stripe gateway enabled")
		} else {
			gw := payment.NewMemoryGateway()
			s.gateway = gw
			s.directory = payment.NewMemoryDirectory()
			s.logger.Info("using in-memory payment gateway (demo mode)")
		}
	}

	// Fail fast during outages instead of stacking timeouts per sweep item
	s.gateway = payment.NewBreakerGateway(s.gateway, circuitbreaker.New(5, 30*time.Second))

	// Realtime hub for WebSocket streaming
	s.hub = realtime.NewHub(s.logger)

	// Notifications: external webhook plus the realtime feed
	notifier := s.buildNotifier()

	s.escrowSvc = escrow.NewService(s.store, s.gateway, cfg.ResponseDeadline)
	s.engine = distribution.NewEngine(s.store, s.gateway, s.directory, notifier, cfg.PayeeShareBps, s.logger)
	s.retrySched = distribution.NewScheduler(s.engine, s.store, cfg.RetryBatchSize, cfg.RetryPause, cfg.RetryInterval, s.logger)
	s.timeoutScanner = timeout.NewScanner(s.store, s.responses, s.gateway,
		func(ctx context.Context, txnID string) error {
			_, err := s.engine.Distribute(ctx, txnID)
			return err
		},
		notifier,
		timeout.Config{
			GracePeriod: cfg.GracePeriod,
			OverdueSkip: cfg.OverdueSkip,
			Interval:    cfg.TimeoutInterval,
		},
		s.logger,
	)
	s.reconciler = reconcile.NewScanner(s.store, s.gateway, cfg.ReconcileInterval, s.logger)
	s.reporter = escrow.NewReporter(s.store, escrow.ReporterConfig{
		NearTimeoutWindow:     cfg.NearTimeoutWindow,
		NearTimeoutWarnCount:  cfg.NearTimeoutWarnCount,
		PendingSetupWarnMinor: cfg.PendingSetupWarnMinor,
	})

	// Health checkers for the sweep loops and database
	s.healthReg = health.NewRegistry()
	if s.db != nil {
		s.healthReg.Register("database", health.DBChecker(s.db))
	}
	s.healthReg.Register("timeout_sweep", health.LoopChecker("timeout_sweep", s.timeoutScanner.Running))
	s.healthReg.Register("retry_sweep", health.LoopChecker("retry_sweep", s.retrySched.Running))
	s.healthReg.Register("reconcile_sweep", health.LoopChecker("reconcile_sweep", s.reconciler.Running))

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// buildNotifier wires the notification fanout: the external collaborator
// webhook (if configured and safe to call) plus the realtime event feed.
func (s *Server) buildNotifier() notify.Notifier {
	fanout := notify.Fanout{&hubNotifier{hub: s.hub}}

	if s.cfg.NotifyWebhookURL != "" {
		if err := security.ValidateEndpointURL(s.cfg.NotifyWebhookURL); err != nil && s.cfg.IsProduction() {
			s.logger.Error("notification webhook URL rejected", "error", err)
		} else {
			fanout = append(fanout, notify.NewWebhookNotifier(s.cfg.NotifyWebhookURL, s.logger))
			s.logger.Info("notification webhook enabled")
		}
	}

	return fanout
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

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
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
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time lifecycle events
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")
	// Validate :id URL params on all v1 routes (no-op when param absent)
	v1.Use(validation.TransactionIDParamMiddleware())

	// Checkout entry point: authorize and hold funds for a paid message
	v1.POST("/transactions", s.createTransaction)
	v1.GET("/transactions/:id", s.getTransaction)
	v1.GET("/messages/:messageId/transaction", s.getTransactionByMessage)

	// Response-detection trigger: settle the transaction for a message
	v1.POST("/responses", s.responseReceived)

	// Re-invoke distribution for one transaction (e.g. payout setup completed)
	v1.POST("/transactions/:id/distribute", s.distributeTransaction)

	// Operational surface
	v1.GET("/escrow/report", s.escrowReport)
	v1.POST("/admin/sweeps/retry", s.runRetrySweep)
	v1.POST("/admin/sweeps/reconcile", s.runReconcileSweep)
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
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.hub.Run(runCtx)

	// Start the three sweep loops
	go s.timeoutScanner.Start(runCtx)
	go s.retrySched.Start(runCtx)
	go s.reconciler.Start(runCtx)

	// Export database pool stats
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

	// Cancel the context for all background goroutines (hub, sweeps)
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

	// Stop sweep loops
	s.timeoutScanner.Stop()
	s.retrySched.Stop()
	s.reconciler.Stop()
	s.logger.Info("sweep loops stopped")

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

// hubNotifier publishes lifecycle notifications to the WebSocket feed.
type hubNotifier struct {
	hub *realtime.Hub
}

func (n *hubNotifier) NotifyRefund(txnID string, amountMinor int64, reason string) {
	n.hub.Broadcast(string(notify.EventRefunded), map[string]string{
		"transactionId": txnID,
		"amountMinor":   fmt.Sprintf("%d", amountMinor),
		"reason":        reason,
	})
}

func (n *hubNotifier) NotifyPayoutSetupPending(txnID, recipientID string, amountMinor int64) {
	n.hub.Broadcast(string(notify.EventPayoutSetupPending), map[string]string{
		"transactionId": txnID,
		"recipientId":   recipientID,
		"amountMinor":   fmt.Sprintf("%d", amountMinor),
	})
}

func (n *hubNotifier) NotifyTransferSucceeded(txnID, recipientID string, payeeMinor int64) {
	n.hub.Broadcast(string(notify.EventTransferSucceeded), map[string]string{
		"transactionId": txnID,
		"recipientId":   recipientID,
		"payeeMinor":    fmt.Sprintf("%d", payeeMinor),
	})
}

var _ notify.Notifier = (*hubNotifier)(nil)
