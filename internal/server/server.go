// Package server sets up the HTTP server with all routes.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/chaintrace/internal/config"
	"github.com/mbd888/chaintrace/internal/escrow"
	"github.com/mbd888/chaintrace/internal/health"
	"github.com/mbd888/chaintrace/internal/idgen"
	"github.com/mbd888/chaintrace/internal/ledger"
	"github.com/mbd888/chaintrace/internal/logging"
	"github.com/mbd888/chaintrace/internal/metrics"
	"github.com/mbd888/chaintrace/internal/ratelimit"
	"github.com/mbd888/chaintrace/internal/realtime"
	"github.com/mbd888/chaintrace/internal/security"
	"github.com/mbd888/chaintrace/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies.
type Server struct {
	cfg          *config.Config
	ledger       *ledger.Ledger
	ledgerStore  ledger.Store
	escrowMgr    *escrow.Manager
	ethClient    escrow.EthClient
	provider     escrow.Provider
	realtimeHub  *realtime.Hub
	rateLimiter  *ratelimit.Limiter
	healthReg    *health.Registry
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithLedgerStore sets a custom ledger store (for testing).
func WithLedgerStore(store ledger.Store) Option {
	return func(s *Server) {
		s.ledgerStore = store
	}
}

// WithEthClient sets a custom Ethereum client (for testing).
func WithEthClient(client escrow.EthClient) Option {
	return func(s *Server) {
		s.ethClient = client
	}
}

// WithProvider sets a custom wallet provider (for testing).
func WithProvider(p escrow.Provider) Option {
	return func(s *Server) {
		s.provider = p
	}
}

// New creates a new server instance.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set store/client/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Realtime hub feeds both the ledger and escrow fanout
	s.realtimeHub = realtime.NewHub(s.logger)

	// Ledger with in-memory storage
	if s.ledgerStore == nil {
		s.ledgerStore = ledger.NewMemoryStore()
	}
	s.ledger = ledger.New(s.ledgerStore).WithEvents(s.realtimeHub)

	// Escrow sessions, only when a contract and signer are configured
	if cfg.EscrowEnabled() {
		if err := s.setupEscrow(); err != nil {
			return nil, err
		}
	} else {
		s.logger.Info("escrow disabled: no contract address or private key configured")
	}

	s.setupHealth()

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

func (s *Server) setupEscrow() error {
	if s.ethClient == nil {
		client, err := ethclient.Dial(s.cfg.RPCURL)
		if err != nil {
			return fmt.Errorf("failed to connect to RPC %s: %w", s.cfg.RPCURL, err)
		}
		s.ethClient = client
	}

	if s.provider == nil {
		provider, err := escrow.NewKeyProvider(s.cfg.PrivateKey, big.NewInt(s.cfg.ChainID))
		if err != nil {
			return err
		}
		s.provider = provider
	}

	mgr, err := escrow.NewManager(escrow.ManagerConfig{
		Client:              s.ethClient,
		Provider:            s.provider,
		ContractAddress:     s.cfg.EscrowContract,
		ChainID:             s.cfg.ChainID,
		ConfirmationTimeout: s.cfg.ConfirmationTimeout,
		Logger:              s.logger,
		Emitter:             s.realtimeHub,
	})
	if err != nil {
		return err
	}
	s.escrowMgr = mgr
	return nil
}

func (s *Server) setupHealth() {
	s.healthReg = health.NewRegistry()

	s.healthReg.Register("ledger", func(ctx context.Context) health.Status {
		if _, err := s.ledger.Length(ctx); err != nil {
			return health.Fail("ledger", err.Error())
		}
		return health.OK("ledger")
	})

	if s.escrowMgr != nil {
		s.healthReg.Register("rpc", func(ctx context.Context) health.Status {
			ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			if _, err := s.ethClient.ChainID(ctx); err != nil {
				return health.Fail("rpc", err.Error())
			}
			return health.OK("rpc")
		})
	}
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
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

	// CORS
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	limiterCfg := ratelimit.DefaultConfig()
	limiterCfg.RequestsPerMinute = s.cfg.RateLimitRPM
	s.rateLimiter = ratelimit.New(limiterCfg)
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
			requestID = idgen.Hex(8)
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

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
	// Health checks
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)

	// Prometheus metrics
	s.router.GET("/metrics", metrics.Handler())

	// Ledger: the flat demo surface at the root
	ledger.NewHandler(s.ledger).RegisterRoutes(s.router)

	// Escrow sessions
	escrowGroup := s.router.Group("/v1/escrow")
	if s.escrowMgr != nil {
		escrow.NewHandler(s.escrowMgr).RegisterRoutes(escrowGroup)
	} else {
		escrowGroup.Any("/*path", func(c *gin.Context) {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":   "escrow_disabled",
				"message": "escrow contract is not configured",
			})
		})
	}

	// WebSocket streaming
	s.router.GET("/ws", gin.WrapF(s.realtimeHub.HandleWebSocket))
	s.router.GET("/ws/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.realtimeHub.Stats())
	})
}

// healthHandler keeps the original flat shape clients poll for liveness.
func (s *Server) healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}

	ready, statuses := s.healthReg.CheckAll(c.Request.Context())
	checks := gin.H{}
	for _, st := range statuses {
		checks[st.Name] = st
	}

	code := http.StatusOK
	status := "ready"
	if !ready {
		code = http.StatusServiceUnavailable
		status = "degraded"
	}
	c.JSON(code, gin.H{"status": status, "checks": checks})
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them.
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
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"escrow_enabled", s.escrowMgr != nil,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

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

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for background goroutines (hub)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	if s.escrowMgr != nil {
		s.escrowMgr.Close()
		s.logger.Info("escrow sessions closed")
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	if s.ethClient != nil {
		s.ethClient.Close()
	}

	s.logger.Info("shutdown complete")
	return nil
}
