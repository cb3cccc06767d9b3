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

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/pressly/goose/v3"

	"github.com/mbd888/dimm/internal/agent"
	"github.com/mbd888/dimm/internal/circuitbreaker"
	"github.com/mbd888/dimm/internal/config"
	"github.com/mbd888/dimm/internal/health"
	"github.com/mbd888/dimm/internal/ledger"
	"github.com/mbd888/dimm/internal/logging"
	"github.com/mbd888/dimm/internal/metrics"
	"github.com/mbd888/dimm/internal/ratelimit"
	"github.com/mbd888/dimm/internal/realtime"
	"github.com/mbd888/dimm/internal/registry"
	"github.com/mbd888/dimm/internal/retry"
	"github.com/mbd888/dimm/internal/security"
	"github.com/mbd888/dimm/internal/traces"
	"github.com/mbd888/dimm/internal/treasury"
	"github.com/mbd888/dimm/internal/validation"
	"github.com/mbd888/dimm/internal/vault"
	"github.com/mbd888/dimm/internal/webhooks"
	"github.com/mbd888/dimm/migrations"
)

const metricsInterval = 15 * time.Second

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	version     string
	db          *sql.DB // nil if using in-memory
	vault       *vault.Service
	ledger      *ledger.Ledger
	realtimeHub *realtime.Hub
	webhooks    *webhooks.Dispatcher
	hookStore   webhooks.Store
	breaker     *circuitbreaker.Breaker
	rateLimiter *ratelimit.HTTPLimiter
	health      *health.Registry
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger

	stopTracing  func(context.Context) error
	cancelRunCtx context.CancelFunc

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

// WithVersion sets the version reported by /health and traces.
func WithVersion(version string) Option {
	return func(s *Server) {
		s.version = version
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		version: "dev",
		logger:  logging.New(cfg.LogLevel, cfg.LogFormat),
		health:  health.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	var (
		vaultStore    vault.Store
		ledgerStore   ledger.Store
		registryStore registry.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := openDB(ctx, cfg.DatabaseURL, s.logger)
		if err != nil {
			return nil, err
		}
		if err := migrate(ctx, db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		s.db = db
		vaultStore = vault.NewPostgresStore(db)
		ledgerStore = ledger.NewPostgresStore(db)
		registryStore = registry.NewPostgresStore(db)
		s.hookStore = webhooks.NewPostgresStore(db)
		s.health.Register("database", health.DB(db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		vaultStore = vault.NewMemoryStore()
		ledgerStore = ledger.NewMemoryStore()
		registryStore = registry.NewMemoryStore()
		s.hookStore = webhooks.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	stopTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, s.version, s.logger)
	if err != nil {
		s.closeDB()
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.stopTracing = stopTracing

	s.ledger = ledger.New(ledgerStore)
	s.realtimeHub = realtime.NewHub(s.logger)
	s.webhooks = webhooks.NewDispatcher(s.hookStore, s.agentOwner, s.logger)

	s.breaker = circuitbreaker.New(cfg.BreakerThreshold, cfg.BreakerOpenDuration)
	s.breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		s.logger.Warn("settlement circuit changed", "destination", key, "from", from.String(), "to", to.String())
	})
	s.health.Register("settlement", s.settlementCheck)

	vcfg := vault.DefaultConfig()
	vcfg.Reserve = cfg.MinAgentBalance
	vcfg.MaxAgentsPerOwner = cfg.MaxAgentsPerOwner
	vcfg.RateLimits = cfg.AgentRateLimits()
	vcfg.Treasury = &treasury.Treasury{
		Authority: cfg.ProtocolAuthority,
		FeeBps:    cfg.FeeBps,
		MinFee:    cfg.MinFee,
	}
	vcfg.Emergency = &vault.Emergency{
		Authority: cfg.ProtocolAuthority,
		Contacts:  cfg.EmergencyContacts,
	}

	s.vault = vault.NewService(vaultStore, registry.New(registryStore), s.ledger, vcfg).
		WithExecutor(vault.BreakerExecutor{
			Next:    vault.BankExecutor{Bank: s.ledger},
			Breaker: s.breaker,
		}).
		WithEmitter(vault.MultiEmitter{s.realtimeHub, s.webhooks}).
		WithLogger(s.logger)
	if err := s.vault.Init(ctx); err != nil {
		s.closeDB()
		return nil, fmt.Errorf("failed to initialize protocol state: %w", err)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// openDB connects with backoff so the server can start alongside its
// database.
func openDB(ctx context.Context, dsn string, logger *slog.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	attempt := 0
	err = retry.Do(ctx, retry.DefaultPolicy(), func(ctx context.Context) error {
		attempt++
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			logger.Warn("database not reachable", "attempt", attempt, "error", err)
			return err
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	provider, err := goose.NewProvider(goose.DialectPostgres, db, migrations.FS)
	if err != nil {
		return err
	}
	_, err = provider.Up(ctx)
	return err
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

func (s *Server) setupMiddleware() {
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

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSAllowedOrigins, vault.CallerHeader))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	limits := ratelimit.DefaultHTTPConfig()
	if s.cfg.HTTPRateLimitRPM > 0 {
		limits.RequestsPerMinute = s.cfg.HTTPRateLimitRPM
	}
	s.rateLimiter = ratelimit.NewHTTPLimiter(limits)
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(logging.Middleware(s.logger))
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.health.Handler(s.version))
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/ws", gin.WrapF(s.realtimeHub.HandleWebSocket))

	v1 := s.router.Group("/v1")
	v1.GET("/info", s.infoHandler)

	handler := vault.NewHandler(s.vault)
	handler.RegisterRoutes(v1)
	handler.RegisterProtectedRoutes(v1.Group(""))
	webhooks.NewHandler(s.hookStore).RegisterRoutes(v1.Group("", vault.RequireCaller()))

	balances := newBalanceHandler(s.ledger)
	v1.GET("/balances/:address", validation.AddressParamMiddleware(), balances.GetBalance)
	if s.cfg.IsDevelopment() {
		// Development stands in for an external deposit source.
		v1.POST("/dev/deposits", vault.RequireCaller(), balances.Deposit)
	}
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

func (s *Server) infoHandler(c *gin.Context) {
	t, err := s.vault.Treasury(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("info: treasury lookup failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"name":            "dimm",
		"version":         s.version,
		"env":             s.cfg.Env,
		"feeBps":          t.FeeBps,
		"minFee":          fmt.Sprint(t.MinFee),
		"minAgentBalance": fmt.Sprint(s.cfg.MinAgentBalance),
		"callerHeader":    vault.CallerHeader,
		"realtime":        s.realtimeHub.Stats(),
	})
}

// settlementCheck fails while the burn circuit is open, the path every
// destination-less spend takes.
func (s *Server) settlementCheck(context.Context) error {
	if s.breaker.State("burn") == circuitbreaker.StateOpen {
		return errors.New("settlement circuit open")
	}
	return nil
}

// agentOwner resolves webhook recipients for agent events. It is only
// called once the service exists.
func (s *Server) agentOwner(ctx context.Context, addr common.Address) (common.Address, bool, error) {
	acct, err := s.vault.GetAgent(ctx, addr)
	if errors.Is(err, agent.ErrAgentNotFound) {
		return common.Address{}, false, nil
	}
	if err != nil {
		return common.Address{}, false, err
	}
	return acct.Owner, true, nil
}

// sampleProtocol feeds the protocol gauges.
func (s *Server) sampleProtocol(ctx context.Context) (uint64, bool, error) {
	t, err := s.vault.Treasury(ctx)
	if err != nil {
		return 0, false, err
	}
	e, err := s.vault.Emergency(ctx)
	if err != nil {
		return 0, false, err
	}
	return t.ActiveAgents, e.Paused, nil
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
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
			"authority", s.cfg.ProtocolAuthority.Hex(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go s.webhooks.Run(runCtx)
	go metrics.StartCollector(runCtx, metricsInterval, s.db, s.sampleProtocol)

	s.ready.Store(true)
	s.logger.Info("server ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		s.cleanup()
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

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.cleanup()
	if err := s.stopTracing(ctx); err != nil {
		s.logger.Error("tracing shutdown error", "error", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// cleanup stops background work and releases the database.
func (s *Server) cleanup() {
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	s.closeDB()
}

func (s *Server) closeDB() {
	if s.db == nil {
		return
	}
	if err := s.db.Close(); err != nil {
		s.logger.Error("database close error", "error", err)
	} else {
		s.logger.Info("database connection closed")
	}
	s.db = nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
