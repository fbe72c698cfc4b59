package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	costguard "github.com/BaSui01/costguard"
	"github.com/BaSui01/costguard/api/handlers"
	"github.com/BaSui01/costguard/archive"
	"github.com/BaSui01/costguard/config"
	"github.com/BaSui01/costguard/internal/database"
	"github.com/BaSui01/costguard/internal/metrics"
	"github.com/BaSui01/costguard/internal/server"
	"github.com/BaSui01/costguard/internal/telemetry"
	guardmetrics "github.com/BaSui01/costguard/metrics"
	"github.com/BaSui01/costguard/policy"
	"github.com/BaSui01/costguard/pricing"
	"github.com/BaSui01/costguard/store"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 CostGuard sidecar 的主服务器
type Server struct {
	cfg    *config.Config
	logger *zap.Logger
	otel   *telemetry.Providers
	db     *gorm.DB

	// 核心引擎
	guard       *costguard.Guard
	budgetStore store.BudgetStore
	archiver    *archive.Archiver
	pool        *database.PoolManager

	// 服务器管理器
	httpManager *server.Manager

	// Handlers
	healthHandler *handlers.HealthHandler
	hookHandler   *handlers.HookHandler
	budgetHandler *handlers.BudgetHandler
	policyHandler *handlers.PolicyHandler

	// 指标收集器
	collector *metrics.Collector

	// Rate limiter 生命周期管理
	rateLimiterCancel context.CancelFunc
}

// NewServer 创建新的服务器实例。db 为归档数据库连接，可为 nil（禁用归档）。
func NewServer(cfg *config.Config, logger *zap.Logger, otel *telemetry.Providers, db *gorm.DB) (*Server, error) {
	return &Server{
		cfg:    cfg,
		logger: logger,
		otel:   otel,
		db:     db,
	}, nil
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有服务
func (s *Server) Start() error {
	// 1. 初始化指标收集器
	s.collector = metrics.NewCollector("costguard", s.logger)

	// 2. 初始化预算存储
	if err := s.initStore(); err != nil {
		return fmt.Errorf("failed to init budget store: %w", err)
	}

	// 3. 初始化运行归档
	if err := s.initArchiver(); err != nil {
		return fmt.Errorf("failed to init archiver: %w", err)
	}

	// 4. 初始化 Guard 引擎
	if err := s.initGuard(); err != nil {
		return fmt.Errorf("failed to init guard: %w", err)
	}

	// 5. 初始化 Handlers
	s.initHandlers()

	// 6. 启动 HTTP 服务器
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.String("policy_dir", s.cfg.Guard.PolicyDir),
		zap.Bool("redis_store", s.cfg.Redis.Enabled),
		zap.Bool("archive_enabled", s.archiver != nil),
	)

	return nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

// initStore 初始化预算存储。Redis 未启用时退回进程内存储，
// 此时预算计数不跨实例共享。
func (s *Server) initStore() error {
	if !s.cfg.Redis.Enabled {
		s.budgetStore = store.NewMemoryStore()
		s.logger.Info("Budget store initialized", zap.String("type", "memory"))
		return nil
	}

	storeCfg := store.Config{
		Type:      store.StoreTypeRedis,
		KeyPrefix: s.cfg.Redis.KeyPrefix,
		Redis: store.RedisConfig{
			Addr:         s.cfg.Redis.Addr,
			Password:     s.cfg.Redis.Password,
			DB:           s.cfg.Redis.DB,
			PoolSize:     s.cfg.Redis.PoolSize,
			MinIdleConns: s.cfg.Redis.MinIdleConns,
		},
	}

	redisStore, err := store.NewRedisStore(storeCfg, s.logger, store.WithConflictHook(func(operation string) {
		s.collector.RecordStoreConflict(operation)
	}))
	if err != nil {
		return err
	}

	s.budgetStore = redisStore
	s.logger.Info("Budget store initialized",
		zap.String("type", "redis"),
		zap.String("addr", s.cfg.Redis.Addr),
	)
	return nil
}

// initArchiver 初始化运行归档。归档未启用或数据库不可用时跳过。
func (s *Server) initArchiver() error {
	if !s.cfg.Archive.Enabled || s.db == nil {
		return nil
	}

	poolCfg := database.DefaultPoolConfig()
	if s.cfg.Database.MaxOpenConns > 0 {
		poolCfg.MaxOpenConns = s.cfg.Database.MaxOpenConns
	}
	if s.cfg.Database.MaxIdleConns > 0 {
		poolCfg.MaxIdleConns = s.cfg.Database.MaxIdleConns
	}
	if s.cfg.Database.ConnMaxLifetime > 0 {
		poolCfg.ConnMaxLifetime = s.cfg.Database.ConnMaxLifetime
	}

	pool, err := database.NewPoolManager(s.db, poolCfg, s.logger,
		database.WithStatsObserver(func(stats database.PoolStats) {
			s.collector.RecordDBConnections("archive", stats.OpenConnections, stats.Idle)
		}))
	if err != nil {
		return err
	}
	s.pool = pool

	s.archiver = archive.New(pool.DB(), archive.Config{
		QueueSize:     s.cfg.Archive.QueueSize,
		BatchSize:     s.cfg.Archive.BatchSize,
		FlushInterval: s.cfg.Archive.FlushInterval,
	}, s.logger)

	s.logger.Info("Run archiver initialized",
		zap.String("driver", s.cfg.Database.Driver),
		zap.Int("queue_size", s.cfg.Archive.QueueSize),
	)
	return nil
}

// initGuard 初始化 Guard 引擎
func (s *Server) initGuard() error {
	failureMode, err := costguard.ParseFailureMode(s.cfg.Guard.FailureMode)
	if err != nil {
		return err
	}

	source := pricingDefaultsSource{
		Source:   policy.NewFileSource(s.cfg.Guard.PolicyDir, s.logger),
		defaults: s.cfg.Pricing,
	}

	opts := []costguard.Option{
		costguard.WithLogger(s.logger),
		costguard.WithBudgetStore(s.budgetStore),
		costguard.WithRefreshInterval(s.cfg.Guard.PolicyRefreshInterval),
		costguard.WithFailureMode(failureMode),
		costguard.WithBudgetEnforcement(s.cfg.Guard.EnableBudgetEnforcement),
		costguard.WithRouting(s.cfg.Guard.EnableRouting),
		costguard.WithRunIDInMetrics(s.cfg.Guard.RunIDInMetrics),
	}
	if s.cfg.Guard.DefaultMaxIterationsPerRun > 0 {
		opts = append(opts, costguard.WithDefaultMaxIterations(s.cfg.Guard.DefaultMaxIterationsPerRun))
	}
	if s.cfg.Guard.DefaultMaxToolCallsPerRun > 0 {
		opts = append(opts, costguard.WithDefaultMaxToolCalls(s.cfg.Guard.DefaultMaxToolCallsPerRun))
	}
	if !s.cfg.Guard.EnableMetrics {
		opts = append(opts, costguard.WithEmitter(guardmetrics.Nop()))
	}
	if s.archiver != nil {
		opts = append(opts, costguard.WithRunRecorder(s.archiver))
	}

	guard, err := costguard.New(source, opts...)
	if err != nil {
		return err
	}

	s.guard = guard
	s.logger.Info("Guard engine initialized",
		zap.String("failure_mode", string(failureMode)),
		zap.Bool("budget_enforcement", s.cfg.Guard.EnableBudgetEnforcement),
		zap.Bool("routing", s.cfg.Guard.EnableRouting),
	)
	return nil
}

// initHandlers 初始化所有 handlers
func (s *Server) initHandlers() {
	s.healthHandler = handlers.NewHealthHandler(s.logger)
	s.healthHandler.RegisterCheck(handlers.NewStoreHealthCheck("budget_store", s.budgetStore.Ping))
	if s.pool != nil {
		s.healthHandler.RegisterCheck(handlers.NewDatabaseHealthCheck("archive_db", s.pool.Ping))
	}

	s.hookHandler = handlers.NewHookHandler(s.guard, s.collector, s.logger)
	s.budgetHandler = handlers.NewBudgetHandler(s.guard, s.logger)
	s.policyHandler = handlers.NewPolicyHandler(s.guard, s.collector, s.logger)
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// startHTTPServer 启动 HTTP 服务器
func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	// ========================================
	// 健康检查与版本端点
	// ========================================
	mux.HandleFunc("/health", s.healthHandler.HandleHealth)
	mux.HandleFunc("/healthz", s.healthHandler.HandleHealthz)
	mux.HandleFunc("/ready", s.healthHandler.HandleReady)
	mux.HandleFunc("/readyz", s.healthHandler.HandleReady)
	mux.HandleFunc("/version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	// ========================================
	// 运行生命周期钩子 API
	// ========================================
	mux.HandleFunc("POST /v1/hooks/admit", s.hookHandler.HandleAdmit)
	mux.HandleFunc("POST /v1/hooks/before_iteration", s.hookHandler.HandleBeforeIteration)
	mux.HandleFunc("POST /v1/hooks/after_iteration", s.hookHandler.HandleAfterIteration)
	mux.HandleFunc("POST /v1/hooks/before_model", s.hookHandler.HandleBeforeModel)
	mux.HandleFunc("POST /v1/hooks/after_model", s.hookHandler.HandleAfterModel)
	mux.HandleFunc("POST /v1/hooks/before_tool", s.hookHandler.HandleBeforeTool)
	mux.HandleFunc("POST /v1/hooks/after_tool", s.hookHandler.HandleAfterTool)
	mux.HandleFunc("POST /v1/hooks/end", s.hookHandler.HandleEnd)

	// ========================================
	// 预算查询与策略管理 API
	// ========================================
	mux.HandleFunc("GET /v1/budgets", s.budgetHandler.HandleList)
	mux.HandleFunc("POST /v1/policies/reload", s.policyHandler.HandleReload)

	// ========================================
	// Prometheus 指标端点
	// ========================================
	mux.Handle("/metrics", promhttp.Handler())

	// ========================================
	// 构建中间件链
	// ========================================
	skipAuthPaths := []string{"/health", "/healthz", "/ready", "/readyz", "/version", "/metrics"}

	middlewares := []Middleware{
		RequestID(),
		Recovery(s.logger),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.collector),
		OTelTracing(),
	}

	if s.cfg.RateLimit.Enabled {
		rateLimiterCtx, rateLimiterCancel := context.WithCancel(context.Background())
		s.rateLimiterCancel = rateLimiterCancel
		middlewares = append(middlewares,
			RateLimiter(rateLimiterCtx, s.cfg.RateLimit.RPS, s.cfg.RateLimit.Burst, s.logger))
	}

	if s.cfg.Auth.Enabled {
		switch {
		case s.cfg.Auth.JWTSecret != "":
			middlewares = append(middlewares,
				JWTAuth(s.cfg.Auth.JWTSecret, s.cfg.Auth.JWTIssuer, skipAuthPaths, s.logger))
		case s.cfg.Auth.APIKey != "":
			middlewares = append(middlewares,
				APIKeyAuth([]string{s.cfg.Auth.APIKey}, skipAuthPaths, s.logger))
		default:
			s.logger.Warn("Auth enabled but no api_key or jwt_secret configured, requests are anonymous")
		}
	}

	handler := Chain(mux, middlewares...)

	// ========================================
	// 使用 internal/server.Manager
	// ========================================
	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		TLSCertFile:     s.cfg.Server.TLSCertFile,
		TLSKeyFile:      s.cfg.Server.TLSKeyFile,
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     s.cfg.Server.IdleTimeout,
		MaxHeaderBytes:  1 << 20, // 1 MB
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)

	// 启动服务器（非阻塞）
	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待关闭信号并优雅关闭
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}

	s.Shutdown()
}

// Shutdown 优雅关闭所有服务。顺序为先停止流量入口，再落盘在途状态：
// HTTP 服务器先关，Guard 随后停止策略刷新，归档队列刷完后关池与存储。
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx := context.Background()

	// 0. 停止 rate limiter 清理 goroutine
	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}

	// 1. 关闭 HTTP 服务器
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	// 2. 关闭 Guard（停止策略刷新循环）
	if s.guard != nil {
		if err := s.guard.Close(); err != nil {
			s.logger.Error("Guard shutdown error", zap.Error(err))
		}
	}

	// 3. 刷空归档队列
	if s.archiver != nil {
		s.archiver.Close()
	}

	// 4. 关闭数据库连接池
	if s.pool != nil {
		if err := s.pool.Close(); err != nil {
			s.logger.Error("Database pool shutdown error", zap.Error(err))
		}
	}

	// 5. 关闭预算存储
	if s.budgetStore != nil {
		if err := s.budgetStore.Close(); err != nil {
			s.logger.Error("Budget store shutdown error", zap.Error(err))
		}
	}

	// 6. 关闭遥测
	if s.otel != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := s.otel.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Telemetry shutdown error", zap.Error(err))
		}
		cancel()
	}

	s.logger.Info("Graceful shutdown completed")
}

// =============================================================================
// 🧩 策略源装饰器
// =============================================================================

// pricingDefaultsSource 用进程配置补全策略目录里 pricing.yaml 缺失的
// 币种与兜底费率。文档里显式给出的值优先。
type pricingDefaultsSource struct {
	policy.Source
	defaults config.PricingConfig
}

func (s pricingDefaultsSource) LoadPricing(ctx context.Context) (pricing.Config, error) {
	cfg, err := s.Source.LoadPricing(ctx)
	if err != nil {
		return cfg, err
	}
	if cfg.Currency == "" {
		cfg.Currency = s.defaults.Currency
	}
	if cfg.FallbackInputPer1K == 0 {
		cfg.FallbackInputPer1K = s.defaults.FallbackInputPer1K
	}
	if cfg.FallbackOutputPer1K == 0 {
		cfg.FallbackOutputPer1K = s.defaults.FallbackOutputPer1K
	}
	return cfg, nil
}
