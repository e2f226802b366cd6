package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/upb/fitchat-gateway/auth"
	"github.com/upb/fitchat-gateway/config"
	"github.com/upb/fitchat-gateway/handlers"
	"github.com/upb/fitchat-gateway/internal/observability"
	"github.com/upb/fitchat-gateway/middleware"
	"github.com/upb/fitchat-gateway/repositories/postgres"
	"github.com/upb/fitchat-gateway/services/cost"
	"github.com/upb/fitchat-gateway/services/inference"
	"github.com/upb/fitchat-gateway/services/providers"
	"github.com/upb/fitchat-gateway/services/providers/anthropic"
	"github.com/upb/fitchat-gateway/services/providers/gemini"
	"github.com/upb/fitchat-gateway/services/providers/groq"
	"github.com/upb/fitchat-gateway/services/providers/openai"
	"github.com/upb/fitchat-gateway/services/ratelimit"
	"github.com/upb/fitchat-gateway/services/routing"
	"github.com/upb/fitchat-gateway/services/tools"
	"go.uber.org/zap"
)

// cleanupInterval paces the in-memory counter sweep
const cleanupInterval = time.Minute

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config  *config.Config
	Logger  *zap.Logger
	DB      *postgres.DB
	Redis   *redis.Client
	Metrics *observability.Metrics

	// MetricsRegistry backs /metrics; each Dependencies owns its own
	MetricsRegistry *prometheus.Registry

	// Provider chain
	Providers    *providers.Registry
	Breakers     *routing.CircuitBreakers
	Orchestrator *routing.Orchestrator

	// Tools is the in-process tool registry, nil when tools run remotely
	Tools  *tools.Registry
	Bridge *tools.Bridge

	// Admission and billing
	RateLimiter *ratelimit.RateLimitService
	Ledger      cost.Ledger
	Tracker     *cost.Tracker

	Inference *inference.InferenceService

	// Auth
	AuthMiddleware *middleware.AuthMiddleware

	// Handlers
	ChatHandler      *handlers.ChatHandler
	UsageHandler     *handlers.UsageHandler
	ProvidersHandler *handlers.ProvidersHandler
	HealthHandler    *handlers.HealthHandler

	stopWorkers context.CancelFunc
	workers     sync.WaitGroup
}

// NewDependencies creates and wires up all application dependencies
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}

	deps.initMetrics()

	if err := deps.initLedger(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize usage ledger: %w", err)
	}

	if err := deps.initRateLimiter(ctx, cfg); err != nil {
		deps.closeStores()
		return nil, fmt.Errorf("failed to initialize rate limiter: %w", err)
	}

	if err := deps.initProviders(cfg); err != nil {
		deps.closeStores()
		return nil, fmt.Errorf("failed to initialize providers: %w", err)
	}

	deps.initTools(cfg)

	if err := deps.initAuth(cfg); err != nil {
		deps.closeStores()
		return nil, fmt.Errorf("failed to initialize auth: %w", err)
	}

	deps.Inference = inference.NewInferenceService(
		inference.Config{
			MaxMessages:     cfg.Proxy.MaxMessages,
			MaxMessageChars: cfg.Proxy.MaxMessageChars,
			MaxTools:        cfg.Proxy.MaxTools,
		},
		deps.RateLimiter,
		deps.Bridge,
		deps.Tracker,
		deps.Metrics,
		logger,
	)

	deps.initHandlers()

	if cfg.RateLimit.Backend == config.BackendMemory {
		workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		deps.stopWorkers = cancel
		deps.workers.Add(1)
		go func() {
			defer deps.workers.Done()
			deps.RateLimiter.StartCleanupWorker(workerCtx, cleanupInterval)
		}()
	}

	logger.Info("all dependencies initialized successfully",
		zap.Int("providers", deps.Providers.Len()),
		zap.String("ledger_backend", cfg.Database.Backend()),
		zap.String("rate_limit_backend", cfg.RateLimit.Backend))
	return deps, nil
}

func (d *Dependencies) initMetrics() {
	d.MetricsRegistry = prometheus.NewRegistry()
	d.MetricsRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	d.Metrics = observability.NewMetrics(d.MetricsRegistry)
}

// initLedger opens PostgreSQL when configured, otherwise keeps usage in memory
func (d *Dependencies) initLedger(ctx context.Context, cfg *config.Config) error {
	var ledger cost.Ledger

	switch cfg.Database.Backend() {
	case config.BackendPostgres:
		db, err := postgres.NewDB(cfg.Database, d.Logger)
		if err != nil {
			return err
		}
		if err := db.InitSchema(ctx); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
		d.DB = db
		ledger = postgres.NewUsageRepository(db, d.Logger)
	default:
		d.Logger.Warn("no database configured, usage ledger is in memory")
		ledger = cost.NewMemoryLedger()
	}

	prices := cost.NewPriceTable()
	for _, p := range cfg.Pricing {
		prices.Set(p.Provider, p.Model, cost.PricePerMillion(p.InputPerMillion, p.OutputPerMillion))
	}

	d.Ledger = ledger
	d.Tracker = cost.NewTracker(prices, ledger, d.Metrics, d.Logger)

	d.Logger.Info("usage ledger initialized",
		zap.String("backend", cfg.Database.Backend()),
		zap.Int("prices", prices.Len()))
	return nil
}

func (d *Dependencies) initRateLimiter(ctx context.Context, cfg *config.Config) error {
	rlConfig := ratelimit.Config{
		Limit:     cfg.RateLimit.Requests,
		Mode:      ratelimit.WindowMode(cfg.RateLimit.WindowMode),
		Window:    cfg.RateLimit.Window,
		KeyPrefix: cfg.RateLimit.KeyPrefix,
		FailOpen:  cfg.RateLimit.FailOpen,
	}
	if err := rlConfig.Validate(); err != nil {
		return err
	}

	var store ratelimit.CounterStore
	switch cfg.RateLimit.Backend {
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return fmt.Errorf("redis ping failed: %w", err)
		}

		d.Redis = client
		store = ratelimit.NewRedisStore(client)
	case config.BackendMemory:
		d.Logger.Warn("rate limit counters are in memory and not shared across instances")
		store = ratelimit.NewMemoryStore()
	default:
		return fmt.Errorf("unknown rate limit backend %q", cfg.RateLimit.Backend)
	}

	d.RateLimiter = ratelimit.NewRateLimitService(rlConfig, store, d.Metrics, d.Logger)

	d.Logger.Info("rate limiter initialized",
		zap.String("backend", cfg.RateLimit.Backend),
		zap.Int("limit", rlConfig.Limit),
		zap.String("mode", string(rlConfig.Mode)))
	return nil
}

// initProviders builds the fallback chain from the configured providers
func (d *Dependencies) initProviders(cfg *config.Config) error {
	registry := providers.NewRegistry()
	client := &http.Client{}

	for _, pc := range cfg.Providers {
		provider, err := newProvider(pc, client)
		if err != nil {
			return err
		}
		if err := registry.Register(provider, pc.Priority); err != nil {
			return err
		}
		d.Logger.Info("registered provider",
			zap.String("provider", pc.Name),
			zap.String("vendor", pc.Vendor),
			zap.String("model", pc.Model),
			zap.Int("priority", pc.Priority))
	}

	if registry.Len() == 0 {
		d.Logger.Warn("no LLM providers configured, every chat turn will fail")
	}

	d.Breakers = routing.NewCircuitBreakers(cfg.Proxy.CircuitCooldown, func(provider string, from, to routing.CircuitState) {
		d.Metrics.SetCircuitState(provider, int(to))
		d.Logger.Warn("circuit state changed",
			zap.String("provider", provider),
			zap.String("from", from.String()),
			zap.String("to", to.String()))
	})

	d.Providers = registry
	d.Orchestrator = routing.NewOrchestrator(
		routing.Config{
			ProviderTimeout: cfg.Proxy.ProviderTimeout,
			MaxRetries:      cfg.Proxy.MaxRetries,
			RetryBaseDelay:  cfg.Proxy.RetryBaseDelay,
			RetryMaxDelay:   cfg.Proxy.RetryMaxDelay,
		},
		registry,
		d.Breakers,
		d.Metrics,
		d.Logger,
	)
	return nil
}

// newProvider selects the adapter for a vendor wire protocol
func newProvider(pc providers.ProviderConfig, client *http.Client) (providers.Provider, error) {
	switch pc.Vendor {
	case "openai":
		return openai.NewAdapter(pc, providers.NewTransport(pc, client, openai.DecodeError)), nil
	case "groq":
		return groq.NewAdapter(pc, providers.NewTransport(pc, client, openai.DecodeError)), nil
	case "gemini":
		return gemini.NewAdapter(pc, providers.NewTransport(pc, client, gemini.DecodeError)), nil
	case "anthropic":
		return anthropic.NewAdapter(pc, providers.NewTransport(pc, client, anthropic.DecodeError)), nil
	default:
		return nil, fmt.Errorf("provider %q: unknown vendor %q", pc.Name, pc.Vendor)
	}
}

func (d *Dependencies) initTools(cfg *config.Config) {
	var executor tools.Executor
	if cfg.Tools.ExecutorURL != "" {
		executor = tools.NewHTTPExecutor(cfg.Tools.ExecutorURL, cfg.Tools.ExecutorToken, &http.Client{})
		d.Logger.Info("tool calls delegated to executor service",
			zap.String("url", cfg.Tools.ExecutorURL))
	} else {
		d.Tools = tools.NewRegistry()
		tools.RegisterBuiltins(d.Tools)
		executor = d.Tools
		d.Logger.Info("tool calls served in process", zap.Strings("tools", d.Tools.Names()))
	}

	d.Bridge = tools.NewBridge(
		tools.Config{
			MaxRounds:   cfg.Tools.MaxRounds,
			ToolTimeout: cfg.Tools.Timeout,
		},
		d.Orchestrator,
		executor,
		d.Metrics,
		d.Logger,
	)
}

func (d *Dependencies) initAuth(cfg *config.Config) error {
	opts := auth.Options{
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
		Leeway:   cfg.Auth.Leeway,
	}

	var validator middleware.TokenValidator
	switch {
	case cfg.Auth.JWKSURL != "":
		validator = auth.NewJWKSValidator(cfg.Auth.JWKSURL, opts, cfg.Auth.JWKSCacheTTL,
			&http.Client{Timeout: 10 * time.Second})
		d.Logger.Info("verifying tokens against JWKS", zap.String("url", cfg.Auth.JWKSURL))
	case cfg.Auth.JWTSecret != "":
		validator = auth.NewHMACValidator(cfg.Auth.JWTSecret, opts)
		d.Logger.Info("verifying tokens with shared secret")
	default:
		return errors.New("no token verification configured")
	}

	d.AuthMiddleware = middleware.NewAuthMiddleware(validator, d.Logger)
	return nil
}

func (d *Dependencies) initHandlers() {
	d.ChatHandler = handlers.NewChatHandler(d.Inference, d.Logger)
	d.UsageHandler = handlers.NewUsageHandler(d.Tracker, d.Logger)
	d.ProvidersHandler = handlers.NewProvidersHandler(d.Providers, d.Breakers, d.Logger)

	var db *sql.DB
	if d.DB != nil {
		db = d.DB.DB
	}
	var pinger handlers.RedisPinger
	if d.Redis != nil {
		pinger = d.Redis
	}
	d.HealthHandler = handlers.NewHealthHandler(db, pinger, d.Logger)
}

func (d *Dependencies) closeStores() []error {
	var errs []error

	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis: %w", err))
		} else {
			d.Logger.Info("redis connection closed")
		}
	}

	if d.DB != nil {
		if err := d.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		}
	}

	return errs
}

// Close gracefully shuts down all dependencies
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	if d.stopWorkers != nil {
		d.stopWorkers()
		d.workers.Wait()
	}

	errs := d.closeStores()

	if d.Logger != nil {
		_ = d.Logger.Sync()
	}

	return errors.Join(errs...)
}
