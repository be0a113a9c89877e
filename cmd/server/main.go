// Command server runs the agent control plane: persistence, cache,
// access control, model providers, the agent registry, the task
// dispatcher, collaboration, insights, and the HTTP surface.
//
// Exit codes: 0 on clean shutdown, 1 on configuration errors, 2 when
// persistence is unreachable at startup.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/pilothouse-ai/pilothouse/internal/api"
	"github.com/pilothouse-ai/pilothouse/pkg/agents"
	"github.com/pilothouse-ai/pilothouse/pkg/auth"
	"github.com/pilothouse-ai/pilothouse/pkg/cache"
	"github.com/pilothouse-ai/pilothouse/pkg/clock"
	"github.com/pilothouse-ai/pilothouse/pkg/collab"
	"github.com/pilothouse-ai/pilothouse/pkg/config"
	"github.com/pilothouse-ai/pilothouse/pkg/insights"
	"github.com/pilothouse-ai/pilothouse/pkg/models"
	"github.com/pilothouse-ai/pilothouse/pkg/observability"
	"github.com/pilothouse-ai/pilothouse/pkg/providers"
	"github.com/pilothouse-ai/pilothouse/pkg/queue"
	"github.com/pilothouse-ai/pilothouse/pkg/store"
	"github.com/pilothouse-ai/pilothouse/pkg/tenant"

	_ "github.com/lib/pq"
)

const (
	exitConfig = 1
	exitStore  = 2
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration: %v\n", err)
		os.Exit(exitConfig)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration: %v\n", err)
		os.Exit(exitConfig)
	}

	logger := observability.NewStandardLoggerWithLevel("pilothouse", observability.LogLevel(cfg.Logging.Level))
	metrics := observability.NewPrometheusMetricsClient("pilothouse")
	clk := clock.NewSystem()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := buildStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("persistence unreachable", map[string]interface{}{"error": err.Error()})
		os.Exit(exitStore)
	}
	defer func() { _ = st.Close() }()

	appCache, err := buildCache(cfg, clk, logger, metrics)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration: %v\n", err)
		os.Exit(exitConfig)
	}
	defer func() { _ = appCache.Close() }()

	auditor := auth.NewAuditor(st, clk, clk, logger)
	tenants := tenant.NewService(st, clk, clk, logger, auditor)
	authSvc, err := auth.NewService(st, clk, clk, logger, metrics, auditor, auth.Config{
		TokenSecret: cfg.Auth.TokenSecret,
		SessionTTL:  cfg.Auth.SessionTTL,
		Limiter: auth.LimiterConfig{
			MaxAttempts: cfg.Auth.MaxFailedAttempts,
			Window:      cfg.Auth.FailureWindow,
			Lockout:     cfg.Auth.LockoutPeriod,
		},
		Argon: auth.Argon2Params{
			MemoryKiB: cfg.Auth.ArgonMemoryKiB,
			Time:      cfg.Auth.ArgonTime,
			Threads:   cfg.Auth.ArgonThreads,
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration: %v\n", err)
		os.Exit(exitConfig)
	}

	modelRegistry := providers.NewRegistry(cfg.Providers.InvokeTimeout, logger, metrics)
	registerProviders(ctx, modelRegistry, cfg.Providers, logger)

	recorder := insights.NewRecorder(st, clk, clk, logger)
	agentRegistry := agents.NewRegistry(st, clk, clk, logger, metrics, &agents.Toolkit{
		Cache:   appCache,
		Models:  modelRegistry,
		Logger:  logger,
		Metrics: metrics,
		Samples: recorder,
	})

	agentRegistry.Install(models.AgentSales, agents.NewSales())
	agentRegistry.Install(models.AgentMarketing, agents.NewMarketing())
	agentRegistry.Install(models.AgentContent, agents.NewContent())
	agentRegistry.Install(models.AgentAnalytics, agents.NewAnalytics())
	agentRegistry.Install(models.AgentOperations, agents.NewOperations())

	dispatcher := queue.NewDispatcher(st, tenants, agentRegistry, recorder, clk, clk, logger, metrics, queue.Config{
		MaxAttempts:   cfg.Queue.MaxAttempts,
		BackoffBase:   cfg.Queue.BackoffBase,
		BackoffCap:    cfg.Queue.BackoffCap,
		JitterPercent: cfg.Queue.JitterPercent,
		CancelGrace:   cfg.Queue.CancelGrace,
	})

	if _, err := dispatcher.Recover(ctx); err != nil {
		logger.Warn("queued task recovery failed", map[string]interface{}{"error": err.Error()})
	}

	collabs := collab.NewService(st, dispatcher, clk, clk, logger, auditor)
	engine := insights.NewEngine(st, clk, clk, logger)
	engine.Tune(cfg.Insights.AnomalySensitivity, cfg.Insights.ConfidenceThreshold)
	sweeper := insights.NewSweeper(engine, collabs, tenants, logger, time.Hour, time.Hour, cfg.Insights.CollabRetention)
	sweeper.Start()

	if err := bootstrap(ctx, cfg.Bootstrap, tenants, authSvc, logger); err != nil {
		fmt.Fprintf(os.Stderr, "configuration: %v\n", err)
		os.Exit(exitConfig)
	}

	server := api.NewServer(cfg.API, cfg.IsDevelopment(), api.Deps{
		Auth:       authSvc,
		Tenants:    tenants,
		Agents:     agentRegistry,
		Dispatcher: dispatcher,
		Collabs:    collabs,
		Insights:   engine,
		Cache:      appCache,
		Providers:  modelRegistry,
		Clock:      clk,
		Logger:     logger,
		Metrics:    metrics,
	})

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Run() }()

	select {
	case err := <-serverErr:
		if err != nil {
			logger.Error("http server failed", map[string]interface{}{"error": err.Error()})
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received", nil)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", map[string]interface{}{"error": err.Error()})
	}
	_ = sweeper.Close()
	_ = dispatcher.Close()
	logger.Info("shutdown complete", nil)
}

func buildStore(ctx context.Context, cfg *config.Config, logger observability.Logger) (store.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return store.NewPostgres(pingCtx, store.PostgresConfig{
			DSN:             cfg.Store.DSN,
			Migrate:         cfg.Store.Migrate,
			MaxOpenConns:    cfg.Store.MaxOpenConns,
			MaxIdleConns:    cfg.Store.MaxIdleConns,
			ConnMaxLifetime: cfg.Store.ConnMaxLifetime,
		}, logger)
	default:
		logger.Warn("using the in-memory store; data will not survive restarts", nil)
		return store.NewMemory(), nil
	}
}

func buildCache(cfg *config.Config, clk clock.Clock, logger observability.Logger, metrics observability.MetricsClient) (cache.Cache, error) {
	local, err := cache.NewLocal(cache.Config{
		Shards:        cfg.Cache.Shards,
		MaxEntries:    cfg.Cache.MaxEntries,
		MaxBytes:      cfg.Cache.MaxBytes,
		SweepInterval: cfg.Cache.SweepInterval,
	}, clk, logger, metrics)
	if err != nil {
		return nil, err
	}
	if !cfg.Cache.Redis.Enabled {
		return local, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Cache.Redis.Address,
		Password: cfg.Cache.Redis.Password,
		DB:       cfg.Cache.Redis.DB,
	})
	logger.Info("redis cache tier enabled", map[string]interface{}{"address": cfg.Cache.Redis.Address})
	return cache.NewTiered(local, rdb, logger), nil
}

// registerProviders installs every adapter with credentials. Adapters
// that fail to initialise are logged and skipped; the safe default
// keeps the platform answering.
func registerProviders(ctx context.Context, r *providers.Registry, cfg config.ProvidersConfig, logger observability.Logger) {
	if cfg.Anthropic.Enabled && cfg.Anthropic.APIKey != "" {
		r.RegisterInvoker(providers.NewAnthropicFromAPIKey(cfg.Anthropic.APIKey))
		r.Register(providers.Entry{
			Name:          "anthropic-primary",
			Provider:      "anthropic",
			Model:         cfg.Anthropic.Model,
			Capabilities:  []providers.Capability{providers.CapText, providers.CapReasoning, providers.CapCode, providers.CapLongContext},
			ContextWindow: 200_000,
			CostWeight:    3,
			Available:     true,
		})
	}
	if cfg.OpenAI.Enabled && cfg.OpenAI.APIKey != "" {
		r.RegisterInvoker(providers.NewOpenAIFromAPIKey(cfg.OpenAI.APIKey))
		r.Register(providers.Entry{
			Name:          "openai-primary",
			Provider:      "openai",
			Model:         cfg.OpenAI.Model,
			Capabilities:  []providers.Capability{providers.CapText, providers.CapReasoning, providers.CapCode},
			ContextWindow: 128_000,
			CostWeight:    2,
			Available:     true,
		})
	}
	if cfg.Bedrock.Enabled {
		bedrock, err := providers.NewBedrockFromRegion(ctx, cfg.Bedrock.Region)
		if err != nil {
			logger.Warn("bedrock adapter unavailable", map[string]interface{}{"error": err.Error()})
			return
		}
		r.RegisterInvoker(bedrock)
		r.Register(providers.Entry{
			Name:          "bedrock-fallback",
			Provider:      "bedrock",
			Model:         cfg.Bedrock.Model,
			Capabilities:  []providers.Capability{providers.CapText, providers.CapReasoning, providers.CapLongContext},
			ContextWindow: 200_000,
			CostWeight:    4,
			Available:     true,
		})
	}
}

// bootstrap seeds the default tenant and its super admin on an empty
// store so a fresh deployment has a way in.
func bootstrap(ctx context.Context, cfg config.BootstrapConfig, tenants *tenant.Service, authSvc *auth.Service, logger observability.Logger) error {
	if cfg.AdminEmail == "" {
		return nil
	}
	existing, err := tenants.List(ctx, "")
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	if cfg.AdminPassword == "" {
		return fmt.Errorf("bootstrap.admin_password is required to seed the first admin")
	}

	name := cfg.TenantName
	if name == "" {
		name = "Default"
	}
	domain := cfg.TenantDomain
	if domain == "" {
		domain = "default.local"
	}
	ten, err := tenants.Create(ctx, uuid.Nil, tenant.CreateParams{
		DisplayName:   name,
		PrimaryDomain: domain,
		Tier:          models.TierEnterprise,
	})
	if err != nil {
		return err
	}
	admin, err := authSvc.CreateUser(ctx, uuid.Nil, ten.ID, cfg.AdminEmail, cfg.AdminPassword, models.RoleSuperAdmin)
	if err != nil {
		return err
	}
	logger.Info("bootstrapped default tenant", map[string]interface{}{
		"tenant_id": ten.ID.String(),
		"admin_id":  admin.ID.String(),
	})
	return nil
}
