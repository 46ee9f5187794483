package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/openhouse-crm/openhouse/go/aiengine/internal/actions"
	"github.com/openhouse-crm/openhouse/go/aiengine/internal/auth"
	"github.com/openhouse-crm/openhouse/go/aiengine/internal/config"
	"github.com/openhouse-crm/openhouse/go/aiengine/internal/crmtools"
	"github.com/openhouse-crm/openhouse/go/aiengine/internal/db"
	"github.com/openhouse-crm/openhouse/go/aiengine/internal/delegation"
	"github.com/openhouse-crm/openhouse/go/aiengine/internal/httpapi"
	"github.com/openhouse-crm/openhouse/go/aiengine/internal/llm"
	"github.com/openhouse-crm/openhouse/go/aiengine/internal/orchestrator"
	"github.com/openhouse-crm/openhouse/go/aiengine/internal/personas"
	"github.com/openhouse-crm/openhouse/go/aiengine/internal/policy"
	"github.com/openhouse-crm/openhouse/go/aiengine/internal/ratelimit"
	"github.com/openhouse-crm/openhouse/go/aiengine/internal/session"
	"github.com/openhouse-crm/openhouse/go/aiengine/internal/tools"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(logger); err != nil {
		logger.Fatal("aiengine exited", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbClient, err := db.NewClient(&db.Config{
		Host:            cfg.Postgres.Host,
		Port:            cfg.Postgres.Port,
		User:            cfg.Postgres.User,
		Password:        cfg.Postgres.Password,
		Database:        cfg.Postgres.Database,
		SSLMode:         cfg.Postgres.SSLMode,
		MaxConnections:  cfg.Postgres.MaxConnections,
		IdleConnections: cfg.Postgres.IdleConnections,
		MaxLifetime:     cfg.Postgres.MaxLifetime,
	}, logger)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer dbClient.Close()
	store := db.NewStore(dbClient, logger)

	sessions, err := session.NewManager(cfg.Redis.Addr, cfg.Redis.Password, cfg.Limits.SessionTTL, logger)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer sessions.Close()

	catalog, err := personas.NewCatalog(cfg.Personas.CatalogPath, logger)
	if err != nil {
		return fmt.Errorf("load persona catalog: %w", err)
	}
	if cfg.Personas.Watch {
		if err := catalog.Watch(ctx); err != nil {
			logger.Warn("persona catalog watch unavailable", zap.Error(err))
		}
	}

	registry := tools.NewRegistry(cfg.Tools.HandlerTimeout, logger)
	crmClient := crmtools.NewClient(crmtools.Config{
		BaseURL:  cfg.CRM.BaseURL,
		APIToken: cfg.CRM.APIToken,
		Timeout:  cfg.CRM.Timeout,
	}, logger)
	crmClient.Register(registry)

	coordinator := delegation.NewCoordinator(catalog, store, logger)
	coordinator.RegisterTools(registry)

	gate, err := policy.NewEngine(policy.Config{
		Enabled:    cfg.Policy.Enabled,
		Mode:       policy.Mode(cfg.Policy.Mode),
		Path:       cfg.Policy.Path,
		FailClosed: cfg.Policy.FailClosed,
	}, logger)
	if err != nil {
		return fmt.Errorf("load policy bundle: %w", err)
	}

	limiter := ratelimit.NewLimiter(store, ratelimit.Config{
		DefaultDailyCeiling: cfg.Limits.DailyActionCeiling,
		TenantOverrides:     cfg.Limits.TenantOverrides,
	}, logger)

	engine := actions.NewEngine(store, registry, limiter, gate, logger)

	model := llm.NewClient(llm.Config{
		BaseURL: cfg.LLM.BaseURL,
		Timeout: cfg.LLM.Timeout,
		RPM:     cfg.LLM.RPM,
	}, logger)

	turns := orchestrator.NewTurnService(store, sessions, catalog, registry, model, engine,
		cfg.Limits.HistoryLimit, logger)
	coordinator.SetRunner(turns)

	provisioner := personas.NewProvisioner(catalog, store, logger)

	validator := auth.NewJWTValidator(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	middleware := auth.NewMiddleware(validator, cfg.Auth.Disabled, logger)

	api := httpapi.NewServer(store, engine, turns, catalog, provisioner,
		dbClient, sessions, middleware, logger)

	apiServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler: promhttp.Handler(),
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("aiengine API listening", zap.Int("port", cfg.Server.Port))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()
	go func() {
		logger.Info("metrics listening", zap.Int("port", cfg.Server.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api shutdown incomplete", zap.Error(err))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics shutdown incomplete", zap.Error(err))
	}
	return nil
}
