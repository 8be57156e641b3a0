// Package main is the entrypoint for the tabprep job engine API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tabprep/internal/api"
	"github.com/kiranshivaraju/tabprep/internal/api/handler"
	mw "github.com/kiranshivaraju/tabprep/internal/api/middleware"
	"github.com/kiranshivaraju/tabprep/internal/cache"
	"github.com/kiranshivaraju/tabprep/internal/config"
	"github.com/kiranshivaraju/tabprep/internal/jobs"
	"github.com/kiranshivaraju/tabprep/internal/metrics"
	"github.com/kiranshivaraju/tabprep/internal/pipeline"
	"github.com/kiranshivaraju/tabprep/internal/quality"
	"github.com/kiranshivaraju/tabprep/internal/quota"
	"github.com/kiranshivaraju/tabprep/internal/ratelimit"
	"github.com/kiranshivaraju/tabprep/internal/storage"
	"github.com/kiranshivaraju/tabprep/internal/store"
	"github.com/kiranshivaraju/tabprep/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded",
		"env", cfg.Server.Env,
		"storage", cfg.Storage.Backend,
		"rate_limit_backend", cfg.RateLimit.Backend,
		"job_mode", cfg.Jobs.Mode,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Storage, store and tenant bootstrap
	backend, err := newBackend(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("create storage backend: %w", err)
	}
	slog.Info("storage ready", "backend", cfg.Storage.Backend)

	pgStore := store.NewPostgresStore(pool)
	if err := bootstrapDefaultTenant(ctx, pgStore, cfg); err != nil {
		return fmt.Errorf("bootstrap default tenant: %w", err)
	}

	// 6. Job manager
	m := metrics.New()
	mgr := jobs.NewManager(jobs.Deps{
		Repo:     pgStore,
		Usage:    pgStore,
		Ledger:   pgStore,
		Files:    storage.NewResolver(backend),
		Executor: newExecutor(cfg.Pipeline),
		Analyzer: quality.NewAnalyzer(thresholds(cfg)),
		Cache:    redisCache,
		Metrics:  m,
	}, jobsConfig(cfg.Jobs))
	mgr.Start()

	go quota.RunResetLoop(ctx, pgStore, cfg.Quota.ResetInterval)

	// 7. Build router with dependencies
	deps := api.Dependencies{
		Auth:      mw.NewAuth(pgStore),
		RateLimit: mw.NewRateLimit(newLimiter(cfg.RateLimit, redisCache), planLimits(cfg.RateLimit), m),
		Metrics:   m,

		HealthHandler:    handler.NewHealthHandler(pgStore, redisCache),
		UploadHandler:    handler.NewUploadHandler(storage.NewResolver(backend), cfg.Server.MaxUploadBytes),
		Jobs:             handler.NewJobHandlers(mgr),
		CreateKeyHandler: handler.NewCreateKeyHandler(pgStore),
		ListKeysHandler:  handler.NewListKeysHandler(pgStore),
		RevokeKeyHandler: handler.NewRevokeKeyHandler(pgStore),
		Tenants:          handler.NewTenantHandlers(pgStore),
	}

	router := api.NewRouter(deps)

	// 8. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("drain job workers: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

func newBackend(ctx context.Context, cfg config.StorageConfig) (storage.Backend, error) {
	if cfg.Backend != "s3" {
		return storage.NewLocalBackend(cfg.LocalRoot)
	}
	s3, err := storage.NewS3Backend(ctx, storage.S3Config{
		Endpoint:  cfg.S3.Endpoint,
		Region:    cfg.S3.Region,
		Bucket:    cfg.S3.Bucket,
		Prefix:    cfg.S3.Prefix,
		AccessKey: cfg.S3.AccessKey,
		SecretKey: cfg.S3.SecretKey,
		UseSSL:    cfg.S3.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	if err := s3.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return s3, nil
}

func newLimiter(cfg config.RateLimitConfig, c cache.Cache) ratelimit.Limiter {
	if cfg.Backend == "memory" {
		return ratelimit.NewFixedWindow(cfg.Window)
	}
	return ratelimit.NewRedisWindow(c, cfg.Window)
}

func planLimits(cfg config.RateLimitConfig) ratelimit.Limits {
	return ratelimit.Limits{Free: cfg.Free, Basic: cfg.Basic, Premium: cfg.Premium}
}

func newExecutor(cfg config.PipelineConfig) *pipeline.Executor {
	e := pipeline.NewExecutor()
	e.CoercionRatio = cfg.CoercionRatio
	e.DateFailureTolerance = cfg.DateFailureTolerance
	e.MaxOneHotCategories = cfg.MaxOneHotCategories
	e.MaxLabelCategories = cfg.MaxLabelCategories
	return e
}

func thresholds(cfg *config.Config) quality.Thresholds {
	t := quality.DefaultThresholds()
	t.MissingPercent = cfg.Quality.MissingPercent
	t.DuplicatePercent = cfg.Quality.DuplicatePercent
	t.InvalidPercent = cfg.Quality.InvalidPercent
	t.OutlierZ = cfg.Quality.OutlierZ
	t.NormalizeRange = cfg.Quality.NormalizeRange
	t.LabelMinUnique = cfg.Quality.LabelMinUnique
	t.LabelMaxUnique = cfg.Quality.LabelMaxUnique
	t.CoercionRatio = cfg.Pipeline.CoercionRatio
	t.DateFailureTolerance = cfg.Pipeline.DateFailureTolerance
	return t
}

func jobsConfig(cfg config.JobsConfig) jobs.Config {
	return jobs.Config{
		Mode:        jobs.ExecutionMode(cfg.Mode),
		Workers:     cfg.Workers,
		QueueSize:   cfg.QueueSize,
		PreviewRows: cfg.PreviewRows,
		StatusTTL:   cfg.StatusTTL,
		AnalysisTTL: cfg.AnalysisTTL,
	}
}

// tenantBootstrapper is the part of the store used at startup.
type tenantBootstrapper interface {
	GetDefaultTenant(ctx context.Context) (*models.Tenant, error)
	UpdateTenantPlan(ctx context.Context, id uuid.UUID, plan string, monthlyQuotaMB float64) error
	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
}

// bootstrapDefaultTenant applies the configured default quota to the seeded
// tenant and installs BOOTSTRAP_ADMIN_KEY for it once.
func bootstrapDefaultTenant(ctx context.Context, s tenantBootstrapper, cfg *config.Config) error {
	tenant, err := s.GetDefaultTenant(ctx)
	if err != nil {
		return err
	}
	if tenant.MonthlyQuotaMB != cfg.Quota.DefaultMonthlyMB {
		if err := s.UpdateTenantPlan(ctx, tenant.ID, tenant.Plan, cfg.Quota.DefaultMonthlyMB); err != nil {
			return err
		}
		slog.Info("default tenant quota updated", "client_id", tenant.ID, "monthly_quota_mb", cfg.Quota.DefaultMonthlyMB)
	}

	raw := cfg.Bootstrap.AdminKey
	if raw == "" {
		return nil
	}
	existing, err := s.GetAPIKeyByPrefix(ctx, raw[:mw.KeyPrefixLen])
	if err != nil {
		return err
	}
	for _, k := range existing {
		if bcrypt.CompareHashAndPassword([]byte(k.KeyHash), []byte(raw)) == nil {
			return nil
		}
	}
	key, err := handler.NewAPIKey(tenant.ID, "bootstrap-admin", raw, []string{handler.ScopeJobs, handler.ScopeAdmin, handler.ScopeTenants})
	if err != nil {
		return err
	}
	if err := s.CreateAPIKey(ctx, key); err != nil {
		return err
	}
	slog.Info("bootstrap admin key installed", "client_id", tenant.ID, "key_prefix", key.KeyPrefix)
	return nil
}
