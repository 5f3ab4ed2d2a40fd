package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/vnmchuo/tenant-gateway/config"
	"github.com/vnmchuo/tenant-gateway/internal/auth"
	"github.com/vnmchuo/tenant-gateway/internal/ingest"
	"github.com/vnmchuo/tenant-gateway/internal/ledger"
	"github.com/vnmchuo/tenant-gateway/internal/pricing"
	"github.com/vnmchuo/tenant-gateway/internal/provider"
	"github.com/vnmchuo/tenant-gateway/internal/provider/claude"
	"github.com/vnmchuo/tenant-gateway/internal/provider/gemini"
	"github.com/vnmchuo/tenant-gateway/internal/provider/openai"
	"github.com/vnmchuo/tenant-gateway/internal/proxy"
	"github.com/vnmchuo/tenant-gateway/internal/quota"
	"github.com/vnmchuo/tenant-gateway/internal/seeder"
	"github.com/vnmchuo/tenant-gateway/internal/telemetry"
	"github.com/vnmchuo/tenant-gateway/internal/tenant"
	"github.com/vnmchuo/tenant-gateway/internal/vault"
	"github.com/vnmchuo/tenant-gateway/internal/worker"
	"github.com/vnmchuo/tenant-gateway/pkg/ratelimit"
)

const serviceName = "tenant-gateway"

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := bootstrap()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

// bootstrap loads configuration and builds the process logger.
func bootstrap() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := telemetry.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func connectPostgres(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	if err := tenant.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	logger.Info("PostgreSQL connected")
	return pool, nil
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	shutdownTracer, err := telemetry.InitTracer(serviceName, cfg)
	if err != nil {
		return fmt.Errorf("failed to init tracer: %w", err)
	}
	defer shutdownTracer()

	pool, err := connectPostgres(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}
	logger.Info("Redis connected")

	prices := pricing.Default()
	if cfg.PricingFile != "" {
		if prices, err = pricing.LoadFile(cfg.PricingFile); err != nil {
			return err
		}
	}
	logger.Info("price table loaded", zap.Int("entries", prices.Len()), zap.String("file", cfg.PricingFile))

	metrics := telemetry.NewMetrics(prometheus.DefaultRegisterer)
	tracer := otel.GetTracerProvider().Tracer(serviceName)

	tenants := tenant.NewService(tenant.NewPostgresStore(pool), tenant.NewSchemaManager(pool, logger), logger)

	authStore := auth.NewPostgresStore(pool)
	authn := auth.NewAuthenticator(authStore, rdb, cfg.AuthCacheTTL, logger)
	keys := auth.NewKeys(authStore, authn, logger)

	current, err := vault.NewCipher(cfg.MasterKey, cfg.MasterKeyID)
	if err != nil {
		return err
	}
	var previous []*vault.Cipher
	if cfg.PrevMasterKey != "" {
		prev, err := vault.NewCipher(cfg.PrevMasterKey, cfg.PrevMasterKeyID)
		if err != nil {
			return err
		}
		previous = append(previous, prev)
	}
	credentials := vault.New(vault.NewPostgresStore(pool), logger, current, previous...)

	enforcer := quota.NewEnforcer(ratelimit.NewLimiter(rdb, time.Second), quota.NewPostgresCounter(pool), logger)
	usage := ledger.New(ledger.NewPostgresStore(pool), tenants, logger)

	spool, err := worker.NewSpool(cfg.SpoolPath, usage, cfg.SpoolReplayInterval, metrics.SpoolDepth, logger)
	if err != nil {
		return err
	}
	defer spool.Close()
	go func() {
		if err := spool.Process(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("spool replay loop stopped", zap.Error(err))
		}
	}()

	httpClient := provider.NewHTTPClient()
	router := proxy.NewRouter(
		openai.New(cfg.OpenAIBaseURL, httpClient),
		claude.New(cfg.AnthropicBaseURL, httpClient),
		gemini.New(cfg.GeminiBaseURL, httpClient),
	)

	pipeline := proxy.NewPipeline(proxy.Deps{
		Auth:        authn,
		Tenants:     tenants,
		Keys:        keys,
		Quota:       enforcer,
		Credentials: credentials,
		Router:      router,
		Prices:      prices,
		Ledger:      usage,
		Spool:       spool,
		Metrics:     metrics,
		Tracer:      tracer,
		Logger:      logger,
	}, proxy.Config{
		VendorTimeout:     cfg.VendorTimeout,
		VendorMaxAttempts: cfg.VendorMaxAttempts,
		VendorBackoffBase: cfg.VendorBackoffBase,
		LedgerMaxAttempts: cfg.LedgerMaxAttempts,
		LedgerBackoffBase: cfg.LedgerBackoffBase,
	})

	if cfg.RunSeed {
		if _, err := seeder.Seed(ctx, tenants, keys, authn, logger); err != nil {
			logger.Error("[seeder] failed", zap.Error(err))
		}
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(auth.RequestIDMiddleware)
	r.Use(accessLog(logger))
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.CORSAllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders: []string{"X-Request-ID", "Retry-After"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"` + serviceName + `"}`))
	})
	r.Get("/readyz", readiness(pool, rdb, metrics))
	r.Handle(cfg.MetricsPath, promhttp.Handler())

	handler := proxy.NewHandler(pipeline, usage, tenants, enforcer, tracer)
	r.Post("/v1/{vendor}/chat/completions", handler.HandleChatCompletion)
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(authn))
		r.Get("/v1/usage", handler.HandleUsage)
	})

	r.Route("/ingest", func(r chi.Router) {
		r.Use(auth.RequireToken(cfg.EdgeIngestToken))
		ingest.NewHandler(usage, prices, metrics, logger).Routes(r)
	})

	r.Route("/admin/tenants", func(r chi.Router) {
		r.Use(auth.RequireToken(cfg.AdminAPIToken))
		tenant.NewHandler(tenants).Routes(r)
		r.Route("/{tenantID}/keys", auth.NewKeyHandler(keys, tenants).Routes)
		r.Route("/{tenantID}/vendor-keys", vault.NewHandler(credentials, tenants).Routes)
	})

	// requestBudget bounds one proxied request, retries and ledger write included.
	requestBudget := cfg.VendorTimeout*time.Duration(cfg.VendorMaxAttempts) + 30*time.Second
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: requestBudget,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway starting", zap.String("port", cfg.Port), zap.String("version", cfg.Version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}
	logger.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), requestBudget)
	defer cancel()
	shutdownErr := srv.Shutdown(shutdownCtx)
	// The deferred spool and pool closes run after this; pipelines still
	// recording must finish first.
	if err := pipeline.Wait(shutdownCtx); err != nil {
		logger.Error("requests still in flight at shutdown; their usage records may be lost", zap.Error(err))
	}
	if shutdownErr != nil {
		return fmt.Errorf("forced shutdown: %w", shutdownErr)
	}
	logger.Info("server stopped")
	return nil
}

func readiness(pool *pgxpool.Pool, rdb *redis.Client, metrics *telemetry.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		checks := map[string]error{
			"postgres": pool.Ping(ctx),
			"redis":    rdb.Ping(ctx).Err(),
		}
		body := map[string]string{}
		for name, err := range checks {
			if err != nil {
				metrics.DependencyUp.WithLabelValues(name).Set(0)
				body[name] = "down"
				status = http.StatusServiceUnavailable
				continue
			}
			metrics.DependencyUp.WithLabelValues(name).Set(1)
			body[name] = "up"
		}
		writeJSON(w, status, body)
	}
}

func accessLog(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", auth.RequestID(r.Context())),
			)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
