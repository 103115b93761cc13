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
	"go.uber.org/zap/zapcore"

	"github.com/refinelab/refinery/internal/aggregate"
	"github.com/refinelab/refinery/internal/classify"
	"github.com/refinelab/refinery/internal/config"
	"github.com/refinelab/refinery/internal/debate"
	"github.com/refinelab/refinery/internal/health"
	"github.com/refinelab/refinery/internal/httpapi"
	"github.com/refinelab/refinery/internal/llm"
	"github.com/refinelab/refinery/internal/memory"
	"github.com/refinelab/refinery/internal/roles"
	"github.com/refinelab/refinery/internal/runner"
	"github.com/refinelab/refinery/internal/streaming"
	"github.com/refinelab/refinery/internal/supervisor"
	"github.com/refinelab/refinery/internal/tracing"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := buildLogger(cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("starting refinery",
		zap.String("service", cfg.Service.Name),
		zap.Int("http_port", cfg.Service.HTTPPort),
		zap.Int("metrics_port", cfg.Service.MetricsPort),
	)

	if err := tracing.Initialize(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  cfg.Tracing.ServiceName,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
	}, logger); err != nil {
		return fmt.Errorf("initialize tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracing.Shutdown(ctx)
	}()

	if path := os.Getenv("ROLES_PATH"); path != "" {
		if err := roles.LoadDescriptions(path); err != nil {
			return fmt.Errorf("load role descriptions: %w", err)
		}
		logger.Info("role descriptions loaded", zap.String("path", path))
	}

	checks := health.NewManager(logger)

	// The thread store is optional: without Redis the service still refines,
	// it just cannot resume conversations.
	var store memory.ThreadStore = memory.Noop{}
	if cfg.Redis.Enabled {
		redisStore, err := memory.NewRedisStore(memory.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			TTL:      cfg.Redis.ThreadTTL,
		}, logger)
		if err != nil {
			logger.Warn("redis unavailable, running without thread memory", zap.Error(err))
		} else {
			store = redisStore
			checks.Register(health.NewRedisChecker(redisStore.Client()))
			defer redisStore.Close()
		}
	}

	gateway := buildGateway(cfg, logger)
	events := streaming.NewManager(256)
	coordinator := buildCoordinator(cfg, gateway, logger)
	controller := runner.New(coordinator, store, events, cfg.Refine.StepBudget, logger)

	api := httpapi.NewHandler(controller, store, events, checks, logger)
	mux := http.NewServeMux()
	api.RegisterRoutes(mux)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Service.HTTPPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Service.MetricsPort),
		Handler:           metricsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("http server listening", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		logger.Info("metrics server listening", zap.String("addr", metricsSrv.Addr))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errCh:
		logger.Error("server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown", zap.Error(err))
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown", zap.Error(err))
	}
	logger.Info("refinery stopped")
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}

// buildGateway assembles the retrying, rate-limited model gateway. A missing
// API key is not fatal: classification keeps its keyword verdict, specialists
// degrade to sentinels, and aggregation falls back deterministically, so the
// service starts in degraded mode instead of refusing to boot.
func buildGateway(cfg *config.Config, logger *zap.Logger) llm.Gateway {
	raw, err := llm.NewOpenAIGateway(llm.OpenAIConfig{
		BaseURL: cfg.Gateway.BaseURL,
		Timeout: cfg.Gateway.Timeout,
	}, logger)
	if err != nil {
		logger.Warn("model gateway unavailable, running in deterministic fallback mode", zap.Error(err))
		return llm.GatewayFunc(func(ctx context.Context, prompt string, opts llm.Options) (string, error) {
			return "", fmt.Errorf("%w: model gateway not configured", llm.ErrUpstream)
		})
	}
	return llm.NewRetryGateway(raw, llm.RetryConfig{
		MaxRetries:        cfg.Gateway.MaxRetries,
		PerCallTimeout:    cfg.Gateway.Timeout,
		RequestsPerMinute: cfg.Gateway.RequestsPerMinute,
	}, logger)
}

func buildCoordinator(cfg *config.Config, gateway llm.Gateway, logger *zap.Logger) *supervisor.Coordinator {
	classifierOpts := llm.Options{
		Model:       cfg.Model.Name,
		Temperature: cfg.Model.ClassifierTemperature,
		MaxTokens:   cfg.Model.MaxTokens,
	}
	specialistOpts := llm.Options{
		Model:       cfg.Model.Name,
		Temperature: cfg.Model.SpecialistTemperature,
		MaxTokens:   cfg.Model.MaxTokens,
	}
	moderatorOpts := llm.Options{
		Model:       cfg.Model.Name,
		Temperature: cfg.Model.DebateTemperature,
		MaxTokens:   cfg.Model.MaxTokens,
	}

	specialists := make(map[roles.Name]*roles.Specialist, len(roles.Priority))
	for _, n := range roles.Priority {
		specialists[n] = roles.NewSpecialist(n, gateway, specialistOpts, logger)
	}

	return supervisor.New(supervisor.Deps{
		Classifier:    classify.New(gateway, classifierOpts, logger),
		Specialists:   specialists,
		Analyzer:      debate.New(logger),
		Aggregator:    aggregate.New(gateway, moderatorOpts, logger),
		Parallel:      cfg.Refine.Parallel,
		DebateTimeout: cfg.Refine.DebateResolutionTimeout,
		Logger:        logger,
	})
}
