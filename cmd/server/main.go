// Package main is the entry point for the togglr server.
//
// The bootstrap sequence is:
//  1. Load configuration from environment variables.
//  2. Connect to PostgreSQL via pgxpool and apply migrations.
//  3. Warm the analytics aggregator from the evaluation log.
//  4. Create the service (eagerly loading the flag snapshot, optionally
//     through Redis).
//  5. Wire up the API key token validator and auth rate limiter.
//  6. Start the HTTP server (:8080) and gRPC server (:9090) concurrently.
//  7. Wait for SIGINT/SIGTERM, then gracefully shut down both servers and
//     flush pending analytics.
//
// "togglr apikey ..." manages API keys instead of starting the server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"google.golang.org/grpc"

	togglrv1 "github.com/matt-riley/togglr/api/proto/v1"
	"github.com/matt-riley/togglr/internal/analytics"
	"github.com/matt-riley/togglr/internal/cache"
	"github.com/matt-riley/togglr/internal/config"
	"github.com/matt-riley/togglr/internal/core"
	"github.com/matt-riley/togglr/internal/logging"
	"github.com/matt-riley/togglr/internal/metrics"
	"github.com/matt-riley/togglr/internal/middleware"
	"github.com/matt-riley/togglr/internal/repository"
	"github.com/matt-riley/togglr/internal/server"
	"github.com/matt-riley/togglr/internal/service"
	"github.com/matt-riley/togglr/internal/tracing"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const (
	shutdownTimeout       = 10 * time.Second
	httpReadHeaderTimeout = 5 * time.Second
	httpReadTimeout       = 30 * time.Second
	httpIdleTimeout       = 2 * time.Minute
	warmTimeout           = 30 * time.Second
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "apikey" {
		if err := runAPIKeyCommand(context.Background(), os.Args[2:], os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)

	shutdownTracer, err := tracing.Init(context.Background(),
		tracing.WithSampleRatio(cfg.TraceSampleRatio),
		tracing.WithServiceVersion(version),
	)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("tracer shutdown error", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	if err := runMigrations(ctx, pool, log); err != nil {
		return err
	}

	repo := repository.NewPostgresRepository(pool)
	m := metrics.New()
	metrics.RegisterPoolMetrics(m.Registry, pool)

	aggregator := analytics.NewAggregator(
		analytics.WithRetention(cfg.AnalyticsRetention),
		analytics.WithMaxLateness(cfg.AnalyticsMaxLateness),
	)
	warmAggregator(ctx, repo, aggregator, logging.Component(log, "analytics"))

	recorder := analytics.NewRecorder(aggregator, repo, analytics.RecorderConfig{
		BufferSize:    cfg.AnalyticsBufferSize,
		BatchSize:     cfg.EventBatchSize,
		FlushInterval: cfg.AnalyticsFlushInterval,
		Logger:        logging.Component(log, "analytics"),
		OnDrop:        m.AddAnalyticsDropped,
		OnPersist:     m.ObserveAnalyticsPersist,
	})
	janitor := analytics.NewJanitor(
		meteredPruner{pruner: repo, onPruned: m.AddAnalyticsPruned},
		aggregator,
		cfg.EvaluationRetentionDays,
		logging.Component(log, "analytics"),
	)

	// Background workers stop with ctx; the recorder is flushed after the
	// transports have drained.
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	var workers sync.WaitGroup
	workers.Go(func() { recorder.Run(workerCtx) })
	workers.Go(func() { janitor.Run(workerCtx) })

	svcOpts := []service.Option{
		service.WithLogger(logging.Component(log, "snapshot")),
		service.WithSnapshotPolicy(cfg.SnapshotResyncInterval, cfg.SnapshotMaxStaleness),
		service.WithSnapshotMetrics(m.IncSnapshotLoads, m.IncSnapshotFailures, m.IncSnapshotInvalidations, m.SetSnapshot),
		service.WithEvaluationMetrics(m.RecordEvaluation),
		service.WithAnalytics(recorder, aggregator),
		service.WithOrchestrator(core.Orchestrator{ParallelThreshold: cfg.ParallelEvaluationThreshold}),
	}
	if cfg.RedisURL != "" {
		snapshotCache, err := cache.New(ctx, cfg.RedisURL, cfg.SnapshotCacheTTL)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer snapshotCache.Close()
		svcOpts = append(svcOpts, service.WithSnapshotCache(snapshotCache))
		log.Info("snapshot cache enabled", "ttl", cfg.SnapshotCacheTTL)
	}

	svc, err := service.New(ctx, repo, svcOpts...)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}

	rateLimiter := middleware.NewRateLimiter(ctx, cfg.AuthRateLimit)
	defer rateLimiter.Stop()
	authOpts := []middleware.AuthOption{
		middleware.WithOnAuthFailure(m.IncAuthFailures),
		middleware.WithRateLimiter(rateLimiter),
	}
	tokenValidator := middleware.NewAPIKeyValidator(repo)

	apiHandler := server.NewHTTPHandler(svc,
		server.WithStreamPollInterval(cfg.StreamPollInterval),
		server.WithMaxBodyBytes(cfg.MaxJSONBodySize),
		server.WithMetricsHandler(m.Handler()),
		server.WithHTTPObserver(m),
	)
	httpHandler := middleware.HTTPRequestLogging(log)(newHTTPHandler(apiHandler, tokenValidator, authOpts...))

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           otelhttp.NewHandler(httpHandler, "togglr-http"),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       httpReadTimeout,
		IdleTimeout:       httpIdleTimeout,
	}

	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			middleware.UnaryRequestLoggingInterceptor(log),
			m.UnaryServerInterceptor(),
			middleware.UnaryBearerAuthInterceptor(tokenValidator, authOpts...),
		),
		grpc.ChainStreamInterceptor(
			middleware.StreamRequestLoggingInterceptor(log),
			m.StreamServerInterceptor(),
			middleware.StreamBearerAuthInterceptor(tokenValidator, authOpts...),
		),
	)
	togglrv1.RegisterEvaluationServiceServer(grpcServer, server.NewGRPCServer(svc,
		server.WithWatchPollInterval(cfg.StreamPollInterval),
		server.WithGRPCObserver(m),
	))

	httpListener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen HTTP %s: %w", cfg.HTTPAddr, err)
	}
	defer httpListener.Close()

	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen gRPC %s: %w", cfg.GRPCAddr, err)
	}
	defer grpcListener.Close()

	serveErrCh := make(chan error, 2)
	go func() {
		if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- fmt.Errorf("serve HTTP: %w", err)
		}
	}()
	go func() {
		if err := grpcServer.Serve(grpcListener); err != nil {
			serveErrCh <- fmt.Errorf("serve gRPC: %w", err)
		}
	}()

	log.Info("server started", "version", version, "http_addr", cfg.HTTPAddr, "grpc_addr", cfg.GRPCAddr)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-serveErrCh:
	}
	stop()

	log.Info("server shutting down")

	httpShutdownCtx, cancelHTTP := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelHTTP()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		if serveErr == nil {
			serveErr = fmt.Errorf("shutdown HTTP: %w", err)
		}
	}

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(shutdownTimeout):
		grpcServer.Stop()
	}

	flushCtx, cancelFlush := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelFlush()
	if err := recorder.Close(flushCtx); err != nil {
		log.Warn("analytics flush incomplete", "error", err)
	}
	stopWorkers()
	workers.Wait()

	return serveErr
}

// loadConfig reads an optional .env file before parsing the environment.
// Variables already set take precedence over the file.
func loadConfig() (config.Config, error) {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func newHTTPHandler(apiHandler http.Handler, tokenValidator middleware.TokenValidator, opts ...middleware.AuthOption) http.Handler {
	protectedAPIHandler := middleware.HTTPBearerAuthMiddleware(tokenValidator, opts...)(apiHandler)

	mux := http.NewServeMux()
	mux.Handle("/v1/", protectedAPIHandler)
	mux.Handle("GET /healthz", apiHandler)
	mux.Handle("GET /metrics", apiHandler)

	return mux
}

type minuteCounter interface {
	CountEvaluationsSince(ctx context.Context, since time.Time) ([]analytics.MinuteCount, error)
}

// warmAggregator replays the evaluation log that is still inside the
// aggregator's retention. Failure only costs history, so it is logged.
func warmAggregator(ctx context.Context, counter minuteCounter, aggregator *analytics.Aggregator, logger *slog.Logger) {
	warmCtx, cancel := context.WithTimeout(ctx, warmTimeout)
	defer cancel()

	since := time.Now().Add(-aggregator.Retention())
	counts, err := counter.CountEvaluationsSince(warmCtx, since)
	if err != nil {
		logger.Warn("warm analytics failed", "since", since, "error", err)
		return
	}

	accepted := aggregator.Warm(counts)
	logger.Info("analytics warmed", "rows", len(counts), "accepted", accepted)
}

type meteredPruner struct {
	pruner   analytics.Pruner
	onPruned func(n int64)
}

func (p meteredPruner) DeleteEvaluationsBefore(ctx context.Context, before time.Time) (int64, error) {
	n, err := p.pruner.DeleteEvaluationsBefore(ctx, before)
	if err == nil && n > 0 && p.onPruned != nil {
		p.onPruned(n)
	}
	return n, err
}
