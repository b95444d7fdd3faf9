package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/api"
	"github.com/lalithlochan/courier/internal/config"
	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/notify"
	"github.com/lalithlochan/courier/internal/observ"
	"github.com/lalithlochan/courier/internal/redis"
	"github.com/lalithlochan/courier/internal/scheduler"
	"github.com/lalithlochan/courier/internal/sns"
	"github.com/lalithlochan/courier/internal/sqs"
	"github.com/lalithlochan/courier/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger("courier-gateway", cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting courier gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("queue_backend", cfg.QueueBackend),
		zap.String("email_provider", cfg.EmailProvider),
	)

	// Initialize database connection
	ctx := context.Background()
	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := db.NewRepository(database.Pool(), logger)
	if cfg.QueueBackend == config.QueuePostgres {
		// jobs are written in the same transaction as the notification
		repo.WithOutbox(cfg.Delays.Offset)
	}

	// Redis backs idempotency and rate limiting, and optionally the job queue
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		PoolSize: cfg.Workers + 10,
	}, logger)
	if err != nil {
		if cfg.QueueBackend == config.QueueRedis {
			return fmt.Errorf("redis is required for the redis queue backend: %w", err)
		}
		logger.Warn("redis unavailable, idempotency and rate limiting disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	queue, err := newQueue(ctx, cfg, database, redisClient, logger)
	if err != nil {
		return err
	}

	sched := scheduler.New(queue, cfg.Delays, logger)
	notifier := notify.NewService(repo, sched, logger)

	reconciler, err := notify.NewReconciler(notifier, repo, cfg.ReconcileInterval, logger)
	if err != nil {
		return fmt.Errorf("failed to create reconciler: %w", err)
	}
	reconciler.Start()
	defer reconciler.Stop()

	breakers := newBreakerSet(logger)
	senders, err := newSenders(ctx, cfg, breakers, logger)
	if err != nil {
		return err
	}
	if err := senders.CheckChannels(); err != nil {
		return err
	}

	dispatcher := worker.NewDispatcher(repo, senders, logger)
	if cfg.SNSTopicARN != "" {
		var publisher *sns.Publisher
		if cfg.SNSEndpoint != "" {
			publisher, err = sns.NewPublisherWithEndpoint(ctx, cfg.SNSTopicARN, cfg.SNSEndpoint, cfg.AWSRegion)
		} else {
			publisher, err = sns.NewPublisher(ctx, cfg.SNSTopicARN)
		}
		if err != nil {
			logger.Warn("sns publisher unavailable, delivery events disabled", zap.Error(err))
		} else {
			dispatcher.WithEvents(publisher)
		}
	}

	pool := scheduler.NewPool(queue, dispatcher, scheduler.PoolConfig{
		Workers:      cfg.Workers,
		BatchSize:    cfg.BatchSize,
		PollInterval: cfg.PollInterval,
	}, logger)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		pool.Start(workerCtx)
	}()

	sampler, err := scheduler.NewDepthSampler(queue, "@every 15s", logger)
	if err != nil {
		return fmt.Errorf("failed to create queue depth sampler: %w", err)
	}
	sampler.Start()
	defer sampler.Stop()

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// Custom logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	handler := api.NewHandler(logger, notifier, repo)
	var limiter api.Limiter
	if redisClient != nil {
		handler.WithIdempotency(redis.NewIdempotencyService(redisClient, logger))
		limiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.RateLimitPerMinute,
			Window: time.Minute,
		})
	}

	r.Route("/api", func(r chi.Router) {
		// Apply rate limiting to API routes
		r.Use(api.RateLimitMiddleware(limiter, logger, api.IPKeyFunc))
		handler.Routes(r)
	})

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := database.Health(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		if redisClient != nil {
			if err := redisClient.Health(r.Context()); err != nil {
				http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status":   "ok",
			"breakers": breakers.Stats(),
		})
	})

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.Handler())

	// Setup HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Block until we receive a signal or server error
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Give outstanding requests 10 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		// stop claiming; running jobs finish and un-acked ones are redelivered later
		workerCancel()
		select {
		case <-poolDone:
		case <-ctx.Done():
			logger.Warn("delivery pool did not stop in time")
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}

func newQueue(ctx context.Context, cfg *config.Config, database *db.DB, redisClient *redis.Client, logger *zap.Logger) (scheduler.Queue, error) {
	switch cfg.QueueBackend {
	case config.QueueRedis:
		return redis.NewDelayQueue(redisClient, cfg.JobLease, logger), nil
	case config.QueueSQS:
		q, err := sqs.NewQueue(ctx, sqs.Config{
			Region:   cfg.SQSRegion,
			QueueURL: cfg.SQSQueueURL,
			Lease:    cfg.JobLease,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create sqs queue: %w", err)
		}
		return q, nil
	case config.QueueMemory:
		logger.Warn("using in-memory delivery queue, scheduled jobs are lost on restart")
		return scheduler.NewMemoryQueue(cfg.JobLease), nil
	default:
		return db.NewJobQueue(database.Pool(), cfg.JobLease, logger), nil
	}
}
