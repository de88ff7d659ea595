package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/api"
	"github.com/lalithlochan/herald/internal/campaign"
	"github.com/lalithlochan/herald/internal/circuitbreaker"
	"github.com/lalithlochan/herald/internal/config"
	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/dispatch"
	"github.com/lalithlochan/herald/internal/metrics"
	"github.com/lalithlochan/herald/internal/observ"
	"github.com/lalithlochan/herald/internal/ratelimit"
	"github.com/lalithlochan/herald/internal/redis"
	"github.com/lalithlochan/herald/internal/schedule"
	"github.com/lalithlochan/herald/internal/sequence"
	"github.com/lalithlochan/herald/internal/sns"
	"github.com/lalithlochan/herald/internal/sqs"
	"github.com/lalithlochan/herald/internal/transport"
	"github.com/lalithlochan/herald/internal/validator"
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
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting herald gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("store", cfg.StoreDriver),
	)

	ctx := context.Background()
	health := make(map[string]api.HealthCheck)

	// Storage
	var store dispatch.Store
	if cfg.StoreDriver == "memory" {
		logger.Warn("using in-memory store, state is lost on restart")
		store = db.NewMemoryStore()
	} else {
		database, err := db.New(ctx, db.Config{
			Host:     cfg.DBHost,
			Port:     cfg.DBPort,
			User:     cfg.DBUser,
			Password: cfg.DBPassword,
			Database: cfg.DBName,
			SSLMode:  cfg.DBSSLMode,
			MaxConns: int32(cfg.DBMaxConns),
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer database.Close()

		logger.Info("database connection established",
			zap.String("host", cfg.DBHost),
			zap.Int("port", cfg.DBPort),
			zap.String("database", cfg.DBName),
		)
		store = db.NewRepository(database, logger)
		health["database"] = database.Health
	}

	// Redis shares rate-limit windows and claims across replicas
	var (
		backend ratelimit.Backend = ratelimit.NewMemoryBackend()
		claims  *redis.ClaimService
	)
	if cfg.RedisEnabled {
		redisClient, err := redis.New(ctx, redis.Config{
			Host:      cfg.RedisHost,
			Port:      cfg.RedisPort,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			KeyPrefix: cfg.RedisPrefix,
		}, logger)
		if err != nil {
			logger.Warn("redis unavailable, limits and deduplication are process-local",
				zap.Error(err),
				zap.String("host", cfg.RedisHost),
			)
		} else {
			defer redisClient.Close()
			backend = redis.NewWindowBackend(redisClient, logger)
			claims = redis.NewClaimService(redisClient, logger)
			health["redis"] = redisClient.Ping
		}
	}

	limiter := ratelimit.New(ratelimit.Config{
		GlobalPerWindow:  cfg.RateGlobalPerMinute,
		ChannelPerWindow: cfg.RateChannelPerMinute,
		Window:           time.Minute,
	}, backend, logger)

	tracker := circuitbreaker.NewTracker(circuitbreaker.Config{
		MaxFailures:         cfg.BreakerMaxFailures,
		MaxRateLimitHits:    cfg.BreakerMaxRateLimitHits,
		Cooldown:            cfg.BreakerCooldown,
		HalfOpenMaxRequests: circuitbreaker.DefaultConfig().HalfOpenMaxRequests,
	}, logger)

	channels := dispatch.NewChannelRegistry(store, logger)

	// Transports, routed by each channel's driver
	drivers := []transport.Driver{
		transport.NewLogTransport(logger),
	}
	if cfg.WebhookGatewayURL != "" {
		drivers = append(drivers, transport.NewWebhookTransport(logger, transport.WebhookConfig{
			BaseURL: cfg.WebhookGatewayURL,
			Timeout: time.Duration(cfg.WebhookTimeout) * time.Second,
			Token:   cfg.WebhookToken,
		}))
	}
	smsTransport, err := transport.NewSNSTransport(ctx, transport.SNSConfig{
		Region:   cfg.SNSRegion,
		SenderID: cfg.SNSSenderID,
	}, logger)
	if err != nil {
		logger.Warn("SNS transport unavailable, sms channels disabled", zap.Error(err))
	} else {
		drivers = append(drivers, smsTransport)
	}
	multi := transport.NewMulti(logger, channels.Driver, cfg.TransportDriver, drivers...)

	logger.Info("initialized transports",
		zap.Bool("webhook_enabled", cfg.WebhookGatewayURL != ""),
		zap.Bool("sms_enabled", smsTransport != nil),
		zap.String("default_driver", cfg.TransportDriver),
	)

	// Event fan-out
	bus := dispatch.NewEventBus(logger, metrics.NewSink())
	defer bus.Close()
	if cfg.SNSEventsTopicARN != "" {
		publisher, err := sns.NewEventPublisher(ctx, sns.Config{
			Region:          cfg.SNSRegion,
			TopicARN:        cfg.SNSEventsTopicARN,
			Endpoint:        cfg.SNSEndpoint,
			RecipientEvents: cfg.SNSRecipientEvents,
		}, logger)
		if err != nil {
			logger.Warn("sns event publisher unavailable", zap.Error(err))
		} else {
			bus.Attach(publisher)
			defer publisher.Flush(context.Background())
		}
	}

	deps := dispatch.Deps{
		Store:     store,
		Transport: multi,
		Limiter:   limiter,
		Health:    tracker,
		Validator: validator.New(validator.Config{
			DefaultCountryCode: cfg.DefaultCountryCode,
			ReservedPrefix:     cfg.ReservedPrefix,
		}),
		Channels: channels,
		Events:   bus,
	}
	if claims != nil {
		deps.Claims = claims
	}

	orch := dispatch.New(dispatch.Config{
		MaxAttempts:        cfg.SendMaxAttempts,
		Backoff:            dispatch.Backoff{Base: cfg.BackoffBase, Max: cfg.BackoffMax},
		Pacing:             dispatch.DefaultPacing().WithRange(cfg.DelayMinMS, cfg.DelayMaxMS),
		DailyLimit:         cfg.ChannelDailyLimit,
		PauseOnBreakerTrip: cfg.PauseOnBreakerTrip,
		Partition:          cfg.PartitionStrategy,
		Sequence: sequence.Options{
			Completion: sequence.Completion(cfg.SequenceCompletion),
			Lookahead:  cfg.SequenceLookahead,
		},
	}, deps, logger)

	resumed, err := orch.Recover(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover jobs: %w", err)
	}
	logger.Info("dispatch engine ready",
		zap.Int("channels", len(channels.List())),
		zap.Int("jobs_resumed", resumed),
	)

	// Campaign schedules
	runner := campaign.NewRunner(campaign.Config{
		Cron: cfg.ScheduleCron,
		Assignment: schedule.Options{
			BucketCap:  cfg.ScheduleBucketCap,
			Completion: schedule.Completion(cfg.ScheduleCompletion),
			FirstMatch: schedule.FirstMatch(cfg.ScheduleFirstMatch),
		},
	}, store, orch, channels, logger)
	if err := runner.Start(); err != nil {
		return fmt.Errorf("failed to start campaign runner: %w", err)
	}

	handler := api.NewHandler(logger, orch, channels, store).WithCampaigns(runner)
	if claims != nil {
		handler.WithIdempotency(claims)
	}

	// SQS intake for asynchronous submissions
	intakeCtx, intakeCancel := context.WithCancel(context.Background())
	defer intakeCancel()
	intakeDone := make(chan struct{})
	if cfg.SQSQueueURL != "" {
		sqsCfg := sqs.Config{
			Region:   cfg.SQSRegion,
			QueueURL: cfg.SQSQueueURL,
		}
		producer, perr := sqs.NewProducer(ctx, sqsCfg, logger)
		consumer, cerr := sqs.NewConsumer(ctx, sqsCfg, logger)
		if err := errors.Join(perr, cerr); err != nil {
			logger.Warn("sqs unavailable, async submission disabled", zap.Error(err))
			close(intakeDone)
		} else {
			handler.WithQueue(producer)

			var dedup sqs.Deduper
			if claims != nil {
				dedup = claims
			}
			intake := sqs.NewIntake(consumer, orch, dedup, logger)
			go func() {
				defer close(intakeDone)
				_ = intake.Run(intakeCtx)
			}()
		}
	} else {
		close(intakeDone)
	}

	go reportDroppedEvents(intakeCtx, bus)

	router := api.NewRouter(handler, api.RouterConfig{
		Limiter:       limiter,
		RatePerMinute: cfg.APIRatePerMinute,
		Health:        health,
		Timeout:       30 * time.Second,
	})

	// Setup HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case err := <-serverErrors:
		runErr = fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	}

	// Give outstanding requests and workers 10 seconds to finish
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		_ = srv.Close()
		logger.Warn("graceful shutdown failed", zap.Error(err))
	}

	intakeCancel()
	select {
	case <-intakeDone:
	case <-shutdownCtx.Done():
	}

	runner.Stop(shutdownCtx)

	if err := orch.Close(shutdownCtx); err != nil {
		logger.Warn("dispatch workers did not stop in time", zap.Error(err))
	}

	logger.Info("server stopped gracefully")
	return runErr
}

// reportDroppedEvents mirrors the bus drop counter into metrics.
func reportDroppedEvents(ctx context.Context, bus *dispatch.EventBus) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SetEventsDropped(bus.Dropped())
		}
	}
}
