package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"example.com/runsync/internal/api"
	"example.com/runsync/internal/auth"
	"example.com/runsync/internal/config"
	"example.com/runsync/internal/consumer"
	"example.com/runsync/internal/domain"
	"example.com/runsync/internal/normalize"
	"example.com/runsync/internal/outbox"
	"example.com/runsync/internal/persistence/memory"
	persistence "example.com/runsync/internal/persistence/postgres"
	"example.com/runsync/internal/strava"
	"example.com/runsync/internal/syncer"
	httptransport "example.com/runsync/internal/transport/http"
)

const dlqBatchSize = 50

// store is what both the token and activity sides need from persistence.
type store interface {
	domain.TokenStore
	domain.ActivityStore
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	setupLogger(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		runStore store = memory.NewStore()
		pool     *pgxpool.Pool
	)
	if cfg.PostgresURL != "" {
		pool, err = pgxpool.New(ctx, cfg.PostgresURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to postgres")
		}
		defer pool.Close()
		runStore = persistence.NewRepository(pool)
	} else {
		log.Warn().Msg("POSTGRES_URL not set; runs and credentials are kept in memory")
	}

	oauthClient := strava.NewOAuthClient(cfg.Strava.TokenURL, cfg.Strava.ClientID, cfg.Strava.ClientSecret, cfg.Sync.HTTPTimeout)
	refresher := strava.NewRefresher(runStore, oauthClient,
		strava.WithSafetyMargin(cfg.Sync.TokenSafetyMargin),
		strava.WithRefresherLogger(log.Logger),
	)
	fetcher := strava.NewFetcher(strava.FetcherConfig{
		BaseURL:  cfg.Strava.APIBaseURL,
		PageSize: cfg.Sync.PageSize,
		PageCap:  cfg.Sync.PageCap,
		Timeout:  cfg.Sync.HTTPTimeout,
	}, refresher, strava.WithFetcherLogger(log.Logger))
	normalizer := normalize.New(normalize.Options{
		TimezoneBias:      cfg.Sync.TimezoneBias(),
		LocationDelimiter: cfg.Sync.LocationDelimiter,
		UnknownLocation:   cfg.Sync.UnknownLocation,
	})

	orchestrator := syncer.New(fetcher, normalizer, runStore, syncer.Config{
		ActivityKind:      cfg.Sync.ActivityKind,
		StalenessInterval: cfg.Sync.StalenessInterval,
		SyncTimeout:       cfg.Sync.Timeout,
		FailureBackoff:    cfg.Sync.FailureBackoff,
	}, syncer.WithLogger(log.Logger))
	defer orchestrator.Close()

	var waiters []func()

	if cfg.Sync.ScheduleInterval > 0 {
		scheduler := syncer.NewScheduler(orchestrator, []string{cfg.Strava.AccountID}, cfg.Sync.ScheduleInterval, log.Logger)
		go scheduler.Start(ctx)
		waiters = append(waiters, scheduler.Wait)
	}

	if cfg.Sync.TriggerTopic != "" {
		reader := consumer.NewKafkaReader(consumer.ReaderConfig{
			Brokers: cfg.KafkaBrokers,
			GroupID: cfg.Sync.ConsumerGroupID,
			Topic:   cfg.Sync.TriggerTopic,
		})
		handler := consumer.NewSyncTriggerHandler(orchestrator, cfg.Strava.AccountID, log.Logger)
		proc := consumer.NewProcessor(reader, handler, consumer.WithLogger(log.Logger))
		done := make(chan struct{})
		go func() {
			defer close(done)
			defer reader.Close()
			log.Info().Str("topic", cfg.Sync.TriggerTopic).Str("group", cfg.Sync.ConsumerGroupID).Msg("sync trigger consumer started")
			if err := proc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("sync trigger consumer stopped")
			}
		}()
		waiters = append(waiters, func() { <-done })
	}

	if pool != nil {
		producer := outbox.NewKafkaProducer(cfg.KafkaBrokers)
		defer producer.Close()

		registry := outbox.NewSchemaRegistryClient(cfg.SchemaRegistryURL)
		dispatcher := outbox.NewDispatcher(pool, producer, registry, cfg.OutboxPollInterval, cfg.OutboxBatchSize, outbox.WithLogger(log.Logger))
		go dispatcher.Start(ctx)
		waiters = append(waiters, dispatcher.Wait)

		dlq := outbox.NewDLQManager(pool, cfg.DLQMaxRetries, cfg.DLQBaseDelay, log.Logger)
		go dlq.Start(ctx, cfg.DLQPollInterval, dlqBatchSize)
		waiters = append(waiters, dlq.Wait)
	}

	handler := api.NewHandler(orchestrator, refresher, cfg.Strava.AccountID, log.Logger)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	authMiddleware := auth.NewMiddleware(auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer}, auth.PublicPaths("/healthz", "/metrics"))
	chain := httptransport.RequestLogger(log.Logger)(httptransport.CORS(cfg.CORSOrigin)(authMiddleware.Wrap(mux)))

	server := httptransport.NewServer(httptransport.DefaultServerConfig(cfg.HTTPAddress, cfg.Sync.Timeout), chain)

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Info().Str("address", cfg.HTTPAddress).Msg("runsync listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	<-shutdownCh
	log.Info().Msg("shutdown requested")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
	for _, wait := range waiters {
		wait()
	}
}

func setupLogger(level string) {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil || parsed == zerolog.NoLevel {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Str("service", "runsync").Logger()
}
