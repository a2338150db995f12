// Command gateway runs the ephemeral message gateway: HTTP publish and SSE
// streaming in front of a Kafka-compatible broker, with per-tenant quotas.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/gmslzr/ephemeral-be/internal/auth"
	"github.com/gmslzr/ephemeral-be/internal/broker"
	"github.com/gmslzr/ephemeral-be/internal/config"
	"github.com/gmslzr/ephemeral-be/internal/limits"
	"github.com/gmslzr/ephemeral-be/internal/logging"
	"github.com/gmslzr/ephemeral-be/internal/metrics"
	"github.com/gmslzr/ephemeral-be/internal/quota"
	"github.com/gmslzr/ephemeral-be/internal/server"
	"github.com/gmslzr/ephemeral-be/internal/store"
	"github.com/gmslzr/ephemeral-be/internal/stream"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// Config errors are reported through a minimal bootstrap logger; the real
	// one needs the config first.
	bootstrap := logging.New(logging.Options{Level: "info", Format: "json"})

	cfg, err := config.Load(&bootstrap)
	if err != nil {
		bootstrap.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	cfg.LogConfig(logger)

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Gateway failed")
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	tokens, err := auth.NewTokenManager(cfg.JWTSecret)
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.DatabaseURL, store.Options{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	})
	if err != nil {
		return err
	}
	defer st.Close()

	migrateCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := st.Migrate(migrateCtx); err != nil {
		return err
	}
	logger.Info().Msg("Database migrations applied")

	kafka, err := broker.New(cfg.KafkaBrokers(), logger)
	if err != nil {
		return err
	}
	defer kafka.Close()

	limiter := limits.New(cfg.RateLimitRequests, cfg.RateLimitPeriod, logger)
	defer limiter.Stop()

	collector := metrics.NewCollector(logger, cfg.MetricsInterval)
	collector.Start()
	defer collector.Stop()

	srv := server.New(server.Deps{
		Config:   cfg,
		Logger:   logger,
		Store:    st,
		Broker:   server.NewKafkaBroker(kafka),
		Quota:    quota.NewEngine(st.DB(), logger),
		Registry: stream.NewRegistry(),
		Limiter:  limiter,
		Resolver: auth.NewResolver(tokens, st, logger),
		Tokens:   tokens,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	}

	// Drain HTTP first so open streams observe their contexts ending; the
	// deferred teardown then stops the limiter, collector, broker and store.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info().Msg("Gateway stopped")
	return nil
}
