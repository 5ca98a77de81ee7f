package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/booking-engine/internal/booking"
	"github.com/hackgods/booking-engine/internal/config"
	"github.com/hackgods/booking-engine/internal/db"
	"github.com/hackgods/booking-engine/internal/logging"
	"github.com/hackgods/booking-engine/internal/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := zerolog.New(os.Stderr)
		fallback.Fatal().Err(err).Msg("config load error")
	}
	logger := logging.New("reconcile-worker", cfg.Env, cfg.LogLevel)
	logger.Info().Str("env", cfg.Env).Dur("interval", cfg.WorkerInterval).Msg("reconcile worker starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, db.PoolOptions{MaxConns: 2})
	if err == nil {
		err = db.CheckSchema(pgCtx, pgPool)
	}
	cancelPg()
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()
	logger.Info().Msg("connected to Postgres")

	m := metrics.New("booking")
	go serveMetrics(rootCtx, logger, m, os.Getenv("METRICS_ADDR"))

	// Repairs run under the database's row locks, so an in-process locker is
	// enough even when API instances share Redis locks.
	svc := booking.NewService(
		booking.NewPgRepository(pgPool),
		booking.NewLocalLocker(),
		nil,
		booking.WithLogger(logger),
		booking.WithObserver(m),
	)

	// Run once at startup
	runOnce(rootCtx, logger, svc, m)

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			logger.Info().Msg("shutdown signal received, stopping reconcile worker")
			return
		case <-ticker.C:
			runOnce(rootCtx, logger, svc, m)
		}
	}
}

func runOnce(ctx context.Context, logger zerolog.Logger, svc *booking.Service, m *metrics.Metrics) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	repaired, err := svc.ReconcileSlots(runCtx)
	if err != nil {
		logger.Error().Err(err).Msg("reconcile run error")
		return
	}
	m.Reconciled.Add(float64(repaired))
	logger.Info().Int("repaired", repaired).Dur("took", time.Since(start)).Msg("reconcile run complete")
}

func serveMetrics(ctx context.Context, logger zerolog.Logger, m *metrics.Metrics, addr string) {
	if addr == "" {
		return
	}
	srv := &http.Server{Addr: addr, Handler: m.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
