package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hackgods/booking-engine/internal/api"
	"github.com/hackgods/booking-engine/internal/auth"
	"github.com/hackgods/booking-engine/internal/booking"
	"github.com/hackgods/booking-engine/internal/config"
	"github.com/hackgods/booking-engine/internal/db"
	"github.com/hackgods/booking-engine/internal/logging"
	"github.com/hackgods/booking-engine/internal/metrics"
	"github.com/hackgods/booking-engine/internal/notify"
	redisclient "github.com/hackgods/booking-engine/internal/redis"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := zerolog.New(os.Stderr)
		fallback.Fatal().Err(err).Msg("config load error")
	}
	logger := logging.New("api-server", cfg.Env, cfg.LogLevel)

	if err := cfg.RequireJWTSecret(); err != nil {
		logger.Fatal().Err(err).Msg("config load error")
	}

	logger.Info().
		Str("env", cfg.Env).
		Str("http_port", cfg.HTTPPort).
		Str("lock_backend", cfg.LockBackend).
		Str("notifier", cfg.Notifier).
		Msg("api-server starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, db.DefaultPoolOptions)
	if err == nil {
		err = db.CheckSchema(pgCtx, pgPool)
	}
	cancelPg()
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()
	logger.Info().Msg("connected to Postgres")

	routerCfg := api.RouterConfig{
		Logger:   logger,
		Postgres: pgPool,
		Env:      cfg.Env,
		Version:  version,
	}

	var rdb *redis.Client
	if cfg.UsesRedis() {
		rdb, err = redisclient.NewRedisClient(rootCtx, cfg)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection error")
		}
		defer func() {
			if err := rdb.Close(); err != nil {
				logger.Error().Err(err).Msg("error closing redis")
			}
		}()
		routerCfg.Redis = api.PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
		logger.Info().Str("addr", cfg.RedisAddr).Msg("connected to Redis")
	}

	var locker booking.Locker = booking.NewLocalLocker()
	if cfg.LockBackend == config.LockBackendRedis {
		locker = redisclient.NewLocker(rdb, cfg.LockTTL)
	}

	var notifier booking.Notifier = booking.NopNotifier()
	if cfg.Notifier != config.NotifierNone {
		hub := notify.NewHub(logger)
		routerCfg.Websocket = notify.NewHandler(hub, logger,
			notify.WithAllowedOrigins(cfg.WSAllowedOrigins),
			notify.WithUnauthenticated(api.Unauthenticated),
		)
		notifier = hub

		if cfg.Notifier == config.NotifierRedis {
			notifier = redisclient.NewPublisher(rdb)
			relay := notify.NewRelay(rdb, hub, logger)
			go func() {
				if err := relay.Run(rootCtx); err != nil {
					logger.Error().Err(err).Msg("notification relay stopped")
				}
			}()
		}
	}

	m := metrics.New("booking")
	routerCfg.Metrics = m

	svc := booking.NewService(
		booking.NewPgRepository(pgPool),
		locker,
		notifier,
		booking.WithLogger(logger),
		booking.WithObserver(m),
		booking.WithNotifyTimeout(cfg.NotifyTimeout),
	)
	routerCfg.Service = svc
	routerCfg.Authenticator = auth.NewAuthenticator(cfg.JWTSecret)

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           api.NewRouter(routerCfg),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-rootCtx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		logger.Error().Err(err).Msg("http server error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown error")
	}
	if err := svc.Drain(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("pending notifications dropped")
	}

	logger.Info().Msg("api-server stopped")
}
