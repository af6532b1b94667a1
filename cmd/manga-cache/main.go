// Command manga-cache runs the cache-first mediation service behind an
// HTTP facade.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/manga-cache/pkg/blob"
	"github.com/Sternrassler/manga-cache/pkg/client"
	"github.com/Sternrassler/manga-cache/pkg/clock"
	"github.com/Sternrassler/manga-cache/pkg/config"
	"github.com/Sternrassler/manga-cache/pkg/logging"
	"github.com/Sternrassler/manga-cache/pkg/mediator"
	"github.com/Sternrassler/manga-cache/pkg/metrics"
	"github.com/Sternrassler/manga-cache/pkg/quota"
	"github.com/Sternrassler/manga-cache/pkg/store"
)

func main() {
	configPath := flag.String("config", os.Getenv(config.EnvPrefix+"_CONFIG"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("Service failed")
	}
}

// run wires the service and blocks until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config) error {
	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
	}()

	logCfg := cfg.Log
	if logCfg.File.Path != "" {
		w, err := logging.OpenFile(logCfg.File)
		if err != nil {
			return err
		}
		closers = append(closers, w)
		logCfg.Output = w
	}
	logger := logging.Setup(logCfg)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	closers = append(closers, redisClient)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err := redisClient.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		return fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
	}
	logger.Info().Str("addr", cfg.Redis.Addr).Msg("Connected to Redis")

	banLog, banCloser := client.OpenBanLog(cfg.BanLog, clock.New())
	closers = append(closers, banCloser)

	a, err := build(cfg, redisClient, banLog, clock.New(), metrics.Registry)
	if err != nil {
		return err
	}

	janitorCtx, stopJanitor := context.WithCancel(ctx)
	defer stopJanitor()
	go a.mediator.RunJanitor(janitorCtx)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           a.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", srv.Addr).
			Str("upstream", cfg.Upstream.BaseURL).
			Int("identities", len(cfg.Upstream.Identities)).
			Msg("HTTP server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	logger.Info().Msg("HTTP server stopped")
	return nil
}

// build assembles the mediation core and the facade around it.
func build(cfg *config.Config, redisClient *redis.Client, banLog *client.BanLog, clk clock.Clock, reg prometheus.Registerer) (*api, error) {
	st := store.New(redisClient, clk, logging.NewLogger("store"))
	quotas := quota.NewManager(st, cfg.Quota, clk, logging.NewLogger("quota"))

	tracker := metrics.NewTracker(clk)
	if reg != nil {
		if err := reg.Register(tracker); err != nil {
			return nil, fmt.Errorf("register tracker: %w", err)
		}
	}

	peer, err := client.NewHTTPPeer(cfg.Upstream.BaseURL, cfg.Upstream.Timeout)
	if err != nil {
		return nil, err
	}
	pool, err := client.NewIdentityPool(cfg.Upstream.Identities, nil)
	if err != nil {
		return nil, err
	}
	upstream, err := client.New(peer, pool, cfg.Retry,
		client.WithClock(clk),
		client.WithBanLog(banLog),
		client.WithObserver(tracker),
		client.WithLogger(logging.NewLogger("upstream-client")),
	)
	if err != nil {
		return nil, err
	}

	blobs, err := blob.NewFSStore(cfg.Blob.Path)
	if err != nil {
		return nil, err
	}

	medLogger := logging.NewLogger("mediator")
	med, err := mediator.New(mediator.Deps{
		Store:    st,
		Quota:    quotas,
		Upstream: upstream,
		Blobs:    blobs,
		Tracker:  tracker,
		Clock:    clk,
		Logger:   &medLogger,
	}, cfg.Cache)
	if err != nil {
		return nil, err
	}

	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	return &api{
		mediator: med,
		quotas:   quotas,
		ping:     func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		gatherer: gatherer,
		logger:   logging.NewLogger("http"),
		timeout:  cfg.Upstream.Timeout * time.Duration(cfg.Retry.MaxAttempts+1),
	}, nil
}
