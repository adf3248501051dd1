package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/whookdev/chatrelay/internal/config"
	"github.com/whookdev/chatrelay/internal/lifecycle"
	"github.com/whookdev/chatrelay/internal/redis"
	"github.com/whookdev/chatrelay/internal/relay"
	"github.com/whookdev/chatrelay/internal/server"
	"github.com/whookdev/chatrelay/internal/state"
	"github.com/whookdev/chatrelay/internal/storage"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := initiateApp(logger); err != nil {
		logger.Error("error in app lifecycle", "error", err)
		os.Exit(1)
	}
}

func initiateApp(logger *slog.Logger) error {
	cfg, err := config.NewConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	rl, err := relay.New(relay.Options{
		UpstreamURL: cfg.UpstreamURL,
		Timeout:     cfg.UpstreamTimeout,
		Validator:   relay.Chain(relay.MaxBytes(cfg.MaxBodyBytes), relay.WellFormedJSON),
	}, logger)
	if err != nil {
		return fmt.Errorf("creating relay: %w", err)
	}

	var (
		store     state.Storage = storage.NewMemory()
		heartbeat chan struct{}
	)

	if cfg.RedisURL != "" {
		rdb, err := redis.New(cfg, logger)
		if err != nil {
			return fmt.Errorf("creating redis client: %w", err)
		}

		if err := rdb.Start(ctx); err != nil {
			return fmt.Errorf("connecting to redis server: %w", err)
		}
		defer func() {
			if err := rdb.Stop(); err != nil {
				logger.Error("error stopping redis", "error", err)
			}
		}()

		store, err = storage.NewRedis(rdb.Client, cfg.StateKeyPrefix)
		if err != nil {
			return fmt.Errorf("creating state storage: %w", err)
		}

		lc, err := lifecycle.New(cfg, rdb.Client, rl, logger)
		if err != nil {
			return fmt.Errorf("creating lifecycle: %w", err)
		}

		if err := lc.Register(ctx); err != nil {
			return fmt.Errorf("registering relay: %w", err)
		}

		heartbeat = lc.MaintainRegistration(ctx)
	} else {
		logger.Warn("REDIS_URL not set, state slots are kept in memory")
	}

	srv, err := server.New(cfg, rl, store, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}

	logger.Info("starting graceful shutdown")

	if heartbeat != nil {
		select {
		case <-heartbeat:
			logger.Info("relay registration removed")
		case <-time.After(5 * time.Second):
			logger.Error("relay deregistration timed out")
		}
	}

	return nil
}
