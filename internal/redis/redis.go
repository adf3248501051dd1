package redis

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/whookdev/chatrelay/internal/config"
)

type RedisServer struct {
	cfg    *config.Config
	Client *redis.Client
	logger *slog.Logger
}

func New(cfg *config.Config, logger *slog.Logger) (*RedisServer, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("redis url cannot be empty")
	}
	logger = logger.With("component", "redis")

	rs := &RedisServer{
		cfg:    cfg,
		logger: logger,
	}

	return rs, nil
}

// options accepts either a redis:// URL or a bare host:port address.
func (rs *RedisServer) options() (*redis.Options, error) {
	if strings.Contains(rs.cfg.RedisURL, "://") {
		opt, err := redis.ParseURL(rs.cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse redis url: %w", err)
		}
		return opt, nil
	}

	return &redis.Options{
		Addr:     rs.cfg.RedisURL,
		Password: "",
		DB:       0,
	}, nil
}

func (rs *RedisServer) Start(ctx context.Context) error {
	opt, err := rs.options()
	if err != nil {
		return err
	}
	rs.Client = redis.NewClient(opt)

	if err := rs.Client.Ping(ctx).Err(); err != nil {
		rs.logger.Error("failed to connect to redis", "error", err)
		return err
	}

	rs.logger.Info("redis connection established successfully", "addr", opt.Addr)
	return nil
}

func (rs *RedisServer) Stop() error {
	if rs.Client != nil {
		if err := rs.Client.Close(); err != nil {
			rs.logger.Error("failed to close redis connection", "error", err)
			return fmt.Errorf("failed to close redis connection: %w", err)
		}
		rs.logger.Info("redis connection closed successfully")
	}
	return nil
}
