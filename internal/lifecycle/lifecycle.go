package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/whookdev/chatrelay/internal/config"
)

// LoadReporter reports how many upstream calls are currently outstanding.
type LoadReporter interface {
	InFlight() int64
}

type Lifecycle struct {
	cfg    *config.Config
	logger *slog.Logger
	rdb    *redis.Client
	load   LoadReporter
}

type ServerInfo struct {
	Load          int64     `json:"load"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	RelayURL      string    `json:"relay_url"`
	RelayWSURL    string    `json:"relay_ws_url"`
}

func New(cfg *config.Config, redis *redis.Client, load LoadReporter, logger *slog.Logger) (*Lifecycle, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if redis == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if load == nil {
		return nil, fmt.Errorf("load reporter cannot be nil")
	}

	logger = logger.With("component", "lifecycle")

	lc := &Lifecycle{
		cfg:    cfg,
		rdb:    redis,
		load:   load,
		logger: logger,
	}

	return lc, nil
}

func (lc *Lifecycle) Register(ctx context.Context) error {
	if err := lc.updateHeartbeat(ctx); err != nil {
		return fmt.Errorf("failed to register relay: %w", err)
	}

	lc.logger.Info("registered relay", "server_id", lc.cfg.ServerID)
	return nil
}

func (lc *Lifecycle) MaintainRegistration(ctx context.Context) chan struct{} {
	done := make(chan struct{})

	interval := time.Duration(lc.cfg.HealthCheckInterval) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		lc.logger.Info("heartbeat routine started", "interval", interval)

		for {
			select {
			case <-ticker.C:
				if err := lc.updateHeartbeat(ctx); err != nil {
					lc.logger.Error("failed heartbeat", "error", err)
				}
			case <-ctx.Done():
				lc.logger.Info("context cancelled, removing relay registration")
				if err := lc.deregister(); err != nil {
					lc.logger.Error("failed to de-register relay", "error", err)
				} else {
					lc.logger.Info("de-registered relay")
				}
				lc.logger.Info("heartbeat routine stopped")
				return
			}
		}
	}()

	return done
}

func (lc *Lifecycle) deregister() error {
	// The parent context is already cancelled by the time this runs.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result := lc.rdb.HDel(ctx, lc.cfg.RelayRegistryKey, lc.cfg.ServerID)
	if err := result.Err(); err != nil {
		return fmt.Errorf("failed to de-register relay: %w", err)
	}
	return nil
}

func (lc *Lifecycle) updateHeartbeat(ctx context.Context) error {
	info := &ServerInfo{
		Load:          lc.load.InFlight(),
		LastHeartbeat: time.Now(),
		RelayURL:      fmt.Sprintf("http://%s:%d", lc.cfg.Host, lc.cfg.Port),
		RelayWSURL:    fmt.Sprintf("ws://%s:%d/tunnel", lc.cfg.Host, lc.cfg.WSPort),
	}

	val, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal heartbeat info: %w", err)
	}

	result := lc.rdb.HSet(ctx,
		lc.cfg.RelayRegistryKey,
		lc.cfg.ServerID,
		string(val),
	)
	if err := result.Err(); err != nil {
		return fmt.Errorf("failed to update heartbeat: %w", err)
	}

	lc.logger.Debug("heartbeat update", "server_id", lc.cfg.ServerID, "load", info.Load)
	return nil
}
