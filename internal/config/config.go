package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

const DefaultUpstreamURL = "https://api.openai.com/v1/chat/completions"

type Config struct {
	Port     int
	Host     string
	ServerID string
	Env      string

	// Optional. Without it the state endpoint is backed by memory and the
	// instance does not register itself.
	RedisURL         string
	RelayRegistryKey string
	StateKeyPrefix   string

	WSPort int

	UpstreamURL     string
	UpstreamTimeout time.Duration
	MaxBodyBytes    int64
	DevChatPrefix   string

	HealthCheckInterval int
}

func NewConfig() (*Config, error) {
	godotenv.Load()

	port, err := strconv.Atoi(getEnvWithDefault("PORT", "3000"))
	if err != nil {
		return nil, fmt.Errorf("invalid port: %w", err)
	}

	wsPort, err := strconv.Atoi(getEnvWithDefault("WS_PORT", "3001"))
	if err != nil {
		return nil, fmt.Errorf("invalid websocket port: %w", err)
	}

	timeout, err := getEnvAsDuration("UPSTREAM_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream timeout: %w", err)
	}

	maxBody, err := strconv.ParseInt(getEnvWithDefault("MAX_BODY_BYTES", "1048576"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid max body bytes: %w", err)
	}

	return &Config{
		Port:                port,
		Host:                getEnvWithDefault("HOST", "0.0.0.0"),
		ServerID:            getEnvWithDefault("SERVER_ID", "relay-"+uuid.NewString()),
		Env:                 getEnvWithDefault("ENV", "production"),
		RedisURL:            os.Getenv("REDIS_URL"),
		RelayRegistryKey:    getEnvWithDefault("RELAY_REGISTRY_KEY", "relay_servers"),
		StateKeyPrefix:      getEnvWithDefault("STATE_KEY_PREFIX", "chatrelay:state:"),
		WSPort:              wsPort,
		UpstreamURL:         getEnvWithDefault("UPSTREAM_URL", DefaultUpstreamURL),
		UpstreamTimeout:     timeout,
		MaxBodyBytes:        maxBody,
		DevChatPrefix:       getEnvWithDefault("DEV_CHAT_PREFIX", "/chat"),
		HealthCheckInterval: getEnvAsInt("HEALTH_CHECK_INTERVAL", 30),
	}, nil
}

// IsDevelopment reports whether development-only routes should be mounted.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnvWithDefault(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}

	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultValue
	}
	return n
}

// getEnvAsDuration accepts Go duration strings ("90s") or a bare number of
// seconds. "0" disables the bound.
func getEnvAsDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue, nil
	}
	var d time.Duration
	if secs, err := strconv.Atoi(val); err == nil {
		d = time.Duration(secs) * time.Second
	} else if d, err = time.ParseDuration(val); err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative", key)
	}
	return d, nil
}
