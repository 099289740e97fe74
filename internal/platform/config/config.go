package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv    string `env:"APP_ENV" default:"development"`
	Port      string `env:"PORT" default:"8080"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	// Relay core
	SendQueueSize    int    `env:"SEND_QUEUE_SIZE" default:"16"`
	FailureThreshold int    `env:"FAILURE_THRESHOLD" default:"5"`
	DefaultRoom      string `env:"DEFAULT_ROOM" default:"default"`

	// WebSocket transport
	MaxMessageBytes int64         `env:"MAX_MESSAGE_BYTES" default:"65536"`
	WSWriteTimeout  time.Duration `env:"WS_WRITE_TIMEOUT" default:"5s"`
	WSPingInterval  time.Duration `env:"WS_PING_INTERVAL" default:"30s"`
	WSPongTimeout   time.Duration `env:"WS_PONG_TIMEOUT" default:"60s"`
	MessageRate     float64       `env:"MESSAGE_RATE" default:"20"`
	MessageBurst    int           `env:"MESSAGE_BURST" default:"40"`
	AllowedOrigins  []string      `env:"ALLOWED_ORIGINS"`

	// Admission
	MaxWebSocketConnections int     `env:"MAX_WEBSOCKET_CONNECTIONS" default:"10000"`
	MaxConnectionsPerIP     int     `env:"MAX_CONNECTIONS_PER_IP" default:"50"`
	ConnectionRate          float64 `env:"CONNECTION_RATE" default:"10"`
	ConnectionBurst         int     `env:"CONNECTION_BURST" default:"20"`

	// Operator API
	APIRate  float64 `env:"API_RATE" default:"5"`
	APIBurst int     `env:"API_BURST" default:"10"`
}

func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, &env.Options{SliceSep: ","}); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}
	cfg.AllowedOrigins = normalizeOrigins(cfg.AllowedOrigins)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o != "" {
			out = append(out, o)
		}
	}
	return out
}

func validate(cfg *Config) error {
	if cfg.Port == "" {
		return errors.New("PORT is required")
	}
	if cfg.SendQueueSize < 1 {
		return fmt.Errorf("SEND_QUEUE_SIZE must be at least 1, got %d", cfg.SendQueueSize)
	}
	if cfg.FailureThreshold < 0 {
		return fmt.Errorf("FAILURE_THRESHOLD must not be negative, got %d", cfg.FailureThreshold)
	}
	if cfg.DefaultRoom == "" {
		return errors.New("DEFAULT_ROOM is required")
	}
	if cfg.MaxMessageBytes < 1 {
		return fmt.Errorf("MAX_MESSAGE_BYTES must be positive, got %d", cfg.MaxMessageBytes)
	}

	durations := map[string]time.Duration{
		"WS_WRITE_TIMEOUT": cfg.WSWriteTimeout,
		"WS_PING_INTERVAL": cfg.WSPingInterval,
		"WS_PONG_TIMEOUT":  cfg.WSPongTimeout,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if cfg.WSPongTimeout <= cfg.WSPingInterval {
		return fmt.Errorf("WS_PONG_TIMEOUT (%s) must be longer than WS_PING_INTERVAL (%s)", cfg.WSPongTimeout, cfg.WSPingInterval)
	}

	if cfg.MessageRate <= 0 || cfg.MessageBurst < 1 {
		return errors.New("MESSAGE_RATE and MESSAGE_BURST must be positive")
	}
	if cfg.ConnectionRate <= 0 || cfg.ConnectionBurst < 1 {
		return errors.New("CONNECTION_RATE and CONNECTION_BURST must be positive")
	}
	if cfg.APIRate <= 0 || cfg.APIBurst < 1 {
		return errors.New("API_RATE and API_BURST must be positive")
	}
	if cfg.MaxWebSocketConnections < 1 || cfg.MaxConnectionsPerIP < 1 {
		return errors.New("MAX_WEBSOCKET_CONNECTIONS and MAX_CONNECTIONS_PER_IP must be positive")
	}

	return nil
}
