// Package config loads server settings from the environment.
package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config is the full server configuration. External services (Redis, NATS,
// Postgres) are optional; an empty address leaves that integration off.
type Config struct {
	ListenAddr string `envconfig:"LISTEN_ADDR" default:":8080"`

	TokenSecret string        `envconfig:"TOKEN_SECRET" required:"true"`
	TokenTTL    time.Duration `envconfig:"TOKEN_TTL" default:"24h"`

	Retention  int           `envconfig:"LOG_RETENTION" default:"1000"`
	QueueCap   int           `envconfig:"SUBSCRIBER_QUEUE_CAP" default:"128"`
	DrainGrace time.Duration `envconfig:"DRAIN_GRACE" default:"30s"`
	IdleWindow time.Duration `envconfig:"SESSION_IDLE_WINDOW" default:"2h"`

	SSEKeepAlive time.Duration `envconfig:"SSE_KEEPALIVE" default:"30s"`

	RedisAddr   string `envconfig:"REDIS_ADDR"`
	NATSURL     string `envconfig:"NATS_URL"`
	DatabaseURL string `envconfig:"DATABASE_URL"`

	SeedUsers bool `envconfig:"SEED_USERS" default:"true"`
}

// Load reads the configuration from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
