package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Port           int           `envconfig:"PORT" default:"8080"`
	AuthSecret     string        `envconfig:"AUTH_SECRET" default:""`
	AllowedOrigins string        `envconfig:"ALLOWED_ORIGINS" default:"localhost:5173,localhost:3000"`
	SweepInterval  time.Duration `envconfig:"SWEEP_INTERVAL" default:"30s"`
	PresenceTTL    time.Duration `envconfig:"PRESENCE_TTL" default:"60s"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
