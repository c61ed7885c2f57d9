package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	FabricMemory = "memory"
	FabricRedis  = "redis"
)

type Config struct {
	HTTPAddr string     `env:"HTTP_ADDR" envDefault:":8080"`
	DBPath   string     `env:"DB_PATH" envDefault:"data/tabletop.db"`
	LogLevel slog.Level `env:"LOG_LEVEL" envDefault:"INFO"`

	// Fabric selects the broadcast backend. Redis is needed once more than
	// one server process serves the same matches.
	Fabric      string `env:"FABRIC" envDefault:"memory"`
	RedisURL    string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	RedisPrefix string `env:"REDIS_PREFIX" envDefault:"tabletop."`

	ServiceName  string `env:"OTEL_SERVICE_NAME" envDefault:"tabletop"`
	OTELEndpoint string `env:"OTEL_ENDPOINT"`

	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"1h"`
}

// Load reads the environment, after applying an optional .env file from the
// working directory. Variables already set take precedence over the file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c Config) validate() error {
	switch c.Fabric {
	case FabricMemory, FabricRedis:
	default:
		return fmt.Errorf("FABRIC must be %q or %q, got %q", FabricMemory, FabricRedis, c.Fabric)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive, got %s", c.SweepInterval)
	}
	return nil
}
