package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	DBSource        string        `env:"DB_SOURCE"`
	StoreDriver     string        `env:"STORE_DRIVER,default=postgres"`
	Port            string        `env:"SERVER_PORT,default=8080"`
	Env             string        `env:"ENVIRONMENT,default=development"`
	LogLevel        string        `env:"LOG_LEVEL,default=info"`
	CORSOrigin      string        `env:"CORS_ORIGIN,default=*"`
	RateLimitRPS    float64       `env:"RATE_LIMIT_RPS,default=50"`
	RateLimitBurst  int           `env:"RATE_LIMIT_BURST,default=100"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`
	// DemoAccounts seeds the memory store with that many funded users.
	DemoAccounts int `env:"DEMO_ACCOUNTS,default=0"`
}

// Load reads the environment, after merging in a .env file from the
// working directory when one exists. Real environment variables win.
func Load() (*Config, error) {
	return load(".env")
}

func load(envFile string) (*Config, error) {
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read %s: %w", envFile, err)
	}

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode environment: %w", err)
	}

	switch cfg.StoreDriver {
	case DriverPostgres:
		if cfg.DBSource == "" {
			return nil, fmt.Errorf("DB_SOURCE environment variable is required")
		}
	case DriverMemory:
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}

	return &cfg, nil
}
