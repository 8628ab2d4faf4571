package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Port        int    `env:"PORT" envDefault:"8080"`
	DatabaseURL string `env:"DATABASE_URL,required"`
	RedisURL    string `env:"REDIS_URL,required"`

	ProviderBaseURL string `env:"PROVIDER_BASE_URL,required"`
	ProviderAPIKey  string `env:"PROVIDER_API_KEY"`
	ProviderModel   string `env:"PROVIDER_MODEL" envDefault:"gpt-4o-mini"`

	StaffOpsBaseURL string `env:"STAFFOPS_BASE_URL,required"`
	StaffOpsAPIKey  string `env:"STAFFOPS_API_KEY"`

	ConfirmationTTLSeconds int    `env:"CONFIRMATION_TTL_SECONDS" envDefault:"900"`
	HistoryWindow          int    `env:"HISTORY_WINDOW" envDefault:"40"`
	MaxToolRounds          int    `env:"MAX_TOOL_ROUNDS" envDefault:"8"`
	LogLevel               string `env:"LOG_LEVEL" envDefault:"info"`
}

// ConfirmationTTL is the fixed window a proposed action stays approvable.
func (c *Config) ConfirmationTTL() time.Duration {
	return time.Duration(c.ConfirmationTTLSeconds) * time.Second
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) Validate(isProduction bool) error {
	if c.HistoryWindow <= 0 {
		return fmt.Errorf("HISTORY_WINDOW must be positive")
	}
	if c.MaxToolRounds <= 0 {
		return fmt.Errorf("MAX_TOOL_ROUNDS must be positive")
	}
	if c.ConfirmationTTLSeconds <= 0 {
		return fmt.Errorf("CONFIRMATION_TTL_SECONDS must be positive")
	}

	if isProduction {
		if c.ProviderAPIKey == "" {
			log.Warn().Msg("PROVIDER_API_KEY is empty in production: provider requests will be unauthenticated")
		}
		if c.StaffOpsAPIKey == "" {
			log.Warn().Msg("STAFFOPS_API_KEY is empty in production: staffops requests will be unauthenticated")
		}
	}

	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
