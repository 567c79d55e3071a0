// Package config loads the relay's environment-driven configuration.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable the relay reads from the environment.
type Config struct {
	Host                  string
	Port                  int
	WebhookSecret         string
	OutboundQueueCapacity int
	IdleTimeout           time.Duration
	DrainTimeout          time.Duration
	RateLimitPerMinute    int
	MaxConnsPerIP         int
	MaxConnsTotal         int
	SecretProjectID       string
}

// Load reads configuration from environment variables, applying defaults for
// anything unset.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("HOST", "0.0.0.0")
	v.SetDefault("PORT", 8080)
	v.SetDefault("FORGE_WEBHOOK_SECRET", "")
	v.SetDefault("OUTBOUND_QUEUE_CAPACITY", 256)
	v.SetDefault("IDLE_TIMEOUT_SECONDS", 60)
	v.SetDefault("DRAIN_TIMEOUT_SECONDS", 2)
	v.SetDefault("RATE_LIMIT_PER_MINUTE", 300)
	v.SetDefault("MAX_CONNS_PER_IP", 10)
	v.SetDefault("MAX_CONNS_TOTAL", 1000)
	v.SetDefault("SECRET_PROJECT_ID", "")

	cfg := &Config{
		Host:                  v.GetString("HOST"),
		Port:                  v.GetInt("PORT"),
		WebhookSecret:         v.GetString("FORGE_WEBHOOK_SECRET"),
		OutboundQueueCapacity: v.GetInt("OUTBOUND_QUEUE_CAPACITY"),
		IdleTimeout:           time.Duration(v.GetInt("IDLE_TIMEOUT_SECONDS")) * time.Second,
		DrainTimeout:          time.Duration(v.GetInt("DRAIN_TIMEOUT_SECONDS")) * time.Second,
		RateLimitPerMinute:    v.GetInt("RATE_LIMIT_PER_MINUTE"),
		MaxConnsPerIP:         v.GetInt("MAX_CONNS_PER_IP"),
		MaxConnsTotal:         v.GetInt("MAX_CONNS_TOTAL"),
		SecretProjectID:       v.GetString("SECRET_PROJECT_ID"),
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT %d", c.Port)
	}
	if c.OutboundQueueCapacity <= 0 {
		return fmt.Errorf("invalid OUTBOUND_QUEUE_CAPACITY %d", c.OutboundQueueCapacity)
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("invalid IDLE_TIMEOUT_SECONDS %s", c.IdleTimeout)
	}
	if c.DrainTimeout <= 0 {
		return fmt.Errorf("invalid DRAIN_TIMEOUT_SECONDS %s", c.DrainTimeout)
	}
	if c.RateLimitPerMinute <= 0 || c.MaxConnsPerIP <= 0 || c.MaxConnsTotal <= 0 {
		return fmt.Errorf("limits must be positive")
	}
	return nil
}

// Addr returns the host:port bind address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
