package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port               string        `mapstructure:"PORT"`
	Env                string        `mapstructure:"ENV"`
	DatabaseURL        string        `mapstructure:"DATABASE_URL"`
	DBMaxConns         int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns         int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL           string        `mapstructure:"REDIS_URL"`
	AppKey             string        `mapstructure:"APP_KEY"`
	AgentHost          string        `mapstructure:"AGENT_HOST"`
	AgentAPIKey        string        `mapstructure:"AGENT_API_KEY"`
	AgentID            string        `mapstructure:"AGENT_ID"`
	AgentTimeout       time.Duration `mapstructure:"AGENT_TIMEOUT"`
	AgentRPS           float64       `mapstructure:"AGENT_RPS"`
	AgentBurst         int           `mapstructure:"AGENT_BURST"`
	EvaluationInterval time.Duration `mapstructure:"EVALUATION_INTERVAL"`
	LockTTL            time.Duration `mapstructure:"LOCK_TTL"`
	CatalogFile        string        `mapstructure:"CATALOG_FILE"`
	OTLPEndpoint       string        `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	TrendFreshness     time.Duration `mapstructure:"TREND_FRESHNESS"`
	RateLimitRPS       float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst     int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout     time.Duration `mapstructure:"REQUEST_TIMEOUT"`
}

var keys = []string{
	"PORT",
	"ENV",
	"DATABASE_URL",
	"DB_MAX_CONNS",
	"DB_MIN_CONNS",
	"REDIS_URL",
	"APP_KEY",
	"AGENT_HOST",
	"AGENT_API_KEY",
	"AGENT_ID",
	"AGENT_TIMEOUT",
	"AGENT_RPS",
	"AGENT_BURST",
	"EVALUATION_INTERVAL",
	"LOCK_TTL",
	"CATALOG_FILE",
	"OTEL_EXPORTER_OTLP_ENDPOINT",
	"TREND_FRESHNESS",
	"RATE_LIMIT_RPS",
	"RATE_LIMIT_BURST",
	"REQUEST_TIMEOUT",
}

// Load reads the configuration from the environment and an optional .env
// file. Only DATABASE_URL is required here; Validate checks what serving
// additionally needs.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("AGENT_TIMEOUT", "10s")
	v.SetDefault("AGENT_RPS", 5)
	v.SetDefault("AGENT_BURST", 10)
	v.SetDefault("EVALUATION_INTERVAL", "5m")
	v.SetDefault("LOCK_TTL", "2m")
	v.SetDefault("TREND_FRESHNESS", "1h")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("REQUEST_TIMEOUT", "30s")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range keys {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.AgentHost = strings.TrimRight(cfg.AgentHost, "/")

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// UsesSQLite reports whether DATABASE_URL selects the embedded store.
func (c *Config) UsesSQLite() bool {
	return strings.HasPrefix(c.DatabaseURL, "sqlite://")
}

// Validate checks that the configuration is safe to serve with.
func (c *Config) Validate() error {
	if c.AppKey == "" {
		return fmt.Errorf("APP_KEY is required")
	}
	if c.IsProduction() && len(c.AppKey) < 16 {
		return fmt.Errorf("APP_KEY must be at least 16 characters in production, got %d", len(c.AppKey))
	}

	if c.AgentHost == "" {
		return fmt.Errorf("AGENT_HOST is required")
	}
	u, err := url.Parse(c.AgentHost)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("AGENT_HOST must be an http(s) URL, got %q", c.AgentHost)
	}

	if !c.UsesSQLite() && !strings.HasPrefix(c.DatabaseURL, "postgres://") &&
		!strings.HasPrefix(c.DatabaseURL, "postgresql://") {
		return fmt.Errorf("DATABASE_URL must use postgres:// or sqlite://")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}

	if c.AgentTimeout <= 0 {
		return fmt.Errorf("AGENT_TIMEOUT must be positive")
	}
	if c.AgentRPS <= 0 || c.AgentBurst < 1 {
		return fmt.Errorf("AGENT_RPS must be positive and AGENT_BURST at least 1")
	}
	if c.EvaluationInterval < time.Second {
		return fmt.Errorf("EVALUATION_INTERVAL must be at least 1s, got %s", c.EvaluationInterval)
	}
	if c.LockTTL < time.Second {
		return fmt.Errorf("LOCK_TTL must be at least 1s, got %s", c.LockTTL)
	}
	if c.LockTTL <= c.ContractBudget(1) {
		return fmt.Errorf("LOCK_TTL (%s) must exceed one agent call (%s)", c.LockTTL, c.ContractBudget(1))
	}
	if c.TrendFreshness <= 0 {
		return fmt.Errorf("TREND_FRESHNESS must be positive")
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst < 1 {
		return fmt.Errorf("RATE_LIMIT_RPS must be positive and RATE_LIMIT_BURST at least 1")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive")
	}
	return nil
}

// ContractBudget is the longest a sequence of calls to the monitoring agent
// can take: each call waits for the rate limiter and is cut off at
// AGENT_TIMEOUT.
func (c *Config) ContractBudget(calls int) time.Duration {
	per := c.AgentTimeout
	if c.AgentRPS > 0 {
		per += time.Duration(float64(time.Second) / c.AgentRPS)
	}
	return time.Duration(calls) * per
}
