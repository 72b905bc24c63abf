// Package config loads the credit gate configuration from a YAML file with
// environment overrides for secrets and endpoints.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the full application configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Logging     LoggingConfig     `yaml:"logging"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Chain       ChainConfig       `yaml:"chain"`
	Entitlement EntitlementConfig `yaml:"entitlement"`
	Pricing     PricingConfig     `yaml:"pricing"`
	Grants      GrantsConfig      `yaml:"grants"`
	Facilitator FacilitatorConfig `yaml:"facilitator"`
	PayPerCall  PayPerCallConfig  `yaml:"pay_per_call"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
}

// ServerConfig holds the ops HTTP listener settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// LoggingConfig mirrors pkg/logger's settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	FilePrefix string `yaml:"file_prefix"`
}

// DatabaseConfig selects the ledger store backend.
type DatabaseConfig struct {
	// Driver is "postgres" or "memory".
	Driver string `yaml:"driver"`
	URL    string `yaml:"url"`
}

// RedisConfig holds shared store settings. An empty Addr disables the
// shared store; caching and limiting degrade to process-local state.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ChainConfig holds the RPC endpoint for balance checks.
type ChainConfig struct {
	RPCURL         string `yaml:"rpc_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// EntitlementConfig names the gating assets.
type EntitlementConfig struct {
	GateContract    string   `yaml:"gate_contract"`
	GateMinBalance  int64    `yaml:"gate_min_balance"`
	Collections     []string `yaml:"collections"`
	CaseSensitive   bool     `yaml:"case_sensitive"`
	CacheTTLSeconds int      `yaml:"cache_ttl_seconds"`
}

// PricingConfig holds the rate table and multipliers.
type PricingConfig struct {
	Rates        map[string]float64 `yaml:"rates"`
	BatchPremium float64            `yaml:"batch_premium"`
	AgentMarkup  float64            `yaml:"agent_markup"`
}

// GrantsConfig holds the daily grant amounts.
type GrantsConfig struct {
	FungibleAmount    float64 `yaml:"fungible_amount"`
	CollectibleAmount float64 `yaml:"collectible_amount"`
}

// FacilitatorConfig holds the payment facilitator endpoint and auth.
type FacilitatorConfig struct {
	BaseURL         string `yaml:"base_url"`
	Secret          string `yaml:"secret"`
	Issuer          string `yaml:"issuer"`
	TokenTTLSeconds int    `yaml:"token_ttl_seconds"`
	TimeoutSeconds  int    `yaml:"timeout_seconds"`
}

// PayPerCallConfig holds the pay-per-call rail settings.
type PayPerCallConfig struct {
	Scheme         string  `yaml:"scheme"`
	Network        string  `yaml:"network"`
	Asset          string  `yaml:"asset"`
	PayTo          string  `yaml:"pay_to"`
	Markup         float64 `yaml:"markup"`
	UnitsPerCredit int64   `yaml:"units_per_credit"`
}

// RateLimitTier holds the two window limits for one category.
type RateLimitTier struct {
	PerMinute int `yaml:"per_minute"`
	PerDay    int `yaml:"per_day"`
}

// RateLimitConfig maps categories to tiers.
type RateLimitConfig struct {
	Tiers   map[string]RateLimitTier `yaml:"tiers"`
	Default RateLimitTier            `yaml:"default"`
}

// Load reads the config file and applies environment overrides. A missing
// file yields the defaults, so local development needs no config at all.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server:  ServerConfig{Host: "0.0.0.0", Port: 8090},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
		Database: DatabaseConfig{
			Driver: "memory",
		},
		Chain: ChainConfig{
			TimeoutSeconds: 5,
		},
		Entitlement: EntitlementConfig{
			GateMinBalance:  1,
			CacheTTLSeconds: 300,
		},
		Grants: GrantsConfig{
			FungibleAmount:    5.0,
			CollectibleAmount: 10.0,
		},
		Facilitator: FacilitatorConfig{
			Issuer:          "creditgate",
			TokenTTLSeconds: 120,
			TimeoutSeconds:  10,
		},
		PayPerCall: PayPerCallConfig{
			Markup:         1.5,
			UnitsPerCredit: 10_000,
		},
		RateLimit: RateLimitConfig{
			Default: RateLimitTier{PerMinute: 60, PerDay: 2000},
		},
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.Driver = "postgres"
		c.Database.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("CHAIN_RPC_URL"); v != "" {
		c.Chain.RPCURL = v
	}
	if v := os.Getenv("FACILITATOR_URL"); v != "" {
		c.Facilitator.BaseURL = v
	}
	if v := os.Getenv("FACILITATOR_SECRET"); v != "" {
		c.Facilitator.Secret = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

func (c *Config) validate() error {
	if c.Database.Driver != "memory" && c.Database.Driver != "postgres" {
		return fmt.Errorf("database.driver must be memory or postgres, got %q", c.Database.Driver)
	}
	if c.Database.Driver == "postgres" && c.Database.URL == "" {
		return fmt.Errorf("database.url required for postgres driver")
	}
	if c.Entitlement.CacheTTLSeconds <= 0 {
		return fmt.Errorf("entitlement.cache_ttl_seconds must be positive")
	}
	return nil
}
