package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/Rhymond/go-money"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	Port                int           `env:"PORT"                 envDefault:"8080"`
	RepoKind            string        `env:"REPO_KIND"            envDefault:"csv"`
	DataDir             string        `env:"DATA_DIR"             envDefault:"./data"`
	SQLitePath          string        `env:"SQLITE_PATH"          envDefault:"./data/ledger.db"`
	PriceProvider       string        `env:"PRICE_PROVIDER"       envDefault:"yahoo"`
	AlphaVantageAPIKey  string        `env:"ALPHAVANTAGE_API_KEY"`
	StaticQuotes        string        `env:"STATIC_QUOTES"`
	Currency            string        `env:"CURRENCY"             envDefault:"USD"`
	LogLevel            string        `env:"LOG_LEVEL"            envDefault:"info"`
	LogPretty           bool          `env:"LOG_PRETTY"           envDefault:"false"`
	QuoteTimeout        time.Duration `env:"QUOTE_TIMEOUT"        envDefault:"8s"`
	CompensationTimeout time.Duration `env:"COMPENSATION_TIMEOUT" envDefault:"10s"`
	MaxQuoteParallel    int           `env:"MAX_QUOTE_PARALLEL"   envDefault:"4"`
	CORSOrigins         []string      `env:"CORS_ORIGINS"         envSeparator:","`
}

// LoadConfig reads an optional .env file, then the environment. Variables
// already set in the environment win over the file.
func LoadConfig(files ...string) (*Config, error) {
	_ = godotenv.Load(files...)

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	c.RepoKind = strings.ToLower(strings.TrimSpace(c.RepoKind))
	c.PriceProvider = strings.ToLower(strings.TrimSpace(c.PriceProvider))
	c.Currency = strings.ToUpper(strings.TrimSpace(c.Currency))
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	switch c.PriceProvider {
	case "alpha", "av":
		c.PriceProvider = "alphavantage"
	}
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT %d out of range", c.Port)
	}
	switch c.RepoKind {
	case "memory":
	case "csv":
		if c.DataDir == "" {
			return fmt.Errorf("DATA_DIR is required for REPO_KIND=csv")
		}
	case "sqlite":
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required for REPO_KIND=sqlite")
		}
	default:
		return fmt.Errorf("unsupported REPO_KIND %q (use memory|csv|sqlite)", c.RepoKind)
	}
	switch c.PriceProvider {
	case "yahoo", "alphavantage":
	case "static":
		if strings.TrimSpace(c.StaticQuotes) == "" {
			return fmt.Errorf("STATIC_QUOTES is required for PRICE_PROVIDER=static")
		}
	default:
		return fmt.Errorf("unsupported PRICE_PROVIDER %q (use yahoo|alphavantage|static)", c.PriceProvider)
	}
	if money.GetCurrency(c.Currency) == nil {
		return fmt.Errorf("unknown CURRENCY %q", c.Currency)
	}
	if c.QuoteTimeout <= 0 || c.CompensationTimeout <= 0 {
		return fmt.Errorf("QUOTE_TIMEOUT and COMPENSATION_TIMEOUT must be positive")
	}
	return nil
}
