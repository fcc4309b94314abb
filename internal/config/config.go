package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Port string `yaml:"port"`
	Env  string `yaml:"environment"`

	HTTP struct {
		// RateLimit is requests per second per client; zero disables limiting.
		RateLimit float64 `yaml:"rate_limit"`
		Burst     int     `yaml:"burst"`
	} `yaml:"http"`

	Log struct {
		Level    string `yaml:"level"`
		Encoding string `yaml:"encoding"`
	} `yaml:"log"`

	Storage struct {
		Driver   string `yaml:"driver"` // postgres | memory
		DBSource string `yaml:"db_source"`
	} `yaml:"storage"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	DocStore struct {
		SQLitePath string `yaml:"sqlite_path"`
	} `yaml:"docstore"`

	Feeds struct {
		Native FeedConfig `yaml:"native"`
		Token  FeedConfig `yaml:"token"`
	} `yaml:"feeds"`

	Content struct {
		BaseURL           string        `yaml:"base_url"`
		APIKey            string        `yaml:"api_key"`
		Timeout           time.Duration `yaml:"timeout"`
		RequestsPerSecond float64       `yaml:"requests_per_second"`
	} `yaml:"content"`

	Pricing struct {
		JobCost     string `yaml:"job_cost"`
		SectionCost string `yaml:"section_cost"`
		TokenRate   string `yaml:"token_rate"`
	} `yaml:"pricing"`

	Pipeline struct {
		PrimaryStage  string        `yaml:"primary_stage"`
		AssetStages   []string      `yaml:"asset_stages"`
		AssetFallback string        `yaml:"asset_fallback"`
		SectionStage  string        `yaml:"section_stage"`
		Workers       int           `yaml:"workers"`
		RecoverCron   string        `yaml:"recover_cron"`
		RecoverAfter  time.Duration `yaml:"recover_after"`
		PruneCron     string        `yaml:"prune_cron"`
		RetainFor     time.Duration `yaml:"retain_for"`
	} `yaml:"pipeline"`

	Reconcile struct {
		SweepCron    string `yaml:"sweep_cron"`
		SweepWorkers int    `yaml:"sweep_workers"`
		RunOnStart   bool   `yaml:"run_on_start"`
	} `yaml:"reconcile"`

	// Prices is Pricing parsed into exact decimals by Load.
	Prices Prices `yaml:"-"`
}

// FeedConfig points a chain feed client at its HTTP API.
type FeedConfig struct {
	BaseURL           string        `yaml:"base_url"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
}

type Prices struct {
	JobCost     decimal.Decimal
	SectionCost decimal.Decimal
	TokenRate   decimal.Decimal
}

// Load reads config from a YAML file if present, then applies environment
// variable overrides and defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	applyEnv(cfg)
	applyDefaults(cfg)

	prices, err := parsePrices(cfg)
	if err != nil {
		return nil, err
	}
	cfg.Prices = prices

	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("DB_SOURCE"); v != "" {
		cfg.Storage.DBSource = v
	}
	if v := os.Getenv("STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("ENVIRONMENT"); v != "" {
		cfg.Env = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_ENCODING"); v != "" {
		cfg.Log.Encoding = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = n
		}
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.DocStore.SQLitePath = v
	}
	if v := os.Getenv("NATIVE_FEED_URL"); v != "" {
		cfg.Feeds.Native.BaseURL = v
	}
	if v := os.Getenv("TOKEN_FEED_URL"); v != "" {
		cfg.Feeds.Token.BaseURL = v
	}
	if v := os.Getenv("CONTENT_BASE_URL"); v != "" {
		cfg.Content.BaseURL = v
	}
	if v := os.Getenv("CONTENT_API_KEY"); v != "" {
		cfg.Content.APIKey = v
	}
	if v := os.Getenv("SWEEP_CRON"); v != "" {
		cfg.Reconcile.SweepCron = v
	}
	if v := os.Getenv("HTTP_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.HTTP.RateLimit = f
		}
	}
	if v := os.Getenv("RUN_ON_START"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Reconcile.RunOnStart = b
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.Env == "" {
		cfg.Env = "development"
	}
	if cfg.HTTP.Burst == 0 {
		cfg.HTTP.Burst = 40
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Encoding == "" {
		cfg.Log.Encoding = "json"
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "postgres"
	}
	for _, f := range []*FeedConfig{&cfg.Feeds.Native, &cfg.Feeds.Token} {
		if f.Timeout == 0 {
			f.Timeout = 15 * time.Second
		}
		if f.RequestsPerSecond == 0 {
			f.RequestsPerSecond = 5
		}
	}
	if cfg.Content.Timeout == 0 {
		cfg.Content.Timeout = 2 * time.Minute
	}
	if cfg.Content.RequestsPerSecond == 0 {
		cfg.Content.RequestsPerSecond = 2
	}
	if cfg.Pricing.JobCost == "" {
		cfg.Pricing.JobCost = "1"
	}
	if cfg.Pricing.SectionCost == "" {
		cfg.Pricing.SectionCost = "0.25"
	}
	if cfg.Pricing.TokenRate == "" {
		cfg.Pricing.TokenRate = "0.00125"
	}
	if cfg.Pipeline.PrimaryStage == "" {
		cfg.Pipeline.PrimaryStage = "content"
	}
	if cfg.Pipeline.AssetStages == nil {
		cfg.Pipeline.AssetStages = []string{"cover_image"}
	}
	if cfg.Pipeline.SectionStage == "" {
		cfg.Pipeline.SectionStage = "section"
	}
	if cfg.Pipeline.Workers == 0 {
		cfg.Pipeline.Workers = 16
	}
	if cfg.Pipeline.RecoverCron == "" {
		cfg.Pipeline.RecoverCron = "30 */5 * * * *"
	}
	if cfg.Pipeline.RecoverAfter == 0 {
		cfg.Pipeline.RecoverAfter = 30 * time.Minute
	}
	if cfg.Pipeline.PruneCron == "" {
		cfg.Pipeline.PruneCron = "0 0 * * * *"
	}
	if cfg.Pipeline.RetainFor == 0 {
		cfg.Pipeline.RetainFor = time.Hour
	}
	if cfg.Reconcile.SweepCron == "" {
		cfg.Reconcile.SweepCron = "0 */10 * * * *"
	}
	if cfg.Reconcile.SweepWorkers == 0 {
		cfg.Reconcile.SweepWorkers = 4
	}
}

func parsePrices(cfg *Config) (Prices, error) {
	var p Prices
	var err error
	if p.JobCost, err = decimal.NewFromString(cfg.Pricing.JobCost); err != nil {
		return p, fmt.Errorf("parse pricing.job_cost: %w", err)
	}
	if p.SectionCost, err = decimal.NewFromString(cfg.Pricing.SectionCost); err != nil {
		return p, fmt.Errorf("parse pricing.section_cost: %w", err)
	}
	if p.TokenRate, err = decimal.NewFromString(cfg.Pricing.TokenRate); err != nil {
		return p, fmt.Errorf("parse pricing.token_rate: %w", err)
	}
	return p, nil
}

// Validate checks that all required fields are set.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "postgres":
		if c.Storage.DBSource == "" {
			return fmt.Errorf("DB_SOURCE environment variable is required")
		}
	case "memory":
	default:
		return fmt.Errorf("storage.driver must be postgres or memory, got %q", c.Storage.Driver)
	}
	if c.Feeds.Native.BaseURL == "" {
		return fmt.Errorf("feeds.native.base_url is required")
	}
	if c.Feeds.Token.BaseURL == "" {
		return fmt.Errorf("feeds.token.base_url is required")
	}
	if c.Content.BaseURL == "" {
		return fmt.Errorf("content.base_url is required")
	}
	if !c.Prices.JobCost.IsPositive() {
		return fmt.Errorf("pricing.job_cost must be positive")
	}
	if !c.Prices.SectionCost.IsPositive() {
		return fmt.Errorf("pricing.section_cost must be positive")
	}
	if !c.Prices.TokenRate.IsPositive() {
		return fmt.Errorf("pricing.token_rate must be positive")
	}
	if c.Pipeline.Workers < 1 {
		return fmt.Errorf("pipeline.workers must be at least 1")
	}
	return nil
}
