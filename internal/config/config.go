package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"market-analyzer/internal/analysis"
	"market-analyzer/internal/logging"
)

// Supported history store drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	ESI       ESIConfig       `mapstructure:"esi"`
	Analysis  AnalysisConfig  `mapstructure:"analysis"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Catalog   CatalogConfig   `mapstructure:"catalog"`
	API       APIConfig       `mapstructure:"api"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	EnvFile     string `mapstructure:"env_file"`
}

// DatabaseConfig selects and tunes the history store.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	SQLitePath      string        `mapstructure:"sqlite_path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// SchedulerConfig governs the daily cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	Offset          time.Duration `mapstructure:"offset"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	RunOnStart      bool          `mapstructure:"run_on_start"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// ESIConfig covers the market history API.
type ESIConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	RegionID       int32         `mapstructure:"region_id"`
	UserAgent      string        `mapstructure:"user_agent"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RatePerSecond  float64       `mapstructure:"rate_per_second"`
	Burst          int           `mapstructure:"burst"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryBackoff   time.Duration `mapstructure:"retry_backoff"`
}

// AnalysisConfig holds the statistics and classification defaults.
type AnalysisConfig struct {
	WindowSize int     `mapstructure:"window_size"`
	BandK      float64 `mapstructure:"band_k"`
	ZThreshold float64 `mapstructure:"z_threshold"`
	MinVolume  int64   `mapstructure:"min_volume"`
	Limit      int     `mapstructure:"limit"`
}

// IngestConfig tunes the daily batch.
type IngestConfig struct {
	Workers      int           `mapstructure:"workers"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
	LookbackDays int           `mapstructure:"lookback_days"`
}

// CatalogConfig lists the tracked items.
type CatalogConfig struct {
	Items     []analysis.Item `mapstructure:"items"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
}

// DiscoveryConfig drives `catalog discover` over the market group tree.
type DiscoveryConfig struct {
	RootNames []string `mapstructure:"root_names"`
	MaxTypes  int      `mapstructure:"max_types"`
	Workers   int      `mapstructure:"workers"`
}

// APIConfig configures the candidate query server.
type APIConfig struct {
	Listen   string        `mapstructure:"listen"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// RedisConfig enables the candidate response cache when Addr is set.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// ExportConfig sets CSV/PNG export behaviour.
type ExportConfig struct {
	Dir         string `mapstructure:"dir"`
	ChartWidth  int    `mapstructure:"chart_width"`
	ChartHeight int    `mapstructure:"chart_height"`
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	if err := loadEnvFile(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("MARKETANALYZER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.App.EnvFile != "" && cfg.App.EnvFile != ".env" {
		if err := loadEnvFile(cfg.App.EnvFile); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// loadEnvFile exports variables from a dotenv file; a missing file is not an error.
func loadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "market-analyzer")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.driver", DriverSQLite)
	v.SetDefault("database.sqlite_path", "eve_market.db")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("scheduler.interval", "24h")
	v.SetDefault("scheduler.offset", "11h30m")
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.run_on_start", false)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x4a495441))

	v.SetDefault("esi.base_url", "https://esi.evetech.net/latest")
	v.SetDefault("esi.region_id", 10000002)
	v.SetDefault("esi.user_agent", "market-analyzer/1.0")
	v.SetDefault("esi.request_timeout", "20s")
	v.SetDefault("esi.rate_per_second", 4.0)
	v.SetDefault("esi.burst", 1)
	v.SetDefault("esi.max_retries", 3)
	v.SetDefault("esi.retry_backoff", "5s")

	v.SetDefault("analysis.window_size", analysis.DefaultWindowSize)
	v.SetDefault("analysis.band_k", analysis.DefaultBandK)
	v.SetDefault("analysis.z_threshold", analysis.DefaultZThreshold)
	v.SetDefault("analysis.min_volume", analysis.DefaultMinVolume)
	v.SetDefault("analysis.limit", analysis.DefaultLimit)

	v.SetDefault("ingest.workers", 4)
	v.SetDefault("ingest.fetch_timeout", "60s")
	v.SetDefault("ingest.lookback_days", 400)

	v.SetDefault("catalog.items", []map[string]any{
		{"type_id": 34, "type_name": "Tritanium"},
		{"type_id": 35, "type_name": "Pyerite"},
		{"type_id": 36, "type_name": "Mexallon"},
	})

	v.SetDefault("catalog.discovery.root_names", []string{
		"Ship Equipment",
		"Ship and Module Modifications",
		"Ammunition & Charges",
	})
	v.SetDefault("catalog.discovery.max_types", 2000)
	v.SetDefault("catalog.discovery.workers", 4)

	v.SetDefault("api.listen", ":8080")
	v.SetDefault("api.cache_ttl", "5m")

	v.SetDefault("redis.prefix", "market-analyzer")

	v.SetDefault("export.dir", "export")
	v.SetDefault("export.chart_width", 1280)
	v.SetDefault("export.chart_height", 720)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	case DriverSQLite:
		if c.Database.SQLitePath == "" {
			return fmt.Errorf("database.sqlite_path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("database.driver must be %q or %q, got %q", DriverPostgres, DriverSQLite, c.Database.Driver)
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Scheduler.Offset < 0 || c.Scheduler.Offset >= c.Scheduler.Interval {
		return fmt.Errorf("scheduler.offset must be within [0, scheduler.interval)")
	}
	if c.ESI.RegionID <= 0 {
		return fmt.Errorf("esi.region_id must be greater than zero")
	}
	if c.ESI.RatePerSecond <= 0 {
		return fmt.Errorf("esi.rate_per_second must be greater than zero")
	}
	if c.ESI.MaxRetries < 0 {
		return fmt.Errorf("esi.max_retries cannot be negative")
	}
	if err := c.StatsOptions().Validate(); err != nil {
		return fmt.Errorf("analysis: %w", err)
	}
	if err := c.Criteria().Validate(); err != nil {
		return fmt.Errorf("analysis: %w", err)
	}
	if c.Ingest.Workers <= 0 {
		return fmt.Errorf("ingest.workers must be greater than zero")
	}
	if c.Ingest.FetchTimeout <= 0 {
		return fmt.Errorf("ingest.fetch_timeout must be greater than zero")
	}
	if c.Ingest.LookbackDays < c.Analysis.WindowSize {
		return fmt.Errorf("ingest.lookback_days must cover analysis.window_size")
	}
	seen := make(map[int32]struct{}, len(c.Catalog.Items))
	for _, item := range c.Catalog.Items {
		if item.TypeID <= 0 {
			return fmt.Errorf("catalog.items: type_id must be positive, got %d", item.TypeID)
		}
		if _, dup := seen[item.TypeID]; dup {
			return fmt.Errorf("catalog.items: duplicate type_id %d", item.TypeID)
		}
		seen[item.TypeID] = struct{}{}
	}
	return nil
}

// StatsOptions returns the configured rolling-window parameters.
func (c *Config) StatsOptions() analysis.StatsOptions {
	return analysis.StatsOptions{WindowSize: c.Analysis.WindowSize, BandK: c.Analysis.BandK}
}

// Criteria returns the configured classification defaults.
func (c *Config) Criteria() analysis.Criteria {
	return analysis.Criteria{
		MinVolume:  c.Analysis.MinVolume,
		ZThreshold: c.Analysis.ZThreshold,
		Limit:      c.Analysis.Limit,
	}
}
