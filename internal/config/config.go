// Package config loads service configuration from an optional YAML file and
// ENGINE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Log         LogConfig         `mapstructure:"log"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Kafka       KafkaConfig       `mapstructure:"kafka"`
	Price       PriceConfig       `mapstructure:"price"`
	Risk        RiskConfig        `mapstructure:"risk"`
	Sweep       SweepConfig       `mapstructure:"sweep"`
	Exposure    ExposureConfig    `mapstructure:"exposure"`
	Instruments InstrumentsConfig `mapstructure:"instruments"`
}

type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

type RedisConfig struct {
	URL      string        `mapstructure:"url"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type PriceConfig struct {
	// StaleAfter is the quote age past which a price is flagged stale.
	StaleAfter time.Duration `mapstructure:"stale_after"`
	// LockedMaxAge bounds how old a client-locked close price may be.
	LockedMaxAge time.Duration `mapstructure:"locked_max_age"`
	// LockedMaxSlippage is the largest fractional gap between a locked close
	// price and the live exit price that is still honoured.
	LockedMaxSlippage float64 `mapstructure:"locked_max_slippage"`
}

type RiskConfig struct {
	SettingsTTL              time.Duration `mapstructure:"settings_ttl"`
	CountLiquidationsInStats bool          `mapstructure:"count_liquidations_in_stats"`
}

type SweepConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	RiskInterval       time.Duration `mapstructure:"risk_interval"`
	TriggerInterval    time.Duration `mapstructure:"trigger_interval"`
	ContestEndInterval time.Duration `mapstructure:"contest_end_interval"`
	Concurrency        int           `mapstructure:"concurrency"`
	LeaseTTL           time.Duration `mapstructure:"lease_ttl"`
}

type ExposureConfig struct {
	MaxLotsPerSymbol   float64 `mapstructure:"max_lots_per_symbol"`
	MaxLotsPerCurrency float64 `mapstructure:"max_lots_per_currency"`
}

type InstrumentsConfig struct {
	CatalogFile string `mapstructure:"catalog_file"`
}

// Load reads CONFIG_FILE (if set), applies ENGINE_* overrides and validates
// the result. The bare PORT, DATABASE_URL and REDIS_URL variables are also
// honoured.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("server.port", "ENGINE_SERVER_PORT", "PORT")
	_ = v.BindEnv("database.url", "ENGINE_DATABASE_URL", "DATABASE_URL")
	_ = v.BindEnv("redis.url", "ENGINE_REDIS_URL", "REDIS_URL")
	_ = v.BindEnv("instruments.catalog_file", "ENGINE_INSTRUMENTS_CATALOG_FILE")

	_ = v.BindEnv("config_file", "CONFIG_FILE")
	if path := v.GetString("config_file"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("redis.cache_ttl", 30*time.Second)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "contest.positions")

	v.SetDefault("price.stale_after", 10*time.Second)
	v.SetDefault("price.locked_max_age", 2*time.Second)
	v.SetDefault("price.locked_max_slippage", 0.002)

	v.SetDefault("risk.settings_ttl", 60*time.Second)
	v.SetDefault("risk.count_liquidations_in_stats", true)

	v.SetDefault("sweep.enabled", true)
	v.SetDefault("sweep.risk_interval", 5*time.Second)
	v.SetDefault("sweep.trigger_interval", 2*time.Second)
	v.SetDefault("sweep.contest_end_interval", 30*time.Second)
	v.SetDefault("sweep.concurrency", 8)
	v.SetDefault("sweep.lease_ttl", 30*time.Second)

	v.SetDefault("exposure.max_lots_per_symbol", 50.0)
	v.SetDefault("exposure.max_lots_per_currency", 100.0)
}

// Validate checks that durations and limits are in range.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port == "" {
		errs = append(errs, errors.New("server.port is required"))
	}
	if c.Price.StaleAfter <= 0 {
		errs = append(errs, errors.New("price.stale_after must be positive"))
	}
	if c.Price.LockedMaxAge <= 0 || c.Price.LockedMaxAge > time.Minute {
		errs = append(errs, errors.New("price.locked_max_age must be in (0, 1m]"))
	}
	if c.Price.LockedMaxSlippage <= 0 || c.Price.LockedMaxSlippage > 0.05 {
		errs = append(errs, errors.New("price.locked_max_slippage must be in (0, 0.05]"))
	}
	if c.Risk.SettingsTTL <= 0 {
		errs = append(errs, errors.New("risk.settings_ttl must be positive"))
	}
	if c.Sweep.Concurrency < 1 || c.Sweep.Concurrency > 256 {
		errs = append(errs, fmt.Errorf("sweep.concurrency %d out of range [1, 256]", c.Sweep.Concurrency))
	}
	if c.Sweep.Enabled {
		if c.Sweep.RiskInterval <= 0 || c.Sweep.TriggerInterval <= 0 || c.Sweep.ContestEndInterval <= 0 {
			errs = append(errs, errors.New("sweep intervals must be positive"))
		}
	}
	if c.Exposure.MaxLotsPerSymbol < 0 || c.Exposure.MaxLotsPerCurrency < 0 {
		errs = append(errs, errors.New("exposure limits must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
