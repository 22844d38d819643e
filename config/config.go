// Package config loads the courier server configuration from a YAML file,
// COURIER_* environment variables and built-in defaults, in that order of
// increasing precedence for the environment.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Environment string        `mapstructure:"environment"`
	Server      ServerConfig  `mapstructure:"server"`
	Storage     StorageConfig `mapstructure:"storage"`
	Wallet      WalletConfig  `mapstructure:"wallet"`
	Worker      WorkerConfig  `mapstructure:"worker"`
	Logging     LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Address         string        `mapstructure:"address" validate:"required"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
	CorsOrigins     []string      `mapstructure:"cors_origins"`
	MetricsEnabled  bool          `mapstructure:"metrics_enabled"`
}

// StorageConfig selects and configures the key-value backend
type StorageConfig struct {
	Backend    string      `mapstructure:"backend" validate:"oneof=memory sqlite redis"`
	SQLitePath string      `mapstructure:"sqlite_path" validate:"required_if=Backend sqlite"`
	Redis      RedisConfig `mapstructure:"redis"`
	Namespace  string      `mapstructure:"namespace"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
}

// WalletConfig holds wallet rules
type WalletConfig struct {
	MinWithdrawal   float64       `mapstructure:"min_withdrawal" validate:"gte=0"`
	WithdrawLatency time.Duration `mapstructure:"withdraw_latency" validate:"gte=0"`
	EarningsWindow  string        `mapstructure:"earnings_window" validate:"oneof=all-time rolling"`
	Timezone        string        `mapstructure:"timezone"`
}

// WorkerConfig holds the fallback reconciliation job configuration
type WorkerConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval" validate:"gt=0"`
}

// LoggingConfig holds logger configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format" validate:"oneof=json console"`
}

// MinWithdrawalAmount returns the minimum as a decimal.
func (w WalletConfig) MinWithdrawalAmount() decimal.Decimal {
	return decimal.NewFromFloat(w.MinWithdrawal)
}

// Location resolves Timezone. Empty means the host's local zone.
func (w WalletConfig) Location() (*time.Location, error) {
	if w.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(w.Timezone)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid wallet.timezone %q", w.Timezone)
	}
	return loc, nil
}

// Load reads configuration. path is either a config file or a directory
// searched for config.yaml. An empty path searches "." and "./config".
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" && filepath.Ext(path) != "" {
		v.SetConfigFile(path)
	} else {
		if path != "" {
			v.AddConfigPath(path)
		}
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return Config{}, errors.Wrap(err, "error reading config file")
		}
	}

	v.SetEnvPrefix("COURIER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "unable to unmarshal config")
	}
	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, errors.Wrap(err, "invalid config")
	}
	if _, err := cfg.Wallet.Location(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// setDefaults sets default values for configuration
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("server.address", "0.0.0.0:8080")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.metrics_enabled", true)

	v.SetDefault("storage.backend", "sqlite")
	v.SetDefault("storage.sqlite_path", "./data/courier.db")
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.namespace", "")

	v.SetDefault("wallet.min_withdrawal", 10)
	v.SetDefault("wallet.withdraw_latency", "0s")
	v.SetDefault("wallet.earnings_window", "all-time")
	v.SetDefault("wallet.timezone", "")

	v.SetDefault("worker.enabled", true)
	v.SetDefault("worker.reconcile_interval", "5m")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
