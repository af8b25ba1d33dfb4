package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/quangdng/notifeed/pkg/validator"
)

// Config represents the runtime configuration for the notifeed engine.
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	History   HistoryConfig   `mapstructure:"history"`
	Push      PushConfig      `mapstructure:"push"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// HistoryConfig points at the external history API.
type HistoryConfig struct {
	BaseURL  string        `mapstructure:"base_url" json:"base_url" validate:"required"`
	Timeout  time.Duration `mapstructure:"timeout"`
	PageSize int           `mapstructure:"page_size" json:"page_size" validate:"min=1,max=100"`
}

// PushConfig points at the live push channel.
type PushConfig struct {
	URL            string        `mapstructure:"url" json:"url" validate:"required"`
	Heartbeat      time.Duration `mapstructure:"heartbeat"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	BackoffBase    time.Duration `mapstructure:"backoff_base"`
	BackoffCap     time.Duration `mapstructure:"backoff_cap"`
	CredentialPoll time.Duration `mapstructure:"credential_poll"`
}

// AuthConfig carries the externally issued credential. Refreshing it is the
// session layer's job; the engine only observes it.
type AuthConfig struct {
	Token        string        `mapstructure:"token"`
	ExpiryLeeway time.Duration `mapstructure:"expiry_leeway"`
}

// ReconcileConfig enables the periodic full refresh that narrows the
// optimistic-update inconsistency window.
type ReconcileConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval" json:"interval"`
}

// MetricsConfig exposes prometheus metrics over HTTP.
type MetricsConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Port     int    `mapstructure:"port" json:"port" validate:"min=0,max=65535"`
	Endpoint string `mapstructure:"endpoint"`
}

// LoadConfig initialises configuration using Viper with sensible defaults.
// Values come from ./config/config.yaml (or the provided paths) and the
// NOTIFEED_ environment.
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath("./config")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	setDefaults(v)

	v.SetEnvPrefix("NOTIFEED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgErr) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config, decodeHook()); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	return &config, nil
}

// Validate checks the fields a running engine cannot do without.
func (c *Config) Validate() error {
	if err := validator.ValidateStruct(c.History); err != nil {
		return fmt.Errorf("config: history: %w", err)
	}
	if err := validator.ValidateStruct(c.Push); err != nil {
		return fmt.Errorf("config: push: %w", err)
	}
	if err := validator.ValidateStruct(c.Metrics); err != nil {
		return fmt.Errorf("config: metrics: %w", err)
	}
	if c.Reconcile.Enabled && c.Reconcile.Interval < time.Minute {
		return fmt.Errorf("config: reconcile.interval must be at least 1m, got %s", c.Reconcile.Interval)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")

	v.SetDefault("history.timeout", "10s")
	v.SetDefault("history.page_size", 10)

	v.SetDefault("push.heartbeat", "4s")
	v.SetDefault("push.pong_wait", "10s")
	v.SetDefault("push.backoff_base", "1s")
	v.SetDefault("push.backoff_cap", "30s")
	v.SetDefault("push.credential_poll", "1s")

	v.SetDefault("auth.expiry_leeway", "30s")

	v.SetDefault("reconcile.enabled", false)
	v.SetDefault("reconcile.interval", "5m")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.port", 9290)
	v.SetDefault("metrics.endpoint", "/metrics")
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
