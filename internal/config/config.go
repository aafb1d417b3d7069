package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"sweetwatch/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Source    SourceConfig    `mapstructure:"source"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Display   DisplayConfig   `mapstructure:"display"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// SchedulerConfig governs the polling cadence.
type SchedulerConfig struct {
	Policy          string        `mapstructure:"policy"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	QuietInterval   time.Duration `mapstructure:"quiet_interval"`
	AlertInterval   time.Duration `mapstructure:"alert_interval"`
	FixedInterval   time.Duration `mapstructure:"fixed_interval"`
	FetchCount      int           `mapstructure:"fetch_count"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// SourceConfig selects the CGM provider and carries its credentials.
type SourceConfig struct {
	Provider       string            `mapstructure:"provider"`
	RequestTimeout time.Duration     `mapstructure:"request_timeout"`
	RateLimit      float64           `mapstructure:"rate_limit"`
	LibreLinkUp    LibreLinkUpConfig `mapstructure:"librelinkup"`
	Nightscout     NightscoutConfig  `mapstructure:"nightscout"`
}

// LibreLinkUpConfig holds LibreView follower-account credentials.
type LibreLinkUpConfig struct {
	Username      string `mapstructure:"username"`
	Password      string `mapstructure:"password"`
	Region        string `mapstructure:"region"`
	ClientVersion string `mapstructure:"client_version"`
	Product       string `mapstructure:"product"`
}

// NightscoutConfig points at a Nightscout site.
type NightscoutConfig struct {
	URL       string `mapstructure:"url"`
	APISecret string `mapstructure:"api_secret"`
}

// AlertingConfig defines operator notifications.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Cooldown time.Duration  `mapstructure:"cooldown"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// MetricsConfig controls the Prometheus listener.
type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
	Path       string `mapstructure:"path"`
}

// DisplayConfig sets CLI rendering behaviour.
type DisplayConfig struct {
	Units         string        `mapstructure:"units"`
	HistoryWindow time.Duration `mapstructure:"history_window"`
	HistoryLimit  int           `mapstructure:"history_limit"`
}

// Environment names used by earlier deployments, kept as aliases.
var legacyEnv = map[string]string{
	"source.provider":              "CGM_SOURCE",
	"source.nightscout.url":        "NIGHTSCOUT_URL",
	"source.nightscout.api_secret": "NIGHTSCOUT_API_SECRET",
	"source.librelinkup.username":  "LIBRE_USERNAME",
	"source.librelinkup.password":  "LIBRE_PASSWORD",
	"source.librelinkup.region":    "LIBRE_REGION",
	"database.dsn":                 "DATABASE_URL",
	"logging.level":                "LOG_LEVEL",
}

// Load builds configuration from file, .env, environment, and defaults.
func Load(path, envFile string) (*Config, error) {
	if err := loadEnvFile(envFile); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("SWEETWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindLegacyEnv(v); err != nil {
		return nil, err
	}

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

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// loadEnvFile exports KEY=VALUE pairs from a dotenv file without overriding the process env.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func bindLegacyEnv(v *viper.Viper) error {
	for key, legacy := range legacyEnv {
		primary := "SWEETWATCH_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, primary, legacy); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	return nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "sweetwatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.time_format", time.RFC3339)
	v.SetDefault("logging.caller", false)
	v.SetDefault("logging.pretty", false)

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 5)
	v.SetDefault("database.max_idle_conns", 1)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("scheduler.policy", "adaptive")
	v.SetDefault("scheduler.startup_delay", "10s")
	v.SetDefault("scheduler.quiet_interval", "3m")
	v.SetDefault("scheduler.alert_interval", "1m")
	v.SetDefault("scheduler.fixed_interval", "5m")
	v.SetDefault("scheduler.fetch_count", 50)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x63676d73))

	v.SetDefault("source.provider", "nightscout")
	v.SetDefault("source.request_timeout", "30s")
	v.SetDefault("source.rate_limit", 0.5)
	v.SetDefault("source.librelinkup.username", "")
	v.SetDefault("source.librelinkup.password", "")
	v.SetDefault("source.librelinkup.region", "EU")
	v.SetDefault("source.librelinkup.client_version", "4.12.0")
	v.SetDefault("source.librelinkup.product", "llu.android")
	v.SetDefault("source.nightscout.url", "")
	v.SetDefault("source.nightscout.api_secret", "")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.cooldown", "1h")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.bot_token", "")
	v.SetDefault("alerting.telegram.chat_id", "")
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("metrics.listen_addr", "")
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("display.units", "mgdl")
	v.SetDefault("display.history_window", "24h")
	v.SetDefault("display.history_limit", 288)
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
// Provider credentials are checked by the source factory.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Scheduler.Policy) {
	case "adaptive":
		if c.Scheduler.QuietInterval <= 0 || c.Scheduler.AlertInterval <= 0 {
			return fmt.Errorf("scheduler.quiet_interval and scheduler.alert_interval must be greater than zero")
		}
	case "fixed":
		if c.Scheduler.FixedInterval <= 0 {
			return fmt.Errorf("scheduler.fixed_interval must be greater than zero")
		}
	default:
		return fmt.Errorf("scheduler.policy must be adaptive or fixed, got %q", c.Scheduler.Policy)
	}
	if c.Scheduler.StartupDelay < 0 {
		return fmt.Errorf("scheduler.startup_delay cannot be negative")
	}
	if c.Scheduler.FetchCount <= 0 {
		return fmt.Errorf("scheduler.fetch_count must be greater than zero")
	}
	if c.Source.RequestTimeout <= 0 {
		return fmt.Errorf("source.request_timeout must be greater than zero")
	}
	if c.Source.RateLimit < 0 {
		return fmt.Errorf("source.rate_limit cannot be negative")
	}
	if c.Alerting.Cooldown < 0 {
		return fmt.Errorf("alerting.cooldown cannot be negative")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	switch strings.ToLower(c.Display.Units) {
	case "mgdl", "mmol":
	default:
		return fmt.Errorf("display.units must be mgdl or mmol, got %q", c.Display.Units)
	}
	if c.Display.HistoryLimit <= 0 {
		return fmt.Errorf("display.history_limit must be greater than zero")
	}
	return nil
}

// ResolveHistory returns the CLI overrides or the configured history defaults.
func (c *Config) ResolveHistory(window time.Duration, limit int) (time.Duration, int) {
	if window <= 0 {
		window = c.Display.HistoryWindow
	}
	if limit <= 0 {
		limit = c.Display.HistoryLimit
	}
	return window, limit
}
