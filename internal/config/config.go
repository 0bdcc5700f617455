package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"cryptoalarm/internal/logging"
)

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverNone     = "none"
)

// Feed modes.
const (
	FeedModeStream = "stream"
	FeedModePoll   = "poll"
)

// Config materialises application configuration.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Logging  logging.Config `mapstructure:"logging"`
	Store    StoreConfig    `mapstructure:"store"`
	Registry RegistryConfig `mapstructure:"registry"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Symbols  SymbolsConfig  `mapstructure:"symbols"`
	Feed     FeedConfig     `mapstructure:"feed"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Ops      OpsConfig      `mapstructure:"ops"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// StoreConfig selects and tunes the rule store backend.
type StoreConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	SQLitePath      string        `mapstructure:"sqlite_path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	Timeout         time.Duration `mapstructure:"timeout"`
	Migrate         bool          `mapstructure:"migrate"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// RegistryConfig governs reconciliation cadence and re-arm behaviour.
type RegistryConfig struct {
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	Cooldown          time.Duration `mapstructure:"cooldown"`
	AlignToInterval   bool          `mapstructure:"align_to_interval"`
}

// PipelineConfig sizes the sample workers.
type PipelineConfig struct {
	Workers   int `mapstructure:"workers"`
	QueueSize int `mapstructure:"queue_size"`
}

// SymbolsConfig extends the symbol tables.
type SymbolsConfig struct {
	Quote      string            `mapstructure:"quote"`
	ExtraPairs map[string]string `mapstructure:"extra_pairs"`
	Names      map[string]string `mapstructure:"names"`
}

// FeedConfig covers the price source.
type FeedConfig struct {
	Mode              string        `mapstructure:"mode"`
	Pairs             []string      `mapstructure:"pairs"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	ReconnectMin      time.Duration `mapstructure:"reconnect_min"`
	ReconnectMax      time.Duration `mapstructure:"reconnect_max"`
	BufferSize        int           `mapstructure:"buffer_size"`
	UseBinanceTestnet bool          `mapstructure:"use_binance_testnet"`
}

// NotifyConfig defines dispatch sizing and transports.
type NotifyConfig struct {
	Workers   int           `mapstructure:"workers"`
	QueueSize int           `mapstructure:"queue_size"`
	Timeout   time.Duration `mapstructure:"timeout"`
	Rate      float64       `mapstructure:"rate"`
	Burst     int           `mapstructure:"burst"`
	DryRun    bool          `mapstructure:"dry_run"`
	Twilio    TwilioConfig  `mapstructure:"twilio"`
	Email     EmailConfig   `mapstructure:"email"`
	Push      PushConfig    `mapstructure:"push"`
}

// TwilioConfig configures the voice and SMS channels.
type TwilioConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	AccountSID string `mapstructure:"account_sid"`
	AuthToken  string `mapstructure:"auth_token"`
	From       string `mapstructure:"from"`
	APIBase    string `mapstructure:"api_base"`
}

// EmailConfig holds SMTP settings.
type EmailConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

// PushConfig routes push notifications to a Kafka topic consumed by the push gateway.
type PushConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// OpsConfig controls the operational HTTP endpoint.
type OpsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRYPTOALARM")
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

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
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
	v.SetDefault("app.name", "cryptoalarm")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file.max_size_mb", 100)
	v.SetDefault("logging.file.max_backups", 7)
	v.SetDefault("logging.file.max_age_days", 30)

	v.SetDefault("store.driver", DriverNone)
	v.SetDefault("store.sqlite_path", "cryptoalarm.db")
	v.SetDefault("store.max_open_conns", 10)
	v.SetDefault("store.max_idle_conns", 2)
	v.SetDefault("store.conn_max_lifetime", "30m")
	v.SetDefault("store.timeout", "5s")
	v.SetDefault("store.migrate", false)
	v.SetDefault("store.advisory_lock_key", int64(0x43414c4d))

	v.SetDefault("registry.reconcile_interval", "30s")
	v.SetDefault("registry.cooldown", "0s")
	v.SetDefault("registry.align_to_interval", false)

	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.queue_size", 1024)

	v.SetDefault("symbols.quote", "USDT")

	v.SetDefault("feed.mode", FeedModeStream)
	v.SetDefault("feed.poll_interval", "5s")
	v.SetDefault("feed.reconnect_min", "1s")
	v.SetDefault("feed.reconnect_max", "1m")
	v.SetDefault("feed.buffer_size", 1024)

	v.SetDefault("notify.workers", 4)
	v.SetDefault("notify.queue_size", 256)
	v.SetDefault("notify.timeout", "10s")
	v.SetDefault("notify.rate", 5.0)
	v.SetDefault("notify.burst", 10)
	v.SetDefault("notify.twilio.api_base", "https://api.twilio.com")
	v.SetDefault("notify.email.port", 587)
	v.SetDefault("notify.push.topic", "cryptoalarm.push")

	v.SetDefault("ops.enabled", true)
	v.SetDefault("ops.addr", ":8080")
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
	switch c.Store.Driver {
	case DriverPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn must be set for the postgres driver")
		}
	case DriverSQLite:
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("store.sqlite_path must be set for the sqlite driver")
		}
	case DriverNone, "":
	default:
		return fmt.Errorf("store.driver %q is not supported", c.Store.Driver)
	}
	if c.Registry.ReconcileInterval <= 0 {
		return fmt.Errorf("registry.reconcile_interval must be greater than zero")
	}
	if c.Registry.Cooldown < 0 {
		return fmt.Errorf("registry.cooldown cannot be negative")
	}
	if c.Pipeline.Workers <= 0 {
		return fmt.Errorf("pipeline.workers must be greater than zero")
	}
	if c.Notify.Workers <= 0 {
		return fmt.Errorf("notify.workers must be greater than zero")
	}
	switch c.Feed.Mode {
	case FeedModeStream, FeedModePoll:
	default:
		return fmt.Errorf("feed.mode %q is not supported", c.Feed.Mode)
	}
	if c.Feed.Mode == FeedModePoll && c.Feed.PollInterval <= 0 {
		return fmt.Errorf("feed.poll_interval must be greater than zero")
	}
	if c.Notify.Twilio.Enabled {
		if c.Notify.Twilio.AccountSID == "" || c.Notify.Twilio.AuthToken == "" {
			return fmt.Errorf("notify.twilio.account_sid and notify.twilio.auth_token are required")
		}
		if c.Notify.Twilio.From == "" {
			return fmt.Errorf("notify.twilio.from is required")
		}
	}
	if c.Notify.Email.Enabled {
		if c.Notify.Email.Host == "" || c.Notify.Email.From == "" {
			return fmt.Errorf("notify.email.host and notify.email.from are required")
		}
	}
	if c.Notify.Push.Enabled && len(c.Notify.Push.Brokers) == 0 {
		return fmt.Errorf("notify.push.brokers must list at least one broker")
	}
	return nil
}

// StoreEnabled reports whether a rule store backend is configured.
func (c *Config) StoreEnabled() bool {
	return c.Store.Driver == DriverPostgres || c.Store.Driver == DriverSQLite
}
