package config

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"pricewatch/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Poller    PollerConfig    `mapstructure:"poller"`
	Lookup    LookupConfig    `mapstructure:"lookup"`
	Journal   JournalConfig   `mapstructure:"journal"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Export    ExportConfig    `mapstructure:"export"`
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
}

// SchedulerConfig governs the polling and dispatch cadences.
type SchedulerConfig struct {
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	DispatchInterval time.Duration `mapstructure:"dispatch_interval"`
	AlignToInterval  bool          `mapstructure:"align_to_interval"`
	AdvisoryLockKey  int64         `mapstructure:"advisory_lock_key"`
	StartupDelay     time.Duration `mapstructure:"startup_delay"`
}

// PollerConfig bounds the polling worker pool.
type PollerConfig struct {
	Workers     int           `mapstructure:"workers"`
	ItemDelay   time.Duration `mapstructure:"item_delay"`
	ItemTimeout time.Duration `mapstructure:"item_timeout"`
}

// LookupConfig covers marketplace access.
type LookupConfig struct {
	Backend           string        `mapstructure:"backend"`
	BaseURL           string        `mapstructure:"base_url"`
	AppID             string        `mapstructure:"app_id"`
	AttemptTimeout    time.Duration `mapstructure:"attempt_timeout"`
	MaxRetries        int           `mapstructure:"max_retries"`
	Backoff           time.Duration `mapstructure:"backoff"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
	UserAgent         string        `mapstructure:"user_agent"`
}

// JournalConfig sets event deduplication.
type JournalConfig struct {
	DedupWindow time.Duration `mapstructure:"dedup_window"`
}

// DispatchConfig sets delivery behaviour.
type DispatchConfig struct {
	Workers     int           `mapstructure:"workers"`
	SendTimeout time.Duration `mapstructure:"send_timeout"`
	Timezone    string        `mapstructure:"timezone"`
	Retention   time.Duration `mapstructure:"retention"`
}

// AlertingConfig picks the delivery channel.
type AlertingConfig struct {
	Channel  string         `mapstructure:"channel"`
	SMTP     SMTPConfig     `mapstructure:"smtp"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// SMTPConfig describes the mail relay.
type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

// TelegramConfig describes the bot used for chat delivery.
type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token"`
	APIBase  string `mapstructure:"api_base"`
}

// HTTPConfig controls the ops API.
type HTTPConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PRICEWATCH")
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
	v.SetDefault("app.name", "pricewatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("scheduler.poll_interval", "1h")
	v.SetDefault("scheduler.dispatch_interval", "1m")
	v.SetDefault("scheduler.align_to_interval", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x70726963))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("poller.workers", 2)
	v.SetDefault("poller.item_delay", "1s")
	v.SetDefault("poller.item_timeout", "30s")

	v.SetDefault("lookup.backend", "rakuten")
	v.SetDefault("lookup.base_url", "https://app.rakuten.co.jp/services/api/IchibaItem/Search/20220601")
	v.SetDefault("lookup.attempt_timeout", "5s")
	v.SetDefault("lookup.max_retries", 3)
	v.SetDefault("lookup.backoff", "1.5s")
	v.SetDefault("lookup.requests_per_minute", 60)
	v.SetDefault("lookup.user_agent", "pricewatch/1.0")

	v.SetDefault("journal.dedup_window", "24h")

	v.SetDefault("dispatch.workers", 4)
	v.SetDefault("dispatch.send_timeout", "30s")
	v.SetDefault("dispatch.timezone", "Asia/Tokyo")
	v.SetDefault("dispatch.retention", "720h")

	v.SetDefault("alerting.channel", "log")
	v.SetDefault("alerting.smtp.port", 587)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("http.enabled", false)
	v.SetDefault("http.addr", ":8080")

	v.SetDefault("export.max_data_points", 100000)
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
	if c.Scheduler.PollInterval <= 0 {
		return fmt.Errorf("scheduler.poll_interval must be greater than zero")
	}
	if c.Scheduler.DispatchInterval <= 0 {
		return fmt.Errorf("scheduler.dispatch_interval must be greater than zero")
	}
	if c.Poller.Workers <= 0 {
		return fmt.Errorf("poller.workers must be greater than zero")
	}
	if c.Poller.ItemDelay < 0 {
		return fmt.Errorf("poller.item_delay cannot be negative")
	}
	if c.Dispatch.Workers <= 0 {
		return fmt.Errorf("dispatch.workers must be greater than zero")
	}
	if c.Journal.DedupWindow <= 0 {
		return fmt.Errorf("journal.dedup_window must be greater than zero")
	}
	if c.Lookup.MaxRetries < 0 {
		return fmt.Errorf("lookup.max_retries cannot be negative")
	}
	switch c.Lookup.Backend {
	case "rakuten", "page":
	default:
		return fmt.Errorf("lookup.backend must be rakuten or page, got %q", c.Lookup.Backend)
	}
	if _, err := time.LoadLocation(c.Dispatch.Timezone); err != nil {
		return fmt.Errorf("dispatch.timezone: %w", err)
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}

	switch strings.ToLower(c.Alerting.Channel) {
	case "log":
	case "smtp":
		if c.Alerting.SMTP.Host == "" {
			return fmt.Errorf("alerting.smtp.host is required for the smtp channel")
		}
		if c.Alerting.SMTP.From == "" {
			return fmt.Errorf("alerting.smtp.from is required for the smtp channel")
		}
	case "telegram":
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required for the telegram channel")
		}
	default:
		return fmt.Errorf("alerting.channel must be log, smtp or telegram, got %q", c.Alerting.Channel)
	}
	return nil
}

// Location resolves the dispatch timezone; Validate guarantees it loads.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Dispatch.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
