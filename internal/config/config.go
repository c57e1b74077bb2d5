package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/outreach-cli/internal/engine"
	"github.com/sells-group/outreach-cli/internal/resilience"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Engine     EngineConfig     `yaml:"engine" mapstructure:"engine"`
	Delivery   DeliveryConfig   `yaml:"delivery" mapstructure:"delivery"`
	Links      LinksConfig      `yaml:"links" mapstructure:"links"`
	Notify     NotifyConfig     `yaml:"notify" mapstructure:"notify"`
	Notion     NotionConfig     `yaml:"notion" mapstructure:"notion"`
	Salesforce SalesforceConfig `yaml:"salesforce" mapstructure:"salesforce"`
	Redis      RedisConfig      `yaml:"redis" mapstructure:"redis"`
	Queue      QueueConfig      `yaml:"queue" mapstructure:"queue"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver          string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL     string `yaml:"database_url" mapstructure:"database_url"`
	CallTimeoutSecs int    `yaml:"call_timeout_secs" mapstructure:"call_timeout_secs"`
}

// ServerConfig configures the HTTP intake server.
type ServerConfig struct {
	Port               int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins     []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	RequestTimeoutSecs int      `yaml:"request_timeout_secs" mapstructure:"request_timeout_secs"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// EngineConfig tunes job execution.
type EngineConfig struct {
	FailureThreshold   int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	Workers            int `yaml:"workers" mapstructure:"workers"`
	QueueSize          int `yaml:"queue_size" mapstructure:"queue_size"`
	MessagePauseMinSec int `yaml:"message_pause_min_secs" mapstructure:"message_pause_min_secs"`
	MessagePauseMaxSec int `yaml:"message_pause_max_secs" mapstructure:"message_pause_max_secs"`
	BatchPauseMinSec   int `yaml:"batch_pause_min_secs" mapstructure:"batch_pause_min_secs"`
	BatchPauseMaxSec   int `yaml:"batch_pause_max_secs" mapstructure:"batch_pause_max_secs"`
	NotifyTimeoutSecs  int `yaml:"notify_timeout_secs" mapstructure:"notify_timeout_secs"`
	ReleaseTimeoutSecs int `yaml:"release_timeout_secs" mapstructure:"release_timeout_secs"`
}

// DeliveryConfig configures the delivery automation service client.
type DeliveryConfig struct {
	BaseURL       string  `yaml:"base_url" mapstructure:"base_url"`
	APIKey        string  `yaml:"api_key" mapstructure:"api_key"`
	TimeoutSecs   int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RatePerSecond float64 `yaml:"rate_per_second" mapstructure:"rate_per_second"`
	DryRun        bool    `yaml:"dry_run" mapstructure:"dry_run"`
}

// LinksConfig configures landing page URLs.
type LinksConfig struct {
	DefaultBaseURL     string `yaml:"default_base_url" mapstructure:"default_base_url"`
	CostPerDemoBaseURL string `yaml:"cost_per_demo_base_url" mapstructure:"cost_per_demo_base_url"`
	RootDomain         string `yaml:"root_domain" mapstructure:"root_domain"`
}

// NotifyConfig configures failure alerts.
type NotifyConfig struct {
	WebhookURL string `yaml:"webhook_url" mapstructure:"webhook_url"`
	Channel    string `yaml:"channel" mapstructure:"channel"`
}

// NotionConfig holds the Notion token and the alert database.
type NotionConfig struct {
	Token     string  `yaml:"token" mapstructure:"token"`
	AlertDB   string  `yaml:"alert_db" mapstructure:"alert_db"`
	RateLimit float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// SalesforceConfig holds Salesforce JWT auth settings.
type SalesforceConfig struct {
	Enabled   bool    `yaml:"enabled" mapstructure:"enabled"`
	ClientID  string  `yaml:"client_id" mapstructure:"client_id"`
	Username  string  `yaml:"username" mapstructure:"username"`
	KeyPath   string  `yaml:"key_path" mapstructure:"key_path"`
	LoginURL  string  `yaml:"login_url" mapstructure:"login_url"`
	RateLimit float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// RedisConfig configures the per-job run lock. An empty Addr disables it.
type RedisConfig struct {
	Addr        string `yaml:"addr" mapstructure:"addr"`
	Password    string `yaml:"password" mapstructure:"password"`
	DB          int    `yaml:"db" mapstructure:"db"`
	LockPrefix  string `yaml:"lock_prefix" mapstructure:"lock_prefix"`
	LockTTLSecs int    `yaml:"lock_ttl_secs" mapstructure:"lock_ttl_secs"`
}

// QueueConfig configures AMQP dispatch. An empty URL runs jobs in process.
type QueueConfig struct {
	URL         string `yaml:"url" mapstructure:"url"`
	Name        string `yaml:"name" mapstructure:"name"`
	Concurrency int    `yaml:"concurrency" mapstructure:"concurrency"`
}

// RetryConfig configures retries of outbound HTTP calls.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// Seconds converts a whole-second setting to a duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func wholeSeconds(d time.Duration) int {
	return int(d / time.Second)
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("OUTREACH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults. Every key has one so that environment overrides reach Unmarshal.
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.call_timeout_secs", 10)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.request_timeout_secs", 30)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	pacing := engine.DefaultPacing()
	v.SetDefault("engine.failure_threshold", resilience.DefaultFailureThreshold)
	v.SetDefault("engine.workers", 4)
	v.SetDefault("engine.queue_size", 64)
	v.SetDefault("engine.message_pause_min_secs", wholeSeconds(pacing.Message.Min))
	v.SetDefault("engine.message_pause_max_secs", wholeSeconds(pacing.Message.Max))
	v.SetDefault("engine.batch_pause_min_secs", wholeSeconds(pacing.Batch.Min))
	v.SetDefault("engine.batch_pause_max_secs", wholeSeconds(pacing.Batch.Max))
	v.SetDefault("engine.notify_timeout_secs", 10)
	v.SetDefault("engine.release_timeout_secs", 30)
	v.SetDefault("delivery.base_url", "")
	v.SetDefault("delivery.api_key", "")
	v.SetDefault("delivery.timeout_secs", 120)
	v.SetDefault("delivery.rate_per_second", 1.0)
	v.SetDefault("delivery.dry_run", false)
	v.SetDefault("links.default_base_url", "https://go.sellsdemo.com")
	v.SetDefault("links.cost_per_demo_base_url", "https://cpd.sellsdemo.com")
	v.SetDefault("links.root_domain", "sellsdemo.com")
	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.channel", "")
	v.SetDefault("notion.token", "")
	v.SetDefault("notion.alert_db", "")
	v.SetDefault("notion.rate_limit", 3.0)
	v.SetDefault("salesforce.enabled", false)
	v.SetDefault("salesforce.client_id", "")
	v.SetDefault("salesforce.username", "")
	v.SetDefault("salesforce.key_path", "")
	v.SetDefault("salesforce.login_url", "https://login.salesforce.com")
	v.SetDefault("salesforce.rate_limit", 5.0)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lock_prefix", "outreach:job")
	v.SetDefault("redis.lock_ttl_secs", 60)
	v.SetDefault("queue.url", "")
	v.SetDefault("queue.name", "outreach_jobs")
	v.SetDefault("queue.concurrency", 4)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 10000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings the given mode depends on. Modes are
// "serve", "worker", "run" and "store". All problems are reported at once.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "serve", "worker", "run", "store":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "postgres", "sqlite":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported", c.Store.Driver))
	}

	if mode == "serve" && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		errs = append(errs, "server.port must be > 0 and <= 65535")
	}

	if mode != "store" {
		if c.Engine.FailureThreshold < 1 {
			errs = append(errs, "engine.failure_threshold must be >= 1")
		}
		if c.Engine.MessagePauseMinSec < 0 || c.Engine.MessagePauseMaxSec < c.Engine.MessagePauseMinSec {
			errs = append(errs, "engine.message_pause_*_secs must satisfy 0 <= min <= max")
		}
		if c.Engine.BatchPauseMinSec < 0 || c.Engine.BatchPauseMaxSec < c.Engine.BatchPauseMinSec {
			errs = append(errs, "engine.batch_pause_*_secs must satisfy 0 <= min <= max")
		}
		if c.Delivery.RatePerSecond < 0 {
			errs = append(errs, "delivery.rate_per_second must be >= 0")
		}
		if c.Salesforce.Enabled && (c.Salesforce.ClientID == "" || c.Salesforce.Username == "" || c.Salesforce.KeyPath == "") {
			errs = append(errs, "salesforce.client_id, username and key_path are required when enabled")
		}
		if c.Notion.AlertDB != "" && c.Notion.Token == "" {
			errs = append(errs, "notion.token is required when notion.alert_db is set")
		}
	}

	if mode == "worker" && c.Queue.URL == "" {
		errs = append(errs, "queue.url is required for workers")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
