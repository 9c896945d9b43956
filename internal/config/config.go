package config

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config holds the full application configuration.
type Config struct {
	Store         StoreConfig         `yaml:"store" mapstructure:"store"`
	Queue         QueueConfig         `yaml:"queue" mapstructure:"queue"`
	Server        ServerConfig        `yaml:"server" mapstructure:"server"`
	Log           LogConfig           `yaml:"log" mapstructure:"log"`
	Pipeline      PipelineConfig      `yaml:"pipeline" mapstructure:"pipeline"`
	Transcription TranscriptionConfig `yaml:"transcription" mapstructure:"transcription"`
	Completion    CompletionConfig    `yaml:"completion" mapstructure:"completion"`
	AmoCRM        AmoCRMConfig        `yaml:"amocrm" mapstructure:"amocrm"`
	Bitrix        BitrixConfig        `yaml:"bitrix" mapstructure:"bitrix"`
	CustomCRM     CustomCRMConfig     `yaml:"custom_crm" mapstructure:"custom_crm"`
	Weekly        WeeklyConfig        `yaml:"weekly" mapstructure:"weekly"`
	Scheduler     SchedulerConfig     `yaml:"scheduler" mapstructure:"scheduler"`
	Monitoring    MonitoringConfig    `yaml:"monitoring" mapstructure:"monitoring"`
	Resilience    ResilienceConfig    `yaml:"resilience" mapstructure:"resilience"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// QueueConfig selects and tunes the job queue backend.
type QueueConfig struct {
	Backend     string         `yaml:"backend" mapstructure:"backend"`
	Concurrency int            `yaml:"concurrency" mapstructure:"concurrency"`
	Redis       RedisConfig    `yaml:"redis" mapstructure:"redis"`
	Temporal    TemporalConfig `yaml:"temporal" mapstructure:"temporal"`
}

// RedisConfig configures the Redis queue backend.
type RedisConfig struct {
	URL            string `yaml:"url" mapstructure:"url"`
	Prefix         string `yaml:"prefix" mapstructure:"prefix"`
	PollIntervalMs int    `yaml:"poll_interval_ms" mapstructure:"poll_interval_ms"`
	VisibilitySecs int    `yaml:"visibility_secs" mapstructure:"visibility_secs"`
}

// TemporalConfig configures the Temporal queue backend.
type TemporalConfig struct {
	HostPort       string `yaml:"host_port" mapstructure:"host_port"`
	Namespace      string `yaml:"namespace" mapstructure:"namespace"`
	TaskQueue      string `yaml:"task_queue" mapstructure:"task_queue"`
	JobTimeoutSecs int    `yaml:"job_timeout_secs" mapstructure:"job_timeout_secs"`
}

// ServerConfig configures the webhook server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging. When File is set, logs are also written
// there and rotated.
type LogConfig struct {
	Level      string `yaml:"level" mapstructure:"level"`
	Format     string `yaml:"format" mapstructure:"format"`
	File       string `yaml:"file" mapstructure:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" mapstructure:"max_age_days"`
}

// PipelineConfig tunes the call pipeline stages.
type PipelineConfig struct {
	MinTranscriptLength  int    `yaml:"min_transcript_length" mapstructure:"min_transcript_length"`
	Lang                 string `yaml:"lang" mapstructure:"lang"`
	Speakers             int    `yaml:"speakers" mapstructure:"speakers"`
	PollDelaySecs        int    `yaml:"poll_delay_secs" mapstructure:"poll_delay_secs"`
	MaxPollAttempts      int    `yaml:"max_poll_attempts" mapstructure:"max_poll_attempts"`
	StaleAfterMins       int    `yaml:"stale_after_mins" mapstructure:"stale_after_mins"`
	BitrixMaxAttempts    int    `yaml:"bitrix_max_attempts" mapstructure:"bitrix_max_attempts"`
	BitrixShortAttempts  int    `yaml:"bitrix_short_attempts" mapstructure:"bitrix_short_attempts"`
	BitrixShortDelaySecs int    `yaml:"bitrix_short_delay_secs" mapstructure:"bitrix_short_delay_secs"`
	BitrixLongDelaySecs  int    `yaml:"bitrix_long_delay_secs" mapstructure:"bitrix_long_delay_secs"`
}

// TranscriptionConfig configures the speech-to-text adapter.
type TranscriptionConfig struct {
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// CompletionConfig configures the language model adapter. Keys are per
// organization; only the vendor and endpoint are global.
type CompletionConfig struct {
	Vendor          string `yaml:"vendor" mapstructure:"vendor"`
	BaseURL         string `yaml:"base_url" mapstructure:"base_url"`
	Model           string `yaml:"model" mapstructure:"model"`
	MaxTokens       int    `yaml:"max_tokens" mapstructure:"max_tokens"`
	ClientCacheSize int    `yaml:"client_cache_size" mapstructure:"client_cache_size"`
}

// AmoCRMConfig configures the amoCRM adapter.
type AmoCRMConfig struct {
	RateLimit     float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
	Burst         int     `yaml:"burst" mapstructure:"burst"`
	StatusTTLMins int     `yaml:"status_ttl_mins" mapstructure:"status_ttl_mins"`
}

// BitrixConfig configures the Bitrix24 adapter.
type BitrixConfig struct {
	RateLimit float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
	Burst     int     `yaml:"burst" mapstructure:"burst"`
}

// CustomCRMConfig configures the notes endpoint of custom-CRM organizations.
type CustomCRMConfig struct {
	NotesURL string `yaml:"notes_url" mapstructure:"notes_url"`
	AppToken string `yaml:"app_token" mapstructure:"app_token"`
}

// WeeklyConfig configures the weekly aggregation engine.
type WeeklyConfig struct {
	BatchSize         int    `yaml:"batch_size" mapstructure:"batch_size"`
	BackfillDelaySecs int    `yaml:"backfill_delay_secs" mapstructure:"backfill_delay_secs"`
	MaxConcurrentOrgs int    `yaml:"max_concurrent_orgs" mapstructure:"max_concurrent_orgs"`
	PromptsFile       string `yaml:"prompts_file" mapstructure:"prompts_file"`
}

// SchedulerConfig holds cron specs for periodic jobs.
type SchedulerConfig struct {
	Enabled  bool   `yaml:"enabled" mapstructure:"enabled"`
	Timezone string `yaml:"timezone" mapstructure:"timezone"`
	Sweep    string `yaml:"sweep" mapstructure:"sweep"`
	Deals    string `yaml:"deals" mapstructure:"deals"`
	Weekly   string `yaml:"weekly" mapstructure:"weekly"`
	Rotate   string `yaml:"rotate" mapstructure:"rotate"`
}

// MonitoringConfig configures alert thresholds and delivery.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	DeadLetterThreshold  int     `yaml:"dead_letter_threshold" mapstructure:"dead_letter_threshold"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
}

// ResilienceConfig configures in-process retries and circuit breakers for
// outbound calls.
type ResilienceConfig struct {
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile reads configuration from path, or from ./config.yaml when path
// is empty. Environment variables prefixed CALLSCORE_ override both.
func LoadFile(path string) (*Config, error) {
	v := viper.New()

	// Config file
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	// Environment
	v.SetEnvPrefix("CALLSCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read config file (optional unless given explicitly)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.concurrency", 4)
	v.SetDefault("queue.redis.prefix", "callscore:jobs")
	v.SetDefault("queue.redis.poll_interval_ms", 500)
	v.SetDefault("queue.redis.visibility_secs", 900)
	v.SetDefault("queue.temporal.host_port", "localhost:7233")
	v.SetDefault("queue.temporal.namespace", "default")
	v.SetDefault("queue.temporal.task_queue", "callscore")
	v.SetDefault("queue.temporal.job_timeout_secs", 900)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("pipeline.min_transcript_length", 100)
	v.SetDefault("pipeline.lang", "ru")
	v.SetDefault("pipeline.speakers", 2)
	v.SetDefault("pipeline.poll_delay_secs", 60)
	v.SetDefault("pipeline.max_poll_attempts", 60)
	v.SetDefault("pipeline.stale_after_mins", 10)
	v.SetDefault("pipeline.bitrix_max_attempts", 50)
	v.SetDefault("pipeline.bitrix_short_attempts", 10)
	v.SetDefault("pipeline.bitrix_short_delay_secs", 5)
	v.SetDefault("pipeline.bitrix_long_delay_secs", 10)
	v.SetDefault("transcription.base_url", "https://speech2text.ru")
	v.SetDefault("transcription.timeout_secs", 60)
	v.SetDefault("completion.vendor", "openai")
	v.SetDefault("completion.base_url", "https://api.fireworks.ai/inference/v1")
	v.SetDefault("completion.model", "accounts/fireworks/models/deepseek-v3p1-terminus")
	v.SetDefault("completion.max_tokens", 4096)
	v.SetDefault("completion.client_cache_size", 64)
	v.SetDefault("amocrm.rate_limit", 7)
	v.SetDefault("amocrm.burst", 7)
	v.SetDefault("amocrm.status_ttl_mins", 10)
	v.SetDefault("bitrix.rate_limit", 2)
	v.SetDefault("bitrix.burst", 50)
	v.SetDefault("weekly.batch_size", 20)
	v.SetDefault("weekly.backfill_delay_secs", 30)
	v.SetDefault("weekly.max_concurrent_orgs", 3)
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.timezone", "Europe/Moscow")
	v.SetDefault("scheduler.sweep", "@every 60s")
	v.SetDefault("scheduler.deals", "1 0 * * *")
	v.SetDefault("scheduler.weekly", "30 1 * * *")
	v.SetDefault("scheduler.rotate", "0 2 * * 1")
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.dead_letter_threshold", 1)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("resilience.max_attempts", 3)
	v.SetDefault("resilience.initial_backoff_ms", 1000)
	v.SetDefault("resilience.max_backoff_ms", 30000)
	v.SetDefault("resilience.failure_threshold", 5)
	v.SetDefault("resilience.reset_timeout_secs", 30)
}

// Validate checks the fields required by a command mode: "serve" (webhook
// server), "worker", "weekly" or "migrate".
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "serve", "worker", "weekly", "migrate":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required")
		}
	case "sqlite":
	default:
		errs = append(errs, "store.driver must be postgres or sqlite")
	}
	if mode == "migrate" {
		return joinErrors(errs)
	}

	switch c.Queue.Backend {
	case "memory":
	case "redis":
		if c.Queue.Redis.URL == "" {
			errs = append(errs, "queue.redis.url is required")
		}
	case "temporal":
		if c.Queue.Temporal.HostPort == "" {
			errs = append(errs, "queue.temporal.host_port is required")
		}
	default:
		errs = append(errs, "queue.backend must be memory, redis or temporal")
	}
	if c.Queue.Concurrency < 1 || c.Queue.Concurrency > 64 {
		errs = append(errs, "queue.concurrency must be between 1 and 64")
	}
	if c.Transcription.TimeoutSecs <= 0 {
		errs = append(errs, "transcription.timeout_secs must be > 0")
	}

	if mode == "serve" && c.Server.Port <= 0 {
		errs = append(errs, "server.port must be > 0")
	}
	if mode != "serve" {
		if c.Completion.Vendor != "openai" && c.Completion.Vendor != "anthropic" {
			errs = append(errs, "completion.vendor must be openai or anthropic")
		}
	}
	if mode == "weekly" && c.Weekly.BatchSize < 1 {
		errs = append(errs, "weekly.batch_size must be > 0")
	}
	if c.Monitoring.FailureRateThreshold < 0 || c.Monitoring.FailureRateThreshold > 1 {
		errs = append(errs, "monitoring.failure_rate_threshold must be between 0 and 1")
	}

	return joinErrors(errs)
}

func joinErrors(errs []string) error {
	if len(errs) == 0 {
		return nil
	}
	return eris.Errorf("config: %s", strings.Join(errs, "; "))
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

	if cfg.File != "" {
		rotated := zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		})
		fileCore := zapcore.NewCore(
			zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
			rotated,
			zapCfg.Level,
		)
		logger = logger.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
			return zapcore.NewTee(c, fileCore)
		}))
	}
	zap.ReplaceGlobals(logger)

	return nil
}

// Hostname returns the machine name used to tag worker logs.
func Hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
