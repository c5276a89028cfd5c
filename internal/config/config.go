package config

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Storage   StorageConfig   `yaml:"storage" mapstructure:"storage"`
	Mail      MailConfig      `yaml:"mail" mapstructure:"mail"`
	Lock      LockConfig      `yaml:"lock" mapstructure:"lock"`
	Supplier  SupplierConfig  `yaml:"supplier" mapstructure:"supplier"`
	Pipeline  PipelineConfig  `yaml:"pipeline" mapstructure:"pipeline"`
	Jobs      JobsConfig      `yaml:"jobs" mapstructure:"jobs"`
	Batch     BatchConfig     `yaml:"batch" mapstructure:"batch"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AnthropicConfig holds Anthropic API settings used for AI-assisted extraction.
type AnthropicConfig struct {
	Key            string  `yaml:"key" mapstructure:"key"`
	Model          string  `yaml:"model" mapstructure:"model"`
	MaxTokens      int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	RatePerSecond  float64 `yaml:"rate_per_second" mapstructure:"rate_per_second"`
	PollInitialMs  int     `yaml:"poll_initial_ms" mapstructure:"poll_initial_ms"`
	PollMaxMs      int     `yaml:"poll_max_ms" mapstructure:"poll_max_ms"`
	ThreadTimeoutS int     `yaml:"thread_timeout_secs" mapstructure:"thread_timeout_secs"`
	ThreadAgent    string  `yaml:"thread_agent" mapstructure:"thread_agent"` // batches, messages
}

// StorageConfig selects where uploaded order files live.
type StorageConfig struct {
	Backend string    `yaml:"backend" mapstructure:"backend"` // local, s3, ftp
	Dir     string    `yaml:"dir" mapstructure:"dir"`
	S3      S3Config  `yaml:"s3" mapstructure:"s3"`
	FTP     FTPConfig `yaml:"ftp" mapstructure:"ftp"`
}

// S3Config configures the S3 storage backend.
type S3Config struct {
	Bucket       string `yaml:"bucket" mapstructure:"bucket"`
	Region       string `yaml:"region" mapstructure:"region"`
	Prefix       string `yaml:"prefix" mapstructure:"prefix"`
	Endpoint     string `yaml:"endpoint" mapstructure:"endpoint"`
	UsePathStyle bool   `yaml:"use_path_style" mapstructure:"use_path_style"`
}

// FTPConfig configures the FTP storage backend.
type FTPConfig struct {
	URL         string `yaml:"url" mapstructure:"url"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// MailConfig configures outbound retailer correspondence.
type MailConfig struct {
	Sender        string  `yaml:"sender" mapstructure:"sender"` // log, smtp
	From          string  `yaml:"from" mapstructure:"from"`
	SMTPHost      string  `yaml:"smtp_host" mapstructure:"smtp_host"`
	SMTPPort      int     `yaml:"smtp_port" mapstructure:"smtp_port"`
	SMTPUser      string  `yaml:"smtp_user" mapstructure:"smtp_user"`
	SMTPPassword  string  `yaml:"smtp_password" mapstructure:"smtp_password"`
	RatePerSecond float64 `yaml:"rate_per_second" mapstructure:"rate_per_second"`
	TemplatesDir  string  `yaml:"templates_dir" mapstructure:"templates_dir"`
}

// LockConfig selects the order lock implementation.
type LockConfig struct {
	Backend   string `yaml:"backend" mapstructure:"backend"` // local, redis
	RedisAddr string `yaml:"redis_addr" mapstructure:"redis_addr"`
	RedisPass string `yaml:"redis_password" mapstructure:"redis_password"`
	RedisDB   int    `yaml:"redis_db" mapstructure:"redis_db"`
	TTLSecs   int    `yaml:"ttl_secs" mapstructure:"ttl_secs"`
}

// SupplierConfig configures the downstream submission target.
type SupplierConfig struct {
	Name        string `yaml:"name" mapstructure:"name"`
	WebhookURL  string `yaml:"webhook_url" mapstructure:"webhook_url"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// RetryConfig configures backoff for transient failures.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// CircuitConfig configures the supplier circuit breaker.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// ValidationConfig tunes scoring.
type ValidationConfig struct {
	PassThreshold       float64            `yaml:"pass_threshold" mapstructure:"pass_threshold"`
	PricingCoverage     float64            `yaml:"pricing_coverage" mapstructure:"pricing_coverage"`
	ClassificationCover float64            `yaml:"classification_coverage" mapstructure:"classification_coverage"`
	PriceFloor          float64            `yaml:"price_floor" mapstructure:"price_floor"`
	Weights             map[string]float64 `yaml:"weights" mapstructure:"weights"`
	BusinessRules       []RuleConfig       `yaml:"business_rules" mapstructure:"business_rules"`
}

// RuleConfig is a configured CEL business rule evaluated per SKU item.
// Expression must evaluate to true when the item violates the rule.
type RuleConfig struct {
	Code       string `yaml:"code" mapstructure:"code"`
	Field      string `yaml:"field" mapstructure:"field"`
	Message    string `yaml:"message" mapstructure:"message"`
	Expression string `yaml:"expression" mapstructure:"expression"`
}

// PipelineConfig configures the order processing pipeline.
type PipelineConfig struct {
	Strategy           string           `yaml:"strategy" mapstructure:"strategy"`
	AutoSubmit         bool             `yaml:"auto_submit" mapstructure:"auto_submit"`
	ProcessingTimeoutS int              `yaml:"processing_timeout_secs" mapstructure:"processing_timeout_secs"`
	TaxRate            float64          `yaml:"tax_rate" mapstructure:"tax_rate"`
	DefaultWeightKG    float64          `yaml:"default_weight_kg" mapstructure:"default_weight_kg"`
	DefaultVolumeM3    float64          `yaml:"default_volume_m3" mapstructure:"default_volume_m3"`
	FieldMappingPath   string           `yaml:"field_mapping_path" mapstructure:"field_mapping_path"`
	ActionDueHours     int              `yaml:"action_due_hours" mapstructure:"action_due_hours"`
	MinAIConfidence    float64          `yaml:"min_ai_confidence" mapstructure:"min_ai_confidence"`
	Validation         ValidationConfig `yaml:"validation" mapstructure:"validation"`
	Retry              RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Circuit            CircuitConfig    `yaml:"circuit" mapstructure:"circuit"`
}

// JobsConfig configures periodic maintenance jobs (cron specs with seconds).
type JobsConfig struct {
	EmailRedispatch  string `yaml:"email_redispatch" mapstructure:"email_redispatch"`
	ThreadSweep      string `yaml:"thread_sweep" mapstructure:"thread_sweep"`
	StalePendingMins int    `yaml:"stale_pending_mins" mapstructure:"stale_pending_mins"`
}

// BatchConfig configures batch processing.
type BatchConfig struct {
	MaxConcurrentOrders int `yaml:"max_concurrent_orders" mapstructure:"max_concurrent_orders"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from .env, config.yaml and the environment.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile is Load with an explicit YAML file in place of ./config.yaml.
// Unlike the default file, an explicit one must exist.
func LoadFile(path string) (*Config, error) {
	// A missing .env is normal outside local development.
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, eris.Wrap(err, "config: load .env")
	}

	v := viper.New()

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("ORDERFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

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
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "orderflow.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("batch.max_concurrent_orders", 5)

	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 4096)
	v.SetDefault("anthropic.rate_per_second", 2.0)
	v.SetDefault("anthropic.poll_initial_ms", 2000)
	v.SetDefault("anthropic.poll_max_ms", 15000)
	v.SetDefault("anthropic.thread_timeout_secs", 600)
	v.SetDefault("anthropic.thread_agent", "batches")

	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.dir", "data/uploads")
	v.SetDefault("storage.ftp.timeout_secs", 30)

	v.SetDefault("mail.sender", "log")
	v.SetDefault("mail.from", "orders@localhost")
	v.SetDefault("mail.smtp_port", 587)
	v.SetDefault("mail.rate_per_second", 5.0)

	v.SetDefault("lock.backend", "local")
	v.SetDefault("lock.redis_addr", "localhost:6379")
	v.SetDefault("lock.ttl_secs", 900)

	v.SetDefault("supplier.name", "default")
	v.SetDefault("supplier.timeout_secs", 15)

	v.SetDefault("pipeline.strategy", "deterministic")
	v.SetDefault("pipeline.auto_submit", false)
	v.SetDefault("pipeline.processing_timeout_secs", 900)
	v.SetDefault("pipeline.tax_rate", 0.0)
	v.SetDefault("pipeline.default_weight_kg", 1.0)
	v.SetDefault("pipeline.default_volume_m3", 0.01)
	v.SetDefault("pipeline.action_due_hours", 48)
	v.SetDefault("pipeline.min_ai_confidence", 0.6)
	v.SetDefault("pipeline.validation.pass_threshold", 0.7)
	v.SetDefault("pipeline.validation.pricing_coverage", 0.9)
	v.SetDefault("pipeline.validation.classification_coverage", 0.8)
	v.SetDefault("pipeline.validation.price_floor", 0.01)
	v.SetDefault("pipeline.retry.max_attempts", 3)
	v.SetDefault("pipeline.retry.initial_backoff_ms", 500)
	v.SetDefault("pipeline.retry.max_backoff_ms", 30000)
	v.SetDefault("pipeline.retry.multiplier", 2.0)
	v.SetDefault("pipeline.retry.jitter_fraction", 0.25)
	v.SetDefault("pipeline.circuit.failure_threshold", 5)
	v.SetDefault("pipeline.circuit.reset_timeout_secs", 30)

	v.SetDefault("jobs.email_redispatch", "0 */5 * * * *")
	v.SetDefault("jobs.thread_sweep", "30 * * * * *")
	v.SetDefault("jobs.stale_pending_mins", 10)
}

// Validate checks for missing or inconsistent settings.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		return eris.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	if c.Store.DatabaseURL == "" {
		return eris.New("config: store.database_url is required")
	}
	switch c.Storage.Backend {
	case "local", "s3", "ftp":
	default:
		return eris.Errorf("config: unknown storage backend %q", c.Storage.Backend)
	}
	if c.Storage.Backend == "s3" && c.Storage.S3.Bucket == "" {
		return eris.New("config: storage.s3.bucket is required")
	}
	if c.Storage.Backend == "ftp" && c.Storage.FTP.URL == "" {
		return eris.New("config: storage.ftp.url is required")
	}
	switch c.Lock.Backend {
	case "local", "redis":
	default:
		return eris.Errorf("config: unknown lock backend %q", c.Lock.Backend)
	}
	switch c.Pipeline.Strategy {
	case "deterministic", "ai_assisted":
	default:
		return eris.Errorf("config: unknown pipeline strategy %q", c.Pipeline.Strategy)
	}
	if c.Pipeline.Strategy == "ai_assisted" && c.Anthropic.Key == "" {
		return eris.New("config: anthropic.key is required for ai_assisted strategy")
	}
	switch c.Anthropic.ThreadAgent {
	case "", "batches", "messages":
	default:
		return eris.Errorf("config: unknown anthropic thread agent %q", c.Anthropic.ThreadAgent)
	}
	if t := c.Pipeline.Validation.PassThreshold; t <= 0 || t > 1 {
		return eris.Errorf("config: pipeline.validation.pass_threshold %v out of range (0,1]", t)
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
