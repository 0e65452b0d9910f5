package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ignite/campaign-dispatch/internal/provider"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig        `yaml:"server"`
	Database  DatabaseConfig      `yaml:"database"`
	Redis     RedisConfig         `yaml:"redis"`
	Queue     QueueConfig         `yaml:"queue"`
	Dispatch  DispatchConfig      `yaml:"dispatch"`
	Admission AdmissionConfig     `yaml:"admission"`
	RateLimit RateLimitConfig     `yaml:"ratelimit"`
	Providers []provider.Settings `yaml:"providers"`
	DLQ       DLQConfig           `yaml:"dlq"`
	Archive   ArchiveConfig       `yaml:"archive"`
	Events    EventsConfig        `yaml:"events"`
	Logging   LoggingConfig       `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// GetHost returns the server host, with ECS detection
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// Addr is host:port for http.Server.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.GetHost(), c.Port)
}

// DatabaseConfig holds the PostgreSQL connection settings
type DatabaseConfig struct {
	URL                    string `yaml:"url"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
}

func (c DatabaseConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(c.ConnMaxLifetimeMinutes) * time.Minute
}

// RedisConfig holds the shared fast store settings
type RedisConfig struct {
	URL      string `yaml:"url"`
	PoolSize int    `yaml:"pool_size"`
}

// QueueConfig selects the work queue transport and the task retry tier.
type QueueConfig struct {
	Backend            string `yaml:"backend"` // "redis" or "amqp"
	AMQPURL            string `yaml:"amqp_url"`
	AMQPExchange       string `yaml:"amqp_exchange"`
	Prefetch           int    `yaml:"prefetch"`
	LeaseSeconds       int    `yaml:"lease_seconds"`
	DispatchWorkers    int    `yaml:"dispatch_workers"`
	DeliveryWorkers    int    `yaml:"delivery_workers"`
	FinalizeWorkers    int    `yaml:"finalize_workers"`
	TaskMaxAttempts    int    `yaml:"task_max_attempts"`
	TaskRetryBaseSecs  int    `yaml:"task_retry_base_seconds"`
	PollIntervalMillis int    `yaml:"poll_interval_ms"`
}

func (c QueueConfig) Lease() time.Duration {
	return time.Duration(c.LeaseSeconds) * time.Second
}

func (c QueueConfig) TaskRetryBase() time.Duration {
	return time.Duration(c.TaskRetryBaseSecs) * time.Second
}

func (c QueueConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMillis) * time.Millisecond
}

// DispatchConfig holds batch dispatch and delivery timing
type DispatchConfig struct {
	BatchSize                int `yaml:"batch_size"`
	InterBatchDelaySeconds   int `yaml:"inter_batch_delay_seconds"`
	AdmissionRetrySeconds    int `yaml:"admission_retry_delay_seconds"`
	FinalizePollSeconds      int `yaml:"finalize_poll_delay_seconds"`
	FinalizeMaxPolls         int `yaml:"finalize_max_polls"`
	PausedRecheckSeconds     int `yaml:"paused_recheck_delay_seconds"`
	RecipientLockBusySeconds int `yaml:"recipient_lock_busy_seconds"`
	PauseFlagTTLHours        int `yaml:"pause_flag_ttl_hours"`
	StopFlagTTLHours         int `yaml:"stop_flag_ttl_hours"`
	ProviderMaxAttempts      int `yaml:"provider_max_attempts"`
	SendTimeoutSeconds       int `yaml:"send_timeout_seconds"`
}

func (c DispatchConfig) InterBatchDelay() time.Duration {
	return time.Duration(c.InterBatchDelaySeconds) * time.Second
}

func (c DispatchConfig) AdmissionRetryDelay() time.Duration {
	return time.Duration(c.AdmissionRetrySeconds) * time.Second
}

func (c DispatchConfig) FinalizePollDelay() time.Duration {
	return time.Duration(c.FinalizePollSeconds) * time.Second
}

func (c DispatchConfig) PausedRecheckDelay() time.Duration {
	return time.Duration(c.PausedRecheckSeconds) * time.Second
}

func (c DispatchConfig) RecipientLockBusyDelay() time.Duration {
	return time.Duration(c.RecipientLockBusySeconds) * time.Second
}

func (c DispatchConfig) PauseFlagTTL() time.Duration {
	return time.Duration(c.PauseFlagTTLHours) * time.Hour
}

func (c DispatchConfig) StopFlagTTL() time.Duration {
	return time.Duration(c.StopFlagTTLHours) * time.Hour
}

func (c DispatchConfig) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutSeconds) * time.Second
}

// AdmissionConfig holds the host resource thresholds, in percent.
type AdmissionConfig struct {
	MemoryHighWater float64 `yaml:"memory_high_water"`
	CPUHighWater    float64 `yaml:"cpu_high_water"`
	Critical        float64 `yaml:"critical"`
	MinBatch        int     `yaml:"min_batch"`
	CPUSampleMillis int     `yaml:"cpu_sample_ms"`
}

func (c AdmissionConfig) CPUWindow() time.Duration {
	return time.Duration(c.CPUSampleMillis) * time.Millisecond
}

// RateLimitConfig holds the adaptive limiter and breaker tuning
type RateLimitConfig struct {
	WindowSeconds         int     `yaml:"window_seconds"`
	SuccessThreshold      float64 `yaml:"success_threshold"`
	FailureThreshold      float64 `yaml:"failure_threshold"`
	BreakerErrors         int     `yaml:"breaker_error_threshold"`
	BreakerWindowSeconds  int     `yaml:"breaker_error_window_seconds"`
	BreakerTimeoutSeconds int     `yaml:"breaker_timeout_seconds"`
	AuthFailureLimit      int     `yaml:"auth_failure_limit"`
}

func (c RateLimitConfig) Window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

func (c RateLimitConfig) BreakerWindow() time.Duration {
	return time.Duration(c.BreakerWindowSeconds) * time.Second
}

func (c RateLimitConfig) BreakerTimeout() time.Duration {
	return time.Duration(c.BreakerTimeoutSeconds) * time.Second
}

// DLQConfig holds dead letter backoff and sweep settings
type DLQConfig struct {
	BaseBackoffSeconds   int `yaml:"base_backoff_seconds"`
	MaxBackoffSeconds    int `yaml:"max_backoff_seconds"`
	MaxRetries           int `yaml:"max_retries"`
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
	SweepBatch           int `yaml:"sweep_batch"`
}

func (c DLQConfig) BaseBackoff() time.Duration {
	return time.Duration(c.BaseBackoffSeconds) * time.Second
}

func (c DLQConfig) MaxBackoff() time.Duration {
	return time.Duration(c.MaxBackoffSeconds) * time.Second
}

func (c DLQConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// ArchiveConfig holds S3 archival of settled DLQ entries
type ArchiveConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	AWSProfile      string `yaml:"aws_profile"`
	AfterHours      int    `yaml:"after_hours"`
	IntervalMinutes int    `yaml:"interval_minutes"`
	Batch           int    `yaml:"batch"`
}

func (c ArchiveConfig) After() time.Duration {
	return time.Duration(c.AfterHours) * time.Hour
}

func (c ArchiveConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMinutes) * time.Minute
}

// GetAWSProfile returns the AWS profile, checking environment first
func (c ArchiveConfig) GetAWSProfile() string {
	if profile := os.Getenv("AWS_PROFILE"); profile != "" {
		return profile
	}
	return c.AWSProfile
}

// EventsConfig selects the audit sink
type EventsConfig struct {
	Sink   string `yaml:"sink"` // "log" or "redis"
	Stream string `yaml:"stream"`
	MaxLen int64  `yaml:"max_len"`
	Buffer int    `yaml:"buffer"`
}

// LoggingConfig holds log level and PII redaction
type LoggingConfig struct {
	Level     string `yaml:"level"`
	RedactPII *bool  `yaml:"redact_pii"`
}

// Redact defaults to true when unset.
func (c LoggingConfig) Redact() bool { return c.RedactPII == nil || *c.RedactPII }

// ErrInvalid is wrapped by every Validate failure.
var ErrInvalid = errors.New("invalid configuration")

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetimeMinutes == 0 {
		cfg.Database.ConnMaxLifetimeMinutes = 5
	}
	if cfg.Redis.URL == "" {
		cfg.Redis.URL = "redis://localhost:6379/0"
	}

	q := &cfg.Queue
	if q.Backend == "" {
		q.Backend = "redis"
	}
	if q.AMQPExchange == "" {
		q.AMQPExchange = "campaign.delayed"
	}
	if q.Prefetch == 0 {
		q.Prefetch = 50
	}
	if q.LeaseSeconds == 0 {
		q.LeaseSeconds = 300
	}
	if q.DispatchWorkers == 0 {
		q.DispatchWorkers = 2
	}
	if q.DeliveryWorkers == 0 {
		q.DeliveryWorkers = 20
	}
	if q.FinalizeWorkers == 0 {
		q.FinalizeWorkers = 1
	}
	if q.TaskMaxAttempts == 0 {
		q.TaskMaxAttempts = 3
	}
	if q.TaskRetryBaseSecs == 0 {
		q.TaskRetryBaseSecs = 2
	}
	if q.PollIntervalMillis == 0 {
		q.PollIntervalMillis = 200
	}

	d := &cfg.Dispatch
	if d.BatchSize == 0 {
		d.BatchSize = 100
	}
	if d.InterBatchDelaySeconds == 0 {
		d.InterBatchDelaySeconds = 2
	}
	if d.AdmissionRetrySeconds == 0 {
		d.AdmissionRetrySeconds = 30
	}
	if d.FinalizePollSeconds == 0 {
		d.FinalizePollSeconds = 10
	}
	if d.FinalizeMaxPolls == 0 {
		d.FinalizeMaxPolls = 8640
	}
	if d.PausedRecheckSeconds == 0 {
		d.PausedRecheckSeconds = 30
	}
	if d.RecipientLockBusySeconds == 0 {
		d.RecipientLockBusySeconds = 5
	}
	if d.PauseFlagTTLHours == 0 {
		d.PauseFlagTTLHours = 7 * 24
	}
	if d.StopFlagTTLHours == 0 {
		d.StopFlagTTLHours = 7 * 24
	}
	if d.ProviderMaxAttempts == 0 {
		d.ProviderMaxAttempts = 3
	}
	if d.SendTimeoutSeconds == 0 {
		d.SendTimeoutSeconds = 30
	}

	a := &cfg.Admission
	if a.MemoryHighWater == 0 {
		a.MemoryHighWater = 85
	}
	if a.CPUHighWater == 0 {
		a.CPUHighWater = 85
	}
	if a.Critical == 0 {
		a.Critical = 95
	}
	if a.MinBatch == 0 {
		a.MinBatch = 10
	}
	if a.CPUSampleMillis == 0 {
		a.CPUSampleMillis = 200
	}

	r := &cfg.RateLimit
	if r.WindowSeconds == 0 {
		r.WindowSeconds = 60
	}
	if r.SuccessThreshold == 0 {
		r.SuccessThreshold = 0.95
	}
	if r.FailureThreshold == 0 {
		r.FailureThreshold = 0.80
	}
	if r.BreakerErrors == 0 {
		r.BreakerErrors = 10
	}
	if r.BreakerWindowSeconds == 0 {
		r.BreakerWindowSeconds = 300
	}
	if r.BreakerTimeoutSeconds == 0 {
		r.BreakerTimeoutSeconds = 60
	}
	if r.AuthFailureLimit == 0 {
		r.AuthFailureLimit = 3
	}

	if cfg.DLQ.BaseBackoffSeconds == 0 {
		cfg.DLQ.BaseBackoffSeconds = 60
	}
	if cfg.DLQ.MaxBackoffSeconds == 0 {
		cfg.DLQ.MaxBackoffSeconds = 3600
	}
	if cfg.DLQ.MaxRetries == 0 {
		cfg.DLQ.MaxRetries = 5
	}
	if cfg.DLQ.SweepIntervalSeconds == 0 {
		cfg.DLQ.SweepIntervalSeconds = 30
	}
	if cfg.DLQ.SweepBatch == 0 {
		cfg.DLQ.SweepBatch = 200
	}

	if cfg.Archive.Prefix == "" {
		cfg.Archive.Prefix = "dlq-archive"
	}
	if cfg.Archive.Region == "" {
		cfg.Archive.Region = "us-west-2"
	}
	if cfg.Archive.AfterHours == 0 {
		cfg.Archive.AfterHours = 7 * 24
	}
	if cfg.Archive.IntervalMinutes == 0 {
		cfg.Archive.IntervalMinutes = 60
	}
	if cfg.Archive.Batch == 0 {
		cfg.Archive.Batch = 1000
	}

	if cfg.Events.Sink == "" {
		cfg.Events.Sink = "log"
	}
	if cfg.Events.Stream == "" {
		cfg.Events.Stream = "events:dispatch"
	}
	if cfg.Events.MaxLen == 0 {
		cfg.Events.MaxLen = 100000
	}
	if cfg.Events.Buffer == 0 {
		cfg.Events.Buffer = 1024
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars on ECS.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	cfg.applyEnv()
	return cfg, nil
}

func (cfg *Config) applyEnv() {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.Queue.AMQPURL = v
	}
	if v := os.Getenv("QUEUE_BACKEND"); v != "" {
		cfg.Queue.Backend = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("ARCHIVE_S3_BUCKET"); v != "" {
		cfg.Archive.Bucket = v
	}

	// Provider secrets fill whichever configured variant left them blank.
	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		switch {
		case p.SendGrid != nil && p.SendGrid.APIKey == "":
			p.SendGrid.APIKey = os.Getenv("SENDGRID_API_KEY")
		case p.Mailgun != nil && p.Mailgun.APIKey == "":
			p.Mailgun.APIKey = os.Getenv("MAILGUN_API_KEY")
		case p.SMTP != nil && p.SMTP.Password == "":
			p.SMTP.Password = os.Getenv("SMTP_PASSWORD")
		case p.SES != nil:
			if p.SES.AccessKeyID == "" {
				p.SES.AccessKeyID = os.Getenv("AWS_SES_ACCESS_KEY")
			}
			if p.SES.SecretAccessKey == "" {
				p.SES.SecretAccessKey = os.Getenv("AWS_SES_SECRET_KEY")
			}
			if p.SES.Region == "" {
				p.SES.Region = os.Getenv("AWS_SES_REGION")
			}
		}
	}
}

// Validate checks the settings the binaries cannot start without.
func (cfg *Config) Validate() error {
	if cfg.Database.URL == "" {
		return fmt.Errorf("%w: database.url is required", ErrInvalid)
	}
	switch cfg.Queue.Backend {
	case "redis":
	case "amqp":
		if cfg.Queue.AMQPURL == "" {
			return fmt.Errorf("%w: queue.amqp_url is required for the amqp backend", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown queue backend %q", ErrInvalid, cfg.Queue.Backend)
	}
	a := cfg.Admission
	if a.MemoryHighWater >= a.Critical || a.CPUHighWater >= a.Critical {
		return fmt.Errorf("%w: admission high water marks must be below critical", ErrInvalid)
	}
	if cfg.Archive.Enabled && cfg.Archive.Bucket == "" {
		return fmt.Errorf("%w: archive.bucket is required when archive is enabled", ErrInvalid)
	}
	seen := make(map[string]bool, len(cfg.Providers))
	for _, p := range cfg.Providers {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		if seen[p.Name] {
			return fmt.Errorf("%w: duplicate provider %q", ErrInvalid, p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

// EnabledProviders filters out providers switched off in config.
func (cfg *Config) EnabledProviders() []provider.Settings {
	out := make([]provider.Settings, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		if p.IsEnabled() {
			out = append(out, p)
		}
	}
	return out
}
