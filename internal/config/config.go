// Package config provides the configuration structure for the audio service.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/book-expert/audio-service/internal/core"
	"github.com/book-expert/audio-service/internal/retry"
	"github.com/book-expert/audio-service/internal/schedule"
	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
	"github.com/pelletier/go-toml/v2"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Storage backends.
const (
	BackendNATS   = "nats"
	BackendS3     = "s3"
	BackendMinio  = "minio"
	BackendMemory = "memory"
)

// Synthesis providers.
const (
	ProviderHTTP   = "http"
	ProviderOpenAI = "openai"
)

// Job executors.
const (
	WorkerPool = "pool"
	WorkerNATS = "nats"
)

// NATSConfig holds the configuration for NATS.
type NATSConfig struct {
	URL               string `toml:"url"`
	JobsSubject       string `toml:"jobs_subject"`
	JobsQueue         string `toml:"jobs_queue"`
	WarningsSubject   string `toml:"warnings_subject"`
	ObjectStoreBucket string `toml:"object_store_bucket"`
}

// DatabaseConfig holds the Postgres connection settings. An empty DSN keeps
// every record in memory.
type DatabaseConfig struct {
	DSN          string `toml:"dsn"`
	MaxOpenConns int    `toml:"max_open_conns"`
	Migrate      bool   `toml:"migrate"`
}

// StorageConfig selects and configures the object store for audio files.
type StorageConfig struct {
	Backend   string `toml:"backend"`
	Bucket    string `toml:"bucket"`
	Region    string `toml:"region"`
	Endpoint  string `toml:"endpoint"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	PathStyle bool   `toml:"path_style"`
	UseSSL    bool   `toml:"use_ssl"`
}

// ProviderConfig selects and configures the speech synthesis provider.
type ProviderConfig struct {
	Kind           string `toml:"kind"`
	URL            string `toml:"url"`
	Language       string `toml:"language"`
	APIKey         string `toml:"api_key"`
	Model          string `toml:"model"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	MaxChars       int    `toml:"max_chars"`
}

// Timeout is the per-request timeout of the provider client.
func (p ProviderConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// LifecycleConfig holds the retention settings and the job schedules.
type LifecycleConfig struct {
	RetentionDays        int    `toml:"retention_days"`
	WarningWindowDays    int    `toml:"warning_window_days"`
	AutoDelete           bool   `toml:"auto_delete"`
	QuotaPerPage         int    `toml:"quota_per_page"`
	GenerationEnabled    bool   `toml:"generation_enabled"`
	NotificationsEnabled bool   `toml:"notifications_enabled"`
	SweepSchedule        string `toml:"sweep_schedule"`
	AuditExportSchedule  string `toml:"audit_export_schedule"`
	Timezone             string `toml:"timezone"`
}

// Snapshot returns the settings handed to one operation.
func (l LifecycleConfig) Snapshot() core.Settings {
	return core.Settings{
		RetentionDays:        l.RetentionDays,
		WarningWindowDays:    l.WarningWindowDays,
		AutoDeleteEnabled:    l.AutoDelete,
		QuotaPerPage:         l.QuotaPerPage,
		GenerationEnabled:    l.GenerationEnabled,
		NotificationsEnabled: l.NotificationsEnabled,
	}
}

// Location resolves Timezone, defaulting to UTC.
func (l LifecycleConfig) Location() (*time.Location, error) {
	if l.Timezone == "" {
		return time.UTC, nil
	}

	loc, err := time.LoadLocation(l.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: timezone %q: %w", ErrInvalidConfig, l.Timezone, err)
	}

	return loc, nil
}

// RetryPolicyConfig bounds the retries of one kind of call.
type RetryPolicyConfig struct {
	MaxAttempts        int     `toml:"max_attempts"`
	BaseDelayMillis    int     `toml:"base_delay_ms"`
	SoftTimeoutSeconds int     `toml:"soft_timeout_seconds"`
	HardTimeoutSeconds int     `toml:"hard_timeout_seconds"`
	Jitter             float64 `toml:"jitter"`
}

// Policy converts the configuration into a retry.Policy.
func (r RetryPolicyConfig) Policy() retry.Policy {
	return retry.Policy{
		MaxAttempts: r.MaxAttempts,
		BaseDelay:   time.Duration(r.BaseDelayMillis) * time.Millisecond,
		SoftTimeout: time.Duration(r.SoftTimeoutSeconds) * time.Second,
		HardTimeout: time.Duration(r.HardTimeoutSeconds) * time.Second,
		Jitter:      r.Jitter,
	}
}

// RetryConfig holds the retry policies per kind of call.
type RetryConfig struct {
	Synthesis RetryPolicyConfig `toml:"synthesis"`
	Storage   RetryPolicyConfig `toml:"storage"`
}

// WorkerConfig selects and sizes the generation job executor.
type WorkerConfig struct {
	Mode              string `toml:"mode"`
	Workers           int    `toml:"workers"`
	QueueSize         int    `toml:"queue_size"`
	JobTimeoutSeconds int    `toml:"job_timeout_seconds"`
}

// JobTimeout bounds one generation job.
func (w WorkerConfig) JobTimeout() time.Duration {
	return time.Duration(w.JobTimeoutSeconds) * time.Second
}

// MetricsConfig holds the Prometheus endpoint address. Empty disables it.
type MetricsConfig struct {
	Addr string `toml:"addr"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
}

// Config is the root configuration structure.
type Config struct {
	NATS      NATSConfig      `toml:"nats"`
	Database  DatabaseConfig  `toml:"database"`
	Storage   StorageConfig   `toml:"storage"`
	Provider  ProviderConfig  `toml:"provider"`
	Lifecycle LifecycleConfig `toml:"lifecycle"`
	Retry     RetryConfig     `toml:"retry"`
	Worker    WorkerConfig    `toml:"worker"`
	Metrics   MetricsConfig   `toml:"metrics"`
	Paths     PathsConfig     `toml:"paths"`
}

// Default returns the configuration used for every key the project file omits.
func Default() Config {
	settings := core.DefaultSettings()
	synthesis := retry.DefaultPolicy()

	return Config{
		NATS: NATSConfig{
			URL:               "nats://127.0.0.1:4222",
			JobsSubject:       "audio.generate",
			JobsQueue:         "audio-workers",
			WarningsSubject:   "audio.expiry.warnings",
			ObjectStoreBucket: "AUDIO_FILES",
		},
		Database: DatabaseConfig{DSN: "", MaxOpenConns: 10, Migrate: true},
		Storage:  StorageConfig{Backend: BackendNATS, Region: "us-east-1"},
		Provider: ProviderConfig{
			Kind:           ProviderHTTP,
			URL:            "http://localhost:8000",
			Language:       "en-US",
			TimeoutSeconds: int(synthesis.HardTimeout / time.Second),
			MaxChars:       3000,
		},
		Lifecycle: LifecycleConfig{
			RetentionDays:        settings.RetentionDays,
			WarningWindowDays:    settings.WarningWindowDays,
			AutoDelete:           settings.AutoDeleteEnabled,
			QuotaPerPage:         settings.QuotaPerPage,
			GenerationEnabled:    settings.GenerationEnabled,
			NotificationsEnabled: settings.NotificationsEnabled,
			SweepSchedule:        "0 3 * * *",
			AuditExportSchedule:  "0 4 1 * *",
			Timezone:             "UTC",
		},
		Retry: RetryConfig{
			Synthesis: policyConfig(synthesis),
			Storage:   policyConfig(retry.DefaultPolicy()),
		},
		Worker:  WorkerConfig{Mode: WorkerPool, Workers: 4, QueueSize: 64, JobTimeoutSeconds: 600},
		Metrics: MetricsConfig{Addr: ":9090"},
		Paths:   PathsConfig{BaseLogsDir: os.TempDir()},
	}
}

func policyConfig(policy retry.Policy) RetryPolicyConfig {
	return RetryPolicyConfig{
		MaxAttempts:        policy.MaxAttempts,
		BaseDelayMillis:    int(policy.BaseDelay / time.Millisecond),
		SoftTimeoutSeconds: int(policy.SoftTimeout / time.Second),
		HardTimeoutSeconds: int(policy.HardTimeout / time.Second),
		Jitter:             policy.Jitter,
	}
}

// Load loads the configuration for the audio service over the defaults.
func Load(log *logger.Logger) (*Config, error) {
	cfg := Default()

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	err = cfg.Validate()
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

// LoadFile loads the configuration from an explicit TOML file over the defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %s: %w", path, err)
	}

	cfg := Default()

	err = toml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse configuration file %s: %w", path, err)
	}

	err = cfg.Validate()
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	checks := []struct {
		ok  bool
		msg string
	}{
		{c.Lifecycle.RetentionDays > 0, "lifecycle.retention_days must be positive"},
		{c.Lifecycle.WarningWindowDays >= 0, "lifecycle.warning_window_days must not be negative"},
		{c.Lifecycle.WarningWindowDays < c.Lifecycle.RetentionDays,
			"lifecycle.warning_window_days must be shorter than the retention"},
		{c.Lifecycle.QuotaPerPage > 0, "lifecycle.quota_per_page must be positive"},
		{oneOf(c.Storage.Backend, BackendNATS, BackendS3, BackendMinio, BackendMemory),
			"storage.backend must be nats, s3, minio or memory"},
		{c.Storage.Backend == BackendNATS || c.Storage.Backend == BackendMemory || c.Storage.Bucket != "",
			"storage.bucket is required for s3 and minio"},
		{c.Storage.Backend != BackendMinio || c.Storage.Endpoint != "", "storage.endpoint is required for minio"},
		{oneOf(c.Provider.Kind, ProviderHTTP, ProviderOpenAI), "provider.kind must be http or openai"},
		{c.Provider.Kind != ProviderHTTP || c.Provider.URL != "", "provider.url is required for the http provider"},
		{c.Provider.Kind != ProviderOpenAI || c.Provider.APIKey != "", "provider.api_key is required for openai"},
		{c.Provider.TimeoutSeconds > 0, "provider.timeout_seconds must be positive"},
		{c.Provider.MaxChars > 0, "provider.max_chars must be positive"},
		{oneOf(c.Worker.Mode, WorkerPool, WorkerNATS), "worker.mode must be pool or nats"},
		{c.Worker.Workers > 0, "worker.workers must be positive"},
		{c.Worker.QueueSize >= 0, "worker.queue_size must not be negative"},
		{c.Worker.JobTimeoutSeconds > 0, "worker.job_timeout_seconds must be positive"},
	}

	for _, check := range checks {
		if !check.ok {
			return fmt.Errorf("%w: %s", ErrInvalidConfig, check.msg)
		}
	}

	for name, policy := range map[string]RetryPolicyConfig{
		"retry.synthesis": c.Retry.Synthesis,
		"retry.storage":   c.Retry.Storage,
	} {
		err := policy.validate(name)
		if err != nil {
			return err
		}
	}

	for name, expr := range map[string]string{
		"lifecycle.sweep_schedule":        c.Lifecycle.SweepSchedule,
		"lifecycle.audit_export_schedule": c.Lifecycle.AuditExportSchedule,
	} {
		if expr == "" {
			continue
		}

		err := schedule.Validate(expr)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidConfig, name, err)
		}
	}

	_, err := c.Lifecycle.Location()

	return err
}

func (r RetryPolicyConfig) validate(name string) error {
	switch {
	case r.MaxAttempts < 1:
		return fmt.Errorf("%w: %s.max_attempts must be at least 1", ErrInvalidConfig, name)
	case r.BaseDelayMillis < 0:
		return fmt.Errorf("%w: %s.base_delay_ms must not be negative", ErrInvalidConfig, name)
	case r.HardTimeoutSeconds <= 0:
		return fmt.Errorf("%w: %s.hard_timeout_seconds must be positive", ErrInvalidConfig, name)
	case r.SoftTimeoutSeconds <= 0 || r.SoftTimeoutSeconds > r.HardTimeoutSeconds:
		return fmt.Errorf("%w: %s.soft_timeout_seconds must be positive and at most the hard timeout",
			ErrInvalidConfig, name)
	case r.Jitter < 0 || r.Jitter >= 1:
		return fmt.Errorf("%w: %s.jitter must be in [0, 1)", ErrInvalidConfig, name)
	}

	return nil
}

func oneOf(value string, allowed ...string) bool {
	for _, candidate := range allowed {
		if value == candidate {
			return true
		}
	}

	return false
}
