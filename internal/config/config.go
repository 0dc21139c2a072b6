package config

import (
	"fmt"
	"time"
)

// Config represents the complete application configuration.
type Config struct {
	Version   string          `yaml:"version"`
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Cache     CacheConfig     `yaml:"cache"`
	Auth      AuthConfig      `yaml:"auth"`
	Refresher RefresherConfig `yaml:"refresher"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Importer  ImporterConfig  `yaml:"importer"`
}

// ServerConfig contains the ops HTTP server configuration.
type ServerConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Host            string        `yaml:"host"`
	HTTPPort        int           `yaml:"http_port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	LogLevel        string        `yaml:"log_level"`
	APIKeys         []string      `yaml:"api_keys"`
	APIKeyHeader    string        `yaml:"api_key_header"`
}

// StoreConfig contains the durable store configuration.
type StoreConfig struct {
	Path            string        `yaml:"path"`
	VacuumEnabled   bool          `yaml:"vacuum_enabled"`
	VacuumInterval  time.Duration `yaml:"vacuum_interval"`
	AnalyzeEnabled  bool          `yaml:"analyze_enabled"`
	AnalyzeInterval time.Duration `yaml:"analyze_interval"`
	AuditRetention  time.Duration `yaml:"audit_retention"`
}

// CacheConfig contains the cache mirror (Redis) configuration.
type CacheConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// AuthConfig contains the external authentication service configuration.
type AuthConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
	UseUTLS bool          `yaml:"use_utls"`
}

// RefresherConfig contains the batch refresh configuration.
type RefresherConfig struct {
	// Interval is the period of the batch refresh trigger.
	// Default: 600s
	Interval time.Duration `yaml:"interval"`
	// Workers is the size of the refresh worker pool.
	// Default: 20
	Workers int `yaml:"workers"`
	// QueueSize bounds the task queue feeding the pool; submission blocks
	// once it is full. Default: equal to Workers.
	QueueSize int `yaml:"queue_size"`
	// ExpiryWarningDays is the horizon of the expiring-accounts lookup.
	// Default: 7
	ExpiryWarningDays int `yaml:"expiry_warning_days"`
	// ExpiringOnly restricts the periodic batch to accounts whose
	// credential expires within the warning horizon. Default: false,
	// which refreshes every live account each interval.
	ExpiringOnly bool `yaml:"expiring_only"`
	// CredentialTTL is the validity horizon written after a successful
	// refresh. Default: 720h (30 days)
	CredentialTTL time.Duration `yaml:"credential_ttl"`
	// SessionTTL is the session validity horizon written alongside a
	// successful refresh. Default: 15m
	SessionTTL time.Duration `yaml:"session_ttl"`
}

// SchedulerConfig contains the run-loop configuration.
type SchedulerConfig struct {
	// PollInterval is the coarse cadence at which due triggers are checked.
	// Default: 60s
	PollInterval time.Duration `yaml:"poll_interval"`
	// DailyResetTime is the wall-clock time of the usage-count reset
	// (format "HH:MM"). Default: "00:00"
	DailyResetTime string `yaml:"daily_reset_time"`
	// Timezone resolves the daily reset time. Default: "UTC"
	Timezone string `yaml:"timezone"`
}

// ImporterConfig contains the credential-file import watcher configuration.
type ImporterConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Path         string        `yaml:"path"`
	ScanInterval time.Duration `yaml:"scan_interval"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("version is required")
	}

	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}

	if err := c.Store.Validate(); err != nil {
		return fmt.Errorf("store: %w", err)
	}

	if err := c.Cache.Validate(); err != nil {
		return fmt.Errorf("cache: %w", err)
	}

	if err := c.Auth.Validate(); err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	if err := c.Refresher.Validate(); err != nil {
		return fmt.Errorf("refresher: %w", err)
	}

	if err := c.Scheduler.Validate(); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	if err := c.Importer.Validate(); err != nil {
		return fmt.Errorf("importer: %w", err)
	}

	return nil
}

// Validate validates server configuration.
func (s *ServerConfig) Validate() error {
	if s.Host == "" {
		s.Host = "127.0.0.1"
	}
	if s.HTTPPort == 0 {
		s.HTTPPort = 8417
	}
	if s.HTTPPort < 0 || s.HTTPPort > 65535 {
		return fmt.Errorf("http_port must be between 1 and 65535")
	}
	if s.ShutdownTimeout < 0 {
		return fmt.Errorf("shutdown_timeout must be positive")
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = 30 * time.Second
	}
	if s.LogLevel == "" {
		s.LogLevel = "info"
	}
	if s.APIKeyHeader == "" {
		s.APIKeyHeader = "X-API-Key"
	}
	return nil
}

// Validate validates store configuration.
func (s *StoreConfig) Validate() error {
	if s.Path == "" {
		s.Path = "./data/credkeeper.db"
	}
	if s.VacuumInterval <= 0 {
		s.VacuumInterval = 24 * time.Hour
	}
	if s.AnalyzeInterval <= 0 {
		s.AnalyzeInterval = time.Hour
	}
	return nil
}

// Validate validates cache configuration.
func (c *CacheConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Addr == "" {
		c.Addr = "127.0.0.1:6379"
	}
	if c.DB < 0 {
		return fmt.Errorf("db cannot be negative")
	}
	return nil
}

// Validate validates auth service configuration.
func (a *AuthConfig) Validate() error {
	if a.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}
	if a.Timeout <= 0 {
		a.Timeout = 20 * time.Second
	}
	return nil
}

// Validate validates refresher configuration and applies defaults.
func (r *RefresherConfig) Validate() error {
	if r.Interval <= 0 {
		r.Interval = 600 * time.Second
	}
	if r.Workers <= 0 {
		r.Workers = 20
	}
	if r.Workers > 200 {
		r.Workers = 200
	}
	if r.QueueSize <= 0 {
		r.QueueSize = r.Workers
	}
	if r.ExpiryWarningDays <= 0 {
		r.ExpiryWarningDays = 7
	}
	if r.CredentialTTL <= 0 {
		r.CredentialTTL = 30 * 24 * time.Hour
	}
	if r.SessionTTL <= 0 {
		r.SessionTTL = 15 * time.Minute
	}
	return nil
}

// Validate validates scheduler configuration and applies defaults.
func (s *SchedulerConfig) Validate() error {
	if s.PollInterval <= 0 {
		s.PollInterval = 60 * time.Second
	}
	if s.DailyResetTime == "" {
		s.DailyResetTime = "00:00"
	}
	var hour, minute int
	if _, err := fmt.Sscanf(s.DailyResetTime, "%d:%d", &hour, &minute); err != nil {
		return fmt.Errorf("daily_reset_time must be in HH:MM format")
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return fmt.Errorf("daily_reset_time out of range: %s", s.DailyResetTime)
	}
	if s.Timezone == "" {
		s.Timezone = "UTC"
	}
	return nil
}

// Validate validates importer configuration.
func (i *ImporterConfig) Validate() error {
	if i.Enabled && i.Path == "" {
		return fmt.Errorf("path is required when importer is enabled")
	}
	if i.ScanInterval <= 0 {
		i.ScanInterval = 5 * time.Minute
	}
	return nil
}
