// Package config loads agentqueue configuration.
//
// Values are layered, lowest to highest: built-in defaults, the user config
// file, the project config file, AGENTQUEUE_* environment variables, and
// runtime overrides passed to Load.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/3leaps/agentqueue/internal/scheduler"
	"github.com/3leaps/agentqueue/pkg/agentproc"
	"github.com/3leaps/agentqueue/pkg/jobstore"
)

// Config is the full application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server" json:"server"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging" json:"logging"`
	Health    HealthConfig    `mapstructure:"health" yaml:"health" json:"health"`
	Store     StoreConfig     `mapstructure:"store" yaml:"store" json:"store"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" yaml:"scheduler" json:"scheduler"`
	Agent     AgentConfig     `mapstructure:"agent" yaml:"agent" json:"agent"`
}

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host" json:"host"`
	Port            int           `mapstructure:"port" yaml:"port" json:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout" json:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" json:"shutdown_timeout"`

	// CORSOrigins lists allowed browser origins. Empty disables CORS headers.
	CORSOrigins []string `mapstructure:"cors_origins" yaml:"cors_origins" json:"cors_origins"`

	// SubmitRate is the sustained job submissions per second accepted by the
	// API. Zero disables limiting.
	SubmitRate  float64 `mapstructure:"submit_rate" yaml:"submit_rate" json:"submit_rate"`
	SubmitBurst int     `mapstructure:"submit_burst" yaml:"submit_burst" json:"submit_burst"`
}

// LoggingConfig selects level and output profile.
type LoggingConfig struct {
	Level   string `mapstructure:"level" yaml:"level" json:"level"`
	Profile string `mapstructure:"profile" yaml:"profile" json:"profile"`
}

// HealthConfig toggles the health endpoints.
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
}

// StoreConfig locates the job database.
type StoreConfig struct {
	Path        string `mapstructure:"path" yaml:"path" json:"path"`
	URL         string `mapstructure:"url" yaml:"url,omitempty" json:"url,omitempty"`
	AuthToken   string `mapstructure:"auth_token" yaml:"auth_token,omitempty" json:"-"`
	BusyRetries int    `mapstructure:"busy_retries" yaml:"busy_retries" json:"busy_retries"`
}

// SchedulerConfig mirrors scheduler.Config.
type SchedulerConfig struct {
	MaxWorkers       int           `mapstructure:"max_workers" yaml:"max_workers" json:"max_workers"`
	PollInterval     time.Duration `mapstructure:"poll_interval" yaml:"poll_interval" json:"poll_interval"`
	RecoveryInterval time.Duration `mapstructure:"recovery_interval" yaml:"recovery_interval" json:"recovery_interval"`
	StuckThreshold   time.Duration `mapstructure:"stuck_threshold" yaml:"stuck_threshold" json:"stuck_threshold"`
	CleanupInterval  time.Duration `mapstructure:"cleanup_interval" yaml:"cleanup_interval" json:"cleanup_interval"`
	RetentionCount   int           `mapstructure:"retention_count" yaml:"retention_count" json:"retention_count"`
	EventBuffer      int           `mapstructure:"event_buffer" yaml:"event_buffer" json:"event_buffer"`
	ProjectsRoot     string        `mapstructure:"projects_root" yaml:"projects_root" json:"projects_root"`
}

// AgentConfig controls how the agent binary is launched.
type AgentConfig struct {
	Binary       string        `mapstructure:"binary" yaml:"binary" json:"binary"`
	Args         []string      `mapstructure:"args" yaml:"args" json:"args"`
	Env          []string      `mapstructure:"env" yaml:"env,omitempty" json:"env,omitempty"`
	KillGrace    time.Duration `mapstructure:"kill_grace" yaml:"kill_grace" json:"kill_grace"`
	MaxLineBytes int           `mapstructure:"max_line_bytes" yaml:"max_line_bytes" json:"max_line_bytes"`
	TempDir      string        `mapstructure:"temp_dir" yaml:"temp_dir,omitempty" json:"temp_dir,omitempty"`
}

// Validate rejects values no component can work with.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	switch strings.ToLower(strings.TrimSpace(c.Logging.Profile)) {
	case "", "structured", "console":
	default:
		return fmt.Errorf("logging.profile %q must be structured or console", c.Logging.Profile)
	}
	if c.Scheduler.MaxWorkers < 0 {
		return fmt.Errorf("scheduler.max_workers must be >= 0")
	}
	if c.Scheduler.RetentionCount < 0 {
		return fmt.Errorf("scheduler.retention_count must be >= 0")
	}
	if c.Server.SubmitRate < 0 || c.Server.SubmitBurst < 0 {
		return fmt.Errorf("server.submit_rate and server.submit_burst must be >= 0")
	}
	if strings.TrimSpace(c.Store.Path) == "" && strings.TrimSpace(c.Store.URL) == "" {
		return fmt.Errorf("store.path or store.url is required")
	}
	return nil
}

// StoreOptions converts the store section for jobstore.Open.
func (c *Config) StoreOptions() (jobstore.Config, []jobstore.Option) {
	cfg := jobstore.Config{
		Path:      c.Store.Path,
		URL:       c.Store.URL,
		AuthToken: c.Store.AuthToken,
	}
	return cfg, []jobstore.Option{jobstore.WithBusyRetries(c.Store.BusyRetries)}
}

// SchedulerOptions converts the scheduler section.
func (c *Config) SchedulerOptions() scheduler.Config {
	s := c.Scheduler
	return scheduler.Config{
		MaxWorkers:       s.MaxWorkers,
		PollInterval:     s.PollInterval,
		RecoveryInterval: s.RecoveryInterval,
		StuckThreshold:   s.StuckThreshold,
		CleanupInterval:  s.CleanupInterval,
		RetentionCount:   s.RetentionCount,
		ProjectsRoot:     s.ProjectsRoot,
		EventBuffer:      s.EventBuffer,
	}
}

// AgentOptions converts the agent section.
func (c *Config) AgentOptions() agentproc.Config {
	a := c.Agent
	return agentproc.Config{
		Binary:       a.Binary,
		BaseArgs:     a.Args,
		Env:          a.Env,
		MaxLineBytes: a.MaxLineBytes,
		KillGrace:    a.KillGrace,
		TempDir:      a.TempDir,
	}
}
