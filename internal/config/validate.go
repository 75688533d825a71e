package config

import (
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"shardex/pkg/logx"
)

const (
	DefaultJobGrace      = 500 * time.Millisecond
	DefaultTeardownGrace = 500 * time.Millisecond
	DefaultDialTimeout   = 5 * time.Second
	DefaultSessionTTL    = 15 * time.Second
)

// Validate rejects configs that cannot run. It is installed as the manager's
// validator so a bad hot-reload never replaces a working config.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(cfg.Executor.Namespace) == "" {
		return errors.New("executor.namespace is required")
	}
	if strings.ContainsAny(cfg.Executor.Name, "/ \t") {
		return errors.Newf("executor.name %q must not contain '/' or whitespace", cfg.Executor.Name)
	}
	if cfg.Executor.MaxJobs < 0 {
		return errors.New("executor.max_jobs must be >= 0")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Registry.Driver)) {
	case "", "memory":
	case "etcd":
		if len(cfg.Registry.Endpoints) == 0 {
			return errors.New("registry.endpoints is required for the etcd driver")
		}
	default:
		return errors.Newf("registry.driver: unknown driver %q", cfg.Registry.Driver)
	}
	if _, err := ParseDuration("registry.dial_timeout", cfg.Registry.DialTimeout); err != nil {
		return err
	}
	if _, err := ParseDuration("registry.session_ttl", cfg.Registry.SessionTTL); err != nil {
		return err
	}
	if _, _, err := ShutdownGraces(cfg); err != nil {
		return err
	}
	if cfg.Storage != nil {
		if _, err := ParseDuration("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
			return err
		}
	}
	return nil
}

// ExecutorName returns the configured executor name, or the hostname when unset.
func ExecutorName(cfg *Config) string {
	if name := strings.TrimSpace(cfg.Executor.Name); name != "" {
		return name
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "executor"
}

// ShutdownGraces maps the shutdown section into durations, applying defaults.
func ShutdownGraces(cfg *Config) (jobGrace, teardownGrace time.Duration, err error) {
	jobGrace, err = ParseDurationOrDefault("shutdown.job_grace", cfg.Shutdown.JobGrace, DefaultJobGrace)
	if err != nil {
		return 0, 0, err
	}
	teardownGrace, err = ParseDurationOrDefault("shutdown.teardown_grace", cfg.Shutdown.TeardownGrace, DefaultTeardownGrace)
	if err != nil {
		return 0, 0, err
	}
	return jobGrace, teardownGrace, nil
}

// LogxConfig maps the logging section onto the logx service config.
func LogxConfig(cfg *Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}
