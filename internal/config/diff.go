package config

import (
	"reflect"
	"strings"

	"shardex/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging (never includes secrets like passwords).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 12)

	if oldCfg.Executor != newCfg.Executor {
		changed = append(changed, "executor")
		attrs = append(attrs,
			logx.String("executor.name", strings.TrimSpace(newCfg.Executor.Name)),
			logx.String("executor.namespace", strings.TrimSpace(newCfg.Executor.Namespace)),
			logx.Int("executor.max_jobs", newCfg.Executor.MaxJobs),
		)
	}

	// Registry (never log password)
	if oldCfg.Registry.Driver != newCfg.Registry.Driver ||
		!reflect.DeepEqual(oldCfg.Registry.Endpoints, newCfg.Registry.Endpoints) ||
		oldCfg.Registry.Username != newCfg.Registry.Username ||
		oldCfg.Registry.Password != newCfg.Registry.Password ||
		strings.TrimSpace(oldCfg.Registry.DialTimeout) != strings.TrimSpace(newCfg.Registry.DialTimeout) ||
		strings.TrimSpace(oldCfg.Registry.SessionTTL) != strings.TrimSpace(newCfg.Registry.SessionTTL) {
		changed = append(changed, "registry")
		attrs = append(attrs,
			logx.String("registry.driver", newCfg.Registry.Driver),
			logx.Int("registry.endpoints", len(newCfg.Registry.Endpoints)),
			logx.Bool("registry.password_set", newCfg.Registry.Password != ""),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Shutdown != newCfg.Shutdown {
		changed = append(changed, "shutdown")
		attrs = append(attrs,
			logx.String("shutdown.job_grace", strings.TrimSpace(newCfg.Shutdown.JobGrace)),
			logx.String("shutdown.teardown_grace", strings.TrimSpace(newCfg.Shutdown.TeardownGrace)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		driver := ""
		if newCfg.Storage != nil {
			driver = newCfg.Storage.Driver
		}
		attrs = append(attrs, logx.String("storage.driver", driver))
	}

	return changed, attrs
}

// RestartRequired reports whether any of the changed sections can only be applied by a restart.
func RestartRequired(sections []string) bool {
	for _, s := range sections {
		switch s {
		case "executor", "registry", "storage":
			return true
		}
	}
	return false
}
