package executor

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"shardex/internal/config"
	"shardex/internal/registry"
	"shardex/internal/registry/etcd"
	"shardex/internal/registry/memory"
	"shardex/internal/storage"
	"shardex/pkg/logx"
)

// OpenCenter connects the registry backend named by cfg.Registry.Driver.
func OpenCenter(ctx context.Context, cfg *config.Config, log logx.Logger) (registry.Center, error) {
	name := config.ExecutorName(cfg)
	ns := strings.TrimSpace(cfg.Executor.Namespace)
	switch strings.ToLower(strings.TrimSpace(cfg.Registry.Driver)) {
	case "", "memory":
		log.Warn("using the in-memory registry; jobs are not shared with other executors")
		return memory.New(ns, name), nil
	case "etcd":
		dial, err := config.ParseDurationOrDefault("registry.dial_timeout", cfg.Registry.DialTimeout, config.DefaultDialTimeout)
		if err != nil {
			return nil, err
		}
		ttl, err := config.ParseDurationOrDefault("registry.session_ttl", cfg.Registry.SessionTTL, config.DefaultSessionTTL)
		if err != nil {
			return nil, err
		}
		return etcd.New(ctx, etcd.Config{
			Endpoints:   cfg.Registry.Endpoints,
			Username:    cfg.Registry.Username,
			Password:    cfg.Registry.Password,
			DialTimeout: dial,
			SessionTTL:  ttl,
			Namespace:   ns,
			Executor:    name,
		}, log)
	default:
		return nil, errors.Newf("unknown registry.driver: %s", cfg.Registry.Driver)
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, errors.New("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, errors.Newf("unknown storage.driver: %s", sc.Driver)
	}
}

// OpenStore opens the optional persistence layer; it returns nil when
// storage is disabled.
func OpenStore(cfg *config.Config, log logx.Logger) (storage.Store, error) {
	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil || !enabled {
		return nil, err
	}
	st, err := storage.Open(sc, log)
	if err != nil {
		return nil, err
	}
	log.Info("storage enabled", logx.String("driver", sc.Driver))
	return st, nil
}

// OptionsFromConfig maps the executor and shutdown sections onto Options.
// Center, Store, Factory and Bus are left to the caller.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	jobGrace, teardownGrace, err := config.ShutdownGraces(cfg)
	if err != nil {
		return Options{}, err
	}
	return Options{
		MaxJobs:          cfg.Executor.MaxJobs,
		JobShutdownGrace: jobGrace,
		TeardownGrace:    teardownGrace,
	}, nil
}
