package storage

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"

	"shardex/pkg/logx"
)

// Store keeps the executor's control audit trail and the statistics history.
type Store interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
	// PutStats records the latest counters of a job on an executor.
	PutStats(ctx context.Context, e StatsEntry) error
	GetStats(ctx context.Context, job, executor string) (e StatsEntry, ok bool, err error)
	Close() error
}

var drivers = map[string]func(Config, logx.Logger) (Store, error){
	"file":    openFile,
	"sqlite":  openSQLite,
	"sqlite3": openSQLite,
}

// Open returns the store for cfg.Driver, or nil when storage is off.
func Open(cfg Config, log logx.Logger) (Store, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if name == "" || name == "none" {
		return nil, nil
	}
	open, ok := drivers[name]
	if !ok {
		return nil, errors.Newf("unknown storage driver %q", cfg.Driver)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return open(cfg, log.With(logx.String("comp", "storage"), logx.String("driver", name)))
}
