package storage

import (
	"context"
	"database/sql"
	"embed"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"

	"shardex/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create storage dir")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	if _, err := db.Exec("PRAGMA busy_timeout = " + strconv.FormatInt(busy.Milliseconds(), 10)); err != nil {
		log.Debug("sqlite busy_timeout pragma failed", logx.Err(err))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return errors.Wrap(err, "read migrations")
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return errors.Wrap(err, "migrate sqlite")
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, executor, job, action, target, ok, err, took_ms)
		 VALUES(?,?,?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.Executor, e.Job, e.Action,
		nullStr(e.Target), e.OK, nullStr(e.Error), e.TookMS,
	)
	return errors.Wrap(err, "insert audit")
}

func (s *sqliteStore) PutStats(ctx context.Context, e StatsEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.Job == "" {
		return nil
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stats(job, executor, at, process_success, process_failure) VALUES(?,?,?,?,?)
		 ON CONFLICT(job, executor) DO UPDATE SET
		   at=excluded.at, process_success=excluded.process_success, process_failure=excluded.process_failure`,
		e.Job, e.Executor, e.At.UnixMilli(), e.ProcessSuccess, e.ProcessFailure,
	)
	return errors.Wrap(err, "upsert stats")
}

func (s *sqliteStore) GetStats(ctx context.Context, job, executor string) (StatsEntry, bool, error) {
	if s == nil || s.db == nil {
		return StatsEntry{}, false, ErrDisabled
	}
	e := StatsEntry{Job: job, Executor: executor}
	var ms int64
	err := s.db.QueryRowContext(ctx,
		`SELECT at, process_success, process_failure FROM stats WHERE job = ? AND executor = ?`,
		job, executor,
	).Scan(&ms, &e.ProcessSuccess, &e.ProcessFailure)
	if errors.Is(err, sql.ErrNoRows) {
		return StatsEntry{}, false, nil
	}
	if err != nil {
		return StatsEntry{}, false, errors.Wrap(err, "select stats")
	}
	e.At = time.UnixMilli(ms)
	return e, true, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
