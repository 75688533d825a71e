package storage

import (
	"time"

	"github.com/cockroachdb/errors"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl + snapshot)
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditEntry records a control request against a job.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At       time.Time `json:"at"`
	Executor string    `json:"executor"`
	Job      string    `json:"job"`
	Action   string    `json:"action"`
	Target   string    `json:"target,omitempty"`
	OK       bool      `json:"ok"`
	Error    string    `json:"error,omitempty"`
	TookMS   int64     `json:"took_ms"`
}

// StatsEntry is one flush of a job's process counters on one executor.
type StatsEntry struct {
	At             time.Time `json:"at"`
	Executor       string    `json:"executor"`
	Job            string    `json:"job"`
	ProcessSuccess int64     `json:"process_success"`
	ProcessFailure int64     `json:"process_failure"`
}

func statsKey(job, executor string) string { return job + "@" + executor }
