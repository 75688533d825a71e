package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"

	"shardex/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.audit.jsonl         (append-only JSON Lines)
//   - <prefix>.stats.snapshot.json (periodic snapshot of latest counters)
//   - <prefix>.stats.journal.jsonl (append-only journal)
//
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	auditFile *os.File

	statsSnapshotPath string
	statsJournalFile  *os.File
	stats             map[string]StatsEntry

	statsWrites  int
	compactEvery int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create storage dir")
	}

	auditPath := prefix + ".audit.jsonl"
	snapPath := prefix + ".stats.snapshot.json"
	journalPath := prefix + ".stats.journal.jsonl"

	af, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, errors.Wrap(err, "open audit file")
	}

	stats := map[string]StatsEntry{}
	if err := loadStatsSnapshot(snapPath, stats); err != nil && !os.IsNotExist(err) {
		log.Warn("stats snapshot unreadable; starting from journal", logx.Err(err))
	}
	if err := replayStatsJournal(journalPath, stats); err != nil && !os.IsNotExist(err) {
		log.Warn("stats journal replay failed", logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, errors.Wrap(err, "open stats journal")
	}

	return &fileStore{
		log:               log,
		auditFile:         af,
		statsSnapshotPath: snapPath,
		statsJournalFile:  jf,
		stats:             stats,
		compactEvery:      1000,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs error
	if s.auditFile != nil {
		errs = errors.CombineErrors(errs, s.auditFile.Close())
		s.auditFile = nil
	}
	if s.statsJournalFile != nil {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("stats compact on close failed", logx.Err(err))
		}
		errs = errors.CombineErrors(errs, s.statsJournalFile.Close())
		s.statsJournalFile = nil
	}
	return errs
}

func (s *fileStore) AppendAudit(_ context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	return errors.Wrap(json.NewEncoder(s.auditFile).Encode(e), "append audit")
}

func (s *fileStore) PutStats(_ context.Context, e StatsEntry) error {
	if strings.TrimSpace(e.Job) == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statsJournalFile == nil {
		return errors.New("stats journal closed")
	}
	s.stats[statsKey(e.Job, e.Executor)] = e

	if err := json.NewEncoder(s.statsJournalFile).Encode(e); err != nil {
		return errors.Wrap(err, "append stats journal")
	}
	s.statsWrites++
	if s.statsWrites%s.compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("stats compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) GetStats(_ context.Context, job, executor string) (StatsEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.stats[statsKey(job, executor)]
	return e, ok, nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.statsSnapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.stats); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.statsSnapshotPath); err != nil {
		return err
	}
	if err := s.statsJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.statsJournalFile.Seek(0, 2)
	return err
}

func loadStatsSnapshot(path string, out map[string]StatsEntry) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]StatsEntry
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayStatsJournal(path string, out map[string]StatsEntry) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e StatsEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			// torn write at the tail
			continue
		}
		if e.Job == "" {
			continue
		}
		out[statsKey(e.Job, e.Executor)] = e
	}
	return sc.Err()
}
