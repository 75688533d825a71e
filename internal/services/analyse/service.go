// Package analyse keeps job-wide processed and error totals.
package analyse

import (
	"context"
	"strconv"
	"sync"

	"github.com/cockroachdb/errors"

	"shardex/internal/jobnode"
)

const (
	leafProcessCount = "processCount"
	leafErrorCount   = "errorCount"
)

type Service struct {
	st *jobnode.Storage
	mu sync.Mutex
}

func New(st *jobnode.Storage) *Service { return &Service{st: st} }

// Start seeds the totals if the job has none yet.
func (s *Service) Start(ctx context.Context) error {
	for _, leaf := range []string{leafProcessCount, leafErrorCount} {
		if _, err := s.st.Create(ctx, "0", jobnode.AnalyseDir, leaf); err != nil {
			return errors.Wrapf(err, "seed %s", leaf)
		}
	}
	return nil
}

func (s *Service) Shutdown(context.Context) error { return nil }

// AddTotals adds to the job-wide totals.
func (s *Service) AddTotals(ctx context.Context, processed, failed int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.add(ctx, leafProcessCount, processed); err != nil {
		return err
	}
	return s.add(ctx, leafErrorCount, failed)
}

// Totals returns the job-wide totals.
func (s *Service) Totals(ctx context.Context) (processed, failed int64, err error) {
	if processed, err = s.read(ctx, leafProcessCount); err != nil {
		return 0, 0, err
	}
	failed, err = s.read(ctx, leafErrorCount)
	return processed, failed, err
}

func (s *Service) add(ctx context.Context, leaf string, n int64) error {
	if n == 0 {
		return nil
	}
	cur, err := s.read(ctx, leaf)
	if err != nil {
		return err
	}
	return s.st.Put(ctx, strconv.FormatInt(cur+n, 10), jobnode.AnalyseDir, leaf)
}

func (s *Service) read(ctx context.Context, leaf string) (int64, error) {
	v, err := s.st.Get(ctx, jobnode.AnalyseDir, leaf)
	if err != nil || v == "" {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	return n, errors.Wrapf(err, "parse %s", leaf)
}
