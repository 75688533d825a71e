// Package statistics counts processed items and periodically flushes the
// counters to the registry and the storage history.
package statistics

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"

	"shardex/internal/jobconfig"
	"shardex/internal/jobnode"
	"shardex/internal/runtime/supervisor"
	"shardex/internal/storage"
	"shardex/pkg/logx"
)

type Service struct {
	st    *jobnode.Storage
	conf  *jobconfig.Service
	store storage.Store // optional
	sup   *supervisor.Supervisor
	log   logx.Logger

	success atomic.Int64
	failure atomic.Int64

	warn rate.Sometimes

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(st *jobnode.Storage, conf *jobconfig.Service, store storage.Store, sup *supervisor.Supervisor, log logx.Logger) *Service {
	return &Service{
		st:    st,
		conf:  conf,
		store: store,
		sup:   sup,
		log:   log.With(logx.String("comp", "statistics")),
		warn:  rate.Sometimes{First: 1, Interval: time.Minute},
	}
}

func (s *Service) Start(context.Context) error { return nil }

// Shutdown stops the timer and flushes once more.
func (s *Service) Shutdown(ctx context.Context) error {
	s.StopProcessCountJob()
	return s.Flush(ctx)
}

func (s *Service) RecordSuccess(n int) { s.success.Add(int64(n)) }
func (s *Service) RecordFailure(n int) { s.failure.Add(int64(n)) }

// Counts returns the in-memory counters.
func (s *Service) Counts() (success, failure int64) { return s.success.Load(), s.failure.Load() }

// Reset zeroes the in-memory counters.
func (s *Service) Reset() {
	s.success.Store(0)
	s.failure.Store(0)
}

// StartProcessCountJob starts the flush timer with the configured interval,
// replacing a running one.
func (s *Service) StartProcessCountJob() {
	s.StopProcessCountJob()
	interval := s.conf.ProcessCountInterval()

	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, cancel := context.WithCancel(s.sup.Context())
	done := make(chan struct{})
	s.cancel, s.done = cancel, done
	s.sup.Go0("statistics.count", func(context.Context) {
		defer close(done)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := s.Flush(ctx); err != nil && ctx.Err() == nil {
					s.warn.Do(func() { s.log.Warn("flush process counters failed", logx.Err(err)) })
				}
			}
		}
	})
	s.log.Debug("process count timer started", logx.Duration("interval", interval))
}

// StopProcessCountJob stops the flush timer and waits for it to exit.
func (s *Service) StopProcessCountJob() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Flush writes the counters to the registry and, when configured, storage.
func (s *Service) Flush(ctx context.Context) error {
	succ, fail := s.Counts()
	var errs error
	errs = errors.CombineErrors(errs, s.st.PutServer(ctx, jobnode.ServerProcessSuccess, strconv.FormatInt(succ, 10)))
	errs = errors.CombineErrors(errs, s.st.PutServer(ctx, jobnode.ServerProcessFailure, strconv.FormatInt(fail, 10)))
	if s.store != nil {
		errs = errors.CombineErrors(errs, s.store.PutStats(ctx, storage.StatsEntry{
			At:             time.Now(),
			Executor:       s.st.ExecutorName(),
			Job:            s.st.JobName(),
			ProcessSuccess: succ,
			ProcessFailure: fail,
		}))
	}
	return errs
}
