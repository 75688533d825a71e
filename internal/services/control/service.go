// Package control answers on-demand report requests for a job.
package control

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"shardex/internal/jobnode"
	"shardex/internal/registry"
	"shardex/internal/services/execution"
	"shardex/internal/services/sharding"
	"shardex/internal/services/statistics"
	"shardex/pkg/logx"
)

const leafReport = "report"

// Report is the local execution snapshot written on request.
type Report struct {
	Executor       string    `json:"executor"`
	Job            string    `json:"job"`
	At             time.Time `json:"at"`
	Items          []int     `json:"items"`
	Running        bool      `json:"running"`
	ProcessSuccess int64     `json:"processSuccess"`
	ProcessFailure int64     `json:"processFailure"`
}

type Service struct {
	st        *jobnode.Storage
	sharding  *sharding.Service
	execution *execution.Service
	stats     *statistics.Service
	log       logx.Logger

	mu    sync.Mutex
	ctx   context.Context
	watch registry.WatchID
	on    bool
}

func New(st *jobnode.Storage, sh *sharding.Service, ex *execution.Service, stats *statistics.Service, log logx.Logger) *Service {
	return &Service{st: st, sharding: sh, execution: ex, stats: stats, log: log.With(logx.String("comp", "control"))}
}

// Start watches /control/report; a put there requests a report.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.on {
		return nil
	}
	id, err := s.st.Center().Watch(jobnode.ControlReportPath(s.st.JobName()), func(ev registry.Event) {
		if ev.Type != registry.EventPut {
			return
		}
		if err := s.Report(s.context()); err != nil {
			s.log.Warn("report failed", logx.Err(err))
		}
	})
	if err != nil {
		return err
	}
	s.ctx, s.watch, s.on = ctx, id, true
	return nil
}

func (s *Service) Shutdown(context.Context) error {
	s.mu.Lock()
	on, id := s.on, s.watch
	s.on = false
	s.mu.Unlock()
	if on {
		s.st.Center().Unwatch(id)
	}
	return nil
}

func (s *Service) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

// Report persists this executor's snapshot under servers/<executor>/report.
func (s *Service) Report(ctx context.Context) error {
	items, err := s.sharding.LocalShardingItems(ctx)
	if err != nil {
		return err
	}
	running, err := s.execution.IsRunning(ctx, items)
	if err != nil {
		return err
	}
	succ, fail := s.stats.Counts()
	b, err := json.Marshal(Report{
		Executor:       s.st.ExecutorName(),
		Job:            s.st.JobName(),
		At:             time.Now(),
		Items:          items,
		Running:        running,
		ProcessSuccess: succ,
		ProcessFailure: fail,
	})
	if err != nil {
		return errors.Wrap(err, "encode report")
	}
	return s.st.PutServer(ctx, leafReport, string(b))
}
