// Package listener reacts to registry changes under a job's root and pushes
// them into the running job.
package listener

import (
	"context"
	"strings"
	"sync"

	"shardex/internal/jobconfig"
	"shardex/internal/jobnode"
	"shardex/internal/registry"
	"shardex/internal/services/election"
	"shardex/internal/services/failover"
	"shardex/internal/services/server"
	"shardex/internal/services/sharding"
	"shardex/pkg/logx"
)

// Target is the running job as seen by the listener.
type Target interface {
	PreviousConf() jobconfig.WatchedSnapshot
	SetPreviousConf(jobconfig.WatchedSnapshot)
	RescheduleJob(cron string) error
	RescheduleProcessCountJob()
	TriggerJob()
	StopJob(forceAbort bool)
	ResumeJob()
	// JobDeleted is called once the job is flagged for deletion.
	JobDeleted()
}

type Deps struct {
	Storage  *jobnode.Storage
	Config   *jobconfig.Service
	Election *election.Service
	Server   *server.Service
	Sharding *sharding.Service
	Failover *failover.Service
	Log      logx.Logger
}

type Service struct {
	Deps
	target Target
	log    logx.Logger

	mu      sync.Mutex
	ctx     context.Context
	watches []registry.WatchID
}

func New(deps Deps, target Target) *Service {
	return &Service{Deps: deps, target: target, log: deps.Log.With(logx.String("comp", "listener"))}
}

// Start registers the watch on the job root. ctx bounds the registry calls
// made by callbacks.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.watches) > 0 {
		return nil
	}
	s.ctx = ctx
	id, err := s.Storage.Center().Watch(s.Storage.Root(), s.dispatch)
	if err != nil {
		return err
	}
	s.watches = append(s.watches, id)
	return nil
}

func (s *Service) Shutdown(context.Context) error {
	s.mu.Lock()
	ids := s.watches
	s.watches = nil
	s.mu.Unlock()
	for _, id := range ids {
		s.Storage.Center().Unwatch(id)
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

func (s *Service) dispatch(ev registry.Event) {
	ctx := s.context()
	if ctx.Err() != nil {
		return
	}
	rel := strings.TrimPrefix(ev.Key, s.Storage.Root()+"/")
	parts := strings.Split(rel, "/")

	switch {
	case len(parts) == 2 && parts[0] == jobnode.ConfigDir:
		s.onConfig(ctx, ev, parts[1])
	case len(parts) == 3 && parts[0] == jobnode.ServersDir:
		s.onServer(ctx, ev, parts[1], parts[2])
	case rel == strings.Join([]string{jobnode.LeaderDir, "election", "instance"}, "/") && ev.Type == registry.EventDelete:
		if _, err := s.Election.LeaderElection(ctx); err != nil {
			s.log.Warn("re-election failed", logx.Err(err))
		}
	}
}

func (s *Service) onConfig(ctx context.Context, ev registry.Event, field string) {
	if field == jobnode.FieldToDelete {
		if ev.Type == registry.EventPut {
			s.log.Info("job flagged for deletion")
			s.target.JobDeleted()
		}
		return
	}
	if err := s.Config.Reload(ctx); err != nil {
		s.log.Warn("config reload failed", logx.Err(err))
		return
	}
	cur := s.Config.Current()

	if field == jobnode.FieldEnabled {
		if cur.Enabled {
			s.target.ResumeJob()
		} else {
			s.target.StopJob(false)
		}
	}
	if field == jobnode.FieldShardingTotalCount {
		if err := s.Sharding.SetReshardingFlag(ctx); err != nil {
			s.log.Warn("set resharding flag failed", logx.Err(err))
		}
	}

	next := jobconfig.Watched(cur)
	prev := s.target.PreviousConf()
	if next == prev {
		return
	}
	if next.Cron != prev.Cron {
		if err := s.target.RescheduleJob(next.Cron); err != nil {
			s.log.Warn("reschedule rejected; keeping previous cron", logx.String("cron", next.Cron), logx.Err(err))
			next.Cron = prev.Cron
		}
	}
	if next.ProcessCountIntervalSeconds != prev.ProcessCountIntervalSeconds {
		s.target.RescheduleProcessCountJob()
	}
	if next.PausePeriodDate != prev.PausePeriodDate || next.PausePeriodTime != prev.PausePeriodTime {
		s.log.Info("pause period changed", logx.String("date", next.PausePeriodDate), logx.String("time", next.PausePeriodTime))
	}
	s.target.SetPreviousConf(next)
}

func (s *Service) onServer(ctx context.Context, ev registry.Event, executor, leaf string) {
	self := executor == s.Storage.ExecutorName()
	switch {
	case self && leaf == jobnode.ServerRunOneTime && ev.Type == registry.EventPut:
		s.log.Info("run one time requested")
		s.target.TriggerJob()
		if err := s.Server.ClearRunOneTimePath(ctx); err != nil {
			s.log.Warn("clear runOneTime failed", logx.Err(err))
		}
	case self && leaf == jobnode.ServerStopOneTime && ev.Type == registry.EventPut:
		s.log.Info("stop one time requested")
		s.target.StopJob(false)
		if err := s.Server.ClearStopOneTimePath(ctx); err != nil {
			s.log.Warn("clear stopOneTime failed", logx.Err(err))
		}
	case leaf == jobnode.ServerStatus:
		if err := s.Sharding.SetReshardingFlag(ctx); err != nil {
			s.log.Warn("set resharding flag failed", logx.Err(err))
		}
		if !self && ev.Type == registry.EventDelete {
			if err := s.Failover.MarkCrashed(ctx, executor); err != nil {
				s.log.Warn("queue failover failed", logx.String("crashed", executor), logx.Err(err))
			}
		}
	}
}
