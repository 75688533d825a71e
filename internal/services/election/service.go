// Package election elects one leader executor per job with a create-if-absent
// ephemeral node.
package election

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"

	"shardex/internal/eventbus"
	"shardex/internal/jobnode"
	"shardex/pkg/logx"
)

var instancePath = []string{jobnode.LeaderDir, "election", "instance"}

type Service struct {
	st  *jobnode.Storage
	log logx.Logger
	bus eventbus.Bus

	mu      sync.Mutex
	started bool
}

func New(st *jobnode.Storage, bus eventbus.Bus, log logx.Logger) *Service {
	return &Service{st: st, bus: bus, log: log.With(logx.String("comp", "election"))}
}

func (s *Service) Start(context.Context) error {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	return nil
}

// Shutdown releases leadership so another executor can take over at once.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	started := s.started
	s.started = false
	s.mu.Unlock()
	if !started {
		return nil
	}
	return s.Release(ctx)
}

// Release deletes the leader node if this executor holds it.
func (s *Service) Release(ctx context.Context) error {
	leader, err := s.IsLeader(ctx)
	if err != nil || !leader {
		return err
	}
	if err := s.st.Delete(ctx, instancePath...); err != nil {
		return errors.Wrap(err, "release leadership")
	}
	s.log.Info("leadership released")
	return nil
}

// LeaderElection tries to become leader and reports whether this executor
// leads afterwards.
func (s *Service) LeaderElection(ctx context.Context) (bool, error) {
	created, err := s.st.CreateEphemeral(ctx, s.st.ExecutorName(), instancePath...)
	if err != nil {
		return false, errors.Wrap(err, "leader election")
	}
	if created {
		s.log.Info("became leader")
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{
				Type: eventbus.TypeLeaderElected,
				Data: eventbus.JobEvent{Executor: s.st.ExecutorName(), Job: s.st.JobName()},
			})
		}
		return true, nil
	}
	return s.IsLeader(ctx)
}

func (s *Service) IsLeader(ctx context.Context) (bool, error) {
	v, err := s.st.Get(ctx, instancePath...)
	if err != nil {
		return false, err
	}
	return v == s.st.ExecutorName(), nil
}

func (s *Service) HasLeader(ctx context.Context) (bool, error) {
	return s.st.Exists(ctx, instancePath...)
}

