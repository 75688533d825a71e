// Package failover hands the unfinished items of a crashed executor to a
// live one.
package failover

import (
	"context"
	"sort"
	"strconv"

	"github.com/cockroachdb/errors"

	"shardex/internal/jobconfig"
	"shardex/internal/jobnode"
	"shardex/internal/services/execution"
	"shardex/internal/services/sharding"
	"shardex/pkg/logx"
)

var itemsDir = []string{jobnode.LeaderDir, "failover", "items"}

type Service struct {
	st        *jobnode.Storage
	conf      *jobconfig.Service
	sharding  *sharding.Service
	execution *execution.Service
	log       logx.Logger
}

func New(st *jobnode.Storage, conf *jobconfig.Service, sh *sharding.Service, ex *execution.Service, log logx.Logger) *Service {
	return &Service{st: st, conf: conf, sharding: sh, execution: ex, log: log.With(logx.String("comp", "failover"))}
}

func (s *Service) Start(context.Context) error { return nil }

func (s *Service) Shutdown(ctx context.Context) error {
	return s.RemoveFailoverInfo(ctx)
}

// MarkCrashed queues the unfinished items assigned to executor for failover.
func (s *Service) MarkCrashed(ctx context.Context, executor string) error {
	if !s.conf.IsFailover() || executor == s.st.ExecutorName() {
		return nil
	}
	items, err := s.sharding.ShardingItemsOf(ctx, executor)
	if err != nil {
		return err
	}
	var queued []int
	for _, item := range items {
		done, err := s.execution.IsCompleted(ctx, item)
		if err != nil {
			return err
		}
		if done {
			continue
		}
		key := append(append([]string(nil), itemsDir...), strconv.Itoa(item))
		if _, err := s.st.Create(ctx, executor, key...); err != nil {
			return errors.Wrapf(err, "queue failover item %d", item)
		}
		queued = append(queued, item)
	}
	if len(queued) > 0 {
		s.log.Warn("executor crashed; items queued for failover", logx.String("crashed", executor), logx.Any("items", queued))
	}
	return nil
}

// FailoverIfNecessary claims queued items for this executor.
func (s *Service) FailoverIfNecessary(ctx context.Context) error {
	if !s.conf.IsFailover() {
		return nil
	}
	names, err := s.st.Children(ctx, itemsDir...)
	if err != nil {
		return err
	}
	for _, name := range names {
		item, err := strconv.Atoi(name)
		if err != nil {
			continue
		}
		created, err := s.st.CreateEphemeral(ctx, s.st.ExecutorName(), jobnode.ExecutionDir, name, jobnode.ExecFailover)
		if err != nil {
			return errors.Wrapf(err, "claim failover item %d", item)
		}
		if !created {
			continue
		}
		if err := s.st.Delete(ctx, append(append([]string(nil), itemsDir...), name)...); err != nil {
			return err
		}
		s.log.Info("claimed failover item", logx.Int("item", item))
	}
	return nil
}

// LocalFailoverItems lists items this executor claimed, sorted.
func (s *Service) LocalFailoverItems(ctx context.Context) ([]int, error) {
	names, err := s.st.Children(ctx, jobnode.ExecutionDir)
	if err != nil {
		return nil, err
	}
	var out []int
	for _, name := range names {
		owner, err := s.st.Get(ctx, jobnode.ExecutionDir, name, jobnode.ExecFailover)
		if err != nil {
			return nil, err
		}
		if owner != s.st.ExecutorName() {
			continue
		}
		if item, err := strconv.Atoi(name); err == nil {
			out = append(out, item)
		}
	}
	sort.Ints(out)
	return out, nil
}

// UpdateFailoverComplete releases the claim on items after they ran.
func (s *Service) UpdateFailoverComplete(ctx context.Context, items []int) error {
	var errs error
	for _, item := range items {
		errs = errors.CombineErrors(errs, s.st.Delete(ctx, jobnode.ExecutionDir, strconv.Itoa(item), jobnode.ExecFailover))
	}
	return errs
}

// RemoveFailoverInfo drops every claim this executor holds.
func (s *Service) RemoveFailoverInfo(ctx context.Context) error {
	items, err := s.LocalFailoverItems(ctx)
	if err != nil {
		return err
	}
	return s.UpdateFailoverComplete(ctx, items)
}
