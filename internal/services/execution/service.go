package execution

import (
	"context"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"

	"shardex/internal/jobnode"
	"shardex/pkg/logx"
)

// Service records item begin/complete markers under /execution/<item>.
type Service struct {
	st  *jobnode.Storage
	log logx.Logger
}

func NewService(st *jobnode.Storage, log logx.Logger) *Service {
	return &Service{st: st, log: log.With(logx.String("comp", "execution"))}
}

func (s *Service) Start(context.Context) error { return nil }

// Shutdown drops running markers this executor still owns.
func (s *Service) Shutdown(ctx context.Context) error {
	items, err := s.st.Children(ctx, jobnode.ExecutionDir)
	if err != nil {
		return err
	}
	var errs error
	for _, name := range items {
		owner, err := s.st.Get(ctx, jobnode.ExecutionDir, name, jobnode.ExecRunning)
		if err != nil {
			errs = errors.CombineErrors(errs, err)
			continue
		}
		if owner == s.st.ExecutorName() {
			errs = errors.CombineErrors(errs, s.st.Delete(ctx, jobnode.ExecutionDir, name, jobnode.ExecRunning))
		}
	}
	return errs
}

func itemDir(item int) []string { return []string{jobnode.ExecutionDir, strconv.Itoa(item)} }

func leaf(item int, name string) []string { return append(itemDir(item), name) }

// RegisterJobBegin marks every item of sc as running on this executor.
func (s *Service) RegisterJobBegin(ctx context.Context, sc *ShardingContext) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	for _, item := range sc.Items {
		if err := s.st.Delete(ctx, leaf(item, jobnode.ExecCompleted)...); err != nil {
			return err
		}
		if err := s.st.ReplaceEphemeral(ctx, s.st.ExecutorName(), leaf(item, jobnode.ExecRunning)...); err != nil {
			return errors.Wrapf(err, "mark item %d running", item)
		}
		if err := s.st.Put(ctx, now, leaf(item, jobnode.ExecLastBeginTime)...); err != nil {
			return err
		}
	}
	return nil
}

// RegisterJobCompleted records the outcome of each item; msgs carries the
// per-item result message.
func (s *Service) RegisterJobCompleted(ctx context.Context, sc *ShardingContext, msgs map[int]string) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	var errs error
	for _, item := range sc.Items {
		errs = errors.CombineErrors(errs, s.st.Delete(ctx, leaf(item, jobnode.ExecRunning)...))
		errs = errors.CombineErrors(errs, s.st.Put(ctx, s.st.ExecutorName(), leaf(item, jobnode.ExecCompleted)...))
		errs = errors.CombineErrors(errs, s.st.Put(ctx, now, leaf(item, jobnode.ExecLastCompleteTime)...))
		if msg, ok := msgs[item]; ok {
			errs = errors.CombineErrors(errs, s.st.Put(ctx, msg, leaf(item, jobnode.ExecJobMsg)...))
		}
	}
	return errs
}

// ClearRunningInfo removes running markers for items.
func (s *Service) ClearRunningInfo(ctx context.Context, items []int) error {
	var errs error
	for _, item := range items {
		errs = errors.CombineErrors(errs, s.st.Delete(ctx, leaf(item, jobnode.ExecRunning)...))
	}
	return errs
}

// IsRunning reports whether any of items is marked running.
func (s *Service) IsRunning(ctx context.Context, items []int) (bool, error) {
	for _, item := range items {
		ok, err := s.st.Exists(ctx, leaf(item, jobnode.ExecRunning)...)
		if err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}

// IsCompleted reports whether item finished its last run.
func (s *Service) IsCompleted(ctx context.Context, item int) (bool, error) {
	return s.st.Exists(ctx, leaf(item, jobnode.ExecCompleted)...)
}
