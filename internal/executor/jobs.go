package executor

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"shardex/internal/jobconfig"
	"shardex/internal/jobnode"
	"shardex/internal/orchestrator"
	"shardex/internal/registry"
	"shardex/internal/storage"
	"shardex/pkg/logx"
)

// ErrJobIncomplete is returned while a job's config is still being written.
var ErrJobIncomplete = errors.New("job config incomplete")

// onJobsEvent runs on the registry watch goroutine; it only queues names.
func (s *Service) onJobsEvent(ev registry.Event) {
	rel := strings.TrimPrefix(ev.Key, jobnode.JobsRoot+"/")
	parts := strings.Split(rel, "/")
	if len(parts) != 3 || parts[1] != jobnode.ConfigDir {
		return
	}
	switch parts[2] {
	case jobnode.FieldJobType, jobnode.FieldCron:
	default:
		return
	}
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	select {
	case s.changes <- parts[0]:
	case <-sup.Context().Done():
	}
}

func (s *Service) syncLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case name := <-s.changes:
			s.reconcile(ctx, name)
		}
	}
}

// reconcile starts a job that appeared and stops one whose node is gone.
func (s *Service) reconcile(ctx context.Context, name string) {
	st := jobnode.NewStorage(s.opts.Center, name)
	exists, err := st.JobExists(ctx)
	if err != nil {
		s.log.Warn("check job failed", logx.String("job", name), logx.Err(err))
		return
	}
	_, running := s.reg.Get(s.identity(name))
	switch {
	case exists && !running:
		if err := s.AddJob(ctx, name); err != nil && !isBenign(err) && !errors.Is(err, ErrJobIncomplete) {
			s.log.Warn("job not started", logx.String("job", name), logx.Err(err))
		}
	case !exists && running:
		if err := s.RemoveJob(ctx, name, false); err != nil {
			s.log.Warn("job not stopped", logx.String("job", name), logx.Err(err))
		}
	}
}

func (s *Service) identity(name string) orchestrator.Identity {
	return orchestrator.Identity{Executor: s.Name(), Job: name}
}

// AddJob loads the job's config and starts an orchestrator for it. A failed
// initialization is torn down before AddJob returns.
func (s *Service) AddJob(ctx context.Context, name string) (err error) {
	if !s.isRunning() {
		return ErrNotStarted
	}
	lock := s.addLock(name)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	defer func() { s.audit(ctx, name, "add", "", start, err) }()

	if _, ok := s.reg.Get(s.identity(name)); ok {
		return errors.Wrap(orchestrator.ErrAlreadyRegistered, name)
	}
	st := jobnode.NewStorage(s.opts.Center, name)
	conf, err := jobconfig.Load(ctx, st)
	if err != nil {
		return err
	}
	if conf == nil {
		return errors.Wrap(ErrJobNotFound, name)
	}
	if conf.JobType == "" || conf.Cron == "" {
		return errors.Wrap(ErrJobIncomplete, name)
	}
	if flagged, err := st.Exists(ctx, jobnode.ConfigDir, jobnode.FieldToDelete); err != nil {
		return err
	} else if flagged {
		return errors.Wrapf(ErrJobNotFound, "%s is flagged for deletion", name)
	}

	o, err := orchestrator.New(orchestrator.Deps{
		Center:           s.opts.Center,
		Registry:         s.reg,
		Factory:          s.opts.Factory,
		Store:            s.opts.Store,
		Bus:              s.opts.Bus,
		Log:              s.opts.Log,
		MaxJobs:          s.opts.MaxJobs,
		JobShutdownGrace: s.opts.JobShutdownGrace,
		TeardownGrace:    s.opts.TeardownGrace,
		OnJobDeleted:     s.onJobDeleted,
	}, conf)
	if err != nil {
		return err
	}
	if err := o.Init(ctx); err != nil {
		o.Shutdown(ctx, false)
		return err
	}
	return nil
}

// RemoveJob shuts the job down on this executor. removeNode also deletes the
// job from the registry for every executor.
func (s *Service) RemoveJob(ctx context.Context, name string, removeNode bool) (err error) {
	start := time.Now()
	defer func() { s.audit(ctx, name, "remove", "", start, err) }()

	o, ok := s.reg.Get(s.identity(name))
	if !ok {
		return errors.Wrap(ErrNotRunning, name)
	}
	o.Shutdown(ctx, removeNode)
	return nil
}

func (s *Service) onJobDeleted(name string) {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	if err := s.RemoveJob(sup.Context(), name, true); err != nil {
		s.log.Warn("remove deleted job failed", logx.String("job", name), logx.Err(err))
	}
}

func (s *Service) audit(ctx context.Context, name, action, target string, start time.Time, err error) {
	store := s.opts.Store
	if store == nil {
		return
	}
	e := storage.AuditEntry{
		At:       start,
		Executor: s.Name(),
		Job:      name,
		Action:   action,
		Target:   target,
		OK:       err == nil,
		TookMS:   time.Since(start).Milliseconds(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	if aerr := store.AppendAudit(context.WithoutCancel(ctx), e); aerr != nil {
		s.log.Debug("append audit failed", logx.Err(aerr))
	}
}
