// Package executor is the composition root of one executor process: it owns
// the registry connection, the job factory and the orchestrator registry,
// discovers jobs in the registry and runs one orchestrator per job.
package executor

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"shardex/internal/eventbus"
	"shardex/internal/job"
	"shardex/internal/jobnode"
	"shardex/internal/orchestrator"
	"shardex/internal/registry"
	"shardex/internal/runtime/supervisor"
	"shardex/internal/services/server"
	"shardex/internal/storage"
	"shardex/pkg/logx"
)

var (
	ErrNotStarted  = errors.New("executor not started")
	ErrJobNotFound = errors.New("job not found")
	ErrNotRunning  = errors.New("job not running on this executor")
)

type Options struct {
	Center  registry.Center // required
	Factory *job.Factory    // required
	Store   storage.Store
	Bus     eventbus.Bus
	Log     logx.Logger

	MaxJobs          int
	JobShutdownGrace time.Duration
	TeardownGrace    time.Duration
}

type Service struct {
	opts Options
	log  logx.Logger
	reg  *orchestrator.Registry

	mu      sync.Mutex
	sup     *supervisor.Supervisor
	watch   registry.WatchID
	changes chan string
	started bool
	stopped bool
	// adds serializes AddJob per job name.
	adds map[string]*sync.Mutex
}

func New(opts Options) (*Service, error) {
	if opts.Center == nil {
		return nil, errors.New("executor: registry center is required")
	}
	if opts.Factory == nil {
		return nil, errors.New("executor: job factory is required")
	}
	if opts.Bus == nil {
		opts.Bus = eventbus.New()
	}
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	return &Service{
		opts:    opts,
		log:     opts.Log.With(logx.String("comp", "executor"), logx.String("executor", opts.Center.ExecutorName())),
		reg:     orchestrator.NewRegistry(),
		changes: make(chan string, 256),
		adds:    map[string]*sync.Mutex{},
	}, nil
}

func (s *Service) Name() string                     { return s.opts.Center.ExecutorName() }
func (s *Service) Registry() *orchestrator.Registry { return s.reg }
func (s *Service) Bus() eventbus.Bus                { return s.opts.Bus }

// Start announces the executor, starts every job found under /$Jobs and
// follows jobs being added and removed.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))
	sup := s.sup
	s.mu.Unlock()

	center := s.opts.Center
	if err := s.announce(ctx); err != nil {
		return err
	}

	id, err := center.Watch(jobnode.JobsRoot, s.onJobsEvent)
	if err != nil {
		return errors.Wrap(err, "watch jobs")
	}
	s.mu.Lock()
	s.watch = id
	s.mu.Unlock()

	sup.GoRestart("jobs.sync", s.syncLoop, supervisor.WithRestartBackoff(50*time.Millisecond, 5*time.Second))

	names, err := center.Children(ctx, jobnode.JobsRoot)
	if err != nil {
		return errors.Wrap(err, "list jobs")
	}
	for _, name := range names {
		if err := s.AddJob(ctx, name); err != nil && !isBenign(err) {
			s.log.Warn("job not started", logx.String("job", name), logx.Err(err))
		}
	}

	if bus := s.opts.Bus; bus != nil {
		events, unsub := bus.Subscribe(128)
		sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					s.log.Debug("event", logx.String("type", string(e.Type)), logx.Any("data", e.Data))
				}
			}
		})
	}

	s.log.Info("executor started", logx.Int("jobs", s.reg.Len()))
	return nil
}

func (s *Service) announce(ctx context.Context) error {
	center := s.opts.Center
	key := jobnode.ExecutorIPPath(center.ExecutorName())
	ip := server.LocalIP()
	created, err := center.Create(ctx, key, ip, registry.Ephemeral)
	if err != nil {
		return errors.Wrap(err, "announce executor")
	}
	if !created {
		// A previous session of ours may still hold it.
		if err := center.Delete(ctx, key); err != nil {
			return errors.Wrap(err, "announce executor")
		}
		if _, err := center.Create(ctx, key, ip, registry.Ephemeral); err != nil {
			return errors.Wrap(err, "announce executor")
		}
	}
	return nil
}

// Stop shuts down every job of this executor and withdraws its presence.
// Job nodes stay in the registry.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	sup, watch := s.sup, s.watch
	s.mu.Unlock()

	s.opts.Center.Unwatch(watch)
	sup.Cancel()

	var g errgroup.Group
	for _, o := range s.reg.All() {
		g.Go(func() error {
			o.Shutdown(ctx, false)
			return nil
		})
	}
	_ = g.Wait()

	var errs error
	if err := s.opts.Center.Delete(context.WithoutCancel(ctx), jobnode.ExecutorIPPath(s.Name())); err != nil {
		errs = errors.CombineErrors(errs, errors.Wrap(err, "withdraw executor"))
	}
	if err := sup.Stop(ctx); err != nil {
		errs = errors.CombineErrors(errs, err)
	}
	s.log.Info("executor stopped")
	return errs
}

// Close releases the registry connection and storage.
func (s *Service) Close() error {
	var errs error
	if s.opts.Store != nil {
		errs = errors.CombineErrors(errs, s.opts.Store.Close())
	}
	return errors.CombineErrors(errs, s.opts.Center.Close())
}

func (s *Service) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && !s.stopped
}

func (s *Service) addLock(name string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.adds[name]
	if !ok {
		m = &sync.Mutex{}
		s.adds[name] = m
	}
	return m
}

func isBenign(err error) bool {
	return errors.Is(err, ErrJobNotFound) || errors.Is(err, orchestrator.ErrAlreadyRegistered) || errors.Is(err, orchestrator.ErrShutdown)
}
