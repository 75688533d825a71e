package orchestrator

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/cockroachdb/errors"

	"shardex/internal/eventbus"
	"shardex/internal/job"
	"shardex/pkg/logx"
)

// Init starts the subsystems in their fixed order, creates the job and
// announces this executor as online. It never retries; on error the caller is
// expected to call Shutdown(ctx, false).
func (o *Orchestrator) Init(ctx context.Context) error {
	o.mu.Lock()
	switch {
	case o.initCalled:
		o.mu.Unlock()
		return errors.Wrap(ErrAlreadyInitialized, o.id.String())
	case o.shutdown:
		o.mu.Unlock()
		return errors.Wrap(ErrShutdown, o.id.String())
	}
	o.initCalled = true
	o.mu.Unlock()

	start := time.Now()
	err := o.init(ctx)
	if err == nil {
		o.mu.Lock()
		if o.shutdown {
			err = ErrShutdown
		} else {
			o.initialized = true
		}
		o.mu.Unlock()
	}
	if err != nil {
		err = errors.Wrapf(err, "init job %s", o.id)
		if errors.Is(err, ErrShutdown) {
			o.log.Info("job init abandoned: shut down meanwhile")
		} else {
			o.log.Error("job init failed", logx.Err(err))
		}
		o.publish(eventbus.TypeJobInitFailed, err.Error())
		return err
	}

	o.log.Info("job initialized", logx.Duration("took", time.Since(start)))
	o.publish(eventbus.TypeJobInitialized, "")
	return nil
}

// init runs the start sequence. Shutdown may run concurrently at any point;
// every acquired resource is then released here, because Shutdown only
// releases what was registered before it took its snapshot.
func (o *Orchestrator) init(ctx context.Context) error {
	center := o.deps.Center
	root := o.st.Root()
	if err := center.OpenCache(ctx, root); err != nil {
		return errors.Wrap(err, "open job cache")
	}
	if err := o.addStop(ctx, "cache", func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, o.deps.TeardownGrace)
		defer cancel()
		return center.CloseCache(cctx, root)
	}); err != nil {
		return err
	}

	for _, s := range o.subsystems() {
		if err := s.svc.Start(ctx); err != nil {
			return errors.Wrapf(err, "start %s", s.name)
		}
		if err := o.addStop(ctx, s.name, s.svc.Shutdown); err != nil {
			return err
		}
	}

	if err := o.limitmax.Check(o.id.Job); err != nil {
		return err
	}

	// Callbacks outlive Init; they are bound to the supervisor instead.
	if err := o.listener.Start(o.sup.Context()); err != nil {
		return errors.Wrap(err, "start listener")
	}
	if err := o.addStop(ctx, "listener", o.listener.Shutdown); err != nil {
		return err
	}
	if err := o.control.Start(o.sup.Context()); err != nil {
		return errors.Wrap(err, "start control")
	}
	if err := o.addStop(ctx, "control", o.control.Shutdown); err != nil {
		return err
	}

	if _, err := o.election.LeaderElection(ctx); err != nil {
		return errors.Wrap(err, "leader election")
	}
	if err := o.abandoned(ctx, stopStep{name: "election", stop: o.election.Release}); err != nil {
		return err
	}

	if err := o.server.ClearRunOneTimePath(ctx); err != nil {
		return errors.Wrap(err, "clear runOneTime")
	}
	if err := o.server.ClearStopOneTimePath(ctx); err != nil {
		return errors.Wrap(err, "clear stopOneTime")
	}
	if err := o.server.ResetCount(ctx); err != nil {
		return errors.Wrap(err, "reset counters")
	}
	o.statistics.Reset()

	o.statistics.StartProcessCountJob()
	if err := o.abandoned(ctx, stopStep{name: "statistics.count", stop: func(context.Context) error {
		o.statistics.StopProcessCountJob()
		return nil
	}}); err != nil {
		return err
	}

	j, err := o.createJob(ctx)
	if err != nil {
		return err
	}
	o.mu.Lock()
	if o.shutdown {
		o.mu.Unlock()
		o.stopJob(context.WithoutCancel(ctx), j)
		return ErrShutdown
	}
	o.job = j
	o.mu.Unlock()
	// A Shutdown from here on stops j itself; Start after that is a no-op.
	j.Start()

	if err := o.server.PersistServerOnline(ctx); err != nil {
		return errors.Wrap(err, "persist server online")
	}
	return o.abandoned(ctx, stopStep{name: "server", stop: o.server.Shutdown})
}

func (o *Orchestrator) createJob(ctx context.Context) (job.Job, error) {
	jc := job.Context{
		JobName:          o.id.Job,
		ExecutorName:     o.id.Executor,
		Namespace:        o.deps.Center.Namespace(),
		Center:           o.deps.Center,
		Bus:              o.deps.Bus,
		Log:              o.log,
		Supervisor:       o.sup,
		Config:           o.config,
		Election:         o.election,
		Server:           o.server,
		Sharding:         o.sharding,
		ExecutionContext: o.execCtx,
		Execution:        o.execution,
		Failover:         o.failover,
		Statistics:       o.statistics,
		Offset:           o.offset,
		Analyse:          o.analyse,
	}
	typ := o.config.Current().JobType
	j, err := o.deps.Factory.New(typ, jc)
	if err != nil {
		return nil, errors.Mark(err, ErrJobCreation)
	}
	if err := j.Init(ctx); err != nil {
		// The job may already hold a scheduler.
		_ = j.Shutdown(ctx)
		return nil, errors.Mark(errors.Wrap(err, "init job instance"), ErrJobCreation)
	}
	return j, nil
}

// addStop registers a shutdown step. If Shutdown already ran, the step runs
// right away and ErrShutdown is returned.
func (o *Orchestrator) addStop(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	step := stopStep{name: name, stop: fn}
	o.mu.Lock()
	if !o.shutdown {
		o.stops = append(o.stops, step)
		o.mu.Unlock()
		return nil
	}
	o.mu.Unlock()
	o.runStop(context.WithoutCancel(ctx), step)
	return ErrShutdown
}

// abandoned returns ErrShutdown, after running undo, when Shutdown ran while
// Init was in progress.
func (o *Orchestrator) abandoned(ctx context.Context, undo ...stopStep) error {
	o.mu.Lock()
	down := o.shutdown
	o.mu.Unlock()
	if !down {
		return nil
	}
	for _, s := range undo {
		o.runStop(context.WithoutCancel(ctx), s)
	}
	return ErrShutdown
}

func (o *Orchestrator) stopJob(ctx context.Context, j job.Job) {
	jctx, cancel := context.WithTimeout(ctx, o.deps.JobShutdownGrace)
	defer cancel()
	if err := j.Shutdown(jctx); err != nil {
		o.log.Warn("job did not stop within grace", logx.Duration("grace", o.deps.JobShutdownGrace), logx.Err(err))
	}
}

// Shutdown tears the handle down. It is safe on a partially initialized
// handle, never returns an error, and only the first call has an effect.
// removeJob additionally deletes the job's node from the registry.
func (o *Orchestrator) Shutdown(ctx context.Context, removeJob bool) {
	o.mu.Lock()
	if o.shutdown {
		o.mu.Unlock()
		return
	}
	o.shutdown = true
	j := o.job
	stops := o.stops
	o.stops = nil
	o.mu.Unlock()

	// Teardown still has to reach the registry when the caller is done.
	ctx = context.WithoutCancel(ctx)
	start := time.Now()

	if j != nil {
		o.stopJob(ctx, j)
	}

	for i := len(stops) - 1; i >= 0; i-- {
		o.runStop(ctx, stops[i])
	}

	sctx, cancel := context.WithTimeout(ctx, stepTimeout)
	if err := o.sup.Stop(sctx); err != nil {
		o.log.Warn("background tasks did not stop cleanly", logx.Err(err))
	}
	cancel()

	if removeJob {
		rctx, cancel := context.WithTimeout(ctx, stepTimeout)
		if err := o.st.RemoveJob(rctx); err != nil {
			o.log.Warn("remove job node failed", logx.Err(err))
		}
		cancel()
	}

	o.deps.Registry.Remove(o.id, o)
	o.log.Info("job shut down", logx.Bool("removed", removeJob), logx.Duration("took", time.Since(start)))
	o.publish(eventbus.TypeJobShutdown, fmt.Sprintf("removed=%t", removeJob))
}

func (o *Orchestrator) runStop(ctx context.Context, s stopStep) {
	ctx, cancel := context.WithTimeout(ctx, stepTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("shutdown step panicked", logx.String("step", s.name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	if err := s.stop(ctx); err != nil {
		o.log.Warn("shutdown step failed", logx.String("step", s.name), logx.Err(err))
	}
}
