// Package orchestrator drives the lifecycle of one job on one executor: it
// wires the job's subsystems, starts them in a fixed order, creates the job,
// and tears everything down again on shutdown.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"shardex/internal/eventbus"
	"shardex/internal/job"
	"shardex/internal/jobconfig"
	"shardex/internal/jobnode"
	"shardex/internal/registry"
	"shardex/internal/runtime/supervisor"
	"shardex/internal/services"
	"shardex/internal/services/analyse"
	"shardex/internal/services/control"
	"shardex/internal/services/election"
	"shardex/internal/services/execution"
	"shardex/internal/services/failover"
	"shardex/internal/services/limitmax"
	"shardex/internal/services/listener"
	"shardex/internal/services/offset"
	"shardex/internal/services/server"
	"shardex/internal/services/sharding"
	"shardex/internal/services/statistics"
	"shardex/internal/storage"
	"shardex/pkg/logx"
)

const (
	DefaultJobShutdownGrace = 500 * time.Millisecond
	DefaultTeardownGrace    = 500 * time.Millisecond

	// stepTimeout bounds each subsystem shutdown.
	stepTimeout = 3 * time.Second
)

// Deps are the process-wide collaborators shared by every orchestrator.
type Deps struct {
	Center   registry.Center
	Registry *Registry
	Factory  *job.Factory
	Store    storage.Store // optional
	Bus      eventbus.Bus  // optional
	Log      logx.Logger

	// MaxJobs caps the jobs of this executor; 0 disables the cap.
	MaxJobs int
	// JobShutdownGrace bounds how long in-flight shards get to stop.
	JobShutdownGrace time.Duration
	// TeardownGrace bounds how long watch callbacks get to drain.
	TeardownGrace time.Duration
	// OnJobDeleted is called on its own goroutine when the job is flagged
	// for deletion. When nil the orchestrator shuts itself down with removal.
	OnJobDeleted func(job string)
}

// Orchestrator is the lifecycle handle of one job on one executor.
type Orchestrator struct {
	id   Identity
	deps Deps
	log  logx.Logger
	sup  *supervisor.Supervisor
	st   *jobnode.Storage

	config     *jobconfig.Service
	election   *election.Service
	server     *server.Service
	sharding   *sharding.Service
	execCtx    *execution.ContextService
	execution  *execution.Service
	failover   *failover.Service
	statistics *statistics.Service
	offset     *offset.Service
	limitmax   *limitmax.Service
	analyse    *analyse.Service
	listener   *listener.Service
	control    *control.Service

	mu          sync.Mutex
	job         job.Job
	previous    jobconfig.WatchedSnapshot
	initCalled  bool
	initialized bool
	shutdown    bool
	stops       []stopStep
}

type stopStep struct {
	name string
	stop func(ctx context.Context) error
}

// New wires every subsystem for conf and registers the handle. It fails with
// ErrAlreadyRegistered when the executor already holds the job.
func New(deps Deps, conf *jobconfig.JobConfiguration) (*Orchestrator, error) {
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if deps.Registry == nil {
		deps.Registry = NewRegistry()
	}
	if deps.Factory == nil {
		deps.Factory = job.NewFactory()
	}
	if deps.JobShutdownGrace <= 0 {
		deps.JobShutdownGrace = DefaultJobShutdownGrace
	}
	if deps.TeardownGrace <= 0 {
		deps.TeardownGrace = DefaultTeardownGrace
	}

	id := Identity{Executor: deps.Center.ExecutorName(), Job: conf.JobName}
	log := deps.Log.With(logx.String("executor", id.Executor), logx.String("job", id.Job))
	st := jobnode.NewStorage(deps.Center, id.Job)
	sup := supervisor.New(context.Background(), supervisor.WithLogger(log))

	o := &Orchestrator{
		id:       id,
		deps:     deps,
		log:      log,
		sup:      sup,
		st:       st,
		previous: jobconfig.Watched(conf),
	}
	o.config = jobconfig.NewService(st, conf, log)
	o.election = election.New(st, deps.Bus, log)
	o.server = server.New(st, log)
	o.sharding = sharding.New(st, o.config, o.election, o.server, log)
	o.execCtx = execution.NewContextService(o.config)
	o.execution = execution.NewService(st, log)
	o.failover = failover.New(st, o.config, o.sharding, o.execution, log)
	o.statistics = statistics.New(st, o.config, deps.Store, sup, log)
	o.offset = offset.New(st)
	o.limitmax = limitmax.New(deps.MaxJobs, func() []string { return deps.Registry.JobsOf(id.Executor) })
	o.analyse = analyse.New(st)
	o.listener = listener.New(listener.Deps{
		Storage:  st,
		Config:   o.config,
		Election: o.election,
		Server:   o.server,
		Sharding: o.sharding,
		Failover: o.failover,
		Log:      log,
	}, o)
	o.control = control.New(st, o.sharding, o.execution, o.statistics, log)

	if err := deps.Registry.Add(id, o); err != nil {
		return nil, err
	}
	return o, nil
}

// subsystems lists the subsystems in start order.
func (o *Orchestrator) subsystems() []struct {
	name string
	svc  services.Lifecycle
} {
	return []struct {
		name string
		svc  services.Lifecycle
	}{
		{"config", o.config},
		{"election", o.election},
		{"server", o.server},
		{"sharding", o.sharding},
		{"execution-context", o.execCtx},
		{"execution", o.execution},
		{"failover", o.failover},
		{"statistics", o.statistics},
		{"offset", o.offset},
		{"limitmax", o.limitmax},
		{"analyse", o.analyse},
	}
}

func (o *Orchestrator) Identity() Identity { return o.id }
func (o *Orchestrator) JobName() string    { return o.id.Job }

func (o *Orchestrator) IsInitialized() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.initialized
}

// IsShutdown reports whether Shutdown has been called.
func (o *Orchestrator) IsShutdown() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.shutdown
}

// Job returns the job instance, or nil before it is created.
func (o *Orchestrator) Job() job.Job {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.job
}

func (o *Orchestrator) Config() *jobconfig.Service                  { return o.config }
func (o *Orchestrator) Election() *election.Service                 { return o.election }
func (o *Orchestrator) Server() *server.Service                     { return o.server }
func (o *Orchestrator) Sharding() *sharding.Service                 { return o.sharding }
func (o *Orchestrator) ExecutionContext() *execution.ContextService { return o.execCtx }
func (o *Orchestrator) Execution() *execution.Service               { return o.execution }
func (o *Orchestrator) Failover() *failover.Service                 { return o.failover }
func (o *Orchestrator) Statistics() *statistics.Service             { return o.statistics }
func (o *Orchestrator) Offset() *offset.Service                     { return o.offset }
func (o *Orchestrator) LimitMax() *limitmax.Service                 { return o.limitmax }
func (o *Orchestrator) Analyse() *analyse.Service                   { return o.analyse }
func (o *Orchestrator) Listener() *listener.Service                 { return o.listener }
func (o *Orchestrator) Control() *control.Service                   { return o.control }

// PreviousConf returns the snapshot of the watched fields last applied.
func (o *Orchestrator) PreviousConf() jobconfig.WatchedSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.previous
}

func (o *Orchestrator) SetPreviousConf(s jobconfig.WatchedSnapshot) {
	o.mu.Lock()
	o.previous = s
	o.mu.Unlock()
}

func (o *Orchestrator) publish(typ eventbus.Type, detail string) {
	if o.deps.Bus == nil {
		return
	}
	o.deps.Bus.Publish(eventbus.Event{
		Type: typ,
		Data: eventbus.JobEvent{Executor: o.id.Executor, Job: o.id.Job, Detail: detail},
	})
}
