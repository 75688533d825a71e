package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shardex/internal/eventbus"
	"shardex/internal/job"
	"shardex/internal/jobconfig"
	"shardex/internal/jobnode"
	"shardex/internal/registry/memory"
	"shardex/internal/services/limitmax"
	"shardex/pkg/logx"
)

const (
	testExecutor = "exec-1"
	typeTracked  = "TRACKED_JOB"
	yearly       = "0 0 0 1 1 ?"
)

type fixture struct {
	t       *testing.T
	center  *memory.Center
	reg     *Registry
	factory *job.Factory
	bus     eventbus.Bus
	tracker *tracker
}

// tracker reports how a running item was ended.
type tracker struct {
	started chan struct{}
	ended   chan string
}

func (p *tracker) run(ctx context.Context, sc *job.ShardContext) (string, error) {
	select {
	case p.started <- struct{}{}:
	default:
	}
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			p.ended <- "aborted"
			return "", ctx.Err()
		case <-tick.C:
			if !sc.Stopped() {
				continue
			}
			select {
			case <-ctx.Done():
				p.ended <- "aborted"
				return "", ctx.Err()
			case <-time.After(100 * time.Millisecond):
				p.ended <- "stopped"
				return "stopped", nil
			}
		}
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		t:       t,
		center:  memory.New("ns", testExecutor),
		reg:     NewRegistry(),
		factory: job.NewFactory(),
		bus:     eventbus.New(),
		tracker: &tracker{started: make(chan struct{}, 1), ended: make(chan string, 4)},
	}
	t.Cleanup(func() { _ = f.center.Close() })
	require.NoError(t, job.RegisterBuiltins(f.factory, func(context.Context, *job.ShardContext) (string, error) { return "ok", nil }))
	require.NoError(t, f.factory.Register(typeTracked, job.FuncType(f.tracker.run)))
	return f
}

func (f *fixture) deps() Deps {
	return Deps{
		Center:   f.center,
		Registry: f.reg,
		Factory:  f.factory,
		Bus:      f.bus,
		Log:      logx.Nop(),
	}
}

func (f *fixture) storage(name string) *jobnode.Storage {
	return jobnode.NewStorage(f.center, name)
}

func (f *fixture) saveJob(name, typ, cron string) *jobconfig.JobConfiguration {
	f.t.Helper()
	conf := &jobconfig.JobConfiguration{
		JobName:                     name,
		JobType:                     typ,
		Cron:                        cron,
		ProcessCountIntervalSeconds: 300,
		ShardingTotalCount:          1,
		Enabled:                     true,
		Failover:                    true,
	}
	require.NoError(f.t, jobconfig.Save(context.Background(), f.storage(name), conf))
	return conf
}

func (f *fixture) start(deps Deps, name, typ, cron string) *Orchestrator {
	f.t.Helper()
	conf := f.saveJob(name, typ, cron)
	o, err := New(deps, conf)
	require.NoError(f.t, err)
	require.NoError(f.t, o.Init(context.Background()))
	f.t.Cleanup(func() { o.Shutdown(context.Background(), false) })
	return o
}

func TestSampleJobLifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	o := f.start(f.deps(), "sample", job.TypeGo, "0/5 * * * * ?")
	id := Identity{Executor: testExecutor, Job: "sample"}

	got, ok := f.reg.Get(id)
	require.True(t, ok)
	assert.Same(t, o, got)
	assert.Equal(t, 1, f.reg.Len())
	assert.True(t, o.IsInitialized())

	next, ok := o.NextFireTime()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now(), next, 5*time.Second)
	assert.Zero(t, next.Second()%5)

	online, err := o.Server().IsServerEnabled(ctx)
	require.NoError(t, err)
	assert.True(t, online)

	o.Shutdown(ctx, true)
	_, ok = f.reg.Get(id)
	assert.False(t, ok)
	exists, err := f.storage("sample").JobExists(ctx)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestShutdownKeepsJobNode(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	o := f.start(f.deps(), "keep", job.TypeGo, yearly)
	o.Shutdown(ctx, false)

	assert.Zero(t, f.reg.Len())
	assert.True(t, o.IsShutdown())
	assert.True(t, o.Job().Scheduler().IsShutdown())
	exists, err := f.storage("keep").JobExists(ctx)
	require.NoError(t, err)
	assert.True(t, exists)

	// The ephemeral status node goes away with the executor.
	online, err := o.Server().IsServerEnabled(ctx)
	require.NoError(t, err)
	assert.False(t, online)
}

func TestShutdownIsIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	conf := f.saveJob("twice", job.TypeGo, yearly)
	o, err := New(f.deps(), conf)
	require.NoError(t, err)
	require.NoError(t, o.Init(ctx))
	o.Shutdown(ctx, false)

	// A new handle for the same identity must survive a repeated Shutdown of
	// the old one.
	o2, err := New(f.deps(), conf)
	require.NoError(t, err)
	o.Shutdown(ctx, true)

	got, ok := f.reg.Get(o.Identity())
	require.True(t, ok)
	assert.Same(t, o2, got)
	exists, err := f.storage("twice").JobExists(ctx)
	require.NoError(t, err)
	assert.True(t, exists)
	o2.Shutdown(ctx, false)
}

func TestShutdownWithoutInit(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	o, err := New(f.deps(), f.saveJob("bare", job.TypeGo, yearly))
	require.NoError(t, err)
	assert.Equal(t, 1, f.reg.Len())

	o.Shutdown(context.Background(), false)
	assert.Zero(t, f.reg.Len())
	assert.Nil(t, o.Job())
	_, ok := o.NextFireTime()
	assert.False(t, ok)
}

func TestNewRejectsDuplicateIdentity(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	conf := f.saveJob("dup", job.TypeGo, yearly)
	o, err := New(f.deps(), conf)
	require.NoError(t, err)
	defer o.Shutdown(context.Background(), false)

	_, err = New(f.deps(), conf)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAlreadyRegistered))
	assert.Equal(t, 1, f.reg.Len())
}

func TestInitTwice(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	o := f.start(f.deps(), "again", job.TypeGo, yearly)
	err := o.Init(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAlreadyInitialized))
}

func TestInitFailureUnknownType(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	events, unsubscribe := f.bus.Subscribe(16)
	defer unsubscribe()

	o, err := New(f.deps(), f.saveJob("mystery", "NO_SUCH_JOB", yearly))
	require.NoError(t, err)
	err = o.Init(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, job.ErrUnknownType))
	assert.True(t, errors.Is(err, ErrJobCreation))
	assert.False(t, o.IsInitialized())

	o.Shutdown(ctx, false)
	assert.Zero(t, f.reg.Len())

	var types []eventbus.Type
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	assert.Contains(t, types, eventbus.TypeJobInitFailed)
	assert.Contains(t, types, eventbus.TypeJobShutdown)
}

func TestInitFailureMaxJobs(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	deps := f.deps()
	deps.MaxJobs = 1

	f.start(deps, "first", job.TypeGo, yearly)

	o, err := New(deps, f.saveJob("second", job.TypeGo, yearly))
	require.NoError(t, err)
	err = o.Init(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, limitmax.ErrMaxJobsExceeded))
	assert.Nil(t, o.Job())

	o.Shutdown(ctx, false)
	assert.Equal(t, []string{"first"}, f.reg.JobsOf(testExecutor))
}

func TestRescheduleJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	o := f.start(f.deps(), "resched", job.TypeGo, yearly)
	trigger := o.Job().Scheduler().Trigger()

	err := o.RescheduleJob("not a cron")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidSchedule))
	assert.Equal(t, yearly, trigger.Expr())

	require.NoError(t, o.RescheduleJob("*/10 * * * * ?"))
	assert.Equal(t, "*/10 * * * * ?", trigger.Expr())
	next, ok := o.NextFireTime()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now(), next, 10*time.Second)
}

func TestControlIsNoopAfterShutdown(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	o := f.start(f.deps(), "closed", typeTracked, yearly)
	trigger := o.Job().Scheduler().Trigger()
	o.Shutdown(ctx, false)

	assert.NoError(t, o.RescheduleJob("not a cron"))
	assert.NoError(t, o.RescheduleJob("*/1 * * * * ?"))
	assert.Equal(t, yearly, trigger.Expr())

	o.TriggerJob()
	select {
	case <-f.tracker.started:
		t.Fatal("job fired after shutdown")
	case <-time.After(100 * time.Millisecond):
	}

	o.StopJob(true)
	o.ResumeJob()
	o.RescheduleProcessCountJob()
	o.ShutdownCountThread()
}

func TestStopJobGraceful(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	o := f.start(f.deps(), "graceful", typeTracked, yearly)
	o.TriggerJob()
	waitStarted(t, f.tracker)

	o.StopJob(false)
	assert.Equal(t, "stopped", waitEnded(t, f.tracker))
}

func TestStopJobAbort(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	o := f.start(f.deps(), "abort", typeTracked, yearly)
	o.TriggerJob()
	waitStarted(t, f.tracker)

	o.StopJob(true)
	assert.Equal(t, "aborted", waitEnded(t, f.tracker))
}

func TestStopJobBeforeInit(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	o, err := New(f.deps(), f.saveJob("early", job.TypeGo, yearly))
	require.NoError(t, err)
	defer o.Shutdown(context.Background(), false)

	o.StopJob(true)
	o.StopJob(false)
	o.TriggerJob()
	assert.NoError(t, o.RescheduleJob("not a cron"))
}

func TestListenerReschedulesOnCronChange(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	o := f.start(f.deps(), "watched", job.TypeGo, yearly)
	trigger := o.Job().Scheduler().Trigger()

	require.NoError(t, f.storage("watched").Put(ctx, "*/30 * * * * ?", jobnode.ConfigDir, jobnode.FieldCron))
	require.Eventually(t, func() bool { return trigger.Expr() == "*/30 * * * * ?" }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "*/30 * * * * ?", o.PreviousConf().Cron)

	// A rejected cron keeps the previous schedule and snapshot.
	require.NoError(t, f.storage("watched").Put(ctx, "bogus", jobnode.ConfigDir, jobnode.FieldCron))
	require.Eventually(t, func() bool { return o.Config().Current().Cron == "bogus" }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "*/30 * * * * ?", trigger.Expr())
	assert.Equal(t, "*/30 * * * * ?", o.PreviousConf().Cron)
}

func TestRunOneTimeTriggersJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	o := f.start(f.deps(), "oneshot", typeTracked, yearly)
	require.NoError(t, f.storage("oneshot").PutServer(ctx, jobnode.ServerRunOneTime, "1"))
	waitStarted(t, f.tracker)
	o.StopJob(true)
	waitEnded(t, f.tracker)
}

func TestJobDeletedShutsDown(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	o := f.start(f.deps(), "doomed", job.TypeGo, yearly)
	require.NoError(t, f.storage("doomed").Put(ctx, "1", jobnode.ConfigDir, jobnode.FieldToDelete))

	require.Eventually(t, o.IsShutdown, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return f.reg.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	exists, err := f.storage("doomed").JobExists(ctx)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestJobDeletedHook(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	deleted := make(chan string, 1)
	deps := f.deps()
	deps.OnJobDeleted = func(name string) { deleted <- name }
	o := f.start(deps, "hooked", job.TypeGo, yearly)

	require.NoError(t, f.storage("hooked").Put(ctx, "1", jobnode.ConfigDir, jobnode.FieldToDelete))
	select {
	case name := <-deleted:
		assert.Equal(t, "hooked", name)
	case <-time.After(2 * time.Second):
		t.Fatal("delete hook not called")
	}
	assert.False(t, o.IsShutdown())
}

func TestPauseWindowSkipsFireTimes(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	o := f.start(f.deps(), "paused", job.TypeGo, "0 * * * * ?")
	loc := o.Config().Location()
	now := time.Now().In(loc)
	// Pause the next ten minutes; the resolver has to skip past them.
	from := now.Add(time.Minute)
	to := now.Add(10 * time.Minute)
	if to.Day() != from.Day() {
		t.Skip("pause window would wrap midnight")
	}
	o.Config().SetPausePeriods("", from.Format("15:04")+"-"+to.Format("15:04"))

	next, ok := o.NextFireTime()
	require.True(t, ok)
	assert.False(t, o.Config().IsInPausePeriod(next))
	assert.True(t, next.After(to.Truncate(time.Minute)))
}

func waitStarted(t *testing.T, p *tracker) {
	t.Helper()
	select {
	case <-p.started:
	case <-time.After(3 * time.Second):
		t.Fatal("item did not start")
	}
}

func waitEnded(t *testing.T, p *tracker) string {
	t.Helper()
	select {
	case how := <-p.ended:
		return how
	case <-time.After(3 * time.Second):
		t.Fatal("item did not end")
		return ""
	}
}

func TestShutdownDuringInitLeavesNothingRunning(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	entered, release := make(chan struct{}), make(chan struct{})
	var built job.Job
	require.NoError(t, f.factory.Register("SLOW_JOB", func(jc job.Context) (job.Job, error) {
		close(entered)
		<-release
		j, err := job.FuncType(func(context.Context, *job.ShardContext) (string, error) { return "ok", nil })(jc)
		built = j
		return j, err
	}))

	o, err := New(f.deps(), f.saveJob("racing", "SLOW_JOB", "0/5 * * * * ?"))
	require.NoError(t, err)

	initErr := make(chan error, 1)
	go func() { initErr <- o.Init(ctx) }()
	select {
	case <-entered:
	case <-time.After(3 * time.Second):
		t.Fatal("job constructor not reached")
	}
	o.Shutdown(ctx, false)
	close(release)

	select {
	case err = <-initErr:
	case <-time.After(3 * time.Second):
		t.Fatal("Init did not return")
	}
	assert.True(t, errors.Is(err, ErrShutdown), "got %v", err)
	assert.True(t, o.IsShutdown())
	assert.False(t, o.IsInitialized())
	assert.Nil(t, o.Job())
	_, registered := f.reg.Get(o.Identity())
	assert.False(t, registered)

	require.NotNil(t, built)
	assert.True(t, built.Scheduler().IsShutdown())

	online, err := f.storage("racing").Exists(ctx, jobnode.ServersDir, testExecutor, jobnode.ServerStatus)
	require.NoError(t, err)
	assert.False(t, online)
	leader, err := o.Election().HasLeader(ctx)
	require.NoError(t, err)
	assert.False(t, leader)
}

func TestInitAfterShutdown(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	o, err := New(f.deps(), f.saveJob("late", job.TypeGo, yearly))
	require.NoError(t, err)
	o.Shutdown(ctx, false)

	err = o.Init(ctx)
	assert.True(t, errors.Is(err, ErrShutdown), "got %v", err)
	leader, err := o.Election().HasLeader(ctx)
	require.NoError(t, err)
	assert.False(t, leader)
}
