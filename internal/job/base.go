package job

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"shardex/internal/services/execution"
	"shardex/internal/task/scheduler"
	"shardex/pkg/logx"
)

const defaultShardLimit = 8

// errNotRun marks items a graceful stop kept from starting.
var errNotRun = errors.New("not run: job stopped")

// ItemFunc runs one sharding item. The returned string is recorded as the
// item's message; a non-nil error counts the item as failed.
type ItemFunc func(ctx context.Context, sc *ShardContext) (string, error)

// ShardContext is the view of one item inside one fire.
type ShardContext struct {
	*execution.ShardingContext
	Item  int
	Param string

	stopped func() bool
}

// Stopped reports whether the job was asked to stop. Long-running items
// should check it and return early; Abort additionally cancels ctx.
func (s *ShardContext) Stopped() bool { return s.stopped != nil && s.stopped() }

// Base implements Job on top of an ItemFunc: it owns the scheduler and runs
// the items of each fire concurrently.
type Base struct {
	jc    Context
	run   ItemFunc
	log   logx.Logger
	limit int

	mu       sync.Mutex
	sched    *scheduler.Scheduler
	stopped  bool
	shutdown bool
	// cancels of the fires in flight
	inflight map[*context.CancelFunc]struct{}
}

var _ Job = (*Base)(nil)

func NewBase(jc Context, run ItemFunc) *Base {
	log := jc.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Base{
		jc:       jc,
		run:      run,
		log:      log.With(logx.String("comp", "job")),
		limit:    defaultShardLimit,
		inflight: map[*context.CancelFunc]struct{}{},
	}
}

// SetShardLimit bounds how many items of one fire run at once.
func (b *Base) SetShardLimit(n int) {
	b.mu.Lock()
	b.limit = n
	b.mu.Unlock()
}

func (b *Base) Init(context.Context) error {
	conf := b.jc.Config.Current()
	trigger, err := scheduler.NewTrigger(conf.Cron, b.jc.Config.Location())
	if err != nil {
		return errors.Wrapf(err, "job %s", b.jc.JobName)
	}
	sched := scheduler.New(trigger, b.fire, b.log)
	b.mu.Lock()
	b.sched = sched
	b.mu.Unlock()
	return nil
}

func (b *Base) Scheduler() *scheduler.Scheduler {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sched
}

func (b *Base) Start() {
	b.mu.Lock()
	if b.shutdown {
		b.mu.Unlock()
		return
	}
	b.stopped = false
	sched := b.sched
	b.mu.Unlock()
	if sched != nil {
		sched.Start()
	}
}

func (b *Base) Stop() {
	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()
	b.log.Info("job stopped")
}

func (b *Base) Abort() {
	b.mu.Lock()
	b.stopped = true
	cancels := make([]context.CancelFunc, 0, len(b.inflight))
	for c := range b.inflight {
		cancels = append(cancels, *c)
	}
	b.mu.Unlock()
	for _, c := range cancels {
		c()
	}
	b.log.Info("job aborted", logx.Int("fires", len(cancels)))
}

func (b *Base) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	b.stopped, b.shutdown = true, true
	sched := b.sched
	b.mu.Unlock()
	if sched == nil {
		return nil
	}
	if err := sched.Shutdown(ctx); err != nil {
		// Out of patience; cancel what is still running.
		b.Abort()
		return err
	}
	return nil
}

func (b *Base) isStopped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopped
}

func (b *Base) track(cancel context.CancelFunc) func() {
	b.mu.Lock()
	b.inflight[&cancel] = struct{}{}
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.inflight, &cancel)
		b.mu.Unlock()
		cancel()
	}
}

// fire runs one fire of the job. It is called by the scheduler.
func (b *Base) fire() {
	if b.isStopped() {
		return
	}
	cfg := b.jc.Config
	if !cfg.IsEnabled() {
		b.log.Debug("fire skipped: job disabled")
		return
	}
	if cfg.IsInPausePeriod(time.Now()) {
		b.log.Debug("fire skipped: pause period")
		return
	}

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if t := cfg.Timeout(); t > 0 {
		ctx, cancel = context.WithTimeout(b.jc.Supervisor.Context(), t)
	} else {
		ctx, cancel = context.WithCancel(b.jc.Supervisor.Context())
	}
	untrack := b.track(cancel)
	defer untrack()

	if err := b.jc.Sharding.ShardingIfNecessary(ctx); err != nil {
		b.log.Warn("sharding failed", logx.Err(err))
	}
	if err := b.jc.Failover.FailoverIfNecessary(ctx); err != nil {
		b.log.Warn("failover claim failed", logx.Err(err))
	}
	shardItems, err := b.jc.Sharding.LocalShardingItems(ctx)
	if err != nil {
		b.log.Warn("read sharding items failed", logx.Err(err))
		return
	}
	failoverItems, err := b.jc.Failover.LocalFailoverItems(ctx)
	if err != nil {
		b.log.Warn("read failover items failed", logx.Err(err))
	}
	items := union(shardItems, failoverItems)
	if len(items) == 0 {
		return
	}

	sc := b.jc.ExecutionContext.JobExecutionContext(items)
	if err := b.jc.Execution.RegisterJobBegin(ctx, sc); err != nil {
		b.log.Warn("register begin failed", logx.Err(err))
	}

	msgs, failed, skipped := b.runItems(ctx, sc)
	ran := len(items) - skipped

	done := context.WithoutCancel(ctx)
	b.jc.Statistics.RecordSuccess(ran - failed)
	b.jc.Statistics.RecordFailure(failed)
	if err := b.jc.Analyse.AddTotals(done, int64(ran), int64(failed)); err != nil {
		b.log.Debug("update analyse totals failed", logx.Err(err))
	}
	if err := b.jc.Execution.RegisterJobCompleted(done, sc, msgs); err != nil {
		b.log.Warn("register completed failed", logx.Err(err))
	}
	if len(failoverItems) > 0 {
		if err := b.jc.Failover.UpdateFailoverComplete(done, failoverItems); err != nil {
			b.log.Warn("release failover items failed", logx.Err(err))
		}
	}
	b.log.Debug("fire finished", logx.String("execution", sc.ExecutionID),
		logx.Int("items", len(items)), logx.Int("failed", failed), logx.Int("skipped", skipped))
}

// runItems runs the fire's items and returns their messages, how many failed
// and how many never started because the job was stopped.
func (b *Base) runItems(ctx context.Context, sc *execution.ShardingContext) (msgs map[int]string, failed, skipped int) {
	b.mu.Lock()
	limit := b.limit
	b.mu.Unlock()

	var mu sync.Mutex
	msgs = make(map[int]string, len(sc.Items))

	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for _, item := range sc.Items {
		shard := &ShardContext{
			ShardingContext: sc,
			Item:            item,
			Param:           sc.ItemParameters[item],
			stopped:         b.isStopped,
		}
		g.Go(func() error {
			msg, err := b.runItem(ctx, shard)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, errNotRun):
				skipped++
				msg = err.Error()
			case err != nil:
				failed++
				msg = err.Error()
				b.log.Warn("item failed", logx.Int("item", shard.Item), logx.Err(err))
			}
			msgs[shard.Item] = msg
			return nil
		})
	}
	_ = g.Wait()
	return msgs, failed, skipped
}

func (b *Base) runItem(ctx context.Context, sc *ShardContext) (msg string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("panic: %v", r)
		}
	}()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if b.isStopped() {
		return "", errNotRun
	}
	return b.run(ctx, sc)
}

func union(a, b []int) []int {
	seen := make(map[int]struct{}, len(a)+len(b))
	out := make([]int, 0, len(a)+len(b))
	for _, s := range [][]int{a, b} {
		for _, v := range s {
			if _, ok := seen[v]; !ok {
				seen[v] = struct{}{}
				out = append(out, v)
			}
		}
	}
	sort.Ints(out)
	return out
}
