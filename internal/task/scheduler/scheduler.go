package scheduler

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"

	"shardex/pkg/logx"
)

// Scheduler fires one job according to its Trigger.
//
// Scheduled fires never overlap: a fire that comes due while the previous one
// is still running is skipped. TriggerNow runs out of band.
type Scheduler struct {
	mu sync.Mutex

	log     logx.Logger
	trigger *Trigger
	fire    func()

	c        *cron.Cron
	entry    cron.EntryID
	started  bool
	shutdown bool

	// out-of-band fires started by TriggerNow
	manual sync.WaitGroup
}

// New builds a scheduler for trigger; fire is called on every fire.
func New(trigger *Trigger, fire func(), log logx.Logger) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Scheduler{log: log, trigger: trigger, fire: fire}
	cl := cronLogger{log: log}
	s.c = cron.New(
		cron.WithParser(parser),
		cron.WithLocation(trigger.Location()),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	s.entry = s.c.Schedule(trigger, cron.FuncJob(s.run))
	return s
}

func (s *Scheduler) Trigger() *Trigger { return s.trigger }

func (s *Scheduler) run() {
	s.trigger.fired(time.Now())
	s.fire()
}

// Start begins firing. Starting twice or after Shutdown is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.shutdown {
		return
	}
	s.started = true
	s.c.Start()
	next, _ := s.trigger.NextFireTime()
	s.log.Debug("scheduler started", logx.String("cron", s.trigger.Expr()), logx.Time("next", next))
}

func (s *Scheduler) IsShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

// TriggerNow fires immediately, outside the cron plan. It reports false if
// the scheduler is shut down.
func (s *Scheduler) TriggerNow() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return false
	}
	s.manual.Add(1)
	go func() {
		defer s.manual.Done()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("manual fire panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		s.fire()
	}()
	return true
}

// Reschedule swaps the cron expression and re-registers the trigger.
// It is a no-op once the scheduler is shut down. An invalid expression leaves
// the schedule unchanged and returns an error marked ErrInvalidSchedule.
func (s *Scheduler) Reschedule(expr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return nil
	}
	if err := s.trigger.Retrigger(expr); err != nil {
		return err
	}
	s.c.Remove(s.entry)
	s.entry = s.c.Schedule(s.trigger, cron.FuncJob(s.run))
	s.log.Info("rescheduled", logx.String("cron", s.trigger.Expr()))
	return nil
}

// Shutdown stops firing and waits for running fires until ctx ends.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	stopped := s.c.Stop()
	manual := make(chan struct{})
	go func() {
		s.manual.Wait()
		close(manual)
	}()
	for _, done := range []<-chan struct{}{stopped.Done(), manual} {
		select {
		case <-done:
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "scheduler shutdown")
		}
	}
	return nil
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
