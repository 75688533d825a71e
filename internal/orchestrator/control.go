package orchestrator

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"shardex/internal/eventbus"
	"shardex/internal/services/listener"
	"shardex/internal/task/scheduler"
	"shardex/pkg/logx"
)

var _ listener.Target = (*Orchestrator)(nil)

func (o *Orchestrator) sched() *scheduler.Scheduler {
	j := o.Job()
	if j == nil {
		return nil
	}
	return j.Scheduler()
}

// StopJob stops the job. forceAbort also cancels the shards in flight;
// otherwise the current fire finishes. No-op before the job exists.
func (o *Orchestrator) StopJob(forceAbort bool) {
	j := o.Job()
	if j == nil {
		return
	}
	if forceAbort {
		j.Abort()
		o.publish(eventbus.TypeJobStopped, "abort")
		return
	}
	j.Stop()
	o.publish(eventbus.TypeJobStopped, "stop")
}

// ResumeJob lets a stopped job fire again.
func (o *Orchestrator) ResumeJob() {
	if o.IsShutdown() {
		return
	}
	if j := o.Job(); j != nil {
		j.Start()
	}
}

// TriggerJob fires once now, outside the cron plan.
func (o *Orchestrator) TriggerJob() {
	s := o.sched()
	if s == nil || s.IsShutdown() {
		return
	}
	if s.TriggerNow() {
		o.publish(eventbus.TypeJobTriggered, "")
	}
}

// RescheduleJob replaces the cron expression of the live trigger. Rejected
// expressions are marked ErrInvalidSchedule and leave the schedule as it was.
func (o *Orchestrator) RescheduleJob(cron string) error {
	s := o.sched()
	if s == nil || s.IsShutdown() {
		return nil
	}
	if err := s.Reschedule(cron); err != nil {
		return errors.Wrapf(err, "reschedule %s", o.id)
	}
	o.publish(eventbus.TypeJobRescheduled, cron)
	return nil
}

// RescheduleProcessCountJob restarts the statistics timer with the current
// interval.
func (o *Orchestrator) RescheduleProcessCountJob() {
	if o.IsShutdown() {
		return
	}
	o.statistics.StartProcessCountJob()
}

// ShutdownCountThread stops only the statistics timer.
func (o *Orchestrator) ShutdownCountThread() {
	o.statistics.StopProcessCountJob()
}

// JobDeleted runs the deletion hook on its own goroutine: it is called from
// a watch callback, and Shutdown waits for those.
func (o *Orchestrator) JobDeleted() {
	if o.IsShutdown() {
		return
	}
	if fn := o.deps.OnJobDeleted; fn != nil {
		go fn(o.id.Job)
		return
	}
	go o.Shutdown(context.Background(), true)
}

// NextFireTime returns the next fire time outside the pause windows. It
// reports false when no trigger is attached or none is left.
func (o *Orchestrator) NextFireTime() (time.Time, bool) {
	s := o.sched()
	if s == nil || s.Trigger() == nil {
		return time.Time{}, false
	}
	next, ok := ResolveNextFireTime(s.Trigger(), o.config.IsInPausePeriod)
	if !ok {
		o.log.Debug("no fire time outside pause windows", logx.String("cron", s.Trigger().Expr()))
	}
	return next, ok
}
