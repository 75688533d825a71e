package scheduler

import (
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
)

// ErrInvalidSchedule marks cron expressions the parser rejects.
var ErrInvalidSchedule = errors.New("invalid schedule")

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron validates expr and returns its schedule.
func ParseCron(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.Mark(errors.New("cron expression required"), ErrInvalidSchedule)
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "parse cron %q", expr), ErrInvalidSchedule)
	}
	return sched, nil
}

// Trigger is a cron trigger with Quartz-like bookkeeping: it remembers the
// next pending fire time and can recover it after a misfire.
//
// Trigger implements cron.Schedule so it can be registered with a cron.Cron.
type Trigger struct {
	mu    sync.Mutex
	expr  string
	sched cron.Schedule
	loc   *time.Location
	end   time.Time // zero means unbounded
	next  time.Time
	now   func() time.Time
}

var _ cron.Schedule = (*Trigger)(nil)

// NewTrigger parses expr and evaluates it in loc (time.Local when nil).
func NewTrigger(expr string, loc *time.Location) (*Trigger, error) {
	sched, err := ParseCron(expr)
	if err != nil {
		return nil, err
	}
	if loc == nil {
		loc = time.Local
	}
	t := &Trigger{expr: strings.TrimSpace(expr), sched: sched, loc: loc, now: time.Now}
	t.next = t.afterLocked(t.now())
	return t, nil
}

func (t *Trigger) Expr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.expr
}

func (t *Trigger) Location() *time.Location { return t.loc }

// SetEndTime bounds the trigger; no fire time after end is produced.
func (t *Trigger) SetEndTime(end time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.end = end
	if !t.next.IsZero() && !end.IsZero() && t.next.After(end) {
		t.next = time.Time{}
	}
}

// Next implements cron.Schedule. A zero time tells cron not to run again.
func (t *Trigger) Next(after time.Time) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.afterLocked(after)
}

func (t *Trigger) afterLocked(after time.Time) time.Time {
	n := t.sched.Next(after.In(t.loc))
	if n.IsZero() || (!t.end.IsZero() && n.After(t.end)) {
		return time.Time{}
	}
	return n
}

// NextFireTime returns the pending fire time.
func (t *Trigger) NextFireTime() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.next, !t.next.IsZero()
}

// FireTimeAfter returns the first fire time strictly after after.
func (t *Trigger) FireTimeAfter(after time.Time) (time.Time, bool) {
	n := t.Next(after)
	return n, !n.IsZero()
}

// RecoverFromMisfire applies the do-nothing misfire policy: missed fire times
// are dropped and the pending fire time becomes the first one after now.
func (t *Trigger) RecoverFromMisfire() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next = t.afterLocked(t.now())
}

// fired advances the pending fire time past at.
func (t *Trigger) fired(at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next = t.afterLocked(at)
}

// Retrigger swaps the cron expression. The trigger is unchanged when expr is invalid.
func (t *Trigger) Retrigger(expr string) error {
	sched, err := ParseCron(expr)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.expr = strings.TrimSpace(expr)
	t.sched = sched
	t.next = t.afterLocked(t.now())
	return nil
}
