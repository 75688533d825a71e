package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shardex/internal/jobconfig"
	"shardex/internal/task/scheduler"
)

// fixedSource replays a fixed list of fire times.
type fixedSource struct {
	times     []time.Time
	recovered int
}

func (s *fixedSource) RecoverFromMisfire() { s.recovered++ }

func (s *fixedSource) NextFireTime() (time.Time, bool) {
	if len(s.times) == 0 {
		return time.Time{}, false
	}
	return s.times[0], true
}

func (s *fixedSource) FireTimeAfter(t time.Time) (time.Time, bool) {
	for _, c := range s.times {
		if c.After(t) {
			return c, true
		}
	}
	return time.Time{}, false
}

// everyMinute is an unbounded source.
type everyMinute struct{ start time.Time }

func (everyMinute) RecoverFromMisfire()               {}
func (s everyMinute) NextFireTime() (time.Time, bool) { return s.start, true }
func (everyMinute) FireTimeAfter(t time.Time) (time.Time, bool) {
	return t.Truncate(time.Minute).Add(time.Minute), true
}

func TestResolveNextFireTime(t *testing.T) {
	t.Parallel()

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	t1, t2, t3 := base, base.Add(time.Minute), base.Add(2*time.Minute)
	pausedAt := func(ts ...time.Time) func(time.Time) bool {
		return func(c time.Time) bool {
			for _, p := range ts {
				if c.Equal(p) {
					return true
				}
			}
			return false
		}
	}

	cases := []struct {
		name   string
		times  []time.Time
		paused func(time.Time) bool
		want   time.Time
		ok     bool
	}{
		{name: "first not paused", times: []time.Time{t1, t2, t3}, paused: pausedAt(), want: t1, ok: true},
		{name: "first paused", times: []time.Time{t1, t2, t3}, paused: pausedAt(t1), want: t2, ok: true},
		{name: "two paused", times: []time.Time{t1, t2, t3}, paused: pausedAt(t1, t2), want: t3, ok: true},
		{name: "all paused", times: []time.Time{t1, t2, t3}, paused: pausedAt(t1, t2, t3)},
		{name: "no fire time", times: nil, paused: pausedAt()},
		{name: "nil predicate", times: []time.Time{t1}, want: t1, ok: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			src := &fixedSource{times: tc.times}
			got, ok := ResolveNextFireTime(src, tc.paused)
			require.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, 1, src.recovered)
		})
	}
}

func TestResolveNextFireTimeNilSource(t *testing.T) {
	t.Parallel()

	got, ok := ResolveNextFireTime(nil, nil)
	assert.False(t, ok)
	assert.True(t, got.IsZero())
}

func TestResolveNextFireTimeGivesUp(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	src := everyMinute{start: start}

	// Paused forever: the walk must end.
	_, ok := ResolveNextFireTime(src, func(time.Time) bool { return true })
	assert.False(t, ok)

	// Paused for one day only.
	resume := start.Add(24 * time.Hour)
	got, ok := ResolveNextFireTime(src, func(c time.Time) bool { return c.Before(resume) })
	require.True(t, ok)
	assert.Equal(t, resume, got)
}

// pinnedTrigger is a real cron trigger evaluated from a fixed instant.
type pinnedTrigger struct {
	*scheduler.Trigger
	now time.Time
}

func (pinnedTrigger) RecoverFromMisfire() {}

func (p pinnedTrigger) NextFireTime() (time.Time, bool) { return p.FireTimeAfter(p.now) }

func TestResolveNextFireTimeBeyondAYear(t *testing.T) {
	t.Parallel()

	trigger, err := scheduler.NewTrigger("0 0 0 29 2 ?", time.UTC)
	require.NoError(t, err)
	src := pinnedTrigger{Trigger: trigger, now: time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)}

	first, ok := src.NextFireTime()
	require.True(t, ok)
	require.Equal(t, time.Date(2028, 2, 29, 0, 0, 0, 0, time.UTC), first)

	got, ok := ResolveNextFireTime(src, func(c time.Time) bool { return c.Year() == 2028 })
	require.True(t, ok)
	assert.Equal(t, time.Date(2032, 2, 29, 0, 0, 0, 0, time.UTC), got)
}

func TestResolveNextFireTimeSkipsPausedMinutes(t *testing.T) {
	t.Parallel()

	trigger, err := scheduler.NewTrigger("* * * * * ?", time.UTC)
	require.NoError(t, err)
	start := time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)
	src := pinnedTrigger{Trigger: trigger, now: start.Add(-time.Second)}

	pause, err := jobconfig.ParsePausePeriods("", "00:00-05:59")
	require.NoError(t, err)

	got, ok := ResolveNextFireTime(src, pause.Contains)
	require.True(t, ok)
	assert.Equal(t, start.Add(6*time.Hour), got)
}
