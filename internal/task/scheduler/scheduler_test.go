package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shardex/pkg/logx"
)

func TestParseCron(t *testing.T) {
	t.Parallel()

	cases := []struct {
		expr string
		ok   bool
	}{
		{"0/5 * * * * ?", true},
		{"0 0 12 ? * MON-FRI", true},
		{"*/5 * * * *", true},
		{"@hourly", true},
		{"", false},
		{"not a cron", false},
		{"61 * * * * ?", false},
	}
	for _, tc := range cases {
		t.Run(tc.expr, func(t *testing.T) {
			t.Parallel()
			_, err := ParseCron(tc.expr)
			if tc.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidSchedule))
		})
	}
}

func TestTriggerFireTimes(t *testing.T) {
	t.Parallel()

	tr, err := NewTrigger("0/5 * * * * ?", time.UTC)
	require.NoError(t, err)

	next, ok := tr.NextFireTime()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now(), next, 5*time.Second)
	assert.Zero(t, next.Second()%5)

	after, ok := tr.FireTimeAfter(next)
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, after.Sub(next))
}

func TestTriggerEndTime(t *testing.T) {
	t.Parallel()

	tr, err := NewTrigger("0 0 * * * ?", time.UTC)
	require.NoError(t, err)
	next, ok := tr.NextFireTime()
	require.True(t, ok)

	tr.SetEndTime(next)
	_, ok = tr.FireTimeAfter(next)
	assert.False(t, ok)
	got, ok := tr.NextFireTime()
	require.True(t, ok)
	assert.Equal(t, next, got)
}

func TestTriggerRecoverFromMisfire(t *testing.T) {
	t.Parallel()

	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	now := base
	tr, err := NewTrigger("0 * * * * ?", time.UTC)
	require.NoError(t, err)
	tr.now = func() time.Time { return now }
	tr.RecoverFromMisfire()

	next, _ := tr.NextFireTime()
	assert.Equal(t, base.Add(time.Minute), next)

	// Executor was stalled for ten minutes; missed fires are dropped.
	now = base.Add(10*time.Minute + 30*time.Second)
	tr.RecoverFromMisfire()
	next, _ = tr.NextFireTime()
	assert.Equal(t, base.Add(11*time.Minute), next)
}

func TestTriggerRetriggerRejectsInvalid(t *testing.T) {
	t.Parallel()

	tr, err := NewTrigger("0/5 * * * * ?", time.UTC)
	require.NoError(t, err)
	err = tr.Retrigger("bogus")
	require.ErrorIs(t, err, ErrInvalidSchedule)
	assert.Equal(t, "0/5 * * * * ?", tr.Expr())

	require.NoError(t, tr.Retrigger("0 0 1 * * ?"))
	assert.Equal(t, "0 0 1 * * ?", tr.Expr())
}

func TestSchedulerFiresOnSchedule(t *testing.T) {
	t.Parallel()

	tr, err := NewTrigger("* * * * * ?", time.UTC)
	require.NoError(t, err)
	var fires atomic.Int32
	s := New(tr, func() { fires.Add(1) }, logx.Nop())
	s.Start()
	s.Start()

	require.Eventually(t, func() bool { return fires.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	assert.True(t, s.IsShutdown())
}

func TestSchedulerTriggerNowAndShutdown(t *testing.T) {
	t.Parallel()

	tr, err := NewTrigger("0 0 0 1 1 ?", time.UTC)
	require.NoError(t, err)
	fired := make(chan struct{}, 4)
	s := New(tr, func() { fired <- struct{}{} }, logx.Nop())
	s.Start()

	require.True(t, s.TriggerNow())
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("TriggerNow did not fire")
	}

	require.ErrorIs(t, s.Reschedule("bad"), ErrInvalidSchedule)
	assert.Equal(t, "0 0 0 1 1 ?", tr.Expr())

	require.NoError(t, s.Shutdown(context.Background()))
	require.NoError(t, s.Shutdown(context.Background()))

	assert.False(t, s.TriggerNow())
	require.NoError(t, s.Reschedule("0/5 * * * * ?"))
	assert.Equal(t, "0 0 0 1 1 ?", tr.Expr())
}
