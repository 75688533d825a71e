package jobconfig

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shardex/internal/jobnode"
	"shardex/internal/registry/memory"
	"shardex/pkg/logx"
)

func at(month time.Month, day, hour, minute int) time.Time {
	return time.Date(2024, month, day, hour, minute, 30, 0, time.UTC)
}

func TestPausePeriodsContains(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		date, clk string
		t         time.Time
		want      bool
	}{
		{name: "no specs", t: at(1, 1, 0, 0), want: false},
		{name: "time only inside", clk: "10:00-11:00", t: at(5, 5, 10, 30), want: true},
		{name: "time end inclusive", clk: "10:00-11:00", t: at(5, 5, 11, 0), want: true},
		{name: "time outside", clk: "10:00-11:00", t: at(5, 5, 11, 1), want: false},
		{name: "time wraps midnight", clk: "23:00-01:00", t: at(5, 5, 0, 30), want: true},
		{name: "date only inside", date: "12/24-12/26", t: at(12, 25, 8, 0), want: true},
		{name: "date outside", date: "12/24-12/26", t: at(12, 27, 8, 0), want: false},
		{name: "date wraps year", date: "12/30-1/2", t: at(1, 1, 8, 0), want: true},
		{name: "both must match", date: "3/1-3/31", clk: "00:00-06:00", t: at(3, 15, 7, 0), want: false},
		{name: "both match", date: "3/1-3/31", clk: "00:00-06:00", t: at(3, 15, 5, 59), want: true},
		{name: "second list entry", clk: "01:00-02:00,10:00-10:05", t: at(7, 7, 10, 5), want: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p, err := ParsePausePeriods(tc.date, tc.clk)
			require.NoError(t, err)
			assert.Equal(t, tc.want, p.Contains(tc.t))
		})
	}
}

func TestParsePausePeriodsSkipsMalformed(t *testing.T) {
	t.Parallel()

	p, err := ParsePausePeriods("13/1-13/2", "25:00-26:00,10:00-11:00")
	require.Error(t, err)
	assert.True(t, p.Contains(at(1, 1, 10, 15)))
}

func TestItemParameters(t *testing.T) {
	t.Parallel()

	c := &JobConfiguration{ShardingItemParameters: `0=a, 1="echo hi", x=bad, 2=k=v`}
	assert.Equal(t, map[int]string{0: "a", 1: "echo hi", 2: "k=v"}, c.ItemParameters())
}

func TestServiceLoadsFromRegistry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	center := memory.New("ns", "exec-1")
	defer center.Close()
	st := jobnode.NewStorage(center, "sample")

	seed := &JobConfiguration{JobName: "sample", Cron: "0/5 * * * * ?", Enabled: true}
	svc := NewService(st, seed, logx.Nop())
	require.NoError(t, svc.Start(ctx))
	assert.Equal(t, "0/5 * * * * ?", svc.Current().Cron, "seed kept without registry config")

	require.NoError(t, Save(ctx, st, &JobConfiguration{
		JobName:                     "sample",
		JobType:                     "GO_JOB",
		Cron:                        "0 * * * * ?",
		PausePeriodTime:             "00:00-23:59",
		ProcessCountIntervalSeconds: 10,
		ShardingTotalCount:          3,
		ShardingItemParameters:      "0=a,1=b,2=c",
		TimeZone:                    "UTC",
		Enabled:                     true,
	}))
	require.NoError(t, svc.Reload(ctx))

	cur := svc.Current()
	assert.Equal(t, "GO_JOB", cur.JobType)
	assert.Equal(t, 3, svc.GetShardingTotalCount())
	assert.Equal(t, 10*time.Second, svc.ProcessCountInterval())
	assert.Equal(t, "UTC", svc.Location().String())
	assert.True(t, svc.IsInPausePeriod(time.Now()))

	svc.SetPausePeriods("", "")
	assert.False(t, svc.IsInPausePeriod(time.Now()))

	cur.Cron = "mutated"
	assert.Equal(t, "0 * * * * ?", svc.Current().Cron)
	assert.Equal(t, WatchedSnapshot{Cron: "0 * * * * ?", ProcessCountIntervalSeconds: 10}, Watched(svc.Current()))
}
