// Package jobconfig reads a job's configuration from the registry and answers
// questions about it (pause windows, sharding, enablement).
package jobconfig

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"shardex/internal/jobnode"
)

const (
	DefaultProcessCountIntervalSeconds = 300
	DefaultShardingTotalCount          = 1
)

// JobConfiguration is the registry-backed configuration of one job.
type JobConfiguration struct {
	JobName                     string
	JobType                     string
	Cron                        string
	PausePeriodDate             string
	PausePeriodTime             string
	ProcessCountIntervalSeconds int

	ShardingTotalCount     int
	ShardingItemParameters string // "0=a,1=b"
	JobParameter           string
	TimeZone               string // IANA name; empty means local
	Enabled                bool
	Failover               bool
	TimeoutSeconds         int
	Description            string
	LocalMode              bool
}

// Clone returns an independent copy.
func (c *JobConfiguration) Clone() *JobConfiguration {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

// WatchedSnapshot holds the fields whose external changes must be pushed
// into a running job.
type WatchedSnapshot struct {
	Cron                        string
	PausePeriodDate             string
	PausePeriodTime             string
	ProcessCountIntervalSeconds int
}

func Watched(c *JobConfiguration) WatchedSnapshot {
	if c == nil {
		return WatchedSnapshot{}
	}
	return WatchedSnapshot{
		Cron:                        c.Cron,
		PausePeriodDate:             c.PausePeriodDate,
		PausePeriodTime:             c.PausePeriodTime,
		ProcessCountIntervalSeconds: c.ProcessCountIntervalSeconds,
	}
}

// ProcessCountInterval returns the statistics flush interval.
func (c *JobConfiguration) ProcessCountInterval() time.Duration {
	if c.ProcessCountIntervalSeconds <= 0 {
		return DefaultProcessCountIntervalSeconds * time.Second
	}
	return time.Duration(c.ProcessCountIntervalSeconds) * time.Second
}

// Location loads the job timezone, falling back to time.Local.
func (c *JobConfiguration) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.TimeZone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Local, errors.Wrapf(err, "load timezone %q", tz)
	}
	return loc, nil
}

// ItemParameters parses ShardingItemParameters ("0=a,1=b") into a map.
// Malformed pairs are skipped.
func (c *JobConfiguration) ItemParameters() map[int]string {
	out := map[int]string{}
	for _, pair := range strings.Split(c.ShardingItemParameters, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			continue
		}
		item, err := strconv.Atoi(strings.TrimSpace(k))
		if err != nil || item < 0 {
			continue
		}
		out[item] = strings.Trim(strings.TrimSpace(v), `"`)
	}
	return out
}

// Load reads the job configuration from the registry. It returns
// (nil, nil) when the job has no config subtree.
func Load(ctx context.Context, st *jobnode.Storage) (*JobConfiguration, error) {
	ok, err := st.JobExists(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "check job config")
	}
	if !ok {
		return nil, nil
	}

	vals := map[string]string{}
	for _, f := range fields {
		v, err := st.Config(ctx, f)
		if err != nil {
			return nil, errors.Wrapf(err, "read config %s", f)
		}
		vals[f] = strings.TrimSpace(v)
	}

	c := &JobConfiguration{
		JobName:                     st.JobName(),
		JobType:                     vals[jobnode.FieldJobType],
		Cron:                        vals[jobnode.FieldCron],
		PausePeriodDate:             vals[jobnode.FieldPausePeriodDate],
		PausePeriodTime:             vals[jobnode.FieldPausePeriodTime],
		ProcessCountIntervalSeconds: atoiDefault(vals[jobnode.FieldProcessCountInterval], DefaultProcessCountIntervalSeconds),
		ShardingTotalCount:          atoiDefault(vals[jobnode.FieldShardingTotalCount], DefaultShardingTotalCount),
		ShardingItemParameters:      vals[jobnode.FieldShardingItemParameters],
		JobParameter:                vals[jobnode.FieldJobParameter],
		TimeZone:                    vals[jobnode.FieldTimeZone],
		Enabled:                     boolDefault(vals[jobnode.FieldEnabled], true),
		Failover:                    boolDefault(vals[jobnode.FieldFailover], true),
		TimeoutSeconds:              atoiDefault(vals[jobnode.FieldTimeoutSeconds], 0),
		Description:                 vals[jobnode.FieldDescription],
		LocalMode:                   boolDefault(vals[jobnode.FieldLocalMode], false),
	}
	return c, nil
}

// Save writes every field of c under the job's config subtree.
func Save(ctx context.Context, st *jobnode.Storage, c *JobConfiguration) error {
	vals := map[string]string{
		jobnode.FieldJobType:                c.JobType,
		jobnode.FieldCron:                   c.Cron,
		jobnode.FieldPausePeriodDate:        c.PausePeriodDate,
		jobnode.FieldPausePeriodTime:        c.PausePeriodTime,
		jobnode.FieldProcessCountInterval:   strconv.Itoa(c.ProcessCountIntervalSeconds),
		jobnode.FieldShardingTotalCount:     strconv.Itoa(c.ShardingTotalCount),
		jobnode.FieldShardingItemParameters: c.ShardingItemParameters,
		jobnode.FieldJobParameter:           c.JobParameter,
		jobnode.FieldTimeZone:               c.TimeZone,
		jobnode.FieldEnabled:                strconv.FormatBool(c.Enabled),
		jobnode.FieldFailover:               strconv.FormatBool(c.Failover),
		jobnode.FieldTimeoutSeconds:         strconv.Itoa(c.TimeoutSeconds),
		jobnode.FieldDescription:            c.Description,
		jobnode.FieldLocalMode:              strconv.FormatBool(c.LocalMode),
	}
	keys := make([]string, 0, len(vals))
	for k := range vals {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := st.Put(ctx, vals[k], jobnode.ConfigDir, k); err != nil {
			return errors.Wrapf(err, "write config %s", k)
		}
	}
	return nil
}

var fields = []string{
	jobnode.FieldJobType,
	jobnode.FieldCron,
	jobnode.FieldPausePeriodDate,
	jobnode.FieldPausePeriodTime,
	jobnode.FieldProcessCountInterval,
	jobnode.FieldShardingTotalCount,
	jobnode.FieldShardingItemParameters,
	jobnode.FieldJobParameter,
	jobnode.FieldTimeZone,
	jobnode.FieldEnabled,
	jobnode.FieldFailover,
	jobnode.FieldTimeoutSeconds,
	jobnode.FieldDescription,
	jobnode.FieldLocalMode,
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func boolDefault(s string, def bool) bool {
	if s == "" {
		return def
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return def
	}
	return b
}
