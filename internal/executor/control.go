package executor

import (
	"context"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"

	"shardex/internal/orchestrator"
)

// JobStatus is a point-in-time view of one job on this executor.
type JobStatus struct {
	Job         string
	Cron        string
	Initialized bool
	NextFire    time.Time // zero when none
	Leader      bool
	Success     int64
	Failure     int64
}

func (s *Service) lookup(name string) (*orchestrator.Orchestrator, error) {
	o, ok := s.reg.Get(s.identity(name))
	if !ok {
		return nil, errors.Wrap(ErrNotRunning, name)
	}
	return o, nil
}

// Jobs lists the jobs running on this executor, sorted.
func (s *Service) Jobs() []string { return s.reg.JobsOf(s.Name()) }

// TriggerJob fires the job once on this executor, outside its schedule.
func (s *Service) TriggerJob(ctx context.Context, name string) (err error) {
	start := time.Now()
	defer func() { s.audit(ctx, name, "trigger", "", start, err) }()
	o, err := s.lookup(name)
	if err != nil {
		return err
	}
	o.TriggerJob()
	return nil
}

// StopJob stops the job on this executor; force also aborts running shards.
func (s *Service) StopJob(ctx context.Context, name string, force bool) (err error) {
	start := time.Now()
	defer func() { s.audit(ctx, name, "stop", strconv.FormatBool(force), start, err) }()
	o, err := s.lookup(name)
	if err != nil {
		return err
	}
	o.StopJob(force)
	return nil
}

// ResumeJob lets a stopped job fire again.
func (s *Service) ResumeJob(ctx context.Context, name string) (err error) {
	start := time.Now()
	defer func() { s.audit(ctx, name, "resume", "", start, err) }()
	o, err := s.lookup(name)
	if err != nil {
		return err
	}
	o.ResumeJob()
	return nil
}

// RescheduleJob replaces the job's cron expression on this executor only.
// Use the job's config node to reschedule it everywhere.
func (s *Service) RescheduleJob(ctx context.Context, name, cron string) (err error) {
	start := time.Now()
	defer func() { s.audit(ctx, name, "reschedule", cron, start, err) }()
	o, err := s.lookup(name)
	if err != nil {
		return err
	}
	return o.RescheduleJob(cron)
}

// NextFireTime returns the job's next fire time outside its pause windows.
func (s *Service) NextFireTime(name string) (time.Time, bool, error) {
	o, err := s.lookup(name)
	if err != nil {
		return time.Time{}, false, err
	}
	t, ok := o.NextFireTime()
	return t, ok, nil
}

// Status reports the state of the job on this executor.
func (s *Service) Status(ctx context.Context, name string) (JobStatus, error) {
	o, err := s.lookup(name)
	if err != nil {
		return JobStatus{}, err
	}
	st := JobStatus{
		Job:         name,
		Cron:        o.Config().Current().Cron,
		Initialized: o.IsInitialized(),
	}
	if next, ok := o.NextFireTime(); ok {
		st.NextFire = next
	}
	if st.Leader, err = o.Election().IsLeader(ctx); err != nil {
		return st, err
	}
	st.Success, st.Failure = o.Statistics().Counts()
	return st, nil
}
