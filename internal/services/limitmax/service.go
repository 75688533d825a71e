// Package limitmax caps how many jobs one executor runs.
package limitmax

import (
	"context"

	"github.com/cockroachdb/errors"
)

var ErrMaxJobsExceeded = errors.New("executor already runs its maximum number of jobs")

type Service struct {
	max     int
	running func() []string
}

// New limits the executor to max jobs; running lists the jobs it currently
// holds. max <= 0 disables the limit.
func New(max int, running func() []string) *Service {
	return &Service{max: max, running: running}
}

func (s *Service) Start(context.Context) error    { return nil }
func (s *Service) Shutdown(context.Context) error { return nil }

// Check reports ErrMaxJobsExceeded when job would push the executor over its limit.
func (s *Service) Check(job string) error {
	if s.max <= 0 || s.running == nil {
		return nil
	}
	others := 0
	for _, name := range s.running() {
		if name != job {
			others++
		}
	}
	if others >= s.max {
		return errors.Wrapf(ErrMaxJobsExceeded, "job %s (max %d)", job, s.max)
	}
	return nil
}
