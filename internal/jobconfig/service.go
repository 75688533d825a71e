package jobconfig

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"shardex/internal/jobnode"
	"shardex/pkg/logx"
)

// Service is the configuration provider of one running job.
type Service struct {
	st  *jobnode.Storage
	log logx.Logger

	mu      sync.RWMutex
	conf    *JobConfiguration
	pause   PausePeriods
	loc     *time.Location
	started bool
}

// NewService seeds the provider with conf; Start refreshes it from the registry.
func NewService(st *jobnode.Storage, conf *JobConfiguration, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{st: st, log: log.With(logx.String("comp", "config"))}
	if conf == nil {
		conf = &JobConfiguration{JobName: st.JobName(), Enabled: true}
	}
	s.apply(conf.Clone())
	return s
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()
	return s.Reload(ctx)
}

func (s *Service) Shutdown(context.Context) error {
	s.mu.Lock()
	s.started = false
	s.mu.Unlock()
	return nil
}

// Reload re-reads the configuration. A job without a config subtree keeps
// the current values.
func (s *Service) Reload(ctx context.Context) error {
	conf, err := Load(ctx, s.st)
	if err != nil {
		return errors.Wrap(err, "reload job config")
	}
	if conf == nil {
		return nil
	}
	s.apply(conf)
	return nil
}

func (s *Service) apply(conf *JobConfiguration) {
	pause, err := ParsePausePeriods(conf.PausePeriodDate, conf.PausePeriodTime)
	if err != nil {
		s.log.Warn("ignoring malformed pause period", logx.String("job", conf.JobName), logx.Err(err))
	}
	loc, err := conf.Location()
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("job", conf.JobName), logx.Err(err))
	}
	s.mu.Lock()
	s.conf = conf
	s.pause = pause
	s.loc = loc
	s.mu.Unlock()
}

// Current returns a copy of the configuration.
func (s *Service) Current() *JobConfiguration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conf.Clone()
}

// SetPausePeriods replaces the pause specs without a registry round trip.
func (s *Service) SetPausePeriods(dateSpec, timeSpec string) {
	conf := s.Current()
	conf.PausePeriodDate = dateSpec
	conf.PausePeriodTime = timeSpec
	s.apply(conf)
}

// IsInPausePeriod evaluates t in the job timezone.
func (s *Service) IsInPausePeriod(t time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pause.Contains(t.In(s.loc))
}

func (s *Service) Location() *time.Location {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loc
}

func (s *Service) JobName() string { return s.st.JobName() }

func (s *Service) IsEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conf.Enabled
}

func (s *Service) IsFailover() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conf.Failover && !s.conf.LocalMode
}

func (s *Service) GetShardingTotalCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.conf.ShardingTotalCount <= 0 {
		return DefaultShardingTotalCount
	}
	return s.conf.ShardingTotalCount
}

func (s *Service) GetShardingItemParameters() map[int]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conf.ItemParameters()
}

func (s *Service) ProcessCountInterval() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conf.ProcessCountInterval()
}

func (s *Service) Timeout() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Duration(s.conf.TimeoutSeconds) * time.Second
}
