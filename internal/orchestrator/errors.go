package orchestrator

import (
	"github.com/cockroachdb/errors"

	"shardex/internal/task/scheduler"
)

var (
	ErrAlreadyRegistered  = errors.New("orchestrator already registered for this executor and job")
	ErrAlreadyInitialized = errors.New("orchestrator already initialized")
	ErrJobCreation        = errors.New("job creation failed")
	// ErrShutdown is returned by an Init that lost the race against Shutdown.
	ErrShutdown = errors.New("orchestrator shut down")
	// ErrInvalidSchedule marks cron expressions rejected by RescheduleJob.
	ErrInvalidSchedule = scheduler.ErrInvalidSchedule
)
