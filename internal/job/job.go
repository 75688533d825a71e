// Package job defines the job contract, the context a job is built with, and
// the factory that maps job types to constructors.
package job

import (
	"context"

	"github.com/cockroachdb/errors"

	"shardex/internal/eventbus"
	"shardex/internal/jobconfig"
	"shardex/internal/registry"
	"shardex/internal/runtime/supervisor"
	"shardex/internal/services/analyse"
	"shardex/internal/services/election"
	"shardex/internal/services/execution"
	"shardex/internal/services/failover"
	"shardex/internal/services/offset"
	"shardex/internal/services/server"
	"shardex/internal/services/sharding"
	"shardex/internal/services/statistics"
	"shardex/internal/task/scheduler"
	"shardex/pkg/logx"
)

var (
	ErrUnknownType   = errors.New("unknown job type")
	ErrDuplicateType = errors.New("job type already registered")
)

// Job is one running job instance on one executor.
type Job interface {
	// Init builds the trigger and scheduler; it does not start firing.
	Init(ctx context.Context) error
	// Start begins (or resumes) firing.
	Start()
	// Stop lets the current fire finish and admits no new one.
	Stop()
	// Abort is Stop plus cancellation of the shards in flight.
	Abort()
	// Shutdown stops firing for good and waits for in-flight shards until ctx ends.
	Shutdown(ctx context.Context) error
	// Scheduler returns nil before Init.
	Scheduler() *scheduler.Scheduler
}

// Context is everything a job needs, handed over once at construction.
type Context struct {
	JobName      string
	ExecutorName string
	Namespace    string

	Center     registry.Center
	Bus        eventbus.Bus
	Log        logx.Logger
	Supervisor *supervisor.Supervisor

	Config           *jobconfig.Service
	Election         *election.Service
	Server           *server.Service
	Sharding         *sharding.Service
	ExecutionContext *execution.ContextService
	Execution        *execution.Service
	Failover         *failover.Service
	Statistics       *statistics.Service
	Offset           *offset.Service
	Analyse          *analyse.Service
}
