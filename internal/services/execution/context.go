// Package execution builds the per-fire sharding context and tracks item
// execution state in the registry.
package execution

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"shardex/internal/jobconfig"
)

// ShardingContext describes one fire of a job on one executor.
type ShardingContext struct {
	ExecutionID        string
	JobName            string
	ShardingTotalCount int
	JobParameter       string
	// Items are the sharding items this executor runs, sorted.
	Items          []int
	ItemParameters map[int]string
	Timeout        int // seconds, 0 means none
}

// ContextService derives sharding contexts from the job configuration.
type ContextService struct {
	conf *jobconfig.Service
}

func NewContextService(conf *jobconfig.Service) *ContextService {
	return &ContextService{conf: conf}
}

func (s *ContextService) Start(context.Context) error    { return nil }
func (s *ContextService) Shutdown(context.Context) error { return nil }

// JobExecutionContext builds the context for items, carrying only their parameters.
func (s *ContextService) JobExecutionContext(items []int) *ShardingContext {
	conf := s.conf.Current()
	all := conf.ItemParameters()
	params := make(map[int]string, len(items))
	sorted := append([]int(nil), items...)
	sort.Ints(sorted)
	for _, item := range sorted {
		if v, ok := all[item]; ok {
			params[item] = v
		}
	}
	return &ShardingContext{
		ExecutionID:        uuid.NewString(),
		JobName:            conf.JobName,
		ShardingTotalCount: s.conf.GetShardingTotalCount(),
		JobParameter:       conf.JobParameter,
		Items:              sorted,
		ItemParameters:     params,
		Timeout:            conf.TimeoutSeconds,
	}
}
