// Package sharding assigns a job's sharding items to its online executors.
package sharding

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"shardex/internal/jobconfig"
	"shardex/internal/jobnode"
	"shardex/internal/services/election"
	"shardex/internal/services/server"
	"shardex/pkg/logx"
)

var (
	necessaryPath  = []string{jobnode.LeaderDir, "sharding", "necessary"}
	processingPath = []string{jobnode.LeaderDir, "sharding", "processing"}
)

type Service struct {
	st       *jobnode.Storage
	conf     *jobconfig.Service
	election *election.Service
	server   *server.Service
	log      logx.Logger
}

func New(st *jobnode.Storage, conf *jobconfig.Service, el *election.Service, srv *server.Service, log logx.Logger) *Service {
	return &Service{st: st, conf: conf, election: el, server: srv, log: log.With(logx.String("comp", "sharding"))}
}

// Start flags the job for resharding since a new executor is joining.
func (s *Service) Start(ctx context.Context) error {
	return s.SetReshardingFlag(ctx)
}

func (s *Service) Shutdown(context.Context) error { return nil }

func (s *Service) SetReshardingFlag(ctx context.Context) error {
	return s.st.Put(ctx, "1", necessaryPath...)
}

// ShardingIfNecessary recomputes the assignment when flagged. Only the
// leader assigns; other executors keep reading the last assignment.
func (s *Service) ShardingIfNecessary(ctx context.Context) error {
	needed, err := s.st.Exists(ctx, necessaryPath...)
	if err != nil || !needed {
		return err
	}
	leader, err := s.election.IsLeader(ctx)
	if err != nil || !leader {
		return err
	}

	created, err := s.st.CreateEphemeral(ctx, s.st.ExecutorName(), processingPath...)
	if err != nil {
		return errors.Wrap(err, "mark sharding processing")
	}
	if !created {
		return nil
	}
	defer func() { _ = s.st.Delete(context.WithoutCancel(ctx), processingPath...) }()

	servers, err := s.server.AvailableServers(ctx)
	if err != nil {
		return errors.Wrap(err, "list servers")
	}
	all, err := s.st.Children(ctx, jobnode.ServersDir)
	if err != nil {
		return errors.Wrap(err, "list servers")
	}
	assignment := Average(servers, s.conf.GetShardingTotalCount())
	for _, name := range all {
		if err := s.st.Put(ctx, FormatItems(assignment[name]), jobnode.ServersDir, name, jobnode.ServerSharding); err != nil {
			return errors.Wrapf(err, "write sharding of %s", name)
		}
	}
	if err := s.st.Delete(ctx, necessaryPath...); err != nil {
		return err
	}
	s.log.Info("resharded", logx.Int("servers", len(servers)), logx.Int("items", s.conf.GetShardingTotalCount()))
	return nil
}

// LocalShardingItems returns the items assigned to this executor.
func (s *Service) LocalShardingItems(ctx context.Context) ([]int, error) {
	v, err := s.st.Server(ctx, jobnode.ServerSharding)
	if err != nil {
		return nil, err
	}
	return ParseItems(v), nil
}

// ShardingItemsOf returns the items assigned to executor.
func (s *Service) ShardingItemsOf(ctx context.Context, executor string) ([]int, error) {
	v, err := s.st.Get(ctx, jobnode.ServersDir, executor, jobnode.ServerSharding)
	if err != nil {
		return nil, err
	}
	return ParseItems(v), nil
}

// Average splits items 0..total-1 into contiguous blocks, one per server in
// the given order; the remainder goes one by one to the first servers.
func Average(servers []string, total int) map[string][]int {
	out := make(map[string][]int, len(servers))
	if len(servers) == 0 || total <= 0 {
		return out
	}
	per := total / len(servers)
	for i, name := range servers {
		items := make([]int, 0, per+1)
		for item := i * per; item < (i+1)*per; item++ {
			items = append(items, item)
		}
		out[name] = items
	}
	for i, item := 0, per*len(servers); item < total; i, item = i+1, item+1 {
		name := servers[i]
		out[name] = append(out[name], item)
	}
	return out
}

func FormatItems(items []int) string {
	parts := make([]string, len(items))
	for i, item := range items {
		parts[i] = strconv.Itoa(item)
	}
	return strings.Join(parts, ",")
}

func ParseItems(v string) []int {
	var out []int
	for _, p := range strings.Split(v, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err == nil && n >= 0 {
			out = append(out, n)
		}
	}
	sort.Ints(out)
	return out
}
