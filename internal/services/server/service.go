// Package server publishes an executor's membership in a job.
package server

import (
	"context"
	"net"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"

	"shardex/internal/jobnode"
	"shardex/pkg/logx"
)

const statusReady = "READY"

type Service struct {
	st  *jobnode.Storage
	log logx.Logger
	ip  string

	mu      sync.Mutex
	started bool
	online  bool
}

func New(st *jobnode.Storage, log logx.Logger) *Service {
	return &Service{st: st, ip: LocalIP(), log: log.With(logx.String("comp", "server"))}
}

func (s *Service) Start(context.Context) error {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	return nil
}

// Shutdown takes this executor offline for the job.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	online := s.online
	s.started, s.online = false, false
	s.mu.Unlock()
	if !online {
		return nil
	}
	return s.st.DeleteServer(ctx, jobnode.ServerStatus)
}

// PersistServerOnline writes the ip node and the ephemeral status node.
func (s *Service) PersistServerOnline(ctx context.Context) error {
	if err := s.st.PutServer(ctx, jobnode.ServerIP, s.ip); err != nil {
		return errors.Wrap(err, "persist server ip")
	}
	if err := s.st.ReplaceEphemeral(ctx, statusReady, jobnode.ServersDir, s.st.ExecutorName(), jobnode.ServerStatus); err != nil {
		return errors.Wrap(err, "persist server status")
	}
	s.mu.Lock()
	s.online = true
	s.mu.Unlock()
	s.log.Info("server online", logx.String("ip", s.ip))
	return nil
}

func (s *Service) ClearRunOneTimePath(ctx context.Context) error {
	return s.st.DeleteServer(ctx, jobnode.ServerRunOneTime)
}

func (s *Service) ClearStopOneTimePath(ctx context.Context) error {
	return s.st.DeleteServer(ctx, jobnode.ServerStopOneTime)
}

// ResetCount zeroes the persisted process counters of this executor.
func (s *Service) ResetCount(ctx context.Context) error {
	if err := s.st.PutServer(ctx, jobnode.ServerProcessSuccess, "0"); err != nil {
		return err
	}
	return s.st.PutServer(ctx, jobnode.ServerProcessFailure, "0")
}

func (s *Service) IsServerEnabled(ctx context.Context) (bool, error) {
	return s.st.Exists(ctx, jobnode.ServersDir, s.st.ExecutorName(), jobnode.ServerStatus)
}

// AvailableServers lists executors with a live status node, sorted by name.
func (s *Service) AvailableServers(ctx context.Context) ([]string, error) {
	names, err := s.st.Children(ctx, jobnode.ServersDir)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(names))
	for _, name := range names {
		ok, err := s.st.Exists(ctx, jobnode.ServersDir, name, jobnode.ServerStatus)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

// LocalIP returns the first non-loopback IPv4 address, or "127.0.0.1".
func LocalIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok && !ipn.IP.IsLoopback() {
			if v4 := ipn.IP.To4(); v4 != nil {
				return v4.String()
			}
		}
	}
	return "127.0.0.1"
}
