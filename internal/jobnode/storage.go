package jobnode

import (
	"context"

	"github.com/cockroachdb/errors"

	"shardex/internal/registry"
)

// Storage is registry access scoped to one job on one executor.
type Storage struct {
	center   registry.Center
	job      string
	executor string
}

func NewStorage(center registry.Center, job string) *Storage {
	return &Storage{center: center, job: job, executor: center.ExecutorName()}
}

func (s *Storage) Center() registry.Center { return s.center }
func (s *Storage) JobName() string         { return s.job }
func (s *Storage) ExecutorName() string    { return s.executor }

// Root is the job's registry root.
func (s *Storage) Root() string { return JobRoot(s.job) }

// Get returns the value under the job root; missing keys read as "".
func (s *Storage) Get(ctx context.Context, parts ...string) (string, error) {
	v, err := s.center.Get(ctx, Path(s.job, parts...))
	if errors.Is(err, registry.ErrNotFound) {
		return "", nil
	}
	return v, err
}

func (s *Storage) Put(ctx context.Context, value string, parts ...string) error {
	return s.center.Put(ctx, Path(s.job, parts...), value)
}

// Create writes a persistent node unless one already exists.
func (s *Storage) Create(ctx context.Context, value string, parts ...string) (bool, error) {
	return s.center.Create(ctx, Path(s.job, parts...), value, registry.Persistent)
}

// CreateEphemeral writes an ephemeral node unless one already exists.
func (s *Storage) CreateEphemeral(ctx context.Context, value string, parts ...string) (bool, error) {
	return s.center.Create(ctx, Path(s.job, parts...), value, registry.Ephemeral)
}

// ReplaceEphemeral drops any existing node and writes a fresh ephemeral one
// owned by this executor's session.
func (s *Storage) ReplaceEphemeral(ctx context.Context, value string, parts ...string) error {
	key := Path(s.job, parts...)
	if err := s.center.Delete(ctx, key); err != nil {
		return err
	}
	_, err := s.center.Create(ctx, key, value, registry.Ephemeral)
	return err
}

func (s *Storage) Exists(ctx context.Context, parts ...string) (bool, error) {
	return s.center.Exists(ctx, Path(s.job, parts...))
}

func (s *Storage) Children(ctx context.Context, parts ...string) ([]string, error) {
	return s.center.Children(ctx, Path(s.job, parts...))
}

func (s *Storage) Delete(ctx context.Context, parts ...string) error {
	return s.center.Delete(ctx, Path(s.job, parts...))
}

// Config reads one config field of the job.
func (s *Storage) Config(ctx context.Context, field string) (string, error) {
	return s.Get(ctx, ConfigDir, field)
}

// Server reads a leaf of this executor's server node.
func (s *Storage) Server(ctx context.Context, leaf string) (string, error) {
	return s.Get(ctx, ServersDir, s.executor, leaf)
}

func (s *Storage) PutServer(ctx context.Context, leaf, value string) error {
	return s.Put(ctx, value, ServersDir, s.executor, leaf)
}

func (s *Storage) DeleteServer(ctx context.Context, leaf string) error {
	return s.Delete(ctx, ServersDir, s.executor, leaf)
}

// JobExists reports whether the job still has a config subtree.
func (s *Storage) JobExists(ctx context.Context) (bool, error) {
	return s.Exists(ctx, ConfigDir)
}

// RemoveJob deletes everything the job owns in the registry.
func (s *Storage) RemoveJob(ctx context.Context) error {
	return s.center.Delete(ctx, s.Root())
}
