// Package offset keeps per-item progress markers for jobs that resume work
// across fires.
package offset

import (
	"context"
	"strconv"

	"shardex/internal/jobnode"
)

const leafOffset = "offset"

type Service struct {
	st *jobnode.Storage
}

func New(st *jobnode.Storage) *Service { return &Service{st: st} }

func (s *Service) Start(context.Context) error    { return nil }
func (s *Service) Shutdown(context.Context) error { return nil }

func (s *Service) UpdateOffset(ctx context.Context, item int, v string) error {
	return s.st.Put(ctx, v, jobnode.ExecutionDir, strconv.Itoa(item), leafOffset)
}

// Offsets returns the stored offsets of items; items without one are absent.
func (s *Service) Offsets(ctx context.Context, items []int) (map[int]string, error) {
	out := make(map[int]string, len(items))
	for _, item := range items {
		v, err := s.st.Get(ctx, jobnode.ExecutionDir, strconv.Itoa(item), leafOffset)
		if err != nil {
			return nil, err
		}
		if v != "" {
			out[item] = v
		}
	}
	return out, nil
}
