package orchestrator

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	a := &Orchestrator{id: Identity{Executor: "e1", Job: "b"}}
	b := &Orchestrator{id: Identity{Executor: "e1", Job: "a"}}
	c := &Orchestrator{id: Identity{Executor: "e2", Job: "a"}}
	for _, o := range []*Orchestrator{a, b, c} {
		require.NoError(t, r.Add(o.id, o))
	}

	err := r.Add(a.id, &Orchestrator{id: a.id})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAlreadyRegistered))

	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []string{"a", "b"}, r.JobsOf("e1"))
	assert.Equal(t, []*Orchestrator{b, a, c}, r.All())

	// Removal by a stale handle leaves the live one alone.
	assert.False(t, r.Remove(a.id, &Orchestrator{id: a.id}))
	got, ok := r.Get(a.id)
	require.True(t, ok)
	assert.Same(t, a, got)

	assert.True(t, r.Remove(a.id, a))
	assert.False(t, r.Remove(a.id, a))
	_, ok = r.Get(a.id)
	assert.False(t, ok)
	assert.Equal(t, []string{"a"}, r.JobsOf("e1"))
}

func TestIdentityString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "exec-1/sample", Identity{Executor: "exec-1", Job: "sample"}.String())
}
