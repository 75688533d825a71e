package offset

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shardex/internal/jobnode"
	"shardex/internal/registry/memory"
)

func TestOffsets(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := memory.New("ns", "exec-1")
	defer c.Close()
	s := New(jobnode.NewStorage(c, "sample"))

	require.NoError(t, s.UpdateOffset(ctx, 0, "100"))
	require.NoError(t, s.UpdateOffset(ctx, 2, "250"))
	require.NoError(t, s.UpdateOffset(ctx, 0, "120"))

	got, err := s.Offsets(ctx, []int{0, 1, 2})
	require.NoError(t, err)
	assert.Equal(t, map[int]string{0: "120", 2: "250"}, got)
}
