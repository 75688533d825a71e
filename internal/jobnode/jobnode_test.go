package jobnode

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shardex/internal/registry/memory"
)

func TestPaths(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "/$Jobs/sample", JobRoot("sample"))
	assert.Equal(t, "/$Jobs/sample/config/cron", ConfigPath("sample", FieldCron))
	assert.Equal(t, "/$Jobs/sample/servers/exec-1/runOneTime", ServerPath("sample", "exec-1", ServerRunOneTime))
	assert.Equal(t, "/$Jobs/sample/execution/3/running", ExecutionPath("sample", 3, ExecRunning))
	assert.Equal(t, "/$Jobs/sample/leader/election/instance", ElectionInstancePath("sample"))
	assert.Equal(t, "/$SaturnExecutors/executors/exec-1/ip", ExecutorIPPath("exec-1"))
}

func TestStorageScopesToJobAndExecutor(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	center := memory.New("ns", "exec-1")
	defer center.Close()

	st := NewStorage(center, "sample")
	v, err := st.Config(ctx, FieldCron)
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, center.Put(ctx, ConfigPath("sample", FieldCron), "0/5 * * * * ?"))
	v, err = st.Config(ctx, FieldCron)
	require.NoError(t, err)
	assert.Equal(t, "0/5 * * * * ?", v)

	require.NoError(t, st.PutServer(ctx, ServerStatus, "READY"))
	v, err = center.Get(ctx, ServerPath("sample", "exec-1", ServerStatus))
	require.NoError(t, err)
	assert.Equal(t, "READY", v)

	ok, err := st.JobExists(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, st.RemoveJob(ctx))
	ok, err = st.JobExists(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}
