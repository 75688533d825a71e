package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shardex/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	t.Parallel()

	for _, driver := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		require.NoError(t, err)
		assert.Nil(t, st)
	}

	_, err := Open(Config{Driver: "mongo"}, logx.Nop())
	require.Error(t, err)
}

func testStore(t *testing.T, driver string) {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.db")

	st, err := Open(Config{Driver: driver, Path: path}, logx.Nop())
	require.NoError(t, err)

	require.NoError(t, st.AppendAudit(ctx, AuditEntry{
		At: time.Now(), Executor: "exec-1", Job: "sample", Action: "trigger", OK: true, TookMS: 3,
	}))

	_, ok, err := st.GetStats(ctx, "sample", "exec-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, st.PutStats(ctx, StatsEntry{At: time.Now(), Executor: "exec-1", Job: "sample", ProcessSuccess: 1}))
	require.NoError(t, st.PutStats(ctx, StatsEntry{At: time.Now(), Executor: "exec-1", Job: "sample", ProcessSuccess: 5, ProcessFailure: 2}))

	got, ok, err := st.GetStats(ctx, "sample", "exec-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 5, got.ProcessSuccess)
	assert.EqualValues(t, 2, got.ProcessFailure)
	require.NoError(t, st.Close())

	// Counters survive a reopen.
	st, err = Open(Config{Driver: driver, Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	got, ok, err = st.GetStats(ctx, "sample", "exec-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 5, got.ProcessSuccess)
}

func TestFileStore(t *testing.T) {
	t.Parallel()
	testStore(t, "file")
}

func TestSQLiteStore(t *testing.T) {
	t.Parallel()
	testStore(t, "sqlite")
}

func TestFileStoreWritesAuditLines(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "shardex")}, logx.Nop())
	require.NoError(t, err)
	for _, action := range []string{"trigger", "stop"} {
		require.NoError(t, st.AppendAudit(context.Background(), AuditEntry{Job: "sample", Action: action, OK: true}))
	}
	require.NoError(t, st.Close())

	b, err := os.ReadFile(filepath.Join(dir, "shardex.audit.jsonl"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], `"action":"stop"`)
}

func TestFileStoreReplaysTornJournal(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	journal := filepath.Join(dir, "s.stats.journal.jsonl")
	content := `{"job":"a","executor":"e","process_success":7}` + "\n" + `{"job":"b","exec`
	require.NoError(t, os.WriteFile(journal, []byte(content), 0o600))

	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "s")}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	got, ok, err := st.GetStats(context.Background(), "a", "e")
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 7, got.ProcessSuccess)
}
