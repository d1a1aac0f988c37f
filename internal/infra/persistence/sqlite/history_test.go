package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YoshitsuguKoike/orchestra/internal/workflow"
)

func setupHistory(t *testing.T) *History {
	t.Helper()
	h, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

func TestHistory_RecordAndQuery(t *testing.T) {
	h := setupHistory(t)
	ctx := context.Background()
	start := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, h.Record(ctx, "wf-1", "1.1", workflow.PhaseResult{
		Phase: "2_development", Agent: "dev", Success: false, ExitCode: 1,
		Error: "exit status 1", Attempt: 1, StartedAt: start, Duration: 1500 * time.Millisecond,
		Next: "3_self_healing",
	}))
	require.NoError(t, h.Record(ctx, "wf-1", "1.1", workflow.PhaseResult{
		Phase: "3_self_healing", Agent: "dev", Success: true, Attempt: 1,
		StartedAt: start.Add(time.Minute), Next: "3_review",
	}))
	require.NoError(t, h.Record(ctx, "wf-2", "1.2", workflow.PhaseResult{
		Phase: "1_validation", Agent: "qa", Success: true, Attempt: 1, StartedAt: start,
	}))

	entries, err := h.ForStory(ctx, "1.1")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	first := entries[0]
	assert.Equal(t, "wf-1", first.WorkflowID)
	assert.Equal(t, "2_development", first.Phase)
	assert.False(t, first.Success)
	assert.Equal(t, 1, first.ExitCode)
	assert.Equal(t, "exit status 1", first.Error)
	assert.Equal(t, 1500*time.Millisecond, first.Duration)
	assert.True(t, first.StartedAt.Equal(start))
	assert.Equal(t, "3_self_healing", first.Next)
	assert.True(t, entries[1].Success)

	run, err := h.ForWorkflow(ctx, "wf-2")
	require.NoError(t, err)
	require.Len(t, run, 1)
	assert.Equal(t, "1.2", run[0].StoryID)

	none, err := h.ForStory(ctx, "9.9")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMigrator_Idempotent(t *testing.T) {
	h := setupHistory(t)
	m := NewMigrator(h.db)
	require.NoError(t, m.Migrate())

	v, err := m.Version()
	require.NoError(t, err)
	assert.Equal(t, schemaVersion, v)
}

func TestOpen_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "var", "history.db")
	h, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, h.Record(context.Background(), "wf", "1.1", workflow.PhaseResult{Phase: "a", StartedAt: time.Now()}))
	require.NoError(t, h.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()
	entries, err := reopened.ForStory(context.Background(), "1.1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSplitSQLStatements(t *testing.T) {
	got := splitSQLStatements("-- comment\nCREATE TABLE a (x INT);\n\n  ;CREATE INDEX i ON a(x);\n")
	assert.Equal(t, []string{"CREATE TABLE a (x INT)", "CREATE INDEX i ON a(x)"}, got)
}
