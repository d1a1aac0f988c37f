package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/YoshitsuguKoike/orchestra/internal/infra/persistence/sqlite"
	"github.com/YoshitsuguKoike/orchestra/internal/lock"
	"github.com/YoshitsuguKoike/orchestra/internal/testutil"
	"github.com/YoshitsuguKoike/orchestra/internal/workflow"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// run executes the command tree with args and returns stdout and stderr.
func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := NewRoot()
	cmd.SetArgs(args)
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func workspace(t *testing.T) string {
	t.Helper()
	t.Setenv("ORCHESTRA_HOME", "")
	for _, k := range []string{"AGENT_BIN", "AGENT_ARGS", "AGENT_TIMEOUT", "LOG_LEVEL", "LOG_FORMAT"} {
		t.Setenv("ORCHESTRA_"+k, "")
		os.Unsetenv("ORCHESTRA_" + k)
	}
	return testutil.NewTestWorkspace(t)
}

func TestNewRoot_Commands(t *testing.T) {
	root := NewRoot()
	for _, name := range []string{"init", "lock", "status", "workflow", "context", "serve", "version"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
		assert.NotEmpty(t, cmd.Short, "%s needs a short description", name)
	}
	for _, flag := range []string{"home", "log-level"} {
		assert.NotNil(t, root.PersistentFlags().Lookup(flag), "--%s", flag)
	}
}

func TestVersion(t *testing.T) {
	out, _, err := run(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "orchestra "), out)
}

func TestInitAndValidate(t *testing.T) {
	workspace(t)

	out, _, err := run(t, "init")
	require.NoError(t, err)
	assert.Contains(t, out, "WROTE")
	assert.Contains(t, out, "etc/workflow.yaml")
	testutil.AssertFileExists(t, ".orchestra/setting.yaml")
	testutil.AssertFileExists(t, ".orchestra/prompts/develop.md")

	gitignore, err := os.ReadFile(".gitignore")
	require.NoError(t, err)
	assert.Contains(t, string(gitignore), "/.orchestra/var/")

	out, _, err = run(t, "init")
	require.NoError(t, err)
	assert.Contains(t, out, "SKIP")

	out, _, err = run(t, "workflow", "validate")
	require.NoError(t, err)
	assert.Equal(t, "OK: story-delivery (4 phases, starts at 1_validation)\n", out)
}

func TestWorkflowValidate_Errors(t *testing.T) {
	workspace(t)
	testutil.WriteFile(t, ".orchestra/etc/workflow.yaml", `name: broken
phases:
  - id: a
    agent: dev
    prompt_path: prompts/a.md
  - id: b
    agent: dev
    prompt_path: prompts/missing.md`)
	testutil.WriteFile(t, ".orchestra/prompts/a.md", "Do {story_id} in {language}")

	_, _, err := run(t, "workflow", "validate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "phase a: prompt prompts/a.md: unknown placeholders [language]")
	assert.Contains(t, err.Error(), "phase b: prompt")
}

func TestLockCommands(t *testing.T) {
	workspace(t)
	self := strconv.Itoa(os.Getpid())
	other := strconv.Itoa(os.Getppid())

	out, _, err := run(t, "lock", "acquire", "db/migrations", "--pid", self, "--owner", "agent-a")
	require.NoError(t, err)
	assert.Contains(t, out, "acquired db/migrations")

	_, _, err = run(t, "lock", "acquire", "db/migrations", "--pid", other)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errLockBusy))
	assert.Contains(t, err.Error(), "owner agent-a")

	out, _, err = run(t, "lock", "status", "db/migrations")
	require.NoError(t, err)
	assert.Contains(t, out, "held by pid "+self)

	out, _, err = run(t, "lock", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "RESOURCE")
	assert.Contains(t, out, "db/migrations")

	out, _, err = run(t, "lock", "release", "db/migrations", "--pid", other)
	require.NoError(t, err)
	assert.Contains(t, out, "not held by pid "+other)

	out, _, err = run(t, "lock", "release", "db/migrations", "--pid", self)
	require.NoError(t, err)
	assert.Contains(t, out, "released db/migrations")

	out, _, err = run(t, "lock", "status", "db/migrations")
	require.NoError(t, err)
	assert.Contains(t, out, "free")

	out, _, err = run(t, "lock", "cleanup")
	require.NoError(t, err)
	assert.Contains(t, out, "removed 0 stale lock(s)")
}

func TestStatus_JSON(t *testing.T) {
	root := workspace(t)
	testutil.InitGitRepo(t, root, "first commit", "second commit")

	out, _, err := run(t, "status", "--json")
	require.NoError(t, err)

	var got StatusOutput
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.NotNil(t, got.Status)
	assert.True(t, got.Status.IsGitRepo)
	assert.Equal(t, "master", got.Status.Branch)
	require.Len(t, got.Status.RecentCommits, 2)
	assert.Equal(t, "second commit", got.Status.RecentCommits[0].Subject)
	assert.False(t, got.Active)
	testutil.AssertFileExists(t, got.Cache)

	out, _, err = run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Branch  : master")
}

func TestStatus_NotARepository(t *testing.T) {
	workspace(t)
	out, _, err := run(t, "status", "--refresh")
	require.NoError(t, err)
	assert.Contains(t, out, "Git     : not a repository")
}

func TestInvalidSettings(t *testing.T) {
	workspace(t)
	testutil.WriteFile(t, ".orchestra/setting.yaml", "log_format: xml\n")
	_, _, err := run(t, "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load settings")
}

const nextStory = `---
id: "1.2"
title: Checkout
executor: dev
quality_gate: qa
status: Draft
---
`

func TestWorkflowRun_DryRun(t *testing.T) {
	workspace(t)
	_, _, err := run(t, "init")
	require.NoError(t, err)
	testutil.WriteFile(t, ".orchestra/stories/0002-checkout.md", nextStory)

	out, _, err := run(t, "workflow", "run", "1.2", "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "==> 1.2: phase 1_validation (attempt 1)")
	assert.Contains(t, out, "==> 1.2: phase 2_development (attempt 1)")
	assert.Contains(t, out, "3_review by qa ok -> (end)")
	assert.Contains(t, out, "finished for story 1.2")
	assert.NotContains(t, out, "3_self_healing")

	out, _, err = run(t, "workflow", "session")
	require.NoError(t, err)
	assert.Contains(t, out, "no active session")

	out, _, err = run(t, "lock", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No locks found")

	out, _, err = run(t, "workflow", "journal", "-n", "0")
	require.NoError(t, err)
	assert.Contains(t, out, "phase_change")
	assert.Contains(t, out, "agent_spawn")
	assert.Contains(t, out, "phase_result")
	assert.Contains(t, out, "3_review")

	out, _, err = run(t, "workflow", "history", "1.2")
	require.NoError(t, err)
	assert.Contains(t, out, "2_development")
	assert.Contains(t, out, "ok")

	out, _, err = run(t, "workflow", "history", "9.9")
	require.NoError(t, err)
	assert.Contains(t, out, "No phase results for 9.9")
}

const cycleWorkflow = `name: cycle
phases:
  - id: dev
    agent: "{executor}"
    on_success: review
    on_failure: heal
  - id: heal
    agent: "{quality_gate}"
    on_success: dev
  - id: review
    agent: "{quality_gate}"
`

const storyWithoutExecutor = `---
id: "3.1"
title: Search
quality_gate: qa
---
`

func TestWorkflowRun_RecordsEveryExecution(t *testing.T) {
	workspace(t)
	t.Setenv("ORCHESTRA_MAX_TRANSITIONS", "4")
	testutil.WriteFile(t, ".orchestra/etc/cycle.yaml", cycleWorkflow)
	testutil.WriteFile(t, ".orchestra/stories/0003-search.md", storyWithoutExecutor)

	out, _, err := run(t, "workflow", "run", "3.1", "--dry-run", "--file", ".orchestra/etc/cycle.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transition limit")
	assert.Equal(t, 2, strings.Count(out, "dev by  failed"), out)

	h, err := sqlite.Open(".orchestra/var/history.db")
	require.NoError(t, err)
	defer h.Close()
	entries, err := h.ForStory(context.Background(), "3.1")
	require.NoError(t, err)

	var phases []string
	for _, e := range entries {
		phases = append(phases, e.Phase)
	}
	assert.Equal(t, []string{"dev", "heal", "dev", "heal"}, phases)

	out, _, err = run(t, "workflow", "journal", "-n", "0")
	require.NoError(t, err)
	assert.Equal(t, 4, strings.Count(out, "phase_result"))
}

func TestWorkflowJournal_Empty(t *testing.T) {
	workspace(t)
	out, _, err := run(t, "workflow", "journal")
	require.NoError(t, err)
	assert.Contains(t, out, "No journal entries")
}

func TestWorkflowPhase_PersistsSession(t *testing.T) {
	workspace(t)
	_, _, err := run(t, "init")
	require.NoError(t, err)
	testutil.WriteFile(t, ".orchestra/stories/0002-checkout.md", nextStory)

	out, _, err := run(t, "workflow", "phase", "2_development", "1.2", "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "2_development by dev ok -> 3_review")

	out, _, err = run(t, "workflow", "session")
	require.NoError(t, err)
	assert.Contains(t, out, `"current_phase": "2_development"`)
	assert.Contains(t, out, `"current_story": "1.2"`)

	out, _, err = run(t, "status", "--json")
	require.NoError(t, err)
	var st StatusOutput
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.True(t, st.Active)
	require.NotNil(t, st.Status.CurrentStory)
	assert.Equal(t, "2_development", st.Status.CurrentStory.Phase)

	_, _, err = run(t, "workflow", "phase", "9_unknown", "1.2", "--dry-run")
	require.Error(t, err)

	out, _, err = run(t, "workflow", "session", "--clear")
	require.NoError(t, err)
	assert.Contains(t, out, "session cleared")
}

func TestContext(t *testing.T) {
	workspace(t)
	_, _, err := run(t, "init")
	require.NoError(t, err)
	testutil.WriteFile(t, ".orchestra/stories/0002-checkout.md", nextStory)

	out, _, err := run(t, "context", "1.2")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "id: 1.1 | title: Example story"), out)

	_, stderr, err := run(t, "context", "1.1")
	require.NoError(t, err)
	assert.Contains(t, stderr, "no earlier stories")

	out, _, err = run(t, "context", "1.2", "--summary")
	require.NoError(t, err)
	assert.Contains(t, out, "STORY")
	assert.Contains(t, out, "full_detail")
	assert.Contains(t, out, "1 stories, 0 omitted")
}

func TestRunLockTTL(t *testing.T) {
	def := &workflow.Definition{Name: "t", Phases: []workflow.Phase{
		{ID: "a", Agent: "dev"},
		{ID: "b", Agent: "dev", Timeout: workflow.Duration(45 * time.Minute)},
	}}

	tests := []struct {
		name           string
		agentTimeout   time.Duration
		maxTransitions int
		want           int
	}{
		{"longest phase timeout per transition", 30 * time.Minute, 25, 45 * 60 * 25},
		{"agent timeout wins when longer", time.Hour, 3, 3600 * 3},
		{"default transitions", time.Hour, 0, 3600 * workflow.DefaultMaxTransitions},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, runLockTTL(def, tt.agentTimeout, tt.maxTransitions))
		})
	}

	short := &workflow.Definition{Name: "s", Phases: []workflow.Phase{{ID: "a", Agent: "dev"}}}
	assert.Equal(t, lock.DefaultTTLSeconds, runLockTTL(short, time.Second, 1))
}
