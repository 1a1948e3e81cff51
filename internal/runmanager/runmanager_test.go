package runmanager

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jeeves/internal/jeeveserr"
	"jeeves/internal/model"
	"jeeves/internal/provider"
	"jeeves/internal/store"
)

func floatp(v float64) *float64 { return &v }

func TestNormalizeMaxIterations(t *testing.T) {
	cases := []struct {
		name string
		in   *float64
		want int
	}{
		{"nil uses default", nil, defaultMaxIterations},
		{"NaN uses default", floatp(nan()), defaultMaxIterations},
		{"floors", floatp(5.7), 5},
		{"clamps below one", floatp(0), 1},
		{"negative clamps to one", floatp(-3), 1},
		{"exact integer", floatp(20), 20},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, normalizeMaxIterations(c.in))
		})
	}
}

func nan() float64 { var z float64; return z / z }

func TestNormalizeTimeout(t *testing.T) {
	cases := []struct {
		name string
		in   *float64
		def  float64
		want float64
	}{
		{"nil uses default", nil, 600, 600},
		{"below one uses default", floatp(0.5), 600, 600},
		{"valid passes through", floatp(120), 600, 120},
		{"NaN uses default", floatp(nan()), 3600, 3600},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, normalizeTimeout(c.in, c.def))
		})
	}
}

// TestHelperProcess re-executes this test binary as a fake runner child.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("JEEVES_WANT_HELPER_PROCESS") != "1" {
		return
	}
	defer os.Exit(0)
	switch os.Getenv("JEEVES_HELPER_MODE") {
	case "sleep":
		time.Sleep(10 * time.Second)
	default:
		fmt.Println("phase done")
	}
}

func helperSpawn(mode string) func(ctx context.Context, args []string, env []string, cwd string) *exec.Cmd {
	return func(ctx context.Context, args []string, env []string, cwd string) *exec.Cmd {
		cmd := exec.CommandContext(ctx, os.Args[0], "-test.run=TestHelperProcess", "--")
		cmd.Env = append(os.Environ(), "JEEVES_WANT_HELPER_PROCESS=1", "JEEVES_HELPER_MODE="+mode)
		cmd.Dir = cwd
		return cmd
	}
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoErrorf(t, err, "git %v: %s", args, out)
}

// harness bundles a canonical git worktree, a state dir, and a
// workflows dir with a trivial two-phase workflow, wired to a Manager.
type harness struct {
	dataDir      string
	workflowsDir string
	stateDir     string
	ref          model.IssueRef
}

func newHarness(t *testing.T, workflowYAML string) *harness {
	t.Helper()
	dataDir := t.TempDir()
	workflowsDir := t.TempDir()

	ref := model.IssueRef{Owner: "acme", Repo: "widgets", IssueNumber: 1}
	canonical := filepath.Join(dataDir, "worktrees", "acme", "widgets", "issue-1")
	require.NoError(t, os.MkdirAll(canonical, 0o755))
	runGit(t, canonical, "init", "-b", "issue/1")
	runGit(t, canonical, "config", "user.email", "test@test.com")
	runGit(t, canonical, "config", "user.name", "Test")
	require.NoError(t, os.WriteFile(filepath.Join(canonical, "README.md"), []byte("# widgets"), 0o644))
	runGit(t, canonical, "add", ".")
	runGit(t, canonical, "commit", "-m", "initial")

	require.NoError(t, os.WriteFile(filepath.Join(workflowsDir, "default.yaml"), []byte(workflowYAML), 0o644))

	stateDir := IssueStateDir(dataDir, ref)
	return &harness{dataDir: dataDir, workflowsDir: workflowsDir, stateDir: stateDir, ref: ref}
}

const trivialWorkflow = `
name: default
defaultProvider: fake
terminalPhases:
  - done
phases:
  start:
    transitions:
      - when: {}
        to: done
`

func (h *harness) seedIssue(t *testing.T, st *store.Store, phase string, status model.IssueStatus) {
	t.Helper()
	issue := &model.IssueJSON{
		Repo:     "acme/widgets",
		Issue:    model.IssueNumber{Number: 1},
		Branch:   "issue/1",
		Workflow: "default",
		Phase:    phase,
		Status:   status,
	}
	require.NoError(t, st.WriteIssueJSON(h.stateDir, issue))
	require.NoError(t, st.WriteTasksJSON(h.stateDir, &model.TasksJSON{SchemaVersion: 1}))
}

func TestManager_SetIssue_MissingState(t *testing.T) {
	h := newHarness(t, trivialWorkflow)
	st := store.New()
	m := New(t.TempDir(), h.workflowsDir, "", h.dataDir, st, helperSpawn("ok"), nil)

	err := m.SetIssue(h.ref)
	require.Error(t, err)
	var missing *jeeveserr.IssueStateMissing
	assert.ErrorAs(t, err, &missing)
}

func TestManager_Start_NoIssueSelected(t *testing.T) {
	h := newHarness(t, trivialWorkflow)
	st := store.New()
	m := New(t.TempDir(), h.workflowsDir, "", h.dataDir, st, helperSpawn("ok"), nil)

	err := m.Start(context.Background(), StartParams{Provider: provider.Fake})
	assert.ErrorIs(t, err, jeeveserr.ErrNoIssueSelected)
}

func TestManager_Start_InvalidProvider(t *testing.T) {
	h := newHarness(t, trivialWorkflow)
	st := store.New()
	h.seedIssue(t, st, "start", model.IssueStatus{})
	m := New(t.TempDir(), h.workflowsDir, "", h.dataDir, st, helperSpawn("ok"), nil)
	require.NoError(t, m.SetIssue(h.ref))

	err := m.Start(context.Background(), StartParams{Provider: "not-a-provider"})
	require.Error(t, err)
	var invalid *jeeveserr.InvalidProvider
	assert.ErrorAs(t, err, &invalid)
}

func TestManager_HappyPath_CompletesViaTerminalPhase(t *testing.T) {
	h := newHarness(t, trivialWorkflow)
	st := store.New()
	h.seedIssue(t, st, "start", model.IssueStatus{})
	m := New(t.TempDir(), h.workflowsDir, "", h.dataDir, st, helperSpawn("ok"), nil)
	require.NoError(t, m.SetIssue(h.ref))

	require.NoError(t, m.Start(context.Background(), StartParams{Provider: provider.Fake}))

	require.Eventually(t, func() bool { return !m.GetStatus().Running }, 5*time.Second, 20*time.Millisecond)
	status := m.GetStatus()
	assert.Equal(t, "completed_via_state: done", status.CompletionReason)
	assert.Empty(t, status.LastError)

	issue, err := st.ReadIssueJSON(h.stateDir)
	require.NoError(t, err)
	assert.Equal(t, "done", issue.Phase)
}

func TestManager_Start_AlreadyRunning(t *testing.T) {
	h := newHarness(t, trivialWorkflow)
	st := store.New()
	h.seedIssue(t, st, "start", model.IssueStatus{})
	m := New(t.TempDir(), h.workflowsDir, "", h.dataDir, st, helperSpawn("sleep"), nil)
	require.NoError(t, m.SetIssue(h.ref))

	require.NoError(t, m.Start(context.Background(), StartParams{
		Provider: provider.Fake, IterationTimeoutSec: floatp(30), InactivityTimeoutSec: floatp(30),
	}))
	err := m.Start(context.Background(), StartParams{Provider: provider.Fake})
	assert.ErrorIs(t, err, jeeveserr.ErrAlreadyRunning)

	m.Stop(StopParams{Force: true})
	require.Eventually(t, func() bool { return !m.GetStatus().Running }, 5*time.Second, 20*time.Millisecond)
}

func TestManager_Stop_StopsRun(t *testing.T) {
	h := newHarness(t, trivialWorkflow)
	st := store.New()
	h.seedIssue(t, st, "start", model.IssueStatus{})
	m := New(t.TempDir(), h.workflowsDir, "", h.dataDir, st, helperSpawn("sleep"), nil)
	require.NoError(t, m.SetIssue(h.ref))

	require.NoError(t, m.Start(context.Background(), StartParams{
		Provider: provider.Fake, IterationTimeoutSec: floatp(30), InactivityTimeoutSec: floatp(30),
	}))

	time.Sleep(100 * time.Millisecond)
	m.Stop(StopParams{Force: true})

	require.Eventually(t, func() bool { return !m.GetStatus().Running }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "stopped", m.GetStatus().CompletionReason)
}

const parallelWorkflow = `
name: default
defaultProvider: fake
terminalPhases:
  - done
phases:
  implement_task:
    transitions:
      - when: {}
        to: done
`

func TestManager_Stop_StopsParallelRun(t *testing.T) {
	h := newHarness(t, parallelWorkflow)
	st := store.New()
	h.seedIssue(t, st, "implement_task", model.IssueStatus{})

	issue, err := st.ReadIssueJSON(h.stateDir)
	require.NoError(t, err)
	issue.Settings = &model.IssueSettings{TaskExecution: &model.TaskExecutionSettings{Mode: "parallel", MaxParallelTasks: 2}}
	require.NoError(t, st.WriteIssueJSON(h.stateDir, issue))
	require.NoError(t, st.WriteTasksJSON(h.stateDir, &model.TasksJSON{
		SchemaVersion: 1,
		Tasks:         []model.Task{{ID: "task-a", Status: model.TaskPending}},
	}))

	m := New(t.TempDir(), h.workflowsDir, "", h.dataDir, st, helperSpawn("sleep"), nil)
	require.NoError(t, m.SetIssue(h.ref))

	require.NoError(t, m.Start(context.Background(), StartParams{
		Provider: provider.Fake, IterationTimeoutSec: floatp(30), InactivityTimeoutSec: floatp(30),
	}))

	time.Sleep(100 * time.Millisecond)
	m.Stop(StopParams{Force: true})

	require.Eventually(t, func() bool { return !m.GetStatus().Running }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "stopped", m.GetStatus().CompletionReason)

	data, _ := os.ReadFile(filepath.Join(h.stateDir, "viewer-run.log"))
	assert.Contains(t, string(data), "skipping phase transition")
}

func TestManager_Reconnect_RollsBackCrashedWave(t *testing.T) {
	h := newHarness(t, trivialWorkflow)
	st := store.New()
	status := model.IssueStatus{
		Parallel: &model.ParallelBookmark{
			RunID:                  "stale-run",
			ActiveWaveID:           "stale-run-start-0",
			ActiveWavePhase:        "start",
			ActiveWaveTaskIDs:      []string{"task-a"},
			ReservedStatusByTaskID: map[string]string{"task-a": "pending"},
		},
	}
	// Seed directly as terminal so the loop exits after reconnect without
	// needing a live child.
	h.seedIssue(t, st, "done", status)
	require.NoError(t, st.WriteTasksJSON(h.stateDir, &model.TasksJSON{
		SchemaVersion: 1,
		Tasks:         []model.Task{{ID: "task-a", Status: model.TaskInProgress}},
	}))

	m := New(t.TempDir(), h.workflowsDir, "", h.dataDir, st, helperSpawn("ok"), nil)
	require.NoError(t, m.SetIssue(h.ref))
	require.NoError(t, m.Start(context.Background(), StartParams{Provider: provider.Fake}))

	require.Eventually(t, func() bool { return !m.GetStatus().Running }, 5*time.Second, 20*time.Millisecond)

	issue, err := st.ReadIssueJSON(h.stateDir)
	require.NoError(t, err)
	assert.Nil(t, issue.Status.Parallel)

	tasks, err := st.ReadTasksJSON(h.stateDir)
	require.NoError(t, err)
	assert.Equal(t, model.TaskPending, tasks.FindTask("task-a").Status)

	data, _ := os.ReadFile(filepath.Join(h.stateDir, "viewer-run.log"))
	assert.Contains(t, string(data), "recovered crashed wave stale-run-start-0")
}
