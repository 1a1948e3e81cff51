package workflowadapter

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jeeves/internal/model"
)

func writeWorkflow(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".yaml"), []byte(content), 0o644))
}

func TestLoadWorkflow_TrivialTwoPhase(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "fixture-trivial", `
name: fixture-trivial
terminalPhases: [complete]
phases:
  hello:
    transitions:
      - when: {}
        to: complete
  complete: {}
`)

	w, err := LoadWorkflow("fixture-trivial", dir)
	require.NoError(t, err)

	assert.False(t, w.IsTerminal("hello"))
	assert.True(t, w.IsTerminal("complete"))

	next, ok := w.NextPhase("hello", &model.IssueJSON{})
	assert.True(t, ok)
	assert.Equal(t, "complete", next)
}

func TestLoadWorkflow_Unknown(t *testing.T) {
	_, err := LoadWorkflow("does-not-exist", t.TempDir())
	require.Error(t, err)
}

func TestResolveProvider_Precedence(t *testing.T) {
	w := &Workflow{
		DefaultProvider: "codex",
		Phases: map[string]Phase{
			"implement_task": {Provider: "claude"},
			"other_phase":    {},
		},
	}

	assert.Equal(t, "claude", w.ResolveProvider("implement_task", "fake"))
	assert.Equal(t, "codex", w.ResolveProvider("other_phase", "fake"))

	empty := &Workflow{Phases: map[string]Phase{"p": {}}}
	assert.Equal(t, "fake", empty.ResolveProvider("p", "fake"))
}

func TestResolveModel_Precedence(t *testing.T) {
	w := &Workflow{
		DefaultModel: "sonnet",
		Phases: map[string]Phase{
			"p": {},
		},
	}
	assert.Equal(t, "sonnet", w.ResolveModel("p"))

	w2 := &Workflow{Phases: map[string]Phase{"p": {}}}
	assert.Equal(t, "", w2.ResolveModel("p"))
}

func TestNextPhase_SpecCheckMergeConflictDropsBackToImplement(t *testing.T) {
	w := &Workflow{
		Phases: map[string]Phase{
			"task_spec_check": {
				Transitions: []Transition{
					{When: Condition{TaskFailed: boolPtr(true), HasMoreTasks: boolPtr(true)}, To: "implement_task"},
					{When: Condition{AllTasksComplete: boolPtr(true)}, To: "complete"},
				},
			},
		},
	}

	issue := &model.IssueJSON{Status: model.IssueStatus{TaskFailed: true, HasMoreTasks: true}}
	next, ok := w.NextPhase("task_spec_check", issue)
	require.True(t, ok)
	assert.Equal(t, "implement_task", next)
}

func boolPtr(b bool) *bool { return &b }
