// Package workflowadapter is a thin facade over the declarative
// workflow engine: it loads a YAML phase graph, resolves the next
// phase for the current issue state, reports whether a phase is
// terminal, and resolves per-phase provider/model against workflow
// and run-level defaults. The engine itself — parsing arbitrary
// transition expressions — is given; this adapter only understands a
// small, explicit condition vocabulary over the known status flags.
package workflowadapter

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"jeeves/internal/jeeveserr"
	"jeeves/internal/model"
)

// Condition is a conjunction of required status-flag values. An empty
// Condition always matches, making it the natural "default next
// phase" transition when listed last.
type Condition struct {
	TaskPassed       *bool `yaml:"taskPassed,omitempty"`
	TaskFailed       *bool `yaml:"taskFailed,omitempty"`
	HasMoreTasks     *bool `yaml:"hasMoreTasks,omitempty"`
	AllTasksComplete *bool `yaml:"allTasksComplete,omitempty"`
	PreCheckPassed   *bool `yaml:"preCheckPassed,omitempty"`
}

// matches reports whether every flag named in c equals the
// corresponding flag in status.
func (c Condition) matches(status model.IssueStatus) bool {
	check := func(want *bool, got bool) bool { return want == nil || *want == got }
	return check(c.TaskPassed, status.TaskPassed) &&
		check(c.TaskFailed, status.TaskFailed) &&
		check(c.HasMoreTasks, status.HasMoreTasks) &&
		check(c.AllTasksComplete, status.AllTasksComplete) &&
		check(c.PreCheckPassed, status.PreCheckPassed)
}

// Transition names the phase to move to when its When condition
// matches. Transitions are evaluated in file order; the first match
// wins.
type Transition struct {
	When Condition `yaml:"when"`
	To   string    `yaml:"to"`
}

// Phase is one node of the workflow graph.
type Phase struct {
	Provider    string       `yaml:"provider,omitempty"`
	Model       string       `yaml:"model,omitempty"`
	Transitions []Transition `yaml:"transitions,omitempty"`
}

// Workflow is the declarative phase graph loaded from YAML.
type Workflow struct {
	Name            string           `yaml:"name"`
	DefaultProvider string           `yaml:"defaultProvider,omitempty"`
	DefaultModel    string           `yaml:"defaultModel,omitempty"`
	TerminalPhases  []string         `yaml:"terminalPhases"`
	Phases          map[string]Phase `yaml:"phases"`
}

func (w *Workflow) terminalSet() map[string]bool {
	m := make(map[string]bool, len(w.TerminalPhases))
	for _, p := range w.TerminalPhases {
		m[p] = true
	}
	return m
}

// LoadWorkflow reads "<workflowsDir>/<name>.yaml" (or .yml).
func LoadWorkflow(name, workflowsDir string) (*Workflow, error) {
	for _, ext := range []string{".yaml", ".yml"} {
		path := filepath.Join(workflowsDir, name+ext)
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("reading workflow %s: %w", path, err)
		}
		var w Workflow
		if err := yaml.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("parsing workflow %s: %w", path, err)
		}
		if w.Name == "" {
			w.Name = name
		}
		return &w, nil
	}
	return nil, &jeeveserr.UnknownWorkflow{Name: name}
}

// IsTerminal reports whether phase is one of the workflow's terminal
// phases.
func (w *Workflow) IsTerminal(phase string) bool {
	return w.terminalSet()[phase]
}

// NextPhase evaluates the current phase's transitions against the
// issue's status flags and returns the first match, or "" if none
// match (the loop stays on the current phase).
func (w *Workflow) NextPhase(currentPhase string, issue *model.IssueJSON) (string, bool) {
	p, ok := w.Phases[currentPhase]
	if !ok {
		return "", false
	}
	for _, t := range p.Transitions {
		if t.When.matches(issue.Status) {
			return t.To, true
		}
	}
	return "", false
}

// ResolveProvider applies the strict precedence: phase value, then
// workflow default, then run-start default.
func (w *Workflow) ResolveProvider(phase, runDefault string) string {
	if p, ok := w.Phases[phase]; ok && p.Provider != "" {
		return p.Provider
	}
	if w.DefaultProvider != "" {
		return w.DefaultProvider
	}
	return runDefault
}

// ResolveModel applies the strict precedence: phase value, then
// workflow default. There is no run-start default for model; an empty
// result means "let the runner choose".
func (w *Workflow) ResolveModel(phase string) string {
	if p, ok := w.Phases[phase]; ok && p.Model != "" {
		return p.Model
	}
	return w.DefaultModel
}
