// Package jeeveserr defines the typed error taxonomy the core uses to
// classify failures: user-input errors that reject an operation before
// any child is spawned, state errors that fail a run fast, sandbox/git
// errors, child-process errors, and merge errors.
package jeeveserr

import (
	"errors"
	"fmt"
)

// Sentinel user-input errors. Each rejects the requested operation
// without spawning a child.
var (
	ErrNoIssueSelected = errors.New("no issue selected")
	ErrAlreadyRunning  = errors.New("run already in progress")
)

// InvalidProvider is returned when start() or the workflow adapter
// resolve a provider name outside the enumerated set.
type InvalidProvider struct {
	Provider string
}

func (e *InvalidProvider) Error() string {
	return fmt.Sprintf("invalid provider: %q", e.Provider)
}

// InvalidModel is returned when a phase or workflow names a model the
// provider registry does not recognize.
type InvalidModel struct {
	Provider string
	Model    string
}

func (e *InvalidModel) Error() string {
	return fmt.Sprintf("invalid model %q for provider %q", e.Model, e.Provider)
}

// UnknownWorkflow is returned when loadWorkflow cannot find a workflow
// definition by name under the configured workflows directory.
type UnknownWorkflow struct {
	Name string
}

func (e *UnknownWorkflow) Error() string {
	return fmt.Sprintf("unknown workflow: %q", e.Name)
}

// IssueStateMissing is returned when a run starts against an issue
// whose state directory has not been initialized by the external init
// collaborator.
type IssueStateMissing struct {
	StateDir string
}

func (e *IssueStateMissing) Error() string {
	return fmt.Sprintf("issue state missing: %s", e.StateDir)
}

// WorktreeMissing is returned when the canonical worktree for an issue
// does not exist on disk.
type WorktreeMissing struct {
	Path string
}

func (e *WorktreeMissing) Error() string {
	return fmt.Sprintf("canonical worktree missing: %s", e.Path)
}

// MalformedJSON wraps a json.Unmarshal failure with the offending path.
type MalformedJSON struct {
	Path string
	Err  error
}

func (e *MalformedJSON) Error() string {
	return fmt.Sprintf("malformed json at %s: %v", e.Path, e.Err)
}

func (e *MalformedJSON) Unwrap() error { return e.Err }

// SandboxError wraps a failed git invocation performed by the sandbox
// manager, capturing the operation name and combined stdout/stderr.
type SandboxError struct {
	Op     string
	Output string
	Err    error
}

func (e *SandboxError) Error() string {
	return fmt.Sprintf("sandbox.%s: %s: %v", e.Op, e.Output, e.Err)
}

func (e *SandboxError) Unwrap() error { return e.Err }

// ChildTimeoutKind distinguishes why a child was killed for exceeding
// a deadline.
type ChildTimeoutKind string

const (
	ChildTimeoutInactivity ChildTimeoutKind = "inactivity"
	ChildTimeoutIteration  ChildTimeoutKind = "iteration"
)

// ChildTimeout is returned when the Child Supervisor kills a child
// after it exceeded its inactivity or iteration deadline.
type ChildTimeout struct {
	Kind ChildTimeoutKind
}

func (e *ChildTimeout) Error() string {
	return fmt.Sprintf("child timed out: %s", e.Kind)
}

// ChildSignal is returned when a child exits due to a signal.
type ChildSignal struct {
	Signo int
}

func (e *ChildSignal) Error() string {
	return fmt.Sprintf("child terminated by signal %d", e.Signo)
}

// ChildNonZero is returned when a child exits with a non-zero status
// that was not caused by a signal.
type ChildNonZero struct {
	Code int
}

func (e *ChildNonZero) Error() string {
	return fmt.Sprintf("child exited with status %d", e.Code)
}

// MergeConflict is returned when merging a worker branch into the
// canonical branch fails due to a real content conflict.
type MergeConflict struct {
	Task   string
	WaveID string
}

func (e *MergeConflict) Error() string {
	return fmt.Sprintf("merge conflict: task %s in wave %s", e.Task, e.WaveID)
}

// MergeFailure is returned when merging a worker branch fails for a
// reason other than a content conflict.
type MergeFailure struct {
	Task   string
	Stderr string
}

func (e *MergeFailure) Error() string {
	return fmt.Sprintf("merge failure: task %s: %s", e.Task, e.Stderr)
}
