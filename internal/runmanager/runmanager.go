// Package runmanager is the Run Manager: it owns one run at a time for
// one selected issue, stepping a YAML workflow's phases by invoking
// either the Child Supervisor (sequential phases) or the Wave Runner
// (parallel phases), asking the Workflow Adapter for the next phase
// after each step, and checking the Completion Detector's sentinel.
// One loop owns one run, cancellation goes through a mutex-guarded
// control.StopToken whose done channel closes once, and getStatus
// always returns a detached snapshot
// rather than a pointer into live state.
package runmanager

import (
	"context"
	"fmt"
	"math"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"jeeves/internal/child"
	"jeeves/internal/completion"
	"jeeves/internal/control"
	"jeeves/internal/invocation"
	"jeeves/internal/jeeveserr"
	"jeeves/internal/model"
	"jeeves/internal/provider"
	"jeeves/internal/sandbox"
	"jeeves/internal/store"
	"jeeves/internal/wave"
	"jeeves/internal/workflowadapter"
)

// Broadcast is the core's observation callback. Delivery is best-effort
// and non-blocking; a nil Broadcast is a valid no-op.
type Broadcast func(event string, data any)

func (b Broadcast) emit(event string, data any) {
	if b != nil {
		b(event, data)
	}
}

// StartParams is the normalized input to Start. Optional numeric
// fields are pointers so "not supplied" is distinguishable from zero.
type StartParams struct {
	Provider             string
	Workflow             string // workflowOverride; empty defers to issue.json's workflow field
	Quick                bool
	MaxIterations        *float64
	InactivityTimeoutSec *float64
	IterationTimeoutSec  *float64
}

// StopParams controls how Stop escalates.
type StopParams struct {
	Force bool
}

const (
	defaultMaxIterations        = 10
	defaultInactivityTimeoutSec = 600
	defaultIterationTimeoutSec  = 3600
	quickFixWorkflow            = "quickfix"
)

// Manager owns at most one active run. It is constructed once per
// process and reused across issues via SetIssue.
type Manager struct {
	promptsDir   string
	workflowsDir string
	repoRoot     string
	dataDir      string

	store      *store.Store
	supervisor *child.Supervisor
	broadcast  Broadcast

	mu       sync.Mutex
	issueRef *model.IssueRef
	stateDir string
	running  bool
	stop     *control.StopToken
	status   model.RunStatus
}

// New returns a Manager wired to its collaborators. spawn constructs
// the runner subprocess command; tests substitute a fake one.
func New(promptsDir, workflowsDir, repoRoot, dataDir string, st *store.Store, spawn child.SpawnFunc, broadcast Broadcast) *Manager {
	return &Manager{
		promptsDir:   promptsDir,
		workflowsDir: workflowsDir,
		repoRoot:     repoRoot,
		dataDir:      dataDir,
		store:        st,
		supervisor:   child.New(st, spawn),
		broadcast:    broadcast,
	}
}

// IssueStateDir returns the on-disk state root for ref, parallel to
// the Sandbox Manager's worktree layout.
func IssueStateDir(dataDir string, ref model.IssueRef) string {
	return filepath.Join(dataDir, "state", ref.Owner, ref.Repo, fmt.Sprintf("issue-%d", ref.IssueNumber))
}

// SetIssue validates that ref's state directory and canonical worktree
// exist, records the selection, and emits a "state" broadcast.
func (m *Manager) SetIssue(ref model.IssueRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stateDir := IssueStateDir(m.dataDir, ref)
	if !m.store.StateDirExists(stateDir) {
		return &jeeveserr.IssueStateMissing{StateDir: stateDir}
	}

	sb := sandbox.New(m.dataDir, stateDir, ref.Owner, ref.Repo, ref.IssueNumber, m.store)
	canonical := sb.CanonicalWorktreePath()
	if !m.store.WorktreeExists(canonical) {
		return &jeeveserr.WorktreeMissing{Path: canonical}
	}

	m.issueRef = &ref
	m.stateDir = stateDir

	issue, err := m.store.ReadIssueJSON(stateDir)
	if err != nil {
		return err
	}
	m.broadcast.emit("state", map[string]any{"issue_ref": ref, "issue_json": issue, "run": m.status})
	return nil
}

// Start begins the run loop for the currently selected issue if none
// is already running. The loop runs on its own goroutine; callers poll
// GetStatus or consume the broadcast callback for progress.
func (m *Manager) Start(ctx context.Context, params StartParams) error {
	m.mu.Lock()
	if m.issueRef == nil {
		m.mu.Unlock()
		return jeeveserr.ErrNoIssueSelected
	}
	if m.running {
		m.mu.Unlock()
		return jeeveserr.ErrAlreadyRunning
	}

	ref := *m.issueRef
	stateDir := m.stateDir
	maxIter := normalizeMaxIterations(params.MaxIterations)
	deadlines := child.Deadlines{
		InactivitySec: normalizeTimeout(params.InactivityTimeoutSec, defaultInactivityTimeoutSec),
		IterationSec:  normalizeTimeout(params.IterationTimeoutSec, defaultIterationTimeoutSec),
	}

	if err := provider.Validate(params.Provider); err != nil {
		m.mu.Unlock()
		return err
	}

	workflowOverride := params.Workflow
	if workflowOverride == "" && params.Quick {
		workflowOverride = quickFixWorkflow
	}

	m.running = true
	m.stop = control.NewStopToken()
	stop := m.stop
	m.status = model.RunStatus{
		Running:       true,
		MaxIterations: maxIter,
		StartedAt:     time.Now(),
		UpdatedAt:     time.Now(),
		ViewerLogPath: filepath.Join(stateDir, "viewer-run.log"),
	}
	status := m.status
	m.mu.Unlock()

	m.broadcast.emit("run", status)

	go m.runLoop(ctx, loopSession{
		ref:              ref,
		stateDir:         stateDir,
		runID:            runIDFor(ref, status.StartedAt),
		provider:         params.Provider,
		workflowOverride: workflowOverride,
		maxIterations:    maxIter,
		deadlines:        deadlines,
		stop:             stop,
	})
	return nil
}

func runIDFor(ref model.IssueRef, started time.Time) string {
	return fmt.Sprintf("%s-%s-%d-%d", ref.Owner, ref.Repo, ref.IssueNumber, started.UnixNano())
}

// Stop requests a stop of the active run. force is recorded on the
// stop token but does not change how a live child is ended: any stop
// cancels the run's context, and the child is ended through that
// cancellation the same way with or without force. Idempotent; a no-op
// if no run is active.
func (m *Manager) Stop(params StopParams) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop != nil {
		m.stop.Stop(params.Force)
	}
}

// GetStatus returns a detached snapshot of the run status.
func (m *Manager) GetStatus() model.RunStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Manager) setStatus(mutate func(*model.RunStatus)) model.RunStatus {
	m.mu.Lock()
	mutate(&m.status)
	m.status.UpdatedAt = time.Now()
	snapshot := m.status
	m.mu.Unlock()

	m.broadcast.emit("run", snapshot)
	return snapshot
}

func (m *Manager) finish(stateDir string) {
	m.mu.Lock()
	m.running = false
	m.status.Running = false
	snapshot := m.status
	m.mu.Unlock()

	_ = m.store.WriteRunStatus(stateDir, &snapshot)
	m.broadcast.emit("run", snapshot)
}

// normalizeMaxIterations floors a finite x >= 1, clamps below-1 values
// to 1, and falls back to the default for nil/non-finite input.
func normalizeMaxIterations(x *float64) int {
	if x == nil || math.IsNaN(*x) || math.IsInf(*x, 0) {
		return defaultMaxIterations
	}
	v := math.Floor(*x)
	if v < 1 {
		return 1
	}
	return int(v)
}

// normalizeTimeout returns x if finite and >= 1, else def.
func normalizeTimeout(x *float64, def float64) float64 {
	if x == nil || math.IsNaN(*x) || math.IsInf(*x, 0) || *x < 1 {
		return def
	}
	return *x
}

// loopSession is the immutable input to one run's iteration loop,
// captured at Start time so the goroutine never touches Manager state
// directly except through the synchronized helpers above.
type loopSession struct {
	ref              model.IssueRef
	stateDir         string
	runID            string
	provider         string
	workflowOverride string
	maxIterations    int
	deadlines        child.Deadlines
	stop             *control.StopToken
}

// runLoop is the 9-step iteration loop of spec.md §4.7.2, run on its
// own goroutine for the lifetime of one run.
func (m *Manager) runLoop(ctx context.Context, s loopSession) {
	defer m.finish(s.stateDir)

	if err := m.reconnect(s.stateDir); err != nil {
		m.setStatus(func(rs *model.RunStatus) { rs.LastError = err.Error() })
		return
	}

	loopCtx, cancelLoop := s.stop.Context(ctx)
	defer cancelLoop()

	sb := sandbox.New(m.dataDir, s.stateDir, s.ref.Owner, s.ref.Repo, s.ref.IssueNumber, m.store)
	waveRunner := wave.New(m.store, sb, m.supervisor)
	issueRefStr := s.ref.String()

	for i := 1; i <= s.maxIterations; i++ {
		m.setStatus(func(rs *model.RunStatus) { rs.CurrentIteration = i })

		// Step 1: manual stop.
		if s.stop.Stopped() {
			_ = m.store.AppendTagged(s.stateDir, store.TagStop, "stop requested")
			m.setStatus(func(rs *model.RunStatus) { rs.CompletionReason = "stopped" })
			return
		}

		// Step 2: terminal-phase check.
		issue, err := m.store.ReadIssueJSON(s.stateDir)
		if err != nil {
			m.setStatus(func(rs *model.RunStatus) { rs.LastError = err.Error() })
			return
		}

		workflowName := issue.Workflow
		if s.workflowOverride != "" {
			workflowName = s.workflowOverride
		}
		wf, err := workflowadapter.LoadWorkflow(workflowName, m.workflowsDir)
		if err != nil {
			m.setStatus(func(rs *model.RunStatus) { rs.LastError = err.Error() })
			return
		}

		if wf.IsTerminal(issue.Phase) {
			m.setStatus(func(rs *model.RunStatus) {
				rs.CompletionReason = fmt.Sprintf("already in terminal phase: %s", issue.Phase)
			})
			return
		}

		// Step 3: resolve and validate workflow/provider/model.
		resolvedProvider := wf.ResolveProvider(issue.Phase, s.provider)
		if err := provider.Validate(resolvedProvider); err != nil {
			m.setStatus(func(rs *model.RunStatus) { rs.LastError = err.Error() })
			return
		}
		resolvedModel := wf.ResolveModel(issue.Phase)
		if err := provider.ValidateModel(resolvedProvider, resolvedModel); err != nil {
			m.setStatus(func(rs *model.RunStatus) { rs.LastError = err.Error() })
			return
		}

		// Step 4: explicit controls.
		issue, skipTransition, err := m.applyExplicitControls(sb, issue, s)
		if err != nil {
			m.setStatus(func(rs *model.RunStatus) { rs.LastError = err.Error() })
			return
		}
		if issue == nil {
			// design-doc checkpoint advanced the phase; loop again
			// without invoking a phase this iteration.
			continue
		}

		// Step 5/6: choose and invoke execution mode.
		parallel := isParallelPhase(issue.Phase) && taskExecutionIsParallel(issue)
		if parallel {
			cap := maxParallelTasks(issue)
			outcome, err := waveRunner.Run(loopCtx, wave.Input{
				Phase: issue.Phase, RunID: s.runID, WaveIndex: i, Cap: cap,
				StateDir: s.stateDir, Workflow: workflowName,
				Provider: resolvedProvider, Model: resolvedModel,
				WorkflowsDir: m.workflowsDir, PromptsDir: m.promptsDir,
				IssueRef: issueRefStr, DataDir: m.dataDir,
				Deadlines: s.deadlines, Stop: s.stop,
			})
			if err != nil {
				m.setStatus(func(rs *model.RunStatus) { rs.LastError = err.Error() })
				return
			}
			if outcome.Reason == model.WaveTimeout || outcome.Reason == model.WaveSetupFailure {
				tag := store.TagParallel
				msg := fmt.Sprintf("wave ended: %s", outcome.Reason)
				reason := ""
				if outcome.Reason == model.WaveSetupFailure {
					tag = store.TagError
					msg = "setup failure: " + msg
					reason = "setup_failure"
				}
				_ = m.store.AppendTagged(s.stateDir, tag, msg)
				m.setStatus(func(rs *model.RunStatus) {
					rs.LastError = msg
					rs.CompletionReason = reason
				})
				return
			}
			// WaveStopped falls through to step 7's stop check below,
			// which logs and exits: a wave-level stop is just a manual
			// stop observed mid-iteration, not a distinct outcome.
		} else {
			canonical := sb.CanonicalWorktreePath()
			args := invocation.Args(workflowName, issue.Phase, resolvedProvider, m.workflowsDir, m.promptsDir, issueRefStr)
			env := invocation.Env(m.dataDir, resolvedModel)
			lastRunLog := filepath.Join(s.stateDir, "last-run.log")
			if _, err := m.supervisor.RunChild(loopCtx, args, env, canonical, s.stateDir, lastRunLog, s.deadlines); err != nil {
				m.setStatus(func(rs *model.RunStatus) { rs.LastError = err.Error() })
				return
			}
		}

		// Step 7: re-check for a manual stop issued mid-iteration.
		if s.stop.Stopped() {
			_ = m.store.AppendTagged(s.stateDir, store.TagStop, "skipping phase transition")
			m.setStatus(func(rs *model.RunStatus) { rs.CompletionReason = "stopped" })
			return
		}

		// Step 8: ask the Workflow Adapter for the next phase, unless
		// restartPhase asked to stay put this iteration.
		if !skipTransition {
			issue, err = m.store.ReadIssueJSON(s.stateDir)
			if err != nil {
				m.setStatus(func(rs *model.RunStatus) { rs.LastError = err.Error() })
				return
			}
			if nextPhase, ok := wf.NextPhase(issue.Phase, issue); ok {
				issue.Phase = nextPhase
				if err := m.store.WriteIssueJSON(s.stateDir, issue); err != nil {
					m.setStatus(func(rs *model.RunStatus) { rs.LastError = err.Error() })
					return
				}
				_ = m.store.AppendTagged(s.stateDir, store.TagTransition, nextPhase)
				if wf.IsTerminal(nextPhase) {
					m.setStatus(func(rs *model.RunStatus) {
						rs.CompletionReason = fmt.Sprintf("completed_via_state: %s", nextPhase)
					})
					return
				}
			}
		}

		// Step 9: completion sentinel.
		messages, err := completion.ParseTail(filepath.Join(s.stateDir, "sdk-output.json"), completion.DefaultTailSize)
		if err != nil {
			m.setStatus(func(rs *model.RunStatus) { rs.LastError = err.Error() })
			return
		}
		if completion.IsComplete(messages) {
			_ = m.store.AppendTagged(s.stateDir, store.TagComplete, "completion sentinel observed")
			m.setStatus(func(rs *model.RunStatus) { rs.CompletionReason = "completed_via_promise" })
			return
		}
	}
}

// reconnect implements spec.md §4.7.5: a status.parallel bookmark found
// at run start with no live children is a crashed wave. Roll each
// reserved task back to its pre-wave status and clear the bookmark.
func (m *Manager) reconnect(stateDir string) error {
	issue, err := m.store.ReadIssueJSON(stateDir)
	if err != nil || issue == nil || issue.Status.Parallel == nil {
		return err
	}
	bookmark := issue.Status.Parallel

	tasks, err := m.store.ReadTasksJSON(stateDir)
	if err != nil {
		return err
	}
	if tasks != nil {
		for taskID, status := range bookmark.ReservedStatusByTaskID {
			if t := tasks.FindTask(taskID); t != nil {
				t.Status = model.TaskStatus(status)
			}
		}
		if err := m.store.WriteTasksJSON(stateDir, tasks); err != nil {
			return err
		}
	}

	issue.Status.Parallel = nil
	if err := m.store.WriteIssueJSON(stateDir, issue); err != nil {
		return err
	}
	return m.store.AppendTagged(stateDir, store.TagParallel, fmt.Sprintf("recovered crashed wave %s", bookmark.ActiveWaveID))
}

// applyExplicitControls implements step 4 of the loop: restartPhase,
// auto-expand filesAllowed, and the design-doc auto-commit checkpoint.
// A nil *model.IssueJSON with a nil error means the phase already
// advanced this iteration (design-doc checkpoint) and the caller
// should loop again. skipTransition is true when restartPhase was
// consumed, telling the caller to re-run the current phase rather than
// asking the Workflow Adapter for its natural next phase.
func (m *Manager) applyExplicitControls(sb *sandbox.Manager, issue *model.IssueJSON, s loopSession) (out *model.IssueJSON, skipTransition bool, err error) {
	if issue.Control != nil && issue.Control.RestartPhase {
		issue.Control.RestartPhase = false
		if err := m.store.WriteIssueJSON(s.stateDir, issue); err != nil {
			return nil, false, err
		}
		skipTransition = true
	}

	if issue.Phase == "implement_task" {
		if err := m.autoExpandFilesAllowed(s.stateDir); err != nil {
			return nil, false, err
		}
	}

	if isDesignPhase(issue.Phase) {
		advanced, err := m.tryAutoCommitDesignDoc(sb, issue, s)
		if err != nil {
			return nil, false, err
		}
		if advanced {
			return nil, false, nil
		}
	}

	return issue, skipTransition, nil
}

func isDesignPhase(phase string) bool {
	switch phase {
	case "design_plan", "design_draft", "design_edit":
		return true
	default:
		return false
	}
}

func isParallelPhase(phase string) bool {
	switch phase {
	case "implement_task", "task_spec_check":
		return true
	default:
		return false
	}
}

func taskExecutionIsParallel(issue *model.IssueJSON) bool {
	return issue.Settings != nil && issue.Settings.TaskExecution != nil && issue.Settings.TaskExecution.Mode == "parallel"
}

func maxParallelTasks(issue *model.IssueJSON) int {
	if issue.Settings != nil && issue.Settings.TaskExecution != nil && issue.Settings.TaskExecution.MaxParallelTasks > 0 {
		return issue.Settings.TaskExecution.MaxParallelTasks
	}
	return 1
}

// autoExpandFilesAllowed adds co-located and __tests__-directory test
// variants for every non-test source file named in a task's
// filesAllowed, if not already present. Persists tasks.json.
func (m *Manager) autoExpandFilesAllowed(stateDir string) error {
	tasks, err := m.store.ReadTasksJSON(stateDir)
	if err != nil || tasks == nil {
		return err
	}

	changed := false
	for i := range tasks.Tasks {
		t := &tasks.Tasks[i]
		present := make(map[string]bool, len(t.FilesAllowed))
		for _, f := range t.FilesAllowed {
			present[f] = true
		}
		for _, f := range t.FilesAllowed {
			if isTestFile(f) {
				continue
			}
			for _, variant := range testVariantsFor(f) {
				if !present[variant] {
					t.FilesAllowed = append(t.FilesAllowed, variant)
					present[variant] = true
					changed = true
				}
			}
		}
	}

	if !changed {
		return nil
	}
	return m.store.WriteTasksJSON(stateDir, tasks)
}

func isTestFile(path string) bool {
	base := filepath.Base(path)
	return strings.Contains(path, "__tests__/") ||
		strings.Contains(base, ".test.") ||
		strings.HasSuffix(base, "_test.go") ||
		strings.HasPrefix(base, "test_")
}

func testVariantsFor(path string) []string {
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	dir := filepath.Dir(path)
	name := filepath.Base(path)
	return []string{
		base + ".test" + ext,
		filepath.Join(dir, "__tests__", name),
	}
}

// tryAutoCommitDesignDoc implements the design-doc checkpoint: if
// exactly one staged file matches docs/issue-<n>-design.md, commit it
// and advance to design_review. If other files are staged, refuse with
// a descriptive error and leave the phase untouched.
func (m *Manager) tryAutoCommitDesignDoc(sb *sandbox.Manager, issue *model.IssueJSON, s loopSession) (bool, error) {
	canonical := sb.CanonicalWorktreePath()
	staged, err := stagedFiles(canonical)
	if err != nil {
		return false, err
	}
	if len(staged) == 0 {
		return false, nil
	}

	wantPath := fmt.Sprintf("docs/issue-%d-design.md", issue.Issue.Number)
	if len(staged) != 1 || staged[0] != wantPath {
		return false, fmt.Errorf("Refusing to auto-commit design doc with other staged changes present")
	}

	subject := fmt.Sprintf("checkpoint issue #%d design doc (%s)", issue.Issue.Number, issue.Phase)
	if err := gitCommit(canonical, subject); err != nil {
		return false, err
	}

	issue.Phase = "design_review"
	if err := m.store.WriteIssueJSON(s.stateDir, issue); err != nil {
		return false, err
	}
	_ = m.store.AppendTagged(s.stateDir, store.TagTransition, issue.Phase)
	return true, nil
}

func stagedFiles(dir string) ([]string, error) {
	out, err := gitRun(dir, "diff", "--cached", "--name-only")
	if err != nil {
		return nil, fmt.Errorf("listing staged files: %w", err)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

func gitCommit(dir, subject string) error {
	if _, err := gitRun(dir, "commit", "-m", subject); err != nil {
		return fmt.Errorf("auto-committing design doc: %w", err)
	}
	return nil
}

func gitRun(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return string(out), err
}

