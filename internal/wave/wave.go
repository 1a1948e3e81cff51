// Package wave is the Wave Runner: it executes one parallel wave of a
// task phase across a set of ready tasks, reserving them atomically,
// fanning out one worker per task, joining all outcomes, classifying
// the wave's result, and reconciling canonical state. Fan-out is a
// bounded worker pool: each task gets its own sandbox, its own child
// supervision, and reports through a buffered outcome channel; the
// wave completes when every channel has reported or the wave's cancel
// token fires.
package wave

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"jeeves/internal/child"
	"jeeves/internal/control"
	"jeeves/internal/invocation"
	"jeeves/internal/model"
	"jeeves/internal/sandbox"
	"jeeves/internal/scheduler"
	"jeeves/internal/store"
)

var tracer = otel.Tracer("jeeves/internal/wave")

// Runner executes waves for one issue.
type Runner struct {
	store      *store.Store
	sandbox    *sandbox.Manager
	supervisor *child.Supervisor
}

// New returns a wave Runner wired to the given collaborators.
func New(st *store.Store, sb *sandbox.Manager, sup *child.Supervisor) *Runner {
	return &Runner{store: st, sandbox: sb, supervisor: sup}
}

// Input parameterizes one wave execution.
type Input struct {
	Phase        string
	RunID        string
	WaveIndex    int
	Cap          int
	StateDir     string
	Workflow     string
	Provider     string
	Model        string
	WorkflowsDir string
	PromptsDir   string
	IssueRef     string
	DataDir      string
	Deadlines    child.Deadlines
	Stop         *control.StopToken
}

// doneMarkerName returns "<phase>.done".
func doneMarkerName(phase string) string { return phase + ".done" }

// workerResult is one worker's raw execution outcome before
// classification.
type workerResult struct {
	taskID       string
	setupErr     error
	childOutcome child.ChildOutcome
	skippedDone  bool
}

// Run executes one wave and returns its outcome. It never leaves a
// reserved task in_progress when it returns: every exit path either
// classifies to passed/failed or rolls back to the pre-reservation
// status.
func (r *Runner) Run(ctx context.Context, in Input) (model.WaveOutcome, error) {
	waveCtx, span := tracer.Start(ctx, "wave.run",
		trace.WithAttributes(attribute.String("wave.phase", in.Phase), attribute.Int("wave.index", in.WaveIndex)))
	defer span.End()

	issue, err := r.store.ReadIssueJSON(in.StateDir)
	if err != nil {
		return model.WaveOutcome{}, err
	}
	tasks, err := r.store.ReadTasksJSON(in.StateDir)
	if err != nil {
		return model.WaveOutcome{}, err
	}

	waveID, taskIDs, reservedStatus, isNew, err := r.reserve(in, issue, tasks)
	if err != nil {
		return model.WaveOutcome{}, err
	}
	if len(taskIDs) == 0 {
		return model.WaveOutcome{Reason: model.WaveOK, PerTask: map[string]model.TaskResult{}}, nil
	}
	_ = isNew
	span.SetAttributes(attribute.String("wave.id", waveID), attribute.StringSlice("wave.tasks", taskIDs))

	startedAt := time.Now()

	runCtx, cancel := in.Stop.Context(waveCtx)
	defer cancel()

	results := r.executeAll(runCtx, in, taskIDs, issue, tasks)

	reason, perTask, diagnostics := r.classify(runCtx, in, results, reservedStatus)

	if err := r.reconcile(in, issue, tasks, waveID, reason, perTask); err != nil {
		return model.WaveOutcome{}, err
	}

	artifact := model.WaveArtifact{
		WaveID:      waveID,
		RunID:       in.RunID,
		Phase:       in.Phase,
		WaveIndex:   in.WaveIndex,
		Reason:      reason,
		PerTask:     perTask,
		Diagnostics: diagnostics,
		StartedAt:   startedAt,
		EndedAt:     time.Now(),
	}
	artifactPath := filepath.Join(in.StateDir, ".runs", in.RunID, "waves", waveID+".json")
	if err := r.store.WriteJSONAtomic(artifactPath, artifact); err != nil {
		return model.WaveOutcome{}, fmt.Errorf("writing wave artifact: %w", err)
	}

	return model.WaveOutcome{Reason: reason, PerTask: perTask}, nil
}

// reserve implements the reservation protocol: resume an existing
// bookmark matching this run, or reserve a freshly scheduled set and
// persist the bookmark before any child spawns.
func (r *Runner) reserve(in Input, issue *model.IssueJSON, tasks *model.TasksJSON) (waveID string, taskIDs []string, reservedStatus map[string]string, isNew bool, err error) {
	if issue.Status.Parallel != nil && issue.Status.Parallel.RunID == in.RunID {
		b := issue.Status.Parallel
		return b.ActiveWaveID, b.ActiveWaveTaskIDs, b.ReservedStatusByTaskID, false, nil
	}

	ready := scheduler.ScheduleReady(tasks.Tasks, in.Cap)
	if len(ready) == 0 {
		return "", nil, nil, true, nil
	}

	waveID = fmt.Sprintf("%s-%s-%d", in.RunID, in.Phase, in.WaveIndex)
	reservedStatus = make(map[string]string, len(ready))
	taskIDs = make([]string, 0, len(ready))
	for _, t := range ready {
		reservedStatus[t.ID] = string(t.Status)
		taskIDs = append(taskIDs, t.ID)
		if pt := tasks.FindTask(t.ID); pt != nil {
			pt.Status = model.TaskInProgress
		}
	}

	issue.Status.Parallel = &model.ParallelBookmark{
		RunID:                  in.RunID,
		ActiveWaveID:           waveID,
		ActiveWavePhase:        in.Phase,
		ActiveWaveTaskIDs:      taskIDs,
		ReservedStatusByTaskID: reservedStatus,
		ReservedAt:             time.Now(),
	}

	if err = r.store.WriteTasksJSON(in.StateDir, tasks); err != nil {
		return "", nil, nil, true, fmt.Errorf("persisting reservation (tasks): %w", err)
	}
	if err = r.store.WriteIssueJSON(in.StateDir, issue); err != nil {
		return "", nil, nil, true, fmt.Errorf("persisting reservation (issue): %w", err)
	}
	return waveID, taskIDs, reservedStatus, true, nil
}

// executeAll fans out one worker per reserved task and joins on all
// of them, honoring the wave's cancel token.
func (r *Runner) executeAll(ctx context.Context, in Input, taskIDs []string, issue *model.IssueJSON, tasks *model.TasksJSON) []workerResult {
	resultsCh := make(chan workerResult, len(taskIDs))
	var wg sync.WaitGroup

	for _, taskID := range taskIDs {
		wg.Add(1)
		go func(taskID string) {
			defer wg.Done()
			resultsCh <- r.executeOne(ctx, in, taskID, issue, tasks)
		}(taskID)
	}

	wg.Wait()
	close(resultsCh)

	results := make([]workerResult, 0, len(taskIDs))
	for res := range resultsCh {
		results = append(results, res)
	}
	return results
}

func (r *Runner) executeOne(ctx context.Context, in Input, taskID string, issue *model.IssueJSON, tasks *model.TasksJSON) workerResult {
	if err := r.sandbox.CreateWorkerSandbox(ctx, in.RunID, taskID, issue, tasks); err != nil {
		return workerResult{taskID: taskID, setupErr: err}
	}

	workerStateDir := r.sandbox.WorkerStateDir(in.RunID, taskID)
	donePath := filepath.Join(workerStateDir, doneMarkerName(in.Phase))
	if _, err := os.Stat(donePath); err == nil {
		return workerResult{taskID: taskID, skippedDone: true}
	}

	args := invocation.Args(in.Workflow, in.Phase, in.Provider, in.WorkflowsDir, in.PromptsDir, in.IssueRef)
	env := invocation.Env(in.DataDir, in.Model)
	workerWorktree := r.sandbox.WorkerWorktreePath(in.RunID, taskID)
	lastRunLog := filepath.Join(workerStateDir, "last-run.log")

	outcome, err := r.supervisor.RunChild(ctx, args, env, workerWorktree, in.StateDir, lastRunLog, in.Deadlines)
	if err != nil {
		return workerResult{taskID: taskID, setupErr: err}
	}
	return workerResult{taskID: taskID, childOutcome: outcome}
}

// classify turns raw worker results into a wave reason and per-task
// classification. It never mutates issue/tasks; callers persist the
// decisions in reconcile.
func (r *Runner) classify(ctx context.Context, in Input, results []workerResult, reservedStatus map[string]string) (model.WaveReason, map[string]model.TaskResult, []string) {
	var diagnostics []string

	if in.Stop.Stopped() {
		perTask := make(map[string]model.TaskResult, len(reservedStatus))
		for id, status := range reservedStatus {
			perTask[id] = model.TaskResult{Status: model.TaskStatus(status), Notes: "rolled back: stopped"}
		}
		return model.WaveStopped, perTask, diagnostics
	}

	for _, res := range results {
		if res.setupErr != nil {
			diagnostics = append(diagnostics, fmt.Sprintf("%s: setup failed: %v", res.taskID, res.setupErr))
		}
	}
	if len(diagnostics) > 0 {
		perTask := make(map[string]model.TaskResult, len(reservedStatus))
		for id, status := range reservedStatus {
			perTask[id] = model.TaskResult{Status: model.TaskStatus(status), Notes: "rolled back: setup failure"}
		}
		return model.WaveSetupFailure, perTask, diagnostics
	}

	for _, res := range results {
		if res.childOutcome.TimedOut {
			diagnostics = append(diagnostics, fmt.Sprintf("%s: timed out (%s)", res.taskID, res.childOutcome.Kind))
		}
	}
	if len(diagnostics) > 0 {
		perTask := make(map[string]model.TaskResult, len(results))
		for id := range reservedStatus {
			perTask[id] = model.TaskResult{Status: model.TaskFailed, Notes: "timeout"}
		}
		return model.WaveTimeout, perTask, diagnostics
	}

	perTask := make(map[string]model.TaskResult, len(results))
	for _, res := range results {
		status, notes := r.classifyTaskOutcome(ctx, in, res)
		perTask[res.taskID] = model.TaskResult{Status: status, Notes: notes}
		if notes != "" {
			diagnostics = append(diagnostics, fmt.Sprintf("%s: %s", res.taskID, notes))
		}
	}
	return model.WaveOK, perTask, diagnostics
}

// classifyTaskOutcome decides a single task's final status from its
// worker's exit (or its pre-existing done marker), performing the
// canonical merge for spec-check waves.
func (r *Runner) classifyTaskOutcome(ctx context.Context, in Input, res workerResult) (model.TaskStatus, string) {
	exitedOK := res.skippedDone || res.childOutcome.ExitCode == 0
	if !exitedOK {
		return model.TaskFailed, fmt.Sprintf("child exited %d", res.childOutcome.ExitCode)
	}

	if in.Phase != "task_spec_check" {
		return model.TaskPassed, ""
	}

	mergeResult, err := r.sandbox.MergeWorkerIntoCanonical(ctx, res.taskID)
	switch {
	case err == nil && mergeResult.Outcome == sandbox.MergeOK:
		return model.TaskPassed, ""
	case mergeResult.Outcome == sandbox.MergeConflict:
		if writeErr := r.writeConflictFeedback(in, res.taskID); writeErr != nil {
			return model.TaskFailed, fmt.Sprintf("merge conflict (feedback write failed: %v)", writeErr)
		}
		return model.TaskFailed, "merge conflict"
	default:
		return model.TaskFailed, fmt.Sprintf("merge failure: %s", mergeResult.Output)
	}
}

func (r *Runner) writeConflictFeedback(in Input, taskID string) error {
	dir := filepath.Join(in.StateDir, "task-feedback")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	content := fmt.Sprintf("# Retry guidance for %s\n\nThe spec-check wave's merge of this task's branch into the canonical branch\nconflicted. See the wave artifact under .runs/%s/waves/ for details.\n", taskID, in.RunID)
	return os.WriteFile(filepath.Join(dir, taskID+".md"), []byte(content), 0o644)
}

// reconcile applies the classified outcome to tasks.json and
// issue.json.status, clearing the parallel bookmark unconditionally:
// it must never survive past a wave's end.
func (r *Runner) reconcile(in Input, issue *model.IssueJSON, tasks *model.TasksJSON, waveID string, reason model.WaveReason, perTask map[string]model.TaskResult) error {
	for taskID, result := range perTask {
		if t := tasks.FindTask(taskID); t != nil {
			t.Status = result.Status
		}
	}

	issue.Status.Parallel = nil

	if reason == model.WaveOK {
		var anyPassed, anyFailed bool
		for _, result := range perTask {
			if result.Status == model.TaskPassed {
				anyPassed = true
			}
			if result.Status == model.TaskFailed {
				anyFailed = true
			}
		}
		issue.Status.TaskPassed = anyPassed
		issue.Status.TaskFailed = anyFailed

		var hasMore, allComplete = false, true
		for _, t := range tasks.Tasks {
			if t.Status == model.TaskPending || t.Status == model.TaskFailed {
				hasMore = true
			}
			if t.Status != model.TaskPassed {
				allComplete = false
			}
		}
		issue.Status.HasMoreTasks = hasMore
		issue.Status.AllTasksComplete = allComplete
	}
	// timeout/setup_failure/stopped: task-result flags are intentionally
	// left untouched; only rollback/failure bookkeeping happened above.

	if err := r.store.WriteTasksJSON(in.StateDir, tasks); err != nil {
		return fmt.Errorf("reconciling tasks.json: %w", err)
	}
	if err := r.store.WriteIssueJSON(in.StateDir, issue); err != nil {
		return fmt.Errorf("reconciling issue.json: %w", err)
	}

	tag := store.TagParallel
	msg := fmt.Sprintf("wave %s ended: %s", waveID, reason)
	if reason == model.WaveSetupFailure {
		tag = store.TagError
		msg = "setup failure: " + msg
	}
	return r.store.AppendTagged(in.StateDir, tag, msg)
}
