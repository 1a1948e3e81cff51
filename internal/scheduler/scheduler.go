// Package scheduler implements the Task DAG Scheduler: a pure function
// that, given a task list and a concurrency cap, returns the tasks
// ready to execute next. It performs no I/O.
package scheduler

import (
	"sort"

	"jeeves/internal/model"
)

// eligible reports whether a task's own status allows it to run.
// Failed tasks are retryable without workflow intervention.
func eligible(status model.TaskStatus) bool {
	return status == model.TaskPending || status == model.TaskFailed
}

// ScheduleReady returns the tasks ready to execute: eligible status,
// every dependency passed, capped at cap, ordered by id ascending for
// determinism. An unknown dependsOn id makes a task permanently
// un-ready; it is simply omitted, never returned.
func ScheduleReady(tasks []model.Task, cap int) []model.Task {
	byID := make(map[string]model.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	ready := make([]model.Task, 0, len(tasks))
	for _, t := range tasks {
		if !eligible(t.Status) {
			continue
		}
		if allDepsPassed(t, byID) {
			ready = append(ready, t)
		}
	}

	sort.Slice(ready, func(i, j int) bool { return ready[i].ID < ready[j].ID })

	if cap > 0 && len(ready) > cap {
		ready = ready[:cap]
	}
	return ready
}

func allDepsPassed(t model.Task, byID map[string]model.Task) bool {
	for _, dep := range t.DependsOn {
		depTask, ok := byID[dep]
		if !ok || depTask.Status != model.TaskPassed {
			return false
		}
	}
	return true
}
