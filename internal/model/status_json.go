package model

import "encoding/json"

// knownStatusFields lists the issue.json status keys this struct interprets
// directly; everything else round-trips through Rest.
var knownStatusFields = map[string]struct{}{
	"currentTaskId":             {},
	"preCheckPassed":            {},
	"taskDecompositionComplete": {},
	"taskPassed":                {},
	"taskFailed":                {},
	"hasMoreTasks":              {},
	"allTasksComplete":          {},
	"parallel":                  {},
}

// statusAlias avoids infinite recursion into IssueStatus's own
// Marshal/Unmarshal when round-tripping the known fields.
type statusAlias IssueStatus

// UnmarshalJSON decodes the known flags into typed fields and stashes
// every other key verbatim in Rest, so runner-owned extensions to
// issue.json.status survive a core rewrite untouched.
func (s *IssueStatus) UnmarshalJSON(data []byte) error {
	var alias statusAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	*s = IssueStatus(alias)

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	rest := make(map[string]any, len(raw))
	for k, v := range raw {
		if _, known := knownStatusFields[k]; known {
			continue
		}
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			continue
		}
		rest[k] = val
	}
	if len(rest) > 0 {
		s.Rest = rest
	}
	return nil
}

// MarshalJSON emits the known flags alongside Rest's verbatim keys.
func (s IssueStatus) MarshalJSON() ([]byte, error) {
	out := map[string]any{}
	for k, v := range s.Rest {
		out[k] = v
	}
	if s.CurrentTaskID != "" {
		out["currentTaskId"] = s.CurrentTaskID
	}
	if s.PreCheckPassed {
		out["preCheckPassed"] = s.PreCheckPassed
	}
	if s.TaskDecompositionComplete {
		out["taskDecompositionComplete"] = s.TaskDecompositionComplete
	}
	if s.TaskPassed {
		out["taskPassed"] = s.TaskPassed
	}
	if s.TaskFailed {
		out["taskFailed"] = s.TaskFailed
	}
	if s.HasMoreTasks {
		out["hasMoreTasks"] = s.HasMoreTasks
	}
	if s.AllTasksComplete {
		out["allTasksComplete"] = s.AllTasksComplete
	}
	if s.Parallel != nil {
		out["parallel"] = s.Parallel
	}
	return json.Marshal(out)
}
