// Package store is the State Store: atomic JSON reads/writes over a
// per-issue state directory, plus an append-only viewer log. Every
// write replaces the target file as a whole so partially written
// files are never observable by a concurrent reader.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"

	"jeeves/internal/jeeveserr"
	"jeeves/internal/model"
)

const (
	issueFileName  = "issue.json"
	tasksFileName  = "tasks.json"
	viewerLogName  = "viewer-run.log"
	statusFileName = "viewer-run-status.json"

	dirMode  = 0o755
	fileMode = 0o644
)

// Store is the filesystem seam for all canonical state I/O. Fs
// defaults to the OS filesystem; tests substitute an in-memory one.
type Store struct {
	fs afero.Fs

	// appendMu serializes viewer log appends from this process. Other
	// processes rely on O_APPEND's single-write atomicity.
	appendMu sync.Mutex
}

// New returns a Store backed by the real filesystem.
func New() *Store {
	return &Store{fs: afero.NewOsFs()}
}

// NewWithFs returns a Store backed by the given afero filesystem,
// for tests.
func NewWithFs(fs afero.Fs) *Store {
	return &Store{fs: fs}
}

// writeJSONAtomic marshals v and replaces path via write-temp-then-
// rename in the same directory, so a reader never observes a partial
// file.
func (s *Store) writeJSONAtomic(path string, v any) error {
	dir := filepath.Dir(path)
	if err := s.fs.MkdirAll(dir, dirMode); err != nil {
		return fmt.Errorf("creating state dir %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", path, err)
	}

	tmp := path + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, fileMode); err != nil {
		return fmt.Errorf("writing temp file %s: %w", tmp, err)
	}
	if err := s.fs.Rename(tmp, path); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("renaming %s to %s: %w", tmp, path, err)
	}
	return nil
}

// WriteJSONAtomic exposes the atomic-write primitive for callers that
// persist entities outside issue.json/tasks.json (wave artifacts,
// worker mirrors).
func (s *Store) WriteJSONAtomic(path string, v any) error {
	return s.writeJSONAtomic(path, v)
}

func (s *Store) readJSON(path string, v any) (bool, error) {
	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("reading %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, &jeeveserr.MalformedJSON{Path: path, Err: err}
	}
	return true, nil
}

// ReadIssueJSON returns the issue state, or (nil, nil) when absent.
func (s *Store) ReadIssueJSON(stateDir string) (*model.IssueJSON, error) {
	var v model.IssueJSON
	ok, err := s.readJSON(filepath.Join(stateDir, issueFileName), &v)
	if err != nil || !ok {
		return nil, err
	}
	return &v, nil
}

// WriteIssueJSON atomically replaces issue.json.
func (s *Store) WriteIssueJSON(stateDir string, v *model.IssueJSON) error {
	return s.writeJSONAtomic(filepath.Join(stateDir, issueFileName), v)
}

// ReadTasksJSON returns the task list, or (nil, nil) when absent.
func (s *Store) ReadTasksJSON(stateDir string) (*model.TasksJSON, error) {
	var v model.TasksJSON
	ok, err := s.readJSON(filepath.Join(stateDir, tasksFileName), &v)
	if err != nil || !ok {
		return nil, err
	}
	return &v, nil
}

// WriteTasksJSON atomically replaces tasks.json.
func (s *Store) WriteTasksJSON(stateDir string, v *model.TasksJSON) error {
	return s.writeJSONAtomic(filepath.Join(stateDir, tasksFileName), v)
}

// WriteRunStatus atomically replaces viewer-run-status.json.
func (s *Store) WriteRunStatus(stateDir string, v *model.RunStatus) error {
	return s.writeJSONAtomic(filepath.Join(stateDir, statusFileName), v)
}

// AppendViewerLog appends one tagged line to viewer-run.log, creating
// the file and its directory if needed. A trailing newline is added if
// absent. Single-line atomicity is sufficient for concurrent writers;
// appendMu only serializes writers within this process.
func (s *Store) AppendViewerLog(stateDir, line string) error {
	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	if err := s.fs.MkdirAll(stateDir, dirMode); err != nil {
		return fmt.Errorf("creating state dir %s: %w", stateDir, err)
	}
	if len(line) == 0 || line[len(line)-1] != '\n' {
		line += "\n"
	}

	path := filepath.Join(stateDir, viewerLogName)
	f, err := s.fs.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, fileMode)
	if err != nil {
		return fmt.Errorf("opening viewer log %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write([]byte(line)); err != nil {
		return fmt.Errorf("appending to viewer log %s: %w", path, err)
	}
	return nil
}

// ViewerLogTag is one of the fixed prefixes the viewer log grammar
// defines.
type ViewerLogTag string

const (
	TagRunner     ViewerLogTag = "RUNNER"
	TagStdout     ViewerLogTag = "STDOUT"
	TagStderr     ViewerLogTag = "STDERR"
	TagParallel   ViewerLogTag = "PARALLEL"
	TagError      ViewerLogTag = "ERROR"
	TagStop       ViewerLogTag = "STOP"
	TagTimeout    ViewerLogTag = "TIMEOUT"
	TagIteration  ViewerLogTag = "ITERATION"
	TagComplete   ViewerLogTag = "COMPLETE"
	TagTransition ViewerLogTag = "TRANSITION"
)

// AppendTagged appends `[TAG] text` to the viewer log.
func (s *Store) AppendTagged(stateDir string, tag ViewerLogTag, text string) error {
	return s.AppendViewerLog(stateDir, fmt.Sprintf("[%s] %s", tag, text))
}

// StateDirExists reports whether the given issue state directory has
// been initialized (contains at least issue.json).
func (s *Store) StateDirExists(stateDir string) bool {
	ok, err := afero.Exists(s.fs, filepath.Join(stateDir, issueFileName))
	return err == nil && ok
}

// WorktreeExists reports whether a canonical worktree path exists and
// is a directory.
func (s *Store) WorktreeExists(path string) bool {
	info, err := s.fs.Stat(path)
	return err == nil && info.IsDir()
}
