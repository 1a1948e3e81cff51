package child

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jeeves/internal/store"
)

// TestHelperProcess is not a real test; it is re-executed as a child
// process by tests in this file, following the standard library's
// os/exec test helper pattern (see exec_test.go upstream).
func TestHelperProcess(t *testing.T) {
	if os.Getenv("JEEVES_WANT_HELPER_PROCESS") != "1" {
		return
	}
	defer os.Exit(0)

	switch os.Getenv("JEEVES_HELPER_MODE") {
	case "sleep":
		time.Sleep(10 * time.Second)
	case "hang-ignore-term":
		// SIGTERM is ignored; relies on the test's grace window
		// expiring and escalating to SIGKILL.
		signal.Ignore(syscall.SIGTERM)
		time.Sleep(10 * time.Second)
	case "fail":
		fmt.Fprintln(os.Stderr, "boom")
		os.Exit(3)
	default:
		fmt.Println("hello from runner")
	}
}

func helperSpawn(t *testing.T, mode string) SpawnFunc {
	t.Helper()
	return func(ctx context.Context, args []string, env []string, cwd string) *exec.Cmd {
		cs := []string{"-test.run=TestHelperProcess", "--"}
		cmd := exec.CommandContext(ctx, os.Args[0], cs...)
		cmd.Env = append(os.Environ(), "JEEVES_WANT_HELPER_PROCESS=1", "JEEVES_HELPER_MODE="+mode)
		cmd.Dir = cwd
		return cmd
	}
}

func TestSupervisor_RunChild_Success(t *testing.T) {
	stateDir := t.TempDir()
	st := store.New()
	sup := New(st, helperSpawn(t, "ok"))

	outcome, err := sup.RunChild(context.Background(), nil, nil, stateDir, stateDir, filepath.Join(stateDir, "last-run.log"), Deadlines{InactivitySec: 5, IterationSec: 5})
	require.NoError(t, err)
	assert.Equal(t, 0, outcome.ExitCode)
	assert.False(t, outcome.TimedOut)

	data, err := os.ReadFile(filepath.Join(stateDir, "viewer-run.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "[STDOUT] hello from runner")
}

func TestSupervisor_RunChild_NonZeroExit(t *testing.T) {
	stateDir := t.TempDir()
	st := store.New()
	sup := New(st, helperSpawn(t, "fail"))

	outcome, err := sup.RunChild(context.Background(), nil, nil, stateDir, stateDir, filepath.Join(stateDir, "last-run.log"), Deadlines{InactivitySec: 5, IterationSec: 5})
	require.NoError(t, err)
	assert.Equal(t, 3, outcome.ExitCode)
}

func TestSupervisor_RunChild_IterationTimeoutKillsChild(t *testing.T) {
	stateDir := t.TempDir()
	st := store.New()
	sup := New(st, helperSpawn(t, "hang-ignore-term"))

	start := time.Now()
	outcome, err := sup.RunChild(context.Background(), nil, nil, stateDir, stateDir, filepath.Join(stateDir, "last-run.log"), Deadlines{InactivitySec: 30, IterationSec: 1})
	require.NoError(t, err)
	assert.True(t, outcome.TimedOut)
	assert.Less(t, time.Since(start), 8*time.Second)

	data, _ := os.ReadFile(filepath.Join(stateDir, "viewer-run.log"))
	assert.Contains(t, string(data), "[TIMEOUT]")
}
