// Package child is the Child Supervisor: it spawns the runner
// subprocess, streams its stdout/stderr into the viewer log, tracks
// PID/exit code, and enforces inactivity and iteration timeouts with
// a graceful-then-forceful kill escalation. Subprocess supervision is
// structured as one goroutine watching stdout, one watching stderr,
// one watching last-run.log growth, and one waiting on exit, all
// cancelled through a shared context.
package child

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"jeeves/internal/jeeveserr"
	"jeeves/internal/store"
)

var tracer = otel.Tracer("jeeves/internal/child")

// SpawnFunc constructs (but does not start) the command to run. Tests
// substitute a fake runner binary here; production wires the real
// runner's binary path.
type SpawnFunc func(ctx context.Context, args []string, env []string, cwd string) *exec.Cmd

// Deadlines bounds one child invocation. Both must be at least one
// second.
type Deadlines struct {
	InactivitySec float64
	IterationSec  float64
}

func (d Deadlines) inactivity() time.Duration {
	return time.Duration(max1(d.InactivitySec) * float64(time.Second))
}

func (d Deadlines) iteration() time.Duration {
	return time.Duration(max1(d.IterationSec) * float64(time.Second))
}

func max1(s float64) float64 {
	if s < 1 {
		return 1
	}
	return s
}

// ChildOutcome is what runChild returns after the child exits or is
// killed.
type ChildOutcome struct {
	ExitCode int
	Signal   int
	TimedOut bool
	Kind     jeeveserr.ChildTimeoutKind
}

// killGrace is how long the supervisor waits after SIGTERM before
// escalating to SIGKILL.
const killGrace = 3 * time.Second

// pollInterval is how often the inactivity watcher checks last-run.log.
const pollInterval = 150 * time.Millisecond

// Supervisor runs one child at a time on behalf of the Run Manager or
// a wave worker.
type Supervisor struct {
	store *store.Store
	spawn SpawnFunc
}

// New returns a Supervisor using spawn to construct child commands and
// st to append tagged viewer log lines.
func New(st *store.Store, spawn SpawnFunc) *Supervisor {
	return &Supervisor{store: st, spawn: spawn}
}

// RunChild spawns one runner subprocess, streams its output into
// viewerLogDir's viewer log, watches lastRunLogPath for inactivity,
// and enforces deadlines. If ctx is cancelled before the child exits
// naturally, it triggers the same terminate-then-kill escalation as a
// timeout.
func (s *Supervisor) RunChild(ctx context.Context, args []string, env []string, cwd, viewerLogDir, lastRunLogPath string, deadlines Deadlines) (ChildOutcome, error) {
	spanCtx, span := tracer.Start(ctx, "child.run",
		trace.WithAttributes(attribute.StringSlice("child.args", args)))
	defer span.End()

	cmd := s.spawn(spanCtx, args, env, cwd)
	cmd.Stdin = nil

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		span.RecordError(err)
		return ChildOutcome{}, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		span.RecordError(err)
		return ChildOutcome{}, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "start failed")
		return ChildOutcome{}, fmt.Errorf("starting child: %w", err)
	}
	span.SetAttributes(attribute.Int("child.pid", cmd.Process.Pid))

	var wg sync.WaitGroup
	wg.Add(2)
	go s.streamLines(&wg, stdout, viewerLogDir, store.TagStdout)
	go s.streamLines(&wg, stderr, viewerLogDir, store.TagStderr)

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	inactivityTimer := time.NewTimer(deadlines.inactivity())
	iterationTimer := time.NewTimer(deadlines.iteration())
	defer inactivityTimer.Stop()
	defer iterationTimer.Stop()

	watchDone := make(chan struct{})
	go s.watchActivity(watchDone, lastRunLogPath, inactivityTimer, deadlines.inactivity())
	defer close(watchDone)

	var outcome ChildOutcome
	var waitErr error

	select {
	case waitErr = <-waitCh:
	case <-iterationTimer.C:
		outcome.TimedOut = true
		outcome.Kind = jeeveserr.ChildTimeoutIteration
		_ = s.store.AppendTagged(viewerLogDir, store.TagTimeout, "iteration deadline exceeded")
		waitErr = s.killEscalate(cmd, waitCh)
	case <-inactivityTimer.C:
		outcome.TimedOut = true
		outcome.Kind = jeeveserr.ChildTimeoutInactivity
		_ = s.store.AppendTagged(viewerLogDir, store.TagTimeout, "inactivity deadline exceeded")
		waitErr = s.killEscalate(cmd, waitCh)
	case <-ctx.Done():
		outcome.TimedOut = true
		outcome.Kind = jeeveserr.ChildTimeoutIteration
		_ = s.store.AppendTagged(viewerLogDir, store.TagStop, "child cancelled")
		waitErr = s.killEscalate(cmd, waitCh)
	}

	wg.Wait()

	outcome.ExitCode, outcome.Signal = classifyExit(waitErr)
	span.SetAttributes(
		attribute.Int("child.exit_code", outcome.ExitCode),
		attribute.Bool("child.timed_out", outcome.TimedOut),
	)
	if outcome.ExitCode != 0 {
		span.SetStatus(codes.Error, "non-zero exit")
	}
	return outcome, nil
}

// killEscalate sends SIGTERM, waits killGrace, and escalates to
// SIGKILL if the process is still alive.
func (s *Supervisor) killEscalate(cmd *exec.Cmd, waitCh chan error) error {
	if cmd.Process != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}
	select {
	case err := <-waitCh:
		return err
	case <-time.After(killGrace):
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		return <-waitCh
	}
}

// classifyExit normalizes a Wait error into (exitCode, signal),
// encoding signal termination as 128+signum per POSIX convention.
func classifyExit(err error) (exitCode, signal int) {
	if err == nil {
		return 0, 0
	}
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return -1, 0
	}
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		return exitErr.ExitCode(), 0
	}
	if status.Signaled() {
		signo := int(status.Signal())
		return 128 + signo, signo
	}
	return status.ExitStatus(), 0
}

func (s *Supervisor) streamLines(wg *sync.WaitGroup, r io.Reader, stateDir string, tag store.ViewerLogTag) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		_ = s.store.AppendTagged(stateDir, tag, scanner.Text())
	}
}

// watchActivity polls lastRunLog's mtime/size and resets inactivity
// whenever it grows, until watchDone closes.
func (s *Supervisor) watchActivity(watchDone <-chan struct{}, lastRunLog string, inactivityTimer *time.Timer, inactivityDur time.Duration) {
	var lastSize int64 = -1
	var lastMod time.Time

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-watchDone:
			return
		case <-ticker.C:
			info, err := os.Stat(lastRunLog)
			if err != nil {
				continue
			}
			if info.Size() != lastSize || info.ModTime().After(lastMod) {
				lastSize = info.Size()
				lastMod = info.ModTime()
				if !inactivityTimer.Stop() {
					select {
					case <-inactivityTimer.C:
					default:
					}
				}
				inactivityTimer.Reset(inactivityDur)
			}
		}
	}
}
