//go:build unix

// Package ptyproc runs a command inside a pseudo-terminal and exposes its
// output and exit as a single ordered event stream.
package ptyproc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sys/unix"

	"github.com/choonkeat/termbridge/internal/observability"
)

// NestingEnvVar is set by coding agents in their own shells. It is always
// removed from the child environment so an agent started in a pane does not
// believe it is running inside itself.
const NestingEnvVar = "CLAUDECODE"

const (
	readBufferSize = 4096

	// drainWindow bounds how long output is read after the process leader
	// exits. Background children may keep the PTY open indefinitely.
	drainWindow = 250 * time.Millisecond

	eventBuffer = 64
)

// EventKind distinguishes process events.
type EventKind int

const (
	EventData EventKind = iota + 1
	EventExit
)

// Event is a single item of the process event stream.
type Event struct {
	Kind     EventKind
	Data     []byte
	ExitCode int
}

// Spec describes the command to run.
type Spec struct {
	Command string
	Args    []string
	Dir     string
	Env     []string
	Cols    uint16
	Rows    uint16
}

// SpawnError reports that a process could not be started.
type SpawnError struct {
	Command string
	Dir     string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %q in %q: %v", e.Command, e.Dir, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Process is a running command attached to a PTY master.
type Process struct {
	cmd    *exec.Cmd
	ptmx   *os.File
	events chan Event
	logger *slog.Logger

	setSize func(*os.File, *pty.Winsize) error

	exited     chan struct{}
	readerDone chan struct{}
	closeOnce  sync.Once
	termOnce   sync.Once
}

// Spawner starts processes. The zero value uses creack/pty.
type Spawner struct {
	// StartWithSize is injectable for tests; defaults to pty.StartWithSize.
	StartWithSize func(*exec.Cmd, *pty.Winsize) (*os.File, error)
	// SetSize is injectable for tests; defaults to pty.Setsize.
	SetSize func(*os.File, *pty.Winsize) error
}

// Spawn starts spec with the default Spawner.
func Spawn(ctx context.Context, spec Spec) (*Process, error) {
	return Spawner{}.Spawn(ctx, spec)
}

// Spawn starts spec in a new PTY. The returned error is always a
// *SpawnError.
func (s Spawner) Spawn(ctx context.Context, spec Spec) (*Process, error) {
	logger := observability.FromContext(ctx)
	_, span := observability.Tracer("termbridge/ptyproc").Start(ctx, "pty.spawn")
	defer span.End()
	span.SetAttributes(
		attribute.String("pty.command", spec.Command),
		attribute.String("pty.dir", spec.Dir),
	)

	fail := func(err error) (*Process, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, &SpawnError{Command: spec.Command, Dir: spec.Dir, Err: err}
	}

	info, err := os.Stat(spec.Dir)
	if err != nil {
		return fail(fmt.Errorf("working directory: %w", err))
	}
	if !info.IsDir() {
		return fail(fmt.Errorf("working directory: %s is not a directory", spec.Dir))
	}

	path, err := exec.LookPath(spec.Command)
	if err != nil {
		return fail(err)
	}

	cmd := exec.Command(path, spec.Args...) //nolint:gosec // command comes from the agent table
	cmd.Dir = spec.Dir
	cmd.Env = BuildEnv(os.Environ(), spec.Env)

	start := s.StartWithSize
	if start == nil {
		start = pty.StartWithSize
	}
	setSize := s.SetSize
	if setSize == nil {
		setSize = pty.Setsize
	}

	ptmx, err := start(cmd, &pty.Winsize{Cols: orDefault(spec.Cols, 80), Rows: orDefault(spec.Rows, 24)})
	if err != nil {
		return fail(err)
	}

	p := &Process{
		cmd:        cmd,
		ptmx:       ptmx,
		events:     make(chan Event, eventBuffer),
		logger:     logger,
		setSize:    setSize,
		exited:     make(chan struct{}),
		readerDone: make(chan struct{}),
	}

	logger.Info("pty spawned",
		slog.String("event.type", "pty.spawn"),
		slog.String("pty.command", path),
		slog.Any("pty.args", spec.Args),
		slog.String("pty.dir", spec.Dir),
		slog.Int("pty.pid", p.Pid()),
	)

	go p.readLoop()
	go p.waitLoop()

	return p, nil
}

// Events returns the process event stream. Data events arrive in output
// order, followed by exactly one EventExit, after which the channel is
// closed. The stream must be drained for the process to be reaped.
func (p *Process) Events() <-chan Event { return p.events }

// Pid returns the process id, or 0 if unknown.
func (p *Process) Pid() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Exited reports whether the process has been reaped.
func (p *Process) Exited() bool {
	select {
	case <-p.exited:
		return true
	default:
		return false
	}
}

// Write sends input to the process. Failures are ignored: input routinely
// races with process exit.
func (p *Process) Write(data []byte) {
	if len(data) == 0 || p.Exited() {
		return
	}
	if _, err := p.ptmx.Write(data); err != nil {
		p.logger.Debug("pty write dropped", slog.String("event.type", "pty.write"), slog.Any("error", err))
	}
}

// Resize changes the terminal geometry. It is a no-op once the process
// has exited.
func (p *Process) Resize(cols, rows uint16) {
	if cols == 0 || rows == 0 || p.Exited() {
		return
	}
	if err := p.setSize(p.ptmx, &pty.Winsize{Cols: cols, Rows: rows}); err != nil {
		p.logger.Debug("pty resize dropped", slog.String("event.type", "pty.resize"), slog.Any("error", err))
	}
}

// Terminate asks the process group to exit with SIGTERM and escalates to
// SIGKILL if it is still running after grace. It returns immediately;
// completion is observed as EventExit.
func (p *Process) Terminate(grace time.Duration) {
	p.termOnce.Do(func() {
		pid := p.Pid()
		if pid <= 0 || p.Exited() {
			return
		}
		p.logger.Debug("terminating pty process",
			slog.String("event.type", "pty.terminate"),
			slog.Int("pty.pid", pid),
			slog.Duration("pty.grace", grace),
		)
		sendSignal(pid, unix.SIGTERM)

		go func() {
			timer := time.NewTimer(grace)
			defer timer.Stop()
			select {
			case <-p.exited:
			case <-timer.C:
				p.logger.Warn("pty process ignored SIGTERM, killing",
					slog.String("event.type", "pty.kill"),
					slog.Int("pty.pid", pid),
				)
				sendSignal(pid, unix.SIGKILL)
			}
		}()
	})
}

func (p *Process) readLoop() {
	defer close(p.readerDone)
	buf := make([]byte, readBufferSize)
	for {
		n, err := p.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			p.events <- Event{Kind: EventData, Data: chunk}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				// Linux reports EIO on the master once the slave side is gone.
				p.logger.Debug("pty read ended", slog.String("event.type", "pty.read"), slog.Any("error", err))
			}
			return
		}
	}
}

func (p *Process) waitLoop() {
	exitCode := 0
	if err := p.cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}
	close(p.exited)

	timer := time.NewTimer(drainWindow)
	select {
	case <-p.readerDone:
	case <-timer.C:
	}
	timer.Stop()
	p.closePTY()
	<-p.readerDone

	p.logger.Info("pty exited",
		slog.String("event.type", "pty.exit"),
		slog.Int("pty.pid", p.Pid()),
		slog.Int("pty.exit_code", exitCode),
	)
	p.events <- Event{Kind: EventExit, ExitCode: exitCode}
	close(p.events)
}

func (p *Process) closePTY() {
	p.closeOnce.Do(func() {
		_ = p.ptmx.Close()
	})
}

// sendSignal signals the process group led by pid, falling back to the
// process itself. pty.Start puts the child in its own session, so pid is
// also the group id.
func sendSignal(pid int, sig unix.Signal) {
	if err := unix.Kill(-pid, sig); err == nil || errors.Is(err, unix.ESRCH) {
		return
	}
	_ = unix.Kill(pid, sig)
}

// BuildEnv merges base and extra (extra wins), forces TERM and removes
// NestingEnvVar.
func BuildEnv(base, extra []string) []string {
	env := make([]string, 0, len(base)+len(extra)+1)
	index := make(map[string]int, len(base)+len(extra)+1)

	add := func(kv string) {
		key, _, _ := strings.Cut(kv, "=")
		if key == "" || key == NestingEnvVar {
			return
		}
		if i, ok := index[key]; ok {
			env[i] = kv
			return
		}
		index[key] = len(env)
		env = append(env, kv)
	}

	for _, kv := range base {
		add(kv)
	}
	add("TERM=xterm-256color")
	for _, kv := range extra {
		add(kv)
	}
	return env
}

func orDefault(v, def uint16) uint16 {
	if v == 0 {
		return def
	}
	return v
}
