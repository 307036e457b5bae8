package mcp

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// DefaultStopTimeout bounds how long Stop waits after SIGTERM before
// killing the subprocess.
const DefaultStopTimeout = 5 * time.Second

// ProcessConfig describes an MCP server subprocess.
type ProcessConfig struct {
	// Name labels log output; usually the catalog server name.
	Name string

	// Command is the executable to run.
	Command string

	// Args are command-line arguments passed to the executable.
	Args []string

	// Env are additional environment variables for the subprocess
	// (format: "KEY=VALUE"). These are appended to the current
	// process environment.
	Env []string

	// Dir is the working directory. Empty means the current one.
	Dir string

	// Logger is the structured logger for process diagnostics.
	Logger *slog.Logger
}

// ExitStatus describes how a subprocess ended.
type ExitStatus struct {
	// Code is the exit code for a normal exit, -1 otherwise.
	Code int

	// Signaled is true when the process was terminated by a signal.
	Signaled bool

	// Signal is the terminating signal when Signaled is true.
	Signal syscall.Signal
}

func (s ExitStatus) String() string {
	if s.Signaled {
		return "signal: " + s.Signal.String()
	}
	return fmt.Sprintf("exit status %d", s.Code)
}

// Process is a running MCP server subprocess and the parent ends of
// its stdin/stdout pipes. Each pipe end is closed exactly once no
// matter how many shutdown paths reach it.
type Process struct {
	name   string
	cmd    *exec.Cmd
	logger *slog.Logger

	stdin  *os.File // parent write end, child reads
	stdout *os.File // parent read end, child writes

	stdinOnce  sync.Once
	stdoutOnce sync.Once
	pipeCloses atomic.Int32

	exited chan struct{}
	mu     sync.Mutex
	state  *os.ProcessState

	stopOnce   sync.Once
	stopStatus ExitStatus
	stopErr    error
}

// StartProcess creates the stdin/stdout pipe pair and starts the
// subprocess. Child stderr is forwarded to the debug log. Any failure
// closes every descriptor created so far and returns a [*SpawnError].
func StartProcess(cfg ProcessConfig) (*Process, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Command == "" {
		return nil, &SpawnError{Command: cfg.Name, Err: errors.New("no command configured")}
	}

	childIn, parentIn, err := os.Pipe()
	if err != nil {
		return nil, &SpawnError{Command: cfg.Command, Err: fmt.Errorf("create stdin pipe: %w", err)}
	}
	parentOut, childOut, err := os.Pipe()
	if err != nil {
		childIn.Close()
		parentIn.Close()
		return nil, &SpawnError{Command: cfg.Command, Err: fmt.Errorf("create stdout pipe: %w", err)}
	}

	logger.Info("starting MCP subprocess",
		"command", cfg.Command,
		"args", cfg.Args,
	)

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = append(os.Environ(), cfg.Env...)
	cmd.Dir = cfg.Dir
	cmd.Stdin = childIn
	cmd.Stdout = childOut
	cmd.Stderr = &stderrLog{logger: logger}
	// Grandchildren that inherit stderr must not hold Wait open forever.
	cmd.WaitDelay = 2 * time.Second

	if err := cmd.Start(); err != nil {
		childIn.Close()
		parentIn.Close()
		parentOut.Close()
		childOut.Close()
		return nil, &SpawnError{Command: cfg.Command, Err: err}
	}

	// The child owns its ends now.
	childIn.Close()
	childOut.Close()

	p := &Process{
		name:   cfg.Name,
		cmd:    cmd,
		logger: logger,
		stdin:  parentIn,
		stdout: parentOut,
		exited: make(chan struct{}),
	}
	go p.wait()

	logger.Info("MCP subprocess started", "pid", cmd.Process.Pid)
	return p, nil
}

// PID returns the subprocess id.
func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// Exited is closed once the subprocess has been reaped.
func (p *Process) Exited() <-chan struct{} {
	return p.exited
}

// ClosePipes closes the parent ends of both pipes. Safe to call any
// number of times from any goroutine.
func (p *Process) ClosePipes() {
	p.stdinOnce.Do(func() {
		if err := p.stdin.Close(); err != nil {
			p.logger.Debug("close subprocess stdin", "error", err)
		}
		p.pipeCloses.Add(1)
	})
	p.stdoutOnce.Do(func() {
		if err := p.stdout.Close(); err != nil {
			p.logger.Debug("close subprocess stdout", "error", err)
		}
		p.pipeCloses.Add(1)
	})
}

// Status returns the exit status once the process has been reaped.
// The boolean is false while it is still running.
func (p *Process) Status() (ExitStatus, bool) {
	select {
	case <-p.exited:
	default:
		return ExitStatus{}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return exitStatus(p.state), true
}

// Stop closes both pipes, sends SIGTERM, waits up to timeout for the
// process to exit, then kills it. The process is always reaped before
// Stop returns. Stop is idempotent; later calls return the first
// result. A process that already exited on its own is not signaled.
func (p *Process) Stop(timeout time.Duration) (ExitStatus, error) {
	p.stopOnce.Do(func() {
		p.stopStatus, p.stopErr = p.stop(timeout)
	})
	return p.stopStatus, p.stopErr
}

func (p *Process) stop(timeout time.Duration) (ExitStatus, error) {
	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}
	p.ClosePipes()

	if st, done := p.Status(); done {
		p.logger.Info("MCP subprocess already exited", "pid", p.PID(), "status", st.String())
		return st, nil
	}

	p.logger.Info("stopping MCP subprocess", "pid", p.PID())

	var stopErr error
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		stopErr = fmt.Errorf("signal pid %d: %w", p.PID(), err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.exited:
	case <-timer.C:
		p.logger.Warn("MCP subprocess did not exit gracefully, killing",
			"pid", p.PID(),
			"timeout", timeout,
		)
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			stopErr = errors.Join(stopErr, fmt.Errorf("kill pid %d: %w", p.PID(), err))
		}
		<-p.exited
	}

	st, _ := p.Status()
	if st.Signaled {
		p.logger.Info("MCP subprocess terminated by signal", "pid", p.PID(), "signal", st.Signal.String())
	} else {
		p.logger.Info("MCP subprocess exited", "pid", p.PID(), "code", st.Code)
	}
	return st, stopErr
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.state = p.cmd.ProcessState
	p.mu.Unlock()

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		p.logger.Debug("MCP subprocess wait", "error", err)
	}
	close(p.exited)
}

func exitStatus(ps *os.ProcessState) ExitStatus {
	if ps == nil {
		return ExitStatus{Code: -1}
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return ExitStatus{Code: -1, Signaled: true, Signal: ws.Signal()}
	}
	return ExitStatus{Code: ps.ExitCode()}
}

// stderrLog forwards subprocess stderr lines to the debug log. It is
// not part of the protocol.
type stderrLog struct {
	logger *slog.Logger
	mu     sync.Mutex
	buf    []byte
}

const maxStderrLine = 64 * 1024

func (w *stderrLog) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, b...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) > maxStderrLine {
		w.emit(w.buf)
		w.buf = nil
	}
	return len(b), nil
}

func (w *stderrLog) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 {
		return
	}
	w.logger.Debug("MCP subprocess stderr", "line", string(line))
}
