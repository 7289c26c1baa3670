package runner

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"time"
)

// Spec describes one executor invocation.
type Spec struct {
	Path   string
	Args   []string
	Dir    string
	Env    []string
	Stdin  io.Reader
	Output io.Writer
}

// Process is a handle on a started executor.
type Process interface {
	// PID returns the operating system process id.
	PID() int

	// Wait blocks until the process exits and returns its exit code. A
	// process that died from a signal reports -1.
	Wait() (int, error)

	// Terminate asks the process (and its group, where supported) to exit.
	Terminate() error

	// Kill forcibly stops the process (and its group, where supported).
	Kill() error
}

// Launcher starts executor processes.
type Launcher interface {
	Start(ctx context.Context, spec Spec) (Process, error)
}

// ExecLauncher starts real processes with os/exec. On unix each executor is
// placed in its own process group so that signals reach its children too.
type ExecLauncher struct {
	// WaitDelay bounds how long Wait waits for output pipes after the
	// process exits. Grandchildren holding the pipe open would otherwise
	// block Wait indefinitely.
	WaitDelay time.Duration
}

// Start launches spec.
func (l ExecLauncher) Start(_ context.Context, spec Spec) (Process, error) {
	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = spec.Env
	}
	cmd.Stdin = spec.Stdin
	cmd.Stdout = spec.Output
	cmd.Stderr = spec.Output
	cmd.WaitDelay = l.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = 5 * time.Second
	}
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) PID() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	code := -1
	if p.cmd.ProcessState != nil {
		code = p.cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return code, nil
	}
	if errors.Is(err, exec.ErrWaitDelay) {
		// The process itself exited; only the pipe copy was cut short.
		return code, nil
	}
	return code, err
}

func (p *execProcess) Terminate() error {
	return terminateGroup(p.cmd.Process)
}

func (p *execProcess) Kill() error {
	return killGroup(p.cmd.Process)
}
