// Package runner drives one invocation of the external task executor.
//
// A run spawns the executor with the instruction payload, streams its
// interleaved output to a scratch log and an in-memory tail, and watches for
// stalls on the heartbeat interval. A stalled or cancelled executor is stopped
// with a graceful signal followed, after a grace period, by a forced kill.
// Every failure is folded into a Result; RunOnce never returns an error.
package runner

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/Iron-Ham/autoloop/internal/errors"
	"github.com/Iron-Ham/autoloop/internal/heartbeat"
	"github.com/Iron-Ham/autoloop/internal/logging"
	"github.com/Iron-Ham/autoloop/internal/outcome"
)

// InstructionPlaceholder is replaced by the instruction payload in command
// arguments.
const InstructionPlaceholder = "{{instruction}}"

// Defaults used when Config leaves a field zero.
const (
	DefaultTailBytes         = 64 * 1024
	DefaultStallTimeout      = 15 * time.Minute
	DefaultKillGrace         = 10 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultCompletionMarker  = "<promise>COMPLETE</promise>"
)

// Config controls a Runner.
type Config struct {
	Command           []string
	Instruction       string
	CompletionMarker  string
	Dir               string
	Env               []string
	ScratchDir        string
	StallTimeout      time.Duration
	KillGrace         time.Duration
	HeartbeatInterval time.Duration
	TailBytes         int
}

func (c *Config) applyDefaults() {
	if c.CompletionMarker == "" {
		c.CompletionMarker = DefaultCompletionMarker
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = DefaultStallTimeout
	}
	if c.KillGrace <= 0 {
		c.KillGrace = DefaultKillGrace
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.TailBytes <= 0 {
		c.TailBytes = DefaultTailBytes
	}
}

// Result is the outcome of a single executor run.
type Result struct {
	Outcome    outcome.Outcome
	ExitCode   int
	Stalled    bool
	Tail       string
	Err        error
	PID        int
	StartedAt  time.Time
	FinishedAt time.Time
}

// Runner runs the executor. It is not safe for concurrent RunOnce calls.
type Runner struct {
	cfg      Config
	launcher Launcher
	reporter *heartbeat.Reporter
	logger   *logging.Logger
	now      func() time.Time
	lookPath func(string) (string, error)
}

// Option configures a Runner.
type Option func(*Runner)

// WithLauncher replaces the os/exec launcher.
func WithLauncher(l Launcher) Option {
	return func(r *Runner) { r.launcher = l }
}

// WithLogger attaches a logger.
func WithLogger(logger *logging.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// WithLookPath replaces exec.LookPath for preflight.
func WithLookPath(fn func(string) (string, error)) Option {
	return func(r *Runner) { r.lookPath = fn }
}

// New creates a Runner. reporter receives output observations and ticks.
func New(cfg Config, reporter *heartbeat.Reporter, opts ...Option) *Runner {
	cfg.applyDefaults()
	r := &Runner{
		cfg:      cfg,
		launcher: ExecLauncher{},
		reporter: reporter,
		logger:   logging.NopLogger(),
		now:      time.Now,
		lookPath: exec.LookPath,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Config returns the effective configuration.
func (r *Runner) Config() Config {
	return r.cfg
}

// RunOnce invokes the executor once and maps the run to an outcome.
func (r *Runner) RunOnce(ctx context.Context) Result {
	res := Result{StartedAt: r.now()}
	finish := func() Result {
		res.FinishedAt = r.now()
		r.publish(ctx, "finished", res.Outcome.String())
		return res
	}

	path, args, stdin, err := r.preflight()
	if err != nil {
		res.Outcome = outcome.Fatal
		res.ExitCode = outcome.ExitFatal
		res.Tail = err.Error()
		res.Err = err
		r.logger.Error("executor preflight failed", "error", err)
		return finish()
	}

	tail := NewTailBuffer(r.cfg.TailBytes)
	scratch, scratchPath := r.openScratch()
	out := &outputWriter{tail: tail, scratch: scratch, reporter: r.reporter, now: r.now, lastOutput: res.StartedAt}
	defer func() {
		if scratch != nil {
			_ = scratch.Close()
			_ = os.Remove(scratchPath)
		}
	}()

	if r.reporter != nil {
		r.reporter.ResetOutput(res.StartedAt)
	}
	r.publish(ctx, "running", "started")

	proc, err := r.launcher.Start(ctx, Spec{
		Path:   path,
		Args:   args,
		Dir:    r.cfg.Dir,
		Env:    r.cfg.Env,
		Stdin:  stdin,
		Output: out,
	})
	if err != nil {
		res.Err = errors.NewRunnerError("failed to start executor", err).WithCommand(r.cfg.Command[0])
		res.Outcome = outcome.Retryable
		res.ExitCode = -1
		res.Tail = res.Err.Error()
		r.logger.Warn("executor spawn failed", "error", err)
		return finish()
	}
	res.PID = proc.PID()
	r.logger.Info("executor started", "pid", res.PID, "command", r.cfg.Command[0])

	w := r.supervise(ctx, proc, out)
	res.ExitCode = w.code
	res.Stalled = w.stalled
	res.Tail = tail.String()

	switch {
	case strings.Contains(res.Tail, r.cfg.CompletionMarker):
		res.Outcome = outcome.Complete
	case w.stalled:
		res.Outcome = outcome.Retryable
		res.Err = errors.NewRunnerError("executor produced no output", errors.ErrStalled).
			WithCommand(r.cfg.Command[0]).WithPID(res.PID)
	case w.canceled:
		res.Outcome = outcome.Retryable
		res.Err = ctx.Err()
	case w.err != nil:
		res.Outcome = outcome.Retryable
		res.Err = errors.NewRunnerError("executor wait failed", w.err).WithPID(res.PID)
	case w.code != 0:
		res.Outcome = outcome.Retryable
		res.Err = errors.NewRunnerError(fmt.Sprintf("executor exited with status %d", w.code), nil).
			WithCommand(r.cfg.Command[0]).WithPID(res.PID)
	default:
		res.Outcome = outcome.OK
	}

	r.logger.Info("executor finished",
		"pid", res.PID,
		"exit_code", w.code,
		"stalled", w.stalled,
		"outcome", res.Outcome.String(),
		"tail_bytes", tail.Len(),
	)
	return finish()
}

// preflight resolves the executor and builds its argument list.
func (r *Runner) preflight() (string, []string, io.Reader, error) {
	if len(r.cfg.Command) == 0 || strings.TrimSpace(r.cfg.Command[0]) == "" {
		return "", nil, nil, fmt.Errorf("missing required file: executor command not configured: %w", errors.ErrExecutorMissing)
	}
	name := r.cfg.Command[0]
	path, err := r.lookPath(name)
	if err != nil {
		return "", nil, nil, fmt.Errorf("missing required file: %s: %w", name, errors.ErrExecutorMissing)
	}

	substituted := false
	args := make([]string, 0, len(r.cfg.Command)-1)
	for _, a := range r.cfg.Command[1:] {
		if strings.Contains(a, InstructionPlaceholder) {
			a = strings.ReplaceAll(a, InstructionPlaceholder, r.cfg.Instruction)
			substituted = true
		}
		args = append(args, a)
	}

	var stdin io.Reader
	if !substituted {
		stdin = strings.NewReader(r.cfg.Instruction)
	}
	return path, args, stdin, nil
}

func (r *Runner) openScratch() (*os.File, string) {
	dir := r.cfg.ScratchDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		r.logger.Warn("scratch log unavailable", "error", err)
		return nil, ""
	}
	f, err := os.CreateTemp(dir, "run-*.log")
	if err != nil {
		r.logger.Warn("scratch log unavailable", "error", err)
		return nil, ""
	}
	return f, f.Name()
}

// waitResult is what supervise learned about the process exit.
type waitResult struct {
	code     int
	err      error
	stalled  bool
	canceled bool
}

// supervise waits for proc while ticking the heartbeat and enforcing the
// stall timeout and context cancellation.
func (r *Runner) supervise(ctx context.Context, proc Process, out *outputWriter) waitResult {
	done := make(chan waitResult, 1)
	go func() {
		c, e := proc.Wait()
		done <- waitResult{code: c, err: e}
	}()

	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case w := <-done:
			return w

		case <-ticker.C:
			if r.reporter != nil {
				if err := r.reporter.Refresh(ctx); err != nil {
					r.logger.Warn("heartbeat publish failed", "error", err)
				}
			}
			idle := r.now().Sub(out.LastOutput())
			if idle > r.cfg.StallTimeout {
				r.logger.Warn("executor stalled", "pid", proc.PID(), "idle", idle.String())
				w := r.stop(proc, done)
				w.stalled = true
				return w
			}

		case <-ctx.Done():
			r.logger.Info("executor canceled", "pid", proc.PID())
			w := r.stop(proc, done)
			w.canceled = true
			return w
		}
	}
}

// stop runs the terminate, wait grace, kill protocol.
func (r *Runner) stop(proc Process, done <-chan waitResult) waitResult {
	if err := proc.Terminate(); err != nil {
		r.logger.Debug("terminate failed", "pid", proc.PID(), "error", err)
	}
	timer := time.NewTimer(r.cfg.KillGrace)
	defer timer.Stop()
	select {
	case w := <-done:
		return w
	case <-timer.C:
	}
	r.logger.Warn("executor ignored terminate, killing", "pid", proc.PID())
	if err := proc.Kill(); err != nil {
		r.logger.Debug("kill failed", "pid", proc.PID(), "error", err)
	}
	return <-done
}

func (r *Runner) publish(ctx context.Context, phase, status string) {
	if r.reporter == nil {
		return
	}
	if err := r.reporter.Publish(context.WithoutCancel(ctx), heartbeat.Heartbeat{Phase: phase, Status: status}); err != nil {
		r.logger.Warn("heartbeat publish failed", "error", err)
	}
}

// outputWriter fans executor output out to the scratch log, the tail and
// the heartbeat reporter, and tracks the last output time for the stall
// watchdog.
type outputWriter struct {
	mu         sync.Mutex
	tail       *TailBuffer
	scratch    *os.File
	reporter   *heartbeat.Reporter
	now        func() time.Time
	lastOutput time.Time
}

// LastOutput returns when output was last written.
func (w *outputWriter) LastOutput() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastOutput
}

func (w *outputWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.scratch != nil {
		if _, err := w.scratch.Write(p); err != nil {
			w.scratch = nil
		}
	}
	_, _ = w.tail.Write(p)
	if len(p) > 0 {
		w.lastOutput = w.now()
		if w.reporter != nil {
			w.reporter.ObserveOutput(w.lastOutput)
		}
	}
	return len(p), nil
}
