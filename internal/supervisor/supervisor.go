// Package supervisor implements the top-level task loop.
//
// The loop holds the supervisor lock for its whole lifetime, runs the task
// executor one iteration at a time, and reacts to each outcome: idle after
// success, hand off to promotion after completion, back off and eventually
// self-heal after failures, and terminate with the fatal exit status when the
// retry budget is exhausted or the executor reports a fatal condition.
package supervisor

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/Iron-Ham/autoloop/internal/classify"
	"github.com/Iron-Ham/autoloop/internal/heartbeat"
	"github.com/Iron-Ham/autoloop/internal/lock"
	"github.com/Iron-Ham/autoloop/internal/logging"
	"github.com/Iron-Ham/autoloop/internal/outcome"
	"github.com/Iron-Ham/autoloop/internal/runner"
	"github.com/Iron-Ham/autoloop/internal/store"
)

// IterationRunner runs the task executor once.
type IterationRunner interface {
	RunOnce(ctx context.Context) runner.Result
}

// Promoter hands a completed task to the promotion pipeline.
type Promoter interface {
	Promote(ctx context.Context, task string) outcome.Outcome
}

// ExitError reports that the supervisor terminated with an exit status.
type ExitError struct {
	Code   int
	Reason string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("supervisor exited with status %d: %s", e.Code, e.Reason)
}

// Config tunes the loop.
type Config struct {
	BaseDelay            time.Duration
	CompletionDelay      time.Duration
	MaxRetryableFailures int
	LockName             string
	Backoff              Backoff

	SelfHealCommand   []string
	SelfHealThreshold int
	SelfHealCooldown  time.Duration

	BacklogRefreshCommand []string

	// TaskMarker prefixes the task id line in executor output.
	TaskMarker string
	// StateDir receives incident.md.
	StateDir string
	// WorkDir is where collaborator commands run.
	WorkDir string
}

// Deps are the supervisor's collaborators. Runner, Store and Locks are
// required; everything else has a default.
type Deps struct {
	Runner     IterationRunner
	Store      store.Store
	Locks      lock.Provider
	Heartbeat  *heartbeat.Reporter
	Classifier *classify.Classifier
	Promoter   Promoter
	Commands   CommandRunner
	Logger     *logging.Logger

	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
	// Rand returns a value in [0, 1) for backoff jitter.
	Rand func() float64
}

// Supervisor runs the task loop.
type Supervisor struct {
	cfg  Config
	deps Deps

	state State
	// lastTail is the tail of the most recent failed run, kept for incidents.
	lastTail string
}

// New creates a Supervisor.
func New(cfg Config, deps Deps) *Supervisor {
	if cfg.LockName == "" {
		cfg.LockName = "supervisor"
	}
	if deps.Classifier == nil {
		deps.Classifier = classify.Default()
	}
	if deps.Commands == nil {
		deps.Commands = ExecCommandRunner{}
	}
	if deps.Logger == nil {
		deps.Logger = logging.NopLogger()
	}
	if deps.Heartbeat == nil {
		deps.Heartbeat = heartbeat.NewReporter(deps.Store)
	}
	if deps.Sleep == nil {
		deps.Sleep = SleepContext
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Rand == nil {
		deps.Rand = cryptoUnit
	}
	return &Supervisor{cfg: cfg, deps: deps}
}

// State returns the in-memory snapshot.
func (s *Supervisor) State() State {
	return s.state
}

// Run executes the loop until a fatal condition or ctx is cancelled. Fatal
// termination is reported as *ExitError; cancellation returns ctx.Err().
func (s *Supervisor) Run(ctx context.Context) error {
	log := s.deps.Logger

	held, err := s.deps.Locks.Acquire(s.cfg.LockName)
	if err != nil || !held {
		reason := "supervisor lock held by another process"
		if err != nil {
			reason = fmt.Sprintf("failed to acquire supervisor lock: %v", err)
		}
		log.Error("supervisor lock unavailable", "lock", s.cfg.LockName, "error", err)
		return &ExitError{Code: outcome.ExitFatal, Reason: reason}
	}
	defer func() {
		if err := s.deps.Locks.Release(s.cfg.LockName); err != nil {
			log.Warn("failed to release supervisor lock", "error", err)
		}
	}()

	s.state = State{SessionID: ulid.Make().String()}
	log = log.WithSession(s.state.SessionID)
	s.deps.Logger = log
	s.transition(ctx, StatusStarting, "supervisor starting", 0)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		s.state.Iteration++
		s.transition(ctx, StatusRunning, fmt.Sprintf("iteration %d", s.state.Iteration), 0)
		res := s.deps.Runner.RunOnce(ctx)
		if err := ctx.Err(); err != nil {
			log.Info("supervisor canceled", "iteration", s.state.Iteration)
			return err
		}

		delay, exit := s.handle(ctx, res)
		if exit != nil {
			return exit
		}
		s.publishHeartbeat(ctx)
		if err := s.deps.Sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// handle applies the transition for one run outcome and returns the delay
// before the next iteration, or a terminal exit.
func (s *Supervisor) handle(ctx context.Context, res runner.Result) (time.Duration, *ExitError) {
	log := s.deps.Logger

	switch res.Outcome.Kind {
	case outcome.KindOK:
		s.state.FailureStreak = 0
		s.transition(ctx, StatusIdle, "iteration ok", s.cfg.BaseDelay)
		return s.cfg.BaseDelay, nil

	case outcome.KindComplete:
		s.state.FailureStreak = 0
		task := TaskID(res.Tail, s.cfg.TaskMarker)
		s.transition(ctx, StatusHandoff, "task complete: "+displayTask(task), s.cfg.CompletionDelay)
		s.promote(ctx, task)
		s.refreshBacklog(ctx)
		return s.cfg.CompletionDelay, nil

	case outcome.KindFatal:
		s.recordFailure(res)
		s.transition(ctx, StatusFatal, "fatal executor outcome", 0)
		s.maybeSelfHeal(ctx, true)
		return 0, &ExitError{Code: outcome.ExitFatal, Reason: firstLine(res.Tail, "fatal executor outcome")}

	case outcome.KindRetryable:
		return s.retry(ctx, res, "retryable failure")

	default:
		log.Warn("unknown exit", "outcome", res.Outcome.String(), "exit_code", res.ExitCode)
		return s.retry(ctx, res, "unknown exit")
	}
}

func (s *Supervisor) retry(ctx context.Context, res runner.Result, detail string) (time.Duration, *ExitError) {
	s.state.FailureStreak++
	s.recordFailure(res)

	if s.state.FailureStreak > s.cfg.MaxRetryableFailures {
		reason := fmt.Sprintf("retry budget exhausted after %d failures", s.state.FailureStreak)
		s.transition(ctx, StatusFatal, reason, 0)
		return 0, &ExitError{Code: outcome.ExitFatal, Reason: reason}
	}

	delay := s.cfg.Backoff.Delay(s.state.FailureStreak, s.deps.Rand())
	s.transition(ctx, StatusRetrying, fmt.Sprintf("%s (streak %d)", detail, s.state.FailureStreak), delay)

	if s.cfg.SelfHealThreshold > 0 && s.state.FailureStreak >= s.cfg.SelfHealThreshold {
		s.maybeSelfHeal(ctx, false)
	}
	return delay, nil
}

func (s *Supervisor) recordFailure(res runner.Result) {
	category := s.deps.Classifier.Classify(res.ExitCode, res.Tail)
	s.state.LastFailureClass = category
	s.lastTail = res.Tail
	s.deps.Logger.Warn("iteration failed",
		"outcome", res.Outcome.String(),
		"exit_code", res.ExitCode,
		"stalled", res.Stalled,
		"category", string(category),
		"streak", s.state.FailureStreak,
		"signature", classify.Signature(res.Tail),
	)
}

// transition persists the new status before the caller blocks.
func (s *Supervisor) transition(ctx context.Context, status Status, detail string, delay time.Duration) {
	prev := s.state.Status
	s.state.Status = status
	s.state.Detail = detail
	s.state.NextDelaySeconds = delay.Seconds()
	s.state.UpdatedAt = heartbeat.FormatTime(s.deps.Now())

	if err := s.deps.Store.Save(context.WithoutCancel(ctx), store.KeySupervisor, s.state); err != nil {
		s.deps.Logger.Warn("failed to persist supervisor state", "error", err)
	}
	s.deps.Logger.Info("supervisor transition",
		"from", string(prev),
		"to", string(status),
		"detail", detail,
		"streak", s.state.FailureStreak,
		"next_delay", delay.String(),
	)
}

func (s *Supervisor) publishHeartbeat(ctx context.Context) {
	hb := heartbeat.Heartbeat{Phase: "supervisor", Status: string(s.state.Status)}
	if err := s.deps.Heartbeat.Publish(context.WithoutCancel(ctx), hb); err != nil {
		s.deps.Logger.Warn("heartbeat publish failed", "error", err)
	}
}

func (s *Supervisor) promote(ctx context.Context, task string) {
	if s.deps.Promoter == nil {
		return
	}
	result := s.deps.Promoter.Promote(ctx, task)
	s.deps.Logger.Info("promotion finished", "task", task, "outcome", result.String())
}

func (s *Supervisor) refreshBacklog(ctx context.Context) {
	if len(s.cfg.BacklogRefreshCommand) == 0 {
		return
	}
	out, err := s.deps.Commands.Run(ctx, s.cfg.WorkDir, s.cfg.BacklogRefreshCommand, nil)
	if err != nil {
		s.deps.Logger.Warn("backlog refresh failed", "error", err, "output", firstLine(string(out), ""))
		return
	}
	s.deps.Logger.Info("backlog refreshed")
}

// maybeSelfHeal runs the self-heal command when configured and the cooldown
// since the last attempt has elapsed. Failures are logged only.
func (s *Supervisor) maybeSelfHeal(ctx context.Context, fatal bool) {
	if len(s.cfg.SelfHealCommand) == 0 {
		return
	}
	now := s.deps.Now()
	if last, err := heartbeat.ParseTime(s.state.LastSelfHealAt); err == nil && !last.IsZero() {
		if now.Sub(last) < s.cfg.SelfHealCooldown {
			s.deps.Logger.Debug("self-heal in cooldown", "last", s.state.LastSelfHealAt)
			return
		}
	}

	s.state.LastSelfHealAt = heartbeat.FormatTime(now)
	s.transition(ctx, s.state.Status, s.state.Detail+"; self-heal running", time.Duration(s.state.NextDelaySeconds*float64(time.Second)))

	report := s.incidentReport(fatal)
	if err := writeIncident(s.cfg.StateDir, report); err != nil {
		s.deps.Logger.Warn("failed to write incident report", "error", err)
	}

	s.deps.Logger.Info("self-heal started", "streak", s.state.FailureStreak, "category", string(s.state.LastFailureClass))
	out, err := s.deps.Commands.Run(ctx, s.cfg.WorkDir, s.cfg.SelfHealCommand, bytes.NewReader(report))
	if err != nil {
		s.deps.Logger.Warn("self-heal failed", "error", err, "output", firstLine(string(out), ""))
		return
	}
	s.deps.Logger.Info("self-heal finished")
}

// TaskID extracts the task id from the last line of output carrying marker.
func TaskID(output, marker string) string {
	if marker == "" {
		return ""
	}
	lines := strings.Split(output, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		idx := strings.Index(lines[i], marker)
		if idx < 0 {
			continue
		}
		fields := strings.Fields(lines[i][idx+len(marker):])
		if len(fields) > 0 {
			return fields[0]
		}
	}
	return ""
}

func displayTask(task string) string {
	if task == "" {
		return "(unnamed)"
	}
	return task
}

func firstLine(s, fallback string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback
	}
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func cryptoUnit() float64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0.5
	}
	return float64(binary.BigEndian.Uint64(b[:])>>11) / (1 << 53)
}
