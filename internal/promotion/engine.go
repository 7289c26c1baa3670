// Package promotion integrates a completed task branch into the shared target
// branch.
//
// The Engine runs an ordered, resumable sequence of phases and persists its
// position after each one, so a crashed or failed run resumes where it left
// off instead of repeating side effects. The Promoter wraps the engine with
// the circuit breaker and the policy-retry allowance.
package promotion

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gobwas/glob"

	"github.com/Iron-Ham/autoloop/internal/errors"
	"github.com/Iron-Ham/autoloop/internal/heartbeat"
	"github.com/Iron-Ham/autoloop/internal/lock"
	"github.com/Iron-Ham/autoloop/internal/logging"
	"github.com/Iron-Ham/autoloop/internal/outcome"
	"github.com/Iron-Ham/autoloop/internal/store"
	"github.com/Iron-Ham/autoloop/internal/worktree"
)

// TempBranchPrefix names the integration branch: <prefix><target>.
const TempBranchPrefix = "autoloop/promote/"

// Request describes one promotion.
type Request struct {
	Key
	// Source is the branch carrying the completed work.
	Source string
	// CoSigners are branches that must exist before promotion may begin.
	CoSigners []string
	// Lanes are the branches owned by this task, published before the merge
	// and cleaned up afterwards. Defaults to Source.
	Lanes []string
}

func (r Request) lanes() []string {
	if len(r.Lanes) > 0 {
		return r.Lanes
	}
	return []string{r.Source}
}

// Config tunes the Engine.
type Config struct {
	Remote            string
	WorktreeDir       string
	GateCommand       []string
	ProtectedBranches []string
	LockName          string
}

// Result is what a single engine run produced.
type Result struct {
	Outcome outcome.Outcome
	// Phase is the last phase attempted.
	Phase  Phase
	Reason string
	// Output is the failure text used for classification.
	Output string
	// LockHeld is set when another process owns the promotion lock.
	LockHeld bool
	State    WorkflowState
}

// Engine executes the promotion workflow.
type Engine struct {
	cfg       Config
	repo      worktree.Repository
	store     store.Store
	locks     lock.Provider
	executor  worktree.CommandExecutor
	protected []glob.Glob
	logger    *logging.Logger
	now       func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithGateExecutor replaces the executor used for the gate command.
func WithGateExecutor(e worktree.CommandExecutor) EngineOption {
	return func(en *Engine) { en.executor = e }
}

// WithEngineLogger attaches a logger.
func WithEngineLogger(logger *logging.Logger) EngineOption {
	return func(en *Engine) {
		if logger != nil {
			en.logger = logger
		}
	}
}

// WithEngineClock replaces time.Now.
func WithEngineClock(now func() time.Time) EngineOption {
	return func(en *Engine) { en.now = now }
}

// NewEngine creates an Engine. Protected branch patterns are glob patterns
// with '/' as the separator.
func NewEngine(cfg Config, repo worktree.Repository, s store.Store, locks lock.Provider, opts ...EngineOption) (*Engine, error) {
	if cfg.Remote == "" {
		cfg.Remote = "origin"
	}
	if cfg.LockName == "" {
		cfg.LockName = "promotion"
	}
	if cfg.WorktreeDir == "" {
		cfg.WorktreeDir = filepath.Join(os.TempDir(), "autoloop-merge")
	}

	protected := make([]glob.Glob, 0, len(cfg.ProtectedBranches))
	for _, pattern := range cfg.ProtectedBranches {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid protected branch pattern %q: %w", pattern, err)
		}
		protected = append(protected, g)
	}

	e := &Engine{
		cfg:       cfg,
		repo:      repo,
		store:     s,
		locks:     locks,
		executor:  worktree.NewCLICommandExecutor(),
		protected: protected,
		logger:    logging.NopLogger(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// IsProtected reports whether branch matches a protected pattern.
func (e *Engine) IsProtected(branch string) bool {
	for _, g := range e.protected {
		if g.Match(branch) {
			return true
		}
	}
	return false
}

// Run executes or resumes the workflow for req. It never returns an error;
// every failure is reported through Result.
func (e *Engine) Run(ctx context.Context, req Request) Result {
	log := e.logger.With("key", req.Key.String())

	held, err := e.locks.Acquire(e.cfg.LockName)
	if err != nil || !held {
		reason := "promotion lock held by another process"
		if err != nil {
			reason = fmt.Sprintf("failed to acquire promotion lock: %v", err)
		}
		log.Warn("promotion lock unavailable", "error", err)
		return Result{Outcome: outcome.Retryable, Reason: reason, Output: reason, LockHeld: err == nil}
	}
	defer func() {
		if err := e.locks.Release(e.cfg.LockName); err != nil {
			log.Warn("failed to release promotion lock", "error", err)
		}
	}()

	st := e.resume(ctx, req.Key, log)
	st.Status = StatusRunning
	st.Reason = ""
	if err := e.save(ctx, &st); err != nil {
		return Result{Outcome: outcome.Retryable, Phase: st.Phase, Reason: err.Error(), Output: err.Error(), State: st}
	}

	run := &phaseRun{engine: e, req: req, state: &st, log: log}
	for _, phase := range Phases() {
		if phase.Ordinal() < st.Phase.Ordinal() {
			log.Debug("phase already complete", "phase", phase.String())
			continue
		}

		phaseLog := log.WithPhase(phase.String())
		phaseLog.Info("phase started")
		err := run.execute(ctx, phase)
		if err != nil {
			return e.fail(ctx, &st, phase, err, phaseLog)
		}

		if phase == PhaseComplete {
			st.Status = StatusComplete
			st.CompletedAt = heartbeat.FormatTime(e.now())
		} else {
			st.Phase = phase + 1
		}
		if err := e.save(ctx, &st); err != nil {
			return Result{Outcome: outcome.Retryable, Phase: phase, Reason: err.Error(), Output: err.Error(), State: st}
		}
		phaseLog.Info("phase complete")
	}

	log.Info("promotion complete")
	return Result{Outcome: outcome.OK, Phase: PhaseComplete, State: st}
}

// resume loads the persisted state and decides whether it applies to key.
func (e *Engine) resume(ctx context.Context, key Key, log *logging.Logger) WorkflowState {
	fresh := WorkflowState{
		Key:       key,
		Phase:     PhaseVerifyBranches,
		Status:    StatusRunning,
		StartedAt: heartbeat.FormatTime(e.now()),
	}

	prev, err := LoadState(ctx, e.store)
	switch {
	case errors.Is(err, errors.ErrNotFound):
		return fresh
	case err != nil:
		log.Warn("discarding unreadable workflow state", "error", err)
		return fresh
	case prev.Key != key:
		if prev.Status != "" && prev.Status != StatusComplete {
			log.Warn("abandoning in-flight workflow for a different key",
				"previous_key", prev.Key.String(),
				"previous_phase", prev.Phase.String(),
			)
		}
		return fresh
	case prev.Status == StatusComplete:
		log.Info("previous workflow for key completed, starting a new instance")
		return fresh
	case !prev.Phase.Valid():
		log.Warn("workflow state has invalid phase, restarting", "phase", prev.Phase.String())
		return fresh
	}

	log.Info("resuming workflow", "phase", prev.Phase.String(), "status", string(prev.Status))
	return prev
}

func (e *Engine) save(ctx context.Context, st *WorkflowState) error {
	st.UpdatedAt = heartbeat.FormatTime(e.now())
	if err := e.store.Save(context.WithoutCancel(ctx), store.KeyWorkflow, st); err != nil {
		return errors.Wrap(err, "failed to persist workflow state")
	}
	return nil
}

func (e *Engine) fail(ctx context.Context, st *WorkflowState, phase Phase, err error, log *logging.Logger) Result {
	var rw *rewindError
	if errors.As(err, &rw) && rw.to.Ordinal() < st.Phase.Ordinal() {
		log.Warn("rewinding workflow", "to", rw.to.String(), "error", rw.cause)
		st.Phase = rw.to
		err = rw.cause
	}

	st.Status = StatusFailed
	st.Reason = err.Error()
	if saveErr := e.save(ctx, st); saveErr != nil {
		log.Error("failed to persist workflow failure", "error", saveErr)
	}

	res := Result{Phase: phase, Reason: st.Reason, Output: st.Reason, State: *st}
	if errors.IsFatalPromotion(err) {
		res.Outcome = outcome.Fatal
		log.Error("phase failed", "fatal", true, "error", err)
	} else {
		res.Outcome = outcome.Retryable
		log.Warn("phase failed", "fatal", false, "error", err)
	}
	return res
}

func (e *Engine) fatal(phase Phase, key Key, message string, cause error) error {
	return errors.NewPromotionError(message, cause).
		WithPhase(phase.String()).
		WithKey(key.String()).
		AsFatal()
}

func (e *Engine) retryable(phase Phase, key Key, message string, cause error) error {
	return errors.NewPromotionError(message, cause).
		WithPhase(phase.String()).
		WithKey(key.String()).
		WithRetryable(true)
}

// rewindError moves the phase pointer back when an earlier phase's artifact
// is no longer usable.
type rewindError struct {
	to    Phase
	cause error
}

func (r *rewindError) Error() string { return r.cause.Error() }
func (r *rewindError) Unwrap() error { return r.cause }

// integrationPath is where the merge worktree for key lives.
func (e *Engine) integrationPath(key Key) string {
	return filepath.Join(e.cfg.WorktreeDir, key.Slug())
}

func tempBranch(target string) string {
	return TempBranchPrefix + target
}

func trimOutput(out []byte) string {
	s := strings.TrimSpace(string(out))
	const max = 4000
	if len(s) > max {
		s = s[len(s)-max:]
	}
	return s
}
