// Package errors provides centralized error definitions and error handling utilities
// for autoloop. It defines sentinel errors, domain-specific error types, error
// constructors with context wrapping, and error classification helpers.
//
// # Error Types
//
// Domain-specific errors represent errors from specific subsystems:
//   - GitError: errors from version-control commands (branches, worktrees, pushes)
//   - RunnerError: errors from spawning or supervising the task executor
//   - PromotionError: errors from a promotion workflow phase
//
// # Usage
//
//	err := errors.NewGitError("push failed", cause).WithBranch("main")
//	if errors.Is(err, errors.ErrBranchNotFound) { ... }
//
//	var promoErr *errors.PromotionError
//	if errors.As(err, &promoErr) { ... }
//
//	if errors.IsRetryable(err) { ... }
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Lock and persistence sentinel errors
var (
	// ErrLockHeld indicates that a named lock is owned by a live process.
	ErrLockHeld = New("lock is held by another process")
	// ErrNotFound indicates that a persisted document does not exist yet.
	ErrNotFound = New("document not found")
	// ErrCorrupted indicates that a persisted document could not be decoded.
	ErrCorrupted = New("document corrupted")
)

// Git-related sentinel errors
var (
	// ErrBranchNotFound indicates that a branch could not be found.
	ErrBranchNotFound = New("branch not found")
	// ErrMergeConflict indicates that a merge could not be completed.
	ErrMergeConflict = New("merge conflict")
	// ErrDirtyWorktree indicates that the worktree has uncommitted changes.
	ErrDirtyWorktree = New("worktree has uncommitted changes")
)

// Execution sentinel errors
var (
	// ErrGateFailed indicates that the verification gate command failed.
	ErrGateFailed = New("verification gate failed")
	// ErrExecutorMissing indicates that an external command could not be resolved.
	ErrExecutorMissing = New("executor not found")
	// ErrStalled indicates that the task executor stopped producing output.
	ErrStalled = New("executor stalled")
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrCanceled indicates that an operation was canceled.
	ErrCanceled = New("operation canceled")
)

// -----------------------------------------------------------------------------
// Base Error
// -----------------------------------------------------------------------------

// AutoloopError is the base interface for all autoloop errors.
type AutoloopError interface {
	error
	Unwrap() error
	Is(target error) bool
	// IsRetryable returns true if the error is transient and the operation
	// may succeed on retry.
	IsRetryable() bool
}

type baseError struct {
	message   string
	cause     error
	retryable bool
}

func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

func (e *baseError) Unwrap() error {
	return e.cause
}

func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

func (e *baseError) IsRetryable() bool {
	return e.retryable
}

func formatPrefix(kind string, parts []string) string {
	if len(parts) == 0 {
		return kind
	}
	return fmt.Sprintf("%s [%s]", kind, strings.Join(parts, ", "))
}

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// GitError represents errors related to git operations.
//
// Example:
//
//	err := errors.NewGitError("failed to add worktree", cause)
//	err = err.WithBranch("main").WithWorktree("/tmp/merge")
type GitError struct {
	baseError
	Args      []string
	Branch    string
	Worktree  string
	GitOutput string // Captured git command output
}

// NewGitError creates a new GitError.
func NewGitError(message string, cause error) *GitError {
	return &GitError{
		baseError: baseError{message: message, cause: cause},
	}
}

// WithArgs records the git arguments that failed.
func (e *GitError) WithArgs(args ...string) *GitError {
	e.Args = args
	return e
}

// WithBranch adds a branch name to the error context.
func (e *GitError) WithBranch(branch string) *GitError {
	e.Branch = branch
	return e
}

// WithWorktree adds a worktree path to the error context.
func (e *GitError) WithWorktree(path string) *GitError {
	e.Worktree = path
	return e
}

// WithGitOutput adds git command output to the error context.
func (e *GitError) WithGitOutput(output string) *GitError {
	e.GitOutput = strings.TrimSpace(output)
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *GitError) WithRetryable(r bool) *GitError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *GitError) Error() string {
	var parts []string
	if len(e.Args) > 0 {
		parts = append(parts, fmt.Sprintf("cmd=git %s", strings.Join(e.Args, " ")))
	}
	if e.Branch != "" {
		parts = append(parts, fmt.Sprintf("branch=%s", e.Branch))
	}
	if e.Worktree != "" {
		parts = append(parts, fmt.Sprintf("worktree=%s", e.Worktree))
	}

	msg := e.message
	if e.cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.cause)
	}
	if e.GitOutput != "" {
		msg = fmt.Sprintf("%s\ngit output: %s", msg, e.GitOutput)
	}
	return fmt.Sprintf("%s: %s", formatPrefix("git error", parts), msg)
}

// Is checks if this error matches the target.
func (e *GitError) Is(target error) bool {
	if _, ok := target.(*GitError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// RunnerError represents errors from spawning or supervising the task executor.
type RunnerError struct {
	baseError
	Command string
	PID     int
}

// NewRunnerError creates a new RunnerError. Runner errors are retryable by
// default since a fresh iteration may succeed.
func NewRunnerError(message string, cause error) *RunnerError {
	return &RunnerError{
		baseError: baseError{message: message, cause: cause, retryable: true},
	}
}

// WithCommand adds the executor command to the error context.
func (e *RunnerError) WithCommand(command string) *RunnerError {
	e.Command = command
	return e
}

// WithPID adds the executor process id to the error context.
func (e *RunnerError) WithPID(pid int) *RunnerError {
	e.PID = pid
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *RunnerError) WithRetryable(r bool) *RunnerError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *RunnerError) Error() string {
	var parts []string
	if e.Command != "" {
		parts = append(parts, fmt.Sprintf("cmd=%s", e.Command))
	}
	if e.PID > 0 {
		parts = append(parts, fmt.Sprintf("pid=%d", e.PID))
	}
	return fmt.Sprintf("%s: %s", formatPrefix("runner error", parts), e.baseError.Error())
}

// Is checks if this error matches the target.
func (e *RunnerError) Is(target error) bool {
	if _, ok := target.(*RunnerError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// PromotionError represents a failure inside a promotion workflow phase.
//
// Example:
//
//	err := errors.NewPromotionError("gate failed", errors.ErrGateFailed).
//		WithPhase("verify-preconditions").WithKey("agent/task/main")
type PromotionError struct {
	baseError
	Phase string
	Key   string
	// Fatal marks failures that cannot succeed without intervention.
	Fatal bool
}

// NewPromotionError creates a new PromotionError.
func NewPromotionError(message string, cause error) *PromotionError {
	return &PromotionError{
		baseError: baseError{message: message, cause: cause},
	}
}

// WithPhase adds a phase name to the error context.
func (e *PromotionError) WithPhase(phase string) *PromotionError {
	e.Phase = phase
	return e
}

// WithKey adds the workflow key to the error context.
func (e *PromotionError) WithKey(key string) *PromotionError {
	e.Key = key
	return e
}

// AsFatal marks the failure as fatal.
func (e *PromotionError) AsFatal() *PromotionError {
	e.Fatal = true
	e.retryable = false
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *PromotionError) WithRetryable(r bool) *PromotionError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *PromotionError) Error() string {
	var parts []string
	if e.Key != "" {
		parts = append(parts, fmt.Sprintf("key=%s", e.Key))
	}
	if e.Phase != "" {
		parts = append(parts, fmt.Sprintf("phase=%s", e.Phase))
	}
	return fmt.Sprintf("%s: %s", formatPrefix("promotion error", parts), e.baseError.Error())
}

// Is checks if this error matches the target.
func (e *PromotionError) Is(target error) bool {
	if _, ok := target.(*PromotionError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry. This checks for:
//   - Errors implementing AutoloopError with IsRetryable() returning true
//   - Errors wrapping ErrTimeout, ErrStalled or ErrLockHeld
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var autoErr AutoloopError
	if As(err, &autoErr) && autoErr.IsRetryable() {
		return true
	}

	return Is(err, ErrTimeout) || Is(err, ErrStalled) || Is(err, ErrLockHeld)
}

// IsFatalPromotion reports whether err is a PromotionError marked fatal.
func IsFatalPromotion(err error) bool {
	var promoErr *PromotionError
	return As(err, &promoErr) && promoErr.Fatal
}

// -----------------------------------------------------------------------------
// Convenience Constructors
// -----------------------------------------------------------------------------

// Wrap wraps an error with additional context message.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
