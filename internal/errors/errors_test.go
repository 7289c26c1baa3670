package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

// -----------------------------------------------------------------------------
// GitError Tests
// -----------------------------------------------------------------------------

func TestGitError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *GitError
		want []string
	}{
		{
			name: "message only",
			err:  NewGitError("push failed", nil),
			want: []string{"git error: push failed"},
		},
		{
			name: "with context",
			err: NewGitError("push failed", ErrBranchNotFound).
				WithArgs("push", "origin", "main").
				WithBranch("main").
				WithWorktree("/tmp/merge").
				WithGitOutput("  rejected\n"),
			want: []string{
				"cmd=git push origin main",
				"branch=main",
				"worktree=/tmp/merge",
				"push failed: branch not found",
				"git output: rejected",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.err.Error()
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Errorf("Error() = %q, want substring %q", got, w)
				}
			}
		})
	}
}

func TestGitError_Is(t *testing.T) {
	err := NewGitError("missing", ErrBranchNotFound)
	wrapped := fmt.Errorf("verify: %w", err)

	if !Is(wrapped, ErrBranchNotFound) {
		t.Error("expected wrapped GitError to match ErrBranchNotFound")
	}
	if !Is(wrapped, &GitError{}) {
		t.Error("expected wrapped GitError to match *GitError")
	}
	if Is(wrapped, ErrMergeConflict) {
		t.Error("unexpected match against ErrMergeConflict")
	}
}

// -----------------------------------------------------------------------------
// RunnerError Tests
// -----------------------------------------------------------------------------

func TestRunnerError_DefaultsRetryable(t *testing.T) {
	err := NewRunnerError("spawn failed", errors.New("exec format error")).
		WithCommand("claude").
		WithPID(42)

	if !err.IsRetryable() {
		t.Error("IsRetryable() = false, want true")
	}
	msg := err.Error()
	if !strings.Contains(msg, "cmd=claude") || !strings.Contains(msg, "pid=42") {
		t.Errorf("Error() = %q, missing context", msg)
	}
	if err.WithRetryable(false).IsRetryable() {
		t.Error("WithRetryable(false) did not take effect")
	}
}

// -----------------------------------------------------------------------------
// PromotionError Tests
// -----------------------------------------------------------------------------

func TestPromotionError(t *testing.T) {
	err := NewPromotionError("gate failed", ErrGateFailed).
		WithPhase("verify-preconditions").
		WithKey("a/t/main").
		AsFatal()

	if !IsFatalPromotion(fmt.Errorf("outer: %w", err)) {
		t.Error("IsFatalPromotion() = false, want true")
	}
	if IsRetryable(err) {
		t.Error("fatal promotion error must not be retryable")
	}
	if !Is(err, ErrGateFailed) {
		t.Error("expected match against ErrGateFailed")
	}
	want := "promotion error [key=a/t/main, phase=verify-preconditions]: gate failed: verification gate failed"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

// -----------------------------------------------------------------------------
// Classification Helper Tests
// -----------------------------------------------------------------------------

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("boom"), false},
		{"timeout sentinel", Wrap(ErrTimeout, "wait"), true},
		{"stalled sentinel", ErrStalled, true},
		{"lock held", Wrapf(ErrLockHeld, "lock %s", "promotion"), true},
		{"runner error", NewRunnerError("exit 1", nil), true},
		{"git error", NewGitError("push", nil), false},
		{"retryable git error", NewGitError("fetch", nil).WithRetryable(true), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, "x") != nil {
		t.Error("Wrap(nil) should return nil")
	}
	if Wrapf(nil, "x %d", 1) != nil {
		t.Error("Wrapf(nil) should return nil")
	}
	err := Wrapf(ErrNotFound, "load %s", "supervisor.json")
	if err.Error() != "load supervisor.json: document not found" {
		t.Errorf("Wrapf() = %q", err.Error())
	}
	if !Is(err, ErrNotFound) {
		t.Error("Wrapf should preserve the chain")
	}
}
