// Package worktree provides the git command surface used by autoloop.
//
// All operations shell out to the git CLI through a CommandExecutor so tests
// can substitute scripted output. Failures are returned as *errors.GitError
// carrying the arguments and git's own output.
package worktree

import (
	"context"
	"os/exec"
	"strings"

	"github.com/Iron-Ham/autoloop/internal/errors"
)

// -----------------------------------------------------------------------------
// Command Executor
// -----------------------------------------------------------------------------

// CommandExecutor abstracts command execution for testability.
type CommandExecutor interface {
	// Run executes a command and returns combined output.
	Run(ctx context.Context, dir string, name string, args ...string) ([]byte, error)
}

// CLICommandExecutor executes commands using os/exec.
type CLICommandExecutor struct {
	// Env is appended to the inherited environment.
	Env []string
}

// NewCLICommandExecutor creates a new CLI command executor.
func NewCLICommandExecutor() *CLICommandExecutor {
	return &CLICommandExecutor{}
}

// Run executes a command and returns combined output.
func (e *CLICommandExecutor) Run(ctx context.Context, dir string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	if len(e.Env) > 0 {
		cmd.Env = append(cmd.Environ(), e.Env...)
	}
	return cmd.CombinedOutput()
}

// exitCode returns the exit status carried by err, or -1.
func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// -----------------------------------------------------------------------------
// Git
// -----------------------------------------------------------------------------

// Git implements Repository with the git CLI.
type Git struct {
	repoDir  string
	executor CommandExecutor
}

// NewGit creates a Git rooted at repoDir.
func NewGit(repoDir string) *Git {
	return &Git{repoDir: repoDir, executor: NewCLICommandExecutor()}
}

// NewGitWithExecutor creates a Git with a custom executor.
func NewGitWithExecutor(repoDir string, executor CommandExecutor) *Git {
	return &Git{repoDir: repoDir, executor: executor}
}

// Root returns the repository directory.
func (g *Git) Root() string {
	return g.repoDir
}

func (g *Git) git(ctx context.Context, dir string, args ...string) (string, error) {
	if dir == "" {
		dir = g.repoDir
	}
	out, err := g.executor.Run(ctx, dir, "git", args...)
	return string(out), err
}

func (g *Git) fail(message string, err error, dir, output string, args ...string) *errors.GitError {
	if dir == "" {
		dir = g.repoDir
	}
	return errors.NewGitError(message, err).
		WithArgs(args...).
		WithWorktree(dir).
		WithGitOutput(output)
}

// CurrentBranch returns the branch checked out in dir.
func (g *Git) CurrentBranch(ctx context.Context, dir string) (string, error) {
	args := []string{"rev-parse", "--abbrev-ref", "HEAD"}
	out, err := g.git(ctx, dir, args...)
	if err != nil {
		return "", g.fail("failed to get current branch", err, dir, out, args...)
	}
	return strings.TrimSpace(out), nil
}

// LocalBranchExists reports whether a local branch exists.
func (g *Git) LocalBranchExists(ctx context.Context, branch string) (bool, error) {
	args := []string{"show-ref", "--verify", "--quiet", "refs/heads/" + branch}
	out, err := g.git(ctx, "", args...)
	if err == nil {
		return true, nil
	}
	if exitCode(err) == 1 {
		return false, nil
	}
	return false, g.fail("failed to check branch", err, "", out, args...).WithBranch(branch)
}

// DeleteBranch force-deletes a local branch.
func (g *Git) DeleteBranch(ctx context.Context, branch string) error {
	args := []string{"branch", "-D", branch}
	out, err := g.git(ctx, "", args...)
	if err != nil {
		return g.fail("failed to delete branch", err, "", out, args...).WithBranch(branch)
	}
	return nil
}

// RemoteBranchExists asks the remote directly so stale tracking refs do not
// mask a missing branch.
func (g *Git) RemoteBranchExists(ctx context.Context, remote, branch string) (bool, error) {
	args := []string{"ls-remote", "--exit-code", "--heads", remote, "refs/heads/" + branch}
	out, err := g.git(ctx, "", args...)
	if err == nil {
		return true, nil
	}
	if exitCode(err) == 2 {
		return false, nil
	}
	return false, g.fail("failed to query remote branch", err, "", out, args...).
		WithBranch(branch).
		WithRetryable(true)
}

// Fetch updates remote-tracking refs.
func (g *Git) Fetch(ctx context.Context, remote string, branches ...string) error {
	args := append([]string{"fetch", "--prune", remote}, branches...)
	out, err := g.git(ctx, "", args...)
	if err != nil {
		return g.fail("failed to fetch", err, "", out, args...).WithRetryable(true)
	}
	return nil
}

// Push publishes refspec.
func (g *Git) Push(ctx context.Context, dir, remote, refspec string, lease bool) error {
	args := []string{"push"}
	if lease {
		args = append(args, "--force-with-lease")
	}
	args = append(args, remote, refspec)
	out, err := g.git(ctx, dir, args...)
	if err != nil {
		return g.fail("failed to push", err, dir, out, args...).WithRetryable(true)
	}
	return nil
}

// DeleteRemoteBranch removes branch from remote.
func (g *Git) DeleteRemoteBranch(ctx context.Context, remote, branch string) error {
	args := []string{"push", remote, "--delete", branch}
	out, err := g.git(ctx, "", args...)
	if err != nil {
		return g.fail("failed to delete remote branch", err, "", out, args...).WithBranch(branch)
	}
	return nil
}

// AddWorktree resets branch to startPoint and checks it out at path.
func (g *Git) AddWorktree(ctx context.Context, path, branch, startPoint string) error {
	args := []string{"worktree", "add", "--force", "-B", branch, path, startPoint}
	out, err := g.git(ctx, "", args...)
	if err != nil {
		return g.fail("failed to create worktree", err, "", out, args...).WithBranch(branch)
	}
	return nil
}

// RemoveWorktree force-removes the worktree at path.
func (g *Git) RemoveWorktree(ctx context.Context, path string) error {
	args := []string{"worktree", "remove", "--force", path}
	out, err := g.git(ctx, "", args...)
	if err != nil {
		return g.fail("failed to remove worktree", err, "", out, args...)
	}
	return nil
}

// PruneWorktrees drops stale worktree metadata.
func (g *Git) PruneWorktrees(ctx context.Context) error {
	args := []string{"worktree", "prune"}
	out, err := g.git(ctx, "", args...)
	if err != nil {
		return g.fail("failed to prune worktrees", err, "", out, args...)
	}
	return nil
}

// ListWorktrees parses `git worktree list --porcelain`.
func (g *Git) ListWorktrees(ctx context.Context) ([]Info, error) {
	args := []string{"worktree", "list", "--porcelain"}
	out, err := g.git(ctx, "", args...)
	if err != nil {
		return nil, g.fail("failed to list worktrees", err, "", out, args...)
	}
	return parseWorktreeList(out), nil
}

// IsClean reports whether dir has no uncommitted changes.
func (g *Git) IsClean(ctx context.Context, dir string) (bool, error) {
	args := []string{"status", "--porcelain"}
	out, err := g.git(ctx, dir, args...)
	if err != nil {
		return false, g.fail("failed to check git status", err, dir, out, args...)
	}
	return strings.TrimSpace(out) == "", nil
}

// IsAncestor reports whether ancestor is reachable from descendant.
func (g *Git) IsAncestor(ctx context.Context, dir, ancestor, descendant string) (bool, error) {
	args := []string{"merge-base", "--is-ancestor", ancestor, descendant}
	out, err := g.git(ctx, dir, args...)
	if err == nil {
		return true, nil
	}
	if exitCode(err) == 1 {
		return false, nil
	}
	return false, g.fail("failed to check ancestry", err, dir, out, args...)
}

// Merge creates a merge commit of ref.
func (g *Git) Merge(ctx context.Context, dir, ref, message string) error {
	args := []string{"merge", "--no-ff", "--no-edit", "-m", message, ref}
	out, err := g.git(ctx, dir, args...)
	if err != nil {
		gitErr := g.fail("failed to merge", err, dir, out, args...).WithBranch(ref)
		if strings.Contains(out, "CONFLICT") {
			return errors.Join(gitErr, errors.ErrMergeConflict)
		}
		return gitErr
	}
	return nil
}

// AbortMerge abandons an in-progress merge.
func (g *Git) AbortMerge(ctx context.Context, dir string) error {
	args := []string{"merge", "--abort"}
	out, err := g.git(ctx, dir, args...)
	if err != nil {
		return g.fail("failed to abort merge", err, dir, out, args...)
	}
	return nil
}
