package promotion

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Iron-Ham/autoloop/internal/errors"
	"github.com/Iron-Ham/autoloop/internal/logging"
	"github.com/Iron-Ham/autoloop/internal/worktree"
)

// phaseRun carries one engine run through its phase handlers.
type phaseRun struct {
	engine *Engine
	req    Request
	state  *WorkflowState
	log    *logging.Logger
}

func (r *phaseRun) execute(ctx context.Context, phase Phase) error {
	if err := ctx.Err(); err != nil {
		return r.engine.retryable(phase, r.req.Key, "promotion interrupted", err)
	}

	switch phase {
	case PhaseVerifyBranches:
		return r.verifyBranches(ctx)
	case PhasePushSources:
		return r.pushSources(ctx)
	case PhasePrepareWorktree:
		return r.prepareWorktree(ctx)
	case PhaseVerifyPreconditions:
		return r.verifyPreconditions(ctx)
	case PhaseMergeTarget:
		return r.mergeTarget(ctx)
	case PhasePushTarget:
		return r.pushTarget(ctx)
	case PhaseCleanLocal:
		r.cleanLocal(ctx)
		return nil
	case PhaseCleanRemote:
		r.cleanRemote(ctx)
		return nil
	case PhasePruneWorktree:
		return r.pruneWorktree(ctx)
	case PhaseComplete:
		return nil
	default:
		return fmt.Errorf("unknown phase %d", int(phase))
	}
}

func (r *phaseRun) repo() worktree.Repository { return r.engine.repo }
func (r *phaseRun) remote() string            { return r.engine.cfg.Remote }

func (r *phaseRun) fatal(phase Phase, message string, cause error) error {
	return r.engine.fatal(phase, r.req.Key, message, cause)
}

func (r *phaseRun) retryable(phase Phase, message string, cause error) error {
	return r.engine.retryable(phase, r.req.Key, message, cause)
}

// branchExists checks the local repository first, then the remote.
func (r *phaseRun) branchExists(ctx context.Context, branch string) (bool, error) {
	local, err := r.repo().LocalBranchExists(ctx, branch)
	if err != nil {
		return false, err
	}
	if local {
		return true, nil
	}
	return r.repo().RemoteBranchExists(ctx, r.remote(), branch)
}

func (r *phaseRun) verifyBranches(ctx context.Context) error {
	const phase = PhaseVerifyBranches

	required := append([]string{r.req.Source}, r.req.CoSigners...)
	for _, branch := range required {
		if branch == "" {
			return r.fatal(phase, "required branch missing: (empty)", errors.ErrBranchNotFound)
		}
		ok, err := r.branchExists(ctx, branch)
		if err != nil {
			return r.retryable(phase, "failed to verify branch "+branch, err)
		}
		if !ok {
			return r.fatal(phase, "required branch missing: "+branch, errors.ErrBranchNotFound)
		}
	}

	target := r.req.Target
	ok, err := r.repo().RemoteBranchExists(ctx, r.remote(), target)
	if err != nil {
		return r.retryable(phase, "failed to verify target branch "+target, err)
	}
	if !ok {
		return r.fatal(phase, "target branch missing: "+target, errors.ErrBranchNotFound)
	}
	return nil
}

func (r *phaseRun) pushSources(ctx context.Context) error {
	const phase = PhasePushSources

	for _, lane := range r.req.lanes() {
		if !r.removable(lane) {
			r.log.Warn("not publishing protected lane", "branch", lane)
			continue
		}
		local, err := r.repo().LocalBranchExists(ctx, lane)
		if err != nil {
			return r.retryable(phase, "failed to inspect lane "+lane, err)
		}
		if !local {
			r.log.Debug("lane has no local branch, nothing to publish", "branch", lane)
			continue
		}
		if err := r.repo().Push(ctx, "", r.remote(), lane, true); err != nil {
			return r.retryable(phase, "failed to push lane "+lane, err)
		}
		r.log.Info("published lane", "branch", lane)
	}
	return nil
}

func (r *phaseRun) prepareWorktree(ctx context.Context) error {
	const phase = PhasePrepareWorktree

	fetch := []string{r.req.Target}
	if local, err := r.repo().LocalBranchExists(ctx, r.req.Source); err == nil && !local {
		fetch = append(fetch, r.req.Source)
	}
	if err := r.repo().Fetch(ctx, r.remote(), fetch...); err != nil {
		return r.retryable(phase, "failed to fetch target", err)
	}

	path := r.engine.integrationPath(r.req.Key)
	if _, err := os.Stat(path); err == nil {
		if err := r.repo().RemoveWorktree(ctx, path); err != nil {
			r.log.Warn("failed to remove previous integration worktree", "path", path, "error", err)
			if err := os.RemoveAll(path); err != nil {
				return r.retryable(phase, "failed to clear integration worktree", err)
			}
		}
	}
	if err := r.repo().PruneWorktrees(ctx); err != nil {
		r.log.Warn("worktree prune failed", "error", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return r.retryable(phase, "failed to create worktree directory", err)
	}

	start := r.remote() + "/" + r.req.Target
	if err := r.repo().AddWorktree(ctx, path, tempBranch(r.req.Target), start); err != nil {
		return r.retryable(phase, "failed to create integration worktree", err)
	}
	r.state.MergeWorktreePath = path
	r.log.Info("integration worktree ready", "path", path, "start", start)
	return nil
}

// worktreePath returns the recorded integration worktree, or a rewind to
// prepare-worktree when it no longer exists.
func (r *phaseRun) worktreePath(phase Phase) (string, error) {
	path := r.state.MergeWorktreePath
	if path == "" {
		path = r.engine.integrationPath(r.req.Key)
	}
	if _, err := os.Stat(path); err != nil {
		return "", &rewindError{
			to:    PhasePrepareWorktree,
			cause: r.retryable(phase, "integration worktree missing: "+path, err),
		}
	}
	return path, nil
}

func (r *phaseRun) verifyPreconditions(ctx context.Context) error {
	const phase = PhaseVerifyPreconditions

	wt, err := r.worktreePath(phase)
	if err != nil {
		return err
	}
	clean, err := r.repo().IsClean(ctx, wt)
	if err != nil {
		return r.retryable(phase, "failed to inspect integration worktree", err)
	}
	if !clean {
		return r.fatal(phase, "dirty working tree: "+wt, errors.ErrDirtyWorktree)
	}

	gate := r.engine.cfg.GateCommand
	if len(gate) == 0 {
		return nil
	}
	r.log.Info("running gate", "command", gate)
	out, err := r.engine.executor.Run(ctx, wt, gate[0], gate[1:]...)
	if err != nil {
		if ctx.Err() != nil {
			return r.retryable(phase, "gate interrupted", ctx.Err())
		}
		msg := "gate failed"
		if tail := trimOutput(out); tail != "" {
			msg += ": " + tail
		}
		return r.fatal(phase, msg, errors.Join(errors.ErrGateFailed, err))
	}
	return nil
}

// mergeRef prefers the local source branch and falls back to the fetched
// remote-tracking ref.
func (r *phaseRun) mergeRef(ctx context.Context) string {
	if local, err := r.repo().LocalBranchExists(ctx, r.req.Source); err == nil && local {
		return r.req.Source
	}
	return r.remote() + "/" + r.req.Source
}

func (r *phaseRun) mergeTarget(ctx context.Context) error {
	const phase = PhaseMergeTarget

	wt, err := r.worktreePath(phase)
	if err != nil {
		return err
	}
	ref := r.mergeRef(ctx)

	merged, err := r.repo().IsAncestor(ctx, wt, ref, "HEAD")
	if err != nil {
		return r.retryable(phase, "failed to check merge state", err)
	}
	if merged {
		r.log.Info("source already merged", "ref", ref)
		return nil
	}

	msg := fmt.Sprintf("Promote %s (%s) into %s", r.req.Task, r.req.Agent, r.req.Target)
	if err := r.repo().Merge(ctx, wt, ref, msg); err != nil {
		if abortErr := r.repo().AbortMerge(ctx, wt); abortErr != nil {
			r.log.Warn("failed to abort merge", "error", abortErr)
		}
		return r.fatal(phase, "merge failed: "+ref, err)
	}
	return nil
}

func (r *phaseRun) pushTarget(ctx context.Context) error {
	const phase = PhasePushTarget

	wt, err := r.worktreePath(phase)
	if err != nil {
		return err
	}
	if err := r.repo().Push(ctx, wt, r.remote(), "HEAD:"+r.req.Target, false); err != nil {
		// The target moved underneath us; integrate again from a fresh fetch.
		return &rewindError{
			to:    PhasePrepareWorktree,
			cause: r.retryable(phase, "failed to push target "+r.req.Target, err),
		}
	}
	r.log.Info("target updated", "target", r.req.Target)
	return nil
}

// removable reports whether cleanup may delete branch.
func (r *phaseRun) removable(branch string) bool {
	return branch != "" && branch != r.req.Target && !r.engine.IsProtected(branch)
}

func (r *phaseRun) cleanLocal(ctx context.Context) {
	infos, err := r.repo().ListWorktrees(ctx)
	if err != nil {
		r.log.Warn("failed to list worktrees", "error", err)
	}
	root := r.repo().Root()

	for _, lane := range r.req.lanes() {
		if !r.removable(lane) {
			r.log.Warn("refusing to clean protected branch", "branch", lane)
			continue
		}
		if info, ok := worktree.FindByBranch(infos, lane); ok && !samePath(info.Path, root) {
			if err := r.repo().RemoveWorktree(ctx, info.Path); err != nil {
				r.log.Warn("failed to remove lane worktree", "path", info.Path, "error", err)
			}
		}
		local, err := r.repo().LocalBranchExists(ctx, lane)
		if err != nil || !local {
			continue
		}
		if err := r.repo().DeleteBranch(ctx, lane); err != nil {
			r.log.Warn("failed to delete lane branch", "branch", lane, "error", err)
			continue
		}
		r.log.Info("deleted lane branch", "branch", lane)
	}
}

func (r *phaseRun) cleanRemote(ctx context.Context) {
	for _, lane := range r.req.lanes() {
		if !r.removable(lane) {
			r.log.Warn("refusing to delete protected remote branch", "branch", lane)
			continue
		}
		exists, err := r.repo().RemoteBranchExists(ctx, r.remote(), lane)
		if err != nil {
			r.log.Warn("failed to query remote lane", "branch", lane, "error", err)
			continue
		}
		if !exists {
			continue
		}
		if err := r.repo().DeleteRemoteBranch(ctx, r.remote(), lane); err != nil {
			r.log.Warn("failed to delete remote lane", "branch", lane, "error", err)
			continue
		}
		r.log.Info("deleted remote lane", "branch", lane)
	}
}

func (r *phaseRun) pruneWorktree(ctx context.Context) error {
	const phase = PhasePruneWorktree

	path := r.state.MergeWorktreePath
	if path == "" {
		path = r.engine.integrationPath(r.req.Key)
	}
	if _, err := os.Stat(path); err == nil {
		if err := r.repo().RemoveWorktree(ctx, path); err != nil {
			return r.retryable(phase, "failed to remove integration worktree", err)
		}
	}
	temp := tempBranch(r.req.Target)
	if local, err := r.repo().LocalBranchExists(ctx, temp); err == nil && local {
		if err := r.repo().DeleteBranch(ctx, temp); err != nil {
			r.log.Warn("failed to delete integration branch", "branch", temp, "error", err)
		}
	}
	if err := r.repo().PruneWorktrees(ctx); err != nil {
		return r.retryable(phase, "failed to prune worktrees", err)
	}
	r.state.MergeWorktreePath = ""
	return nil
}

func samePath(a, b string) bool {
	if a == b {
		return true
	}
	ra, errA := filepath.EvalSymlinks(a)
	rb, errB := filepath.EvalSymlinks(b)
	return errA == nil && errB == nil && ra == rb
}
