package worktree

import "context"

// BranchOperations inspects and manipulates local branches.
type BranchOperations interface {
	// CurrentBranch returns the branch checked out in dir.
	CurrentBranch(ctx context.Context, dir string) (string, error)

	// LocalBranchExists reports whether refs/heads/<branch> exists.
	LocalBranchExists(ctx context.Context, branch string) (bool, error)

	// DeleteBranch force-deletes a local branch.
	DeleteBranch(ctx context.Context, branch string) error
}

// RemoteOperations talks to the shared remote.
type RemoteOperations interface {
	// RemoteBranchExists reports whether the remote advertises branch.
	RemoteBranchExists(ctx context.Context, remote, branch string) (bool, error)

	// Fetch updates remote-tracking refs for the given branches.
	Fetch(ctx context.Context, remote string, branches ...string) error

	// Push publishes refspec from dir. With lease set, it pushes with
	// --force-with-lease.
	Push(ctx context.Context, dir, remote, refspec string, lease bool) error

	// DeleteRemoteBranch removes branch from the remote.
	DeleteRemoteBranch(ctx context.Context, remote, branch string) error
}

// WorktreeOperations manages linked working trees.
type WorktreeOperations interface {
	// AddWorktree creates (or resets) branch at startPoint and checks it out
	// in a new worktree at path.
	AddWorktree(ctx context.Context, path, branch, startPoint string) error

	// RemoveWorktree force-removes the worktree at path.
	RemoveWorktree(ctx context.Context, path string) error

	// PruneWorktrees drops administrative data for missing worktrees.
	PruneWorktrees(ctx context.Context) error

	// ListWorktrees returns every worktree attached to the repository.
	ListWorktrees(ctx context.Context) ([]Info, error)
}

// MergeOperations integrates history inside a working tree.
type MergeOperations interface {
	// IsClean reports whether dir has no uncommitted changes.
	IsClean(ctx context.Context, dir string) (bool, error)

	// IsAncestor reports whether ancestor is reachable from descendant.
	IsAncestor(ctx context.Context, dir, ancestor, descendant string) (bool, error)

	// Merge creates a merge commit of ref into the branch checked out in dir.
	Merge(ctx context.Context, dir, ref, message string) error

	// AbortMerge abandons an in-progress merge in dir.
	AbortMerge(ctx context.Context, dir string) error
}

// Repository is the full command surface used by the promotion workflow.
type Repository interface {
	BranchOperations
	RemoteOperations
	WorktreeOperations
	MergeOperations

	// Root returns the repository's top-level directory.
	Root() string
}

var _ Repository = (*Git)(nil)
