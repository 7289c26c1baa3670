package worktree

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Info describes one entry of `git worktree list --porcelain`.
type Info struct {
	Path   string
	Branch string
	Head   string
}

// FindGitRoot finds the root of the git repository by traversing up from startDir.
// .git may be a directory (normal repo) or a file (linked worktree).
func FindGitRoot(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", err
	}
	for {
		if info, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			if info.IsDir() || info.Mode().IsRegular() {
				return dir, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("not a git repository (or any parent up to mount point): %s", startDir)
		}
		dir = parent
	}
}

func parseWorktreeList(output string) []Info {
	var (
		infos   []Info
		current *Info
	)
	for _, line := range strings.Split(output, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			infos = append(infos, Info{Path: strings.TrimPrefix(line, "worktree ")})
			current = &infos[len(infos)-1]
		case current == nil:
		case strings.HasPrefix(line, "HEAD "):
			current.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			current.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		}
	}
	return infos
}

// FindByBranch returns the worktree that has branch checked out.
func FindByBranch(infos []Info, branch string) (Info, bool) {
	for _, info := range infos {
		if info.Branch == branch {
			return info, true
		}
	}
	return Info{}, false
}
