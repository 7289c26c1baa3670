package supervisor

import (
	"bytes"
	"context"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/Iron-Ham/autoloop/internal/errors"
)

// CommandRunner runs external collaborator commands such as self-heal and
// backlog refresh. It returns combined output.
type CommandRunner interface {
	Run(ctx context.Context, dir string, argv []string, stdin io.Reader) ([]byte, error)
}

// ExecCommandRunner runs commands with os/exec.
type ExecCommandRunner struct{}

// Run executes argv in dir.
func (ExecCommandRunner) Run(ctx context.Context, dir string, argv []string, stdin io.Reader) ([]byte, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty command")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Stdin = stdin
	cmd.WaitDelay = 5 * time.Second
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return out.Bytes(), errors.Wrapf(err, "%s failed", strings.Join(argv, " "))
	}
	return out.Bytes(), nil
}

// SleepContext blocks for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
