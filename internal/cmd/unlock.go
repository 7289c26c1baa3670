package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var unlockCmd = &cobra.Command{
	Use:   "unlock <name>",
	Short: "Remove a lock left behind by a dead process",
	Long: `Remove the named lock (for example "supervisor" or "promotion") when its
recorded owner is no longer running. A lock held by a live process is never
removed.`,
	Args: cobra.ExactArgs(1),
	RunE: runUnlock,
}

func init() {
	rootCmd.AddCommand(unlockCmd)
}

func runUnlock(cmd *cobra.Command, args []string) error {
	name := args[0]

	a, err := newApp()
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	out := cmd.OutOrStdout()
	rec, alive, err := a.locks.Inspect(name)
	if os.IsNotExist(err) {
		if _, statErr := os.Stat(a.locks.Path(name)); os.IsNotExist(statErr) {
			fmt.Fprintf(out, "Lock %q is not held\n", name)
			return nil
		}
	}
	if err == nil && alive {
		return fmt.Errorf("lock %q is held by running process %d", name, rec.OwnerPID)
	}

	removed, err := a.locks.ForceRelease(name)
	if err != nil {
		return fmt.Errorf("failed to remove lock %q: %w", name, err)
	}
	if !removed {
		return fmt.Errorf("lock %q is still owned; refusing to remove it", name)
	}
	a.logger.Warn("lock force-released", "lock", name)
	fmt.Fprintf(out, "Removed lock %q\n", name)
	return nil
}
