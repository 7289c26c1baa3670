package cmd

import (
	"fmt"

	"github.com/Iron-Ham/autoloop/internal/outcome"
	"github.com/spf13/cobra"
)

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Run the task executor a single time",
	Long: `Run one iteration of the task executor under the stall watchdog and exit
with its outcome: 0 ok, 10 complete, 20 retryable, 30 fatal.`,
	Args: cobra.NoArgs,
	RunE: runOnce,
}

func init() {
	rootCmd.AddCommand(onceCmd)
}

func runOnce(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	ctx, stop, received := signalContext(cmd.Context())
	defer stop()

	r := a.runner(a.reporter())
	res := r.RunOnce(ctx)
	if sig := received(); sig != nil {
		return exitWith(outcome.SignalExitCode(sig), "")
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "outcome: %s (exit %d)\n", res.Outcome, res.ExitCode)
	if res.Stalled {
		fmt.Fprintln(out, "executor stalled and was terminated")
	}
	if res.Err != nil {
		fmt.Fprintf(out, "error: %v\n", res.Err)
	}
	return exitWith(res.Outcome.ExitCode(), "")
}
