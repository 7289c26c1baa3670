package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Iron-Ham/autoloop/internal/outcome"
	"github.com/Iron-Ham/autoloop/internal/supervisor"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the supervisor loop",
	Long: `Run the task executor repeatedly until the backlog is exhausted or a fatal
condition occurs. Completed tasks are handed to the promotion pipeline when
promotion.enabled is set.

Exit status is 30 for fatal termination and 128+N when stopped by signal N.`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	sup, err := a.supervisor()
	if err != nil {
		return err
	}

	ctx, stop, received := signalContext(cmd.Context())
	defer stop()

	err = sup.Run(ctx)
	if sig := received(); sig != nil {
		a.logger.Info("stopped by signal", "signal", sig.String())
		return exitWith(outcome.SignalExitCode(sig), "")
	}

	var exitErr *supervisor.ExitError
	if errors.As(err, &exitErr) {
		fmt.Fprintf(cmd.ErrOrStderr(), "supervisor stopped: %s\n", exitErr.Reason)
		return exitWith(exitErr.Code, exitErr.Error())
	}
	return err
}

// signalContext cancels on SIGINT, SIGTERM or SIGHUP and remembers the signal.
func signalContext(parent context.Context) (context.Context, func(), func() os.Signal) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	got := make(chan os.Signal, 1)
	done := make(chan struct{})
	go func() {
		select {
		case sig := <-sigCh:
			got <- sig
			cancel()
		case <-done:
		}
	}()

	stop := func() {
		signal.Stop(sigCh)
		close(done)
		cancel()
	}
	received := func() os.Signal {
		select {
		case sig := <-got:
			// Keep it readable for a second call.
			got <- sig
			return sig
		default:
			return nil
		}
	}
	return ctx, stop, received
}
