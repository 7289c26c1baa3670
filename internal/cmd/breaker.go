package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var breakerCmd = &cobra.Command{
	Use:   "breaker",
	Short: "Inspect or reset the promotion circuit breaker",
}

var breakerResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Close the breaker and clear its failure history",
	Long: `Close the promotion circuit breaker, clearing the failure count, the
quarantine and the policy retry allowance. Use this after fixing whatever
caused promotions to be quarantined.`,
	Args: cobra.NoArgs,
	RunE: runBreakerReset,
}

func init() {
	rootCmd.AddCommand(breakerCmd)
	breakerCmd.AddCommand(breakerResetCmd)
}

func runBreakerReset(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	b := a.breaker()
	before, err := b.Load(cmd.Context())
	if err != nil {
		return err
	}
	if err := b.Reset(cmd.Context()); err != nil {
		return fmt.Errorf("failed to reset breaker: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Breaker reset (was %s, %d consecutive failures)\n",
		before.State, before.ConsecutiveFailures)
	return nil
}
