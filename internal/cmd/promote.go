package cmd

import (
	"fmt"
	"time"

	"github.com/Iron-Ham/autoloop/internal/outcome"
	"github.com/Iron-Ham/autoloop/internal/promotion"
	"github.com/spf13/cobra"
)

var promoteCmd = &cobra.Command{
	Use:   "promote",
	Short: "Promote a completed task into the target branch",
	Long: `Run the promotion workflow for one task, gated by the circuit breaker.

The source branch defaults to promotion.source_branch, or the checked out
branch when that is unset. An interrupted workflow for the same task resumes
from the first phase that has not completed.

Exit status follows the outcome: 0 ok (including a quarantine skip),
20 retryable, 30 fatal.`,
	Args: cobra.NoArgs,
	RunE: runPromote,
}

var (
	promoteTask      string
	promoteSource    string
	promoteAgent     string
	promoteTarget    string
	promoteCoSigners []string
	promoteLanes     []string
)

func init() {
	rootCmd.AddCommand(promoteCmd)

	promoteCmd.Flags().StringVar(&promoteTask, "task", "", "task identifier (default: the source branch)")
	promoteCmd.Flags().StringVar(&promoteSource, "source", "", "source branch to promote")
	promoteCmd.Flags().StringVar(&promoteAgent, "agent", "", "agent identity (default: promotion.agent or the host name)")
	promoteCmd.Flags().StringVar(&promoteTarget, "target", "", "target branch (default: promotion.target_branch)")
	promoteCmd.Flags().StringSliceVar(&promoteCoSigners, "cosigner", nil, "additional branch that must exist (repeatable)")
	promoteCmd.Flags().StringSliceVar(&promoteLanes, "lane", nil, "branch to publish and clean up (repeatable)")
}

func runPromote(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	p, g, err := a.promoter()
	if err != nil {
		return err
	}

	hc := promotion.HandoffConfig{
		Agent:          a.agent(),
		Target:         a.cfg.Promotion.TargetBranch,
		SourceTemplate: a.cfg.Promotion.SourceBranch,
		CoSigners:      a.cfg.Promotion.CosignerBranches,
		Lanes:          a.cfg.Promotion.Lanes,
	}
	if promoteAgent != "" {
		hc.Agent = promoteAgent
	}
	if promoteTarget != "" {
		hc.Target = promoteTarget
	}
	if len(promoteCoSigners) > 0 {
		hc.CoSigners = promoteCoSigners
	}
	if len(promoteLanes) > 0 {
		hc.Lanes = promoteLanes
	}
	task := promoteTask
	if promoteSource != "" {
		hc.SourceTemplate = promoteSource
		if task == "" {
			task = promoteSource
		}
	}

	h := promotion.NewHandoff(hc, p, g, a.logger.WithComponent("handoff"))
	req, err := h.Request(cmd.Context(), task)
	if err != nil {
		return err
	}

	ctx, stop, received := signalContext(cmd.Context())
	defer stop()

	report := p.Promote(ctx, req)
	printReport(cmd, req, report)
	if sig := received(); sig != nil {
		return exitWith(outcome.SignalExitCode(sig), "")
	}
	return exitWith(report.Outcome.ExitCode(), "")
}

func printReport(cmd *cobra.Command, req promotion.Request, r promotion.Report) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "promotion %s\n", req.Key)
	fmt.Fprintf(out, "  source:   %s\n", req.Source)
	if r.Skipped {
		fmt.Fprintf(out, "  skipped:  quarantined until %s\n", r.QuarantineUntil.Format(time.RFC3339))
		return
	}
	fmt.Fprintf(out, "  outcome:  %s\n", r.Outcome)
	fmt.Fprintf(out, "  attempts: %d\n", r.Attempts)
	if r.Phase.Valid() {
		fmt.Fprintf(out, "  phase:    %s\n", r.Phase)
	}
	if r.Category != "" {
		fmt.Fprintf(out, "  class:    %s\n", r.Category)
	}
	if r.Reason != "" {
		fmt.Fprintf(out, "  reason:   %s\n", r.Reason)
	}
}
