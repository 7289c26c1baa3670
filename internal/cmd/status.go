package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/Iron-Ham/autoloop/internal/breaker"
	"github.com/Iron-Ham/autoloop/internal/errors"
	"github.com/Iron-Ham/autoloop/internal/heartbeat"
	"github.com/Iron-Ham/autoloop/internal/lock"
	"github.com/Iron-Ham/autoloop/internal/promotion"
	"github.com/Iron-Ham/autoloop/internal/store"
	"github.com/Iron-Ham/autoloop/internal/supervisor"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show supervisor, heartbeat, breaker and workflow state",
	Long: `Show the persisted state documents of this autoloop installation.

With --watch the output is re-rendered whenever a document in the state
directory changes.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

var (
	statusFormat string
	statusWatch  bool
)

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVarP(&statusFormat, "format", "f", "text", "output format: text, json or yaml")
	statusCmd.Flags().BoolVarP(&statusWatch, "watch", "w", false, "re-render when state changes")
}

// lockStatus describes one lock record.
type lockStatus struct {
	Name       string `json:"name"`
	Held       bool   `json:"held"`
	OwnerPID   int    `json:"ownerPid,omitempty"`
	OwnerAlive bool   `json:"ownerAlive"`
	AcquiredAt string `json:"acquiredAt,omitempty"`
}

// statusSnapshot is everything status renders. Absent documents are nil.
type statusSnapshot struct {
	StateDir   string                   `json:"stateDir"`
	Supervisor *supervisor.State        `json:"supervisor,omitempty"`
	Heartbeat  *heartbeat.Heartbeat     `json:"heartbeat,omitempty"`
	Breaker    *breaker.State           `json:"breaker,omitempty"`
	Workflow   *promotion.WorkflowState `json:"workflow,omitempty"`
	Locks      []lockStatus             `json:"locks"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	switch statusFormat {
	case "text", "json", "yaml":
	default:
		return fmt.Errorf("unknown format %q (want text, json or yaml)", statusFormat)
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	out := cmd.OutOrStdout()
	p := painter{color: statusFormat == "text" && isTerminal(out)}
	locks := []string{a.cfg.Supervisor.LockName, a.cfg.Promotion.LockName}

	render := func() error {
		snap, err := collectStatus(cmd.Context(), a.store, a.locks, locks)
		if err != nil {
			return err
		}
		return writeStatus(out, statusFormat, snap, p)
	}

	if !statusWatch {
		return render()
	}

	ctx, stop, _ := signalContext(cmd.Context())
	defer stop()
	return watchStatus(ctx, a.stateDir, func() error {
		if p.color {
			// Clear the screen between renders
			fmt.Fprint(out, "\033[H\033[2J")
		}
		return render()
	})
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// collectStatus reads each state document. Missing documents are skipped;
// unreadable ones are reported.
func collectStatus(ctx context.Context, s *store.FileStore, locks *lock.DirProvider, lockNames []string) (*statusSnapshot, error) {
	snap := &statusSnapshot{StateDir: s.Dir()}

	load := func(key string, v any) (bool, error) {
		err := s.Load(ctx, key, v)
		if errors.Is(err, errors.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("failed to read %s: %w", key, err)
		}
		return true, nil
	}

	var sup supervisor.State
	if ok, err := load(store.KeySupervisor, &sup); err != nil {
		return nil, err
	} else if ok {
		snap.Supervisor = &sup
	}
	var hb heartbeat.Heartbeat
	if ok, err := load(store.KeyHeartbeat, &hb); err != nil {
		return nil, err
	} else if ok {
		snap.Heartbeat = &hb
	}
	var br breaker.State
	if ok, err := load(store.KeyBreaker, &br); err != nil {
		return nil, err
	} else if ok {
		snap.Breaker = &br
	}
	var wf promotion.WorkflowState
	if ok, err := load(store.KeyWorkflow, &wf); err != nil {
		return nil, err
	} else if ok {
		snap.Workflow = &wf
	}

	for _, name := range lockNames {
		ls := lockStatus{Name: name}
		if rec, alive, err := locks.Inspect(name); err == nil {
			ls.Held = true
			ls.OwnerPID = rec.OwnerPID
			ls.OwnerAlive = alive
			ls.AcquiredAt = heartbeat.FormatTime(rec.AcquiredAt)
		}
		snap.Locks = append(snap.Locks, ls)
	}
	return snap, nil
}

func writeStatus(w io.Writer, format string, snap *statusSnapshot, p painter) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	case "yaml":
		return writeYAML(w, snap)
	default:
		_, err := io.WriteString(w, formatStatusText(snap, p, time.Now()))
		return err
	}
}

func formatStatusText(snap *statusSnapshot, p painter, now time.Time) string {
	var b strings.Builder
	row := func(label, value string) {
		if p.color {
			fmt.Fprintf(&b, "  %s%s\n", labelStyle.Render(label), value)
		} else {
			fmt.Fprintf(&b, "  %-14s%s\n", label, value)
		}
	}
	section := func(name string) {
		fmt.Fprintf(&b, "\n%s\n", p.render(sectionStyle, name))
	}
	missing := func() {
		fmt.Fprintf(&b, "  %s\n", p.render(mutedStyle, "(no state)"))
	}

	fmt.Fprintf(&b, "%s %s\n", p.render(titleStyle, "autoloop"), p.render(mutedStyle, snap.StateDir))

	section("Supervisor")
	if s := snap.Supervisor; s != nil {
		row("status", p.status(string(s.Status)))
		row("session", s.SessionID)
		row("iteration", fmt.Sprint(s.Iteration))
		row("streak", fmt.Sprint(s.FailureStreak))
		if s.NextDelaySeconds > 0 {
			row("next delay", (time.Duration(s.NextDelaySeconds * float64(time.Second))).Round(time.Millisecond).String())
		}
		if s.LastFailureClass != "" {
			row("last failure", string(s.LastFailureClass))
		}
		if s.Detail != "" {
			row("detail", s.Detail)
		}
		row("updated", since(s.UpdatedAt, now))
	} else {
		missing()
	}

	section("Heartbeat")
	if h := snap.Heartbeat; h != nil {
		row("status", p.status(h.Status))
		row("phase", h.Phase)
		row("last output", since(h.LastOutputAt, now))
		row("updated", since(h.UpdatedAt, now))
	} else {
		missing()
	}

	section("Breaker")
	if br := snap.Breaker; br != nil {
		row("state", p.status(string(br.State)))
		row("failures", fmt.Sprint(br.ConsecutiveFailures))
		if br.QuarantineUntil != "" {
			row("quarantine", br.QuarantineUntil)
		}
		if br.LastFailureClass != "" {
			row("last failure", string(br.LastFailureClass))
		}
		if br.PolicyRetryCount > 0 {
			row("policy retry", fmt.Sprint(br.PolicyRetryCount))
		}
	} else {
		missing()
	}

	section("Workflow")
	if wf := snap.Workflow; wf != nil {
		row("key", wf.Key.String())
		row("status", p.status(string(wf.Status)))
		row("phase", wf.Phase.String())
		if wf.Reason != "" {
			row("reason", wf.Reason)
		}
		if wf.MergeWorktreePath != "" {
			row("worktree", wf.MergeWorktreePath)
		}
		row("updated", since(wf.UpdatedAt, now))
	} else {
		missing()
	}

	section("Locks")
	for _, l := range snap.Locks {
		switch {
		case !l.Held:
			row(l.Name, p.render(mutedStyle, "free"))
		case l.OwnerAlive:
			row(l.Name, fmt.Sprintf("held by pid %d since %s", l.OwnerPID, l.AcquiredAt))
		default:
			row(l.Name, p.status("stalled")+fmt.Sprintf(" owner pid %d is gone", l.OwnerPID))
		}
	}
	return b.String()
}

// since renders a stored timestamp with its age.
func since(stamp string, now time.Time) string {
	t, err := heartbeat.ParseTime(stamp)
	if err != nil || t.IsZero() {
		return "-"
	}
	return fmt.Sprintf("%s (%s ago)", stamp, now.Sub(t).Round(time.Second))
}

// watchStatus calls render once and again after every change in dir until
// ctx is cancelled.
func watchStatus(ctx context.Context, dir string, render func() error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	if err := render(); err != nil {
		return err
	}

	// Coalesce bursts: one write produces create, write and rename events.
	const settle = 100 * time.Millisecond
	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(event.Name, ".json") {
				continue
			}
			if pending == nil {
				pending = time.After(settle)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watch error: %w", err)
		case <-pending:
			pending = nil
			if err := render(); err != nil {
				return err
			}
		}
	}
}

// writeYAML renders v as block YAML keyed by its JSON field names.
func writeYAML(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return err
	}
	blockStyle(&node)
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&node); err != nil {
		return err
	}
	return enc.Close()
}

// blockStyle clears the flow and quoting styles inherited from JSON.
func blockStyle(n *yaml.Node) {
	n.Style = 0
	for _, c := range n.Content {
		blockStyle(c)
	}
}
