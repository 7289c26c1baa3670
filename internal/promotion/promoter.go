package promotion

import (
	"context"
	"strings"
	"time"

	"github.com/Iron-Ham/autoloop/internal/breaker"
	"github.com/Iron-Ham/autoloop/internal/classify"
	"github.com/Iron-Ham/autoloop/internal/errors"
	"github.com/Iron-Ham/autoloop/internal/logging"
	"github.com/Iron-Ham/autoloop/internal/outcome"
	"github.com/Iron-Ham/autoloop/internal/supervisor"
	"github.com/Iron-Ham/autoloop/internal/worktree"
)

// Workflow runs one promotion. *Engine implements it.
type Workflow interface {
	Run(ctx context.Context, req Request) Result
}

var _ Workflow = (*Engine)(nil)

// Report summarizes a breaker-gated promotion.
type Report struct {
	Outcome outcome.Outcome
	// Skipped is set when the breaker blocked the attempt.
	Skipped         bool
	QuarantineUntil time.Time
	Attempts        int
	Phase           Phase
	Reason          string
	Category        classify.Category
}

// Promoter coordinates the breaker, the classifier and the workflow engine.
type Promoter struct {
	workflow   Workflow
	breaker    *breaker.Breaker
	classifier *classify.Classifier
	logger     *logging.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

// PromoterOption configures a Promoter.
type PromoterOption func(*Promoter)

// WithSleep replaces the policy-retry sleeper.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) PromoterOption {
	return func(p *Promoter) { p.sleep = sleep }
}

// WithPromoterLogger attaches a logger.
func WithPromoterLogger(logger *logging.Logger) PromoterOption {
	return func(p *Promoter) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPromoter creates a Promoter. A nil classifier uses the default table.
func NewPromoter(w Workflow, b *breaker.Breaker, c *classify.Classifier, opts ...PromoterOption) *Promoter {
	if c == nil {
		c = classify.Default()
	}
	p := &Promoter{
		workflow:   w,
		breaker:    b,
		classifier: c,
		logger:     logging.NopLogger(),
		sleep:      supervisor.SleepContext,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Promote runs the workflow behind the breaker. A quarantined breaker turns
// the call into a successful no-op. Policy-terminal failures are retried
// while the breaker's policy-retry allowance lasts.
func (p *Promoter) Promote(ctx context.Context, req Request) Report {
	log := p.logger.With("key", req.Key.String())

	decision, err := p.breaker.Allow(ctx)
	if err != nil {
		log.Error("failed to read breaker state", "error", err)
		return Report{Outcome: outcome.Retryable, Reason: "breaker unavailable: " + err.Error()}
	}
	if !decision.Allowed {
		reason := "skipped: quarantined until " + decision.QuarantineUntil.UTC().Format(time.RFC3339)
		log.Info("promotion skipped", "quarantine_until", decision.QuarantineUntil)
		return Report{Outcome: outcome.OK, Skipped: true, QuarantineUntil: decision.QuarantineUntil, Reason: reason}
	}
	if decision.State == breaker.HalfOpen {
		log.Info("breaker half-open, running trial promotion")
	}

	report := Report{}
	for {
		report.Attempts++
		res := p.workflow.Run(ctx, req)
		report.Outcome = res.Outcome
		report.Phase = res.Phase
		report.Reason = res.Reason

		if res.Outcome.Kind == outcome.KindOK {
			if err := p.breaker.RecordSuccess(ctx); err != nil {
				log.Warn("failed to record promotion success", "error", err)
			}
			report.Category = classify.None
			return report
		}
		if res.LockHeld {
			// Contention is not a promotion failure.
			log.Info("promotion deferred, lock held")
			return report
		}

		category := p.classifier.Classify(res.Outcome.ExitCode(), res.Output)
		report.Category = category
		log.Warn("promotion failed",
			"phase", res.Phase.String(),
			"outcome", res.Outcome.String(),
			"category", string(category),
			"reason", res.Reason,
		)

		if category == classify.PolicyTerminal && ctx.Err() == nil {
			delay, ok, err := p.breaker.TryPolicyRetry(ctx)
			if err != nil {
				log.Warn("failed to record policy retry", "error", err)
			}
			if ok {
				log.Info("retrying promotion after policy failure", "delay", delay.String(), "attempt", report.Attempts+1)
				if err := p.sleep(ctx, delay); err != nil {
					report.Outcome = outcome.Retryable
					report.Reason = errors.Wrap(err, "policy retry interrupted").Error()
					return report
				}
				continue
			}
		}

		st, err := p.breaker.RecordFailure(ctx, category, classify.Signature(res.Output))
		if err != nil {
			log.Warn("failed to record promotion failure", "error", err)
		} else if st.State == breaker.Open {
			log.Warn("promotion breaker opened", "quarantine_until", st.QuarantineUntil)
		}
		return report
	}
}

// TaskPlaceholder and AgentPlaceholder are expanded in branch
// templates.
const (
	TaskPlaceholder  = "{task}"
	AgentPlaceholder = "{agent}"
)

// ExpandBranch substitutes the task and agent into a branch template.
func ExpandBranch(template, task, agent string) string {
	return strings.NewReplacer(TaskPlaceholder, task, AgentPlaceholder, agent).Replace(template)
}

// HandoffConfig describes how a completed task maps onto a promotion request.
type HandoffConfig struct {
	Agent  string
	Target string
	// SourceTemplate names the source branch. Empty means the branch checked
	// out in the repository.
	SourceTemplate string
	CoSigners      []string
	Lanes          []string
}

// Handoff adapts a Promoter to the supervisor's completion hook.
type Handoff struct {
	cfg      HandoffConfig
	promoter *Promoter
	branches worktree.BranchOperations
	logger   *logging.Logger
}

var _ supervisor.Promoter = (*Handoff)(nil)

// NewHandoff creates a Handoff.
func NewHandoff(cfg HandoffConfig, p *Promoter, branches worktree.BranchOperations, logger *logging.Logger) *Handoff {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Handoff{cfg: cfg, promoter: p, branches: branches, logger: logger}
}

// Request builds the promotion request for task.
func (h *Handoff) Request(ctx context.Context, task string) (Request, error) {
	source := ""
	if h.cfg.SourceTemplate != "" && task != "" {
		source = ExpandBranch(h.cfg.SourceTemplate, task, h.cfg.Agent)
	} else {
		branch, err := h.branches.CurrentBranch(ctx, "")
		if err != nil {
			return Request{}, err
		}
		if branch == "HEAD" {
			return Request{}, errors.New("repository is on a detached HEAD")
		}
		source = branch
	}
	if task == "" {
		task = source
	}

	req := Request{
		Key:    Key{Agent: h.cfg.Agent, Task: task, Target: h.cfg.Target},
		Source: source,
	}
	for _, tmpl := range h.cfg.CoSigners {
		if b := ExpandBranch(tmpl, task, h.cfg.Agent); b != "" {
			req.CoSigners = append(req.CoSigners, b)
		}
	}
	for _, tmpl := range h.cfg.Lanes {
		if b := ExpandBranch(tmpl, task, h.cfg.Agent); b != "" {
			req.Lanes = append(req.Lanes, b)
		}
	}
	return req, nil
}

// Promote implements supervisor.Promoter.
func (h *Handoff) Promote(ctx context.Context, task string) outcome.Outcome {
	req, err := h.Request(ctx, task)
	if err != nil {
		h.logger.Warn("cannot build promotion request", "task", task, "error", err)
		return outcome.Retryable
	}
	report := h.promoter.Promote(ctx, req)
	h.logger.Info("handoff promotion finished",
		"key", req.Key.String(),
		"outcome", report.Outcome.String(),
		"attempts", report.Attempts,
		"skipped", report.Skipped,
	)
	return report.Outcome
}
