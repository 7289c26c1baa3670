// Package breaker implements the promotion circuit breaker.
//
// The breaker counts consecutive promotion failures and, once tripped,
// quarantines promotion for a fixed window. After the window expires the
// next read moves it to half-open, allowing a single trial attempt. A
// successful trial closes it; a failed one is counted like any other failure.
// State is persisted on every change so the quarantine survives restarts.
package breaker

import (
	"context"
	"time"

	"github.com/Iron-Ham/autoloop/internal/classify"
	"github.com/Iron-Ham/autoloop/internal/errors"
	"github.com/Iron-Ham/autoloop/internal/heartbeat"
	"github.com/Iron-Ham/autoloop/internal/logging"
	"github.com/Iron-Ham/autoloop/internal/store"
)

// Mode is the breaker position.
type Mode string

const (
	Closed   Mode = "closed"
	Open     Mode = "open"
	HalfOpen Mode = "half-open"
)

// State is the persisted breaker document.
type State struct {
	State               Mode              `json:"state"`
	ConsecutiveFailures int               `json:"consecutiveFailures"`
	OpenedAt            string            `json:"openedAt"`
	QuarantineUntil     string            `json:"quarantineUntil"`
	LastFailureClass    classify.Category `json:"lastFailureClass"`
	LastErrorSignature  string            `json:"lastErrorSignature"`
	PolicyRetryCount    int               `json:"policyRetryCount"`
	NextRetryAt         string            `json:"nextRetryAt"`
	UpdatedAt           string            `json:"updatedAt"`
}

// Config tunes the breaker.
type Config struct {
	FailureThreshold int
	OpenDuration     time.Duration
	PolicyRetryMax   int
	PolicyRetryDelay time.Duration
}

// Decision is the result of a gate check.
type Decision struct {
	Allowed         bool
	State           Mode
	QuarantineUntil time.Time
}

// Breaker gates promotion attempts.
type Breaker struct {
	cfg    Config
	store  store.Store
	logger *logging.Logger
	now    func() time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithLogger attaches a logger.
func WithLogger(logger *logging.Logger) Option {
	return func(b *Breaker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// New creates a Breaker persisted in s.
func New(cfg Config, s store.Store, opts ...Option) *Breaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 1
	}
	b := &Breaker{cfg: cfg, store: s, logger: logging.NopLogger(), now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Load returns the persisted state, or a closed breaker if none exists.
func (b *Breaker) Load(ctx context.Context) (State, error) {
	var st State
	err := b.store.Load(ctx, store.KeyBreaker, &st)
	if errors.Is(err, errors.ErrNotFound) {
		return State{State: Closed}, nil
	}
	if err != nil {
		return State{}, err
	}
	if st.State == "" {
		st.State = Closed
	}
	return st, nil
}

func (b *Breaker) save(ctx context.Context, st State) error {
	st.UpdatedAt = heartbeat.FormatTime(b.now())
	return b.store.Save(ctx, store.KeyBreaker, st)
}

// Allow checks the gate. An open breaker whose quarantine has expired moves
// to half-open and allows one attempt.
func (b *Breaker) Allow(ctx context.Context) (Decision, error) {
	st, err := b.Load(ctx)
	if err != nil {
		return Decision{}, err
	}
	if st.State != Open {
		return Decision{Allowed: true, State: st.State}, nil
	}

	until, err := heartbeat.ParseTime(st.QuarantineUntil)
	if err != nil || until.IsZero() {
		// An open breaker without a valid quarantine cannot be honored.
		b.logger.Warn("open breaker has invalid quarantine", "quarantine_until", st.QuarantineUntil)
		until = time.Time{}
	}
	now := b.now()
	if !until.IsZero() && now.Before(until) {
		return Decision{Allowed: false, State: Open, QuarantineUntil: until}, nil
	}

	st.State = HalfOpen
	st.OpenedAt = ""
	st.QuarantineUntil = ""
	st.NextRetryAt = ""
	if err := b.save(ctx, st); err != nil {
		return Decision{}, err
	}
	b.logger.Info("breaker half-open", "consecutive_failures", st.ConsecutiveFailures)
	return Decision{Allowed: true, State: HalfOpen}, nil
}

// RecordSuccess closes the breaker and resets every counter.
func (b *Breaker) RecordSuccess(ctx context.Context) error {
	prev, err := b.Load(ctx)
	if err != nil {
		return err
	}
	if err := b.save(ctx, State{State: Closed}); err != nil {
		return err
	}
	if prev.State != Closed || prev.ConsecutiveFailures > 0 {
		b.logger.Info("breaker closed", "previous", string(prev.State))
	}
	return nil
}

// RecordFailure applies a classified promotion failure and returns the new
// state.
func (b *Breaker) RecordFailure(ctx context.Context, category classify.Category, signature string) (State, error) {
	st, err := b.Load(ctx)
	if err != nil {
		return State{}, err
	}
	if category == classify.None {
		category = classify.Unknown
	}
	st.ConsecutiveFailures++
	st.LastFailureClass = category
	st.LastErrorSignature = signature
	if category != classify.PolicyTerminal {
		// The policy retry allowance belongs to an unbroken run of policy failures.
		st.PolicyRetryCount = 0
		st.NextRetryAt = ""
	}

	if category.Terminal() || st.ConsecutiveFailures >= b.cfg.FailureThreshold {
		b.open(&st)
	} else {
		st.State = Closed
		b.logger.Info("promotion failure recorded",
			"category", string(category),
			"consecutive_failures", st.ConsecutiveFailures,
			"threshold", b.cfg.FailureThreshold,
		)
	}
	if err := b.save(ctx, st); err != nil {
		return State{}, err
	}
	return st, nil
}

func (b *Breaker) open(st *State) {
	now := b.now()
	st.State = Open
	st.OpenedAt = heartbeat.FormatTime(now)
	st.QuarantineUntil = heartbeat.FormatTime(now.Add(b.cfg.OpenDuration))
	st.PolicyRetryCount = 0
	st.NextRetryAt = ""
	b.logger.Warn("breaker opened",
		"category", string(st.LastFailureClass),
		"consecutive_failures", st.ConsecutiveFailures,
		"quarantine_until", st.QuarantineUntil,
		"signature", st.LastErrorSignature,
	)
}

// TryPolicyRetry grants an immediate re-attempt for a policy-terminal
// failure while the retry allowance lasts.
func (b *Breaker) TryPolicyRetry(ctx context.Context) (time.Duration, bool, error) {
	st, err := b.Load(ctx)
	if err != nil {
		return 0, false, err
	}
	if st.PolicyRetryCount >= b.cfg.PolicyRetryMax {
		return 0, false, nil
	}
	st.PolicyRetryCount++
	st.NextRetryAt = heartbeat.FormatTime(b.now().Add(b.cfg.PolicyRetryDelay))
	if err := b.save(ctx, st); err != nil {
		return 0, false, err
	}
	b.logger.Info("policy retry granted",
		"attempt", st.PolicyRetryCount,
		"max", b.cfg.PolicyRetryMax,
		"delay", b.cfg.PolicyRetryDelay.String(),
	)
	return b.cfg.PolicyRetryDelay, true, nil
}

// Reset force-closes the breaker.
func (b *Breaker) Reset(ctx context.Context) error {
	if err := b.save(ctx, State{State: Closed}); err != nil {
		return err
	}
	b.logger.Info("breaker reset")
	return nil
}
