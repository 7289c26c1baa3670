// Package heartbeat publishes liveness snapshots for external observers.
//
// Heartbeats are advisory. Nothing in autoloop reads the persisted document
// back to make a control decision; the in-memory LastOutput timestamp is what
// the stall detector consumes.
package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/Iron-Ham/autoloop/internal/logging"
	"github.com/Iron-Ham/autoloop/internal/store"
)

// Heartbeat is the persisted liveness snapshot. Timestamps are ISO-8601 UTC,
// with the empty string meaning unset.
type Heartbeat struct {
	Phase        string `json:"phase"`
	Status       string `json:"status"`
	LastOutputAt string `json:"lastOutputAt"`
	UpdatedAt    string `json:"updatedAt"`
}

// FormatTime renders t the way every autoloop document stores timestamps.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTime is the inverse of FormatTime. The empty string yields the zero time.
func ParseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// Reporter owns the heartbeat document. It is safe for concurrent use: output
// observations arrive from the runner's pipe reader while the ticker publishes.
type Reporter struct {
	store       store.Store
	logger      *logging.Logger
	now         func() time.Time
	minInterval time.Duration

	mu          sync.Mutex
	current     Heartbeat
	lastOutput  time.Time
	lastPublish time.Time
}

// Option configures a Reporter.
type Option func(*Reporter)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Reporter) { r.now = now }
}

// WithMinInterval throttles output-driven publishes. Zero publishes on every
// observation.
func WithMinInterval(d time.Duration) Option {
	return func(r *Reporter) { r.minInterval = d }
}

// WithLogger attaches a logger.
func WithLogger(logger *logging.Logger) Option {
	return func(r *Reporter) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewReporter creates a Reporter writing to s.
func NewReporter(s store.Store, opts ...Option) *Reporter {
	r := &Reporter{
		store:       s,
		logger:      logging.NopLogger(),
		now:         time.Now,
		minInterval: time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Publish replaces the snapshot with hb and persists it. UpdatedAt is stamped
// by the reporter; an empty LastOutputAt keeps the last observed value.
func (r *Reporter) Publish(ctx context.Context, hb Heartbeat) error {
	r.mu.Lock()
	if hb.LastOutputAt == "" {
		hb.LastOutputAt = FormatTime(r.lastOutput)
	}
	now := r.now()
	hb.UpdatedAt = FormatTime(now)
	r.current = hb
	r.lastPublish = now
	r.mu.Unlock()

	return r.store.Save(ctx, store.KeyHeartbeat, hb)
}

// Refresh republishes the current snapshot with a fresh UpdatedAt.
func (r *Reporter) Refresh(ctx context.Context) error {
	r.mu.Lock()
	hb := r.current
	r.mu.Unlock()
	return r.Publish(ctx, hb)
}

// ObserveOutput records that the executor produced output at t and
// republishes unless the last publish was within the minimum interval.
func (r *Reporter) ObserveOutput(t time.Time) {
	r.mu.Lock()
	r.lastOutput = t
	r.current.LastOutputAt = FormatTime(t)
	due := r.minInterval <= 0 || r.lastPublish.IsZero() || t.Sub(r.lastPublish) >= r.minInterval
	hb := r.current
	r.mu.Unlock()

	if !due {
		return
	}
	if err := r.Publish(context.Background(), hb); err != nil {
		r.logger.Warn("heartbeat publish failed", "error", err)
	}
}

// ResetOutput clears the last output time, typically at the start of a run.
func (r *Reporter) ResetOutput(t time.Time) {
	r.mu.Lock()
	r.lastOutput = t
	r.current.LastOutputAt = FormatTime(t)
	r.mu.Unlock()
}

// LastOutput returns the most recent observed output time.
func (r *Reporter) LastOutput() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastOutput
}

// Current returns the in-memory snapshot.
func (r *Reporter) Current() Heartbeat {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}
