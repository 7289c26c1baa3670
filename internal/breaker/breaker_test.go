package breaker

import (
	"context"
	"testing"
	"time"

	"github.com/Iron-Ham/autoloop/internal/classify"
	"github.com/Iron-Ham/autoloop/internal/heartbeat"
	"github.com/Iron-Ham/autoloop/internal/store"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestBreaker(threshold int) (*Breaker, *clock, *store.MemoryStore) {
	c := &clock{t: time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)}
	mem := store.NewMemoryStore()
	b := New(Config{
		FailureThreshold: threshold,
		OpenDuration:     30 * time.Minute,
		PolicyRetryMax:   2,
		PolicyRetryDelay: 15 * time.Second,
	}, mem, WithClock(c.now))
	return b, c, mem
}

func TestBreaker_OpensExactlyAtThreshold(t *testing.T) {
	ctx := context.Background()
	b, c, _ := newTestBreaker(3)

	for i := 1; i <= 3; i++ {
		st, err := b.RecordFailure(ctx, classify.Retryable, "sig")
		if err != nil {
			t.Fatal(err)
		}
		want := Closed
		if i == 3 {
			want = Open
		}
		if st.State != want {
			t.Fatalf("after %d failures state = %s, want %s", i, st.State, want)
		}
	}

	st, _ := b.Load(ctx)
	until, err := heartbeat.ParseTime(st.QuarantineUntil)
	if err != nil || !until.Equal(c.t.Add(30*time.Minute)) {
		t.Errorf("QuarantineUntil = %q, want now+30m", st.QuarantineUntil)
	}
}

func TestBreaker_TerminalOpensImmediately(t *testing.T) {
	for _, cat := range []classify.Category{classify.ConfigFatal, classify.PolicyTerminal} {
		t.Run(string(cat), func(t *testing.T) {
			b, _, _ := newTestBreaker(5)
			st, err := b.RecordFailure(context.Background(), cat, "missing")
			if err != nil {
				t.Fatal(err)
			}
			if st.State != Open {
				t.Errorf("state = %s, want open", st.State)
			}
			if st.LastFailureClass != cat {
				t.Errorf("LastFailureClass = %s", st.LastFailureClass)
			}
		})
	}
}

func TestBreaker_UnknownCountsTowardThreshold(t *testing.T) {
	b, _, _ := newTestBreaker(2)
	ctx := context.Background()
	_, _ = b.RecordFailure(ctx, classify.Unknown, "")
	st, _ := b.RecordFailure(ctx, classify.None, "")
	if st.State != Open {
		t.Errorf("state = %s, want open", st.State)
	}
	if st.LastFailureClass != classify.Unknown {
		t.Errorf("empty category should be recorded as unknown, got %q", st.LastFailureClass)
	}
}

func TestBreaker_QuarantineThenSingleTrial(t *testing.T) {
	ctx := context.Background()
	b, c, _ := newTestBreaker(3)
	if _, err := b.RecordFailure(ctx, classify.PolicyTerminal, "gate failed"); err != nil {
		t.Fatal(err)
	}

	c.t = c.t.Add(29 * time.Minute)
	d, err := b.Allow(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed {
		t.Fatal("Allow() during quarantine = true")
	}

	c.t = c.t.Add(time.Minute)
	d, err = b.Allow(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed || d.State != HalfOpen {
		t.Fatalf("Allow() at expiry = %+v, want half-open trial", d)
	}

	st, _ := b.Load(ctx)
	if st.QuarantineUntil != "" || st.OpenedAt != "" {
		t.Errorf("timer fields not cleared: %+v", st)
	}

	// A retryable trial failure below the threshold leaves the breaker closed.
	st, err = b.RecordFailure(ctx, classify.Retryable, "flaky")
	if err != nil {
		t.Fatal(err)
	}
	if st.State != Closed || st.ConsecutiveFailures != 2 {
		t.Errorf("after failed trial state = %s, failures = %d; want closed, 2", st.State, st.ConsecutiveFailures)
	}

	// The next failure reaches the threshold.
	st, err = b.RecordFailure(ctx, classify.Retryable, "flaky")
	if err != nil {
		t.Fatal(err)
	}
	if st.State != Open {
		t.Errorf("state at threshold = %s, want open", st.State)
	}
}

func TestBreaker_HalfOpenTrialFailure(t *testing.T) {
	tests := []struct {
		name     string
		prior    int
		category classify.Category
		want     Mode
	}{
		{"retryable below threshold", 0, classify.Retryable, Closed},
		{"retryable reaching threshold", 1, classify.Retryable, Open},
		{"unknown below threshold", 0, classify.Unknown, Closed},
		{"policy terminal", 0, classify.PolicyTerminal, Open},
		{"config fatal", 0, classify.ConfigFatal, Open},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			b, c, _ := newTestBreaker(3)
			for i := 0; i < tt.prior; i++ {
				if _, err := b.RecordFailure(ctx, classify.Retryable, "x"); err != nil {
					t.Fatal(err)
				}
			}
			if _, err := b.RecordFailure(ctx, classify.PolicyTerminal, "gate failed"); err != nil {
				t.Fatal(err)
			}
			c.t = c.t.Add(time.Hour)
			if d, err := b.Allow(ctx); err != nil || d.State != HalfOpen {
				t.Fatalf("Allow() = %+v, %v; want half-open", d, err)
			}

			st, err := b.RecordFailure(ctx, tt.category, "trial")
			if err != nil {
				t.Fatal(err)
			}
			if st.State != tt.want {
				t.Errorf("state = %s with %d failures, want %s", st.State, st.ConsecutiveFailures, tt.want)
			}
		})
	}
}

func TestBreaker_SuccessCloses(t *testing.T) {
	ctx := context.Background()
	b, _, _ := newTestBreaker(3)
	_, _ = b.RecordFailure(ctx, classify.Retryable, "x")
	_, _, _ = b.TryPolicyRetry(ctx)

	if err := b.RecordSuccess(ctx); err != nil {
		t.Fatal(err)
	}
	st, _ := b.Load(ctx)
	if st.State != Closed || st.ConsecutiveFailures != 0 || st.PolicyRetryCount != 0 {
		t.Errorf("state after success = %+v", st)
	}
}

func TestBreaker_PolicyRetryAllowance(t *testing.T) {
	ctx := context.Background()
	b, c, _ := newTestBreaker(3)

	for i := 1; i <= 2; i++ {
		delay, ok, err := b.TryPolicyRetry(ctx)
		if err != nil || !ok || delay != 15*time.Second {
			t.Fatalf("TryPolicyRetry #%d = %v, %v, %v", i, delay, ok, err)
		}
	}
	st, _ := b.Load(ctx)
	if st.NextRetryAt != heartbeat.FormatTime(c.t.Add(15*time.Second)) {
		t.Errorf("NextRetryAt = %q", st.NextRetryAt)
	}

	if _, ok, _ := b.TryPolicyRetry(ctx); ok {
		t.Error("third policy retry granted, want exhausted")
	}

	// Opening resets the allowance.
	_, _ = b.RecordFailure(ctx, classify.PolicyTerminal, "x")
	st, _ = b.Load(ctx)
	if st.PolicyRetryCount != 0 {
		t.Errorf("PolicyRetryCount = %d after open, want 0", st.PolicyRetryCount)
	}
}

func TestBreaker_NonPolicyFailureResetsAllowance(t *testing.T) {
	ctx := context.Background()
	b, _, _ := newTestBreaker(3)

	if _, ok, err := b.TryPolicyRetry(ctx); err != nil || !ok {
		t.Fatalf("TryPolicyRetry() = %v, %v", ok, err)
	}
	st, err := b.RecordFailure(ctx, classify.Retryable, "flaky push")
	if err != nil {
		t.Fatal(err)
	}
	if st.State != Closed || st.PolicyRetryCount != 0 || st.NextRetryAt != "" {
		t.Errorf("state = %+v, want closed with a fresh allowance", st)
	}

	for i := 1; i <= 2; i++ {
		if _, ok, _ := b.TryPolicyRetry(ctx); !ok {
			t.Fatalf("policy retry #%d refused after reset", i)
		}
	}
}

func TestBreaker_Reset(t *testing.T) {
	ctx := context.Background()
	b, _, _ := newTestBreaker(1)
	_, _ = b.RecordFailure(ctx, classify.Retryable, "x")
	if err := b.Reset(ctx); err != nil {
		t.Fatal(err)
	}
	d, _ := b.Allow(ctx)
	if !d.Allowed || d.State != Closed {
		t.Errorf("Allow() after reset = %+v", d)
	}
}

func TestBreaker_EmptyStoreIsClosed(t *testing.T) {
	b, _, mem := newTestBreaker(3)
	d, err := b.Allow(context.Background())
	if err != nil || !d.Allowed || d.State != Closed {
		t.Errorf("Allow() = %+v, %v", d, err)
	}
	if mem.SaveCount(store.KeyBreaker) != 0 {
		t.Error("Allow() on closed breaker should not write")
	}
}
