package supervisor

import (
	"math"
	"time"
)

// MinDelay is the floor for any jittered retry delay.
const MinDelay = time.Second

// Backoff computes retry delays for a failure streak.
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	JitterRatio float64
}

// Capped returns min(Base*2^(streak-1), Max) before jitter. streak is
// 1-indexed; values below 1 are treated as 1.
func (b Backoff) Capped(streak int) time.Duration {
	if streak < 1 {
		streak = 1
	}
	if b.Base <= 0 {
		return 0
	}
	d := float64(b.Base) * math.Pow(2, float64(streak-1))
	if b.Max > 0 && d > float64(b.Max) {
		return b.Max
	}
	if d > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Delay applies jitter after capping. unit must be in [0, 1); it maps
// linearly onto [-ratio*capped, +ratio*capped]. The result is never below
// MinDelay.
func (b Backoff) Delay(streak int, unit float64) time.Duration {
	capped := b.Capped(streak)
	ratio := b.JitterRatio
	if ratio < 0 {
		ratio = 0
	}
	jitter := (unit*2 - 1) * ratio * float64(capped)
	d := time.Duration(float64(capped) + jitter)
	if d < MinDelay {
		d = MinDelay
	}
	return d
}
