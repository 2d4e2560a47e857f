package retry

import (
	"math"
	"time"

	"github.com/lupppig/snsbus/internal/domain"
)

// Backoff computes delays for the backoff phase of a retry policy. Delays are
// whole seconds within [MinDelay, MaxDelay].
type Backoff struct {
	MinDelay int
	MaxDelay int
	Budget   int
	Function domain.BackoffFunction
}

// NewBackoff derives the backoff phase of p.
func NewBackoff(p domain.RetryPolicy) *Backoff {
	return &Backoff{
		MinDelay: p.MinDelayTarget,
		MaxDelay: p.MaxDelayTarget,
		Budget:   p.NumBackoffRetries(),
		Function: p.BackoffFunction,
	}
}

// DelaySeconds returns the delay before backoff retry index (0-based).
func (b *Backoff) DelaySeconds(index int) int {
	lo, hi := float64(b.MinDelay), float64(b.MaxDelay)
	if hi <= lo {
		return b.MinDelay
	}
	n := float64(b.Budget)
	if n < 1 {
		n = 1
	}
	k := float64(index + 1)
	if k > n {
		k = n
	}
	if k < 1 {
		k = 1
	}

	var d float64
	switch b.Function {
	case domain.BackoffArithmetic:
		// step grows by one unit each retry
		d = lo + (hi-lo)*(k*(k+1))/(n*(n+1))
	case domain.BackoffGeometric:
		base := math.Max(lo, 1)
		d = base * math.Pow(hi/base, k/n)
	case domain.BackoffExponential:
		base := math.Max(lo, 1)
		d = base * math.Pow(2, k-1)
	default:
		d = lo + (hi-lo)*k/n
	}

	d = math.Round(d)
	if d < lo {
		d = lo
	}
	if d > hi {
		d = hi
	}
	return int(d)
}

// NextDelay is DelaySeconds as a duration.
func (b *Backoff) NextDelay(index int) time.Duration {
	return time.Duration(b.DelaySeconds(index)) * time.Second
}
