package retry

import (
	"time"

	"github.com/lupppig/snsbus/internal/domain"
)

// Phase is a state of the per-subscriber retry machine.
type Phase int

const (
	PhaseNone Phase = iota
	PhaseImmediateRetry
	PhasePreBackoff
	PhaseBackoff
	PhasePostBackoff
	PhaseDelivered
	PhaseExhausted
)

var phaseNames = [...]string{
	PhaseNone:           "None",
	PhaseImmediateRetry: "ImmediateRetry",
	PhasePreBackoff:     "PreBackoff",
	PhaseBackoff:        "Backoff",
	PhasePostBackoff:    "PostBackoff",
	PhaseDelivered:      "Delivered",
	PhaseExhausted:      "Exhausted",
}

func (p Phase) String() string {
	if p >= 0 && int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return "Unknown"
}

// Decision is what to do before the next retry.
type Decision struct {
	Phase Phase
	Delay time.Duration
}

// Scheduler maps a retry count onto the phases of one retry policy.
type Scheduler struct {
	policy  domain.RetryPolicy
	backoff *Backoff
}

func NewScheduler(p domain.RetryPolicy) *Scheduler {
	return &Scheduler{
		policy:  p,
		backoff: NewBackoff(p),
	}
}

// ShouldRetry reports whether retriesSoFar leaves budget for another retry.
func (s *Scheduler) ShouldRetry(retriesSoFar int) bool {
	return retriesSoFar < s.policy.NumRetries
}

// MaxAttempts is the first attempt plus every retry.
func (s *Scheduler) MaxAttempts() int {
	return s.policy.NumRetries + 1
}

// Next decides the phase and delay of retry number retriesSoFar+1.
func (s *Scheduler) Next(retriesSoFar int) Decision {
	p := s.policy
	noDelay := p.NumNoDelayRetries
	preBackoff := noDelay + p.NumMinDelayRetries
	backoffEnd := p.NumRetries - p.NumMaxDelayRetries

	switch {
	case !s.ShouldRetry(retriesSoFar):
		return Decision{Phase: PhaseExhausted}
	case retriesSoFar < noDelay:
		return Decision{Phase: PhaseImmediateRetry}
	case retriesSoFar < preBackoff:
		return Decision{Phase: PhasePreBackoff, Delay: seconds(p.MinDelayTarget)}
	case retriesSoFar < backoffEnd:
		return Decision{Phase: PhaseBackoff, Delay: s.backoff.NextDelay(retriesSoFar - preBackoff)}
	default:
		return Decision{Phase: PhasePostBackoff, Delay: seconds(p.MaxDelayTarget)}
	}
}

// NextDelay is the delay part of Next.
func (s *Scheduler) NextDelay(retriesSoFar int) time.Duration {
	return s.Next(retriesSoFar).Delay
}

// Schedule lists the decisions for every retry the policy allows.
func (s *Scheduler) Schedule() []Decision {
	out := make([]Decision, 0, s.policy.NumRetries)
	for i := 0; s.ShouldRetry(i); i++ {
		out = append(out, s.Next(i))
	}
	return out
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
