// Package health aggregates delivery failures per endpoint for operators.
package health

import (
	"sort"
	"sync"
	"time"

	"github.com/lupppig/snsbus/internal/domain"
	"github.com/lupppig/snsbus/internal/metrics"
	"github.com/lupppig/snsbus/internal/window"
)

// Failure is one failed attempt against an endpoint.
type Failure struct {
	SubscriptionArn string
	MessageID       string
	Reason          string
	At              time.Time
}

type endpointKey struct {
	protocol domain.Protocol
	endpoint string
}

type endpointState struct {
	failures    *window.Capture[Failure]
	lastSuccess time.Time
	lastFailure time.Time
}

// EndpointStatus is a point-in-time view of one endpoint.
type EndpointStatus struct {
	Protocol       string    `json:"protocol"`
	Endpoint       string    `json:"endpoint"`
	RecentFailures int       `json:"recent_failures"`
	LastFailure    time.Time `json:"last_failure,omitzero"`
	LastSuccess    time.Time `json:"last_success,omitzero"`
	LastReason     string    `json:"last_reason,omitempty"`
}

// Monitor records failures in a rolling window per endpoint. Its output is
// for visibility only and never feeds retry decisions. Endpoints with no
// failure and no success inside the window are forgotten: every tolerance
// records trigger a sweep, and so does every snapshot.
type Monitor struct {
	mu         sync.Mutex
	endpoints  map[endpointKey]*endpointState
	window     time.Duration
	tolerance  int
	sinceSweep int
	metrics    *metrics.Metrics
	now        func() time.Time
}

func NewMonitor(window time.Duration, tolerance int, m *metrics.Metrics) *Monitor {
	if m == nil {
		m = metrics.Nop()
	}
	if tolerance < 1 {
		tolerance = 1
	}
	return &Monitor{
		endpoints: make(map[endpointKey]*endpointState),
		window:    window,
		tolerance: tolerance,
		metrics:   m,
		now:       time.Now,
	}
}

func (m *Monitor) stateLocked(p domain.Protocol, endpoint string) *endpointState {
	key := endpointKey{protocol: p, endpoint: endpoint}
	st, ok := m.endpoints[key]
	if !ok {
		st = &endpointState{failures: window.New[Failure](m.window, m.tolerance)}
		m.endpoints[key] = st
	}
	return st
}

// recordedLocked counts one record towards the next sweep.
func (m *Monitor) recordedLocked() {
	m.sinceSweep++
	if m.sinceSweep >= m.tolerance {
		m.sweepLocked()
	}
}

func (m *Monitor) sweepLocked() {
	m.sinceSweep = 0
	cutoff := m.now().Add(-m.window)
	for key, st := range m.endpoints {
		if st.lastSuccess.After(cutoff) || st.failures.Count() > 0 {
			continue
		}
		delete(m.endpoints, key)
	}
}

func (m *Monitor) RecordFailure(info domain.SubscriberInfo, messageID, reason string) {
	m.mu.Lock()
	now := m.now()
	st := m.stateLocked(info.Protocol, info.Endpoint)
	st.failures.Add(Failure{
		SubscriptionArn: info.SubscriptionArn,
		MessageID:       messageID,
		Reason:          reason,
		At:              now,
	})
	st.lastFailure = now
	m.recordedLocked()
	m.mu.Unlock()

	m.metrics.EndpointFailures.WithLabelValues(info.Protocol.String()).Inc()
}

func (m *Monitor) RecordSuccess(info domain.SubscriberInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateLocked(info.Protocol, info.Endpoint).lastSuccess = m.now()
	m.recordedLocked()
}

// Tracked reports how many endpoints are held.
func (m *Monitor) Tracked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.endpoints)
}

// RecentFailures returns the failures inside the window for one endpoint.
func (m *Monitor) RecentFailures(p domain.Protocol, endpoint string) []Failure {
	m.mu.Lock()
	st, ok := m.endpoints[endpointKey{protocol: p, endpoint: endpoint}]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return st.failures.Events()
}

// Snapshot lists every tracked endpoint, most failures first.
func (m *Monitor) Snapshot() []EndpointStatus {
	m.mu.Lock()
	m.sweepLocked()
	keys := make([]endpointKey, 0, len(m.endpoints))
	states := make([]*endpointState, 0, len(m.endpoints))
	successes := make([]time.Time, 0, len(m.endpoints))
	failures := make([]time.Time, 0, len(m.endpoints))
	for k, st := range m.endpoints {
		keys = append(keys, k)
		states = append(states, st)
		successes = append(successes, st.lastSuccess)
		failures = append(failures, st.lastFailure)
	}
	m.mu.Unlock()

	out := make([]EndpointStatus, len(keys))
	for i, k := range keys {
		status := EndpointStatus{
			Protocol:       k.protocol.String(),
			Endpoint:       k.endpoint,
			RecentFailures: states[i].failures.Count(),
			LastFailure:    failures[i],
			LastSuccess:    successes[i],
		}
		if f, _, ok := states[i].failures.Latest(); ok {
			status.LastReason = f.Reason
		}
		out[i] = status
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RecentFailures != out[j].RecentFailures {
			return out[i].RecentFailures > out[j].RecentFailures
		}
		return out[i].Endpoint < out[j].Endpoint
	})
	return out
}

// Failing lists endpoints with at least threshold failures in the window.
func (m *Monitor) Failing(threshold int) []EndpointStatus {
	if threshold < 1 {
		threshold = 1
	}
	all := m.Snapshot()
	out := all[:0]
	for _, s := range all {
		if s.RecentFailures >= threshold {
			out = append(out, s)
		}
	}
	return out
}
