package metrics

import "sync"

// Counter names used across the signaling service.
const (
	MessagesReceived  = "messages_received"
	MessagesSent      = "messages_sent"
	MessagesDelayed   = "messages_delayed"
	MessagesDropped   = "messages_dropped"
	RoutingErrors     = "routing_errors"
	AuthFailure       = "auth_failure"
	RateLimited       = "rate_limited"
	CandidatesDeduped = "candidates_deduped"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// It keeps routing/batching logic testable without a metrics backend; the
// counters are scraped through PrometheusHandler.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Add(name string, delta uint64) {
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}

// Reset clears all counters. Used by the inspection API's stats reset.
func (m *Metrics) Reset() {
	m.mu.Lock()
	m.m = make(map[string]uint64)
	m.mu.Unlock()
}
