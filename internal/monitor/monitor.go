// Package monitor keeps rolling statistics over signaling message processing
// time and maps them to an advisory network-quality suggestion.
//
// The suggestion is advisory only: clients make their own tier decisions from
// connection stats, and may consult the server's view as a second opinion.
package monitor

import (
	"sync"
	"time"

	"github.com/meshvoice/meshvoice/internal/ratelimit"
)

type Tier string

const (
	TierLow    Tier = "low"
	TierMedium Tier = "medium"
	TierHigh   Tier = "high"
)

const (
	// Processing-latency thresholds for the advisory tier.
	mediumLatency = 100 * time.Millisecond
	lowLatency    = 250 * time.Millisecond

	defaultWindow     = time.Minute
	defaultMaxSamples = 1024
)

type sample struct {
	room string
	d    time.Duration
	at   time.Time
}

// Monitor records per-message processing durations in a bounded ring and
// answers aggregate queries over a sliding time window.
type Monitor struct {
	mu sync.Mutex

	clock  ratelimit.Clock
	window time.Duration

	samples []sample
	next    int
	filled  bool
}

func New(clock ratelimit.Clock, window time.Duration, maxSamples int) *Monitor {
	if clock == nil {
		clock = ratelimit.RealClock{}
	}
	if window <= 0 {
		window = defaultWindow
	}
	if maxSamples <= 0 {
		maxSamples = defaultMaxSamples
	}
	return &Monitor{
		clock:   clock,
		window:  window,
		samples: make([]sample, maxSamples),
	}
}

// Record adds a processing-time sample for the given room. An empty room id
// records a server-wide sample.
func (m *Monitor) Record(room string, d time.Duration) {
	m.mu.Lock()
	m.samples[m.next] = sample{room: room, d: d, at: m.clock.Now()}
	m.next++
	if m.next == len(m.samples) {
		m.next = 0
		m.filled = true
	}
	m.mu.Unlock()
}

// Average returns the mean processing time and sample count within the
// window. A non-empty room restricts the aggregate to that room's samples.
func (m *Monitor) Average(room string) (time.Duration, int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.clock.Now().Add(-m.window)
	n := m.next
	if m.filled {
		n = len(m.samples)
	}

	var total time.Duration
	var count int
	for i := 0; i < n; i++ {
		s := m.samples[i]
		if s.at.Before(cutoff) {
			continue
		}
		if room != "" && s.room != room {
			continue
		}
		total += s.d
		count++
	}
	if count == 0 {
		return 0, 0
	}
	return total / time.Duration(count), count
}

// Reset discards all samples.
func (m *Monitor) Reset() {
	m.mu.Lock()
	m.next = 0
	m.filled = false
	for i := range m.samples {
		m.samples[i] = sample{}
	}
	m.mu.Unlock()
}

type Suggestion struct {
	Tier           Tier          `json:"tier"`
	Recommendation string        `json:"recommendation"`
	AverageLatency time.Duration `json:"averageLatency"`
	SampleCount    int           `json:"sampleCount"`
}

// Suggest maps the current window's average processing latency to a tier. An
// empty room id evaluates the server-wide aggregate. With no samples the
// monitor has no evidence of trouble and suggests the high tier.
func (m *Monitor) Suggest(room string) Suggestion {
	avg, count := m.Average(room)

	s := Suggestion{AverageLatency: avg, SampleCount: count}
	switch {
	case count == 0:
		s.Tier = TierHigh
		s.Recommendation = "no recent samples; full quality"
	case avg > lowLatency:
		s.Tier = TierLow
		s.Recommendation = "signaling latency high; reduce video quality and consider SFU mode"
	case avg > mediumLatency:
		s.Tier = TierMedium
		s.Recommendation = "signaling latency elevated; medium video quality advised"
	default:
		s.Tier = TierHigh
		s.Recommendation = "conditions good; full quality"
	}
	return s
}
