package monitor

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestMonitor_AverageScopedByRoom(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	m := New(clk, time.Minute, 16)

	m.Record("r1", 100*time.Millisecond)
	m.Record("r1", 300*time.Millisecond)
	m.Record("r2", 10*time.Millisecond)

	avg, count := m.Average("r1")
	if count != 2 {
		t.Fatalf("count=%d, want 2", count)
	}
	if avg != 200*time.Millisecond {
		t.Fatalf("avg=%v, want 200ms", avg)
	}

	_, all := m.Average("")
	if all != 3 {
		t.Fatalf("server-wide count=%d, want 3", all)
	}
}

func TestMonitor_WindowExpiry(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	m := New(clk, time.Minute, 16)

	m.Record("r1", 500*time.Millisecond)
	clk.Advance(2 * time.Minute)

	if _, count := m.Average("r1"); count != 0 {
		t.Fatalf("expected stale samples to be excluded, got count=%d", count)
	}
	if got := m.Suggest("r1").Tier; got != TierHigh {
		t.Fatalf("tier with no samples = %q, want high", got)
	}
}

func TestMonitor_SuggestTiers(t *testing.T) {
	tests := []struct {
		name string
		d    time.Duration
		want Tier
	}{
		{"fast", 20 * time.Millisecond, TierHigh},
		{"elevated", 150 * time.Millisecond, TierMedium},
		{"slow", 400 * time.Millisecond, TierLow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New(&fakeClock{now: time.Unix(0, 0)}, time.Minute, 4)
			m.Record("r1", tt.d)
			if got := m.Suggest("r1").Tier; got != tt.want {
				t.Fatalf("tier=%q, want %q", got, tt.want)
			}
		})
	}
}

func TestMonitor_RingOverwrite(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	m := New(clk, time.Hour, 2)

	m.Record("r1", 1*time.Millisecond)
	m.Record("r1", 2*time.Millisecond)
	m.Record("r1", 3*time.Millisecond) // overwrites the first sample

	_, count := m.Average("r1")
	if count != 2 {
		t.Fatalf("count=%d, want ring capacity 2", count)
	}
}
