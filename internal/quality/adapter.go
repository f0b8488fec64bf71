package quality

import (
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/meshvoice/meshvoice/internal/ratelimit"
)

// DefaultSamplePeriod is how often the adapter polls connection statistics
// while at least one source is registered.
const DefaultSamplePeriod = 5 * time.Second

// StatsSource yields a statistics report. *webrtc.PeerConnection satisfies
// this directly.
type StatsSource interface {
	GetStats() webrtc.StatsReport
}

// VideoTrack is a local video track that can have capture constraints
// applied. Failures are logged, never fatal.
type VideoTrack interface {
	ApplyConstraints(c Constraints) error
}

// Adapter polls registered sources, aggregates their inbound statistics into
// a Sample, and applies tier constraint changes to registered tracks.
type Adapter struct {
	logger *slog.Logger
	clock  ratelimit.Clock
	period time.Duration
	onTier func(Tier, Sample)

	mu      sync.Mutex
	sources map[string]StatsSource
	tracks  []VideoTrack
	tier    Tier

	prevBytes uint64
	prevAt    time.Time
	primed    bool

	stop chan struct{}
	done chan struct{}
}

func NewAdapter(logger *slog.Logger, clock ratelimit.Clock, period time.Duration, onTier func(Tier, Sample)) *Adapter {
	if clock == nil {
		clock = ratelimit.RealClock{}
	}
	if period <= 0 {
		period = DefaultSamplePeriod
	}
	return &Adapter{
		logger:  logger.With(slog.String("component", "quality")),
		clock:   clock,
		period:  period,
		onTier:  onTier,
		sources: make(map[string]StatsSource),
		tier:    TierHigh,
	}
}

func (a *Adapter) AddSource(id string, src StatsSource) {
	a.mu.Lock()
	a.sources[id] = src
	a.mu.Unlock()
}

func (a *Adapter) RemoveSource(id string) {
	a.mu.Lock()
	delete(a.sources, id)
	a.mu.Unlock()
}

func (a *Adapter) AddTrack(t VideoTrack) {
	a.mu.Lock()
	a.tracks = append(a.tracks, t)
	a.mu.Unlock()
}

func (a *Adapter) Tier() Tier {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tier
}

// Start begins periodic sampling. Stop ends it; Start may not be called
// again afterwards.
func (a *Adapter) Start() {
	a.mu.Lock()
	if a.stop != nil {
		a.mu.Unlock()
		return
	}
	a.stop = make(chan struct{})
	a.done = make(chan struct{})
	stop, done := a.stop, a.done
	a.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(a.period)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				a.SampleNow()
			case <-stop:
				return
			}
		}
	}()
}

func (a *Adapter) Stop() {
	a.mu.Lock()
	stop, done := a.stop, a.done
	a.stop = nil
	a.done = nil
	a.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
}

// SampleNow takes one sample immediately. The first call only establishes
// the byte-count baseline; tier decisions need a bandwidth derivative.
func (a *Adapter) SampleNow() {
	a.mu.Lock()
	if len(a.sources) == 0 {
		a.primed = false
		a.mu.Unlock()
		return
	}
	sources := make([]StatsSource, 0, len(a.sources))
	for _, s := range a.sources {
		sources = append(sources, s)
	}
	a.mu.Unlock()

	var (
		bytesReceived   uint64
		packetsLost     int64
		packetsReceived int64
		rtt             time.Duration
	)
	for _, src := range sources {
		for _, stat := range src.GetStats() {
			switch s := stat.(type) {
			case webrtc.InboundRTPStreamStats:
				bytesReceived += s.BytesReceived
				packetsLost += int64(s.PacketsLost)
				packetsReceived += int64(s.PacketsReceived)
			case webrtc.ICECandidatePairStats:
				if s.State == webrtc.StatsICECandidatePairStateSucceeded {
					pairRTT := time.Duration(s.CurrentRoundTripTime * float64(time.Second))
					if pairRTT > rtt {
						rtt = pairRTT
					}
				}
			}
		}
	}

	now := a.clock.Now()

	a.mu.Lock()
	if !a.primed {
		a.prevBytes = bytesReceived
		a.prevAt = now
		a.primed = true
		a.mu.Unlock()
		return
	}

	elapsed := now.Sub(a.prevAt)
	var bandwidth float64
	if elapsed > 0 && bytesReceived >= a.prevBytes {
		bandwidth = float64(bytesReceived-a.prevBytes) * 8 / elapsed.Seconds()
	}
	a.prevBytes = bytesReceived
	a.prevAt = now

	var loss float64
	if total := packetsLost + packetsReceived; total > 0 {
		loss = float64(packetsLost) / float64(total) * 100
	}

	sample := Sample{
		Bandwidth:  bandwidth,
		PacketLoss: loss,
		RTT:        rtt,
		At:         now,
	}
	tier := Classify(sample)
	changed := tier != a.tier
	a.tier = tier
	tracks := append([]VideoTrack(nil), a.tracks...)
	a.mu.Unlock()

	if !changed {
		return
	}

	a.logger.Info("quality tier changed",
		slog.String("tier", string(tier)),
		slog.Float64("bandwidth_bps", sample.Bandwidth),
		slog.Float64("loss_percent", sample.PacketLoss),
		slog.Int64("rtt_ms", sample.RTT.Milliseconds()))

	constraints := ConstraintsFor(tier)
	for _, t := range tracks {
		if err := t.ApplyConstraints(constraints); err != nil {
			a.logger.Warn("apply constraints failed", slog.Any("error", err))
		}
	}
	if a.onTier != nil {
		a.onTier(tier, sample)
	}
}
