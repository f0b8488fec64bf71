// Package quality adapts local video constraints to measured network
// conditions: it samples connection statistics on a fixed period, classifies
// each sample into a tier, and applies tier-specific constraints to local
// video tracks when the tier changes.
package quality

import "time"

type Tier string

const (
	TierLow    Tier = "low"
	TierMedium Tier = "medium"
	TierHigh   Tier = "high"
)

// Classification thresholds.
const (
	rttLow       = 300 * time.Millisecond
	rttDowngrade = 150 * time.Millisecond

	lossLowPercent       = 5.0
	lossDowngradePercent = 2.0

	bandwidthLowBps    = 500_000.0
	bandwidthMediumBps = 2_000_000.0
)

// Sample is one measurement of the network path.
type Sample struct {
	Bandwidth  float64       // bits/sec, first derivative of received bytes
	PacketLoss float64       // percent
	RTT        time.Duration // selected candidate pair round-trip time
	At         time.Time
}

// Classify maps a sample to a tier. Rules apply in order with the most
// severe outcome winning: extreme RTT or loss forces low outright, elevated
// RTT or loss each downgrade one step from the bandwidth-derived tier.
func Classify(s Sample) Tier {
	tier := TierHigh
	switch {
	case s.Bandwidth < bandwidthLowBps:
		tier = TierLow
	case s.Bandwidth < bandwidthMediumBps:
		tier = TierMedium
	}

	switch {
	case s.RTT > rttLow:
		return TierLow
	case s.RTT > rttDowngrade:
		tier = downgrade(tier)
	}

	switch {
	case s.PacketLoss > lossLowPercent:
		return TierLow
	case s.PacketLoss > lossDowngradePercent:
		tier = downgrade(tier)
	}

	return tier
}

func downgrade(t Tier) Tier {
	switch t {
	case TierHigh:
		return TierMedium
	default:
		return TierLow
	}
}

// Constraints are the video capture parameters applied per tier.
type Constraints struct {
	Width     int `json:"width"`
	Height    int `json:"height"`
	FrameRate int `json:"frameRate"`
}

func ConstraintsFor(t Tier) Constraints {
	switch t {
	case TierLow:
		return Constraints{Width: 320, Height: 240, FrameRate: 15}
	case TierMedium:
		return Constraints{Width: 640, Height: 480, FrameRate: 24}
	default:
		return Constraints{Width: 1280, Height: 720, FrameRate: 30}
	}
}
