package connmgr

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ExtremePriority is the priority floor that always survives bandwidth
// admission at any load below the hard drop threshold, per spec.md §4.3
// and used by the Fragmentation Engine for trailing fragments (spec.md
// §4.4).
const ExtremePriority = 1 << 30

// Admit implements the bandwidth admission rule of spec.md §4.3 exactly:
// given load L in [0, 150] (percent), decide whether a message of the
// given priority is sent.
//
//	L >= 150            -> always drop
//	L > 100              -> send only if priority >= ExtremePriority
//	L <= 50               -> always send
//	otherwise             -> require priority >= (L - 50)^3
//
// This cubic curve is a contract, not an implementation detail (spec.md
// §4.3), and Testable Property 7 asserts it holds exactly at L in
// {0,25,50,51,75,100,101,149,150}.
func Admit(loadPercent float64, priority uint32) bool {
	switch {
	case loadPercent >= 150:
		return false
	case loadPercent > 100:
		return priority >= ExtremePriority
	case loadPercent <= 50:
		return true
	default:
		excess := loadPercent - 50
		threshold := excess * excess * excess
		return float64(priority) >= threshold
	}
}

// BandwidthMeter tracks current outbound load as a percentage of a
// configured byte-per-second budget, using golang.org/x/time/rate as the
// underlying token bucket so short bursts are smoothed the same way an
// actual network link would be.
type BandwidthMeter struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	budget  float64 // bytes/sec
	used    float64 // decaying estimate of bytes/sec currently spent
	last    time.Time
}

// NewBandwidthMeter creates a meter with the given steady-state budget in
// bytes/sec and a burst allowance.
func NewBandwidthMeter(bytesPerSec float64, burst int) *BandwidthMeter {
	return &BandwidthMeter{
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst),
		budget:  bytesPerSec,
		last:    time.Now(),
	}
}

// LoadPercent returns current load as a percentage of budget, decaying the
// estimate toward zero between samples with a simple exponential average,
// matching the preference decay used elsewhere in this package.
func (m *BandwidthMeter) LoadPercent() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decayLocked(time.Now())
	if m.budget <= 0 {
		return 0
	}
	return (m.used / m.budget) * 100
}

// RecordSend registers n bytes just sent, raising the load estimate, and
// takes n tokens from the underlying limiter when that many are available
// (best effort — AllowN takes none when fewer are left, which is fine:
// Admit already gated this send).
func (m *BandwidthMeter) RecordSend(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	m.decayLocked(now)
	m.used += float64(n)
	m.limiter.AllowN(now, n)
}

func (m *BandwidthMeter) decayLocked(now time.Time) {
	elapsed := now.Sub(m.last).Seconds()
	if elapsed <= 0 {
		return
	}
	const halflifeSeconds = 2.0
	m.used *= math.Pow(0.5, elapsed/halflifeSeconds)
	m.last = now
}
