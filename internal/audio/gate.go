// SPDX-License-Identifier: MIT
package audio

import (
	"math"
	"sync/atomic"
)

// Gate silences capture buffers whose peak stays below a threshold. It is
// safe to adjust from another goroutine while the stream runs.
type Gate struct {
	enabled   atomic.Bool
	threshold atomic.Uint32 // float32 bits
}

func (g *Gate) Enable()  { g.enabled.Store(true) }
func (g *Gate) Disable() { g.enabled.Store(false) }

// Enabled reports whether the gate is active.
func (g *Gate) Enabled() bool { return g.enabled.Load() }

// SetThreshold adjusts the gate threshold.
// The value is in the range of 0.0-1.0 where 0=always open, 1=always closed.
func (g *Gate) SetThreshold(threshold float64) {
	threshold = min(max(threshold, 0), 1)
	g.threshold.Store(math.Float32bits(float32(threshold)))
}

// Threshold returns the current gate threshold.
func (g *Gate) Threshold() float64 {
	return float64(math.Float32frombits(g.threshold.Load()))
}

// Apply zeroes buf when the gate is enabled and closed. It reports
// whether the buffer passed unchanged.
func (g *Gate) Apply(buf []float32) bool {
	if !g.enabled.Load() {
		return true
	}
	if Peak(buf) > math.Float32frombits(g.threshold.Load()) {
		return true
	}
	clear(buf)
	return false
}

// Peak returns the largest absolute sample in buf.
func Peak(buf []float32) float32 {
	var peak float32
	for _, s := range buf {
		// Clearing the sign bit is the float abs.
		a := math.Float32frombits(math.Float32bits(s) &^ (1 << 31))
		peak = max(peak, a)
	}
	return peak
}
