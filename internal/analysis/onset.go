// SPDX-License-Identifier: MIT
package analysis

import (
	"math"
	"sync"
)

// OnsetDetector marks columns whose spectral energy jumps above the
// previous column's. A column is an onset when its energy exceeds
// threshold and is more than minRatio times the previous column's, and
// at least cooldown columns have passed since the last onset.
type OnsetDetector struct {
	threshold float64
	minRatio  float64
	cooldown  int

	mu        sync.Mutex
	last      float64
	lastOnset int
	onsets    []int
}

// NewOnsetDetector creates a detector. Energy is the root of the summed
// squared magnitudes of a column.
func NewOnsetDetector(threshold, minRatio float64, cooldown int) *OnsetDetector {
	return &OnsetDetector{
		threshold: threshold,
		minRatio:  minRatio,
		cooldown:  max(cooldown, 0),
		lastOnset: math.MinInt / 2,
	}
}

// Energy returns the root of the summed squared magnitudes.
func Energy(magnitudes []float32) float64 {
	var sum float64
	for _, m := range magnitudes {
		sum += float64(m) * float64(m)
	}
	return math.Sqrt(sum)
}

// Send examines column x. Columns must arrive in increasing order.
func (d *OnsetDetector) Send(x int, magnitudes []float32) error {
	energy := Energy(magnitudes)

	d.mu.Lock()
	defer d.mu.Unlock()
	rising := d.last == 0 || energy/d.last > d.minRatio
	if energy > d.threshold && rising && x-d.lastOnset > d.cooldown {
		d.onsets = append(d.onsets, x)
		d.lastOnset = x
	}
	d.last = energy
	return nil
}

// Close is a no-op.
func (d *OnsetDetector) Close() error { return nil }

// Onsets returns the onset columns found so far.
func (d *OnsetDetector) Onsets() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int(nil), d.onsets...)
}
