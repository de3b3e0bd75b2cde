// SPDX-License-Identifier: MIT
package cache

// ColumnReader is the read side shared by memory caches and file readers.
// Coordinates are assumed in range; callers validate them.
type ColumnReader interface {
	StorageType() StorageType
	Width() int
	Height() int

	HaveSetColumnAt(x int) bool

	MagnitudeAt(x, y int) float32
	NormalizedMagnitudeAt(x, y int) float32
	MaximumMagnitudeAt(x int) float32
	PhaseAt(x, y int) float32
	ValuesAt(x, y int) (re, im float32)

	// Batch forms fill out starting at bin minBin and report whether the
	// column was available.
	MagnitudesAt(x, minBin int, out []float32) bool
	NormalizedMagnitudesAt(x, minBin int, out []float32) bool
	PhasesAt(x, minBin int, out []float32) bool
	ValuesRangeAt(x, minBin int, re, im []float32) bool
}

// ColumnWriter stores whole columns. Writes of the same column are
// idempotent.
type ColumnWriter interface {
	SetColumnPolar(x int, mag, phase []float32, factor float32) error
	SetColumnRectangular(x int, re, im []float32) error
	HaveSetColumnAt(x int) bool
}

// binRange clips a batch request to the column height.
func binRange(height, minBin, n int) (int, bool) {
	if minBin < 0 || minBin >= height {
		return 0, false
	}
	return min(n, height-minBin), true
}

func fillMagnitudes(f format, c *column, minBin int, out []float32) bool {
	n, ok := binRange(len(c.a)+len(c.qa), minBin, len(out))
	if !ok {
		return false
	}
	for i := range n {
		out[i] = f.magnitude(c, minBin+i)
	}
	return true
}

func fillNormalized(f format, c *column, minBin int, out []float32) bool {
	n, ok := binRange(len(c.a)+len(c.qa), minBin, len(out))
	if !ok {
		return false
	}
	for i := range n {
		out[i] = f.normalizedMagnitude(c, minBin+i)
	}
	return true
}

func fillPhases(f format, c *column, minBin int, out []float32) bool {
	n, ok := binRange(len(c.a)+len(c.qa), minBin, len(out))
	if !ok {
		return false
	}
	for i := range n {
		out[i] = f.phase(c, minBin+i)
	}
	return true
}

func fillValues(f format, c *column, minBin int, re, im []float32) bool {
	n, ok := binRange(len(c.a)+len(c.qa), minBin, min(len(re), len(im)))
	if !ok {
		return false
	}
	for i := range n {
		re[i], im[i] = f.values(c, minBin+i)
	}
	return true
}
