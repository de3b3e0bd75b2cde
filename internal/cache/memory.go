// SPDX-License-Identifier: MIT
package cache

import (
	"fmt"
)

// maxCells bounds a single memory cache so a bad geometry fails cleanly
// instead of attempting a huge allocation.
const maxCells = 1 << 34

// MemoryCache holds width x height cells in dense arrays. One goroutine
// writes while any number read; readers must check HaveSetColumnAt first.
type MemoryCache struct {
	f             format
	width, height int

	a, b    []float32
	qa, qb  []uint16
	factors []float32

	set *ColumnBitmap
}

var (
	_ ColumnReader = (*MemoryCache)(nil)
	_ ColumnWriter = (*MemoryCache)(nil)
)

// NewMemoryCache allocates a cache of the given geometry. It returns
// ErrAllocation if the arrays cannot be allocated.
func NewMemoryCache(t StorageType, width, height int) (*MemoryCache, error) {
	f, err := formatFor(t)
	if err != nil {
		return nil, err
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("cache: invalid geometry %dx%d", width, height)
	}
	cells := uint64(width) * uint64(height)
	if cells > maxCells {
		return nil, fmt.Errorf("%w: %dx%d cells", ErrAllocation, width, height)
	}

	m := &MemoryCache{f: f, width: width, height: height}
	n := int(cells)
	if t == Compact {
		if m.qa, err = allocate[uint16](n); err != nil {
			return nil, err
		}
		if m.qb, err = allocate[uint16](n); err != nil {
			return nil, err
		}
	} else {
		if m.a, err = allocate[float32](n); err != nil {
			return nil, err
		}
		if m.b, err = allocate[float32](n); err != nil {
			return nil, err
		}
	}
	if m.factors, err = allocate[float32](width); err != nil {
		return nil, err
	}
	m.set = NewColumnBitmap(width)
	return m, nil
}

func allocate[T any](n int) (s []T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrAllocation, r)
		}
	}()
	return make([]T, n), nil
}

func (m *MemoryCache) StorageType() StorageType { return m.f.storageType() }
func (m *MemoryCache) Width() int               { return m.width }
func (m *MemoryCache) Height() int              { return m.height }

// SetColumnCount returns the number of columns written so far.
func (m *MemoryCache) SetColumnCount() int { return m.set.Count() }

// view returns a column that aliases the dense arrays.
func (m *MemoryCache) view(x int) column {
	lo, hi := x*m.height, (x+1)*m.height
	c := column{factor: m.factors[x]}
	if m.qa != nil {
		c.qa, c.qb = m.qa[lo:hi], m.qb[lo:hi]
	} else {
		c.a, c.b = m.a[lo:hi], m.b[lo:hi]
	}
	return c
}

func (m *MemoryCache) check(x int, n1, n2 int) error {
	if x < 0 || x >= m.width {
		return fmt.Errorf("%w: %d of %d", ErrColumnOutOfRange, x, m.width)
	}
	if n1 < m.height || n2 < m.height {
		return fmt.Errorf("%w: got %d/%d, need %d", ErrHeightMismatch, n1, n2, m.height)
	}
	return nil
}

// SetColumnPolar stores a column given as magnitude and phase together with
// its normalization factor, then marks it set.
func (m *MemoryCache) SetColumnPolar(x int, mag, phase []float32, factor float32) error {
	if err := m.check(x, len(mag), len(phase)); err != nil {
		return err
	}
	if m.set.IsSet(x) {
		return nil // columns are immutable once set
	}
	c := m.view(x)
	m.f.setPolar(&c, mag, phase, factor)
	m.factors[x] = c.factor
	m.set.Set(x)
	return nil
}

// SetColumnRectangular stores a column given as real and imaginary parts.
// The factor is the column's maximum magnitude.
func (m *MemoryCache) SetColumnRectangular(x int, re, im []float32) error {
	if err := m.check(x, len(re), len(im)); err != nil {
		return err
	}
	if m.set.IsSet(x) {
		return nil
	}
	c := m.view(x)
	m.f.setRectangular(&c, re, im)
	m.factors[x] = c.factor
	m.set.Set(x)
	return nil
}

func (m *MemoryCache) HaveSetColumnAt(x int) bool { return m.set.IsSet(x) }

func (m *MemoryCache) MagnitudeAt(x, y int) float32 {
	c := m.view(x)
	return m.f.magnitude(&c, y)
}

func (m *MemoryCache) NormalizedMagnitudeAt(x, y int) float32 {
	c := m.view(x)
	return m.f.normalizedMagnitude(&c, y)
}

func (m *MemoryCache) MaximumMagnitudeAt(x int) float32 { return m.factors[x] }

func (m *MemoryCache) PhaseAt(x, y int) float32 {
	c := m.view(x)
	return m.f.phase(&c, y)
}

func (m *MemoryCache) ValuesAt(x, y int) (re, im float32) {
	c := m.view(x)
	return m.f.values(&c, y)
}

func (m *MemoryCache) MagnitudesAt(x, minBin int, out []float32) bool {
	c := m.view(x)
	return fillMagnitudes(m.f, &c, minBin, out)
}

func (m *MemoryCache) NormalizedMagnitudesAt(x, minBin int, out []float32) bool {
	c := m.view(x)
	return fillNormalized(m.f, &c, minBin, out)
}

func (m *MemoryCache) PhasesAt(x, minBin int, out []float32) bool {
	c := m.view(x)
	return fillPhases(m.f, &c, minBin, out)
}

func (m *MemoryCache) ValuesRangeAt(x, minBin int, re, im []float32) bool {
	c := m.view(x)
	return fillValues(m.f, &c, minBin, re, im)
}

// Footprint returns the bytes held by the cache's arrays.
func (m *MemoryCache) Footprint() int64 {
	cells := int64(m.width) * int64(m.height)
	return cells*2*int64(m.f.cellSize()) + int64(m.width)*4
}
