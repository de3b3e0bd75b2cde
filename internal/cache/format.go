// SPDX-License-Identifier: MIT

// Package cache stores spectral columns. A column is one time slice of
// magnitude/phase (or real/imaginary) values for every frequency bin. The
// package offers a dense in-memory cache and a columnar file cache with a
// single writer and any number of independent readers.
package cache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	ErrColumnOutOfRange = errors.New("cache: column out of range")
	ErrColumnNotSet     = errors.New("cache: column not set")
	ErrShortRead        = errors.New("cache: short read")
	ErrWriterClosed     = errors.New("cache: writer closed")
	ErrAllocation       = errors.New("cache: allocation failed")
	ErrBadHeader        = errors.New("cache: header does not match layout")
	ErrHeightMismatch   = errors.New("cache: input column height mismatch")
)

// StorageType is the fixed per-cache encoding of a column.
type StorageType int

const (
	// Compact stores 16-bit normalized magnitude and 16-bit phase plus a
	// float32 normalization factor per column.
	Compact StorageType = iota
	// Rectangular stores float32 real and imaginary parts.
	Rectangular
	// Polar stores float32 magnitude and phase.
	Polar
)

func (t StorageType) String() string {
	switch t {
	case Compact:
		return "compact"
	case Rectangular:
		return "rectangular"
	case Polar:
		return "polar"
	default:
		return fmt.Sprintf("storage(%d)", int(t))
	}
}

// column is a view of one column's values. Memory caches hand out views
// into their dense arrays; file readers decode records into owned views.
type column struct {
	a, b   []float32 // polar: magnitude, phase. rectangular: real, imaginary.
	qa, qb []uint16  // compact: magnitude fraction, phase as int16 bits.
	factor float32
}

// format is the single dispatch point for everything that depends on the
// storage type. One is chosen when a cache is created.
type format interface {
	storageType() StorageType
	cellSize() int    // bytes per stored value on disk
	factorBytes() int // trailing bytes per record holding the factor

	setPolar(c *column, mag, phase []float32, factor float32)
	setRectangular(c *column, re, im []float32)

	magnitude(c *column, y int) float32
	normalizedMagnitude(c *column, y int) float32
	phase(c *column, y int) float32
	values(c *column, y int) (re, im float32)

	marshal(dst []byte, c *column)
	unmarshal(src []byte, c *column)
}

func formatFor(t StorageType) (format, error) {
	switch t {
	case Compact:
		return compactFormat{}, nil
	case Rectangular:
		return rectangularFormat{}, nil
	case Polar:
		return polarFormat{}, nil
	default:
		return nil, fmt.Errorf("cache: unknown storage type %d", int(t))
	}
}

// payloadBytes is the size of a record excluding its set flag.
func payloadBytes(f format, height int) int {
	return height*2*f.cellSize() + f.factorBytes()
}

// newColumn allocates an owned column view for f.
func newColumn(f format, height int) column {
	if f.storageType() == Compact {
		return column{qa: make([]uint16, height), qb: make([]uint16, height)}
	}
	return column{a: make([]float32, height), b: make([]float32, height)}
}

var le = binary.LittleEndian

// --- Compact ---

type compactFormat struct{}

func (compactFormat) storageType() StorageType { return Compact }
func (compactFormat) cellSize() int            { return 2 }
func (compactFormat) factorBytes() int         { return 4 } // two uint16 halves

func (f compactFormat) setPolar(c *column, mag, phase []float32, factor float32) {
	c.factor = factor
	for y := range c.qa {
		c.qa[y] = quantizeMagnitude(mag[y], factor)
		c.qb[y] = quantizePhase(phase[y])
	}
}

func (f compactFormat) setRectangular(c *column, re, im []float32) {
	c.factor = maxMagnitude(re, im)
	for y := range c.qa {
		m, p := toPolar(re[y], im[y])
		c.qa[y] = quantizeMagnitude(m, c.factor)
		c.qb[y] = quantizePhase(p)
	}
}

func (compactFormat) magnitude(c *column, y int) float32 {
	return float32(c.qa[y]) / 65535.0 * c.factor
}

func (compactFormat) normalizedMagnitude(c *column, y int) float32 {
	return float32(c.qa[y]) / 65535.0
}

func (compactFormat) phase(c *column, y int) float32 {
	return float32(int16(c.qb[y])) / 32767.0 * math.Pi
}

func (f compactFormat) values(c *column, y int) (re, im float32) {
	return toRectangular(f.magnitude(c, y), f.phase(c, y))
}

// marshal interleaves (magnitude, phase) pairs and appends the factor as
// two uint16 halves, high half first.
func (compactFormat) marshal(dst []byte, c *column) {
	off := 0
	for y := range c.qa {
		le.PutUint16(dst[off:], c.qa[y])
		le.PutUint16(dst[off+2:], c.qb[y])
		off += 4
	}
	bits := math.Float32bits(c.factor)
	le.PutUint16(dst[off:], uint16(bits>>16))
	le.PutUint16(dst[off+2:], uint16(bits))
}

func (compactFormat) unmarshal(src []byte, c *column) {
	off := 0
	for y := range c.qa {
		c.qa[y] = le.Uint16(src[off:])
		c.qb[y] = le.Uint16(src[off+2:])
		off += 4
	}
	hi, lo := uint32(le.Uint16(src[off:])), uint32(le.Uint16(src[off+2:]))
	c.factor = math.Float32frombits(hi<<16 | lo)
}

// --- Polar ---

type polarFormat struct{}

func (polarFormat) storageType() StorageType { return Polar }
func (polarFormat) cellSize() int            { return 4 }
func (polarFormat) factorBytes() int         { return 4 }

func (polarFormat) setPolar(c *column, mag, phase []float32, factor float32) {
	copy(c.a, mag)
	copy(c.b, phase)
	c.factor = factor
}

func (polarFormat) setRectangular(c *column, re, im []float32) {
	c.factor = 0
	for y := range c.a {
		c.a[y], c.b[y] = toPolar(re[y], im[y])
		c.factor = max(c.factor, c.a[y])
	}
}

func (polarFormat) magnitude(c *column, y int) float32 { return c.a[y] }

func (polarFormat) normalizedMagnitude(c *column, y int) float32 {
	if c.factor == 0 {
		return 0
	}
	return c.a[y] / c.factor
}

func (polarFormat) phase(c *column, y int) float32 { return c.b[y] }

func (polarFormat) values(c *column, y int) (re, im float32) {
	return toRectangular(c.a[y], c.b[y])
}

func (polarFormat) marshal(dst []byte, c *column) { marshalFloats(dst, c) }

func (polarFormat) unmarshal(src []byte, c *column) { unmarshalFloats(src, c) }

// --- Rectangular ---

type rectangularFormat struct{}

func (rectangularFormat) storageType() StorageType { return Rectangular }
func (rectangularFormat) cellSize() int            { return 4 }
func (rectangularFormat) factorBytes() int         { return 4 }

func (rectangularFormat) setPolar(c *column, mag, phase []float32, factor float32) {
	for y := range c.a {
		c.a[y], c.b[y] = toRectangular(mag[y], phase[y])
	}
	c.factor = factor
}

func (rectangularFormat) setRectangular(c *column, re, im []float32) {
	copy(c.a, re)
	copy(c.b, im)
	c.factor = maxMagnitude(re, im)
}

// Magnitude and phase are derived on every read.
func (rectangularFormat) magnitude(c *column, y int) float32 {
	return float32(math.Hypot(float64(c.a[y]), float64(c.b[y])))
}

func (f rectangularFormat) normalizedMagnitude(c *column, y int) float32 {
	if c.factor == 0 {
		return 0
	}
	return f.magnitude(c, y) / c.factor
}

func (rectangularFormat) phase(c *column, y int) float32 {
	return float32(math.Atan2(float64(c.b[y]), float64(c.a[y])))
}

func (rectangularFormat) values(c *column, y int) (re, im float32) {
	return c.a[y], c.b[y]
}

func (rectangularFormat) marshal(dst []byte, c *column) { marshalFloats(dst, c) }

func (rectangularFormat) unmarshal(src []byte, c *column) { unmarshalFloats(src, c) }

// --- helpers ---

func marshalFloats(dst []byte, c *column) {
	off := 0
	for y := range c.a {
		le.PutUint32(dst[off:], math.Float32bits(c.a[y]))
		le.PutUint32(dst[off+4:], math.Float32bits(c.b[y]))
		off += 8
	}
	le.PutUint32(dst[off:], math.Float32bits(c.factor))
}

func unmarshalFloats(src []byte, c *column) {
	off := 0
	for y := range c.a {
		c.a[y] = math.Float32frombits(le.Uint32(src[off:]))
		c.b[y] = math.Float32frombits(le.Uint32(src[off+4:]))
		off += 8
	}
	c.factor = math.Float32frombits(le.Uint32(src[off:]))
}

func quantizeMagnitude(mag, factor float32) uint16 {
	if factor <= 0 || mag <= 0 {
		return 0
	}
	frac := float64(mag / factor)
	if frac >= 1 {
		return 65535
	}
	return uint16(math.Round(frac * 65535))
}

func quantizePhase(phase float32) uint16 {
	q := math.Round(float64(phase) / math.Pi * 32767)
	q = max(-32767, min(32767, q))
	return uint16(int16(q))
}

func toPolar(re, im float32) (mag, phase float32) {
	return float32(math.Hypot(float64(re), float64(im))),
		float32(math.Atan2(float64(im), float64(re)))
}

func toRectangular(mag, phase float32) (re, im float32) {
	s, c := math.Sincos(float64(phase))
	return mag * float32(c), mag * float32(s)
}

func maxMagnitude(re, im []float32) float32 {
	var m float32
	for y := range re {
		m = max(m, float32(math.Hypot(float64(re[y]), float64(im[y]))))
	}
	return m
}
