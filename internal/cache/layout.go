// SPDX-License-Identifier: MIT
package cache

import (
	"fmt"
	"math"
)

// Cache file layout. Every integer and float is little-endian.
//
//	 0       4       8
//	+-------+-------+-----------------+-----------------+-----
//	| width | height| column 0 record | column 1 record | ...
//	+-------+-------+-----------------+-----------------+-----
//	 uint32  uint32
//
// Column record:
//
//	+------+--------------------------------------+--------+
//	| flag | a[0] b[0] a[1] b[1] ... a[h-1] b[h-1] | factor |
//	+------+--------------------------------------+--------+
//	  1B    height * 2 * cell bytes                  4B
//
// The flag is 1 once the record has been fully written and 0 otherwise.
// Compact cells are 2 bytes (magnitude fraction then phase) and the factor
// is stored as two uint16 halves, high half first. Polar and rectangular
// cells are float32 and the factor is a single float32.
const headerSize = 8

// Layout describes the byte geometry of one cache file.
type Layout struct {
	Type   StorageType
	Width  int
	Height int

	f format
}

// NewLayout validates the geometry and returns its layout.
func NewLayout(t StorageType, width, height int) (Layout, error) {
	f, err := formatFor(t)
	if err != nil {
		return Layout{}, err
	}
	if width <= 0 || height <= 0 || width > math.MaxUint32 || height > math.MaxUint32 {
		return Layout{}, fmt.Errorf("cache: invalid geometry %dx%d", width, height)
	}
	l := Layout{Type: t, Width: width, Height: height, f: f}
	if l.FileSize() <= 0 || l.FileSize()/int64(width) < int64(l.RecordSize()) {
		return Layout{}, fmt.Errorf("%w: %dx%d overflows", ErrAllocation, width, height)
	}
	return l, nil
}

// PayloadSize is the size of a column record without its flag.
func (l Layout) PayloadSize() int { return payloadBytes(l.f, l.Height) }

// RecordSize is the size of a column record including its flag.
func (l Layout) RecordSize() int { return 1 + l.PayloadSize() }

// ColumnOffset is the file offset of column x's flag byte.
func (l Layout) ColumnOffset(x int) int64 {
	return headerSize + int64(x)*int64(l.RecordSize())
}

// FileSize is the size the file is extended to at creation.
func (l Layout) FileSize() int64 { return l.ColumnOffset(l.Width) }

func (l Layout) header() []byte {
	h := make([]byte, headerSize)
	le.PutUint32(h[0:], uint32(l.Width))
	le.PutUint32(h[4:], uint32(l.Height))
	return h
}

func (l Layout) checkHeader(h []byte) error {
	if len(h) < headerSize {
		return ErrShortRead
	}
	w, ht := le.Uint32(h[0:]), le.Uint32(h[4:])
	if int(w) != l.Width || int(ht) != l.Height {
		return fmt.Errorf("%w: file is %dx%d, expected %dx%d", ErrBadHeader, w, ht, l.Width, l.Height)
	}
	return nil
}
