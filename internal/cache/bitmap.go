// SPDX-License-Identifier: MIT
package cache

import "sync"

// ColumnBitmap records which columns have been written. Each bit goes from
// false to true exactly once. Many readers may query it while one writer
// sets bits; the lock also publishes the column data written before Set.
type ColumnBitmap struct {
	mu    sync.RWMutex
	words []uint64
	width int
	count int
}

// NewColumnBitmap creates a bitmap for width columns, all unset.
func NewColumnBitmap(width int) *ColumnBitmap {
	return &ColumnBitmap{
		words: make([]uint64, (width+63)/64),
		width: width,
	}
}

// Set marks column x and reports whether it was previously unset.
func (b *ColumnBitmap) Set(x int) bool {
	if x < 0 || x >= b.width {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	w, bit := x>>6, uint64(1)<<(x&63)
	if b.words[w]&bit != 0 {
		return false
	}
	b.words[w] |= bit
	b.count++
	return true
}

// IsSet reports whether column x has been written.
func (b *ColumnBitmap) IsSet(x int) bool {
	if x < 0 || x >= b.width {
		return false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.words[x>>6]&(uint64(1)<<(x&63)) != 0
}

// Count returns the number of set columns.
func (b *ColumnBitmap) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// Full reports whether every column is set.
func (b *ColumnBitmap) Full() bool {
	return b.Count() == b.width
}

// Width returns the number of columns tracked.
func (b *ColumnBitmap) Width() int {
	return b.width
}
