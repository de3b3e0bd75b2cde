// SPDX-License-Identifier: MIT
package source

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Buffer is a growable in-memory model. Producers Append interleaved
// frames and call MarkComplete once the signal has ended.
type Buffer struct {
	id       string
	rate     int
	channels int
	expected int // expected total frames, 0 when unknown

	mu       sync.RWMutex
	data     [][]float32 // one slice per channel
	complete bool
	changed  chan struct{}
}

var (
	_ Model    = (*Buffer)(nil)
	_ Notifier = (*Buffer)(nil)
)

// NewBuffer creates an empty buffer. An empty id is replaced by a random
// one. expectedFrames is only used for progress estimates.
func NewBuffer(id string, sampleRate, channels, expectedFrames int) *Buffer {
	if id == "" {
		id = uuid.NewString()
	}
	channels = max(1, channels)
	return &Buffer{
		id:       id,
		rate:     sampleRate,
		channels: channels,
		expected: expectedFrames,
		data:     make([][]float32, channels),
		changed:  make(chan struct{}),
	}
}

// NewBufferFrom returns a complete mono buffer holding samples.
func NewBufferFrom(id string, sampleRate int, samples []float32) *Buffer {
	b := NewBuffer(id, sampleRate, 1, len(samples))
	b.Append(samples)
	b.MarkComplete()
	return b
}

func (b *Buffer) ID() string        { return b.id }
func (b *Buffer) SampleRate() int   { return b.rate }
func (b *Buffer) ChannelCount() int { return b.channels }

func (b *Buffer) FrameCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.data[0])
}

func (b *Buffer) TotalFrames() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.complete || b.expected <= len(b.data[0]) {
		return len(b.data[0])
	}
	return b.expected
}

func (b *Buffer) Ready() (bool, int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.complete {
		return true, 100
	}
	if b.expected <= 0 {
		return false, 0
	}
	return false, min(99, len(b.data[0])*100/b.expected)
}

func (b *Buffer) Changed() <-chan struct{} {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.changed
}

// notifyLocked wakes waiters. Callers hold mu for writing.
func (b *Buffer) notifyLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}

// Append adds interleaved frames. A trailing partial frame is dropped.
// Appending to a complete buffer is ignored.
func (b *Buffer) Append(interleaved []float32) {
	frames := len(interleaved) / b.channels
	if frames == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.complete {
		return
	}
	for c := range b.channels {
		ch := b.data[c]
		for f := range frames {
			ch = append(ch, interleaved[f*b.channels+c])
		}
		b.data[c] = ch
	}
	b.notifyLocked()
}

// MarkComplete records that no more frames will arrive.
func (b *Buffer) MarkComplete() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.complete {
		return
	}
	b.complete = true
	b.notifyLocked()
}

func (b *Buffer) Samples(channel, start int, out []float32) (int, error) {
	if channel < MixDown || channel >= b.channels {
		return 0, fmt.Errorf("%w: %d of %d", ErrChannelOutOfRange, channel, b.channels)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	avail := len(b.data[0])
	n := 0
	if start >= 0 && start < avail {
		n = min(len(out), avail-start)
	}

	if channel != MixDown || b.channels == 1 {
		c := max(channel, 0)
		if n > 0 {
			copy(out[:n], b.data[c][start:start+n])
		}
	} else if n > 0 {
		clear(out[:n])
		scale := 1 / float32(b.channels)
		for c := range b.channels {
			src := b.data[c][start : start+n]
			for i, v := range src {
				out[i] += v * scale
			}
		}
	}
	clear(out[n:])
	return n, nil
}
