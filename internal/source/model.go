// SPDX-License-Identifier: MIT

// Package source provides the audio sample models the data server reads.
// A model may still be growing (decode in progress or live capture); the
// fill loop copes with partial sources by waiting for more frames.
package source

import "errors"

// MixDown selects the mean of all channels.
const MixDown = -1

var (
	ErrChannelOutOfRange = errors.New("source: channel out of range")
	ErrClosed            = errors.New("source: closed")
)

// Model is a read-only view of an audio signal. Implementations must be
// safe for concurrent use.
type Model interface {
	// ID identifies the model for the lifetime of the process.
	ID() string
	SampleRate() int
	ChannelCount() int
	// FrameCount is the number of frames available now. It only grows.
	FrameCount() int
	// TotalFrames is the expected length once complete. For a complete
	// model, or one whose length is unknown, it equals FrameCount.
	TotalFrames() int
	// Ready reports whether the model is complete and, if not, an estimated
	// completion percentage.
	Ready() (bool, int)
	// Samples copies frames [start, start+len(out)) of channel into out,
	// zero-filling past the available end, and returns the number of
	// frames that were actually available. Channel MixDown averages all
	// channels.
	Samples(channel, start int, out []float32) (int, error)
}

// Notifier is implemented by models that can signal growth. The returned
// channel is closed the next time frames are appended or the model
// completes.
type Notifier interface {
	Changed() <-chan struct{}
}
