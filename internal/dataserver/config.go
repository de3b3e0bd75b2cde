// SPDX-License-Identifier: MIT

// Package dataserver computes, caches and serves windowed FFT columns of an
// audio model. A Registry shares one Server per transform configuration;
// each Server owns a fill goroutine that writes columns into lazily created
// cache blocks while any number of goroutines read them.
package dataserver

import (
	"fmt"
	"regexp"

	"fftserver/internal/fft"
	"fftserver/internal/source"
	"fftserver/internal/storage"
	"fftserver/pkg/bitint"
)

// Config describes one transform of a model.
type Config struct {
	Channel    int // source.MixDown for the mean of all channels
	Window     fft.WindowFunc
	WindowSize int
	Increment  int
	FFTSize    int
	Polar      bool

	// Kernel and Criteria affect how columns are computed and stored but
	// not their values, so they are not part of the server's identity.
	Kernel   fft.Kernel
	Criteria storage.Criteria
}

// Validate checks the configuration against model.
func (c Config) Validate(model source.Model) error {
	switch {
	case model == nil:
		return fmt.Errorf("%w: nil model", ErrInvalidConfiguration)
	case c.WindowSize <= 0:
		return fmt.Errorf("%w: window size %d", ErrInvalidConfiguration, c.WindowSize)
	case c.Increment <= 0:
		return fmt.Errorf("%w: window increment %d", ErrInvalidConfiguration, c.Increment)
	case c.FFTSize < c.WindowSize:
		return fmt.Errorf("%w: FFT size %d smaller than window %d", ErrInvalidConfiguration, c.FFTSize, c.WindowSize)
	case c.Kernel != fft.KernelGoDSP && !bitint.IsPowerOfTwo(c.FFTSize):
		return fmt.Errorf("%w: FFT size %d is not a power of two", ErrInvalidConfiguration, c.FFTSize)
	case c.Channel < source.MixDown || c.Channel >= model.ChannelCount():
		return fmt.Errorf("%w: channel %d of %d", ErrInvalidConfiguration, c.Channel, model.ChannelCount())
	}
	return nil
}

// Key identifies a server: two requests with equal keys share one.
type Key struct {
	ModelID    string
	Channel    int
	Window     fft.WindowFunc
	WindowSize int
	Increment  int
	FFTSize    int
	Polar      bool
}

// KeyFor returns the identity of cfg applied to model.
func KeyFor(model source.Model, cfg Config) Key {
	return Key{
		ModelID:    model.ID(),
		Channel:    cfg.Channel,
		Window:     cfg.Window,
		WindowSize: cfg.WindowSize,
		Increment:  cfg.Increment,
		FFTSize:    cfg.FFTSize,
		Polar:      cfg.Polar,
	}
}

func (k Key) String() string {
	repr := "rect"
	if k.Polar {
		repr = "polar"
	}
	return fmt.Sprintf("%s-ch%d-%s-%d-%d-%d-%s",
		k.ModelID, k.Channel, k.Window, k.WindowSize, k.Increment, k.FFTSize, repr)
}

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// FileBase is a file-name-safe form of the key for cache file names.
func (k Key) FileBase() string {
	return unsafeFileChars.ReplaceAllString(k.String(), "_")
}

// sameFamily reports whether a server keyed k can answer o through a
// fuzzy view, ignoring increment and FFT size.
func (k Key) sameFamily(o Key) bool {
	return k.ModelID == o.ModelID && k.Channel == o.Channel &&
		k.Window == o.Window && k.WindowSize == o.WindowSize && k.Polar == o.Polar
}

// finerThan orders keys of one family by increment, then FFT size.
func (k Key) finerThan(o Key) bool {
	if k.Increment != o.Increment {
		return k.Increment < o.Increment
	}
	return k.FFTSize < o.FFTSize
}

// columnCount returns the number of columns for frames at the given window
// size and increment.
func columnCount(frames, windowSize, increment int) int {
	if frames <= windowSize {
		return 1
	}
	return (frames-windowSize+increment-1)/increment + 1
}

// Dimensions returns the width and height of a server for a model of
// frames frames.
func (c Config) Dimensions(frames int) (width, height int) {
	return columnCount(frames, c.WindowSize, c.Increment), c.FFTSize/2 + 1
}
