// SPDX-License-Identifier: MIT

// Package fft turns one window of audio samples into one spectral column.
package fft

import (
	"fmt"
	"math"
	"math/cmplx"
)

// Workspace holds pre-allocated buffers for one column's transform.
type Workspace struct {
	frame    []float64    // ...for the windowed, zero-padded, rotated frame
	spectrum []complex128 // ...for the kernel output
	window   []float64    // ...for window coefficients
}

// Analyzer windows samples and transforms them. An Analyzer is owned by a
// single goroutine.
type Analyzer struct {
	windowSize int
	fftSize    int
	offset     int     // start of the window within the unrotated frame
	scale      float64 // 2/windowSize
	kernel     Transformer
	workspace  Workspace
}

// NewAnalyzer creates an analyzer for windowSize samples transformed at
// fftSize points. fftSize must be at least windowSize.
func NewAnalyzer(kernel Kernel, wf WindowFunc, windowSize, fftSize int) (*Analyzer, error) {
	if windowSize <= 0 || fftSize < windowSize {
		return nil, fmt.Errorf("invalid window/FFT size %d/%d", windowSize, fftSize)
	}
	t, err := NewTransformer(kernel, fftSize)
	if err != nil {
		return nil, err
	}
	return &Analyzer{
		windowSize: windowSize,
		fftSize:    fftSize,
		offset:     (fftSize - windowSize) / 2,
		scale:      2 / float64(windowSize),
		kernel:     t,
		workspace: Workspace{
			frame:    make([]float64, fftSize),
			spectrum: make([]complex128, fftSize/2+1),
			window:   wf.Coefficients(windowSize),
		},
	}, nil
}

// Height is the number of bins in a column.
func (a *Analyzer) Height() int { return a.fftSize/2 + 1 }

// WindowSize is the number of samples consumed per column.
func (a *Analyzer) WindowSize() int { return a.windowSize }

// FFTSize is the transform length.
func (a *Analyzer) FFTSize() int { return a.fftSize }

// transform windows samples, centres them in the frame, rotates the frame
// by half its length so phase is measured from the window centre, and runs
// the kernel.
func (a *Analyzer) transform(samples []float32) {
	ws := &a.workspace
	clear(ws.frame)
	half := a.fftSize / 2
	for i := range a.windowSize {
		var v float64
		if i < len(samples) {
			v = float64(samples[i]) * ws.window[i]
		}
		ws.frame[(a.offset+i+half)%a.fftSize] = v
	}
	ws.spectrum = a.kernel.Transform(ws.spectrum, ws.frame)
}

// Polar computes the column for samples into mag and phase and returns its
// normalization factor (the maximum magnitude).
func (a *Analyzer) Polar(samples []float32, mag, phase []float32) float32 {
	a.transform(samples)
	var factor float32
	for i, c := range a.workspace.spectrum {
		m := float32(cmplx.Abs(c) * a.scale)
		mag[i] = m
		phase[i] = float32(math.Atan2(imag(c), real(c)))
		factor = max(factor, m)
	}
	return factor
}

// Rectangular computes the column for samples into re and im.
func (a *Analyzer) Rectangular(samples []float32, re, im []float32) {
	a.transform(samples)
	for i, c := range a.workspace.spectrum {
		re[i] = float32(real(c) * a.scale)
		im[i] = float32(imag(c) * a.scale)
	}
}

// FrequencyForBin returns the centre frequency in Hz of bin i.
func (a *Analyzer) FrequencyForBin(i int, sampleRate float64) float64 {
	if i < 0 || i >= a.Height() {
		return 0
	}
	return float64(i) * sampleRate / float64(a.fftSize)
}
