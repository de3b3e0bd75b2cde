// SPDX-License-Identifier: MIT

// Package utils holds the signal generators and the recording sink that
// tests across the module share.
package utils

import (
	"math"
	"sync"
)

// MockSink records the columns sent to it for later inspection.
type MockSink struct {
	mu      sync.Mutex
	Columns []int
	Last    []float32
	Closed  bool
}

// Send stores a copy of data instead of transmitting it.
func (m *MockSink) Send(x int, data []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Columns = append(m.Columns, x)
	m.Last = append(m.Last[:0], data...)
	return nil
}

// Sent returns the column indexes received so far.
func (m *MockSink) Sent() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.Columns...)
}

func (m *MockSink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return nil
}

// GenerateComplexSignal returns a 440Hz fundamental plus two harmonics,
// peaking below 1.
func GenerateComplexSignal(size int, sampleRate float64) []float32 {
	buffer := make([]float32, size)
	for i := range buffer {
		tm := float64(i) / sampleRate
		signal := math.Sin(2*math.Pi*440*tm)*0.5 +
			math.Sin(2*math.Pi*880*tm)*0.3 +
			math.Sin(2*math.Pi*1320*tm)*0.2
		buffer[i] = float32(signal * 0.9)
	}
	return buffer
}

// GenerateSine returns size samples of a sine at frequency Hz.
func GenerateSine(size int, frequency, sampleRate, amplitude float64) []float32 {
	buffer := make([]float32, size)
	for i := range buffer {
		t := float64(i) / sampleRate
		buffer[i] = float32(amplitude * math.Sin(2*math.Pi*frequency*t))
	}
	return buffer
}

// GenerateSilence returns size zero samples.
func GenerateSilence(size int) []float32 {
	return make([]float32, size)
}

// FindPeakBin returns the index of the largest value in [startBin, endBin].
func FindPeakBin(magnitudes []float32, startBin, endBin int) int {
	if len(magnitudes) == 0 {
		return 0
	}

	startBin = max(startBin, 0)
	endBin = min(endBin, len(magnitudes)-1)
	if startBin > endBin {
		return startBin
	}

	peakBin := startBin
	peakValue := magnitudes[startBin]
	for bin := startBin + 1; bin <= endBin; bin++ {
		if magnitudes[bin] > peakValue {
			peakValue = magnitudes[bin]
			peakBin = bin
		}
	}
	return peakBin
}
