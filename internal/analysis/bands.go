// SPDX-License-Identifier: MIT

// Package analysis derives summaries from spectral columns as a data
// server fills. Its types are transport.ColumnSinks, so a Follower can
// feed them while the fill is still running.
package analysis

import (
	"math"
	"sync"
)

// Band is a named frequency range, low inclusive, high exclusive.
type Band struct {
	Name   string
	LowHz  float64
	HighHz float64
}

// DefaultBands returns the six bands from sub-bass to treble. Treble ends
// at the Nyquist frequency.
func DefaultBands(sampleRate int) []Band {
	return []Band{
		{Name: "sub", LowHz: 20, HighHz: 60},
		{Name: "bass", LowHz: 60, HighHz: 250},
		{Name: "lowMid", LowHz: 250, HighHz: 500},
		{Name: "mid", LowHz: 500, HighHz: 2000},
		{Name: "highMid", LowHz: 2000, HighHz: 4000},
		{Name: "treble", LowHz: 4000, HighHz: float64(sampleRate)/2 + 1},
	}
}

// BandLevel is a band with its level: the RMS magnitude of its bins,
// averaged over every column received.
type BandLevel struct {
	Band
	Bins  int     `json:"bins"`
	Level float64 `json:"level"`
}

// BandProfile accumulates per-band energy over the columns sent to it.
type BandProfile struct {
	bands   []Band
	binBand []int // band of each bin, -1 for none
	bins    []int // bins per band

	mu      sync.Mutex
	sum     []float64 // per band, sum over columns of the band RMS
	columns int
}

// NewBandProfile maps the height bins of an fftSize transform at
// sampleRate onto bands. Bin y is centred on y * sampleRate / fftSize Hz.
func NewBandProfile(bands []Band, sampleRate, fftSize, height int) *BandProfile {
	p := &BandProfile{
		bands:   bands,
		binBand: make([]int, height),
		bins:    make([]int, len(bands)),
		sum:     make([]float64, len(bands)),
	}
	hzPerBin := float64(sampleRate) / float64(fftSize)
	for y := range height {
		p.binBand[y] = -1
		freq := float64(y) * hzPerBin
		for i, b := range bands {
			if freq >= b.LowHz && freq < b.HighHz {
				p.binBand[y] = i
				p.bins[i]++
				break
			}
		}
	}
	return p
}

// Send adds one column. Bins beyond the mapped height are ignored.
func (p *BandProfile) Send(x int, magnitudes []float32) error {
	var energy [16]float64
	var sq []float64
	if len(p.bands) <= len(energy) {
		sq = energy[:len(p.bands)]
	} else {
		sq = make([]float64, len(p.bands))
	}
	for y, m := range magnitudes[:min(len(magnitudes), len(p.binBand))] {
		if b := p.binBand[y]; b >= 0 {
			sq[b] += float64(m) * float64(m)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for i, e := range sq {
		if p.bins[i] > 0 {
			p.sum[i] += math.Sqrt(e / float64(p.bins[i]))
		}
	}
	p.columns++
	return nil
}

// Close is a no-op.
func (p *BandProfile) Close() error { return nil }

// Columns returns how many columns have been added.
func (p *BandProfile) Columns() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.columns
}

// Levels returns every band with its mean level so far.
func (p *BandProfile) Levels() []BandLevel {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]BandLevel, len(p.bands))
	for i, b := range p.bands {
		out[i] = BandLevel{Band: b, Bins: p.bins[i]}
		if p.columns > 0 {
			out[i].Level = p.sum[i] / float64(p.columns)
		}
	}
	return out
}
