// SPDX-License-Identifier: MIT
package dataserver

import (
	"fmt"

	"fftserver/pkg/bitint"
)

// View is the read surface shared by servers and fuzzy views.
type View interface {
	ID() string
	Key() Key
	Width() int
	Height() int

	IsColumnReady(x int) bool
	MagnitudeAt(x, y int) float32
	NormalizedMagnitudeAt(x, y int) float32
	MaximumMagnitudeAt(x int) float32
	PhaseAt(x, y int) float32
	ValuesAt(x, y int) (re, im float32)

	MagnitudesAt(x, minBin int, out []float32) bool
	NormalizedMagnitudesAt(x, minBin int, out []float32) bool
	PhasesAt(x, minBin int, out []float32) bool
	ValuesRangeAt(x, minBin int, re, im []float32) bool

	FillCompletion() int
	FillExtent() int
	Suspend()
	Resume()
	Info() Info
}

var (
	_ View = (*Server)(nil)
	_ View = (*FuzzyServer)(nil)
)

// FuzzyServer presents a server at a coarser increment and smaller FFT
// size by reading every 2^xshift-th column and 2^yshift-th bin. It stores
// nothing of its own.
type FuzzyServer struct {
	base           *Server
	key            Key
	xshift, yshift uint
	width, height  int
}

// NewFuzzy returns a view of base at the given increment and FFT size.
// increment must be base's increment times a power of two, and base's FFT
// size must be fftSize times a power of two.
func NewFuzzy(base *Server, increment, fftSize int) (*FuzzyServer, error) {
	xs, ok := bitint.RatioShift(increment, base.cfg.Increment)
	if !ok {
		return nil, fmt.Errorf("%w: increment %d is not a power-of-two multiple of %d",
			ErrInvalidConfiguration, increment, base.cfg.Increment)
	}
	ys, ok := bitint.RatioShift(base.cfg.FFTSize, fftSize)
	if !ok {
		return nil, fmt.Errorf("%w: FFT size %d is not %d over a power of two",
			ErrInvalidConfiguration, fftSize, base.cfg.FFTSize)
	}

	key := base.key
	key.Increment = increment
	key.FFTSize = fftSize
	return &FuzzyServer{
		base:   base,
		key:    key,
		xshift: xs,
		yshift: ys,
		width:  (base.width-1)>>xs + 1,
		height: fftSize/2 + 1,
	}, nil
}

// Base returns the server the view reads.
func (f *FuzzyServer) Base() *Server { return f.base }

// Shifts returns the column and bin shifts applied to reads.
func (f *FuzzyServer) Shifts() (xshift, yshift uint) { return f.xshift, f.yshift }

func (f *FuzzyServer) ID() string {
	return fmt.Sprintf("%s~x%dy%d", f.base.id, f.xshift, f.yshift)
}

func (f *FuzzyServer) Key() Key    { return f.key }
func (f *FuzzyServer) Width() int  { return f.width }
func (f *FuzzyServer) Height() int { return f.height }

func (f *FuzzyServer) col(x int) (int, bool) {
	if x < 0 || x >= f.width {
		return 0, false
	}
	return x << f.xshift, true
}

func (f *FuzzyServer) cell(x, y int) (int, int, bool) {
	bx, ok := f.col(x)
	if !ok || y < 0 || y >= f.height {
		return 0, 0, false
	}
	return bx, y << f.yshift, true
}

func (f *FuzzyServer) IsColumnReady(x int) bool {
	bx, ok := f.col(x)
	return ok && f.base.IsColumnReady(bx)
}

func (f *FuzzyServer) MagnitudeAt(x, y int) float32 {
	bx, by, ok := f.cell(x, y)
	if !ok {
		return 0
	}
	return f.base.MagnitudeAt(bx, by)
}

func (f *FuzzyServer) NormalizedMagnitudeAt(x, y int) float32 {
	bx, by, ok := f.cell(x, y)
	if !ok {
		return 0
	}
	return f.base.NormalizedMagnitudeAt(bx, by)
}

func (f *FuzzyServer) MaximumMagnitudeAt(x int) float32 {
	bx, ok := f.col(x)
	if !ok {
		return 0
	}
	return f.base.MaximumMagnitudeAt(bx)
}

func (f *FuzzyServer) PhaseAt(x, y int) float32 {
	bx, by, ok := f.cell(x, y)
	if !ok {
		return 0
	}
	return f.base.PhaseAt(bx, by)
}

func (f *FuzzyServer) ValuesAt(x, y int) (re, im float32) {
	bx, by, ok := f.cell(x, y)
	if !ok {
		return 0, 0
	}
	return f.base.ValuesAt(bx, by)
}

// span returns the base bin range covering out's bins starting at minBin,
// and the number of view bins that fall inside the column.
func (f *FuzzyServer) span(minBin, n int) (baseMin, baseLen, count int) {
	count = min(n, f.height-minBin)
	if minBin < 0 || count <= 0 {
		return 0, 0, 0
	}
	return minBin << f.yshift, (count-1)<<f.yshift + 1, count
}

// strided reads a run of base bins with read and keeps every 2^yshift-th.
func (f *FuzzyServer) strided(x, minBin int, out []float32, read func(bx, baseMin int, buf []float32) bool) bool {
	bx, ok := f.col(x)
	baseMin, baseLen, count := f.span(minBin, len(out))
	if !ok || count == 0 {
		clear(out)
		return false
	}
	if f.yshift == 0 {
		return read(bx, baseMin, out)
	}
	buf := make([]float32, baseLen)
	if !read(bx, baseMin, buf) {
		clear(out)
		return false
	}
	for i := range count {
		out[i] = buf[i<<f.yshift]
	}
	clear(out[count:])
	return true
}

func (f *FuzzyServer) MagnitudesAt(x, minBin int, out []float32) bool {
	return f.strided(x, minBin, out, f.base.MagnitudesAt)
}

func (f *FuzzyServer) NormalizedMagnitudesAt(x, minBin int, out []float32) bool {
	return f.strided(x, minBin, out, f.base.NormalizedMagnitudesAt)
}

func (f *FuzzyServer) PhasesAt(x, minBin int, out []float32) bool {
	return f.strided(x, minBin, out, f.base.PhasesAt)
}

func (f *FuzzyServer) ValuesRangeAt(x, minBin int, re, im []float32) bool {
	bx, ok := f.col(x)
	baseMin, baseLen, count := f.span(minBin, min(len(re), len(im)))
	if !ok || count == 0 {
		clear(re)
		clear(im)
		return false
	}
	if f.yshift == 0 {
		return f.base.ValuesRangeAt(bx, baseMin, re, im)
	}
	bre, bim := make([]float32, baseLen), make([]float32, baseLen)
	if !f.base.ValuesRangeAt(bx, baseMin, bre, bim) {
		clear(re)
		clear(im)
		return false
	}
	for i := range count {
		re[i], im[i] = bre[i<<f.yshift], bim[i<<f.yshift]
	}
	clear(re[count:])
	clear(im[count:])
	return true
}

func (f *FuzzyServer) FillCompletion() int { return f.base.FillCompletion() }

// FillExtent is the number of leading view columns whose base column has
// been written.
func (f *FuzzyServer) FillExtent() int {
	e := f.base.FillExtent()
	return (e + 1<<f.xshift - 1) >> f.xshift
}

func (f *FuzzyServer) Suspend() { f.base.Suspend() }
func (f *FuzzyServer) Resume()  { f.base.Resume() }

func (f *FuzzyServer) Info() Info {
	info := f.base.Info()
	info.ID = f.ID()
	info.Key = f.key.String()
	info.Width = f.width
	info.Height = f.height
	info.Increment = f.key.Increment
	info.FFTSize = f.key.FFTSize
	info.Extent = f.FillExtent()
	return info
}
