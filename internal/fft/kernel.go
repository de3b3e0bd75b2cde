// SPDX-License-Identifier: MIT
package fft

import (
	"fmt"
	"strings"

	dspfft "github.com/mjibson/go-dsp/fft"
	"gonum.org/v1/gonum/dsp/fourier"
)

// Kernel names a real-input transform implementation.
type Kernel string

const (
	KernelGonum Kernel = "gonum"
	KernelGoDSP Kernel = "godsp"
)

// ParseKernel converts a name (case-insensitive) to a Kernel.
func ParseKernel(name string) (Kernel, error) {
	switch k := Kernel(strings.ToLower(name)); k {
	case KernelGonum, KernelGoDSP:
		return k, nil
	case "":
		return KernelGonum, nil
	default:
		return KernelGonum, fmt.Errorf("unknown FFT kernel: '%s'", name)
	}
}

// Transformer computes the non-negative frequency half of a real FFT.
// Transform writes Size()/2+1 coefficients into dst and returns it.
// Implementations are not safe for concurrent use.
type Transformer interface {
	Size() int
	Transform(dst []complex128, src []float64) []complex128
}

// NewTransformer returns the kernel for size-point transforms.
func NewTransformer(k Kernel, size int) (Transformer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid FFT size %d", size)
	}
	switch k {
	case KernelGonum, "":
		return &GonumKernel{fft: fourier.NewFFT(size), size: size}, nil
	case KernelGoDSP:
		return DSPKernel{size: size}, nil
	default:
		return nil, fmt.Errorf("unknown FFT kernel: '%s'", k)
	}
}

// GonumKernel wraps gonum's real FFT. It does not allocate per call.
type GonumKernel struct {
	fft  *fourier.FFT
	size int
}

func (g *GonumKernel) Size() int { return g.size }

func (g *GonumKernel) Transform(dst []complex128, src []float64) []complex128 {
	return g.fft.Coefficients(dst, src)
}

// DSPKernel uses go-dsp, which accepts any size but allocates the full
// complex spectrum on every call.
type DSPKernel struct {
	size int
}

func (d DSPKernel) Size() int { return d.size }

func (d DSPKernel) Transform(dst []complex128, src []float64) []complex128 {
	full := dspfft.FFTReal(src)
	n := d.size/2 + 1
	if len(dst) < n {
		dst = make([]complex128, n)
	}
	copy(dst[:n], full[:n])
	return dst[:n]
}
