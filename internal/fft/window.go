// SPDX-License-Identifier: MIT
package fft

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/dsp/window"
)

// WindowFunc selects the window applied to each column's samples.
type WindowFunc int

const (
	BartlettHann WindowFunc = iota
	Blackman
	BlackmanNuttall
	Hann
	Hamming
	Lanczos
	Nuttall
	Rectangular
)

var windowNames = [...]string{
	BartlettHann:    "bartletthann",
	Blackman:        "blackman",
	BlackmanNuttall: "blackmannuttall",
	Hann:            "hann",
	Hamming:         "hamming",
	Lanczos:         "lanczos",
	Nuttall:         "nuttall",
	Rectangular:     "rectangular",
}

func (w WindowFunc) String() string {
	if w < 0 || int(w) >= len(windowNames) {
		return fmt.Sprintf("window(%d)", int(w))
	}
	return windowNames[w]
}

// ParseWindowFunc converts a name (case-insensitive) to a WindowFunc. It
// returns Hann and an error if the name is unknown.
func ParseWindowFunc(name string) (WindowFunc, error) {
	switch strings.ToLower(name) {
	case "hanning":
		return Hann, nil
	case "rect", "none":
		return Rectangular, nil
	}
	for w, n := range windowNames {
		if strings.EqualFold(name, n) {
			return WindowFunc(w), nil
		}
	}
	return Hann, fmt.Errorf("unknown FFT window function name: '%s'", name)
}

// Coefficients returns size window coefficients.
func (w WindowFunc) Coefficients(size int) []float64 {
	coeffs := make([]float64, size)
	applyWindow(coeffs, w)
	return coeffs
}

// applyWindow fills coeffs with the window. gonum's window functions
// multiply in place, so the slice starts at 1.
func applyWindow(coeffs []float64, w WindowFunc) {
	for i := range coeffs {
		coeffs[i] = 1.0
	}
	switch w {
	case BartlettHann:
		window.BartlettHann(coeffs)
	case Blackman:
		window.Blackman(coeffs)
	case BlackmanNuttall:
		window.BlackmanNuttall(coeffs)
	case Hann:
		window.Hann(coeffs)
	case Hamming:
		window.Hamming(coeffs)
	case Lanczos:
		window.Lanczos(coeffs)
	case Nuttall:
		window.Nuttall(coeffs)
	case Rectangular:
	default:
		window.Hann(coeffs)
	}
}
