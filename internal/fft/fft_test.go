// SPDX-License-Identifier: MIT
package fft

import (
	"math"
	"testing"

	"fftserver/pkg/utils"
)

const (
	testFFTSize    = 1024
	testSampleRate = 44100
)

func TestAnalyzerHotPath(t *testing.T) {
	a, err := NewAnalyzer(KernelGonum, Hann, testFFTSize, testFFTSize)
	if err != nil {
		t.Fatal(err)
	}
	samples := make([]float32, testFFTSize)
	for i := range samples {
		samples[i] = float32(i%256-128) / 128
	}
	mag := make([]float32, a.Height())
	phase := make([]float32, a.Height())

	// Warm-up call so lazy initialisation does not count.
	a.Polar(samples, mag, phase)
	allocs := testing.AllocsPerRun(100, func() {
		a.Polar(samples, mag, phase)
	})
	if allocs > 0 {
		t.Errorf("Expected zero allocations in Polar hot path, got %.1f", allocs)
	}
}

func TestFrequencyForBinZeroAllocs(t *testing.T) {
	a, err := NewAnalyzer(KernelGonum, Hann, testFFTSize, testFFTSize)
	if err != nil {
		t.Fatal(err)
	}
	allocs := testing.AllocsPerRun(100, func() {
		_ = a.FrequencyForBin(0, testSampleRate)
		_ = a.FrequencyForBin(testFFTSize/2, testSampleRate)
	})
	if allocs > 0 {
		t.Errorf("Expected zero allocations in FrequencyForBin, got %.1f", allocs)
	}
	if got, want := a.FrequencyForBin(testFFTSize/2, testSampleRate), float64(testSampleRate)/2; got != want {
		t.Errorf("Nyquist bin = %v, want %v", got, want)
	}
}

func TestAnalyzerSilence(t *testing.T) {
	for _, k := range []Kernel{KernelGonum, KernelGoDSP} {
		t.Run(string(k), func(t *testing.T) {
			a, err := NewAnalyzer(k, Hann, 256, 512)
			if err != nil {
				t.Fatal(err)
			}
			mag := make([]float32, a.Height())
			phase := make([]float32, a.Height())
			if factor := a.Polar(make([]float32, 256), mag, phase); factor != 0 {
				t.Errorf("factor of silence = %v", factor)
			}
			for i := range mag {
				if mag[i] != 0 || phase[i] != 0 {
					t.Fatalf("bin %d = (%v, %v), want (0, 0)", i, mag[i], phase[i])
				}
			}
		})
	}
}

func TestAnalyzerSinePeak(t *testing.T) {
	const bin = 32
	freq := float64(bin) * testSampleRate / testFFTSize
	samples := utils.GenerateSine(testFFTSize, freq, testSampleRate, 1)

	for _, k := range []Kernel{KernelGonum, KernelGoDSP} {
		t.Run(string(k), func(t *testing.T) {
			a, err := NewAnalyzer(k, Rectangular, testFFTSize, testFFTSize)
			if err != nil {
				t.Fatal(err)
			}
			mag := make([]float32, a.Height())
			phase := make([]float32, a.Height())
			factor := a.Polar(samples, mag, phase)

			if math.Abs(float64(mag[bin])-1) > 1e-3 {
				t.Errorf("peak magnitude = %v, want 1", mag[bin])
			}
			if factor != mag[bin] {
				t.Errorf("factor = %v, want peak %v", factor, mag[bin])
			}
			if mag[bin+5] > 1e-3 {
				t.Errorf("leakage at bin %d = %v", bin+5, mag[bin+5])
			}
		})
	}
}

func TestKernelsAgree(t *testing.T) {
	samples := utils.GenerateComplexSignal(testFFTSize, testSampleRate)
	g, _ := NewAnalyzer(KernelGonum, Hamming, 1000, testFFTSize)
	d, _ := NewAnalyzer(KernelGoDSP, Hamming, 1000, testFFTSize)

	re1, im1 := make([]float32, g.Height()), make([]float32, g.Height())
	re2, im2 := make([]float32, d.Height()), make([]float32, d.Height())
	g.Rectangular(samples, re1, im1)
	d.Rectangular(samples, re2, im2)
	for i := range re1 {
		if math.Abs(float64(re1[i]-re2[i])) > 1e-4 || math.Abs(float64(im1[i]-im2[i])) > 1e-4 {
			t.Fatalf("bin %d differs: gonum (%v,%v) godsp (%v,%v)", i, re1[i], im1[i], re2[i], im2[i])
		}
	}
}

func TestNewAnalyzerRejectsBadSizes(t *testing.T) {
	if _, err := NewAnalyzer(KernelGonum, Hann, 1024, 512); err == nil {
		t.Error("expected error when window exceeds FFT size")
	}
	if _, err := NewAnalyzer("fftw", Hann, 512, 512); err == nil {
		t.Error("expected error for unknown kernel")
	}
}

func TestParseWindowFunc(t *testing.T) {
	tests := []struct {
		name string
		want WindowFunc
		ok   bool
	}{
		{"hann", Hann, true},
		{"Hanning", Hann, true},
		{"BLACKMAN", Blackman, true},
		{"nuttall", Nuttall, true},
		{"rectangular", Rectangular, true},
		{"none", Rectangular, true},
		{"kaiser", Hann, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseWindowFunc(tt.name)
			if got != tt.want || (err == nil) != tt.ok {
				t.Errorf("ParseWindowFunc(%q) = (%v, %v)", tt.name, got, err)
			}
		})
	}
}

func TestParseKernel(t *testing.T) {
	if k, err := ParseKernel("GoDSP"); err != nil || k != KernelGoDSP {
		t.Errorf("ParseKernel(GoDSP) = (%v, %v)", k, err)
	}
	if k, err := ParseKernel(""); err != nil || k != KernelGonum {
		t.Errorf("ParseKernel(\"\") = (%v, %v)", k, err)
	}
	if _, err := ParseKernel("fftw"); err == nil {
		t.Error("expected error for unknown kernel")
	}
}

func BenchmarkPolar(b *testing.B) {
	a, _ := NewAnalyzer(KernelGonum, Hann, testFFTSize, testFFTSize)
	samples := utils.GenerateComplexSignal(testFFTSize, testSampleRate)
	mag := make([]float32, a.Height())
	phase := make([]float32, a.Height())

	b.ReportAllocs()
	for b.Loop() {
		a.Polar(samples, mag, phase)
	}
}
