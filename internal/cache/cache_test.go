// SPDX-License-Identifier: MIT
package cache

import (
	"bytes"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"fftserver/internal/log"
)

const (
	testWidth  = 8
	testHeight = 33
)

var allTypes = []StorageType{Compact, Polar, Rectangular}

// testColumn returns a deterministic polar column for x with its maximum.
func testColumn(x int) (mag, phase []float32, factor float32) {
	mag = make([]float32, testHeight)
	phase = make([]float32, testHeight)
	for y := range mag {
		mag[y] = float32((x+1)*(y%7+1)) * 0.25
		phase[y] = float32(math.Mod(float64(x*y)*0.37, 2*math.Pi) - math.Pi)
		factor = max(factor, mag[y])
	}
	return mag, phase, factor
}

// tolerance is the worst-case magnitude error for a storage type.
func tolerance(t StorageType, factor float32) float64 {
	if t == Compact {
		return float64(factor)/65535 + 1e-6
	}
	return 1e-4 * float64(max(1, factor))
}

func phaseClose(a, b float32) bool {
	d := math.Abs(float64(a - b))
	d = math.Min(d, 2*math.Pi-d)
	return d < 2*math.Pi/32767+1e-4
}

func TestMemoryCacheRoundTrip(t *testing.T) {
	for _, st := range allTypes {
		t.Run(st.String(), func(t *testing.T) {
			m, err := NewMemoryCache(st, testWidth, testHeight)
			if err != nil {
				t.Fatalf("NewMemoryCache: %v", err)
			}
			checkRoundTrip(t, m, m)
		})
	}
}

func TestFileCacheRoundTrip(t *testing.T) {
	for _, st := range allTypes {
		t.Run(st.String(), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "cache.bin")
			w, err := CreateFileWriter(path, st, testWidth, testHeight, false)
			if err != nil {
				t.Fatalf("CreateFileWriter: %v", err)
			}
			defer w.Close()

			r, err := OpenFileReader(path, st, testWidth, testHeight)
			if err != nil {
				t.Fatalf("OpenFileReader: %v", err)
			}
			defer r.Close()

			checkRoundTrip(t, w, r)
			if r.Err() != nil {
				t.Errorf("unexpected reader error: %v", r.Err())
			}
		})
	}
}

func checkRoundTrip(t *testing.T, w ColumnWriter, r ColumnReader) {
	t.Helper()
	st := r.StorageType()

	for x := range testWidth {
		if r.HaveSetColumnAt(x) {
			t.Fatalf("column %d set before writing", x)
		}
	}

	for x := range testWidth {
		mag, phase, factor := testColumn(x)
		if err := w.SetColumnPolar(x, mag, phase, factor); err != nil {
			t.Fatalf("SetColumnPolar(%d): %v", x, err)
		}
	}

	for x := range testWidth {
		if !r.HaveSetColumnAt(x) {
			t.Fatalf("column %d not set after writing", x)
		}
		mag, phase, factor := testColumn(x)
		if got := r.MaximumMagnitudeAt(x); math.Abs(float64(got-factor)) > 1e-4 {
			t.Errorf("MaximumMagnitudeAt(%d) = %v, want %v", x, got, factor)
		}
		tol := tolerance(st, factor)
		for y := range testHeight {
			if got := r.MagnitudeAt(x, y); math.Abs(float64(got-mag[y])) > tol {
				t.Fatalf("MagnitudeAt(%d,%d) = %v, want %v (tol %v)", x, y, got, mag[y], tol)
			}
			if got := r.PhaseAt(x, y); !phaseClose(got, phase[y]) {
				t.Fatalf("PhaseAt(%d,%d) = %v, want %v", x, y, got, phase[y])
			}
			norm := r.NormalizedMagnitudeAt(x, y)
			if norm < 0 || norm > 1+1e-6 {
				t.Fatalf("NormalizedMagnitudeAt(%d,%d) = %v outside [0,1]", x, y, norm)
			}
			re, im := r.ValuesAt(x, y)
			wantRe := mag[y] * float32(math.Cos(float64(phase[y])))
			wantIm := mag[y] * float32(math.Sin(float64(phase[y])))
			if math.Abs(float64(re-wantRe)) > 4*tol+1e-3*float64(mag[y]) ||
				math.Abs(float64(im-wantIm)) > 4*tol+1e-3*float64(mag[y]) {
				t.Fatalf("ValuesAt(%d,%d) = (%v,%v), want (%v,%v)", x, y, re, im, wantRe, wantIm)
			}
		}

		out := make([]float32, testHeight)
		if !r.MagnitudesAt(x, 0, out) {
			t.Fatalf("MagnitudesAt(%d) reported unavailable", x)
		}
		for y := range out {
			if single := r.MagnitudeAt(x, y); out[y] != single {
				t.Fatalf("batch magnitude (%d,%d) = %v, single = %v", x, y, out[y], single)
			}
		}
	}
}

func TestCompactNormalization(t *testing.T) {
	m, err := NewMemoryCache(Compact, 1, 4)
	if err != nil {
		t.Fatal(err)
	}
	mag := []float32{0, 1, 2, 4}
	phase := []float32{0, math.Pi / 2, -math.Pi / 2, math.Pi}
	if err := m.SetColumnPolar(0, mag, phase, 4); err != nil {
		t.Fatal(err)
	}
	if got := m.NormalizedMagnitudeAt(0, 3); got != 1 {
		t.Errorf("largest bin normalized = %v, want 1", got)
	}
	if got := m.NormalizedMagnitudeAt(0, 0); got != 0 {
		t.Errorf("silent bin normalized = %v, want 0", got)
	}
	if got := m.MagnitudeAt(0, 3); got != 4 {
		t.Errorf("largest bin magnitude = %v, want 4", got)
	}
}

func TestSilentColumn(t *testing.T) {
	for _, st := range allTypes {
		m, err := NewMemoryCache(st, 1, 3)
		if err != nil {
			t.Fatal(err)
		}
		zeros := make([]float32, 3)
		if err := m.SetColumnRectangular(0, zeros, zeros); err != nil {
			t.Fatal(err)
		}
		if got := m.NormalizedMagnitudeAt(0, 1); got != 0 || math.IsNaN(float64(got)) {
			t.Errorf("%s: silent column normalized = %v, want 0", st, got)
		}
	}
}

func TestSetColumnRejectsBadInput(t *testing.T) {
	m, err := NewMemoryCache(Polar, 2, 4)
	if err != nil {
		t.Fatal(err)
	}
	col := make([]float32, 4)
	if err := m.SetColumnPolar(2, col, col, 0); !errors.Is(err, ErrColumnOutOfRange) {
		t.Errorf("out of range column: got %v", err)
	}
	if err := m.SetColumnPolar(0, col[:2], col, 0); !errors.Is(err, ErrHeightMismatch) {
		t.Errorf("short column: got %v", err)
	}
}

func TestNewMemoryCacheTooLarge(t *testing.T) {
	if _, err := NewMemoryCache(Polar, 1<<20, 1<<20); !errors.Is(err, ErrAllocation) {
		t.Errorf("expected ErrAllocation, got %v", err)
	}
}

func TestLayout(t *testing.T) {
	l, err := NewLayout(Compact, 4, 10)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := l.RecordSize(), 1+10*4+4; got != want {
		t.Errorf("compact record = %d, want %d", got, want)
	}
	if got, want := l.FileSize(), int64(headerSize+4*l.RecordSize()); got != want {
		t.Errorf("file size = %d, want %d", got, want)
	}

	p, err := NewLayout(Polar, 4, 10)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := p.RecordSize(), 1+10*8+4; got != want {
		t.Errorf("polar record = %d, want %d", got, want)
	}
	if _, err := NewLayout(Polar, 0, 10); err == nil {
		t.Error("expected error for zero width")
	}
}

func TestFileWriterExtendsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.bin")
	w, err := CreateFileWriter(path, Compact, testWidth, testHeight, false)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != w.Layout().FileSize() {
		t.Errorf("file size = %d, want %d", info.Size(), w.Layout().FileSize())
	}
}

func TestFileWriterAutoClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.bin")
	w, err := CreateFileWriter(path, Polar, 2, testHeight, true)
	if err != nil {
		t.Fatal(err)
	}
	for x := range 2 {
		if w.Closed() {
			t.Fatalf("writer closed after %d columns", x)
		}
		mag, phase, factor := testColumn(x)
		if err := w.SetColumnPolar(x, mag, phase, factor); err != nil {
			t.Fatal(err)
		}
	}
	if !w.Closed() {
		t.Error("writer should close itself once full")
	}
	// Columns are immutable, so rewriting a set column is a no-op even after close.
	mag, phase, factor := testColumn(0)
	if err := w.SetColumnPolar(0, mag, phase, factor); err != nil {
		t.Errorf("rewrite of set column: %v", err)
	}
}

func TestFileWriterLogsLifecycle(t *testing.T) {
	var buf bytes.Buffer
	log.Init(log.Config{Level: "debug", Format: "json", Output: &buf})
	t.Cleanup(func() { log.Init(log.Config{Level: "info", Format: "console"}) })

	path := filepath.Join(t.TempDir(), "cache.bin")
	w, err := CreateFileWriter(path, Compact, 1, testHeight, true)
	if err != nil {
		t.Fatal(err)
	}
	mag, phase, factor := testColumn(0)
	if err := w.SetColumnPolar(0, mag, phase, factor); err != nil {
		t.Fatal(err)
	}

	out := buf.String()
	for _, want := range []string{`"component":"cache"`, "created cache file", "cache file complete"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q: %s", want, out)
		}
	}
}

func TestFileReaderTruncatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.bin")
	w, err := CreateFileWriter(path, Polar, 4, testHeight, false)
	if err != nil {
		t.Fatal(err)
	}
	for x := range 4 {
		mag, phase, factor := testColumn(x)
		if err := w.SetColumnPolar(x, mag, phase, factor); err != nil {
			t.Fatal(err)
		}
	}
	w.Close()

	r, err := OpenFileReader(path, Polar, 4, testHeight)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if err := os.Truncate(path, headerSize); err != nil {
		t.Fatal(err)
	}

	if r.HaveSetColumnAt(1) {
		t.Error("column of truncated file reported set")
	}
	if r.Err() == nil {
		t.Error("flag read failure not reported by Err")
	}
	if got := r.MagnitudeAt(2, 3); got != 0 {
		t.Errorf("magnitude after failed read = %v, want 0", got)
	}
	if got := r.MaximumMagnitudeAt(2); got != 0 {
		t.Errorf("factor after failed read = %v, want 0", got)
	}
	out := []float32{1, 1, 1, 1}
	if r.MagnitudesAt(3, 0, out) {
		t.Error("batch read of truncated column reported available")
	}
	if err := r.Err(); err == nil {
		t.Error("payload read failure not reported by Err")
	}
	if err := r.Err(); err != nil {
		t.Errorf("Err should clear after being read, got %v", err)
	}
}

func TestFileReaderHeaderMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.bin")
	w, err := CreateFileWriter(path, Polar, 4, 8, false)
	if err != nil {
		t.Fatal(err)
	}
	w.Close()

	if _, err := OpenFileReader(path, Polar, 4, 9); !errors.Is(err, ErrBadHeader) {
		t.Errorf("expected ErrBadHeader, got %v", err)
	}
}

func TestFileReaderUnsetColumnReadsZero(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.bin")
	w, err := CreateFileWriter(path, Polar, 4, testHeight, false)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	r, err := OpenFileReader(path, Polar, 4, testHeight)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	if r.HaveSetColumnAt(1) {
		t.Fatal("unwritten column reported set")
	}
	if got := r.MagnitudeAt(1, 3); got != 0 {
		t.Errorf("unwritten magnitude = %v, want 0", got)
	}
	out := make([]float32, 4)
	if r.MagnitudesAt(1, 0, out) {
		t.Error("batch read of unwritten column reported available")
	}
}

func TestFileReaderLookahead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.bin")
	w, err := CreateFileWriter(path, Compact, testWidth, testHeight, false)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	for x := range testWidth {
		mag, phase, factor := testColumn(x)
		if err := w.SetColumnPolar(x, mag, phase, factor); err != nil {
			t.Fatal(err)
		}
	}

	r, err := OpenFileReader(path, Compact, testWidth, testHeight)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	for x := range testWidth {
		for y := range testHeight {
			r.MagnitudeAt(x, y)
		}
	}
	// One read per pair of columns in a sequential scan.
	if got, want := r.Reads(), testWidth/lookaheadColumns; got != want {
		t.Errorf("sequential scan issued %d reads, want %d", got, want)
	}
}

func TestFileReaderConcurrentWithWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.bin")
	const width = 64
	w, err := CreateFileWriter(path, Polar, width, testHeight, true)
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := OpenFileReader(path, Polar, width, testHeight)
			if err != nil {
				errs <- err
				return
			}
			defer r.Close()
			seen := make([]bool, width)
			for pass := 0; pass < 200; pass++ {
				for x := range width {
					set := r.HaveSetColumnAt(x)
					if seen[x] && !set {
						errs <- errors.New("column became unset")
						return
					}
					if set {
						seen[x] = true
						_, _, factor := testColumn(x)
						if got := r.MaximumMagnitudeAt(x); got != factor {
							errs <- errors.New("set column has wrong payload")
							return
						}
					}
				}
			}
		}()
	}

	for x := range width {
		mag, phase, factor := testColumn(x)
		if err := w.SetColumnPolar(x, mag, phase, factor); err != nil {
			t.Fatal(err)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestColumnBitmap(t *testing.T) {
	b := NewColumnBitmap(130)
	if !b.Set(129) || b.Set(129) {
		t.Error("Set should report first transition only")
	}
	if !b.IsSet(129) || b.IsSet(128) || b.IsSet(-1) || b.IsSet(130) {
		t.Error("IsSet mismatch")
	}
	for x := range 130 {
		b.Set(x)
	}
	if b.Count() != 130 || !b.Full() {
		t.Errorf("Count = %d, Full = %v", b.Count(), b.Full())
	}
}

func BenchmarkMemoryMagnitudeAt(b *testing.B) {
	m, _ := NewMemoryCache(Compact, testWidth, testHeight)
	mag, phase, factor := testColumn(0)
	m.SetColumnPolar(0, mag, phase, factor)
	for b.Loop() {
		for y := range testHeight {
			_ = m.MagnitudeAt(0, y)
		}
	}
}
