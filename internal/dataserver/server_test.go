// SPDX-License-Identifier: MIT
package dataserver

import (
	"errors"
	"math"
	"math/rand/v2"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fftserver/internal/cache"
	"fftserver/internal/fft"
	"fftserver/internal/source"
	"fftserver/internal/storage"
	"fftserver/pkg/utils"
)

const testRate = 44100

// testOptions returns options with a fixed budget that places caches in
// memory or on disk.
func testOptions(t *testing.T, memory bool) Options {
	t.Helper()
	budget := storage.Budget{Memory: 1 << 40, Disk: 1 << 40}
	if !memory {
		budget.Memory = 1
	}
	return Options{
		ScratchDir: t.TempDir(),
		Advisor:    storage.NewAdvisor(nil, budget, ""),
	}
}

func polarConfig(ws, inc, fftSize int) Config {
	return Config{
		Channel:    0,
		Window:     fft.Hann,
		WindowSize: ws,
		Increment:  inc,
		FFTSize:    fftSize,
		Polar:      true,
	}
}

func newTestServer(t *testing.T, model source.Model, cfg Config, opts Options) *Server {
	t.Helper()
	s, err := NewServer(model, cfg, opts)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// waitFilled waits for v to fill completely.
func waitFilled(t *testing.T, v View) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for v.FillExtent() < v.Width() {
		if s, ok := v.(*Server); ok && s.FillError() != nil {
			t.Fatalf("fill failed: %v", s.FillError())
		}
		if time.Now().After(deadline) {
			t.Fatalf("fill stalled at %d of %d", v.FillExtent(), v.Width())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestColumnCount(t *testing.T) {
	tests := []struct {
		frames, ws, inc, want int
	}{
		{0, 1024, 512, 1},
		{1024, 1024, 512, 1},
		{1025, 1024, 512, 2},
		{1536, 1024, 512, 2},
		{1537, 1024, 512, 3},
		{441000, 1024, 512, 861},
	}
	for _, tt := range tests {
		if got := columnCount(tt.frames, tt.ws, tt.inc); got != tt.want {
			t.Errorf("columnCount(%d, %d, %d) = %d, want %d", tt.frames, tt.ws, tt.inc, got, tt.want)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	model := source.NewBufferFrom("m", testRate, utils.GenerateSilence(4096))

	tests := []struct {
		name string
		mod  func(*Config)
		ok   bool
	}{
		{"valid", func(*Config) {}, true},
		{"mixdown", func(c *Config) { c.Channel = source.MixDown }, true},
		{"channel too high", func(c *Config) { c.Channel = 1 }, false},
		{"channel too low", func(c *Config) { c.Channel = -2 }, false},
		{"zero window", func(c *Config) { c.WindowSize = 0 }, false},
		{"zero increment", func(c *Config) { c.Increment = 0 }, false},
		{"fft smaller than window", func(c *Config) { c.FFTSize = 128 }, false},
		{"fft not power of two", func(c *Config) { c.FFTSize = 1000 }, false},
		{"godsp any size", func(c *Config) { c.FFTSize, c.Kernel = 1000, fft.KernelGoDSP }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := polarConfig(256, 128, 512)
			tt.mod(&cfg)
			err := cfg.Validate(model)
			if tt.ok && err != nil {
				t.Errorf("Validate: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidConfiguration) {
				t.Errorf("Validate = %v, want ErrInvalidConfiguration", err)
			}
		})
	}
}

func TestKeyFileBase(t *testing.T) {
	k := Key{ModelID: "my song/take#1", Channel: -1, Window: fft.Hann, WindowSize: 1024, Increment: 512, FFTSize: 2048, Polar: true}
	base := k.FileBase()
	for _, r := range base {
		if r == '/' || r == '#' || r == ' ' {
			t.Fatalf("FileBase %q contains %q", base, r)
		}
	}
}

// A ten second silent signal gives the documented geometry and zero
// magnitudes and phases.
func TestServerSilentScenario(t *testing.T) {
	for _, memory := range []bool{true, false} {
		name := "file"
		if memory {
			name = "memory"
		}
		t.Run(name, func(t *testing.T) {
			model := source.NewBufferFrom("silence", testRate, utils.GenerateSilence(10*testRate))
			s := newTestServer(t, model, polarConfig(1024, 512, 1024), testOptions(t, memory))

			if s.Width() != 861 {
				t.Errorf("Width = %d, want 861", s.Width())
			}
			if s.Height() != 513 {
				t.Errorf("Height = %d, want 513", s.Height())
			}
			if s.InMemory() != memory {
				t.Errorf("InMemory = %v, want %v", s.InMemory(), memory)
			}
			if s.StorageType() != cache.Polar {
				t.Errorf("StorageType = %v, want polar", s.StorageType())
			}

			waitFilled(t, s)
			if got := s.FillCompletion(); got != 100 {
				t.Errorf("FillCompletion = %d, want 100", got)
			}
			if got := s.PhaseAt(0, 0); got != 0 {
				t.Errorf("PhaseAt(0, 0) = %v, want 0", got)
			}
			for _, x := range []int{0, 430, 860} {
				for y := range s.Height() {
					if m := s.MagnitudeAt(x, y); m != 0 {
						t.Fatalf("MagnitudeAt(%d, %d) = %v, want 0", x, y, m)
					}
				}
			}
		})
	}
}

func TestServerSinePeak(t *testing.T) {
	// Bin 32 of a 1024-point transform at 44100 Hz.
	freq := 32 * float64(testRate) / 1024
	model := source.NewBufferFrom("sine", testRate, utils.GenerateSine(8192, freq, testRate, 1))

	for _, polar := range []bool{true, false} {
		cfg := polarConfig(1024, 256, 1024)
		cfg.Window = fft.Rectangular
		cfg.Polar = polar
		s := newTestServer(t, model, cfg, testOptions(t, true))
		waitFilled(t, s)

		mags := make([]float32, s.Height())
		if !s.MagnitudesAt(3, 0, mags) {
			t.Fatalf("polar=%v: column 3 not ready", polar)
		}
		if peak := utils.FindPeakBin(mags, 1, len(mags)); peak != 32 {
			t.Errorf("polar=%v: peak bin = %d, want 32", polar, peak)
		}
		if m := s.MaximumMagnitudeAt(3); m < 0.9 || m > 1.1 {
			t.Errorf("polar=%v: MaximumMagnitudeAt = %v, want about 1", polar, m)
		}
	}
}

// Repeated reads of a written column return identical values.
func TestServerIdempotentReads(t *testing.T) {
	model := source.NewBufferFrom("complex", testRate, utils.GenerateComplexSignal(16384, testRate))
	for _, memory := range []bool{true, false} {
		s := newTestServer(t, model, polarConfig(512, 256, 512), testOptions(t, memory))
		waitFilled(t, s)
		rc := s.AcquireReader()
		for x := 0; x < s.Width(); x += 7 {
			for y := 0; y < s.Height(); y += 13 {
				a, b := rc.MagnitudeAt(x, y), s.MagnitudeAt(x, y)
				if a != b || a != rc.MagnitudeAt(x, y) {
					t.Fatalf("memory=%v: MagnitudeAt(%d, %d) not stable: %v, %v", memory, x, y, a, b)
				}
			}
		}
		rc.Close()
	}
}

// Compact columns reproduce their maximum within quantization error.
func TestServerCompactNormalization(t *testing.T) {
	model := source.NewBufferFrom("complex", testRate, utils.GenerateComplexSignal(16384, testRate))
	cfg := polarConfig(512, 256, 512)
	cfg.Criteria = storage.ConserveSpace
	s := newTestServer(t, model, cfg, testOptions(t, true))
	if s.StorageType() != cache.Compact {
		t.Fatalf("StorageType = %v, want compact", s.StorageType())
	}
	waitFilled(t, s)

	for x := range s.Width() {
		factor := s.MaximumMagnitudeAt(x)
		var peak float32
		for y := range s.Height() {
			peak = max(peak, s.MagnitudeAt(x, y))
		}
		if d := math.Abs(float64(factor - peak)); d > float64(factor)/65535+1e-6 {
			t.Fatalf("column %d: factor %v, max magnitude %v", x, factor, peak)
		}
	}
}

func TestServerOutOfRangeReads(t *testing.T) {
	model := source.NewBufferFrom("sine", testRate, utils.GenerateSine(4096, 440, testRate, 1))
	s := newTestServer(t, model, polarConfig(256, 256, 256), testOptions(t, true))
	waitFilled(t, s)

	out := []float32{1, 1}
	checks := []struct {
		name string
		ok   bool
	}{
		{"negative column", s.IsColumnReady(-1)},
		{"column past width", s.IsColumnReady(s.Width())},
		{"batch past width", s.MagnitudesAt(s.Width(), 0, out)},
	}
	for _, c := range checks {
		if c.ok {
			t.Errorf("%s: reported ready", c.name)
		}
	}
	if out[0] != 0 || out[1] != 0 {
		t.Errorf("batch output not zeroed: %v", out)
	}
	if v := s.MagnitudeAt(0, s.Height()); v != 0 {
		t.Errorf("MagnitudeAt past height = %v, want 0", v)
	}
}

// Progress never goes backwards, and completion is 100 only once every
// column is ready.
func TestServerMonotonicFillOnGrowingSource(t *testing.T) {
	const frames = 32768
	samples := utils.GenerateComplexSignal(frames, testRate)
	buf := source.NewBuffer("growing", testRate, 1, frames)

	s := newTestServer(t, buf, polarConfig(512, 256, 512), testOptions(t, false))
	if s.FillCompletion() != 0 {
		t.Fatalf("FillCompletion before any data = %d, want 0", s.FillCompletion())
	}

	go func() {
		for off := 0; off < frames; off += 2048 {
			buf.Append(samples[off : off+2048])
			time.Sleep(time.Millisecond)
		}
		buf.MarkComplete()
	}()

	lastExtent, lastCompletion := 0, 0
	deadline := time.Now().Add(10 * time.Second)
	for {
		extent, completion := s.FillExtent(), s.FillCompletion()
		if extent < lastExtent {
			t.Fatalf("extent went from %d to %d", lastExtent, extent)
		}
		if completion < lastCompletion {
			t.Fatalf("completion went from %d to %d", lastCompletion, completion)
		}
		if completion == 100 {
			break
		}
		if ready, pct := buf.Ready(); !ready && completion > pct {
			t.Fatalf("completion %d ahead of source %d", completion, pct)
		}
		lastExtent, lastCompletion = extent, completion
		if time.Now().After(deadline) {
			t.Fatalf("fill stalled at %d%%", completion)
		}
		time.Sleep(time.Millisecond)
	}

	for x := range s.Width() {
		if !s.IsColumnReady(x) {
			t.Fatalf("completion 100 but column %d not ready", x)
		}
	}
}

// Readers polling random columns during the fill only ever see columns
// equal to an independent single-threaded computation.
func TestServerConcurrentReaders(t *testing.T) {
	const (
		frames  = 16384
		readers = 4
		ws      = 256
		inc     = 128
	)
	samples := utils.GenerateComplexSignal(frames, testRate)
	cfg := polarConfig(ws, inc, ws)

	width := columnCount(frames, ws, inc)
	height := ws/2 + 1
	analyzer, err := fft.NewAnalyzer(cfg.Kernel, cfg.Window, ws, ws)
	if err != nil {
		t.Fatal(err)
	}
	ref := source.NewBufferFrom("ref", testRate, samples)
	window := make([]float32, ws)
	want := make([][]float32, width)
	phase := make([]float32, height)
	for x := range width {
		ref.Samples(0, x*inc, window)
		want[x] = make([]float32, height)
		analyzer.Polar(window, want[x], phase)
	}

	buf := source.NewBuffer("live", testRate, 1, frames)
	opts := testOptions(t, false)
	opts.BlockWidthPower = 3
	s := newTestServer(t, buf, cfg, opts)
	if s.Width() != width {
		t.Fatalf("Width = %d, want %d", s.Width(), width)
	}

	go func() {
		for off := 0; off < frames; off += 1024 {
			buf.Append(samples[off : off+1024])
			time.Sleep(500 * time.Microsecond)
		}
		buf.MarkComplete()
	}()

	var wg sync.WaitGroup
	errs := make(chan string, readers)
	for i := range readers {
		wg.Add(1)
		go func(seed uint64) {
			defer wg.Done()
			rc := s.AcquireReader()
			defer rc.Close()
			rng := rand.New(rand.NewPCG(seed, 1))
			got := make([]float32, height)
			for s.FillExtent() < width {
				x := rng.IntN(width)
				if !rc.MagnitudesAt(x, 0, got) {
					continue
				}
				for y := range got {
					if got[y] != want[x][y] {
						errs <- "column mismatch"
						return
					}
				}
			}
		}(uint64(i))
	}
	wg.Wait()
	close(errs)
	for e := range errs {
		t.Fatal(e)
	}
	if s.FillError() != nil {
		t.Fatalf("FillError: %v", s.FillError())
	}
}

func TestServerSuspendResume(t *testing.T) {
	buf := source.NewBuffer("suspend", testRate, 1, 8192)
	s := newTestServer(t, buf, polarConfig(256, 256, 256), testOptions(t, true))

	s.Suspend()
	if !s.Suspended() {
		t.Fatal("Suspended = false after Suspend")
	}
	buf.Append(utils.GenerateSine(8192, 440, testRate, 1))
	buf.MarkComplete()
	time.Sleep(20 * time.Millisecond)
	if e := s.FillExtent(); e > 1 {
		t.Fatalf("extent advanced to %d while suspended", e)
	}

	// Reading an unfilled column wakes the fill.
	if s.IsColumnReady(s.Width() - 1) {
		t.Fatal("last column ready while suspended")
	}
	if s.Suspended() {
		t.Fatal("read of unfilled column did not resume")
	}
	waitFilled(t, s)
}

func TestServerSuspendWrites(t *testing.T) {
	for _, memory := range []bool{true, false} {
		buf := source.NewBuffer("writes", testRate, 1, 8192)
		s := newTestServer(t, buf, polarConfig(256, 256, 256), testOptions(t, memory))
		s.SuspendWrites()
		if s.Suspended() == memory {
			t.Errorf("memory=%v: Suspended = %v after SuspendWrites", memory, s.Suspended())
		}
		s.Resume()
	}
}

// A write failure stops the fill for good but leaves the server usable.
func TestServerFillError(t *testing.T) {
	const frames = 4096
	buf := source.NewBuffer("broken", testRate, 1, frames)
	opts := testOptions(t, false)
	opts.BlockWidthPower = 1
	s := newTestServer(t, buf, polarConfig(64, 64, 64), opts)

	// Replace the scratch directory with a file so block 1 cannot be made.
	if err := os.RemoveAll(s.dir); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(s.dir, nil, 0o600); err != nil {
		t.Fatal(err)
	}

	buf.Append(utils.GenerateSine(frames, 440, testRate, 1))
	buf.MarkComplete()

	deadline := time.Now().Add(5 * time.Second)
	for s.FillError() == nil {
		if time.Now().After(deadline) {
			t.Fatal("fill did not fail")
		}
		time.Sleep(time.Millisecond)
	}
	err := s.FillError()
	if !errors.Is(err, ErrIO) || !errors.Is(err, ErrStorageAllocation) {
		t.Errorf("FillError = %v, want ErrIO wrapping ErrStorageAllocation", err)
	}
	if e := s.FillExtent(); e != 2 {
		t.Errorf("FillExtent = %d, want 2", e)
	}
	if c := s.FillCompletion(); c >= 100 {
		t.Errorf("FillCompletion = %d after failure", c)
	}
	if s.IsColumnReady(s.Width() - 1) {
		t.Error("unfilled column reported ready")
	}
}

func TestServerMemoryAllocationFallsBackToFile(t *testing.T) {
	var attempts atomic.Int32
	orig := newMemoryBlock
	newMemoryBlock = func(int, cache.StorageType, int, int) (*cacheBlock, error) {
		attempts.Add(1)
		return nil, cache.ErrAllocation
	}
	t.Cleanup(func() { newMemoryBlock = orig })

	model := source.NewBufferFrom("fallback", testRate, utils.GenerateSine(8192, 440, testRate, 1))
	opts := testOptions(t, true)
	opts.BlockWidthPower = 2
	s := newTestServer(t, model, polarConfig(256, 256, 256), opts)
	waitFilled(t, s)

	if s.InMemory() {
		t.Error("InMemory still true after allocation failure")
	}
	if n := attempts.Load(); n != 1 {
		t.Errorf("memory allocation attempted %d times, want 1", n)
	}
	b := s.existingBlock(0)
	if b == nil {
		t.Fatal("block 0 missing after fill")
	}
	if b.inMemory() {
		t.Error("block 0 is memory-backed")
	}
	if _, err := os.Stat(b.path()); err != nil {
		t.Errorf("block 0 file: %v", err)
	}
	if !s.IsColumnReady(5) || s.MaximumMagnitudeAt(5) == 0 {
		t.Error("column 5 unreadable from file-backed fallback")
	}
}

func TestServerCloseRemovesFiles(t *testing.T) {
	model := source.NewBufferFrom("files", testRate, utils.GenerateSine(8192, 440, testRate, 1))
	opts := testOptions(t, false)
	opts.BlockWidthPower = 2
	s, err := NewServer(model, polarConfig(256, 256, 256), opts)
	if err != nil {
		t.Fatal(err)
	}
	waitFilled(t, s)
	rc := s.AcquireReader()
	if !rc.IsColumnReady(5) {
		t.Fatal("column 5 not ready")
	}

	if _, err := os.Stat(s.dir); err != nil {
		t.Fatalf("scratch directory missing: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(s.dir); !os.IsNotExist(err) {
		t.Errorf("scratch directory survived Close: %v", err)
	}
	if rc.IsColumnReady(5) {
		t.Error("read context still reads after Close")
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

// Closing a memory-backed server while readers are mid-read must not race
// with them; later reads report not ready.
func TestServerCloseWhileReading(t *testing.T) {
	model := source.NewBufferFrom("closing", testRate, utils.GenerateSine(8192, 440, testRate, 1))
	opts := testOptions(t, true)
	opts.BlockWidthPower = 2
	s, err := NewServer(model, polarConfig(256, 256, 256), opts)
	if err != nil {
		t.Fatal(err)
	}
	waitFilled(t, s)

	start := make(chan struct{})
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rc := s.AcquireReader()
			defer rc.Close()
			out := make([]float32, s.Height())
			<-start
			for i := range 2000 {
				rc.MagnitudesAt(i%s.Width(), 0, out)
			}
		}()
	}
	close(start)
	if err := s.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	wg.Wait()

	if s.IsColumnReady(0) {
		t.Error("column ready after Close")
	}
}

func TestServerMixDown(t *testing.T) {
	const frames = 4096
	sine := utils.GenerateSine(frames, 1000, testRate, 1)
	interleaved := make([]float32, 2*frames)
	for i, v := range sine {
		interleaved[2*i] = v
		interleaved[2*i+1] = -v
	}
	buf := source.NewBuffer("stereo", testRate, 2, frames)
	buf.Append(interleaved)
	buf.MarkComplete()

	cfg := polarConfig(512, 512, 512)
	cfg.Channel = source.MixDown
	mix := newTestServer(t, buf, cfg, testOptions(t, true))
	cfg.Channel = 0
	left := newTestServer(t, buf, cfg, testOptions(t, true))
	waitFilled(t, mix)
	waitFilled(t, left)

	if m := mix.MaximumMagnitudeAt(2); m > 1e-6 {
		t.Errorf("mixdown of opposite channels has magnitude %v", m)
	}
	if m := left.MaximumMagnitudeAt(2); m < 0.1 {
		t.Errorf("left channel magnitude %v, want a clear peak", m)
	}
}

func BenchmarkServerMagnitudesAt(b *testing.B) {
	model := source.NewBufferFrom("bench", testRate, utils.GenerateComplexSignal(65536, testRate))
	opts := Options{ScratchDir: b.TempDir(), Advisor: storage.NewAdvisor(nil, storage.Budget{Memory: 1, Disk: 1 << 40}, "")}
	s, err := NewServer(model, polarConfig(1024, 512, 1024), opts)
	if err != nil {
		b.Fatal(err)
	}
	defer s.Close()
	for s.FillExtent() < s.Width() {
		time.Sleep(time.Millisecond)
	}
	rc := s.AcquireReader()
	defer rc.Close()
	out := make([]float32, s.Height())

	x := 0
	for b.Loop() {
		rc.MagnitudesAt(x, 0, out)
		x = (x + 1) % s.Width()
	}
}
