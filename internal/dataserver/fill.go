// SPDX-License-Identifier: MIT
package dataserver

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"fftserver/internal/cache"
	"fftserver/internal/fft"
	"fftserver/internal/metrics"
	"fftserver/internal/source"
)

// pollInterval bounds how long the fill waits on a growing source that
// cannot notify.
const pollInterval = 50 * time.Millisecond

// filler is the single writer of a server. It computes columns in
// increasing order and writes each into its block. Suspension and shutdown
// are checked between columns; a column in progress always completes.
type filler struct {
	s        *Server
	analyzer *fft.Analyzer

	mu        sync.Mutex
	suspended bool
	resumed   chan struct{} // closed on resume

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	filled     atomic.Int64
	completion atomic.Int32
	err        atomic.Pointer[error]

	// column buffers, owned by the fill goroutine
	samples []float32
	a, b    []float32
}

func newFiller(s *Server, analyzer *fft.Analyzer) *filler {
	return &filler{
		s:        s,
		analyzer: analyzer,
		resumed:  make(chan struct{}),
		done:     make(chan struct{}),
		samples:  make([]float32, analyzer.WindowSize()),
		a:        make([]float32, analyzer.Height()),
		b:        make([]float32, analyzer.Height()),
	}
}

func (f *filler) start() {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.run()
	}()
}

// stop signals the fill goroutine and waits for it to exit.
func (f *filler) stop() {
	f.stopOnce.Do(func() { close(f.done) })
	f.wg.Wait()
}

func (f *filler) suspend() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.suspended {
		return
	}
	f.suspended = true
	f.resumed = make(chan struct{})
	f.s.log.Debug().Int("extent", f.extent()).Msg("fill suspended")
}

func (f *filler) resume() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.suspended {
		return
	}
	f.suspended = false
	close(f.resumed)
	f.s.log.Debug().Int("extent", f.extent()).Msg("fill resumed")
}

func (f *filler) isSuspended() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.suspended
}

func (f *filler) extent() int { return int(f.filled.Load()) }

func (f *filler) error() error {
	if p := f.err.Load(); p != nil {
		return *p
	}
	return nil
}

// completionPercent refreshes the completion from the current extent and
// source progress, then returns it.
func (f *filler) completionPercent() int {
	f.updateCompletion()
	return int(f.completion.Load())
}

// updateCompletion raises the completion to the current estimate. While
// the source is still growing the estimate is capped at the source's own
// progress; it reaches 100 only when every column is written.
func (f *filler) updateCompletion() {
	width := f.s.width
	filled := int(f.filled.Load())

	var pct int
	if filled >= width {
		pct = 100
	} else {
		pct = filled * 100 / width
		if ready, srcPct := f.s.model.Ready(); !ready {
			pct = min(pct, srcPct)
		}
		pct = min(pct, 99)
	}

	for {
		cur := f.completion.Load()
		if int32(pct) <= cur || f.completion.CompareAndSwap(cur, int32(pct)) {
			return
		}
	}
}

func (f *filler) run() {
	s := f.s
	started := time.Now()
	s.log.Debug().Int("width", s.width).Msg("fill started")

	for x := 0; x < s.width; x++ {
		if !f.awaitResume() {
			return
		}
		start := x * s.cfg.Increment
		if !f.awaitFrames(start + s.cfg.WindowSize) {
			return
		}
		if err := f.fillColumn(x, start); err != nil {
			f.fail(x, err)
			return
		}
		f.filled.Store(int64(x + 1))
		metrics.ColumnsFilled.Inc()
		f.updateCompletion()
	}

	s.log.Info().
		Int("columns", s.width).
		Dur("elapsed", time.Since(started)).
		Msg("fill complete")
}

// awaitResume blocks while the fill is suspended. It returns false on
// shutdown.
func (f *filler) awaitResume() bool {
	for {
		f.mu.Lock()
		suspended, resumed := f.suspended, f.resumed
		f.mu.Unlock()
		if !suspended {
			select {
			case <-f.done:
				return false
			default:
				return true
			}
		}
		select {
		case <-resumed:
		case <-f.done:
			return false
		}
	}
}

// awaitFrames waits until the source holds need frames or will not grow
// any further. It returns false on shutdown.
func (f *filler) awaitFrames(need int) bool {
	model := f.s.model
	notifier, _ := model.(source.Notifier)

	for {
		// Take the channel before checking so growth in between is seen.
		var changed <-chan struct{}
		if notifier != nil {
			changed = notifier.Changed()
		}
		if model.FrameCount() >= need {
			return true
		}
		if ready, _ := model.Ready(); ready {
			return true
		}

		timer := time.NewTimer(pollInterval)
		select {
		case <-changed:
		case <-timer.C:
		case <-f.done:
			timer.Stop()
			return false
		}
		timer.Stop()
	}
}

func (f *filler) fillColumn(x, start int) error {
	s := f.s
	if _, err := s.model.Samples(s.cfg.Channel, start, f.samples); err != nil {
		return fmt.Errorf("samples at frame %d: %w", start, err)
	}

	bi, col := s.locate(x)
	b, err := s.block(bi)
	if err != nil {
		return err
	}
	w := b.columnWriter()
	if s.storageType != cache.Rectangular {
		factor := f.analyzer.Polar(f.samples, f.a, f.b)
		return w.SetColumnPolar(col, f.a, f.b, factor)
	}
	f.analyzer.Rectangular(f.samples, f.a, f.b)
	return w.SetColumnRectangular(col, f.a, f.b)
}

func (f *filler) fail(x int, err error) {
	err = fmt.Errorf("%w: fill column %d: %w", ErrIO, x, err)
	f.err.Store(&err)
	metrics.FillFailures.Inc()
	f.s.log.Error().Err(err).Int("extent", f.extent()).Msg("fill stopped")
}
