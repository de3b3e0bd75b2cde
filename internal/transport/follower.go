// SPDX-License-Identifier: MIT
package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"fftserver/internal/log"
	"fftserver/internal/metrics"
)

// Follower polls a source at a fixed interval and sends every column that
// has become ready since the previous tick, in order. It runs in its own
// goroutine under Start and Stop, or inline under Serve.
type Follower struct {
	name     string
	src      ColumnSource
	sink     ColumnSink
	interval time.Duration
	log      zerolog.Logger
	sent     prometheus.Counter

	mu     sync.Mutex // guards cancel and next
	cancel context.CancelFunc
	wg     sync.WaitGroup
	next   int

	buf []float32
}

// NewFollower creates a follower of src feeding sink. An interval <= 0
// defaults to 16ms (~60Hz).
func NewFollower(name string, interval time.Duration, src ColumnSource, sink ColumnSink) (*Follower, error) {
	if src == nil {
		return nil, fmt.Errorf("follower %s: source cannot be nil", name)
	}
	if sink == nil {
		return nil, fmt.Errorf("follower %s: sink cannot be nil", name)
	}
	l := log.Component("transport").With().Str("follower", name).Str("source", src.ID()).Logger()
	if interval <= 0 {
		interval = 16 * time.Millisecond
		l.Warn().Dur("interval", interval).Msg("invalid interval, using default")
	}
	return &Follower{
		name:     name,
		src:      src,
		sink:     sink,
		interval: interval,
		log:      l,
		sent:     metrics.ColumnsSent.WithLabelValues(name),
		buf:      make([]float32, src.Height()),
	}, nil
}

// Next is the index of the next column to send.
func (f *Follower) Next() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.next
}

// Start runs the follower in a goroutine until Stop. Calling Start while
// running is a no-op.
func (f *Follower) Start() {
	f.mu.Lock()
	if f.cancel != nil {
		f.mu.Unlock()
		f.log.Warn().Msg("start called but already running")
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	f.mu.Unlock()

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		if err := f.Serve(ctx); err != nil && ctx.Err() == nil {
			f.log.Error().Err(err).Msg("follower stopped")
		}
	}()
}

// Stop ends a follower started with Start and waits for it to exit.
func (f *Follower) Stop() error {
	f.mu.Lock()
	cancel := f.cancel
	f.cancel = nil
	f.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	f.wg.Wait()
	return nil
}

// Close stops the follower and closes its sink.
func (f *Follower) Close() error {
	f.Stop()
	return f.sink.Close()
}

// Serve follows the source until ctx is done or the sink fails. It
// returns ctx.Err() on cancellation and the sink's error on failure.
func (f *Follower) Serve(ctx context.Context) error {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	f.log.Debug().Dur("interval", f.interval).Msg("following")

	for {
		if err := f.poll(); err != nil {
			return err
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Drain sends every ready column not yet sent. It must not run while
// the follower is serving.
func (f *Follower) Drain() error { return f.poll() }

// poll sends the columns filled since the last call.
func (f *Follower) poll() error {
	f.mu.Lock()
	next := f.next
	f.mu.Unlock()

	extent := min(f.src.FillExtent(), f.src.Width())
	for ; next < extent; next++ {
		if !f.src.MagnitudesAt(next, 0, f.buf) {
			break
		}
		if err := f.sink.Send(next, f.buf); err != nil {
			return fmt.Errorf("follower %s: column %d: %w", f.name, next, err)
		}
		f.sent.Inc()
		f.mu.Lock()
		f.next = next + 1
		f.mu.Unlock()
	}
	return nil
}

// String names the follower for supervisor logs.
func (f *Follower) String() string { return "follower-" + f.name }
