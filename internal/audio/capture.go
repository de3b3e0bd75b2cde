// SPDX-License-Identifier: MIT
package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/rs/zerolog"

	"fftserver/internal/log"
	"fftserver/internal/source"
)

// ErrCaptureComplete is returned by Serve once the capture has recorded
// its full length.
var ErrCaptureComplete = errors.New("audio: capture complete")

// CaptureConfig describes a live input capture.
type CaptureConfig struct {
	ID              string // model id; empty for a random one
	DeviceID        int    // DefaultDeviceID for the system default
	SampleRate      int
	Channels        int
	FramesPerBuffer int
	Seconds         float64 // capture length; sizes the data servers
	LowLatency      bool
	GateThreshold   float64 // 0 disables the gate
	RecordPath      string  // optional WAV copy of the capture
}

// Capture streams an input device into a source.Buffer. The buffer is
// the model data servers are built on; it grows while Serve runs and is
// marked complete once Seconds of audio have arrived.
type Capture struct {
	cfg   CaptureConfig
	buf   *source.Buffer
	limit int
	gate  Gate
	rec   *Recorder
	log   zerolog.Logger

	mu       sync.Mutex // guards frames, scratch and done
	frames   int
	scratch  []float32
	done     chan struct{}
	doneOnce sync.Once
}

// NewCapture creates the capture and its buffer. No device is opened
// until Serve.
func NewCapture(cfg CaptureConfig) (*Capture, error) {
	switch {
	case cfg.SampleRate <= 0:
		return nil, fmt.Errorf("audio: sample rate %d", cfg.SampleRate)
	case cfg.Channels <= 0:
		return nil, fmt.Errorf("audio: channel count %d", cfg.Channels)
	case cfg.Seconds <= 0:
		return nil, fmt.Errorf("audio: capture length %gs", cfg.Seconds)
	}
	if cfg.FramesPerBuffer <= 0 {
		cfg.FramesPerBuffer = 512
	}
	limit := int(cfg.Seconds * float64(cfg.SampleRate))

	c := &Capture{
		cfg:     cfg,
		buf:     source.NewBuffer(cfg.ID, cfg.SampleRate, cfg.Channels, limit),
		limit:   limit,
		scratch: make([]float32, cfg.FramesPerBuffer*cfg.Channels),
		done:    make(chan struct{}),
	}
	c.log = log.Component("audio").With().Str("model", c.buf.ID()).Logger()
	if cfg.GateThreshold > 0 {
		c.gate.SetThreshold(cfg.GateThreshold)
		c.gate.Enable()
	}
	if cfg.RecordPath != "" {
		rec, err := NewRecorder(cfg.RecordPath, cfg.SampleRate, cfg.Channels)
		if err != nil {
			return nil, err
		}
		c.rec = rec
	}
	return c, nil
}

// Model returns the growing buffer fed by the capture.
func (c *Capture) Model() *source.Buffer { return c.buf }

// Gate returns the capture's noise gate.
func (c *Capture) Gate() *Gate { return &c.gate }

// Frames returns the number of frames captured so far.
func (c *Capture) Frames() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames
}

// Done is closed once the capture is complete.
func (c *Capture) Done() <-chan struct{} { return c.done }

// Serve opens the device and captures until ctx is done or the capture is
// complete, in which case it returns ErrCaptureComplete. A failed stream
// can be served again; capture resumes where it stopped.
func (c *Capture) Serve(ctx context.Context) error {
	select {
	case <-c.done:
		return ErrCaptureComplete
	default:
	}

	if err := Initialize(); err != nil {
		return err
	}
	defer Terminate()

	device, err := InputDevice(c.cfg.DeviceID)
	if err != nil {
		return err
	}
	latency := device.DefaultHighInputLatency
	if c.cfg.LowLatency {
		latency = device.DefaultLowInputLatency
	}

	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   device,
			Channels: c.cfg.Channels,
			Latency:  latency,
		},
		FramesPerBuffer: c.cfg.FramesPerBuffer,
		SampleRate:      float64(c.cfg.SampleRate),
	}
	stream, err := portaudio.OpenStream(params, c.process)
	if err != nil {
		return fmt.Errorf("audio: open stream on %s: %w", device.Name, err)
	}
	defer stream.Close()
	if err := stream.Start(); err != nil {
		return fmt.Errorf("audio: start stream on %s: %w", device.Name, err)
	}
	c.log.Info().
		Str("device", device.Name).
		Int("sample_rate", c.cfg.SampleRate).
		Int("channels", c.cfg.Channels).
		Dur("latency", latency).
		Float64("seconds", c.cfg.Seconds).
		Msg("capture started")

	select {
	case <-ctx.Done():
		err = ctx.Err()
	case <-c.done:
		err = ErrCaptureComplete
	}
	if stopErr := stream.Stop(); stopErr != nil {
		c.log.Warn().Err(stopErr).Msg("stream stop failed")
	}
	c.log.Info().Int("frames", c.Frames()).Msg("capture stopped")
	return err
}

// process is the stream callback. It must not block.
func (c *Capture) process(in []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frames >= c.limit {
		return
	}
	n := min(len(in)/c.cfg.Channels, c.limit-c.frames)
	buf := c.scratch[:n*c.cfg.Channels]
	copy(buf, in)
	c.gate.Apply(buf)

	if c.rec != nil {
		if err := c.rec.Write(buf); err != nil {
			c.log.Error().Err(err).Msg("recording failed, stopping recorder")
			c.rec.Close()
			c.rec = nil
		}
	}
	c.buf.Append(buf)
	c.frames += n
	if c.frames >= c.limit {
		c.finishLocked()
	}
}

func (c *Capture) finishLocked() {
	c.doneOnce.Do(func() {
		c.buf.MarkComplete()
		close(c.done)
	})
}

// Close ends the capture early and finalizes any recording. Frames
// captured so far stay readable.
func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finishLocked()
	if c.rec == nil {
		return nil
	}
	err := c.rec.Close()
	c.rec = nil
	return err
}

func (c *Capture) String() string { return "capture-" + c.buf.ID() }
