// SPDX-License-Identifier: MIT
package audio

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// RecordBitDepth is the PCM depth of recordings.
const RecordBitDepth = 32

// Recorder writes captured interleaved float32 frames to a PCM WAV file.
type Recorder struct {
	mu        sync.Mutex
	path      string
	file      *os.File
	encoder   *wav.Encoder
	sampleBuf *audio.IntBuffer // reused for format conversion
	frames    int
}

// NewRecorder creates filename and prepares a WAV encoder for it.
func NewRecorder(filename string, sampleRate, channels int) (*Recorder, error) {
	if sampleRate <= 0 || channels <= 0 {
		return nil, fmt.Errorf("recorder: bad format (%d Hz, %d channels)", sampleRate, channels)
	}
	file, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("recorder: %w", err)
	}
	return &Recorder{
		path:    filename,
		file:    file,
		encoder: wav.NewEncoder(file, sampleRate, RecordBitDepth, channels, 1),
		sampleBuf: &audio.IntBuffer{
			Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
			SourceBitDepth: RecordBitDepth,
		},
	}, nil
}

// Path returns the file being written.
func (r *Recorder) Path() string { return r.path }

// Frames returns the number of frames written.
func (r *Recorder) Frames() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames
}

// Write appends interleaved samples in [-1, 1]; values outside are clipped.
func (r *Recorder) Write(interleaved []float32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.encoder == nil {
		return errors.New("recorder: closed")
	}

	if cap(r.sampleBuf.Data) < len(interleaved) {
		r.sampleBuf.Data = make([]int, len(interleaved))
	}
	r.sampleBuf.Data = r.sampleBuf.Data[:len(interleaved)]
	for i, s := range interleaved {
		s = min(max(s, -1), 1)
		r.sampleBuf.Data[i] = int(float64(s) * math.MaxInt32)
	}
	if err := r.encoder.Write(r.sampleBuf); err != nil {
		return fmt.Errorf("recorder: %w", err)
	}
	r.frames += len(interleaved) / r.sampleBuf.Format.NumChannels
	return nil
}

// Close finalizes the WAV header and closes the file. It is safe to call
// more than once.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.encoder == nil {
		return nil
	}
	errEnc := r.encoder.Close()
	errFile := r.file.Close()
	r.encoder, r.file = nil, nil
	return errors.Join(errEnc, errFile)
}
