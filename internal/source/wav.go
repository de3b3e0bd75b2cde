// SPDX-License-Identifier: MIT
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/google/uuid"

	"fftserver/internal/log"
)

// decodeChunkFrames is how many frames each decode step appends.
const decodeChunkFrames = 4096

// WAVFile is a Buffer filled progressively from a PCM WAV file by a
// background goroutine, so readers observe a decode-in-progress model.
type WAVFile struct {
	*Buffer

	path     string
	file     *os.File
	decoder  *wav.Decoder
	bitDepth int

	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// OpenWAV validates path as a PCM WAV file and starts decoding it.
func OpenWAV(path string) (*WAVFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("source: open %s: %w", path, err)
	}

	d := wav.NewDecoder(f)
	if !d.IsValidFile() {
		f.Close()
		return nil, fmt.Errorf("source: %s is not a valid WAV file", path)
	}
	if d.WavAudioFormat != 1 {
		f.Close()
		return nil, fmt.Errorf("source: %s: unsupported WAV format %d (PCM only)", path, d.WavAudioFormat)
	}
	if err := d.FwdToPCM(); err != nil {
		f.Close()
		return nil, fmt.Errorf("source: %s: %w", path, err)
	}

	channels := int(d.NumChans)
	bitDepth := int(d.BitDepth)
	if channels <= 0 || bitDepth <= 0 || bitDepth > 32 {
		f.Close()
		return nil, fmt.Errorf("source: %s: bad format (%d channels, %d bits)", path, channels, bitDepth)
	}
	expected := int(d.PCMLen()) / (channels * bitDepth / 8)

	id := fmt.Sprintf("%s#%s", filepath.Base(path), uuid.NewString()[:8])
	ctx, cancel := context.WithCancel(context.Background())
	w := &WAVFile{
		Buffer:   NewBuffer(id, int(d.SampleRate), channels, expected),
		path:     path,
		file:     f,
		decoder:  d,
		bitDepth: bitDepth,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	l := log.Component("source")
	l.Info().
		Str("path", path).
		Str("id", id).
		Int("sample_rate", w.SampleRate()).
		Int("channels", channels).
		Int("bit_depth", bitDepth).
		Int("frames", expected).
		Msg("decoding WAV")

	go w.decode(ctx)
	return w, nil
}

// Path returns the file being decoded.
func (w *WAVFile) Path() string { return w.path }

// Err returns the decode error, if decoding failed.
func (w *WAVFile) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Wait blocks until decoding finishes or ctx is done.
func (w *WAVFile) Wait(ctx context.Context) error {
	select {
	case <-w.done:
		return w.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops decoding and releases the file. Frames decoded so far stay
// readable.
func (w *WAVFile) Close() error {
	w.cancel()
	<-w.done
	return w.file.Close()
}

func (w *WAVFile) decode(ctx context.Context) {
	defer close(w.done)
	defer w.MarkComplete()

	channels := w.ChannelCount()
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: w.SampleRate()},
		Data:           make([]int, decodeChunkFrames*channels),
		SourceBitDepth: w.bitDepth,
	}
	samples := make([]float32, len(buf.Data))

	scale := float32(1) / float32(int64(1)<<(w.bitDepth-1))
	offset := 0
	if w.bitDepth == 8 {
		offset = 128 // 8-bit WAV is unsigned
	}

	for {
		if ctx.Err() != nil {
			return
		}
		n, err := w.decoder.PCMBuffer(buf)
		if err != nil && !errors.Is(err, io.EOF) {
			w.mu.Lock()
			w.err = fmt.Errorf("source: decode %s: %w", w.path, err)
			w.mu.Unlock()
			l := log.Component("source")
			l.Error().Err(err).Str("path", w.path).Msg("WAV decode failed")
			return
		}
		if n == 0 {
			return
		}
		for i, v := range buf.Data[:n] {
			samples[i] = float32(v-offset) * scale
		}
		w.Append(samples[:n])
	}
}
