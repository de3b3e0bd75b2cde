// SPDX-License-Identifier: MIT
package cache

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"fftserver/internal/log"
)

// lookaheadColumns is how many consecutive records one read fetches.
const lookaheadColumns = 2

type bufferedColumn struct {
	x     int // -1 when empty
	valid bool
	col   column
}

// FileReader reads a cache file through its own handle. It is not safe for
// concurrent use; each reading goroutine opens its own.
//
// Read failures never panic or propagate: the affected column reads as
// zero, HaveSetColumnAt reports false and the error is kept until Err.
type FileReader struct {
	path   string
	layout Layout
	file   *os.File
	log    zerolog.Logger

	// readyColumn is a column whose flag was seen set by HaveSetColumnAt
	// but whose payload has not been read yet.
	readyColumn int

	raw  []byte
	bufs [lookaheadColumns]bufferedColumn
	zero column

	reads int
	err   error
}

var _ ColumnReader = (*FileReader)(nil)

// OpenFileReader opens path read-only and checks its header against the
// expected geometry.
func OpenFileReader(path string, t StorageType, width, height int) (*FileReader, error) {
	layout, err := NewLayout(t, width, height)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cache: open %s: %w", path, err)
	}

	header := make([]byte, headerSize)
	if _, err := f.ReadAt(header, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("cache: read header of %s: %w", path, err)
	}
	if err := layout.checkHeader(header); err != nil {
		f.Close()
		return nil, err
	}

	r := &FileReader{
		path:        path,
		layout:      layout,
		file:        f,
		log:         log.Component("cache"),
		readyColumn: -1,
		raw:         make([]byte, lookaheadColumns*layout.RecordSize()),
		zero:        newColumn(layout.f, height),
	}
	for i := range r.bufs {
		r.bufs[i] = bufferedColumn{x: -1, col: newColumn(layout.f, height)}
	}
	return r, nil
}

func (r *FileReader) StorageType() StorageType { return r.layout.Type }
func (r *FileReader) Width() int               { return r.layout.Width }
func (r *FileReader) Height() int              { return r.layout.Height }

// Err returns and clears the most recent read failure.
func (r *FileReader) Err() error {
	err := r.err
	r.err = nil
	return err
}

// Reads returns the number of read syscalls issued for column data.
func (r *FileReader) Reads() int { return r.reads }

// Close releases the file handle.
func (r *FileReader) Close() error {
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

func (r *FileReader) buffered(x int) *column {
	for i := range r.bufs {
		if r.bufs[i].valid && r.bufs[i].x == x {
			return &r.bufs[i].col
		}
	}
	return nil
}

// HaveSetColumnAt checks the buffer first and otherwise reads the single
// flag byte of column x.
func (r *FileReader) HaveSetColumnAt(x int) bool {
	if x < 0 || x >= r.layout.Width || r.file == nil {
		return false
	}
	if x == r.readyColumn || r.buffered(x) != nil {
		return true
	}

	var flag [1]byte
	r.reads++
	if _, err := r.file.ReadAt(flag[:], r.layout.ColumnOffset(x)); err != nil {
		r.fail(x, err)
		return false
	}
	if flag[0] != 1 {
		return false
	}
	r.readyColumn = x
	return true
}

// getColumn returns column x, reading it and the following record in one
// call when it is not buffered. It returns the zero column if x is unset or
// the read fails.
func (r *FileReader) getColumn(x int) *column {
	if c := r.buffered(x); c != nil {
		return c
	}
	if x < 0 || x >= r.layout.Width || r.file == nil {
		return &r.zero
	}
	if c := r.populateReadBuf(x); c != nil {
		return c
	}
	return &r.zero
}

func (r *FileReader) populateReadBuf(x int) *column {
	recSize := r.layout.RecordSize()
	n := min(lookaheadColumns, r.layout.Width-x)
	raw := r.raw[:n*recSize]
	off := r.layout.ColumnOffset(x)

	// The flag of a ready column is already known to be set, so skip it.
	flagKnown := x == r.readyColumn
	r.readyColumn = -1
	r.reads++
	var err error
	if flagKnown {
		_, err = r.file.ReadAt(raw[1:], off+1)
		raw[0] = 1
	} else {
		_, err = r.file.ReadAt(raw, off)
	}

	for i := range r.bufs {
		r.bufs[i].valid = false
	}
	if err != nil {
		clear(raw)
		r.fail(x, err)
		return nil
	}

	for i := range n {
		rec := raw[i*recSize : (i+1)*recSize]
		b := &r.bufs[i]
		b.x = x + i
		if rec[0] != 1 {
			continue
		}
		r.layout.f.unmarshal(rec[1:], &b.col)
		b.valid = true
	}
	if !r.bufs[0].valid {
		r.log.Warn().Str("path", r.path).Int("column", x).Msg("column read before it was written")
		return nil
	}
	return &r.bufs[0].col
}

func (r *FileReader) fail(x int, err error) {
	r.err = fmt.Errorf("cache: read column %d of %s: %w", x, r.path, err)
	r.log.Error().Err(err).Str("path", r.path).Int("column", x).Msg("cache read failed")
}

func (r *FileReader) MagnitudeAt(x, y int) float32 {
	return r.layout.f.magnitude(r.getColumn(x), y)
}

func (r *FileReader) NormalizedMagnitudeAt(x, y int) float32 {
	return r.layout.f.normalizedMagnitude(r.getColumn(x), y)
}

func (r *FileReader) MaximumMagnitudeAt(x int) float32 {
	return r.getColumn(x).factor
}

func (r *FileReader) PhaseAt(x, y int) float32 {
	return r.layout.f.phase(r.getColumn(x), y)
}

func (r *FileReader) ValuesAt(x, y int) (re, im float32) {
	return r.layout.f.values(r.getColumn(x), y)
}

func (r *FileReader) MagnitudesAt(x, minBin int, out []float32) bool {
	c := r.getColumn(x)
	return c != &r.zero && fillMagnitudes(r.layout.f, c, minBin, out)
}

func (r *FileReader) NormalizedMagnitudesAt(x, minBin int, out []float32) bool {
	c := r.getColumn(x)
	return c != &r.zero && fillNormalized(r.layout.f, c, minBin, out)
}

func (r *FileReader) PhasesAt(x, minBin int, out []float32) bool {
	c := r.getColumn(x)
	return c != &r.zero && fillPhases(r.layout.f, c, minBin, out)
}

func (r *FileReader) ValuesRangeAt(x, minBin int, re, im []float32) bool {
	c := r.getColumn(x)
	return c != &r.zero && fillValues(r.layout.f, c, minBin, re, im)
}
