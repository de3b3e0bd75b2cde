// SPDX-License-Identifier: MIT
package cache

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"fftserver/internal/log"
)

var (
	flagUnset = []byte{0}
	flagSet   = []byte{1}
)

// FileWriter is the single writer of a cache file. Readers open the same
// path with OpenFileReader and consult the per-record flag bytes; in-process
// callers can ask the writer's bitmap instead.
type FileWriter struct {
	mu        sync.Mutex
	path      string
	layout    Layout
	file      *os.File
	set       *ColumnBitmap
	autoClose bool

	col    column
	record []byte
}

var _ ColumnWriter = (*FileWriter)(nil)

// CreateFileWriter creates path (truncating any existing file), extends it
// to its full size and writes the header. When autoClose is set the file
// handle is closed as soon as every column has been written.
func CreateFileWriter(path string, t StorageType, width, height int, autoClose bool) (*FileWriter, error) {
	layout, err := NewLayout(t, width, height)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("cache: create %s: %w", path, err)
	}

	// Extend by writing the last byte so every record starts out unset.
	if _, err := f.Seek(layout.FileSize()-1, io.SeekStart); err == nil {
		_, err = f.Write(flagUnset)
	}
	if err == nil {
		_, err = f.Seek(0, io.SeekStart)
	}
	if err == nil {
		_, err = f.Write(layout.header())
	}
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("cache: initialise %s: %w", path, err)
	}

	l := log.Component("cache")
	l.Debug().
		Str("path", path).
		Stringer("type", t).
		Int("width", width).
		Int("height", height).
		Int64("bytes", layout.FileSize()).
		Msg("created cache file")

	return &FileWriter{
		path:      path,
		layout:    layout,
		file:      f,
		set:       NewColumnBitmap(width),
		autoClose: autoClose,
		col:       newColumn(layout.f, height),
		record:    make([]byte, layout.PayloadSize()),
	}, nil
}

// Path returns the file path readers should open.
func (w *FileWriter) Path() string { return w.path }

// Layout returns the file geometry.
func (w *FileWriter) Layout() Layout { return w.layout }

// SetColumnCount returns the number of columns written so far.
func (w *FileWriter) SetColumnCount() int { return w.set.Count() }

func (w *FileWriter) HaveSetColumnAt(x int) bool { return w.set.IsSet(x) }

// SetColumnPolar encodes and writes column x.
func (w *FileWriter) SetColumnPolar(x int, mag, phase []float32, factor float32) error {
	if err := w.check(x, len(mag), len(phase)); err != nil {
		return err
	}
	if w.set.IsSet(x) {
		return nil // already written; rewriting would briefly clear the flag
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.layout.f.setPolar(&w.col, mag, phase, factor)
	return w.writeColumn(x)
}

// SetColumnRectangular encodes and writes column x.
func (w *FileWriter) SetColumnRectangular(x int, re, im []float32) error {
	if err := w.check(x, len(re), len(im)); err != nil {
		return err
	}
	if w.set.IsSet(x) {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.layout.f.setRectangular(&w.col, re, im)
	return w.writeColumn(x)
}

func (w *FileWriter) check(x, n1, n2 int) error {
	if x < 0 || x >= w.layout.Width {
		return fmt.Errorf("%w: %d of %d", ErrColumnOutOfRange, x, w.layout.Width)
	}
	if n1 < w.layout.Height || n2 < w.layout.Height {
		return fmt.Errorf("%w: got %d/%d, need %d", ErrHeightMismatch, n1, n2, w.layout.Height)
	}
	return nil
}

// writeColumn clears the flag, writes the payload and then sets the flag,
// so a reader never sees a set flag in front of a partial payload.
func (w *FileWriter) writeColumn(x int) error {
	if w.file == nil {
		return ErrWriterClosed
	}
	w.layout.f.marshal(w.record, &w.col)

	off := w.layout.ColumnOffset(x)
	if _, err := w.file.WriteAt(flagUnset, off); err != nil {
		return fmt.Errorf("cache: write column %d: %w", x, err)
	}
	if _, err := w.file.WriteAt(w.record, off+1); err != nil {
		return fmt.Errorf("cache: write column %d: %w", x, err)
	}
	if _, err := w.file.WriteAt(flagSet, off); err != nil {
		return fmt.Errorf("cache: write column %d: %w", x, err)
	}
	w.set.Set(x)

	if w.autoClose && w.set.Full() {
		l := log.Component("cache")
		l.Debug().Str("path", w.path).Msg("cache file complete, closing writer")
		return w.closeLocked()
	}
	return nil
}

// Close releases the file handle. The file itself stays on disk.
func (w *FileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *FileWriter) closeLocked() error {
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	if err != nil && !errors.Is(err, os.ErrClosed) {
		return fmt.Errorf("cache: close %s: %w", w.path, err)
	}
	return nil
}

// Closed reports whether the writer has released its handle.
func (w *FileWriter) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file == nil
}
