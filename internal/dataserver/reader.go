// SPDX-License-Identifier: MIT
package dataserver

import (
	"sync"

	"fftserver/internal/cache"
	"fftserver/internal/metrics"
)

// ReadContext is a consumer's handle for reading a server. It owns one
// file reader per file-backed block it touches, so goroutines reading
// through separate contexts never share a file position. A ReadContext is
// meant for one goroutine at a time.
//
// Reads never fail loudly: a column that is not written, out of range or
// unreadable reports false from IsColumnReady and zeros from accessors.
type ReadContext struct {
	s *Server

	mu      sync.Mutex
	readers []*cache.FileReader
	failed  []bool // blocks whose reader could not be opened
	closed  bool
}

// AcquireReader returns a new read context. Close it when done; the
// server closes any still open when it is destroyed.
func (s *Server) AcquireReader() *ReadContext {
	rc := &ReadContext{
		s:       s,
		readers: make([]*cache.FileReader, len(s.blocks)),
		failed:  make([]bool, len(s.blocks)),
	}
	s.readersMu.Lock()
	if s.closed.Load() {
		rc.closed = true
	} else {
		s.contexts[rc] = struct{}{}
	}
	s.readersMu.Unlock()
	return rc
}

// Server returns the server the context reads.
func (rc *ReadContext) Server() *Server { return rc.s }

// Close releases the context's file readers.
func (rc *ReadContext) Close() {
	rc.closeReaders()
	rc.s.readersMu.Lock()
	delete(rc.s.contexts, rc)
	rc.s.readersMu.Unlock()
}

func (rc *ReadContext) closeReaders() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	for i, r := range rc.readers {
		if r != nil {
			r.Close()
			rc.readers[i] = nil
		}
	}
	rc.closed = true
}

// borrow takes an idle context or makes a new one.
func (s *Server) borrow() *ReadContext {
	s.readersMu.Lock()
	if n := len(s.idle); n > 0 {
		rc := s.idle[n-1]
		s.idle = s.idle[:n-1]
		s.readersMu.Unlock()
		return rc
	}
	s.readersMu.Unlock()
	return s.AcquireReader()
}

// giveBack returns a borrowed context, closing it if enough are idle.
func (s *Server) giveBack(rc *ReadContext) {
	s.readersMu.Lock()
	if !s.closed.Load() && len(s.idle) < maxIdleReaders {
		s.idle = append(s.idle, rc)
		s.readersMu.Unlock()
		return
	}
	s.readersMu.Unlock()
	rc.Close()
}

// columnReader returns the reader for column x and its in-block offset.
// Called with rc.mu held.
func (rc *ReadContext) columnReader(x int) (cache.ColumnReader, int, bool) {
	s := rc.s
	if rc.closed || s.closed.Load() || x < 0 || x >= s.width {
		return nil, 0, false
	}
	bi, col := s.locate(x)
	b, err := s.block(bi)
	if err != nil {
		return nil, 0, false
	}
	if b.inMemory() {
		return b.memory, col, true
	}

	if r := rc.readers[bi]; r != nil {
		return r, col, true
	}
	if rc.failed[bi] {
		return nil, 0, false
	}
	r, err := cache.OpenFileReader(b.path(), s.storageType, b.width, s.height)
	if err != nil {
		rc.failed[bi] = true
		metrics.ReadErrors.Inc()
		s.log.Error().Err(err).Int("block", bi).Msg(ErrReaderUnavailable.Error())
		return nil, 0, false
	}
	rc.readers[bi] = r
	return r, col, true
}

// ready returns the reader for column x if the column has been written.
// Reading an unwritten column wakes a suspended fill. Called with rc.mu
// held.
func (rc *ReadContext) ready(x int) (cache.ColumnReader, int, bool) {
	r, col, ok := rc.columnReader(x)
	if !ok {
		return nil, 0, false
	}
	if !r.HaveSetColumnAt(col) {
		rc.checkErr(r)
		if x >= rc.s.FillExtent() {
			rc.s.fill.resume()
		}
		return nil, 0, false
	}
	metrics.RecordColumnRead(isMemory(r))
	return r, col, true
}

func isMemory(r cache.ColumnReader) bool {
	_, ok := r.(*cache.MemoryCache)
	return ok
}

// checkErr counts a file read failure absorbed as "not ready".
func (rc *ReadContext) checkErr(r cache.ColumnReader) bool {
	fr, ok := r.(*cache.FileReader)
	if !ok {
		return false
	}
	if fr.Err() != nil {
		metrics.ReadErrors.Inc()
		return true
	}
	return false
}

func (rc *ReadContext) inBin(y int) bool { return y >= 0 && y < rc.s.height }

// IsColumnReady reports whether column x has been written.
func (rc *ReadContext) IsColumnReady(x int) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	_, _, ok := rc.ready(x)
	return ok
}

func (rc *ReadContext) MagnitudeAt(x, y int) float32 {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	r, col, ok := rc.ready(x)
	if !ok || !rc.inBin(y) {
		return 0
	}
	v := r.MagnitudeAt(col, y)
	if rc.checkErr(r) {
		return 0
	}
	return v
}

func (rc *ReadContext) NormalizedMagnitudeAt(x, y int) float32 {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	r, col, ok := rc.ready(x)
	if !ok || !rc.inBin(y) {
		return 0
	}
	v := r.NormalizedMagnitudeAt(col, y)
	if rc.checkErr(r) {
		return 0
	}
	return v
}

func (rc *ReadContext) MaximumMagnitudeAt(x int) float32 {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	r, col, ok := rc.ready(x)
	if !ok {
		return 0
	}
	v := r.MaximumMagnitudeAt(col)
	if rc.checkErr(r) {
		return 0
	}
	return v
}

func (rc *ReadContext) PhaseAt(x, y int) float32 {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	r, col, ok := rc.ready(x)
	if !ok || !rc.inBin(y) {
		return 0
	}
	v := r.PhaseAt(col, y)
	if rc.checkErr(r) {
		return 0
	}
	return v
}

func (rc *ReadContext) ValuesAt(x, y int) (re, im float32) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	r, col, ok := rc.ready(x)
	if !ok || !rc.inBin(y) {
		return 0, 0
	}
	re, im = r.ValuesAt(col, y)
	if rc.checkErr(r) {
		return 0, 0
	}
	return re, im
}

// MagnitudesAt fills out with bins [minBin, minBin+len(out)) of column x,
// clipped to the column height. It reports false if the column is not
// ready, in which case out is zeroed.
func (rc *ReadContext) MagnitudesAt(x, minBin int, out []float32) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	r, col, ok := rc.ready(x)
	ok = ok && r.MagnitudesAt(col, minBin, out) && !rc.checkErr(r)
	if !ok {
		clear(out)
	}
	return ok
}

// NormalizedMagnitudesAt is MagnitudesAt for normalized magnitudes.
func (rc *ReadContext) NormalizedMagnitudesAt(x, minBin int, out []float32) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	r, col, ok := rc.ready(x)
	ok = ok && r.NormalizedMagnitudesAt(col, minBin, out) && !rc.checkErr(r)
	if !ok {
		clear(out)
	}
	return ok
}

// PhasesAt is MagnitudesAt for phases.
func (rc *ReadContext) PhasesAt(x, minBin int, out []float32) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	r, col, ok := rc.ready(x)
	ok = ok && r.PhasesAt(col, minBin, out) && !rc.checkErr(r)
	if !ok {
		clear(out)
	}
	return ok
}

// ValuesRangeAt is MagnitudesAt for real and imaginary parts.
func (rc *ReadContext) ValuesRangeAt(x, minBin int, re, im []float32) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	r, col, ok := rc.ready(x)
	ok = ok && r.ValuesRangeAt(col, minBin, re, im) && !rc.checkErr(r)
	if !ok {
		clear(re)
		clear(im)
	}
	return ok
}

// Server accessors borrow a pooled context for each call.

func (s *Server) IsColumnReady(x int) bool {
	rc := s.borrow()
	defer s.giveBack(rc)
	return rc.IsColumnReady(x)
}

func (s *Server) MagnitudeAt(x, y int) float32 {
	rc := s.borrow()
	defer s.giveBack(rc)
	return rc.MagnitudeAt(x, y)
}

func (s *Server) NormalizedMagnitudeAt(x, y int) float32 {
	rc := s.borrow()
	defer s.giveBack(rc)
	return rc.NormalizedMagnitudeAt(x, y)
}

func (s *Server) MaximumMagnitudeAt(x int) float32 {
	rc := s.borrow()
	defer s.giveBack(rc)
	return rc.MaximumMagnitudeAt(x)
}

func (s *Server) PhaseAt(x, y int) float32 {
	rc := s.borrow()
	defer s.giveBack(rc)
	return rc.PhaseAt(x, y)
}

func (s *Server) ValuesAt(x, y int) (re, im float32) {
	rc := s.borrow()
	defer s.giveBack(rc)
	return rc.ValuesAt(x, y)
}

func (s *Server) MagnitudesAt(x, minBin int, out []float32) bool {
	rc := s.borrow()
	defer s.giveBack(rc)
	return rc.MagnitudesAt(x, minBin, out)
}

func (s *Server) NormalizedMagnitudesAt(x, minBin int, out []float32) bool {
	rc := s.borrow()
	defer s.giveBack(rc)
	return rc.NormalizedMagnitudesAt(x, minBin, out)
}

func (s *Server) PhasesAt(x, minBin int, out []float32) bool {
	rc := s.borrow()
	defer s.giveBack(rc)
	return rc.PhasesAt(x, minBin, out)
}

func (s *Server) ValuesRangeAt(x, minBin int, re, im []float32) bool {
	rc := s.borrow()
	defer s.giveBack(rc)
	return rc.ValuesRangeAt(x, minBin, re, im)
}
