// SPDX-License-Identifier: MIT
package dataserver

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fftserver/internal/cache"
	"fftserver/internal/fft"
	"fftserver/internal/log"
	"fftserver/internal/metrics"
	"fftserver/internal/source"
	"fftserver/internal/storage"
	"fftserver/pkg/bitint"
)

// maxIdleReaders bounds the read contexts a server keeps for its own
// accessor methods.
const maxIdleReaders = 8

// Options configures server storage. The zero value is usable: scratch
// files go to os.TempDir and blocks are 1024 columns wide.
type Options struct {
	ScratchDir      string
	BlockWidthPower uint
	AutoClose       bool
	// Advisor chooses the placement. Nil probes the system for every
	// server.
	Advisor *storage.Advisor
}

func (o Options) withDefaults() Options {
	if o.ScratchDir == "" {
		o.ScratchDir = os.TempDir()
	}
	if o.BlockWidthPower == 0 {
		o.BlockWidthPower = 10
	}
	if o.Advisor == nil {
		o.Advisor = storage.NewAdvisor(storage.SystemEnvironment{}, storage.Budget{}, o.ScratchDir)
	}
	return o
}

// Server computes and caches one transform of one model. Construct it
// through a Registry to share it, or with NewServer for private use.
type Server struct {
	id    string
	key   Key
	cfg   Config
	model source.Model
	opts  Options
	dir   string
	log   zerolog.Logger

	width, height int
	storageType   cache.StorageType
	useMemory     atomic.Bool

	blockPower uint
	blockMask  int

	// blocksMu guards the slice; createMu serialises block construction.
	blocksMu sync.RWMutex
	blocks   []*cacheBlock
	createMu sync.Mutex

	readersMu sync.Mutex
	idle      []*ReadContext
	contexts  map[*ReadContext]struct{}

	reservedMem, reservedDisk uint64

	fill   *filler
	closed atomic.Bool
}

// NewServer validates cfg, chooses storage, creates the first cache block
// and starts filling. Errors wrap ErrInvalidConfiguration or
// ErrStorageAllocation.
func NewServer(model source.Model, cfg Config, opts Options) (*Server, error) {
	if err := cfg.Validate(model); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	analyzer, err := fft.NewAnalyzer(cfg.Kernel, cfg.Window, cfg.WindowSize, cfg.FFTSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}

	id := uuid.NewString()
	s := &Server{
		id:       id,
		key:      KeyFor(model, cfg),
		cfg:      cfg,
		model:    model,
		opts:     opts,
		dir:      filepath.Join(opts.ScratchDir, "fftserver-"+id),
		log:      log.Component("dataserver").With().Str("server", id).Logger(),
		width:    columnCount(model.TotalFrames(), cfg.WindowSize, cfg.Increment),
		height:   cfg.FFTSize/2 + 1,
		contexts: make(map[*ReadContext]struct{}),
	}

	s.blockPower = opts.BlockWidthPower
	s.blockMask = bitint.Mask(s.blockPower)
	s.blocks = make([]*cacheBlock, (s.width+s.blockMask)>>s.blockPower)

	rec := opts.Advisor.Recommend(s.width, s.height, 1, cfg.Criteria)
	metrics.RecordRecommendation(rec.Placement())
	switch {
	case rec.UseCompact:
		s.storageType = cache.Compact
	case cfg.Polar:
		s.storageType = cache.Polar
	default:
		s.storageType = cache.Rectangular
	}
	s.useMemory.Store(rec.UseMemory)
	s.reserve()

	// Create the first block now so allocation failure reaches the caller.
	if _, err := s.block(0); err != nil {
		s.unreserve()
		os.RemoveAll(s.dir)
		return nil, err
	}

	s.fill = newFiller(s, analyzer)
	s.fill.start()
	metrics.ActiveServers.Inc()

	s.log.Info().
		Str("key", s.key.String()).
		Int("width", s.width).
		Int("height", s.height).
		Stringer("storage", s.storageType).
		Str("placement", rec.Placement()).
		Msg("server created")
	return s, nil
}

func (s *Server) ID() string                     { return s.id }
func (s *Server) Key() Key                       { return s.key }
func (s *Server) Config() Config                 { return s.cfg }
func (s *Server) Model() source.Model            { return s.model }
func (s *Server) Width() int                     { return s.width }
func (s *Server) Height() int                    { return s.height }
func (s *Server) StorageType() cache.StorageType { return s.storageType }

// InMemory reports whether new blocks are created in memory.
func (s *Server) InMemory() bool { return s.useMemory.Load() }

// Closed reports whether the server has been destroyed.
func (s *Server) Closed() bool { return s.closed.Load() }

func (s *Server) footprint() uint64 {
	full, compact := storage.Footprint(s.width, s.height, 1)
	if s.storageType == cache.Compact {
		return compact
	}
	return full
}

func (s *Server) reserve() {
	if s.useMemory.Load() {
		s.reservedMem = s.footprint()
	} else {
		s.reservedDisk = s.footprint()
	}
	s.opts.Advisor.Reserve(s.reservedMem, s.reservedDisk)
}

func (s *Server) unreserve() {
	s.opts.Advisor.Unreserve(s.reservedMem, s.reservedDisk)
	s.reservedMem, s.reservedDisk = 0, 0
}

// blockWidthAt is the column count of block i; the last block may be
// narrower than the rest.
func (s *Server) blockWidthAt(i int) int {
	return min(1<<s.blockPower, s.width-i<<s.blockPower)
}

// block returns block i, creating it if needed. Concurrent first touches
// collapse into one creation.
func (s *Server) block(i int) (*cacheBlock, error) {
	s.blocksMu.RLock()
	b := s.blocks[i]
	s.blocksMu.RUnlock()
	if b != nil {
		return b, nil
	}

	s.createMu.Lock()
	defer s.createMu.Unlock()

	s.blocksMu.RLock()
	b = s.blocks[i]
	s.blocksMu.RUnlock()
	if b != nil {
		return b, nil
	}
	if s.closed.Load() {
		return nil, ErrServerClosed
	}

	b, err := s.createBlock(i)
	if err != nil {
		return nil, err
	}
	s.blocksMu.Lock()
	s.blocks[i] = b
	s.blocksMu.Unlock()
	return b, nil
}

// createBlock builds block i. A memory allocation failure switches the
// server to file storage once. Called with createMu held.
func (s *Server) createBlock(i int) (*cacheBlock, error) {
	w := s.blockWidthAt(i)

	if s.useMemory.Load() {
		b, err := newMemoryBlock(i, s.storageType, w, s.height)
		if err == nil {
			metrics.RecordBlockCreated(true)
			return b, nil
		}
		s.log.Warn().Err(err).Int("block", i).Msg("memory block allocation failed, falling back to file storage")
		s.useMemory.Store(false)
		s.opts.Advisor.Unreserve(s.reservedMem, 0)
		s.reservedMem, s.reservedDisk = 0, s.footprint()
		s.opts.Advisor.Reserve(0, s.reservedDisk)
	}

	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: scratch directory: %v", ErrStorageAllocation, err)
	}
	path := filepath.Join(s.dir, fmt.Sprintf("%s.%d.cache", s.key.FileBase(), i))
	b, err := newFileBlock(i, path, s.storageType, w, s.height, s.opts.AutoClose)
	if err != nil {
		return nil, fmt.Errorf("%w: block %d: %v", ErrStorageAllocation, i, err)
	}
	metrics.RecordBlockCreated(false)
	return b, nil
}

// existingBlock returns block i without creating it.
func (s *Server) existingBlock(i int) *cacheBlock {
	s.blocksMu.RLock()
	defer s.blocksMu.RUnlock()
	return s.blocks[i]
}

// locate splits x into block index and in-block column.
func (s *Server) locate(x int) (block, col int) {
	return x >> s.blockPower, x & s.blockMask
}

// FillCompletion is the fill progress as a percentage. It never decreases
// and is 100 exactly when every column has been written.
func (s *Server) FillCompletion() int { return s.fill.completionPercent() }

// FillExtent is the number of leading columns written so far.
func (s *Server) FillExtent() int { return s.fill.extent() }

// FillError returns the error that stopped the fill, if any.
func (s *Server) FillError() error { return s.fill.error() }

// Complete reports whether every column has been written.
func (s *Server) Complete() bool { return s.fill.extent() == s.width }

// Suspend pauses filling between columns.
func (s *Server) Suspend() { s.fill.suspend() }

// SuspendWrites pauses filling only when the server stores to files,
// where the fill competes with readers for I/O.
func (s *Server) SuspendWrites() {
	if !s.InMemory() {
		s.fill.suspend()
	}
}

// Resume continues a suspended fill.
func (s *Server) Resume() { s.fill.resume() }

// Suspended reports whether the fill is paused.
func (s *Server) Suspended() bool { return s.fill.isSuspended() }

// Close stops the fill, closes every read context and removes the cache
// files. The server is unusable afterwards.
func (s *Server) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.fill.stop()

	s.readersMu.Lock()
	contexts := make([]*ReadContext, 0, len(s.contexts))
	for rc := range s.contexts {
		contexts = append(contexts, rc)
	}
	s.contexts = make(map[*ReadContext]struct{})
	s.idle = nil
	s.readersMu.Unlock()
	for _, rc := range contexts {
		rc.closeReaders()
	}

	s.createMu.Lock()
	s.blocksMu.Lock()
	var errs []error
	for i, b := range s.blocks {
		if b == nil {
			continue
		}
		if err := b.destroy(); err != nil {
			errs = append(errs, err)
		}
		s.blocks[i] = nil
	}
	s.blocksMu.Unlock()
	s.createMu.Unlock()

	if err := os.RemoveAll(s.dir); err != nil {
		errs = append(errs, err)
	}
	s.unreserve()
	metrics.ActiveServers.Dec()

	s.log.Info().Int("extent", s.FillExtent()).Msg("server destroyed")
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
	return nil
}

// Info is a point-in-time summary of a server.
type Info struct {
	ID         string `json:"id"`
	Key        string `json:"key"`
	Model      string `json:"model"`
	SampleRate int    `json:"sample_rate"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	WindowSize int    `json:"window_size"`
	Increment  int    `json:"increment"`
	FFTSize    int    `json:"fft_size"`
	Storage    string `json:"storage"`
	InMemory   bool   `json:"in_memory"`
	Blocks     int    `json:"blocks"`
	Completion int    `json:"completion"`
	Extent     int    `json:"extent"`
	Suspended  bool   `json:"suspended"`
	Error      string `json:"error,omitempty"`
}

// Info returns a summary of the server's state.
func (s *Server) Info() Info {
	info := Info{
		ID:         s.id,
		Key:        s.key.String(),
		Model:      s.key.ModelID,
		SampleRate: s.model.SampleRate(),
		Width:      s.width,
		Height:     s.height,
		WindowSize: s.cfg.WindowSize,
		Increment:  s.cfg.Increment,
		FFTSize:    s.cfg.FFTSize,
		Storage:    s.storageType.String(),
		InMemory:   s.InMemory(),
		Blocks:     len(s.blocks),
		Completion: s.FillCompletion(),
		Extent:     s.FillExtent(),
		Suspended:  s.Suspended(),
	}
	if err := s.FillError(); err != nil {
		info.Error = err.Error()
	}
	return info
}
