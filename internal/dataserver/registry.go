// SPDX-License-Identifier: MIT
package dataserver

import (
	"errors"
	"slices"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"fftserver/internal/log"
	"fftserver/internal/metrics"
	"fftserver/internal/source"
	"fftserver/pkg/bitint"
)

// DefaultLimboSize is how many released servers a registry retains.
const DefaultLimboSize = 3

type entry struct {
	server  *Server
	refs    int
	inLimbo bool
}

// Registry shares servers between consumers by configuration key. Servers
// are reference counted; a released server waits in a bounded FIFO limbo,
// suspended, so a quick re-claim finds its cache intact.
//
// The registry lock is never held across server construction or
// destruction.
type Registry struct {
	opts      Options
	limboSize int
	log       zerolog.Logger

	mu      sync.Mutex
	entries map[Key]*entry
	limbo   []*entry // oldest first
	closed  bool

	group singleflight.Group
}

// NewRegistry returns an empty registry whose servers use opts. A
// limboSize of zero destroys servers as soon as they are released.
func NewRegistry(opts Options, limboSize int) *Registry {
	return &Registry{
		opts:      opts.withDefaults(),
		limboSize: max(limboSize, 0),
		log:       log.Component("registry"),
		entries:   make(map[Key]*entry),
	}
}

// GetInstance returns the server for cfg applied to model, constructing
// it on first use, and claims it. Concurrent misses on one key construct a
// single server.
func (r *Registry) GetInstance(model source.Model, cfg Config) (*Server, error) {
	if err := cfg.Validate(model); err != nil {
		return nil, err
	}
	key := KeyFor(model, cfg)

	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, ErrServerClosed
		}
		if e, ok := r.entries[key]; ok {
			r.claimLocked(e)
			r.mu.Unlock()
			return e.server, nil
		}
		r.mu.Unlock()

		v, err, _ := r.group.Do(key.String(), func() (any, error) {
			return r.construct(key, model, cfg)
		})
		if err != nil {
			return nil, err
		}
		s := v.(*Server)

		r.mu.Lock()
		e, ok := r.entries[key]
		if ok && e.server == s {
			r.claimLocked(e)
			r.mu.Unlock()
			return s, nil
		}
		// Evicted before it could be claimed; start over.
		r.mu.Unlock()
	}
}

func (r *Registry) construct(key Key, model source.Model, cfg Config) (*Server, error) {
	r.mu.Lock()
	if e, ok := r.entries[key]; ok {
		r.mu.Unlock()
		return e.server, nil
	}
	r.mu.Unlock()

	s, err := NewServer(model, cfg, r.opts)
	if err != nil {
		r.log.Error().Err(err).Str("key", key.String()).Msg("server construction failed")
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		s.Close()
		return nil, ErrServerClosed
	}
	r.entries[key] = &entry{server: s}
	r.mu.Unlock()
	return s, nil
}

// GetFuzzyInstance returns a view answering cfg. An existing server in
// the same family whose increment divides cfg's and whose FFT size is a
// multiple of cfg's is preferred, closest match first, ties going to the
// smaller increment and then the smaller FFT size; otherwise an exact
// server is constructed. The view's base server is claimed.
func (r *Registry) GetFuzzyInstance(model source.Model, cfg Config) (View, error) {
	if err := cfg.Validate(model); err != nil {
		return nil, err
	}
	want := KeyFor(model, cfg)

	r.mu.Lock()
	var best *entry
	var bestKey Key
	var bestShift uint
	for k, e := range r.entries {
		if !k.sameFamily(want) {
			continue
		}
		xs, okx := bitint.RatioShift(want.Increment, k.Increment)
		ys, oky := bitint.RatioShift(k.FFTSize, want.FFTSize)
		if !okx || !oky {
			continue
		}
		if best == nil || xs+ys < bestShift || (xs+ys == bestShift && k.finerThan(bestKey)) {
			best, bestKey, bestShift = e, k, xs+ys
		}
	}
	if best != nil {
		r.claimLocked(best)
	}
	r.mu.Unlock()

	if best == nil {
		return r.GetInstance(model, cfg)
	}
	if bestShift == 0 {
		return best.server, nil
	}
	f, err := NewFuzzy(best.server, cfg.Increment, cfg.FFTSize)
	if err != nil {
		r.Release(best.server)
		return nil, err
	}
	return f, nil
}

// Claim adds a reference to a view's server.
func (r *Registry) Claim(v View) error {
	s := baseOf(v)
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[s.key]
	if !ok || e.server != s {
		return ErrServerClosed
	}
	r.claimLocked(e)
	return nil
}

func (r *Registry) claimLocked(e *entry) {
	e.refs++
	if !e.inLimbo {
		return
	}
	e.inLimbo = false
	if i := slices.Index(r.limbo, e); i >= 0 {
		r.limbo = slices.Delete(r.limbo, i, i+1)
	}
	metrics.LimboServers.Set(float64(len(r.limbo)))
	e.server.Resume()
	r.log.Debug().Str("server", e.server.id).Msg("revived from limbo")
}

// Release drops a reference. A server with no references moves to limbo,
// pushing out the oldest resident if limbo is full.
func (r *Registry) Release(v View) {
	s := baseOf(v)
	r.mu.Lock()
	e, ok := r.entries[s.key]
	if !ok || e.server != s {
		r.mu.Unlock()
		return
	}
	if e.refs == 0 {
		r.mu.Unlock()
		r.log.Warn().Str("server", s.id).Msg("release of unclaimed server")
		return
	}
	e.refs--
	if e.refs > 0 {
		r.mu.Unlock()
		return
	}

	e.inLimbo = true
	r.limbo = append(r.limbo, e)
	s.Suspend()
	evicted := r.trimLocked(r.limboSize)
	r.mu.Unlock()

	r.destroy(evicted)
}

// PurgeLimbo destroys limbo residents, oldest first, until at most keep
// remain.
func (r *Registry) PurgeLimbo(keep int) {
	r.mu.Lock()
	evicted := r.trimLocked(keep)
	r.mu.Unlock()
	r.destroy(evicted)
}

func (r *Registry) trimLocked(keep int) []*Server {
	var evicted []*Server
	for len(r.limbo) > max(keep, 0) {
		e := r.limbo[0]
		r.limbo = r.limbo[1:]
		delete(r.entries, e.server.key)
		evicted = append(evicted, e.server)
	}
	metrics.LimboServers.Set(float64(len(r.limbo)))
	return evicted
}

// ModelAboutToBeDeleted destroys every server of the model, claimed or
// not. It returns how many were destroyed.
func (r *Registry) ModelAboutToBeDeleted(modelID string) int {
	r.mu.Lock()
	var doomed []*Server
	for k, e := range r.entries {
		if k.ModelID != modelID {
			continue
		}
		delete(r.entries, k)
		doomed = append(doomed, e.server)
	}
	r.limbo = slices.DeleteFunc(r.limbo, func(e *entry) bool {
		return e.server.key.ModelID == modelID
	})
	metrics.LimboServers.Set(float64(len(r.limbo)))
	r.mu.Unlock()

	if len(doomed) > 0 {
		r.log.Info().Str("model", modelID).Int("servers", len(doomed)).Msg("destroying servers of deleted model")
	}
	r.destroy(doomed)
	return len(doomed)
}

// Close destroys every server and refuses further requests.
func (r *Registry) Close() error {
	r.mu.Lock()
	r.closed = true
	all := make([]*Server, 0, len(r.entries))
	for _, e := range r.entries {
		all = append(all, e.server)
	}
	r.entries = make(map[Key]*entry)
	r.limbo = nil
	metrics.LimboServers.Set(0)
	r.mu.Unlock()
	return r.destroy(all)
}

func (r *Registry) destroy(servers []*Server) error {
	var errs []error
	for _, s := range servers {
		if err := s.Close(); err != nil {
			r.log.Error().Err(err).Str("server", s.id).Msg("server destruction failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Status is a server's Info plus its registry state.
type Status struct {
	Info
	Refs    int  `json:"refs"`
	InLimbo bool `json:"in_limbo"`
}

// List returns the status of every registered server ordered by key.
func (r *Registry) List() []Status {
	r.mu.Lock()
	entries := make([]entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, *e)
	}
	r.mu.Unlock()

	out := make([]Status, 0, len(entries))
	for _, e := range entries {
		out = append(out, Status{Info: e.server.Info(), Refs: e.refs, InLimbo: e.inLimbo})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Lookup finds a registered server by id.
func (r *Registry) Lookup(id string) (*Server, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.server.id == id {
			return e.server, true
		}
	}
	return nil, false
}

// Status returns the registry state of the server with id.
func (r *Registry) Status(id string) (Status, bool) {
	r.mu.Lock()
	var found entry
	ok := false
	for _, e := range r.entries {
		if e.server.id == id {
			found, ok = *e, true
			break
		}
	}
	r.mu.Unlock()
	if !ok {
		return Status{}, false
	}
	return Status{Info: found.server.Info(), Refs: found.refs, InLimbo: found.inLimbo}, true
}

func baseOf(v View) *Server {
	if f, ok := v.(*FuzzyServer); ok {
		return f.base
	}
	return v.(*Server)
}
