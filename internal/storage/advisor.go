// SPDX-License-Identifier: MIT

// Package storage decides where a spectral cache should live. The advisor
// compares the full-precision and compact footprints of a cache against the
// memory and scratch-disk budgets and recommends a placement. It never
// allocates anything itself; callers must still handle allocation failures.
package storage

import (
	"fmt"
	"strings"
	"sync"

	applog "fftserver/internal/log"
)

// Criteria expresses what the caller would like to economise on.
type Criteria int

const (
	NoCriteria Criteria = iota
	MinimiseMemory
	MinimiseDisk
	ConserveSpace
)

func (c Criteria) String() string {
	switch c {
	case NoCriteria:
		return "none"
	case MinimiseMemory:
		return "minimise-memory"
	case MinimiseDisk:
		return "minimise-disk"
	case ConserveSpace:
		return "conserve-space"
	default:
		return fmt.Sprintf("criteria(%d)", int(c))
	}
}

// ParseCriteria converts a configuration string to Criteria.
func ParseCriteria(s string) (Criteria, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return NoCriteria, nil
	case "minimise-memory", "minimize-memory":
		return MinimiseMemory, nil
	case "minimise-disk", "minimize-disk":
		return MinimiseDisk, nil
	case "conserve-space":
		return ConserveSpace, nil
	default:
		return NoCriteria, fmt.Errorf("unknown storage criteria %q", s)
	}
}

// Recommendation is the advisor's placement decision.
type Recommendation struct {
	UseMemory  bool
	UseCompact bool
}

// Placement names the recommendation, e.g. "memory/compact".
func (r Recommendation) Placement() string {
	where, enc := "file", "full"
	if r.UseMemory {
		where = "memory"
	}
	if r.UseCompact {
		enc = "compact"
	}
	return where + "/" + enc
}

const (
	fullCellBytes    = 8 // two float32 values per bin
	compactCellBytes = 4 // two 16-bit values per bin
	columnOverhead   = 5 // float32 normalization factor + set flag byte

	// Full precision is only preferred when it uses at most this share of
	// the remaining budget. Compact only has to fit.
	comfortableShare = 2
)

// Footprint returns the full-precision and compact sizes in bytes of a
// width x height x channels spectral cache.
func Footprint(width, height, channels int) (full, compact uint64) {
	if width <= 0 || height <= 0 || channels <= 0 {
		return 0, 0
	}
	w, h, c := uint64(width), uint64(height), uint64(channels)
	overhead := w * c * columnOverhead
	return w*h*c*fullCellBytes + overhead, w*h*c*compactCellBytes + overhead
}

// Environment supplies the resource figures the advisor works against.
type Environment interface {
	AvailableMemory() (uint64, error)
	AvailableDisk(path string) (uint64, error)
}

// Budget fixes the figures instead of probing; zero fields fall back to the
// environment.
type Budget struct {
	Memory uint64
	Disk   uint64
}

// Advisor recommends cache placements. Reservations made by live caches are
// subtracted from the available figures so that concurrent planners do not
// all claim the same headroom.
type Advisor struct {
	env        Environment
	budget     Budget
	scratchDir string

	mu           sync.Mutex
	reservedMem  uint64
	reservedDisk uint64
}

// NewAdvisor creates an advisor. env may be nil when budget has both
// fields set.
func NewAdvisor(env Environment, budget Budget, scratchDir string) *Advisor {
	return &Advisor{env: env, budget: budget, scratchDir: scratchDir}
}

// Recommend decides memory vs file and full vs compact for a cache of the
// given dimensions. When nothing plausibly fits it still answers
// file/compact.
func (a *Advisor) Recommend(width, height, channels int, criteria Criteria) Recommendation {
	full, compact := Footprint(width, height, channels)
	mem, disk := a.available()

	fullInMem := full <= mem/comfortableShare
	fullOnDisk := full <= disk/comfortableShare
	compactInMem := compact <= mem
	compactOnDisk := compact <= disk

	var rec Recommendation
	switch criteria {
	case ConserveSpace:
		rec = Recommendation{UseMemory: compactInMem, UseCompact: true}

	case MinimiseMemory:
		switch {
		case fullOnDisk:
			rec = Recommendation{UseMemory: false, UseCompact: false}
		case compactOnDisk:
			rec = Recommendation{UseMemory: false, UseCompact: true}
		case compactInMem:
			rec = Recommendation{UseMemory: true, UseCompact: true}
		default:
			rec = Recommendation{UseMemory: false, UseCompact: true}
		}

	default: // NoCriteria and MinimiseDisk both prefer memory.
		switch {
		case fullInMem:
			rec = Recommendation{UseMemory: true, UseCompact: false}
		case compactInMem:
			rec = Recommendation{UseMemory: true, UseCompact: true}
		case criteria == NoCriteria && fullOnDisk:
			rec = Recommendation{UseMemory: false, UseCompact: false}
		default:
			rec = Recommendation{UseMemory: false, UseCompact: true}
		}
	}

	applog.Debugf("StorageAdvisor: %dx%dx%d (%s) full=%d compact=%d mem=%d disk=%d -> %s",
		width, height, channels, criteria, full, compact, mem, disk, rec.Placement())
	return rec
}

// Reserve records a planned allocation against the budgets.
func (a *Advisor) Reserve(memBytes, diskBytes uint64) {
	a.mu.Lock()
	a.reservedMem += memBytes
	a.reservedDisk += diskBytes
	a.mu.Unlock()
}

// Unreserve releases a reservation made with Reserve.
func (a *Advisor) Unreserve(memBytes, diskBytes uint64) {
	a.mu.Lock()
	a.reservedMem -= min(memBytes, a.reservedMem)
	a.reservedDisk -= min(diskBytes, a.reservedDisk)
	a.mu.Unlock()
}

func (a *Advisor) available() (mem, disk uint64) {
	mem, disk = a.budget.Memory, a.budget.Disk
	if mem == 0 && a.env != nil {
		if m, err := a.env.AvailableMemory(); err == nil {
			mem = m
		} else {
			applog.Warnf("StorageAdvisor: cannot probe memory: %v", err)
		}
	}
	if disk == 0 && a.env != nil {
		if d, err := a.env.AvailableDisk(a.scratchDir); err == nil {
			disk = d
		} else {
			applog.Warnf("StorageAdvisor: cannot probe disk at %q: %v", a.scratchDir, err)
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return mem - min(a.reservedMem, mem), disk - min(a.reservedDisk, disk)
}
