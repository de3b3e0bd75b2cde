// SPDX-License-Identifier: MIT

// Package supervisor runs the long-lived parts of the serve command (audio
// capture, the HTTP API and column publishers) under a suture tree so a
// failing service is restarted with backoff instead of taking the process
// down.
package supervisor

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"

	"fftserver/internal/log"
)

// TreeConfig holds the restart policy shared by every layer.
type TreeConfig struct {
	// FailureThreshold is the number of failures before entering backoff.
	FailureThreshold float64
	// FailureDecay is the rate at which failures decay in seconds.
	FailureDecay float64
	// FailureBackoff is the wait once the threshold is exceeded.
	FailureBackoff time.Duration
	// ShutdownTimeout bounds how long a service may take to stop.
	ShutdownTimeout time.Duration
}

// DefaultTreeConfig returns the production restart policy.
func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// Tree is a root supervisor with two layers. Sources produce audio and
// outputs serve what the data servers compute from it.
type Tree struct {
	root    *suture.Supervisor
	sources *suture.Supervisor
	outputs *suture.Supervisor
}

// NewTree builds the supervisor hierarchy. Zero fields of cfg take their
// defaults.
func NewTree(cfg TreeConfig) *Tree {
	def := DefaultTreeConfig()
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.FailureDecay == 0 {
		cfg.FailureDecay = def.FailureDecay
	}
	if cfg.FailureBackoff == 0 {
		cfg.FailureBackoff = def.FailureBackoff
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	childSpec := suture.Spec{
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	}
	rootSpec := childSpec
	rootSpec.EventHook = eventHook(log.Component("supervisor"))

	t := &Tree{
		root:    suture.New("fftserver", rootSpec),
		sources: suture.New("sources", childSpec),
		outputs: suture.New("outputs", childSpec),
	}
	t.root.Add(t.sources)
	t.root.Add(t.outputs)
	return t
}

// eventHook logs suture events; children inherit the root's hook.
func eventHook(l zerolog.Logger) suture.EventHook {
	return func(e suture.Event) {
		ev := l.Warn()
		if _, ok := e.(suture.EventResume); ok {
			ev = l.Info()
		}
		ev.Fields(e.Map()).Msg(e.String())
	}
}

// AddSource supervises a service producing audio.
func (t *Tree) AddSource(svc suture.Service) suture.ServiceToken {
	return t.sources.Add(svc)
}

// AddOutput supervises a service consuming data servers.
func (t *Tree) AddOutput(svc suture.Service) suture.ServiceToken {
	return t.outputs.Add(svc)
}

// Remove stops and removes a service added to either layer.
func (t *Tree) Remove(token suture.ServiceToken) error {
	if err := t.outputs.Remove(token); err == nil {
		return nil
	}
	return t.sources.Remove(token)
}

// Serve runs the tree until ctx is done.
func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

// ServeBackground runs the tree in a goroutine.
func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}

// UnstoppedServiceReport lists services that missed the shutdown timeout.
func (t *Tree) UnstoppedServiceReport() ([]suture.UnstoppedService, error) {
	return t.root.UnstoppedServiceReport()
}
