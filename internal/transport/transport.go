// SPDX-License-Identifier: MIT

// Package transport pushes spectral columns to consumers as the fill
// produces them. A Follower tails a source and hands each new column to a
// sink; sinks exist for websockets, UDP packets and the log.
package transport

import "errors"

// ColumnSource is the part of a data server a follower reads.
// Implementations must be safe for concurrent use.
type ColumnSource interface {
	ID() string
	Width() int
	Height() int
	FillExtent() int
	MagnitudesAt(x, minBin int, out []float32) bool
}

// ColumnSink receives columns in increasing order. Send may block to pace
// delivery; an error stops the follower feeding it.
type ColumnSink interface {
	Send(x int, magnitudes []float32) error
	Close() error
}

// Tee returns a sink sending every column to each of sinks in turn. The
// first error stops delivery of that column.
func Tee(sinks ...ColumnSink) ColumnSink { return tee(sinks) }

type tee []ColumnSink

func (t tee) Send(x int, magnitudes []float32) error {
	for _, s := range t {
		if err := s.Send(x, magnitudes); err != nil {
			return err
		}
	}
	return nil
}

func (t tee) Close() error {
	var errs []error
	for _, s := range t {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
