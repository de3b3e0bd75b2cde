// SPDX-License-Identifier: MIT
package transport

import (
	"github.com/rs/zerolog"

	"fftserver/internal/log"
)

// LoggingSink logs the peak bin of every column it receives.
type LoggingSink struct {
	log zerolog.Logger
}

// NewLoggingSink creates a sink logging at debug level under source.
func NewLoggingSink(source string) *LoggingSink {
	return &LoggingSink{log: log.Component("transport").With().Str("source", source).Logger()}
}

func (s *LoggingSink) Send(x int, magnitudes []float32) error {
	peak, bin := float32(0), 0
	for i, m := range magnitudes {
		if m > peak {
			peak, bin = m, i
		}
	}
	s.log.Debug().Int("column", x).Int("peak_bin", bin).Float32("peak", peak).Msg("column")
	return nil
}

// Close is a no-op.
func (s *LoggingSink) Close() error { return nil }

var _ ColumnSink = (*LoggingSink)(nil)
