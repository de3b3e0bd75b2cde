// SPDX-License-Identifier: MIT
package udp

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"fftserver/internal/log"
	"fftserver/internal/metrics"
)

// ErrSenderClosed is returned by Send after Close.
var ErrSenderClosed = errors.New("udp: sender closed")

// UDPSender writes datagrams to one connected peer.
type UDPSender struct {
	log zerolog.Logger

	mu   sync.Mutex // held across writes so Close cannot race them
	conn *net.UDPConn
}

// NewUDPSender connects to targetAddress ("host:port") from an ephemeral
// local port.
func NewUDPSender(targetAddress string) (*UDPSender, error) {
	raddr, err := net.ResolveUDPAddr("udp", targetAddress)
	if err != nil {
		return nil, fmt.Errorf("udp: resolve %q: %w", targetAddress, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("udp: dial %q: %w", targetAddress, err)
	}
	s := &UDPSender{
		conn: conn,
		log:  log.Component("udp").With().Str("target", raddr.String()).Logger(),
	}
	s.log.Info().Str("local", conn.LocalAddr().String()).Msg("sender connected")
	return s, nil
}

// Send writes data as one datagram. A refused datagram is counted as
// dropped and returned as an error.
func (s *UDPSender) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ErrSenderClosed
	}
	if _, err := s.conn.Write(data); err != nil {
		metrics.PacketsDropped.Inc()
		s.log.Debug().Err(err).Int("bytes", len(data)).Msg("datagram dropped")
		return fmt.Errorf("udp: send: %w", err)
	}
	return nil
}

// Close releases the socket. Further calls are no-ops.
func (s *UDPSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	s.log.Info().Msg("sender closed")
	if err != nil {
		return fmt.Errorf("udp: close: %w", err)
	}
	return nil
}

var _ Sender = (*UDPSender)(nil)
