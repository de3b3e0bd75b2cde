// SPDX-License-Identifier: MIT
package udp

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"fftserver/internal/log"
	"fftserver/internal/transport"
)

/*
UDP Packet Structure (BigEndian)

+-----------------------------------------------------------------------------+
| Field             | Data Type      | Size (Bytes) | Description             |
|-------------------|----------------|--------------|-------------------------|
| Sequence Number   | uint32         | 4            | Monotonically increasing|
| Timestamp         | int64          | 8            | Nanoseconds since epoch |
| Column            | uint32         | 4            | Column index x          |
| Magnitude Count   | uint16         | 2            | Number of floats (N)    |
| Magnitudes        | []float32      | N * 4        | Column magnitudes       |
+-----------------------------------------------------------------------------+

Visual Layout:

|<-- 4 Bytes -->|<---- 8 Bytes ---->|<-- 4 Bytes -->|<- 2 Bytes ->|<-- N * 4 Bytes -->|
+---------------+-------------------+---------------+-------------+-------------------+
|   Sequence    |     Timestamp     |    Column     |    Count    |    Magnitudes     |
|   (uint32)    |      (int64)      |   (uint32)    |   (uint16)  |   (N * float32)   |
+---------------+-------------------+---------------+-------------+-------------------+
*/

// HeaderSize is the size of the fixed packet header in bytes.
const HeaderSize = 4 + 8 + 4 + 2

// Packet is a decoded column packet.
type Packet struct {
	Sequence   uint32
	Timestamp  int64
	Column     uint32
	Magnitudes []float32
}

// Sender is what a PacketSink writes packets to. *UDPSender implements it.
type Sender interface {
	Send(data []byte) error
	Close() error
}

// PacketSink packs columns into the binary packet format and hands them
// to a Sender. It implements transport.ColumnSink.
type PacketSink struct {
	sender      Sender
	log         zerolog.Logger
	sequenceNum uint32
	// Reusable buffer for constructing the binary packet.
	packetBuffer *bytes.Buffer
}

// NewPacketSink creates a sink writing to sender.
func NewPacketSink(sender Sender) (*PacketSink, error) {
	if sender == nil {
		return nil, fmt.Errorf("packet sink: UDP sender cannot be nil")
	}
	return &PacketSink{
		sender:       sender,
		log:          log.Component("udp"),
		packetBuffer: new(bytes.Buffer),
	}, nil
}

// Send packs and transmits one column.
func (p *PacketSink) Send(x int, magnitudes []float32) error {
	if len(magnitudes) > 0xffff {
		return fmt.Errorf("packet sink: %d magnitudes exceed packet limit", len(magnitudes))
	}
	p.sequenceNum++
	p.packetBuffer.Reset()

	err := binary.Write(p.packetBuffer, binary.BigEndian, p.sequenceNum)
	if err == nil {
		err = binary.Write(p.packetBuffer, binary.BigEndian, time.Now().UnixNano())
	}
	if err == nil {
		err = binary.Write(p.packetBuffer, binary.BigEndian, uint32(x))
	}
	if err == nil {
		err = binary.Write(p.packetBuffer, binary.BigEndian, uint16(len(magnitudes)))
	}
	if err == nil {
		err = binary.Write(p.packetBuffer, binary.BigEndian, magnitudes)
	}
	if err != nil {
		return fmt.Errorf("packet sink: packing column %d: %w", x, err)
	}

	if err := p.sender.Send(p.packetBuffer.Bytes()); err != nil {
		return err
	}
	p.log.Debug().Uint32("seq", p.sequenceNum).Int("x", x).Int("bytes", p.packetBuffer.Len()).Msg("sent packet")
	return nil
}

// Close closes the underlying sender.
func (p *PacketSink) Close() error {
	return p.sender.Close()
}

// Decode parses a packet produced by PacketSink.
func Decode(data []byte) (Packet, error) {
	if len(data) < HeaderSize {
		return Packet{}, fmt.Errorf("packet too short: %d bytes", len(data))
	}
	p := Packet{
		Sequence:  binary.BigEndian.Uint32(data[0:4]),
		Timestamp: int64(binary.BigEndian.Uint64(data[4:12])),
		Column:    binary.BigEndian.Uint32(data[12:16]),
	}
	n := int(binary.BigEndian.Uint16(data[16:18]))
	if len(data) != HeaderSize+4*n {
		return Packet{}, fmt.Errorf("packet length %d does not match %d magnitudes", len(data), n)
	}
	p.Magnitudes = make([]float32, n)
	if err := binary.Read(bytes.NewReader(data[HeaderSize:]), binary.BigEndian, p.Magnitudes); err != nil {
		return Packet{}, err
	}
	return p, nil
}

// NewPublisher follows src and publishes each filled column through
// sender. If the interval is <= 0 it defaults to 16ms (~60Hz).
func NewPublisher(interval time.Duration, sender Sender, src transport.ColumnSource) (*transport.Follower, error) {
	sink, err := NewPacketSink(sender)
	if err != nil {
		return nil, err
	}
	return transport.NewFollower("udp", interval, src, sink)
}
