// SPDX-License-Identifier: MIT
package udp

import (
	"errors"
	"net"
	"testing"
	"time"
)

type stubSource struct{ width, height int }

func (s stubSource) ID() string      { return "stub" }
func (s stubSource) Width() int      { return s.width }
func (s stubSource) Height() int     { return s.height }
func (s stubSource) FillExtent() int { return s.width }

func (s stubSource) MagnitudesAt(x, minBin int, out []float32) bool {
	for i := range out {
		out[i] = float32(x*10 + i)
	}
	return true
}

func listen(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestNewUDPSenderBadAddress(t *testing.T) {
	if _, err := NewUDPSender("not an address"); err == nil {
		t.Fatal("expected error")
	}
}

func TestUDPSenderClosed(t *testing.T) {
	l := listen(t)
	s, err := NewUDPSender(l.LocalAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := s.Send([]byte{1}); !errors.Is(err, ErrSenderClosed) {
		t.Errorf("Send after Close = %v, want ErrSenderClosed", err)
	}
}

func TestPublisherPackets(t *testing.T) {
	l := listen(t)
	sender, err := NewUDPSender(l.LocalAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	src := stubSource{width: 3, height: 5}
	pub, err := NewPublisher(time.Millisecond, sender, src)
	if err != nil {
		t.Fatal(err)
	}
	pub.Start()
	defer pub.Close()

	buf := make([]byte, 1024)
	l.SetReadDeadline(time.Now().Add(5 * time.Second))
	for want := range 3 {
		n, _, err := l.ReadFromUDP(buf)
		if err != nil {
			t.Fatalf("read packet %d: %v", want, err)
		}
		if n != HeaderSize+4*5 {
			t.Fatalf("packet size = %d, want %d", n, HeaderSize+4*5)
		}
		p, err := Decode(buf[:n])
		if err != nil {
			t.Fatal(err)
		}
		if p.Sequence != uint32(want+1) || p.Column != uint32(want) {
			t.Errorf("packet %d: seq %d column %d", want, p.Sequence, p.Column)
		}
		if p.Timestamp <= 0 {
			t.Errorf("packet %d: timestamp %d", want, p.Timestamp)
		}
		for i, m := range p.Magnitudes {
			if m != float32(want*10+i) {
				t.Errorf("packet %d bin %d = %v", want, i, m)
			}
		}
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short header", make([]byte, HeaderSize-1)},
		{"count mismatch", append(make([]byte, HeaderSize-1), 2)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(tt.data); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestNewPacketSinkNilSender(t *testing.T) {
	if _, err := NewPacketSink(nil); err == nil {
		t.Fatal("expected error")
	}
}
