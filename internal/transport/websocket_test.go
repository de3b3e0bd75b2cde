// SPDX-License-Identifier: MIT
package transport

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

func TestColumnStream(t *testing.T) {
	src := newFakeSource(5, 4, 5)
	stream := NewColumnStream(func(r *http.Request) (ColumnSource, bool) {
		if r.URL.Path != "/stream/fake" {
			return nil, false
		}
		return src, true
	}, time.Millisecond, 0)

	srv := httptest.NewServer(stream)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	t.Run("unknown source", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(url+"/stream/other", nil)
		if err == nil {
			t.Fatal("expected dial failure")
		}
		if resp == nil || resp.StatusCode != http.StatusNotFound {
			t.Fatalf("response = %v, want 404", resp)
		}
	})

	t.Run("streams columns", func(t *testing.T) {
		conn, _, err := websocket.DefaultDialer.Dial(url+"/stream/fake", nil)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		defer conn.Close()
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))

		for want := range 5 {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				t.Fatalf("read column %d: %v", want, err)
			}
			if kind != websocket.TextMessage {
				t.Fatalf("message type = %d, want text", kind)
			}
			var msg ColumnMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if msg.Server != "fake" || msg.Column != want || len(msg.Magnitudes) != 4 {
				t.Fatalf("message = %+v, want column %d of fake", msg, want)
			}
			if msg.Magnitudes[0] != float32(want) {
				t.Errorf("column %d value = %v", want, msg.Magnitudes[0])
			}
		}
		if stream.Clients() != 1 {
			t.Errorf("Clients() = %d, want 1", stream.Clients())
		}
	})
}
