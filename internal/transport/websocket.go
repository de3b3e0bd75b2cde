// SPDX-License-Identifier: MIT
package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"fftserver/internal/log"
	"fftserver/internal/metrics"
)

// ColumnMessage is one column as sent over a websocket.
type ColumnMessage struct {
	Server     string    `json:"server"`
	Column     int       `json:"x"`
	Magnitudes []float32 `json:"magnitudes"`
}

// Resolver finds the source a websocket request asks for.
type Resolver func(r *http.Request) (ColumnSource, bool)

// ColumnStream is an http.Handler that upgrades each request to a
// websocket and streams the resolved source's columns from the first one
// onwards. Each connection is paced by its own rate limiter so a fast fill
// cannot flood a slow client.
type ColumnStream struct {
	resolve  Resolver
	interval time.Duration
	limit    rate.Limit
	burst    int
	upgrader websocket.Upgrader
	log      zerolog.Logger

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

// NewColumnStream creates a stream handler. columnsPerSecond <= 0 means
// unlimited.
func NewColumnStream(resolve Resolver, interval time.Duration, columnsPerSecond float64) *ColumnStream {
	limit := rate.Inf
	burst := 1
	if columnsPerSecond > 0 {
		limit = rate.Limit(columnsPerSecond)
		burst = max(1, int(columnsPerSecond/10))
	}
	return &ColumnStream{
		resolve:  resolve,
		interval: interval,
		limit:    limit,
		burst:    burst,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true // Local tool; any origin may read.
			},
		},
		log:   log.Component("transport"),
		conns: make(map[*websocket.Conn]struct{}),
	}
}

func (cs *ColumnStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	src, ok := cs.resolve(r)
	if !ok {
		http.Error(w, "unknown server", http.StatusNotFound)
		return
	}
	conn, err := cs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		cs.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	cs.track(conn, true)
	defer cs.track(conn, false)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The client sends nothing we need; reading detects the disconnect.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	sink := &websocketSink{
		ctx:     ctx,
		conn:    conn,
		server:  src.ID(),
		limiter: rate.NewLimiter(cs.limit, cs.burst),
	}
	f, err := NewFollower("websocket", cs.interval, src, sink)
	if err != nil {
		cs.log.Error().Err(err).Msg("cannot follow source")
		conn.Close()
		return
	}
	cs.log.Info().Str("source", src.ID()).Str("remote", r.RemoteAddr).Msg("stream client connected")
	if err := f.Serve(ctx); err != nil && ctx.Err() == nil {
		cs.log.Warn().Err(err).Str("source", src.ID()).Msg("stream ended")
	}
	sink.Close()
	cs.log.Info().Str("source", src.ID()).Int("sent", f.Next()).Msg("stream client disconnected")
}

func (cs *ColumnStream) track(conn *websocket.Conn, add bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if add {
		cs.conns[conn] = struct{}{}
		metrics.StreamClients.Inc()
	} else if _, ok := cs.conns[conn]; ok {
		delete(cs.conns, conn)
		metrics.StreamClients.Dec()
	}
}

// Clients returns the number of connected stream clients.
func (cs *ColumnStream) Clients() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.conns)
}

// Close disconnects every client.
func (cs *ColumnStream) Close() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for conn := range cs.conns {
		conn.Close()
	}
	return nil
}

type websocketSink struct {
	ctx     context.Context
	conn    *websocket.Conn
	server  string
	limiter *rate.Limiter
	msg     ColumnMessage
}

func (s *websocketSink) Send(x int, magnitudes []float32) error {
	if err := s.limiter.Wait(s.ctx); err != nil {
		return err
	}
	s.msg.Server, s.msg.Column, s.msg.Magnitudes = s.server, x, magnitudes
	data, err := json.Marshal(&s.msg)
	if err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *websocketSink) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return s.conn.Close()
}
