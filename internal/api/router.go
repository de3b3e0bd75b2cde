// SPDX-License-Identifier: MIT

// Package api serves registered data servers over HTTP: server status,
// column reads, fill control, a websocket column stream and Prometheus
// metrics.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"fftserver/internal/dataserver"
	"fftserver/internal/log"
	"fftserver/internal/transport"
)

// API routes requests to the servers of one registry.
type API struct {
	reg    *dataserver.Registry
	stream *transport.ColumnStream
	log    zerolog.Logger
}

// New creates the API. Stream clients are polled every streamInterval and
// receive at most streamRate columns per second (<= 0 for no limit).
func New(reg *dataserver.Registry, streamInterval time.Duration, streamRate float64) *API {
	a := &API{reg: reg, log: log.Component("api")}
	a.stream = transport.NewColumnStream(a.resolveStream, streamInterval, streamRate)
	return a
}

// Handler returns the routed handler.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(a.requestLog)

	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Route("/servers", func(r chi.Router) {
		r.Get("/", a.listServers)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", a.getServer)
			r.Get("/columns/{x}", a.getColumn)
			r.Post("/suspend", a.suspend)
			r.Post("/resume", a.resume)
		})
	})
	r.Method(http.MethodGet, "/stream/{id}", a.stream)
	return r
}

// Close disconnects stream clients.
func (a *API) Close() error { return a.stream.Close() }

func (a *API) resolveStream(r *http.Request) (transport.ColumnSource, bool) {
	s, ok := a.reg.Lookup(chi.URLParam(r, "id"))
	if !ok {
		return nil, false
	}
	return s, true
}

func (a *API) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}
