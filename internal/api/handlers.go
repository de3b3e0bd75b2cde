// SPDX-License-Identifier: MIT
package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"fftserver/internal/dataserver"
	"fftserver/internal/log"
)

// Response is the envelope of every JSON reply.
type Response struct {
	Status string    `json:"status"`
	Data   any       `json:"data,omitempty"`
	Error  *APIError `json:"error,omitempty"`
}

// APIError describes a failed request.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Column is the body of a column read.
type Column struct {
	Server string    `json:"server"`
	X      int       `json:"x"`
	Repr   string    `json:"repr"`
	From   int       `json:"from"`
	Ready  bool      `json:"ready"`
	Values []float32 `json:"values,omitempty"`
	Real   []float32 `json:"real,omitempty"`
	Imag   []float32 `json:"imag,omitempty"`
}

type columnQuery struct {
	Repr  string `validate:"oneof=magnitude normalized phase values"`
	From  int    `validate:"gte=0"`
	Count int    `validate:"gte=1"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func respondJSON(w http.ResponseWriter, status int, resp *Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		l := log.Component("api")
		l.Error().Err(err).Msg("failed to marshal JSON response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		l := log.Component("api")
		l.Debug().Err(err).Msg("failed to write JSON response")
	}
}

func respondOK(w http.ResponseWriter, status int, data any) {
	respondJSON(w, status, &Response{Status: "ok", Data: data})
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, &Response{Status: "error", Error: &APIError{Code: code, Message: message}})
}

func (a *API) server(w http.ResponseWriter, r *http.Request) (*dataserver.Server, bool) {
	id := chi.URLParam(r, "id")
	s, ok := a.reg.Lookup(id)
	if !ok {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "no server with id "+strconv.Quote(id))
	}
	return s, ok
}

func (a *API) listServers(w http.ResponseWriter, r *http.Request) {
	respondOK(w, http.StatusOK, a.reg.List())
}

func (a *API) getServer(w http.ResponseWriter, r *http.Request) {
	st, ok := a.reg.Status(chi.URLParam(r, "id"))
	if !ok {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "no server with id "+strconv.Quote(chi.URLParam(r, "id")))
		return
	}
	respondOK(w, http.StatusOK, st)
}

func (a *API) suspend(w http.ResponseWriter, r *http.Request) {
	s, ok := a.server(w, r)
	if !ok {
		return
	}
	s.Suspend()
	respondOK(w, http.StatusOK, s.Info())
}

func (a *API) resume(w http.ResponseWriter, r *http.Request) {
	s, ok := a.server(w, r)
	if !ok {
		return
	}
	s.Resume()
	respondOK(w, http.StatusOK, s.Info())
}

// getColumn reads one column. A column the fill has not reached yet is
// answered with 202 and ready=false.
func (a *API) getColumn(w http.ResponseWriter, r *http.Request) {
	s, ok := a.server(w, r)
	if !ok {
		return
	}
	x, err := strconv.Atoi(chi.URLParam(r, "x"))
	if err != nil || x < 0 || x >= s.Width() {
		respondError(w, http.StatusBadRequest, "BAD_COLUMN", "column out of range")
		return
	}

	q := columnQuery{Repr: "magnitude", Count: -1}
	params := r.URL.Query()
	if v := params.Get("repr"); v != "" {
		q.Repr = v
	}
	if q.From, err = intParam(params.Get("from"), 0); err != nil {
		respondError(w, http.StatusBadRequest, "BAD_QUERY", "from: "+err.Error())
		return
	}
	if q.Count, err = intParam(params.Get("count"), s.Height()-q.From); err != nil {
		respondError(w, http.StatusBadRequest, "BAD_QUERY", "count: "+err.Error())
		return
	}
	if err := validate.Struct(q); err != nil {
		respondError(w, http.StatusBadRequest, "BAD_QUERY", err.Error())
		return
	}
	if q.From+q.Count > s.Height() {
		respondError(w, http.StatusBadRequest, "BAD_QUERY", "bin range exceeds height "+strconv.Itoa(s.Height()))
		return
	}

	col := Column{Server: s.ID(), X: x, Repr: q.Repr, From: q.From}
	switch q.Repr {
	case "magnitude":
		col.Values = make([]float32, q.Count)
		col.Ready = s.MagnitudesAt(x, q.From, col.Values)
	case "normalized":
		col.Values = make([]float32, q.Count)
		col.Ready = s.NormalizedMagnitudesAt(x, q.From, col.Values)
	case "phase":
		col.Values = make([]float32, q.Count)
		col.Ready = s.PhasesAt(x, q.From, col.Values)
	case "values":
		col.Real, col.Imag = make([]float32, q.Count), make([]float32, q.Count)
		col.Ready = s.ValuesRangeAt(x, q.From, col.Real, col.Imag)
	}
	if !col.Ready {
		col.Values, col.Real, col.Imag = nil, nil, nil
		respondOK(w, http.StatusAccepted, col)
		return
	}
	respondOK(w, http.StatusOK, col)
}

func intParam(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}
