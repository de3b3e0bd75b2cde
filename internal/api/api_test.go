// SPDX-License-Identifier: MIT
package api

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"fftserver/internal/dataserver"
	"fftserver/internal/fft"
	"fftserver/internal/source"
	"fftserver/internal/storage"
	"fftserver/pkg/utils"
)

type fixture struct {
	srv    *httptest.Server
	reg    *dataserver.Registry
	server *dataserver.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := dataserver.NewRegistry(dataserver.Options{
		ScratchDir: t.TempDir(),
		Advisor:    storage.NewAdvisor(nil, storage.Budget{Memory: 1 << 40, Disk: 1 << 40}, ""),
	}, 1)
	t.Cleanup(func() { reg.Close() })

	model := source.NewBufferFrom("sine", 44100, utils.GenerateSine(8192, 44100.0*32/1024, 44100, 1))
	s, err := reg.GetInstance(model, dataserver.Config{
		Window:     fft.Rectangular,
		WindowSize: 1024,
		Increment:  512,
		FFTSize:    1024,
		Polar:      true,
	})
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	deadline := time.Now().Add(10 * time.Second)
	for !s.Complete() {
		if time.Now().After(deadline) {
			t.Fatal("fill did not complete")
		}
		time.Sleep(time.Millisecond)
	}

	a := New(reg, time.Millisecond, 0)
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(func() {
		a.Close()
		srv.Close()
	})
	return &fixture{srv: srv, reg: reg, server: s}
}

func (f *fixture) do(t *testing.T, method, path string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			t.Fatalf("decode %s: %v (%s)", path, err, body)
		}
	}
	return resp.StatusCode
}

type envelope[T any] struct {
	Status string    `json:"status"`
	Data   T         `json:"data"`
	Error  *APIError `json:"error"`
}

func TestListAndGetServers(t *testing.T) {
	f := newFixture(t)

	var list envelope[[]dataserver.Status]
	if code := f.do(t, http.MethodGet, "/servers", &list); code != http.StatusOK {
		t.Fatalf("GET /servers = %d", code)
	}
	if len(list.Data) != 1 || list.Data[0].ID != f.server.ID() || list.Data[0].Refs != 1 {
		t.Fatalf("list = %+v", list.Data)
	}

	var one envelope[dataserver.Status]
	if code := f.do(t, http.MethodGet, "/servers/"+f.server.ID(), &one); code != http.StatusOK {
		t.Fatalf("GET server = %d", code)
	}
	if one.Data.Width != f.server.Width() || one.Data.Completion != 100 {
		t.Errorf("status = %+v", one.Data)
	}

	var missing envelope[any]
	if code := f.do(t, http.MethodGet, "/servers/nope", &missing); code != http.StatusNotFound {
		t.Fatalf("GET missing = %d, want 404", code)
	}
	if missing.Status != "error" || missing.Error == nil || missing.Error.Code != "NOT_FOUND" {
		t.Errorf("missing = %+v", missing)
	}
}

func TestGetColumn(t *testing.T) {
	f := newFixture(t)
	base := "/servers/" + f.server.ID() + "/columns/"

	tests := []struct {
		name   string
		path   string
		status int
		count  int
	}{
		{"default magnitude", base + "3", http.StatusOK, 513},
		{"bin range", base + "3?from=30&count=5", http.StatusOK, 5},
		{"normalized", base + "0?repr=normalized&count=8", http.StatusOK, 8},
		{"phase", base + "1?repr=phase&from=500", http.StatusOK, 13},
		{"values", base + "2?repr=values&count=4", http.StatusOK, 4},
		{"bad repr", base + "0?repr=loud", http.StatusBadRequest, 0},
		{"bad from", base + "0?from=x", http.StatusBadRequest, 0},
		{"range past height", base + "0?from=510&count=5", http.StatusBadRequest, 0},
		{"column past width", base + "9999", http.StatusBadRequest, 0},
		{"negative column", base + "-1", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp envelope[Column]
			code := f.do(t, http.MethodGet, tt.path, &resp)
			if code != tt.status {
				t.Fatalf("status = %d, want %d (%+v)", code, tt.status, resp.Error)
			}
			if tt.status != http.StatusOK {
				return
			}
			if !resp.Data.Ready {
				t.Fatal("column not ready")
			}
			n := len(resp.Data.Values)
			if resp.Data.Repr == "values" {
				n = len(resp.Data.Real)
				if len(resp.Data.Imag) != n {
					t.Errorf("imag length %d, real length %d", len(resp.Data.Imag), n)
				}
			}
			if n != tt.count {
				t.Errorf("got %d values, want %d", n, tt.count)
			}
		})
	}

	t.Run("peak bin", func(t *testing.T) {
		var resp envelope[Column]
		f.do(t, http.MethodGet, base+"4", &resp)
		if peak := utils.FindPeakBin(resp.Data.Values, 0, len(resp.Data.Values)-1); peak != 32 {
			t.Errorf("peak bin = %d, want 32", peak)
		}
	})
}

func TestSuspendResume(t *testing.T) {
	f := newFixture(t)
	path := "/servers/" + f.server.ID()

	var resp envelope[dataserver.Info]
	if code := f.do(t, http.MethodPost, path+"/suspend", &resp); code != http.StatusOK {
		t.Fatalf("suspend = %d", code)
	}
	if !resp.Data.Suspended || !f.server.Suspended() {
		t.Error("server not suspended")
	}
	if code := f.do(t, http.MethodPost, path+"/resume", &resp); code != http.StatusOK {
		t.Fatalf("resume = %d", code)
	}
	if resp.Data.Suspended || f.server.Suspended() {
		t.Error("server still suspended")
	}
	if code := f.do(t, http.MethodPost, "/servers/nope/suspend", nil); code != http.StatusNotFound {
		t.Errorf("suspend missing = %d, want 404", code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "fftserver_") {
		t.Error("metrics output lacks fftserver_ series")
	}
}
