package api_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/flowpbx/pbxsim/internal/api"
)

type fakeRegistry struct {
	length   int
	capacity int
	snapshot []api.ExtensionStatus
}

func (f fakeRegistry) Len() int                        { return f.length }
func (f fakeRegistry) Cap() int                        { return f.capacity }
func (f fakeRegistry) Snapshot() []api.ExtensionStatus { return f.snapshot }

func TestHealthzReturnsOK(t *testing.T) {
	s := api.NewServer(fakeRegistry{}, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body struct {
		Data struct {
			Status string `json:"status"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Data.Status != "ok" {
		t.Fatalf("status field = %q, want %q", body.Data.Status, "ok")
	}
}

func TestStatusReturnsRegistrySnapshot(t *testing.T) {
	reg := fakeRegistry{
		length:   1,
		capacity: 100,
		snapshot: []api.ExtensionStatus{
			{Extension: 4, State: "CONNECTED", PeerExtension: 5},
		},
	}
	s := api.NewServer(reg, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body struct {
		Data struct {
			Extensions []api.ExtensionStatus `json:"extensions"`
			Active     int                   `json:"active"`
			Capacity   int                   `json:"capacity"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Data.Active != 1 || body.Data.Capacity != 100 {
		t.Fatalf("active/capacity = %d/%d, want 1/100", body.Data.Active, body.Data.Capacity)
	}
	if len(body.Data.Extensions) != 1 || body.Data.Extensions[0].Extension != 4 {
		t.Fatalf("unexpected extensions payload: %+v", body.Data.Extensions)
	}
}

func TestMetricsRoutesToInjectedHandler(t *testing.T) {
	called := false
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})
	s := api.NewServer(fakeRegistry{}, handler)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	s.ServeHTTP(rec, req)

	if !called {
		t.Fatal("expected injected metrics handler to be invoked")
	}
}

func TestUnknownRouteReturns404(t *testing.T) {
	s := api.NewServer(fakeRegistry{}, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/no-such-route", nil)
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}
