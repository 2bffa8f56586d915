package httputil

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestDoJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content type = %q", r.Header.Get("Content-Type"))
		}
		var in map[string]int
		_ = json.NewDecoder(r.Body).Decode(&in)
		w.WriteHeader(http.StatusTeapot)
		_ = json.NewEncoder(w).Encode(map[string]int{"doubled": in["n"] * 2})
	}))
	defer srv.Close()

	resp, err := DoJSON(context.Background(), NewClient(time.Second), http.MethodPost, srv.URL, map[string]int{"n": 21})
	if err != nil {
		t.Fatalf("DoJSON: %v", err)
	}
	if resp.OK() {
		t.Error("418 should not be OK")
	}
	var out map[string]int
	if err := json.Unmarshal(resp.Body, &out); err != nil || out["doubled"] != 42 {
		t.Errorf("unexpected body %s (%v)", resp.Body, err)
	}
}

func TestDoJSON_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	if _, err := DoJSON(context.Background(), NewClient(time.Second), http.MethodGet, url, nil); err == nil {
		t.Fatal("expected transport error for closed server")
	}
}
