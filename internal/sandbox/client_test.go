package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPHandle_Exec(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/sandboxes/run-1/exec" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("auth header = %q", got)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["command"] != "true" {
			t.Errorf("command = %q", body["command"])
		}
		json.NewEncoder(w).Encode(map[string]any{"stdout": "ok\n", "exit_code": 0})
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, "tok")
	h, err := p.Get(context.Background(), "run-1")
	if err != nil {
		t.Fatal(err)
	}
	res, err := h.Exec(context.Background(), "true")
	if err != nil {
		t.Fatal(err)
	}
	if res.Stdout != "ok\n" || res.ExitCode != 0 {
		t.Errorf("result = %+v", res)
	}
}

func TestHTTPHandle_UnreachableStatusCodes(t *testing.T) {
	for _, code := range []int{http.StatusNotFound, http.StatusGone, http.StatusBadGateway, http.StatusServiceUnavailable} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
		}))
		p := NewHTTPProvider(srv.URL, "")
		h, _ := p.Get(context.Background(), "run-1")
		_, err := h.Exec(context.Background(), "true")
		if !errors.Is(err, ErrUnreachable) {
			t.Errorf("status %d: err = %v, want ErrUnreachable", code, err)
		}
		srv.Close()
	}
}

func TestHTTPProvider_DestroyGoneIsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, "")
	if err := p.Destroy(context.Background(), "already-gone"); err != nil {
		t.Errorf("Destroy on missing sandbox = %v, want nil", err)
	}
}

func TestHTTPProvider_CreateConflictAttaches(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, "")
	h, err := p.Create(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("Create on existing sandbox = %v, want attach", err)
	}
	if h.Name() != "run-1" {
		t.Errorf("name = %s", h.Name())
	}
}

func TestFakeHandle_DestroyedIsUnreachable(t *testing.T) {
	p := NewFakeProvider()
	ctx := context.Background()
	h, err := p.Create(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Destroy(ctx, "run-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.Exec(ctx, "true"); !errors.Is(err, ErrUnreachable) {
		t.Errorf("exec on destroyed handle = %v, want ErrUnreachable", err)
	}
	// Idempotent teardown: destroying again is still success.
	if err := p.Destroy(ctx, "run-1"); err != nil {
		t.Errorf("second destroy = %v, want nil", err)
	}
}

func TestBestEffort_SwallowsErrors(t *testing.T) {
	ran := false
	BestEffort("failing action", func() error {
		ran = true
		return errors.New("boom")
	})
	if !ran {
		t.Error("action did not run")
	}
}
