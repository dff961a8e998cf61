package agentctl

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestCreateSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/session" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]string{"id": "sess-1"})
	}))
	defer srv.Close()

	id, err := NewClient(srv.URL).CreateSession(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if id != "sess-1" {
		t.Errorf("session id = %q", id)
	}
}

func TestCreateSession_EmptyID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{})
	}))
	defer srv.Close()

	if _, err := NewClient(srv.URL).CreateSession(context.Background()); err == nil {
		t.Error("expected error for empty session id")
	}
}

func TestPromptAsync_ReturnsOnAck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/session/sess-1/prompt_async" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["system"] != "sys" || body["text"] != "do it" {
			t.Errorf("body = %v", body)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	start := time.Now()
	if err := NewClient(srv.URL).PromptAsync(context.Background(), "sess-1", "sys", "do it"); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > time.Second {
		t.Error("dispatch should return immediately on ack")
	}
}

func TestGetStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"type": "busy"})
	}))
	defer srv.Close()

	status, err := NewClient(srv.URL).GetStatus(context.Background(), "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if status != StatusBusy {
		t.Errorf("status = %q, want busy", status)
	}
}

func TestGetMessages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"role":"assistant","text":"done"}]`))
	}))
	defer srv.Close()

	transcript, err := NewClient(srv.URL).GetMessages(context.Background(), "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(transcript) == 0 {
		t.Error("empty transcript")
	}
}
