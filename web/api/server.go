// Package api is the HTTP ingress: GitHub webhooks, the manual trigger and
// kill endpoints, run queries, a websocket status feed, and /metrics.
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/hochfrequenz/pr-snapshot-orchestrator/internal/domain"
	"github.com/hochfrequenz/pr-snapshot-orchestrator/internal/metrics"
	"github.com/hochfrequenz/pr-snapshot-orchestrator/internal/queue"
	"github.com/hochfrequenz/pr-snapshot-orchestrator/internal/runstore"
	"github.com/hochfrequenz/pr-snapshot-orchestrator/internal/sandbox"
)

// Registry is the slice of the run store the ingress needs
type Registry interface {
	Register(owner, repo string, prNumber int, commitSHA string) (*domain.Run, *domain.Run, error)
	Get(id string) (*domain.Run, error)
	List(opts runstore.ListOptions) ([]*domain.Run, error)
	Kill(id string) (bool, error)
	KillAllActive() ([]string, error)
}

// JobBuilder assembles the queue payload for a registered run
type JobBuilder interface {
	BuildJob(ctx context.Context, runID string, installationID int64, owner, repo string, prNumber int, commitSHA string) (*domain.Job, error)
	FindInstallation(ctx context.Context, owner, repo string) (int64, error)
}

// Server is the HTTP API server
type Server struct {
	registry Registry
	jobs     JobBuilder
	queue    queue.Queue
	addr     string
	mux      *http.ServeMux
	hub      *Hub
	validate *validator.Validate
	metrics  metrics.Metrics
	provider sandbox.Provider

	webhookSecret  string
	triggerMention string
}

// NewServer creates a new API server
func NewServer(registry Registry, jobs JobBuilder, q queue.Queue, addr, webhookSecret, triggerMention string) *Server {
	s := &Server{
		registry:       registry,
		jobs:           jobs,
		queue:          q,
		addr:           addr,
		mux:            http.NewServeMux(),
		hub:            NewHub(),
		validate:       validator.New(),
		metrics:        metrics.Noop{},
		webhookSecret:  webhookSecret,
		triggerMention: triggerMention,
	}
	s.setupRoutes()
	return s
}

// SetMetrics sets the metrics sink
func (s *Server) SetMetrics(m metrics.Metrics) {
	s.metrics = m
}

// SetSandboxProvider enables killing orphaned handles by raw handle name
func (s *Server) SetSandboxProvider(p sandbox.Provider) {
	s.provider = p
}

// ServeBlobs serves uploaded screenshots from the local blob root. Only
// useful with the filesystem blob store.
func (s *Server) ServeBlobs(root string) {
	s.mux.Handle("/blobs/", http.StripPrefix("/blobs/", http.FileServer(http.Dir(root))))
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/webhook", s.webhookHandler())
	s.mux.HandleFunc("/api/runs", s.runsHandler())
	s.mux.HandleFunc("/api/runs/watch", s.watchHandler())
	s.mux.HandleFunc("/api/runs/", s.getRunHandler())
	s.mux.HandleFunc("/api/kill", s.killHandler())
	s.mux.Handle("/metrics", metrics.Handler())
}

// Start starts the HTTP server
func (s *Server) Start() error {
	log.Printf("[api] listening on %s", s.addr)
	return http.ListenAndServe(s.addr, s.mux)
}

// Handler exposes the mux, mostly for tests
func (s *Server) Handler() http.Handler {
	return s.mux
}

// BroadcastStatus pushes a run status change to websocket watchers
func (s *Server) BroadcastStatus(runID string, status domain.RunStatus) {
	s.hub.Broadcast(Event{Type: "run_status", RunID: runID, Status: string(status)})
}

func writeJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
