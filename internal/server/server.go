// Package server provides the HTTP surface of the poserig host: health,
// component status, preset management, the overlay stream and live pose
// and rig feeds.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/ayusman/poserig/internal/animation"
	"github.com/ayusman/poserig/internal/latest"
	"github.com/ayusman/poserig/internal/pose"
	"github.com/ayusman/poserig/internal/server/api"
	"github.com/ayusman/poserig/internal/status"
	"github.com/ayusman/poserig/internal/store"
)

// StatusSource is anything with a named status overlay.
type StatusSource interface {
	Name() string
	Kind() string
	Status() *status.Reporter
}

// Config holds the server configuration.
type Config struct {
	StaticDir string
	Store     *store.Store
	// Components are listed by /api/status.
	Components []StatusSource
	// Streams maps a pose component name to its overlay surface.
	Streams map[string]Snapshotter
	// Poses is the shared pose slot fed to /api/poses.
	Poses *latest.Slot[pose.Event]
	// Rigs maps a rig component name to its frame slot, served at /api/rig/{name}.
	Rigs map[string]*latest.Slot[animation.Frame]
	// FeedInterval is the websocket polling period. Zero means DefaultFeedInterval.
	FeedInterval time.Duration
}

// Server represents the HTTP server for poserig.
type Server struct {
	config Config
	mux    *http.ServeMux
	start  time.Time
	hubs   []closer

	mu   sync.Mutex
	http *http.Server
}

type closer interface{ Close() }

// New creates a new Server with the given configuration.
func New(config Config) *Server {
	if config.FeedInterval <= 0 {
		config.FeedInterval = DefaultFeedInterval
	}
	s := &Server{
		config: config,
		mux:    http.NewServeMux(),
		start:  time.Now(),
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes for the server.
func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/health", s.handleHealth)
	s.mux.HandleFunc("/api/status", s.handleStatus)

	if s.config.Store != nil {
		presets := api.NewPresetHandler(s.config.Store)
		s.mux.Handle("/api/presets", presets)
		s.mux.Handle("/api/presets/", presets)
	}

	if len(s.config.Streams) > 0 {
		s.mux.Handle("/api/stream", NewStreamHandler(s.config.Streams))
	}

	if s.config.Poses != nil {
		hub := NewHub(s.config.Poses, s.config.FeedInterval)
		s.hubs = append(s.hubs, hub)
		s.mux.Handle("/api/poses", hub)
	}

	if len(s.config.Rigs) > 0 {
		rigs := make(map[string]*Hub[animation.Frame], len(s.config.Rigs))
		for name, frames := range s.config.Rigs {
			hub := NewHub(frames, s.config.FeedInterval)
			s.hubs = append(s.hubs, hub)
			rigs[name] = hub
		}
		s.mux.HandleFunc("/api/rig/{name}", func(w http.ResponseWriter, r *http.Request) {
			hub, ok := rigs[r.PathValue("name")]
			if !ok {
				http.Error(w, "Unknown rig", http.StatusNotFound)
				return
			}
			hub.ServeHTTP(w, r)
		})
	}

	if s.config.StaticDir != "" {
		fs := http.FileServer(http.Dir(s.config.StaticDir))
		s.mux.Handle("/", fs)
	}
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// handleHealth handles GET requests to /api/health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.start).String(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
}

type componentStatus struct {
	Name  string        `json:"name"`
	Kind  string        `json:"kind"`
	Lines []status.Line `json:"lines"`
}

// handleStatus handles GET requests to /api/status. An empty lines array
// means the component's overlay is hidden.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	out := make([]componentStatus, 0, len(s.config.Components))
	for _, c := range s.config.Components {
		out = append(out, componentStatus{
			Name:  c.Name(),
			Kind:  c.Kind(),
			Lines: c.Status().Lines(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{"components": out}); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// ListenAndServe starts the HTTP server on the given address. It returns
// http.ErrServerClosed after Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{Addr: addr, Handler: s}
	s.mu.Lock()
	s.http = srv
	s.mu.Unlock()
	return srv.ListenAndServe()
}

// Shutdown stops the feeds and gracefully stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	for _, h := range s.hubs {
		h.Close()
	}
	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
