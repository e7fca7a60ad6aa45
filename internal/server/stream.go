package server

import (
	"fmt"
	"net/http"
	"sort"
	"time"
)

// Stream pacing.
const (
	DefaultStreamInterval = 66 * time.Millisecond // ~15 FPS
	streamRetryInterval   = 100 * time.Millisecond
)

// Snapshotter encodes the current presentation surface as JPEG.
type Snapshotter interface {
	JPEG() ([]byte, error)
}

// StreamHandler serves MJPEG frames of a pose component's overlay.
type StreamHandler struct {
	sources  map[string]Snapshotter
	names    []string
	interval time.Duration
}

// NewStreamHandler creates a StreamHandler over the named overlay surfaces.
func NewStreamHandler(sources map[string]Snapshotter) *StreamHandler {
	names := make([]string, 0, len(sources))
	for name := range sources {
		names = append(names, name)
	}
	sort.Strings(names)

	return &StreamHandler{
		sources:  sources,
		names:    names,
		interval: DefaultStreamInterval,
	}
}

// ServeHTTP streams MJPEG frames to connected clients. The component query
// parameter selects the surface; without it the first name in sorted order
// is used.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	name := r.URL.Query().Get("component")
	if name == "" && len(h.names) > 0 {
		name = h.names[0]
	}
	src, ok := h.sources[name]
	if !ok {
		http.Error(w, "Unknown component", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	for {
		select {
		case <-r.Context().Done():
			return
		default:
		}

		buf, err := src.JPEG()
		if err != nil {
			// Nothing drawn yet.
			time.Sleep(streamRetryInterval)
			continue
		}

		fmt.Fprintf(w, "--frame\r\n")
		fmt.Fprintf(w, "Content-Type: image/jpeg\r\n")
		fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(buf))
		if _, err := w.Write(buf); err != nil {
			return
		}
		fmt.Fprintf(w, "\r\n")

		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}

		time.Sleep(h.interval)
	}
}
