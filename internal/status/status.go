// Package status provides the append-only status overlay shared by the pose and rig components.
package status

import (
	"log"
	"sync"
	"time"
)

// Line is a single status entry.
type Line struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
	Error   bool      `json:"error"`
}

// Reporter accumulates human-readable status lines until the owning component
// reaches a ready state and clears them.
type Reporter struct {
	name  string
	lines []Line
	mu    sync.RWMutex
	now   func() time.Time
}

// New creates a Reporter. The name prefixes every logged line.
func New(name string) *Reporter {
	return &Reporter{
		name: name,
		now:  time.Now,
	}
}

// Report appends an informational line.
func (r *Reporter) Report(msg string) {
	r.append(msg, false)
}

// ReportError appends a line tagged as an error.
func (r *Reporter) ReportError(msg string) {
	r.append(msg, true)
}

func (r *Reporter) append(msg string, isError bool) {
	if msg == "" {
		return
	}

	r.mu.Lock()
	r.lines = append(r.lines, Line{Time: r.now(), Message: msg, Error: isError})
	r.mu.Unlock()

	if isError {
		log.Printf("[%s] error: %s", r.name, msg)
	} else {
		log.Printf("[%s] %s", r.name, msg)
	}
}

// Clear removes all lines, hiding the overlay.
func (r *Reporter) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = nil
}

// Lines returns a snapshot of the current lines, oldest first.
func (r *Reporter) Lines() []Line {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Line, len(r.lines))
	copy(out, r.lines)
	return out
}

// Errors returns how many of the current lines are errors.
func (r *Reporter) Errors() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, l := range r.lines {
		if l.Error {
			n++
		}
	}
	return n
}

// Last returns the most recent line, if any.
func (r *Reporter) Last() (Line, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.lines) == 0 {
		return Line{}, false
	}
	return r.lines[len(r.lines)-1], true
}

// Name returns the reporter name.
func (r *Reporter) Name() string {
	return r.name
}
