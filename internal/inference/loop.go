// Package inference runs the continuous pose inference loop.
package inference

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"gocv.io/x/gocv"

	"github.com/ayusman/poserig/internal/latest"
	"github.com/ayusman/poserig/internal/pose"
)

// Refresh rate bounds in Hz.
const (
	DefaultRefreshRate = 60
	MaxRefreshRate     = 1000
)

// ErrAlreadyRunning is returned when Run is called on a running loop.
var ErrAlreadyRunning = errors.New("inference loop already running")

// FrameSource provides the current visual frame. The caller closes the Mat.
type FrameSource interface {
	ReadFrame() (*gocv.Mat, error)
}

// Renderer draws a frame and its confident keypoints.
type Renderer interface {
	Render(frame *gocv.Mat, poses []pose.Pose, minConfidence float64) error
}

// Config holds loop configuration. It is copied when Run starts.
type Config struct {
	Model         pose.ModelConfig
	Inference     pose.InferenceConfig
	HideKeypoints bool
	MinConfidence float64 // Overlay-only threshold (default 0.5)
	RefreshRate   int     // Iterations are aligned to this rate in Hz (default 60)
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		Model:         pose.DefaultModelConfig(),
		Inference:     pose.DefaultInferenceConfig(),
		MinConfidence: 0.5,
		RefreshRate:   DefaultRefreshRate,
	}
}

// Stats counts loop activity.
type Stats struct {
	Iterations  uint64
	FrameErrors uint64
	InferErrors uint64
	Discarded   uint64
}

// Loop repeatedly pulls a frame, estimates poses and publishes the result.
// Iterations are strictly sequential: the next one is scheduled only after
// the previous inference call returns.
type Loop struct {
	config   Config
	load     pose.Loader
	renderer Renderer
	slot     *latest.Slot[pose.Event]

	// OnReady runs once after the model loaded, before the first iteration.
	OnReady func()

	// Seq numbers emitted events. Loops sharing a counter keep Seq
	// increasing across restarts. Nil uses a counter owned by the loop.
	Seq *atomic.Uint64

	mu          sync.Mutex
	running     bool
	seq         atomic.Uint64
	stats       Stats
	subscribers map[int]func(pose.Event)
	nextID      int
}

// New creates a loop. renderer and slot may be nil.
func New(cfg Config, load pose.Loader, renderer Renderer, slot *latest.Slot[pose.Event]) *Loop {
	if cfg.MinConfidence < 0 {
		cfg.MinConfidence = 0
	}
	if cfg.RefreshRate <= 0 {
		cfg.RefreshRate = DefaultRefreshRate
	}
	cfg.RefreshRate = min(cfg.RefreshRate, MaxRefreshRate)

	l := &Loop{
		config:      cfg,
		load:        load,
		renderer:    renderer,
		slot:        slot,
		subscribers: make(map[int]func(pose.Event)),
	}
	l.Seq = &l.seq
	return l
}

// Config returns the normalized configuration.
func (l *Loop) Config() Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.config
}

// Subscribe registers fn for every emitted pose event and returns a function
// that removes it. Subscribers run on the loop goroutine.
func (l *Loop) Subscribe(fn func(pose.Event)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.nextID
	l.nextID++
	l.subscribers[id] = fn

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.subscribers, id)
	}
}

// Run loads the model once, then iterates until ctx is cancelled.
// A load failure is returned wrapped in pose.ErrModelLoad and no iteration runs.
func (l *Loop) Run(ctx context.Context, src FrameSource) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return ErrAlreadyRunning
	}
	l.running = true
	cfg := l.config
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.running = false
		l.mu.Unlock()
	}()

	est, err := l.load(ctx, cfg.Model)
	if err != nil {
		if errors.Is(err, pose.ErrModelLoad) {
			return err
		}
		return fmt.Errorf("%w: %v", pose.ErrModelLoad, err)
	}
	defer est.Close()

	if err := ctx.Err(); err != nil {
		return nil
	}

	if l.OnReady != nil {
		l.OnReady()
	}

	interval := time.Second / time.Duration(cfg.RefreshRate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		l.iterate(ctx, src, est, cfg)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// iterate runs one frame -> inference -> emit -> render cycle.
func (l *Loop) iterate(ctx context.Context, src FrameSource, est pose.Estimator, cfg Config) {
	frame, err := src.ReadFrame()
	if err != nil {
		l.count(func(s *Stats) { s.FrameErrors++ })
		log.Printf("Error reading frame: %v", err)
		return
	}
	defer frame.Close()

	poses, err := est.EstimatePoses(ctx, frame, cfg.Inference)

	// The component may have been torn down while inference was in flight.
	if ctx.Err() != nil {
		l.count(func(s *Stats) { s.Discarded++ })
		return
	}

	if err != nil {
		l.count(func(s *Stats) { s.InferErrors++ })
		log.Printf("Error estimating poses: %v", err)
		return
	}

	l.emit(poses)

	if !cfg.HideKeypoints && l.renderer != nil {
		if err := l.renderer.Render(frame, poses, cfg.MinConfidence); err != nil {
			log.Printf("Error rendering overlay: %v", err)
		}
	}
}

func (l *Loop) emit(poses []pose.Pose) {
	l.mu.Lock()
	l.stats.Iterations++
	ev := pose.Event{
		Seq:       l.Seq.Add(1),
		Timestamp: time.Now(),
		Poses:     poses,
	}
	subs := make([]func(pose.Event), 0, len(l.subscribers))
	for id := 0; id < l.nextID; id++ {
		if fn, ok := l.subscribers[id]; ok {
			subs = append(subs, fn)
		}
	}
	l.mu.Unlock()

	if l.slot != nil {
		l.slot.Store(ev)
	}

	for _, fn := range subs {
		fn(ev)
	}
}

func (l *Loop) count(fn func(*Stats)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn(&l.stats)
}

// Stats returns a snapshot of loop counters.
func (l *Loop) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// Running reports whether Run is active.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}
