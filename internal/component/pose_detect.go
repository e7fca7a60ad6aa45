package component

import (
	"context"
	"errors"
	"log"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ayusman/poserig/internal/capture"
	"github.com/ayusman/poserig/internal/config"
	"github.com/ayusman/poserig/internal/inference"
	"github.com/ayusman/poserig/internal/overlay"
	"github.com/ayusman/poserig/internal/pose"
	"github.com/ayusman/poserig/internal/status"
)

// Status messages shown by PoseDetect.
const (
	msgInitializing     = "Initializing..."
	msgCreatingCanvas   = "Creating canvas..."
	msgCreatingPreview  = "Creating preview container..."
	msgHookingCamera    = "Hooking up camera..."
	msgLoadingVideo     = "Loading video file..."
	msgNoSource         = "No pose source specified!"
	msgLoadingModel     = "Loading PoseNet (may take a while)..."
	msgModelLoadFailed  = "Failed to load PoseNet model!"
	msgCameraDenied     = "Camera permission denied!"
	msgCameraMissing    = "Camera not available!"
	msgVideoLoadFailed  = "Video file could not be loaded!"
	msgBadPosenetConfig = "Unable to parse posenet config, using defaults..."
	msgBadInferConfig   = "Unable to parse inference config, using defaults..."
	msgBadMinConfidence = "Unable to parse min-confidence, using default..."
	msgBadRefreshRate   = "Unable to parse refresh-rate, using default..."
)

// PoseDetect runs the source acquisition and inference loop for one source.
type PoseDetect struct {
	name   string
	attrs  config.Attributes
	env    Env
	status *status.Reporter

	mu          sync.Mutex
	canvas      *overlay.Canvas
	handle      *capture.Handle
	cancel      context.CancelFunc
	done        chan struct{}
	running     bool
	subscribers map[int]func(pose.Event)
	nextID      int

	// seq outlives each pipeline so onpose sequence numbers keep
	// increasing across Detach and Attach.
	seq atomic.Uint64
}

// NewPoseDetect creates a detached pose component.
func NewPoseDetect(name string, attrs config.Attributes, env Env) *PoseDetect {
	if env.Acquirer == nil {
		env.Acquirer = capture.NewAcquirer()
	}
	if env.Loader == nil {
		env.Loader = pose.LoadSubprocess
	}

	p := &PoseDetect{
		name:        name,
		attrs:       attrs,
		env:         env,
		status:      status.New(name),
		subscribers: make(map[int]func(pose.Event)),
	}
	p.status.Report(msgInitializing)
	return p
}

// Name returns the instance name.
func (p *PoseDetect) Name() string { return p.name }

// Kind returns config.KindPoseDetect.
func (p *PoseDetect) Kind() string { return config.KindPoseDetect }

// Status returns the component's status overlay.
func (p *PoseDetect) Status() *status.Reporter { return p.status }

// Canvas returns the overlay surface, or nil before the first Attach.
func (p *PoseDetect) Canvas() *overlay.Canvas {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.canvas
}

// JPEG encodes the current overlay surface.
func (p *PoseDetect) JPEG() ([]byte, error) {
	canvas := p.Canvas()
	if canvas == nil {
		return nil, overlay.ErrEmptyCanvas
	}
	return canvas.JPEG()
}

// Running reports whether the inference loop is running.
func (p *PoseDetect) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Done is closed when the pipeline started by the last Attach has exited.
// It is nil before the first Attach.
func (p *PoseDetect) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// OnPose registers fn for every onpose event and returns a function that
// removes it. Payloads carry every keypoint regardless of confidence.
func (p *PoseDetect) OnPose(fn func(pose.Event)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.nextID
	p.nextID++
	p.subscribers[id] = fn

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.subscribers, id)
	}
}

func (p *PoseDetect) emit(ev pose.Event) {
	p.mu.Lock()
	fns := make([]func(pose.Event), 0, len(p.subscribers))
	for id := 0; id < p.nextID; id++ {
		if fn, ok := p.subscribers[id]; ok {
			fns = append(fns, fn)
		}
	}
	p.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// Attach starts the pipeline in the background. Progress and failures are
// reported to Status. Attaching an attached component is a no-op.
func (p *PoseDetect) Attach(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		return nil
	}

	p.status.Report(msgCreatingCanvas)
	if p.canvas == nil {
		w, h := p.canvasSize()
		p.canvas = overlay.NewCanvas(w, h)
	}

	p.status.Report(msgCreatingPreview)
	cfg := p.loopConfig()

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	go p.run(runCtx, cfg, p.canvas, p.done)
	return nil
}

// canvasSize reads width/height. Malformed values fall back to defaults.
func (p *PoseDetect) canvasSize() (int, int) {
	w, err := p.attrs.Int(config.AttrWidth, overlay.DefaultWidth)
	if err != nil {
		log.Printf("[%s] %v", p.name, err)
	}
	h, err := p.attrs.Int(config.AttrHeight, overlay.DefaultHeight)
	if err != nil {
		log.Printf("[%s] %v", p.name, err)
	}
	return w, h
}

// loopConfig parses the inference attributes. Each malformed attribute
// reports one error line and falls back to its default.
func (p *PoseDetect) loopConfig() inference.Config {
	cfg := inference.DefaultConfig()

	var err error
	if cfg.Model, err = p.attrs.ModelConfig(); err != nil {
		p.status.ReportError(msgBadPosenetConfig)
	}
	if cfg.Inference, err = p.attrs.InferenceConfig(); err != nil {
		p.status.ReportError(msgBadInferConfig)
	}
	if cfg.MinConfidence, err = p.attrs.Float(config.AttrMinConfidence, overlay.DefaultMinConfidence); err != nil {
		p.status.ReportError(msgBadMinConfidence)
	}
	cfg.RefreshRate, err = p.attrs.Int(config.AttrRefreshRate, inference.DefaultRefreshRate)
	if err != nil || cfg.RefreshRate <= 0 || cfg.RefreshRate > inference.MaxRefreshRate {
		p.status.ReportError(msgBadRefreshRate)
		cfg.RefreshRate = inference.DefaultRefreshRate
	}
	cfg.HideKeypoints = p.attrs.Has(config.AttrHideKeypoints)

	return cfg
}

// request derives the source request. camera wins over video/src.
func (p *PoseDetect) request() capture.Request {
	req := capture.Request{
		Facing:      "user",
		DeviceClass: capture.ParseDeviceClass(p.attrs.Get(config.AttrDeviceClass)),
	}

	switch {
	case p.attrs.Has(config.AttrCamera):
		req.Mode = capture.ModeCamera
		if id, err := strconv.Atoi(strings.TrimSpace(p.attrs.Get(config.AttrCamera))); err == nil && id >= 0 {
			req.DeviceID = id
		}
	case p.attrs.Get(config.AttrVideo) != "":
		req.Mode = capture.ModeFile
		req.Locator = p.attrs.Get(config.AttrVideo)
	case p.attrs.Get(config.AttrSrc) != "":
		req.Mode = capture.ModeFile
		req.Locator = p.attrs.Get(config.AttrSrc)
	}
	return req
}

func (p *PoseDetect) run(ctx context.Context, cfg inference.Config, canvas *overlay.Canvas, done chan struct{}) {
	defer close(done)

	req := p.request()
	switch req.Mode {
	case capture.ModeCamera:
		p.status.Report(msgHookingCamera)
	case capture.ModeFile:
		p.status.Report(msgLoadingVideo)
	default:
		p.status.Report(msgNoSource)
		return
	}

	handle, err := p.env.Acquirer.Acquire(ctx, req)
	if err != nil {
		if ctx.Err() == nil {
			p.reportAcquireError(err)
		}
		return
	}

	p.mu.Lock()
	if ctx.Err() != nil {
		p.mu.Unlock()
		handle.Close()
		return
	}
	p.handle = handle
	p.mu.Unlock()

	p.status.Report(msgLoadingModel)

	loop := inference.New(cfg, p.env.Loader, canvas, p.env.Poses)
	loop.Seq = &p.seq
	loop.Subscribe(p.emit)
	loop.OnReady = func() {
		p.setRunning(done, true)
		// Parse errors stay visible: the component is not fully ready.
		if p.status.Errors() == 0 {
			p.status.Clear()
		}
	}

	err = loop.Run(ctx, handle)
	p.setRunning(done, false)

	if err != nil && errors.Is(err, pose.ErrModelLoad) && ctx.Err() == nil {
		log.Printf("[%s] %v", p.name, err)
		p.status.ReportError(msgModelLoadFailed)
	}
}

// setRunning ignores pipelines superseded by a later Attach.
func (p *PoseDetect) setRunning(done chan struct{}, running bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done == done {
		p.running = running
	}
}

func (p *PoseDetect) reportAcquireError(err error) {
	log.Printf("[%s] acquire: %v", p.name, err)

	switch {
	case errors.Is(err, capture.ErrAcquisitionDenied):
		p.status.ReportError(msgCameraDenied)
	case errors.Is(err, capture.ErrSourceUnavailable):
		p.status.ReportError(msgCameraMissing)
	default:
		p.status.ReportError(msgVideoLoadFailed)
	}
}

// Detach stops scheduling iterations and releases the source. An iteration
// in flight completes and its result is discarded. Safe to call repeatedly
// or without Attach.
func (p *PoseDetect) Detach() error {
	p.mu.Lock()
	if p.cancel == nil {
		p.mu.Unlock()
		return nil
	}
	// Cancel under the lock so run cannot store a handle after this point.
	p.cancel()
	handle := p.handle
	p.cancel = nil
	p.handle = nil
	p.mu.Unlock()

	if handle != nil {
		if err := handle.Close(); err != nil {
			log.Printf("[%s] Error closing source: %v", p.name, err)
		}
	}
	return nil
}

// Close detaches, waits for the pipeline to exit and releases the overlay
// surface. A later Attach creates a fresh surface.
func (p *PoseDetect) Close() error {
	p.Detach()
	if done := p.Done(); done != nil {
		<-done
	}

	p.mu.Lock()
	canvas := p.canvas
	p.canvas = nil
	p.mu.Unlock()

	if canvas == nil {
		return nil
	}
	return canvas.Close()
}
