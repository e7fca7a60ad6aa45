package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"gocv.io/x/gocv"
)

// Handle is a frame-readable source bound to one component instance.
type Handle struct {
	mode   Mode
	device Device
	facing string
	now    func() time.Time

	mu        sync.Mutex
	state     State
	width     int
	height    int
	fps       float64
	startedAt time.Time
	// File playback: last decoded frame and how many frames were decoded.
	last    gocv.Mat
	decoded int
	ended   bool
}

func newHandle(mode Mode, dev Device, now func() time.Time) *Handle {
	return &Handle{
		mode:   mode,
		device: dev,
		now:    now,
		state:  StateAcquiring,
		last:   gocv.NewMat(),
	}
}

// loadMetadata reads the first frame and the stream properties.
// Cameras are retried until a frame arrives or ctx ends; files get one try.
func (h *Handle) loadMetadata(ctx context.Context, retry bool) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		h.mu.Lock()
		ok := h.device.Read(&h.last)
		h.mu.Unlock()

		if ok && !h.last.Empty() {
			break
		}
		if !retry {
			return fmt.Errorf("%w: first frame could not be decoded", ErrLoadError)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(metadataRetryInterval):
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.width = int(h.device.Get(gocv.VideoCaptureFrameWidth))
	h.height = int(h.device.Get(gocv.VideoCaptureFrameHeight))
	if h.width <= 0 || h.height <= 0 {
		h.width = h.last.Cols()
		h.height = h.last.Rows()
	}
	if h.width <= 0 || h.height <= 0 {
		return fmt.Errorf("%w: stream reports no frame size", ErrLoadError)
	}

	h.fps = h.device.Get(gocv.VideoCaptureFPS)
	if h.fps <= 0 && h.mode == ModeFile {
		h.fps = DefaultFileFPS
	}

	h.decoded = 1
	h.state = StateMetadataLoaded
	return nil
}

func (h *Handle) play() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != StateMetadataLoaded {
		return
	}
	h.startedAt = h.now()
	h.state = StatePlaying
}

// ReadFrame returns the current visual frame.
// The caller is responsible for closing the returned Mat.
//
// Cameras return the next captured frame. Files advance in real time at the
// stream frame rate and hold the last frame after the end.
func (h *Handle) ReadFrame() (*gocv.Mat, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != StatePlaying {
		return nil, ErrNotPlaying
	}

	if h.mode == ModeCamera {
		mat := gocv.NewMat()
		if ok := h.device.Read(&mat); !ok {
			mat.Close()
			return nil, errors.New("failed to read frame from camera")
		}
		if mat.Empty() {
			mat.Close()
			return nil, errors.New("captured frame is empty")
		}
		return &mat, nil
	}

	target := int(h.now().Sub(h.startedAt).Seconds()*h.fps) + 1
	for !h.ended && h.decoded < target {
		next := gocv.NewMat()
		if ok := h.device.Read(&next); !ok || next.Empty() {
			next.Close()
			h.ended = true
			break
		}
		h.last.Close()
		h.last = next
		h.decoded++
	}

	frame := h.last.Clone()
	return &frame, nil
}

// Close releases the device and the held frame. Safe to call repeatedly.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == StateClosed {
		return nil
	}
	h.state = StateClosed

	err := h.device.Close()
	h.last.Close()
	return err
}

// State returns the acquisition state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Mode returns how the source was acquired.
func (h *Handle) Mode() Mode {
	return h.mode
}

// Facing returns the facing hint the camera was requested with.
func (h *Handle) Facing() string {
	return h.facing
}

// Size returns the source frame size reported at metadata load.
func (h *Handle) Size() image.Point {
	h.mu.Lock()
	defer h.mu.Unlock()
	return image.Pt(h.width, h.height)
}

// FPS returns the stream frame rate (0 when a camera does not report one).
func (h *Handle) FPS() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fps
}

// Ended reports whether file playback reached the end of the stream.
func (h *Handle) Ended() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ended
}
