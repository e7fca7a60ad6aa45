package capture

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"runtime"
	"time"

	"gocv.io/x/gocv"
)

// metadataRetryInterval is the pause between first-frame attempts on a
// camera that is still warming up.
const metadataRetryInterval = 10 * time.Millisecond

// Acquirer opens sources and drives them to the playing state.
type Acquirer struct {
	OpenCamera func(deviceID int) (Device, error)
	OpenFile   func(locator string) (Device, error)
	// Probe classifies camera availability before opening.
	Probe func(deviceID int) error

	now func() time.Time
}

// NewAcquirer creates an Acquirer backed by GoCV.
func NewAcquirer() *Acquirer {
	return &Acquirer{
		OpenCamera: openCamera,
		OpenFile:   openFile,
		Probe:      probeDevice,
		now:        time.Now,
	}
}

// Acquire opens the requested source, waits for its metadata and starts
// playback. The returned handle is owned by the caller.
func (a *Acquirer) Acquire(ctx context.Context, req Request) (*Handle, error) {
	switch req.Mode {
	case ModeCamera:
		return a.acquireCamera(ctx, req)
	case ModeFile:
		return a.acquireFile(ctx, req)
	default:
		return nil, ErrNoSource
	}
}

func (a *Acquirer) acquireCamera(ctx context.Context, req Request) (*Handle, error) {
	if a.Probe != nil {
		if err := a.Probe(req.DeviceID); err != nil {
			return nil, err
		}
	}

	dev, err := a.OpenCamera(req.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("%w: device %d: %v", ErrSourceUnavailable, req.DeviceID, err)
	}
	if !dev.IsOpened() {
		dev.Close()
		return nil, fmt.Errorf("%w: device %d did not open", ErrSourceUnavailable, req.DeviceID)
	}

	if w, h := ResolutionHint(req.DeviceClass); w > 0 && h > 0 {
		dev.Set(gocv.VideoCaptureFrameWidth, float64(w))
		dev.Set(gocv.VideoCaptureFrameHeight, float64(h))
	}

	facing := req.Facing
	if facing == "" {
		facing = "user"
	}

	h := newHandle(ModeCamera, dev, a.now)
	h.facing = facing

	if err := h.loadMetadata(ctx, true); err != nil {
		h.Close()
		if errors.Is(err, ErrLoadError) {
			return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
		}
		return nil, err
	}

	h.play()
	return h, nil
}

func (a *Acquirer) acquireFile(ctx context.Context, req Request) (*Handle, error) {
	if req.Locator == "" {
		return nil, fmt.Errorf("%w: empty locator", ErrLoadError)
	}

	dev, err := a.OpenFile(req.Locator)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrLoadError, req.Locator, err)
	}
	if !dev.IsOpened() {
		dev.Close()
		return nil, fmt.Errorf("%w: %s did not open", ErrLoadError, req.Locator)
	}

	h := newHandle(ModeFile, dev, a.now)
	if err := h.loadMetadata(ctx, false); err != nil {
		h.Close()
		return nil, err
	}

	h.play()
	return h, nil
}

func openCamera(deviceID int) (Device, error) {
	vc, err := gocv.OpenVideoCapture(deviceID)
	if err != nil {
		return nil, err
	}
	return vc, nil
}

func openFile(locator string) (Device, error) {
	vc, err := gocv.OpenVideoCaptureWithAPI(locator, gocv.VideoCaptureAny)
	if err != nil {
		return nil, err
	}
	return vc, nil
}

// probeDevice checks the V4L2 node on Linux so permission problems are
// distinguishable from missing hardware. Other platforms defer to OpenCV.
func probeDevice(deviceID int) error {
	if runtime.GOOS != "linux" {
		return nil
	}

	path := fmt.Sprintf("/dev/video%d", deviceID)
	f, err := os.Open(path)
	if err == nil {
		f.Close()
		return nil
	}

	switch {
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %s", ErrAcquisitionDenied, path)
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %s does not exist", ErrSourceUnavailable, path)
	default:
		return fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
}
