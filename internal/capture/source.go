// Package capture acquires camera and video-file sources using GoCV (OpenCV).
package capture

import (
	"errors"
	"fmt"
	"runtime"
	"strings"

	"gocv.io/x/gocv"
)

// Desktop capture hint, matching the overlay canvas size.
const (
	DefaultWidth  = 500
	DefaultHeight = 400

	// DefaultFileFPS is used when a file reports no frame rate.
	DefaultFileFPS = 30
)

// Acquisition errors.
var (
	// ErrNoSource means neither camera nor file was requested. It is a
	// terminal state, not a failure: the caller must not start a loop.
	ErrNoSource = errors.New("no pose source specified")
	// ErrSourceUnavailable means the host has no capture capability.
	ErrSourceUnavailable = errors.New("capture source unavailable")
	// ErrAcquisitionDenied means permission to the device was refused.
	ErrAcquisitionDenied = errors.New("capture permission denied")
	// ErrLoadError means the backing resource could not be decoded.
	ErrLoadError = errors.New("source could not be loaded")
	// ErrNotPlaying is returned when reading from a handle that is not playing.
	ErrNotPlaying = errors.New("source is not playing")
)

// Mode selects how a source is acquired.
type Mode int

const (
	ModeNone Mode = iota
	ModeCamera
	ModeFile
)

func (m Mode) String() string {
	switch m {
	case ModeCamera:
		return "camera"
	case ModeFile:
		return "file"
	default:
		return "none"
	}
}

// DeviceClass is a coarse host class that shapes the capture request.
type DeviceClass int

const (
	DeviceDesktop DeviceClass = iota
	DeviceMobile
)

// ParseDeviceClass maps "mobile"/"desktop" to a class. Anything else is
// detected from the running platform.
func ParseDeviceClass(s string) DeviceClass {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mobile":
		return DeviceMobile
	case "desktop":
		return DeviceDesktop
	default:
		return DetectDeviceClass()
	}
}

// DetectDeviceClass reports mobile on Android and iOS builds.
func DetectDeviceClass() DeviceClass {
	switch runtime.GOOS {
	case "android", "ios":
		return DeviceMobile
	default:
		return DeviceDesktop
	}
}

// ResolutionHint returns the requested capture size for a device class.
// Mobile devices get no size constraint (0x0) so the camera picks its own,
// narrower mode.
func ResolutionHint(class DeviceClass) (width, height int) {
	if class == DeviceMobile {
		return 0, 0
	}
	return DefaultWidth, DefaultHeight
}

// Request describes the source to acquire.
type Request struct {
	Mode        Mode
	Locator     string // File path or URL (ModeFile)
	DeviceID    int    // Capture device index (ModeCamera)
	Facing      string // Facing hint, "user" for front-facing
	DeviceClass DeviceClass
}

// State is the acquisition state of a Handle.
type State int

const (
	StateIdle State = iota
	StateAcquiring
	StateMetadataLoaded
	StatePlaying
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAcquiring:
		return "acquiring"
	case StateMetadataLoaded:
		return "metadata-loaded"
	case StatePlaying:
		return "playing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Device is the subset of *gocv.VideoCapture used by a Handle.
type Device interface {
	Read(m *gocv.Mat) bool
	Set(prop gocv.VideoCaptureProperties, param float64)
	Get(prop gocv.VideoCaptureProperties) float64
	IsOpened() bool
	Close() error
}
