package capture

import (
	"sync"

	"gocv.io/x/gocv"
)

// MockDevice plays back pre-recorded frames for testing.
type MockDevice struct {
	frames []*gocv.Mat
	index  int
	loop   bool
	props  map[gocv.VideoCaptureProperties]float64
	opened bool
	closes int
	mu     sync.Mutex
}

// NewMockDevice creates an opened MockDevice over frames.
func NewMockDevice(frames []*gocv.Mat, loop bool) *MockDevice {
	return &MockDevice{
		frames: frames,
		loop:   loop,
		props:  make(map[gocv.VideoCaptureProperties]float64),
		opened: true,
	}
}

// Read copies the next frame into m.
func (d *MockDevice) Read(m *gocv.Mat) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.opened || len(d.frames) == 0 {
		return false
	}

	if d.index >= len(d.frames) {
		if !d.loop {
			return false
		}
		d.index = 0
	}

	d.frames[d.index].CopyTo(m)
	d.index++
	return true
}

// Set records a property.
func (d *MockDevice) Set(prop gocv.VideoCaptureProperties, param float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.props[prop] = param
}

// Get returns a recorded property, or 0.
func (d *MockDevice) Get(prop gocv.VideoCaptureProperties) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.props[prop]
}

// IsOpened reports whether the device is open.
func (d *MockDevice) IsOpened() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opened
}

// Close closes the device and counts the call.
func (d *MockDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opened = false
	d.closes++
	return nil
}

// SetOpened overrides the opened state, to simulate a device that fails to open.
func (d *MockDevice) SetOpened(opened bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opened = opened
}

// Closes returns how many times Close was called.
func (d *MockDevice) Closes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closes
}

// Reads returns how many frames were consumed.
func (d *MockDevice) Reads() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.index
}

// MockAcquirer returns an Acquirer whose camera and file openers both yield dev.
func MockAcquirer(dev Device) *Acquirer {
	a := NewAcquirer()
	a.OpenCamera = func(int) (Device, error) { return dev, nil }
	a.OpenFile = func(string) (Device, error) { return dev, nil }
	a.Probe = nil
	return a
}
