// Package overlay renders the pose presentation surface: the source frame
// plus a marker per confident keypoint.
package overlay

import (
	"errors"
	"image"
	"image/color"
	"sync"

	"gocv.io/x/gocv"

	"github.com/ayusman/poserig/internal/pose"
)

// Canvas defaults.
const (
	DefaultWidth         = 500
	DefaultHeight        = 400
	DefaultMinConfidence = 0.5
	MarkerRadius         = 3
)

// ErrEmptyCanvas is returned when encoding a canvas that was never drawn.
var ErrEmptyCanvas = errors.New("canvas has not been drawn")

// ErrCanvasClosed is returned when rendering onto a closed canvas.
var ErrCanvasClosed = errors.New("canvas closed")

// MarkerColor is the keypoint marker color (red).
var MarkerColor = color.RGBA{R: 255, G: 0, B: 0, A: 255}

// Visible returns the keypoints whose score passes minConfidence.
// The threshold is inclusive.
func Visible(keypoints []pose.Keypoint, minConfidence float64) []pose.Keypoint {
	out := make([]pose.Keypoint, 0, len(keypoints))
	for _, kp := range keypoints {
		if kp.Score >= minConfidence {
			out = append(out, kp)
		}
	}
	return out
}

// Canvas is the single presentation surface of a pose component.
// Only the inference loop draws on it; readers take encoded snapshots.
type Canvas struct {
	width   int
	height  int
	mat     gocv.Mat
	drawn   bool
	closed  bool
	markers int
	mu      sync.Mutex
}

// NewCanvas creates a blank canvas.
func NewCanvas(width, height int) *Canvas {
	if width <= 0 {
		width = DefaultWidth
	}
	if height <= 0 {
		height = DefaultHeight
	}
	return &Canvas{
		width:  width,
		height: height,
		mat:    gocv.NewMatWithSize(height, width, gocv.MatTypeCV8UC3),
	}
}

// Render draws the frame scaled to the canvas, then a filled marker for
// every keypoint with score >= minConfidence. Keypoints are in source-frame
// pixels and are scaled with the frame.
func (c *Canvas) Render(frame *gocv.Mat, poses []pose.Pose, minConfidence float64) error {
	if frame == nil || frame.Empty() {
		return errors.New("empty frame")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrCanvasClosed
	}

	gocv.Resize(*frame, &c.mat, image.Pt(c.width, c.height), 0, 0, gocv.InterpolationLinear)

	sx := float64(c.width) / float64(frame.Cols())
	sy := float64(c.height) / float64(frame.Rows())

	markers := 0
	for _, p := range poses {
		for _, kp := range Visible(p.Keypoints, minConfidence) {
			center := image.Pt(int(kp.Position.X*sx), int(kp.Position.Y*sy))
			gocv.Circle(&c.mat, center, MarkerRadius, MarkerColor, -1)
			markers++
		}
	}

	c.markers = markers
	c.drawn = true
	return nil
}

// Markers returns how many keypoint markers the last Render drew.
func (c *Canvas) Markers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.markers
}

// Size returns the canvas dimensions.
func (c *Canvas) Size() image.Point {
	return image.Pt(c.width, c.height)
}

// JPEG encodes the current canvas contents.
func (c *Canvas) JPEG() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.drawn {
		return nil, ErrEmptyCanvas
	}

	buf, err := gocv.IMEncode(".jpg", c.mat)
	if err != nil {
		return nil, err
	}
	defer buf.Close()

	data := make([]byte, buf.Len())
	copy(data, buf.GetBytes())
	return data, nil
}

// Close releases the canvas buffer. Later snapshots fail with
// ErrEmptyCanvas. Closing twice is a no-op.
func (c *Canvas) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.drawn = false
	c.markers = 0
	return c.mat.Close()
}
