// Package animation is a small player for a subset of the Lottie (bodymovin)
// JSON format. It evaluates layer positions per frame and lets callers
// override them through value callbacks.
package animation

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidDocument is returned when animation data cannot be parsed.
var ErrInvalidDocument = errors.New("invalid animation document")

// MaxFrameRate bounds the "fr" field so the playback tick stays positive.
const MaxFrameRate = 1000

// Point is a 2D value in animation or container space.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Size is a width/height pair.
type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Document is the parsed animation description.
type Document struct {
	Version   string  `json:"v"`
	Name      string  `json:"nm"`
	FrameRate float64 `json:"fr"`
	InPoint   float64 `json:"ip"`
	OutPoint  float64 `json:"op"`
	Width     float64 `json:"w"`
	Height    float64 `json:"h"`
	Layers    []Layer `json:"layers"`
}

// Layer is one animated layer.
type Layer struct {
	Name      string    `json:"nm"`
	Index     int       `json:"ind"`
	Transform Transform `json:"ks"`
}

// Transform holds the animated transform properties of a layer.
type Transform struct {
	Position AnimatedPoint `json:"p"`
}

// Keyframe is a position sample at frame T.
type Keyframe struct {
	T float64   `json:"t"`
	S []float64 `json:"s"`
}

// AnimatedPoint is either a static value or a keyframed one.
type AnimatedPoint struct {
	Static    Point
	Keyframes []Keyframe
}

// UnmarshalJSON accepts {"a":0,"k":[x,y(,z)]} and {"a":1,"k":[{"t":..,"s":[..]}]}.
func (a *AnimatedPoint) UnmarshalJSON(data []byte) error {
	var raw struct {
		A int             `json:"a"`
		K json.RawMessage `json:"k"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw.K) == 0 {
		*a = AnimatedPoint{}
		return nil
	}

	if raw.A == 0 {
		var v []float64
		if err := json.Unmarshal(raw.K, &v); err == nil {
			p, err := toPoint(v)
			if err != nil {
				return err
			}
			*a = AnimatedPoint{Static: p}
			return nil
		}
	}

	var kfs []Keyframe
	if err := json.Unmarshal(raw.K, &kfs); err != nil {
		return fmt.Errorf("position keyframes: %w", err)
	}
	for i, kf := range kfs {
		if _, err := toPoint(kf.S); err != nil {
			return fmt.Errorf("keyframe %d: %w", i, err)
		}
		if i > 0 && kf.T < kfs[i-1].T {
			return fmt.Errorf("keyframe %d: time %v before %v", i, kf.T, kfs[i-1].T)
		}
	}
	*a = AnimatedPoint{Keyframes: kfs}
	return nil
}

// At evaluates the value at frame f. Keyframes interpolate linearly and hold
// their first and last values outside their range.
func (a AnimatedPoint) At(f float64) Point {
	n := len(a.Keyframes)
	if n == 0 {
		return a.Static
	}

	first, _ := toPoint(a.Keyframes[0].S)
	if f <= a.Keyframes[0].T || n == 1 {
		return first
	}
	last, _ := toPoint(a.Keyframes[n-1].S)
	if f >= a.Keyframes[n-1].T {
		return last
	}

	for i := 0; i < n-1; i++ {
		k0, k1 := a.Keyframes[i], a.Keyframes[i+1]
		if f < k0.T || f >= k1.T {
			continue
		}
		p0, _ := toPoint(k0.S)
		p1, _ := toPoint(k1.S)
		span := k1.T - k0.T
		if span <= 0 {
			return p1
		}
		t := (f - k0.T) / span
		return Point{
			X: p0.X + (p1.X-p0.X)*t,
			Y: p0.Y + (p1.Y-p0.Y)*t,
		}
	}
	return last
}

func toPoint(v []float64) (Point, error) {
	if len(v) < 2 {
		return Point{}, fmt.Errorf("position needs 2 components, got %d", len(v))
	}
	return Point{X: v[0], Y: v[1]}, nil
}

// ParseDocument decodes and validates animation JSON.
func ParseDocument(data []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}

	switch {
	case doc.Width <= 0 || doc.Height <= 0:
		return nil, fmt.Errorf("%w: size %vx%v", ErrInvalidDocument, doc.Width, doc.Height)
	case doc.FrameRate <= 0 || doc.FrameRate > MaxFrameRate:
		return nil, fmt.Errorf("%w: frame rate %v", ErrInvalidDocument, doc.FrameRate)
	case doc.OutPoint <= doc.InPoint:
		return nil, fmt.Errorf("%w: out point %v not after in point %v", ErrInvalidDocument, doc.OutPoint, doc.InPoint)
	}

	return &doc, nil
}

// Layer returns the first layer named name.
func (d *Document) Layer(name string) (int, bool) {
	for i, l := range d.Layers {
		if l.Name == name {
			return i, true
		}
	}
	return 0, false
}
