package rig

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ayusman/poserig/internal/animation"
	"github.com/ayusman/poserig/internal/latest"
	"github.com/ayusman/poserig/internal/pose"
)

// fakeEngine resolves a fixed set of layers and scales container points by 2.
type fakeEngine struct {
	layers    map[string]bool
	failAddAt int // 1-based AddValueCallback call that fails; 0 never
	adds      int
	callbacks map[animation.CallbackID]animation.ValueCallback
	byPath    map[animation.CallbackID]string
	next      animation.CallbackID
	paths     []string
}

func newFakeEngine(layers ...string) *fakeEngine {
	e := &fakeEngine{
		layers:    make(map[string]bool),
		callbacks: make(map[animation.CallbackID]animation.ValueCallback),
		byPath:    make(map[animation.CallbackID]string),
	}
	for _, l := range layers {
		e.layers[l] = true
	}
	return e
}

// Property is opaque outside the animation package, so the fake tracks
// resolved paths by call order.
func (e *fakeEngine) KeyPath(text string) (animation.Property, error) {
	e.paths = append(e.paths, text)
	for l := range e.layers {
		if text == (KeyPath{Layer: l, Property: PropertyPosition}).String() {
			return animation.Property{}, nil
		}
	}
	return animation.Property{}, animation.ErrUnknownKeyPath
}

func (e *fakeEngine) AddValueCallback(prop animation.Property, fn animation.ValueCallback) (animation.CallbackID, error) {
	e.adds++
	if e.failAddAt > 0 && e.adds == e.failAddAt {
		return 0, errors.New("engine rejected callback")
	}
	e.next++
	e.callbacks[e.next] = fn
	e.byPath[e.next] = e.paths[e.adds-1]
	return e.next, nil
}

func (e *fakeEngine) RemoveValueCallback(id animation.CallbackID) {
	delete(e.callbacks, id)
	delete(e.byPath, id)
}

func (e *fakeEngine) ToContainerPoint(p animation.Point) animation.Point {
	return animation.Point{X: p.X * 2, Y: p.Y * 2}
}

func (e *fakeEngine) eval(path string, current animation.Point) animation.Point {
	for id, p := range e.byPath {
		if p == path {
			current = e.callbacks[id](current)
		}
	}
	return current
}

func fixed(p animation.Point) CoordinateMapper {
	return MapperFunc(func(string, animation.Point) (animation.Point, bool) { return p, true })
}

func TestKeyPath_String(t *testing.T) {
	tests := []struct {
		kp   KeyPath
		want string
	}{
		{KeyPath{Layer: "head", Property: PropertyPosition}, "#head,Transform,Position"},
		{KeyPath{Layer: "left hand", Property: PropertyPosition}, "#left hand,Transform,Position"},
	}
	for _, tt := range tests {
		if got := tt.kp.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestBind(t *testing.T) {
	t.Run("overrides with container point", func(t *testing.T) {
		e := newFakeEngine("head", "hand")
		r, err := Bind(e, []string{"head", "hand"}, fixed(animation.Point{X: 10, Y: 20}))
		if err != nil {
			t.Fatalf("Bind() error = %v", err)
		}
		defer r.Release()

		got := e.eval("#head,Transform,Position", animation.Point{X: 1, Y: 1})
		if got != (animation.Point{X: 20, Y: 40}) {
			t.Errorf("head = %v, want {20 40}", got)
		}
		if r.Overrides() != 1 {
			t.Errorf("Overrides() = %d, want 1", r.Overrides())
		}
	})

	t.Run("unknown layer binds nothing", func(t *testing.T) {
		e := newFakeEngine("head")
		r, err := Bind(e, []string{"head", "tail"}, fixed(animation.Point{}))

		var be *BindingError
		if !errors.As(err, &be) || be.Layer != "tail" {
			t.Fatalf("expected BindingError for tail, got %v", err)
		}
		if !errors.Is(err, animation.ErrUnknownKeyPath) {
			t.Errorf("expected wrapped ErrUnknownKeyPath, got %v", err)
		}
		if r != nil {
			t.Error("expected nil rig")
		}
		if e.adds != 0 {
			t.Errorf("no callback should be registered, got %d", e.adds)
		}
	})

	t.Run("registration failure rolls back", func(t *testing.T) {
		e := newFakeEngine("a", "b", "c")
		e.failAddAt = 3

		_, err := Bind(e, []string{"a", "b", "c"}, fixed(animation.Point{}))
		if err == nil {
			t.Fatal("expected error")
		}
		if len(e.callbacks) != 0 {
			t.Errorf("%d callbacks left registered after rollback", len(e.callbacks))
		}
	})

	t.Run("empty layer", func(t *testing.T) {
		_, err := Bind(newFakeEngine(), []string{""}, fixed(animation.Point{}))
		if !errors.Is(err, ErrEmptyLayer) {
			t.Errorf("expected ErrEmptyLayer, got %v", err)
		}
	})

	t.Run("no layers", func(t *testing.T) {
		r, err := Bind(newFakeEngine(), nil, fixed(animation.Point{}))
		if err != nil {
			t.Fatalf("Bind() error = %v", err)
		}
		if len(r.Layers()) != 0 {
			t.Error("expected no layers")
		}
	})

	t.Run("mapper without value keeps native", func(t *testing.T) {
		e := newFakeEngine("head")
		none := MapperFunc(func(string, animation.Point) (animation.Point, bool) { return animation.Point{}, false })
		r, err := Bind(e, []string{"head"}, none)
		if err != nil {
			t.Fatalf("Bind() error = %v", err)
		}
		defer r.Release()

		if got := e.eval("#head,Transform,Position", animation.Point{X: 3, Y: 4}); got != (animation.Point{X: 3, Y: 4}) {
			t.Errorf("got %v, want native {3 4}", got)
		}
	})
}

func TestRig_Release(t *testing.T) {
	e := newFakeEngine("head")
	r, err := Bind(e, []string{"head"}, fixed(animation.Point{X: 1, Y: 1}))
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}

	// Keep a reference to the callback to simulate an engine that still holds it.
	var held animation.ValueCallback
	for _, cb := range e.callbacks {
		held = cb
	}

	r.Release()
	r.Release()

	if r.Alive() {
		t.Error("rig still alive after Release")
	}
	if len(e.callbacks) != 0 {
		t.Error("callbacks not removed")
	}
	if got := held(animation.Point{X: 7, Y: 8}); got != (animation.Point{X: 7, Y: 8}) {
		t.Errorf("released callback returned %v, want passthrough", got)
	}
}

const scaledDoc = `{"fr":30,"ip":0,"op":30,"w":100,"h":100,
  "layers":[{"nm":"head","ks":{"p":{"a":0,"k":[50,50]}}}]}`

func TestBind_PlayerScaled2x(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rig.json")
	if err := os.WriteFile(path, []byte(scaledDoc), 0o644); err != nil {
		t.Fatal(err)
	}

	p := animation.New(animation.Options{Path: path, Container: animation.Size{Width: 200, Height: 200}})
	defer p.Destroy()

	p.Load(context.Background())
	<-p.Ready()

	r, err := Bind(p, []string{"head"}, fixed(animation.Point{X: 10, Y: 20}))
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}

	frame, err := p.RenderFrame(0)
	if err != nil {
		t.Fatalf("RenderFrame() error = %v", err)
	}
	if got := frame.Positions["head"]; got != (animation.Point{X: 20, Y: 40}) {
		t.Errorf("head = %v, want {20 40}", got)
	}

	r.Release()
	frame, _ = p.RenderFrame(1)
	if got := frame.Positions["head"]; got != (animation.Point{X: 50, Y: 50}) {
		t.Errorf("head after Release = %v, want native {50 50}", got)
	}
}

func TestPoseMapper(t *testing.T) {
	slot := latest.New[pose.Event]()
	m := NewPoseMapper(slot, map[string]string{"head": pose.Nose})

	current := animation.Point{X: 1, Y: 1}
	if _, ok := m.Coordinate("head", current); ok {
		t.Error("empty slot should yield no coordinate")
	}

	now := time.Unix(2000, 0)
	m.now = func() time.Time { return now }
	slot.Store(pose.Event{Seq: 1, Timestamp: now, Poses: []pose.Pose{pose.StandingPose()}})

	tests := []struct {
		name     string
		layer    string
		minScore float64
		maxAge   time.Duration
		age      time.Duration
		want     animation.Point
		wantOK   bool
	}{
		{name: "mapped layer", layer: "head", want: animation.Point{X: 320, Y: 90}, wantOK: true},
		{name: "identity layer", layer: pose.LeftWrist, want: animation.Point{X: 400, Y: 285}, wantOK: true},
		{name: "unknown keypoint", layer: "tail", want: current},
		{name: "below min score", layer: pose.LeftAnkle, minScore: 0.5, want: current},
		{name: "fresh", layer: "head", maxAge: time.Second, age: 500 * time.Millisecond, want: animation.Point{X: 320, Y: 90}, wantOK: true},
		{name: "stale", layer: "head", maxAge: time.Second, age: 2 * time.Second, want: current},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m.MinScore = tt.minScore
			m.MaxAge = tt.maxAge
			m.now = func() time.Time { return now.Add(tt.age) }

			got, ok := m.Coordinate(tt.layer, current)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("Coordinate(%q) = %v, %v; want %v, %v", tt.layer, got, ok, tt.want, tt.wantOK)
			}
		})
	}

	// Last write wins.
	moved := pose.StandingPose()
	moved.Keypoints[0].Position = pose.Vector2{X: 1, Y: 2}
	slot.Store(pose.Event{Seq: 2, Timestamp: now, Poses: []pose.Pose{moved}})
	m.MaxAge = 0
	if got, _ := m.Coordinate("head", current); got != (animation.Point{X: 1, Y: 2}) {
		t.Errorf("Coordinate() = %v, want latest {1 2}", got)
	}
}
