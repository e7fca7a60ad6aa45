// Package rig binds externally supplied coordinates to animation layers.
package rig

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ayusman/poserig/internal/animation"
)

// Property is an animatable layer property a rig can override.
type Property int

const (
	// PropertyPosition is the layer's transform position.
	PropertyPosition Property = iota
)

func (p Property) String() string {
	switch p {
	case PropertyPosition:
		return "Position"
	default:
		return fmt.Sprintf("Property(%d)", int(p))
	}
}

// KeyPath is a typed binding descriptor for one layer property.
type KeyPath struct {
	Layer    string
	Property Property
}

// String renders the engine's key path text, e.g. "#head,Transform,Position".
func (k KeyPath) String() string {
	return "#" + k.Layer + ",Transform," + k.Property.String()
}

// Engine is the part of the animation player a rig needs.
type Engine interface {
	KeyPath(text string) (animation.Property, error)
	AddValueCallback(prop animation.Property, fn animation.ValueCallback) (animation.CallbackID, error)
	RemoveValueCallback(id animation.CallbackID)
	ToContainerPoint(p animation.Point) animation.Point
}

// CoordinateMapper supplies the raw source-space coordinate for a layer.
// ok is false when no coordinate is available; the native value is kept.
type CoordinateMapper interface {
	Coordinate(layer string, current animation.Point) (p animation.Point, ok bool)
}

// MapperFunc adapts a function to CoordinateMapper.
type MapperFunc func(layer string, current animation.Point) (animation.Point, bool)

// Coordinate calls f.
func (f MapperFunc) Coordinate(layer string, current animation.Point) (animation.Point, bool) {
	return f(layer, current)
}

// ErrEmptyLayer is returned for a blank layer name.
var ErrEmptyLayer = errors.New("empty layer name")

// BindingError reports the layer a binding pass failed on.
type BindingError struct {
	Layer string
	Err   error
}

func (e *BindingError) Error() string {
	return fmt.Sprintf("bind layer %q: %v", e.Layer, e.Err)
}

func (e *BindingError) Unwrap() error {
	return e.Err
}

// Rig is the set of active bindings for one loaded animation instance.
type Rig struct {
	engine Engine
	mapper CoordinateMapper
	layers []string

	mu    sync.Mutex
	alive bool
	ids   []animation.CallbackID

	overrides atomic.Uint64
}

// Bind registers a position override for every layer. All key paths are
// resolved before any callback is registered, and a failed registration
// removes the ones already made: on error nothing stays bound.
func Bind(engine Engine, layers []string, mapper CoordinateMapper) (*Rig, error) {
	if mapper == nil {
		return nil, &BindingError{Err: errors.New("nil coordinate mapper")}
	}

	props := make([]animation.Property, len(layers))
	for i, layer := range layers {
		if layer == "" {
			return nil, &BindingError{Layer: layer, Err: ErrEmptyLayer}
		}
		kp := KeyPath{Layer: layer, Property: PropertyPosition}
		prop, err := engine.KeyPath(kp.String())
		if err != nil {
			return nil, &BindingError{Layer: layer, Err: err}
		}
		props[i] = prop
	}

	r := &Rig{
		engine: engine,
		mapper: mapper,
		layers: append([]string(nil), layers...),
		alive:  true,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for i, layer := range layers {
		id, err := engine.AddValueCallback(props[i], r.override(layer))
		if err != nil {
			for _, done := range r.ids {
				engine.RemoveValueCallback(done)
			}
			r.ids = nil
			r.alive = false
			return nil, &BindingError{Layer: layer, Err: err}
		}
		r.ids = append(r.ids, id)
	}

	return r, nil
}

func (r *Rig) override(layer string) animation.ValueCallback {
	return func(current animation.Point) animation.Point {
		if !r.Alive() {
			return current
		}

		raw, ok := r.mapper.Coordinate(layer, current)
		if !ok {
			return current
		}

		r.overrides.Add(1)
		return r.engine.ToContainerPoint(raw)
	}
}

// Layers returns the bound layer names.
func (r *Rig) Layers() []string {
	return append([]string(nil), r.layers...)
}

// Alive reports whether the rig still owns its bindings.
func (r *Rig) Alive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.alive
}

// Overrides counts frames on which a binding replaced the native value.
func (r *Rig) Overrides() uint64 {
	return r.overrides.Load()
}

// Release removes all bindings. Calling it again is a no-op.
func (r *Rig) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.alive {
		return
	}
	r.alive = false

	for _, id := range r.ids {
		r.engine.RemoveValueCallback(id)
	}
	r.ids = nil
}
