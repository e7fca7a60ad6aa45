// Package component hosts the pose-detect and lottie-rig components and the
// registry the host application builds them from.
package component

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/ayusman/poserig/internal/capture"
	"github.com/ayusman/poserig/internal/config"
	"github.com/ayusman/poserig/internal/latest"
	"github.com/ayusman/poserig/internal/pose"
	"github.com/ayusman/poserig/internal/status"
)

var (
	// ErrDuplicateKind is returned when a kind is registered twice.
	ErrDuplicateKind = errors.New("component kind already registered")
	// ErrUnknownKind is returned for a kind nobody registered.
	ErrUnknownKind = errors.New("unknown component kind")
)

// Component is a unit the host attaches and detaches.
// Errors inside a component are reported to its status overlay; Attach and
// Detach never panic.
type Component interface {
	Name() string
	Kind() string
	Attach(ctx context.Context) error
	Detach() error
	Status() *status.Reporter
}

// Factory builds a component instance.
type Factory func(name string, attrs config.Attributes) (Component, error)

// Env holds the collaborators shared by components of one host.
type Env struct {
	Acquirer *capture.Acquirer
	Loader   pose.Loader
	// Poses is the latest-value slot pose components publish into and rig
	// components read from.
	Poses  *latest.Slot[pose.Event]
	Client *http.Client
}

// Registry maps component kinds to factories. It is owned by the host.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory for kind.
func (r *Registry) Register(kind string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.factories[kind]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateKind, kind)
	}
	r.factories[kind] = f
	return nil
}

// New builds a component of the given kind.
func (r *Registry) New(kind, name string, attrs config.Attributes) (Component, error) {
	r.mu.RLock()
	f, ok := r.factories[kind]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return f(name, attrs.Clone())
}

// Kinds returns the registered kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// RegisterBuiltins registers pose-detect and lottie-rig against env.
func RegisterBuiltins(r *Registry, env Env) error {
	if env.Poses == nil {
		env.Poses = latest.New[pose.Event]()
	}
	if err := r.Register(config.KindPoseDetect, func(name string, attrs config.Attributes) (Component, error) {
		return NewPoseDetect(name, attrs, env), nil
	}); err != nil {
		return err
	}
	return r.Register(config.KindLottieRig, func(name string, attrs config.Attributes) (Component, error) {
		return NewLottieRig(name, attrs, env), nil
	})
}
