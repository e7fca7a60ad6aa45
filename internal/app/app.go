// Package app wires the configured components, the shared pose slot and the
// pose sinks into one host.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ayusman/poserig/internal/animation"
	"github.com/ayusman/poserig/internal/component"
	"github.com/ayusman/poserig/internal/config"
	"github.com/ayusman/poserig/internal/emitter"
	"github.com/ayusman/poserig/internal/latest"
	"github.com/ayusman/poserig/internal/pose"
	"github.com/ayusman/poserig/internal/server"
	"github.com/ayusman/poserig/internal/store"
)

// Config holds configuration options for the application.
type Config struct {
	File  *config.File
	Store *store.Store // Optional; required when a component names a preset
	// Env overrides component collaborators. Poses is always owned by the App.
	Env component.Env
}

// App owns the component instances and the sinks fed by their pose events.
type App struct {
	config     Config
	registry   *component.Registry
	poses      *latest.Slot[pose.Event]
	components []component.Component
	emitter    *emitter.MQTTEmitter
	enabled    bool
	mu         sync.RWMutex
	ctx        context.Context
	cancel     context.CancelFunc
	unsubs     []func()
}

// New builds every configured component. Preset attributes are merged
// under the inline ones.
func New(cfg Config) (*App, error) {
	if cfg.File == nil {
		cfg.File = config.Default()
	}
	if err := config.Validate(cfg.File); err != nil {
		return nil, err
	}

	a := &App{
		config:   cfg,
		registry: component.NewRegistry(),
		poses:    latest.New[pose.Event](),
		emitter:  emitter.NewMQTTEmitter(cfg.File.MQTT),
	}

	env := cfg.Env
	env.Poses = a.poses
	if err := component.RegisterBuiltins(a.registry, env); err != nil {
		return nil, err
	}

	for _, cc := range cfg.File.Components {
		attrs, err := a.resolve(cc)
		if err != nil {
			return nil, fmt.Errorf("component %q: %w", cc.Name, err)
		}
		c, err := a.registry.New(cc.Kind, cc.Name, attrs)
		if err != nil {
			return nil, fmt.Errorf("component %q: %w", cc.Name, err)
		}
		a.components = append(a.components, c)
	}

	return a, nil
}

func (a *App) resolve(cc config.ComponentConfig) (config.Attributes, error) {
	if cc.Preset == "" {
		return cc.Attributes, nil
	}
	if a.config.Store == nil {
		return nil, errors.New("presets require a store")
	}
	return a.config.Store.Presets().Resolve(cc.Kind, cc.Preset, cc.Attributes)
}

// Start attaches every component and starts the MQTT emitter when a broker
// is configured. Broker failures are logged; components keep running.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cancel != nil {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.ctx = runCtx
	a.cancel = cancel

	if a.emitter.Enabled() {
		if err := a.emitter.Connect(runCtx); err != nil {
			log.Printf("MQTT emitter disabled: %v", err)
		} else {
			go a.emitter.Run(runCtx)
			for _, pd := range a.poseDetectors() {
				a.unsubs = append(a.unsubs, pd.OnPose(a.emitter.Emit))
			}
		}
	}

	for _, c := range a.components {
		if err := c.Attach(runCtx); err != nil {
			log.Printf("[%s] attach: %v", c.Name(), err)
		}
	}
	a.enabled = true

	log.Printf("Started %d components", len(a.components))
	return nil
}

// Stop detaches every component, releases the pose overlays and disconnects
// the emitter.
func (a *App) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cancel == nil {
		return
	}

	for _, c := range a.components {
		if err := c.Detach(); err != nil {
			log.Printf("[%s] detach: %v", c.Name(), err)
		}
	}
	for _, pd := range a.poseDetectors() {
		if err := pd.Close(); err != nil {
			log.Printf("[%s] close: %v", pd.Name(), err)
		}
	}
	for _, unsub := range a.unsubs {
		unsub()
	}
	a.unsubs = nil

	a.cancel()
	a.cancel = nil
	a.ctx = nil
	a.enabled = false
	a.emitter.Disconnect()

	log.Println("Components stopped")
}

// SetEnabled attaches or detaches the pose pipelines. Rigs keep playing and
// hold the last pose while tracking is paused.
func (a *App) SetEnabled(enabled bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cancel == nil || a.enabled == enabled {
		return
	}
	a.enabled = enabled

	for _, pd := range a.poseDetectors() {
		var err error
		if enabled {
			err = pd.Attach(a.ctx)
		} else {
			err = pd.Detach()
		}
		if err != nil {
			log.Printf("[%s] toggle: %v", pd.Name(), err)
		}
	}
	log.Printf("Pose tracking enabled=%v", enabled)
}

// IsEnabled reports whether pose tracking is on.
func (a *App) IsEnabled() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.enabled
}

func (a *App) poseDetectors() []*component.PoseDetect {
	var out []*component.PoseDetect
	for _, c := range a.components {
		if pd, ok := c.(*component.PoseDetect); ok {
			out = append(out, pd)
		}
	}
	return out
}

// Components returns the component instances in declaration order.
func (a *App) Components() []component.Component {
	return a.components
}

// Component returns the instance with the given name.
func (a *App) Component(name string) (component.Component, bool) {
	for _, c := range a.components {
		if c.Name() == name {
			return c, true
		}
	}
	return nil, false
}

// Poses returns the shared pose slot.
func (a *App) Poses() *latest.Slot[pose.Event] {
	return a.poses
}

// Emitter returns the MQTT emitter.
func (a *App) Emitter() *emitter.MQTTEmitter {
	return a.emitter
}

// LastStatus returns the most recent status line across components as
// "name: message", or "" when every overlay is hidden.
func (a *App) LastStatus() string {
	var (
		best string
		at   time.Time
	)
	for _, c := range a.components {
		l, ok := c.Status().Last()
		if !ok {
			continue
		}
		if best == "" || l.Time.After(at) {
			best = c.Name() + ": " + l.Message
			at = l.Time
		}
	}
	return best
}

// ServerConfig fills the component-backed parts of a server configuration.
func (a *App) ServerConfig(base server.Config) server.Config {
	base.Poses = a.poses
	base.Streams = make(map[string]server.Snapshotter)
	base.Rigs = make(map[string]*latest.Slot[animation.Frame])

	for _, c := range a.components {
		base.Components = append(base.Components, c)
		switch c := c.(type) {
		case *component.PoseDetect:
			base.Streams[c.Name()] = c
		case *component.LottieRig:
			base.Rigs[c.Name()] = c.Frames()
		}
	}
	return base
}
