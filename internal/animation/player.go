package animation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

// Player events.
const (
	EventDOMLoaded  = "DOMLoaded"
	EventDataFailed = "data_failed"
	EventComplete   = "complete"
)

// Key path components understood by KeyPath.
const (
	keyPathTransform = "Transform"
	keyPathPosition  = "Position"
)

var (
	// ErrUnknownKeyPath is returned when a key path does not address a property.
	ErrUnknownKeyPath = errors.New("unknown key path")
	// ErrNotLoaded is returned when an operation needs a loaded document.
	ErrNotLoaded = errors.New("animation not loaded")
	// ErrDestroyed is returned after Destroy.
	ErrDestroyed = errors.New("animation destroyed")
)

// Options configures a Player.
type Options struct {
	Path      string // File path or http(s) URL
	Container Size   // Viewport; zero uses the document size
	Loop      bool
	Autoplay  bool
	Client    *http.Client // Used for URLs (default http.DefaultClient)
}

// Property addresses one animated property of a loaded document.
type Property struct {
	path  string
	layer int
}

// String returns the key path the property was resolved from.
func (p Property) String() string {
	return p.path
}

// CallbackID identifies a registered value callback.
type CallbackID uint64

// ValueCallback receives the natively computed value and returns the value
// to use instead.
type ValueCallback func(current Point) Point

type valueCallback struct {
	id    CallbackID
	layer int
	fn    ValueCallback
}

// Frame is the result of evaluating one animation frame.
type Frame struct {
	Number    float64          `json:"frame"`
	Positions map[string]Point `json:"positions"`
}

// Player loads a document, advances time and evaluates layer positions.
type Player struct {
	opts Options

	mu        sync.Mutex
	doc       *Document
	container Size
	listeners map[string][]func()
	callbacks []valueCallback
	nextCB    CallbackID
	frameFns  map[int]func(Frame)
	nextFn    int
	current   float64
	visible   bool
	destroyed bool
	loading   bool
	ready     chan struct{}

	stopCh chan struct{}
	wg     sync.WaitGroup

	// evalMu serializes frame evaluation with Destroy.
	evalMu sync.Mutex
}

// New creates a player. Nothing is loaded until Load is called.
func New(opts Options) *Player {
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	return &Player{
		opts:      opts,
		container: opts.Container,
		listeners: make(map[string][]func()),
		frameFns:  make(map[int]func(Frame)),
		ready:     make(chan struct{}),
	}
}

// AddEventListener registers fn for event. Listeners run on the loading or
// playback goroutine.
func (p *Player) AddEventListener(event string, fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return
	}
	p.listeners[event] = append(p.listeners[event], fn)
}

func (p *Player) dispatch(event string) {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	fns := append([]func(){}, p.listeners[event]...)
	p.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// Load reads the document in the background. EventDOMLoaded fires on success,
// EventDataFailed on failure. Calling Load more than once has no effect.
func (p *Player) Load(ctx context.Context) {
	p.mu.Lock()
	if p.loading || p.destroyed {
		p.mu.Unlock()
		return
	}
	p.loading = true
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(p.ready)

		doc, err := p.fetch(ctx)
		if err != nil {
			log.Printf("Animation load failed: %v", err)
			p.dispatch(EventDataFailed)
			return
		}

		p.mu.Lock()
		if p.destroyed {
			p.mu.Unlock()
			return
		}
		p.doc = doc
		p.current = doc.InPoint
		if p.container.Width <= 0 || p.container.Height <= 0 {
			p.container = Size{Width: doc.Width, Height: doc.Height}
		}
		p.mu.Unlock()

		p.dispatch(EventDOMLoaded)

		if p.opts.Autoplay {
			p.Play()
		}
	}()
}

// Ready is closed once loading finished, successfully or not.
func (p *Player) Ready() <-chan struct{} {
	return p.ready
}

func (p *Player) fetch(ctx context.Context) (*Document, error) {
	path := p.opts.Path
	if path == "" {
		return nil, fmt.Errorf("%w: no path", ErrInvalidDocument)
	}

	var data []byte
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
		if err != nil {
			return nil, err
		}
		resp, err := p.opts.Client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", path, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("fetch %s: status %d", path, resp.StatusCode)
		}
		if data, err = io.ReadAll(resp.Body); err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	} else {
		var err error
		if data, err = os.ReadFile(path); err != nil {
			return nil, err
		}
	}

	return ParseDocument(data)
}

// Document returns the loaded document, or nil.
func (p *Player) Document() *Document {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.doc
}

// KeyPath resolves a key path of the form "#<layer>,Transform,Position".
func (p *Player) KeyPath(text string) (Property, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.destroyed {
		return Property{}, ErrDestroyed
	}
	if p.doc == nil {
		return Property{}, ErrNotLoaded
	}

	parts := strings.Split(text, ",")
	if len(parts) != 3 || !strings.HasPrefix(parts[0], "#") ||
		parts[1] != keyPathTransform || parts[2] != keyPathPosition {
		return Property{}, fmt.Errorf("%w: %q", ErrUnknownKeyPath, text)
	}

	idx, ok := p.doc.Layer(strings.TrimPrefix(parts[0], "#"))
	if !ok {
		return Property{}, fmt.Errorf("%w: no layer for %q", ErrUnknownKeyPath, text)
	}

	return Property{path: text, layer: idx}, nil
}

// AddValueCallback overrides prop with fn on every evaluated frame.
// Callbacks on the same property chain in registration order.
func (p *Player) AddValueCallback(prop Property, fn ValueCallback) (CallbackID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.destroyed {
		return 0, ErrDestroyed
	}
	if p.doc == nil {
		return 0, ErrNotLoaded
	}
	if prop.path == "" || prop.layer < 0 || prop.layer >= len(p.doc.Layers) {
		return 0, fmt.Errorf("%w: unresolved property", ErrUnknownKeyPath)
	}
	if fn == nil {
		return 0, errors.New("nil value callback")
	}

	p.nextCB++
	p.callbacks = append(p.callbacks, valueCallback{id: p.nextCB, layer: prop.layer, fn: fn})
	return p.nextCB, nil
}

// RemoveValueCallback unregisters a callback. Unknown ids are ignored.
func (p *Player) RemoveValueCallback(id CallbackID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, cb := range p.callbacks {
		if cb.id == id {
			p.callbacks = append(p.callbacks[:i], p.callbacks[i+1:]...)
			return
		}
	}
}

// ToContainerPoint converts a point to container space. The document is
// fitted into the container preserving aspect ratio and centred
// ("xMidYMid meet").
func (p *Player) ToContainerPoint(pt Point) Point {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.doc == nil {
		return pt
	}

	scale := math.Min(p.container.Width/p.doc.Width, p.container.Height/p.doc.Height)
	offX := (p.container.Width - p.doc.Width*scale) / 2
	offY := (p.container.Height - p.doc.Height*scale) / 2

	return Point{X: pt.X*scale + offX, Y: pt.Y*scale + offY}
}

// OnFrame registers fn for every evaluated frame while the player is visible.
// It returns a function that removes fn.
func (p *Player) OnFrame(fn func(Frame)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.nextFn
	p.nextFn++
	p.frameFns[id] = fn

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.frameFns, id)
	}
}

// Show makes rendered frames visible to OnFrame listeners.
func (p *Player) Show() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.visible = true
}

// Visible reports whether Show was called.
func (p *Player) Visible() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.visible
}

// RenderFrame evaluates frame n: native layer positions first, then value
// callbacks. Frames are whole numbers; fractional input is truncated.
func (p *Player) RenderFrame(n float64) (Frame, error) {
	p.evalMu.Lock()
	defer p.evalMu.Unlock()

	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return Frame{}, ErrDestroyed
	}
	doc := p.doc
	if doc == nil {
		p.mu.Unlock()
		return Frame{}, ErrNotLoaded
	}
	n = math.Floor(n)
	p.current = n
	callbacks := append([]valueCallback(nil), p.callbacks...)
	var fns []func(Frame)
	if p.visible {
		for id := 0; id < p.nextFn; id++ {
			if fn, ok := p.frameFns[id]; ok {
				fns = append(fns, fn)
			}
		}
	}
	p.mu.Unlock()

	values := make([]Point, len(doc.Layers))
	for i, l := range doc.Layers {
		values[i] = l.Transform.Position.At(n)
	}
	for _, cb := range callbacks {
		values[cb.layer] = cb.fn(values[cb.layer])
	}

	frame := Frame{Number: n, Positions: make(map[string]Point, len(values))}
	for i, l := range doc.Layers {
		if _, dup := frame.Positions[l.Name]; !dup {
			frame.Positions[l.Name] = values[i]
		}
	}

	for _, fn := range fns {
		fn(frame)
	}
	return frame, nil
}

// CurrentFrame returns the last evaluated frame number.
func (p *Player) CurrentFrame() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Play starts advancing frames at the document frame rate.
func (p *Player) Play() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.destroyed || p.doc == nil || p.stopCh != nil {
		return
	}

	stopCh := make(chan struct{})
	p.stopCh = stopCh
	interval := time.Duration(float64(time.Second) / p.doc.FrameRate)

	p.wg.Add(1)
	go p.run(stopCh, interval)
}

// Pause stops advancing frames.
func (p *Player) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopCh != nil {
		close(p.stopCh)
		p.stopCh = nil
	}
}

// Playing reports whether the playback goroutine is active.
func (p *Player) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopCh != nil
}

func (p *Player) run(stopCh chan struct{}, interval time.Duration) {
	defer p.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.mu.Lock()
	doc := p.doc
	next := p.current
	p.mu.Unlock()

	for {
		if _, err := p.RenderFrame(next); err != nil {
			return
		}

		next++
		if next >= doc.OutPoint {
			if !p.opts.Loop {
				p.mu.Lock()
				if p.stopCh == stopCh {
					p.stopCh = nil
				}
				p.mu.Unlock()
				p.dispatch(EventComplete)
				return
			}
			next = doc.InPoint
		}

		select {
		case <-stopCh:
			return
		case <-ticker.C:
		}
	}
}

// Destroy stops playback and drops all callbacks and listeners. It waits
// for an in-progress evaluation, so no callback runs after it returns.
// It must not be called from a callback or listener. Calling it again is a no-op.
func (p *Player) Destroy() {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	p.destroyed = true
	if p.stopCh != nil {
		close(p.stopCh)
		p.stopCh = nil
	}
	p.mu.Unlock()

	// Wait out any evaluation that started before destroyed was set.
	p.evalMu.Lock()
	p.evalMu.Unlock()

	p.mu.Lock()
	p.callbacks = nil
	p.listeners = make(map[string][]func())
	p.frameFns = make(map[int]func(Frame))
	p.visible = false
	p.mu.Unlock()

	p.wg.Wait()
}

// Destroyed reports whether Destroy was called.
func (p *Player) Destroyed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.destroyed
}
