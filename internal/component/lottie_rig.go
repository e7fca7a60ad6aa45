package component

import (
	"context"
	"log"
	"strconv"
	"strings"
	"sync"

	"github.com/ayusman/poserig/internal/animation"
	"github.com/ayusman/poserig/internal/config"
	"github.com/ayusman/poserig/internal/latest"
	"github.com/ayusman/poserig/internal/rig"
	"github.com/ayusman/poserig/internal/status"
)

// Status messages shown by LottieRig.
const (
	msgLoadingAnimation = "Loading animation..."
	msgNoAnimation      = "No animation source specified!"
	msgAnimationFailed  = "Animation load failed!"
	msgHookingRigs      = "Hooking up rigs..."
	msgBadKeyPaths      = "Unable to parse key paths config..."
	msgBadKeyPathValue  = "Unable to parse key path value config..."
	msgBindFailed       = "Error occurred while processing key paths and value callback."
	msgBadSize          = "Unable to parse animation size, using document size..."
)

// LottieRig plays an animation whose layer positions follow pose keypoints.
type LottieRig struct {
	name   string
	attrs  config.Attributes
	env    Env
	status *status.Reporter
	frames *latest.Slot[animation.Frame]

	mu     sync.Mutex
	player *animation.Player
	rig    *rig.Rig
	cancel context.CancelFunc
}

// NewLottieRig creates a detached rig component.
func NewLottieRig(name string, attrs config.Attributes, env Env) *LottieRig {
	l := &LottieRig{
		name:   name,
		attrs:  attrs,
		env:    env,
		status: status.New(name),
		frames: latest.New[animation.Frame](),
	}
	l.status.Report(msgInitializing)
	return l
}

// Name returns the instance name.
func (l *LottieRig) Name() string { return l.name }

// Kind returns config.KindLottieRig.
func (l *LottieRig) Kind() string { return config.KindLottieRig }

// Status returns the component's status overlay.
func (l *LottieRig) Status() *status.Reporter { return l.status }

// Frames holds the most recent visible animation frame.
func (l *LottieRig) Frames() *latest.Slot[animation.Frame] { return l.frames }

// Player returns the current animation instance, or nil when detached.
func (l *LottieRig) Player() *animation.Player {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.player
}

// Rig returns the active bindings, or nil when none are in effect.
func (l *LottieRig) Rig() *rig.Rig {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rig
}

// Attach starts loading the animation. Bindings are made when the document
// has loaded and before the animation becomes visible.
func (l *LottieRig) Attach(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.player != nil {
		return nil
	}

	src := l.attrs.Get(config.AttrSrc)
	if src == "" {
		l.status.ReportError(msgNoAnimation)
		return nil
	}

	l.status.Report(msgLoadingAnimation)

	player := animation.New(animation.Options{
		Path:      src,
		Container: l.containerSize(),
		Loop:      l.loop(),
		Autoplay:  true,
		Client:    l.env.Client,
	})
	player.AddEventListener(animation.EventDataFailed, func() {
		l.status.ReportError(msgAnimationFailed)
	})
	player.AddEventListener(animation.EventDOMLoaded, func() {
		l.onLoaded(player)
	})
	player.OnFrame(func(f animation.Frame) {
		l.frames.Store(f)
	})

	loadCtx, cancel := context.WithCancel(ctx)
	l.player = player
	l.cancel = cancel

	player.Load(loadCtx)
	return nil
}

func (l *LottieRig) containerSize() animation.Size {
	w, errW := l.attrs.Float(config.AttrWidth, 0)
	h, errH := l.attrs.Float(config.AttrHeight, 0)
	if errW != nil || errH != nil {
		l.status.ReportError(msgBadSize)
		return animation.Size{}
	}
	return animation.Size{Width: w, Height: h}
}

// loop is on unless the loop attribute is "false" or "0".
func (l *LottieRig) loop() bool {
	if !l.attrs.Has(config.AttrLoop) {
		return true
	}
	v, err := strconv.ParseBool(strings.TrimSpace(l.attrs.Get(config.AttrLoop)))
	if err != nil {
		return true
	}
	return v
}

// onLoaded binds every key path. On any failure the animation keeps its
// native motion and nothing stays bound.
func (l *LottieRig) onLoaded(player *animation.Player) {
	l.status.Report(msgHookingRigs)

	layers, err := l.attrs.KeyPaths()
	if err != nil {
		log.Printf("[%s] %v", l.name, err)
		l.status.ReportError(msgBadKeyPaths)
	}

	points, err := l.attrs.PointMap()
	if err != nil {
		log.Printf("[%s] %v", l.name, err)
		l.status.ReportError(msgBadKeyPathValue)
		layers = nil
	}

	var bound *rig.Rig
	if len(layers) > 0 {
		bound, err = rig.Bind(player, layers, rig.NewPoseMapper(l.env.Poses, points))
		if err != nil {
			log.Printf("[%s] %v", l.name, err)
			l.status.ReportError(msgBindFailed)
			bound = nil
		}
	}

	l.mu.Lock()
	if l.player != player {
		// Detached while loading.
		l.mu.Unlock()
		if bound != nil {
			bound.Release()
		}
		return
	}
	l.rig = bound
	l.mu.Unlock()

	if l.status.Errors() == 0 {
		l.status.Clear()
	}
	player.Show()
}

// Detach releases the bindings and destroys the animation instance.
// Safe to call repeatedly or without Attach.
func (l *LottieRig) Detach() error {
	l.mu.Lock()
	player := l.player
	bound := l.rig
	cancel := l.cancel
	l.player = nil
	l.rig = nil
	l.cancel = nil
	l.mu.Unlock()

	if player == nil {
		return nil
	}

	cancel()
	if bound != nil {
		bound.Release()
	}
	player.Destroy()
	return nil
}
