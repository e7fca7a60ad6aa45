package component

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"gocv.io/x/gocv"

	"github.com/ayusman/poserig/internal/animation"
	"github.com/ayusman/poserig/internal/capture"
	"github.com/ayusman/poserig/internal/config"
	"github.com/ayusman/poserig/internal/latest"
	"github.com/ayusman/poserig/internal/overlay"
	"github.com/ayusman/poserig/internal/pose"
	"github.com/ayusman/poserig/internal/status"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitDone(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(3 * time.Second):
		t.Fatal("pipeline did not exit")
	}
}

func messages(r *status.Reporter) []string {
	var out []string
	for _, l := range r.Lines() {
		out = append(out, l.Message)
	}
	return out
}

func hasMessage(r *status.Reporter, msg string) bool {
	for _, m := range messages(r) {
		if m == msg {
			return true
		}
	}
	return false
}

// testEnv returns an Env over a looping mock camera.
func testEnv(t *testing.T, loader pose.Loader) (Env, *capture.MockDevice) {
	t.Helper()

	frame := gocv.NewMatWithSize(48, 64, gocv.MatTypeCV8UC3)
	t.Cleanup(func() { frame.Close() })

	dev := capture.NewMockDevice([]*gocv.Mat{&frame}, true)
	return Env{
		Acquirer: capture.MockAcquirer(dev),
		Loader:   loader,
		Poses:    latest.New[pose.Event](),
	}, dev
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	env, _ := testEnv(t, nil)

	if err := RegisterBuiltins(r, env); err != nil {
		t.Fatalf("RegisterBuiltins() error = %v", err)
	}
	if err := RegisterBuiltins(r, env); !errors.Is(err, ErrDuplicateKind) {
		t.Errorf("expected ErrDuplicateKind, got %v", err)
	}

	kinds := r.Kinds()
	if len(kinds) != 2 || kinds[0] != config.KindLottieRig || kinds[1] != config.KindPoseDetect {
		t.Errorf("Kinds() = %v", kinds)
	}

	c, err := r.New(config.KindPoseDetect, "front", config.Attributes{config.AttrCamera: ""})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if c.Name() != "front" || c.Kind() != config.KindPoseDetect {
		t.Errorf("got %s/%s", c.Name(), c.Kind())
	}

	if _, err := r.New("video-wall", "x", nil); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("expected ErrUnknownKind, got %v", err)
	}
}

func TestPoseDetect_NoSource(t *testing.T) {
	env, dev := testEnv(t, pose.StaticLoader(pose.NewMockEstimator()))
	loads := 0
	env.Loader = func(ctx context.Context, cfg pose.ModelConfig) (pose.Estimator, error) {
		loads++
		return pose.NewMockEstimator(), nil
	}

	p := NewPoseDetect("pose", config.Attributes{}, env)
	var events atomic.Int32
	p.OnPose(func(pose.Event) { events.Add(1) })

	if err := p.Attach(context.Background()); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	waitDone(t, p.Done())

	if !hasMessage(p.Status(), msgNoSource) {
		t.Errorf("status = %v, want %q", messages(p.Status()), msgNoSource)
	}
	if p.Status().Errors() != 0 {
		t.Error("no source is not an error")
	}
	if loads != 0 || events.Load() != 0 || dev.Reads() != 0 {
		t.Errorf("loop should not start: loads=%d events=%d reads=%d", loads, events.Load(), dev.Reads())
	}
	if p.Running() {
		t.Error("Running() = true")
	}

	p.Detach()
}

func TestPoseDetect_Runs(t *testing.T) {
	est := pose.NewMockEstimator()
	est.SetPoses([]pose.Pose{pose.StandingPose()})
	env, dev := testEnv(t, pose.StaticLoader(est))

	p := NewPoseDetect("pose", config.Attributes{
		config.AttrCamera:        "",
		config.AttrMinConfidence: "0.9",
		config.AttrRefreshRate:   "200",
	}, env)

	got := make(chan pose.Event, 16)
	p.OnPose(func(ev pose.Event) {
		select {
		case got <- ev:
		default:
		}
	})

	if err := p.Attach(context.Background()); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}

	var ev pose.Event
	select {
	case ev = <-got:
	case <-time.After(3 * time.Second):
		t.Fatal("no onpose event")
	}

	if n := len(ev.Poses[0].Keypoints); n != len(pose.KeypointNames) {
		t.Errorf("onpose carried %d keypoints, want all %d", n, len(pose.KeypointNames))
	}
	if _, seq, ok := env.Poses.Load(); !ok || seq == 0 {
		t.Error("shared pose slot not updated")
	}

	waitFor(t, "overlay", func() bool { return p.Canvas().Markers() > 0 })
	if m := p.Canvas().Markers(); m != 6 {
		t.Errorf("overlay drew %d markers, want 6 at threshold 0.9", m)
	}
	if data, err := p.JPEG(); err != nil || len(data) == 0 {
		t.Errorf("JPEG() = %d bytes, %v", len(data), err)
	}

	if !p.Running() {
		t.Error("Running() = false")
	}
	if len(p.Status().Lines()) != 0 {
		t.Errorf("status should be cleared once ready, got %v", messages(p.Status()))
	}

	if err := p.Detach(); err != nil {
		t.Errorf("Detach() error = %v", err)
	}
	if err := p.Detach(); err != nil {
		t.Errorf("second Detach() error = %v", err)
	}
	waitDone(t, p.Done())

	if dev.Closes() != 1 {
		t.Errorf("device closed %d times, want 1", dev.Closes())
	}
	if !est.Closed() {
		t.Error("estimator not closed")
	}
}

func TestPoseDetect_HideKeypoints(t *testing.T) {
	est := pose.NewMockEstimator()
	est.SetPoses([]pose.Pose{pose.StandingPose()})
	env, _ := testEnv(t, pose.StaticLoader(est))

	p := NewPoseDetect("pose", config.Attributes{
		config.AttrCamera:        "",
		config.AttrHideKeypoints: "",
		config.AttrRefreshRate:   "200",
	}, env)
	defer p.Detach()

	var events atomic.Int32
	p.OnPose(func(pose.Event) { events.Add(1) })
	p.Attach(context.Background())

	waitFor(t, "events", func() bool { return events.Load() >= 3 })
	if _, err := p.Canvas().JPEG(); err == nil {
		t.Error("canvas should stay undrawn with hide-keypoints")
	}
}

func TestPoseDetect_ModelLoadFailure(t *testing.T) {
	env, _ := testEnv(t, func(ctx context.Context, cfg pose.ModelConfig) (pose.Estimator, error) {
		return nil, errors.New("weights not found")
	})

	p := NewPoseDetect("pose", config.Attributes{config.AttrCamera: ""}, env)
	defer p.Detach()

	var events atomic.Int32
	p.OnPose(func(pose.Event) { events.Add(1) })

	p.Attach(context.Background())
	waitDone(t, p.Done())

	if p.Status().Errors() != 1 {
		t.Errorf("want exactly one error line, got %v", messages(p.Status()))
	}
	if last, _ := p.Status().Last(); last.Message != msgModelLoadFailed || !last.Error {
		t.Errorf("last line = %+v", last)
	}
	if events.Load() != 0 {
		t.Errorf("got %d events after load failure", events.Load())
	}
}

func TestPoseDetect_AcquisitionErrors(t *testing.T) {
	tests := []struct {
		name  string
		attrs config.Attributes
		setup func(a *capture.Acquirer)
		want  string
	}{
		{
			name:  "camera denied",
			attrs: config.Attributes{config.AttrCamera: "0"},
			setup: func(a *capture.Acquirer) {
				a.Probe = func(int) error { return capture.ErrAcquisitionDenied }
			},
			want: msgCameraDenied,
		},
		{
			name:  "camera missing",
			attrs: config.Attributes{config.AttrCamera: "3"},
			setup: func(a *capture.Acquirer) {
				a.Probe = func(int) error { return capture.ErrSourceUnavailable }
			},
			want: msgCameraMissing,
		},
		{
			name:  "video undecodable",
			attrs: config.Attributes{config.AttrVideo: "broken.mp4"},
			setup: func(a *capture.Acquirer) {
				a.OpenFile = func(string) (capture.Device, error) { return nil, errors.New("codec") }
			},
			want: msgVideoLoadFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, _ := testEnv(t, pose.StaticLoader(pose.NewMockEstimator()))
			tt.setup(env.Acquirer)

			p := NewPoseDetect("pose", tt.attrs, env)
			defer p.Detach()

			p.Attach(context.Background())
			waitDone(t, p.Done())

			if p.Status().Errors() != 1 {
				t.Fatalf("want one error line, got %v", messages(p.Status()))
			}
			if last, _ := p.Status().Last(); last.Message != tt.want {
				t.Errorf("last line = %q, want %q", last.Message, tt.want)
			}
		})
	}
}

func TestPoseDetect_MalformedConfig(t *testing.T) {
	tests := []struct {
		name string
		attr string
		want string
	}{
		{name: "posenet-config", attr: config.AttrPosenetConfig, want: msgBadPosenetConfig},
		{name: "inference-config", attr: config.AttrInferenceConfig, want: msgBadInferConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			est := pose.NewMockEstimator()
			var gotModel pose.ModelConfig
			env, _ := testEnv(t, func(ctx context.Context, cfg pose.ModelConfig) (pose.Estimator, error) {
				gotModel = cfg
				return est, nil
			})

			p := NewPoseDetect("pose", config.Attributes{
				config.AttrCamera:      "",
				config.AttrRefreshRate: "200",
				tt.attr:                "{architecture: MobileNetV1",
			}, env)

			var events atomic.Int32
			p.OnPose(func(pose.Event) { events.Add(1) })
			p.Attach(context.Background())

			waitFor(t, "events", func() bool { return events.Load() > 0 })
			p.Detach()
			waitDone(t, p.Done())

			if p.Status().Errors() != 1 {
				t.Errorf("want one error line, got %v", messages(p.Status()))
			}
			if !hasMessage(p.Status(), tt.want) {
				t.Errorf("missing %q in %v", tt.want, messages(p.Status()))
			}
			if gotModel != pose.DefaultModelConfig() {
				t.Errorf("model config = %+v, want defaults", gotModel)
			}
			if est.LastConfig() != pose.DefaultInferenceConfig() {
				t.Errorf("inference config = %+v, want defaults", est.LastConfig())
			}
		})
	}
}

func TestPoseDetect_RefreshRateOutOfRange(t *testing.T) {
	for _, rate := range []string{"2000000000", "0", "-3", "fast"} {
		t.Run(rate, func(t *testing.T) {
			env, _ := testEnv(t, pose.StaticLoader(pose.NewMockEstimator()))
			p := NewPoseDetect("pose", config.Attributes{
				config.AttrCamera:      "",
				config.AttrRefreshRate: rate,
			}, env)

			var events atomic.Int32
			p.OnPose(func(pose.Event) { events.Add(1) })
			p.Attach(context.Background())

			waitFor(t, "events", func() bool { return events.Load() >= 2 })
			p.Detach()
			waitDone(t, p.Done())

			if p.Status().Errors() != 1 || !hasMessage(p.Status(), msgBadRefreshRate) {
				t.Errorf("status = %v, want one %q line", messages(p.Status()), msgBadRefreshRate)
			}
		})
	}
}

// freshAcquirer opens a new looping mock camera on every acquisition.
func freshAcquirer(t *testing.T) *capture.Acquirer {
	t.Helper()

	frame := gocv.NewMatWithSize(48, 64, gocv.MatTypeCV8UC3)
	t.Cleanup(func() { frame.Close() })

	a := capture.NewAcquirer()
	a.OpenCamera = func(int) (capture.Device, error) {
		return capture.NewMockDevice([]*gocv.Mat{&frame}, true), nil
	}
	a.Probe = nil
	return a
}

func TestPoseDetect_SeqAcrossReattach(t *testing.T) {
	env, _ := testEnv(t, pose.StaticLoader(pose.NewMockEstimator()))
	env.Acquirer = freshAcquirer(t)

	p := NewPoseDetect("pose", config.Attributes{
		config.AttrCamera:      "",
		config.AttrRefreshRate: "200",
	}, env)

	got := make(chan uint64, 256)
	p.OnPose(func(ev pose.Event) {
		select {
		case got <- ev.Seq:
		default:
		}
	})

	p.Attach(context.Background())
	waitFor(t, "first run", func() bool { return len(got) >= 3 })
	p.Detach()
	waitDone(t, p.Done())

	var last uint64
	for len(got) > 0 {
		last = <-got
	}

	p.Attach(context.Background())
	defer p.Detach()

	var next uint64
	select {
	case next = <-got:
	case <-time.After(3 * time.Second):
		t.Fatal("no onpose event after re-attach")
	}
	if next <= last {
		t.Errorf("Seq after re-attach = %d, want > %d", next, last)
	}
	if _, seq, ok := env.Poses.Load(); !ok || seq == 0 {
		t.Error("shared pose slot not updated")
	}
}

func TestPoseDetect_Close(t *testing.T) {
	env, _ := testEnv(t, pose.StaticLoader(pose.NewMockEstimator()))
	env.Acquirer = freshAcquirer(t)

	p := NewPoseDetect("pose", config.Attributes{
		config.AttrCamera:      "",
		config.AttrRefreshRate: "200",
	}, env)

	p.Attach(context.Background())
	waitFor(t, "overlay", func() bool { return p.Canvas() != nil && p.Canvas().Markers() > 0 })
	canvas := p.Canvas()

	if err := p.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	if p.Running() {
		t.Error("Running() = true after Close")
	}
	if p.Canvas() != nil {
		t.Error("Canvas() should be nil after Close")
	}
	if _, err := canvas.JPEG(); !errors.Is(err, overlay.ErrEmptyCanvas) {
		t.Errorf("released canvas JPEG() error = %v, want ErrEmptyCanvas", err)
	}
	if _, err := p.JPEG(); !errors.Is(err, overlay.ErrEmptyCanvas) {
		t.Errorf("JPEG() after Close error = %v", err)
	}

	// A closed component can be attached again with a new surface.
	p.Attach(context.Background())
	defer p.Close()
	waitFor(t, "new overlay", func() bool { return p.Canvas() != nil && p.Canvas().Markers() > 0 })
	if p.Canvas() == canvas {
		t.Error("re-attach reused the released canvas")
	}
}

func TestPoseDetect_DetachWithoutAttach(t *testing.T) {
	p := NewPoseDetect("pose", nil, Env{})
	if err := p.Detach(); err != nil {
		t.Errorf("Detach() error = %v", err)
	}
	if err := p.Detach(); err != nil {
		t.Errorf("second Detach() error = %v", err)
	}
	if _, err := p.JPEG(); !errors.Is(err, overlay.ErrEmptyCanvas) {
		t.Errorf("JPEG() error = %v, want ErrEmptyCanvas", err)
	}
}

const rigDoc = `{"fr":60,"ip":0,"op":600,"w":100,"h":100,
  "layers":[
    {"nm":"head","ks":{"p":{"a":0,"k":[50,50]}}},
    {"nm":"body","ks":{"p":{"a":0,"k":[50,80]}}}
  ]}`

func writeAnimation(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "puppet.json")
	if err := os.WriteFile(path, []byte(rigDoc), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// attachRig attaches a LottieRig and waits for the load to finish.
func attachRig(t *testing.T, attrs config.Attributes, env Env) *LottieRig {
	t.Helper()

	l := NewLottieRig("rig", attrs, env)
	t.Cleanup(func() { l.Detach() })

	if err := l.Attach(context.Background()); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if p := l.Player(); p != nil {
		select {
		case <-p.Ready():
		case <-time.After(3 * time.Second):
			t.Fatal("animation did not load")
		}
	}
	return l
}

func nosePose(x, y float64) pose.Event {
	return pose.Event{
		Seq:       1,
		Timestamp: time.Now(),
		Poses: []pose.Pose{{
			Score:     0.9,
			Keypoints: []pose.Keypoint{{Name: pose.Nose, Position: pose.Vector2{X: x, Y: y}, Score: 0.9}},
		}},
	}
}

func TestLottieRig_BindsScaled(t *testing.T) {
	poses := latest.New[pose.Event]()
	poses.Store(nosePose(10, 20))

	l := attachRig(t, config.Attributes{
		config.AttrSrc:          writeAnimation(t),
		config.AttrKeyPaths:     `["head"]`,
		config.AttrKeyPathValue: `{"head": "nose"}`,
		config.AttrWidth:        "200",
		config.AttrHeight:       "200",
	}, Env{Poses: poses})

	if l.Rig() == nil {
		t.Fatalf("no rig bound; status %v", messages(l.Status()))
	}
	if !l.Player().Visible() {
		t.Error("animation should be shown after binding")
	}
	if len(l.Status().Lines()) != 0 {
		t.Errorf("status should be cleared, got %v", messages(l.Status()))
	}

	frame, err := l.Player().RenderFrame(0)
	if err != nil {
		t.Fatalf("RenderFrame() error = %v", err)
	}
	if got := frame.Positions["head"]; got != (animation.Point{X: 20, Y: 40}) {
		t.Errorf("head = %v, want {20 40}", got)
	}
	if got := frame.Positions["body"]; got != (animation.Point{X: 50, Y: 80}) {
		t.Errorf("unbound body = %v, want native {50 80}", got)
	}

	waitFor(t, "published frame", func() bool {
		_, _, ok := l.Frames().Load()
		return ok
	})
}

func TestLottieRig_UnknownLayer(t *testing.T) {
	poses := latest.New[pose.Event]()
	poses.Store(nosePose(10, 20))

	l := attachRig(t, config.Attributes{
		config.AttrSrc:      writeAnimation(t),
		config.AttrKeyPaths: `["head", "tail"]`,
	}, Env{Poses: poses})

	if l.Rig() != nil {
		t.Error("no bindings may take effect")
	}
	if l.Status().Errors() != 1 {
		t.Errorf("want one error line, got %v", messages(l.Status()))
	}
	if last, _ := l.Status().Last(); last.Message != msgBindFailed {
		t.Errorf("last line = %q", last.Message)
	}

	frame, _ := l.Player().RenderFrame(0)
	if got := frame.Positions["head"]; got != (animation.Point{X: 50, Y: 50}) {
		t.Errorf("head = %v, want native {50 50}", got)
	}
	if !l.Player().Visible() || !l.Player().Playing() {
		t.Error("animation should play unrigged")
	}
}

func TestLottieRig_MalformedAttributes(t *testing.T) {
	tests := []struct {
		name  string
		attrs config.Attributes
		want  string
	}{
		{
			name:  "key-paths",
			attrs: config.Attributes{config.AttrKeyPaths: `["head"`},
			want:  msgBadKeyPaths,
		},
		{
			name:  "key-path-value",
			attrs: config.Attributes{config.AttrKeyPaths: `["head"]`, config.AttrKeyPathValue: `function(name){}`},
			want:  msgBadKeyPathValue,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attrs := tt.attrs.Clone()
			attrs[config.AttrSrc] = writeAnimation(t)

			l := attachRig(t, attrs, Env{})

			if l.Status().Errors() != 1 {
				t.Errorf("want one error line, got %v", messages(l.Status()))
			}
			if !hasMessage(l.Status(), tt.want) {
				t.Errorf("missing %q in %v", tt.want, messages(l.Status()))
			}
			if l.Rig() != nil {
				t.Error("expected empty binding set")
			}
		})
	}
}

func TestLottieRig_DataFailed(t *testing.T) {
	l := attachRig(t, config.Attributes{
		config.AttrSrc: filepath.Join(t.TempDir(), "missing.json"),
	}, Env{})

	if last, _ := l.Status().Last(); last.Message != msgAnimationFailed || !last.Error {
		t.Errorf("last line = %+v", last)
	}
}

func TestLottieRig_NoSource(t *testing.T) {
	l := attachRig(t, config.Attributes{}, Env{})
	if l.Player() != nil {
		t.Error("no player expected without src")
	}
	if !hasMessage(l.Status(), msgNoAnimation) {
		t.Errorf("status = %v", messages(l.Status()))
	}
}

func TestLottieRig_Detach(t *testing.T) {
	l := attachRig(t, config.Attributes{
		config.AttrSrc:      writeAnimation(t),
		config.AttrKeyPaths: `"head"`,
	}, Env{Poses: latest.New[pose.Event]()})

	player := l.Player()
	bound := l.Rig()
	if bound == nil {
		t.Fatalf("expected a rig; status %v", messages(l.Status()))
	}

	if err := l.Detach(); err != nil {
		t.Errorf("Detach() error = %v", err)
	}
	if err := l.Detach(); err != nil {
		t.Errorf("second Detach() error = %v", err)
	}

	if bound.Alive() {
		t.Error("rig alive after Detach")
	}
	if !player.Destroyed() {
		t.Error("player not destroyed")
	}

	if err := NewLottieRig("idle", nil, Env{}).Detach(); err != nil {
		t.Errorf("Detach() without Attach error = %v", err)
	}
}
