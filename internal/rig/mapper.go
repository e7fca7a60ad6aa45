package rig

import (
	"time"

	"github.com/ayusman/poserig/internal/animation"
	"github.com/ayusman/poserig/internal/latest"
	"github.com/ayusman/poserig/internal/pose"
)

// PoseMapper resolves layer coordinates from the most recent pose event.
// Layers map to keypoint names through Points; unmapped layers use their
// own name as the keypoint name.
type PoseMapper struct {
	slot   *latest.Slot[pose.Event]
	points map[string]string

	// MinScore drops keypoints below this confidence (default 0, keep all).
	MinScore float64
	// MaxAge drops events older than this (default 0, never stale).
	MaxAge time.Duration

	now func() time.Time
}

// NewPoseMapper creates a mapper over slot. points may be nil.
func NewPoseMapper(slot *latest.Slot[pose.Event], points map[string]string) *PoseMapper {
	m := &PoseMapper{
		slot:   slot,
		points: make(map[string]string, len(points)),
		now:    time.Now,
	}
	for layer, kp := range points {
		m.points[layer] = kp
	}
	return m
}

// KeypointFor returns the keypoint name a layer follows.
func (m *PoseMapper) KeypointFor(layer string) string {
	if kp, ok := m.points[layer]; ok && kp != "" {
		return kp
	}
	return layer
}

// Coordinate returns the keypoint position of the first pose in the latest
// event, in source-frame pixels.
func (m *PoseMapper) Coordinate(layer string, current animation.Point) (animation.Point, bool) {
	if m.slot == nil {
		return current, false
	}

	ev, _, ok := m.slot.Load()
	if !ok || len(ev.Poses) == 0 {
		return current, false
	}
	if m.MaxAge > 0 && m.now().Sub(ev.Timestamp) > m.MaxAge {
		return current, false
	}

	kp, ok := ev.Poses[0].Keypoint(m.KeypointFor(layer))
	if !ok || kp.Score < m.MinScore {
		return current, false
	}

	return animation.Point{X: kp.Position.X, Y: kp.Position.Y}, true
}
