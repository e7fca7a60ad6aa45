// Package pose provides pose estimation types and the estimator boundary.
package pose

import "time"

// Keypoint names following the PoseNet convention.
const (
	Nose          = "nose"
	LeftEye       = "leftEye"
	RightEye      = "rightEye"
	LeftEar       = "leftEar"
	RightEar      = "rightEar"
	LeftShoulder  = "leftShoulder"
	RightShoulder = "rightShoulder"
	LeftElbow     = "leftElbow"
	RightElbow    = "rightElbow"
	LeftWrist     = "leftWrist"
	RightWrist    = "rightWrist"
	LeftHip       = "leftHip"
	RightHip      = "rightHip"
	LeftKnee      = "leftKnee"
	RightKnee     = "rightKnee"
	LeftAnkle     = "leftAnkle"
	RightAnkle    = "rightAnkle"
)

// KeypointNames lists the 17 PoseNet keypoints in model output order.
var KeypointNames = []string{
	Nose, LeftEye, RightEye, LeftEar, RightEar,
	LeftShoulder, RightShoulder, LeftElbow, RightElbow, LeftWrist, RightWrist,
	LeftHip, RightHip, LeftKnee, RightKnee, LeftAnkle, RightAnkle,
}

// Vector2 is a 2D position in source-frame pixel space.
type Vector2 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Keypoint is a named, scored location on a detected subject.
type Keypoint struct {
	Name     string  `json:"part"`
	Position Vector2 `json:"position"`
	Score    float64 `json:"score"` // 0.0-1.0
}

// Pose is one detected subject.
type Pose struct {
	Score     float64    `json:"score"`
	Keypoints []Keypoint `json:"keypoints"`
}

// Keypoint returns the keypoint with the given name.
func (p *Pose) Keypoint(name string) (Keypoint, bool) {
	if p == nil {
		return Keypoint{}, false
	}
	for _, kp := range p.Keypoints {
		if kp.Name == name {
			return kp, true
		}
	}
	return Keypoint{}, false
}

// Event is the payload of one completed inference iteration.
// Poses are never filtered by confidence.
type Event struct {
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Poses     []Pose    `json:"poses"`
}
