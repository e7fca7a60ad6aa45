package pose

import (
	"context"
	"sync"

	"gocv.io/x/gocv"
)

// MockEstimator is a test implementation of the Estimator interface.
// It allows tests to control the estimation results.
type MockEstimator struct {
	mu     sync.Mutex
	poses  []Pose
	err    error
	calls  int
	last   InferenceConfig
	closed bool
}

// NewMockEstimator creates a new MockEstimator instance.
func NewMockEstimator() *MockEstimator {
	return &MockEstimator{}
}

// SetPoses sets the poses that will be returned by EstimatePoses.
func (m *MockEstimator) SetPoses(poses []Pose) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.poses = poses
}

// SetError sets the error that will be returned by EstimatePoses.
func (m *MockEstimator) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// EstimatePoses returns the pre-configured poses or error.
func (m *MockEstimator) EstimatePoses(ctx context.Context, frame *gocv.Mat, cfg InferenceConfig) ([]Pose, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	m.last = cfg
	if m.err != nil {
		return nil, m.err
	}
	return m.poses, nil
}

// Calls returns how many times EstimatePoses ran.
func (m *MockEstimator) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// LastConfig returns the inference options of the most recent call.
func (m *MockEstimator) LastConfig() InferenceConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Closed reports whether Close was called.
func (m *MockEstimator) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Close marks the mock closed.
func (m *MockEstimator) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// StaticLoader returns a Loader that always yields est.
func StaticLoader(est Estimator) Loader {
	return func(ctx context.Context, cfg ModelConfig) (Estimator, error) {
		return est, nil
	}
}

// StandingPose returns a preset full-body pose facing the camera in a
// 640x480 frame. Ankles are low-confidence, as when feet are out of frame.
func StandingPose() Pose {
	kp := func(name string, x, y, score float64) Keypoint {
		return Keypoint{Name: name, Position: Vector2{X: x, Y: y}, Score: score}
	}

	return Pose{
		Score: 0.82,
		Keypoints: []Keypoint{
			kp(Nose, 320, 90, 0.99),
			kp(LeftEye, 332, 80, 0.98),
			kp(RightEye, 308, 80, 0.98),
			kp(LeftEar, 346, 86, 0.85),
			kp(RightEar, 294, 86, 0.84),
			kp(LeftShoulder, 370, 150, 0.95),
			kp(RightShoulder, 270, 150, 0.95),
			kp(LeftElbow, 392, 220, 0.90),
			kp(RightElbow, 248, 220, 0.89),
			kp(LeftWrist, 400, 285, 0.80),
			kp(RightWrist, 240, 285, 0.78),
			kp(LeftHip, 350, 290, 0.88),
			kp(RightHip, 290, 290, 0.87),
			kp(LeftKnee, 352, 380, 0.60),
			kp(RightKnee, 288, 380, 0.58),
			kp(LeftAnkle, 354, 460, 0.20),
			kp(RightAnkle, 286, 460, 0.15),
		},
	}
}
