package pose

import (
	"context"
	"errors"

	"gocv.io/x/gocv"
)

// ErrModelLoad is returned when the pose model cannot be loaded.
var ErrModelLoad = errors.New("pose model failed to load")

// Estimator defines the interface for pose estimation implementations.
type Estimator interface {
	// EstimatePoses analyzes a video frame and returns the detected poses.
	// Returns an empty slice if nobody is detected.
	EstimatePoses(ctx context.Context, frame *gocv.Mat, cfg InferenceConfig) ([]Pose, error)

	// Close releases any resources held by the estimator.
	Close() error
}

// Loader loads an estimator for the given model configuration.
// Implementations wrap failures with ErrModelLoad.
type Loader func(ctx context.Context, cfg ModelConfig) (Estimator, error)

// ModelConfig holds model shape and fidelity options.
type ModelConfig struct {
	Architecture    string `json:"architecture"`
	OutputStride    int    `json:"outputStride"`
	InputResolution int    `json:"inputResolution"`
	QuantBytes      int    `json:"quantBytes"`
}

// InferenceConfig holds per-call detection filtering options.
type InferenceConfig struct {
	FlipHorizontal bool    `json:"flipHorizontal"`
	MaxDetections  int     `json:"maxDetections"`
	ScoreThreshold float64 `json:"scoreThreshold"`
	NMSRadius      float64 `json:"nmsRadius"`
}

// DefaultModelConfig returns the default PoseNet model configuration.
func DefaultModelConfig() ModelConfig {
	return ModelConfig{
		Architecture:    "ResNet50",
		OutputStride:    32,
		InputResolution: 161,
		QuantBytes:      2,
	}
}

// DefaultInferenceConfig returns the default detection options.
func DefaultInferenceConfig() InferenceConfig {
	return InferenceConfig{
		FlipHorizontal: false,
		MaxDetections:  1,
		ScoreThreshold: 0.5,
		NMSRadius:      20,
	}
}
