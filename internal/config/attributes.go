// Package config parses component attributes and the host configuration file.
package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/ayusman/poserig/internal/pose"
)

// Recognized attribute names.
const (
	AttrSrc             = "src"
	AttrVideo           = "video"
	AttrCamera          = "camera"
	AttrDeviceClass     = "device-class"
	AttrKeyPaths        = "key-paths"
	AttrKeyPathValue    = "key-path-value"
	AttrPosenetConfig   = "posenet-config"
	AttrInferenceConfig = "inference-config"
	AttrHideKeypoints   = "hide-keypoints"
	AttrMinConfidence   = "min-confidence"
	AttrRefreshRate     = "refresh-rate"
	AttrWidth           = "width"
	AttrHeight          = "height"
	AttrLoop            = "loop"
)

// ParseError reports a malformed attribute value. It is never fatal: the
// caller falls back to a safe default.
type ParseError struct {
	Attr string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Attr, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Attributes is the attribute set of one component instance.
// Presence matters: a boolean attribute is set when its key exists.
type Attributes map[string]string

// Has reports whether the attribute is present.
func (a Attributes) Has(name string) bool {
	_, ok := a[name]
	return ok
}

// Get returns the attribute value, or "" when absent.
func (a Attributes) Get(name string) string {
	return a[name]
}

// Clone returns a copy of the attribute set.
func (a Attributes) Clone() Attributes {
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// Merge returns a copy of a with every key of over applied on top.
func (a Attributes) Merge(over Attributes) Attributes {
	out := a.Clone()
	for k, v := range over {
		out[k] = v
	}
	return out
}

// KeyPaths parses the key-paths attribute: a JSON array of layer names or a
// single JSON string. Absent means no bindings.
func (a Attributes) KeyPaths() ([]string, error) {
	raw, ok := a[AttrKeyPaths]
	if !ok || strings.TrimSpace(raw) == "" {
		return []string{}, nil
	}

	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return []string{}, &ParseError{Attr: AttrKeyPaths, Err: err}
	}

	switch t := v.(type) {
	case string:
		return []string{t}, nil
	case []any:
		names := make([]string, 0, len(t))
		for i, item := range t {
			s, ok := item.(string)
			if !ok {
				return []string{}, &ParseError{Attr: AttrKeyPaths, Err: fmt.Errorf("element %d is not a string", i)}
			}
			names = append(names, s)
		}
		return names, nil
	default:
		return []string{}, &ParseError{Attr: AttrKeyPaths, Err: fmt.Errorf("expected array or string, got %T", v)}
	}
}

// PointMap parses key-path-value: a JSON object mapping layer names to
// keypoint names. Absent yields an empty map, which means identity mapping.
func (a Attributes) PointMap() (map[string]string, error) {
	raw, ok := a[AttrKeyPathValue]
	if !ok || strings.TrimSpace(raw) == "" {
		return map[string]string{}, nil
	}

	var m map[string]string
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, &ParseError{Attr: AttrKeyPathValue, Err: err}
	}
	if m == nil {
		m = map[string]string{}
	}
	return m, nil
}

// ModelConfig merges the posenet-config JSON object over the defaults.
// Malformed JSON yields the defaults and a ParseError.
func (a Attributes) ModelConfig() (pose.ModelConfig, error) {
	cfg := pose.DefaultModelConfig()
	if err := mergeJSON(a, AttrPosenetConfig, &cfg); err != nil {
		return pose.DefaultModelConfig(), err
	}
	return cfg, nil
}

// InferenceConfig merges the inference-config JSON object over the defaults.
// Malformed JSON yields the defaults and a ParseError.
func (a Attributes) InferenceConfig() (pose.InferenceConfig, error) {
	cfg := pose.DefaultInferenceConfig()
	if err := mergeJSON(a, AttrInferenceConfig, &cfg); err != nil {
		return pose.DefaultInferenceConfig(), err
	}
	return cfg, nil
}

func mergeJSON(a Attributes, attr string, dst any) error {
	raw, ok := a[attr]
	if !ok || strings.TrimSpace(raw) == "" {
		return nil
	}

	// Only objects merge; null and scalars are treated as malformed.
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "{") {
		return &ParseError{Attr: attr, Err: fmt.Errorf("expected JSON object")}
	}

	if err := json.Unmarshal([]byte(trimmed), dst); err != nil {
		return &ParseError{Attr: attr, Err: err}
	}
	return nil
}

// Float returns the attribute as a float, or def when absent.
func (a Attributes) Float(name string, def float64) (float64, error) {
	raw, ok := a[name]
	if !ok || raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def, &ParseError{Attr: name, Err: err}
	}
	return v, nil
}

// Int returns the attribute as an int, or def when absent.
func (a Attributes) Int(name string, def int) (int, error) {
	raw, ok := a[name]
	if !ok || raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def, &ParseError{Attr: name, Err: err}
	}
	return v, nil
}
