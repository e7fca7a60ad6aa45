package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Component kinds known to the host.
const (
	KindPoseDetect = "pose-detect"
	KindLottieRig  = "lottie-rig"
)

// File is the host configuration.
type File struct {
	Addr       string            `yaml:"addr"`
	DataDir    string            `yaml:"data_dir"`
	StaticDir  string            `yaml:"static_dir"`
	Tray       bool              `yaml:"tray"`
	MQTT       MQTTConfig        `yaml:"mqtt"`
	Components []ComponentConfig `yaml:"components"`
}

// MQTTConfig configures the pose event emitter. An empty broker disables it.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"`
	QoS      byte   `yaml:"qos"`
}

// ComponentConfig declares one component instance.
type ComponentConfig struct {
	Name       string     `yaml:"name"`
	Kind       string     `yaml:"kind"`
	Preset     string     `yaml:"preset,omitempty"`
	Attributes Attributes `yaml:"attributes"`
}

// Default returns the configuration used when no file is given.
func Default() *File {
	return &File{
		Addr: ":8080",
		MQTT: MQTTConfig{
			ClientID: "poserig",
			Topic:    "poserig/poses",
		},
	}
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// validName keeps component names usable as URL path segments.
var validName = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Validate checks component declarations.
func Validate(cfg *File) error {
	seen := make(map[string]bool)
	for i, c := range cfg.Components {
		if c.Name == "" {
			return fmt.Errorf("component %d: name is required", i)
		}
		if !validName.MatchString(c.Name) {
			return fmt.Errorf("component %q: name may only contain letters, digits, '-' and '_'", c.Name)
		}
		if seen[c.Name] {
			return fmt.Errorf("component %q declared twice", c.Name)
		}
		seen[c.Name] = true

		switch c.Kind {
		case KindPoseDetect, KindLottieRig:
		default:
			return fmt.Errorf("component %q: unknown kind %q", c.Name, c.Kind)
		}
	}
	return nil
}
