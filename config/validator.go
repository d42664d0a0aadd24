package config

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strings"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Model kinds
const (
	KindDetection      = "detection"
	KindClassification = "classification"
)

// Payload encodings
const (
	EncodingJSON    = "json"
	EncodingMsgpack = "msgpack"
)

// Validate checks if the configuration is valid and fills defaults
func Validate(cfg *Config) error {
	// Validate instance_id
	if cfg.InstanceID == "" {
		cfg.InstanceID = "orion-player"
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}

	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5 // default
	}

	if err := ValidateModel(&cfg.Model); err != nil {
		return fmt.Errorf("model validation failed: %w", err)
	}

	// Validate video config
	if cfg.Video.Orientation == 0 {
		cfg.Video.Orientation = 1
	}
	if cfg.Video.Orientation < 1 || cfg.Video.Orientation > 8 {
		return fmt.Errorf("video.orientation must be 1..8, got %d", cfg.Video.Orientation)
	}
	if cfg.Video.FrameWidth < 0 || cfg.Video.FrameHeight < 0 {
		return fmt.Errorf("video.frame_width and video.frame_height must be >= 0")
	}

	// Validate scheduler config
	if cfg.Scheduler.ClearDelayMS == 0 {
		cfg.Scheduler.ClearDelayMS = 100
	}
	if cfg.Scheduler.ClearDelayMS < 0 {
		return fmt.Errorf("scheduler.clear_delay_ms must be > 0")
	}
	if cfg.Scheduler.LatencyBudgetMS <= 0 {
		cfg.Scheduler.LatencyBudgetMS = 50
	}

	// Validate MQTT only when enabled
	if cfg.MQTT.Enabled {
		if cfg.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
		}
		if cfg.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
		}
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "orion/player"
	}
	switch cfg.MQTT.Encoding {
	case "":
		cfg.MQTT.Encoding = EncodingJSON
	case EncodingJSON, EncodingMsgpack:
	default:
		return fmt.Errorf("mqtt.encoding must be '%s' or '%s', got '%s'",
			EncodingJSON, EncodingMsgpack, cfg.MQTT.Encoding)
	}
	if cfg.MQTT.QueueSize <= 0 {
		cfg.MQTT.QueueSize = 64
	}

	if cfg.History.Path == "" {
		cfg.History.Path = "orion-player.db"
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}

	return nil
}

// ValidateModel validates the model section and fills its defaults
func ValidateModel(m *ModelConfig) error {
	if m.Path == "" {
		return fmt.Errorf("path is required")
	}

	switch m.Kind {
	case "":
		m.Kind = KindDetection
	case KindDetection, KindClassification:
	default:
		return fmt.Errorf("unknown kind '%s' (must be '%s' or '%s')",
			m.Kind, KindDetection, KindClassification)
	}

	if m.InputName == "" {
		m.InputName = "images"
	}
	if len(m.OutputNames) == 0 {
		m.OutputNames = []string{"output0"}
	}
	if m.InputWidth <= 0 {
		m.InputWidth = 640
	}
	if m.InputHeight <= 0 {
		m.InputHeight = 640
	}

	if m.Confidence == 0 {
		m.Confidence = 0.25
	}
	if m.Confidence < 0 || m.Confidence > 1 {
		return fmt.Errorf("confidence must be in [0, 1], got %v", m.Confidence)
	}
	if m.IoUThreshold == 0 {
		m.IoUThreshold = 0.45
	}
	if m.IoUThreshold < 0 || m.IoUThreshold > 1 {
		return fmt.Errorf("iou_threshold must be in [0, 1], got %v", m.IoUThreshold)
	}
	if m.MaxObjects <= 0 {
		m.MaxObjects = 100
	}

	if m.Stateful {
		if len(m.StateInputs) == 0 {
			return fmt.Errorf("stateful model requires state_inputs")
		}
		if len(m.StateInputs) != len(m.StateOutputs) {
			return fmt.Errorf("state_inputs (%d) and state_outputs (%d) must pair up",
				len(m.StateInputs), len(m.StateOutputs))
		}
		if len(m.StateShape) == 0 {
			return fmt.Errorf("stateful model requires state_shape")
		}
	}

	for name, outputs := range m.Functions {
		if len(outputs) == 0 {
			return fmt.Errorf("function '%s' must list at least one output", name)
		}
	}
	if m.DefaultFunction != "" {
		if _, ok := m.Functions[m.DefaultFunction]; !ok {
			return fmt.Errorf("default_function '%s' not found in functions", m.DefaultFunction)
		}
	}

	return nil
}

// ResolveLabels returns the configured labels, reading labels_path when the
// inline list is empty. Blank lines are skipped.
func (m *ModelConfig) ResolveLabels() ([]string, error) {
	if len(m.Labels) > 0 || m.LabelsPath == "" {
		return m.Labels, nil
	}

	f, err := os.Open(m.LabelsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open labels file: %w", err)
	}
	defer f.Close()

	var labels []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			labels = append(labels, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read labels file: %w", err)
	}

	return labels, nil
}
