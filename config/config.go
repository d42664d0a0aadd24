package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete orion-player configuration
type Config struct {
	InstanceID       string          `yaml:"instance_id"`
	ShutdownTimeoutS int             `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 5)
	Model            ModelConfig     `yaml:"model"`
	Video            VideoConfig     `yaml:"video"`
	Scheduler        SchedulerConfig `yaml:"scheduler"`
	MQTT             MQTTConfig      `yaml:"mqtt"`
	History          HistoryConfig   `yaml:"history"`
	Server           ServerConfig    `yaml:"server"`
}

// ModelConfig describes the ONNX model to load
type ModelConfig struct {
	Path        string   `yaml:"path"`
	LibraryPath string   `yaml:"library_path"` // onnxruntime shared library (optional, platform default otherwise)
	Kind        string   `yaml:"kind"`         // detection, classification
	Labels      []string `yaml:"labels"`
	LabelsPath  string   `yaml:"labels_path"` // one label per line, used when labels is empty

	InputName   string   `yaml:"input_name"`
	OutputNames []string `yaml:"output_names"`
	InputWidth  int      `yaml:"input_width"`
	InputHeight int      `yaml:"input_height"`

	Confidence   float64 `yaml:"confidence"`
	IoUThreshold float64 `yaml:"iou_threshold"`
	MaxObjects   int     `yaml:"max_objects"`

	// Stateful models feed StateOutputs back into StateInputs between calls
	Stateful     bool     `yaml:"stateful"`
	StateInputs  []string `yaml:"state_inputs"`
	StateOutputs []string `yaml:"state_outputs"`
	StateShape   []int64  `yaml:"state_shape"`

	// Functions maps a function name to the output names it reads (multi-function models)
	Functions       map[string][]string `yaml:"functions"`
	DefaultFunction string              `yaml:"default_function"`

	IntraOpThreads int `yaml:"intra_op_threads"`
}

// VideoConfig contains playback settings
type VideoConfig struct {
	Path        string `yaml:"path"`
	Orientation int    `yaml:"orientation"` // EXIF orientation 1..8 (default: 1)
	FrameWidth  int    `yaml:"frame_width"`  // appsink output size; 0 uses the model ideal format
	FrameHeight int    `yaml:"frame_height"`
}

// SchedulerConfig contains detection cycle settings
type SchedulerConfig struct {
	ClearDelayMS    int   `yaml:"clear_delay_ms"`    // debounce before stats clear on teardown (default: 100)
	LatencyBudgetMS int   `yaml:"latency_budget_ms"` // budget reported by /metrics (default: 50)
	SubtractLatency *bool `yaml:"subtract_latency"`  // subtract last latency from the repeat interval (default: true)
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
	Encoding    string `yaml:"encoding"` // json, msgpack
	QueueSize   int    `yaml:"queue_size"`
}

// HistoryConfig contains cycle history settings
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// ServerConfig contains HTTP status server settings
type ServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// ClearDelay returns the scheduler clear delay as a duration
func (c SchedulerConfig) ClearDelay() time.Duration {
	return time.Duration(c.ClearDelayMS) * time.Millisecond
}

// SubtractLastLatency reports whether the repeat interval subtracts the last latency
func (c SchedulerConfig) SubtractLastLatency() bool {
	return c.SubtractLatency == nil || *c.SubtractLatency
}

// LatencyBudget returns the latency budget as a duration
func (c SchedulerConfig) LatencyBudget() time.Duration {
	return time.Duration(c.LatencyBudgetMS) * time.Millisecond
}

// ShutdownTimeout returns the graceful shutdown timeout
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses and validates YAML configuration bytes
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Validate configuration
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}
