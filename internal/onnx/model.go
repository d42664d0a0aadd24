// Package onnx is the ONNX Runtime backend for inference.Model.
//
// One AdvancedSession is created per model function; all sessions share the
// input tensor and the state tensors, so calls are serialized by the model.
package onnx

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/e7canasta/orion-player/config"
	"github.com/e7canasta/orion-player/inference"
)

// ErrUnknownFunction is returned by Perform for a function the model lacks.
var ErrUnknownFunction = errors.New("onnx: unknown model function")

// defaultFunction names the single function of plain models.
const defaultFunction = "main"

var (
	envOnce sync.Once
	envErr  error
)

// InitRuntime loads the onnxruntime shared library once per process.
// An empty path keeps the library's platform default.
func InitRuntime(libraryPath string) error {
	envOnce.Do(func() {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			envErr = fmt.Errorf("failed to initialize onnxruntime: %w", err)
		}
	})
	return envErr
}

// DestroyRuntime releases the onnxruntime environment.
func DestroyRuntime() error {
	return ort.DestroyEnvironment()
}

// functionSession is one model function bound to its own output tensors.
type functionSession struct {
	session     *ort.AdvancedSession
	outputs     []*ort.Tensor[float32]
	outputShape []int64
}

// Model is a loaded ONNX model. Safe for concurrent use.
type Model struct {
	cfg    config.ModelConfig
	labels []string
	logger *slog.Logger

	mu          sync.Mutex
	input       *ort.Tensor[float32]
	stateIn     []*ort.Tensor[float32]
	stateOut    []*ort.Tensor[float32]
	functions   map[string]*functionSession
	defaultName string
}

// Load validates the model IO and creates its sessions. cfg must already be
// validated (config.ValidateModel).
func Load(cfg config.ModelConfig, logger *slog.Logger) (*Model, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := InitRuntime(cfg.LibraryPath); err != nil {
		return nil, err
	}

	inputs, outputs, err := ort.GetInputOutputInfo(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model io: %w", err)
	}
	if err := inference.ValidateIO(describe(inputs, outputs)); err != nil {
		return nil, fmt.Errorf("unsupported model %s: %w", cfg.Path, err)
	}

	labels, err := cfg.ResolveLabels()
	if err != nil {
		return nil, err
	}

	m := &Model{
		cfg:       cfg,
		labels:    labels,
		logger:    logger,
		functions: make(map[string]*functionSession),
	}

	if err := m.allocate(outputs); err != nil {
		m.Destroy()
		return nil, err
	}

	logger.Info("onnx: model loaded",
		"path", cfg.Path,
		"kind", cfg.Kind,
		"input", fmt.Sprintf("%dx%d", cfg.InputWidth, cfg.InputHeight),
		"functions", len(m.functions),
		"stateful", cfg.Stateful,
		"labels", len(labels),
	)

	return m, nil
}

func (m *Model) allocate(outputs []ort.InputOutputInfo) error {
	cfg := m.cfg

	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, int64(cfg.InputHeight), int64(cfg.InputWidth)))
	if err != nil {
		return fmt.Errorf("error creating input tensor: %w", err)
	}
	m.input = input

	if cfg.Stateful {
		shape := ort.NewShape(cfg.StateShape...)
		for range cfg.StateInputs {
			in, err := ort.NewEmptyTensor[float32](shape)
			if err != nil {
				return fmt.Errorf("error creating state input tensor: %w", err)
			}
			m.stateIn = append(m.stateIn, in)

			out, err := ort.NewEmptyTensor[float32](shape)
			if err != nil {
				return fmt.Errorf("error creating state output tensor: %w", err)
			}
			m.stateOut = append(m.stateOut, out)
		}
	}

	functions := cfg.Functions
	m.defaultName = cfg.DefaultFunction
	if len(functions) == 0 {
		functions = map[string][]string{defaultFunction: cfg.OutputNames}
		m.defaultName = defaultFunction
	}
	if m.defaultName == "" {
		for name := range functions {
			if m.defaultName == "" || name < m.defaultName {
				m.defaultName = name
			}
		}
	}

	shapes := make(map[string][]int64, len(outputs))
	for _, o := range outputs {
		shapes[o.Name] = concreteShape(o.Dimensions)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return fmt.Errorf("error creating session options: %w", err)
	}
	defer options.Destroy()
	if cfg.IntraOpThreads > 0 {
		if err := options.SetIntraOpNumThreads(cfg.IntraOpThreads); err != nil {
			return fmt.Errorf("error setting intra-op threads: %w", err)
		}
	}

	for name, outputNames := range functions {
		fs, err := m.newFunctionSession(outputNames, shapes, options)
		if err != nil {
			return fmt.Errorf("function %q: %w", name, err)
		}
		m.functions[name] = fs
	}

	return nil
}

func (m *Model) newFunctionSession(outputNames []string, shapes map[string][]int64, options *ort.SessionOptions) (*functionSession, error) {
	fs := &functionSession{}

	inputNames := append([]string{m.cfg.InputName}, m.cfg.StateInputs...)
	inputs := []ort.ArbitraryTensor{m.input}
	for _, t := range m.stateIn {
		inputs = append(inputs, t)
	}

	names := append([]string(nil), outputNames...)
	var outputs []ort.ArbitraryTensor
	for _, name := range outputNames {
		shape, ok := shapes[name]
		if !ok {
			fs.destroy()
			return nil, fmt.Errorf("model has no output %q", name)
		}
		t, err := ort.NewEmptyTensor[float32](ort.NewShape(shape...))
		if err != nil {
			fs.destroy()
			return nil, fmt.Errorf("error creating output tensor %q: %w", name, err)
		}
		fs.outputs = append(fs.outputs, t)
		outputs = append(outputs, t)
	}
	fs.outputShape = shapes[outputNames[0]]

	if m.cfg.Stateful {
		names = append(names, m.cfg.StateOutputs...)
		for _, t := range m.stateOut {
			outputs = append(outputs, t)
		}
	}

	session, err := ort.NewAdvancedSession(m.cfg.Path, inputNames, names, inputs, outputs, options)
	if err != nil {
		fs.destroy()
		return nil, fmt.Errorf("error creating session: %w", err)
	}
	fs.session = session

	return fs, nil
}

func (fs *functionSession) destroy() {
	if fs.session != nil {
		fs.session.Destroy()
	}
	for _, t := range fs.outputs {
		t.Destroy()
	}
}

// Perform implements inference.Model.
func (m *Model) Perform(ctx context.Context, img image.Image, req inference.Request) (inference.Observations, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	name := req.FunctionName
	if name == "" {
		name = m.defaultName
	}
	fs, ok := m.functions[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFunction, name)
	}

	prepared, place := fitToInput(orient(img, req.Orientation), m.cfg.InputWidth, m.cfg.InputHeight, req.CropAndScale)
	fillCHW(prepared, m.input.GetData())

	if err := fs.session.Run(); err != nil {
		return nil, fmt.Errorf("model inference: %w", err)
	}

	// Carry recurrent state into the next call.
	for i := range m.stateIn {
		copy(m.stateIn[i].GetData(), m.stateOut[i].GetData())
	}

	params := decodeParams{
		labels:     m.labels,
		confidence: float32(m.cfg.Confidence),
		iou:        float32(m.cfg.IoUThreshold),
		maxObjects: m.cfg.MaxObjects,
		place:      place,
	}

	out := fs.outputs[0].GetData()
	if m.cfg.Kind == config.KindClassification {
		return decodeClassification(out, params), nil
	}

	obs, err := decodeDetections(out, fs.outputShape, params)
	if err != nil {
		return nil, fmt.Errorf("process predictions: %w", err)
	}
	return obs, nil
}

// Stateful implements inference.Model.
func (m *Model) Stateful() bool {
	return m.cfg.Stateful
}

// IdealFormat implements inference.Model.
func (m *Model) IdealFormat() *inference.IdealFormat {
	return &inference.IdealFormat{
		Width:       m.cfg.InputWidth,
		Height:      m.cfg.InputHeight,
		PixelFormat: "RGB",
	}
}

// ResetState zeroes the recurrent state (inference.StateResetter).
func (m *Model) ResetState() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range m.stateIn {
		clear(t.GetData())
	}
}

// Functions lists the model function names.
func (m *Model) Functions() []string {
	names := make([]string, 0, len(m.functions))
	for name := range m.functions {
		names = append(names, name)
	}
	return names
}

// DefaultFunction is the function used when a request names none.
func (m *Model) DefaultFunction() string {
	return m.defaultName
}

// Destroy releases all sessions and tensors.
func (m *Model) Destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, fs := range m.functions {
		fs.destroy()
	}
	m.functions = nil
	for _, t := range m.stateIn {
		t.Destroy()
	}
	for _, t := range m.stateOut {
		t.Destroy()
	}
	if m.input != nil {
		m.input.Destroy()
	}
}

// describe maps onnxruntime IO info onto an inference.Description.
// A 4-D float tensor with 1 or 3 channels (NCHW or NHWC) counts as an image.
func describe(inputs, outputs []ort.InputOutputInfo) inference.Description {
	var d inference.Description
	for _, in := range inputs {
		d.Inputs = append(d.Inputs, inference.Feature{Name: in.Name, Type: inputType(in)})
	}
	for _, out := range outputs {
		d.Outputs = append(d.Outputs, inference.Feature{Name: out.Name, Type: valueType(out.OrtValueType)})
	}
	return d
}

func inputType(info ort.InputOutputInfo) inference.FeatureType {
	if info.OrtValueType != ort.ONNXTypeTensor {
		return valueType(info.OrtValueType)
	}
	dims := info.Dimensions
	isFloat := info.DataType == ort.TensorElementDataTypeFloat
	if isFloat && len(dims) == 4 && (isChannels(dims[1]) || isChannels(dims[3])) {
		return inference.FeatureImage
	}
	return inference.FeatureMultiArray
}

func isChannels(d int64) bool {
	return d == 1 || d == 3
}

func valueType(t ort.ONNXType) inference.FeatureType {
	switch t {
	case ort.ONNXTypeTensor:
		return inference.FeatureMultiArray
	case ort.ONNXTypeMap:
		return inference.FeatureDictionary
	case ort.ONNXTypeSequence:
		return inference.FeatureSequence
	default:
		return inference.FeatureUnknown
	}
}

// concreteShape replaces dynamic dimensions (batch, anchors) with 1.
func concreteShape(s ort.Shape) []int64 {
	out := make([]int64, len(s))
	for i, d := range s {
		if d <= 0 {
			d = 1
		}
		out[i] = d
	}
	return out
}
