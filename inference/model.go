// Package inference wraps the opaque "run a model on an image" operation.
//
// A Model is anything that turns an image into raw Observations. The Adapter
// times the call, swallows failures into a diagnostics hook, and converts the
// raw observations into detection.Output values exactly once at this boundary.
package inference

import (
	"context"
	"errors"
	"fmt"
	"image"
)

var (
	// ErrNoImageInput is returned by ValidateIO for models without an image input.
	ErrNoImageInput = errors.New("inference: model does not accept images as an input")

	// ErrUnsupportedOutput is returned by ValidateIO for models whose outputs
	// are neither detection nor classification shaped.
	ErrUnsupportedOutput = errors.New("inference: model is not of type object detection or classification")
)

// Model is a loaded, ready-to-run vision model.
type Model interface {
	// Perform runs the model once. Implementations may return partial
	// observations together with an error.
	Perform(ctx context.Context, img image.Image, req Request) (Observations, error)

	// Stateful reports whether results depend on state accumulated across
	// calls (recurrent models).
	Stateful() bool

	// IdealFormat returns the preferred input size, or nil when unknown.
	IdealFormat() *IdealFormat
}

// StateResetter is implemented by stateful models that can drop their
// accumulated state. The scheduler calls it when the model is attached.
type StateResetter interface {
	ResetState()
}

// IdealFormat is the input size (and pixel format tag) a model prefers.
type IdealFormat struct {
	Width       int    `json:"width" yaml:"width"`
	Height      int    `json:"height" yaml:"height"`
	PixelFormat string `json:"pixel_format,omitempty" yaml:"pixel_format"`
}

// Request carries the per-call parameters handed to Model.Perform.
type Request struct {
	// FunctionName selects a function of a multi-function model. Empty means
	// the model's default function.
	FunctionName string
	CropAndScale CropAndScale
	Orientation  Orientation
}

// CropAndScale selects how an image is fitted to the model input.
type CropAndScale int

const (
	// CropAuto derives the mode from the model's ideal format
	// (see CropForIdealFormat).
	CropAuto CropAndScale = iota
	// ScaleFill stretches the image to the input size, ignoring aspect.
	ScaleFill
	// CenterCrop scales the shorter side to fit and crops the center.
	CenterCrop
	// ScaleFit scales the longer side to fit, preserving aspect.
	ScaleFit
)

func (c CropAndScale) String() string {
	switch c {
	case CropAuto:
		return "auto"
	case ScaleFill:
		return "scale_fill"
	case CenterCrop:
		return "center_crop"
	case ScaleFit:
		return "scale_fit"
	default:
		return fmt.Sprintf("crop_and_scale(%d)", int(c))
	}
}

// CropForIdealFormat picks the crop policy for a model:
// square ideal format → CenterCrop, any other known format → ScaleFit,
// unknown → ScaleFill.
func CropForIdealFormat(f *IdealFormat) CropAndScale {
	if f == nil {
		return ScaleFill
	}
	if f.Width == f.Height {
		return CenterCrop
	}
	return ScaleFit
}

// Orientation is the EXIF orientation of the source image (1..8).
type Orientation uint8

const (
	OrientationUp            Orientation = 1
	OrientationUpMirrored    Orientation = 2
	OrientationDown          Orientation = 3
	OrientationDownMirrored  Orientation = 4
	OrientationLeftMirrored  Orientation = 5
	OrientationRight         Orientation = 6
	OrientationRightMirrored Orientation = 7
	OrientationLeft          Orientation = 8
)

// Valid reports whether o is one of the eight EXIF orientations.
func (o Orientation) Valid() bool {
	return o >= OrientationUp && o <= OrientationLeft
}

func (o Orientation) String() string {
	switch o {
	case OrientationUp:
		return "up"
	case OrientationUpMirrored:
		return "up_mirrored"
	case OrientationDown:
		return "down"
	case OrientationDownMirrored:
		return "down_mirrored"
	case OrientationLeftMirrored:
		return "left_mirrored"
	case OrientationRight:
		return "right"
	case OrientationRightMirrored:
		return "right_mirrored"
	case OrientationLeft:
		return "left"
	default:
		return fmt.Sprintf("orientation(%d)", uint8(o))
	}
}

// FeatureType is the kind of a model input or output.
type FeatureType int

const (
	FeatureUnknown FeatureType = iota
	FeatureImage
	FeatureMultiArray
	FeatureDictionary
	FeatureString
	FeatureInt64
	FeatureDouble
	FeatureSequence
	FeatureState
)

// Feature describes one named model input or output.
type Feature struct {
	Name string
	Type FeatureType
}

// Description lists a model's inputs and outputs.
type Description struct {
	Inputs  []Feature
	Outputs []Feature
}

// ValidateIO rejects models the player cannot drive: there must be an image
// input and at least one multi-array, dictionary or string output.
func ValidateIO(d Description) error {
	hasImage := false
	for _, in := range d.Inputs {
		if in.Type == FeatureImage {
			hasImage = true
			break
		}
	}
	if !hasImage {
		return ErrNoImageInput
	}

	for _, out := range d.Outputs {
		switch out.Type {
		case FeatureMultiArray, FeatureDictionary, FeatureString:
			return nil
		}
	}
	return ErrUnsupportedOutput
}
