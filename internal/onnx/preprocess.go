package onnx

import (
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"

	"github.com/e7canasta/orion-player/detection"
	"github.com/e7canasta/orion-player/inference"
)

// letterboxColor is the YOLO padding gray.
var letterboxColor = color.NRGBA{R: 114, G: 114, B: 114, A: 255}

// placement maps model-input pixels back to normalized source coordinates:
//
//	srcX = (inX − offX) / spanX
//
// offX/spanX are in input pixels; spanX is the width the whole source image
// occupies in input space (larger than the input for center crops).
type placement struct {
	offX, offY   float64
	spanX, spanY float64
}

// normalize converts an input-space corner box into a clamped, normalized,
// top-left-origin bounding box of the source image.
func (p placement) normalize(x1, y1, x2, y2 float64) detection.BoundingBox {
	nx1 := clamp01((x1 - p.offX) / p.spanX)
	ny1 := clamp01((y1 - p.offY) / p.spanY)
	nx2 := clamp01((x2 - p.offX) / p.spanX)
	ny2 := clamp01((y2 - p.offY) / p.spanY)

	return detection.BoundingBox{
		X:      nx1,
		Y:      ny1,
		Width:  math.Max(0, nx2-nx1),
		Height: math.Max(0, ny2-ny1),
	}
}

func clamp01(v float64) float64 {
	switch {
	case v < 0 || math.IsNaN(v):
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// orient applies an EXIF orientation so the image is upright.
func orient(img image.Image, o inference.Orientation) image.Image {
	switch o {
	case inference.OrientationUpMirrored:
		return imaging.FlipH(img)
	case inference.OrientationDown:
		return imaging.Rotate180(img)
	case inference.OrientationDownMirrored:
		return imaging.FlipV(img)
	case inference.OrientationLeftMirrored:
		return imaging.Transpose(img)
	case inference.OrientationRight:
		return imaging.Rotate270(img)
	case inference.OrientationRightMirrored:
		return imaging.Transverse(img)
	case inference.OrientationLeft:
		return imaging.Rotate90(img)
	default:
		return img
	}
}

// fitToInput resizes img to exactly w×h following mode and returns the
// placement needed to map boxes back.
func fitToInput(img image.Image, w, h int, mode inference.CropAndScale) (*image.NRGBA, placement) {
	b := img.Bounds()
	sw, sh := float64(b.Dx()), float64(b.Dy())
	fw, fh := float64(w), float64(h)

	switch mode {
	case inference.CenterCrop:
		scale := math.Max(fw/sw, fh/sh)
		spanX, spanY := sw*scale, sh*scale
		out := imaging.Fill(img, w, h, imaging.Center, imaging.Linear)
		return out, placement{
			offX:  -(spanX - fw) / 2,
			offY:  -(spanY - fh) / 2,
			spanX: spanX,
			spanY: spanY,
		}

	case inference.ScaleFit:
		scale := math.Min(fw/sw, fh/sh)
		nw := max(1, int(math.Round(sw*scale)))
		nh := max(1, int(math.Round(sh*scale)))
		resized := imaging.Resize(img, nw, nh, imaging.Linear)
		canvas := imaging.New(w, h, letterboxColor)
		canvas = imaging.PasteCenter(canvas, resized)
		return canvas, placement{
			offX:  float64(w/2 - nw/2),
			offY:  float64(h/2 - nh/2),
			spanX: float64(nw),
			spanY: float64(nh),
		}

	default:
		out := imaging.Resize(img, w, h, imaging.Linear)
		return out, placement{spanX: fw, spanY: fh}
	}
}

// fillCHW writes img into dst as planar RGB float32 in [0, 1].
// dst must hold 3·w·h values.
func fillCHW(img *image.NRGBA, dst []float32) {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	plane := w * h
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < w; x++ {
			i := y*w + x
			p := row[x*4 : x*4+3]
			dst[i] = float32(p[0]) / 255.0
			dst[plane+i] = float32(p[1]) / 255.0
			dst[2*plane+i] = float32(p[2]) / 255.0
		}
	}
}
