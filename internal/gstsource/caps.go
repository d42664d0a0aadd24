package gstsource

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/e7canasta/orion-player/inference"
)

// rawFormat is the only pixel layout the appsink accepts.
const rawFormat = "RGBA"

// CapsForIdealFormat builds the appsink caps. When the model reports an ideal
// input size, frames are scaled to it by videoscale so the model only has to
// crop; otherwise the configured frame size (if any) is requested, and zero
// dimensions leave the size unconstrained.
func CapsForIdealFormat(ideal *inference.IdealFormat, width, height int) string {
	if ideal != nil && ideal.Width > 0 && ideal.Height > 0 {
		width, height = ideal.Width, ideal.Height
	}
	return buildCaps(width, height)
}

// buildCaps builds a raw-video caps string.
//
// Format: "video/x-raw,format=RGBA[,width=W,height=H]"
func buildCaps(width, height int) string {
	caps := "video/x-raw,format=" + rawFormat
	if width > 0 && height > 0 {
		caps += fmt.Sprintf(",width=%d,height=%d", width, height)
	}
	return caps
}

var (
	capsWidth     = regexp.MustCompile(`width=(?:\(int\))?(\d+)`)
	capsHeight    = regexp.MustCompile(`height=(?:\(int\))?(\d+)`)
	capsFramerate = regexp.MustCompile(`framerate=(?:\(fraction\))?(\d+)/(\d+)`)
)

// negotiated is what the pipeline settled on for the appsink pad.
type negotiated struct {
	width, height int
	frameRate     float64
}

// parseCaps extracts frame size and rate from a caps string as printed by
// gst_caps_to_string. A variable or missing framerate yields zero.
func parseCaps(caps string) (negotiated, error) {
	var n negotiated

	w := capsWidth.FindStringSubmatch(caps)
	h := capsHeight.FindStringSubmatch(caps)
	if w == nil || h == nil {
		return n, fmt.Errorf("caps carry no frame size: %q", caps)
	}
	n.width, _ = strconv.Atoi(w[1])
	n.height, _ = strconv.Atoi(h[1])

	if fr := capsFramerate.FindStringSubmatch(caps); fr != nil {
		num, _ := strconv.ParseFloat(fr[1], 64)
		den, _ := strconv.ParseFloat(fr[2], 64)
		if den > 0 {
			n.frameRate = num / den
		}
	}
	return n, nil
}
