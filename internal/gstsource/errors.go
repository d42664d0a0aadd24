package gstsource

import (
	"errors"
	"strings"
)

var (
	// ErrNotStarted is returned by operations that need a running pipeline.
	ErrNotStarted = errors.New("gstsource: pipeline not started")

	// ErrEndOfStream reports that the file played to its end.
	ErrEndOfStream = errors.New("gstsource: end of stream")
)

// ErrorCategory classifies pipeline errors for logs.
type ErrorCategory int

const (
	// ErrCategoryIO: file missing, unreadable or truncated.
	ErrCategoryIO ErrorCategory = iota
	// ErrCategoryCodec: demux, decode or caps negotiation failures.
	ErrCategoryCodec
	ErrCategoryUnknown
)

func (e ErrorCategory) String() string {
	switch e {
	case ErrCategoryIO:
		return "io"
	case ErrCategoryCodec:
		return "codec"
	default:
		return "unknown"
	}
}

var (
	codecKeywords = []string{
		"codec", "decode", "demux", "format", "negotiat", "caps",
		"no decoder", "missing plugin", "not-negotiated", "stream type",
	}
	ioKeywords = []string{
		"no such file", "not found", "could not open", "resource",
		"permission", "read", "eof", "truncated",
	}
)

// classifyError categorizes a GStreamer error from its message and debug
// string. Codec keywords win over I/O ones.
func classifyError(message, debug string) ErrorCategory {
	combined := strings.ToLower(message + " " + debug)
	switch {
	case containsAny(combined, codecKeywords):
		return ErrCategoryCodec
	case containsAny(combined, ioKeywords):
		return ErrCategoryIO
	default:
		return ErrCategoryUnknown
	}
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
