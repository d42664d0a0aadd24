package gstsource

import (
	"image"
	"sync"
)

// mailbox is a single-slot frame buffer: the decoder overwrites, the
// scheduler consumes. An unconsumed frame that gets overwritten counts as a
// drop.
type mailbox struct {
	mu       sync.Mutex
	frame    *image.RGBA
	fresh    bool
	received uint64
	drops    uint64
}

// put stores frame, replacing any unconsumed one.
func (m *mailbox) put(frame *image.RGBA) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fresh {
		m.drops++
	}
	m.frame = frame
	m.fresh = true
	m.received++
}

// take returns the pending frame and empties the slot, or nil when no new
// frame arrived since the last take.
func (m *mailbox) take() *image.RGBA {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.fresh {
		return nil
	}
	m.fresh = false
	f := m.frame
	m.frame = nil
	return f
}

func (m *mailbox) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.frame = nil
	m.fresh = false
}

func (m *mailbox) counters() (received, drops uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.received, m.drops
}

// frameFromRGBA copies a mapped RGBA buffer into an image. GStreamer reuses
// the buffer once it is unmapped. Rows may be padded, so the stride comes from
// the buffer size.
func frameFromRGBA(data []byte, width, height int) (*image.RGBA, bool) {
	if width <= 0 || height <= 0 {
		return nil, false
	}
	stride := len(data) / height
	if stride < width*4 {
		return nil, false
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		copy(img.Pix[y*img.Stride:(y+1)*img.Stride], data[y*stride:y*stride+width*4])
	}
	return img, true
}
