package pipeline

import (
	"image"
	"image/draw"
	"sync"

	xdraw "golang.org/x/image/draw"
)

// EvidenceBuffer keeps a sliding window of preprocessed crops per visible track
type EvidenceBuffer struct {
	mu       sync.Mutex
	windows  map[int][]image.Image
	capacity int
	size     int
}

// NewEvidenceBuffer creates a buffer holding capacity crops of size×size per track
func NewEvidenceBuffer(capacity, size int) *EvidenceBuffer {
	if capacity <= 0 {
		capacity = 16
	}
	if size <= 0 {
		size = 224
	}
	return &EvidenceBuffer{
		windows:  make(map[int][]image.Image),
		capacity: capacity,
		size:     size,
	}
}

// Update appends a crop for every visible track, purges tracks that are no
// longer visible and returns the clips of every track whose window is full.
// Returned clips are copies; the caller may keep them.
func (b *EvidenceBuffer) Update(frame *FrameData, detections []Detection) map[int][]image.Image {
	b.mu.Lock()
	defer b.mu.Unlock()

	visible := make(map[int]bool, len(detections))
	for _, det := range detections {
		if visible[det.TrackID] {
			continue
		}
		visible[det.TrackID] = true

		crop := b.crop(frame, det.BBox)
		window := append(b.windows[det.TrackID], crop)
		if len(window) > b.capacity {
			window = window[len(window)-b.capacity:]
		}
		b.windows[det.TrackID] = window
	}

	for id := range b.windows {
		if !visible[id] {
			delete(b.windows, id)
		}
	}

	ready := make(map[int][]image.Image)
	for id, window := range b.windows {
		if len(window) == b.capacity {
			clip := make([]image.Image, len(window))
			copy(clip, window)
			ready[id] = clip
		}
	}
	return ready
}

// Len returns the current window length of a track
func (b *EvidenceBuffer) Len(trackID int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.windows[trackID])
}

// TrackCount returns the number of tracks with a window
func (b *EvidenceBuffer) TrackCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.windows)
}

// Reset drops every window
func (b *EvidenceBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.windows = make(map[int][]image.Image)
}

// crop cuts the box out of the frame, clamped to the image bounds, and scales
// it to the canonical size. Degenerate boxes yield a zero-filled placeholder.
func (b *EvidenceBuffer) crop(frame *FrameData, box BBox) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, b.size, b.size))
	if frame == nil || frame.Image == nil {
		return dst
	}

	src := frame.Image
	rect := box.Rect().Intersect(src.Bounds())
	if rect.Empty() {
		return dst
	}

	xdraw.BiLinear.Scale(dst, dst.Bounds(), src, rect, draw.Src, nil)
	return dst
}
