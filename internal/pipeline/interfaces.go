package pipeline

import (
	"context"
	"image"
)

// Detector is the external person detector + multi-object tracker.
// Track ids must be stable across calls while a person stays in view.
type Detector interface {
	// Detect runs detection and tracking on one frame
	Detect(ctx context.Context, frame *FrameData) ([]Detection, error)
}

// ActionClassifier scores a fixed-length clip against the action prompt vocabulary
type ActionClassifier interface {
	// Score returns prompt probabilities (summing to 1) plus the raw similarity
	// used by the open-set gate. The clip length must equal the window size.
	Score(ctx context.Context, clip []image.Image) (*ActionScores, error)
}

// VisionReasoner produces a structured report from an incident video on disk
type VisionReasoner interface {
	// Name returns the reasoner identifier (e.g., "local", "cloud")
	Name() string

	// Analyze reads the video at path and returns the verdict
	Analyze(ctx context.Context, path string) (*IncidentReport, error)
}

// FrameSource yields decoded frames in capture order.
// Next returns io.EOF once the source is exhausted.
type FrameSource interface {
	Next(ctx context.Context) (*FrameData, error)
	Close() error
}

// VideoWriter appends frames to an incident file
type VideoWriter interface {
	WriteFrame(img image.Image) error
	// Close flushes and finalizes the file
	Close() error
}

// WriterFactory opens new incident files
type WriterFactory interface {
	// Ext returns the container extension including the dot (e.g. ".mjpeg")
	Ext() string
	// Create opens a writer for a file of the given geometry
	Create(path string, fps int, width, height int) (VideoWriter, error)
}

// IncidentSink receives finalized incidents for deep reasoning. Never blocks.
type IncidentSink interface {
	Enqueue(incident *Incident)
}

// FrameAnnotator renders the threat overlay on top of a raw frame
type FrameAnnotator interface {
	Annotate(frame *FrameData, detections []Detection, states map[int]ThreatSnapshot, busy bool) image.Image
}

// FramePreview receives every annotated frame for live viewing. Never blocks.
type FramePreview interface {
	SetFrame(img image.Image)
}

// Publisher receives pipeline events
type Publisher interface {
	Publish(event *ThreatEvent)
}
