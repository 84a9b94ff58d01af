package pipeline

import (
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"sync"
	"time"
)

func solidFrame(seq uint64, w, h int) *FrameData {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 128
	}
	return &FrameData{CameraID: "test", Image: img, Seq: seq, Timestamp: time.Now()}
}

func person(id int) Detection {
	return Detection{TrackID: id, Class: "person", Confidence: 0.9, BBox: BBox{X1: 10, Y1: 10, X2: 50, Y2: 90}}
}

// scriptedClassifier returns the queued scores in order, then the fallback
type scriptedClassifier struct {
	mu       sync.Mutex
	script   []*ActionScores
	fallback *ActionScores
	err      error
	delay    time.Duration
	calls    int
	inFlight int
	maxSeen  int
}

func (c *scriptedClassifier) Score(ctx context.Context, clip []image.Image) (*ActionScores, error) {
	c.mu.Lock()
	c.calls++
	c.inFlight++
	if c.inFlight > c.maxSeen {
		c.maxSeen = c.inFlight
	}
	var out *ActionScores
	if len(c.script) > 0 {
		out, c.script = c.script[0], c.script[1:]
	} else {
		out = c.fallback
	}
	err := c.err
	delay := c.delay
	c.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	c.mu.Lock()
	c.inFlight--
	c.mu.Unlock()
	return out, err
}

func violent(score float64) *ActionScores {
	return &ActionScores{
		Probabilities: map[string]float64{"a person punching someone": score, PromptWalking: 1 - score},
		MaxSimilarity: 0.3,
	}
}

func safe(score float64) *ActionScores {
	return &ActionScores{
		Probabilities: map[string]float64{"a person punching someone": 1 - score, PromptWalking: score},
		MaxSimilarity: 0.3,
	}
}

// memWriter records frames in memory
type memWriter struct {
	mu     sync.Mutex
	frames int
	closed bool
}

func (w *memWriter) WriteFrame(img image.Image) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errors.New("write after close")
	}
	w.frames++
	return nil
}

func (w *memWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

type memWriterFactory struct {
	mu      sync.Mutex
	writers map[string]*memWriter
	order   []string
	fail    bool
}

func newMemWriterFactory() *memWriterFactory {
	return &memWriterFactory{writers: make(map[string]*memWriter)}
}

func (f *memWriterFactory) Ext() string { return ".mjpeg" }

func (f *memWriterFactory) Create(path string, fps, width, height int) (VideoWriter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("disk full")
	}
	w := &memWriter{}
	f.writers[path] = w
	f.order = append(f.order, path)
	return w, nil
}

func (f *memWriterFactory) opened() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

func (f *memWriterFactory) writer(path string) *memWriter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writers[path]
}

// collectSink records handed-off incidents
type collectSink struct {
	mu        sync.Mutex
	incidents []*Incident
}

func (s *collectSink) Enqueue(incident *Incident) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incidents = append(s.incidents, incident)
}

func (s *collectSink) all() []*Incident {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Incident(nil), s.incidents...)
}

// slowReasoner sleeps then returns a fixed verdict
type slowReasoner struct {
	mu     sync.Mutex
	delay  time.Duration
	threat bool
	err    error
	paths  []string
}

func (r *slowReasoner) Name() string { return "fake" }

func (r *slowReasoner) Analyze(ctx context.Context, path string) (*IncidentReport, error) {
	time.Sleep(r.delay)
	r.mu.Lock()
	r.paths = append(r.paths, path)
	r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	return &IncidentReport{ThreatDetected: r.threat, Classification: "assault", Description: "two people fighting"}, nil
}

func (r *slowReasoner) analyzed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.paths...)
}

// staticDetector returns the same detections for every frame
type staticDetector struct {
	detections []Detection
}

func (d *staticDetector) Detect(ctx context.Context, frame *FrameData) ([]Detection, error) {
	return d.detections, nil
}

// countingSource yields n frames then io.EOF
type countingSource struct {
	mu     sync.Mutex
	n      int
	served int
	w, h   int
	pace   time.Duration
}

func (s *countingSource) Next(ctx context.Context) (*FrameData, error) {
	if s.pace > 0 {
		select {
		case <-time.After(s.pace):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.served >= s.n {
		return nil, io.EOF
	}
	s.served++
	return solidFrame(uint64(s.served), s.w, s.h), nil
}

func (s *countingSource) Close() error { return nil }

// recordingPublisher keeps every event
type recordingPublisher struct {
	mu     sync.Mutex
	events []*ThreatEvent
}

func (p *recordingPublisher) Publish(event *ThreatEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) ofType(t EventType) []*ThreatEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*ThreatEvent
	for _, e := range p.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

var gray = color.RGBA{R: 128, G: 128, B: 128, A: 255}
