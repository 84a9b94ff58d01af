package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrRecorderClosed is returned when triggering a recorder that has shut down
var ErrRecorderClosed = errors.New("recorder closed")

type opKind int

const (
	opOpen opKind = iota
	opWrite
	opClose
)

// writeOp is one unit of file work for the writer goroutine
type writeOp struct {
	kind     opKind
	incident Incident
	frames   []image.Image // opOpen: pre-event context, opWrite: one frame
	snapshot image.Image
}

type activeRecording struct {
	incident Incident
	counter  int
	tracks   map[int]bool
}

// Recorder keeps a ring buffer of recent raw frames and, once triggered,
// writes pre-event context plus post-event frames into one incident file.
// Re-triggering while a recording is active extends the countdown.
// File I/O runs on a dedicated goroutine fed by an unbounded queue.
type Recorder struct {
	cfg       Config
	factory   WriterFactory
	sink      IncidentSink
	publisher Publisher
	logger    *log.Logger

	mu           sync.Mutex
	ring         []image.Image
	ringStart    int
	ringLen      int
	lastFrame    image.Image
	active       *activeRecording
	closed       bool
	postFrames   int
	ops          *fifo[writeOp]
	stopCh       chan struct{}
	wg           sync.WaitGroup

	started  atomic.Uint64
	finished atomic.Uint64
	failed   atomic.Uint64
	now      func() time.Time
}

// NewRecorder creates a recorder and starts its writer goroutine
func NewRecorder(cfg Config, factory WriterFactory, sink IncidentSink, publisher Publisher, logger *log.Logger) (*Recorder, error) {
	if factory == nil {
		return nil, fmt.Errorf("writer factory is required")
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if publisher == nil {
		publisher = nopPublisher{}
	}
	if cfg.OutputDir != "" {
		if err := os.MkdirAll(cfg.OutputDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	r := &Recorder{
		cfg:        cfg,
		factory:    factory,
		sink:       sink,
		publisher:  publisher,
		logger:     logger,
		ring:       make([]image.Image, cfg.PreEventFrames()),
		postFrames: cfg.PostEventFrames(),
		ops:        newFifo[writeOp](),
		stopCh:     make(chan struct{}),
		now:        time.Now,
	}

	r.wg.Add(1)
	go r.writeLoop()
	return r, nil
}

// AppendFrame feeds one ingested frame. The raw image goes into the pre-event
// ring; while a recording is active the annotated image is written and the
// countdown decremented. annotated may be nil, in which case raw is used.
func (r *Recorder) AppendFrame(raw *FrameData, annotated image.Image) {
	if raw == nil || raw.Image == nil {
		return
	}
	if annotated == nil {
		annotated = raw.Image
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	r.pushRing(raw.Image)
	r.lastFrame = annotated

	if r.active == nil {
		return
	}
	r.ops.Push(writeOp{kind: opWrite, frames: []image.Image{annotated}})
	r.active.counter--
	if r.active.counter <= 0 {
		r.finalizeLocked(false)
	}
}

// Trigger starts a recording or, if one is active, extends its countdown back
// to the full post-event window and records the additional track ids.
func (r *Recorder) Trigger(trackIDs ...int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRecorderClosed
	}

	if r.active != nil {
		r.active.counter = r.postFrames
		for _, id := range trackIDs {
			r.active.tracks[id] = true
		}
		return nil
	}

	id := uuid.New().String()
	startedAt := r.now()
	base := fmt.Sprintf("incident_%s_%s", startedAt.UTC().Format("20060102_150405"), id[:8])
	videoPath := filepath.Join(r.cfg.OutputDir, base+r.factory.Ext())

	active := &activeRecording{
		incident: Incident{
			ID:           id,
			CameraID:     r.cfg.CameraID,
			VideoPath:    videoPath,
			SnapshotPath: SnapshotPath(videoPath),
			StartedAt:    startedAt,
		},
		counter: r.postFrames,
		tracks:  make(map[int]bool, len(trackIDs)),
	}
	for _, tid := range trackIDs {
		active.tracks[tid] = true
	}
	active.incident.TrackIDs = sortedKeys(active.tracks)
	r.active = active
	r.started.Add(1)

	r.ops.Push(writeOp{
		kind:     opOpen,
		incident: active.incident,
		frames:   r.ringFrames(),
		snapshot: r.lastFrame,
	})
	r.logger.Printf("[Recorder] Incident %s started for tracks %v", id[:8], active.incident.TrackIDs)

	if r.postFrames <= 0 {
		r.finalizeLocked(false)
	}
	return nil
}

// Extend resets the countdown of the active recording and adds trackIDs to
// it. Without an active recording it does nothing and returns false.
func (r *Recorder) Extend(trackIDs ...int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.active == nil {
		return false
	}
	r.active.counter = r.postFrames
	for _, id := range trackIDs {
		r.active.tracks[id] = true
	}
	return true
}

// Active reports whether a recording is in progress
func (r *Recorder) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active != nil
}

// Countdown returns the remaining post-event frames of the active recording
func (r *Recorder) Countdown() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return 0
	}
	return r.active.counter
}

// Started returns the number of incidents opened
func (r *Recorder) Started() uint64 { return r.started.Load() }

// Finished returns the number of incidents finalized and handed off
func (r *Recorder) Finished() uint64 { return r.finished.Load() }

// Failed returns the number of incidents whose video could not be written
func (r *Recorder) Failed() uint64 { return r.failed.Load() }

// Close force-finalizes an active recording, waits until every queued write
// has reached disk (and the incident has been handed off) and stops the writer.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	if r.active != nil {
		r.logger.Printf("[Recorder] Force-finalizing incident %s on shutdown", r.active.incident.ID[:8])
		r.finalizeLocked(true)
	}
	r.mu.Unlock()

	err := r.ops.Join(ctx)
	close(r.stopCh)
	r.wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to drain recorder: %w", err)
	}
	return nil
}

func (r *Recorder) finalizeLocked(forced bool) {
	inc := r.active.incident
	inc.TrackIDs = sortedKeys(r.active.tracks)
	inc.Forced = forced
	r.ops.Push(writeOp{kind: opClose, incident: inc})
	r.active = nil
}

func (r *Recorder) pushRing(img image.Image) {
	n := len(r.ring)
	if n == 0 {
		return
	}
	idx := (r.ringStart + r.ringLen) % n
	r.ring[idx] = img
	if r.ringLen < n {
		r.ringLen++
	} else {
		r.ringStart = (r.ringStart + 1) % n
	}
}

func (r *Recorder) ringFrames() []image.Image {
	out := make([]image.Image, 0, r.ringLen)
	for i := 0; i < r.ringLen; i++ {
		out = append(out, r.ring[(r.ringStart+i)%len(r.ring)])
	}
	return out
}

// writeLoop owns the open file; it is the only goroutine touching the disk
func (r *Recorder) writeLoop() {
	defer r.wg.Done()

	var (
		writer  VideoWriter
		frames  int
		current Incident
		broken  bool
	)

	write := func(img image.Image) {
		if broken || img == nil {
			return
		}
		if writer == nil {
			b := img.Bounds()
			w, err := r.factory.Create(current.VideoPath, r.cfg.FPS, b.Dx(), b.Dy())
			if err != nil {
				r.logger.Printf("[Recorder] Failed to open %s: %v", current.VideoPath, err)
				broken = true
				return
			}
			writer = w
		}
		if err := writer.WriteFrame(img); err != nil {
			r.logger.Printf("[Recorder] Failed to write frame: %v", err)
			return
		}
		frames++
	}

	for {
		op, ok := r.ops.Pop(r.cfg.pollInterval())
		if !ok {
			select {
			case <-r.stopCh:
				return
			default:
				continue
			}
		}

		func() {
			defer r.ops.Done()
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Printf("[Recorder] Panic in writer: %v", rec)
					broken = true
				}
			}()

			switch op.kind {
			case opOpen:
				current = op.incident
				writer, frames, broken = nil, 0, false
				snap := r.writeSnapshot(current.SnapshotPath, op.snapshot)
				if snap == nil {
					current.SnapshotPath = ""
				}
				for _, img := range op.frames {
					write(img)
				}
				started := current
				r.publisher.Publish(&ThreatEvent{
					Type:     EventIncidentStarted,
					CameraID: started.CameraID,
					Incident: &started,
					Snapshot: snap,
				})
			case opWrite:
				for _, img := range op.frames {
					write(img)
				}
			case opClose:
				inc := op.incident
				inc.SnapshotPath = current.SnapshotPath
				r.closeIncident(inc, writer, frames, broken)
				writer, frames, broken = nil, 0, false
			}
		}()
	}
}

func (r *Recorder) closeIncident(inc Incident, writer VideoWriter, frames int, broken bool) {
	inc.FrameCount = frames
	inc.FinalizedAt = r.now()

	if writer != nil {
		if err := writer.Close(); err != nil {
			r.logger.Printf("[Recorder] Failed to finalize %s: %v", inc.VideoPath, err)
			broken = true
		}
	}
	if writer == nil || broken {
		r.failed.Add(1)
		r.publisher.Publish(&ThreatEvent{
			Type:     EventIncidentFailed,
			CameraID: inc.CameraID,
			Incident: &inc,
			Error:    "incident video could not be written",
		})
		return
	}

	r.finished.Add(1)
	r.logger.Printf("[Recorder] Incident %s finalized: %s (%d frames, forced=%v)", inc.ID[:8], inc.VideoPath, frames, inc.Forced)
	finalized := inc
	r.publisher.Publish(&ThreatEvent{
		Type:     EventIncidentFinalized,
		CameraID: inc.CameraID,
		Incident: &finalized,
	})
	if r.sink != nil {
		handoff := inc
		r.sink.Enqueue(&handoff)
	}
}

func (r *Recorder) writeSnapshot(path string, img image.Image) []byte {
	if img == nil {
		return nil
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}); err != nil {
		r.logger.Printf("[Recorder] Failed to encode snapshot: %v", err)
		return nil
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		r.logger.Printf("[Recorder] Failed to write snapshot: %v", err)
	}
	return buf.Bytes()
}
