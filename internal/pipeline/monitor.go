package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"sync/atomic"
)

// Deps are the collaborators a Monitor is built from
type Deps struct {
	Source     FrameSource
	Detector   Detector
	Classifier ActionClassifier
	Reasoner   VisionReasoner
	Writers    WriterFactory
	Annotator  FrameAnnotator // optional; raw frames are recorded when nil
	Preview    FramePreview   // optional
	Publisher  Publisher      // optional
	Logger     *log.Logger    // optional
}

// TrackView is a visible track with its escalation state
type TrackView struct {
	ThreatSnapshot
	BBox       BBox    `json:"bbox"`
	Confidence float32 `json:"confidence"`
	Visible    bool    `json:"visible"`
}

// Monitor runs the ingestion loop (detector -> evidence -> scheduler ->
// recorder) and owns the background workers. Shutdown stops ingestion,
// force-finalizes any recording and drains the reasoning queue before the
// workers are torn down.
type Monitor struct {
	cfg    Config
	deps   Deps
	logger *log.Logger

	evidence  *EvidenceBuffer
	scheduler *Scheduler
	tracker   *ThreatTracker
	analysis  *AnalysisWorker
	recorder  *Recorder
	reasoning *ReasoningWorker

	running        atomic.Bool
	framesIngested atomic.Uint64
	detectErrors   atomic.Uint64

	mu         sync.RWMutex
	detections []Detection
	cancelLoop context.CancelFunc
	loopDone   chan struct{}
	started    bool

	workersCtx    context.Context
	workersCancel context.CancelFunc

	shutdownOnce sync.Once
	shutdownErr  error
}

// NewMonitor wires the pipeline stages together
func NewMonitor(cfg Config, deps Deps) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline config: %w", err)
	}
	if deps.Source == nil || deps.Detector == nil || deps.Classifier == nil || deps.Reasoner == nil || deps.Writers == nil {
		return nil, errors.New("monitor requires source, detector, classifier, reasoner and writer factory")
	}
	if deps.Logger == nil {
		deps.Logger = log.New(io.Discard, "", 0)
	}
	if deps.Publisher == nil {
		deps.Publisher = nopPublisher{}
	}

	m := &Monitor{
		cfg:      cfg,
		deps:     deps,
		logger:   deps.Logger,
		loopDone: make(chan struct{}),
	}

	m.evidence = NewEvidenceBuffer(cfg.WindowSize, cfg.InputSize)
	m.scheduler = NewScheduler()
	m.tracker = NewThreatTracker(cfg, deps.Publisher, deps.Logger)
	m.reasoning = NewReasoningWorker(cfg, deps.Reasoner, m.tracker, deps.Publisher, deps.Logger)

	recorder, err := NewRecorder(cfg, deps.Writers, m.reasoning, deps.Publisher, deps.Logger)
	if err != nil {
		return nil, err
	}
	m.recorder = recorder
	m.analysis = NewAnalysisWorker(cfg, deps.Classifier, m.tracker, m.recorder, m.scheduler.Mailbox(), deps.Logger)

	// Workers outlive the ingestion context so the drain can complete
	m.workersCtx, m.workersCancel = context.WithCancel(context.Background())
	return m, nil
}

// Run ingests frames until ctx is cancelled or the source is exhausted, then
// performs the shutdown sequence. It returns once every recorded incident has
// been analyzed.
func (m *Monitor) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New("monitor already started")
	}
	m.started = true
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancelLoop = cancel
	m.mu.Unlock()

	m.reasoning.Start(m.workersCtx)
	m.analysis.Start(m.workersCtx)
	m.running.Store(true)
	m.logger.Printf("[Monitor] Started on camera %s", m.cfg.CameraID)

	err := m.ingestLoop(loopCtx)
	m.running.Store(false)
	close(m.loopDone)

	if shutdownErr := m.Shutdown(context.Background()); shutdownErr != nil && err == nil {
		err = shutdownErr
	}
	return err
}

func (m *Monitor) ingestLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		frame, err := m.deps.Source.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				m.logger.Printf("[Monitor] Source exhausted after %d frames", m.framesIngested.Load())
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to read frame: %w", err)
		}

		m.Ingest(ctx, frame)
	}
}

// Ingest processes one frame on the caller's goroutine
func (m *Monitor) Ingest(ctx context.Context, frame *FrameData) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Printf("[Monitor] Panic processing frame %d: %v", frame.Seq, r)
		}
	}()

	if frame.CameraID == "" {
		frame.CameraID = m.cfg.CameraID
	}
	m.framesIngested.Add(1)

	detections, err := m.deps.Detector.Detect(ctx, frame)
	if err != nil {
		m.detectErrors.Add(1)
		m.logger.Printf("[Monitor] Detection failed on frame %d: %v", frame.Seq, err)
	} else {
		ready := m.evidence.Update(frame, detections)
		m.scheduler.Tick(ready)

		active := make(map[int]bool, len(detections))
		for _, d := range detections {
			active[d.TrackID] = true
		}
		m.tracker.Cleanup(active)

		m.mu.Lock()
		m.detections = detections
		m.mu.Unlock()
	}

	annotated := frame.Image
	if m.deps.Annotator != nil {
		m.mu.RLock()
		dets := m.detections
		m.mu.RUnlock()
		annotated = m.deps.Annotator.Annotate(frame, dets, m.tracker.Snapshot(), m.scheduler.Busy())
	}
	m.recorder.AppendFrame(frame, annotated)
	if m.deps.Preview != nil {
		m.deps.Preview.SetFrame(annotated)
	}
}

// Shutdown stops ingestion, stops the analysis worker, force-finalizes any
// active recording, waits for the reasoning queue to drain and stops the
// reasoning worker. Safe to call more than once.
func (m *Monitor) Shutdown(ctx context.Context) error {
	m.shutdownOnce.Do(func() {
		m.mu.Lock()
		cancel, started := m.cancelLoop, m.started
		m.mu.Unlock()

		if started {
			cancel()
			<-m.loopDone
		}
		m.logger.Printf("[Monitor] Shutting down")

		m.analysis.Stop()

		if err := m.recorder.Close(ctx); err != nil {
			m.shutdownErr = err
		}
		if err := m.reasoning.Drain(ctx); err != nil && m.shutdownErr == nil {
			m.shutdownErr = fmt.Errorf("failed to drain reasoning queue: %w", err)
		}
		m.reasoning.Stop()
		m.workersCancel()

		if err := m.deps.Source.Close(); err != nil {
			m.logger.Printf("[Monitor] Failed to close source: %v", err)
		}
		m.logger.Printf("[Monitor] Shutdown complete (reports=%d failed=%d)", m.reasoning.Written(), m.reasoning.Failed())
	})
	return m.shutdownErr
}

// Stats returns pipeline counters
func (m *Monitor) Stats() MonitorStats {
	return MonitorStats{
		CameraID:          m.cfg.CameraID,
		Running:           m.running.Load(),
		FramesIngested:    m.framesIngested.Load(),
		DetectErrors:      m.detectErrors.Load(),
		JobsSubmitted:     m.scheduler.Submitted(),
		JobsDropped:       m.scheduler.Dropped(),
		JobsAnalyzed:      m.analysis.Analyzed(),
		JobsFailed:        m.analysis.Failed(),
		MailboxBusy:       m.scheduler.Busy() || m.analysis.Busy(),
		TrackedIDs:        m.tracker.Len(),
		Recording:         m.recorder.Active(),
		IncidentsStarted:  m.recorder.Started(),
		IncidentsFinished: m.recorder.Finished(),
		ReasoningPending:  m.reasoning.Pending(),
		ReportsWritten:    m.reasoning.Written(),
		ReportsFailed:     m.reasoning.Failed(),
	}
}

// Tracks returns every known track ordered by id, with the latest box of the
// visible ones
func (m *Monitor) Tracks() []TrackView {
	states := m.tracker.Snapshot()

	m.mu.RLock()
	visible := make(map[int]Detection, len(m.detections))
	for _, d := range m.detections {
		visible[d.TrackID] = d
	}
	m.mu.RUnlock()

	ids := make(map[int]bool, len(states)+len(visible))
	for id := range states {
		ids[id] = true
	}
	for id := range visible {
		ids[id] = true
	}

	out := make([]TrackView, 0, len(ids))
	for _, id := range sortedKeys(ids) {
		view := TrackView{ThreatSnapshot: states[id]}
		if _, ok := states[id]; !ok {
			view.TrackID = id
			view.Label = AnalyzingLabel
		}
		if d, ok := visible[id]; ok {
			view.BBox = d.BBox
			view.Confidence = d.Confidence
			view.Visible = true
		}
		out = append(out, view)
	}
	return out
}

// Tracker returns the escalation state machine
func (m *Monitor) Tracker() *ThreatTracker { return m.tracker }

func sortedKeys(set map[int]bool) []int {
	out := make([]int, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}
