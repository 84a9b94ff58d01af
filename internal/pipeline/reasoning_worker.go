package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// ReasoningWorker consumes finalized incidents in FIFO order, runs the deep
// reasoner on each video, persists the report next to it and feeds the
// verdict back to the tracker. Every enqueued incident is processed exactly
// once; failures are logged and not retried.
type ReasoningWorker struct {
	cfg       Config
	reasoner  VisionReasoner
	tracker   *ThreatTracker
	publisher Publisher
	logger    *log.Logger
	queue     *fifo[*Incident]

	running atomic.Bool
	written atomic.Uint64
	failed  atomic.Uint64
	mu      sync.Mutex
	wg      sync.WaitGroup
	now     func() time.Time
}

// NewReasoningWorker creates a worker. tracker may be nil.
func NewReasoningWorker(cfg Config, reasoner VisionReasoner, tracker *ThreatTracker, publisher Publisher, logger *log.Logger) *ReasoningWorker {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if publisher == nil {
		publisher = nopPublisher{}
	}
	return &ReasoningWorker{
		cfg:       cfg,
		reasoner:  reasoner,
		tracker:   tracker,
		publisher: publisher,
		logger:    logger,
		queue:     newFifo[*Incident](),
		now:       time.Now,
	}
}

// Enqueue adds a finalized incident. Never blocks.
func (w *ReasoningWorker) Enqueue(incident *Incident) {
	if incident == nil {
		return
	}
	w.queue.Push(incident)
	w.logger.Printf("[ReasoningWorker] Queued %s (pending=%d)", incident.VideoPath, w.queue.Unfinished())
}

// Start launches the worker goroutine. ctx bounds individual reasoner calls;
// pass a context that outlives the drain.
func (w *ReasoningWorker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running.Load() {
		return
	}
	w.running.Store(true)
	w.wg.Add(1)
	go w.loop(ctx)
	w.logger.Printf("[ReasoningWorker] Started with reasoner %s", w.reasoner.Name())
}

// Drain blocks until every enqueued incident has been processed or ctx ends
func (w *ReasoningWorker) Drain(ctx context.Context) error {
	pending := w.queue.Unfinished()
	if pending > 0 {
		w.logger.Printf("[ReasoningWorker] Draining %d pending incident(s)", pending)
	}
	return w.queue.Join(ctx)
}

// Stop clears the running flag and waits for the loop to exit.
// Call Drain first to guarantee every incident is analyzed.
func (w *ReasoningWorker) Stop() {
	w.mu.Lock()
	if !w.running.Load() {
		w.mu.Unlock()
		return
	}
	w.running.Store(false)
	w.mu.Unlock()

	w.wg.Wait()
	w.logger.Printf("[ReasoningWorker] Stopped (reports=%d failed=%d)", w.written.Load(), w.failed.Load())
}

// Pending returns the number of incidents enqueued but not yet processed
func (w *ReasoningWorker) Pending() int { return w.queue.Unfinished() }

// Written returns the number of reports persisted
func (w *ReasoningWorker) Written() uint64 { return w.written.Load() }

// Failed returns the number of incidents whose analysis failed
func (w *ReasoningWorker) Failed() uint64 { return w.failed.Load() }

func (w *ReasoningWorker) loop(ctx context.Context) {
	defer w.wg.Done()
	poll := w.cfg.pollInterval()

	for w.running.Load() {
		incident, ok := w.queue.Pop(poll)
		if !ok {
			continue
		}
		w.process(ctx, incident)
	}
}

func (w *ReasoningWorker) process(ctx context.Context, incident *Incident) {
	defer w.queue.Done()
	defer func() {
		if r := recover(); r != nil {
			w.fail(incident, fmt.Errorf("panic: %v", r))
		}
	}()

	report, err := w.Process(ctx, incident)
	if err != nil {
		w.fail(incident, err)
		return
	}

	w.written.Add(1)
	w.publisher.Publish(&ThreatEvent{
		Type:     EventIncidentAnalyzed,
		CameraID: incident.CameraID,
		Incident: incident,
		Report:   report,
	})
}

// Process analyzes one incident synchronously, writes its report and applies
// the verdict to every originating track
func (w *ReasoningWorker) Process(ctx context.Context, incident *Incident) (*IncidentReport, error) {
	w.logger.Printf("[ReasoningWorker] Analyzing %s with %s", incident.VideoPath, w.reasoner.Name())

	report, err := w.reasoner.Analyze(ctx, incident.VideoPath)
	if err != nil {
		return nil, fmt.Errorf("failed to analyze %s: %w", incident.VideoPath, err)
	}
	if report == nil {
		return nil, fmt.Errorf("reasoner returned no report for %s", incident.VideoPath)
	}

	report.IncidentID = incident.ID
	report.VideoPath = incident.VideoPath
	report.TrackIDs = append([]int(nil), incident.TrackIDs...)
	if report.Reasoner == "" {
		report.Reasoner = w.reasoner.Name()
	}
	if report.AnalyzedAt.IsZero() {
		report.AnalyzedAt = w.now()
	}

	if err := WriteReport(ReportPath(incident.VideoPath), report); err != nil {
		return nil, err
	}

	if w.tracker != nil {
		for _, id := range incident.TrackIDs {
			w.tracker.ResolveIncident(id, report)
		}
	}

	w.logger.Printf("[ReasoningWorker] Report for %s: threat=%v %s", incident.ID, report.ThreatDetected, report.Classification)
	return report, nil
}

func (w *ReasoningWorker) fail(incident *Incident, err error) {
	w.failed.Add(1)
	w.logger.Printf("[ReasoningWorker] Reasoning failed for %s: %v", incident.VideoPath, err)
	w.publisher.Publish(&ThreatEvent{
		Type:     EventIncidentFailed,
		CameraID: incident.CameraID,
		Incident: incident,
		Error:    err.Error(),
	})
}

// WriteReport persists a report as indented JSON
func WriteReport(path string, report *IncidentReport) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

// ReadReport loads a persisted report
func ReadReport(path string) (*IncidentReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var report IncidentReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("failed to decode report: %w", err)
	}
	return &report, nil
}

var _ IncidentSink = (*ReasoningWorker)(nil)
