package pipeline

import (
	"context"
	"fmt"
	"image"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// IncidentTrigger starts or extends an incident recording
type IncidentTrigger interface {
	Trigger(trackIDs ...int) error
	Extend(trackIDs ...int) bool
}

// AnalysisWorker consumes clips from the scheduler mailbox, scores them and
// feeds the verdict into the escalation state machine
type AnalysisWorker struct {
	cfg        Config
	classifier ActionClassifier
	tracker    *ThreatTracker
	trigger    IncidentTrigger
	mailbox    <-chan AnalysisJob
	safe       map[string]bool
	logger     *log.Logger

	running  atomic.Bool
	busy     atomic.Bool
	analyzed atomic.Uint64
	failed   atomic.Uint64
	wg       sync.WaitGroup
	mu       sync.Mutex
	cancel   context.CancelFunc
}

// NewAnalysisWorker creates a worker. trigger may be nil (no recording).
func NewAnalysisWorker(cfg Config, classifier ActionClassifier, tracker *ThreatTracker, trigger IncidentTrigger, mailbox <-chan AnalysisJob, logger *log.Logger) *AnalysisWorker {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &AnalysisWorker{
		cfg:        cfg,
		classifier: classifier,
		tracker:    tracker,
		trigger:    trigger,
		mailbox:    mailbox,
		safe:       cfg.safeSet(),
		logger:     logger,
	}
}

// Start launches the worker goroutine
func (w *AnalysisWorker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running.Load() {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.running.Store(true)
	w.wg.Add(1)
	go w.loop(ctx)
	w.logger.Printf("[AnalysisWorker] Started")
}

// Stop clears the running flag and waits for the loop to observe it
func (w *AnalysisWorker) Stop() {
	w.mu.Lock()
	if !w.running.Load() {
		w.mu.Unlock()
		return
	}
	w.running.Store(false)
	cancel := w.cancel
	w.mu.Unlock()

	w.wg.Wait()
	cancel()
	w.logger.Printf("[AnalysisWorker] Stopped (analyzed=%d failed=%d)", w.analyzed.Load(), w.failed.Load())
}

func (w *AnalysisWorker) loop(ctx context.Context) {
	defer w.wg.Done()

	poll := w.cfg.pollInterval()
	timer := time.NewTimer(poll)
	defer timer.Stop()

	for w.running.Load() {
		select {
		case job := <-w.mailbox:
			w.process(ctx, job)
		case <-timer.C:
		case <-ctx.Done():
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(poll)
	}
}

func (w *AnalysisWorker) process(ctx context.Context, job AnalysisJob) {
	w.busy.Store(true)
	defer w.busy.Store(false)
	defer func() {
		if r := recover(); r != nil {
			w.failed.Add(1)
			w.logger.Printf("[AnalysisWorker] Panic analyzing track %d: %v", job.TrackID, r)
		}
	}()

	if _, err := w.Analyze(ctx, job.TrackID, job.Clip); err != nil {
		w.failed.Add(1)
		w.logger.Printf("[AnalysisWorker] Worker error on track %d: %v", job.TrackID, err)
		return
	}
	w.analyzed.Add(1)
}

// Analyze scores one clip synchronously and applies the verdict to the tracker.
// A fresh confirmation starts a recording; a latched track can only extend one.
func (w *AnalysisWorker) Analyze(ctx context.Context, trackID int, clip []image.Image) (Observation, error) {
	if len(clip) == 0 {
		return Observation{}, fmt.Errorf("empty clip for track %d", trackID)
	}

	scores, err := w.classifier.Score(ctx, clip)
	if err != nil {
		return Observation{}, fmt.Errorf("failed to score clip: %w", err)
	}

	label, score := Verdict(scores, w.cfg.OpenSetThreshold)
	isViolent := !w.safe[label]

	obs := w.tracker.ObserveAction(trackID, isViolent, label, score)
	if w.trigger == nil {
		return obs, nil
	}
	switch {
	case obs.Trigger:
		if err := w.trigger.Trigger(trackID); err != nil {
			w.logger.Printf("[AnalysisWorker] Failed to trigger recording for track %d: %v", trackID, err)
		}
	case obs.Extend:
		w.trigger.Extend(trackID)
	}
	return obs, nil
}

// Busy reports whether a job is being scored right now
func (w *AnalysisWorker) Busy() bool { return w.busy.Load() }

// Analyzed returns the number of successfully scored jobs
func (w *AnalysisWorker) Analyzed() uint64 { return w.analyzed.Load() }

// Failed returns the number of dropped jobs
func (w *AnalysisWorker) Failed() uint64 { return w.failed.Load() }

// Verdict applies the open-set gate and returns the top label and score.
// When the raw similarity is below threshold the clip is treated as unknown
// benign activity with full confidence.
func Verdict(scores *ActionScores, openSetThreshold float64) (string, float64) {
	if scores == nil || len(scores.Probabilities) == 0 {
		return UnknownLabel, 1.0
	}
	if scores.MaxSimilarity < openSetThreshold {
		return UnknownLabel, 1.0
	}
	return scores.Top()
}
