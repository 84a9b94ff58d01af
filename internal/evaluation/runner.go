package evaluation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"sentinai/internal/pipeline"
)

// VideoExtensions are the dataset files picked up by Discover
var VideoExtensions = []string{".mp4", ".MP4", ".avi", ".AVI", ".mkv", ".mjpeg"}

// ErrEmptyDataset is returned when neither class has a video
var ErrEmptyDataset = errors.New("no videos found in dataset")

// SourceOpener opens a dataset video as a frame source
type SourceOpener func(ctx context.Context, path string) (pipeline.FrameSource, error)

// Runner evaluates videos synchronously, one at a time, with no recording
// and no deep reasoning
type Runner struct {
	cfg        pipeline.Config
	detector   pipeline.Detector
	classifier pipeline.ActionClassifier
	open       SourceOpener
	logger     *log.Logger
}

// NewRunner creates a runner
func NewRunner(cfg pipeline.Config, detector pipeline.Detector, classifier pipeline.ActionClassifier, open SourceOpener, logger *log.Logger) *Runner {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Runner{
		cfg:        cfg,
		detector:   detector,
		classifier: classifier,
		open:       open,
		logger:     logger,
	}
}

// Discover lists the videos under <dataset>/violent and <dataset>/safe
func Discover(dataset string) (violent, safe []string, err error) {
	violentDir := filepath.Join(dataset, "violent")
	safeDir := filepath.Join(dataset, "safe")
	for _, dir := range []string{violentDir, safeDir} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			return nil, nil, fmt.Errorf("dataset folder missing: %s", dir)
		}
	}

	if violent, err = globVideos(violentDir); err != nil {
		return nil, nil, err
	}
	if safe, err = globVideos(safeDir); err != nil {
		return nil, nil, err
	}
	if len(violent) == 0 && len(safe) == 0 {
		return nil, nil, fmt.Errorf("%w: check that files sit directly inside %s and %s", ErrEmptyDataset, violentDir, safeDir)
	}
	return violent, safe, nil
}

func globVideos(dir string) ([]string, error) {
	var out []string
	for _, ext := range VideoExtensions {
		matches, err := filepath.Glob(filepath.Join(dir, "*"+ext))
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", dir, err)
		}
		out = append(out, matches...)
	}
	sort.Strings(out)
	return out, nil
}

// Run evaluates every dataset video and computes the report
func (r *Runner) Run(ctx context.Context, dataset string) (*Report, error) {
	violent, safe, err := Discover(dataset)
	if err != nil {
		return nil, err
	}
	r.logger.Printf("[Eval] Found %d violent videos and %d safe videos. Starting...", len(violent), len(safe))

	var (
		matrix  ConfusionMatrix
		frames  int
		elapsed time.Duration
		results []VideoResult
	)
	run := func(paths []string, isViolent bool) error {
		for _, path := range paths {
			if err := ctx.Err(); err != nil {
				return err
			}
			res := r.ProcessVideo(ctx, path)
			res.Violent = isViolent
			matrix.Add(isViolent, res.Alerted)
			frames += res.Frames
			elapsed += res.Elapsed
			results = append(results, res)
		}
		return nil
	}
	if err := run(violent, true); err != nil {
		return nil, err
	}
	if err := run(safe, false); err != nil {
		return nil, err
	}

	report := NewReport(matrix, frames, elapsed)
	report.Videos = results
	r.logger.Printf("[Eval] Accuracy: %.1f%%  Precision: %.1f%%  Recall: %.1f%%  Speed: %.1f FPS",
		report.Metrics.Accuracy*100, report.Metrics.Precision*100, report.Metrics.Recall*100, report.Performance.AverageFPS)
	return report, nil
}

// ProcessVideo runs the fast path over one video with a fresh evidence
// buffer and escalation tracker and stops at the first CONFIRMED track.
// A video that cannot be opened counts as not alerted.
func (r *Runner) ProcessVideo(ctx context.Context, path string) VideoResult {
	res := VideoResult{Path: path}
	start := time.Now()

	r.logger.Printf("[Eval] Testing %s", filepath.Base(path))

	src, err := r.open(ctx, path)
	if err != nil {
		r.logger.Printf("[Eval] Failed to open %s: %v", path, err)
		res.Error = err.Error()
		res.Elapsed = time.Since(start)
		return res
	}
	defer src.Close()

	evidence := pipeline.NewEvidenceBuffer(r.cfg.WindowSize, r.cfg.InputSize)
	tracker := pipeline.NewThreatTracker(r.cfg, nil, nil)
	worker := pipeline.NewAnalysisWorker(r.cfg, r.classifier, tracker, nil, nil, nil)

	for !res.Alerted {
		frame, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			res.Error = err.Error()
			break
		}
		res.Frames++

		detections, err := r.detector.Detect(ctx, frame)
		if err != nil {
			r.logger.Printf("[Eval] Detector error on frame %d: %v", frame.Seq, err)
			continue
		}

		ready := evidence.Update(frame, detections)
		ids := make([]int, 0, len(ready))
		for id := range ready {
			ids = append(ids, id)
		}
		sort.Ints(ids)

		for _, id := range ids {
			obs, err := worker.Analyze(ctx, id, ready[id])
			if err != nil {
				r.logger.Printf("[Eval] Classifier error on track %d: %v", id, err)
				continue
			}
			if obs.Snapshot.Level == pipeline.LevelConfirmed {
				res.Alerted = true
				break
			}
		}
	}

	res.Elapsed = time.Since(start)
	return res
}
