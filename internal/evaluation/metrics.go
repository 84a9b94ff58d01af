// Package evaluation benchmarks the fast path (detection, evidence,
// classification, escalation) against a labelled video dataset.
package evaluation

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"
)

// ConfusionMatrix counts per-video outcomes. A violent video that reached
// CONFIRMED is a true positive; a safe one is a false positive.
type ConfusionMatrix struct {
	TP int `json:"TP"`
	FP int `json:"FP"`
	TN int `json:"TN"`
	FN int `json:"FN"`
}

// Add records one video outcome
func (m *ConfusionMatrix) Add(violent, alerted bool) {
	switch {
	case violent && alerted:
		m.TP++
	case violent:
		m.FN++
	case alerted:
		m.FP++
	default:
		m.TN++
	}
}

// Metrics are the classification scores, rounded to 3 decimals
type Metrics struct {
	Accuracy          float64 `json:"accuracy"`
	Precision         float64 `json:"precision"`
	Recall            float64 `json:"recall"`
	FalsePositiveRate float64 `json:"false_positive_rate"`
}

// Performance reports throughput; fps is rounded to 2 decimals
type Performance struct {
	AverageFPS           float64 `json:"average_fps"`
	TotalFramesProcessed int     `json:"total_frames_processed"`
}

// VideoResult is the outcome of one dataset video
type VideoResult struct {
	Path    string        `json:"path"`
	Violent bool          `json:"violent"`
	Alerted bool          `json:"alerted"`
	Frames  int           `json:"frames"`
	Elapsed time.Duration `json:"elapsed_ns"`
	Error   string        `json:"error,omitempty"`
}

// Report is written to evaluation_report.json
type Report struct {
	Metrics         Metrics         `json:"metrics"`
	Performance     Performance     `json:"performance"`
	ConfusionMatrix ConfusionMatrix `json:"confusion_matrix"`
	Videos          []VideoResult   `json:"videos,omitempty"`
}

// NewReport computes the metrics. Every denominator is clamped to at least
// one (the elapsed time to 1ms) so empty classes score zero.
func NewReport(m ConfusionMatrix, frames int, elapsed time.Duration) *Report {
	accuracy := ratio(m.TP+m.TN, m.TP+m.TN+m.FP+m.FN)
	precision := ratio(m.TP, m.TP+m.FP)
	recall := ratio(m.TP, m.TP+m.FN)
	fpr := ratio(m.FP, m.FP+m.TN)
	fps := float64(frames) / math.Max(elapsed.Seconds(), 0.001)

	return &Report{
		Metrics: Metrics{
			Accuracy:          round(accuracy, 3),
			Precision:         round(precision, 3),
			Recall:            round(recall, 3),
			FalsePositiveRate: round(fpr, 3),
		},
		Performance: Performance{
			AverageFPS:           round(fps, 2),
			TotalFramesProcessed: frames,
		},
		ConfusionMatrix: m,
	}
}

// WriteFile writes the report as indented JSON, creating the directory
func (r *Report) WriteFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}
	data, err := json.MarshalIndent(r, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

func ratio(num, den int) float64 {
	return float64(num) / float64(max(den, 1))
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
