package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"sentinai/internal/config"
	"sentinai/internal/evaluation"
	"sentinai/internal/inference"
	"sentinai/internal/pipeline"
	"sentinai/internal/video"
)

func main() {
	var (
		configF  = flag.String("config", "configs/config.yaml", "Path to the YAML configuration")
		datasetF = flag.String("dataset", "data/dataset", "Dataset root holding violent/ and safe/")
		outF     = flag.String("out", "data/outputs/evaluation_report.json", "Report output path")
	)
	flag.Parse()

	logger := log.New(os.Stderr, "[sentinai-eval] ", log.Ltime)

	cfg, err := config.Load(*configF, logger)
	if err != nil {
		logger.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	detector, err := inference.NewDetector(cfg.Detector(logger))
	if err != nil {
		logger.Fatalf("failed to create detector client: %v", err)
	}
	defer detector.Close()

	classifier, err := inference.NewClassifier(cfg.Classifier(logger))
	if err != nil {
		logger.Fatalf("failed to create classifier client: %v", err)
	}
	defer classifier.Close()

	// Dataset files are read as fast as they decode
	open := func(ctx context.Context, path string) (pipeline.FrameSource, error) {
		return video.Open(ctx, path, video.SourceOptions{CameraID: "eval", Logger: logger})
	}

	runner := evaluation.NewRunner(cfg.Pipeline(), detector, classifier, open, logger)
	report, err := runner.Run(ctx, *datasetF)
	if err != nil {
		logger.Fatalf("evaluation failed: %v", err)
	}
	if err := report.WriteFile(*outF); err != nil {
		logger.Fatalf("%v", err)
	}
	logger.Printf("Report saved to %s", *outF)
}
