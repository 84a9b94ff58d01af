package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"sentinai/internal/api"
	"sentinai/internal/auth"
	"sentinai/internal/config"
	"sentinai/internal/database"
	"sentinai/internal/inference"
	"sentinai/internal/pipeline"
	"sentinai/internal/reasoner"
	"sentinai/internal/telegram"
	"sentinai/internal/video"
	"sentinai/internal/ws"
)

func main() {
	var (
		configF = flag.String("config", "configs/config.yaml", "Path to the YAML configuration")
		inputF  = flag.String("input", "", "Video input (overrides paths.input_source)")
		addrF   = flag.String("http-addr", "", "HTTP listen address (overrides http.addr)")
		dbgF    = flag.Bool("debug", false, "Log request and response bodies")
	)
	flag.Parse()

	// Setup logger.
	var (
		logger *log.Logger
	)
	{
		logger = log.New(os.Stderr, "[sentinai] ", log.Ltime)
	}

	cfg, err := config.Load(*configF, logger)
	if err != nil {
		logger.Fatalf("failed to load config: %v", err)
	}
	if *inputF != "" {
		cfg.Paths.InputSource = *inputF
	}
	if *addrF != "" {
		cfg.HTTP.Addr = *addrF
	}

	// Bus subscribers outlive the monitor so the reports written during the
	// shutdown drain are still delivered; they stop when the bus closes.
	monitorCtx, cancelMonitor := context.WithCancel(context.Background())
	defer cancelMonitor()
	subsCtx, cancelSubs := context.WithCancel(context.Background())
	defer cancelSubs()
	httpCtx, cancelHTTP := context.WithCancel(context.Background())
	defer cancelHTTP()
	var wg sync.WaitGroup

	// Remote models.
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

	vlm, err := reasoner.New(cfg.Reasoner(logger))
	if err != nil {
		logger.Fatalf("failed to create reasoner: %v", err)
	}
	logger.Printf("Deep reasoner: %s", vlm.Name())

	source, err := video.Open(monitorCtx, cfg.Paths.InputSource, cfg.SourceOptions(logger))
	if err != nil {
		logger.Fatalf("failed to open input %q: %v", cfg.Paths.InputSource, err)
	}

	bus := pipeline.NewEventBus()

	var live *video.LiveStream
	if cfg.HTTP.LiveEnabled {
		live = video.NewLiveStream(cfg.HTTP.LiveFPS, cfg.HTTP.LiveQuality, logger)
	}

	var subs sync.WaitGroup
	attach := func(run func(ctx context.Context, events <-chan *pipeline.ThreatEvent), events <-chan *pipeline.ThreatEvent, unsubscribe func()) {
		subs.Add(1)
		go func() {
			defer subs.Done()
			defer unsubscribe()
			run(subsCtx, events)
		}()
	}
	subscribe := func(run func(ctx context.Context, events <-chan *pipeline.ThreatEvent), buffer int) {
		events, unsubscribe := bus.SubscribeChannel(buffer)
		attach(run, events, unsubscribe)
	}

	// Incident catalogue.
	var db *database.Database
	if cfg.Database.Enabled {
		db, err = database.New(cfg.Database.Path, logger)
		if err != nil {
			logger.Fatalf("failed to open database: %v", err)
		}
		defer db.Close()
		if err := db.Migrate(); err != nil {
			logger.Fatalf("failed to migrate database: %v", err)
		}
		// The catalogue must see every lifecycle event, so it gets a lossless queue
		events, unsubscribe := bus.SubscribeQueue()
		attach(database.NewEventLogger(db, time.Duration(cfg.Database.Retention), logger).Run, events, unsubscribe)
	}

	// Alert feed.
	hub := ws.NewAlertHub(logger)
	subscribe(hub.Run, 64)

	// Monitor.
	monitor, err := pipeline.NewMonitor(cfg.Pipeline(), pipeline.Deps{
		Source:     source,
		Detector:   detector,
		Classifier: classifier,
		Reasoner:   vlm,
		Writers:    cfg.Writers(),
		Annotator:  video.NewAnnotator(),
		Preview:    preview(live),
		Publisher:  bus,
		Logger:     logger,
	})
	if err != nil {
		logger.Fatalf("failed to create monitor: %v", err)
	}

	// Telegram.
	bot := telegram.NewTelegramBot(cfg.TelegramBot(logger))
	if bot.IsEnabled() {
		subscribe(telegram.NewNotifier(bot).Run, 64)
		if cfg.Telegram.Commands {
			var incidents telegram.IncidentLister
			if db != nil {
				incidents = db
			}
			var snapshots telegram.SnapshotSource
			if live != nil {
				snapshots = live
			}
			commands := telegram.NewCommandHandler(bot, monitor, incidents, snapshots)
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := commands.StartPolling(httpCtx); err != nil {
					logger.Printf("telegram commands disabled: %v", err)
				}
			}()
		}
		probeCtx, cancelProbe := context.WithTimeout(context.Background(), 5*time.Second)
		if info, err := bot.GetBotInfo(probeCtx); err != nil {
			logger.Printf("Telegram getMe failed: %v", err)
		} else {
			logger.Printf("Telegram notifications enabled as @%v", info["username"])
		}
		cancelProbe()
	}

	authenticator, err := auth.NewAuthenticator(cfg.Authentication())
	if err != nil {
		logger.Fatalf("failed to configure authentication: %v", err)
	}

	opts := api.Options{
		Monitor: monitor,
		Auth:    authenticator,
		Alerts:  ws.NewHandler(hub, logger),
		Checks: map[string]api.HealthCheck{
			"detector":   detector.IsHealthy,
			"classifier": classifier.IsHealthy,
		},
		Debug:  *dbgF,
		Logger: logger,
	}
	if db != nil {
		opts.Store = db
	}
	if live != nil {
		opts.Live = live
	}

	// Create channel used by both the signal handler and server goroutines
	// to notify the main goroutine when to stop the server.
	errc := make(chan error, 3)

	// Setup interrupt handler. SIGINT and SIGTERM stop ingestion and start
	// the graceful drain.
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	handleHTTPServer(httpCtx, cfg.HTTP.Addr, api.New(opts), &wg, errc, logger)

	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		err := monitor.Run(monitorCtx)
		if err == nil {
			err = errors.New("source exhausted")
		}
		errc <- err
	}()

	// Wait for signal.
	logger.Printf("exiting (%v)", <-errc)

	// Stop ingestion and wait for every incident to be analyzed.
	cancelMonitor()
	<-monitorDone

	bus.Close()
	subs.Wait()
	if n := bus.Dropped(); n > 0 {
		logger.Printf("%d events dropped by slow subscribers", n)
	}

	cancelHTTP()
	wg.Wait()
	logger.Println("exited")
}

// preview avoids handing the monitor a typed nil
func preview(live *video.LiveStream) pipeline.FramePreview {
	if live == nil {
		return nil
	}
	return live
}
