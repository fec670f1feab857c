// Package main is the entry point for tickapp.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mcarmelo/tickapp/internal/buildinfo"
	"github.com/mcarmelo/tickapp/internal/config"
	"github.com/mcarmelo/tickapp/internal/connwatch"
	"github.com/mcarmelo/tickapp/internal/events"
	"github.com/mcarmelo/tickapp/internal/llmvision"
	"github.com/mcarmelo/tickapp/internal/pipeline"
	"github.com/mcarmelo/tickapp/internal/prompt"
	"github.com/mcarmelo/tickapp/internal/scheduler"
	"github.com/mcarmelo/tickapp/internal/sensor"
	"github.com/mcarmelo/tickapp/internal/signalcli"
	"github.com/mcarmelo/tickapp/internal/store"

	_ "github.com/mattn/go-sqlite3"
)

// productionPollInterval and testPollInterval are the sensor tick
// cadences (spec §4.6): 1200s schedule-gated in production, 60s
// unconditional in the test variant.
const (
	productionPollInterval = 1200 * time.Second
	testPollInterval       = 60 * time.Second
	productionBatchSize    = 10
	testBatchSize          = 50

	signalPollTaskName = "signal-poll"
)

func main() {
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if flag.NArg() == 0 {
		printUsage()
		return
	}

	switch flag.Arg(0) {
	case "serve":
		runServe(logger)
	case "version":
		fmt.Println(buildinfo.String())
		for k, v := range buildinfo.BuildInfo() {
			fmt.Printf("  %-12s %s\n", k+":", v)
		}
	case "extract":
		if flag.NArg() < 2 {
			fmt.Fprintln(os.Stderr, "usage: tickapp extract <image-file>")
			os.Exit(1)
		}
		runExtract(logger, flag.Arg(1))
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("tickapp - Signal receipt ingestion pipeline")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve    Start the sensor and pipeline engine")
	fmt.Println("  extract  Run extraction against one local image (manual testing)")
	fmt.Println("  version  Show version")
}

// runServe wires every component (C1-C7) together and blocks until a
// termination signal is received.
func runServe(logger *slog.Logger) {
	logger.Info("starting tickapp", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			logger.Error("invalid log level", "error", err)
			os.Exit(1)
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		logger.Error("failed to create database directory", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(ctx, cfg.Database.Path, logger)
	if err != nil {
		logger.Error("failed to open store", "path", cfg.Database.Path, "error", err)
		os.Exit(1)
	}
	defer st.Close()
	logger.Info("store opened", "path", cfg.Database.Path)

	signalClient := signalcli.New(cfg.Signal.SidecarPath, cfg.Signal.PhoneNumber, cfg.Signal.AttachmentDir, logger)
	if err := signalClient.EnsureAttachmentDir(); err != nil {
		logger.Error("failed to prepare attachment directory", "error", err)
		os.Exit(1)
	}

	visionClient := llmvision.New(cfg.LLM.APIKey, cfg.LLM.Model, logger)
	promptAssembler := prompt.New(st)
	bus := events.New()

	engine := pipeline.New(
		signalClient,
		st,
		promptAssembler,
		visionClient,
		bus,
		prompt.DefaultTemplate(),
		cfg.Signal.PhoneNumber,
		cfg.Signal.DefaultGroupID,
		logger,
	)
	go engine.Notify(ctx)

	pollInterval := productionPollInterval
	batchSize := productionBatchSize
	if cfg.Signal.TestMode {
		pollInterval = testPollInterval
		batchSize = testBatchSize
	}
	sens := sensor.New(signalClient, st, logger, batchSize, cfg.Signal.TestMode)

	schedStorePath := filepath.Join(filepath.Dir(cfg.Database.Path), "scheduler.db")
	schedStore, err := scheduler.NewStore(schedStorePath)
	if err != nil {
		logger.Error("failed to open scheduler store", "path", schedStorePath, "error", err)
		os.Exit(1)
	}
	defer schedStore.Close()

	executeTask := func(ctx context.Context, task *scheduler.Task, exec *scheduler.Execution) error {
		bus.Publish(events.Event{Source: events.SourceScheduler, Kind: events.KindTaskFired, Data: map[string]any{"task_id": task.ID, "task_name": task.Name}})

		start := time.Now()
		result, err := sens.Tick(ctx, start)
		if err != nil {
			bus.Publish(events.Event{Source: events.SourceScheduler, Kind: events.KindTaskComplete, Data: map[string]any{"task_id": task.ID, "task_name": task.Name, "ok": false, "duration_ms": time.Since(start).Milliseconds()}})
			return err
		}

		bus.Publish(events.Event{Source: events.SourceSensor, Kind: events.KindPollComplete, Data: map[string]any{"new_messages": len(result.Jobs), "skipped": !result.Ran, "reason": result.SkipReason}})

		for _, job := range result.Jobs {
			if _, err := engine.Run(ctx, job); err != nil {
				logger.Error("pipeline run failed to complete", "run_key", job.RunKey, "error", err)
			}
		}

		bus.Publish(events.Event{Source: events.SourceScheduler, Kind: events.KindTaskComplete, Data: map[string]any{"task_id": task.ID, "task_name": task.Name, "ok": true, "duration_ms": time.Since(start).Milliseconds()}})
		return nil
	}

	sched := scheduler.New(logger, schedStore, executeTask)
	if err := ensureSignalPollTask(sched, pollInterval); err != nil {
		logger.Error("failed to register signal poll task", "error", err)
		os.Exit(1)
	}
	if err := sched.Start(ctx); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}
	defer sched.Stop()
	logger.Info("sensor scheduled", "poll_interval", pollInterval, "batch_size", batchSize, "test_mode", cfg.Signal.TestMode)

	watchMgr := connwatch.NewManager(logger)
	watchMgr.Watch(ctx, connwatch.WatcherConfig{Name: "anthropic", Probe: visionClient.Ping})
	watchMgr.Watch(ctx, connwatch.WatcherConfig{Name: "signal-sidecar", Probe: signalClient.Ping})
	defer watchMgr.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")
	cancel()

	logger.Info("tickapp stopped")
}

// ensureSignalPollTask creates the PayloadSignalPoll task on first run;
// subsequent starts find it already registered and leave it untouched.
func ensureSignalPollTask(sched *scheduler.Scheduler, interval time.Duration) error {
	tasks, err := sched.GetAllTasks()
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.Name == signalPollTaskName {
			return nil
		}
	}

	task := &scheduler.Task{
		ID:   scheduler.NewID(),
		Name: signalPollTaskName,
		Schedule: scheduler.Schedule{
			Kind:  scheduler.ScheduleEvery,
			Every: &scheduler.Duration{Duration: interval},
		},
		Payload:   scheduler.Payload{Kind: scheduler.PayloadSignalPoll},
		Enabled:   true,
		CreatedAt: time.Now(),
		CreatedBy: "tickapp",
		UpdatedAt: time.Now(),
	}
	return sched.CreateTask(task)
}

// runExtract runs the extract stage (C3+C4) against one local image
// file for manual testing, printing the raw extraction JSON.
func runExtract(logger *slog.Logger, imagePath string) {
	cfg, err := config.Load()
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	st, err := store.Open(ctx, cfg.Database.Path, logger)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	data, err := os.ReadFile(imagePath)
	if err != nil {
		logger.Error("failed to read image", "path", imagePath, "error", err)
		os.Exit(1)
	}

	promptAssembler := prompt.New(st)
	promptText, err := promptAssembler.Render(ctx, prompt.DefaultTemplate())
	if err != nil {
		logger.Error("failed to render prompt", "error", err)
		os.Exit(1)
	}

	visionClient := llmvision.New(cfg.LLM.APIKey, cfg.LLM.Model, logger)
	parts := []llmvision.Part{
		llmvision.TextPart(promptText),
		llmvision.ImagePart(filepath.Base(imagePath), data),
	}

	var raw json.RawMessage
	if err := visionClient.CallJSON(ctx, parts, &raw); err != nil {
		logger.Error("extraction failed", "error", err)
		os.Exit(1)
	}

	var pretty map[string]any
	if err := json.Unmarshal(raw, &pretty); err != nil {
		fmt.Println(string(raw))
		return
	}
	out, _ := json.MarshalIndent(pretty, "", "  ")
	fmt.Println(string(out))
}
