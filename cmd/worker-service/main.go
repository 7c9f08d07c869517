package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/cuongbtq/upscale-worker/internal/bootstrap"
	"github.com/cuongbtq/upscale-worker/internal/config"
	"github.com/cuongbtq/upscale-worker/internal/transform"
	"github.com/cuongbtq/upscale-worker/internal/worker"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	workerID := cfg.Worker.ID
	if workerID == "" {
		workerID = defaultWorkerID()
	}

	appLogger, err := bootstrap.InitLogger(&cfg.Logging, cfg.App.Name, workerID)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, err := initEngine(ctx, &cfg.Transform)
	if err != nil {
		appLogger.Error("Failed to load transform engine", slog.Any("error", err))
		return fmt.Errorf("failed to load transform engine: %w", err)
	}

	resources, err := bootstrap.Open(ctx, cfg, appLogger.Logger, workerID)
	if err != nil {
		appLogger.Error("Failed to connect backends", slog.Any("error", err))
		return err
	}
	defer resources.Close()

	policy, err := worker.ParseFailurePolicy(cfg.Worker.TransformFailurePolicy)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	var sink worker.FailureSink
	if resources.DeadLetter != nil {
		sink = worker.NewQueueSink(resources.DeadLetter, workerID, appLogger.Logger)
	}

	workerInstance := worker.NewWorker(&worker.Config{
		Logger:           appLogger.Logger,
		Queue:            resources.Queue,
		Store:            resources.Store,
		Engine:           engine,
		Sink:             sink,
		WorkerID:         workerID,
		Concurrency:      cfg.Worker.Concurrency,
		MaxMessages:      cfg.Worker.MaxMessages,
		WaitTime:         cfg.Worker.WaitTime,
		DrainTimeout:     cfg.Worker.DrainTimeout,
		PollErrorBackoff: cfg.Worker.PollErrorBackoff,
		Processor: worker.ProcessorConfig{
			Operation:           cfg.Transform.Operation,
			ContentType:         cfg.Transform.ContentType,
			DefaultScaleFactor:  cfg.Transform.DefaultScaleFactor,
			JobTimeout:          cfg.Worker.JobTimeout,
			HeartbeatInterval:   cfg.Worker.HeartbeatInterval,
			VisibilityExtension: cfg.Worker.VisibilityExtension,
			MaxReceiveCount:     cfg.Worker.MaxReceiveCount,
			FailurePolicy:       policy,
		},
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return workerInstance.Start(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		appLogger.Info("Shutdown signal received, draining worker",
			slog.String("state", workerInstance.State().String()),
		)
		return nil
	})

	appLogger.Info("Worker service started successfully")

	if err := g.Wait(); err != nil {
		appLogger.Error("Worker error", slog.Any("error", err))
		return err
	}

	appLogger.Info("Worker service shutdown complete")
	return nil
}

// initEngine loads the upscaler and applies the configured concurrency limit
func initEngine(ctx context.Context, cfg *config.TransformConfig) (transform.Engine, error) {
	upscaler, err := transform.Load(ctx, transform.Options{
		Filter:          cfg.Filter,
		MaxScaleFactor:  cfg.MaxScaleFactor,
		MaxSourcePixels: cfg.MaxSourcePixels,
		MaxOutputPixels: cfg.MaxOutputPixels,
	})
	if err != nil {
		return nil, err
	}
	return transform.Limit(upscaler, cfg.MaxParallel), nil
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}
