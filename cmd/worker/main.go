package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"imagedetect/pkg/annotate"
	"imagedetect/pkg/config"
	"imagedetect/pkg/detect"
	"imagedetect/pkg/metrics"
	"imagedetect/pkg/pipeline"
	"imagedetect/pkg/queue"
	"imagedetect/pkg/report"
	"imagedetect/pkg/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("WORKER: failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.New(ctx, cfg)
	if err != nil {
		log.Fatalf("WORKER: failed to initialize object store client: %v", err)
	}

	// Detector clients and the renderer are built once and shared read-only
	// across jobs.
	stage := detect.NewStage(
		detect.NewHTTPObjectDetector(cfg.ObjectDetectorURL, cfg.DetectorTimeout),
		detect.NewHTTPSafetyDetector(cfg.SafetyDetectorURL, cfg.DetectorTimeout),
	)
	renderer := annotate.NewRenderer(cfg.FontPath)
	reporter := report.NewClient(cfg.APIBaseURL, cfg.HTTPTimeout)

	pipelineMetrics := metrics.NewPipeline()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		log.Printf("WORKER: metrics listening on %s", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil && err != http.ErrServerClosed {
			log.Printf("WORKER: metrics server error: %v", err)
		}
	}()

	processor := pipeline.NewProcessor(store, stage, renderer, reporter, pipelineMetrics, cfg.PresignTTL)

	consumer := queue.NewConsumer(
		cfg.AMQPURL,
		cfg.ImageProcessingQueue,
		cfg.ConsumerHeartbeat,
		cfg.ConsumerReconnectMin,
		cfg.ConsumerReconnectMax,
	)

	log.Println("WORKER: started, waiting for messages...")
	if err := consumer.Run(ctx, processor.Process); err != nil && ctx.Err() == nil {
		log.Fatalf("WORKER: consumer stopped: %v", err)
	}
	log.Println("WORKER: shut down complete")
}
