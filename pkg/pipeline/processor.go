// Package pipeline sequences the per-job annotation pipeline. A job walks
// download -> decode -> detect -> annotate -> encode -> capability -> upload
// -> report; any fault abandons the attempt and the message is redelivered.
// Every stage is safe to repeat wholesale: reads are pure, uploads target
// replace-style keys, and the final report is idempotent.
package pipeline

import (
	"context"
	"fmt"
	"image"
	"log"
	"time"

	"imagedetect/pkg/detect"
	"imagedetect/pkg/imgcodec"
	"imagedetect/pkg/messaging"
	"imagedetect/pkg/metrics"
	"imagedetect/pkg/report"
)

// ObjectStore is the slice of the object store client the pipeline needs.
type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	UploadViaURL(ctx context.Context, capabilityURL string, data []byte, contentType string) error
}

// DetectionStage runs both classifiers against an encoded image.
type DetectionStage interface {
	Run(ctx context.Context, imageData []byte) ([]detect.Detection, []detect.SafetyFinding, error)
}

// Renderer draws detections over a decoded image.
type Renderer interface {
	Render(src image.Image, detections []detect.Detection) *image.NRGBA
}

// Reporter is the two-phase callback client.
type Reporter interface {
	RequestUploadCapability(ctx context.Context, imageID int64, desiredPath, contentType string, expiresIn int) (*report.UploadCapability, error)
	ReportDetectionResult(ctx context.Context, rep *report.DetectionReport) error
}

// Processor orchestrates one job at a time. All collaborators are injected
// and constructed once at process start.
type Processor struct {
	store     ObjectStore
	stage     DetectionStage
	renderer  Renderer
	reporter  Reporter
	metrics   *metrics.Pipeline
	expiresIn int
}

// NewProcessor wires the pipeline. metrics may be nil.
func NewProcessor(store ObjectStore, stage DetectionStage, renderer Renderer, reporter Reporter, m *metrics.Pipeline, expiresIn int) *Processor {
	return &Processor{
		store:     store,
		stage:     stage,
		renderer:  renderer,
		reporter:  reporter,
		metrics:   m,
		expiresIn: expiresIn,
	}
}

// Process runs the full pipeline for one job. A non-nil return abandons the
// attempt; the caller nacks the message and the broker redelivers it.
func (p *Processor) Process(ctx context.Context, job messaging.JobMessage) error {
	err := p.process(ctx, job)
	if p.metrics != nil {
		result := "success"
		if err != nil {
			result = "failure"
		}
		p.metrics.JobsProcessed.WithLabelValues(result).Inc()
	}
	return err
}

func (p *Processor) process(ctx context.Context, job messaging.JobMessage) error {
	log.Printf("pipeline: processing image_id=%d storage_path=%s", job.ImageID, job.StoragePath)

	data, err := p.timed("download", func() ([]byte, error) {
		return p.store.Download(ctx, job.StoragePath)
	})
	if err != nil {
		return fmt.Errorf("download original: %w", err)
	}

	img, format, err := imgcodec.Decode(data)
	if err != nil {
		return fmt.Errorf("decode original: %w", err)
	}

	var detections []detect.Detection
	var findings []detect.SafetyFinding
	_, err = p.timed("detect", func() ([]byte, error) {
		var stageErr error
		detections, findings, stageErr = p.stage.Run(ctx, data)
		return nil, stageErr
	})
	if err != nil {
		return fmt.Errorf("detection: %w", err)
	}
	log.Printf("pipeline: image_id=%d detected %d objects, %d safety findings",
		job.ImageID, len(detections), len(findings))

	encoded, err := p.timed("annotate", func() ([]byte, error) {
		annotated := p.renderer.Render(img, detections)
		return imgcodec.Encode(annotated, format)
	})
	if err != nil {
		return fmt.Errorf("annotate: %w", err)
	}

	contentType := imgcodec.ContentType(format)
	desiredPath := fmt.Sprintf("processed/%d/detected.%s", job.ImageID, imgcodec.Ext(format))

	capability, err := p.reporter.RequestUploadCapability(ctx, job.ImageID, desiredPath, contentType, p.expiresIn)
	if err != nil {
		return fmt.Errorf("request upload capability: %w", err)
	}

	// The artifact must be durable before the report references it.
	_, err = p.timed("upload", func() ([]byte, error) {
		return nil, p.store.UploadViaURL(ctx, capability.PresignedURL, encoded, contentType)
	})
	if err != nil {
		return fmt.Errorf("upload annotated image: %w", err)
	}

	rep := &report.DetectionReport{
		ImageID:            job.ImageID,
		DetectedObjects:    detections,
		IsNSFW:             detect.IsFlagged(findings),
		DetectedNSFW:       findings,
		ProcessedImagePath: capability.StoragePath,
	}
	if rep.DetectedObjects == nil {
		rep.DetectedObjects = []detect.Detection{}
	}
	if rep.DetectedNSFW == nil {
		rep.DetectedNSFW = []detect.SafetyFinding{}
	}

	if err := p.reporter.ReportDetectionResult(ctx, rep); err != nil {
		return fmt.Errorf("report detection result: %w", err)
	}

	log.Printf("pipeline: image_id=%d reported, processed_image_path=%s", job.ImageID, rep.ProcessedImagePath)
	return nil
}

func (p *Processor) timed(stage string, fn func() ([]byte, error)) ([]byte, error) {
	start := time.Now()
	out, err := fn()
	if p.metrics != nil {
		p.metrics.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	}
	return out, err
}
