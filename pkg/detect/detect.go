package detect

import (
	"context"
	"log"
)

// Detection is one classified region of interest. Box coordinates are
// top-left-origin xyxy in pixels of the original image; every downstream
// consumer preserves this frame unchanged.
type Detection struct {
	Class      string     `json:"class"`
	Confidence float64    `json:"confidence"`
	Box        [4]float64 `json:"box"`
}

// SafetyFinding is a record produced by the content-safety classifier. The
// schema is owned by the classifier; the pipeline only derives a flag from
// the finding count.
type SafetyFinding struct {
	Class string    `json:"class"`
	Score float64   `json:"score"`
	Box   []float64 `json:"box,omitempty"`
}

// ObjectDetector classifies regions of interest in an encoded image.
type ObjectDetector interface {
	DetectObjects(ctx context.Context, imageData []byte) ([]Detection, error)
}

// SafetyDetector screens an encoded image for unsafe content.
type SafetyDetector interface {
	DetectUnsafe(ctx context.Context, imageData []byte) ([]SafetyFinding, error)
}

// IsFlagged derives the NSFW flag from a finding set.
func IsFlagged(findings []SafetyFinding) bool {
	return len(findings) > 0
}

// Stage runs both classifiers against the same image. The classifiers are
// stateless and share nothing, so the calls run concurrently.
type Stage struct {
	objects ObjectDetector
	safety  SafetyDetector
}

// NewStage creates a detection stage over the two classifiers.
func NewStage(objects ObjectDetector, safety SafetyDetector) *Stage {
	return &Stage{objects: objects, safety: safety}
}

// Run executes both classifiers. An object-classifier failure is fatal for
// the attempt. A safety-classifier failure is logged and degrades to an empty
// finding set: safety screening is best-effort and must not abort the job.
// An empty finding set is a valid result, not an error.
func (s *Stage) Run(ctx context.Context, imageData []byte) ([]Detection, []SafetyFinding, error) {
	type objectResult struct {
		detections []Detection
		err        error
	}
	objectCh := make(chan objectResult, 1)
	safetyCh := make(chan []SafetyFinding, 1)

	go func() {
		detections, err := s.objects.DetectObjects(ctx, imageData)
		objectCh <- objectResult{detections: detections, err: err}
	}()
	go func() {
		findings, err := s.safety.DetectUnsafe(ctx, imageData)
		if err != nil {
			log.Printf("detect: safety classifier failed, continuing with empty findings: %v", err)
			findings = nil
		}
		safetyCh <- findings
	}()

	obj := <-objectCh
	findings := <-safetyCh
	if obj.err != nil {
		return nil, nil, obj.err
	}
	return obj.detections, findings, nil
}
