package detect

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type stubObjectDetector struct {
	detections []Detection
	err        error
}

func (s *stubObjectDetector) DetectObjects(ctx context.Context, imageData []byte) ([]Detection, error) {
	return s.detections, s.err
}

type stubSafetyDetector struct {
	findings []SafetyFinding
	err      error
}

func (s *stubSafetyDetector) DetectUnsafe(ctx context.Context, imageData []byte) ([]SafetyFinding, error) {
	return s.findings, s.err
}

func TestStageRunReturnsBothResults(t *testing.T) {
	objects := &stubObjectDetector{detections: []Detection{
		{Class: "cat", Confidence: 0.91, Box: [4]float64{10, 10, 110, 210}},
	}}
	safety := &stubSafetyDetector{findings: []SafetyFinding{
		{Class: "explicit", Score: 0.88},
	}}

	stage := NewStage(objects, safety)
	detections, findings, err := stage.Run(context.Background(), []byte("img"))
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(detections) != 1 || detections[0].Class != "cat" {
		t.Errorf("unexpected detections: %+v", detections)
	}
	if len(findings) != 1 || findings[0].Class != "explicit" {
		t.Errorf("unexpected findings: %+v", findings)
	}
}

func TestStageRunSafetyFailureDegradesToEmpty(t *testing.T) {
	objects := &stubObjectDetector{detections: []Detection{{Class: "dog", Confidence: 0.8}}}
	safety := &stubSafetyDetector{err: errors.New("model unavailable")}

	stage := NewStage(objects, safety)
	detections, findings, err := stage.Run(context.Background(), []byte("img"))
	if err != nil {
		t.Fatalf("safety failure must not fail the stage, got: %v", err)
	}
	if len(detections) != 1 {
		t.Errorf("expected 1 detection, got %d", len(detections))
	}
	if len(findings) != 0 {
		t.Errorf("expected empty findings, got %+v", findings)
	}
	if IsFlagged(findings) {
		t.Error("empty findings must not flag the image")
	}
}

func TestStageRunObjectFailureIsFatal(t *testing.T) {
	objects := &stubObjectDetector{err: errors.New("inference timeout")}
	safety := &stubSafetyDetector{findings: []SafetyFinding{{Class: "explicit", Score: 0.9}}}

	stage := NewStage(objects, safety)
	if _, _, err := stage.Run(context.Background(), []byte("img")); err == nil {
		t.Fatal("expected error when the object classifier fails")
	}
}

func TestIsFlagged(t *testing.T) {
	if IsFlagged(nil) {
		t.Error("nil findings should not flag")
	}
	if !IsFlagged([]SafetyFinding{{Class: "explicit", Score: 0.5}}) {
		t.Error("non-empty findings should flag")
	}
}

func TestHTTPObjectDetector(t *testing.T) {
	imageData := []byte{0xff, 0xd8, 0xff, 0x01}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/detect" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var req detectRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		if req.ImageB64 != base64.StdEncoding.EncodeToString(imageData) {
			t.Errorf("image_b64 does not match the submitted image")
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"detections": []Detection{{Class: "cat", Confidence: 0.91, Box: [4]float64{10, 10, 110, 210}}},
		})
	}))
	defer srv.Close()

	client := NewHTTPObjectDetector(srv.URL, time.Second)
	detections, err := client.DetectObjects(context.Background(), imageData)
	if err != nil {
		t.Fatalf("DetectObjects returned error: %v", err)
	}
	if len(detections) != 1 {
		t.Fatalf("expected 1 detection, got %d", len(detections))
	}
	want := Detection{Class: "cat", Confidence: 0.91, Box: [4]float64{10, 10, 110, 210}}
	if detections[0] != want {
		t.Errorf("detection = %+v, want %+v", detections[0], want)
	}
}

func TestHTTPSafetyDetectorErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewHTTPSafetyDetector(srv.URL, time.Second)
	if _, err := client.DetectUnsafe(context.Background(), []byte("img")); err == nil {
		t.Fatal("expected error for non-200 response")
	}
}
