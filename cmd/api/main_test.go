package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"

	"imagedetect/pkg/detect"
	"imagedetect/pkg/store"
)

// testRouter wires only the routes that run against the image store alone.
func testRouter(s *server) *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/images/{image_id:[0-9]+}/detection_result", s.handleDetectionResult).Methods(http.MethodPost)
	router.HandleFunc("/images/{image_id:[0-9]+}/report.pdf", s.handleReportPDF).Methods(http.MethodGet)
	router.HandleFunc("/healthz", handleHealth).Methods(http.MethodGet)
	return router
}

func postJSON(t *testing.T, router *mux.Router, url string, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("failed to marshal payload: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHandleDetectionResult(t *testing.T) {
	images := store.NewInMemoryImageStore()
	rec, err := images.Create(context.Background(), "cat.jpg", "uploads/20240101_cat.jpg")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	router := testRouter(&server{images: images})

	payload := detectionResultRequest{
		DetectedObjects:    []detect.Detection{{Class: "cat", Confidence: 0.91, Box: [4]float64{10, 10, 110, 210}}},
		IsNSFW:             false,
		DetectedNSFW:       []detect.SafetyFinding{},
		ProcessedImagePath: "processed/1/detected.jpg",
	}
	w := postJSON(t, router, "/images/1/detection_result", payload)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	got, err := images.Get(context.Background(), rec.ImageID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.IsProcessed || got.ProcessedImagePath != "processed/1/detected.jpg" {
		t.Errorf("record after report = %+v", got)
	}
	if len(got.DetectedObjects) != 1 || got.DetectedObjects[0].Class != "cat" {
		t.Errorf("detected objects = %+v", got.DetectedObjects)
	}
}

func TestHandleDetectionResultRequiresProcessedPath(t *testing.T) {
	images := store.NewInMemoryImageStore()
	if _, err := images.Create(context.Background(), "cat.jpg", "uploads/cat.jpg"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	router := testRouter(&server{images: images})

	w := postJSON(t, router, "/images/1/detection_result", detectionResultRequest{IsNSFW: true})
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", w.Code)
	}
}

func TestHandleDetectionResultUnknownImage(t *testing.T) {
	router := testRouter(&server{images: store.NewInMemoryImageStore()})

	w := postJSON(t, router, "/images/99/detection_result", detectionResultRequest{
		ProcessedImagePath: "processed/99/detected.jpg",
	})
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestHandleDetectionResultIdempotent(t *testing.T) {
	images := store.NewInMemoryImageStore()
	if _, err := images.Create(context.Background(), "cat.jpg", "uploads/cat.jpg"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	router := testRouter(&server{images: images})

	payload := detectionResultRequest{
		DetectedObjects:    []detect.Detection{{Class: "cat", Confidence: 0.91}},
		ProcessedImagePath: "processed/1/detected.jpg",
	}
	for i := 0; i < 2; i++ {
		if w := postJSON(t, router, "/images/1/detection_result", payload); w.Code != http.StatusOK {
			t.Fatalf("attempt %d: status = %d", i+1, w.Code)
		}
	}

	got, _ := images.Get(context.Background(), 1)
	if len(got.DetectedObjects) != 1 {
		t.Errorf("repeated report appended instead of replacing: %+v", got.DetectedObjects)
	}
}

func TestHandleReportPDF(t *testing.T) {
	images := store.NewInMemoryImageStore()
	if _, err := images.Create(context.Background(), "cat.jpg", "uploads/cat.jpg"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	router := testRouter(&server{images: images})

	req := httptest.NewRequest(http.MethodGet, "/images/1/report.pdf", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/pdf" {
		t.Errorf("content type = %q", ct)
	}
	if !bytes.HasPrefix(w.Body.Bytes(), []byte("%PDF")) {
		t.Error("response body is not a PDF")
	}
}

func TestHealth(t *testing.T) {
	router := testRouter(&server{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}
}
