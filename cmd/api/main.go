package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"imagedetect/pkg/config"
	"imagedetect/pkg/detect"
	"imagedetect/pkg/faults"
	"imagedetect/pkg/imgcodec"
	"imagedetect/pkg/messaging"
	"imagedetect/pkg/metrics"
	"imagedetect/pkg/pdfreport"
	"imagedetect/pkg/queue"
	"imagedetect/pkg/storage"
	"imagedetect/pkg/store"
)

var allowedExtensions = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
}

type server struct {
	images    store.ImageStore
	objects   *storage.Client
	publisher *queue.Publisher
	cfg       *config.Config
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("API: failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	objects, err := storage.New(ctx, cfg)
	if err != nil {
		log.Fatalf("API: failed to initialize object store client: %v", err)
	}
	if err := objects.EnsureBucket(ctx); err != nil {
		log.Fatalf("API: failed to ensure bucket: %v", err)
	}

	images, err := store.NewRedisImageStore(cfg.RedisURL, "images")
	if err != nil {
		log.Fatalf("API: failed to connect to image store: %v", err)
	}
	log.Println("API: connected to Redis")

	s := &server{
		images:    images,
		objects:   objects,
		publisher: queue.NewPublisher(cfg.AMQPURL, cfg.ImageProcessingQueue, cfg.PublishMaxAttempts, cfg.PublishRetryDelay),
		cfg:       cfg,
	}

	router := mux.NewRouter()
	router.Use(requestIDMiddleware)
	router.HandleFunc("/images/upload", s.handleUpload).Methods(http.MethodPost)
	router.HandleFunc("/images", s.handleList).Methods(http.MethodGet)
	router.HandleFunc("/images/{image_id:[0-9]+}", s.handleGet).Methods(http.MethodGet)
	router.HandleFunc("/images/{image_id:[0-9]+}/processed_presigned_url", s.handleProcessedPresignedURL).Methods(http.MethodPost)
	router.HandleFunc("/images/{image_id:[0-9]+}/detection_result", s.handleDetectionResult).Methods(http.MethodPost)
	router.HandleFunc("/images/{image_id:[0-9]+}/report.pdf", s.handleReportPDF).Methods(http.MethodGet)
	router.HandleFunc("/healthz", handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	srv := &http.Server{Addr: cfg.APIAddr, Handler: router}
	go func() {
		log.Printf("API: server starting on %s", cfg.APIAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("API: server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("API: shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("API: forced shutdown: %v", err)
	}
	log.Println("API: stopped")
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// handleUpload stores the original, creates the image record and enqueues a
// processing job. Publish retries are bounded; if they are exhausted the
// asset stays stored with no job enqueued. That gap is surfaced in the
// response and the log, not rolled back.
func (s *server) handleUpload(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "image file is required")
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	contentType, ok := allowedExtensions[ext]
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("file type %q not allowed", ext))
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read upload")
		return
	}

	ctx := r.Context()
	key := s.objects.ObjectKeyForUpload(header.Filename)
	if err := s.objects.Upload(ctx, key, data, contentType); err != nil {
		log.Printf("API: failed to store original %s: %v", key, err)
		writeError(w, http.StatusInternalServerError, "failed to store image")
		return
	}

	rec, err := s.images.Create(ctx, header.Filename, key)
	if err != nil {
		log.Printf("API: failed to create image record: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to create image record")
		return
	}

	job := messaging.JobMessage{ImageID: rec.ImageID, StoragePath: rec.StoragePath}
	if err := s.publisher.Publish(ctx, job); err != nil {
		// Asset is durable but no job reached the queue: known at-least-once
		// gap with no reconciliation path.
		log.Printf("API: failed to enqueue job for image %d (asset stored at %s): %v", rec.ImageID, key, err)
		writeError(w, http.StatusInternalServerError, "failed to queue image for processing")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"image_id": rec.ImageID,
		"name":     rec.Name,
	})
}

type imageView struct {
	store.ImageRecord
	InputImageURL  string `json:"input_image_url,omitempty"`
	OutputImageURL string `json:"output_image_url,omitempty"`
}

func (s *server) view(ctx context.Context, rec *store.ImageRecord) imageView {
	v := imageView{ImageRecord: *rec}
	if url, err := s.objects.PresignGet(ctx, rec.StoragePath, s.cfg.PresignTTL); err == nil {
		v.InputImageURL = url
	}
	if rec.IsProcessed && rec.ProcessedImagePath != "" {
		if url, err := s.objects.PresignGet(ctx, rec.ProcessedImagePath, s.cfg.PresignTTL); err == nil {
			v.OutputImageURL = url
		}
	}
	return v
}

func (s *server) handleList(w http.ResponseWriter, r *http.Request) {
	recs, err := s.images.List(r.Context())
	if err != nil {
		log.Printf("API: failed to list images: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list images")
		return
	}
	views := make([]imageView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, s.view(r.Context(), rec))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *server) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.loadImage(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.view(r.Context(), rec))
}

type presignedURLRequest struct {
	StoragePath string `json:"storage_path"`
	ContentType string `json:"content_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// handleProcessedPresignedURL issues the upload capability for the annotated
// derivative. The storage path is assigned here from the negotiated content
// type; the worker's proposed path is accepted only when it matches.
func (s *server) handleProcessedPresignedURL(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.loadImage(w, r)
	if !ok {
		return
	}

	var req presignedURLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ExpiresIn <= 0 {
		req.ExpiresIn = s.cfg.PresignTTL
	}

	format, err := imgcodec.FormatForContentType(req.ContentType)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported content type %q", req.ContentType))
		return
	}
	storagePath := fmt.Sprintf("processed/%d/detected.%s", rec.ImageID, imgcodec.Ext(format))

	url, err := s.objects.PresignPut(r.Context(), storagePath, req.ContentType, req.ExpiresIn)
	if err != nil {
		log.Printf("API: failed to presign PUT for image %d: %v", rec.ImageID, err)
		writeError(w, http.StatusInternalServerError, "failed to issue upload capability")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"image_id":      rec.ImageID,
		"presigned_url": url,
		"storage_path":  storagePath,
	})
}

type detectionResultRequest struct {
	DetectedObjects    []detect.Detection     `json:"detected_objects"`
	IsNSFW             bool                   `json:"is_nsfw"`
	DetectedNSFW       []detect.SafetyFinding `json:"detected_nsfw"`
	ProcessedImagePath string                 `json:"processed_image_path"`
}

// handleDetectionResult applies the worker's report as a full replace of the
// record's detection fields, so re-sent reports are no-ops.
func (s *server) handleDetectionResult(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.loadImage(w, r)
	if !ok {
		return
	}

	var req detectionResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ProcessedImagePath == "" {
		writeError(w, http.StatusUnprocessableEntity, "processed_image_path is required")
		return
	}

	err := s.images.ApplyDetectionResult(r.Context(), rec.ImageID, store.DetectionResult{
		DetectedObjects:    req.DetectedObjects,
		IsNSFW:             req.IsNSFW,
		DetectedNSFW:       req.DetectedNSFW,
		ProcessedImagePath: req.ProcessedImagePath,
	})
	if err != nil {
		if errors.Is(err, faults.ErrNotFound) {
			writeError(w, http.StatusNotFound, "image not found")
			return
		}
		log.Printf("API: failed to apply detection result for image %d: %v", rec.ImageID, err)
		writeError(w, http.StatusInternalServerError, "failed to store detection result")
		return
	}

	log.Printf("API: stored detection result for image %d (%d objects, nsfw=%t)",
		rec.ImageID, len(req.DetectedObjects), req.IsNSFW)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleReportPDF(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.loadImage(w, r)
	if !ok {
		return
	}

	data, err := pdfreport.Build(rec)
	if err != nil {
		log.Printf("API: failed to build PDF report for image %d: %v", rec.ImageID, err)
		writeError(w, http.StatusInternalServerError, "failed to build report")
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"image-%d-report.pdf\"", rec.ImageID))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *server) loadImage(w http.ResponseWriter, r *http.Request) (*store.ImageRecord, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["image_id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid image id")
		return nil, false
	}

	rec, err := s.images.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, faults.ErrNotFound) {
			writeError(w, http.StatusNotFound, "image not found")
		} else {
			log.Printf("API: failed to load image %d: %v", id, err)
			writeError(w, http.StatusInternalServerError, "failed to load image")
		}
		return nil, false
	}
	return rec, true
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
