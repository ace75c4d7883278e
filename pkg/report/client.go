// Package report implements the worker's callback protocol against the
// control plane: request an upload capability for the annotated image, then
// report final detection results. Both phases are idempotent on the control
// plane side, so repeating them after a redelivery is safe.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"imagedetect/pkg/detect"
	"imagedetect/pkg/faults"
)

// UploadCapability is the control plane's answer to a capability request.
// The storage path is assigned by the control plane, not the worker.
type UploadCapability struct {
	ImageID      int64  `json:"image_id"`
	PresignedURL string `json:"presigned_url"`
	StoragePath  string `json:"storage_path"`
}

// DetectionReport is the terminal payload for one processed image. Sending
// the same report twice yields the same persisted state: the control plane
// performs a full replace-by-image_id, never an append.
type DetectionReport struct {
	ImageID            int64                  `json:"image_id"`
	DetectedObjects    []detect.Detection     `json:"detected_objects"`
	IsNSFW             bool                   `json:"is_nsfw"`
	DetectedNSFW       []detect.SafetyFinding `json:"detected_nsfw"`
	ProcessedImagePath string                 `json:"processed_image_path"`
}

// Client talks to the control plane callbacks.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a reporting client for the control plane at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

type capabilityRequest struct {
	StoragePath string `json:"storage_path"`
	ContentType string `json:"content_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// RequestUploadCapability asks the control plane for a time-bounded PUT URL
// for the annotated image. desiredPath is the worker's proposed key; the
// control plane returns the authoritative storage path.
func (c *Client) RequestUploadCapability(ctx context.Context, imageID int64, desiredPath, contentType string, expiresIn int) (*UploadCapability, error) {
	url := fmt.Sprintf("%s/images/%d/processed_presigned_url", c.baseURL, imageID)
	body := capabilityRequest{StoragePath: desiredPath, ContentType: contentType, ExpiresIn: expiresIn}

	var capability UploadCapability
	if err := c.post(ctx, url, body, &capability); err != nil {
		return nil, fmt.Errorf("failed to request upload capability for image %d: %w", imageID, err)
	}
	return &capability, nil
}

// ReportDetectionResult posts the final detection payload. Must only be
// called after the annotated artifact referenced by the report is durably
// uploaded.
func (c *Client) ReportDetectionResult(ctx context.Context, rep *DetectionReport) error {
	url := fmt.Sprintf("%s/images/%d/detection_result", c.baseURL, rep.ImageID)
	if err := c.post(ctx, url, rep, nil); err != nil {
		return fmt.Errorf("failed to report detection result for image %d: %w", rep.ImageID, err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, url string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return faults.Transportf("control plane request", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		if out != nil {
			return json.NewDecoder(resp.Body).Decode(out)
		}
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return faults.ErrNotFound
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("control plane rejected request: %s", strings.TrimSpace(string(msg)))
	default:
		msg, _ := io.ReadAll(resp.Body)
		return faults.Transportf("control plane request",
			fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))))
	}
}
