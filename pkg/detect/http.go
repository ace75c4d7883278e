package detect

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// detectRequest is the wire format shared by both inference services.
type detectRequest struct {
	ImageB64 string `json:"image_b64"`
}

// HTTPObjectDetector calls an object-classifier inference service. The model
// itself is a black box loaded once behind the endpoint.
type HTTPObjectDetector struct {
	baseURL string
	http    *http.Client
}

// NewHTTPObjectDetector creates a client for the object-classifier service.
func NewHTTPObjectDetector(baseURL string, timeout time.Duration) *HTTPObjectDetector {
	return &HTTPObjectDetector{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// DetectObjects sends the encoded image for classification.
func (c *HTTPObjectDetector) DetectObjects(ctx context.Context, imageData []byte) ([]Detection, error) {
	var result struct {
		Detections []Detection `json:"detections"`
	}
	if err := postImage(ctx, c.http, c.baseURL+"/detect", imageData, &result); err != nil {
		return nil, fmt.Errorf("object detection failed: %w", err)
	}
	return result.Detections, nil
}

// HTTPSafetyDetector calls a content-safety inference service.
type HTTPSafetyDetector struct {
	baseURL string
	http    *http.Client
}

// NewHTTPSafetyDetector creates a client for the content-safety service.
func NewHTTPSafetyDetector(baseURL string, timeout time.Duration) *HTTPSafetyDetector {
	return &HTTPSafetyDetector{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// DetectUnsafe sends the encoded image for safety screening.
func (c *HTTPSafetyDetector) DetectUnsafe(ctx context.Context, imageData []byte) ([]SafetyFinding, error) {
	var result struct {
		Detections []SafetyFinding `json:"detections"`
	}
	if err := postImage(ctx, c.http, c.baseURL+"/detect", imageData, &result); err != nil {
		return nil, fmt.Errorf("safety detection failed: %w", err)
	}
	return result.Detections, nil
}

func postImage(ctx context.Context, hc *http.Client, url string, imageData []byte, out interface{}) error {
	body, err := json.Marshal(detectRequest{ImageB64: base64.StdEncoding.EncodeToString(imageData)})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("inference service returned status %d: %s", resp.StatusCode, msg)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
