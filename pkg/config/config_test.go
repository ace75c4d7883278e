package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.ImageProcessingQueue != "image_processing" {
		t.Errorf("queue = %q", cfg.ImageProcessingQueue)
	}
	if cfg.PublishMaxAttempts != 5 || cfg.PublishRetryDelay != 2*time.Second {
		t.Errorf("publish policy = %d/%v", cfg.PublishMaxAttempts, cfg.PublishRetryDelay)
	}
	if cfg.PresignTTL != 3600 {
		t.Errorf("presign ttl = %d", cfg.PresignTTL)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("RABBITMQ_IMAGE_PROCESSING_QUEUE", "jobs")
	t.Setenv("PUBLISH_MAX_ATTEMPTS", "2")
	t.Setenv("DETECTOR_TIMEOUT", "45s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.ImageProcessingQueue != "jobs" {
		t.Errorf("queue = %q", cfg.ImageProcessingQueue)
	}
	if cfg.PublishMaxAttempts != 2 {
		t.Errorf("max attempts = %d", cfg.PublishMaxAttempts)
	}
	if cfg.DetectorTimeout != 45*time.Second {
		t.Errorf("detector timeout = %v", cfg.DetectorTimeout)
	}
}
