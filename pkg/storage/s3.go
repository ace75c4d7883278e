// Package storage is the object store client: originals live under
// uploads/, annotated derivatives under processed/. Capability URLs are
// minted here on behalf of the control plane and consumed opaquely by the
// worker.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"imagedetect/pkg/config"
	"imagedetect/pkg/faults"
)

// Client wraps an S3-compatible object store.
type Client struct {
	s3      *s3.Client
	presign *s3.PresignClient
	bucket  string
	http    *http.Client
	timeNow func() time.Time
}

// New builds a client from configuration. A custom endpoint (MinIO, localstack)
// switches to path-style addressing.
func New(ctx context.Context, cfg *config.Config) (*Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.AWSRegion),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AWSAccessKeyID, cfg.AWSSecretAccessKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.S3EndpointURL)
			o.UsePathStyle = true
		}
	})

	return &Client{
		s3:      client,
		presign: s3.NewPresignClient(client),
		bucket:  cfg.S3Bucket,
		http:    &http.Client{Timeout: cfg.HTTPTimeout},
		timeNow: time.Now,
	}, nil
}

// EnsureBucket creates the bucket if it does not exist yet.
func (c *Client) EnsureBucket(ctx context.Context) error {
	_, err := c.s3.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)})
	if err == nil {
		return nil
	}
	if _, err := c.s3.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(c.bucket)}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", c.bucket, err)
	}
	return nil
}

// Download fetches an object by key. A missing key maps to faults.ErrNotFound;
// everything else is a transport fault. No local retry: the retry policy
// lives with the caller.
func (c *Client) Download(ctx context.Context, key string) ([]byte, error) {
	out, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NoSuchKey
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("object %s: %w", key, faults.ErrNotFound)
		}
		return nil, faults.Transportf("download "+key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, faults.Transportf("read "+key, err)
	}
	return data, nil
}

// Upload stores an object under key with the given content type.
func (c *Client) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := c.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return faults.Transportf("upload "+key, err)
	}
	return nil
}

// UploadViaURL PUTs raw bytes to a capability URL issued by the control
// plane. The URL is opaque and time-bounded; the worker never mints its own.
func (c *Client) UploadViaURL(ctx context.Context, capabilityURL string, data []byte, contentType string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, capabilityURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to build upload request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.ContentLength = int64(len(data))

	resp, err := c.http.Do(req)
	if err != nil {
		return faults.Transportf("capability upload", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("capability upload returned status %d (%s): %w",
			resp.StatusCode, strings.TrimSpace(string(msg)), faults.ErrRejected)
	}
	return nil
}

// PresignGet issues a time-limited GET URL for an object.
func (c *Client) PresignGet(ctx context.Context, key string, expiresIn int) (string, error) {
	req, err := c.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(time.Duration(expiresIn)*time.Second))
	if err != nil {
		return "", fmt.Errorf("failed to presign GET for %s: %w", key, err)
	}
	return req.URL, nil
}

// PresignPut issues a time-limited, content-type-bound PUT URL for an object.
func (c *Client) PresignPut(ctx context.Context, key, contentType string, expiresIn int) (string, error) {
	req, err := c.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	}, s3.WithPresignExpires(time.Duration(expiresIn)*time.Second))
	if err != nil {
		return "", fmt.Errorf("failed to presign PUT for %s: %w", key, err)
	}
	return req.URL, nil
}

// ObjectKeyForUpload builds the storage key for a freshly uploaded original:
// uploads/<timestamp>_<sanitized-name>.<ext>. The timestamp prefix avoids
// collisions between same-named uploads.
func (c *Client) ObjectKeyForUpload(filename string) string {
	base := sanitizeFilename(path.Base(filename))
	ts := c.timeNow().UTC().Format("20060102150405.000")
	ts = strings.ReplaceAll(ts, ".", "")
	return fmt.Sprintf("uploads/%s_%s", ts, base)
}

// sanitizeFilename keeps letters, digits, dash, underscore and dot.
func sanitizeFilename(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "file"
	}
	return b.String()
}
