// Package store persists control-plane image records. Two implementations
// share one interface: a Redis-backed store for deployment and an in-memory
// store for development and tests.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"imagedetect/pkg/detect"
	"imagedetect/pkg/faults"
)

// ImageRecord is one image row as the control plane sees it. An unprocessed
// record has IsProcessed=false and empty detection fields; a job stuck in
// redelivery is observable only as a permanently unprocessed record.
type ImageRecord struct {
	ImageID            int64                  `json:"image_id"`
	Name               string                 `json:"name"`
	StoragePath        string                 `json:"storage_path"`
	IsProcessed        bool                   `json:"is_processed"`
	IsNSFW             bool                   `json:"is_nsfw"`
	DetectedObjects    []detect.Detection     `json:"detected_objects"`
	DetectedNSFW       []detect.SafetyFinding `json:"detected_nsfw"`
	ProcessedImagePath string                 `json:"processed_image_path"`
	CreatedAt          time.Time              `json:"created_at"`
	UpdatedAt          time.Time              `json:"updated_at"`
}

// DetectionResult is the replace-payload applied to a record when the worker
// reports. Applying the same result twice leaves the record identical.
type DetectionResult struct {
	DetectedObjects    []detect.Detection
	IsNSFW             bool
	DetectedNSFW       []detect.SafetyFinding
	ProcessedImagePath string
}

// ImageStore is the persistence interface for image records.
type ImageStore interface {
	Create(ctx context.Context, name, storagePath string) (*ImageRecord, error)
	Get(ctx context.Context, imageID int64) (*ImageRecord, error)
	List(ctx context.Context) ([]*ImageRecord, error)
	ApplyDetectionResult(ctx context.Context, imageID int64, result DetectionResult) error
}

// applyResult is the single replace-semantics transition shared by both
// implementations.
func applyResult(rec *ImageRecord, result DetectionResult, now time.Time) {
	rec.DetectedObjects = result.DetectedObjects
	rec.IsNSFW = result.IsNSFW
	rec.DetectedNSFW = result.DetectedNSFW
	rec.ProcessedImagePath = result.ProcessedImagePath
	rec.IsProcessed = true
	rec.UpdatedAt = now
}

// InMemoryImageStore keeps records in a map. For tests and local runs.
type InMemoryImageStore struct {
	mutex   sync.RWMutex
	records map[int64]*ImageRecord
	nextID  int64
	timeNow func() time.Time
}

// NewInMemoryImageStore creates an empty in-memory store.
func NewInMemoryImageStore() *InMemoryImageStore {
	return &InMemoryImageStore{
		records: make(map[int64]*ImageRecord),
		timeNow: time.Now,
	}
}

// Create assigns the next sequential id and stores a fresh record.
func (s *InMemoryImageStore) Create(ctx context.Context, name, storagePath string) (*ImageRecord, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.nextID++
	now := s.timeNow()
	rec := &ImageRecord{
		ImageID:     s.nextID,
		Name:        name,
		StoragePath: storagePath,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.records[rec.ImageID] = rec
	copied := *rec
	return &copied, nil
}

// Get returns the record for imageID or faults.ErrNotFound.
func (s *InMemoryImageStore) Get(ctx context.Context, imageID int64) (*ImageRecord, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	rec, ok := s.records[imageID]
	if !ok {
		return nil, fmt.Errorf("image %d: %w", imageID, faults.ErrNotFound)
	}
	copied := *rec
	return &copied, nil
}

// List returns all records ordered by id.
func (s *InMemoryImageStore) List(ctx context.Context) ([]*ImageRecord, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	out := make([]*ImageRecord, 0, len(s.records))
	for _, rec := range s.records {
		copied := *rec
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ImageID < out[j].ImageID })
	return out, nil
}

// ApplyDetectionResult replaces the detection fields of a record.
func (s *InMemoryImageStore) ApplyDetectionResult(ctx context.Context, imageID int64, result DetectionResult) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	rec, ok := s.records[imageID]
	if !ok {
		return fmt.Errorf("image %d: %w", imageID, faults.ErrNotFound)
	}
	applyResult(rec, result, s.timeNow())
	return nil
}

// RedisImageStore persists records as JSON values with a sequence key for id
// assignment and a sorted set as the id index.
type RedisImageStore struct {
	client  *redis.Client
	keyBase string
	timeNow func() time.Time
}

// NewRedisImageStore connects to Redis and verifies the connection.
func NewRedisImageStore(redisURL, keyBase string) (*RedisImageStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisImageStore{
		client:  client,
		keyBase: keyBase,
		timeNow: time.Now,
	}, nil
}

func (s *RedisImageStore) recordKey(imageID int64) string {
	return fmt.Sprintf("%s:record:%d", s.keyBase, imageID)
}

func (s *RedisImageStore) indexKey() string {
	return s.keyBase + ":ids"
}

func (s *RedisImageStore) save(ctx context.Context, rec *ImageRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.recordKey(rec.ImageID), data, 0).Err()
}

// Create assigns the next id via INCR and stores a fresh record.
func (s *RedisImageStore) Create(ctx context.Context, name, storagePath string) (*ImageRecord, error) {
	id, err := s.client.Incr(ctx, s.keyBase+":next_id").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to allocate image id: %w", err)
	}

	now := s.timeNow()
	rec := &ImageRecord{
		ImageID:     id,
		Name:        name,
		StoragePath: storagePath,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.save(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to store image record: %w", err)
	}
	if err := s.client.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(id), Member: id}).Err(); err != nil {
		return nil, fmt.Errorf("failed to index image record: %w", err)
	}
	return rec, nil
}

// Get returns the record for imageID or faults.ErrNotFound.
func (s *RedisImageStore) Get(ctx context.Context, imageID int64) (*ImageRecord, error) {
	data, err := s.client.Get(ctx, s.recordKey(imageID)).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("image %d: %w", imageID, faults.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load image record: %w", err)
	}

	var rec ImageRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("failed to decode image record: %w", err)
	}
	return &rec, nil
}

// List returns all records ordered by id.
func (s *RedisImageStore) List(ctx context.Context) ([]*ImageRecord, error) {
	ids, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list image ids: %w", err)
	}

	out := make([]*ImageRecord, 0, len(ids))
	for _, raw := range ids {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		rec, err := s.Get(ctx, id)
		if err != nil {
			continue // record expired or deleted between ZRANGE and GET
		}
		out = append(out, rec)
	}
	return out, nil
}

// ApplyDetectionResult replaces the detection fields of a record.
func (s *RedisImageStore) ApplyDetectionResult(ctx context.Context, imageID int64, result DetectionResult) error {
	rec, err := s.Get(ctx, imageID)
	if err != nil {
		return err
	}
	applyResult(rec, result, s.timeNow())
	if err := s.save(ctx, rec); err != nil {
		return fmt.Errorf("failed to store detection result: %w", err)
	}
	return nil
}
