package messaging

// JobMessage is the payload published to the image processing queue.
// One message instructs the worker to process one stored image.
type JobMessage struct {
	ImageID     int64  `json:"image_id"`
	StoragePath string `json:"storage_path"`
}
