package faults

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a referenced image or object does not exist.
	// Fatal for the current attempt; redelivery will hit the same outcome.
	ErrNotFound = errors.New("not found")

	// ErrRejected is returned when the object store refuses a capability upload.
	ErrRejected = errors.New("rejected by store")
)

// Transport marks an error as a retryable network/broker/store/API failure.
type Transport struct {
	Op  string
	Err error
}

func (e *Transport) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Transport) Unwrap() error { return e.Err }

// Transportf wraps err as a transport fault for the given operation.
func Transportf(op string, err error) error {
	return &Transport{Op: op, Err: err}
}

// IsTransport reports whether err is (or wraps) a transport fault.
func IsTransport(err error) bool {
	var t *Transport
	return errors.As(err, &t)
}
