package uploader

import (
	"errors"
	"fmt"
)

var (
	// ErrNetwork marks every failure that leaves the remote verdict unknown.
	ErrNetwork      = errors.New("network failure")
	ErrUnauthorized = errors.New("unauthorized")
)

// NetworkError describes a batch that may or may not have reached the
// remote ledger. Entries covered by it go back to the queue.
type NetworkError struct {
	Op     string // "push", "token", "probe"
	Status int    // HTTP status when a response arrived, else 0
	Err    error
}

func (e *NetworkError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

func (e *NetworkError) Is(target error) bool {
	return target == ErrNetwork
}
