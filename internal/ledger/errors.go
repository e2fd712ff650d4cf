package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrConflict means some entries of a batch were not eligible for
	// upload, usually because another cycle already claimed them.
	ErrConflict = errors.New("sync state conflict")
	// ErrInvalidTransition means the requested sync state change is not
	// allowed from the entry's current state.
	ErrInvalidTransition = errors.New("invalid sync state transition")
	ErrNotFound          = errors.New("entry not found")
)

// StorageError reports that the local store could not commit or read.
// It is never swallowed: write-path callers must surface it.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}
