// Package sink holds the error taxonomy shared by the document sinks.
package sink

import (
	"errors"
	"fmt"
)

// Write operations
const (
	OpUpsert = "upsert"
	OpDelete = "delete"
)

// WriteError is a failed sink write. Transient errors may succeed when
// retried, permanent ones will not.
type WriteError struct {
	Op        string
	Index     string
	Key       string
	Transient bool
	Err       error
}

func (e *WriteError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("%s %s/%s failed (%s): %v", e.Op, e.Index, e.Key, kind, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable write error.
func Transient(op, index, key string, err error) error {
	return &WriteError{Op: op, Index: index, Key: key, Transient: true, Err: err}
}

// Permanent wraps err as a non-retryable write error.
func Permanent(op, index, key string, err error) error {
	return &WriteError{Op: op, Index: index, Key: key, Err: err}
}

// IsTransient reports whether err is a transient write error. Errors that
// were not classified by a sink are treated as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var we *WriteError
	if errors.As(err, &we) {
		return we.Transient
	}
	return true
}
