package storage

import (
	"errors"
	"fmt"
	"hash/fnv"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNotFound is returned by point lookups that match nothing.
	ErrNotFound = errors.New("storage: record not found")
	// ErrOutOfOrder rejects an observation older than the latest one stored for its item.
	ErrOutOfOrder = errors.New("storage: observation older than latest")
)

// PersistenceError wraps a failed read or write at the storage boundary.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var perr *PersistenceError
	if errors.As(err, &perr) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// LockKey hashes the parts into a stable advisory lock key.
func LockKey(parts ...string) int64 {
	hasher := fnv.New64a()
	for _, p := range parts {
		_, _ = hasher.Write([]byte(p))
		_, _ = hasher.Write([]byte{0})
	}
	return int64(hasher.Sum64())
}
