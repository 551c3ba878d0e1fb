package models

import "errors"

// Sentinel errors shared by every cache component. Callers match them with
// errors.Is; components wrap them with context.
var (
	// ErrInvalidParameter means the request is malformed. It is rejected before any I/O.
	ErrInvalidParameter = errors.New("reportcache: invalid parameter")

	// ErrComputationFailed means the external computation or decomposition failed.
	ErrComputationFailed = errors.New("reportcache: computation failed")

	// ErrComputationTimeout means the external computation exceeded its deadline.
	ErrComputationTimeout = errors.New("reportcache: computation timed out")

	// ErrStorageUnavailable means the persistence layer could not be reached.
	ErrStorageUnavailable = errors.New("reportcache: storage unavailable")

	// ErrSerialization means a single section payload could not be persisted.
	ErrSerialization = errors.New("reportcache: section serialization failed")

	// ErrNotFound means an indexed result has no stored sections.
	ErrNotFound = errors.New("reportcache: not found")
)
