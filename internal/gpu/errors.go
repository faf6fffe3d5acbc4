package gpu

import "errors"

// Sentinel errors returned by backends and the Manager.
var (
	// ErrBackendUnavailable is returned when the requested backend cannot
	// be used on this machine or build.
	ErrBackendUnavailable = errors.New("gpu: backend not available")

	// ErrNotInitialized is returned when a handle is requested from a
	// backend that has not been initialized or was cleaned up.
	ErrNotInitialized = errors.New("gpu: backend not initialized")

	// ErrHandleClosed is returned when a kernel is launched on a closed handle.
	ErrHandleClosed = errors.New("gpu: handle is closed")

	// ErrInvalidDimensions is returned for negative or zero sizes where a
	// positive size is required.
	ErrInvalidDimensions = errors.New("gpu: invalid dimensions")

	// ErrLengthMismatch is returned when a buffer does not match the
	// dimensions of the operation.
	ErrLengthMismatch = errors.New("gpu: buffer length mismatch")

	// ErrSingularMatrix is returned by Solve when the matrix is exactly
	// singular.
	ErrSingularMatrix = errors.New("gpu: matrix is singular")
)
