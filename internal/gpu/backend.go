package gpu

import "fmt"

// DeviceInfo contains information about the compute device behind a backend
type DeviceInfo struct {
	Name              string   `json:"name"`
	Backend           string   `json:"backend"`
	TotalMemory       int64    `json:"totalMemory"`     // in bytes
	AvailableMemory   int64    `json:"availableMemory"` // in bytes
	ComputeCapability string   `json:"computeCapability"`
	DriverVersion     string   `json:"driverVersion"`
	CUDAVersion       string   `json:"cudaVersion,omitempty"`
	DeviceCount       int      `json:"deviceCount"`
	Features          []string `json:"features,omitempty"`
}

// Library names a kind of pooled library handle.
type Library string

const (
	LibraryBLAS   Library = "blas"
	LibrarySolver Library = "solver"
	LibraryFFT    Library = "fft"
)

// StreamKey identifies the execution context a handle is bound to: a device
// ordinal and the index of one of the streams the backend owns on that
// device. Valid indices are 0 to the backend's stream count minus one.
type StreamKey struct {
	Device int `json:"device"`
	Stream int `json:"stream"`
}

func (k StreamKey) String() string {
	return fmt.Sprintf("device=%d/stream=%d", k.Device, k.Stream)
}

// checkStream rejects stream indices outside [0, streams).
func checkStream(key StreamKey, streams int) error {
	if key.Stream < 0 || key.Stream >= streams {
		return fmt.Errorf("%w: stream %d out of range (have %d)", ErrInvalidDimensions, key.Stream, streams)
	}
	return nil
}

// PlanKey identifies an FFT plan. Plans are specific to a transform size,
// so two sizes on the same stream never share a plan.
type PlanKey struct {
	StreamKey
	Size int `json:"size"`
}

func (k PlanKey) String() string {
	return fmt.Sprintf("%s/n=%d", k.StreamKey, k.Size)
}

// Handle is a library context bound to one stream. A handle is used by one
// kernel launch at a time; the Manager's pools enforce that.
type Handle interface {
	Stream() StreamKey
	Close() error
}

// BLASHandle wraps a BLAS context (cuBLAS handle or its CPU counterpart).
type BLASHandle interface {
	Handle
	// Gemm computes C = A * B for row-major A (m×k) and B (k×n).
	Gemm(a, b []float32, m, k, n int) ([]float32, error)
}

// SolverHandle wraps a dense solver context (cuSOLVER or LAPACK).
type SolverHandle interface {
	Handle
	// Solve solves A * X = B by LU factorization with partial pivoting.
	// A is row-major n×n and B row-major n×nrhs; X is returned row-major.
	Solve(a, b []float64, n, nrhs int) ([]float64, error)
}

// FFTHandle wraps a size-specific real FFT plan.
type FFTHandle interface {
	Handle
	Size() int
	// Forward returns the n/2+1 non-redundant coefficients of a real signal.
	Forward(x []float64) ([]complex128, error)
	// Inverse reconstructs the real signal from n/2+1 coefficients. The
	// result is normalized so that Inverse(Forward(x)) == x.
	Inverse(c []complex128) ([]float64, error)
}

// Backend defines the interface for compute backends.
// A backend knows how to build library handles for a stream; pooling and
// reuse of those handles is the Manager's job.
//
// Implementation notes:
// - Handle constructors may be slow and are called without pool locks held
// - Handle constructors must be safe for concurrent use
// - Cleanup is called only after every pooled handle has been closed
type Backend interface {
	// Name returns the backend type, e.g. "cpu" or "cuda".
	Name() string

	// IsAvailable performs a quick check without heavy initialization.
	IsAvailable() bool

	// Initialize prepares the backend for use. Should be called once
	// before the first handle is created.
	Initialize() error

	// Cleanup releases backend-wide resources.
	Cleanup() error

	// GetDeviceInfo returns information about the primary device.
	GetDeviceInfo() DeviceInfo

	NewBLASHandle(key StreamKey) (BLASHandle, error)
	NewSolverHandle(key StreamKey) (SolverHandle, error)
	NewFFTHandle(key PlanKey) (FFTHandle, error)
}

func checkGemmDims(a, b []float32, m, k, n int) error {
	if m < 0 || k < 0 || n < 0 {
		return fmt.Errorf("%w: negative dimension (m=%d, k=%d, n=%d)", ErrInvalidDimensions, m, k, n)
	}
	if len(a) != m*k {
		return fmt.Errorf("%w: matrix A expected %d elements, got %d", ErrLengthMismatch, m*k, len(a))
	}
	if len(b) != k*n {
		return fmt.Errorf("%w: matrix B expected %d elements, got %d", ErrLengthMismatch, k*n, len(b))
	}
	return nil
}

func checkSolveDims(a, b []float64, n, nrhs int) error {
	if n < 1 || nrhs < 1 {
		return fmt.Errorf("%w: n=%d, nrhs=%d", ErrInvalidDimensions, n, nrhs)
	}
	if len(a) != n*n {
		return fmt.Errorf("%w: matrix A expected %d elements, got %d", ErrLengthMismatch, n*n, len(a))
	}
	if len(b) != n*nrhs {
		return fmt.Errorf("%w: matrix B expected %d elements, got %d", ErrLengthMismatch, n*nrhs, len(b))
	}
	return nil
}
