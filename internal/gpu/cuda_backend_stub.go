//go:build !cuda
// +build !cuda

package gpu

import "go.uber.org/zap"

// CUDABackend is a stub type when CUDA is not available
type CUDABackend struct {
	logger *zap.Logger
}

// NewCUDABackend returns a backend that reports itself unavailable.
func NewCUDABackend(logger *zap.Logger, streams int) *CUDABackend {
	return &CUDABackend{logger: logger}
}

func (c *CUDABackend) Name() string {
	return "cuda"
}

func (c *CUDABackend) GetDeviceInfo() DeviceInfo {
	return DeviceInfo{Name: "CUDA not available", Backend: "cuda"}
}

func (c *CUDABackend) IsAvailable() bool {
	return false
}

func (c *CUDABackend) Initialize() error {
	return ErrBackendUnavailable
}

func (c *CUDABackend) Cleanup() error {
	return nil
}

func (c *CUDABackend) NewBLASHandle(StreamKey) (BLASHandle, error) {
	return nil, ErrBackendUnavailable
}

func (c *CUDABackend) NewSolverHandle(StreamKey) (SolverHandle, error) {
	return nil, ErrBackendUnavailable
}

func (c *CUDABackend) NewFFTHandle(PlanKey) (FFTHandle, error) {
	return nil, ErrBackendUnavailable
}
