//go:build cuda
// +build cuda

package gpu

import "go.uber.org/zap"

// NewBackend creates an appropriate backend based on available hardware.
// It will try CUDA first, then fall back to CPU. Either backend owns
// streams streams per device.
func NewBackend(logger *zap.Logger, streams int) Backend {
	cudaBackend := NewCUDABackend(logger.Named("cuda"), streams)
	if cudaBackend.IsAvailable() {
		logger.Info("Using CUDA GPU backend")
		return cudaBackend
	}

	logger.Info("Using CPU backend (no GPU available)")
	return NewCPUBackend(logger.Named("cpu"), streams)
}
