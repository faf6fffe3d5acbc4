//go:build !cuda
// +build !cuda

package gpu

import "go.uber.org/zap"

// NewBackend creates an appropriate backend based on available hardware.
// Without GPU support, it will always return the CPU backend.
func NewBackend(logger *zap.Logger, streams int) Backend {
	logger.Info("Using CPU backend (compiled without GPU support)")
	return NewCPUBackend(logger.Named("cpu"), streams)
}
