//go:build cuda
// +build cuda

package gpu

// tryCreateCUDABackend attempts to create a CUDA backend when cuda build tag is present
func (m *Manager) tryCreateCUDABackend() Backend {
	return NewCUDABackend(m.logger.Named("cuda"), m.streams)
}
