package gpu

import (
	"fmt"
	"runtime"
	"sort"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sys/cpu"
)

// CPUBackend implements Backend on the host with gonum kernels. It is the
// fallback when no GPU backend is compiled in or available.
type CPUBackend struct {
	logger      *zap.Logger
	streams     int
	initialized atomic.Bool
}

// NewCPUBackend creates a new CPU backend instance. The host has no device
// queues, so streams only bounds the stream indices handles accept.
func NewCPUBackend(logger *zap.Logger, streams int) *CPUBackend {
	return &CPUBackend{
		logger:  logger,
		streams: streams,
	}
}

// Name returns "cpu".
func (c *CPUBackend) Name() string {
	return "cpu"
}

// Initialize prepares the CPU backend for use
func (c *CPUBackend) Initialize() error {
	if c.initialized.Swap(true) {
		return nil
	}
	c.logger.Info("CPU backend initialized",
		zap.String("arch", runtime.GOARCH),
		zap.Int("cpus", runtime.NumCPU()),
		zap.Int("streams", c.streams),
		zap.Strings("features", cpuFeatures()))
	return nil
}

// Cleanup marks the backend unusable for new handles. Existing handles
// keep working until they are closed.
func (c *CPUBackend) Cleanup() error {
	c.initialized.Store(false)
	return nil
}

// IsAvailable checks if the backend is available (always true for CPU)
func (c *CPUBackend) IsAvailable() bool {
	return true
}

// GetDeviceInfo returns device information for CPU
func (c *CPUBackend) GetDeviceInfo() DeviceInfo {
	total, available := systemMemory()
	return DeviceInfo{
		Name:              fmt.Sprintf("CPU (%s)", runtime.GOARCH),
		Backend:           c.Name(),
		TotalMemory:       total,
		AvailableMemory:   available,
		ComputeCapability: "N/A",
		DriverVersion:     runtime.Version(),
		DeviceCount:       1,
		Features:          cpuFeatures(),
	}
}

// NewBLASHandle creates a BLAS context for key.
func (c *CPUBackend) NewBLASHandle(key StreamKey) (BLASHandle, error) {
	if err := c.checkHandleKey(key); err != nil {
		return nil, err
	}
	return &cpuBLASHandle{stream: key}, nil
}

// NewSolverHandle creates a dense solver context for key.
func (c *CPUBackend) NewSolverHandle(key StreamKey) (SolverHandle, error) {
	if err := c.checkHandleKey(key); err != nil {
		return nil, err
	}
	return &cpuSolverHandle{stream: key}, nil
}

// NewFFTHandle precomputes a real FFT plan of size key.Size.
func (c *CPUBackend) NewFFTHandle(key PlanKey) (FFTHandle, error) {
	if err := c.checkHandleKey(key.StreamKey); err != nil {
		return nil, err
	}
	if key.Size < 1 {
		return nil, fmt.Errorf("%w: FFT size %d", ErrInvalidDimensions, key.Size)
	}
	c.logger.Debug("Planning FFT", zap.Stringer("key", key))
	return newCPUFFTHandle(key), nil
}

func (c *CPUBackend) checkHandleKey(key StreamKey) error {
	if !c.initialized.Load() {
		return ErrNotInitialized
	}
	// The host is a single device.
	if key.Device != 0 {
		return fmt.Errorf("%w: CPU backend has no device %d", ErrBackendUnavailable, key.Device)
	}
	return checkStream(key, c.streams)
}

// cpuFeatures lists the SIMD extensions gonum's assembly kernels can use.
func cpuFeatures() []string {
	var features []string
	switch runtime.GOARCH {
	case "amd64", "386":
		for name, ok := range map[string]bool{
			"sse4.2":   cpu.X86.HasSSE42,
			"avx":      cpu.X86.HasAVX,
			"avx2":     cpu.X86.HasAVX2,
			"fma":      cpu.X86.HasFMA,
			"avx512f":  cpu.X86.HasAVX512F,
			"avx512bw": cpu.X86.HasAVX512BW,
		} {
			if ok {
				features = append(features, name)
			}
		}
	case "arm64":
		for name, ok := range map[string]bool{
			"asimd":   cpu.ARM64.HasASIMD,
			"fp":      cpu.ARM64.HasFP,
			"sve":     cpu.ARM64.HasSVE,
			"asimddp": cpu.ARM64.HasASIMDDP,
		} {
			if ok {
				features = append(features, name)
			}
		}
	}
	sort.Strings(features)
	return features
}
