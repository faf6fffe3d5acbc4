package gpu

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fxnlabs/handlepool/internal/config"
	"github.com/fxnlabs/handlepool/internal/handlepool"
	"github.com/fxnlabs/handlepool/internal/metrics"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Manager handles backend selection and owns one handle pool per library.
// Every kernel launch borrows a handle for its stream and returns it when
// the launch completes, whatever the outcome.
type Manager struct {
	backend Backend
	logger  *zap.Logger
	streams int

	blas   *handlepool.Pool[StreamKey, BLASHandle]
	solver *handlepool.Pool[StreamKey, SolverHandle]
	fft    *handlepool.Pool[PlanKey, FFTHandle]

	cleanupOnce sync.Once
	cleanupErr  error
}

// NewManager creates a new manager and selects a backend according to
// cfg.Backend.Preferred.
func NewManager(cfg *config.Config, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{logger: logger, streams: cfg.Backend.Streams}

	backend, err := m.selectBackend(cfg.Backend.Preferred)
	if err != nil {
		return nil, err
	}
	m.backend = backend
	m.initPools(cfg)
	return m, nil
}

// NewManagerWithBackend creates a manager around an already constructed
// backend, initializing it first. The backend must own at least
// cfg.Backend.Streams streams per device.
func NewManagerWithBackend(backend Backend, cfg *config.Config, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := backend.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize %s backend: %w", backend.Name(), err)
	}
	m := &Manager{backend: backend, logger: logger, streams: cfg.Backend.Streams}
	m.initPools(cfg)
	return m, nil
}

func (m *Manager) selectBackend(preferred string) (Backend, error) {
	switch preferred {
	case "cpu":
		return m.initCPU()
	case "cuda":
		cudaBackend := m.tryCreateCUDABackend()
		if cudaBackend == nil || !cudaBackend.IsAvailable() {
			return nil, fmt.Errorf("%w: cuda requested but not available in this build or machine", ErrBackendUnavailable)
		}
		if err := cudaBackend.Initialize(); err != nil {
			_ = cudaBackend.Cleanup()
			return nil, fmt.Errorf("failed to initialize CUDA backend: %w", err)
		}
		return cudaBackend, nil
	case "auto", "":
		backend := NewBackend(m.logger, m.streams)
		err := backend.Initialize()
		if err == nil {
			return backend, nil
		}
		_ = backend.Cleanup()
		if backend.Name() == "cpu" {
			return nil, fmt.Errorf("failed to initialize CPU backend: %w", err)
		}
		m.logger.Warn("GPU backend failed to initialize, falling back to CPU",
			zap.String("backend", backend.Name()), zap.Error(err))
		return m.initCPU()
	default:
		return nil, fmt.Errorf("unknown backend preference %q", preferred)
	}
}

func (m *Manager) initCPU() (Backend, error) {
	cpuBackend := NewCPUBackend(m.logger.Named("cpu"), m.streams)
	if err := cpuBackend.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize CPU backend: %w", err)
	}
	return cpuBackend, nil
}

func (m *Manager) initPools(cfg *config.Config) {
	m.blas = handlepool.New[StreamKey, BLASHandle](string(LibraryBLAS),
		func(h BLASHandle) error { return h.Close() },
		poolOptions[StreamKey](LibraryBLAS, cfg.Pools.BLAS, m.logger)...)
	m.solver = handlepool.New[StreamKey, SolverHandle](string(LibrarySolver),
		func(h SolverHandle) error { return h.Close() },
		poolOptions[StreamKey](LibrarySolver, cfg.Pools.Solver, m.logger)...)
	m.fft = handlepool.New[PlanKey, FFTHandle](string(LibraryFFT),
		func(h FFTHandle) error { return h.Close() },
		poolOptions[PlanKey](LibraryFFT, cfg.Pools.FFT, m.logger)...)

	m.logger.Info("Handle pools ready",
		zap.String("backend", m.backend.Name()),
		zap.Int("streams", m.streams),
		zap.Int("blas_max_idle", cfg.Pools.BLAS.MaxIdlePerKey),
		zap.Int("solver_max_idle", cfg.Pools.Solver.MaxIdlePerKey),
		zap.Duration("fft_idle_ttl", cfg.Pools.FFT.IdleTTL))
}

func poolOptions[K comparable](lib Library, pc config.PoolConfig, logger *zap.Logger) []handlepool.Option[K] {
	name := string(lib)
	opts := []handlepool.Option[K]{
		handlepool.WithLogger[K](logger.Named("pool." + name)),
		handlepool.WithConstructHook(func(_ K, d time.Duration, err error) {
			metrics.HandleConstructionSeconds.WithLabelValues(name).Observe(d.Seconds())
			if err != nil {
				metrics.HandleConstructionFailures.WithLabelValues(name).Inc()
			}
		}),
		handlepool.WithDestroyHook(func(_ K, err error) {
			if err != nil {
				metrics.HandleDestroyFailures.WithLabelValues(name).Inc()
			}
		}),
	}
	if pc.MaxIdlePerKey > 0 {
		opts = append(opts, handlepool.WithMaxIdlePerKey[K](pc.MaxIdlePerKey))
	}
	if pc.IdleTTL > 0 {
		opts = append(opts, handlepool.WithIdleTTL[K](pc.IdleTTL, pc.SweepInterval))
	}
	return opts
}

// GetBackend returns the current backend
func (m *Manager) GetBackend() Backend {
	return m.backend
}

// Streams returns the number of stream indices kernels may be launched on.
func (m *Manager) Streams() int {
	return m.streams
}

// MatrixMultiply computes C = A * B (row-major, A rows×inner, B inner×cols)
// on the BLAS handle pooled for key.
func (m *Manager) MatrixMultiply(key StreamKey, a, b []float32, rows, inner, cols int) ([]float32, error) {
	if err := checkStream(key, m.streams); err != nil {
		return nil, err
	}
	var result []float32
	start := time.Now()
	err := m.launch(LibraryBLAS, func() error {
		return m.blas.Do(key, func() (BLASHandle, error) {
			return m.backend.NewBLASHandle(key)
		}, func(h BLASHandle) error {
			var err error
			result, err = h.Gemm(a, b, rows, inner, cols)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	if elapsed := time.Since(start).Seconds(); elapsed > 0 {
		metrics.GemmGFLOPS.Set(2 * float64(rows) * float64(inner) * float64(cols) / elapsed / 1e9)
	}
	return result, nil
}

// Solve solves A * X = B (row-major, A n×n, B n×nrhs) on the solver handle
// pooled for key.
func (m *Manager) Solve(key StreamKey, a, b []float64, n, nrhs int) ([]float64, error) {
	if err := checkStream(key, m.streams); err != nil {
		return nil, err
	}
	var x []float64
	err := m.launch(LibrarySolver, func() error {
		return m.solver.Do(key, func() (SolverHandle, error) {
			return m.backend.NewSolverHandle(key)
		}, func(h SolverHandle) error {
			var err error
			x, err = h.Solve(a, b, n, nrhs)
			return err
		})
	})
	return x, err
}

// RFFT returns the len(x)/2+1 non-redundant coefficients of the real signal
// x, using the plan pooled for key and len(x).
func (m *Manager) RFFT(key StreamKey, x []float64) ([]complex128, error) {
	if err := checkStream(key, m.streams); err != nil {
		return nil, err
	}
	if len(x) == 0 {
		return nil, fmt.Errorf("%w: empty signal", ErrInvalidDimensions)
	}
	plan := PlanKey{StreamKey: key, Size: len(x)}
	var coeff []complex128
	err := m.launch(LibraryFFT, func() error {
		return m.fft.Do(plan, func() (FFTHandle, error) {
			return m.backend.NewFFTHandle(plan)
		}, func(h FFTHandle) error {
			var err error
			coeff, err = h.Forward(x)
			return err
		})
	})
	return coeff, err
}

// IRFFT reconstructs a real signal of length n from its n/2+1 coefficients.
func (m *Manager) IRFFT(key StreamKey, c []complex128, n int) ([]float64, error) {
	if err := checkStream(key, m.streams); err != nil {
		return nil, err
	}
	if n < 1 {
		return nil, fmt.Errorf("%w: signal length %d", ErrInvalidDimensions, n)
	}
	if len(c) != n/2+1 {
		return nil, fmt.Errorf("%w: signal length %d needs %d coefficients, got %d", ErrLengthMismatch, n, n/2+1, len(c))
	}
	plan := PlanKey{StreamKey: key, Size: n}
	var x []float64
	err := m.launch(LibraryFFT, func() error {
		return m.fft.Do(plan, func() (FFTHandle, error) {
			return m.backend.NewFFTHandle(plan)
		}, func(h FFTHandle) error {
			var err error
			x, err = h.Inverse(c)
			return err
		})
	})
	return x, err
}

func (m *Manager) launch(lib Library, run func() error) error {
	backend := m.backend.Name()
	start := time.Now()
	err := run()
	metrics.KernelDuration.WithLabelValues(string(lib), backend).Observe(float64(time.Since(start).Microseconds()) / 1000)

	outcome := "ok"
	var cerr *handlepool.ConstructionError
	switch {
	case err == nil:
	case errors.Is(err, handlepool.ErrPoolClosed):
		outcome = "closed"
	case errors.As(err, &cerr):
		outcome = "handle_error"
	default:
		outcome = "kernel_error"
	}
	metrics.KernelLaunches.WithLabelValues(string(lib), backend, outcome).Inc()
	return err
}

// GetDeviceInfo returns device information from the current backend
func (m *Manager) GetDeviceInfo() DeviceInfo {
	info := m.backend.GetDeviceInfo()
	if info.TotalMemory > 0 {
		metrics.DeviceMemoryUsedBytes.Set(float64(info.TotalMemory - info.AvailableMemory))
	}
	return info
}

// IsGPUAvailable returns true if a GPU backend is active
func (m *Manager) IsGPUAvailable() bool {
	return m.backend.Name() != "cpu"
}

// GetBackendType returns a string describing the current backend type
func (m *Manager) GetBackendType() string {
	return m.backend.Name()
}

// Stats returns a snapshot of each handle pool keyed by library name.
func (m *Manager) Stats() map[string]handlepool.Stats {
	return map[string]handlepool.Stats{
		string(LibraryBLAS):   m.blas.Stats(),
		string(LibrarySolver): m.solver.Stats(),
		string(LibraryFFT):    m.fft.Stats(),
	}
}

// Sweep evicts expired idle handles from every pool and returns how many
// were destroyed.
func (m *Manager) Sweep() int {
	return m.blas.Sweep() + m.solver.Sweep() + m.fft.Sweep()
}

// Cleanup closes the pools, waiting for in-flight kernels until ctx is
// done, and then releases the backend. If ctx ends first the backend is
// left alone, since running kernels still use its streams. Later calls
// return the first result.
func (m *Manager) Cleanup(ctx context.Context) error {
	m.cleanupOnce.Do(func() {
		var err error
		err = multierr.Append(err, m.blas.Close(ctx))
		err = multierr.Append(err, m.solver.Close(ctx))
		err = multierr.Append(err, m.fft.Close(ctx))
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			m.logger.Warn("Kernels still running, skipping backend cleanup",
				zap.String("backend", m.backend.Name()))
		} else {
			err = multierr.Append(err, m.backend.Cleanup())
		}
		m.cleanupErr = err
		m.logger.Info("Manager cleaned up", zap.Error(err))
	})
	return m.cleanupErr
}
