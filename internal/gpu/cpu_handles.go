package gpu

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/mat"
)

type cpuBLASHandle struct {
	stream StreamKey
	closed atomic.Bool
}

func (h *cpuBLASHandle) Stream() StreamKey { return h.stream }

func (h *cpuBLASHandle) Close() error {
	if h.closed.Swap(true) {
		return ErrHandleClosed
	}
	return nil
}

// Gemm performs C = A * B with the gonum single-precision BLAS.
func (h *cpuBLASHandle) Gemm(a, b []float32, m, k, n int) ([]float32, error) {
	if h.closed.Load() {
		return nil, ErrHandleClosed
	}
	if err := checkGemmDims(a, b, m, k, n); err != nil {
		return nil, err
	}

	result := make([]float32, m*n)
	if m == 0 || k == 0 || n == 0 {
		return result, nil
	}

	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
		blas32.General{Rows: m, Cols: k, Stride: k, Data: a},
		blas32.General{Rows: k, Cols: n, Stride: n, Data: b},
		0,
		blas32.General{Rows: m, Cols: n, Stride: n, Data: result},
	)
	return result, nil
}

// cpuSolverHandle keeps the LU factorization storage between launches.
type cpuSolverHandle struct {
	stream StreamKey
	lu     mat.LU
	closed atomic.Bool
}

func (h *cpuSolverHandle) Stream() StreamKey { return h.stream }

func (h *cpuSolverHandle) Close() error {
	if h.closed.Swap(true) {
		return ErrHandleClosed
	}
	h.lu = mat.LU{}
	return nil
}

func (h *cpuSolverHandle) Solve(a, b []float64, n, nrhs int) ([]float64, error) {
	if h.closed.Load() {
		return nil, ErrHandleClosed
	}
	if err := checkSolveDims(a, b, n, nrhs); err != nil {
		return nil, err
	}

	h.lu.Factorize(mat.NewDense(n, n, a))
	// An exactly zero pivot makes log|det| -Inf.
	if logDet, _ := h.lu.LogDet(); math.IsInf(logDet, -1) || math.IsNaN(logDet) {
		return nil, ErrSingularMatrix
	}

	x := make([]float64, n*nrhs)
	err := h.lu.SolveTo(mat.NewDense(n, nrhs, x), false, mat.NewDense(n, nrhs, b))
	if err != nil {
		// An ill-conditioned system still has a solution; report only
		// genuine failures.
		var cond mat.Condition
		switch {
		case errors.Is(err, mat.ErrSingular):
			return nil, ErrSingularMatrix
		case !errors.As(err, &cond):
			return nil, fmt.Errorf("LU solve: %w", err)
		}
	}
	return x, nil
}

// cpuFFTHandle holds precomputed twiddle factors for one transform size.
type cpuFFTHandle struct {
	key    PlanKey
	plan   *fourier.FFT
	closed atomic.Bool
}

func newCPUFFTHandle(key PlanKey) *cpuFFTHandle {
	return &cpuFFTHandle{key: key, plan: fourier.NewFFT(key.Size)}
}

func (h *cpuFFTHandle) Stream() StreamKey { return h.key.StreamKey }

func (h *cpuFFTHandle) Size() int { return h.key.Size }

func (h *cpuFFTHandle) Close() error {
	if h.closed.Swap(true) {
		return ErrHandleClosed
	}
	h.plan = nil
	return nil
}

func (h *cpuFFTHandle) Forward(x []float64) ([]complex128, error) {
	if h.closed.Load() {
		return nil, ErrHandleClosed
	}
	if len(x) != h.key.Size {
		return nil, fmt.Errorf("%w: FFT plan of size %d got %d samples", ErrLengthMismatch, h.key.Size, len(x))
	}
	return h.plan.Coefficients(nil, x), nil
}

func (h *cpuFFTHandle) Inverse(c []complex128) ([]float64, error) {
	if h.closed.Load() {
		return nil, ErrHandleClosed
	}
	if want := h.key.Size/2 + 1; len(c) != want {
		return nil, fmt.Errorf("%w: FFT plan of size %d expects %d coefficients, got %d", ErrLengthMismatch, h.key.Size, want, len(c))
	}
	seq := h.plan.Sequence(nil, c)
	scale := 1 / float64(h.key.Size)
	for i := range seq {
		seq[i] *= scale
	}
	return seq, nil
}
