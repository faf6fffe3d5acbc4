//go:build cuda
// +build cuda

package gpu

/*
#cgo LDFLAGS: -lcudart -lcublas -lcusolver -lcufft
#include <cuda_runtime.h>
#include <cublas_v2.h>
#include <cusolverDn.h>
#include <cufft.h>
#include <stdio.h>
#include <stdlib.h>

typedef struct {
	char name[256];
	size_t total_memory;
	size_t free_memory;
	int major;
	int minor;
	int driver_version;
	int runtime_version;
	int device_count;
} hp_device_info;

static const char* hp_cuda_err(cudaError_t e) { return cudaGetErrorString(e); }

static const char* hp_device_info_get(int device, hp_device_info* info) {
	cudaError_t ce = cudaGetDeviceCount(&info->device_count);
	if (ce != cudaSuccess) return hp_cuda_err(ce);
	if (info->device_count == 0) return "no CUDA device";
	ce = cudaSetDevice(device);
	if (ce != cudaSuccess) return hp_cuda_err(ce);
	struct cudaDeviceProp prop;
	ce = cudaGetDeviceProperties(&prop, device);
	if (ce != cudaSuccess) return hp_cuda_err(ce);
	snprintf(info->name, sizeof(info->name), "%s", prop.name);
	info->major = prop.major;
	info->minor = prop.minor;
	ce = cudaMemGetInfo(&info->free_memory, &info->total_memory);
	if (ce != cudaSuccess) return hp_cuda_err(ce);
	cudaDriverGetVersion(&info->driver_version);
	cudaRuntimeGetVersion(&info->runtime_version);
	return NULL;
}

static const char* hp_stream_create(int device, cudaStream_t* s) {
	cudaError_t ce = cudaSetDevice(device);
	if (ce != cudaSuccess) return hp_cuda_err(ce);
	ce = cudaStreamCreateWithFlags(s, cudaStreamNonBlocking);
	if (ce != cudaSuccess) return hp_cuda_err(ce);
	return NULL;
}

static const char* hp_stream_destroy(int device, cudaStream_t s) {
	cudaError_t ce = cudaSetDevice(device);
	if (ce != cudaSuccess) return hp_cuda_err(ce);
	ce = cudaStreamDestroy(s);
	if (ce != cudaSuccess) return hp_cuda_err(ce);
	return NULL;
}

static const char* hp_blas_create(int device, cudaStream_t stream, cublasHandle_t* h) {
	cudaError_t ce = cudaSetDevice(device);
	if (ce != cudaSuccess) return hp_cuda_err(ce);
	if (cublasCreate(h) != CUBLAS_STATUS_SUCCESS) return "cublasCreate failed";
	if (cublasSetStream(*h, stream) != CUBLAS_STATUS_SUCCESS) {
		cublasDestroy(*h);
		return "cublasSetStream failed";
	}
	return NULL;
}

static const char* hp_blas_destroy(cublasHandle_t h) {
	if (cublasDestroy(h) != CUBLAS_STATUS_SUCCESS) return "cublasDestroy failed";
	return NULL;
}

// Row-major C = A*B computed as column-major C^T = B^T * A^T.
static const char* hp_sgemm(cublasHandle_t h, int device, cudaStream_t s,
		const float* a, const float* b, float* c, int m, int k, int n) {
	size_t asz = (size_t)m * k * sizeof(float);
	size_t bsz = (size_t)k * n * sizeof(float);
	size_t csz = (size_t)m * n * sizeof(float);
	float *da = NULL, *db = NULL, *dc = NULL;
	const char* err = NULL;
	cudaError_t ce = cudaSetDevice(device);
	if (ce != cudaSuccess) return hp_cuda_err(ce);
	if ((ce = cudaMalloc((void**)&da, asz)) != cudaSuccess) { err = hp_cuda_err(ce); goto done; }
	if ((ce = cudaMalloc((void**)&db, bsz)) != cudaSuccess) { err = hp_cuda_err(ce); goto done; }
	if ((ce = cudaMalloc((void**)&dc, csz)) != cudaSuccess) { err = hp_cuda_err(ce); goto done; }
	if ((ce = cudaMemcpyAsync(da, a, asz, cudaMemcpyHostToDevice, s)) != cudaSuccess) { err = hp_cuda_err(ce); goto done; }
	if ((ce = cudaMemcpyAsync(db, b, bsz, cudaMemcpyHostToDevice, s)) != cudaSuccess) { err = hp_cuda_err(ce); goto done; }
	const float alpha = 1.0f, beta = 0.0f;
	if (cublasSgemm(h, CUBLAS_OP_N, CUBLAS_OP_N, n, m, k, &alpha, db, n, da, k, &beta, dc, n) != CUBLAS_STATUS_SUCCESS) {
		err = "cublasSgemm failed";
		goto done;
	}
	if ((ce = cudaMemcpyAsync(c, dc, csz, cudaMemcpyDeviceToHost, s)) != cudaSuccess) { err = hp_cuda_err(ce); goto done; }
	if ((ce = cudaStreamSynchronize(s)) != cudaSuccess) { err = hp_cuda_err(ce); goto done; }
done:
	cudaFree(da);
	cudaFree(db);
	cudaFree(dc);
	return err;
}

static const char* hp_solver_create(int device, cudaStream_t stream, cusolverDnHandle_t* h) {
	cudaError_t ce = cudaSetDevice(device);
	if (ce != cudaSuccess) return hp_cuda_err(ce);
	if (cusolverDnCreate(h) != CUSOLVER_STATUS_SUCCESS) return "cusolverDnCreate failed";
	if (cusolverDnSetStream(*h, stream) != CUSOLVER_STATUS_SUCCESS) {
		cusolverDnDestroy(*h);
		return "cusolverDnSetStream failed";
	}
	return NULL;
}

static const char* hp_solver_destroy(cusolverDnHandle_t h) {
	if (cusolverDnDestroy(h) != CUSOLVER_STATUS_SUCCESS) return "cusolverDnDestroy failed";
	return NULL;
}

// a holds A^T in column-major order (row-major A), b holds B column-major.
// On return b holds X column-major and *info the getrf info code.
static const char* hp_dgesv(cusolverDnHandle_t h, int device, cudaStream_t s,
		const double* a, double* b, int n, int nrhs, int* info) {
	size_t asz = (size_t)n * n * sizeof(double);
	size_t bsz = (size_t)n * nrhs * sizeof(double);
	double *da = NULL, *db = NULL, *dwork = NULL;
	int *dpiv = NULL, *dinfo = NULL;
	int lwork = 0;
	const char* err = NULL;
	cudaError_t ce = cudaSetDevice(device);
	if (ce != cudaSuccess) return hp_cuda_err(ce);
	if ((ce = cudaMalloc((void**)&da, asz)) != cudaSuccess) { err = hp_cuda_err(ce); goto done; }
	if ((ce = cudaMalloc((void**)&db, bsz)) != cudaSuccess) { err = hp_cuda_err(ce); goto done; }
	if ((ce = cudaMalloc((void**)&dpiv, n * sizeof(int))) != cudaSuccess) { err = hp_cuda_err(ce); goto done; }
	if ((ce = cudaMalloc((void**)&dinfo, sizeof(int))) != cudaSuccess) { err = hp_cuda_err(ce); goto done; }
	if ((ce = cudaMemcpyAsync(da, a, asz, cudaMemcpyHostToDevice, s)) != cudaSuccess) { err = hp_cuda_err(ce); goto done; }
	if ((ce = cudaMemcpyAsync(db, b, bsz, cudaMemcpyHostToDevice, s)) != cudaSuccess) { err = hp_cuda_err(ce); goto done; }
	if (cusolverDnDgetrf_bufferSize(h, n, n, da, n, &lwork) != CUSOLVER_STATUS_SUCCESS) { err = "cusolverDnDgetrf_bufferSize failed"; goto done; }
	if ((ce = cudaMalloc((void**)&dwork, (size_t)lwork * sizeof(double))) != cudaSuccess) { err = hp_cuda_err(ce); goto done; }
	if (cusolverDnDgetrf(h, n, n, da, n, dwork, dpiv, dinfo) != CUSOLVER_STATUS_SUCCESS) { err = "cusolverDnDgetrf failed"; goto done; }
	if ((ce = cudaMemcpyAsync(info, dinfo, sizeof(int), cudaMemcpyDeviceToHost, s)) != cudaSuccess) { err = hp_cuda_err(ce); goto done; }
	if ((ce = cudaStreamSynchronize(s)) != cudaSuccess) { err = hp_cuda_err(ce); goto done; }
	if (*info != 0) goto done;
	if (cusolverDnDgetrs(h, CUBLAS_OP_T, n, nrhs, da, n, dpiv, db, n, dinfo) != CUSOLVER_STATUS_SUCCESS) { err = "cusolverDnDgetrs failed"; goto done; }
	if ((ce = cudaMemcpyAsync(b, db, bsz, cudaMemcpyDeviceToHost, s)) != cudaSuccess) { err = hp_cuda_err(ce); goto done; }
	if ((ce = cudaStreamSynchronize(s)) != cudaSuccess) { err = hp_cuda_err(ce); goto done; }
done:
	cudaFree(da);
	cudaFree(db);
	cudaFree(dwork);
	cudaFree(dpiv);
	cudaFree(dinfo);
	return err;
}

typedef struct {
	cufftHandle forward;
	cufftHandle inverse;
} hp_fft_plan;

static const char* hp_fft_create(int device, cudaStream_t stream, int n, hp_fft_plan* p) {
	cudaError_t ce = cudaSetDevice(device);
	if (ce != cudaSuccess) return hp_cuda_err(ce);
	if (cufftPlan1d(&p->forward, n, CUFFT_D2Z, 1) != CUFFT_SUCCESS) return "cufftPlan1d D2Z failed";
	if (cufftPlan1d(&p->inverse, n, CUFFT_Z2D, 1) != CUFFT_SUCCESS) {
		cufftDestroy(p->forward);
		return "cufftPlan1d Z2D failed";
	}
	if (cufftSetStream(p->forward, stream) != CUFFT_SUCCESS ||
		cufftSetStream(p->inverse, stream) != CUFFT_SUCCESS) {
		cufftDestroy(p->forward);
		cufftDestroy(p->inverse);
		return "cufftSetStream failed";
	}
	return NULL;
}

static const char* hp_fft_destroy(hp_fft_plan* p) {
	cufftResult a = cufftDestroy(p->forward);
	cufftResult b = cufftDestroy(p->inverse);
	if (a != CUFFT_SUCCESS || b != CUFFT_SUCCESS) return "cufftDestroy failed";
	return NULL;
}

static const char* hp_fft_exec(hp_fft_plan* p, int device, cudaStream_t s, int n, int forward,
		void* in, void* out) {
	size_t rsz = (size_t)n * sizeof(cufftDoubleReal);
	size_t csz = (size_t)(n / 2 + 1) * sizeof(cufftDoubleComplex);
	size_t insz = forward ? rsz : csz;
	size_t outsz = forward ? csz : rsz;
	void *din = NULL, *dout = NULL;
	const char* err = NULL;
	cudaError_t ce = cudaSetDevice(device);
	if (ce != cudaSuccess) return hp_cuda_err(ce);
	if ((ce = cudaMalloc(&din, insz)) != cudaSuccess) { err = hp_cuda_err(ce); goto done; }
	if ((ce = cudaMalloc(&dout, outsz)) != cudaSuccess) { err = hp_cuda_err(ce); goto done; }
	if ((ce = cudaMemcpyAsync(din, in, insz, cudaMemcpyHostToDevice, s)) != cudaSuccess) { err = hp_cuda_err(ce); goto done; }
	if (forward) {
		if (cufftExecD2Z(p->forward, (cufftDoubleReal*)din, (cufftDoubleComplex*)dout) != CUFFT_SUCCESS) { err = "cufftExecD2Z failed"; goto done; }
	} else {
		if (cufftExecZ2D(p->inverse, (cufftDoubleComplex*)din, (cufftDoubleReal*)dout) != CUFFT_SUCCESS) { err = "cufftExecZ2D failed"; goto done; }
	}
	if ((ce = cudaMemcpyAsync(out, dout, outsz, cudaMemcpyDeviceToHost, s)) != cudaSuccess) { err = hp_cuda_err(ce); goto done; }
	if ((ce = cudaStreamSynchronize(s)) != cudaSuccess) { err = hp_cuda_err(ce); goto done; }
done:
	cudaFree(din);
	cudaFree(dout);
	return err;
}
*/
import "C"
import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// CUDABackend implements Backend with cuBLAS, cuSOLVER and cuFFT handles.
// It owns a fixed set of non-blocking streams per device; handles are bound
// to one of them by the stream index of their key.
type CUDABackend struct {
	logger      *zap.Logger
	initialized atomic.Bool
	deviceInfo  DeviceInfo
	available   bool

	mu          sync.Mutex
	streamCount int
	streams     [][]C.cudaStream_t // [device][index]
}

// NewCUDABackend creates a new CUDA backend instance that will own streams
// streams on every device once initialized.
func NewCUDABackend(logger *zap.Logger, streams int) *CUDABackend {
	backend := &CUDABackend{
		logger:      logger,
		streamCount: streams,
	}

	info, err := queryDevice(0)
	if err != nil {
		logger.Warn("CUDA device not available", zap.Error(err))
		return backend
	}
	backend.deviceInfo = info
	backend.available = true
	return backend
}

// Name returns "cuda".
func (c *CUDABackend) Name() string {
	return "cuda"
}

// Initialize prepares the CUDA backend for use
func (c *CUDABackend) Initialize() error {
	if !c.available {
		return fmt.Errorf("%w: no CUDA device", ErrBackendUnavailable)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized.Load() {
		return nil
	}
	if c.streamCount < 1 {
		return fmt.Errorf("%w: %d streams", ErrInvalidDimensions, c.streamCount)
	}

	streams := make([][]C.cudaStream_t, c.deviceInfo.DeviceCount)
	for device := range streams {
		streams[device] = make([]C.cudaStream_t, 0, c.streamCount)
		for i := 0; i < c.streamCount; i++ {
			var s C.cudaStream_t
			if msg := C.hp_stream_create(C.int(device), &s); msg != nil {
				err := fmt.Errorf("failed to create stream %d on device %d: %s", i, device, C.GoString(msg))
				return multierr.Append(err, destroyStreams(streams))
			}
			streams[device] = append(streams[device], s)
		}
	}
	c.streams = streams
	c.initialized.Store(true)

	c.logger.Info("CUDA backend initialized",
		zap.String("device", c.deviceInfo.Name),
		zap.Int("streams", c.streamCount),
		zap.String("compute_capability", c.deviceInfo.ComputeCapability),
		zap.Int("devices", c.deviceInfo.DeviceCount),
		zap.Float64("total_memory_gb", float64(c.deviceInfo.TotalMemory)/(1<<30)))
	return nil
}

// GetDeviceInfo returns information about device 0
func (c *CUDABackend) GetDeviceInfo() DeviceInfo {
	return c.deviceInfo
}

// IsAvailable checks if CUDA is available
func (c *CUDABackend) IsAvailable() bool {
	return c.available
}

// Cleanup stops handing out handles and destroys the owned streams.
// Library handles are owned by the Manager's pools and destroyed there,
// before Cleanup runs.
func (c *CUDABackend) Cleanup() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized.Swap(false) {
		return nil
	}
	c.logger.Debug("Cleaning up CUDA backend")
	err := destroyStreams(c.streams)
	c.streams = nil
	return err
}

// stream resolves key to one of the owned streams.
func (c *CUDABackend) stream(key StreamKey) (C.cudaStream_t, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized.Load() {
		return nil, ErrNotInitialized
	}
	if key.Device < 0 || key.Device >= len(c.streams) {
		return nil, fmt.Errorf("%w: CUDA device %d out of range (have %d)", ErrBackendUnavailable, key.Device, len(c.streams))
	}
	if err := checkStream(key, len(c.streams[key.Device])); err != nil {
		return nil, err
	}
	return c.streams[key.Device][key.Stream], nil
}

func destroyStreams(streams [][]C.cudaStream_t) error {
	var err error
	for device, owned := range streams {
		for _, s := range owned {
			if msg := C.hp_stream_destroy(C.int(device), s); msg != nil {
				err = multierr.Append(err, fmt.Errorf("failed to destroy stream on device %d: %s", device, C.GoString(msg)))
			}
		}
	}
	return err
}

// NewBLASHandle creates a cuBLAS handle bound to the stream of key.
func (c *CUDABackend) NewBLASHandle(key StreamKey) (BLASHandle, error) {
	cs, err := c.stream(key)
	if err != nil {
		return nil, err
	}
	h := &cudaBLASHandle{stream: key, cs: cs}
	if msg := C.hp_blas_create(C.int(key.Device), cs, &h.handle); msg != nil {
		return nil, errors.New(C.GoString(msg))
	}
	return h, nil
}

// NewSolverHandle creates a cuSOLVER dense handle bound to the stream of key.
func (c *CUDABackend) NewSolverHandle(key StreamKey) (SolverHandle, error) {
	cs, err := c.stream(key)
	if err != nil {
		return nil, err
	}
	h := &cudaSolverHandle{stream: key, cs: cs}
	if msg := C.hp_solver_create(C.int(key.Device), cs, &h.handle); msg != nil {
		return nil, errors.New(C.GoString(msg))
	}
	return h, nil
}

// NewFFTHandle creates forward and inverse cuFFT plans of size key.Size.
func (c *CUDABackend) NewFFTHandle(key PlanKey) (FFTHandle, error) {
	cs, err := c.stream(key.StreamKey)
	if err != nil {
		return nil, err
	}
	if key.Size < 1 {
		return nil, fmt.Errorf("%w: FFT size %d", ErrInvalidDimensions, key.Size)
	}
	h := &cudaFFTHandle{key: key, cs: cs}
	if msg := C.hp_fft_create(C.int(key.Device), cs, C.int(key.Size), &h.plan); msg != nil {
		return nil, errors.New(C.GoString(msg))
	}
	return h, nil
}

type cudaBLASHandle struct {
	stream StreamKey
	cs     C.cudaStream_t
	handle C.cublasHandle_t
	closed atomic.Bool
}

func (h *cudaBLASHandle) Stream() StreamKey { return h.stream }

func (h *cudaBLASHandle) Close() error {
	if h.closed.Swap(true) {
		return ErrHandleClosed
	}
	if msg := C.hp_blas_destroy(h.handle); msg != nil {
		return errors.New(C.GoString(msg))
	}
	return nil
}

func (h *cudaBLASHandle) Gemm(a, b []float32, m, k, n int) ([]float32, error) {
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

	msg := C.hp_sgemm(h.handle, C.int(h.stream.Device), h.cs,
		(*C.float)(unsafe.Pointer(&a[0])),
		(*C.float)(unsafe.Pointer(&b[0])),
		(*C.float)(unsafe.Pointer(&result[0])),
		C.int(m), C.int(k), C.int(n))
	if msg != nil {
		return nil, fmt.Errorf("CUDA matrix multiplication failed: %s", C.GoString(msg))
	}
	return result, nil
}

type cudaSolverHandle struct {
	stream StreamKey
	cs     C.cudaStream_t
	handle C.cusolverDnHandle_t
	closed atomic.Bool
}

func (h *cudaSolverHandle) Stream() StreamKey { return h.stream }

func (h *cudaSolverHandle) Close() error {
	if h.closed.Swap(true) {
		return ErrHandleClosed
	}
	if msg := C.hp_solver_destroy(h.handle); msg != nil {
		return errors.New(C.GoString(msg))
	}
	return nil
}

func (h *cudaSolverHandle) Solve(a, b []float64, n, nrhs int) ([]float64, error) {
	if h.closed.Load() {
		return nil, ErrHandleClosed
	}
	if err := checkSolveDims(a, b, n, nrhs); err != nil {
		return nil, err
	}

	// cuSOLVER is column-major: the row-major A reads as A^T, which getrs
	// undoes with CUBLAS_OP_T. B has to be transposed explicitly.
	colB := transpose(b, n, nrhs)
	var info C.int
	msg := C.hp_dgesv(h.handle, C.int(h.stream.Device), h.cs,
		(*C.double)(unsafe.Pointer(&a[0])),
		(*C.double)(unsafe.Pointer(&colB[0])),
		C.int(n), C.int(nrhs), &info)
	if msg != nil {
		return nil, fmt.Errorf("CUDA solve failed: %s", C.GoString(msg))
	}
	if info > 0 {
		return nil, ErrSingularMatrix
	}
	return transpose(colB, nrhs, n), nil
}

type cudaFFTHandle struct {
	key    PlanKey
	cs     C.cudaStream_t
	plan   C.hp_fft_plan
	closed atomic.Bool
}

func (h *cudaFFTHandle) Stream() StreamKey { return h.key.StreamKey }

func (h *cudaFFTHandle) Size() int { return h.key.Size }

func (h *cudaFFTHandle) Close() error {
	if h.closed.Swap(true) {
		return ErrHandleClosed
	}
	if msg := C.hp_fft_destroy(&h.plan); msg != nil {
		return errors.New(C.GoString(msg))
	}
	return nil
}

func (h *cudaFFTHandle) Forward(x []float64) ([]complex128, error) {
	if h.closed.Load() {
		return nil, ErrHandleClosed
	}
	if len(x) != h.key.Size {
		return nil, fmt.Errorf("%w: FFT plan of size %d got %d samples", ErrLengthMismatch, h.key.Size, len(x))
	}
	out := make([]complex128, h.key.Size/2+1)
	if msg := h.exec(true, unsafe.Pointer(&x[0]), unsafe.Pointer(&out[0])); msg != nil {
		return nil, fmt.Errorf("CUDA forward FFT failed: %s", C.GoString(msg))
	}
	return out, nil
}

func (h *cudaFFTHandle) Inverse(c []complex128) ([]float64, error) {
	if h.closed.Load() {
		return nil, ErrHandleClosed
	}
	if want := h.key.Size/2 + 1; len(c) != want {
		return nil, fmt.Errorf("%w: FFT plan of size %d expects %d coefficients, got %d", ErrLengthMismatch, h.key.Size, want, len(c))
	}
	// cufftExecZ2D overwrites its input; work on a copy.
	in := append([]complex128(nil), c...)
	out := make([]float64, h.key.Size)
	if msg := h.exec(false, unsafe.Pointer(&in[0]), unsafe.Pointer(&out[0])); msg != nil {
		return nil, fmt.Errorf("CUDA inverse FFT failed: %s", C.GoString(msg))
	}
	scale := 1 / float64(h.key.Size)
	for i := range out {
		out[i] *= scale
	}
	return out, nil
}

func (h *cudaFFTHandle) exec(forward bool, in, out unsafe.Pointer) *C.char {
	dir := C.int(0)
	if forward {
		dir = 1
	}
	return C.hp_fft_exec(&h.plan, C.int(h.key.Device), h.cs, C.int(h.key.Size), dir, in, out)
}

func queryDevice(device int) (DeviceInfo, error) {
	var info C.hp_device_info
	if msg := C.hp_device_info_get(C.int(device), &info); msg != nil {
		return DeviceInfo{}, fmt.Errorf("%w: %s", ErrBackendUnavailable, C.GoString(msg))
	}
	return DeviceInfo{
		Name:              C.GoString(&info.name[0]),
		Backend:           "cuda",
		TotalMemory:       int64(info.total_memory),
		AvailableMemory:   int64(info.free_memory),
		ComputeCapability: fmt.Sprintf("%d.%d", int(info.major), int(info.minor)),
		DriverVersion:     cudaVersionString(int(info.driver_version)),
		CUDAVersion:       cudaVersionString(int(info.runtime_version)),
		DeviceCount:       int(info.device_count),
	}, nil
}

// cudaVersionString renders CUDA's 1000*major + 10*minor encoding.
func cudaVersionString(v int) string {
	return fmt.Sprintf("%d.%d", v/1000, (v%1000)/10)
}

// transpose returns the column-major copy of a row-major rows×cols matrix.
func transpose(src []float64, rows, cols int) []float64 {
	dst := make([]float64, len(src))
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			dst[j*rows+i] = src[i*cols+j]
		}
	}
	return dst
}
