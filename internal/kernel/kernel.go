package kernel

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/fxnlabs/handlepool/internal/gpu"
	"github.com/fxnlabs/handlepool/internal/handlepool"
	"go.uber.org/zap"
)

// ErrBadPayload is returned when a kernel payload cannot be decoded or
// describes an empty operand.
var ErrBadPayload = errors.New("kernel: bad payload")

// Kernel runs one library call on a handle borrowed for the request stream.
type Kernel interface {
	Execute(m *gpu.Manager, key gpu.StreamKey, payload json.RawMessage, log *zap.Logger) (interface{}, error)
}

// Request is a kernel launch request. Stream is the index of one of the
// streams the backend owns; the Manager rejects indices it does not own.
type Request struct {
	Type    string          `json:"type"`
	Device  int             `json:"device"`
	Stream  int             `json:"stream"`
	Payload json.RawMessage `json:"payload"`
}

// Key returns the stream the request runs on.
func (r Request) Key() gpu.StreamKey {
	return gpu.StreamKey{Device: r.Device, Stream: r.Stream}
}

// NewKernel creates a new kernel based on the kernel type.
func NewKernel(kernelType string) (Kernel, error) {
	switch kernelType {
	case "MATRIX_MULTIPLICATION":
		return &MatrixMultiplication{}, nil
	case "SOLVE":
		return &Solve{}, nil
	case "RFFT":
		return &RFFT{}, nil
	case "IRFFT":
		return &IRFFT{}, nil
	default:
		return nil, fmt.Errorf("unknown kernel type: %s", kernelType)
	}
}

// Handler handles kernel launch requests. Bodies larger than maxBodyBytes
// are rejected; a non-positive limit disables the check.
func Handler(m *gpu.Manager, maxBodyBytes int64, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if maxBodyBytes > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}

		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				http.Error(w, fmt.Sprintf("Request body exceeds %d bytes", tooLarge.Limit), http.StatusRequestEntityTooLarge)
				return
			}
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}

		k, err := NewKernel(req.Type)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		result, err := k.Execute(m, req.Key(), req.Payload, log)
		if err != nil {
			http.Error(w, err.Error(), statusFor(err))
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(result); err != nil {
			log.Warn("failed to encode kernel result", zap.String("type", req.Type), zap.Error(err))
		}
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrBadPayload),
		errors.Is(err, gpu.ErrInvalidDimensions),
		errors.Is(err, gpu.ErrLengthMismatch):
		return http.StatusBadRequest
	case errors.Is(err, gpu.ErrSingularMatrix):
		return http.StatusUnprocessableEntity
	case errors.Is(err, handlepool.ErrPoolClosed),
		errors.Is(err, gpu.ErrBackendUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decode(payload json.RawMessage, v interface{}) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: missing payload", ErrBadPayload)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return nil
}
