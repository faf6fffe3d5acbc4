package kernel

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fxnlabs/handlepool/internal/gpu"
	"go.uber.org/zap"
)

// MatrixMultiplication computes C = A * B on a pooled BLAS handle.
type MatrixMultiplication struct{}

// Execute performs a matrix multiplication.
func (k *MatrixMultiplication) Execute(m *gpu.Manager, key gpu.StreamKey, payload json.RawMessage, log *zap.Logger) (interface{}, error) {
	var matrices struct {
		A [][]float64 `json:"A"`
		B [][]float64 `json:"B"`
	}
	if err := decode(payload, &matrices); err != nil {
		log.Error("Failed to unmarshal matrices from payload", zap.Error(err))
		return nil, err
	}

	if len(matrices.A) == 0 || len(matrices.B) == 0 {
		log.Error("Matrices A or B are empty")
		return nil, fmt.Errorf("%w: matrices A or B are empty", ErrBadPayload)
	}

	a, aRows, aCols, err := gpu.FlattenMatrix(matrices.A)
	if err != nil {
		return nil, fmt.Errorf("matrix A: %w", err)
	}
	b, bRows, bCols, err := gpu.FlattenMatrix(matrices.B)
	if err != nil {
		return nil, fmt.Errorf("matrix B: %w", err)
	}
	if aCols != bRows {
		log.Error("Matrix dimensions are not compatible for multiplication",
			zap.Int("a_cols", aCols),
			zap.Int("b_rows", bRows))
		return nil, fmt.Errorf("%w: A has %d columns, B has %d rows", gpu.ErrInvalidDimensions, aCols, bRows)
	}

	start := time.Now()
	c, err := m.MatrixMultiply(key, gpu.Float64ToFloat32(a), gpu.Float64ToFloat32(b), aRows, aCols, bCols)
	if err != nil {
		log.Error("Matrix multiplication failed", zap.Stringer("stream", key), zap.Error(err))
		return nil, err
	}

	log.Debug("Matrix multiplication completed",
		zap.Stringer("stream", key),
		zap.Int("m", aRows),
		zap.Int("k", aCols),
		zap.Int("n", bCols),
		zap.Duration("compute_time", time.Since(start)))

	return map[string]interface{}{
		"C":       gpu.UnflattenMatrix(gpu.Float32ToFloat64(c), aRows, bCols),
		"backend": m.GetBackendType(),
	}, nil
}
