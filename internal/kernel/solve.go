package kernel

import (
	"encoding/json"
	"fmt"

	"github.com/fxnlabs/handlepool/internal/gpu"
	"go.uber.org/zap"
)

// Solve solves A * X = B on a pooled dense solver handle.
type Solve struct{}

func (k *Solve) Execute(m *gpu.Manager, key gpu.StreamKey, payload json.RawMessage, log *zap.Logger) (interface{}, error) {
	var system struct {
		A [][]float64 `json:"A"`
		B [][]float64 `json:"B"`
	}
	if err := decode(payload, &system); err != nil {
		return nil, err
	}

	a, n, cols, err := gpu.FlattenMatrix(system.A)
	if err != nil {
		return nil, fmt.Errorf("matrix A: %w", err)
	}
	if n == 0 || n != cols {
		return nil, fmt.Errorf("%w: A must be square and non-empty, got %dx%d", gpu.ErrInvalidDimensions, n, cols)
	}
	b, bRows, nrhs, err := gpu.FlattenMatrix(system.B)
	if err != nil {
		return nil, fmt.Errorf("matrix B: %w", err)
	}
	if bRows != n {
		return nil, fmt.Errorf("%w: B has %d rows, A has %d", gpu.ErrInvalidDimensions, bRows, n)
	}

	x, err := m.Solve(key, a, b, n, nrhs)
	if err != nil {
		log.Debug("Solve failed", zap.Stringer("stream", key), zap.Int("n", n), zap.Error(err))
		return nil, err
	}
	return map[string]interface{}{
		"X": gpu.UnflattenMatrix(x, n, nrhs),
	}, nil
}
