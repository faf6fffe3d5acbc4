package kernel

import (
	"encoding/json"
	"fmt"

	"github.com/fxnlabs/handlepool/internal/gpu"
	"go.uber.org/zap"
)

// RFFT computes the half spectrum of a real signal on a pooled FFT plan.
type RFFT struct{}

func (k *RFFT) Execute(m *gpu.Manager, key gpu.StreamKey, payload json.RawMessage, log *zap.Logger) (interface{}, error) {
	var signal struct {
		X []float64 `json:"x"`
	}
	if err := decode(payload, &signal); err != nil {
		return nil, err
	}
	if len(signal.X) == 0 {
		return nil, fmt.Errorf("%w: empty signal", ErrBadPayload)
	}

	coeff, err := m.RFFT(key, signal.X)
	if err != nil {
		log.Debug("RFFT failed", zap.Stringer("stream", key), zap.Int("n", len(signal.X)), zap.Error(err))
		return nil, err
	}
	return map[string]interface{}{
		"coefficients": gpu.ComplexToPairs(coeff),
	}, nil
}

// IRFFT reconstructs a real signal of length n from its half spectrum.
type IRFFT struct{}

func (k *IRFFT) Execute(m *gpu.Manager, key gpu.StreamKey, payload json.RawMessage, log *zap.Logger) (interface{}, error) {
	var spectrum struct {
		Coefficients [][2]float64 `json:"coefficients"`
		N            int          `json:"n"`
	}
	if err := decode(payload, &spectrum); err != nil {
		return nil, err
	}

	x, err := m.IRFFT(key, gpu.PairsToComplex(spectrum.Coefficients), spectrum.N)
	if err != nil {
		log.Debug("IRFFT failed", zap.Stringer("stream", key), zap.Int("n", spectrum.N), zap.Error(err))
		return nil, err
	}
	return map[string]interface{}{
		"x": x,
	}, nil
}
