package kernel

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fxnlabs/handlepool/internal/config"
	"github.com/fxnlabs/handlepool/internal/gpu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestManager(t *testing.T) *gpu.Manager {
	t.Helper()
	cfg := config.Default()
	cfg.Backend.Preferred = "cpu"
	m, err := gpu.NewManager(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Cleanup(context.Background()) })
	return m
}

func TestNewKernel(t *testing.T) {
	testCases := []struct {
		name         string
		kernelType   string
		expectedType interface{}
		expectError  bool
	}{
		{name: "matrix multiplication", kernelType: "MATRIX_MULTIPLICATION", expectedType: &MatrixMultiplication{}},
		{name: "solve", kernelType: "SOLVE", expectedType: &Solve{}},
		{name: "rfft", kernelType: "RFFT", expectedType: &RFFT{}},
		{name: "irfft", kernelType: "IRFFT", expectedType: &IRFFT{}},
		{name: "unknown", kernelType: "UNKNOWN", expectError: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			k, err := NewKernel(tc.kernelType)
			if tc.expectError {
				assert.Error(t, err)
				assert.Nil(t, k)
				return
			}
			assert.NoError(t, err)
			assert.IsType(t, tc.expectedType, k)
		})
	}
}

func post(t *testing.T, handler http.Handler, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/kernels", bytes.NewReader(data))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func TestHandler(t *testing.T) {
	m := newTestManager(t)
	handler := Handler(m, config.Default().Server.MaxRequestBytes, zap.NewNop())

	t.Run("matrix multiplication", func(t *testing.T) {
		rr := post(t, handler, map[string]interface{}{
			"type":   "MATRIX_MULTIPLICATION",
			"stream": 1,
			"payload": map[string]interface{}{
				"A": [][]float64{{1, 2}, {3, 4}},
				"B": [][]float64{{5, 6}, {7, 8}},
			},
		})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

		var result struct {
			C       [][]float64 `json:"C"`
			Backend string      `json:"backend"`
		}
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &result))
		assert.Equal(t, [][]float64{{19, 22}, {43, 50}}, result.C)
		assert.Equal(t, "cpu", result.Backend)
	})

	t.Run("solve", func(t *testing.T) {
		rr := post(t, handler, map[string]interface{}{
			"type": "SOLVE",
			"payload": map[string]interface{}{
				"A": [][]float64{{2, 0}, {0, 4}},
				"B": [][]float64{{2}, {8}},
			},
		})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		var result struct {
			X [][]float64 `json:"X"`
		}
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &result))
		require.Len(t, result.X, 2)
		assert.InDelta(t, 1, result.X[0][0], 1e-12)
		assert.InDelta(t, 2, result.X[1][0], 1e-12)
	})

	t.Run("fft round trip", func(t *testing.T) {
		rr := post(t, handler, map[string]interface{}{
			"type":    "RFFT",
			"payload": map[string]interface{}{"x": []float64{1, 2, 3, 4}},
		})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		var spectrum struct {
			Coefficients [][2]float64 `json:"coefficients"`
		}
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &spectrum))
		require.Len(t, spectrum.Coefficients, 3)
		assert.InDelta(t, 10, spectrum.Coefficients[0][0], 1e-12)

		rr = post(t, handler, map[string]interface{}{
			"type": "IRFFT",
			"payload": map[string]interface{}{
				"coefficients": spectrum.Coefficients,
				"n":            4,
			},
		})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		var signal struct {
			X []float64 `json:"x"`
		}
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &signal))
		assert.InDeltaSlice(t, []float64{1, 2, 3, 4}, signal.X, 1e-12)
	})

	t.Run("handles are pooled per stream", func(t *testing.T) {
		before := m.Stats()["blas"]
		for i := 0; i < 3; i++ {
			rr := post(t, handler, map[string]interface{}{
				"type":   "MATRIX_MULTIPLICATION",
				"stream": 6,
				"payload": map[string]interface{}{
					"A": [][]float64{{1}},
					"B": [][]float64{{2}},
				},
			})
			require.Equal(t, http.StatusOK, rr.Code)
		}
		after := m.Stats()["blas"]
		assert.Equal(t, before.Created+1, after.Created)
		assert.Equal(t, before.Hits+2, after.Hits)
	})

	errorCases := []struct {
		name   string
		body   interface{}
		status int
	}{
		{
			name:   "unknown kernel",
			body:   map[string]interface{}{"type": "UNKNOWN"},
			status: http.StatusBadRequest,
		},
		{
			name:   "missing payload",
			body:   map[string]interface{}{"type": "RFFT"},
			status: http.StatusBadRequest,
		},
		{
			name: "incompatible dimensions",
			body: map[string]interface{}{
				"type": "MATRIX_MULTIPLICATION",
				"payload": map[string]interface{}{
					"A": [][]float64{{1, 2}},
					"B": [][]float64{{1, 2}},
				},
			},
			status: http.StatusBadRequest,
		},
		{
			name: "singular system",
			body: map[string]interface{}{
				"type": "SOLVE",
				"payload": map[string]interface{}{
					"A": [][]float64{{1, 2}, {2, 4}},
					"B": [][]float64{{1}, {1}},
				},
			},
			status: http.StatusUnprocessableEntity,
		},
		{
			name: "stream past the owned streams",
			body: map[string]interface{}{
				"type":   "MATRIX_MULTIPLICATION",
				"stream": config.Default().Backend.Streams,
				"payload": map[string]interface{}{
					"A": [][]float64{{1}},
					"B": [][]float64{{2}},
				},
			},
			status: http.StatusBadRequest,
		},
		{
			name: "negative stream",
			body: map[string]interface{}{
				"type":    "RFFT",
				"stream":  -1,
				"payload": map[string]interface{}{"x": []float64{1, 2}},
			},
			status: http.StatusBadRequest,
		},
		{
			name: "huge stream index",
			body: map[string]interface{}{
				"type":    "SOLVE",
				"stream":  uint64(1) << 40,
				"payload": map[string]interface{}{"A": [][]float64{{1}}, "B": [][]float64{{1}}},
			},
			status: http.StatusBadRequest,
		},
		{
			name: "no such device",
			body: map[string]interface{}{
				"type":    "RFFT",
				"device":  5,
				"payload": map[string]interface{}{"x": []float64{1, 2}},
			},
			status: http.StatusServiceUnavailable,
		},
	}
	for _, tc := range errorCases {
		t.Run(tc.name, func(t *testing.T) {
			rr := post(t, handler, tc.body)
			assert.Equal(t, tc.status, rr.Code, rr.Body.String())
		})
	}

	t.Run("invalid body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/kernels", bytes.NewBufferString("{"))
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("wrong method", func(t *testing.T) {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/kernels", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	})
}

func TestHandler_ClosedManager(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Cleanup(context.Background()))

	rr := post(t, Handler(m, 0, zap.NewNop()), map[string]interface{}{
		"type":    "RFFT",
		"payload": map[string]interface{}{"x": []float64{1, 2}},
	})
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestHandler_ClientStreamsCannotGrowPools(t *testing.T) {
	m := newTestManager(t)
	handler := Handler(m, 0, zap.NewNop())

	for stream := 0; stream < 500; stream++ {
		rr := post(t, handler, map[string]interface{}{
			"type":   "MATRIX_MULTIPLICATION",
			"stream": stream,
			"payload": map[string]interface{}{
				"A": [][]float64{{1}},
				"B": [][]float64{{2}},
			},
		})
		if stream < m.Streams() {
			require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		} else {
			require.Equal(t, http.StatusBadRequest, rr.Code, "stream %d", stream)
		}
	}

	stats := m.Stats()["blas"]
	assert.Equal(t, m.Streams(), stats.Keys)
	assert.Equal(t, uint64(m.Streams()), stats.Created)
}

func TestHandler_BodyLimit(t *testing.T) {
	m := newTestManager(t)
	handler := Handler(m, 64, zap.NewNop())

	rr := post(t, handler, map[string]interface{}{
		"type":    "RFFT",
		"payload": map[string]interface{}{"x": make([]float64, 100)},
	})
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code, rr.Body.String())
	assert.Zero(t, m.Stats()["fft"].Keys)

	rr = post(t, handler, map[string]interface{}{
		"type":    "RFFT",
		"payload": map[string]interface{}{"x": []float64{1, 2}},
	})
	assert.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
}
