//go:build !cuda
// +build !cuda

package gpu

import (
	"context"
	"testing"

	"github.com/fxnlabs/handlepool/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestNewManager_Preference(t *testing.T) {
	testCases := []struct {
		preferred string
		wantType  string
		wantErr   error
	}{
		{preferred: "auto", wantType: "cpu"},
		{preferred: "", wantType: "cpu"},
		{preferred: "cpu", wantType: "cpu"},
		{preferred: "cuda", wantErr: ErrBackendUnavailable},
	}

	for _, tc := range testCases {
		t.Run(tc.preferred, func(t *testing.T) {
			cfg := config.Default()
			cfg.Backend.Preferred = tc.preferred
			m, err := NewManager(cfg, zaptest.NewLogger(t))
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				assert.Nil(t, m)
				return
			}
			require.NoError(t, err)
			defer m.Cleanup(context.Background())
			assert.Equal(t, tc.wantType, m.GetBackendType())
		})
	}

	t.Run("unknown", func(t *testing.T) {
		cfg := config.Default()
		cfg.Backend.Preferred = "opencl"
		_, err := NewManager(cfg, zaptest.NewLogger(t))
		assert.Error(t, err)
	})
}

func TestNewBackend_Fallback(t *testing.T) {
	backend := NewBackend(zaptest.NewLogger(t), 2)
	require.NotNil(t, backend)
	assert.Equal(t, "cpu", backend.Name())
	assert.True(t, backend.IsAvailable())
	require.NoError(t, backend.Initialize())
	defer backend.Cleanup()

	h, err := backend.NewBLASHandle(StreamKey{})
	require.NoError(t, err)
	c, err := h.Gemm([]float32{1, 2, 3, 4}, []float32{5, 6, 7, 8}, 2, 2, 2)
	require.NoError(t, err)
	// [[1,2], [3,4]] * [[5,6], [7,8]] = [[19,22], [43,50]]
	assert.InDeltaSlice(t, []float32{19, 22, 43, 50}, c, 1e-5)
	require.NoError(t, h.Close())
}

func TestCUDABackend_Stub(t *testing.T) {
	backend := NewCUDABackend(zaptest.NewLogger(t), 2)
	assert.False(t, backend.IsAvailable())
	assert.ErrorIs(t, backend.Initialize(), ErrBackendUnavailable)
	_, err := backend.NewFFTHandle(PlanKey{Size: 8})
	assert.ErrorIs(t, err, ErrBackendUnavailable)
	assert.NoError(t, backend.Cleanup())
}
