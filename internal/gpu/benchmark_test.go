package gpu

import (
	"context"
	"fmt"
	"testing"

	"github.com/fxnlabs/handlepool/internal/config"
	"go.uber.org/zap"
)

func BenchmarkManager_MatrixMultiply(b *testing.B) {
	m, err := NewManager(config.Default(), zap.NewNop())
	if err != nil {
		b.Fatal(err)
	}
	defer m.Cleanup(context.Background())

	for _, size := range []int{32, 64, 128, 256} {
		b.Run(fmt.Sprintf("size_%d", size), func(b *testing.B) {
			a := make([]float32, size*size)
			bb := make([]float32, size*size)
			for i := range a {
				a[i] = float32(i%100) / 100.0
				bb[i] = float32((i+1)%100) / 100.0
			}

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, err := m.MatrixMultiply(StreamKey{}, a, bb, size, size, size); err != nil {
					b.Fatal(err)
				}
			}

			flops := int64(2 * size * size * size * b.N)
			b.ReportMetric(float64(flops)/b.Elapsed().Seconds()/1e9, "GFLOPS")
		})
	}
}

// BenchmarkManager_SmallKernels is dominated by borrow/release overhead.
func BenchmarkManager_SmallKernels(b *testing.B) {
	m, err := NewManager(config.Default(), zap.NewNop())
	if err != nil {
		b.Fatal(err)
	}
	defer m.Cleanup(context.Background())

	for _, streams := range []int{1, 8} {
		b.Run(fmt.Sprintf("streams_%d", streams), func(b *testing.B) {
			x := []float64{1, 2, 3, 4, 5, 6, 7, 8}
			b.RunParallel(func(pb *testing.PB) {
				i := 0
				for pb.Next() {
					key := StreamKey{Stream: i % streams}
					if _, err := m.RFFT(key, x); err != nil {
						b.Error(err)
						return
					}
					i++
				}
			})
		})
	}
}
