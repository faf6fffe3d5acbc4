package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/fxnlabs/handlepool/internal/gpu"
	"github.com/fxnlabs/handlepool/internal/handlepool"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type benchOptions struct {
	Kernel     string
	Streams    int
	Workers    int
	Iterations int
	Size       int
}

type benchResult struct {
	Launches int
	Elapsed  time.Duration
	Pools    map[string]handlepool.Stats
}

func benchCommand() *cli.Command {
	return &cli.Command{
		Name:  "bench",
		Usage: "Launch kernels concurrently across streams and report pool statistics",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "kernel", Value: "all", Usage: "matmul, solve, fft or all"},
			&cli.IntFlag{Name: "streams", Value: 4, Usage: "Number of streams to spread workers over"},
			&cli.IntFlag{Name: "workers", Value: 16, Usage: "Number of concurrent workers"},
			&cli.IntFlag{Name: "iterations", Value: 200, Usage: "Kernel launches per worker"},
			&cli.IntFlag{Name: "size", Value: 64, Usage: "Matrix order and FFT length"},
		},
		Action: func(c *cli.Context) error {
			cfg, log := metadata(c)
			opts := benchOptions{
				Kernel:     c.String("kernel"),
				Streams:    c.Int("streams"),
				Workers:    c.Int("workers"),
				Iterations: c.Int("iterations"),
				Size:       c.Int("size"),
			}

			m, err := gpu.NewManager(cfg, log.Named("gpu"))
			if err != nil {
				return err
			}
			res, err := runBench(c.Context, m, opts)
			err = multierr.Append(err, m.Cleanup(context.Background()))
			if res != nil {
				printBench(os.Stdout, m.GetBackendType(), opts, res)
			}
			if err != nil {
				log.Error("benchmark failed", zap.Error(err))
			}
			return err
		},
	}
}

// runBench drives opts.Workers goroutines, worker i launching on stream
// i mod opts.Streams.
func runBench(ctx context.Context, m *gpu.Manager, opts benchOptions) (*benchResult, error) {
	if opts.Streams < 1 || opts.Workers < 1 || opts.Iterations < 1 || opts.Size < 1 {
		return nil, fmt.Errorf("streams, workers, iterations and size must be positive")
	}
	if opts.Streams > m.Streams() {
		return nil, fmt.Errorf("backend owns %d streams, %d requested (see backend.streams)", m.Streams(), opts.Streams)
	}
	launch, err := benchKernel(m, opts.Kernel, opts.Size)
	if err != nil {
		return nil, err
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		errs     error
		launches int
	)
	start := time.Now()
	for w := 0; w < opts.Workers; w++ {
		key := gpu.StreamKey{Stream: w % opts.Streams}
		wg.Add(1)
		go func() {
			defer wg.Done()
			n := 0
			for i := 0; i < opts.Iterations; i++ {
				if ctx.Err() != nil {
					break
				}
				if err := launch(key, i); err != nil {
					mu.Lock()
					errs = multierr.Append(errs, fmt.Errorf("stream %d: %w", key.Stream, err))
					mu.Unlock()
					break
				}
				n++
			}
			mu.Lock()
			launches += n
			mu.Unlock()
		}()
	}
	wg.Wait()

	return &benchResult{
		Launches: launches,
		Elapsed:  time.Since(start),
		Pools:    m.Stats(),
	}, errs
}

func benchKernel(m *gpu.Manager, kernel string, size int) (func(gpu.StreamKey, int) error, error) {
	a32 := make([]float32, size*size)
	b32 := make([]float32, size*size)
	a64 := make([]float64, size*size)
	b64 := make([]float64, size)
	x := make([]float64, size)
	for i := range a32 {
		a32[i] = float32(i%100) / 100
		b32[i] = float32((i+1)%100) / 100
	}
	for i := 0; i < size; i++ {
		// Diagonally dominant, so never singular.
		for j := 0; j < size; j++ {
			a64[i*size+j] = 1 / float64(1+i+j)
		}
		a64[i*size+i] += float64(size)
		b64[i] = float64(i)
		x[i] = math.Sin(float64(i))
	}

	matmul := func(key gpu.StreamKey) error {
		_, err := m.MatrixMultiply(key, a32, b32, size, size, size)
		return err
	}
	solve := func(key gpu.StreamKey) error {
		_, err := m.Solve(key, a64, b64, size, 1)
		return err
	}
	fft := func(key gpu.StreamKey) error {
		c, err := m.RFFT(key, x)
		if err != nil {
			return err
		}
		_, err = m.IRFFT(key, c, size)
		return err
	}

	switch kernel {
	case "matmul":
		return func(key gpu.StreamKey, _ int) error { return matmul(key) }, nil
	case "solve":
		return func(key gpu.StreamKey, _ int) error { return solve(key) }, nil
	case "fft":
		return func(key gpu.StreamKey, _ int) error { return fft(key) }, nil
	case "all":
		kernels := []func(gpu.StreamKey) error{matmul, solve, fft}
		return func(key gpu.StreamKey, i int) error { return kernels[i%len(kernels)](key) }, nil
	default:
		return nil, fmt.Errorf("unknown kernel %q", kernel)
	}
}

func printBench(w io.Writer, backend string, opts benchOptions, res *benchResult) {
	fmt.Fprintf(w, "backend=%s kernel=%s streams=%d workers=%d size=%d\n",
		backend, opts.Kernel, opts.Streams, opts.Workers, opts.Size)
	rate := 0.0
	if s := res.Elapsed.Seconds(); s > 0 {
		rate = float64(res.Launches) / s
	}
	fmt.Fprintf(w, "%d launches in %s (%.0f/s)\n\n", res.Launches, res.Elapsed.Round(time.Millisecond), rate)

	names := make([]string, 0, len(res.Pools))
	for name := range res.Pools {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintf(w, "%-8s %6s %6s %8s %10s %8s %8s %8s\n", "pool", "keys", "idle", "created", "destroyed", "hits", "misses", "failed")
	for _, name := range names {
		s := res.Pools[name]
		fmt.Fprintf(w, "%-8s %6d %6d %8d %10d %8d %8d %8d\n",
			name, s.Keys, s.Idle, s.Created, s.Destroyed, s.Hits, s.Misses, s.ConstructionFailures)
	}
}
