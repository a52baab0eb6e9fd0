package gap

import (
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
)

// Backend 是检测引擎的数值后端
// 所有实现对同一输入必须给出逐位一致的结果，选择后端只影响性能
type Backend interface {
	Name() string
	// Trend 对 z 做 Savitzky–Golay 平滑
	Trend(z []float64, window, order int) ([]float64, error)
	// Deviations 计算 trend[i] - z[i]
	Deviations(trend, z []float64) []float64
	// Median 返回中位数，偶数个元素时取中间两数的平均
	Median(values []float64) float64
}

const (
	BackendCPU      = "cpu"
	BackendParallel = "parallel"
)

// NewBackend 按名称创建后端，空名称使用 cpu
func NewBackend(name string) (Backend, error) {
	switch strings.ToLower(name) {
	case "", BackendCPU:
		return CPUBackend{}, nil
	case BackendParallel, "gpu":
		return NewParallelBackend(0), nil
	default:
		return nil, fmt.Errorf("unknown gap backend %q", name)
	}
}

// CPUBackend 顺序计算
type CPUBackend struct{}

func (CPUBackend) Name() string { return BackendCPU }

func (CPUBackend) Trend(z []float64, window, order int) ([]float64, error) {
	coeffs, err := savgolCoeffs(window, order)
	if err != nil {
		return nil, err
	}
	trend := make([]float64, len(z))
	half := window / 2
	for i := half; i < len(z)-half; i++ {
		trend[i] = convolveAt(z, coeffs, i)
	}
	if err := fitEdges(z, trend, window, order); err != nil {
		return nil, err
	}
	return trend, nil
}

func (CPUBackend) Deviations(trend, z []float64) []float64 {
	out := make([]float64, len(z))
	for i := range z {
		out[i] = trend[i] - z[i]
	}
	return out
}

func (CPUBackend) Median(values []float64) float64 { return median(values) }

// ParallelBackend 将逐点计算分块到多个 goroutine
// 每个点仍由同一个标量核按相同顺序求和，因此与 CPUBackend 结果一致
type ParallelBackend struct {
	workers int
}

// NewParallelBackend 创建并行后端，workers<=0 时使用 GOMAXPROCS
func NewParallelBackend(workers int) ParallelBackend {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return ParallelBackend{workers: workers}
}

func (ParallelBackend) Name() string { return BackendParallel }

func (b ParallelBackend) Trend(z []float64, window, order int) ([]float64, error) {
	coeffs, err := savgolCoeffs(window, order)
	if err != nil {
		return nil, err
	}
	trend := make([]float64, len(z))
	half := window / 2
	b.chunked(half, len(z)-half, func(i int) {
		trend[i] = convolveAt(z, coeffs, i)
	})
	if err := fitEdges(z, trend, window, order); err != nil {
		return nil, err
	}
	return trend, nil
}

func (b ParallelBackend) Deviations(trend, z []float64) []float64 {
	out := make([]float64, len(z))
	b.chunked(0, len(z), func(i int) {
		out[i] = trend[i] - z[i]
	})
	return out
}

func (ParallelBackend) Median(values []float64) float64 { return median(values) }

// chunked 把 [from, to) 均分给各 worker
func (b ParallelBackend) chunked(from, to int, fn func(i int)) {
	n := to - from
	if n <= 0 {
		return
	}
	workers := b.workers
	if workers > n {
		workers = n
	}
	size := (n + workers - 1) / workers
	var wg sync.WaitGroup
	for start := from; start < to; start += size {
		end := start + size
		if end > to {
			end = to
		}
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			for i := lo; i < hi; i++ {
				fn(i)
			}
		}(start, end)
	}
	wg.Wait()
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}
