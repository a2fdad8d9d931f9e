// Package cpu is a pure Go tensor backend. Values are float32 and
// operations run eagerly, optionally splitting work across goroutines.
// When built for training, each context records a tape of backward
// closures that Backward replays in reverse.
package cpu

import (
	"math/rand"
	"runtime"
	"sync"
	"time"

	"github.com/chromagen/chromagen/ml"
)

func init() {
	ml.RegisterBackend("cpu", New)
}

type Backend struct {
	numThreads int
	training   bool

	mu  sync.Mutex
	rng *rand.Rand
}

func New(params ml.BackendParams) (ml.Backend, error) {
	seed := params.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	numThreads := params.NumThreads
	if numThreads <= 0 {
		numThreads = runtime.NumCPU()
	}

	return &Backend{
		numThreads: numThreads,
		training:   params.Training,
		rng:        rand.New(rand.NewSource(seed)),
	}, nil
}

func (b *Backend) Name() string { return "cpu" }

func (b *Backend) NewContext() ml.Context {
	return &Context{backend: b, training: b.training}
}

func (b *Backend) normFloat64() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rng.NormFloat64()
}

// minParallel is the smallest amount of work worth splitting across
// goroutines. Below it the scheduling overhead dominates.
const minParallel = 4096

// parallel splits n independent units of work across the worker budget.
func (b *Backend) parallel(n int, f func(start, end int)) {
	workers := b.numThreads
	if workers > n {
		workers = n
	}

	if workers <= 1 || n < minParallel {
		f(0, n)
		return
	}

	var wg sync.WaitGroup
	chunk := (n + workers - 1) / workers
	for start := 0; start < n; start += chunk {
		end := min(start+chunk, n)
		wg.Add(1)
		go func() {
			defer wg.Done()
			f(start, end)
		}()
	}
	wg.Wait()
}
