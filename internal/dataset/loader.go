package dataset

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// LoaderConfig controls batching and prefetch.
type LoaderConfig struct {
	BatchSize  int   // Samples per batch, values < 1 mean 1
	Shuffle    bool  // Draw a new permutation every epoch
	NumWorkers int   // Decode goroutines, 0 decodes on the caller's goroutine
	Seed       int64 // Permutation seed, 0 = time-derived
}

// Batch is a collated group of samples.
type Batch struct {
	Images  []float32 // [N, C, H, W] row-major
	Shape   []int     // {N, C, H, W}
	Labels  []int32   // [N]
	Indices []int     // Source index of every sample
}

// Size returns the number of samples in the batch.
func (b Batch) Size() int {
	return len(b.Labels)
}

// Plane returns channel c of sample n as an H*W slice sharing b.Images.
func (b Batch) Plane(n, c int) ([]float32, error) {
	if len(b.Shape) != 4 {
		return nil, errors.Errorf("batch: expected [N,C,H,W], got %v", b.Shape)
	}
	N, C, H, W := b.Shape[0], b.Shape[1], b.Shape[2], b.Shape[3]
	if n < 0 || n >= N || c < 0 || c >= C {
		return nil, errors.Errorf("batch: plane (%d,%d) out of range for shape %v", n, c, b.Shape)
	}
	off := (n*C + c) * H * W
	return b.Images[off : off+H*W], nil
}

// Loader yields batches from a Source, one epoch at a time.
type Loader struct {
	src Source
	cfg LoaderConfig

	mu  sync.Mutex
	rng *rand.Rand
}

// NewLoader wraps src.
func NewLoader(src Source, cfg LoaderConfig) *Loader {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.NumWorkers < 0 {
		cfg.NumWorkers = 0
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Loader{
		src: src,
		cfg: cfg,
		//nolint:gosec // shuffling order, not security-sensitive
		rng: rand.New(rand.NewSource(seed)),
	}
}

// Len returns the number of batches per epoch. A trailing partial batch counts.
func (l *Loader) Len() int {
	n := l.src.Len()
	return (n + l.cfg.BatchSize - 1) / l.cfg.BatchSize
}

// BatchSize returns the configured batch size.
func (l *Loader) BatchSize() int {
	return l.cfg.BatchSize
}

func (l *Loader) order() []int {
	n := l.src.Len()
	if !l.cfg.Shuffle {
		idx := make([]int, n)
		for i := range idx {
			idx[i] = i
		}
		return idx
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rng.Perm(n)
}

// Epoch starts a pass over the source. The caller must drain the iterator or
// call Close.
func (l *Loader) Epoch(ctx context.Context) *Iterator {
	ctx, cancel := context.WithCancel(ctx)
	it := &Iterator{
		ctx:       ctx,
		cancel:    cancel,
		src:       l.src,
		order:     l.order(),
		batchSize: l.cfg.BatchSize,
	}
	if l.cfg.NumWorkers > 0 {
		it.startWorkers(l.cfg.NumWorkers)
	}
	return it
}

type sample struct {
	index int
	data  Tensor
	label int
	err   error
}

type job struct {
	index int
	out   chan sample
}

// Iterator walks one epoch. It is not safe for concurrent use.
type Iterator struct {
	ctx       context.Context
	cancel    context.CancelFunc
	src       Source
	order     []int
	batchSize int

	pos     int              // next position in order (inline mode)
	futures chan chan sample // results in order (worker mode)
	wg      sync.WaitGroup

	cur       Batch
	err       error
	closeOnce sync.Once
}

// startWorkers fans decoding out to n goroutines. Results are handed back
// through one future per sample, queued in permutation order, so the
// consumer sees exactly the shuffled order no matter which worker finishes
// first. The futures queue bounds how far decoding runs ahead.
func (it *Iterator) startWorkers(n int) {
	jobs := make(chan job)
	it.futures = make(chan chan sample, 2*n)

	it.wg.Add(1)
	go func() {
		defer it.wg.Done()
		defer close(jobs)
		defer close(it.futures)
		for _, idx := range it.order {
			out := make(chan sample, 1)
			select {
			case it.futures <- out:
			case <-it.ctx.Done():
				return
			}
			select {
			case jobs <- job{index: idx, out: out}:
			case <-it.ctx.Done():
				return
			}
		}
	}()

	for w := 0; w < n; w++ {
		it.wg.Add(1)
		go func() {
			defer it.wg.Done()
			for j := range jobs {
				data, label, err := it.src.Get(j.index)
				j.out <- sample{index: j.index, data: data, label: label, err: err}
			}
		}()
	}
}

func (it *Iterator) next() (sample, bool, error) {
	if err := it.ctx.Err(); err != nil {
		return sample{}, false, err
	}

	if it.futures == nil {
		if it.pos >= len(it.order) {
			return sample{}, false, nil
		}
		idx := it.order[it.pos]
		it.pos++
		data, label, err := it.src.Get(idx)
		return sample{index: idx, data: data, label: label, err: err}, true, nil
	}

	select {
	case out, ok := <-it.futures:
		if !ok {
			return sample{}, false, it.ctx.Err()
		}
		select {
		case s := <-out:
			return s, true, nil
		case <-it.ctx.Done():
			return sample{}, false, it.ctx.Err()
		}
	case <-it.ctx.Done():
		return sample{}, false, it.ctx.Err()
	}
}

// Next advances to the next batch. It returns false at the end of the epoch
// or on the first error; check Err afterwards.
func (it *Iterator) Next() bool {
	if it.err != nil {
		return false
	}

	items := make([]sample, 0, it.batchSize)
	for len(items) < it.batchSize {
		s, ok, err := it.next()
		if err != nil {
			it.fail(err)
			return false
		}
		if !ok {
			break
		}
		if s.err != nil {
			it.fail(errors.Wrapf(s.err, "sample %d", s.index))
			return false
		}
		items = append(items, s)
	}

	if len(items) == 0 {
		it.Close()
		return false
	}

	b, err := collate(items)
	if err != nil {
		it.fail(err)
		return false
	}
	it.cur = b
	return true
}

// Batch returns the current batch.
func (it *Iterator) Batch() Batch {
	return it.cur
}

// Err returns the error that stopped iteration, if any.
func (it *Iterator) Err() error {
	return it.err
}

// Close stops prefetching and waits for the workers to exit.
func (it *Iterator) Close() {
	it.closeOnce.Do(func() {
		it.cancel()
		it.wg.Wait()
	})
}

func (it *Iterator) fail(err error) {
	it.err = err
	it.Close()
}

func collate(items []sample) (Batch, error) {
	first := items[0].data.Shape
	per := items[0].data.NumElements()

	b := Batch{
		Images:  make([]float32, 0, per*len(items)),
		Shape:   append([]int{len(items)}, first...),
		Labels:  make([]int32, 0, len(items)),
		Indices: make([]int, 0, len(items)),
	}
	for _, s := range items {
		if !shapeEqual(s.data.Shape, first) {
			return Batch{}, errors.Errorf("batch: sample %d has shape %v, want %v", s.index, s.data.Shape, first)
		}
		b.Images = append(b.Images, s.data.Data...)
		b.Labels = append(b.Labels, int32(s.label))
		b.Indices = append(b.Indices, s.index)
	}
	return b, nil
}

func shapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
