// Package offload manages which expert weight blocks are resident in fast
// memory. Each MoE layer owns a fixed number of resident slots; the rest of
// the layer's experts live in backing storage and are staged on demand or
// ahead of use through Prefetch.
package offload

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emirpasic/gods/v2/queues/priorityqueue"
	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-offload/internal/logger"
	"github.com/23skdu/longbow-offload/internal/metrics"
	"github.com/23skdu/longbow-offload/internal/moe"
)

var (
	// ErrCapacityExceeded means a layer needs more experts at once than it
	// has resident slots.
	ErrCapacityExceeded = errors.New("expert buffer capacity exceeded")

	// ErrPrefetchStale means staging did not finish before Config.Timeout.
	// Experts that did not arrive are loaded synchronously by Acquire.
	ErrPrefetchStale = errors.New("prefetch not ready before use")
)

type CapacityError struct {
	Layer    int
	Needed   int
	Capacity int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("layer %d needs %d experts, buffer holds %d", e.Layer, e.Needed, e.Capacity)
}

func (e *CapacityError) Unwrap() error { return ErrCapacityExceeded }

// Prefetcher stages the experts named by an activation pattern.
type Prefetcher interface {
	Prefetch(ctx context.Context, p moe.Pattern) error
}

// Loader copies one expert from backing storage into a resident slot and
// reports the bytes moved.
type Loader interface {
	Load(ctx context.Context, layer, expert int) (int64, error)
}

type Config struct {
	Layers  int
	Experts int
	// BufferSize is the number of resident expert slots per layer.
	BufferSize int
	// Parallelism bounds how many layers are staged concurrently by one
	// Prefetch call. Zero stages all layers at once.
	Parallelism int
	// Timeout bounds a single Prefetch call. Zero means no deadline.
	Timeout time.Duration
}

func (c Config) Validate() error {
	if c.Layers <= 0 {
		return fmt.Errorf("invalid layers: %d (must be positive)", c.Layers)
	}
	if c.Experts <= 0 {
		return fmt.Errorf("invalid experts: %d (must be positive)", c.Experts)
	}
	if c.BufferSize <= 0 || c.BufferSize > c.Experts {
		return fmt.Errorf("invalid buffer_size: %d (must be in [1, %d])", c.BufferSize, c.Experts)
	}
	if c.Parallelism < 0 {
		return fmt.Errorf("invalid parallelism: %d (must be non-negative)", c.Parallelism)
	}
	return nil
}

type Stats struct {
	Hits        int64
	Misses      int64
	Evictions   int64
	Overflows   int64
	Stale       int64
	BytesLoaded int64
}

type slot struct {
	lastUse uint64
	pins    int
}

type layerState struct {
	mu       sync.Mutex
	resident map[int]*slot
	tick     uint64
}

// Buffer is the owned expert residency state. All mutation goes through
// Prefetch, Acquire and Warm; each layer is guarded by its own lock so
// concurrent staging of different layers never conflicts.
type Buffer struct {
	cfg    Config
	loader Loader
	layers []*layerState

	hits, misses, evictions, overflows, stale, bytes atomic.Int64
}

func New(cfg Config, loader Loader) (*Buffer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if loader == nil {
		return nil, fmt.Errorf("offload: loader is required")
	}
	b := &Buffer{cfg: cfg, loader: loader, layers: make([]*layerState, cfg.Layers)}
	for i := range b.layers {
		b.layers[i] = &layerState{resident: make(map[int]*slot, cfg.BufferSize)}
	}
	return b, nil
}

func (b *Buffer) Capacity() int { return b.cfg.BufferSize }

func (b *Buffer) Geometry() (layers, experts int) { return b.cfg.Layers, b.cfg.Experts }

// Warm fills every layer with its first min(n, capacity) experts.
func (b *Buffer) Warm(ctx context.Context, n int) error {
	if n > b.cfg.BufferSize {
		n = b.cfg.BufferSize
	}
	p := moe.NewPattern(b.cfg.Layers, b.cfg.Experts)
	for l := 0; l < b.cfg.Layers; l++ {
		for e := 0; e < n; e++ {
			p.Add(l, e, 1)
		}
	}
	return b.Prefetch(ctx, p)
}

// Prefetch stages, for every layer, the experts with a nonzero count in p,
// highest count first. A layer that needs more experts than it has slots
// keeps the top BufferSize and reports a CapacityError; the remaining layers
// are still staged. A shape mismatch is returned before anything moves.
func (b *Buffer) Prefetch(ctx context.Context, p moe.Pattern) error {
	if err := p.CheckShape(moe.Geometry{Layers: b.cfg.Layers, Experts: b.cfg.Experts, TopK: 1}); err != nil {
		return err
	}
	parent := ctx
	if b.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, b.cfg.Timeout)
		defer cancel()
	}

	var (
		mu      sync.Mutex
		capErrs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	if b.cfg.Parallelism > 0 {
		g.SetLimit(b.cfg.Parallelism)
	}
	for l := 0; l < b.cfg.Layers; l++ {
		g.Go(func() error {
			err := b.stageLayer(gctx, l, p.Row(l))
			var ce *CapacityError
			if errors.As(err, &ce) {
				mu.Lock()
				capErrs = append(capErrs, err)
				mu.Unlock()
				return nil
			}
			return err
		})
	}

	err := g.Wait()
	if err != nil && b.cfg.Timeout > 0 && parent.Err() == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		// only our own deadline makes a prefetch stale; a cancelled caller
		// gets its context error back
		b.stale.Add(1)
		err = fmt.Errorf("%w: %v", ErrPrefetchStale, err)
	}
	return errors.Join(append([]error{err}, capErrs...)...)
}

type ranked struct {
	expert int
	count  float32
}

func byCountDesc(a, b ranked) int {
	switch {
	case a.count > b.count:
		return -1
	case a.count < b.count:
		return 1
	default:
		return a.expert - b.expert
	}
}

func (b *Buffer) stageLayer(ctx context.Context, layer int, counts []float32) error {
	q := priorityqueue.NewWith(byCountDesc)
	for e, c := range counts {
		if c > 0 {
			q.Enqueue(ranked{expert: e, count: c})
		}
	}
	needed := q.Size()
	if needed == 0 {
		return nil
	}

	wanted := make([]int, 0, b.cfg.BufferSize)
	for len(wanted) < b.cfg.BufferSize {
		r, ok := q.Dequeue()
		if !ok {
			break
		}
		wanted = append(wanted, r.expert)
	}
	keep := make(map[int]bool, len(wanted))
	for _, e := range wanted {
		keep[e] = true
	}

	ls := b.layers[layer]
	ls.mu.Lock()
	defer ls.mu.Unlock()

	for _, e := range wanted {
		if s, ok := ls.resident[e]; ok {
			ls.tick++
			s.lastUse = ls.tick
			b.hits.Add(1)
			metrics.RecordBufferAccess("prefetch", true)
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(ls.resident) >= b.cfg.BufferSize && !b.evict(layer, ls, keep) {
			// every slot is pinned by a running forward pass or wanted
			b.overflows.Add(1)
			return &CapacityError{Layer: layer, Needed: needed, Capacity: b.cfg.BufferSize}
		}
		if err := b.load(ctx, layer, e); err != nil {
			return err
		}
		ls.tick++
		ls.resident[e] = &slot{lastUse: ls.tick}
		b.misses.Add(1)
		metrics.RecordBufferAccess("prefetch", false)
	}
	metrics.RecordResident(layer, len(ls.resident))

	if needed > b.cfg.BufferSize {
		b.overflows.Add(1)
		return &CapacityError{Layer: layer, Needed: needed, Capacity: b.cfg.BufferSize}
	}
	return nil
}

// Acquire makes one expert resident and pins it until release is called.
// It is the synchronous path a forward pass uses for every expert it
// dereferences, so a pinned expert is never evicted while in use.
func (b *Buffer) Acquire(ctx context.Context, layer, expert int) (release func(), err error) {
	if layer < 0 || layer >= b.cfg.Layers || expert < 0 || expert >= b.cfg.Experts {
		return nil, fmt.Errorf("%w: expert (%d,%d) outside (%d,%d)", moe.ErrPatternShape, layer, expert, b.cfg.Layers, b.cfg.Experts)
	}
	ls := b.layers[layer]
	ls.mu.Lock()
	defer ls.mu.Unlock()

	s, ok := ls.resident[expert]
	if ok {
		b.hits.Add(1)
		metrics.RecordBufferAccess("demand", true)
	} else {
		if len(ls.resident) >= b.cfg.BufferSize && !b.evict(layer, ls, nil) {
			b.overflows.Add(1)
			return nil, &CapacityError{Layer: layer, Needed: len(ls.resident) + 1, Capacity: b.cfg.BufferSize}
		}
		if err := b.load(ctx, layer, expert); err != nil {
			return nil, err
		}
		s = &slot{}
		ls.resident[expert] = s
		b.misses.Add(1)
		metrics.RecordBufferAccess("demand", false)
		metrics.RecordResident(layer, len(ls.resident))
	}
	ls.tick++
	s.lastUse = ls.tick
	s.pins++

	var once sync.Once
	return func() {
		once.Do(func() {
			ls.mu.Lock()
			s.pins--
			ls.mu.Unlock()
		})
	}, nil
}

// evict drops the least recently used unpinned expert that is not in keep.
// Caller holds ls.mu.
func (b *Buffer) evict(layer int, ls *layerState, keep map[int]bool) bool {
	victim := -1
	var oldest uint64
	for e, s := range ls.resident {
		if s.pins > 0 || keep[e] {
			continue
		}
		if victim == -1 || s.lastUse < oldest || (s.lastUse == oldest && e < victim) {
			victim, oldest = e, s.lastUse
		}
	}
	if victim == -1 {
		return false
	}
	delete(ls.resident, victim)
	b.evictions.Add(1)
	metrics.RecordEviction()
	logger.Log.Debug("expert evicted", "layer", layer, "expert", victim)
	return true
}

func (b *Buffer) load(ctx context.Context, layer, expert int) error {
	n, err := b.loader.Load(ctx, layer, expert)
	if err != nil {
		return fmt.Errorf("load expert (%d,%d): %w", layer, expert, err)
	}
	b.bytes.Add(n)
	metrics.RecordTransfer(n)
	return nil
}

// Resident returns the resident expert ids of a layer in ascending order.
func (b *Buffer) Resident(layer int) []int {
	ls := b.layers[layer]
	ls.mu.Lock()
	defer ls.mu.Unlock()
	out := make([]int, 0, len(ls.resident))
	for e := range ls.resident {
		out = append(out, e)
	}
	sort.Ints(out)
	return out
}

func (b *Buffer) Stats() Stats {
	return Stats{
		Hits:        b.hits.Load(),
		Misses:      b.misses.Load(),
		Evictions:   b.evictions.Load(),
		Overflows:   b.overflows.Load(),
		Stale:       b.stale.Load(),
		BytesLoaded: b.bytes.Load(),
	}
}
