package offload

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-offload/internal/moe"
)

type countingLoader struct {
	mu    sync.Mutex
	loads map[[2]int]int
}

func (c *countingLoader) Load(_ context.Context, layer, expert int) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loads == nil {
		c.loads = map[[2]int]int{}
	}
	c.loads[[2]int{layer, expert}]++
	return 64, nil
}

func newBuffer(t *testing.T, layers, experts, size int) (*Buffer, *countingLoader) {
	t.Helper()
	l := &countingLoader{}
	b, err := New(Config{Layers: layers, Experts: experts, BufferSize: size, Parallelism: 2}, l)
	require.NoError(t, err)
	return b, l
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"ok", Config{Layers: 2, Experts: 8, BufferSize: 4}, false},
		{"zero layers", Config{Experts: 8, BufferSize: 4}, true},
		{"buffer larger than experts", Config{Layers: 1, Experts: 4, BufferSize: 5}, true},
		{"zero buffer", Config{Layers: 1, Experts: 4}, true},
		{"negative parallelism", Config{Layers: 1, Experts: 4, BufferSize: 2, Parallelism: -1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPrefetchStagesNeededExperts(t *testing.T) {
	b, loader := newBuffer(t, 2, 8, 3)
	p := moe.NewPattern(2, 8)
	p.Add(0, 1, 4)
	p.Add(0, 6, 1)
	p.Add(1, 2, 2)

	require.NoError(t, b.Prefetch(context.Background(), p))
	assert.Equal(t, []int{1, 6}, b.Resident(0))
	assert.Equal(t, []int{2}, b.Resident(1))

	// a second identical prefetch is all hits
	require.NoError(t, b.Prefetch(context.Background(), p))
	assert.Equal(t, 1, loader.loads[[2]int{0, 1}])
	st := b.Stats()
	assert.Equal(t, int64(3), st.Misses)
	assert.Equal(t, int64(3), st.Hits)
	assert.Equal(t, int64(3*64), st.BytesLoaded)
}

func TestPrefetchOverflowKeepsHighestPriority(t *testing.T) {
	b, _ := newBuffer(t, 1, 8, 2)
	p := moe.NewPattern(1, 8)
	p.Add(0, 0, 1)
	p.Add(0, 3, 5)
	p.Add(0, 5, 3)

	err := b.Prefetch(context.Background(), p)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCapacityExceeded))

	var ce *CapacityError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, 3, ce.Needed)
	assert.Equal(t, 2, ce.Capacity)

	assert.Equal(t, []int{3, 5}, b.Resident(0))
}

func TestResidentNeverExceedsCapacity(t *testing.T) {
	const layers, experts, size = 3, 8, 2
	b, _ := newBuffer(t, layers, experts, size)
	ctx := context.Background()

	for step := 0; step < 40; step++ {
		p := moe.NewPattern(layers, experts)
		for l := 0; l < layers; l++ {
			p.Add(l, (step+l)%experts, 1)
			p.Add(l, (step*3+l)%experts, 2)
			p.Add(l, (step*5+1)%experts, 1)
		}
		_ = b.Prefetch(ctx, p)

		release, err := b.Acquire(ctx, step%layers, (step*7)%experts)
		require.NoError(t, err)
		release()

		for l := 0; l < layers; l++ {
			assert.LessOrEqual(t, len(b.Resident(l)), size, "layer %d step %d", l, step)
		}
	}
}

func TestAcquirePinsAgainstEviction(t *testing.T) {
	b, _ := newBuffer(t, 1, 4, 2)
	ctx := context.Background()

	r0, err := b.Acquire(ctx, 0, 0)
	require.NoError(t, err)
	r1, err := b.Acquire(ctx, 0, 1)
	require.NoError(t, err)

	// both slots pinned: a third expert cannot be staged
	_, err = b.Acquire(ctx, 0, 2)
	assert.ErrorIs(t, err, ErrCapacityExceeded)

	p := moe.NewPattern(1, 4)
	p.Add(0, 3, 1)
	assert.ErrorIs(t, b.Prefetch(ctx, p), ErrCapacityExceeded)
	assert.Equal(t, []int{0, 1}, b.Resident(0))

	r0()
	r0() // idempotent
	r2, err := b.Acquire(ctx, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, b.Resident(0))
	r1()
	r2()
}

func TestAcquireEvictsLeastRecentlyUsed(t *testing.T) {
	b, _ := newBuffer(t, 1, 4, 2)
	ctx := context.Background()
	for _, e := range []int{0, 1, 0, 2} {
		release, err := b.Acquire(ctx, 0, e)
		require.NoError(t, err)
		release()
	}
	assert.Equal(t, []int{0, 2}, b.Resident(0))
	assert.Equal(t, int64(1), b.Stats().Evictions)
}

func TestAcquireOutOfRange(t *testing.T) {
	b, _ := newBuffer(t, 1, 4, 2)
	_, err := b.Acquire(context.Background(), 0, 4)
	assert.ErrorIs(t, err, moe.ErrPatternShape)
}

func TestPrefetchShapeMismatch(t *testing.T) {
	b, loader := newBuffer(t, 2, 8, 2)
	err := b.Prefetch(context.Background(), moe.NewPattern(2, 4))
	assert.ErrorIs(t, err, moe.ErrPatternShape)
	assert.Empty(t, loader.loads)
}

func TestPrefetchTimeoutIsStale(t *testing.T) {
	slow := SimulatedLoader{ExpertBytes: 1, Latency: 200 * time.Millisecond}
	b, err := New(Config{Layers: 1, Experts: 4, BufferSize: 2, Timeout: 10 * time.Millisecond}, slow)
	require.NoError(t, err)

	p := moe.NewPattern(1, 4)
	p.Add(0, 1, 1)
	err = b.Prefetch(context.Background(), p)
	assert.ErrorIs(t, err, ErrPrefetchStale)
	assert.Equal(t, int64(1), b.Stats().Stale)

	// the synchronous path still guarantees residency
	b.cfg.Timeout = 0
	release, err := b.Acquire(context.Background(), 0, 1)
	require.NoError(t, err)
	release()
	assert.Equal(t, []int{1}, b.Resident(0))
}

func TestPrefetchCancelIsNotStale(t *testing.T) {
	slow := SimulatedLoader{ExpertBytes: 1, Latency: 200 * time.Millisecond}
	for _, timeout := range []time.Duration{0, time.Second} {
		b, err := New(Config{Layers: 1, Experts: 4, BufferSize: 2, Timeout: timeout}, slow)
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(5*time.Millisecond, cancel)
		p := moe.NewPattern(1, 4)
		p.Add(0, 1, 1)
		err = b.Prefetch(ctx, p)
		cancel()

		assert.ErrorIs(t, err, context.Canceled, "timeout %v", timeout)
		assert.NotErrorIs(t, err, ErrPrefetchStale, "timeout %v", timeout)
		assert.Zero(t, b.Stats().Stale, "timeout %v", timeout)
	}
}

func TestWarm(t *testing.T) {
	b, _ := newBuffer(t, 2, 8, 3)
	require.NoError(t, b.Warm(context.Background(), 5))
	assert.Equal(t, []int{0, 1, 2}, b.Resident(0))
	assert.Equal(t, []int{0, 1, 2}, b.Resident(1))
}

func TestSimulatedLoaderCost(t *testing.T) {
	l := SimulatedLoader{ExpertBytes: 1000, Bandwidth: 1e6, Latency: time.Millisecond}
	assert.Equal(t, 2*time.Millisecond, l.cost())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := SimulatedLoader{ExpertBytes: 1, Latency: time.Second}.Load(ctx, 0, 0)
	assert.ErrorIs(t, err, context.Canceled)
}
