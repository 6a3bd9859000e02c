package model

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/23skdu/longbow-offload/internal/metrics"
	"github.com/23skdu/longbow-offload/internal/moe"
)

type SimConfig struct {
	Geometry  moe.Geometry
	VocabSize int
	Seed      uint64
	// Experts, when set, is asked to make every routed expert resident
	// before the layer "runs".
	Experts ExpertStore
	// TokenLatency is the simulated compute cost per processed position.
	TokenLatency time.Duration
}

func (c SimConfig) validate() error {
	if err := c.Geometry.Validate(); err != nil {
		return err
	}
	if c.VocabSize <= 0 {
		return fmt.Errorf("invalid vocab_size: %d (must be positive)", c.VocabSize)
	}
	return nil
}

// Call records the shape of one forward pass for inspection.
type Call struct {
	InputIDs [][]int
	MaskLen  int
	CacheLen int
}

// Simulated is a deterministic decoder-only MoE model. Router logits depend
// only on (seed, layer, token id), so replaying the same tokens reproduces
// the same routing; next-token logits depend on the last token and position.
type Simulated struct {
	cfg SimConfig

	mu    sync.Mutex
	calls []Call
}

func NewSimulated(cfg SimConfig) (*Simulated, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Simulated{cfg: cfg}, nil
}

func (s *Simulated) Geometry() moe.Geometry { return s.cfg.Geometry }
func (s *Simulated) VocabSize() int         { return s.cfg.VocabSize }

// Calls returns the forward passes made so far.
func (s *Simulated) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

func (s *Simulated) Forward(ctx context.Context, in *Input) (*Output, error) {
	batch, seq, err := checkRect(in.InputIDs, "input_ids")
	if err != nil {
		return nil, err
	}
	if len(in.Mask) != batch {
		return nil, fmt.Errorf("attention mask has %d rows, want %d", len(in.Mask), batch)
	}
	past := 0
	if in.Cache != nil {
		past = in.Cache.Len
	}
	for b, m := range in.Mask {
		if len(m) != past+seq {
			return nil, fmt.Errorf("attention mask row %d has %d positions, want %d", b, len(m), past+seq)
		}
	}
	s.record(in.InputIDs, len(in.Mask[0]), past)

	start := time.Now()
	router := make([]moe.RouterLogits, s.cfg.Geometry.Layers)
	for l := range router {
		rows := make(moe.RouterLogits, 0, batch*seq)
		for b := 0; b < batch; b++ {
			for p := 0; p < seq; p++ {
				rows = append(rows, routerRow(s.cfg.Seed, l, in.InputIDs[b][p], s.cfg.Geometry.Experts))
			}
		}
		router[l] = rows
	}

	if err := s.runExperts(ctx, router, in.Mask, past, seq, 0); err != nil {
		return nil, err
	}
	if err := sleepCtx(ctx, s.cfg.TokenLatency*time.Duration(batch*seq)); err != nil {
		return nil, err
	}

	logits := make([][]float32, batch)
	for b := range logits {
		logits[b] = nextLogits(s.cfg.Seed, uint64(in.InputIDs[b][seq-1]), past+seq, s.cfg.VocabSize)
	}

	phase := "decode"
	if past == 0 {
		phase = "prefill"
	}
	metrics.RecordForward(phase, time.Since(start))

	out := &Output{Logits: logits}
	if in.UseCache {
		out.Cache = &Cache{Len: past + seq}
	}
	if in.OutputRouterLogits {
		out.RouterLogits = router
	}
	return out, nil
}

func (s *Simulated) record(ids [][]int, maskLen, cacheLen int) {
	cp := make([][]int, len(ids))
	for i, row := range ids {
		cp[i] = append([]int(nil), row...)
	}
	s.mu.Lock()
	s.calls = append(s.calls, Call{InputIDs: cp, MaskLen: maskLen, CacheLen: cacheLen})
	s.mu.Unlock()
}

// runExperts makes every expert routed to by a non-padding position
// resident, one expert at a time, the way a layer loops over its experts.
// layerOffset shifts layer ids into the store's numbering.
func (s *Simulated) runExperts(ctx context.Context, router []moe.RouterLogits, mask [][]int, past, seq, layerOffset int) error {
	return acquireRouted(ctx, s.cfg.Experts, s.cfg.Geometry.TopK, router, mask, past, seq, layerOffset)
}

func acquireRouted(ctx context.Context, store ExpertStore, topK int, router []moe.RouterLogits, mask [][]int, past, seq, layerOffset int) error {
	for l, rows := range router {
		used := map[int]bool{}
		var picks []int
		for i, row := range rows {
			b, p := i/seq, i%seq
			if mask != nil && mask[b][past+p] == 0 {
				continue
			}
			for _, e := range moe.TopK(row, topK) {
				picks = append(picks, e)
				used[e] = true
			}
		}
		metrics.RecordExpertSelection(l+layerOffset, picks)
		if store == nil {
			continue
		}
		experts := make([]int, 0, len(used))
		for e := range used {
			experts = append(experts, e)
		}
		sort.Ints(experts)
		for _, e := range experts {
			release, err := store.Acquire(ctx, l+layerOffset, e)
			if err != nil {
				return fmt.Errorf("layer %d expert %d: %w", l+layerOffset, e, err)
			}
			release()
		}
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func splitmix(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}

// unit maps a hash to [-1, 1).
func unit(h uint64) float32 {
	return float32(h>>40)/float32(1<<23) - 1
}

func routerRow(seed uint64, layer, token, experts int) []float32 {
	h := splitmix(seed ^ uint64(layer)<<32 ^ uint64(token))
	row := make([]float32, experts)
	for e := range row {
		h = splitmix(h)
		row[e] = 4 * unit(h)
	}
	return row
}

func nextLogits(seed, last uint64, pos, vocab int) []float32 {
	h := splitmix(seed ^ last*0x100000001b3 ^ uint64(pos)<<48)
	row := make([]float32, vocab)
	for v := range row {
		h = splitmix(h)
		row[v] = 6 * unit(h)
	}
	return row
}
