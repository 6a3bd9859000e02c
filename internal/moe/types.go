// Package moe holds the routing data model shared by the generation loop,
// the pattern recorder, the replay driver and the expert buffer.
package moe

import (
	"errors"
	"fmt"
	"sort"
)

// ErrPatternShape is returned when a pattern or trace does not match the
// model geometry it is used against.
var ErrPatternShape = errors.New("pattern shape mismatch")

// Geometry describes the MoE layout of a model.
type Geometry struct {
	Layers  int
	Experts int
	TopK    int
}

func (g Geometry) Validate() error {
	if g.Layers <= 0 {
		return fmt.Errorf("invalid layers: %d (must be positive)", g.Layers)
	}
	if g.Experts <= 0 {
		return fmt.Errorf("invalid experts: %d (must be positive)", g.Experts)
	}
	if g.TopK <= 0 || g.TopK > g.Experts {
		return fmt.Errorf("invalid top_k: %d (must be in [1, %d])", g.TopK, g.Experts)
	}
	return nil
}

// RouterLogits holds one layer's gating logits, one row per token.
type RouterLogits [][]float32

// Decision is the top-k expert choice of one token in one layer,
// best expert first.
type Decision []int

// PatternMatrix is indexed (position, layer, slot).
type PatternMatrix [][][]int

// TopK returns the indices of the k largest values in row, ordered by
// value descending. Ties keep the lower index first.
func TopK(row []float32, k int) Decision {
	if k > len(row) {
		k = len(row)
	}
	idx := make([]int, len(row))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return row[idx[a]] > row[idx[b]]
	})
	out := make(Decision, k)
	copy(out, idx[:k])
	return out
}

// Validate checks every decision in the matrix against g.
func (m PatternMatrix) Validate(g Geometry) error {
	for pos, layers := range m {
		if len(layers) != g.Layers {
			return fmt.Errorf("%w: position %d has %d layers, want %d", ErrPatternShape, pos, len(layers), g.Layers)
		}
		for l, d := range layers {
			if len(d) != g.TopK {
				return fmt.Errorf("%w: position %d layer %d has %d slots, want %d", ErrPatternShape, pos, l, len(d), g.TopK)
			}
			for _, e := range d {
				if e < 0 || e >= g.Experts {
					return fmt.Errorf("%w: expert %d out of range [0, %d)", ErrPatternShape, e, g.Experts)
				}
			}
		}
	}
	return nil
}
