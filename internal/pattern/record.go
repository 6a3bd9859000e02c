// Package pattern turns routing traces into per-prompt expert activation
// records and persists them for replay.
package pattern

import (
	"fmt"
	"sort"
	"sync"

	"github.com/23skdu/longbow-offload/internal/moe"
)

// Record is the routing history of one prompt. PromptPattern has one entry
// per non-padding prompt token and DecodePattern one per generated token,
// each indexed (position, layer, slot).
type Record struct {
	PromptText     string            `cbor:"prompt_text"`
	PromptTokenIDs []int             `cbor:"prompt_token_ids"`
	DecodeTokenIDs []int             `cbor:"decode_token_ids"`
	PromptPattern  moe.PatternMatrix `cbor:"prompt_pattern"`
	DecodePattern  moe.PatternMatrix `cbor:"decode_pattern"`
}

// Extract splits a batch trace into one Record per sample. Padding is
// trimmed per sample from its own mask; the prompt part covers the real
// prompt tokens and the decode part covers every decode step.
func Extract(tr *moe.Trace, tokens, mask [][]int, texts []string, topK int) ([]Record, error) {
	if len(tokens) != tr.Batch || len(mask) != tr.Batch {
		return nil, fmt.Errorf("%w: trace batch %d, tokens %d, mask %d", moe.ErrPatternShape, tr.Batch, len(tokens), len(mask))
	}
	steps := tr.Steps()
	out := make([]Record, tr.Batch)
	for b := 0; b < tr.Batch; b++ {
		if len(tokens[b]) != tr.PromptLen+steps {
			return nil, fmt.Errorf("%w: sample %d has %d tokens, want %d prompt + %d decode", moe.ErrPatternShape, b, len(tokens[b]), tr.PromptLen, steps)
		}
		if len(mask[b]) != len(tokens[b]) {
			return nil, fmt.Errorf("%w: sample %d has %d mask entries for %d tokens", moe.ErrPatternShape, b, len(mask[b]), len(tokens[b]))
		}
		padLen := 0
		for _, m := range mask[b][:tr.PromptLen] {
			if m == 0 {
				padLen++
			}
		}

		rec := Record{
			PromptTokenIDs: append([]int(nil), tokens[b][padLen:tr.PromptLen]...),
			DecodeTokenIDs: append([]int(nil), tokens[b][tr.PromptLen:]...),
			PromptPattern:  make(moe.PatternMatrix, 0, tr.PromptLen-padLen),
			DecodePattern:  make(moe.PatternMatrix, 0, steps),
		}
		if b < len(texts) {
			rec.PromptText = texts[b]
		}
		for pos := padLen; pos < tr.PromptLen; pos++ {
			layers := make([][]int, tr.Layers)
			for l := range layers {
				layers[l] = moe.TopK(tr.PrefillRow(l, b, pos), topK)
			}
			rec.PromptPattern = append(rec.PromptPattern, layers)
		}
		for s := 0; s < steps; s++ {
			layers := make([][]int, tr.Layers)
			for l := range layers {
				layers[l] = moe.TopK(tr.DecodeRow(l, s, b), topK)
			}
			rec.DecodePattern = append(rec.DecodePattern, layers)
		}
		out[b] = rec
	}
	return out, nil
}

// PromptCounts sums the prompt pattern over all prompt positions.
func (r Record) PromptCounts(layers, experts int) moe.Pattern {
	p := moe.NewPattern(layers, experts)
	for _, pos := range r.PromptPattern {
		p.AddDecisions(decisions(pos))
	}
	return p
}

// DecodeCounts is the pattern of decode step s alone.
func (r Record) DecodeCounts(layers, experts, s int) moe.Pattern {
	p := moe.NewPattern(layers, experts)
	if s < len(r.DecodePattern) {
		p.AddDecisions(decisions(r.DecodePattern[s]))
	}
	return p
}

func decisions(layers [][]int) []moe.Decision {
	out := make([]moe.Decision, len(layers))
	for i, d := range layers {
		out[i] = d
	}
	return out
}

// Validate checks the record against a model geometry and a decode length.
func (r Record) Validate(g moe.Geometry, maxNewTokens int) error {
	if len(r.PromptPattern) != len(r.PromptTokenIDs) {
		return fmt.Errorf("%w: %d prompt pattern rows for %d prompt tokens", moe.ErrPatternShape, len(r.PromptPattern), len(r.PromptTokenIDs))
	}
	if len(r.DecodePattern) != len(r.DecodeTokenIDs) || len(r.DecodeTokenIDs) != maxNewTokens {
		return fmt.Errorf("%w: %d decode pattern rows, %d decode tokens, want %d", moe.ErrPatternShape, len(r.DecodePattern), len(r.DecodeTokenIDs), maxNewTokens)
	}
	if err := r.PromptPattern.Validate(g); err != nil {
		return err
	}
	return r.DecodePattern.Validate(g)
}

// Collector assigns running indices to records across batches.
type Collector struct {
	mu      sync.Mutex
	next    int
	records map[int]Record
}

func NewCollector() *Collector {
	return &Collector{records: make(map[int]Record)}
}

// Add stores recs under consecutive indices and returns the first one.
func (c *Collector) Add(recs []Record) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	first := c.next
	for _, r := range recs {
		c.records[c.next] = r
		c.next++
	}
	return first
}

func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

// File snapshots the collected records under h.
func (c *Collector) File(h Header) *File {
	c.mu.Lock()
	defer c.mu.Unlock()
	recs := make(map[int]Record, len(c.records))
	for k, v := range c.records {
		recs[k] = v
	}
	return &File{Header: h, Records: recs}
}

// Indices returns the record keys of f in ascending order.
func (f *File) Indices() []int {
	keys := make([]int, 0, len(f.Records))
	for k := range f.Records {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
