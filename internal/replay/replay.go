// Package replay drives generation from captured routing patterns instead of
// live routing. Prompt ids and decode ids come from the stored records, so
// every offloading policy sees the same token stream and the same prefetch
// requests.
package replay

import (
	"context"
	"fmt"
	"sort"

	"github.com/23skdu/longbow-offload/internal/dataset"
	"github.com/23skdu/longbow-offload/internal/generate"
	"github.com/23skdu/longbow-offload/internal/logger"
	"github.com/23skdu/longbow-offload/internal/model"
	"github.com/23skdu/longbow-offload/internal/moe"
	"github.com/23skdu/longbow-offload/internal/offload"
	"github.com/23skdu/longbow-offload/internal/pattern"
)

// Batch is a group of records padded into one model input.
type Batch struct {
	Indices []int
	Records []pattern.Record
	dataset.Batch
}

// Batches groups the records of f in index order. With groupByLength the
// records are ordered by prompt length first and a batch never mixes
// lengths, so no padding is needed.
func Batches(f *pattern.File, size int, groupByLength bool, padID int) ([]Batch, error) {
	if size <= 0 {
		return nil, fmt.Errorf("replay: invalid batch size %d", size)
	}
	idx := f.Indices()
	if len(idx) == 0 {
		return nil, fmt.Errorf("replay: %w", dataset.ErrNoPrompts)
	}
	promptLen := func(i int) int { return len(f.Records[i].PromptTokenIDs) }
	if groupByLength {
		sort.SliceStable(idx, func(a, b int) bool { return promptLen(idx[a]) < promptLen(idx[b]) })
	}

	var (
		out   []Batch
		group []int
	)
	flush := func() {
		if len(group) == 0 {
			return
		}
		b := Batch{Indices: group, Records: make([]pattern.Record, len(group))}
		rows := make([][]int, len(group))
		texts := make([]string, len(group))
		for i, k := range group {
			r := f.Records[k]
			b.Records[i] = r
			rows[i] = r.PromptTokenIDs
			texts[i] = r.PromptText
		}
		b.Batch = dataset.Pad(rows, padID)
		b.Texts = texts
		out = append(out, b)
		group = nil
	}
	for _, k := range idx {
		if len(group) == size || (groupByLength && len(group) > 0 && promptLen(group[0]) != promptLen(k)) {
			flush()
		}
		group = append(group, k)
	}
	flush()
	return out, nil
}

// Scripted replays the stored decode ids instead of sampling.
type Scripted struct {
	Records []pattern.Record
}

func (s Scripted) Next(_ context.Context, step int, logits [][]float32) ([]int, error) {
	if len(logits) != len(s.Records) {
		return nil, fmt.Errorf("replay: %d logit rows for %d records", len(logits), len(s.Records))
	}
	out := make([]int, len(s.Records))
	for i, r := range s.Records {
		if step >= len(r.DecodeTokenIDs) {
			return nil, fmt.Errorf("replay: record has %d decode tokens, step %d requested", len(r.DecodeTokenIDs), step)
		}
		out[i] = r.DecodeTokenIDs[step]
	}
	return out, nil
}

// Planner aggregates the stored patterns of a batch into one prefetch
// request per forward pass. Each sample contributes only its own real
// prompt positions, so batches may mix prompt lengths.
//
// For a decoder-only model pass 0 prefetches the summed prompt pattern and
// pass s prefetches decode step s-1, the routing of the token that pass
// consumes. For an encoder-decoder model the buffer holds encoder layers
// first and decoder layers after them; pass 0 prefetches the prompt
// pattern into the encoder layers and every pass s prefetches decode step
// s into the decoder layers.
type Planner struct {
	Records []pattern.Record
	Layers  int
	Experts int
	Seq2Seq bool
}

func (p Planner) Plan(ctx context.Context, step generate.Step) (moe.Pattern, bool, error) {
	if err := ctx.Err(); err != nil {
		return moe.Pattern{}, false, err
	}
	if !p.Seq2Seq {
		agg := moe.NewPattern(p.Layers, p.Experts)
		for _, r := range p.Records {
			var part moe.Pattern
			if step.Prefill() {
				part = r.PromptCounts(p.Layers, p.Experts)
			} else {
				part = r.DecodeCounts(p.Layers, p.Experts, step.Index-1)
			}
			if err := agg.Merge(part); err != nil {
				return moe.Pattern{}, false, err
			}
		}
		return agg, agg.Total() > 0, nil
	}

	agg := moe.NewPattern(2*p.Layers, p.Experts)
	for _, r := range p.Records {
		if step.Prefill() {
			place(agg, r.PromptCounts(p.Layers, p.Experts), 0)
		}
		place(agg, r.DecodeCounts(p.Layers, p.Experts, step.Index), p.Layers)
	}
	return agg, agg.Total() > 0, nil
}

// place adds src into dst starting at layer offset.
func place(dst, src moe.Pattern, offset int) {
	for l := 0; l < src.Layers; l++ {
		for e, c := range src.Row(l) {
			if c != 0 {
				dst.Add(offset+l, e, c)
			}
		}
	}
}

// Driver replays batches through a decoder-only or an encoder-decoder
// model. Exactly one of Model and Seq2Seq is set.
type Driver struct {
	Model          model.CausalLM
	Seq2Seq        model.Seq2SeqLM
	Prefetcher     offload.Prefetcher
	MaxNewTokens   int
	DecoderStartID int
}

func (d *Driver) geometry() moe.Geometry {
	if d.Seq2Seq != nil {
		return d.Seq2Seq.Geometry()
	}
	return d.Model.Geometry()
}

// Check rejects a pattern file that cannot drive this model.
func (d *Driver) Check(f *pattern.File) error {
	return f.Compatible(d.geometry(), d.MaxNewTokens)
}

// Replay runs one batch and returns the decode ids fed to the model, one
// row per record.
func (d *Driver) Replay(ctx context.Context, b Batch) ([][]int, error) {
	geo := d.geometry()
	planner := Planner{Records: b.Records, Layers: geo.Layers, Experts: geo.Experts, Seq2Seq: d.Seq2Seq != nil}
	sampler := Scripted{Records: b.Records}

	logger.Log.Debug("replaying batch", "records", len(b.Records), "prompt_len", b.PromptLen())
	if d.Seq2Seq != nil {
		g := &generate.Seq2SeqGenerator{
			Model:          d.Seq2Seq,
			Sampler:        sampler,
			MaxNewTokens:   d.MaxNewTokens,
			DecoderStartID: d.DecoderStartID,
			Planner:        planner,
			Prefetcher:     d.Prefetcher,
		}
		res, err := g.Generate(ctx, b.Batch)
		if err != nil {
			return nil, err
		}
		return res.Generated, nil
	}

	g := &generate.Generator{
		Model:        d.Model,
		Sampler:      sampler,
		MaxNewTokens: d.MaxNewTokens,
		Planner:      planner,
		Prefetcher:   d.Prefetcher,
	}
	res, err := g.Generate(ctx, b.Batch)
	if err != nil {
		return nil, err
	}
	return res.Generated, nil
}
