package generate

import (
	"context"
	"fmt"

	"github.com/23skdu/longbow-offload/internal/dataset"
	"github.com/23skdu/longbow-offload/internal/model"
	"github.com/23skdu/longbow-offload/internal/moe"
	"github.com/23skdu/longbow-offload/internal/offload"
)

// Seq2SeqResult keeps encoder and decoder routing apart. Encoder holds the
// encoder pass of step 0 (sample-major over the padded prompt); Decoder
// holds one step per generated token.
type Seq2SeqResult struct {
	DecoderIDs [][]int
	Generated  [][]int
	Encoder    []moe.RouterLogits
	Decoder    *moe.Trace
}

// Seq2SeqGenerator drives an encoder-decoder model for MaxNewTokens passes.
// The encoder runs once; later passes reuse its state. Decoder ids start at
// DecoderStartID and grow by one sampled token per pass.
type Seq2SeqGenerator struct {
	Model          model.Seq2SeqLM
	Sampler        Sampler
	MaxNewTokens   int
	DecoderStartID int
	Planner        Planner
	Prefetcher     offload.Prefetcher
}

func (g *Seq2SeqGenerator) Generate(ctx context.Context, b dataset.Batch) (*Seq2SeqResult, error) {
	batch := b.Size()
	if batch == 0 || b.PromptLen() == 0 {
		return nil, fmt.Errorf("generate: empty batch")
	}
	geo := g.Model.Geometry()
	res := &Seq2SeqResult{
		DecoderIDs: make([][]int, batch),
		Generated:  make([][]int, batch),
		Decoder:    moe.NewTrace(batch, 0, geo.Layers),
	}
	for i := range res.DecoderIDs {
		res.DecoderIDs[i] = []int{g.DecoderStartID}
	}

	var (
		enc   *model.EncoderState
		cache *model.Cache
	)
	for step := 0; step < g.MaxNewTokens; step++ {
		if err := prefetch(ctx, g.Planner, g.Prefetcher, Step{Index: step, Tokens: res.DecoderIDs, Mask: b.Mask}); err != nil {
			return nil, err
		}
		in := &model.Seq2SeqInput{
			DecoderInputIDs:    res.DecoderIDs,
			Encoder:            enc,
			Cache:              cache,
			UseCache:           true,
			OutputRouterLogits: true,
		}
		if enc == nil {
			in.InputIDs, in.Mask = b.InputIDs, b.Mask
		}
		out, err := g.Model.Forward(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("forward step %d: %w", step, err)
		}
		if enc == nil {
			res.Encoder = out.EncoderRouterLogits
		}
		enc, cache = out.Encoder, out.Cache
		if err := res.Decoder.AppendStep(out.DecoderRouterLogits); err != nil {
			return nil, fmt.Errorf("forward step %d: %w", step, err)
		}

		next, err := g.Sampler.Next(ctx, step, out.Logits)
		if err != nil {
			return nil, fmt.Errorf("sample step %d: %w", step, err)
		}
		if len(next) != batch {
			return nil, fmt.Errorf("sample step %d: got %d tokens for batch of %d", step, len(next), batch)
		}
		for i, tok := range next {
			res.DecoderIDs[i] = append(res.DecoderIDs[i], tok)
			res.Generated[i] = append(res.Generated[i], tok)
		}
	}
	return res, nil
}

// Flatten lays the result out as a decoder-only run over b: the encoder
// pass becomes the prefill part of the trace, decoder step i becomes decode
// step i, and every sample's tokens are its prompt followed by its
// generated ids. The decoder start token is not part of the sequence.
func (r *Seq2SeqResult) Flatten(b dataset.Batch) (tr *moe.Trace, tokens, mask [][]int, err error) {
	tr = moe.NewTrace(b.Size(), b.PromptLen(), r.Decoder.Layers)
	if err := tr.SetPrefill(r.Encoder); err != nil {
		return nil, nil, nil, fmt.Errorf("encoder routing: %w", err)
	}
	tr.Decode = r.Decoder.Decode
	n := len(r.Generated[0])
	tokens = cloneRows(b.InputIDs, n)
	mask = cloneRows(b.Mask, n)
	for i, gen := range r.Generated {
		tokens[i] = append(tokens[i], gen...)
		for range gen {
			mask[i] = append(mask[i], 1)
		}
	}
	return tr, tokens, mask, nil
}
