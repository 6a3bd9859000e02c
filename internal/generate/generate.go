// Package generate runs fixed-length autoregressive generation over a MoE
// model while recording the router logits of every forward pass.
package generate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/23skdu/longbow-offload/internal/dataset"
	"github.com/23skdu/longbow-offload/internal/logger"
	"github.com/23skdu/longbow-offload/internal/metrics"
	"github.com/23skdu/longbow-offload/internal/model"
	"github.com/23skdu/longbow-offload/internal/moe"
	"github.com/23skdu/longbow-offload/internal/offload"
	"github.com/23skdu/longbow-offload/internal/sample"
)

// Step describes the forward pass about to run. Index 0 is prefill;
// Index i > 0 is decode step i. Tokens and Mask are the full sequences the
// model has seen once this pass completes.
type Step struct {
	Index  int
	Tokens [][]int
	Mask   [][]int
}

func (s Step) Prefill() bool { return s.Index == 0 }

// Planner chooses what to prefetch before a forward pass. ok=false skips
// prefetching for that pass.
type Planner interface {
	Plan(ctx context.Context, step Step) (p moe.Pattern, ok bool, err error)
}

// Sampler picks the next token of every sample. step is the 0-based index
// of the token being produced.
type Sampler interface {
	Next(ctx context.Context, step int, logits [][]float32) ([]int, error)
}

// NucleusSampler adapts a sample.Nucleus to Sampler.
type NucleusSampler struct {
	*sample.Nucleus
}

func (n NucleusSampler) Next(_ context.Context, _ int, logits [][]float32) ([]int, error) {
	return n.SampleBatch(logits)
}

// Result of one batch. Tokens[i] is prompt followed by MaxNewTokens
// generated ids, and Mask[i] has the same length. Trace holds one prefill
// pass and one decode step per generated token, so decode row i is the
// routing of generated token i.
type Result struct {
	Tokens    [][]int
	Mask      [][]int
	Generated [][]int
	Trace     *moe.Trace
}

// Generator drives a decoder-only model. The zero Planner/Prefetcher runs
// without prefetching.
type Generator struct {
	Model        model.CausalLM
	Sampler      Sampler
	MaxNewTokens int
	Planner      Planner
	Prefetcher   offload.Prefetcher
}

// Generate runs one prefill pass over the whole prompt and then
// MaxNewTokens decode passes, each over the most recently generated token
// with the cache of the previous pass. The attention mask grows by one
// trailing 1 before every decode pass. There is no early stop.
func (g *Generator) Generate(ctx context.Context, b dataset.Batch) (*Result, error) {
	batch, promptLen := b.Size(), b.PromptLen()
	if batch == 0 || promptLen == 0 {
		return nil, fmt.Errorf("generate: empty batch")
	}
	if g.MaxNewTokens < 0 {
		return nil, fmt.Errorf("generate: invalid max_new_tokens %d", g.MaxNewTokens)
	}
	geo := g.Model.Geometry()

	res := &Result{
		Tokens:    cloneRows(b.InputIDs, g.MaxNewTokens),
		Mask:      cloneRows(b.Mask, g.MaxNewTokens),
		Generated: make([][]int, batch),
		Trace:     moe.NewTrace(batch, promptLen, geo.Layers),
	}

	input := b.InputIDs
	var cache *model.Cache
	for step := 0; step <= g.MaxNewTokens; step++ {
		if step > 0 {
			for i := range res.Mask {
				res.Mask[i] = append(res.Mask[i], 1)
			}
		}
		if err := prefetch(ctx, g.Planner, g.Prefetcher, Step{Index: step, Tokens: res.Tokens, Mask: res.Mask}); err != nil {
			return nil, err
		}

		out, err := g.Model.Forward(ctx, &model.Input{
			InputIDs:           input,
			Mask:               res.Mask,
			Cache:              cache,
			UseCache:           true,
			OutputRouterLogits: true,
		})
		if err != nil {
			return nil, fmt.Errorf("forward step %d: %w", step, err)
		}
		if step == 0 {
			err = res.Trace.SetPrefill(out.RouterLogits)
		} else {
			err = res.Trace.AppendStep(out.RouterLogits)
		}
		if err != nil {
			return nil, fmt.Errorf("forward step %d: %w", step, err)
		}
		cache = out.Cache

		// the pass that consumes the last generated token only records routing
		if step == g.MaxNewTokens {
			break
		}
		next, err := g.Sampler.Next(ctx, step, out.Logits)
		if err != nil {
			return nil, fmt.Errorf("sample step %d: %w", step, err)
		}
		if len(next) != batch {
			return nil, fmt.Errorf("sample step %d: got %d tokens for batch of %d", step, len(next), batch)
		}
		input = make([][]int, batch)
		for i, tok := range next {
			res.Tokens[i] = append(res.Tokens[i], tok)
			res.Generated[i] = append(res.Generated[i], tok)
			input[i] = []int{tok}
		}
	}
	return res, nil
}

// prefetch asks the planner for a pattern and stages it. Capacity overflow
// and staleness only degrade throughput, so they are logged and counted;
// a shape mismatch or loader failure stops the run.
func prefetch(ctx context.Context, planner Planner, pf offload.Prefetcher, step Step) error {
	if planner == nil || pf == nil {
		return nil
	}
	p, ok, err := planner.Plan(ctx, step)
	if err != nil {
		return fmt.Errorf("plan step %d: %w", step.Index, err)
	}
	if !ok {
		return nil
	}

	start := time.Now()
	err = pf.Prefetch(ctx, p)
	elapsed := time.Since(start)
	switch {
	case err == nil:
		metrics.RecordPrefetch("ok", elapsed)
		logger.Log.Debug("prefetched", "step", step.Index, "pattern", p.String(), "elapsed", elapsed)
		return nil
	case errors.Is(err, moe.ErrPatternShape):
		metrics.RecordPrefetch("error", elapsed)
		return fmt.Errorf("prefetch step %d: %w", step.Index, err)
	case errors.Is(err, offload.ErrPrefetchStale):
		metrics.RecordPrefetch("stale", elapsed)
		logger.Log.Warn("prefetch stale, falling back to on-demand loads", "step", step.Index, "err", err)
		return nil
	case errors.Is(err, offload.ErrCapacityExceeded) && onlyCapacity(err):
		metrics.RecordPrefetch("capacity", elapsed)
		logger.Log.Warn("prefetch pattern exceeds buffer", "step", step.Index, "err", err)
		return nil
	default:
		metrics.RecordPrefetch("error", elapsed)
		return fmt.Errorf("prefetch step %d: %w", step.Index, err)
	}
}

// onlyCapacity reports whether every error joined into err is a capacity
// overflow.
func onlyCapacity(err error) bool {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			if !onlyCapacity(e) {
				return false
			}
		}
		return true
	}
	return errors.Is(err, offload.ErrCapacityExceeded)
}

func cloneRows(rows [][]int, extra int) [][]int {
	out := make([][]int, len(rows))
	for i, r := range rows {
		out[i] = make([]int, len(r), len(r)+extra)
		copy(out[i], r)
	}
	return out
}
