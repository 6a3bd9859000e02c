package generate

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/23skdu/longbow-offload/internal/moe"
)

// Predictor guesses the experts a batch will need from its tokens.
type Predictor interface {
	Predict(ctx context.Context, tokens, mask [][]int) (moe.Pattern, error)
}

// RandomPredictor marks each (layer, expert) as needed with probability 1/2.
// It stands in for a learned predictor.
type RandomPredictor struct {
	Layers  int
	Experts int

	mu  sync.Mutex
	rng *rand.Rand
}

func NewRandomPredictor(layers, experts int, seed uint64) *RandomPredictor {
	return &RandomPredictor{
		Layers:  layers,
		Experts: experts,
		rng:     rand.New(rand.NewPCG(seed, seed+1)),
	}
}

func (r *RandomPredictor) Predict(ctx context.Context, _, _ [][]int) (moe.Pattern, error) {
	if err := ctx.Err(); err != nil {
		return moe.Pattern{}, err
	}
	p := moe.NewPattern(r.Layers, r.Experts)
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range p.Counts {
		p.Counts[i] = float32(r.rng.IntN(2))
	}
	return p, nil
}

// NewPredictor resolves a predictor by name.
func NewPredictor(name string, g moe.Geometry, seed uint64) (Predictor, error) {
	switch name {
	case "random":
		return NewRandomPredictor(g.Layers, g.Experts, seed), nil
	}
	return nil, fmt.Errorf("unknown predictor %q", name)
}

// PredictorPlanner prefetches a prediction before every forward pass.
type PredictorPlanner struct {
	Predictor Predictor
}

func (pp PredictorPlanner) Plan(ctx context.Context, step Step) (moe.Pattern, bool, error) {
	p, err := pp.Predictor.Predict(ctx, step.Tokens, step.Mask)
	if err != nil {
		return moe.Pattern{}, false, err
	}
	return p, true, nil
}
