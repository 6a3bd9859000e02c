// Package sample turns next-token logits into token ids with temperature
// scaling, nucleus (top-p) truncation and a multinomial draw.
package sample

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/sampleuv"
)

var ErrNoValidLogits = errors.New("no finite logits to sample from")

type Transform interface {
	Apply([]float64) ([]float64, error)
}

func softmax(logits []float64) []float64 {
	maxLogit := math.Inf(-1)
	for _, v := range logits {
		if v > maxLogit {
			maxLogit = v
		}
	}
	probs := make([]float64, len(logits))
	if math.IsInf(maxLogit, -1) {
		return probs
	}
	var sum float64
	for i, v := range logits {
		probs[i] = math.Exp(v - maxLogit)
		sum += probs[i]
	}
	floats.Scale(1/sum, probs)
	return probs
}

// Temperature divides every logit by t.
type Temperature float64

func (t Temperature) Apply(logits []float64) ([]float64, error) {
	if t <= 0 {
		return nil, fmt.Errorf("temperature must be positive, got %v", float64(t))
	}
	if t == 1 {
		return logits, nil
	}
	for i := range logits {
		logits[i] /= float64(t)
	}
	return logits, nil
}

// TopP keeps the smallest high-probability prefix whose cumulative
// probability exceeds p, including the token that crosses p.
type TopP float64

func (p TopP) Apply(logits []float64) ([]float64, error) {
	if p <= 0 || p > 1 {
		return nil, fmt.Errorf("top_p must be in (0, 1], got %v", float64(p))
	}
	return FilterTopP(logits, float64(p)), nil
}

// FilterTopP sets logits outside the nucleus to -Inf in place. Tokens are
// ranked by probability; a token is removed only if the cumulative
// probability of the tokens ranked before it already exceeds p, so the
// most likely token always survives. p >= 1 leaves logits untouched.
func FilterTopP(logits []float64, p float64) []float64 {
	if p >= 1 || len(logits) == 0 {
		return logits
	}
	probs := softmax(logits)
	indices := make([]int, len(probs))
	for i := range indices {
		indices[i] = i
	}
	slices.SortStableFunc(indices, func(a, b int) int {
		return cmp.Compare(probs[b], probs[a])
	})

	var cumSum float64
	for i, idx := range indices {
		cumSum += probs[idx]
		if cumSum > p {
			for _, drop := range indices[i+1:] {
				logits[drop] = math.Inf(-1)
			}
			break
		}
	}
	return logits
}

// Config controls a Nucleus sampler. A nil Seed draws from the global
// source.
type Config struct {
	Temperature float64
	TopP        float64
	Seed        *uint64
}

// Nucleus samples one token per row: logits / temperature, top-p filter,
// softmax, multinomial draw. It is not safe for concurrent use.
type Nucleus struct {
	transforms []Transform
	src        rand.Source
}

func New(cfg Config) *Nucleus {
	n := &Nucleus{}
	if cfg.Seed != nil {
		n.src = rand.NewPCG(*cfg.Seed, *cfg.Seed^0x9e3779b97f4a7c15)
	}
	n.transforms = append(n.transforms, Temperature(cfg.Temperature))
	if cfg.TopP > 0 && cfg.TopP < 1 {
		n.transforms = append(n.transforms, TopP(cfg.TopP))
	}
	return n
}

// Filter applies the configured transforms to a copy of logits.
func (n *Nucleus) Filter(logits []float32) ([]float64, error) {
	out := make([]float64, len(logits))
	for i, v := range logits {
		out[i] = float64(v)
	}
	var err error
	for _, t := range n.transforms {
		out, err = t.Apply(out)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (n *Nucleus) Sample(logits []float32) (int, error) {
	filtered, err := n.Filter(logits)
	if err != nil {
		return -1, err
	}

	kept := make([]float64, 0, len(filtered))
	indices := make([]int, 0, len(filtered))
	for i, v := range filtered {
		if !math.IsInf(v, -1) && !math.IsNaN(v) {
			kept = append(kept, v)
			indices = append(indices, i)
		}
	}
	if len(kept) == 0 {
		return -1, ErrNoValidLogits
	}

	w := sampleuv.NewWeighted(softmax(kept), n.src)
	if idx, ok := w.Take(); ok {
		return indices[idx], nil
	}
	return -1, ErrNoValidLogits
}

// SampleBatch samples one token for every row of logits.
func (n *Nucleus) SampleBatch(rows [][]float32) ([]int, error) {
	out := make([]int, len(rows))
	for i, row := range rows {
		tok, err := n.Sample(row)
		if err != nil {
			return nil, fmt.Errorf("sample row %d: %w", i, err)
		}
		out[i] = tok
	}
	return out, nil
}
