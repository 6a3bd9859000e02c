package moe

import "fmt"

// Trace is the routing-logit record of one generation run.
//
// Prefill[l] has Batch*PromptLen rows laid out sample-major
// (row = b*PromptLen + pos) and includes padding positions. Decode[l] has
// one row per sample per decode step, step-major (row = step*Batch + b).
type Trace struct {
	Batch     int
	PromptLen int
	Layers    int
	Prefill   []RouterLogits
	Decode    []RouterLogits
}

func NewTrace(batch, promptLen, layers int) *Trace {
	return &Trace{
		Batch:     batch,
		PromptLen: promptLen,
		Layers:    layers,
		Prefill:   make([]RouterLogits, layers),
		Decode:    make([]RouterLogits, layers),
	}
}

// SetPrefill stores the prefill forward pass routing logits.
func (t *Trace) SetPrefill(layers []RouterLogits) error {
	if len(layers) != t.Layers {
		return fmt.Errorf("%w: prefill has %d layers, want %d", ErrPatternShape, len(layers), t.Layers)
	}
	for l, rows := range layers {
		if len(rows) != t.Batch*t.PromptLen {
			return fmt.Errorf("%w: prefill layer %d has %d rows, want %d", ErrPatternShape, l, len(rows), t.Batch*t.PromptLen)
		}
		t.Prefill[l] = rows
	}
	return nil
}

// AppendStep concatenates one decode step's routing logits along the
// token axis, in step order.
func (t *Trace) AppendStep(layers []RouterLogits) error {
	if len(layers) != t.Layers {
		return fmt.Errorf("%w: step has %d layers, want %d", ErrPatternShape, len(layers), t.Layers)
	}
	for l, rows := range layers {
		if len(rows) != t.Batch {
			return fmt.Errorf("%w: step layer %d has %d rows, want %d", ErrPatternShape, l, len(rows), t.Batch)
		}
		t.Decode[l] = append(t.Decode[l], rows...)
	}
	return nil
}

// Steps is the number of decode steps recorded so far.
func (t *Trace) Steps() int {
	if t.Layers == 0 || t.Batch == 0 {
		return 0
	}
	return len(t.Decode[0]) / t.Batch
}

func (t *Trace) PrefillRow(layer, sample, pos int) []float32 {
	return t.Prefill[layer][sample*t.PromptLen+pos]
}

func (t *Trace) DecodeRow(layer, step, sample int) []float32 {
	return t.Decode[layer][step*t.Batch+sample]
}
