package moe

import (
	"fmt"
	"strings"
)

// Pattern is an aggregate (layers, experts) activation count handed to a
// prefetcher. A nonzero entry means the expert is needed; the magnitude is
// a priority hint.
type Pattern struct {
	Layers  int
	Experts int
	Counts  []float32
}

func NewPattern(layers, experts int) Pattern {
	return Pattern{
		Layers:  layers,
		Experts: experts,
		Counts:  make([]float32, layers*experts),
	}
}

func (p Pattern) At(layer, expert int) float32 {
	return p.Counts[layer*p.Experts+expert]
}

func (p Pattern) Add(layer, expert int, v float32) {
	p.Counts[layer*p.Experts+expert] += v
}

// Row returns the counts of one layer. The slice aliases the pattern.
func (p Pattern) Row(layer int) []float32 {
	return p.Counts[layer*p.Experts : (layer+1)*p.Experts]
}

// AddDecisions counts every expert named in layers, where layers[l] is the
// decision of layer l for a single token.
func (p Pattern) AddDecisions(layers []Decision) {
	for l, d := range layers {
		for _, e := range d {
			p.Add(l, e, 1)
		}
	}
}

// Needed returns the experts of a layer with a nonzero count.
func (p Pattern) Needed(layer int) []int {
	var out []int
	for e, c := range p.Row(layer) {
		if c != 0 {
			out = append(out, e)
		}
	}
	return out
}

// Total is the sum of all counts.
func (p Pattern) Total() float32 {
	var s float32
	for _, c := range p.Counts {
		s += c
	}
	return s
}

// Merge adds other into p. Shapes must match.
func (p Pattern) Merge(other Pattern) error {
	if other.Layers != p.Layers || other.Experts != p.Experts {
		return fmt.Errorf("%w: merge (%d,%d) into (%d,%d)", ErrPatternShape, other.Layers, other.Experts, p.Layers, p.Experts)
	}
	for i, c := range other.Counts {
		p.Counts[i] += c
	}
	return nil
}

// CheckShape reports whether p can be applied to a model with g's geometry.
func (p Pattern) CheckShape(g Geometry) error {
	if p.Layers != g.Layers || p.Experts != g.Experts || len(p.Counts) != g.Layers*g.Experts {
		return fmt.Errorf("%w: pattern (%d,%d) vs model (%d,%d)", ErrPatternShape, p.Layers, p.Experts, g.Layers, g.Experts)
	}
	return nil
}

func (p Pattern) String() string {
	var b strings.Builder
	for l := 0; l < p.Layers; l++ {
		fmt.Fprintf(&b, "L%d:%v", l, p.Needed(l))
		if l < p.Layers-1 {
			b.WriteByte(' ')
		}
	}
	return b.String()
}
