package moe

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopK(t *testing.T) {
	tests := []struct {
		name string
		row  []float32
		k    int
		want Decision
	}{
		{"top2", []float32{0.1, 0.9, 0.3, 0.5}, 2, Decision{1, 3}},
		{"ties keep lower index", []float32{1, 1, 0, 1}, 2, Decision{0, 1}},
		{"k larger than row", []float32{2, 1}, 4, Decision{0, 1}},
		{"top1", []float32{-3, -1, -2}, 1, Decision{1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TopK(tt.row, tt.k))
		})
	}
}

func TestPatternAddDecisionsAndNeeded(t *testing.T) {
	p := NewPattern(2, 4)
	p.AddDecisions([]Decision{{0, 1}, {3, 1}})
	p.AddDecisions([]Decision{{0, 2}, {3, 0}})

	assert.Equal(t, float32(2), p.At(0, 0))
	assert.Equal(t, []int{0, 1, 2}, p.Needed(0))
	assert.Equal(t, []int{0, 1, 3}, p.Needed(1))
	assert.Equal(t, float32(8), p.Total())
}

func TestPatternMergeShape(t *testing.T) {
	a := NewPattern(2, 4)
	b := NewPattern(3, 4)
	err := a.Merge(b)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPatternShape))

	c := NewPattern(2, 4)
	c.Add(1, 2, 3)
	require.NoError(t, a.Merge(c))
	assert.Equal(t, float32(3), a.At(1, 2))
}

func TestPatternCheckShape(t *testing.T) {
	p := NewPattern(32, 8)
	assert.NoError(t, p.CheckShape(Geometry{Layers: 32, Experts: 8, TopK: 2}))
	assert.ErrorIs(t, p.CheckShape(Geometry{Layers: 12, Experts: 16, TopK: 1}), ErrPatternShape)
}

func TestPatternMatrixValidate(t *testing.T) {
	g := Geometry{Layers: 2, Experts: 4, TopK: 2}
	ok := PatternMatrix{{{0, 1}, {2, 3}}}
	assert.NoError(t, ok.Validate(g))

	badSlots := PatternMatrix{{{0}, {2, 3}}}
	assert.ErrorIs(t, badSlots.Validate(g), ErrPatternShape)

	badExpert := PatternMatrix{{{0, 4}, {2, 3}}}
	assert.ErrorIs(t, badExpert.Validate(g), ErrPatternShape)
}

func TestTraceLayout(t *testing.T) {
	tr := NewTrace(2, 3, 1)
	prefill := RouterLogits{
		{0}, {1}, {2}, // sample 0
		{10}, {11}, {12}, // sample 1
	}
	require.NoError(t, tr.SetPrefill([]RouterLogits{prefill}))
	require.NoError(t, tr.AppendStep([]RouterLogits{{{100}, {101}}}))
	require.NoError(t, tr.AppendStep([]RouterLogits{{{200}, {201}}}))

	assert.Equal(t, 2, tr.Steps())
	assert.Equal(t, float32(12), tr.PrefillRow(0, 1, 2)[0])
	assert.Equal(t, float32(201), tr.DecodeRow(0, 1, 1)[0])
	assert.Equal(t, float32(100), tr.DecodeRow(0, 0, 0)[0])

	assert.ErrorIs(t, tr.AppendStep([]RouterLogits{{{1}}}), ErrPatternShape)
	assert.ErrorIs(t, tr.SetPrefill([]RouterLogits{{{1}}}), ErrPatternShape)
}

func TestGeometryValidate(t *testing.T) {
	assert.NoError(t, Geometry{Layers: 32, Experts: 8, TopK: 2}.Validate())
	assert.Error(t, Geometry{Layers: 0, Experts: 8, TopK: 2}.Validate())
	assert.Error(t, Geometry{Layers: 1, Experts: 0, TopK: 1}.Validate())
	assert.Error(t, Geometry{Layers: 1, Experts: 2, TopK: 3}.Validate())
}
