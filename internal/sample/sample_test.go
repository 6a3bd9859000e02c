package sample

import (
	"math"
	"math/rand/v2"
	"testing"
)

func finiteCount(logits []float64) int {
	n := 0
	for _, v := range logits {
		if !math.IsInf(v, -1) {
			n++
		}
	}
	return n
}

func TestFilterTopP_OneIsNoop(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	for trial := 0; trial < 50; trial++ {
		logits := make([]float64, 64)
		for i := range logits {
			logits[i] = r.NormFloat64() * 5
		}
		FilterTopP(logits, 1.0)
		if got := finiteCount(logits); got != len(logits) {
			t.Fatalf("trial %d: top_p=1.0 removed %d tokens", trial, len(logits)-got)
		}
	}
}

func TestFilterTopP_AlwaysKeepsOne(t *testing.T) {
	r := rand.New(rand.NewPCG(3, 4))
	for _, p := range []float64{1e-9, 0.01, 0.3, 0.5, 0.9, 0.999} {
		for trial := 0; trial < 20; trial++ {
			logits := make([]float64, 32)
			for i := range logits {
				logits[i] = r.NormFloat64() * 10
			}
			FilterTopP(logits, p)
			if finiteCount(logits) < 1 {
				t.Fatalf("p=%v: every logit filtered", p)
			}
		}
	}
}

func TestFilterTopP_BoundaryInclusion(t *testing.T) {
	// probs ~ 0.4, 0.3, 0.2, 0.1
	logits := []float64{math.Log(0.4), math.Log(0.3), math.Log(0.2), math.Log(0.1)}

	// cum: 0.4, 0.7 -> token 1 crosses 0.5 and is kept; 2 and 3 removed
	out := FilterTopP(append([]float64(nil), logits...), 0.5)
	want := []bool{true, true, false, false}
	for i, keep := range want {
		if keep == math.IsInf(out[i], -1) {
			t.Errorf("p=0.5 token %d: keep=%v got %v", i, keep, out[i])
		}
	}

	// the top token alone exceeds a small p: only it survives
	out = FilterTopP(append([]float64(nil), logits...), 0.1)
	if finiteCount(out) != 1 || math.IsInf(out[0], -1) {
		t.Errorf("p=0.1 should keep only token 0, got %v", out)
	}
}

func TestFilterTopP_UnsortedInput(t *testing.T) {
	logits := []float64{math.Log(0.1), math.Log(0.6), math.Log(0.3)}
	out := FilterTopP(logits, 0.65)
	if math.IsInf(out[1], -1) || math.IsInf(out[2], -1) {
		t.Errorf("expected tokens 1 and 2 kept, got %v", out)
	}
	if !math.IsInf(out[0], -1) {
		t.Errorf("expected token 0 removed, got %v", out)
	}
}

func TestTemperatureBeforeFilter(t *testing.T) {
	// at temperature 1 token 0 dominates (p>0.9); at a high temperature the
	// distribution flattens so top_p=0.9 must keep more than one token
	seed := uint64(7)
	cold := New(Config{Temperature: 1, TopP: 0.9, Seed: &seed})
	hot := New(Config{Temperature: 100, TopP: 0.9, Seed: &seed})
	logits := []float32{10, 5, 4, 3}

	c, err := cold.Filter(logits)
	if err != nil {
		t.Fatal(err)
	}
	h, err := hot.Filter(logits)
	if err != nil {
		t.Fatal(err)
	}
	if finiteCount(c) != 1 {
		t.Errorf("cold filter kept %d tokens, want 1", finiteCount(c))
	}
	if finiteCount(h) < 3 {
		t.Errorf("hot filter kept %d tokens, want >=3", finiteCount(h))
	}
}

func TestSample_NeverPicksFiltered(t *testing.T) {
	seed := uint64(11)
	s := New(Config{Temperature: 1, TopP: 0.5, Seed: &seed})
	logits := []float32{
		float32(math.Log(0.4)), float32(math.Log(0.3)),
		float32(math.Log(0.2)), float32(math.Log(0.1)),
	}
	seen := map[int]int{}
	for i := 0; i < 500; i++ {
		tok, err := s.Sample(logits)
		if err != nil {
			t.Fatal(err)
		}
		if tok == 2 || tok == 3 {
			t.Fatalf("sampled filtered token %d", tok)
		}
		seen[tok]++
	}
	// stochastic: both survivors should show up
	if seen[0] == 0 || seen[1] == 0 {
		t.Errorf("expected both nucleus tokens sampled, got %v", seen)
	}
}

func TestSample_Seeded(t *testing.T) {
	seed := uint64(42)
	a := New(Config{Temperature: 0.9, TopP: 0.9, Seed: &seed})
	b := New(Config{Temperature: 0.9, TopP: 0.9, Seed: &seed})
	logits := []float32{1, 2, 3, 4, 3, 2, 1}
	for i := 0; i < 20; i++ {
		x, _ := a.Sample(logits)
		y, _ := b.Sample(logits)
		if x != y {
			t.Fatalf("draw %d differs: %d vs %d", i, x, y)
		}
	}
}

func TestSample_Errors(t *testing.T) {
	s := New(Config{Temperature: 1, TopP: 0.9})
	inf := float32(math.Inf(-1))
	if _, err := s.Sample([]float32{inf, inf}); err == nil {
		t.Error("expected error for all -Inf logits")
	}

	bad := New(Config{Temperature: 0})
	if _, err := bad.Sample([]float32{1, 2}); err == nil {
		t.Error("expected error for zero temperature")
	}

	if _, err := TopP(1.5).Apply([]float64{1}); err == nil {
		t.Error("expected error for top_p > 1")
	}
}

func TestSampleBatch(t *testing.T) {
	seed := uint64(5)
	s := New(Config{Temperature: 1, TopP: 0.9, Seed: &seed})
	rows := [][]float32{{100, 0, 0}, {0, 0, 100}}
	got, err := s.SampleBatch(rows)
	if err != nil {
		t.Fatal(err)
	}
	if got[0] != 0 || got[1] != 2 {
		t.Errorf("got %v, want [0 2]", got)
	}
}
