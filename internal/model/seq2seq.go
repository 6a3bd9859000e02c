package model

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/23skdu/longbow-offload/internal/metrics"
	"github.com/23skdu/longbow-offload/internal/moe"
)

// SimulatedSeq2Seq is a deterministic encoder-decoder MoE model. Encoder
// layers map to store layers [0, L) and decoder layers to [L, 2L).
type SimulatedSeq2Seq struct {
	cfg SimConfig

	mu       sync.Mutex
	encodes  int
	decodeIn [][][]int
}

func NewSimulatedSeq2Seq(cfg SimConfig) (*SimulatedSeq2Seq, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &SimulatedSeq2Seq{cfg: cfg}, nil
}

func (s *SimulatedSeq2Seq) Geometry() moe.Geometry { return s.cfg.Geometry }
func (s *SimulatedSeq2Seq) VocabSize() int         { return s.cfg.VocabSize }

// Encodes reports how many times the encoder actually ran.
func (s *SimulatedSeq2Seq) Encodes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.encodes
}

// DecoderInputs returns the decoder ids passed to each forward call.
func (s *SimulatedSeq2Seq) DecoderInputs() [][][]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][][]int(nil), s.decodeIn...)
}

func (s *SimulatedSeq2Seq) encode(ctx context.Context, ids, mask [][]int) (*EncoderState, error) {
	batch, seq, err := checkRect(ids, "input_ids")
	if err != nil {
		return nil, err
	}
	if len(mask) != batch {
		return nil, fmt.Errorf("attention mask has %d rows, want %d", len(mask), batch)
	}
	for b, m := range mask {
		if len(m) != seq {
			return nil, fmt.Errorf("attention mask row %d has %d positions, want %d", b, len(m), seq)
		}
	}
	layers := s.cfg.Geometry.Layers
	st := &EncoderState{Batch: batch, Len: seq, RouterLogits: make([]moe.RouterLogits, layers), digest: make([]uint64, batch)}
	for l := 0; l < layers; l++ {
		rows := make(moe.RouterLogits, 0, batch*seq)
		for b := 0; b < batch; b++ {
			for p := 0; p < seq; p++ {
				rows = append(rows, routerRow(s.cfg.Seed, l, ids[b][p], s.cfg.Geometry.Experts))
			}
		}
		st.RouterLogits[l] = rows
	}
	for b := range st.digest {
		h := s.cfg.Seed
		for p, tok := range ids[b] {
			if mask[b][p] != 0 {
				h = splitmix(h ^ uint64(tok))
			}
		}
		st.digest[b] = h
	}
	if err := acquireRouted(ctx, s.cfg.Experts, s.cfg.Geometry.TopK, st.RouterLogits, mask, 0, seq, 0); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.encodes++
	s.mu.Unlock()
	return st, sleepCtx(ctx, s.cfg.TokenLatency*time.Duration(batch*seq))
}

func (s *SimulatedSeq2Seq) Forward(ctx context.Context, in *Seq2SeqInput) (*Seq2SeqOutput, error) {
	start := time.Now()
	enc := in.Encoder
	phase := "decode"
	if enc == nil {
		var err error
		if enc, err = s.encode(ctx, in.InputIDs, in.Mask); err != nil {
			return nil, err
		}
		phase = "prefill"
	}

	batch, dlen, err := checkRect(in.DecoderInputIDs, "decoder_input_ids")
	if err != nil {
		return nil, err
	}
	if batch != enc.Batch {
		return nil, fmt.Errorf("decoder batch %d does not match encoder batch %d", batch, enc.Batch)
	}
	past := 0
	if in.Cache != nil {
		past = in.Cache.Len
	}
	if past >= dlen {
		return nil, fmt.Errorf("decoder cache covers %d positions but only %d were given", past, dlen)
	}
	fresh := dlen - past
	s.mu.Lock()
	cp := make([][]int, batch)
	for i, row := range in.DecoderInputIDs {
		cp[i] = append([]int(nil), row...)
	}
	s.decodeIn = append(s.decodeIn, cp)
	s.mu.Unlock()

	layers := s.cfg.Geometry.Layers
	router := make([]moe.RouterLogits, layers)
	for l := 0; l < layers; l++ {
		rows := make(moe.RouterLogits, 0, batch*fresh)
		for b := 0; b < batch; b++ {
			for p := past; p < dlen; p++ {
				rows = append(rows, routerRow(s.cfg.Seed, layers+l, in.DecoderInputIDs[b][p], s.cfg.Geometry.Experts))
			}
		}
		router[l] = rows
	}
	if err := acquireRouted(ctx, s.cfg.Experts, s.cfg.Geometry.TopK, router, nil, 0, fresh, layers); err != nil {
		return nil, err
	}
	if err := sleepCtx(ctx, s.cfg.TokenLatency*time.Duration(batch*fresh)); err != nil {
		return nil, err
	}

	logits := make([][]float32, batch)
	for b := range logits {
		logits[b] = nextLogits(s.cfg.Seed^enc.digest[b], uint64(in.DecoderInputIDs[b][dlen-1]), dlen, s.cfg.VocabSize)
	}
	metrics.RecordForward(phase, time.Since(start))

	out := &Seq2SeqOutput{Logits: logits, Encoder: enc}
	if in.UseCache {
		out.Cache = &Cache{Len: dlen}
	}
	if in.OutputRouterLogits {
		out.EncoderRouterLogits = enc.RouterLogits
		out.DecoderRouterLogits = router
	}
	return out, nil
}
