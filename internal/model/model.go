// Package model defines the forward-pass contract the generation loop drives
// and deterministic simulated MoE backends that satisfy it.
package model

import (
	"context"
	"fmt"

	"github.com/23skdu/longbow-offload/internal/moe"
)

// Cache is the key/value state carried between forward passes. Len is the
// number of positions per sample already processed.
type Cache struct {
	Len int
}

type Input struct {
	InputIDs           [][]int
	Mask               [][]int
	Cache              *Cache
	UseCache           bool
	OutputRouterLogits bool
}

type Output struct {
	// Logits holds the next-token logits at the last position of each sample.
	Logits [][]float32
	Cache  *Cache
	// RouterLogits has one entry per MoE layer; rows are laid out
	// sample-major over the positions fed in this call.
	RouterLogits []moe.RouterLogits
}

// CausalLM is a decoder-only MoE language model.
type CausalLM interface {
	Forward(ctx context.Context, in *Input) (*Output, error)
	Geometry() moe.Geometry
	VocabSize() int
}

// EncoderState is the reusable encoder output of an encoder-decoder model.
type EncoderState struct {
	Batch        int
	Len          int
	RouterLogits []moe.RouterLogits
	digest       []uint64
}

type Seq2SeqInput struct {
	InputIDs        [][]int
	Mask            [][]int
	DecoderInputIDs [][]int
	// Encoder, when set, is reused and InputIDs are ignored.
	Encoder            *EncoderState
	Cache              *Cache
	UseCache           bool
	OutputRouterLogits bool
}

type Seq2SeqOutput struct {
	Logits              [][]float32
	Encoder             *EncoderState
	Cache               *Cache
	EncoderRouterLogits []moe.RouterLogits
	DecoderRouterLogits []moe.RouterLogits
}

// Seq2SeqLM is an encoder-decoder MoE model. Encoder and decoder each have
// Geometry().Layers MoE layers.
type Seq2SeqLM interface {
	Forward(ctx context.Context, in *Seq2SeqInput) (*Seq2SeqOutput, error)
	Geometry() moe.Geometry
	VocabSize() int
}

// ExpertStore guarantees an expert is resident for the duration of its use.
// offload.Buffer satisfies it.
type ExpertStore interface {
	Acquire(ctx context.Context, layer, expert int) (release func(), err error)
}

func checkRect(ids [][]int, what string) (batch, seq int, err error) {
	batch = len(ids)
	if batch == 0 {
		return 0, 0, fmt.Errorf("%s: empty batch", what)
	}
	seq = len(ids[0])
	for i, row := range ids {
		if len(row) != seq {
			return 0, 0, fmt.Errorf("%s: row %d has %d positions, want %d", what, i, len(row), seq)
		}
	}
	if seq == 0 {
		return 0, 0, fmt.Errorf("%s: zero-length rows", what)
	}
	return batch, seq, nil
}
