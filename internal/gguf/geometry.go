package gguf

import (
	"fmt"
	"strings"
)

// Geometry is the MoE layout recorded in a model file's metadata.
type Geometry struct {
	Architecture string
	Name         string
	Layers       int
	Experts      int
	TopK         int
	VocabSize    int
	// ExpertBytes is the size of one expert's weights in the first MoE
	// block, or zero when the file carries no stacked expert tensors.
	ExpertBytes int64
}

// Geometry reads the MoE geometry from the file's metadata. Expert count and
// top-k fall back across the key spellings used by different converters.
func (f *File) Geometry() (Geometry, error) {
	g := Geometry{}
	g.Architecture, _ = f.KV["general.architecture"].(string)
	g.Name, _ = f.KV["general.name"].(string)
	arch := g.Architecture

	g.Layers = int(getKVInt(f.KV, arch+".block_count"))
	g.Experts = int(getKVInt(f.KV, arch+".expert_count"))
	g.TopK = int(getKVInt(f.KV, arch+".expert_used_count", arch+".expert_used_top_k", arch+".expert_top_k"))
	g.VocabSize = int(getKVInt(f.KV, arch+".vocab_size"))
	if g.VocabSize == 0 {
		if toks, ok := f.KV["tokenizer.ggml.tokens"].([]interface{}); ok {
			g.VocabSize = len(toks)
		}
	}

	if g.Experts == 0 {
		return g, fmt.Errorf("gguf: %q has no expert_count (not a MoE model)", arch)
	}
	if g.Layers == 0 {
		return g, fmt.Errorf("gguf: %q has no block_count", arch)
	}

	var blockBytes uint64
	for _, t := range f.Tensors {
		if strings.HasPrefix(t.Name, "blk.0.") && strings.Contains(t.Name, "_exps") {
			blockBytes += t.SizeBytes()
		}
	}
	g.ExpertBytes = int64(blockBytes / uint64(g.Experts))
	return g, nil
}

func getKVInt(kv map[string]interface{}, keys ...string) uint64 {
	for _, key := range keys {
		if val, ok := kv[key]; ok {
			switch v := val.(type) {
			case uint64:
				return v
			case int64:
				return uint64(v)
			case uint32:
				return uint64(v)
			case int32:
				return uint64(v)
			case uint16:
				return uint64(v)
			case uint8:
				return uint64(v)
			case int:
				return uint64(v)
			}
		}
	}
	return 0
}
