package gguf

import (
	"bytes"
	"encoding/binary"
	"os"
	"strconv"
)

// Builder assembles a GGUF header with metadata and tensor descriptors but
// no tensor data. It is enough for geometry probing and tokenizer loading.
type Builder struct {
	kv      bytes.Buffer
	nKV     uint64
	tensors bytes.Buffer
	nT      uint64
}

func putString(w *bytes.Buffer, s string) {
	binary.Write(w, binary.LittleEndian, uint64(len(s)))
	w.WriteString(s)
}

func (b *Builder) String(key, val string) *Builder {
	putString(&b.kv, key)
	binary.Write(&b.kv, binary.LittleEndian, uint32(GGUFMetadataValueTypeString))
	putString(&b.kv, val)
	b.nKV++
	return b
}

func (b *Builder) Uint32(key string, val uint32) *Builder {
	putString(&b.kv, key)
	binary.Write(&b.kv, binary.LittleEndian, uint32(GGUFMetadataValueTypeUint32))
	binary.Write(&b.kv, binary.LittleEndian, val)
	b.nKV++
	return b
}

func (b *Builder) Strings(key string, vals []string) *Builder {
	putString(&b.kv, key)
	binary.Write(&b.kv, binary.LittleEndian, uint32(GGUFMetadataValueTypeArray))
	binary.Write(&b.kv, binary.LittleEndian, uint32(GGUFMetadataValueTypeString))
	binary.Write(&b.kv, binary.LittleEndian, uint64(len(vals)))
	for _, v := range vals {
		putString(&b.kv, v)
	}
	b.nKV++
	return b
}

// Tensor adds a descriptor with offset 0.
func (b *Builder) Tensor(name string, typ GGMLType, dims ...uint64) *Builder {
	putString(&b.tensors, name)
	binary.Write(&b.tensors, binary.LittleEndian, uint32(len(dims)))
	for _, d := range dims {
		binary.Write(&b.tensors, binary.LittleEndian, d)
	}
	binary.Write(&b.tensors, binary.LittleEndian, uint32(typ))
	binary.Write(&b.tensors, binary.LittleEndian, uint64(0))
	b.nT++
	return b
}

func (b *Builder) Bytes() []byte {
	var out bytes.Buffer
	binary.Write(&out, binary.LittleEndian, uint32(GGUFMagic))
	binary.Write(&out, binary.LittleEndian, uint32(GGUFVersion))
	binary.Write(&out, binary.LittleEndian, b.nT)
	binary.Write(&out, binary.LittleEndian, b.nKV)
	out.Write(b.kv.Bytes())
	out.Write(b.tensors.Bytes())
	return out.Bytes()
}

func (b *Builder) WriteFile(path string) error {
	return os.WriteFile(path, b.Bytes(), 0o644)
}

// MoEFixture describes a small mixture-of-experts model header.
type MoEFixture struct {
	Arch    string
	Name    string
	Layers  int
	Experts int
	TopK    int
	Hidden  int
	FFN     int
	Tokens  []string
}

// Build writes the metadata keys Geometry reads plus stacked F16 expert
// tensors for every block.
func (m MoEFixture) Build() *Builder {
	b := &Builder{}
	b.String("general.architecture", m.Arch)
	b.String("general.name", m.Name)
	b.Uint32(m.Arch+".block_count", uint32(m.Layers))
	b.Uint32(m.Arch+".expert_count", uint32(m.Experts))
	b.Uint32(m.Arch+".expert_used_count", uint32(m.TopK))
	if len(m.Tokens) > 0 {
		b.Strings("tokenizer.ggml.tokens", m.Tokens)
	}
	h, f, e := uint64(m.Hidden), uint64(m.FFN), uint64(m.Experts)
	for l := 0; l < m.Layers; l++ {
		blk := "blk." + strconv.Itoa(l)
		b.Tensor(blk+".ffn_gate_exps.weight", GGMLTypeF16, h, f, e)
		b.Tensor(blk+".ffn_up_exps.weight", GGMLTypeF16, h, f, e)
		b.Tensor(blk+".ffn_down_exps.weight", GGMLTypeF16, f, h, e)
	}
	return b
}
