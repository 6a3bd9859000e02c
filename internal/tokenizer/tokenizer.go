// Package tokenizer maps prompt text to token ids for the generation loop.
package tokenizer

import (
	"fmt"
	"strings"

	"github.com/23skdu/longbow-offload/internal/gguf"
)

// Tokenizer encodes prompts and decodes generated ids.
type Tokenizer interface {
	Encode(text string) []int
	Decode(ids []int) string
	VocabSize() int
}

// Byte reserves ids 0..2 for pad, bos and eos and maps every byte b to
// id b+3. It needs no vocabulary file.
type Byte struct {
	AddBOS bool
}

const (
	BytePad    = 0
	ByteBOS    = 1
	ByteEOS    = 2
	byteOffset = 3
)

func (b Byte) Encode(text string) []int {
	ids := make([]int, 0, len(text)+1)
	if b.AddBOS {
		ids = append(ids, ByteBOS)
	}
	for i := 0; i < len(text); i++ {
		ids = append(ids, int(text[i])+byteOffset)
	}
	return ids
}

func (Byte) Decode(ids []int) string {
	buf := make([]byte, 0, len(ids))
	for _, id := range ids {
		if id >= byteOffset && id < byteOffset+256 {
			buf = append(buf, byte(id-byteOffset))
		}
	}
	return string(buf)
}

func (Byte) VocabSize() int { return 256 + byteOffset }

const spaceMarker = "▁"

// Vocab is a greedy longest-match tokenizer over a sentencepiece style
// vocabulary read from GGUF metadata. Bytes with no matching piece fall
// back to <0xNN> tokens, then to the unknown id.
type Vocab struct {
	Tokens []string
	Vocab  map[string]int
	UnkID  int
	BOSID  int
	AddBOS bool

	maxLen int
}

func New(path string) (*Vocab, error) {
	f, err := gguf.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return FromGGUF(f)
}

func FromGGUF(f *gguf.File) (*Vocab, error) {
	val, ok := f.KV["tokenizer.ggml.tokens"]
	if !ok {
		return nil, fmt.Errorf("tokenizer.ggml.tokens not found in GGUF")
	}
	arr, ok := val.([]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid type for tokenizer.ggml.tokens")
	}
	tokens := make([]string, len(arr))
	for i, v := range arr {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("token %d is not a string", i)
		}
		tokens[i] = s
	}
	v := NewVocab(tokens)
	if id, ok := f.KV["tokenizer.ggml.bos_token_id"].(uint32); ok {
		v.BOSID = int(id)
		v.AddBOS = true
	}
	if id, ok := f.KV["tokenizer.ggml.unknown_token_id"].(uint32); ok {
		v.UnkID = int(id)
	}
	return v, nil
}

func NewVocab(tokens []string) *Vocab {
	v := &Vocab{Tokens: tokens, Vocab: make(map[string]int, len(tokens))}
	for i, s := range tokens {
		if _, dup := v.Vocab[s]; !dup {
			v.Vocab[s] = i
		}
		if len(s) > v.maxLen {
			v.maxLen = len(s)
		}
	}
	return v
}

func (v *Vocab) VocabSize() int { return len(v.Tokens) }

func (v *Vocab) Encode(text string) []int {
	var ids []int
	if v.AddBOS {
		ids = append(ids, v.BOSID)
	}
	if text == "" {
		return ids
	}
	s := spaceMarker + strings.ReplaceAll(text, " ", spaceMarker)
	for len(s) > 0 {
		n := min(v.maxLen, len(s))
		matched := false
		for ; n > 0; n-- {
			if id, ok := v.Vocab[s[:n]]; ok {
				ids = append(ids, id)
				s = s[n:]
				matched = true
				break
			}
		}
		if matched {
			continue
		}
		if id, ok := v.Vocab[fmt.Sprintf("<0x%02X>", s[0])]; ok {
			ids = append(ids, id)
		} else {
			ids = append(ids, v.UnkID)
		}
		s = s[1:]
	}
	return ids
}

func (v *Vocab) Decode(ids []int) string {
	var sb strings.Builder
	for _, id := range ids {
		if id < 0 || id >= len(v.Tokens) || (v.AddBOS && id == v.BOSID) {
			continue
		}
		tok := v.Tokens[id]
		var b byte
		if len(tok) == 6 && strings.HasPrefix(tok, "<0x") {
			if _, err := fmt.Sscanf(tok, "<0x%02X>", &b); err == nil {
				sb.WriteByte(b)
				continue
			}
		}
		sb.WriteString(tok)
	}
	return strings.TrimPrefix(strings.ReplaceAll(sb.String(), spaceMarker, " "), " ")
}
