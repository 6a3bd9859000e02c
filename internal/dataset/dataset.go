// Package dataset loads benchmark prompts, orders them and encodes batches
// with left padding.
package dataset

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/23skdu/longbow-offload/internal/config"
	"github.com/23skdu/longbow-offload/internal/logger"
	"github.com/23skdu/longbow-offload/internal/tokenizer"
)

var ErrNoPrompts = errors.New("no prompts loaded")

// Batch is a left-padded group of prompts. Mask[i][j] is 1 for real tokens
// and 0 for padding; every row has the same length.
type Batch struct {
	Texts    []string
	InputIDs [][]int
	Mask     [][]int
}

func (b Batch) Size() int { return len(b.InputIDs) }

// PromptLen is the padded prompt length.
func (b Batch) PromptLen() int {
	if len(b.InputIDs) == 0 {
		return 0
	}
	return len(b.InputIDs[0])
}

type alpacaRecord struct {
	Conversations []struct {
		Value string `json:"value"`
	} `json:"conversations"`
}

// Load reads every configured source in order.
func Load(sources []config.SourceConfig) ([]string, error) {
	var out []string
	for _, src := range sources {
		prompts, err := LoadSource(src)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", src.Path, err)
		}
		logger.Log.Info("prompts loaded", "path", src.Path, "format", src.Format, "count", len(prompts))
		out = append(out, prompts...)
	}
	if len(out) == 0 {
		return nil, ErrNoPrompts
	}
	return out, nil
}

func LoadSource(src config.SourceConfig) ([]string, error) {
	f, err := os.Open(src.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	tmpl, err := LookupTemplate(src.Template)
	if err != nil {
		return nil, err
	}
	return Read(f, src.Format, src.Field, tmpl, src.Limit)
}

// Read parses prompts from r. format is alpaca (a JSON list whose first
// conversation turn is the prompt), jsonl (one object per line, prompt in
// field) or text (one prompt per line). limit <= 0 reads everything.
func Read(r io.Reader, format, field string, tmpl Template, limit int) ([]string, error) {
	var out []string
	add := func(rec map[string]string) bool {
		out = append(out, tmpl.Apply(rec))
		return limit > 0 && len(out) >= limit
	}

	switch strings.ToLower(format) {
	case "alpaca", "json":
		var recs []alpacaRecord
		if err := json.NewDecoder(r).Decode(&recs); err != nil {
			return nil, fmt.Errorf("decode alpaca json: %w", err)
		}
		for i, rec := range recs {
			if len(rec.Conversations) == 0 {
				return nil, fmt.Errorf("record %d has no conversations", i)
			}
			if add(map[string]string{"text": rec.Conversations[0].Value}) {
				break
			}
		}
	case "jsonl":
		if field == "" {
			field = "text"
		}
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
		line := 0
		for sc.Scan() {
			line++
			raw := strings.TrimSpace(sc.Text())
			if raw == "" {
				continue
			}
			var rec map[string]any
			if err := json.Unmarshal([]byte(raw), &rec); err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
			fields := make(map[string]string, len(rec))
			for k, v := range rec {
				if s, ok := v.(string); ok {
					fields[k] = s
				}
			}
			if _, ok := fields[field]; !ok && len(tmpl.Fields) == 0 {
				return nil, fmt.Errorf("line %d: missing field %q", line, field)
			}
			fields["text"] = fields[field]
			if add(fields) {
				break
			}
		}
		if err := sc.Err(); err != nil {
			return nil, err
		}
	case "text", "":
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
		for sc.Scan() {
			if strings.TrimSpace(sc.Text()) == "" {
				continue
			}
			if add(map[string]string{"text": sc.Text()}) {
				break
			}
		}
		if err := sc.Err(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown prompt format %q", format)
	}
	return out, nil
}

// Order sorts prompts by length (order "length"), shuffles them with seed
// ("shuffle") or leaves them as loaded ("none"). It returns a new slice.
func Order(prompts []string, order string, seed uint64) []string {
	out := append([]string(nil), prompts...)
	switch order {
	case "length":
		sort.SliceStable(out, func(i, j int) bool { return len(out[i]) < len(out[j]) })
	case "shuffle":
		r := rand.New(rand.NewPCG(seed, seed))
		r.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	}
	return out
}

// Split cuts prompts into consecutive groups of size; the last may be short.
func Split(prompts []string, size int) [][]string {
	var out [][]string
	for i := 0; i < len(prompts); i += size {
		out = append(out, prompts[i:min(i+size, len(prompts))])
	}
	return out
}

// Encode tokenizes texts and left-pads them to a common length.
func Encode(tok tokenizer.Tokenizer, texts []string, padID int) Batch {
	ids := make([][]int, len(texts))
	for i, t := range texts {
		ids[i] = tok.Encode(t)
	}
	b := Pad(ids, padID)
	b.Texts = append([]string(nil), texts...)
	return b
}

// Pad left-pads token rows to the longest row.
func Pad(rows [][]int, padID int) Batch {
	maxLen := 0
	for _, r := range rows {
		maxLen = max(maxLen, len(r))
	}
	b := Batch{InputIDs: make([][]int, len(rows)), Mask: make([][]int, len(rows))}
	for i, r := range rows {
		pad := maxLen - len(r)
		ids := make([]int, maxLen)
		mask := make([]int, maxLen)
		for j := 0; j < pad; j++ {
			ids[j] = padID
		}
		copy(ids[pad:], r)
		for j := pad; j < maxLen; j++ {
			mask[j] = 1
		}
		b.InputIDs[i], b.Mask[i] = ids, mask
	}
	return b
}

// FormatForPath guesses a prompt format from a file extension.
func FormatForPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return "alpaca"
	case ".jsonl", ".ndjson":
		return "jsonl"
	}
	return "text"
}
