package pattern

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/23skdu/longbow-offload/internal/moe"
)

const FormatVersion = 1

// ErrIncompatible is returned when a stored pattern file does not match the
// model or run it is replayed against.
var ErrIncompatible = errors.New("incompatible pattern file")

type Header struct {
	Version      int       `cbor:"version"`
	RunID        string    `cbor:"run_id"`
	Family       string    `cbor:"family"`
	Layers       int       `cbor:"layers"`
	Experts      int       `cbor:"experts"`
	TopK         int       `cbor:"top_k"`
	MaxNewTokens int       `cbor:"max_new_tokens"`
	CreatedAt    time.Time `cbor:"created_at"`
}

// NewHeader stamps a fresh run id and creation time.
func NewHeader(family string, g moe.Geometry, maxNewTokens int) Header {
	return Header{
		Version:      FormatVersion,
		RunID:        uuid.NewString(),
		Family:       family,
		Layers:       g.Layers,
		Experts:      g.Experts,
		TopK:         g.TopK,
		MaxNewTokens: maxNewTokens,
		CreatedAt:    time.Now().UTC(),
	}
}

func (h Header) Geometry() moe.Geometry {
	return moe.Geometry{Layers: h.Layers, Experts: h.Experts, TopK: h.TopK}
}

// File is the persisted form of a capture run: index -> Record.
type File struct {
	Header  Header         `cbor:"header"`
	Records map[int]Record `cbor:"records"`
}

// Compatible reports whether f can drive replay for a model with geometry g
// generating maxNewTokens tokens per prompt.
func (f *File) Compatible(g moe.Geometry, maxNewTokens int) error {
	h := f.Header
	if h.Version != FormatVersion {
		return fmt.Errorf("%w: version %d, want %d", ErrIncompatible, h.Version, FormatVersion)
	}
	if h.Geometry() != g {
		return fmt.Errorf("%w: recorded (layers=%d experts=%d top_k=%d), model (layers=%d experts=%d top_k=%d)",
			ErrIncompatible, h.Layers, h.Experts, h.TopK, g.Layers, g.Experts, g.TopK)
	}
	if h.MaxNewTokens != maxNewTokens {
		return fmt.Errorf("%w: recorded max_new_tokens=%d, run uses %d", ErrIncompatible, h.MaxNewTokens, maxNewTokens)
	}
	for _, idx := range f.Indices() {
		if err := f.Records[idx].Validate(g, maxNewTokens); err != nil {
			return fmt.Errorf("%w: record %d: %w", ErrIncompatible, idx, err)
		}
	}
	return nil
}

var encMode = func() cbor.EncMode {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	em, err := opts.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// IsColumnar reports whether path selects the Arrow IPC format.
func IsColumnar(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".arrow")
}

// Save writes f to path, as Arrow IPC for a .arrow extension and CBOR
// otherwise. The file is replaced atomically.
func Save(path string, f *File) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".patterns-*")
	if err != nil {
		return fmt.Errorf("create pattern file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if IsColumnar(path) {
		err = WriteColumnar(tmp, f)
	} else {
		err = encMode.NewEncoder(tmp).Encode(f)
	}
	if err != nil {
		tmp.Close()
		return fmt.Errorf("encode pattern file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Load reads a pattern file written by Save.
func Load(path string) (*File, error) {
	if IsColumnar(path) {
		fh, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer fh.Close()
		return ReadColumnar(fh)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f File
	if err := cbor.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrIncompatible, path, err)
	}
	if f.Records == nil {
		f.Records = map[int]Record{}
	}
	return &f, nil
}
