// Package ollama locates the GGUF blob behind a locally pulled ollama model
// so its MoE geometry can be probed.
package ollama

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	DefaultRegistry  = "registry.ollama.ai"
	DefaultNamespace = "library"
	DefaultTag       = "latest"
	MediaTypeModel   = "application/vnd.ollama.image.model"
)

var ErrNotFound = errors.New("ollama model not found")

type Manifest struct {
	SchemaVersion int     `json:"schemaVersion"`
	Layers        []Layer `json:"layers"`
}

type Layer struct {
	MediaType string `json:"mediaType"`
	Digest    string `json:"digest"`
	Size      int64  `json:"size"`
}

// Ref is a parsed model reference: [registry/][namespace/]name[:tag].
type Ref struct {
	Registry  string
	Namespace string
	Name      string
	Tag       string
}

func ParseRef(s string) (Ref, error) {
	r := Ref{Registry: DefaultRegistry, Namespace: DefaultNamespace, Tag: DefaultTag}
	if s == "" {
		return r, fmt.Errorf("empty model reference")
	}
	if i := strings.LastIndex(s, ":"); i > strings.LastIndex(s, "/") {
		r.Tag = s[i+1:]
		s = s[:i]
	}
	parts := strings.Split(s, "/")
	for _, p := range parts {
		if p == "" {
			return r, fmt.Errorf("invalid model reference %q", s)
		}
	}
	switch len(parts) {
	case 1:
		r.Name = parts[0]
	case 2:
		r.Namespace, r.Name = parts[0], parts[1]
	case 3:
		r.Registry, r.Namespace, r.Name = parts[0], parts[1], parts[2]
	default:
		return r, fmt.Errorf("invalid model reference %q", s)
	}
	if r.Name == "" || r.Tag == "" {
		return r, fmt.Errorf("invalid model reference %q", s)
	}
	return r, nil
}

func (r Ref) String() string {
	return r.Registry + "/" + r.Namespace + "/" + r.Name + ":" + r.Tag
}

// Store is an ollama models directory.
type Store struct {
	Dir string
}

// DefaultStore honours OLLAMA_MODELS and falls back to ~/.ollama/models.
func DefaultStore(lookup func(string) (string, bool), home string) Store {
	if dir, ok := lookup("OLLAMA_MODELS"); ok && dir != "" {
		return Store{Dir: dir}
	}
	return Store{Dir: filepath.Join(home, ".ollama", "models")}
}

func (s Store) manifestPath(r Ref) string {
	return filepath.Join(s.Dir, "manifests", r.Registry, r.Namespace, r.Name, r.Tag)
}

// Resolve returns the path of the model layer blob of ref.
func (s Store) Resolve(ref string) (string, error) {
	r, err := ParseRef(ref)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(s.manifestPath(r))
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: no manifest for %s", ErrNotFound, r)
	}
	if err != nil {
		return "", err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return "", fmt.Errorf("manifest for %s: %w", r, err)
	}

	for _, l := range m.Layers {
		if l.MediaType != MediaTypeModel {
			continue
		}
		// digest "sha256:hash" is stored as blobs/sha256-hash
		blob := filepath.Join(s.Dir, "blobs", strings.Replace(l.Digest, ":", "-", 1))
		if _, err := os.Stat(blob); err != nil {
			return "", fmt.Errorf("%w: blob %s of %s", ErrNotFound, l.Digest, r)
		}
		return blob, nil
	}
	return "", fmt.Errorf("%w: %s has no model layer", ErrNotFound, r)
}

// ResolvePath returns path unchanged when it names an existing file and
// otherwise resolves it as a model reference in s.
func (s Store) ResolvePath(path string) (string, error) {
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	return s.Resolve(path)
}
