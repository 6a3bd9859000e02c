package ollama

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeModel(t *testing.T, dir string, r Ref, layers []Layer, blobs ...string) {
	t.Helper()
	m := Manifest{SchemaVersion: 2, Layers: layers}
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	path := Store{Dir: dir}.manifestPath(r)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	for _, b := range blobs {
		if err := os.MkdirAll(filepath.Join(dir, "blobs"), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dir, "blobs", b), []byte("GGUF"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestParseRef(t *testing.T) {
	tests := []struct {
		in   string
		want Ref
	}{
		{"mixtral", Ref{DefaultRegistry, DefaultNamespace, "mixtral", "latest"}},
		{"mixtral:8x7b", Ref{DefaultRegistry, DefaultNamespace, "mixtral", "8x7b"}},
		{"acme/switch:base", Ref{DefaultRegistry, "acme", "switch", "base"}},
		{"localhost:5000/acme/switch", Ref{"localhost:5000", "acme", "switch", "latest"}},
	}
	for _, tt := range tests {
		got, err := ParseRef(tt.in)
		if err != nil {
			t.Fatalf("%s: %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("%s: got %+v, want %+v", tt.in, got, tt.want)
		}
	}

	for _, bad := range []string{"", "a/b/c/d", "mixtral:", "/x"} {
		if _, err := ParseRef(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestDefaultStore(t *testing.T) {
	none := func(string) (string, bool) { return "", false }
	if got := DefaultStore(none, "/home/u").Dir; got != filepath.Join("/home/u", ".ollama", "models") {
		t.Errorf("unexpected default dir %s", got)
	}
	env := func(k string) (string, bool) { return "/data/models", k == "OLLAMA_MODELS" }
	if got := DefaultStore(env, "/home/u").Dir; got != "/data/models" {
		t.Errorf("OLLAMA_MODELS ignored, got %s", got)
	}
	empty := func(string) (string, bool) { return "", true }
	if got := DefaultStore(empty, "/home/u").Dir; got != filepath.Join("/home/u", ".ollama", "models") {
		t.Errorf("empty OLLAMA_MODELS should fall back, got %s", got)
	}
}

func TestResolve(t *testing.T) {
	dir := t.TempDir()
	ref, _ := ParseRef("mixtral:8x7b")
	writeModel(t, dir, ref, []Layer{
		{MediaType: "application/vnd.ollama.image.template", Digest: "sha256:tmpl"},
		{MediaType: MediaTypeModel, Digest: "sha256:abc123", Size: 4},
	}, "sha256-abc123")

	s := Store{Dir: dir}
	got, err := s.Resolve("mixtral:8x7b")
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(dir, "blobs", "sha256-abc123"); got != want {
		t.Errorf("got %s, want %s", got, want)
	}

	if _, err := s.Resolve("mixtral:missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing tag, got %v", err)
	}
}

func TestResolveMissingLayerOrBlob(t *testing.T) {
	dir := t.TempDir()
	noModel, _ := ParseRef("nomodel")
	writeModel(t, dir, noModel, []Layer{{MediaType: "application/vnd.ollama.image.license", Digest: "sha256:x"}})
	noBlob, _ := ParseRef("noblob")
	writeModel(t, dir, noBlob, []Layer{{MediaType: MediaTypeModel, Digest: "sha256:gone"}})

	s := Store{Dir: dir}
	for _, name := range []string{"nomodel", "noblob"} {
		if _, err := s.Resolve(name); !errors.Is(err, ErrNotFound) {
			t.Errorf("%s: expected ErrNotFound, got %v", name, err)
		}
	}
}

func TestResolvePathPrefersFiles(t *testing.T) {
	file := filepath.Join(t.TempDir(), "model.gguf")
	if err := os.WriteFile(file, []byte("GGUF"), 0o644); err != nil {
		t.Fatal(err)
	}
	s := Store{Dir: t.TempDir()}
	got, err := s.ResolvePath(file)
	if err != nil || got != file {
		t.Errorf("got %q, %v", got, err)
	}
	if _, err := s.ResolvePath("not-pulled"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
