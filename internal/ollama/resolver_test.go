package ollama

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestParseReference(t *testing.T) {
	tests := []struct {
		ref           string
		ns, name, tag string
	}{
		{"llama3", "library", "llama3", "latest"},
		{"qwen2.5:0.5b", "library", "qwen2.5", "0.5b"},
		{"someone/tiny:q8", "someone", "tiny", "q8"},
		{"someone/tiny", "someone", "tiny", "latest"},
	}
	for _, tt := range tests {
		ns, name, tag := ParseReference(tt.ref)
		if ns != tt.ns || name != tt.name || tag != tt.tag {
			t.Errorf("ParseReference(%q) = %s/%s:%s", tt.ref, ns, name, tag)
		}
	}
}

func writeStore(t *testing.T, ns, name, tag, digest string, withBlob bool) string {
	t.Helper()
	base := t.TempDir()
	manifest := Manifest{SchemaVersion: 2, Layers: []Layer{
		{MediaType: "application/vnd.ollama.image.license", Digest: "sha256:lic"},
		{MediaType: MediaTypeModel, Digest: digest, Size: 4},
	}}
	data, err := json.Marshal(manifest)
	if err != nil {
		t.Fatal(err)
	}
	dir := filepath.Join(base, "manifests", DefaultRegistry, ns, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, tag), data, 0o644); err != nil {
		t.Fatal(err)
	}
	if withBlob {
		blobs := filepath.Join(base, "blobs")
		if err := os.MkdirAll(blobs, 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(blobs, "sha256-abc123"), []byte("GGUF"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	t.Setenv("OLLAMA_MODELS", base)
	return base
}

func TestResolveModelPath(t *testing.T) {
	base := writeStore(t, "library", "tiny", "latest", "sha256:abc123", true)
	got, err := ResolveModelPath("tiny")
	if err != nil {
		t.Fatalf("ResolveModelPath: %v", err)
	}
	if want := filepath.Join(base, "blobs", "sha256-abc123"); got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestResolveMissingBlob(t *testing.T) {
	writeStore(t, "library", "tiny", "latest", "sha256:abc123", false)
	if _, err := ResolveModelPath("tiny"); !errors.Is(err, ErrModelNotFound) {
		t.Errorf("expected ErrModelNotFound, got %v", err)
	}
}

func TestResolveMissingManifest(t *testing.T) {
	t.Setenv("OLLAMA_MODELS", t.TempDir())
	if _, err := ResolveModelPath("ghost:1b"); !errors.Is(err, ErrModelNotFound) {
		t.Errorf("expected ErrModelNotFound, got %v", err)
	}
}

func TestResolvePrefersExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.gguf")
	if err := os.WriteFile(path, []byte("GGUF"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := Resolve(path)
	if err != nil || got != path {
		t.Errorf("Resolve(%s) = %s, %v", path, got, err)
	}
}
