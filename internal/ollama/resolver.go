// Package ollama locates GGUF weights in a local Ollama model store so the
// experiment config can name a model ("qwen2.5:0.5b") instead of a path.
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
	DefaultTag      = "latest"
	DefaultRegistry = "registry.ollama.ai"
	MediaTypeModel  = "application/vnd.ollama.image.model"
)

var ErrModelNotFound = errors.New("ollama: model not found")

type Manifest struct {
	SchemaVersion int     `json:"schemaVersion"`
	Layers        []Layer `json:"layers"`
}

type Layer struct {
	MediaType string `json:"mediaType"`
	Digest    string `json:"digest"`
	Size      int64  `json:"size"`
}

// GetOllamaDir returns $OLLAMA_MODELS or ~/.ollama/models.
func GetOllamaDir() (string, error) {
	if env := os.Getenv("OLLAMA_MODELS"); env != "" {
		return env, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".ollama", "models"), nil
}

// Resolve returns nameOrPath unchanged when it names an existing file and
// otherwise looks it up as an Ollama model reference.
func Resolve(nameOrPath string) (string, error) {
	if info, err := os.Stat(nameOrPath); err == nil && !info.IsDir() {
		return nameOrPath, nil
	}
	return ResolveModelPath(nameOrPath)
}

// ParseReference splits "ns/name:tag" into manifest path components.
// Short names live under the "library" namespace.
func ParseReference(ref string) (namespace, name, tag string) {
	tag = DefaultTag
	if i := strings.LastIndex(ref, ":"); i >= 0 && !strings.Contains(ref[i:], "/") {
		ref, tag = ref[:i], ref[i+1:]
	}
	namespace = "library"
	if i := strings.LastIndex(ref, "/"); i >= 0 {
		namespace, ref = ref[:i], ref[i+1:]
	}
	return namespace, ref, tag
}

// ResolveModelPath finds the GGUF blob for an Ollama model reference.
func ResolveModelPath(modelName string) (string, error) {
	baseDir, err := GetOllamaDir()
	if err != nil {
		return "", err
	}
	ns, name, tag := ParseReference(modelName)
	manifestPath := filepath.Join(baseDir, "manifests", DefaultRegistry, filepath.FromSlash(ns), name, tag)

	data, err := os.ReadFile(manifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: no manifest at %s", ErrModelNotFound, manifestPath)
		}
		return "", err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return "", fmt.Errorf("parse manifest %s: %w", manifestPath, err)
	}

	var blobDigest string
	for _, l := range m.Layers {
		if l.MediaType == MediaTypeModel {
			blobDigest = l.Digest
			break
		}
	}
	if blobDigest == "" {
		return "", fmt.Errorf("%w: no model layer in %s", ErrModelNotFound, manifestPath)
	}

	// Digest "sha256:<hash>" is stored as blobs/sha256-<hash>.
	blobPath := filepath.Join(baseDir, "blobs", strings.Replace(blobDigest, ":", "-", 1))
	if _, err := os.Stat(blobPath); err != nil {
		return "", fmt.Errorf("%w: blob %s: %v", ErrModelNotFound, blobPath, err)
	}
	return blobPath, nil
}
