package model

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/23skdu/longbow-sae/internal/gguf"
	"github.com/23skdu/longbow-sae/internal/logger"
	"github.com/23skdu/longbow-sae/internal/ollama"
)

// LoadOptions are passed to a family constructor.
type LoadOptions struct {
	Name  string
	DType string
}

// Constructor builds an adapter from an open GGUF file. The file is closed
// by Load once the constructor returns, so adapters must copy what they keep.
type Constructor func(f *gguf.GGUFFile, opts LoadOptions) (Adapter, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Constructor)
)

// Register makes a model family available under its GGUF architecture name.
func Register(arch string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[arch] = ctor
}

// Families lists registered architectures.
func Families() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Load resolves name (a GGUF path or an Ollama model reference), reads its
// architecture and hands it to the registered family.
func Load(name, dtype string) (Adapter, error) {
	path, err := ollama.Resolve(name)
	if err != nil {
		return nil, err
	}
	f, err := gguf.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	defer f.Close()

	arch, err := f.GetString("general.architecture")
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnsupportedArchitecture, path, err)
	}
	registryMu.RLock()
	ctor, ok := registry[arch]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q (known: %s)", ErrUnsupportedArchitecture, arch, strings.Join(Families(), ", "))
	}

	logger.Log.Info("Loading model", "name", name, "path", path, "architecture", arch, "dtype", dtype)
	return ctor(f, LoadOptions{Name: name, DType: dtype})
}
