// Command inspect_model prints what a GGUF model offers for activation
// capture: its header keys, matching tensors and the layers and streams
// the adapter can observe.
package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/23skdu/longbow-sae/internal/gguf"
	"github.com/23skdu/longbow-sae/internal/logger"
	"github.com/23skdu/longbow-sae/internal/model"
	"github.com/23skdu/longbow-sae/internal/ollama"
)

func main() {
	modelName := flag.String("model", "", "GGUF path or Ollama model reference")
	filter := flag.String("filter", "", "Only list tensors whose name contains this")
	tensors := flag.Bool("tensors", false, "List tensors")
	flag.Parse()

	if *modelName == "" {
		fmt.Fprintln(os.Stderr, "Error: -model is required")
		flag.Usage()
		os.Exit(1)
	}
	logger.Setup("warn", "console")

	path, err := ollama.Resolve(*modelName)
	if err != nil {
		logger.Log.Error("Failed to resolve model", "model", *modelName, "error", err)
		os.Exit(1)
	}
	f, err := gguf.LoadFile(path)
	if err != nil {
		logger.Log.Error("Failed to load model", "path", path, "error", err)
		os.Exit(1)
	}

	fmt.Printf("=== %s (GGUF v%d) ===\n", path, f.Header.Version)
	keys := make([]string, 0, len(f.KV))
	for k := range f.KV {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		switch v := f.KV[k].(type) {
		case []interface{}:
			fmt.Printf("%-45s [%d values]\n", k, len(v))
		default:
			fmt.Printf("%-45s %v\n", k, v)
		}
	}

	if *tensors || *filter != "" {
		fmt.Println("\n=== Tensors ===")
		for _, t := range f.Tensors {
			if strings.Contains(t.Name, *filter) {
				fmt.Printf("%-40s %-6s %v\n", t.Name, t.Type, t.Dimensions)
			}
		}
	}
	f.Close()

	a, err := model.Load(path, "float32")
	if err != nil {
		fmt.Printf("\nNot loadable for capture: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()
	caps := a.Capabilities()
	fmt.Println("\n=== Capture ===")
	fmt.Printf("layers: %d (layer_index 0..%d)\n", a.NumLayers(), a.NumLayers()-1)
	fmt.Printf("d_model: %d\n", a.DModel())
	for _, s := range []string{"mlp_output", "residual"} {
		stream, _ := model.ParseStream(s)
		ok := model.CheckCapabilities(a, 0, stream) == nil
		fmt.Printf("stream %-10s supported=%v\n", s, ok)
	}
	fmt.Printf("capabilities: %+v\n", caps)
}
