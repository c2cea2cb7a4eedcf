// Command gen_gguf writes a randomly initialised decoder in GGUF form so
// saectl can run end to end without downloading a model.
package main

import (
	"flag"
	"os"
	"strings"

	"github.com/23skdu/longbow-sae/internal/logger"
	"github.com/23skdu/longbow-sae/internal/model"
)

func main() {
	def := model.DefaultSyntheticSpec()
	out := flag.String("out", "synthetic.gguf", "Output GGUF path")
	arch := flag.String("arch", def.Arch, "Architecture: "+strings.Join(model.Families(), ", "))
	layers := flag.Int("layers", def.Layers, "Decoder layers")
	dModel := flag.Int("d", def.DModel, "Hidden size")
	heads := flag.Int("heads", def.Heads, "Attention heads")
	kvHeads := flag.Int("kv-heads", def.KVHeads, "Key/value heads")
	ff := flag.Int("ff", def.FF, "Feed-forward size")
	words := flag.String("words", strings.Join(def.Words, ","), "Comma-separated whole-word vocabulary")
	seed := flag.Int64("seed", def.Seed, "Weight seed")
	f16 := flag.Bool("f16", false, "Store projections as float16")
	flag.Parse()

	spec := model.SyntheticSpec{
		Arch:    *arch,
		Layers:  *layers,
		DModel:  *dModel,
		Heads:   *heads,
		KVHeads: *kvHeads,
		FF:      *ff,
		Seed:    *seed,
		F16:     *f16,
	}
	for _, w := range strings.Split(*words, ",") {
		if w = strings.TrimSpace(w); w != "" {
			spec.Words = append(spec.Words, w)
		}
	}
	if err := model.WriteSynthetic(*out, spec); err != nil {
		logger.Log.Error("Failed to write model", "path", *out, "error", err)
		os.Exit(1)
	}
	logger.Log.Info("Synthetic model written", "path", *out, "arch", spec.Arch, "layers", spec.Layers,
		"d_model", spec.DModel, "vocab", len(model.SyntheticVocab(spec.Words)))
}
