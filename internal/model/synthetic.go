package model

import (
	"fmt"
	"math"
	"math/rand"
	"strconv"

	"github.com/23skdu/longbow-sae/internal/gguf"
)

// SyntheticSpec describes a randomly initialised decoder. It gives offline
// runs and tests a model that loads through the normal GGUF path.
type SyntheticSpec struct {
	Arch    string
	Layers  int
	DModel  int
	Heads   int
	KVHeads int
	FF      int
	// Words are extra whole-word vocabulary entries.
	Words []string
	Seed  int64
	F16   bool
}

// DefaultSyntheticSpec is small enough to run a full study in seconds.
func DefaultSyntheticSpec() SyntheticSpec {
	return SyntheticSpec{
		Arch:    "llama",
		Layers:  4,
		DModel:  32,
		Heads:   4,
		KVHeads: 2,
		FF:      64,
		Words:   []string{"the", "of", "and", "func", "return", "def", "import", "class", "if", "for"},
		Seed:    1,
	}
}

// SyntheticVocab is <unk>, <s>, </s>, the 256 byte tokens, then "▁"+word
// for each word. Any UTF-8 text encodes without loss.
func SyntheticVocab(words []string) []string {
	vocab := []string{"<unk>", "<s>", "</s>"}
	for b := 0; b < 256; b++ {
		vocab = append(vocab, fmt.Sprintf("<0x%02X>", b))
	}
	for _, w := range words {
		vocab = append(vocab, "▁"+w)
	}
	return vocab
}

// WriteSynthetic writes the model described by s to path.
func WriteSynthetic(path string, s SyntheticSpec) error {
	if s.Layers <= 0 || s.DModel <= 0 || s.Heads <= 0 || s.FF <= 0 {
		return fmt.Errorf("synthetic model: layers, d_model, heads and ff must be positive")
	}
	if s.KVHeads <= 0 {
		s.KVHeads = s.Heads
	}
	if s.DModel%s.Heads != 0 || s.Heads%s.KVHeads != 0 {
		return fmt.Errorf("synthetic model: d_model %d, heads %d, kv heads %d do not divide", s.DModel, s.Heads, s.KVHeads)
	}
	registryMu.RLock()
	_, ok := registry[s.Arch]
	registryMu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnsupportedArchitecture, s.Arch)
	}

	rng := rand.New(rand.NewSource(s.Seed))
	randn := func(n int, fanIn int) []float32 {
		scale := 1 / math.Sqrt(float64(fanIn))
		out := make([]float32, n)
		for i := range out {
			out[i] = float32(rng.NormFloat64() * scale)
		}
		return out
	}
	ones := func(n int) []float32 {
		out := make([]float32, n)
		for i := range out {
			out[i] = 1
		}
		return out
	}

	vocab := SyntheticVocab(s.Words)
	d, ff := uint64(s.DModel), uint64(s.FF)
	kv := uint64(s.DModel / s.Heads * s.KVHeads)
	b := gguf.NewBuilder()
	add := b.AddF32
	if s.F16 {
		add = b.AddF16
	}

	arch := s.Arch
	b.SetKV("general.architecture", arch).
		SetKV("general.name", "synthetic-"+arch).
		SetKV(arch+".block_count", uint32(s.Layers)).
		SetKV(arch+".embedding_length", uint32(s.DModel)).
		SetKV(arch+".feed_forward_length", uint32(s.FF)).
		SetKV(arch+".attention.head_count", uint32(s.Heads)).
		SetKV(arch+".attention.head_count_kv", uint32(s.KVHeads)).
		SetKV(arch+".attention.layer_norm_rms_epsilon", float32(1e-5)).
		SetKV("tokenizer.ggml.tokens", vocab)
	add("token_embd.weight", []uint64{d, uint64(len(vocab))}, randn(s.DModel*len(vocab), 1))
	for i := 0; i < s.Layers; i++ {
		p := "blk." + strconv.Itoa(i) + "."
		b.AddF32(p+"attn_norm.weight", []uint64{d}, ones(s.DModel))
		b.AddF32(p+"ffn_norm.weight", []uint64{d}, ones(s.DModel))
		add(p+"attn_q.weight", []uint64{d, d}, randn(int(d*d), s.DModel))
		add(p+"attn_k.weight", []uint64{d, kv}, randn(int(d*kv), s.DModel))
		add(p+"attn_v.weight", []uint64{d, kv}, randn(int(d*kv), s.DModel))
		add(p+"attn_output.weight", []uint64{d, d}, randn(int(d*d), s.DModel))
		add(p+"ffn_gate.weight", []uint64{d, ff}, randn(int(d*ff), s.DModel))
		add(p+"ffn_up.weight", []uint64{d, ff}, randn(int(d*ff), s.DModel))
		add(p+"ffn_down.weight", []uint64{ff, d}, randn(int(d*ff), s.FF))
	}
	b.AddF32("output_norm.weight", []uint64{d}, ones(s.DModel))
	return b.WriteFile(path)
}
