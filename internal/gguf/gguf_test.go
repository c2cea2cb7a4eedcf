package gguf

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestGGUFMagic(t *testing.T) {
	if GGUFMagic != 0x46554747 {
		t.Errorf("expected GGUFMagic 0x46554747, got 0x%x", GGUFMagic)
	}
}

func TestGGMLTypeString(t *testing.T) {
	tests := []struct {
		ggmlType GGMLType
		expected string
	}{
		{GGMLTypeF32, "F32"},
		{GGMLTypeF16, "F16"},
		{GGMLTypeBF16, "BF16"},
		{GGMLTypeQ4_K, "Q4_K"},
		{GGMLTypeQ3_K, "Q3_K"},
		{GGMLTypeQ5_1, "Q5_1"},
		{GGMLType(999), "UNKNOWN_TYPE_999"},
	}
	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.ggmlType.String(); got != tt.expected {
				t.Errorf("GGMLType(%d).String() = %q, want %q", tt.ggmlType, got, tt.expected)
			}
		})
	}
}

func TestTensorInfoSizeBytes(t *testing.T) {
	tests := []struct {
		name     string
		dims     []uint64
		typ      GGMLType
		expected uint64
	}{
		{"F32 1D", []uint64{100}, GGMLTypeF32, 400},
		{"F16 2D", []uint64{10, 20}, GGMLTypeF16, 400},
		{"BF16 2D", []uint64{3, 3}, GGMLTypeBF16, 18},
		{"Q4_K", []uint64{256}, GGMLTypeQ4_K, 144},
		{"Q8_0 partial block", []uint64{33}, GGMLTypeQ8_0, 68},
		{"Q2_K", []uint64{256}, GGMLTypeQ2_K, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := &TensorInfo{Dimensions: tt.dims, Type: tt.typ}
			if got := info.SizeBytes(); got != tt.expected {
				t.Errorf("SizeBytes() = %d, want %d", got, tt.expected)
			}
		})
	}
}

func writeFixture(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixture.gguf")
	err := NewBuilder().
		SetKV("general.architecture", "llama").
		SetKV("llama.block_count", uint32(2)).
		SetKV("llama.rope.freq_base", float32(10000)).
		SetKV("tokenizer.ggml.tokens", []string{"<unk>", "▁a", "b"}).
		AddF32("w.f32", []uint64{3, 2}, []float32{1, 2, 3, 4, 5, 6}).
		AddF16("w.f16", []uint64{3}, []float32{0.5, -1, 2}).
		AddRaw("w.q4", []uint64{256}, GGMLTypeQ4_K, make([]byte, 144)).
		WriteFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFileRoundTrip(t *testing.T) {
	f, err := LoadFile(writeFixture(t))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	defer f.Close()

	if f.Header.Version != 3 || len(f.Tensors) != 3 {
		t.Fatalf("header = %+v, tensors = %d", f.Header, len(f.Tensors))
	}
	if f.DataOffset%DefaultAlignment != 0 {
		t.Errorf("data offset %d not aligned", f.DataOffset)
	}

	arch, err := f.GetString("general.architecture")
	if err != nil || arch != "llama" {
		t.Errorf("architecture = %q, %v", arch, err)
	}
	n, err := f.GetUint("llama.missing", "llama.block_count")
	if err != nil || n != 2 {
		t.Errorf("block_count = %d, %v", n, err)
	}
	base, err := f.GetFloat("llama.rope.freq_base")
	if err != nil || base != 10000 {
		t.Errorf("freq_base = %v, %v", base, err)
	}
	toks, err := f.GetStrings("tokenizer.ggml.tokens")
	if err != nil || len(toks) != 3 || toks[1] != "▁a" {
		t.Errorf("tokens = %v, %v", toks, err)
	}
	if _, err := f.GetString("nope"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("missing key error = %v", err)
	}

	w, err := f.Float32s("w.f32")
	if err != nil {
		t.Fatal(err)
	}
	if len(w) != 6 || w[5] != 6 {
		t.Errorf("w.f32 = %v", w)
	}
	h, err := f.Float32s("w.f16")
	if err != nil {
		t.Fatal(err)
	}
	if h[0] != 0.5 || h[1] != -1 || h[2] != 2 {
		t.Errorf("w.f16 = %v", h)
	}
	q, err := f.Float32s("w.q4")
	if err != nil {
		t.Fatalf("quantized decode: %v", err)
	}
	if len(q) != 256 || q[0] != 0 || q[255] != 0 {
		t.Errorf("w.q4 = %d values, first %v", len(q), q[0])
	}
	if _, err := f.Float32s("absent"); !errors.Is(err, ErrTensorNotFound) {
		t.Errorf("absent tensor error = %v", err)
	}
}

func TestLoadFileErrors(t *testing.T) {
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.gguf")
	if err := os.WriteFile(bad, make([]byte, 64), 0o644); err != nil {
		t.Fatal(err)
	}
	var magicErr ErrInvalidMagic
	if _, err := LoadFile(bad); !errors.As(err, &magicErr) {
		t.Errorf("expected ErrInvalidMagic, got %v", err)
	}

	data, err := NewBuilder().SetKV("tokenizer.ggml.tokens", []string{"a", "b", "c"}).Bytes()
	if err != nil {
		t.Fatal(err)
	}
	short := filepath.Join(dir, "short.gguf")
	if err := os.WriteFile(short, data[:40], 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(short); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("expected truncation error, got %v", err)
	}

	if _, err := LoadFile(filepath.Join(dir, "missing.gguf")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestBuilderRejectsUnknownValue(t *testing.T) {
	if _, err := NewBuilder().SetKV("x", struct{}{}).Bytes(); err == nil {
		t.Error("expected error")
	}
}
