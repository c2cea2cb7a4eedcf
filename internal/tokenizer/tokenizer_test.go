package tokenizer

import (
	"path/filepath"
	"reflect"
	"testing"

	"github.com/23skdu/longbow-sae/internal/gguf"
)

func generateVocabGGUF(t *testing.T, vocab []string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vocab.gguf")
	if err := gguf.NewBuilder().SetKV("tokenizer.ggml.tokens", vocab).WriteFile(path); err != nil {
		t.Fatalf("Failed to generate vocab: %v", err)
	}
	return path
}

func TestTokenizerDecode(t *testing.T) {
	tk, err := New(generateVocabGGUF(t, []string{"<unk>", "Hello", " ", "World", "!"}))
	if err != nil {
		t.Fatalf("Failed to create tokenizer: %v", err)
	}
	if tk.Style != StylePlain {
		t.Errorf("style = %v, want plain", tk.Style)
	}
	if got := tk.Decode([]int{1, 2, 3, 4}); got != "Hello World!" {
		t.Errorf("Expected 'Hello World!', got %q", got)
	}
	if got := tk.Encode("Hello World!"); !reflect.DeepEqual(got, []int{1, 2, 3, 4}) {
		t.Errorf("Encode = %v", got)
	}
}

func TestSentencePieceRoundTrip(t *testing.T) {
	vocab := []string{"<unk>", "<s>", "</s>", "▁the", "▁cat", "▁c", "at", "s", "▁", "<0x21>", "<0x0A>"}
	tk := FromTokens(vocab)
	if tk.Style != StyleSentencePiece {
		t.Fatalf("style = %v, want sentencepiece", tk.Style)
	}

	tests := []struct {
		text string
		ids  []int
	}{
		{"the cat", []int{3, 4}},
		{"the cats", []int{3, 4, 7}},
		{"the cat!", []int{3, 4, 9}},
		{"cat\n", []int{4, 10}},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got := tk.Encode(tt.text)
			if !reflect.DeepEqual(got, tt.ids) {
				t.Fatalf("Encode(%q) = %v, want %v", tt.text, got, tt.ids)
			}
			if back := tk.Decode(got); back != tt.text {
				t.Errorf("Decode = %q, want %q", back, tt.text)
			}
		})
	}
}

func TestUnknownCharactersAreSkipped(t *testing.T) {
	tk := FromTokens([]string{"<unk>", "▁a", "b"})
	if got := tk.Encode("a€b"); !reflect.DeepEqual(got, []int{1, 2}) {
		t.Errorf("Encode = %v, want [1 2]", got)
	}
}

func TestDecodeSkipsControlAndOutOfRange(t *testing.T) {
	tk := FromTokens([]string{"<s>", "▁hi", "</s>", "<|eot_id|>"})
	if got := tk.Decode([]int{0, 1, 2, 3, 99, -1}); got != "hi" {
		t.Errorf("Decode = %q, want %q", got, "hi")
	}
	// Control spellings never match inside text.
	if got := tk.Encode("hi"); !reflect.DeepEqual(got, []int{1}) {
		t.Errorf("Encode = %v", got)
	}
}

func TestByteLevel(t *testing.T) {
	vocab := []string{"<|endoftext|>", "hello", "Ġworld", "Ġ", "Ċ", "!"}
	tk := FromTokens(vocab)
	if tk.Style != StyleByteLevel {
		t.Fatalf("style = %v, want byte-level", tk.Style)
	}
	ids := tk.Encode("hello world!\n")
	want := []int{1, 2, 5, 4}
	if !reflect.DeepEqual(ids, want) {
		t.Fatalf("Encode = %v, want %v", ids, want)
	}
	if got := tk.Decode(ids); got != "hello world!\n" {
		t.Errorf("Decode = %q", got)
	}
}

func TestEncodeEmpty(t *testing.T) {
	tk := FromTokens([]string{"▁a"})
	if got := tk.Encode(""); len(got) != 0 {
		t.Errorf("Encode(\"\") = %v", got)
	}
}

func TestNewMissingTokens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.gguf")
	if err := gguf.NewBuilder().SetKV("general.architecture", "llama").WriteFile(path); err != nil {
		t.Fatal(err)
	}
	if _, err := New(path); err == nil {
		t.Error("expected error for GGUF without tokens")
	}
}
