// Package tokenizer encodes text against a GGUF vocabulary by greedy
// longest match. SentencePiece vocabularies (space marker "▁", byte tokens
// "<0xNN>") and byte-level BPE vocabularies (GPT-2 byte alphabet, space
// marker "Ġ") are both recognised.
package tokenizer

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/23skdu/longbow-sae/internal/gguf"
)

type Style int

const (
	StylePlain Style = iota
	StyleSentencePiece
	StyleByteLevel
)

const (
	spaceSP   = "▁"
	spaceByte = "Ġ"
)

// token types from tokenizer.ggml.token_type
const (
	typeControl = 3
	typeByte    = 6
)

type Tokenizer struct {
	Tokens []string
	Vocab  map[string]int
	Style  Style

	control   []bool
	byteToken [256]int // -1 when the vocabulary has no token for the byte
	maxLen    int
}

func New(path string) (*Tokenizer, error) {
	f, err := gguf.LoadFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return FromGGUF(f)
}

func FromGGUF(f *gguf.GGUFFile) (*Tokenizer, error) {
	tokens, err := f.GetStrings("tokenizer.ggml.tokens")
	if err != nil {
		return nil, fmt.Errorf("tokenizer: %w", err)
	}
	var types []int
	if raw, ok := f.KV["tokenizer.ggml.token_type"].([]interface{}); ok && len(raw) == len(tokens) {
		types = make([]int, len(raw))
		for i, v := range raw {
			if n, ok := v.(int32); ok {
				types[i] = int(n)
			}
		}
	}
	return build(tokens, types), nil
}

// FromTokens builds a tokenizer from a bare vocabulary, classifying control
// tokens by their spelling.
func FromTokens(tokens []string) *Tokenizer {
	return build(tokens, nil)
}

func build(tokens []string, types []int) *Tokenizer {
	t := &Tokenizer{
		Tokens:  tokens,
		Vocab:   make(map[string]int, len(tokens)),
		control: make([]bool, len(tokens)),
	}
	for i := range t.byteToken {
		t.byteToken[i] = -1
	}

	sp, bl := 0, 0
	for i, tok := range tokens {
		switch {
		case types != nil && types[i] == typeControl:
			t.control[i] = true
		case types == nil && isControlSpelling(tok):
			t.control[i] = true
		}
		if b, ok := parseByteToken(tok); ok && (types == nil || types[i] == typeByte) {
			t.byteToken[b] = i
			continue
		}
		if t.control[i] {
			continue
		}
		if _, dup := t.Vocab[tok]; !dup {
			t.Vocab[tok] = i
		}
		if len(tok) > t.maxLen {
			t.maxLen = len(tok)
		}
		if strings.HasPrefix(tok, spaceSP) {
			sp++
		} else if strings.HasPrefix(tok, spaceByte) {
			bl++
		}
	}
	switch {
	case sp > 0 && sp >= bl:
		t.Style = StyleSentencePiece
	case bl > 0:
		t.Style = StyleByteLevel
	}
	return t
}

func isControlSpelling(tok string) bool {
	switch tok {
	case "<s>", "</s>", "<unk>", "<pad>", "<mask>":
		return true
	}
	return strings.HasPrefix(tok, "<|") && strings.HasSuffix(tok, "|>")
}

func parseByteToken(tok string) (byte, bool) {
	if len(tok) != 6 || !strings.HasPrefix(tok, "<0x") || tok[5] != '>' {
		return 0, false
	}
	v, err := strconv.ParseUint(tok[3:5], 16, 8)
	if err != nil {
		return 0, false
	}
	return byte(v), true
}

func (t *Tokenizer) VocabSize() int { return len(t.Tokens) }

// Encode returns token ids for text without BOS/EOS. Characters with
// neither a vocabulary entry nor a byte token are dropped.
func (t *Tokenizer) Encode(text string) []int {
	if text == "" {
		return nil
	}
	s := t.normalize(text)
	var ids []int
	for i := 0; i < len(s); {
		end := i + t.maxLen
		if end > len(s) {
			end = len(s)
		}
		matched := false
		for j := end; j > i; j-- {
			if id, ok := t.Vocab[s[i:j]]; ok {
				ids = append(ids, id)
				i = j
				matched = true
				break
			}
		}
		if matched {
			continue
		}
		n := runeLen(s[i:])
		ids = append(ids, t.fallback(s[i:i+n])...)
		i += n
	}
	return ids
}

func (t *Tokenizer) normalize(text string) string {
	switch t.Style {
	case StyleSentencePiece:
		return spaceSP + strings.ReplaceAll(text, " ", spaceSP)
	case StyleByteLevel:
		var sb strings.Builder
		for i := 0; i < len(text); i++ {
			sb.WriteRune(byteToRune[text[i]])
		}
		return sb.String()
	default:
		return text
	}
}

// fallback encodes one unmatched character through byte tokens.
func (t *Tokenizer) fallback(ch string) []int {
	raw := []byte(ch)
	switch t.Style {
	case StyleSentencePiece:
		if ch == spaceSP {
			raw = []byte{' '}
		}
	case StyleByteLevel:
		r := []rune(ch)[0]
		if b, ok := runeToByte[r]; ok {
			raw = []byte{b}
		}
	}
	out := make([]int, 0, len(raw))
	for _, b := range raw {
		if id := t.byteToken[b]; id >= 0 {
			out = append(out, id)
		} else {
			return nil
		}
	}
	return out
}

func runeLen(s string) int {
	for i := range s {
		if i > 0 {
			return i
		}
	}
	return len(s)
}

// Decode renders ids as text, skipping control tokens and ids outside the
// vocabulary.
func (t *Tokenizer) Decode(ids []int) string {
	var raw []byte
	for _, id := range ids {
		if id < 0 || id >= len(t.Tokens) || t.control[id] {
			continue
		}
		tok := t.Tokens[id]
		if b, ok := parseByteToken(tok); ok && t.byteToken[b] == id {
			raw = append(raw, b)
			continue
		}
		switch t.Style {
		case StyleSentencePiece:
			raw = append(raw, strings.ReplaceAll(tok, spaceSP, " ")...)
		case StyleByteLevel:
			for _, r := range tok {
				if b, ok := runeToByte[r]; ok {
					raw = append(raw, b)
				} else {
					raw = append(raw, string(r)...)
				}
			}
		default:
			raw = append(raw, tok...)
		}
	}
	out := string(raw)
	if t.Style == StyleSentencePiece {
		out = strings.TrimPrefix(out, " ")
	}
	return out
}

// byteToRune is the GPT-2 byte-to-unicode alphabet: printable bytes map to
// themselves, the rest to code points from U+0100 upwards.
var (
	byteToRune [256]rune
	runeToByte = make(map[rune]byte, 256)
)

func init() {
	n := 0
	for b := 0; b < 256; b++ {
		if (b >= '!' && b <= '~') || (b >= 0xA1 && b <= 0xAC) || (b >= 0xAE && b <= 0xFF) {
			byteToRune[b] = rune(b)
		} else {
			byteToRune[b] = rune(256 + n)
			n++
		}
		runeToByte[byteToRune[b]] = byte(b)
	}
}
