// Package batch packs tokenized text into fixed-shape batches until a
// token target is reached.
package batch

import (
	"github.com/23skdu/longbow-sae/internal/config"
	"github.com/23skdu/longbow-sae/internal/metrics"
)

// Tokenizer encodes text without special tokens.
type Tokenizer interface {
	Encode(text string) []int
	Decode(ids []int) string
}

// Source yields text chunks. ok is false once the source is exhausted.
type Source interface {
	Next() (string, bool)
}

// TokenBatch is one batch_size × seq_len block of token ids.
type TokenBatch struct {
	IDs  [][]int32
	Mask [][]int32
	// Texts holds the most recent source chunks (at most batch_size) that
	// fed the buffer when the batch was cut.
	Texts []string
}

func (b *TokenBatch) BatchSize() int { return len(b.IDs) }

func (b *TokenBatch) SeqLen() int {
	if len(b.IDs) == 0 {
		return 0
	}
	return len(b.IDs[0])
}

// Flat returns the ids in row-major order.
func (b *TokenBatch) Flat() []int32 {
	out := make([]int32, 0, b.BatchSize()*b.SeqLen())
	for _, row := range b.IDs {
		out = append(out, row...)
	}
	return out
}

// Batcher cuts batches from a source. Buffered tokens that never fill a
// whole batch are dropped.
type Batcher struct {
	src       Source
	tok       Tokenizer
	seqLen    int
	batchSize int
	target    int

	buf      []int32
	texts    []string
	produced int
	done     bool
}

func NewBatcher(src Source, tok Tokenizer, seqLen, batchSize, target int) (*Batcher, error) {
	if seqLen <= 0 || batchSize <= 0 {
		return nil, config.Invalidf("invalid batch shape: seq_len=%d batch_size=%d (must be positive)", seqLen, batchSize)
	}
	if target <= 0 {
		return nil, config.Invalidf("invalid token target: %d (must be positive)", target)
	}
	return &Batcher{src: src, tok: tok, seqLen: seqLen, batchSize: batchSize, target: target}, nil
}

// Produced returns the number of tokens emitted so far.
func (b *Batcher) Produced() int { return b.produced }

// Next returns the next batch, or false once the target is met or the
// source is exhausted.
func (b *Batcher) Next() (*TokenBatch, bool) {
	if b.done {
		return nil, false
	}
	per := b.seqLen * b.batchSize
	for len(b.buf) < per {
		text, ok := b.src.Next()
		if !ok {
			b.done = true
			return nil, false
		}
		ids := b.tok.Encode(text)
		if len(ids) == 0 {
			continue
		}
		for _, id := range ids {
			b.buf = append(b.buf, int32(id))
		}
		b.texts = append(b.texts, text)
		if len(b.texts) > b.batchSize {
			b.texts = b.texts[len(b.texts)-b.batchSize:]
		}
	}

	tb := &TokenBatch{
		IDs:   make([][]int32, b.batchSize),
		Mask:  make([][]int32, b.batchSize),
		Texts: append([]string(nil), b.texts...),
	}
	for i := 0; i < b.batchSize; i++ {
		row := make([]int32, b.seqLen)
		copy(row, b.buf[i*b.seqLen:(i+1)*b.seqLen])
		tb.IDs[i] = row
		mask := make([]int32, b.seqLen)
		for j := range mask {
			mask[j] = 1
		}
		tb.Mask[i] = mask
	}
	b.buf = append(b.buf[:0], b.buf[per:]...)
	b.produced += per
	if b.produced >= b.target {
		b.done = true
	}
	metrics.BatchesEmitted.Inc()
	return tb, true
}

// SliceSource yields a fixed list of chunks once.
type SliceSource struct {
	chunks []string
	pos    int
}

func NewSliceSource(chunks ...string) *SliceSource {
	return &SliceSource{chunks: chunks}
}

func (s *SliceSource) Next() (string, bool) {
	if s.pos >= len(s.chunks) {
		return "", false
	}
	c := s.chunks[s.pos]
	s.pos++
	return c, true
}
