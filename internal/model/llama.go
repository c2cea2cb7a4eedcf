package model

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"strings"
	"time"

	"github.com/x448/float16"
	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-sae/internal/batch"
	"github.com/23skdu/longbow-sae/internal/gguf"
	"github.com/23skdu/longbow-sae/internal/metrics"
	"github.com/23skdu/longbow-sae/internal/tensor"
	"github.com/23skdu/longbow-sae/internal/tokenizer"
)

func init() {
	Register("llama", newDecoderFamily(false))
	Register("mistral", newDecoderFamily(false))
	Register("qwen2", newDecoderFamily(true))
}

type hparams struct {
	dModel   int
	nLayers  int
	nHeads   int
	nKV      int
	headDim  int
	ffDim    int
	eps      float32
	ropeBase float64
	// neox rotates (i, i+headDim/2) pairs instead of adjacent ones.
	neox bool
}

type block struct {
	attnNorm, ffnNorm   []float32
	q, k, v, o          *tensor.Matrix
	qBias, kBias, vBias []float32
	gate, up, down      *tensor.Matrix
}

// decoder is a CPU rendition of the llama block stack. Only the layers up to
// the deepest observed one are evaluated; logits are never computed.
type decoder struct {
	name   string
	hp     hparams
	tok    *tokenizer.Tokenizer
	embd   *tensor.Matrix // vocab x d_model
	blocks []block
	hooks  Hooks
}

func newDecoderFamily(neox bool) Constructor {
	return func(f *gguf.GGUFFile, opts LoadOptions) (Adapter, error) {
		d, err := loadDecoder(f, opts, neox)
		if err != nil {
			return nil, err
		}
		return d, nil
	}
}

func readHParams(f *gguf.GGUFFile, arch string, neox bool) (hparams, error) {
	hp := hparams{neox: neox, eps: 1e-5, ropeBase: 10000}
	u := func(key string) (int, error) {
		n, err := f.GetUint(arch + "." + key)
		return int(n), err
	}
	var err error
	if hp.nLayers, err = u("block_count"); err != nil {
		return hp, err
	}
	if hp.dModel, err = u("embedding_length"); err != nil {
		return hp, err
	}
	if hp.nHeads, err = u("attention.head_count"); err != nil {
		return hp, err
	}
	if hp.ffDim, err = u("feed_forward_length"); err != nil {
		return hp, err
	}
	if hp.nKV, err = u("attention.head_count_kv"); err != nil {
		hp.nKV = hp.nHeads
	}
	if v, err := f.GetFloat(arch + ".attention.layer_norm_rms_epsilon"); err == nil {
		hp.eps = float32(v)
	}
	if v, err := f.GetFloat(arch + ".rope.freq_base"); err == nil {
		hp.ropeBase = v
	}
	if hp.nHeads == 0 || hp.nKV == 0 || hp.dModel%hp.nHeads != 0 || hp.nHeads%hp.nKV != 0 {
		return hp, fmt.Errorf("%w: heads=%d kv_heads=%d d_model=%d", ErrUnsupportedArchitecture, hp.nHeads, hp.nKV, hp.dModel)
	}
	hp.headDim = hp.dModel / hp.nHeads
	return hp, nil
}

func loadDecoder(f *gguf.GGUFFile, opts LoadOptions, neox bool) (*decoder, error) {
	arch, err := f.GetString("general.architecture")
	if err != nil {
		return nil, err
	}
	hp, err := readHParams(f, arch, neox)
	if err != nil {
		return nil, fmt.Errorf("%s hyperparameters: %w", arch, err)
	}
	tok, err := tokenizer.FromGGUF(f)
	if err != nil {
		return nil, err
	}

	round := rounderFor(opts.DType)
	d := &decoder{name: opts.Name, hp: hp, tok: tok, blocks: make([]block, hp.nLayers)}
	kvDim := hp.nKV * hp.headDim

	if d.embd, err = loadMatrix(f, "token_embd.weight", -1, hp.dModel, round); err != nil {
		return nil, err
	}
	for i := range d.blocks {
		b := &d.blocks[i]
		p := fmt.Sprintf("blk.%d.", i)
		mats := []struct {
			dst        **tensor.Matrix
			name       string
			rows, cols int
		}{
			{&b.q, "attn_q.weight", hp.dModel, hp.dModel},
			{&b.k, "attn_k.weight", kvDim, hp.dModel},
			{&b.v, "attn_v.weight", kvDim, hp.dModel},
			{&b.o, "attn_output.weight", hp.dModel, hp.dModel},
			{&b.gate, "ffn_gate.weight", hp.ffDim, hp.dModel},
			{&b.up, "ffn_up.weight", hp.ffDim, hp.dModel},
			{&b.down, "ffn_down.weight", hp.dModel, hp.ffDim},
		}
		for _, m := range mats {
			if *m.dst, err = loadMatrix(f, p+m.name, m.rows, m.cols, round); err != nil {
				return nil, err
			}
		}
		if b.attnNorm, err = loadVector(f, p+"attn_norm.weight", hp.dModel, nil); err != nil {
			return nil, err
		}
		if b.ffnNorm, err = loadVector(f, p+"ffn_norm.weight", hp.dModel, nil); err != nil {
			return nil, err
		}
		// Biases appear in qwen2 checkpoints only.
		b.qBias, _ = loadVector(f, p+"attn_q.bias", hp.dModel, round)
		b.kBias, _ = loadVector(f, p+"attn_k.bias", kvDim, round)
		b.vBias, _ = loadVector(f, p+"attn_v.bias", kvDim, round)
	}
	return d, nil
}

// rounderFor returns the weight rounding applied for a precision tag.
func rounderFor(dtype string) func(float32) float32 {
	switch strings.ToLower(dtype) {
	case "float16":
		return func(v float32) float32 { return float16.Fromfloat32(v).Float32() }
	case "bfloat16":
		return func(v float32) float32 {
			bits := math.Float32bits(v)
			bits += 0x7FFF + (bits>>16)&1
			return math.Float32frombits(bits &^ 0xFFFF)
		}
	default:
		return nil
	}
}

// loadMatrix reads a GGUF tensor of dims [cols, rows]. rows < 0 accepts any
// row count.
func loadMatrix(f *gguf.GGUFFile, name string, rows, cols int, round func(float32) float32) (*tensor.Matrix, error) {
	info, err := f.Tensor(name)
	if err != nil {
		return nil, err
	}
	if len(info.Dimensions) != 2 || int(info.Dimensions[0]) != cols || (rows >= 0 && int(info.Dimensions[1]) != rows) {
		return nil, fmt.Errorf("%w: %s has dims %v, want [%d %d]", ErrUnsupportedArchitecture, name, info.Dimensions, cols, rows)
	}
	data, err := info.Float32s()
	if err != nil {
		return nil, err
	}
	applyRounding(data, round)
	return tensor.View(data, int(info.Dimensions[1]), cols), nil
}

func loadVector(f *gguf.GGUFFile, name string, n int, round func(float32) float32) ([]float32, error) {
	data, err := f.Float32s(name)
	if err != nil {
		return nil, err
	}
	if len(data) != n {
		return nil, fmt.Errorf("%w: %s has %d values, want %d", ErrUnsupportedArchitecture, name, len(data), n)
	}
	applyRounding(data, round)
	return data, nil
}

func applyRounding(data []float32, round func(float32) float32) {
	if round == nil {
		return
	}
	for i, v := range data {
		data[i] = round(v)
	}
}

func (d *decoder) Name() string { return d.name }
func (d *decoder) DModel() int { return d.hp.dModel }
func (d *decoder) NumLayers() int { return d.hp.nLayers }
func (d *decoder) Tokenizer() batch.Tokenizer { return d.tok }

func (d *decoder) Capabilities() Capabilities {
	return Capabilities{IndexableDecoderLayers: true, FeedForwardSublayer: true, FullBlock: true}
}

func (d *decoder) Observe(layer int, stream Stream, fn ObserverFunc) (*Handle, error) {
	if err := CheckCapabilities(d, layer, stream); err != nil {
		return nil, err
	}
	return d.hooks.Add(layer, stream, fn), nil
}

func (d *decoder) Close() error {
	d.embd = nil
	d.blocks = nil
	return nil
}

// Forward runs the block stack over every sequence of b independently with
// causal attention.
func (d *decoder) Forward(ctx context.Context, b *batch.TokenBatch) error {
	start := time.Now()
	defer func() { metrics.RecordForward(time.Since(start)) }()

	hp := d.hp
	ids := b.Flat()
	seq := b.SeqLen()
	x := tensor.New(len(ids), hp.dModel)
	for i, id := range ids {
		if id < 0 || int(id) >= d.embd.Rows {
			return fmt.Errorf("%w: %d (vocab %d)", ErrTokenOutOfRange, id, d.embd.Rows)
		}
		copy(x.Row(i), d.embd.Row(int(id)))
	}

	last := d.hooks.Deepest()
	if last < 0 {
		last = hp.nLayers - 1
	}
	for li := 0; li <= last; li++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		blk := &d.blocks[li]

		h := rmsNorm(x, blk.attnNorm, hp.eps)
		q := project(h, blk.q, blk.qBias)
		k := project(h, blk.k, blk.kBias)
		v := project(h, blk.v, blk.vBias)
		rope(q, hp.nHeads, hp.headDim, seq, hp.ropeBase, hp.neox)
		rope(k, hp.nKV, hp.headDim, seq, hp.ropeBase, hp.neox)
		attn := attention(q, k, v, b.BatchSize(), seq, hp)
		addInPlace(x, tensor.MatMulT(attn, blk.o))

		h = rmsNorm(x, blk.ffnNorm, hp.eps)
		gate := tensor.MatMulT(h, blk.gate)
		tensor.SwiGLU(gate.Data, tensor.MatMulT(h, blk.up).Data)
		mlp := tensor.MatMulT(gate, blk.down)
		d.hooks.Fire(li, StreamMLPOutput, mlp)

		addInPlace(x, mlp)
		d.hooks.Fire(li, StreamResidual, x)
	}
	return nil
}

func project(x, w *tensor.Matrix, bias []float32) *tensor.Matrix {
	out := tensor.MatMulT(x, w)
	if bias != nil {
		out.AddRowVector(bias)
	}
	return out
}

func addInPlace(dst, src *tensor.Matrix) {
	for i, v := range src.Data {
		dst.Data[i] += v
	}
}

func rmsNorm(x *tensor.Matrix, weight []float32, eps float32) *tensor.Matrix {
	out := tensor.New(x.Rows, x.Cols)
	for i := 0; i < x.Rows; i++ {
		row := x.Row(i)
		var ss float32
		for _, v := range row {
			ss += v * v
		}
		inv := float32(1 / math.Sqrt(float64(ss/float32(len(row))+eps)))
		dst := out.Row(i)
		for j, v := range row {
			dst[j] = v * inv * weight[j]
		}
	}
	return out
}

// rope rotates each head of x in place. Row r sits at position r mod seq.
func rope(x *tensor.Matrix, heads, headDim, seq int, base float64, neox bool) {
	half := headDim / 2
	inv := make([]float64, half)
	for i := range inv {
		inv[i] = math.Pow(base, -2*float64(i)/float64(headDim))
	}
	for r := 0; r < x.Rows; r++ {
		pos := float64(r % seq)
		row := x.Row(r)
		for h := 0; h < heads; h++ {
			off := h * headDim
			for i := 0; i < half; i++ {
				i0, i1 := off+2*i, off+2*i+1
				if neox {
					i0, i1 = off+i, off+i+half
				}
				sin, cos := math.Sincos(pos * inv[i])
				a, b := row[i0], row[i1]
				row[i0] = a*float32(cos) - b*float32(sin)
				row[i1] = a*float32(sin) + b*float32(cos)
			}
		}
	}
}

// attention is causal grouped-query attention within each sequence.
func attention(q, k, v *tensor.Matrix, batchSize, seq int, hp hparams) *tensor.Matrix {
	hd := hp.headDim
	out := tensor.New(q.Rows, hp.nHeads*hd)
	group := hp.nHeads / hp.nKV
	scale := float32(1 / math.Sqrt(float64(hd)))

	var g errgroup.Group
	g.SetLimit(runtime.NumCPU())
	for bi := 0; bi < batchSize; bi++ {
		for h := 0; h < hp.nHeads; h++ {
			bi, h := bi, h
			g.Go(func() error {
				kh := h / group
				scores := make([]float32, seq)
				for t := 0; t < seq; t++ {
					qt := q.Row(bi*seq + t)[h*hd : (h+1)*hd]
					for s := 0; s <= t; s++ {
						scores[s] = tensor.Dot(qt, k.Row(bi*seq + s)[kh*hd:(kh+1)*hd]) * scale
					}
					tensor.Softmax(scores[:t+1])
					dst := out.Row(bi*seq + t)[h*hd : (h+1)*hd]
					for s := 0; s <= t; s++ {
						tensor.Axpy(scores[s], v.Row(bi*seq + s)[kh*hd:(kh+1)*hd], dst)
					}
				}
				return nil
			})
		}
	}
	_ = g.Wait()
	return out
}
