// Package sae implements the single-hidden-layer sparse autoencoder
//
//	h  = sparsify(ReLU(W_enc·x + b_enc))
//	x̂ = W_dec·h
//
// with two sparsifiers: relu_l1 (identity, sparsity comes from the L1 loss
// term) and topk (keep the k largest units per token, zero the rest).
// A model is a pure function of its parameters; Forward never mutates them.
package sae

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/23skdu/longbow-sae/internal/config"
	"github.com/23skdu/longbow-sae/internal/tensor"
)

type Mode string

const (
	ModeReLUL1 Mode = "relu_l1"
	ModeTopK   Mode = "topk"
)

// Parameter names used in checkpoints.
const (
	ParamEncoderWeight = "encoder.weight"
	ParamEncoderBias   = "encoder.bias"
	ParamDecoderWeight = "decoder.weight"
)

var ErrShape = errors.New("sae: shape mismatch")

type Config struct {
	DModel int
	DSAE   int
	Mode   Mode
	TopK   int
}

func (c Config) Validate() error {
	if c.DModel <= 0 || c.DSAE <= 0 {
		return config.Invalidf("sae dims must be positive: d_model=%d d_sae=%d", c.DModel, c.DSAE)
	}
	switch c.Mode {
	case ModeReLUL1:
	case ModeTopK:
		if c.TopK <= 0 {
			return config.Invalidf("topk must be positive in topk mode, got %d", c.TopK)
		}
	default:
		return config.Invalidf("unsupported sparsity mode %q", c.Mode)
	}
	return nil
}

// K returns the effective number of units kept per token in topk mode.
func (c Config) K() int {
	if c.TopK < c.DSAE {
		return c.TopK
	}
	return c.DSAE
}

type Model struct {
	Cfg  Config
	EncW *tensor.Matrix // d_sae × d_model
	EncB []float32      // d_sae
	DecW *tensor.Matrix // d_model × d_sae
}

// New builds a model with Xavier-uniform weights drawn from rng and a zero
// encoder bias.
func New(cfg Config, rng *rand.Rand) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Model{
		Cfg:  cfg,
		EncW: tensor.New(cfg.DSAE, cfg.DModel),
		EncB: make([]float32, cfg.DSAE),
		DecW: tensor.New(cfg.DModel, cfg.DSAE),
	}
	xavierUniform(m.EncW, rng)
	xavierUniform(m.DecW, rng)
	return m, nil
}

func xavierUniform(w *tensor.Matrix, rng *rand.Rand) {
	bound := math.Sqrt(6.0 / float64(w.Rows+w.Cols))
	for i := range w.Data {
		w.Data[i] = float32((rng.Float64()*2 - 1) * bound)
	}
}

// Param is a named view of one parameter tensor.
type Param struct {
	Name  string
	Shape []int
	Data  []float32
}

// Params lists the parameters in checkpoint order.
func (m *Model) Params() []Param {
	return []Param{
		{Name: ParamEncoderWeight, Shape: []int{m.EncW.Rows, m.EncW.Cols}, Data: m.EncW.Data},
		{Name: ParamEncoderBias, Shape: []int{len(m.EncB)}, Data: m.EncB},
		{Name: ParamDecoderWeight, Shape: []int{m.DecW.Rows, m.DecW.Cols}, Data: m.DecW.Data},
	}
}

// Encode returns the sparse code h for x (n × d_model).
func (m *Model) Encode(x *tensor.Matrix) *tensor.Matrix {
	if x.Cols != m.Cfg.DModel {
		panic(fmt.Errorf("%w: input has %d columns, model expects %d", ErrShape, x.Cols, m.Cfg.DModel))
	}
	h := tensor.MatMulT(x, m.EncW)
	h.AddRowVector(m.EncB)
	for i, v := range h.Data {
		if v < 0 {
			h.Data[i] = 0
		}
	}
	if m.Cfg.Mode == ModeTopK {
		k := m.Cfg.K()
		keep := make([]int, 0, k)
		for i := 0; i < h.Rows; i++ {
			keepTopK(h.Row(i), k, keep[:0])
		}
	}
	return h
}

// Decode maps a code back to model space: x̂ = h·W_decᵀ.
func (m *Model) Decode(h *tensor.Matrix) *tensor.Matrix {
	return tensor.MatMulT(h, m.DecW)
}

// Forward returns (x̂, h).
func (m *Model) Forward(x *tensor.Matrix) (*tensor.Matrix, *tensor.Matrix) {
	h := m.Encode(x)
	return m.Decode(h), h
}

// keepTopK zeroes every entry of row except the k largest. Ties go to the
// lower index so the mask is deterministic.
func keepTopK(row []float32, k int, heap []int) {
	if k >= len(row) {
		return
	}
	// worse reports whether index a ranks below index b.
	worse := func(a, b int) bool {
		if row[a] != row[b] {
			return row[a] < row[b]
		}
		return a > b
	}
	down := func(i int) {
		n := len(heap)
		for {
			l := 2*i + 1
			if l >= n {
				return
			}
			small := l
			if r := l + 1; r < n && worse(heap[r], heap[l]) {
				small = r
			}
			if !worse(heap[small], heap[i]) {
				return
			}
			heap[i], heap[small] = heap[small], heap[i]
			i = small
		}
	}
	for idx := range row {
		if len(heap) < k {
			heap = append(heap, idx)
			for c := len(heap) - 1; c > 0; {
				p := (c - 1) / 2
				if !worse(heap[c], heap[p]) {
					break
				}
				heap[c], heap[p] = heap[p], heap[c]
				c = p
			}
			continue
		}
		if worse(heap[0], idx) {
			heap[0] = idx
			down(0)
		}
	}
	kept := make(map[int]struct{}, k)
	for _, idx := range heap {
		kept[idx] = struct{}{}
	}
	for i := range row {
		if _, ok := kept[i]; !ok {
			row[i] = 0
		}
	}
}

// Loss holds the objective terms for one batch.
type Loss struct {
	Total float64
	Recon float64
	L1    float64
}

// ComputeLoss returns mse(x̂, x) + l1Coeff·mean(|h|).
func ComputeLoss(x, xhat, h *tensor.Matrix, l1Coeff float64) Loss {
	var se float64
	for i, v := range xhat.Data {
		d := float64(v) - float64(x.Data[i])
		se += d * d
	}
	recon := se / float64(len(x.Data))
	var abs float64
	for _, v := range h.Data {
		abs += math.Abs(float64(v))
	}
	l1 := abs / float64(len(h.Data))
	return Loss{Total: recon + l1Coeff*l1, Recon: recon, L1: l1}
}

// Grads mirrors Params.
type Grads struct {
	EncW *tensor.Matrix
	EncB []float32
	DecW *tensor.Matrix
}

func (g *Grads) Slices() [][]float32 {
	return [][]float32{g.EncW.Data, g.EncB, g.DecW.Data}
}

// Backward computes d(Total)/dθ for the batch. Units zeroed by ReLU or by
// the top-k mask receive no gradient, so the L1 term never changes which
// units survive the mask.
func (m *Model) Backward(x, xhat, h *tensor.Matrix, l1Coeff float64) *Grads {
	n := x.Rows
	// dL/dx̂
	gOut := tensor.New(n, m.Cfg.DModel)
	scale := float32(2.0 / float64(len(x.Data)))
	for i, v := range xhat.Data {
		gOut.Data[i] = scale * (v - x.Data[i])
	}

	decGrad := tensor.TMatMul(gOut, h)
	gH := tensor.MatMul(gOut, m.DecW)

	l1Scale := float32(l1Coeff / float64(len(h.Data)))
	for i, v := range h.Data {
		if v > 0 {
			gH.Data[i] += l1Scale
		} else {
			gH.Data[i] = 0
		}
	}

	encGrad := tensor.TMatMul(gH, x)
	biasSums := gH.ColumnSums()
	biasGrad := make([]float32, len(biasSums))
	for i, s := range biasSums {
		biasGrad[i] = float32(s)
	}
	return &Grads{EncW: encGrad, EncB: biasGrad, DecW: decGrad}
}
