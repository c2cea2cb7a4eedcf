package sae

import (
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-sae/internal/config"
	"github.com/23skdu/longbow-sae/internal/tensor"
)

func randInput(r *rand.Rand, rows, cols int) *tensor.Matrix {
	x := tensor.New(rows, cols)
	for i := range x.Data {
		x.Data[i] = float32(r.NormFloat64())
	}
	return x
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"relu", Config{DModel: 8, DSAE: 16, Mode: ModeReLUL1}, true},
		{"topk", Config{DModel: 8, DSAE: 16, Mode: ModeTopK, TopK: 4}, true},
		{"topk zero", Config{DModel: 8, DSAE: 16, Mode: ModeTopK}, false},
		{"bad mode", Config{DModel: 8, DSAE: 16, Mode: "gated"}, false},
		{"zero dims", Config{DModel: 0, DSAE: 16, Mode: ModeReLUL1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, config.IsConfigError(err), "got %v", err)
			}
		})
	}
}

func TestNewIsSeeded(t *testing.T) {
	cfg := Config{DModel: 8, DSAE: 12, Mode: ModeReLUL1}
	a, err := New(cfg, rand.New(rand.NewSource(7)))
	require.NoError(t, err)
	b, err := New(cfg, rand.New(rand.NewSource(7)))
	require.NoError(t, err)
	assert.Equal(t, a.EncW.Data, b.EncW.Data)
	assert.Equal(t, a.DecW.Data, b.DecW.Data)

	bound := float32(math.Sqrt(6.0 / 20.0))
	for _, v := range a.EncW.Data {
		assert.LessOrEqual(t, v, bound)
		assert.GreaterOrEqual(t, v, -bound)
	}
	for _, v := range a.EncB {
		assert.Zero(t, v)
	}
}

func TestReLUCodesNonNegative(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	m, err := New(Config{DModel: 8, DSAE: 32, Mode: ModeReLUL1}, r)
	require.NoError(t, err)
	xhat, h := m.Forward(randInput(r, 20, 8))

	assert.Equal(t, 20, h.Rows)
	assert.Equal(t, 32, h.Cols)
	assert.Equal(t, 8, xhat.Cols)
	for _, v := range h.Data {
		assert.GreaterOrEqual(t, v, float32(0))
	}
}

func TestTopKKeepsExactlyK(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	m, err := New(Config{DModel: 8, DSAE: 6, Mode: ModeTopK, TopK: 3}, r)
	require.NoError(t, err)
	// A large bias keeps every pre-activation positive, so the mask alone
	// decides which units survive.
	for i := range m.EncB {
		m.EncB[i] = 10
	}
	x := randInput(r, 5, 8)
	h := m.Encode(x)

	pre := tensor.MatMulT(x, m.EncW)
	pre.AddRowVector(m.EncB)
	for i := 0; i < h.Rows; i++ {
		nonzero := 0
		var minKept float32 = math.MaxFloat32
		var maxDropped float32
		for j, v := range h.Row(i) {
			if v != 0 {
				nonzero++
				assert.Equal(t, pre.Row(i)[j], v)
				if v < minKept {
					minKept = v
				}
			} else if p := pre.Row(i)[j]; p > maxDropped {
				maxDropped = p
			}
		}
		assert.Equal(t, 3, nonzero, "row %d", i)
		assert.GreaterOrEqual(t, minKept, maxDropped, "row %d", i)
	}
}

func TestTopKLargerThanDict(t *testing.T) {
	r := rand.New(rand.NewSource(4))
	m, err := New(Config{DModel: 4, DSAE: 3, Mode: ModeTopK, TopK: 10}, r)
	require.NoError(t, err)
	assert.Equal(t, 3, m.Cfg.K())
	for i := range m.EncB {
		m.EncB[i] = 5
	}
	h := m.Encode(randInput(r, 2, 4))
	for _, v := range h.Data {
		assert.NotZero(t, v)
	}
}

func TestTopKKeepsAtMostKWithDefaultInit(t *testing.T) {
	// With the zero initial bias ReLU can leave fewer than k positive
	// units, and top-k never revives them.
	for seed := int64(0); seed < 50; seed++ {
		r := rand.New(rand.NewSource(seed))
		m, err := New(Config{DModel: 8, DSAE: 6, Mode: ModeTopK, TopK: 3}, r)
		require.NoError(t, err)
		x := randInput(r, 5, 8)
		h := m.Encode(x)

		pre := tensor.MatMulT(x, m.EncW)
		pre.AddRowVector(m.EncB)
		for i := 0; i < h.Rows; i++ {
			positive, nonzero := 0, 0
			for j, v := range h.Row(i) {
				assert.GreaterOrEqual(t, v, float32(0))
				if pre.Row(i)[j] > 0 {
					positive++
				}
				if v != 0 {
					nonzero++
				}
			}
			assert.LessOrEqual(t, nonzero, 3, "seed %d row %d", seed, i)
			assert.Equal(t, min(positive, 3), nonzero, "seed %d row %d", seed, i)
		}
	}
}

func TestKeepTopKTiesPreferLowerIndex(t *testing.T) {
	row := []float32{1, 2, 2, 2, 0.5}
	keepTopK(row, 2, nil)
	assert.Equal(t, []float32{0, 2, 2, 0, 0}, row)
}

func TestEncodePanicsOnWrongWidth(t *testing.T) {
	m, err := New(Config{DModel: 4, DSAE: 3, Mode: ModeReLUL1}, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	assert.Panics(t, func() { m.Encode(tensor.New(2, 5)) })
}

func TestLossTerms(t *testing.T) {
	x := tensor.View([]float32{1, 2}, 1, 2)
	xhat := tensor.View([]float32{0, 4}, 1, 2)
	h := tensor.View([]float32{0, 3, 1, 0}, 1, 4)
	l := ComputeLoss(x, xhat, h, 0.5)
	assert.InDelta(t, 2.5, l.Recon, 1e-9)
	assert.InDelta(t, 1.0, l.L1, 1e-9)
	assert.InDelta(t, 3.0, l.Total, 1e-9)
}

func TestBackwardMatchesFiniteDifference(t *testing.T) {
	r := rand.New(rand.NewSource(11))
	m, err := New(Config{DModel: 4, DSAE: 6, Mode: ModeReLUL1}, r)
	require.NoError(t, err)
	for i := range m.EncW.Data {
		m.EncW.Data[i] *= 0.2
	}
	for i := range m.EncB {
		m.EncB[i] = 1
	}
	x := randInput(r, 3, 4)
	const l1 = 0.1

	xhat, h := m.Forward(x)
	grads := m.Backward(x, xhat, h, l1)

	lossAt := func() float64 {
		xh, hh := m.Forward(x)
		return ComputeLoss(x, xh, hh, l1).Total
	}
	const eps = 1e-2
	for pi, p := range m.Params() {
		g := grads.Slices()[pi]
		for _, idx := range []int{0, len(p.Data) / 2, len(p.Data) - 1} {
			orig := p.Data[idx]
			p.Data[idx] = orig + eps
			up := lossAt()
			p.Data[idx] = orig - eps
			down := lossAt()
			p.Data[idx] = orig

			num := (up - down) / (2 * eps)
			ana := float64(g[idx])
			assert.InDelta(t, num, ana, 1e-3+1e-2*math.Abs(ana), "%s[%d]", p.Name, idx)
		}
	}
}

func TestBackwardTopKMaskedUnitsGetNoGradient(t *testing.T) {
	r := rand.New(rand.NewSource(5))
	m, err := New(Config{DModel: 6, DSAE: 8, Mode: ModeTopK, TopK: 2}, r)
	require.NoError(t, err)
	x := randInput(r, 1, 6)
	xhat, h := m.Forward(x)
	g := m.Backward(x, xhat, h, 0.01)
	for j, v := range h.Row(0) {
		if v == 0 {
			assert.Zero(t, g.EncB[j], "unit %d", j)
		}
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(9))
	m, err := New(Config{DModel: 5, DSAE: 7, Mode: ModeTopK, TopK: 2}, r)
	require.NoError(t, err)
	m.EncB[3] = 0.25

	path := filepath.Join(t.TempDir(), "ckpt", "sae_A.safetensors")
	require.NoError(t, m.Save(path, map[string]string{"label": "A", "step": "12"}))

	ck, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, m.Cfg, ck.Model.Cfg)
	assert.Equal(t, m.EncW.Data, ck.Model.EncW.Data)
	assert.Equal(t, m.EncB, ck.Model.EncB)
	assert.Equal(t, m.DecW.Data, ck.Model.DecW.Data)
	assert.Equal(t, "A", ck.Metadata["label"])
	assert.Equal(t, "12", ck.Metadata["step"])

	names, err := TensorNames(path)
	require.NoError(t, err)
	assert.Equal(t, []string{ParamDecoderWeight, ParamEncoderBias, ParamEncoderWeight}, names)
}

func TestLoadRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(filepath.Join(dir, "missing"))
	assert.Error(t, err)

	m, err := New(Config{DModel: 2, DSAE: 2, Mode: ModeReLUL1}, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	path := filepath.Join(dir, "short.safetensors")
	require.NoError(t, m.Save(path, nil))
	require.NoError(t, os.Truncate(path, 12))
	_, err = Load(path)
	assert.ErrorIs(t, err, ErrBadCheckpoint)
}
