package tensor

import (
	"math"
	"math/rand"
	"testing"
)

func naiveMatMul(a, b *Matrix) *Matrix {
	out := New(a.Rows, b.Cols)
	for i := 0; i < a.Rows; i++ {
		for j := 0; j < b.Cols; j++ {
			var s float32
			for l := 0; l < a.Cols; l++ {
				s += a.Data[i*a.Cols+l] * b.Data[l*b.Cols+j]
			}
			out.Data[i*b.Cols+j] = s
		}
	}
	return out
}

func transpose(m *Matrix) *Matrix {
	out := New(m.Cols, m.Rows)
	for i := 0; i < m.Rows; i++ {
		for j := 0; j < m.Cols; j++ {
			out.Data[j*m.Rows+i] = m.Data[i*m.Cols+j]
		}
	}
	return out
}

func randMatrix(r *rand.Rand, rows, cols int) *Matrix {
	m := New(rows, cols)
	for i := range m.Data {
		m.Data[i] = float32(r.NormFloat64())
	}
	return m
}

func assertClose(t *testing.T, name string, got, want *Matrix) {
	t.Helper()
	if got.Rows != want.Rows || got.Cols != want.Cols {
		t.Fatalf("%s: shape %dx%d, want %dx%d", name, got.Rows, got.Cols, want.Rows, want.Cols)
	}
	for i := range got.Data {
		if math.Abs(float64(got.Data[i]-want.Data[i])) > 1e-3 {
			t.Fatalf("%s: mismatch at %d: %v vs %v", name, i, got.Data[i], want.Data[i])
		}
	}
}

func TestKernelsMatchNaive(t *testing.T) {
	sizes := []struct{ m, k, n int }{
		{1, 1, 1},
		{3, 5, 2},
		{64, 48, 80}, // large enough to take the parallel path
	}
	r := rand.New(rand.NewSource(1))
	for _, s := range sizes {
		a := randMatrix(r, s.m, s.k)
		b := randMatrix(r, s.k, s.n)
		want := naiveMatMul(a, b)

		assertClose(t, "MatMul", MatMul(a, b), want)
		assertClose(t, "MatMulT", MatMulT(a, transpose(b)), want)
		assertClose(t, "TMatMul", TMatMul(transpose(a), b), want)
	}
}

func TestMatMulTDeterministic(t *testing.T) {
	r := rand.New(rand.NewSource(2))
	a := randMatrix(r, 100, 64)
	b := randMatrix(r, 70, 64)
	first := MatMulT(a, b)
	for i := 0; i < 3; i++ {
		again := MatMulT(a, b)
		for j := range first.Data {
			if first.Data[j] != again.Data[j] {
				t.Fatalf("run %d differs at %d", i, j)
			}
		}
	}
}

func TestRowHelpers(t *testing.T) {
	m := View([]float32{1, 2, 3, 4, 5, 6}, 3, 2)
	m.AddRowVector([]float32{10, 20})
	if got := m.Row(2); got[0] != 15 || got[1] != 26 {
		t.Errorf("AddRowVector row 2 = %v", got)
	}
	sums := m.ColumnSums()
	if sums[0] != 39 || sums[1] != 72 {
		t.Errorf("ColumnSums = %v", sums)
	}
	g := m.Gather([]int{2, 0})
	if g.Row(0)[0] != 15 || g.Row(1)[0] != 11 {
		t.Errorf("Gather = %v", g.Data)
	}
	s := m.Slice(1, 3)
	if s.Rows != 2 || s.Row(0)[1] != 24 {
		t.Errorf("Slice = %+v", s)
	}
}

func TestAllFinite(t *testing.T) {
	if !AllFinite([]float32{0, 1, -2}) {
		t.Error("finite values reported non-finite")
	}
	if AllFinite([]float32{0, float32(math.NaN())}) {
		t.Error("NaN not detected")
	}
	if AllFinite([]float32{float32(math.Inf(-1))}) {
		t.Error("Inf not detected")
	}
}

func TestViewPanicsOnBadShape(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	View(make([]float32, 5), 2, 3)
}

func TestSoftmax(t *testing.T) {
	x := []float32{1, 2, 3, 1000}
	Softmax(x)
	var sum float32
	for _, v := range x {
		sum += v
	}
	if math.Abs(float64(sum-1)) > 1e-5 {
		t.Errorf("softmax sums to %v", sum)
	}
	if x[3] < 0.999 {
		t.Errorf("large logit got %v", x[3])
	}
	Softmax(nil)
}

func TestSwiGLU(t *testing.T) {
	gate := []float32{0, 1, -1}
	SwiGLU(gate, []float32{5, 2, 2})
	if gate[0] != 0 {
		t.Errorf("silu(0) * 5 = %v", gate[0])
	}
	want := 2 / (1 + math.Exp(-1))
	if math.Abs(float64(gate[1])-want) > 1e-6 {
		t.Errorf("silu(1) * 2 = %v, want %v", gate[1], want)
	}
	if gate[2] >= 0 {
		t.Errorf("silu(-1) * 2 = %v, want negative", gate[2])
	}
}
