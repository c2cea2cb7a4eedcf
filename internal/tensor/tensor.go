// Package tensor holds the dense float32 kernels shared by the autoencoder,
// its trainer and the evaluator. Work is split across goroutines by output
// rows only, so every output element is summed in a fixed order and results
// are bit-identical between runs.
package tensor

import (
	"fmt"
	"math"
	"runtime"
	"sync"
)

// parallelThreshold is the multiply-add count below which kernels run inline.
const parallelThreshold = 1 << 15

// Matrix is a row-major float32 matrix.
type Matrix struct {
	Rows int
	Cols int
	Data []float32
}

func New(rows, cols int) *Matrix {
	return &Matrix{Rows: rows, Cols: cols, Data: make([]float32, rows*cols)}
}

// View wraps data without copying. len(data) must equal rows*cols.
func View(data []float32, rows, cols int) *Matrix {
	if len(data) != rows*cols {
		panic(fmt.Sprintf("tensor: view of %d values as %dx%d", len(data), rows, cols))
	}
	return &Matrix{Rows: rows, Cols: cols, Data: data}
}

func (m *Matrix) Row(i int) []float32 {
	return m.Data[i*m.Cols : (i+1)*m.Cols]
}

// Slice returns a view of rows [lo, hi).
func (m *Matrix) Slice(lo, hi int) *Matrix {
	return &Matrix{Rows: hi - lo, Cols: m.Cols, Data: m.Data[lo*m.Cols : hi*m.Cols]}
}

func (m *Matrix) Clone() *Matrix {
	out := &Matrix{Rows: m.Rows, Cols: m.Cols, Data: make([]float32, len(m.Data))}
	copy(out.Data, m.Data)
	return out
}

func (m *Matrix) Zero() {
	for i := range m.Data {
		m.Data[i] = 0
	}
}

// Gather copies the listed rows of m into a new matrix.
func (m *Matrix) Gather(rows []int) *Matrix {
	out := New(len(rows), m.Cols)
	for i, r := range rows {
		copy(out.Row(i), m.Row(r))
	}
	return out
}

// parallelRows runs fn over [0, rows) in contiguous chunks.
func parallelRows(rows, work int, fn func(lo, hi int)) {
	if rows == 0 {
		return
	}
	workers := runtime.NumCPU()
	if work < parallelThreshold || workers <= 1 || rows == 1 {
		fn(0, rows)
		return
	}
	chunk := (rows + workers - 1) / workers
	var wg sync.WaitGroup
	for lo := 0; lo < rows; lo += chunk {
		hi := lo + chunk
		if hi > rows {
			hi = rows
		}
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			fn(lo, hi)
		}(lo, hi)
	}
	wg.Wait()
}

// MatMulT computes a·bᵀ: a is m×k, b is n×k, the result m×n.
func MatMulT(a, b *Matrix) *Matrix {
	if a.Cols != b.Cols {
		panic(fmt.Sprintf("tensor: MatMulT inner dims %d != %d", a.Cols, b.Cols))
	}
	out := New(a.Rows, b.Rows)
	k := a.Cols
	parallelRows(a.Rows, a.Rows*b.Rows*k, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			ar := a.Data[i*k : (i+1)*k]
			or := out.Data[i*b.Rows : (i+1)*b.Rows]
			for j := 0; j < b.Rows; j++ {
				or[j] = Dot(ar, b.Data[j*k:(j+1)*k])
			}
		}
	})
	return out
}

// TMatMul computes aᵀ·b: a is k×m, b is k×n, the result m×n.
// Used for weight gradients (dW = dYᵀ·X).
func TMatMul(a, b *Matrix) *Matrix {
	if a.Rows != b.Rows {
		panic(fmt.Sprintf("tensor: TMatMul outer dims %d != %d", a.Rows, b.Rows))
	}
	out := New(a.Cols, b.Cols)
	m, n := a.Cols, b.Cols
	parallelRows(m, a.Rows*m*n, func(lo, hi int) {
		for r := 0; r < a.Rows; r++ {
			arow := a.Data[r*m : (r+1)*m]
			brow := b.Data[r*n : (r+1)*n]
			for i := lo; i < hi; i++ {
				av := arow[i]
				if av == 0 {
					continue
				}
				Axpy(av, brow, out.Data[i*n:(i+1)*n])
			}
		}
	})
	return out
}

// MatMul computes a·b: a is m×k, b is k×n, the result m×n.
func MatMul(a, b *Matrix) *Matrix {
	if a.Cols != b.Rows {
		panic(fmt.Sprintf("tensor: MatMul inner dims %d != %d", a.Cols, b.Rows))
	}
	out := New(a.Rows, b.Cols)
	k, n := a.Cols, b.Cols
	parallelRows(a.Rows, a.Rows*k*n, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			or := out.Data[i*n : (i+1)*n]
			ar := a.Data[i*k : (i+1)*k]
			for l, av := range ar {
				if av == 0 {
					continue
				}
				Axpy(av, b.Data[l*n:(l+1)*n], or)
			}
		}
	})
	return out
}

func Dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// Axpy computes y += alpha*x.
func Axpy(alpha float32, x, y []float32) {
	for i := range x {
		y[i] += alpha * x[i]
	}
}

// AddRowVector adds v to every row of m in place.
func (m *Matrix) AddRowVector(v []float32) {
	for i := 0; i < m.Rows; i++ {
		r := m.Row(i)
		for j := range r {
			r[j] += v[j]
		}
	}
}

// ColumnSums returns the per-column sum in float64.
func (m *Matrix) ColumnSums() []float64 {
	out := make([]float64, m.Cols)
	for i := 0; i < m.Rows; i++ {
		for j, v := range m.Row(i) {
			out[j] += float64(v)
		}
	}
	return out
}

// SumSquares returns Σ v² over all entries in float64.
func SumSquares(data []float32) float64 {
	var s float64
	for _, v := range data {
		s += float64(v) * float64(v)
	}
	return s
}

// AllFinite reports whether every value is neither NaN nor Inf.
func AllFinite(data []float32) bool {
	for _, v := range data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

// Softmax normalizes x in place.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	max := x[0]
	for _, v := range x {
		if v > max {
			max = v
		}
	}
	var sum float32
	for i := range x {
		x[i] = float32(math.Exp(float64(x[i] - max)))
		sum += x[i]
	}
	if sum > 0 {
		inv := 1 / sum
		for i := range x {
			x[i] *= inv
		}
	}
}

// SwiGLU overwrites gate with silu(gate)*up.
func SwiGLU(gate, up []float32) {
	for i, g := range gate {
		gate[i] = g / (1 + float32(math.Exp(float64(-g)))) * up[i]
	}
}
