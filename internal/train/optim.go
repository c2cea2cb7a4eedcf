package train

import "math"

// AdamW is Adam with decoupled weight decay. State is kept per parameter
// slice, in the order passed to Step.
type AdamW struct {
	Beta1       float64
	Beta2       float64
	Eps         float64
	WeightDecay float64

	t int
	m [][]float32
	v [][]float32
}

func NewAdamW(weightDecay float64, params [][]float32) *AdamW {
	o := &AdamW{Beta1: 0.9, Beta2: 0.999, Eps: 1e-8, WeightDecay: weightDecay}
	o.m = make([][]float32, len(params))
	o.v = make([][]float32, len(params))
	for i, p := range params {
		o.m[i] = make([]float32, len(p))
		o.v[i] = make([]float32, len(p))
	}
	return o
}

// Step applies one update with learning rate lr.
func (o *AdamW) Step(params, grads [][]float32, lr float64) {
	o.t++
	bc1 := 1 - math.Pow(o.Beta1, float64(o.t))
	bc2 := 1 - math.Pow(o.Beta2, float64(o.t))
	stepSize := float32(lr / bc1)
	sqrtBC2 := float32(math.Sqrt(bc2))
	decay := float32(1 - lr*o.WeightDecay)
	b1, b2, eps := float32(o.Beta1), float32(o.Beta2), float32(o.Eps)

	for i, p := range params {
		g, m, v := grads[i], o.m[i], o.v[i]
		for j := range p {
			p[j] *= decay
			m[j] = b1*m[j] + (1-b1)*g[j]
			v[j] = b2*v[j] + (1-b2)*g[j]*g[j]
			denom := float32(math.Sqrt(float64(v[j])))/sqrtBC2 + eps
			p[j] -= stepSize * m[j] / denom
		}
	}
}

// CosineLR anneals base to zero over total steps.
func CosineLR(base float64, step, total int) float64 {
	if total <= 0 {
		return base
	}
	if step > total {
		step = total
	}
	return base * (1 + math.Cos(math.Pi*float64(step)/float64(total))) / 2
}

// ClipGradNorm rescales grads in place so their global L2 norm is at most
// maxNorm and returns the norm before clipping.
func ClipGradNorm(grads [][]float32, maxNorm float64) float64 {
	var ss float64
	for _, g := range grads {
		for _, v := range g {
			ss += float64(v) * float64(v)
		}
	}
	norm := math.Sqrt(ss)
	if norm > maxNorm {
		scale := float32(maxNorm / (norm + 1e-6))
		for _, g := range grads {
			for j := range g {
				g[j] *= scale
			}
		}
	}
	return norm
}
