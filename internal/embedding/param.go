package embedding

import (
	"math"
	"math/rand"

	"github.com/viterin/vek"
)

// Param is a trainable row-major matrix with its gradient buffer.
type Param struct {
	Name string
	Rows int
	Cols int
	Data []float64
	Grad []float64
}

// NewParam allocates a zero-initialised parameter
func NewParam(name string, rows, cols int) *Param {
	return &Param{
		Name: name,
		Rows: rows,
		Cols: cols,
		Data: make([]float64, rows*cols),
		Grad: make([]float64, rows*cols),
	}
}

// Row returns a view of row i
func (p *Param) Row(i int64) []float64 {
	return p.Data[int(i)*p.Cols : (int(i)+1)*p.Cols]
}

// GradRow returns a view of the gradient of row i
func (p *Param) GradRow(i int64) []float64 {
	return p.Grad[int(i)*p.Cols : (int(i)+1)*p.Cols]
}

// ZeroGrad clears the gradient buffer
func (p *Param) ZeroGrad() {
	clear(p.Grad)
}

// Uniform fills the parameter from U(-bound, bound)
func (p *Param) Uniform(bound float64, rng *rand.Rand) {
	for i := range p.Data {
		p.Data[i] = (rng.Float64()*2 - 1) * bound
	}
}

// MaxAbs returns the largest absolute entry
func (p *Param) MaxAbs() float64 {
	m := 0.0
	for _, v := range p.Data {
		if a := math.Abs(v); a > m {
			m = a
		}
	}
	return m
}

// Linear is a learned affine map y = W x + b over square dimension Dim.
type Linear struct {
	Dim    int
	Weight *Param
	Bias   *Param
}

// NewLinear initialises W and b from U(-1/sqrt(dim), 1/sqrt(dim))
func NewLinear(name string, dim int, rng *rand.Rand) *Linear {
	l := &Linear{
		Dim:    dim,
		Weight: NewParam(name+".weight", dim, dim),
		Bias:   NewParam(name+".bias", 1, dim),
	}
	bound := 1 / math.Sqrt(float64(dim))
	l.Weight.Uniform(bound, rng)
	l.Bias.Uniform(bound, rng)
	return l
}

// Forward writes W x + b into dst
func (l *Linear) Forward(dst, x []float64) {
	for o := 0; o < l.Dim; o++ {
		dst[o] = vek.Dot(l.Weight.Row(int64(o)), x) + l.Bias.Data[o]
	}
}

// Backward accumulates parameter gradients and dx for upstream gradient dy.
// dx may be nil when the input is not trainable.
func (l *Linear) Backward(dx, x, dy []float64) {
	for o := 0; o < l.Dim; o++ {
		g := dy[o]
		if g == 0 {
			continue
		}
		l.Bias.Grad[o] += g
		wg := l.Weight.GradRow(int64(o))
		for i := 0; i < l.Dim; i++ {
			wg[i] += g * x[i]
		}
		if dx != nil {
			w := l.Weight.Row(int64(o))
			for i := 0; i < l.Dim; i++ {
				dx[i] += g * w[i]
			}
		}
	}
}

// Params returns the trainable tensors
func (l *Linear) Params() []*Param {
	return []*Param{l.Weight, l.Bias}
}

// Projection applies two independent learned maps, one per half of a row.
type Projection struct {
	First  *Linear
	Second *Linear
}

// NewProjection builds a projection for rows of width 2*half
func NewProjection(name string, half int, rng *rand.Rand) *Projection {
	return &Projection{
		First:  NewLinear(name+"1", half, rng),
		Second: NewLinear(name+"2", half, rng),
	}
}

// Apply projects each half of src into dst
func (p *Projection) Apply(dst, src []float64) {
	d := p.First.Dim
	p.First.Forward(dst[:d], src[:d])
	p.Second.Forward(dst[d:2*d], src[d:2*d])
}

// Backward accumulates gradients through both halves; dSrc may be nil
func (p *Projection) Backward(dSrc, src, dDst []float64) {
	d := p.First.Dim
	var d1, d2 []float64
	if dSrc != nil {
		d1, d2 = dSrc[:d], dSrc[d:2*d]
	}
	p.First.Backward(d1, src[:d], dDst[:d])
	p.Second.Backward(d2, src[d:2*d], dDst[d:2*d])
}

// Params returns the trainable tensors of both halves
func (p *Projection) Params() []*Param {
	return append(p.First.Params(), p.Second.Params()...)
}
