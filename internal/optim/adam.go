// Package optim implements the Adam optimiser over embedding parameters.
package optim

import (
	"fmt"
	"math"

	"github.com/cnclabs/kgrank/internal/embedding"
)

const (
	Beta1   = 0.9
	Beta2   = 0.999
	Epsilon = 1e-8
)

// AdamState holds the first/second moments of one parameter
type AdamState struct {
	M []float64
	V []float64
}

// State is the serialisable optimiser state
type State struct {
	Step    int
	Moments map[string]AdamState
}

// Adam performs bias-corrected Adam updates
type Adam struct {
	params []*embedding.Param
	lr     float64
	step   int
	m      [][]float64
	v      [][]float64
}

// NewAdam creates an optimiser over params with learning rate lr
func NewAdam(params []*embedding.Param, lr float64) *Adam {
	a := &Adam{params: params, lr: lr}
	a.Reset()
	return a
}

// Reset discards the moments, as rebuilding the optimiser would
func (a *Adam) Reset() {
	a.step = 0
	a.m = make([][]float64, len(a.params))
	a.v = make([][]float64, len(a.params))
	for i, p := range a.params {
		a.m[i] = make([]float64, len(p.Data))
		a.v[i] = make([]float64, len(p.Data))
	}
}

// LearningRate returns the current learning rate
func (a *Adam) LearningRate() float64 { return a.lr }

// SetLearningRate changes the learning rate without touching the moments
func (a *Adam) SetLearningRate(lr float64) { a.lr = lr }

// Step applies one update from the accumulated gradients, then zeroes them.
func (a *Adam) Step() {
	a.step++
	b1Corr := 1.0 - math.Pow(Beta1, float64(a.step))
	b2Corr := 1.0 - math.Pow(Beta2, float64(a.step))

	for i, p := range a.params {
		mi, vi := a.m[i], a.v[i]
		for j, g := range p.Grad {
			mi[j] = Beta1*mi[j] + (1-Beta1)*g
			vi[j] = Beta2*vi[j] + (1-Beta2)*(g*g)
			mhat := mi[j] / b1Corr
			vhat := vi[j] / b2Corr
			p.Data[j] -= a.lr * mhat / (math.Sqrt(vhat) + Epsilon)
		}
		p.ZeroGrad()
	}
}

// State exports a copy of the moments keyed by parameter name
func (a *Adam) State() State {
	st := State{Step: a.step, Moments: make(map[string]AdamState, len(a.params))}
	for i, p := range a.params {
		st.Moments[p.Name] = AdamState{
			M: append([]float64(nil), a.m[i]...),
			V: append([]float64(nil), a.v[i]...),
		}
	}
	return st
}

// Restore loads moments exported by State
func (a *Adam) Restore(st State) error {
	for i, p := range a.params {
		mom, ok := st.Moments[p.Name]
		if !ok {
			return fmt.Errorf("optimizer state missing parameter %s", p.Name)
		}
		if len(mom.M) != len(p.Data) || len(mom.V) != len(p.Data) {
			return fmt.Errorf("optimizer state for %s has %d entries, want %d", p.Name, len(mom.M), len(p.Data))
		}
		copy(a.m[i], mom.M)
		copy(a.v[i], mom.V)
	}
	a.step = st.Step
	return nil
}
