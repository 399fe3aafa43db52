package trainer

import (
	"errors"
	"fmt"
	"math"

	"github.com/cnclabs/kgrank/internal/kge"
)

// ErrNonFinite is returned when the loss diverges to NaN or Inf.
var ErrNonFinite = errors.New("non-finite loss")

// LossOptions selects the loss variant
type LossOptions struct {
	// Adversarial enables self-adversarial weighting with Temperature.
	Adversarial bool
	Temperature float64
	// UniWeight replaces subsampling-weighted means with plain means.
	UniWeight bool
}

// Loss is one step's (or one logging window's) loss breakdown.
type Loss struct {
	PositiveSampleLoss float64
	NegativeSampleLoss float64
	Regularization     float64
	Loss               float64
}

func (l *Loss) add(o Loss) {
	l.PositiveSampleLoss += o.PositiveSampleLoss
	l.NegativeSampleLoss += o.NegativeSampleLoss
	l.Regularization += o.Regularization
	l.Loss += o.Loss
}

func (l *Loss) scale(f float64) {
	l.PositiveSampleLoss *= f
	l.NegativeSampleLoss *= f
	l.Regularization *= f
	l.Loss *= f
}

// LogSigmoid returns log(1/(1+exp(-x))) without overflow
func LogSigmoid(x float64) float64 {
	if x >= 0 {
		return -math.Log1p(math.Exp(-x))
	}
	return x - math.Log1p(math.Exp(x))
}

// Sigmoid returns 1/(1+exp(-x))
func Sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

// AdversarialWeights returns softmax(scores*temperature). The result is used
// as constant weights: no gradient flows through it.
func AdversarialWeights(scores []float64, temperature float64) []float64 {
	w := make([]float64, len(scores))
	if len(scores) == 0 {
		return w
	}
	peak := math.Inf(-1)
	for _, s := range scores {
		peak = max(peak, s*temperature)
	}
	total := 0.0
	for i, s := range scores {
		w[i] = math.Exp(s*temperature - peak)
		total += w[i]
	}
	for i := range w {
		w[i] /= total
	}
	return w
}

// Compute evaluates the negative-sampling loss over one batch of scores and
// returns d(loss)/d(score) for every positive and negative score.
//
//	positive_i = log σ(pos_i)
//	negative_i = Σ_j p_ij log σ(-neg_ij),  p = softmax(neg*T) or uniform
//	loss       = -(Σ w_i positive_i + Σ w_i negative_i) / (2 Σ w_i)
func Compute(b *kge.Batch, pos []float64, neg [][]float64, opts LossOptions) (Loss, []float64, [][]float64, error) {
	n := len(pos)
	if n == 0 {
		return Loss{}, nil, nil, fmt.Errorf("empty batch")
	}

	weights := make([]float64, n)
	wsum := 0.0
	for i := range weights {
		weights[i] = 1
		if !opts.UniWeight {
			weights[i] = b.Weight[i]
		}
		wsum += weights[i]
	}

	var l Loss
	dPos := make([]float64, n)
	dNeg := make([][]float64, n)
	for i := 0; i < n; i++ {
		scale := weights[i] / wsum

		l.PositiveSampleLoss -= scale * LogSigmoid(pos[i])
		dPos[i] = -0.5 * scale * (1 - Sigmoid(pos[i]))

		var p []float64
		if opts.Adversarial {
			p = AdversarialWeights(neg[i], opts.Temperature)
		} else {
			p = make([]float64, len(neg[i]))
			for j := range p {
				p[j] = 1 / float64(len(p))
			}
		}
		dNeg[i] = make([]float64, len(neg[i]))
		for j, s := range neg[i] {
			l.NegativeSampleLoss -= scale * p[j] * LogSigmoid(-s)
			dNeg[i][j] = 0.5 * scale * p[j] * Sigmoid(s)
		}
	}
	l.Loss = (l.PositiveSampleLoss + l.NegativeSampleLoss) / 2

	if math.IsNaN(l.Loss) || math.IsInf(l.Loss, 0) {
		return l, nil, nil, fmt.Errorf("loss %v: %w", l.Loss, ErrNonFinite)
	}
	return l, dPos, dNeg, nil
}
