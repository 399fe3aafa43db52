package rotate

import (
	"math"

	"github.com/cnclabs/kgrank/internal/kge"
)

// RotatE models relations as rotations in complex space: h ∘ r ≈ t
// Entity rows are [real | imaginary]; a relation row holds phases that are
// scaled into [-π, π] by embedding_range/π. The relation view is
// [cos(phase) | sin(phase)], so neighbor averaging acts on both parts.
// Score = gamma - Σ |h ∘ r - t|
type RotatE struct {
	gamma      float64
	phaseScale float64 // π / embedding_range
}

// New creates a new RotatE scorer
func New(h kge.Hyper) *RotatE {
	return &RotatE{gamma: h.Gamma, phaseScale: math.Pi / h.EmbeddingRange}
}

func (re *RotatE) Name() string { return "RotatE" }

// Validate requires doubled entity rows and plain relation rows
func (re *RotatE) Validate(shape kge.Shape) error {
	if !shape.DoubleEntity || shape.DoubleRelation {
		return kge.Configf("model", "RotatE should use double_entity_embedding only")
	}
	return nil
}

func (re *RotatE) Halves() (bool, bool) { return true, false }

func (re *RotatE) Ready() error { return nil }

func (re *RotatE) ViewDim(relationDim int) int { return 2 * relationDim }

// TransformRelation maps phases to their (cos, sin) pair
func (re *RotatE) TransformRelation(dst, src []float64) {
	n := len(src)
	for d, x := range src {
		sin, cos := math.Sincos(x * re.phaseScale)
		dst[d] = cos
		dst[n+d] = sin
	}
}

func (re *RotatE) TransformRelationGrad(dSrc, src, dDst []float64) {
	n := len(src)
	for d, x := range src {
		sin, cos := math.Sincos(x * re.phaseScale)
		dSrc[d] += (-dDst[d]*sin + dDst[n+d]*cos) * re.phaseScale
	}
}

// Score computes gamma - Σ_d |(h_d * r_d) - t_d| over complex coordinates
func (re *RotatE) Score(head, relation, tail []float64) float64 {
	n := len(head) / 2
	distance := 0.0
	for d := 0; d < n; d++ {
		diffRe, diffIm := rotateDiff(head, relation, tail, n, d)
		distance += math.Hypot(diffRe, diffIm)
	}
	return re.gamma - distance
}

func (re *RotatE) Grad(head, relation, tail []float64, dScore float64, dHead, dRelation, dTail []float64) {
	n := len(head) / 2
	for d := 0; d < n; d++ {
		diffRe, diffIm := rotateDiff(head, relation, tail, n, d)
		m := math.Hypot(diffRe, diffIm)
		if m < 1e-12 {
			continue
		}
		gRe := -dScore * diffRe / m
		gIm := -dScore * diffIm / m

		hRe, hIm := head[d], head[n+d]
		rRe, rIm := relation[d], relation[n+d]
		dHead[d] += gRe*rRe + gIm*rIm
		dHead[n+d] += -gRe*rIm + gIm*rRe
		dRelation[d] += gRe*hRe + gIm*hIm
		dRelation[n+d] += -gRe*hIm + gIm*hRe
		dTail[d] -= gRe
		dTail[n+d] -= gIm
	}
}

func rotateDiff(head, relation, tail []float64, n, d int) (float64, float64) {
	hRe, hIm := head[d], head[n+d]
	rRe, rIm := relation[d], relation[n+d]
	return hRe*rRe - hIm*rIm - tail[d], hRe*rIm + hIm*rRe - tail[n+d]
}
