package pairre

import (
	"math"

	"github.com/viterin/vek"

	"github.com/cnclabs/kgrank/internal/kge"
)

// normEps matches the lower bound used when L2-normalising entity rows.
const normEps = 1e-12

// PairRE projects head and tail with paired relation vectors:
// Score = gamma - ||ĥ ⊙ r_head - t̂ ⊙ r_tail||_1, where ĥ, t̂ are L2-normalised.
// Relation rows are [r_head | r_tail].
type PairRE struct {
	kge.IdentityRelation
	gamma float64
}

// New creates a new PairRE scorer
func New(h kge.Hyper) *PairRE {
	return &PairRE{gamma: h.Gamma}
}

func (pr *PairRE) Name() string { return "PairRE" }

// Validate requires doubled relation rows and plain entity rows
func (pr *PairRE) Validate(shape kge.Shape) error {
	if !shape.DoubleRelation {
		return kge.Configf("model", "PairRE should use double_relation_embedding")
	}
	if shape.DoubleEntity {
		return kge.Configf("model", "PairRE entity rows must be half the relation width")
	}
	return nil
}

func (pr *PairRE) Halves() (bool, bool) { return false, true }

func (pr *PairRE) Ready() error { return nil }

func (pr *PairRE) Score(head, relation, tail []float64) float64 {
	n := len(head)
	rH, rT := relation[:n], relation[n:]
	hNorm, tNorm := l2(head), l2(tail)

	distance := 0.0
	for d := 0; d < n; d++ {
		distance += math.Abs(head[d]/hNorm*rH[d] - tail[d]/tNorm*rT[d])
	}
	return pr.gamma - distance
}

func (pr *PairRE) Grad(head, relation, tail []float64, dScore float64, dHead, dRelation, dTail []float64) {
	n := len(head)
	rH, rT := relation[:n], relation[n:]
	hNorm, tNorm := l2(head), l2(tail)

	dh := make([]float64, n) // gradient w.r.t. normalised head
	dt := make([]float64, n)
	for d := 0; d < n; d++ {
		hn, tn := head[d]/hNorm, tail[d]/tNorm
		g := -dScore * kge.Sign(hn*rH[d]-tn*rT[d])
		dh[d] = g * rH[d]
		dt[d] = -g * rT[d]
		dRelation[d] += g * hn
		dRelation[n+d] -= g * tn
	}
	normalizeGrad(dHead, head, hNorm, dh)
	normalizeGrad(dTail, tail, tNorm, dt)
}

func l2(x []float64) float64 {
	return math.Max(vek.Norm(x), normEps)
}

// normalizeGrad back-propagates through y = x / ||x||: dx = (dy - y (y·dy)) / ||x||
func normalizeGrad(dx, x []float64, norm float64, dy []float64) {
	dot := vek.Dot(x, dy) / norm
	for d := range x {
		dx[d] += (dy[d] - x[d]/norm*dot) / norm
	}
}
