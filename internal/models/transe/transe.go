package transe

import (
	"math"

	"github.com/cnclabs/kgrank/internal/kge"
)

// TransE implements the TransE (Translating Embeddings) scoring function
// TransE models relations as translations in the embedding space: h + r ≈ t
// Score = gamma - ||h + r - t||_1
type TransE struct {
	kge.IdentityRelation
	gamma float64
}

// New creates a new TransE scorer
func New(h kge.Hyper) *TransE {
	return &TransE{gamma: h.Gamma}
}

func (te *TransE) Name() string { return "TransE" }

// Validate requires entity and relation rows of equal width
func (te *TransE) Validate(shape kge.Shape) error {
	if shape.EntityDim() != shape.RelationDim() {
		return kge.Configf("model", "TransE needs equal entity and relation widths (got %d and %d)",
			shape.EntityDim(), shape.RelationDim())
	}
	return nil
}

func (te *TransE) Halves() (bool, bool) { return false, false }

func (te *TransE) Ready() error { return nil }

// Score computes gamma - L1(h + r - t)
// Higher score = better fit
func (te *TransE) Score(head, relation, tail []float64) float64 {
	distance := 0.0
	for d := range head {
		distance += math.Abs(head[d] + relation[d] - tail[d])
	}
	return te.gamma - distance
}

// Grad accumulates the (sub)gradient of Score
func (te *TransE) Grad(head, relation, tail []float64, dScore float64, dHead, dRelation, dTail []float64) {
	for d := range head {
		// d(-|x|)/dx = -sign(x), x = h + r - t
		g := -dScore * kge.Sign(head[d]+relation[d]-tail[d])
		dHead[d] += g
		dRelation[d] += g
		dTail[d] -= g
	}
}
