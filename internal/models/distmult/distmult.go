package distmult

import "github.com/cnclabs/kgrank/internal/kge"

// DistMult scores triples with the trilinear product sum(h ⊙ r ⊙ t).
// There is no gamma offset.
type DistMult struct {
	kge.IdentityRelation
}

// New creates a new DistMult scorer
func New(kge.Hyper) *DistMult {
	return &DistMult{}
}

func (dm *DistMult) Name() string { return "DistMult" }

// Validate requires entity and relation rows of equal width
func (dm *DistMult) Validate(shape kge.Shape) error {
	if shape.EntityDim() != shape.RelationDim() {
		return kge.Configf("model", "DistMult needs equal entity and relation widths (got %d and %d)",
			shape.EntityDim(), shape.RelationDim())
	}
	return nil
}

func (dm *DistMult) Halves() (bool, bool) { return false, false }

func (dm *DistMult) Ready() error { return nil }

func (dm *DistMult) Score(head, relation, tail []float64) float64 {
	score := 0.0
	for d := range head {
		score += head[d] * relation[d] * tail[d]
	}
	return score
}

func (dm *DistMult) Grad(head, relation, tail []float64, dScore float64, dHead, dRelation, dTail []float64) {
	for d := range head {
		dHead[d] += dScore * relation[d] * tail[d]
		dRelation[d] += dScore * head[d] * tail[d]
		dTail[d] += dScore * head[d] * relation[d]
	}
}
