package complex_embeddings

import "github.com/cnclabs/kgrank/internal/kge"

// ComplEx implements Complex Embeddings for Knowledge Graphs
// Rows are laid out as [real | imaginary] halves.
// Score = Re(<h, r, conj(t)>) = Re(Σ h_i * r_i * conj(t_i))
type ComplEx struct {
	kge.IdentityRelation
}

// New creates a new ComplEx scorer
func New(kge.Hyper) *ComplEx {
	return &ComplEx{}
}

func (cx *ComplEx) Name() string { return "ComplEx" }

// Validate requires both entity and relation rows to be doubled
func (cx *ComplEx) Validate(shape kge.Shape) error {
	if !shape.DoubleEntity || !shape.DoubleRelation {
		return kge.Configf("model", "ComplEx should use double_entity_embedding and double_relation_embedding")
	}
	return nil
}

func (cx *ComplEx) Halves() (bool, bool) { return true, true }

func (cx *ComplEx) Ready() error { return nil }

func (cx *ComplEx) Score(head, relation, tail []float64) float64 {
	n := len(head) / 2
	reH, imH := head[:n], head[n:]
	reR, imR := relation[:n], relation[n:]
	reT, imT := tail[:n], tail[n:]

	score := 0.0
	for d := 0; d < n; d++ {
		re := reH[d]*reR[d] - imH[d]*imR[d]
		im := reH[d]*imR[d] + imH[d]*reR[d]
		score += re*reT[d] + im*imT[d]
	}
	return score
}

func (cx *ComplEx) Grad(head, relation, tail []float64, dScore float64, dHead, dRelation, dTail []float64) {
	n := len(head) / 2
	reH, imH := head[:n], head[n:]
	reR, imR := relation[:n], relation[n:]
	reT, imT := tail[:n], tail[n:]

	for d := 0; d < n; d++ {
		dHead[d] += dScore * (reR[d]*reT[d] + imR[d]*imT[d])
		dHead[n+d] += dScore * (reR[d]*imT[d] - imR[d]*reT[d])
		dRelation[d] += dScore * (reH[d]*reT[d] + imH[d]*imT[d])
		dRelation[n+d] += dScore * (reH[d]*imT[d] - imH[d]*reT[d])
		dTail[d] += dScore * (reH[d]*reR[d] - imH[d]*imR[d])
		dTail[n+d] += dScore * (reH[d]*imR[d] + imH[d]*reR[d])
	}
}
