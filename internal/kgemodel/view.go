package kgemodel

import (
	"fmt"

	"github.com/cnclabs/kgrank/internal/kge"
	"github.com/cnclabs/kgrank/internal/neighborhood"
	"github.com/cnclabs/kgrank/pkg/knowledge"
)

// View is the per-forward-pass snapshot of the tables a strategy scores
// against: entity rows after projection and graph smoothing, relation rows
// after projection and the strategy's relation transform. A trainable view
// also carries gradient buffers for both tables; Flush pushes them back into
// the model parameters.
type View struct {
	m *Model

	entity    []float64
	entCols   int
	projected []float64 // entity rows after projection, before smoothing

	relation     []float64
	relCols      int
	relRawCols   int
	relProjected []float64 // relation rows after projection, before transform

	dEntity   []float64
	dRelation []float64
}

// NewView computes the forward-pass tables. It fails when the strategy is
// not usable (pRotatE).
func (m *Model) NewView(trainable bool) (*View, error) {
	if err := m.Scorer.Ready(); err != nil {
		return nil, err
	}
	s := m.Store
	v := &View{
		m:          m,
		entCols:    s.Entity.Cols,
		relRawCols: s.Relation.Cols,
		relCols:    m.Scorer.ViewDim(s.Relation.Cols),
	}

	// entity: projection then smoothing
	entity := s.Entity.Data
	if s.EntityProjection != nil {
		v.projected = make([]float64, len(entity))
		for i := int64(0); i < m.numEntities; i++ {
			s.EntityProjection.Apply(v.rowOf(v.projected, v.entCols, i), s.Entity.Row(i))
		}
		entity = v.projected
	}
	if m.smoother != nil {
		smoothed := make([]float64, len(entity))
		m.smoother.Apply(smoothed, entity, v.entCols)
		entity = smoothed
	}
	v.entity = entity

	// relation: projection then strategy transform
	raw := s.Relation.Data
	if s.RelationProjection != nil {
		v.relProjected = make([]float64, len(raw))
		for r := int64(0); r < m.numRelations; r++ {
			s.RelationProjection.Apply(v.rowOf(v.relProjected, v.relRawCols, r), s.Relation.Row(r))
		}
		raw = v.relProjected
	}
	v.relation = make([]float64, int(m.numRelations)*v.relCols)
	for r := int64(0); r < m.numRelations; r++ {
		m.Scorer.TransformRelation(v.rowOf(v.relation, v.relCols, r), v.rowOf(raw, v.relRawCols, r))
	}

	if trainable {
		v.dEntity = make([]float64, len(v.entity))
		v.dRelation = make([]float64, len(v.relation))
	}
	return v, nil
}

func (v *View) rowOf(table []float64, cols int, id int64) []float64 {
	return table[int(id)*cols : (int(id)+1)*cols]
}

// EntityRow returns the scored entity vector
func (v *View) EntityRow(id int64) []float64 {
	return v.rowOf(v.entity, v.entCols, id)
}

// ResolveRelation writes the relation view of rel into dst, averaged with the
// neighbor relation views when neighbors is non-nil.
func (v *View) ResolveRelation(dst []float64, rel int64, neighbors []int64) error {
	own := v.rowOf(v.relation, v.relCols, rel)
	if neighbors == nil {
		copy(dst, own)
		return nil
	}
	rows := make([][]float64, len(neighbors))
	for i, n := range neighbors {
		rows[i] = v.rowOf(v.relation, v.relCols, n)
	}
	return neighborhood.AverageRelation(dst, own, rows)
}

// RelationDim is the width of a resolved relation vector
func (v *View) RelationDim() int {
	return v.relCols
}

// ScoreTriple scores one explicit triple (single mode)
func (v *View) ScoreTriple(t knowledge.Triple, neighbors []int64) (float64, error) {
	rel := make([]float64, v.relCols)
	if err := v.ResolveRelation(rel, t.Relation, neighbors); err != nil {
		return 0, err
	}
	return v.m.Scorer.Score(v.EntityRow(t.Head), rel, v.EntityRow(t.Tail)), nil
}

// ScoreCandidates scores t with each candidate substituted on the mode's side.
// A nil candidates slice means every entity, in id order.
func (v *View) ScoreCandidates(mode kge.Mode, t knowledge.Triple, neighbors []int64, candidates []int64, dst []float64) error {
	rel := make([]float64, v.relCols)
	if err := v.ResolveRelation(rel, t.Relation, neighbors); err != nil {
		return err
	}
	n := len(candidates)
	if candidates == nil {
		n = int(v.m.numEntities)
	}
	if len(dst) < n {
		return fmt.Errorf("score buffer holds %d, need %d", len(dst), n)
	}

	head, tail := v.EntityRow(t.Head), v.EntityRow(t.Tail)
	for j := 0; j < n; j++ {
		c := int64(j)
		if candidates != nil {
			c = candidates[j]
		}
		switch mode {
		case kge.HeadBatch:
			head = v.EntityRow(c)
		case kge.TailBatch:
			tail = v.EntityRow(c)
		default:
			return fmt.Errorf("mode %s not supported for candidate scoring", mode)
		}
		dst[j] = v.m.Scorer.Score(head, rel, tail)
	}
	return nil
}

// Forward scores the positives (single mode) and every negative candidate.
func (v *View) Forward(b *kge.Batch) ([]float64, [][]float64, error) {
	pos := make([]float64, b.Len())
	neg := make([][]float64, b.Len())
	for i, t := range b.Positive {
		neigh := b.NeighborsOf(i)
		score, err := v.ScoreTriple(t, neigh)
		if err != nil {
			return nil, nil, err
		}
		pos[i] = score
		neg[i] = make([]float64, len(b.Negative[i]))
		if err := v.ScoreCandidates(b.Mode, t, neigh, b.Negative[i], neg[i]); err != nil {
			return nil, nil, err
		}
	}
	return pos, neg, nil
}

// Backward accumulates d(loss)/d(view) given the loss gradient of every
// positive and negative score produced by Forward.
func (v *View) Backward(b *kge.Batch, dPos []float64, dNeg [][]float64) error {
	if v.dEntity == nil {
		return fmt.Errorf("backward on a read-only view")
	}
	rel := make([]float64, v.relCols)
	dRel := make([]float64, v.relCols)
	for i, t := range b.Positive {
		neigh := b.NeighborsOf(i)
		if err := v.ResolveRelation(rel, t.Relation, neigh); err != nil {
			return err
		}
		clear(dRel)

		v.m.Scorer.Grad(v.EntityRow(t.Head), rel, v.EntityRow(t.Tail), dPos[i],
			v.rowOf(v.dEntity, v.entCols, t.Head), dRel, v.rowOf(v.dEntity, v.entCols, t.Tail))

		for j, c := range b.Negative[i] {
			if dNeg[i][j] == 0 {
				continue
			}
			nt := kge.Corrupt(t, b.Mode, c)
			v.m.Scorer.Grad(v.EntityRow(nt.Head), rel, v.EntityRow(nt.Tail), dNeg[i][j],
				v.rowOf(v.dEntity, v.entCols, nt.Head), dRel, v.rowOf(v.dEntity, v.entCols, nt.Tail))
		}

		own := v.rowOf(v.dRelation, v.relCols, t.Relation)
		if neigh == nil {
			for k, g := range dRel {
				own[k] += g
			}
			continue
		}
		rows := make([][]float64, len(neigh))
		for k, n := range neigh {
			rows[k] = v.rowOf(v.dRelation, v.relCols, n)
		}
		neighborhood.AverageRelationGrad(own, rows, dRel)
	}
	return nil
}

// Flush back-propagates the view gradients into the parameter gradients.
func (v *View) Flush() {
	m, s := v.m, v.m.Store

	dEntity := v.dEntity
	if m.smoother != nil {
		pre := make([]float64, len(dEntity))
		m.smoother.Backward(pre, dEntity, v.entCols)
		dEntity = pre
	}
	if s.EntityProjection != nil {
		for i := int64(0); i < m.numEntities; i++ {
			s.EntityProjection.Backward(s.Entity.GradRow(i), s.Entity.Row(i), v.rowOf(dEntity, v.entCols, i))
		}
	} else {
		for i, g := range dEntity {
			s.Entity.Grad[i] += g
		}
	}

	dRaw := make([]float64, v.relRawCols)
	for r := int64(0); r < m.numRelations; r++ {
		dView := v.rowOf(v.dRelation, v.relCols, r)
		if allZero(dView) {
			continue
		}
		clear(dRaw)
		src := s.Relation.Row(r)
		if v.relProjected != nil {
			src = v.rowOf(v.relProjected, v.relRawCols, r)
		}
		m.Scorer.TransformRelationGrad(dRaw, src, dView)
		if s.RelationProjection != nil {
			s.RelationProjection.Backward(s.Relation.GradRow(r), s.Relation.Row(r), dRaw)
		} else {
			grad := s.Relation.GradRow(r)
			for k, g := range dRaw {
				grad[k] += g
			}
		}
	}
}

func allZero(x []float64) bool {
	for _, v := range x {
		if v != 0 {
			return false
		}
	}
	return true
}
