// Package embedding owns the entity and relation tables, their initialisation
// and the optional learned projections applied to pretrained halves.
package embedding

import (
	"math/rand"

	"github.com/cnclabs/kgrank/internal/kge"
	"github.com/cnclabs/kgrank/pkg/knowledge"
)

// Options configures a Store
type Options struct {
	NumEntities  int64
	NumRelations int64
	Shape        kge.Shape
	Gamma        float64

	// Precomputed vectors; both nil selects uniform initialisation.
	EntityInit   *knowledge.Array
	RelationInit *knowledge.Array

	// ProjectPretrained adds per-half learned projections to doubled
	// pretrained tables. EntityHalves/RelationHalves say whether the scoring
	// strategy actually splits the rows; projections are only built there.
	ProjectPretrained bool
	EntityHalves      bool
	RelationHalves    bool

	// ReservePadRelation keeps the last relation row as an all-zero pad
	// vector (neighbor-relation averaging is active).
	ReservePadRelation bool

	Rand *rand.Rand
}

// Store holds the embedding tables
type Store struct {
	Shape kge.Shape
	Hyper kge.Hyper

	Entity   *Param
	Relation *Param

	// Nil unless pretrained, doubled and projection requested.
	EntityProjection   *Projection
	RelationProjection *Projection

	Pretrained bool
}

// NewStore allocates and initialises the embedding tables
func NewStore(opts Options) (*Store, error) {
	if opts.NumEntities <= 0 {
		return nil, kge.Configf("num_entities", "must be positive, got %d", opts.NumEntities)
	}
	if opts.NumRelations <= 0 {
		return nil, kge.Configf("num_relations", "must be positive, got %d", opts.NumRelations)
	}
	if opts.Shape.HiddenDim <= 0 {
		return nil, kge.Configf("hidden_dim", "must be positive, got %d", opts.Shape.HiddenDim)
	}
	if (opts.EntityInit == nil) != (opts.RelationInit == nil) {
		return nil, kge.Configf("pretrained", "entity and relation vectors must be given together")
	}
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}

	if opts.EntityInit != nil {
		return newPretrainedStore(opts, rng)
	}

	s := &Store{
		Shape: opts.Shape,
		Hyper: kge.Hyper{
			Gamma:          opts.Gamma,
			EmbeddingRange: (opts.Gamma + kge.Epsilon) / float64(opts.Shape.HiddenDim),
		},
		Entity:   NewParam("entity_embedding", int(opts.NumEntities), opts.Shape.EntityDim()),
		Relation: NewParam("relation_embedding", int(opts.NumRelations), opts.Shape.RelationDim()),
	}
	s.Entity.Uniform(s.Hyper.EmbeddingRange, rng)
	s.Relation.Uniform(s.Hyper.EmbeddingRange, rng)
	return s, nil
}

func newPretrainedStore(opts Options, rng *rand.Rand) (*Store, error) {
	s := &Store{Shape: opts.Shape, Hyper: kge.Hyper{Gamma: opts.Gamma}, Pretrained: true}

	ent := opts.EntityInit
	if int64(ent.Rows) != opts.NumEntities {
		return nil, kge.Configf("entity_init", "has %d rows, want %d entities", ent.Rows, opts.NumEntities)
	}
	entity, doubled, err := widen("entity_init", ent, opts.Shape.EntityDim(), opts.Shape.DoubleEntity)
	if err != nil {
		return nil, err
	}
	s.Entity = entity
	s.Entity.Name = "entity_embedding"
	if doubled && opts.ProjectPretrained && opts.EntityHalves {
		s.EntityProjection = NewProjection("fc_ent_emb", ent.Cols, rng)
	}

	rel := opts.RelationInit
	keep := int(opts.NumRelations)
	if opts.ReservePadRelation {
		keep--
	}
	if rel.Rows < keep {
		return nil, kge.Configf("relation_init", "has %d rows, need at least %d", rel.Rows, keep)
	}
	trimmed := &knowledge.Array{Rows: int(opts.NumRelations), Cols: rel.Cols, Data: make([]float64, int(opts.NumRelations)*rel.Cols)}
	copy(trimmed.Data, rel.Data[:keep*rel.Cols])
	relation, doubled, err := widen("relation_init", trimmed, opts.Shape.RelationDim(), opts.Shape.DoubleRelation)
	if err != nil {
		return nil, err
	}
	s.Relation = relation
	s.Relation.Name = "relation_embedding"
	if doubled && opts.ProjectPretrained && opts.RelationHalves {
		s.RelationProjection = NewProjection("fc_rel_emb", rel.Cols, rng)
	}

	s.Hyper.EmbeddingRange = max(s.Entity.MaxAbs(), s.Relation.MaxAbs())
	return s, nil
}

// widen copies arr into a parameter of width dim, concatenating each row with
// itself when doubling is requested and the source is exactly half as wide.
func widen(field string, arr *knowledge.Array, dim int, double bool) (*Param, bool, error) {
	p := NewParam(field, arr.Rows, dim)
	switch {
	case double && arr.Cols*2 == dim:
		for i := 0; i < arr.Rows; i++ {
			row := p.Row(int64(i))
			copy(row[:arr.Cols], arr.Row(i))
			copy(row[arr.Cols:], arr.Row(i))
		}
		return p, true, nil
	case arr.Cols == dim:
		copy(p.Data, arr.Data)
		return p, false, nil
	default:
		return nil, false, kge.Configf(field, "vector width %d does not fit embedding width %d", arr.Cols, dim)
	}
}

// Params returns every trainable tensor owned by the store
func (s *Store) Params() []*Param {
	params := []*Param{s.Entity, s.Relation}
	if s.EntityProjection != nil {
		params = append(params, s.EntityProjection.Params()...)
	}
	if s.RelationProjection != nil {
		params = append(params, s.RelationProjection.Params()...)
	}
	return params
}

// ZeroGrad clears all gradient buffers
func (s *Store) ZeroGrad() {
	for _, p := range s.Params() {
		p.ZeroGrad()
	}
}
