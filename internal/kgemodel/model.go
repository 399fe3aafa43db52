// Package kgemodel assembles an embedding store, the optional neighborhood
// mechanisms and one scoring strategy into a trainable model.
package kgemodel

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sort"

	"github.com/cnclabs/kgrank/internal/embedding"
	"github.com/cnclabs/kgrank/internal/kge"
	complex_embeddings "github.com/cnclabs/kgrank/internal/models/complex"
	"github.com/cnclabs/kgrank/internal/models/distmult"
	"github.com/cnclabs/kgrank/internal/models/pairre"
	"github.com/cnclabs/kgrank/internal/models/protate"
	"github.com/cnclabs/kgrank/internal/models/rotate"
	"github.com/cnclabs/kgrank/internal/models/transe"
	"github.com/cnclabs/kgrank/internal/neighborhood"
	"github.com/cnclabs/kgrank/pkg/knowledge"
)

// Factory builds a scoring strategy from the model hyperparameters.
type Factory func(kge.Hyper) kge.Scorer

var registry = map[string]Factory{
	"TransE":   func(h kge.Hyper) kge.Scorer { return transe.New(h) },
	"DistMult": func(h kge.Hyper) kge.Scorer { return distmult.New(h) },
	"ComplEx":  func(h kge.Hyper) kge.Scorer { return complex_embeddings.New(h) },
	"RotatE":   func(h kge.Hyper) kge.Scorer { return rotate.New(h) },
	"pRotatE":  func(h kge.Hyper) kge.Scorer { return protate.New(h) },
	"PairRE":   func(h kge.Hyper) kge.Scorer { return pairre.New(h) },
}

// Names lists the supported scoring strategies
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Options configures a Model
type Options struct {
	Name         string
	Shape        kge.Shape
	Gamma        float64
	NumEntities  int64
	NumRelations int64

	// Precomputed vectors (both or neither).
	EntityInit        *knowledge.Array
	RelationInit      *knowledge.Array
	ProjectPretrained bool

	// Edges enables the graph smoother when non-nil.
	Edges []knowledge.Edge
	// RelationNeighbors reserves the pad relation row for neighbor averaging.
	RelationNeighbors bool

	Rand   *rand.Rand
	Logger *slog.Logger
}

// Model scores triples with one strategy over shared embedding tables.
// Embedding tables are only written by the optimiser; View snapshots are
// read-only and may be shared by concurrent evaluators.
type Model struct {
	Scorer kge.Scorer
	Store  *embedding.Store

	smoother     *neighborhood.GraphSmoother
	numEntities  int64
	numRelations int64
	logger       *slog.Logger
}

// New validates the combination and builds the model
func New(opts Options) (*Model, error) {
	factory, ok := registry[opts.Name]
	if !ok {
		return nil, kge.Configf("model", "model %s not supported (want one of %v)", opts.Name, Names())
	}
	// The probe answers layout questions; the final scorer needs the
	// embedding range, which pretrained tables only know after loading.
	probe := factory(kge.Hyper{Gamma: opts.Gamma, EmbeddingRange: 1})
	if err := probe.Validate(opts.Shape); err != nil {
		return nil, err
	}
	entityHalves, relationHalves := probe.Halves()

	store, err := embedding.NewStore(embedding.Options{
		NumEntities:        opts.NumEntities,
		NumRelations:       opts.NumRelations,
		Shape:              opts.Shape,
		Gamma:              opts.Gamma,
		EntityInit:         opts.EntityInit,
		RelationInit:       opts.RelationInit,
		ProjectPretrained:  opts.ProjectPretrained,
		EntityHalves:       entityHalves,
		RelationHalves:     relationHalves,
		ReservePadRelation: opts.RelationNeighbors,
		Rand:               opts.Rand,
	})
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m := &Model{
		Scorer:       factory(store.Hyper),
		Store:        store,
		numEntities:  opts.NumEntities,
		numRelations: opts.NumRelations,
		logger:       logger,
	}
	if opts.Edges != nil {
		m.smoother = neighborhood.NewGraphSmoother(opts.NumEntities, opts.Edges)
	}

	logger.Info("model parameter configuration",
		"model", m.Scorer.Name(),
		"gamma", store.Hyper.Gamma,
		"embedding_range", store.Hyper.EmbeddingRange,
		"pretrained", store.Pretrained,
		"graph_smoothing", m.smoother != nil,
		"relation_neighbors", opts.RelationNeighbors)
	for _, p := range store.Params() {
		logger.Info("parameter", "name", p.Name, "shape", fmt.Sprintf("[%d %d]", p.Rows, p.Cols))
	}
	return m, nil
}

// NumEntities returns the entity vocabulary size
func (m *Model) NumEntities() int64 { return m.numEntities }

// NumRelations returns the relation vocabulary size
func (m *Model) NumRelations() int64 { return m.numRelations }

// L3Regularize adds lambda * (Σ|E|³ + Σ|R|³) to the parameter gradients and
// returns the penalty value.
func (m *Model) L3Regularize(lambda float64) float64 {
	total := 0.0
	for _, p := range []*embedding.Param{m.Store.Entity, m.Store.Relation} {
		for i, x := range p.Data {
			a := math.Abs(x)
			total += a * a * a
			p.Grad[i] += 3 * lambda * x * a
		}
	}
	return lambda * total
}

// Params returns every trainable tensor
func (m *Model) Params() []*embedding.Param {
	return m.Store.Params()
}

// ZeroGrad clears every gradient buffer
func (m *Model) ZeroGrad() {
	m.Store.ZeroGrad()
}
