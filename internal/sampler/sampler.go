// Package sampler produces training batches: filtered negative candidates,
// subsampling weights and an alternating head/tail batch stream.
package sampler

import (
	"math/rand"
	"sync/atomic"

	"github.com/cnclabs/kgrank/internal/kge"
	"github.com/cnclabs/kgrank/pkg/knowledge"
)

const (
	// OversampleFactor is the size of each raw draw relative to the negative size.
	OversampleFactor = 2
	// MaxDraws bounds the rejection-sampling retries for one triple.
	MaxDraws = 10
)

// Stats counts best-effort fallbacks
type Stats struct {
	// Exhausted is the number of triples whose negatives were padded with
	// unfiltered ids after MaxDraws draws.
	Exhausted atomic.Int64
}

// Sampler draws negative candidates that avoid known true triples.
type Sampler struct {
	numEntities  int64
	negativeSize int
	trueTriples  *knowledge.TrueIndex
	frequency    *knowledge.Frequency
	neighbors    [][]int64

	Stats Stats
}

// New creates a sampler over the training partition. Filtering uses the
// training triples only, as the original data pipeline does.
func New(kg *knowledge.KnowledgeGraph, negativeSize int) *Sampler {
	return &Sampler{
		numEntities:  kg.NumEntities,
		negativeSize: negativeSize,
		trueTriples:  knowledge.NewTrueIndex(kg.Train),
		frequency:    knowledge.CountFrequency(kg.Train),
		neighbors:    kg.RelationNeighbors,
	}
}

// Negatives returns exactly negativeSize candidate ids for t on the mode's
// side. Candidates are drawn uniformly in batches of
// OversampleFactor*negativeSize and filtered against the true triples. When
// MaxDraws draws are not enough the remainder is padded from the last raw
// draw, which may then contain true entities (best effort).
func (s *Sampler) Negatives(t knowledge.Triple, mode kge.Mode, rng *rand.Rand) []int64 {
	out := make([]int64, 0, s.negativeSize)
	raw := make([]int64, OversampleFactor*s.negativeSize)

	for draw := 0; draw < MaxDraws && len(out) < s.negativeSize; draw++ {
		for i := range raw {
			raw[i] = rng.Int63n(s.numEntities)
		}
		for _, c := range raw {
			if len(out) == s.negativeSize {
				break
			}
			if !s.isTrue(t, mode, c) {
				out = append(out, c)
			}
		}
	}

	if len(out) < s.negativeSize {
		s.Stats.Exhausted.Add(1)
		for i := 0; len(out) < s.negativeSize; i++ {
			out = append(out, raw[i%len(raw)])
		}
	}
	return out
}

func (s *Sampler) isTrue(t knowledge.Triple, mode kge.Mode, c int64) bool {
	if mode == kge.HeadBatch {
		return s.trueTriples.IsTrueHead(t.Relation, t.Tail, c)
	}
	return s.trueTriples.IsTrueTail(t.Head, t.Relation, c)
}

// Weight returns the subsampling weight of t
func (s *Sampler) Weight(t knowledge.Triple) float64 {
	return s.frequency.SubsamplingWeight(t)
}

// Neighbors returns the neighbor relation ids of rel, or nil when disabled
func (s *Sampler) Neighbors(rel int64) []int64 {
	if s.neighbors == nil {
		return nil
	}
	return s.neighbors[rel]
}

// BuildBatch assembles a batch for the given positives using one rng
func (s *Sampler) BuildBatch(positives []knowledge.Triple, mode kge.Mode, rng *rand.Rand) *kge.Batch {
	b := &kge.Batch{
		Mode:     mode,
		Positive: positives,
		Negative: make([][]int64, len(positives)),
		Weight:   make([]float64, len(positives)),
	}
	if s.neighbors != nil {
		b.Neighbors = make([][]int64, len(positives))
	}
	for i, t := range positives {
		s.fill(b, i, t, rng)
	}
	return b
}

func (s *Sampler) fill(b *kge.Batch, i int, t knowledge.Triple, rng *rand.Rand) {
	b.Negative[i] = s.Negatives(t, b.Mode, rng)
	b.Weight[i] = s.Weight(t)
	if b.Neighbors != nil {
		b.Neighbors[i] = s.Neighbors(t.Relation)
	}
}
