// Package kge defines the contract shared by the triple scoring strategies:
// batch modes, the Scorer interface and the error kinds raised while a model
// is assembled or first used.
package kge

import (
	"errors"
	"fmt"

	"github.com/cnclabs/kgrank/pkg/knowledge"
)

// Mode selects which side of a triple carries the candidate entities.
type Mode int

const (
	// Single scores explicit (head, relation, tail) triples.
	Single Mode = iota
	// HeadBatch shares (relation, tail) per row and varies the head.
	HeadBatch
	// TailBatch shares (head, relation) per row and varies the tail.
	TailBatch
)

func (m Mode) String() string {
	switch m {
	case Single:
		return "single"
	case HeadBatch:
		return "head-batch"
	case TailBatch:
		return "tail-batch"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// Epsilon is added to gamma when deriving the uniform initialisation range.
const Epsilon = 2.0

// Hyper holds the scalars fixed at model construction.
type Hyper struct {
	Gamma float64
	// EmbeddingRange bounds uniform initialisation and scales RotatE phases.
	EmbeddingRange float64
}

// Shape describes how the entity and relation rows are laid out.
type Shape struct {
	HiddenDim      int
	DoubleEntity   bool
	DoubleRelation bool
}

// EntityDim is hidden_dim, doubled when requested.
func (s Shape) EntityDim() int {
	if s.DoubleEntity {
		return 2 * s.HiddenDim
	}
	return s.HiddenDim
}

// RelationDim is hidden_dim, doubled when requested.
func (s Shape) RelationDim() int {
	if s.DoubleRelation {
		return 2 * s.HiddenDim
	}
	return s.HiddenDim
}

// Scorer is one triple scoring strategy. Implementations are read-only after
// construction and may be shared by concurrent evaluation goroutines.
//
// The model hands every strategy a relation "view": the raw relation row
// (after optional learned projection) passed through TransformRelation, then
// optionally averaged with its neighbor relations. Score and Grad only ever
// see views, so neighbor averaging is applied uniformly to all sub-vectors.
type Scorer interface {
	Name() string

	// Validate rejects embedding layouts the strategy cannot score.
	Validate(shape Shape) error

	// Halves reports whether entity and relation rows split into two
	// structural halves (real/imaginary, head/tail) that take per-half
	// learned projections.
	Halves() (entity, relation bool)

	// Ready is checked at the start of every forward pass.
	Ready() error

	// ViewDim is the relation view width for a raw relation width.
	ViewDim(relationDim int) int

	// TransformRelation maps a raw relation row to its view.
	TransformRelation(dst, src []float64)

	// TransformRelationGrad accumulates d(view)/d(src) * dDst into dSrc.
	TransformRelationGrad(dSrc, src, dDst []float64)

	// Score returns the plausibility of one (head, relation view, tail); higher is better.
	Score(head, relation, tail []float64) float64

	// Grad accumulates dScore * d(score)/d(input) into dHead, dRelation and dTail.
	Grad(head, relation, tail []float64, dScore float64, dHead, dRelation, dTail []float64)
}

// ErrConfiguration marks fatal model-combination errors detected before training.
var ErrConfiguration = errors.New("configuration error")

// ErrNotSupported marks strategies that are deliberately unimplemented.
var ErrNotSupported = errors.New("not supported")

// ConfigurationError names the offending setting.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Unwrap() error {
	return ErrConfiguration
}

// Configf builds a *ConfigurationError.
func Configf(field, format string, args ...any) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IdentityRelation is embedded by strategies whose relation view is the raw row.
type IdentityRelation struct{}

// ViewDim returns relationDim unchanged
func (IdentityRelation) ViewDim(relationDim int) int { return relationDim }

// TransformRelation copies src into dst
func (IdentityRelation) TransformRelation(dst, src []float64) { copy(dst, src) }

// TransformRelationGrad adds dDst into dSrc
func (IdentityRelation) TransformRelationGrad(dSrc, _, dDst []float64) {
	for i, g := range dDst {
		dSrc[i] += g
	}
}

// Sign returns -1, 0 or 1; it is the subgradient used for L1 terms.
func Sign(x float64) float64 {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	}
	return 0
}

// Batch is one unit of training work: positive triples sharing a corruption
// mode, their candidate entities and importance weights.
type Batch struct {
	// Mode is HeadBatch or TailBatch: which side Negative substitutes.
	Mode     Mode
	Positive []knowledge.Triple
	Negative [][]int64
	// Weight is the subsampling weight of each positive triple.
	Weight []float64
	// Neighbors holds the neighbor relation ids of each positive triple's
	// relation; nil when neighbor averaging is disabled.
	Neighbors [][]int64
}

// Len returns the number of positive triples
func (b *Batch) Len() int {
	return len(b.Positive)
}

// Corrupt returns the triple with the candidate substituted on the mode's side.
func Corrupt(t knowledge.Triple, mode Mode, candidate int64) knowledge.Triple {
	switch mode {
	case HeadBatch:
		t.Head = candidate
	case TailBatch:
		t.Tail = candidate
	}
	return t
}

// NeighborsOf returns the neighbor relation ids of example i, or nil.
func (b *Batch) NeighborsOf(i int) []int64 {
	if b.Neighbors == nil {
		return nil
	}
	return b.Neighbors[i]
}
