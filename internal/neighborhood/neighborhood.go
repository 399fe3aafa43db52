// Package neighborhood implements the two optional smoothing mechanisms:
// graph message passing over entity rows and neighbor-relation averaging.
package neighborhood

import (
	"errors"

	"github.com/viterin/vek"

	"github.com/cnclabs/kgrank/pkg/knowledge"
)

// ErrNoNeighbors is returned when averaging is asked for with an empty list.
var ErrNoNeighbors = errors.New("neighbor averaging needs at least one neighbor")

// GraphSmoother mixes every entity row with the mean of its out-neighbors:
//
//	out[s] = (x[s] + Σ_{s→t} x[t] / outdeg(s)) / 2
//
// Entities without out-edges keep half their own row. The smoother is
// column-independent, so it treats the halves of a doubled row identically
// to smoothing them one by one.
type GraphSmoother struct {
	numEntities int
	edges       []knowledge.Edge
	invDegree   []float64
}

// NewGraphSmoother precomputes out-degrees for the static edge list
func NewGraphSmoother(numEntities int64, edges []knowledge.Edge) *GraphSmoother {
	degree := make([]float64, numEntities)
	for _, e := range edges {
		degree[e.Source]++
	}
	inv := make([]float64, numEntities)
	for i, d := range degree {
		if d > 0 {
			inv[i] = 1 / d
		}
	}
	return &GraphSmoother{numEntities: int(numEntities), edges: edges, invDegree: inv}
}

// Apply writes the smoothed table into dst; both are row-major with width cols.
func (g *GraphSmoother) Apply(dst, src []float64, cols int) {
	copy(dst, src)
	for _, e := range g.edges {
		w := g.invDegree[e.Source]
		out := dst[int(e.Source)*cols : (int(e.Source)+1)*cols]
		in := src[int(e.Target)*cols : (int(e.Target)+1)*cols]
		for i := range out {
			out[i] += w * in[i]
		}
	}
	vek.MulNumber_Inplace(dst, 0.5)
}

// Backward accumulates into dSrc the gradient of Apply for upstream dDst.
func (g *GraphSmoother) Backward(dSrc, dDst []float64, cols int) {
	for i := range dSrc {
		dSrc[i] += 0.5 * dDst[i]
	}
	for _, e := range g.edges {
		w := 0.5 * g.invDegree[e.Source]
		up := dDst[int(e.Source)*cols : (int(e.Source)+1)*cols]
		down := dSrc[int(e.Target)*cols : (int(e.Target)+1)*cols]
		for i := range up {
			down[i] += w * up[i]
		}
	}
}

// AverageRelation writes (relation + mean(neighbors)) / 2 into dst.
func AverageRelation(dst, relation []float64, neighbors [][]float64) error {
	if len(neighbors) == 0 {
		return ErrNoNeighbors
	}
	clear(dst)
	for _, n := range neighbors {
		vek.Add_Inplace(dst, n)
	}
	vek.MulNumber_Inplace(dst, 1/float64(len(neighbors)))
	vek.Add_Inplace(dst, relation)
	vek.MulNumber_Inplace(dst, 0.5)
	return nil
}

// AverageRelationGrad accumulates the gradient of AverageRelation. Entries of
// dNeighbors may alias each other (repeated pad ids) and accumulate correctly.
func AverageRelationGrad(dRelation []float64, dNeighbors [][]float64, dDst []float64) {
	share := 0.5 / float64(len(dNeighbors))
	for i, g := range dDst {
		dRelation[i] += 0.5 * g
	}
	for _, dn := range dNeighbors {
		for i, g := range dDst {
			dn[i] += share * g
		}
	}
}
