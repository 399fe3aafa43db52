package kgemodel

import (
	"errors"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cnclabs/kgrank/internal/kge"
	"github.com/cnclabs/kgrank/internal/neighborhood"
	"github.com/cnclabs/kgrank/pkg/knowledge"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

const (
	testEntities  = 6
	testRelations = 3
)

var (
	testEdges     = []knowledge.Edge{{Source: 0, Target: 1}, {Source: 0, Target: 2}, {Source: 3, Target: 4}, {Source: 5, Target: 0}}
	testNeighbors = [][]int64{{1, 2}, {0, 2}, {2, 2}}
	testTriples   = []knowledge.Triple{{Head: 0, Relation: 0, Tail: 1}, {Head: 2, Relation: 1, Tail: 3}}
)

type variant struct {
	name  string
	model string
	shape kge.Shape
	// pretrained widths; zero means uniform initialisation
	entCols, relCols int
	project          bool
	smooth           bool
	neighbors        bool
}

func shapeFor(name string, hidden int) kge.Shape {
	switch name {
	case "ComplEx":
		return kge.Shape{HiddenDim: hidden, DoubleEntity: true, DoubleRelation: true}
	case "RotatE":
		return kge.Shape{HiddenDim: hidden, DoubleEntity: true}
	case "PairRE":
		return kge.Shape{HiddenDim: hidden, DoubleRelation: true}
	}
	return kge.Shape{HiddenDim: hidden}
}

func variants() []variant {
	var out []variant
	for _, name := range []string{"TransE", "DistMult", "ComplEx", "RotatE", "PairRE"} {
		out = append(out,
			variant{name: name + "/plain", model: name, shape: shapeFor(name, 3)},
			variant{name: name + "/smoothed+neighbors", model: name, shape: shapeFor(name, 3), smooth: true, neighbors: true},
		)
	}
	out = append(out,
		variant{name: "ComplEx/projected", model: "ComplEx", shape: shapeFor("ComplEx", 3), entCols: 3, relCols: 3, project: true, smooth: true, neighbors: true},
		variant{name: "RotatE/projected", model: "RotatE", shape: shapeFor("RotatE", 3), entCols: 3, relCols: 3, project: true, neighbors: true},
		variant{name: "PairRE/projected", model: "PairRE", shape: shapeFor("PairRE", 3), entCols: 3, relCols: 3, project: true, smooth: true},
	)
	return out
}

func randomArray(rows, cols int, rng *rand.Rand) *knowledge.Array {
	arr := &knowledge.Array{Rows: rows, Cols: cols, Data: make([]float64, rows*cols)}
	for i := range arr.Data {
		arr.Data[i] = rng.Float64()*2 - 1
	}
	return arr
}

func build(t *testing.T, v variant) *Model {
	t.Helper()
	rng := rand.New(rand.NewSource(7))
	opts := Options{
		Name:              v.model,
		Shape:             v.shape,
		Gamma:             6,
		NumEntities:       testEntities,
		NumRelations:      testRelations,
		RelationNeighbors: v.neighbors,
		ProjectPretrained: v.project,
		Rand:              rng,
		Logger:            quiet,
	}
	if v.smooth {
		opts.Edges = testEdges
	}
	if v.entCols > 0 {
		opts.EntityInit = randomArray(testEntities, v.entCols, rng)
		opts.RelationInit = randomArray(testRelations, v.relCols, rng)
	}
	m, err := New(opts)
	require.NoError(t, err)
	return m
}

func batchFor(v variant, mode kge.Mode) *kge.Batch {
	b := &kge.Batch{
		Mode:     mode,
		Positive: testTriples,
		Negative: [][]int64{{2, 3, 5}, {0, 4}},
		Weight:   []float64{1, 1},
	}
	if v.neighbors {
		b.Neighbors = [][]int64{testNeighbors[0], testNeighbors[1]}
	}
	return b
}

func TestModesAgreeWithSingleScoring(t *testing.T) {
	for _, v := range variants() {
		t.Run(v.name, func(t *testing.T) {
			m := build(t, v)
			view, err := m.NewView(false)
			require.NoError(t, err)

			for _, tr := range testTriples {
				var neigh []int64
				if v.neighbors {
					neigh = testNeighbors[tr.Relation]
				}
				single, err := view.ScoreTriple(tr, neigh)
				require.NoError(t, err)

				got := make([]float64, 1)
				require.NoError(t, view.ScoreCandidates(kge.HeadBatch, tr, neigh, []int64{tr.Head}, got))
				assert.InDelta(t, single, got[0], 1e-12)
				require.NoError(t, view.ScoreCandidates(kge.TailBatch, tr, neigh, []int64{tr.Tail}, got))
				assert.InDelta(t, single, got[0], 1e-12)

				all := make([]float64, testEntities)
				require.NoError(t, view.ScoreCandidates(kge.TailBatch, tr, neigh, nil, all))
				assert.InDelta(t, single, all[tr.Tail], 1e-12)
			}
		})
	}
}

func TestTransEScoreIsExact(t *testing.T) {
	m := build(t, variant{model: "TransE", shape: shapeFor("TransE", 4)})
	view, err := m.NewView(false)
	require.NoError(t, err)

	for _, tr := range testTriples {
		h, r, tl := m.Store.Entity.Row(tr.Head), m.Store.Relation.Row(tr.Relation), m.Store.Entity.Row(tr.Tail)
		want := 6.0
		for d := range h {
			want -= math.Abs(h[d] + r[d] - tl[d])
		}
		got, err := view.ScoreTriple(tr, nil)
		require.NoError(t, err)
		assert.InDelta(t, want, got, 1e-12)
	}
}

func TestNeighborAveragedRelation(t *testing.T) {
	m := build(t, variant{model: "DistMult", shape: shapeFor("DistMult", 4), neighbors: true})
	view, err := m.NewView(false)
	require.NoError(t, err)

	got := make([]float64, view.RelationDim())
	require.NoError(t, view.ResolveRelation(got, 0, []int64{1, 2}))
	r0, r1, pad := m.Store.Relation.Row(0), m.Store.Relation.Row(1), m.Store.Relation.Row(2)
	for d := range got {
		assert.InDelta(t, (r0[d]+(r1[d]+pad[d])/2)/2, got[d], 1e-12)
	}

	err = view.ResolveRelation(got, 0, []int64{})
	assert.ErrorIs(t, err, neighborhood.ErrNoNeighbors)
}

func TestPRotatENotSupported(t *testing.T) {
	m, err := New(Options{
		Name:         "pRotatE",
		Shape:        kge.Shape{HiddenDim: 2},
		Gamma:        6,
		NumEntities:  3,
		NumRelations: 1,
		Logger:       quiet,
	})
	require.NoError(t, err)
	_, err = m.NewView(false)
	assert.ErrorIs(t, err, kge.ErrNotSupported)
}

func TestConfigurationErrors(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{"unknown model", Options{Name: "HolE", Shape: kge.Shape{HiddenDim: 2}}},
		{"RotatE without double entity", Options{Name: "RotatE", Shape: kge.Shape{HiddenDim: 2}}},
		{"RotatE with double relation", Options{Name: "RotatE", Shape: kge.Shape{HiddenDim: 2, DoubleEntity: true, DoubleRelation: true}}},
		{"ComplEx single relation", Options{Name: "ComplEx", Shape: kge.Shape{HiddenDim: 2, DoubleEntity: true}}},
		{"PairRE double entity", Options{Name: "PairRE", Shape: kge.Shape{HiddenDim: 2, DoubleEntity: true, DoubleRelation: true}}},
		{"TransE width mismatch", Options{Name: "TransE", Shape: kge.Shape{HiddenDim: 2, DoubleRelation: true}}},
		{"pretrained rows", Options{
			Name: "TransE", Shape: kge.Shape{HiddenDim: 2},
			EntityInit:   &knowledge.Array{Rows: 2, Cols: 2, Data: make([]float64, 4)},
			RelationInit: &knowledge.Array{Rows: 1, Cols: 2, Data: make([]float64, 2)},
		}},
		{"pretrained width", Options{
			Name: "TransE", Shape: kge.Shape{HiddenDim: 4},
			EntityInit:   &knowledge.Array{Rows: 3, Cols: 3, Data: make([]float64, 9)},
			RelationInit: &knowledge.Array{Rows: 1, Cols: 3, Data: make([]float64, 3)},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.opts.Gamma = 6
			tt.opts.NumEntities = 3
			tt.opts.NumRelations = 1
			tt.opts.Logger = quiet
			_, err := New(tt.opts)
			require.Error(t, err)
			assert.ErrorIs(t, err, kge.ErrConfiguration)
			var cfgErr *kge.ConfigurationError
			assert.True(t, errors.As(err, &cfgErr))
		})
	}
}

// objective is a fixed linear functional of every score in the batch.
func objective(t *testing.T, m *Model, b *kge.Batch, cPos []float64, cNeg [][]float64) float64 {
	view, err := m.NewView(false)
	require.NoError(t, err)
	pos, neg, err := view.Forward(b)
	require.NoError(t, err)
	total := 0.0
	for i := range pos {
		total += cPos[i] * pos[i]
		for j := range neg[i] {
			total += cNeg[i][j] * neg[i][j]
		}
	}
	return total
}

func TestGradientsMatchFiniteDifferences(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for _, v := range variants() {
		for _, mode := range []kge.Mode{kge.HeadBatch, kge.TailBatch} {
			t.Run(v.name+"/"+mode.String(), func(t *testing.T) {
				m := build(t, v)
				b := batchFor(v, mode)
				cPos := []float64{rng.NormFloat64(), rng.NormFloat64()}
				cNeg := [][]float64{
					{rng.NormFloat64(), rng.NormFloat64(), rng.NormFloat64()},
					{rng.NormFloat64(), rng.NormFloat64()},
				}

				view, err := m.NewView(true)
				require.NoError(t, err)
				_, _, err = view.Forward(b)
				require.NoError(t, err)
				require.NoError(t, view.Backward(b, cPos, cNeg))
				view.Flush()

				const h = 1e-6
				for _, p := range m.Params() {
					for k := range p.Data {
						orig := p.Data[k]
						p.Data[k] = orig + h
						up := objective(t, m, b, cPos, cNeg)
						p.Data[k] = orig - h
						down := objective(t, m, b, cPos, cNeg)
						p.Data[k] = orig

						numeric := (up - down) / (2 * h)
						tol := 1e-5 * max(1, math.Abs(numeric))
						assert.InDelta(t, numeric, p.Grad[k], tol, "%s[%d]", p.Name, k)
					}
				}
			})
		}
	}
}

func TestL3Regularize(t *testing.T) {
	m := build(t, variant{model: "TransE", shape: shapeFor("TransE", 2)})
	want := 0.0
	for _, x := range append(append([]float64(nil), m.Store.Entity.Data...), m.Store.Relation.Data...) {
		want += math.Pow(math.Abs(x), 3)
	}
	got := m.L3Regularize(0.5)
	assert.InDelta(t, 0.5*want, got, 1e-12)

	x := m.Store.Entity.Data[0]
	assert.InDelta(t, 1.5*x*math.Abs(x), m.Store.Entity.Grad[0], 1e-12)
}
