package sampler

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cnclabs/kgrank/internal/kge"
	"github.com/cnclabs/kgrank/pkg/knowledge"
)

func smallGraph() *knowledge.KnowledgeGraph {
	kg := knowledge.NewKnowledgeGraph(20, 2)
	kg.Train = []knowledge.Triple{
		{Head: 0, Relation: 0, Tail: 1},
		{Head: 0, Relation: 0, Tail: 2},
		{Head: 0, Relation: 0, Tail: 3},
		{Head: 4, Relation: 1, Tail: 5},
		{Head: 6, Relation: 1, Tail: 5},
	}
	return kg
}

func TestNegativesAvoidTrueEntities(t *testing.T) {
	s := New(smallGraph(), 8)
	rng := rand.New(rand.NewSource(3))

	for i := 0; i < 50; i++ {
		tails := s.Negatives(knowledge.Triple{Head: 0, Relation: 0, Tail: 1}, kge.TailBatch, rng)
		require.Len(t, tails, 8)
		for _, c := range tails {
			assert.NotContains(t, []int64{1, 2, 3}, c)
		}

		heads := s.Negatives(knowledge.Triple{Head: 4, Relation: 1, Tail: 5}, kge.HeadBatch, rng)
		require.Len(t, heads, 8)
		for _, c := range heads {
			assert.NotContains(t, []int64{4, 6}, c)
		}
	}
	assert.Zero(t, s.Stats.Exhausted.Load())
}

func TestNegativesPadWhenExhausted(t *testing.T) {
	kg := knowledge.NewKnowledgeGraph(2, 1)
	kg.Train = []knowledge.Triple{{Head: 0, Relation: 0, Tail: 0}, {Head: 0, Relation: 0, Tail: 1}}
	s := New(kg, 4)

	negs := s.Negatives(kg.Train[0], kge.TailBatch, rand.New(rand.NewSource(1)))
	assert.Len(t, negs, 4)
	assert.Equal(t, int64(1), s.Stats.Exhausted.Load())
}

func TestBuildBatchCarriesWeightsAndNeighbors(t *testing.T) {
	kg := smallGraph()
	kg.NumRelations = 3
	kg.RelationNeighbors = [][]int64{{1, 2}, {0, 2}, {2, 2}}
	s := New(kg, 2)

	b := s.BuildBatch(kg.Train[:2], kge.HeadBatch, rand.New(rand.NewSource(1)))
	require.Equal(t, 2, b.Len())
	assert.Equal(t, kge.HeadBatch, b.Mode)
	assert.InDelta(t, s.Weight(kg.Train[0]), b.Weight[0], 1e-12)
	assert.Equal(t, []int64{1, 2}, b.Neighbors[1])
}

func drain(t *testing.T, it *Bidirectional, n int) []*kge.Batch {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out := make([]*kge.Batch, 0, n)
	for i := 0; i < n; i++ {
		b, err := it.Next(ctx)
		require.NoError(t, err)
		out = append(out, b)
	}
	return out
}

func TestBidirectionalAlternates(t *testing.T) {
	it, _, err := NewIterator(context.Background(), smallGraph(), IteratorOptions{
		BatchSize: 2, NegativeSize: 3, Workers: 2, Prefetch: 2, Seed: 7,
	})
	require.NoError(t, err)
	defer it.Close()

	batches := drain(t, it, 10)
	for i, b := range batches {
		want := kge.TailBatch
		if i%2 == 1 {
			want = kge.HeadBatch
		}
		assert.Equal(t, want, b.Mode, "batch %d", i)
		for _, negs := range b.Negative {
			assert.Len(t, negs, 3)
		}
	}
}

func TestStreamCoversEpoch(t *testing.T) {
	kg := smallGraph()
	s := New(kg, 2)
	st, err := NewStream(context.Background(), s, kg.Train, StreamOptions{Mode: kge.TailBatch, BatchSize: 2, Seed: 1})
	require.NoError(t, err)
	defer st.Close()

	seen := map[knowledge.Triple]int{}
	// 5 triples in batches of 2 -> 3 batches per epoch
	for i := 0; i < 3; i++ {
		b, err := st.Next(context.Background())
		require.NoError(t, err)
		for _, p := range b.Positive {
			seen[p]++
		}
	}
	assert.Len(t, seen, len(kg.Train))
	for _, c := range seen {
		assert.Equal(t, 1, c)
	}
}

func TestIteratorDeterministic(t *testing.T) {
	opts := IteratorOptions{BatchSize: 2, NegativeSize: 4, Workers: 3, Prefetch: 4, Seed: 11}

	a, _, err := NewIterator(context.Background(), smallGraph(), opts)
	require.NoError(t, err)
	defer a.Close()
	b, _, err := NewIterator(context.Background(), smallGraph(), opts)
	require.NoError(t, err)
	defer b.Close()

	assert.Equal(t, drain(t, a, 8), drain(t, b, 8))
}

func TestNextHonoursCancellation(t *testing.T) {
	kg := smallGraph()
	st, err := NewStream(context.Background(), New(kg, 2), kg.Train, StreamOptions{Mode: kge.HeadBatch, BatchSize: 2, Seed: 1})
	require.NoError(t, err)
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// a ready batch may still win the select; keep asking until the error shows
	for i := 0; i < 100; i++ {
		if _, err = st.Next(ctx); err != nil {
			break
		}
	}
	assert.ErrorIs(t, err, context.Canceled)
}
