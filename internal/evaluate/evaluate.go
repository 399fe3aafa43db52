// Package evaluate ranks every entity against held-out triples with filtered
// ranking and aggregates MRR, MR and Hits@K.
package evaluate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/cnclabs/kgrank/internal/kge"
	"github.com/cnclabs/kgrank/internal/kgemodel"
	"github.com/cnclabs/kgrank/pkg/knowledge"
)

// ErrRankInvariant signals a candidate list in which the true entity is not
// present exactly once with an unfiltered score.
var ErrRankInvariant = errors.New("rank invariant violated")

// HitsAt lists the reported Hits@K cut-offs
var HitsAt = []int{1, 3, 10, 30, 50}

// Metrics aggregates ranks over head and tail queries
type Metrics struct {
	MRR   float64
	MR    float64
	Hits  map[int]float64
	Count int
}

// Hit returns Hits@k (zero when k was not tracked)
func (m Metrics) Hit(k int) float64 { return m.Hits[k] }

// Aggregate computes metrics over 1-based ranks
func Aggregate(ranks []int) Metrics {
	m := Metrics{Hits: make(map[int]float64, len(HitsAt)), Count: len(ranks)}
	if len(ranks) == 0 {
		return m
	}
	for _, r := range ranks {
		m.MRR += 1 / float64(r)
		m.MR += float64(r)
		for _, k := range HitsAt {
			if r <= k {
				m.Hits[k]++
			}
		}
	}
	n := float64(len(ranks))
	m.MRR /= n
	m.MR /= n
	for _, k := range HitsAt {
		m.Hits[k] /= n
	}
	return m
}

// Rank returns the 1-based rank of target among scores (higher is better).
// Ties go to the lower entity id.
func Rank(scores []float64, target int64) (int, error) {
	if target < 0 || int(target) >= len(scores) {
		return 0, fmt.Errorf("target %d outside %d candidates: %w", target, len(scores), ErrRankInvariant)
	}
	truth := scores[target]
	if math.IsNaN(truth) || math.IsInf(truth, -1) {
		return 0, fmt.Errorf("target %d has score %v: %w", target, truth, ErrRankInvariant)
	}
	rank := 1
	for c, s := range scores {
		if s > truth || (s == truth && int64(c) < target) {
			rank++
		}
	}
	return rank, nil
}

// Options configures an Evaluator
type Options struct {
	// Workers bounds the goroutines ranking triples concurrently.
	Workers int
	// LogSteps logs progress every LogSteps queries.
	LogSteps int
	// KeepScores retains the filtered score matrices in the Result.
	KeepScores bool
	Logger     *slog.Logger
}

// Evaluator ranks triples against every entity
type Evaluator struct {
	model     *kgemodel.Model
	filter    *knowledge.TrueIndex
	neighbors [][]int64
	opts      Options
	logger    *slog.Logger
}

// New creates an evaluator that filters with allTrue (train ∪ valid ∪ test).
// neighbors is the relation neighbor map, nil when averaging is off.
func New(model *kgemodel.Model, allTrue []knowledge.Triple, neighbors [][]int64, opts Options) *Evaluator {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		model:     model,
		filter:    knowledge.NewTrueIndex(allTrue),
		neighbors: neighbors,
		opts:      opts,
		logger:    logger,
	}
}

// Result is one evaluation run
type Result struct {
	Metrics Metrics
	// HeadRanks and TailRanks are indexed like the evaluated triples.
	HeadRanks []int
	TailRanks []int
	// Filtered scores per query row; nil unless KeepScores.
	HeadScores *knowledge.Array
	TailScores *knowledge.Array
}

// Evaluate ranks each triple in head-batch and tail-batch mode. The model
// must not be trained concurrently.
func (e *Evaluator) Evaluate(ctx context.Context, triples []knowledge.Triple) (*Result, error) {
	view, err := e.model.NewView(false)
	if err != nil {
		return nil, err
	}
	n := len(triples)
	numEntities := int(e.model.NumEntities())
	res := &Result{HeadRanks: make([]int, n), TailRanks: make([]int, n)}
	if e.opts.KeepScores {
		res.HeadScores = &knowledge.Array{Rows: n, Cols: numEntities, Data: make([]float64, n*numEntities)}
		res.TailScores = &knowledge.Array{Rows: n, Cols: numEntities, Data: make([]float64, n*numEntities)}
	}

	var done atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)
	for i, t := range triples {
		i, t := i, t
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			head, tail := make([]float64, numEntities), make([]float64, numEntities)
			if res.HeadScores != nil {
				head, tail = res.HeadScores.Row(i), res.TailScores.Row(i)
			}

			var err error
			if res.HeadRanks[i], err = e.rankQuery(view, kge.HeadBatch, t, head); err != nil {
				return fmt.Errorf("triple %d %v head-batch: %w", i, t, err)
			}
			if res.TailRanks[i], err = e.rankQuery(view, kge.TailBatch, t, tail); err != nil {
				return fmt.Errorf("triple %d %v tail-batch: %w", i, t, err)
			}

			if step := done.Add(1); e.opts.LogSteps > 0 && step%int64(e.opts.LogSteps) == 0 {
				e.logger.Info("evaluating the model", "done", step, "total", n)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	ranks := make([]int, 0, 2*n)
	ranks = append(ranks, res.HeadRanks...)
	ranks = append(ranks, res.TailRanks...)
	res.Metrics = Aggregate(ranks)
	return res, nil
}

// rankQuery scores every entity on the mode's side of t, applies the filter
// bias and ranks the true entity.
func (e *Evaluator) rankQuery(view *kgemodel.View, mode kge.Mode, t knowledge.Triple, scores []float64) (int, error) {
	var neighbors []int64
	if e.neighbors != nil {
		neighbors = e.neighbors[t.Relation]
	}
	if err := view.ScoreCandidates(mode, t, neighbors, nil, scores); err != nil {
		return 0, err
	}
	e.applyFilter(mode, t, scores)

	target := t.Tail
	if mode == kge.HeadBatch {
		target = t.Head
	}
	return Rank(scores, target)
}

// applyFilter sets every known-true candidate other than the query's own
// entity to -Inf.
func (e *Evaluator) applyFilter(mode kge.Mode, t knowledge.Triple, scores []float64) {
	for c := range scores {
		id := int64(c)
		switch mode {
		case kge.HeadBatch:
			if id != t.Head && e.filter.IsTrueHead(t.Relation, t.Tail, id) {
				scores[c] = math.Inf(-1)
			}
		case kge.TailBatch:
			if id != t.Tail && e.filter.IsTrueTail(t.Head, t.Relation, id) {
				scores[c] = math.Inf(-1)
			}
		}
	}
}

// SaveScores writes <split>_scores_head.npy and <split>_scores_tail.npy
func (r *Result) SaveScores(dir, split string) error {
	if r.HeadScores == nil {
		return fmt.Errorf("scores were not kept for %s", split)
	}
	if err := knowledge.SaveArray(filepath.Join(dir, split+"_scores_head.npy"), r.HeadScores); err != nil {
		return err
	}
	return knowledge.SaveArray(filepath.Join(dir, split+"_scores_tail.npy"), r.TailScores)
}

// SplitValidator adapts an Evaluator to the training loop's validator.
type SplitValidator struct {
	Evaluator *Evaluator
	Triples   []knowledge.Triple
	// Report, when set, receives each validation's metrics.
	Report func(ctx context.Context, step int, m Metrics) error
}

// Validate ranks the split and returns its MRR
func (v *SplitValidator) Validate(ctx context.Context, step int) (float64, error) {
	res, err := v.Evaluator.Evaluate(ctx, v.Triples)
	if err != nil {
		return 0, err
	}
	if v.Report != nil {
		if err := v.Report(ctx, step, res.Metrics); err != nil {
			return 0, err
		}
	}
	return res.Metrics.MRR, nil
}
