package trainer

import (
	"context"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cnclabs/kgrank/internal/checkpoint"
	"github.com/cnclabs/kgrank/internal/kge"
	"github.com/cnclabs/kgrank/internal/kgemodel"
	"github.com/cnclabs/kgrank/internal/sampler"
	"github.com/cnclabs/kgrank/pkg/knowledge"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func newModel(t *testing.T) *kgemodel.Model {
	t.Helper()
	m, err := kgemodel.New(kgemodel.Options{
		Name:         "TransE",
		Shape:        kge.Shape{HiddenDim: 4},
		Gamma:        12,
		NumEntities:  5,
		NumRelations: 2,
		Rand:         rand.New(rand.NewSource(42)),
		Logger:       quiet,
	})
	require.NoError(t, err)
	return m
}

var smokeTriples = []knowledge.Triple{{Head: 0, Relation: 0, Tail: 1}, {Head: 1, Relation: 1, Tail: 2}}

// fullSource alternates tail and head batches whose negatives are every
// entity that does not form a true triple.
type fullSource struct {
	step int
}

func (f *fullSource) Next(ctx context.Context) (*kge.Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.step++
	mode := kge.TailBatch
	if f.step%2 == 0 {
		mode = kge.HeadBatch
	}
	idx := knowledge.NewTrueIndex(smokeTriples)
	b := &kge.Batch{Mode: mode, Positive: smokeTriples}
	for _, p := range smokeTriples {
		var negs []int64
		for c := int64(0); c < 5; c++ {
			if (mode == kge.TailBatch && !idx.IsTrueTail(p.Head, p.Relation, c)) ||
				(mode == kge.HeadBatch && !idx.IsTrueHead(p.Relation, p.Tail, c)) {
				negs = append(negs, c)
			}
		}
		b.Negative = append(b.Negative, negs)
		b.Weight = append(b.Weight, 1)
	}
	return b, nil
}

type fakeValidator struct {
	mrr   []float64
	calls int
}

func (f *fakeValidator) Validate(_ context.Context, _ int) (float64, error) {
	v := f.mrr[min(f.calls, len(f.mrr)-1)]
	f.calls++
	return v, nil
}

// validatorFunc adapts a function to the Validator interface
type validatorFunc func(ctx context.Context, step int) (float64, error)

func (f validatorFunc) Validate(ctx context.Context, step int) (float64, error) {
	return f(ctx, step)
}

type recordingCheckpointer struct {
	best []int
	last []int
}

func (r *recordingCheckpointer) SaveBest(_ context.Context, p checkpoint.Progress) error {
	r.best = append(r.best, p.Step)
	return nil
}

func (r *recordingCheckpointer) SaveLast(_ context.Context, p checkpoint.Progress) error {
	r.last = append(r.last, p.Step)
	return nil
}

func TestAdversarialWeightsSumToOne(t *testing.T) {
	inputs := [][]float64{
		{0, 0, 0},
		{1, 2, 3, 4},
		{-500, 500, 12.5},
		{1e-3},
	}
	for _, scores := range inputs {
		for _, temp := range []float64{0.5, 1, 3} {
			w := AdversarialWeights(scores, temp)
			sum := 0.0
			for _, x := range w {
				assert.GreaterOrEqual(t, x, 0.0)
				sum += x
			}
			assert.InDelta(t, 1.0, sum, 1e-12)
		}
	}
}

func TestComputeGradientsMatchFiniteDifferences(t *testing.T) {
	b := &kge.Batch{
		Mode:     kge.TailBatch,
		Positive: []knowledge.Triple{{}, {}},
		Weight:   []float64{0.5, 0.25},
	}
	pos := []float64{1.5, -0.7}
	neg := [][]float64{{0.3, -2, 4}, {1, 1.2, -0.1}}

	for _, opts := range []LossOptions{
		{Adversarial: false},
		{Adversarial: true, Temperature: 1},
		{Adversarial: false, UniWeight: true},
	} {
		_, dPos, dNeg, err := Compute(b, pos, neg, opts)
		require.NoError(t, err)

		lossAt := func() float64 {
			l, _, _, err := Compute(b, pos, neg, opts)
			require.NoError(t, err)
			return l.Loss
		}
		const h = 1e-6
		for i := range pos {
			orig := pos[i]
			pos[i] = orig + h
			up := lossAt()
			pos[i] = orig - h
			down := lossAt()
			pos[i] = orig
			assert.InDelta(t, (up-down)/(2*h), dPos[i], 1e-6)
		}
		if opts.Adversarial {
			// adversarial weights are constants, so finite differences do not apply
			continue
		}
		for i := range neg {
			for j := range neg[i] {
				orig := neg[i][j]
				neg[i][j] = orig + h
				up := lossAt()
				neg[i][j] = orig - h
				down := lossAt()
				neg[i][j] = orig
				assert.InDelta(t, (up-down)/(2*h), dNeg[i][j], 1e-6)
			}
		}
	}
}

func TestComputeRejectsNonFinite(t *testing.T) {
	b := &kge.Batch{Positive: []knowledge.Triple{{}}, Weight: []float64{1}}
	_, _, _, err := Compute(b, []float64{math.NaN()}, [][]float64{{0}}, LossOptions{})
	assert.ErrorIs(t, err, ErrNonFinite)
}

func TestLogSigmoidIsStable(t *testing.T) {
	assert.InDelta(t, -math.Log(2), LogSigmoid(0), 1e-12)
	assert.InDelta(t, -1000.0, LogSigmoid(-1000), 1e-9)
	assert.InDelta(t, 0.0, LogSigmoid(1000), 1e-12)
	assert.False(t, math.IsInf(LogSigmoid(-1e6), 0))
}

func TestSmokeLossNonIncreasing(t *testing.T) {
	var averages []float64
	tr, err := New(newModel(t), &fullSource{}, nil, nil, Options{
		MaxSteps:     201,
		LearningRate: 0.005,
		WarmUpSteps:  10000,
		LogSteps:     20,
		Loss:         LossOptions{Adversarial: true, Temperature: 1},
		OnAverage: func(_ int, avg Loss) {
			averages = append(averages, avg.Loss)
		},
		Logger: quiet,
	})
	require.NoError(t, err)
	require.NoError(t, tr.Run(context.Background()))

	require.Len(t, averages, 11)
	// the first window holds step 0 only; later windows hold 10 steps per mode
	for i := 2; i < len(averages); i++ {
		assert.LessOrEqual(t, averages[i], averages[i-1]+1e-9, "window %d", i)
	}
	assert.Less(t, averages[len(averages)-1], averages[0])
	assert.Equal(t, StateDone, tr.Session().State)
}

func TestSampledTrainingReducesLoss(t *testing.T) {
	kg := knowledge.NewKnowledgeGraph(5, 2)
	kg.Train = smokeTriples
	it, _, err := sampler.NewIterator(context.Background(), kg, sampler.IteratorOptions{
		BatchSize: 2, NegativeSize: 3, Workers: 2, Prefetch: 2, Seed: 5,
	})
	require.NoError(t, err)
	defer it.Close()

	var averages []float64
	tr, err := New(newModel(t), it, nil, nil, Options{
		MaxSteps:     401,
		LearningRate: 0.01,
		LogSteps:     100,
		Loss:         LossOptions{Adversarial: true, Temperature: 1},
		OnAverage: func(_ int, avg Loss) {
			averages = append(averages, avg.Loss)
		},
		Logger: quiet,
	})
	require.NoError(t, err)
	require.NoError(t, tr.Run(context.Background()))
	require.NotEmpty(t, averages)
	assert.Less(t, averages[len(averages)-1], averages[0])
}

func TestEarlyStopAtFourthValidation(t *testing.T) {
	v := &fakeValidator{mrr: []float64{0.5, 0.4, 0.5, 0.3, 0.9}}
	ckpt := &recordingCheckpointer{}
	tr, err := New(newModel(t), &fullSource{}, v, ckpt, Options{
		MaxSteps:     100,
		LearningRate: 0.001,
		LogSteps:     10,
		ValidSteps:   1,
		Logger:       quiet,
	})
	require.NoError(t, err)
	require.NoError(t, tr.Run(context.Background()))

	s := tr.Session()
	assert.Equal(t, StateEarlyStopped, s.State)
	assert.Equal(t, 4, s.Validations)
	assert.Equal(t, 4, v.calls)
	assert.Equal(t, 3, s.Step)
	assert.Equal(t, 3, s.Patience)
	assert.Equal(t, 0.5, s.BestMRR)
	// only the first round improved
	assert.Equal(t, []int{0}, ckpt.best)
	assert.Empty(t, ckpt.last)
}

func TestLearningRateDecay(t *testing.T) {
	ckpt := &recordingCheckpointer{}
	tr, err := New(newModel(t), &fullSource{}, nil, ckpt, Options{
		MaxSteps:     10,
		LearningRate: 1,
		WarmUpSteps:  2,
		Logger:       quiet,
	})
	require.NoError(t, err)
	require.NoError(t, tr.Run(context.Background()))

	// decays at step 2 (threshold -> 6) and step 6 (threshold -> 18)
	s := tr.Session()
	assert.InDelta(t, 0.01, s.LearningRate, 1e-12)
	assert.Equal(t, 18, s.WarmUpSteps)
	assert.InDelta(t, 0.01, tr.Optimizer().LearningRate(), 1e-12)

	// validation off: one checkpoint after the loop
	assert.Equal(t, []int{9}, ckpt.best)
}

type cancellingSource struct {
	fullSource
	cancel context.CancelFunc
	after  int
}

func (c *cancellingSource) Next(ctx context.Context) (*kge.Batch, error) {
	if c.step == c.after {
		c.cancel()
	}
	return c.fullSource.Next(ctx)
}

func TestCancellationCheckpointsThenStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ckpt := &recordingCheckpointer{}
	src := &cancellingSource{cancel: cancel, after: 3}
	tr, err := New(newModel(t), src, nil, ckpt, Options{
		MaxSteps:     100,
		LearningRate: 0.001,
		Logger:       quiet,
	})
	require.NoError(t, err)

	err = tr.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []int{2}, ckpt.last)
	assert.Empty(t, ckpt.best)
	assert.Equal(t, StateDone, tr.Session().State)
}

func TestCancellationDuringValidation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ckpt := &recordingCheckpointer{}
	v := validatorFunc(func(ctx context.Context, _ int) (float64, error) {
		cancel()
		return 0, ctx.Err()
	})
	tr, err := New(newModel(t), &fullSource{}, v, ckpt, Options{
		MaxSteps:     100,
		LearningRate: 0.001,
		ValidSteps:   1,
		Logger:       quiet,
	})
	require.NoError(t, err)

	err = tr.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	// step 0 trained before validation was cut short
	assert.Equal(t, []int{0}, ckpt.last)
	assert.Empty(t, ckpt.best)
	assert.Equal(t, StateDone, tr.Session().State)
}

func TestCancellationBeforeFirstStep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ckpt := &recordingCheckpointer{}
	tr, err := New(newModel(t), &fullSource{}, nil, ckpt, Options{
		MaxSteps:     100,
		LearningRate: 0.001,
		Logger:       quiet,
	})
	require.NoError(t, err)

	assert.ErrorIs(t, tr.Run(ctx), context.Canceled)
	assert.Empty(t, ckpt.last)
	assert.Empty(t, ckpt.best)
	assert.Equal(t, StateDone, tr.Session().State)
}

func TestCancellationKeepsBestCheckpoint(t *testing.T) {
	store, err := checkpoint.Open("", quiet)
	require.NoError(t, err)
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	model := newModel(t)
	var bestEntities []float64
	v := validatorFunc(func(_ context.Context, step int) (float64, error) {
		if step == 0 {
			bestEntities = append([]float64(nil), model.Store.Entity.Data...)
			return 0.9, nil
		}
		return 0.1, nil
	})
	saver := &checkpoint.Saver{Store: store, Run: "interrupted", Params: model.Params()}
	tr, err := New(model, &cancellingSource{cancel: cancel, after: 6}, v, saver, Options{
		MaxSteps:     100,
		LearningRate: 0.01,
		ValidSteps:   2,
		Logger:       quiet,
	})
	require.NoError(t, err)
	saver.Optimizer = tr.Optimizer()

	assert.ErrorIs(t, tr.Run(ctx), context.Canceled)

	best, err := store.Get("interrupted", checkpoint.Best)
	require.NoError(t, err)
	assert.Equal(t, 0, best.Step)
	assert.Equal(t, 0.9, best.BestMRR)
	assert.Equal(t, bestEntities, best.Params["entity_embedding"].Data)

	last, err := store.Get("interrupted", checkpoint.Last)
	require.NoError(t, err)
	assert.Equal(t, 5, last.Step)
	assert.Equal(t, 0.9, last.BestMRR)
	assert.Equal(t, 2, last.Patience)
	assert.NotEqual(t, bestEntities, last.Params["entity_embedding"].Data)

	// resuming continues from the interrupted step with its history
	resumed := newModel(t)
	rs := &checkpoint.Saver{Store: store, Run: "interrupted", Params: resumed.Params()}
	rec, err := rs.RestoreLatest()
	require.NoError(t, err)
	assert.Equal(t, checkpoint.Last, rec.Kind)

	tr2, err := New(resumed, &fullSource{}, v, nil, Options{
		MaxSteps:     7,
		LearningRate: 0.01,
		ValidSteps:   2,
		Logger:       quiet,
	})
	require.NoError(t, err)
	tr2.Resume(rec.Progress)
	require.NoError(t, tr2.Run(context.Background()))
	s := tr2.Session()
	assert.Equal(t, 6, s.Step)
	assert.Equal(t, 0.9, s.BestMRR)
	// step 6 validation did not beat the restored best
	assert.Equal(t, 3, s.Patience)
}

func TestResumeContinuesSchedule(t *testing.T) {
	tr, err := New(newModel(t), &fullSource{}, nil, nil, Options{
		MaxSteps:     12,
		LearningRate: 0.1,
		Logger:       quiet,
	})
	require.NoError(t, err)
	tr.Resume(checkpoint.Progress{Step: 9, LearningRate: 0.01, WarmUpSteps: 30})
	require.NoError(t, tr.Run(context.Background()))

	s := tr.Session()
	assert.Equal(t, 11, s.Step)
	assert.InDelta(t, 0.01, s.LearningRate, 1e-12)
	assert.Equal(t, 30, s.WarmUpSteps)
}
