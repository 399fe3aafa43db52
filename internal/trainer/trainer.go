// Package trainer runs the negative-sampling training loop.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cnclabs/kgrank/internal/checkpoint"
	"github.com/cnclabs/kgrank/internal/kge"
	"github.com/cnclabs/kgrank/internal/kgemodel"
	"github.com/cnclabs/kgrank/internal/optim"
)

// DefaultPatience is the number of non-improving validations that stops training.
const DefaultPatience = 3

// State is the lifecycle of a training session
type State int

const (
	StateInit State = iota
	StateRunning
	StateEarlyStopped
	StateDone
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateRunning:
		return "running"
	case StateEarlyStopped:
		return "early-stopped"
	case StateDone:
		return "done"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Session carries the mutable training state through the loop.
type Session struct {
	State        State
	Step         int
	LearningRate float64
	WarmUpSteps  int
	BestMRR      float64
	Patience     int
	// Validations counts completed validation rounds.
	Validations int
}

// BatchSource yields training batches; sampler.Bidirectional implements it.
type BatchSource interface {
	Next(ctx context.Context) (*kge.Batch, error)
}

// Validator ranks the validation partition and returns its MRR.
type Validator interface {
	Validate(ctx context.Context, step int) (float64, error)
}

// Checkpointer persists the model, optimiser and schedule;
// checkpoint.Saver implements it.
type Checkpointer interface {
	// SaveBest is called when validation strictly improves, or once after
	// the loop when validation is off.
	SaveBest(ctx context.Context, p checkpoint.Progress) error
	// SaveLast records where an interrupted run stopped. It never touches
	// the best model.
	SaveLast(ctx context.Context, p checkpoint.Progress) error
}

// Options configures a Trainer
type Options struct {
	MaxSteps     int
	LearningRate float64
	WarmUpSteps  int
	LogSteps     int
	// ValidSteps of zero (or a nil Validator) disables validation.
	ValidSteps     int
	Patience       int
	Regularization float64
	Loss           LossOptions

	// OnAverage receives every logged training average.
	OnAverage func(step int, avg Loss)
	Logger    *slog.Logger
}

// Trainer owns the optimiser and drives the session
type Trainer struct {
	model        *kgemodel.Model
	optimizer    *optim.Adam
	source       BatchSource
	validator    Validator
	checkpointer Checkpointer
	opts         Options
	logger       *slog.Logger

	session Session
	window  Loss
	count   int
}

// New creates a trainer; validator and checkpointer may be nil.
func New(model *kgemodel.Model, source BatchSource, validator Validator, checkpointer Checkpointer, opts Options) (*Trainer, error) {
	if opts.MaxSteps <= 0 {
		return nil, kge.Configf("max_steps", "must be positive, got %d", opts.MaxSteps)
	}
	if opts.LearningRate <= 0 {
		return nil, kge.Configf("learning_rate", "must be positive, got %g", opts.LearningRate)
	}
	if opts.LogSteps <= 0 {
		opts.LogSteps = 100
	}
	if opts.Patience <= 0 {
		opts.Patience = DefaultPatience
	}
	if opts.WarmUpSteps <= 0 {
		opts.WarmUpSteps = opts.MaxSteps / 2
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Trainer{
		model:        model,
		optimizer:    optim.NewAdam(model.Params(), opts.LearningRate),
		source:       source,
		validator:    validator,
		checkpointer: checkpointer,
		opts:         opts,
		logger:       logger,
		session: Session{
			State:        StateInit,
			LearningRate: opts.LearningRate,
			WarmUpSteps:  opts.WarmUpSteps,
		},
	}, nil
}

// Session returns a copy of the current session
func (t *Trainer) Session() Session { return t.session }

// Optimizer exposes the optimiser for checkpointing
func (t *Trainer) Optimizer() *optim.Adam { return t.optimizer }

// Resume continues after a checkpointed step with its schedule and
// validation history.
func (t *Trainer) Resume(p checkpoint.Progress) {
	t.session.Step = p.Step + 1
	t.session.LearningRate = p.LearningRate
	t.session.WarmUpSteps = p.WarmUpSteps
	t.session.BestMRR = p.BestMRR
	t.session.Patience = p.Patience
	t.optimizer.SetLearningRate(p.LearningRate)
}

// progress describes the session after step completed
func (t *Trainer) progress(step int) checkpoint.Progress {
	s := &t.session
	return checkpoint.Progress{
		Step:         step,
		LearningRate: s.LearningRate,
		WarmUpSteps:  s.WarmUpSteps,
		BestMRR:      s.BestMRR,
		Patience:     s.Patience,
	}
}

func cancelled(ctx context.Context, err error) bool {
	return ctx.Err() != nil && errors.Is(err, ctx.Err())
}

func (t *Trainer) validating() bool {
	return t.validator != nil && t.opts.ValidSteps > 0
}

// TrainStep runs forward, loss, backward and one optimiser update.
func (t *Trainer) TrainStep(ctx context.Context) (Loss, error) {
	batch, err := t.source.Next(ctx)
	if err != nil {
		return Loss{}, err
	}
	view, err := t.model.NewView(true)
	if err != nil {
		return Loss{}, err
	}
	pos, neg, err := view.Forward(batch)
	if err != nil {
		return Loss{}, err
	}
	loss, dPos, dNeg, err := Compute(batch, pos, neg, t.opts.Loss)
	if err != nil {
		return loss, fmt.Errorf("step %d: %w", t.session.Step, err)
	}
	if err := view.Backward(batch, dPos, dNeg); err != nil {
		return loss, err
	}
	view.Flush()

	if t.opts.Regularization > 0 {
		loss.Regularization = t.model.L3Regularize(t.opts.Regularization)
		loss.Loss += loss.Regularization
	}
	t.optimizer.Step()
	return loss, nil
}

// Run trains until max steps, early stop or cancellation. Cancellation
// writes a resume point and returns the context error.
func (t *Trainer) Run(ctx context.Context) error {
	s := &t.session
	s.State = StateRunning
	t.logger.Info("start training",
		"init_step", s.Step,
		"max_steps", t.opts.MaxSteps,
		"learning_rate", s.LearningRate,
		"warm_up_steps", s.WarmUpSteps,
		"negative_adversarial_sampling", t.opts.Loss.Adversarial,
		"adversarial_temperature", t.opts.Loss.Temperature,
		"uni_weight", t.opts.Loss.UniWeight,
		"regularization", t.opts.Regularization)

	for ; s.Step < t.opts.MaxSteps; s.Step++ {
		if ctx.Err() != nil {
			return t.interrupt(ctx, s.Step-1)
		}

		loss, err := t.TrainStep(ctx)
		if err != nil {
			if cancelled(ctx, err) {
				return t.interrupt(ctx, s.Step-1)
			}
			return err
		}
		t.window.add(loss)
		t.count++

		if s.Step >= s.WarmUpSteps {
			s.LearningRate /= 10
			t.optimizer.Reset()
			t.optimizer.SetLearningRate(s.LearningRate)
			s.WarmUpSteps *= 3
			t.logger.Info("change learning rate", "learning_rate", s.LearningRate, "step", s.Step)
		}

		if s.Step%t.opts.LogSteps == 0 {
			t.flushLog()
		}

		if t.validating() && s.Step%t.opts.ValidSteps == 0 {
			if err := t.validate(ctx); err != nil {
				// the step itself finished before validation started
				if cancelled(ctx, err) {
					return t.interrupt(ctx, s.Step)
				}
				return err
			}
			if s.Patience >= t.opts.Patience {
				s.State = StateEarlyStopped
				t.logger.Info("early stopping", "step", s.Step, "best_mrr", s.BestMRR, "validations", s.Validations)
				return nil
			}
		}
	}

	if s.Step > 0 {
		s.Step--
	}
	if !t.validating() && t.checkpointer != nil {
		if err := t.checkpointer.SaveBest(ctx, t.progress(s.Step)); err != nil {
			return err
		}
	}
	s.State = StateDone
	t.logger.Info("training over", "step", s.Step)
	return nil
}

func (t *Trainer) validate(ctx context.Context) error {
	s := &t.session
	mrr, err := t.validator.Validate(ctx, s.Step)
	if err != nil {
		return fmt.Errorf("validation at step %d: %w", s.Step, err)
	}
	s.Validations++

	if mrr > s.BestMRR {
		t.logger.Info("validation improved", "step", s.Step, "mrr", mrr, "previous_best", s.BestMRR)
		s.BestMRR = mrr
		s.Patience = 0
		if t.checkpointer != nil {
			return t.checkpointer.SaveBest(ctx, t.progress(s.Step))
		}
		return nil
	}
	s.Patience++
	t.logger.Info("validation did not improve", "step", s.Step, "mrr", mrr, "best_mrr", s.BestMRR, "patience", s.Patience)
	return nil
}

func (t *Trainer) flushLog() {
	if t.count == 0 {
		return
	}
	avg := t.window
	avg.scale(1 / float64(t.count))
	t.window, t.count = Loss{}, 0

	attrs := []any{
		"step", t.session.Step,
		"positive_sample_loss", avg.PositiveSampleLoss,
		"negative_sample_loss", avg.NegativeSampleLoss,
		"loss", avg.Loss,
	}
	if t.opts.Regularization > 0 {
		attrs = append(attrs, "regularization", avg.Regularization)
	}
	t.logger.Info("training average", attrs...)
	if t.opts.OnAverage != nil {
		t.opts.OnAverage(t.session.Step, avg)
	}
}

// interrupt records the resume point after the last completed step and
// stops. A negative step means nothing has been trained yet.
func (t *Trainer) interrupt(ctx context.Context, last int) error {
	t.session.State = StateDone
	if last < 0 {
		t.logger.Warn("training interrupted before the first step")
		return ctx.Err()
	}
	t.logger.Warn("training interrupted", "step", last)
	if t.checkpointer != nil {
		// the run context is already cancelled
		if err := t.checkpointer.SaveLast(context.WithoutCancel(ctx), t.progress(last)); err != nil {
			return errors.Join(ctx.Err(), err)
		}
	}
	return ctx.Err()
}
