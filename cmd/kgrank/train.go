package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cnclabs/kgrank/internal/checkpoint"
	"github.com/cnclabs/kgrank/internal/evaluate"
	"github.com/cnclabs/kgrank/internal/sampler"
	"github.com/cnclabs/kgrank/internal/trainer"
)

func newTrainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a model, then evaluate the best checkpoint",
		Example: `  kgrank train --config fb15k237.yaml
  kgrank train --config fb15k237.yaml --model RotatE --hidden-dim 1000 --max-steps 150000
  kgrank train --config fb15k237.yaml --run-name rotate-1000 --resume`,
		RunE: runTrain,
	}
	addModelFlags(cmd)
	cmd.Flags().Int("max-steps", 0, "Training steps")
	cmd.Flags().Int("batch-size", 0, "Positive triples per batch")
	cmd.Flags().Int("negative-sample-size", 0, "Negative candidates per triple")
	cmd.Flags().Float64("learning-rate", 0, "Initial learning rate")
	cmd.Flags().Int("valid-steps", 0, "Validate every N steps (0 keeps the config value)")
	cmd.Flags().Bool("resume", false, "Continue from the run's checkpoint")
	return cmd
}

func runTrain(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	applyModelFlags(cmd, cfg)
	f := cmd.Flags()
	if f.Changed("max-steps") {
		cfg.Train.MaxSteps, _ = f.GetInt("max-steps")
	}
	if f.Changed("batch-size") {
		cfg.Train.BatchSize, _ = f.GetInt("batch-size")
	}
	if f.Changed("negative-sample-size") {
		cfg.Train.NegativeSampleSize, _ = f.GetInt("negative-sample-size")
	}
	if f.Changed("learning-rate") {
		cfg.Train.LearningRate, _ = f.GetFloat64("learning-rate")
	}
	if f.Changed("valid-steps") {
		cfg.Train.ValidSteps, _ = f.GetInt("valid-steps")
	}
	if f.Changed("resume") {
		cfg.Train.Resume, _ = f.GetBool("resume")
	}
	cfg.Train.Enabled = true

	logger := setupLogger(cfg.Log)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r, err := openRun(cfg, logger)
	if err != nil {
		return err
	}
	defer r.Close()
	if err := cfg.Save(filepath.Join(r.dir, "config.yaml")); err != nil {
		return err
	}
	logger.Info("run", "name", cfg.Output.RunName, "dir", r.dir)

	it, smp, err := sampler.NewIterator(ctx, r.kg, sampler.IteratorOptions{
		BatchSize:    cfg.Train.BatchSize,
		NegativeSize: cfg.Train.NegativeSampleSize,
		Workers:      cfg.Train.Workers,
		Prefetch:     cfg.Train.Prefetch,
		Seed:         cfg.Train.Seed,
	})
	if err != nil {
		return err
	}
	defer it.Close()

	saver := &checkpoint.Saver{Store: r.store, Run: cfg.Output.RunName, Params: r.model.Params()}

	var validator trainer.Validator
	if cfg.Eval.Valid && len(r.kg.Valid) > 0 {
		validator = &evaluate.SplitValidator{
			Evaluator: r.evaluator(false),
			Triples:   r.kg.Valid,
			Report: func(_ context.Context, step int, m evaluate.Metrics) error {
				return r.report("valid", step, m)
			},
		}
	}

	tr, err := trainer.New(r.model, it, validator, saver, trainer.Options{
		MaxSteps:       cfg.Train.MaxSteps,
		LearningRate:   cfg.Train.LearningRate,
		WarmUpSteps:    cfg.WarmUp(),
		LogSteps:       cfg.Train.LogSteps,
		ValidSteps:     cfg.Train.ValidSteps,
		Patience:       cfg.Train.Patience,
		Regularization: cfg.Train.Regularization,
		Loss: trainer.LossOptions{
			Adversarial: cfg.Train.NegativeAdversarial,
			Temperature: cfg.Train.AdversarialTemperature,
			UniWeight:   cfg.Train.UniWeight,
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}
	saver.Optimizer = tr.Optimizer()

	if cfg.Train.Resume {
		rec, err := saver.RestoreLatest()
		if err != nil {
			return err
		}
		tr.Resume(rec.Progress)
		logger.Info("resumed from checkpoint",
			"kind", rec.Kind.String(),
			"step", rec.Step,
			"learning_rate", rec.LearningRate,
			"best_mrr", rec.BestMRR)
	}

	if err := tr.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("training cancelled; resume with --resume", "run", cfg.Output.RunName)
		}
		return err
	}
	logger.Info("training finished",
		"state", tr.Session().State.String(),
		"best_mrr", tr.Session().BestMRR,
		"exhausted_negative_draws", smp.Stats.Exhausted.Load())

	logger.Info("loading best model")
	rec, err := (&checkpoint.Saver{Store: r.store, Run: cfg.Output.RunName, Params: r.model.Params()}).Restore(checkpoint.Best)
	if err != nil {
		return err
	}
	return r.evaluateSplits(ctx, rec.Step)
}
