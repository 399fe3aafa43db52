package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cnclabs/kgrank/internal/checkpoint"
)

func newEvaluateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate a run's checkpoint with filtered ranking",
		Example: `  kgrank evaluate --config fb15k237.yaml --run-name rotate-1000
  kgrank evaluate --config fb15k237.yaml --run-name rotate-1000 --train --save-scores`,
		RunE: runEvaluate,
	}
	addModelFlags(cmd)
	cmd.Flags().Bool("valid", true, "Evaluate the validation split")
	cmd.Flags().Bool("test", true, "Evaluate the test split")
	cmd.Flags().Bool("train", false, "Evaluate the training split")
	cmd.MarkFlagRequired("run-name")
	return cmd
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	applyModelFlags(cmd, cfg)
	f := cmd.Flags()
	cfg.Eval.Valid, _ = f.GetBool("valid")
	cfg.Eval.Test, _ = f.GetBool("test")
	cfg.Eval.Train, _ = f.GetBool("train")
	cfg.Train.Enabled = false

	logger := setupLogger(cfg.Log)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r, err := openRun(cfg, logger)
	if err != nil {
		return err
	}
	defer r.Close()

	rec, err := (&checkpoint.Saver{Store: r.store, Run: cfg.Output.RunName, Params: r.model.Params()}).Restore(checkpoint.Best)
	if err != nil {
		return err
	}
	logger.Info("loaded checkpoint", "run", rec.Run, "step", rec.Step, "saved_at", rec.SavedAt)
	return r.evaluateSplits(ctx, rec.Step)
}
