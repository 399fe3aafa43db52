package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cnclabs/kgrank/internal/checkpoint"
	"github.com/cnclabs/kgrank/internal/config"
	"github.com/cnclabs/kgrank/internal/evaluate"
	"github.com/cnclabs/kgrank/internal/kge"
	"github.com/cnclabs/kgrank/internal/kgemodel"
	"github.com/cnclabs/kgrank/internal/results"
	"github.com/cnclabs/kgrank/pkg/knowledge"
)

// run bundles everything a train or evaluate command works on.
type run struct {
	cfg     *config.Config
	logger  *slog.Logger
	dir     string
	kg      *knowledge.KnowledgeGraph
	model   *kgemodel.Model
	store   *checkpoint.Store
	history *results.History
}

// addModelFlags registers the overrides shared by train and evaluate.
func addModelFlags(cmd *cobra.Command) {
	cmd.Flags().String("data", "", "Dataset directory")
	cmd.Flags().String("model", "", "Scoring function")
	cmd.Flags().Int("hidden-dim", 0, "Hidden dimension")
	cmd.Flags().Float64("gamma", 0, "Margin gamma")
	cmd.Flags().String("run-name", "", "Run name (default: random uuid)")
	cmd.Flags().Bool("save-scores", false, "Write filtered score matrices as .npy")
}

func applyModelFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("data") {
		cfg.Data.Dir, _ = f.GetString("data")
	}
	if f.Changed("model") {
		cfg.Model.Name, _ = f.GetString("model")
	}
	if f.Changed("hidden-dim") {
		cfg.Model.HiddenDim, _ = f.GetInt("hidden-dim")
	}
	if f.Changed("gamma") {
		cfg.Model.Gamma, _ = f.GetFloat64("gamma")
	}
	if f.Changed("run-name") {
		cfg.Output.RunName, _ = f.GetString("run-name")
	}
	if f.Changed("save-scores") {
		cfg.Eval.SaveScores, _ = f.GetBool("save-scores")
	}
}

// openRun loads the dataset, builds the model and opens the stores.
func openRun(cfg *config.Config, logger *slog.Logger) (*run, error) {
	if cfg.Output.RunName == "" {
		cfg.Output.RunName = uuid.New().String()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &run{cfg: cfg, logger: logger, dir: filepath.Join(cfg.Output.Dir, cfg.Output.RunName)}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return nil, err
	}

	kg, err := loadGraph(cfg)
	if err != nil {
		return nil, err
	}
	r.kg = kg
	logger.Info("dataset loaded",
		"entities", kg.NumEntities, "relations", kg.NumRelations,
		"train", len(kg.Train), "valid", len(kg.Valid), "test", len(kg.Test),
		"edges", len(kg.Edges))

	if r.model, err = buildModel(cfg, kg, logger); err != nil {
		return nil, err
	}

	ckptDir := cfg.Output.CheckpointDir
	if ckptDir == "" {
		ckptDir = filepath.Join(r.dir, "checkpoint")
	}
	if r.store, err = checkpoint.Open(ckptDir, logger); err != nil {
		return nil, err
	}
	metricsDB := cfg.Output.MetricsDB
	if metricsDB == "" {
		metricsDB = filepath.Join(cfg.Output.Dir, "metrics.db")
	}
	if r.history, err = results.OpenHistory(metricsDB); err != nil {
		r.store.Close()
		return nil, err
	}
	return r, nil
}

func (r *run) Close() {
	if err := r.history.Close(); err != nil {
		r.logger.Warn("closing metrics history", "error", err)
	}
	if err := r.store.Close(); err != nil {
		r.logger.Warn("closing checkpoint store", "error", err)
	}
}

func loadGraph(cfg *config.Config) (*knowledge.KnowledgeGraph, error) {
	src := knowledge.Source{
		NumEntities:  cfg.Data.NumEntities,
		NumRelations: cfg.Data.NumRelations,
		Train:        cfg.Path(cfg.Data.Train),
		Valid:        cfg.Path(cfg.Data.Valid),
		Test:         cfg.Path(cfg.Data.Test),
	}
	if cfg.Model.GraphSmoothing {
		src.Edges = cfg.Path(cfg.Data.Edges)
	}
	if cfg.Model.RelationNeighbors {
		src.RelationNeighbors = cfg.Path(cfg.Data.RelationNeighbors)
	}
	return knowledge.Load(src)
}

func buildModel(cfg *config.Config, kg *knowledge.KnowledgeGraph, logger *slog.Logger) (*kgemodel.Model, error) {
	opts := kgemodel.Options{
		Name: cfg.Model.Name,
		Shape: kge.Shape{
			HiddenDim:      cfg.Model.HiddenDim,
			DoubleEntity:   cfg.Model.DoubleEntity,
			DoubleRelation: cfg.Model.DoubleRelation,
		},
		Gamma:             cfg.Model.Gamma,
		NumEntities:       kg.NumEntities,
		NumRelations:      kg.NumRelations,
		ProjectPretrained: cfg.Model.ProjectPretrained,
		RelationNeighbors: cfg.Model.RelationNeighbors,
		Rand:              rand.New(rand.NewSource(cfg.Train.Seed)),
		Logger:            logger,
	}
	if cfg.Model.GraphSmoothing {
		opts.Edges = kg.Edges
	}
	if cfg.Model.EntityInit != "" {
		var err error
		if opts.EntityInit, err = knowledge.LoadArray(cfg.Path(cfg.Model.EntityInit)); err != nil {
			return nil, err
		}
		if opts.RelationInit, err = knowledge.LoadArray(cfg.Path(cfg.Model.RelationInit)); err != nil {
			return nil, err
		}
	}
	return kgemodel.New(opts)
}

func (r *run) evaluator(keepScores bool) *evaluate.Evaluator {
	return evaluate.New(r.model, r.kg.AllTrue(), r.kg.RelationNeighbors, evaluate.Options{
		Workers:    r.cfg.Eval.Workers,
		LogSteps:   r.cfg.Eval.TestLogSteps,
		KeepScores: keepScores,
		Logger:     r.logger,
	})
}

// report logs metrics and stores them in the history
func (r *run) report(split string, step int, m evaluate.Metrics) error {
	r.logger.Info(split+" metrics",
		"step", step,
		"mrr", m.MRR,
		"mr", m.MR,
		"hits@1", m.Hit(1),
		"hits@3", m.Hit(3),
		"hits@10", m.Hit(10),
		"hits@30", m.Hit(30),
		"hits@50", m.Hit(50))
	return r.history.Record(results.NewEntry(r.cfg.Output.RunName, split, step, m))
}

// evaluateSplits runs the configured final evaluations. The test result is
// appended to the dataset results file.
func (r *run) evaluateSplits(ctx context.Context, step int) error {
	splits := []struct {
		name    string
		enabled bool
		triples []knowledge.Triple
	}{
		{"valid", r.cfg.Eval.Valid, r.kg.Valid},
		{"test", r.cfg.Eval.Test, r.kg.Test},
		{"train", r.cfg.Eval.Train, r.kg.Train},
	}
	ev := r.evaluator(r.cfg.Eval.SaveScores)
	for _, s := range splits {
		if !s.enabled || len(s.triples) == 0 {
			continue
		}
		r.logger.Info("evaluating", "split", s.name, "triples", len(s.triples))
		res, err := ev.Evaluate(ctx, s.triples)
		if err != nil {
			return fmt.Errorf("evaluating %s: %w", s.name, err)
		}
		if err := r.report(s.name, step, res.Metrics); err != nil {
			return err
		}
		if r.cfg.Eval.SaveScores {
			if err := res.SaveScores(r.dir, s.name); err != nil {
				return err
			}
		}
		if s.name == "test" {
			if err := results.AppendLine(r.cfg.Output.ResultsDir, r.cfg.DatasetName(), r.cfg.Output.RunName, res.Metrics); err != nil {
				return err
			}
		}
	}
	return nil
}
