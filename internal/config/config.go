// Package config loads the YAML run configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the full run configuration
type Config struct {
	Data   DataConfig   `yaml:"data"`
	Model  ModelConfig  `yaml:"model"`
	Train  TrainConfig  `yaml:"train"`
	Eval   EvalConfig   `yaml:"eval"`
	Output OutputConfig `yaml:"output"`
	Log    LogConfig    `yaml:"log"`
}

// DataConfig locates the dataset files
type DataConfig struct {
	Dir               string `yaml:"dir"`
	Name              string `yaml:"name"`
	Train             string `yaml:"train"`
	Valid             string `yaml:"valid"`
	Test              string `yaml:"test"`
	Edges             string `yaml:"edges"`
	RelationNeighbors string `yaml:"relation_neighbors"`
	NumEntities       int64  `yaml:"num_entities"`
	NumRelations      int64  `yaml:"num_relations"`
}

// ModelConfig selects the scoring strategy and the embedding layout
type ModelConfig struct {
	Name              string  `yaml:"name"`
	HiddenDim         int     `yaml:"hidden_dim"`
	Gamma             float64 `yaml:"gamma"`
	DoubleEntity      bool    `yaml:"double_entity"`
	DoubleRelation    bool    `yaml:"double_relation"`
	GraphSmoothing    bool    `yaml:"graph_smoothing"`
	RelationNeighbors bool    `yaml:"relation_neighbors"`
	EntityInit        string  `yaml:"entity_init"`
	RelationInit      string  `yaml:"relation_init"`
	ProjectPretrained bool    `yaml:"project_pretrained"`
}

// TrainConfig holds the optimisation settings
type TrainConfig struct {
	Enabled                bool    `yaml:"enabled"`
	BatchSize              int     `yaml:"batch_size"`
	NegativeSampleSize     int     `yaml:"negative_sample_size"`
	LearningRate           float64 `yaml:"learning_rate"`
	MaxSteps               int     `yaml:"max_steps"`
	WarmUpSteps            int     `yaml:"warm_up_steps"`
	AdversarialTemperature float64 `yaml:"adversarial_temperature"`
	NegativeAdversarial    bool    `yaml:"negative_adversarial_sampling"`
	UniWeight              bool    `yaml:"uni_weight"`
	Regularization         float64 `yaml:"regularization"`
	LogSteps               int     `yaml:"log_steps"`
	ValidSteps             int     `yaml:"valid_steps"`
	Patience               int     `yaml:"patience"`
	Workers                int     `yaml:"workers"`
	Prefetch               int     `yaml:"prefetch"`
	Seed                   int64   `yaml:"seed"`
	Resume                 bool    `yaml:"resume"`
}

// EvalConfig controls the ranking evaluation
type EvalConfig struct {
	Valid        bool `yaml:"valid"`
	Test         bool `yaml:"test"`
	Train        bool `yaml:"train"`
	Workers      int  `yaml:"workers"`
	TestLogSteps int  `yaml:"test_log_steps"`
	SaveScores   bool `yaml:"save_scores"`
}

// OutputConfig locates run artefacts
type OutputConfig struct {
	RunName       string `yaml:"run_name"`
	Dir           string `yaml:"dir"`
	CheckpointDir string `yaml:"checkpoint_dir"`
	ResultsDir    string `yaml:"results_dir"`
	MetricsDB     string `yaml:"metrics_db"`
}

// LogConfig selects the log handler
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used by the reference run scripts
func Default() *Config {
	return &Config{
		Data: DataConfig{
			Train: "train.txt",
			Valid: "valid.txt",
			Test:  "test.txt",
		},
		Model: ModelConfig{
			Name:      "TransE",
			HiddenDim: 500,
			Gamma:     12,
		},
		Train: TrainConfig{
			Enabled:                true,
			BatchSize:              1024,
			NegativeSampleSize:     128,
			LearningRate:           1e-4,
			MaxSteps:               100000,
			AdversarialTemperature: 1,
			NegativeAdversarial:    true,
			LogSteps:               100,
			ValidSteps:             10000,
			Patience:               3,
			Workers:                4,
			Prefetch:               4,
			Seed:                   1,
		},
		Eval: EvalConfig{
			Valid:        true,
			Test:         true,
			Workers:      4,
			TestLogSteps: 1000,
		},
		Output: OutputConfig{
			Dir:        "runs",
			ResultsDir: ".",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path on top of the defaults
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration as YAML
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// WarmUp returns the first decay threshold (max_steps/2 unless set)
func (c *Config) WarmUp() int {
	if c.Train.WarmUpSteps > 0 {
		return c.Train.WarmUpSteps
	}
	return c.Train.MaxSteps / 2
}

// DatasetName names the results file; it falls back to the data directory
func (c *Config) DatasetName() string {
	if c.Data.Name != "" {
		return c.Data.Name
	}
	base := filepath.Base(filepath.Clean(c.Data.Dir))
	if base == "." || base == string(filepath.Separator) {
		return "dataset"
	}
	return base
}

// Path resolves a data file relative to the data directory
func (c *Config) Path(file string) string {
	if file == "" || filepath.IsAbs(file) {
		return file
	}
	return filepath.Join(c.Data.Dir, file)
}

// Validate rejects settings no run can use
func (c *Config) Validate() error {
	var problems []string
	check := func(ok bool, format string, args ...any) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}

	check(c.Data.NumEntities > 0, "data.num_entities must be positive")
	check(c.Data.NumRelations > 0, "data.num_relations must be positive")
	check(c.Model.HiddenDim > 0, "model.hidden_dim must be positive")
	check((c.Model.EntityInit == "") == (c.Model.RelationInit == ""),
		"model.entity_init and model.relation_init must be set together")
	check(!c.Model.GraphSmoothing || c.Data.Edges != "", "model.graph_smoothing needs data.edges")
	check(!c.Model.RelationNeighbors || c.Data.RelationNeighbors != "",
		"model.relation_neighbors needs data.relation_neighbors")

	if c.Train.Enabled {
		check(c.Train.BatchSize > 0, "train.batch_size must be positive")
		check(c.Train.NegativeSampleSize > 0, "train.negative_sample_size must be positive")
		check(c.Train.LearningRate > 0, "train.learning_rate must be positive")
		check(c.Train.MaxSteps > 0, "train.max_steps must be positive")
		check(c.Train.LogSteps > 0, "train.log_steps must be positive")
		check(c.Train.ValidSteps >= 0, "train.valid_steps must not be negative")
		check(c.Train.Patience > 0, "train.patience must be positive")
		check(c.Train.Regularization >= 0, "train.regularization must not be negative")
	}
	check(c.Eval.TestLogSteps > 0, "eval.test_log_steps must be positive")

	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("log.format %q must be text or json", c.Log.Format))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
