package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cnclabs/kgrank/pkg/knowledge"
	"github.com/cnclabs/kgrank/pkg/textinit"
)

func newInitEmbsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init-embs",
		Short: "Encode entity and relation names into precomputed .npy vectors",
		Long: `init-embs reads <id>\t<name> files for entities and relations, encodes every
name with an OpenAI-compatible embeddings endpoint and writes one .npy array
per vocabulary, ready for model.entity_init / model.relation_init.`,
		Example: `  kgrank init-embs --entities entities.dict --relations relations.dict \
      --num-entities 14541 --num-relations 237 --out data/FB15k-237
  kgrank init-embs --entities entities.dict --relations relations.dict \
      --num-entities 40943 --num-relations 11 --base-url http://localhost:11434/v1 --embedding-model nomic-embed-text`,
		RunE: runInitEmbs,
	}
	cmd.Flags().String("entities", "", "Entity names file")
	cmd.Flags().String("relations", "", "Relation names file")
	cmd.Flags().Int("num-entities", 0, "Number of entities")
	cmd.Flags().Int("num-relations", 0, "Number of relations")
	cmd.Flags().String("out", ".", "Output directory")
	cmd.Flags().String("base-url", "", "Embeddings endpoint base URL (default: OpenAI)")
	cmd.Flags().String("embedding-model", "", "Embedding model name")
	cmd.Flags().Int("batch-size", 64, "Names per request")
	cmd.MarkFlagRequired("entities")
	cmd.MarkFlagRequired("relations")
	return cmd
}

func runInitEmbs(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Log)
	f := cmd.Flags()

	baseURL, _ := f.GetString("base-url")
	model, _ := f.GetString("embedding-model")
	enc := textinit.NewOpenAIEncoder(textinit.OpenAIConfig{
		APIKey:  os.Getenv("OPENAI_API_KEY"),
		BaseURL: baseURL,
		Model:   model,
	})
	batchSize, _ := f.GetInt("batch-size")
	out, _ := f.GetString("out")
	if err := os.MkdirAll(out, 0o755); err != nil {
		return err
	}

	jobs := []struct {
		file, count, target string
	}{
		{"entities", "num-entities", "entity_init.npy"},
		{"relations", "num-relations", "relation_init.npy"},
	}
	for _, job := range jobs {
		path, _ := f.GetString(job.file)
		count, _ := f.GetInt(job.count)
		if count <= 0 {
			return fmt.Errorf("--%s must be positive", job.count)
		}
		names, err := textinit.LoadNames(path, count)
		if err != nil {
			return err
		}
		arr, err := textinit.Build(context.Background(), enc, names, batchSize, logger)
		if err != nil {
			return err
		}
		target := filepath.Join(out, job.target)
		if err := knowledge.SaveArray(target, arr); err != nil {
			return err
		}
		logger.Info("vectors written", "file", target, "rows", arr.Rows, "cols", arr.Cols)
	}
	return nil
}
