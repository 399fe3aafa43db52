// Package textinit produces precomputed entity and relation vectors by
// encoding their names with a text embedding service.
package textinit

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/cnclabs/kgrank/pkg/knowledge"
)

// Encoder turns texts into vectors, one per text and in order.
type Encoder interface {
	Encode(ctx context.Context, texts []string) ([][]float32, error)
}

// OpenAIConfig configures an OpenAI-compatible embeddings endpoint
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// OpenAIEncoder calls the embeddings API
type OpenAIEncoder struct {
	client *openai.Client
	model  openai.EmbeddingModel
}

// NewOpenAIEncoder creates an encoder; an empty BaseURL targets OpenAI.
func NewOpenAIEncoder(cfg OpenAIConfig) *OpenAIEncoder {
	apiKey := cfg.APIKey
	if apiKey == "" {
		// local servers usually ignore the key
		apiKey = "dummy-key"
	}
	clientConfig := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	model := openai.EmbeddingModel(cfg.Model)
	if model == "" {
		model = openai.SmallEmbedding3
	}
	return &OpenAIEncoder{client: openai.NewClientWithConfig(clientConfig), model: model}
}

// Encode embeds texts in one request
func (e *OpenAIEncoder) Encode(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: e.model,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding service returned %d vectors for %d texts", len(resp.Data), len(texts))
	}
	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, fmt.Errorf("embedding index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

// ReadNames parses "<id>\t<name>" lines into a slice indexed by id. Every id
// in [0, count) must be present.
func ReadNames(r io.Reader, count int) ([]string, error) {
	names := make([]string, count)
	seen := make([]bool, count)
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		idText, name, ok := strings.Cut(line, "\t")
		if !ok {
			return nil, fmt.Errorf("line %d: want <id>\\t<name>", lineNo)
		}
		id, err := strconv.Atoi(strings.TrimSpace(idText))
		if err != nil || id < 0 || id >= count {
			return nil, fmt.Errorf("line %d: invalid id %q", lineNo, idText)
		}
		names[id] = readable(name)
		seen[id] = true
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	for id, ok := range seen {
		if !ok {
			return nil, fmt.Errorf("no name for id %d", id)
		}
	}
	return names, nil
}

// LoadNames reads a names file
func LoadNames(filename string, count int) ([]string, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %w", filename, err)
	}
	defer f.Close()
	return ReadNames(f, count)
}

// readable turns identifiers like /people/person/place_of_birth into words.
func readable(name string) string {
	name = strings.NewReplacer("/", " ", "_", " ", ".", " ").Replace(name)
	return strings.Join(strings.Fields(name), " ")
}

// Build encodes names in batches of batchSize and returns one row per name.
func Build(ctx context.Context, enc Encoder, names []string, batchSize int, logger *slog.Logger) (*knowledge.Array, error) {
	if batchSize <= 0 {
		batchSize = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no names to encode")
	}

	var arr *knowledge.Array
	for start := 0; start < len(names); start += batchSize {
		end := min(start+batchSize, len(names))
		vectors, err := enc.Encode(ctx, names[start:end])
		if err != nil {
			return nil, err
		}
		for i, v := range vectors {
			if arr == nil {
				arr = &knowledge.Array{Rows: len(names), Cols: len(v), Data: make([]float64, len(names)*len(v))}
			}
			if len(v) != arr.Cols {
				return nil, fmt.Errorf("vector %d has width %d, want %d", start+i, len(v), arr.Cols)
			}
			row := arr.Row(start + i)
			for d, x := range v {
				row[d] = float64(x)
			}
		}
		logger.Info("encoded names", "done", end, "total", len(names))
	}
	return arr, nil
}
