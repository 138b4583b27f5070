package ai

import (
	"context"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// EmbeddingConfig holds API settings for text-embedding (OpenAI-compatible).
type EmbeddingConfig struct {
	BaseURL   string
	APIKey    string
	Model     string
	Dimension int
}

// RemoteEncoder embeds text through an OpenAI-compatible /embeddings
// endpoint. It satisfies embedding.Encoder.
type RemoteEncoder struct {
	client *openai.Client
	model  openai.EmbeddingModel
	dim    int
}

func NewRemoteEncoder(cfg EmbeddingConfig) (*RemoteEncoder, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("embedding api key is required")
	}
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("embedding dimension must be positive")
	}
	model := cfg.Model
	if model == "" {
		model = string(openai.SmallEmbedding3)
	}
	return &RemoteEncoder{
		client: newOpenAIClient(cfg.BaseURL, cfg.APIKey, 60*time.Second),
		model:  openai.EmbeddingModel(model),
		dim:    cfg.Dimension,
	}, nil
}

func (e *RemoteEncoder) Dimension() int { return e.dim }

func (e *RemoteEncoder) Encode(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	req := openai.EmbeddingRequestStrings{
		Input: texts,
		Model: e.model,
	}
	// Only the text-embedding-3 family accepts a reduced dimension.
	if strings.HasPrefix(string(e.model), "text-embedding-3") {
		req.Dimensions = e.dim
	}

	resp, err := e.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding response has %d vectors for %d texts", len(resp.Data), len(texts))
	}

	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("embedding response index %d out of range", d.Index)
		}
		if len(d.Embedding) != e.dim {
			return nil, fmt.Errorf("embedding has dimension %d, want %d", len(d.Embedding), e.dim)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}
