// Package embedding converts chunk text into fixed-dimension vectors
package embedding

import (
	"context"
	"errors"
	"fmt"

	"github.com/developer-mesh/docmesh/internal/awsclient"
	"github.com/developer-mesh/docmesh/internal/config"
	"github.com/developer-mesh/docmesh/pkg/observability"
)

// ErrEmptyInput is returned when there is nothing to embed
var ErrEmptyInput = errors.New("no text to embed")

// Embedder produces one vector per input text, in input order
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// New builds the embedder named in configuration
func New(ctx context.Context, cfg config.EmbeddingConfig, awsCfg config.AWSConfig, logger observability.Logger) (Embedder, error) {
	switch cfg.Provider {
	case "openai":
		e, err := NewOpenAIEmbedder(OpenAIConfig{
			Endpoint:       cfg.Endpoint,
			APIKey:         cfg.APIKey,
			Model:          cfg.Model,
			Dimensions:     cfg.Dimensions,
			RateLimitRPM:   cfg.RateLimitRPM,
			Timeout:        cfg.Timeout,
			CircuitBreaker: cfg.CircuitBreaker,
		}, logger)
		if err != nil {
			return nil, err
		}
		return e, nil
	case "bedrock":
		sdkCfg, err := awsclient.Load(ctx, awsCfg, cfg.Region)
		if err != nil {
			return nil, err
		}
		return NewBedrockEmbedder(newBedrockClient(sdkCfg), cfg.Model, cfg.Dimensions, logger), nil
	case "hash":
		return NewHashEmbedder(cfg.Dimensions), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}

// EmbedInBatches calls e with at most size texts at a time and concatenates
// the results.
func EmbedInBatches(ctx context.Context, e Embedder, texts []string, size int) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}
	if size <= 0 {
		size = len(texts)
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += size {
		end := start + size
		if end > len(texts) {
			end = len(texts)
		}
		vectors, err := e.Embed(ctx, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("failed to embed texts %d-%d: %w", start, end-1, err)
		}
		if len(vectors) != end-start {
			return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vectors), end-start)
		}
		out = append(out, vectors...)
	}
	return out, nil
}
