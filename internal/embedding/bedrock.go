package embedding

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/developer-mesh/docmesh/pkg/observability"
)

const defaultTitanModel = "amazon.titan-embed-text-v1"

// BedrockAPI is the subset of the Bedrock runtime client used here
type BedrockAPI interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

func newBedrockClient(cfg aws.Config) BedrockAPI {
	return bedrockruntime.NewFromConfig(cfg)
}

type titanRequest struct {
	InputText string `json:"inputText"`
}

type titanResponse struct {
	Embedding           []float32 `json:"embedding"`
	InputTextTokenCount int       `json:"inputTextTokenCount"`
}

// BedrockEmbedder calls an Amazon Titan embedding model, one text per call
type BedrockEmbedder struct {
	client     BedrockAPI
	model      string
	dimensions int
	logger     observability.Logger
}

// NewBedrockEmbedder creates a Titan embedder
func NewBedrockEmbedder(client BedrockAPI, model string, dimensions int, logger observability.Logger) *BedrockEmbedder {
	if model == "" || model == "text-embedding-3-small" {
		model = defaultTitanModel
	}
	if dimensions <= 0 {
		dimensions = 1536
	}
	return &BedrockEmbedder{
		client:     client,
		model:      model,
		dimensions: dimensions,
		logger:     observability.OrNoop(logger).WithPrefix("embedding.bedrock"),
	}
}

// Dimensions returns the configured vector size
func (b *BedrockEmbedder) Dimensions() int { return b.dimensions }

// Embed invokes the model once per text
func (b *BedrockEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}

	vectors := make([][]float32, 0, len(texts))
	for i, text := range texts {
		body, err := json.Marshal(titanRequest{InputText: text})
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}

		out, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
			ModelId:     aws.String(b.model),
			ContentType: aws.String("application/json"),
			Accept:      aws.String("application/json"),
			Body:        body,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to invoke model %s: %w", b.model, err)
		}

		var resp titanResponse
		if err := json.Unmarshal(out.Body, &resp); err != nil {
			return nil, fmt.Errorf("failed to parse Titan response: %w", err)
		}
		if len(resp.Embedding) == 0 {
			return nil, fmt.Errorf("empty embedding for text %d", i)
		}
		vectors = append(vectors, resp.Embedding)
	}
	return vectors, nil
}
