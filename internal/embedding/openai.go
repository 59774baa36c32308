package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/developer-mesh/docmesh/internal/config"
	"github.com/developer-mesh/docmesh/pkg/observability"
)

// OpenAIConfig configures an OpenAI-compatible embeddings endpoint
type OpenAIConfig struct {
	Endpoint       string
	APIKey         string
	Model          string
	Dimensions     int
	RateLimitRPM   int
	Timeout        time.Duration
	CircuitBreaker config.CircuitBreakerConfig
}

// OpenAIEmbedder calls POST /v1/embeddings
type OpenAIEmbedder struct {
	cfg     OpenAIConfig
	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	logger  observability.Logger
}

type openAIRequest struct {
	Input      []string `json:"input"`
	Model      string   `json:"model"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type openAIResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

type openAIError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// NewOpenAIEmbedder creates an embedder for an OpenAI-compatible API
func NewOpenAIEmbedder(cfg OpenAIConfig, logger observability.Logger) (*OpenAIEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("OpenAI API key is required")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://api.openai.com"
	}
	cfg.Endpoint = strings.TrimSuffix(strings.TrimRight(cfg.Endpoint, "/"), "/v1")
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = 1536
	}
	if cfg.RateLimitRPM <= 0 {
		cfg.RateLimitRPM = 500
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	logger = observability.OrNoop(logger).WithPrefix("embedding.openai")

	threshold := cfg.CircuitBreaker.FailureThreshold
	if threshold <= 0 {
		threshold = 5
	}
	openFor := cfg.CircuitBreaker.Timeout
	if openFor <= 0 {
		openFor = 30 * time.Second
	}

	return &OpenAIEmbedder{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(float64(cfg.RateLimitRPM)/60.0), 1),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "openai-embeddings",
			Timeout: openFor,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= uint32(threshold) // #nosec G115
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("Circuit breaker state changed", map[string]interface{}{
					"breaker": name,
					"from":    from.String(),
					"to":      to.String(),
				})
			},
		}),
		logger: logger,
	}, nil
}

// Dimensions returns the configured vector size
func (o *OpenAIEmbedder) Dimensions() int { return o.cfg.Dimensions }

// Embed sends all texts in one request
func (o *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}
	if err := o.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	body, err := json.Marshal(openAIRequest{Input: texts, Model: o.cfg.Model, Dimensions: o.dimensionsParam()})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	out, err := o.breaker.Execute(func() (interface{}, error) {
		return o.post(ctx, body)
	})
	if err != nil {
		return nil, err
	}
	resp := out.(*openAIResponse)

	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(resp.Data))
	}
	sort.Slice(resp.Data, func(i, j int) bool { return resp.Data[i].Index < resp.Data[j].Index })

	vectors := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		vectors[i] = d.Embedding
	}

	o.logger.Debug("Generated embeddings", map[string]interface{}{
		"count":  len(vectors),
		"tokens": resp.Usage.TotalTokens,
		"model":  o.cfg.Model,
	})
	return vectors, nil
}

// dimensionsParam is only sent for models that support shortening
func (o *OpenAIEmbedder) dimensionsParam() int {
	if strings.HasPrefix(o.cfg.Model, "text-embedding-3") {
		return o.cfg.Dimensions
	}
	return 0
}

func (o *OpenAIEmbedder) post(ctx context.Context, body []byte) (*openAIResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.cfg.Endpoint+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.cfg.APIKey)

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var apiErr openAIError
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error.Message != "" {
			return nil, fmt.Errorf("embedding API returned status %d: %s", resp.StatusCode, apiErr.Error.Message)
		}
		return nil, fmt.Errorf("embedding API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var parsed openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode embedding response: %w", err)
	}
	return &parsed, nil
}
