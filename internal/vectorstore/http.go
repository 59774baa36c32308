package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/developer-mesh/docmesh/internal/config"
	"github.com/developer-mesh/docmesh/pkg/observability"
)

// HTTPConfig configures the remote vector API
type HTTPConfig struct {
	Endpoint       string
	APIKey         string
	Namespace      string
	Timeout        time.Duration
	CircuitBreaker config.CircuitBreakerConfig
}

// HTTPBackend talks to a Pinecone-compatible REST API
type HTTPBackend struct {
	endpoint  string
	apiKey    string
	namespace string
	client    *http.Client
	breaker   *gobreaker.CircuitBreaker
	logger    observability.Logger
}

// NewHTTPBackend creates a REST backend guarded by a circuit breaker
func NewHTTPBackend(cfg HTTPConfig, logger observability.Logger) (*HTTPBackend, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("vector endpoint is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	logger = observability.OrNoop(logger).WithPrefix("vectorstore.http")

	threshold := cfg.CircuitBreaker.FailureThreshold
	if threshold <= 0 {
		threshold = 5
	}
	maxReq := cfg.CircuitBreaker.HalfOpenMaxRequests
	if maxReq <= 0 {
		maxReq = 1
	}
	openFor := cfg.CircuitBreaker.Timeout
	if openFor <= 0 {
		openFor = 30 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "vector-api",
		MaxRequests: uint32(maxReq), // #nosec G115 -- clamped positive above
		Timeout:     openFor,
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
	})

	return &HTTPBackend{
		endpoint:  strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:    cfg.APIKey,
		namespace: cfg.Namespace,
		client:    &http.Client{Timeout: cfg.Timeout},
		breaker:   breaker,
		logger:    logger,
	}, nil
}

type apiVector struct {
	ID       string    `json:"id"`
	Values   []float32 `json:"values"`
	Metadata Metadata  `json:"metadata"`
}

type upsertRequest struct {
	Vectors   []apiVector `json:"vectors"`
	Namespace string      `json:"namespace,omitempty"`
}

type queryRequest struct {
	Vector          []float32              `json:"vector"`
	TopK            int                    `json:"topK"`
	Filter          map[string]interface{} `json:"filter"`
	IncludeMetadata bool                   `json:"includeMetadata"`
	Namespace       string                 `json:"namespace,omitempty"`
}

type queryResponse struct {
	Matches []Match `json:"matches"`
}

type deleteRequest struct {
	Filter    map[string]interface{} `json:"filter"`
	Namespace string                 `json:"namespace,omitempty"`
}

// Upsert posts a batch to /vectors/upsert
func (h *HTTPBackend) Upsert(ctx context.Context, records []Record) error {
	req := upsertRequest{Namespace: h.namespace, Vectors: make([]apiVector, 0, len(records))}
	for _, r := range records {
		req.Vectors = append(req.Vectors, apiVector{ID: r.ID, Values: r.Values, Metadata: r.Metadata})
	}
	return h.call(ctx, "/vectors/upsert", req, nil)
}

// Query posts to /query with an equality filter
func (h *HTTPBackend) Query(ctx context.Context, vector []float32, filter Filter, topK int) ([]Match, error) {
	var resp queryResponse
	err := h.call(ctx, "/query", queryRequest{
		Vector:          vector,
		TopK:            topK,
		Filter:          apiFilter(filter),
		IncludeMetadata: true,
		Namespace:       h.namespace,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Matches == nil {
		resp.Matches = []Match{}
	}
	return resp.Matches, nil
}

// DeleteMany posts a filtered delete to /vectors/delete
func (h *HTTPBackend) DeleteMany(ctx context.Context, filter Filter) error {
	if filter.IsEmpty() {
		return ErrEmptyFilter
	}
	return h.call(ctx, "/vectors/delete", deleteRequest{Filter: apiFilter(filter), Namespace: h.namespace}, nil)
}

// Close releases idle connections
func (h *HTTPBackend) Close() error {
	h.client.CloseIdleConnections()
	return nil
}

func (h *HTTPBackend) call(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	_, err = h.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint+path, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if h.apiKey != "" {
			req.Header.Set("Api-Key", h.apiKey)
		}

		resp, err := h.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("vector api request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			return nil, fmt.Errorf("vector api %s returned status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
		}
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return nil, fmt.Errorf("failed to decode vector api response: %w", err)
			}
		}
		return nil, nil
	})
	return err
}

func apiFilter(f Filter) map[string]interface{} {
	out := map[string]interface{}{}
	if f.BotID != "" {
		out["bot_id"] = map[string]string{"$eq": f.BotID}
	}
	if f.DocumentID != "" {
		out["document_id"] = map[string]string{"$eq": f.DocumentID}
	}
	return out
}
