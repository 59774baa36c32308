package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/developer-mesh/docmesh/internal/config"
	"github.com/developer-mesh/docmesh/internal/metrics"
	"github.com/developer-mesh/docmesh/pkg/observability"
)

// ClientConfig controls batching and retries
type ClientConfig struct {
	BatchSize       int
	MaxRetries      int
	RetryDelay      time.Duration
	InterBatchDelay time.Duration
}

// DefaultClientConfig returns batches of 100, two retries 500ms apart and a
// 100ms pause between batches.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		BatchSize:       100,
		MaxRetries:      2,
		RetryDelay:      500 * time.Millisecond,
		InterBatchDelay: 100 * time.Millisecond,
	}
}

// ClientConfigFrom maps service configuration onto client settings
func ClientConfigFrom(c config.VectorConfig) ClientConfig {
	return ClientConfig{
		BatchSize:       c.BatchSize,
		MaxRetries:      c.MaxRetries,
		RetryDelay:      c.RetryDelay,
		InterBatchDelay: c.InterBatchDelay,
	}
}

// Client wraps a Backend with batching, retry, per-record fallback and the
// mandatory owner-bot filter.
type Client struct {
	backend Backend
	cfg     ClientConfig
	logger  observability.Logger
	metrics *metrics.Metrics
}

// NewClient creates a vector store client
func NewClient(backend Backend, cfg ClientConfig, logger observability.Logger, m *metrics.Metrics) *Client {
	if cfg.BatchSize <= 0 || cfg.BatchSize > 100 {
		cfg.BatchSize = 100
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Client{
		backend: backend,
		cfg:     cfg,
		logger:  observability.OrNoop(logger).WithPrefix("vectorstore"),
		metrics: m,
	}
}

// Upsert stores records in batches. A batch that keeps failing is retried
// one record at a time so that a single bad record cannot sink the rest.
// Failures are reported in the result rather than returned.
func (c *Client) Upsert(ctx context.Context, records []Record) UpsertResult {
	result := UpsertResult{Total: len(records)}

	for start := 0; start < len(records); start += c.cfg.BatchSize {
		if start > 0 && !c.pause(ctx) {
			for _, r := range records[start:] {
				result.Failed = append(result.Failed, r.ID)
			}
			break
		}

		end := start + c.cfg.BatchSize
		if end > len(records) {
			end = len(records)
		}
		batch := records[start:end]

		err := c.withRetry(ctx, func() error {
			return c.backend.Upsert(ctx, batch)
		})
		if err == nil {
			for _, r := range batch {
				result.Stored = append(result.Stored, r.ID)
			}
			continue
		}

		c.logger.Warn("Batch upsert failed, falling back to single records", map[string]interface{}{
			"batch_start": start,
			"batch_size":  len(batch),
			"error":       err.Error(),
		})

		for _, r := range batch {
			rec := r
			if err := c.withRetry(ctx, func() error {
				return c.backend.Upsert(ctx, []Record{rec})
			}); err != nil {
				c.logger.Error("Failed to upsert vector record", map[string]interface{}{
					"record_id":   rec.ID,
					"document_id": rec.Metadata.DocumentID,
					"error":       err.Error(),
				})
				result.Failed = append(result.Failed, rec.ID)
				continue
			}
			result.Stored = append(result.Stored, rec.ID)
		}
	}

	c.metrics.VectorUpserts.WithLabelValues("stored").Add(float64(len(result.Stored)))
	c.metrics.VectorUpserts.WithLabelValues("failed").Add(float64(len(result.Failed)))

	if len(result.Failed) > 0 {
		c.logger.Warn("Vector upsert incomplete", map[string]interface{}{
			"total":      result.Total,
			"stored":     len(result.Stored),
			"failed":     len(result.Failed),
			"failed_ids": result.Failed,
		})
	}
	return result
}

// Query returns the topK nearest records belonging to botID. Backend
// failures come back as QueryUnavailable, not as an error.
func (c *Client) Query(ctx context.Context, vector []float32, botID string, topK int) (QueryResult, error) {
	if botID == "" {
		return QueryResult{}, ErrMissingBotFilter
	}
	if topK <= 0 {
		topK = 5
	}

	filter := Filter{BotID: botID}
	matches, err := c.backend.Query(ctx, vector, filter, topK)
	if err != nil {
		c.logger.Warn("Vector query failed", map[string]interface{}{
			"bot_id": botID,
			"error":  err.Error(),
		})
		c.metrics.VectorQueries.WithLabelValues(string(QueryUnavailable)).Inc()
		return QueryResult{Status: QueryUnavailable, Matches: []Match{}, Err: err}, nil
	}

	scoped := make([]Match, 0, len(matches))
	for _, m := range matches {
		if !filter.Matches(m.Metadata) {
			c.logger.Error("Backend returned a record outside the bot filter", map[string]interface{}{
				"bot_id":    botID,
				"record_id": m.ID,
			})
			continue
		}
		scoped = append(scoped, m)
	}

	status := QueryOK
	if len(scoped) == 0 {
		status = QueryNoMatches
	}
	c.metrics.VectorQueries.WithLabelValues(string(status)).Inc()
	return QueryResult{Status: status, Matches: scoped}, nil
}

// DeleteByDocument removes every record of a document
func (c *Client) DeleteByDocument(ctx context.Context, documentID string) error {
	if documentID == "" {
		return ErrEmptyFilter
	}
	if err := c.backend.DeleteMany(ctx, Filter{DocumentID: documentID}); err != nil {
		return fmt.Errorf("failed to delete vectors for document %s: %w", documentID, err)
	}
	return nil
}

// DeleteByBot removes every record owned by a bot
func (c *Client) DeleteByBot(ctx context.Context, botID string) error {
	if botID == "" {
		return ErrMissingBotFilter
	}
	if err := c.backend.DeleteMany(ctx, Filter{BotID: botID}); err != nil {
		return fmt.Errorf("failed to delete vectors for bot %s: %w", botID, err)
	}
	return nil
}

// Close closes the backend
func (c *Client) Close() error {
	return c.backend.Close()
}

func (c *Client) withRetry(ctx context.Context, op func() error) error {
	// #nosec G115 -- MaxRetries is clamped to be non-negative in NewClient
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.cfg.RetryDelay), uint64(c.cfg.MaxRetries)),
		ctx,
	)
	return backoff.Retry(func() error {
		err := op()
		if err != nil && errors.Is(err, context.Canceled) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

func (c *Client) pause(ctx context.Context) bool {
	if c.cfg.InterBatchDelay <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(c.cfg.InterBatchDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
