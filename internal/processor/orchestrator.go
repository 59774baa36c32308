package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/developer-mesh/docmesh/internal/config"
	"github.com/developer-mesh/docmesh/internal/embedding"
	"github.com/developer-mesh/docmesh/internal/metrics"
	"github.com/developer-mesh/docmesh/internal/models"
	"github.com/developer-mesh/docmesh/internal/repository"
	"github.com/developer-mesh/docmesh/internal/storage"
	"github.com/developer-mesh/docmesh/internal/vectorstore"
	"github.com/developer-mesh/docmesh/pkg/observability"
)

// DocumentStore is the document persistence used by the orchestrator
type DocumentStore interface {
	UpdateStatus(ctx context.Context, id uuid.UUID, u repository.StatusUpdate) error
	MergeMetadata(ctx context.Context, id uuid.UUID, fields models.JSONMap) error
}

// ChunkStore is the chunk persistence used by the orchestrator
type ChunkStore interface {
	CreateBatch(ctx context.Context, chunks []*models.Chunk) error
	DeleteByDocument(ctx context.Context, documentID uuid.UUID) (int64, error)
	MarkStatus(ctx context.Context, ids []uuid.UUID, status models.ChunkStatus) error
}

// VectorIndex is the part of the vector store client the orchestrator needs
type VectorIndex interface {
	Upsert(ctx context.Context, records []vectorstore.Record) vectorstore.UpsertResult
	DeleteByDocument(ctx context.Context, documentID string) error
}

// Config controls chunking and embedding batch size
type Config struct {
	ChunkSize      int
	ChunkOverlap   int
	EmbedBatchSize int
}

// DefaultConfig returns 200-word chunks with 40 words of overlap, embedded 16 at a time
func DefaultConfig() Config {
	return Config{
		ChunkSize:      DefaultChunkSize,
		ChunkOverlap:   DefaultChunkOverlap,
		EmbedBatchSize: 16,
	}
}

// ConfigFrom maps service configuration onto orchestrator settings
func ConfigFrom(p config.ProcessingConfig, e config.EmbeddingConfig) Config {
	return Config{
		ChunkSize:      p.ChunkSize,
		ChunkOverlap:   p.ChunkOverlap,
		EmbedBatchSize: e.BatchSize,
	}
}

// Orchestrator runs the parse, chunk, embed and index steps for one document
// and records the terminal document status.
type Orchestrator struct {
	docs     DocumentStore
	chunks   ChunkStore
	blobs    storage.BlobStore
	embedder embedding.Embedder
	vectors  VectorIndex
	chunker  *FixedSizeChunker
	cfg      Config
	logger   observability.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	now      func() time.Time
}

// NewOrchestrator creates an orchestrator
func NewOrchestrator(
	docs DocumentStore,
	chunks ChunkStore,
	blobs storage.BlobStore,
	embedder embedding.Embedder,
	vectors VectorIndex,
	cfg Config,
	logger observability.Logger,
	m *metrics.Metrics,
) *Orchestrator {
	if cfg.EmbedBatchSize <= 0 {
		cfg.EmbedBatchSize = 16
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Orchestrator{
		docs:     docs,
		chunks:   chunks,
		blobs:    blobs,
		embedder: embedder,
		vectors:  vectors,
		chunker:  NewFixedSizeChunker(cfg.ChunkSize, cfg.ChunkOverlap),
		cfg:      cfg,
		logger:   observability.OrNoop(logger).WithPrefix("processor"),
		metrics:  m,
		tracer:   observability.Tracer("docmesh/processor"),
		now:      time.Now,
	}
}

// Process indexes a document from scratch. Vectors and chunks from earlier
// runs are removed first, so processing the same document twice leaves one
// set of chunks. On failure the document is set to error and the error is
// returned.
func (o *Orchestrator) Process(ctx context.Context, ref models.DocumentRef) (res models.ProcessResult, err error) {
	ctx, span := o.tracer.Start(ctx, "processor.process", trace.WithAttributes(
		observability.DocumentIDAttributeKey.String(ref.ID.String()),
		observability.BotIDAttributeKey.String(ref.BotID.String()),
		attribute.String("docmesh.source_type", string(ref.SourceType)),
	))
	defer func() { observability.EndSpan(span, err) }()

	defer func() {
		if err != nil {
			o.markError(ctx, ref, err)
		}
	}()

	data, err := o.blobs.Get(ctx, ref.FilePath)
	if err != nil {
		return res, fmt.Errorf("failed to load %s: %w", ref.FilePath, err)
	}
	text, err := ParseText(ref.SourceType, data)
	if err != nil {
		return res, err
	}

	if err := o.vectors.DeleteByDocument(ctx, ref.ID.String()); err != nil {
		return res, fmt.Errorf("failed to delete previous vectors: %w", err)
	}
	if _, err := o.chunks.DeleteByDocument(ctx, ref.ID); err != nil {
		return res, fmt.Errorf("failed to delete previous chunks: %w", err)
	}

	chunks := o.chunker.Chunk(ref, text)
	if len(chunks) == 0 {
		return res, fmt.Errorf("%w from %s", ErrNoText, ref.FileName)
	}
	if err := o.chunks.CreateBatch(ctx, chunks); err != nil {
		return res, fmt.Errorf("failed to save chunks: %w", err)
	}

	vectors, err := o.embed(ctx, chunks)
	if err != nil {
		return res, err
	}

	records := make([]vectorstore.Record, len(chunks))
	byID := make(map[string]uuid.UUID, len(chunks))
	for i, c := range chunks {
		records[i] = vectorstore.Record{
			ID:     c.ID.String(),
			Values: vectors[i],
			Metadata: vectorstore.Metadata{
				BotID:      ref.BotID.String(),
				DocumentID: ref.ID.String(),
				ChunkID:    c.ID.String(),
				Text:       c.Content,
				FileName:   ref.FileName,
				SourceType: string(ref.SourceType),
				Ordinal:    c.Ordinal,
			},
		}
		byID[records[i].ID] = c.ID
	}

	up := o.vectors.Upsert(ctx, records)
	if err := o.chunks.MarkStatus(ctx, chunkIDs(byID, up.Stored), models.ChunkEmbedded); err != nil {
		return res, fmt.Errorf("failed to mark embedded chunks: %w", err)
	}
	if len(up.Failed) > 0 {
		if err := o.chunks.MarkStatus(ctx, chunkIDs(byID, up.Failed), models.ChunkError); err != nil {
			return res, fmt.Errorf("failed to mark failed chunks: %w", err)
		}
		o.logger.Warn("Some vectors were not stored", map[string]interface{}{
			"document_id": ref.ID.String(),
			"stored":      len(up.Stored),
			"failed":      len(up.Failed),
		})
	}
	if len(up.Stored) == 0 {
		return res, fmt.Errorf("failed to store any of %d vectors", up.Total)
	}

	completedAt := o.now()
	if err := o.docs.UpdateStatus(ctx, ref.ID, repository.StatusUpdate{
		Status:      models.StatusCompleted,
		CompletedAt: &completedAt,
	}); err != nil {
		return res, fmt.Errorf("failed to mark document completed: %w", err)
	}
	if err := o.docs.MergeMetadata(ctx, ref.ID, models.JSONMap{models.MetaChunkCount: len(up.Stored)}); err != nil {
		o.logger.Warn("Failed to record chunk count", map[string]interface{}{
			"document_id": ref.ID.String(),
			"error":       err.Error(),
		})
	}

	o.metrics.ChunksCreated.Add(float64(len(up.Stored)))
	o.logger.Info("Document processed", map[string]interface{}{
		"document_id": ref.ID.String(),
		"bot_id":      ref.BotID.String(),
		"chunks":      len(up.Stored),
	})
	res.ChunksCreated = len(up.Stored)
	return res, nil
}

func (o *Orchestrator) embed(ctx context.Context, chunks []*models.Chunk) (vectors [][]float32, err error) {
	ctx, span := o.tracer.Start(ctx, "processor.embed", trace.WithAttributes(
		attribute.Int("docmesh.chunks", len(chunks)),
		attribute.Int("docmesh.batch_size", o.cfg.EmbedBatchSize),
	))
	defer func() { observability.EndSpan(span, err) }()

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	vectors, err = embedding.EmbedInBatches(ctx, o.embedder, texts, o.cfg.EmbedBatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to embed chunks: %w", err)
	}
	return vectors, nil
}

// markError records a processing failure on the document. It runs even when
// ctx has been cancelled.
func (o *Orchestrator) markError(ctx context.Context, ref models.DocumentRef, cause error) {
	ctx = context.WithoutCancel(ctx)
	msg := cause.Error()
	err := o.docs.UpdateStatus(ctx, ref.ID, repository.StatusUpdate{
		Status:       models.StatusError,
		ErrorMessage: &msg,
	})
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		o.logger.Error("Failed to mark document as errored", map[string]interface{}{
			"document_id": ref.ID.String(),
			"cause":       msg,
			"error":       err.Error(),
		})
	}
}

func chunkIDs(byID map[string]uuid.UUID, ids []string) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if u, ok := byID[id]; ok {
			out = append(out, u)
		}
	}
	return out
}
