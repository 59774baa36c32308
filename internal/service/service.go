// Package service implements the document ingestion use cases behind the HTTP API
package service

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/developer-mesh/docmesh/internal/embedding"
	"github.com/developer-mesh/docmesh/internal/extractor"
	"github.com/developer-mesh/docmesh/internal/metrics"
	"github.com/developer-mesh/docmesh/internal/models"
	"github.com/developer-mesh/docmesh/internal/queue"
	"github.com/developer-mesh/docmesh/internal/repository"
	"github.com/developer-mesh/docmesh/internal/storage"
	"github.com/developer-mesh/docmesh/internal/vectorstore"
	"github.com/developer-mesh/docmesh/pkg/observability"
)

var (
	// ErrAlreadyProcessing is returned when a document is being processed
	// and has not gone stale
	ErrAlreadyProcessing = errors.New("document is already being processed")
	// ErrNotFound is returned for unknown documents
	ErrNotFound = repository.ErrNotFound
	// ErrInvalidInput is returned for requests that fail validation
	ErrInvalidInput = errors.New("invalid input")
)

// DocumentStore is the document persistence used by the service
type DocumentStore interface {
	Create(ctx context.Context, doc *models.Document) error
	Get(ctx context.Context, id uuid.UUID) (*models.Document, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, u repository.StatusUpdate) error
	ResetStale(ctx context.Context, id uuid.UUID, threshold time.Duration) (bool, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// JobQueue is the queue surface used by the service
type JobQueue interface {
	Add(ctx context.Context, payload models.JobPayload, opts queue.Options) (*queue.Job, error)
	FindByDocument(ctx context.Context, documentID string) (*queue.Job, error)
	ForgetDocument(ctx context.Context, documentID string) error
}

// Extractor fetches remote sources
type Extractor interface {
	Extract(ctx context.Context, src extractor.Source) extractor.Result
}

// VectorIndex is the vector store surface used by the service
type VectorIndex interface {
	Query(ctx context.Context, vector []float32, botID string, topK int) (vectorstore.QueryResult, error)
	DeleteByDocument(ctx context.Context, documentID string) error
	DeleteByBot(ctx context.Context, botID string) error
}

// Dependencies groups the collaborators of Service
type Dependencies struct {
	Documents DocumentStore
	Queue     JobQueue
	Extractor Extractor
	Blobs     storage.BlobStore
	Embedder  embedding.Embedder
	Vectors   VectorIndex
	Logger    observability.Logger
	Metrics   *metrics.Metrics
}

// EnqueueResult is returned when processing has been requested
type EnqueueResult struct {
	DocumentID string                `json:"document_id"`
	JobID      string                `json:"job_id"`
	Status     models.DocumentStatus `json:"status"`
	StaleReset bool                  `json:"stale_reset,omitempty"`
}

// StatusReport describes where a document is in the pipeline
type StatusReport struct {
	DocumentID  string                `json:"document_id"`
	Status      models.DocumentStatus `json:"status"`
	Error       string                `json:"error,omitempty"`
	RetryCount  int                   `json:"retry_count"`
	Progress    int                   `json:"progress"`
	JobID       string                `json:"job_id,omitempty"`
	JobState    string                `json:"job_state,omitempty"`
	StartedAt   *time.Time            `json:"started_at,omitempty"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`
	ChunkCount  int                   `json:"chunk_count"`
	StaleReset  bool                  `json:"stale_reset,omitempty"`
}

// IngestResult is returned by IngestURL. When extraction fails Error is set,
// the document is stored with status error and no job is enqueued.
type IngestResult struct {
	Document *models.Document `json:"document"`
	JobID    string           `json:"job_id,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// SearchResult is returned by Search. Degraded is set when the vector store
// could not be reached, in which case Matches is empty.
type SearchResult struct {
	Status   vectorstore.QueryStatus `json:"status"`
	Matches  []vectorstore.Match     `json:"matches"`
	Degraded bool                    `json:"degraded"`
}

// Service coordinates documents, the queue and the vector store
type Service struct {
	docs           DocumentStore
	queue          JobQueue
	extractor      Extractor
	blobs          storage.BlobStore
	embedder       embedding.Embedder
	vectors        VectorIndex
	staleThreshold time.Duration
	logger         observability.Logger
	metrics        *metrics.Metrics
	now            func() time.Time
}

// New creates a service. A non-positive staleThreshold uses the 10 minute default.
func New(deps Dependencies, staleThreshold time.Duration) *Service {
	if staleThreshold <= 0 {
		staleThreshold = models.DefaultStaleThreshold
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Service{
		docs:           deps.Documents,
		queue:          deps.Queue,
		extractor:      deps.Extractor,
		blobs:          deps.Blobs,
		embedder:       deps.Embedder,
		vectors:        deps.Vectors,
		staleThreshold: staleThreshold,
		logger:         observability.OrNoop(deps.Logger).WithPrefix("service"),
		metrics:        m,
		now:            time.Now,
	}
}

// Upload stores an uploaded file, creates its document and enqueues it
func (s *Service) Upload(ctx context.Context, botID uuid.UUID, fileName string, data []byte, requestedBy string) (*models.Document, string, error) {
	sourceType := models.SourceType(strings.TrimPrefix(strings.ToLower(path.Ext(fileName)), "."))
	if sourceType.IsRemote() || !sourceType.Valid() {
		return nil, "", fmt.Errorf("%w: unsupported file type %q", ErrInvalidInput, path.Ext(fileName))
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("%w: file is empty", ErrInvalidInput)
	}

	doc := &models.Document{
		ID:         uuid.New(),
		BotID:      botID,
		FileName:   path.Base(fileName),
		SourceType: sourceType,
		SizeBytes:  int64(len(data)),
		Status:     models.StatusUploaded,
	}
	doc.FilePath = blobKey(doc)

	if err := s.blobs.Put(ctx, doc.FilePath, data); err != nil {
		return nil, "", fmt.Errorf("failed to store upload: %w", err)
	}
	if err := s.docs.Create(ctx, doc); err != nil {
		return nil, "", fmt.Errorf("failed to create document: %w", err)
	}

	job, err := s.queue.Add(ctx, models.PayloadFor(doc, requestedBy), queue.Options{})
	if err != nil {
		return doc, "", fmt.Errorf("failed to enqueue document: %w", err)
	}
	return doc, job.ID, nil
}

// RequestProcessing enqueues a document for (re)processing. A document stuck
// in processing past the staleness threshold is reset first; a document
// that is processing and fresh is rejected with ErrAlreadyProcessing.
func (s *Service) RequestProcessing(ctx context.Context, docID uuid.UUID, requestedBy string) (EnqueueResult, error) {
	doc, reset, err := s.loadResettingStale(ctx, docID)
	if err != nil {
		return EnqueueResult{}, err
	}

	switch doc.Status {
	case models.StatusProcessing:
		return EnqueueResult{}, fmt.Errorf("%w: %s", ErrAlreadyProcessing, docID)
	case models.StatusCompleted, models.StatusError:
		if err := s.docs.UpdateStatus(ctx, docID, repository.StatusUpdate{Status: models.StatusPending}); err != nil {
			return EnqueueResult{}, fmt.Errorf("failed to reset document for reprocessing: %w", err)
		}
		doc.Status = models.StatusPending
	}

	job, err := s.queue.Add(ctx, models.PayloadFor(doc, requestedBy), queue.Options{})
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("failed to enqueue document: %w", err)
	}

	s.logger.Info("Document enqueued", map[string]interface{}{
		"document_id":  docID.String(),
		"job_id":       job.ID,
		"requested_by": requestedBy,
		"stale_reset":  reset,
	})
	return EnqueueResult{
		DocumentID: docID.String(),
		JobID:      job.ID,
		Status:     doc.Status,
		StaleReset: reset,
	}, nil
}

// GetStatus reports a document's status and the progress of its latest job.
// A stale processing document is reset and enqueued again.
func (s *Service) GetStatus(ctx context.Context, docID uuid.UUID) (StatusReport, error) {
	doc, reset, err := s.loadResettingStale(ctx, docID)
	if err != nil {
		return StatusReport{}, err
	}

	report := StatusReport{
		DocumentID:  docID.String(),
		Status:      doc.Status,
		RetryCount:  doc.RetryCount,
		StartedAt:   doc.ProcessingStartedAt,
		CompletedAt: doc.ProcessingCompletedAt,
		ChunkCount:  doc.ChunkCount(),
		StaleReset:  reset,
	}
	if doc.ErrorMessage != nil {
		report.Error = *doc.ErrorMessage
	}

	if reset {
		job, err := s.queue.Add(ctx, models.PayloadFor(doc, "stale-reset"), queue.Options{})
		if err != nil {
			return report, fmt.Errorf("failed to re-enqueue stale document: %w", err)
		}
		report.JobID = job.ID
		report.JobState = string(job.State)
		return report, nil
	}

	job, err := s.queue.FindByDocument(ctx, docID.String())
	switch {
	case err == nil:
		report.JobID = job.ID
		report.JobState = string(job.State)
		report.Progress = job.Progress
	case errors.Is(err, queue.ErrJobNotFound):
	default:
		s.logger.Warn("Failed to look up document job", map[string]interface{}{
			"document_id": docID.String(),
			"error":       err.Error(),
		})
	}
	if doc.Status == models.StatusCompleted {
		report.Progress = 100
	}
	return report, nil
}

// loadResettingStale reads a document and resets it to pending when it has
// been processing for longer than the staleness threshold.
func (s *Service) loadResettingStale(ctx context.Context, docID uuid.UUID) (*models.Document, bool, error) {
	doc, err := s.docs.Get(ctx, docID)
	if err != nil {
		return nil, false, err
	}
	if !doc.IsStale(s.now(), s.staleThreshold) {
		return doc, false, nil
	}

	reset, err := s.docs.ResetStale(ctx, docID, s.staleThreshold)
	if err != nil {
		return nil, false, err
	}
	if !reset {
		// another caller reset it or the worker finished in the meantime
		doc, err = s.docs.Get(ctx, docID)
		return doc, false, err
	}

	s.metrics.StaleResets.Inc()
	s.logger.Warn("Reset stale processing document", map[string]interface{}{
		"document_id": docID.String(),
		"started_at":  doc.ProcessingStartedAt,
		"threshold":   s.staleThreshold.String(),
	})
	doc, err = s.docs.Get(ctx, docID)
	return doc, true, err
}

// IngestURL extracts a web page or video transcript and creates a document
// for it. Extraction failures are stored on the document rather than
// returned as errors.
func (s *Service) IngestURL(ctx context.Context, botID uuid.UUID, rawURL, requestedBy string) (IngestResult, error) {
	kind := extractor.DetectKind(rawURL)
	res := s.extractor.Extract(ctx, extractor.Source{URL: rawURL, Kind: kind})

	sourceURL := res.SourceURL
	if sourceURL == "" {
		sourceURL = rawURL
	}
	doc := &models.Document{
		ID:         uuid.New(),
		BotID:      botID,
		FileName:   rawURL,
		SourceType: kind.SourceType(),
		Metadata:   models.JSONMap{models.MetaSourceURL: sourceURL},
	}
	doc.FilePath = blobKey(doc)

	if res.Failed() {
		msg := res.Error
		doc.Status = models.StatusError
		doc.ErrorMessage = &msg
		if err := s.docs.Create(ctx, doc); err != nil {
			return IngestResult{}, fmt.Errorf("failed to create document: %w", err)
		}
		return IngestResult{Document: doc, Error: msg}, nil
	}

	if res.Title != "" {
		doc.FileName = res.Title
		doc.Metadata[models.MetaTitle] = res.Title
	}
	doc.Metadata[models.MetaExcerpt] = res.Excerpt
	doc.SizeBytes = int64(len(res.Text))
	doc.Status = models.StatusFetched

	if err := s.blobs.Put(ctx, doc.FilePath, []byte(res.Text)); err != nil {
		return IngestResult{}, fmt.Errorf("failed to store extracted text: %w", err)
	}
	if err := s.docs.Create(ctx, doc); err != nil {
		return IngestResult{}, fmt.Errorf("failed to create document: %w", err)
	}

	job, err := s.queue.Add(ctx, models.PayloadFor(doc, requestedBy), queue.Options{})
	if err != nil {
		return IngestResult{Document: doc}, fmt.Errorf("failed to enqueue document: %w", err)
	}
	return IngestResult{Document: doc, JobID: job.ID}, nil
}

// Search embeds query and returns the closest chunks owned by botID
func (s *Service) Search(ctx context.Context, botID uuid.UUID, query string, topK int) (SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return SearchResult{}, fmt.Errorf("%w: query is empty", ErrInvalidInput)
	}

	vectors, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return SearchResult{}, fmt.Errorf("failed to embed query: %w", err)
	}
	if len(vectors) != 1 {
		return SearchResult{}, fmt.Errorf("embedder returned %d vectors for 1 query", len(vectors))
	}

	res, err := s.vectors.Query(ctx, vectors[0], botID.String(), topK)
	if err != nil {
		return SearchResult{}, err
	}
	return SearchResult{
		Status:   res.Status,
		Matches:  res.Matches,
		Degraded: res.Status == vectorstore.QueryUnavailable,
	}, nil
}

// DeleteDocument removes a document's vectors, stored content and row.
// Vector deletion failures abort the delete so no orphaned vectors remain.
func (s *Service) DeleteDocument(ctx context.Context, docID uuid.UUID) error {
	doc, err := s.docs.Get(ctx, docID)
	if err != nil {
		return err
	}

	if err := s.vectors.DeleteByDocument(ctx, docID.String()); err != nil {
		return err
	}
	if err := s.blobs.Delete(ctx, doc.FilePath); err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.logger.Warn("Failed to delete stored content", map[string]interface{}{
			"document_id": docID.String(),
			"key":         doc.FilePath,
			"error":       err.Error(),
		})
	}
	if err := s.docs.Delete(ctx, docID); err != nil {
		return err
	}
	if err := s.queue.ForgetDocument(ctx, docID.String()); err != nil {
		s.logger.Debug("Failed to drop document job index", map[string]interface{}{
			"document_id": docID.String(),
			"error":       err.Error(),
		})
	}

	s.logger.Info("Document deleted", map[string]interface{}{
		"document_id": docID.String(),
		"bot_id":      doc.BotID.String(),
	})
	return nil
}

// DeleteBot removes every vector owned by a bot
func (s *Service) DeleteBot(ctx context.Context, botID uuid.UUID) error {
	if err := s.vectors.DeleteByBot(ctx, botID.String()); err != nil {
		return err
	}
	s.logger.Info("Bot vectors deleted", map[string]interface{}{"bot_id": botID.String()})
	return nil
}

func blobKey(doc *models.Document) string {
	ext := string(doc.SourceType)
	if doc.SourceType.IsRemote() {
		ext = "txt"
	}
	return path.Join("bots", doc.BotID.String(), doc.ID.String()+"."+ext)
}
