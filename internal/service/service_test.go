package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/docmesh/internal/embedding"
	"github.com/developer-mesh/docmesh/internal/extractor"
	"github.com/developer-mesh/docmesh/internal/models"
	"github.com/developer-mesh/docmesh/internal/queue"
	"github.com/developer-mesh/docmesh/internal/repository"
	"github.com/developer-mesh/docmesh/internal/storage"
	"github.com/developer-mesh/docmesh/internal/vectorstore"
)

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeExtractor struct {
	result extractor.Result
	calls  []extractor.Source
}

func (f *fakeExtractor) Extract(_ context.Context, src extractor.Source) extractor.Result {
	f.calls = append(f.calls, src)
	return f.result
}

type failingBackend struct {
	*vectorstore.MemoryBackend
	queryErr  error
	deleteErr error
}

func (b *failingBackend) Query(ctx context.Context, v []float32, f vectorstore.Filter, k int) ([]vectorstore.Match, error) {
	if b.queryErr != nil {
		return nil, b.queryErr
	}
	return b.MemoryBackend.Query(ctx, v, f, k)
}

func (b *failingBackend) DeleteMany(ctx context.Context, f vectorstore.Filter) error {
	if b.deleteErr != nil {
		return b.deleteErr
	}
	return b.MemoryBackend.DeleteMany(ctx, f)
}

type harness struct {
	svc       *Service
	repo      *repository.MemoryStore
	queue     *queue.Queue
	blobs     *storage.LocalStore
	backend   *failingBackend
	extractor *fakeExtractor
	embedder  *embedding.HashEmbedder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	q, err := queue.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), queue.Config{Name: "test"}, nil)
	require.NoError(t, err)
	q.WithOwnedClient()
	t.Cleanup(func() { _ = q.Close() })

	blobs, err := storage.NewLocalStore(t.TempDir(), nil)
	require.NoError(t, err)

	h := &harness{
		repo:      repository.NewMemoryStore(),
		queue:     q,
		blobs:     blobs,
		backend:   &failingBackend{MemoryBackend: vectorstore.NewMemoryBackend()},
		extractor: &fakeExtractor{},
		embedder:  embedding.NewHashEmbedder(32),
	}
	h.repo.SetClock(func() time.Time { return base })

	h.svc = New(Dependencies{
		Documents: h.repo,
		Queue:     q,
		Extractor: h.extractor,
		Blobs:     blobs,
		Embedder:  h.embedder,
		Vectors:   vectorstore.NewClient(h.backend, vectorstore.ClientConfig{}, nil, nil),
	}, 0)
	h.svc.now = func() time.Time { return base }
	return h
}

// seed creates a document and walks it to status
func (h *harness) seed(t *testing.T, status models.DocumentStatus, startedAt time.Time) *models.Document {
	t.Helper()
	ctx := context.Background()
	doc := &models.Document{
		ID:         uuid.New(),
		BotID:      uuid.New(),
		FileName:   "handbook.txt",
		SourceType: models.SourceTXT,
		Status:     models.StatusUploaded,
	}
	doc.FilePath = blobKey(doc)
	require.NoError(t, h.repo.Create(ctx, doc))
	require.NoError(t, h.blobs.Put(ctx, doc.FilePath, []byte("employee handbook")))

	switch status {
	case models.StatusProcessing, models.StatusCompleted:
		require.NoError(t, h.repo.UpdateStatus(ctx, doc.ID, repository.StatusUpdate{
			Status:    models.StatusProcessing,
			StartedAt: &startedAt,
		}))
		if status == models.StatusCompleted {
			require.NoError(t, h.repo.UpdateStatus(ctx, doc.ID, repository.StatusUpdate{Status: models.StatusCompleted}))
			require.NoError(t, h.repo.MergeMetadata(ctx, doc.ID, models.JSONMap{models.MetaChunkCount: 4}))
		}
	case models.StatusError:
		msg := "extraction failed"
		require.NoError(t, h.repo.UpdateStatus(ctx, doc.ID, repository.StatusUpdate{
			Status:       models.StatusError,
			ErrorMessage: &msg,
		}))
	}
	return doc
}

func TestUpload(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	botID := uuid.New()

	doc, jobID, err := h.svc.Upload(ctx, botID, "reports/Q3 Report.pdf", []byte("%PDF-1.4"), "alice")
	require.NoError(t, err)
	assert.Equal(t, models.StatusUploaded, doc.Status)
	assert.Equal(t, models.SourcePDF, doc.SourceType)
	assert.Equal(t, "Q3 Report.pdf", doc.FileName)
	assert.Equal(t, "bots/"+botID.String()+"/"+doc.ID.String()+".pdf", doc.FilePath)

	stored, err := h.blobs.Get(ctx, doc.FilePath)
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF-1.4"), stored)

	job, err := h.queue.FindByDocument(ctx, doc.ID.String())
	require.NoError(t, err)
	assert.Equal(t, jobID, job.ID)
	assert.Equal(t, models.PriorityHigh, job.Priority)
	assert.Equal(t, "alice", job.Payload.RequestedBy)

	_, _, err = h.svc.Upload(ctx, botID, "setup.exe", []byte("MZ"), "alice")
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, _, err = h.svc.Upload(ctx, botID, "empty.txt", nil, "alice")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestRequestProcessing(t *testing.T) {
	tests := []struct {
		name       string
		status     models.DocumentStatus
		startedAt  time.Time
		wantErr    error
		wantStatus models.DocumentStatus
		wantReset  bool
	}{
		{name: "uploaded", status: models.StatusUploaded, wantStatus: models.StatusUploaded},
		{name: "completed", status: models.StatusCompleted, startedAt: base.Add(-time.Hour), wantStatus: models.StatusPending},
		{name: "error", status: models.StatusError, wantStatus: models.StatusPending},
		{name: "processing", status: models.StatusProcessing, startedAt: base.Add(-time.Minute), wantErr: ErrAlreadyProcessing},
		{name: "stale processing", status: models.StatusProcessing, startedAt: base.Add(-11 * time.Minute), wantStatus: models.StatusPending, wantReset: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			doc := h.seed(t, tt.status, tt.startedAt)

			res, err := h.svc.RequestProcessing(ctx, doc.ID, "bob")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				_, err := h.queue.FindByDocument(ctx, doc.ID.String())
				assert.ErrorIs(t, err, queue.ErrJobNotFound)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, res.Status)
			assert.Equal(t, tt.wantReset, res.StaleReset)
			assert.NotEmpty(t, res.JobID)

			stored, err := h.repo.Get(ctx, doc.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, stored.Status)

			job, err := h.queue.FindByDocument(ctx, doc.ID.String())
			require.NoError(t, err)
			assert.Equal(t, res.JobID, job.ID)
			assert.Equal(t, "bob", job.Payload.RequestedBy)
		})
	}
}

func TestRequestProcessingUnknownDocument(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.RequestProcessing(context.Background(), uuid.New(), "bob")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetStatus(t *testing.T) {
	t.Run("waiting job", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		doc := h.seed(t, models.StatusUploaded, time.Time{})
		res, err := h.svc.RequestProcessing(ctx, doc.ID, "bob")
		require.NoError(t, err)

		report, err := h.svc.GetStatus(ctx, doc.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusUploaded, report.Status)
		assert.Equal(t, res.JobID, report.JobID)
		assert.Equal(t, string(queue.StateWaiting), report.JobState)
		assert.Equal(t, 0, report.Progress)
	})

	t.Run("completed", func(t *testing.T) {
		h := newHarness(t)
		doc := h.seed(t, models.StatusCompleted, base.Add(-time.Hour))

		report, err := h.svc.GetStatus(context.Background(), doc.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCompleted, report.Status)
		assert.Equal(t, 100, report.Progress)
		assert.Equal(t, 4, report.ChunkCount)
		assert.Empty(t, report.JobID)
		require.NotNil(t, report.StartedAt)
	})

	t.Run("error", func(t *testing.T) {
		h := newHarness(t)
		doc := h.seed(t, models.StatusError, time.Time{})

		report, err := h.svc.GetStatus(context.Background(), doc.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusError, report.Status)
		assert.Equal(t, "extraction failed", report.Error)
	})

	t.Run("stale processing is reset and enqueued", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		doc := h.seed(t, models.StatusProcessing, base.Add(-30*time.Minute))

		report, err := h.svc.GetStatus(ctx, doc.ID)
		require.NoError(t, err)
		assert.True(t, report.StaleReset)
		assert.Equal(t, models.StatusPending, report.Status)
		assert.NotEmpty(t, report.JobID)

		stored, err := h.repo.Get(ctx, doc.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, stored.Status)
		assert.NotEmpty(t, stored.Metadata.String(models.MetaStaleReset))

		job, err := h.queue.FindByDocument(ctx, doc.ID.String())
		require.NoError(t, err)
		assert.Equal(t, report.JobID, job.ID)
	})

	t.Run("fresh processing is left alone", func(t *testing.T) {
		h := newHarness(t)
		doc := h.seed(t, models.StatusProcessing, base.Add(-2*time.Minute))

		report, err := h.svc.GetStatus(context.Background(), doc.ID)
		require.NoError(t, err)
		assert.False(t, report.StaleReset)
		assert.Equal(t, models.StatusProcessing, report.Status)
	})

	t.Run("unknown document", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.svc.GetStatus(context.Background(), uuid.New())
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestIngestURL(t *testing.T) {
	t.Run("extracted page is stored and enqueued", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		h.extractor.result = extractor.Result{
			Title:     "The Go Memory Model",
			Text:      "Programs that modify data being simultaneously accessed by multiple goroutines must serialize such access.",
			Excerpt:   "Programs that modify data",
			SourceURL: "https://go.dev/ref/mem",
		}

		res, err := h.svc.IngestURL(ctx, uuid.New(), "https://go.dev/ref/mem", "carol")
		require.NoError(t, err)
		require.NotNil(t, res.Document)
		assert.Empty(t, res.Error)
		assert.NotEmpty(t, res.JobID)
		require.Len(t, h.extractor.calls, 1)
		assert.Equal(t, extractor.KindWebpage, h.extractor.calls[0].Kind)

		stored, err := h.repo.Get(ctx, res.Document.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusFetched, stored.Status)
		assert.Equal(t, models.SourceWebpage, stored.SourceType)
		assert.Equal(t, "The Go Memory Model", stored.FileName)
		assert.Equal(t, "https://go.dev/ref/mem", stored.Metadata.String(models.MetaSourceURL))
		assert.True(t, strings.HasSuffix(stored.FilePath, ".txt"))

		text, err := h.blobs.Get(ctx, stored.FilePath)
		require.NoError(t, err)
		assert.Equal(t, h.extractor.result.Text, string(text))
	})

	t.Run("extraction failure is recorded on the document", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		h.extractor.result = extractor.Result{SourceURL: "https://example.com/gone", Error: "unexpected status 404"}

		res, err := h.svc.IngestURL(ctx, uuid.New(), "https://example.com/gone", "carol")
		require.NoError(t, err)
		assert.Equal(t, "unexpected status 404", res.Error)
		assert.Empty(t, res.JobID)

		stored, err := h.repo.Get(ctx, res.Document.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusError, stored.Status)
		require.NotNil(t, stored.ErrorMessage)
		assert.Equal(t, "unexpected status 404", *stored.ErrorMessage)

		_, err = h.queue.FindByDocument(ctx, res.Document.ID.String())
		assert.ErrorIs(t, err, queue.ErrJobNotFound)
	})
}

func (h *harness) index(t *testing.T, botID, docID, text string) {
	t.Helper()
	vectors, err := h.embedder.Embed(context.Background(), []string{text})
	require.NoError(t, err)
	require.NoError(t, h.backend.Upsert(context.Background(), []vectorstore.Record{{
		ID:     uuid.NewString(),
		Values: vectors[0],
		Metadata: vectorstore.Metadata{
			BotID:      botID,
			DocumentID: docID,
			Text:       text,
		},
	}}))
}

func TestSearch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	botA, botB := uuid.New(), uuid.New()
	h.index(t, botA.String(), uuid.NewString(), "refund policy for annual plans")
	h.index(t, botB.String(), uuid.NewString(), "refund policy for annual plans")

	res, err := h.svc.Search(ctx, botA, "refund policy for annual plans", 5)
	require.NoError(t, err)
	assert.False(t, res.Degraded)
	assert.Equal(t, vectorstore.QueryOK, res.Status)
	require.Len(t, res.Matches, 1)
	assert.Equal(t, botA.String(), res.Matches[0].Metadata.BotID)

	res, err = h.svc.Search(ctx, uuid.New(), "refund policy", 5)
	require.NoError(t, err)
	assert.Equal(t, vectorstore.QueryNoMatches, res.Status)
	assert.Empty(t, res.Matches)

	_, err = h.svc.Search(ctx, botA, "   ", 5)
	assert.ErrorIs(t, err, ErrInvalidInput)

	h.backend.queryErr = errors.New("index unreachable")
	res, err = h.svc.Search(ctx, botA, "refund policy", 5)
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Equal(t, vectorstore.QueryUnavailable, res.Status)
	assert.Empty(t, res.Matches)
}

func TestDeleteDocument(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	doc := h.seed(t, models.StatusUploaded, time.Time{})
	other := h.seed(t, models.StatusUploaded, time.Time{})
	h.index(t, doc.BotID.String(), doc.ID.String(), "first chunk")
	h.index(t, doc.BotID.String(), doc.ID.String(), "second chunk")
	h.index(t, other.BotID.String(), other.ID.String(), "unrelated")
	_, err := h.svc.RequestProcessing(ctx, doc.ID, "bob")
	require.NoError(t, err)

	require.NoError(t, h.svc.DeleteDocument(ctx, doc.ID))

	assert.Equal(t, 1, h.backend.Len())
	_, err = h.repo.Get(ctx, doc.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = h.blobs.Get(ctx, doc.FilePath)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = h.queue.FindByDocument(ctx, doc.ID.String())
	assert.ErrorIs(t, err, queue.ErrJobNotFound)

	assert.ErrorIs(t, h.svc.DeleteDocument(ctx, doc.ID), ErrNotFound)
}

func TestDeleteDocumentKeepsRowWhenVectorsRemain(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	doc := h.seed(t, models.StatusUploaded, time.Time{})
	h.index(t, doc.BotID.String(), doc.ID.String(), "chunk")
	h.backend.deleteErr = errors.New("index unreachable")

	err := h.svc.DeleteDocument(ctx, doc.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "index unreachable")

	_, err = h.repo.Get(ctx, doc.ID)
	assert.NoError(t, err)
	assert.Equal(t, 1, h.backend.Len())
}

func TestDeleteBot(t *testing.T) {
	h := newHarness(t)
	botA, botB := uuid.New(), uuid.New()
	h.index(t, botA.String(), uuid.NewString(), "a1")
	h.index(t, botA.String(), uuid.NewString(), "a2")
	h.index(t, botB.String(), uuid.NewString(), "b1")

	require.NoError(t, h.svc.DeleteBot(context.Background(), botA))
	assert.Equal(t, 1, h.backend.Len())
	assert.Len(t, h.backend.Records(vectorstore.Filter{BotID: botB.String()}), 1)
}
