package processor

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/docmesh/internal/embedding"
	"github.com/developer-mesh/docmesh/internal/models"
	"github.com/developer-mesh/docmesh/internal/repository"
	"github.com/developer-mesh/docmesh/internal/storage"
	"github.com/developer-mesh/docmesh/internal/vectorstore"
)

type fixture struct {
	repo    *repository.MemoryStore
	blobs   *storage.LocalStore
	backend *vectorstore.MemoryBackend
	orch    *Orchestrator
}

func newFixture(t *testing.T, index VectorIndex) *fixture {
	t.Helper()
	blobs, err := storage.NewLocalStore(t.TempDir(), nil)
	require.NoError(t, err)

	f := &fixture{
		repo:    repository.NewMemoryStore(),
		blobs:   blobs,
		backend: vectorstore.NewMemoryBackend(),
	}
	if index == nil {
		index = vectorstore.NewClient(f.backend, vectorstore.ClientConfig{BatchSize: 100}, nil, nil)
	}
	f.orch = NewOrchestrator(f.repo, f.repo, blobs, embedding.NewHashEmbedder(32), index, DefaultConfig(), nil, nil)
	return f
}

// addDocument stores content and creates a document already claimed by a worker
func (f *fixture) addDocument(t *testing.T, sourceType models.SourceType, content string) *models.Document {
	t.Helper()
	ctx := context.Background()
	id := uuid.New()
	doc := &models.Document{
		ID:         id,
		BotID:      uuid.New(),
		FileName:   "notes.txt",
		FilePath:   "uploads/" + id.String(),
		SourceType: sourceType,
		Status:     models.StatusUploaded,
	}
	require.NoError(t, f.repo.Create(ctx, doc))
	if content != "" {
		require.NoError(t, f.blobs.Put(ctx, doc.FilePath, []byte(content)))
	}
	f.startProcessing(t, doc.ID)
	return doc
}

func (f *fixture) startProcessing(t *testing.T, id uuid.UUID) {
	now := time.Now()
	require.NoError(t, f.repo.UpdateStatus(context.Background(), id, repository.StatusUpdate{
		Status:    models.StatusProcessing,
		StartedAt: &now,
	}))
}

func TestProcessTextDocument(t *testing.T) {
	f := newFixture(t, nil)
	doc := f.addDocument(t, models.SourceTXT, numberedWords(450))
	ctx := context.Background()

	res, err := f.orch.Process(ctx, doc.Ref())
	require.NoError(t, err)
	assert.Equal(t, 3, res.ChunksCreated)

	got, err := f.repo.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, 3, got.ChunkCount())
	assert.NotNil(t, got.ProcessingCompletedAt)
	assert.Nil(t, got.ErrorMessage)

	chunks, err := f.repo.ListByDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	for _, c := range chunks {
		assert.Equal(t, models.ChunkEmbedded, c.Status)
	}

	records := f.backend.Records(vectorstore.Filter{DocumentID: doc.ID.String()})
	require.Len(t, records, 3)
	for _, r := range records {
		assert.Equal(t, doc.BotID.String(), r.Metadata.BotID)
		assert.NotEmpty(t, r.Metadata.Text)
	}
}

func TestReprocessReplacesChunks(t *testing.T) {
	f := newFixture(t, nil)
	doc := f.addDocument(t, models.SourceTXT, numberedWords(450))
	ctx := context.Background()

	_, err := f.orch.Process(ctx, doc.Ref())
	require.NoError(t, err)

	require.NoError(t, f.repo.UpdateStatus(ctx, doc.ID, repository.StatusUpdate{Status: models.StatusPending}))
	f.startProcessing(t, doc.ID)
	require.NoError(t, f.blobs.Put(ctx, doc.FilePath, []byte(numberedWords(100))))

	res, err := f.orch.Process(ctx, doc.Ref())
	require.NoError(t, err)
	assert.Equal(t, 1, res.ChunksCreated)

	chunks, err := f.repo.ListByDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, 0, chunks[0].Ordinal)
	assert.Equal(t, 1, f.backend.Len())
}

func TestProcessFailuresMarkDocument(t *testing.T) {
	tests := []struct {
		name       string
		sourceType models.SourceType
		content    string
		wantErr    string
	}{
		{name: "missing file", sourceType: models.SourceTXT, content: "", wantErr: "failed to load"},
		{name: "blank text", sourceType: models.SourceTXT, content: "   \n  ", wantErr: "no text content"},
		{name: "corrupt pdf", sourceType: models.SourcePDF, content: "definitely not a pdf", wantErr: "PDF"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			doc := f.addDocument(t, tt.sourceType, tt.content)

			_, err := f.orch.Process(context.Background(), doc.Ref())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)

			got, err := f.repo.Get(context.Background(), doc.ID)
			require.NoError(t, err)
			assert.Equal(t, models.StatusError, got.Status)
			require.NotNil(t, got.ErrorMessage)
			assert.Contains(t, *got.ErrorMessage, tt.wantErr)
			assert.Equal(t, 0, f.backend.Len())
		})
	}
}

// partialIndex stores every record except those whose text contains poison
type partialIndex struct {
	poison string
}

func (p *partialIndex) Upsert(_ context.Context, records []vectorstore.Record) vectorstore.UpsertResult {
	res := vectorstore.UpsertResult{Total: len(records)}
	for _, r := range records {
		if p.poison == "" || strings.Contains(r.Metadata.Text, p.poison) {
			res.Failed = append(res.Failed, r.ID)
			continue
		}
		res.Stored = append(res.Stored, r.ID)
	}
	return res
}

func (p *partialIndex) DeleteByDocument(context.Context, string) error { return nil }

func TestProcessPartialUpsert(t *testing.T) {
	f := newFixture(t, &partialIndex{poison: "POISON"})
	text := numberedWords(160) + " POISON " + strings.Repeat("tail ", 300)
	doc := f.addDocument(t, models.SourceTXT, text)
	ctx := context.Background()

	res, err := f.orch.Process(ctx, doc.Ref())
	require.NoError(t, err)

	chunks, err := f.repo.ListByDocument(ctx, doc.ID)
	require.NoError(t, err)
	var embedded, failed int
	for _, c := range chunks {
		switch c.Status {
		case models.ChunkEmbedded:
			embedded++
		case models.ChunkError:
			failed++
		}
	}
	assert.Equal(t, res.ChunksCreated, embedded)
	assert.Greater(t, failed, 0)
	assert.Greater(t, embedded, 0)

	got, err := f.repo.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, embedded, got.ChunkCount())
}

func TestProcessAllVectorsFail(t *testing.T) {
	f := newFixture(t, &partialIndex{})
	doc := f.addDocument(t, models.SourceTXT, numberedWords(50))

	_, err := f.orch.Process(context.Background(), doc.Ref())
	require.Error(t, err)

	got, err := f.repo.Get(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "failed to store any")
}
