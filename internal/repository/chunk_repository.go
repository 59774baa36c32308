package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/developer-mesh/docmesh/internal/models"
)

// ChunkRepository handles chunk data access
type ChunkRepository struct {
	db DBTX
}

// NewChunkRepository creates a new chunk repository
func NewChunkRepository(db DBTX) *ChunkRepository {
	return &ChunkRepository{db: db}
}

// CreateBatch inserts chunks in a single statement
func (r *ChunkRepository) CreateBatch(ctx context.Context, chunks []*models.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	const cols = 8
	now := time.Now()
	placeholders := make([]string, 0, len(chunks))
	args := make([]interface{}, 0, len(chunks)*cols)
	for i, c := range chunks {
		if c.ID == uuid.Nil {
			c.ID = uuid.New()
		}
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		if c.Status == "" {
			c.Status = models.ChunkPending
		}
		base := i * cols
		placeholders = append(placeholders, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8))
		args = append(args, c.ID, c.DocumentID, c.BotID, c.Ordinal, c.Content, c.TokenCount, c.Status, c.CreatedAt)
	}

	query := `INSERT INTO document_chunks (id, document_id, bot_id, ordinal, content, token_count, status, created_at)
		VALUES ` + strings.Join(placeholders, ", ")

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		var pgErr *pq.Error
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("duplicate chunk ordinal for document %s: %w", chunks[0].DocumentID, err)
		}
		return fmt.Errorf("failed to create chunks: %w", err)
	}
	return nil
}

// DeleteByDocument removes every chunk of a document and returns how many were removed
func (r *ChunkRepository) DeleteByDocument(ctx context.Context, documentID uuid.UUID) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM document_chunks WHERE document_id = $1`, documentID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete chunks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n, nil
}

// MarkStatus sets the status of the given chunks
func (r *ChunkRepository) MarkStatus(ctx context.Context, ids []uuid.UUID, status models.ChunkStatus) error {
	if len(ids) == 0 {
		return nil
	}

	strIDs := make([]string, len(ids))
	for i, id := range ids {
		strIDs[i] = id.String()
	}

	query := `UPDATE document_chunks SET status = $1 WHERE id = ANY($2::uuid[])`
	if _, err := r.db.ExecContext(ctx, query, status, pq.Array(strIDs)); err != nil {
		return fmt.Errorf("failed to mark chunk status: %w", err)
	}
	return nil
}

// ListByDocument returns a document's chunks in ordinal order
func (r *ChunkRepository) ListByDocument(ctx context.Context, documentID uuid.UUID) ([]*models.Chunk, error) {
	var chunks []*models.Chunk
	query := `
		SELECT id, document_id, bot_id, ordinal, content, token_count, status, created_at
		FROM document_chunks
		WHERE document_id = $1
		ORDER BY ordinal`

	if err := r.db.SelectContext(ctx, &chunks, query, documentID); err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	return chunks, nil
}
