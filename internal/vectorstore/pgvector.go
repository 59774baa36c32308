package vectorstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/pgvector/pgvector-go"
)

// PgvectorBackend stores vectors in the chunk_vectors table
type PgvectorBackend struct {
	db *sqlx.DB
}

// NewPgvectorBackend creates a backend on an open database. The vector
// extension and table come from the embedded migrations.
func NewPgvectorBackend(db *sqlx.DB) *PgvectorBackend {
	return &PgvectorBackend{db: db}
}

const upsertVectorSQL = `
	INSERT INTO chunk_vectors (id, bot_id, document_id, chunk_id, ordinal, file_name, source_type, content, embedding, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
	ON CONFLICT (id) DO UPDATE SET
		bot_id = EXCLUDED.bot_id,
		document_id = EXCLUDED.document_id,
		chunk_id = EXCLUDED.chunk_id,
		ordinal = EXCLUDED.ordinal,
		file_name = EXCLUDED.file_name,
		source_type = EXCLUDED.source_type,
		content = EXCLUDED.content,
		embedding = EXCLUDED.embedding,
		updated_at = now()`

// Upsert writes the batch in one transaction
func (p *PgvectorBackend) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, r := range records {
		if len(r.Values) == 0 {
			return fmt.Errorf("record %s has no embedding", r.ID)
		}
		chunkID := r.Metadata.ChunkID
		if chunkID == "" {
			chunkID = r.ID
		}
		_, err := tx.ExecContext(ctx, upsertVectorSQL,
			r.ID,
			r.Metadata.BotID,
			r.Metadata.DocumentID,
			chunkID,
			r.Metadata.Ordinal,
			r.Metadata.FileName,
			r.Metadata.SourceType,
			r.Metadata.Text,
			pgvector.NewVector(r.Values),
		)
		if err != nil {
			return fmt.Errorf("failed to upsert vector %s: %w", r.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit vectors: %w", err)
	}
	return nil
}

type vectorRow struct {
	ID         string  `db:"id"`
	BotID      string  `db:"bot_id"`
	DocumentID string  `db:"document_id"`
	ChunkID    string  `db:"chunk_id"`
	Ordinal    int     `db:"ordinal"`
	FileName   string  `db:"file_name"`
	SourceType string  `db:"source_type"`
	Content    string  `db:"content"`
	Score      float32 `db:"score"`
}

// Query orders by cosine distance and reports 1 - distance as the score
func (p *PgvectorBackend) Query(ctx context.Context, vector []float32, filter Filter, topK int) ([]Match, error) {
	where, args := filterClause(filter, 2)
	args = append([]interface{}{pgvector.NewVector(vector)}, args...)
	args = append(args, topK)

	query := fmt.Sprintf(`
		SELECT id, bot_id, document_id, chunk_id, ordinal, file_name, source_type, content,
			1 - (embedding <=> $1) AS score
		FROM chunk_vectors
		%s
		ORDER BY embedding <=> $1
		LIMIT $%d`, where, len(args))

	var rows []vectorRow
	if err := p.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query vectors: %w", err)
	}

	matches := make([]Match, 0, len(rows))
	for _, r := range rows {
		matches = append(matches, Match{
			ID:    r.ID,
			Score: r.Score,
			Metadata: Metadata{
				BotID:      r.BotID,
				DocumentID: r.DocumentID,
				ChunkID:    r.ChunkID,
				Text:       r.Content,
				FileName:   r.FileName,
				SourceType: r.SourceType,
				Ordinal:    r.Ordinal,
			},
		})
	}
	return matches, nil
}

// DeleteMany removes every row matching filter
func (p *PgvectorBackend) DeleteMany(ctx context.Context, filter Filter) error {
	if filter.IsEmpty() {
		return ErrEmptyFilter
	}
	where, args := filterClause(filter, 1)
	if _, err := p.db.ExecContext(ctx, "DELETE FROM chunk_vectors "+where, args...); err != nil {
		return fmt.Errorf("failed to delete vectors: %w", err)
	}
	return nil
}

// Close leaves the shared database handle open
func (p *PgvectorBackend) Close() error { return nil }

func filterClause(f Filter, next int) (string, []interface{}) {
	var (
		conds []string
		args  []interface{}
	)
	if f.BotID != "" {
		conds = append(conds, fmt.Sprintf("bot_id = $%d", next))
		args = append(args, f.BotID)
		next++
	}
	if f.DocumentID != "" {
		conds = append(conds, fmt.Sprintf("document_id = $%d", next))
		args = append(args, f.DocumentID)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}
