// Package repository implements relational data access for documents and chunks
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/developer-mesh/docmesh/internal/models"
)

var (
	// ErrNotFound is returned when a document does not exist
	ErrNotFound = errors.New("document not found")
	// ErrInvalidTransition is returned when a status change is not allowed
	ErrInvalidTransition = errors.New("invalid document status transition")
	// ErrDuplicate is returned on a primary key conflict
	ErrDuplicate = errors.New("document already exists")
)

const unknownError = "unknown error"

// DBTX is the subset of sqlx shared by *sqlx.DB, *sqlx.Tx and *sqlx.Conn
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

// StatusUpdate describes a document status change. Nil fields are left untouched.
type StatusUpdate struct {
	Status       models.DocumentStatus
	ErrorMessage *string
	RetryCount   *int
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// DocumentRepository handles document data access
type DocumentRepository struct {
	db  DBTX
	now func() time.Time
}

// NewDocumentRepository creates a new document repository
func NewDocumentRepository(db DBTX) *DocumentRepository {
	return &DocumentRepository{db: db, now: time.Now}
}

const documentColumns = `id, bot_id, file_name, file_path, source_type, size_bytes, status,
	error_message, retry_count, processing_started_at, processing_completed_at,
	metadata, created_at, updated_at`

// Create inserts a new document record
func (r *DocumentRepository) Create(ctx context.Context, doc *models.Document) error {
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	now := r.now()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now
	if doc.Metadata == nil {
		doc.Metadata = models.JSONMap{}
	}
	if doc.Status == models.StatusError && (doc.ErrorMessage == nil || *doc.ErrorMessage == "") {
		msg := unknownError
		doc.ErrorMessage = &msg
	}

	query := `
		INSERT INTO documents (` + documentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err := r.db.ExecContext(ctx, query,
		doc.ID, doc.BotID, doc.FileName, doc.FilePath, doc.SourceType, doc.SizeBytes, doc.Status,
		doc.ErrorMessage, doc.RetryCount, doc.ProcessingStartedAt, doc.ProcessingCompletedAt,
		doc.Metadata, doc.CreatedAt, doc.UpdatedAt,
	)
	if err != nil {
		var pgErr *pq.Error
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: %s", ErrDuplicate, doc.ID)
		}
		return fmt.Errorf("failed to create document: %w", err)
	}
	return nil
}

// Get retrieves a document by ID
func (r *DocumentRepository) Get(ctx context.Context, id uuid.UUID) (*models.Document, error) {
	var doc models.Document
	query := `SELECT ` + documentColumns + ` FROM documents WHERE id = $1`

	if err := r.db.GetContext(ctx, &doc, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return &doc, nil
}

// ListByBot returns the documents owned by a bot, newest first
func (r *DocumentRepository) ListByBot(ctx context.Context, botID uuid.UUID) ([]*models.Document, error) {
	var docs []*models.Document
	query := `SELECT ` + documentColumns + ` FROM documents WHERE bot_id = $1 ORDER BY created_at DESC`

	if err := r.db.SelectContext(ctx, &docs, query, botID); err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	return docs, nil
}

// UpdateStatus applies a status change. The update is guarded in SQL by the
// set of statuses allowed to move to u.Status, so concurrent writers cannot
// push a document through an illegal transition.
func (r *DocumentRepository) UpdateStatus(ctx context.Context, id uuid.UUID, u StatusUpdate) error {
	if !u.Status.Valid() {
		return fmt.Errorf("unknown status %q", u.Status)
	}

	sets := []string{"status = $2", "updated_at = $3"}
	args := []interface{}{id, u.Status, r.now()}
	add := func(column string, value interface{}) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	switch u.Status {
	case models.StatusError:
		msg := unknownError
		if u.ErrorMessage != nil && *u.ErrorMessage != "" {
			msg = *u.ErrorMessage
		}
		add("error_message", msg)
	case models.StatusProcessing, models.StatusPending:
		sets = append(sets, "error_message = NULL", "processing_completed_at = NULL")
	default:
		if u.ErrorMessage != nil {
			add("error_message", *u.ErrorMessage)
		}
	}
	if u.RetryCount != nil {
		add("retry_count", *u.RetryCount)
	}
	if u.StartedAt != nil {
		add("processing_started_at", *u.StartedAt)
	}
	if u.CompletedAt != nil {
		add("processing_completed_at", *u.CompletedAt)
	}

	args = append(args, pq.Array(allowedFrom(u.Status)))
	query := fmt.Sprintf(`UPDATE documents SET %s WHERE id = $1 AND status = ANY($%d)`,
		strings.Join(sets, ", "), len(args))

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update document status: %w", err)
	}
	return r.checkAffected(ctx, id, res, u.Status)
}

// MergeMetadata merges fields into the document metadata without touching status
func (r *DocumentRepository) MergeMetadata(ctx context.Context, id uuid.UUID, fields models.JSONMap) error {
	query := `UPDATE documents SET metadata = metadata || $2::jsonb, updated_at = $3 WHERE id = $1`

	res, err := r.db.ExecContext(ctx, query, id, fields, r.now())
	if err != nil {
		return fmt.Errorf("failed to merge document metadata: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// ResetStale moves a document that has been processing longer than threshold
// back to pending. It reports whether a reset happened.
func (r *DocumentRepository) ResetStale(ctx context.Context, id uuid.UUID, threshold time.Duration) (bool, error) {
	now := r.now()
	query := `
		UPDATE documents
		SET status = 'pending',
		    error_message = NULL,
		    processing_started_at = NULL,
		    metadata = metadata || $2::jsonb,
		    updated_at = $3
		WHERE id = $1
		  AND status = 'processing'
		  AND (processing_started_at IS NULL OR processing_started_at < $4)`

	note := models.JSONMap{models.MetaStaleReset: now.UTC().Format(time.RFC3339)}
	res, err := r.db.ExecContext(ctx, query, id, note, now, now.Add(-threshold))
	if err != nil {
		return false, fmt.Errorf("failed to reset stale document: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n > 0, nil
}

// Delete removes a document. Chunks are removed by the foreign key cascade.
func (r *DocumentRepository) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (r *DocumentRepository) checkAffected(ctx context.Context, id uuid.UUID, res sql.Result, to models.DocumentStatus) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n > 0 {
		return nil
	}

	// Nothing matched: either the row is gone or its status forbids the move
	doc, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, doc.Status, to)
}

// allowedFrom lists every status that may transition to target
func allowedFrom(target models.DocumentStatus) []string {
	all := []models.DocumentStatus{
		models.StatusUploaded, models.StatusFetched, models.StatusPending,
		models.StatusProcessing, models.StatusCompleted, models.StatusError,
	}
	out := make([]string, 0, len(all))
	for _, s := range all {
		if models.CanTransition(s, target) {
			out = append(out, string(s))
		}
	}
	return out
}

// PooledDocuments is a DocumentRepository pinned to a dedicated connection
type PooledDocuments struct {
	*DocumentRepository
	conn *sqlx.Conn
}

// Close returns the connection to database/sql
func (p *PooledDocuments) Close() error {
	return p.conn.Close()
}

// DialDocuments returns a dialer that pins a DocumentRepository to its own
// database connection, for use by the worker connection pool.
func DialDocuments(db *sqlx.DB) func(ctx context.Context) (*PooledDocuments, error) {
	return func(ctx context.Context) (*PooledDocuments, error) {
		conn, err := db.Connx(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to acquire database connection: %w", err)
		}
		return &PooledDocuments{DocumentRepository: NewDocumentRepository(conn), conn: conn}, nil
	}
}
