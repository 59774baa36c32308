// Package models defines the core data models of the ingestion pipeline
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DocumentStatus is the processing state of a document
type DocumentStatus string

// Document statuses
const (
	StatusUploaded   DocumentStatus = "uploaded"
	StatusFetched    DocumentStatus = "fetched"
	StatusPending    DocumentStatus = "pending"
	StatusProcessing DocumentStatus = "processing"
	StatusCompleted  DocumentStatus = "completed"
	StatusError      DocumentStatus = "error"
)

// SourceType is the kind of source a document was created from
type SourceType string

// Source types
const (
	SourcePDF     SourceType = "pdf"
	SourceDOCX    SourceType = "docx"
	SourceTXT     SourceType = "txt"
	SourceWebpage SourceType = "webpage"
	SourceVideo   SourceType = "video"
)

// Valid reports whether s is a known source type
func (s SourceType) Valid() bool {
	switch s {
	case SourcePDF, SourceDOCX, SourceTXT, SourceWebpage, SourceVideo:
		return true
	}
	return false
}

// IsRemote reports whether the source needed a separate extraction step
func (s SourceType) IsRemote() bool {
	return s == SourceWebpage || s == SourceVideo
}

// DefaultStaleThreshold is how long a document may sit in processing before
// it is considered abandoned.
const DefaultStaleThreshold = 10 * time.Minute

// Metadata keys written by the pipeline
const (
	MetaChunkCount = "chunk_count"
	MetaDurationMs = "duration_ms"
	MetaJobID      = "job_id"
	MetaWorkerID   = "worker_id"
	MetaAttempt    = "attempt"
	MetaTitle      = "title"
	MetaSourceURL  = "source_url"
	MetaExcerpt    = "excerpt"
	MetaStaleReset = "stale_reset_at"
)

// Document is a unit of knowledge owned by exactly one bot
type Document struct {
	ID                    uuid.UUID      `json:"id" db:"id"`
	BotID                 uuid.UUID      `json:"bot_id" db:"bot_id"`
	FileName              string         `json:"file_name" db:"file_name"`
	FilePath              string         `json:"file_path" db:"file_path"`
	SourceType            SourceType     `json:"source_type" db:"source_type"`
	SizeBytes             int64          `json:"size_bytes" db:"size_bytes"`
	Status                DocumentStatus `json:"status" db:"status"`
	ErrorMessage          *string        `json:"error_message,omitempty" db:"error_message"`
	RetryCount            int            `json:"retry_count" db:"retry_count"`
	ProcessingStartedAt   *time.Time     `json:"processing_started_at,omitempty" db:"processing_started_at"`
	ProcessingCompletedAt *time.Time     `json:"processing_completed_at,omitempty" db:"processing_completed_at"`
	Metadata              JSONMap        `json:"metadata" db:"metadata"`
	CreatedAt             time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt             time.Time      `json:"updated_at" db:"updated_at"`
}

// IsStale reports whether the document has been processing longer than threshold
func (d *Document) IsStale(now time.Time, threshold time.Duration) bool {
	if d.Status != StatusProcessing {
		return false
	}
	if d.ProcessingStartedAt == nil {
		// processing without a start time can only come from a crashed writer
		return true
	}
	return now.Sub(*d.ProcessingStartedAt) > threshold
}

// ChunkCount returns the chunk count recorded in metadata, or 0
func (d *Document) ChunkCount() int {
	return d.Metadata.Int(MetaChunkCount)
}

// Ref returns the orchestrator-facing view of the document
func (d *Document) Ref() DocumentRef {
	return DocumentRef{
		ID:         d.ID,
		BotID:      d.BotID,
		FileName:   d.FileName,
		FilePath:   d.FilePath,
		SourceType: d.SourceType,
	}
}

// DocumentRef is what the orchestrator needs to process a document
type DocumentRef struct {
	ID         uuid.UUID  `json:"id"`
	BotID      uuid.UUID  `json:"bot_id"`
	FileName   string     `json:"file_name"`
	FilePath   string     `json:"file_path"`
	SourceType SourceType `json:"source_type"`
}

// JSONMap is a JSONB-backed metadata map
type JSONMap map[string]interface{}

// Scan implements sql.Scanner for JSONMap
func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*m = JSONMap{}
		return nil
	}

	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported metadata type %T", value)
	}

	out := JSONMap{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	*m = out
	return nil
}

// Value implements driver.Valuer for JSONMap
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Int reads a numeric key, tolerating the float64 that JSON decoding produces
func (m JSONMap) Int(key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	}
	return 0
}

// String reads a string key
func (m JSONMap) String(key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}
