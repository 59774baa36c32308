package models

import (
	"time"

	"github.com/google/uuid"
)

// ChunkStatus is the embedding state of a chunk
type ChunkStatus string

// Chunk statuses
const (
	ChunkPending  ChunkStatus = "pending"
	ChunkEmbedded ChunkStatus = "embedded"
	ChunkError    ChunkStatus = "error"
)

// Chunk is a contiguous passage of a document's text
type Chunk struct {
	ID         uuid.UUID   `json:"id" db:"id"`
	DocumentID uuid.UUID   `json:"document_id" db:"document_id"`
	BotID      uuid.UUID   `json:"bot_id" db:"bot_id"`
	Ordinal    int         `json:"ordinal" db:"ordinal"`
	Content    string      `json:"content" db:"content"`
	TokenCount int         `json:"token_count" db:"token_count"`
	Status     ChunkStatus `json:"status" db:"status"`
	CreatedAt  time.Time   `json:"created_at" db:"created_at"`
}
