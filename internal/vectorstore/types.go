// Package vectorstore stores chunk embeddings in a filterable vector index
// and retrieves them scoped to a single bot.
package vectorstore

import (
	"context"
	"errors"
)

var (
	// ErrMissingBotFilter is returned when a query or delete has no owner-bot filter
	ErrMissingBotFilter = errors.New("bot id filter is required")
	// ErrEmptyFilter is returned when a delete would match every record
	ErrEmptyFilter = errors.New("delete filter must name a bot or a document")
)

// Metadata is stored alongside each vector
type Metadata struct {
	BotID      string `json:"bot_id"`
	DocumentID string `json:"document_id"`
	ChunkID    string `json:"chunk_id"`
	Text       string `json:"text"`
	FileName   string `json:"file_name"`
	SourceType string `json:"source_type"`
	Ordinal    int    `json:"ordinal"`
}

// Record is one embedded chunk. ID is the chunk id.
type Record struct {
	ID       string
	Values   []float32
	Metadata Metadata
}

// Filter restricts a query or delete. Empty fields are not applied.
type Filter struct {
	BotID      string
	DocumentID string
}

// IsEmpty reports whether the filter matches everything
func (f Filter) IsEmpty() bool {
	return f.BotID == "" && f.DocumentID == ""
}

// Matches reports whether m satisfies the filter
func (f Filter) Matches(m Metadata) bool {
	if f.BotID != "" && m.BotID != f.BotID {
		return false
	}
	if f.DocumentID != "" && m.DocumentID != f.DocumentID {
		return false
	}
	return true
}

// Match is a query hit
type Match struct {
	ID       string   `json:"id"`
	Score    float32  `json:"score"`
	Metadata Metadata `json:"metadata"`
}

// Backend is the network API of a vector database
type Backend interface {
	Upsert(ctx context.Context, records []Record) error
	Query(ctx context.Context, vector []float32, filter Filter, topK int) ([]Match, error)
	DeleteMany(ctx context.Context, filter Filter) error
	Close() error
}

// QueryStatus distinguishes an empty answer from a failed one
type QueryStatus string

// Query outcomes
const (
	QueryOK          QueryStatus = "ok"
	QueryNoMatches   QueryStatus = "no_matches"
	QueryUnavailable QueryStatus = "unavailable"
)

// QueryResult is the outcome of a similarity query
type QueryResult struct {
	Status  QueryStatus
	Matches []Match
	Err     error
}

// UpsertResult reports which records were stored
type UpsertResult struct {
	Total  int
	Stored []string
	Failed []string
}

// OK reports whether every record was stored
func (r UpsertResult) OK() bool {
	return len(r.Failed) == 0 && len(r.Stored) == r.Total
}
