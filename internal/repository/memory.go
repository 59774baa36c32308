package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/developer-mesh/docmesh/internal/models"
)

// MemoryStore is an in-process document and chunk store with the same
// transition rules as the SQL repositories. Used for local runs and tests.
type MemoryStore struct {
	mu     sync.Mutex
	docs   map[uuid.UUID]*models.Document
	chunks map[uuid.UUID][]*models.Chunk
	now    func() time.Time
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:   make(map[uuid.UUID]*models.Document),
		chunks: make(map[uuid.UUID][]*models.Chunk),
		now:    time.Now,
	}
}

// SetClock overrides the store clock
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Close implements io.Closer so the store can stand in for a pooled connection
func (m *MemoryStore) Close() error { return nil }

// Create inserts a document
func (m *MemoryStore) Create(ctx context.Context, doc *models.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	if _, ok := m.docs[doc.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, doc.ID)
	}
	now := m.now()
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
	m.docs[doc.ID] = cloneDocument(doc)
	return nil
}

// Get returns a copy of a document
func (m *MemoryStore) Get(ctx context.Context, id uuid.UUID) (*models.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.docs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return cloneDocument(doc), nil
}

// UpdateStatus applies a status change
func (m *MemoryStore) UpdateStatus(ctx context.Context, id uuid.UUID, u StatusUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.docs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !models.CanTransition(doc.Status, u.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, doc.Status, u.Status)
	}

	doc.Status = u.Status
	doc.UpdatedAt = m.now()
	switch u.Status {
	case models.StatusError:
		msg := unknownError
		if u.ErrorMessage != nil && *u.ErrorMessage != "" {
			msg = *u.ErrorMessage
		}
		doc.ErrorMessage = &msg
	case models.StatusProcessing, models.StatusPending:
		doc.ErrorMessage = nil
		doc.ProcessingCompletedAt = nil
	default:
		if u.ErrorMessage != nil {
			msg := *u.ErrorMessage
			doc.ErrorMessage = &msg
		}
	}
	if u.RetryCount != nil {
		doc.RetryCount = *u.RetryCount
	}
	if u.StartedAt != nil {
		t := *u.StartedAt
		doc.ProcessingStartedAt = &t
	}
	if u.CompletedAt != nil {
		t := *u.CompletedAt
		doc.ProcessingCompletedAt = &t
	}
	return nil
}

// MergeMetadata merges fields into the document metadata
func (m *MemoryStore) MergeMetadata(ctx context.Context, id uuid.UUID, fields models.JSONMap) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.docs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if doc.Metadata == nil {
		doc.Metadata = models.JSONMap{}
	}
	for k, v := range fields {
		doc.Metadata[k] = v
	}
	doc.UpdatedAt = m.now()
	return nil
}

// ResetStale moves a stale processing document back to pending
func (m *MemoryStore) ResetStale(ctx context.Context, id uuid.UUID, threshold time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.docs[id]
	if !ok {
		return false, nil
	}
	now := m.now()
	if !doc.IsStale(now, threshold) {
		return false, nil
	}
	doc.Status = models.StatusPending
	doc.ErrorMessage = nil
	doc.ProcessingStartedAt = nil
	if doc.Metadata == nil {
		doc.Metadata = models.JSONMap{}
	}
	doc.Metadata[models.MetaStaleReset] = now.UTC().Format(time.RFC3339)
	doc.UpdatedAt = now
	return true, nil
}

// Delete removes a document and its chunks
func (m *MemoryStore) Delete(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.docs[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(m.docs, id)
	delete(m.chunks, id)
	return nil
}

// CreateBatch stores chunks, rejecting duplicate ordinals within a document
func (m *MemoryStore) CreateBatch(ctx context.Context, chunks []*models.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range chunks {
		for _, existing := range m.chunks[c.DocumentID] {
			if existing.Ordinal == c.Ordinal {
				return fmt.Errorf("duplicate chunk ordinal %d for document %s", c.Ordinal, c.DocumentID)
			}
		}
		if c.ID == uuid.Nil {
			c.ID = uuid.New()
		}
		if c.Status == "" {
			c.Status = models.ChunkPending
		}
		cp := *c
		m.chunks[c.DocumentID] = append(m.chunks[c.DocumentID], &cp)
	}
	return nil
}

// DeleteByDocument removes a document's chunks
func (m *MemoryStore) DeleteByDocument(ctx context.Context, documentID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := int64(len(m.chunks[documentID]))
	delete(m.chunks, documentID)
	return n, nil
}

// MarkStatus sets the status of the given chunks
func (m *MemoryStore) MarkStatus(ctx context.Context, ids []uuid.UUID, status models.ChunkStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	want := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	for _, list := range m.chunks {
		for _, c := range list {
			if _, ok := want[c.ID]; ok {
				c.Status = status
			}
		}
	}
	return nil
}

// ListByDocument returns a document's chunks in ordinal order
func (m *MemoryStore) ListByDocument(ctx context.Context, documentID uuid.UUID) ([]*models.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*models.Chunk, 0, len(m.chunks[documentID]))
	for _, c := range m.chunks[documentID] {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out, nil
}

func cloneDocument(d *models.Document) *models.Document {
	cp := *d
	if d.Metadata != nil {
		cp.Metadata = make(models.JSONMap, len(d.Metadata))
		for k, v := range d.Metadata {
			cp.Metadata[k] = v
		}
	}
	if d.ErrorMessage != nil {
		msg := *d.ErrorMessage
		cp.ErrorMessage = &msg
	}
	if d.ProcessingStartedAt != nil {
		t := *d.ProcessingStartedAt
		cp.ProcessingStartedAt = &t
	}
	if d.ProcessingCompletedAt != nil {
		t := *d.ProcessingCompletedAt
		cp.ProcessingCompletedAt = &t
	}
	return &cp
}
