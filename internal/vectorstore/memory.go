package vectorstore

import (
	"context"
	"math"
	"sort"
	"sync"
)

// MemoryBackend is an in-process cosine-similarity index
type MemoryBackend struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryBackend creates an empty in-memory index
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: make(map[string]Record)}
}

// Upsert inserts or replaces records by id
func (m *MemoryBackend) Upsert(_ context.Context, records []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		values := make([]float32, len(r.Values))
		copy(values, r.Values)
		r.Values = values
		m.records[r.ID] = r
	}
	return nil
}

// Query ranks matching records by cosine similarity
func (m *MemoryBackend) Query(_ context.Context, vector []float32, filter Filter, topK int) ([]Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matches := make([]Match, 0)
	for _, r := range m.records {
		if !filter.Matches(r.Metadata) {
			continue
		}
		matches = append(matches, Match{
			ID:       r.ID,
			Score:    cosine(vector, r.Values),
			Metadata: r.Metadata,
		})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score == matches[j].Score {
			return matches[i].ID < matches[j].ID
		}
		return matches[i].Score > matches[j].Score
	})
	if topK > 0 && len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

// DeleteMany removes all records matching filter
func (m *MemoryBackend) DeleteMany(_ context.Context, filter Filter) error {
	if filter.IsEmpty() {
		return ErrEmptyFilter
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, r := range m.records {
		if filter.Matches(r.Metadata) {
			delete(m.records, id)
		}
	}
	return nil
}

// Len returns the number of stored records
func (m *MemoryBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// Records returns the records matching filter, in no particular order
func (m *MemoryBackend) Records(filter Filter) []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0)
	for _, r := range m.records {
		if filter.Matches(r.Metadata) {
			out = append(out, r)
		}
	}
	return out
}

// Close is a no-op
func (m *MemoryBackend) Close() error { return nil }

func cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
