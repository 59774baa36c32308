package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyBackend wraps a MemoryBackend and rejects any batch containing a
// poisoned record id.
type flakyBackend struct {
	*MemoryBackend
	mu          sync.Mutex
	poisoned    map[string]bool
	upsertCalls int
	queryErr    error
	deleteErr   error
	leak        []Match
}

func newFlaky(poisoned ...string) *flakyBackend {
	f := &flakyBackend{MemoryBackend: NewMemoryBackend(), poisoned: map[string]bool{}}
	for _, id := range poisoned {
		f.poisoned[id] = true
	}
	return f
}

func (f *flakyBackend) Upsert(ctx context.Context, records []Record) error {
	f.mu.Lock()
	f.upsertCalls++
	f.mu.Unlock()
	for _, r := range records {
		if f.poisoned[r.ID] {
			return fmt.Errorf("malformed record %s", r.ID)
		}
	}
	return f.MemoryBackend.Upsert(ctx, records)
}

func (f *flakyBackend) Query(ctx context.Context, v []float32, filter Filter, topK int) ([]Match, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	m, err := f.MemoryBackend.Query(ctx, v, filter, topK)
	return append(m, f.leak...), err
}

func (f *flakyBackend) DeleteMany(ctx context.Context, filter Filter) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	return f.MemoryBackend.DeleteMany(ctx, filter)
}

func fastConfig() ClientConfig {
	return ClientConfig{BatchSize: 100, MaxRetries: 2, RetryDelay: time.Millisecond}
}

func makeRecords(bot, doc string, n int) []Record {
	out := make([]Record, n)
	for i := range out {
		out[i] = Record{
			ID:     fmt.Sprintf("%s-%d", doc, i),
			Values: []float32{float32(i + 1), 1, 0},
			Metadata: Metadata{
				BotID:      bot,
				DocumentID: doc,
				ChunkID:    fmt.Sprintf("%s-%d", doc, i),
				Text:       fmt.Sprintf("chunk %d", i),
				Ordinal:    i,
			},
		}
	}
	return out
}

func TestUpsertBatches(t *testing.T) {
	backend := newFlaky()
	client := NewClient(backend, ClientConfig{BatchSize: 10, RetryDelay: time.Millisecond}, nil, nil)

	res := client.Upsert(context.Background(), makeRecords("bot-a", "doc-1", 25))
	assert.True(t, res.OK())
	assert.Equal(t, 25, res.Total)
	assert.Len(t, res.Stored, 25)
	assert.Equal(t, 3, backend.upsertCalls)
	assert.Equal(t, 25, backend.Len())
}

func TestUpsertIsolatesBadRecord(t *testing.T) {
	backend := newFlaky("doc-1-3")
	client := NewClient(backend, fastConfig(), nil, nil)

	res := client.Upsert(context.Background(), makeRecords("bot-a", "doc-1", 8))
	assert.False(t, res.OK())
	assert.Equal(t, []string{"doc-1-3"}, res.Failed)
	assert.Len(t, res.Stored, 7)
	assert.Equal(t, 7, backend.Len())

	// 3 batch calls, then 7 good singles and 3 calls for the bad one
	assert.Equal(t, 3+7+3, backend.upsertCalls)
}

func TestUpsertCancelledContext(t *testing.T) {
	backend := newFlaky()
	client := NewClient(backend, ClientConfig{BatchSize: 2, RetryDelay: time.Millisecond, InterBatchDelay: time.Hour}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	res := client.Upsert(ctx, makeRecords("bot-a", "doc-1", 4))
	assert.False(t, res.OK())
	assert.Len(t, res.Stored, 2)
	assert.Len(t, res.Failed, 2)
}

func TestQueryBotFilter(t *testing.T) {
	backend := newFlaky()
	client := NewClient(backend, fastConfig(), nil, nil)
	ctx := context.Background()

	require.True(t, client.Upsert(ctx, makeRecords("bot-a", "doc-1", 3)).OK())
	require.True(t, client.Upsert(ctx, makeRecords("bot-b", "doc-2", 3)).OK())

	t.Run("missing bot id", func(t *testing.T) {
		_, err := client.Query(ctx, []float32{1, 1, 0}, "", 5)
		assert.True(t, errors.Is(err, ErrMissingBotFilter))
	})

	t.Run("scoped to bot", func(t *testing.T) {
		res, err := client.Query(ctx, []float32{1, 1, 0}, "bot-b", 10)
		require.NoError(t, err)
		assert.Equal(t, QueryOK, res.Status)
		require.Len(t, res.Matches, 3)
		for _, m := range res.Matches {
			assert.Equal(t, "bot-b", m.Metadata.BotID)
		}
	})

	t.Run("drops leaked records", func(t *testing.T) {
		backend.leak = []Match{{ID: "x", Metadata: Metadata{BotID: "bot-b"}}}
		defer func() { backend.leak = nil }()

		res, err := client.Query(ctx, []float32{1, 1, 0}, "bot-a", 10)
		require.NoError(t, err)
		assert.Len(t, res.Matches, 3)
		for _, m := range res.Matches {
			assert.Equal(t, "bot-a", m.Metadata.BotID)
		}
	})

	t.Run("no matches", func(t *testing.T) {
		res, err := client.Query(ctx, []float32{1, 1, 0}, "bot-z", 10)
		require.NoError(t, err)
		assert.Equal(t, QueryNoMatches, res.Status)
		assert.Empty(t, res.Matches)
	})

	t.Run("unavailable", func(t *testing.T) {
		backend.queryErr = errors.New("connection refused")
		defer func() { backend.queryErr = nil }()

		res, err := client.Query(ctx, []float32{1, 1, 0}, "bot-a", 10)
		require.NoError(t, err)
		assert.Equal(t, QueryUnavailable, res.Status)
		assert.NotNil(t, res.Matches)
		assert.Empty(t, res.Matches)
		assert.Error(t, res.Err)
	})
}

func TestDeletes(t *testing.T) {
	backend := newFlaky()
	client := NewClient(backend, fastConfig(), nil, nil)
	ctx := context.Background()

	require.True(t, client.Upsert(ctx, makeRecords("bot-a", "doc-1", 3)).OK())
	require.True(t, client.Upsert(ctx, makeRecords("bot-a", "doc-2", 2)).OK())
	require.True(t, client.Upsert(ctx, makeRecords("bot-b", "doc-3", 4)).OK())

	require.NoError(t, client.DeleteByDocument(ctx, "doc-1"))
	assert.Empty(t, backend.Records(Filter{DocumentID: "doc-1"}))
	assert.Len(t, backend.Records(Filter{DocumentID: "doc-2"}), 2)
	assert.Len(t, backend.Records(Filter{BotID: "bot-b"}), 4)

	require.NoError(t, client.DeleteByBot(ctx, "bot-b"))
	assert.Empty(t, backend.Records(Filter{BotID: "bot-b"}))
	assert.Equal(t, 2, backend.Len())

	assert.True(t, errors.Is(client.DeleteByDocument(ctx, ""), ErrEmptyFilter))
	assert.True(t, errors.Is(client.DeleteByBot(ctx, ""), ErrMissingBotFilter))

	backend.deleteErr = errors.New("backend down")
	err := client.DeleteByDocument(ctx, "doc-2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend down")
}

func TestMemoryBackendRanking(t *testing.T) {
	m := NewMemoryBackend()
	ctx := context.Background()
	require.NoError(t, m.Upsert(ctx, []Record{
		{ID: "near", Values: []float32{1, 0}, Metadata: Metadata{BotID: "b"}},
		{ID: "far", Values: []float32{0, 1}, Metadata: Metadata{BotID: "b"}},
		{ID: "mid", Values: []float32{1, 1}, Metadata: Metadata{BotID: "b"}},
	}))

	matches, err := m.Query(ctx, []float32{1, 0}, Filter{BotID: "b"}, 2)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "near", matches[0].ID)
	assert.Equal(t, "mid", matches[1].ID)
	assert.InDelta(t, 1.0, matches[0].Score, 1e-6)

	assert.True(t, errors.Is(m.DeleteMany(ctx, Filter{}), ErrEmptyFilter))
}
