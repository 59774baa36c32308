package vectorstore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/docmesh/internal/config"
)

func TestHTTPBackendRoundTrip(t *testing.T) {
	var upserted []apiVector
	var lastFilter map[string]interface{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("Api-Key"))
		assert.Equal(t, http.MethodPost, r.Method)

		switch r.URL.Path {
		case "/vectors/upsert":
			var req upsertRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "docs", req.Namespace)
			upserted = append(upserted, req.Vectors...)
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"upsertedCount":1}`))
		case "/query":
			var req queryRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.True(t, req.IncludeMetadata)
			assert.Equal(t, 3, req.TopK)
			lastFilter = req.Filter
			_, _ = w.Write([]byte(`{"matches":[{"id":"c1","score":0.9,"metadata":{"bot_id":"bot-a","document_id":"doc-1","text":"hi","ordinal":2}}]}`))
		case "/vectors/delete":
			var req deleteRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			lastFilter = req.Filter
			_, _ = w.Write([]byte(`{}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	h, err := NewHTTPBackend(HTTPConfig{Endpoint: srv.URL + "/", APIKey: "secret", Namespace: "docs"}, nil)
	require.NoError(t, err)
	defer h.Close()
	ctx := context.Background()

	require.NoError(t, h.Upsert(ctx, makeRecords("bot-a", "doc-1", 1)))
	require.Len(t, upserted, 1)
	assert.Equal(t, "doc-1-0", upserted[0].ID)
	assert.Equal(t, "bot-a", upserted[0].Metadata.BotID)

	matches, err := h.Query(ctx, []float32{1, 0}, Filter{BotID: "bot-a"}, 3)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "hi", matches[0].Metadata.Text)
	assert.Equal(t, 2, matches[0].Metadata.Ordinal)
	assert.Equal(t, map[string]interface{}{"bot_id": map[string]interface{}{"$eq": "bot-a"}}, lastFilter)

	require.NoError(t, h.DeleteMany(ctx, Filter{DocumentID: "doc-1"}))
	assert.Equal(t, map[string]interface{}{"document_id": map[string]interface{}{"$eq": "doc-1"}}, lastFilter)
}

func TestHTTPBackendBreakerOpens(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	h, err := NewHTTPBackend(HTTPConfig{
		Endpoint: srv.URL,
		CircuitBreaker: config.CircuitBreakerConfig{
			FailureThreshold: 2,
			Timeout:          time.Minute,
		},
	}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := h.Query(ctx, []float32{1}, Filter{BotID: "b"}, 1)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "503")
	}

	_, err = h.Query(ctx, []float32{1}, Filter{BotID: "b"}, 1)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(2), hits.Load())
}

func TestNewBackend(t *testing.T) {
	b, err := NewBackend(config.VectorConfig{Backend: "memory"}, nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryBackend{}, b)

	_, err = NewBackend(config.VectorConfig{Backend: "pgvector"}, nil, nil)
	assert.Error(t, err)

	_, err = NewBackend(config.VectorConfig{Backend: "http"}, nil, nil)
	assert.Error(t, err)

	_, err = NewBackend(config.VectorConfig{Backend: "faiss"}, nil, nil)
	assert.Error(t, err)
}
