package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/docmesh/internal/config"
)

func openAIServer(t *testing.T, handler http.HandlerFunc) (*OpenAIEmbedder, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	e, err := NewOpenAIEmbedder(OpenAIConfig{
		Endpoint:     srv.URL + "/v1",
		APIKey:       "sk-test",
		Model:        "text-embedding-3-small",
		Dimensions:   3,
		RateLimitRPM: 600000,
		CircuitBreaker: config.CircuitBreakerConfig{
			FailureThreshold: 2,
			Timeout:          time.Minute,
		},
	}, nil)
	require.NoError(t, err)
	return e, srv
}

func TestOpenAIEmbedReordersByIndex(t *testing.T) {
	e, _ := openAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req openAIRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"a", "b"}, req.Input)
		assert.Equal(t, 3, req.Dimensions)

		_, _ = w.Write([]byte(`{"data":[
			{"embedding":[0,1,0],"index":1},
			{"embedding":[1,0,0],"index":0}
		],"usage":{"total_tokens":2}}`))
	})

	vectors, err := e.Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 0, 0}, {0, 1, 0}}, vectors)
	assert.Equal(t, 3, e.Dimensions())
}

func TestOpenAIEmbedErrors(t *testing.T) {
	var hits atomic.Int32
	e, _ := openAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"Rate limit reached","type":"requests"}}`))
	})
	ctx := context.Background()

	_, err := e.Embed(ctx, []string{"a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
	assert.Contains(t, err.Error(), "Rate limit reached")

	_, err = e.Embed(ctx, []string{"a"})
	require.Error(t, err)

	_, err = e.Embed(ctx, []string{"a"})
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(2), hits.Load())

	_, err = e.Embed(ctx, nil)
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestOpenAIRequiresKey(t *testing.T) {
	_, err := NewOpenAIEmbedder(OpenAIConfig{}, nil)
	assert.Error(t, err)
}

type mockBedrock struct {
	mock.Mock
}

func (m *mockBedrock) InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error) {
	args := m.Called(ctx, params)
	if out := args.Get(0); out != nil {
		return out.(*bedrockruntime.InvokeModelOutput), args.Error(1)
	}
	return nil, args.Error(1)
}

func titanInput(text string) interface{} {
	return mock.MatchedBy(func(in *bedrockruntime.InvokeModelInput) bool {
		var req titanRequest
		return json.Unmarshal(in.Body, &req) == nil && req.InputText == text && *in.ModelId == defaultTitanModel
	})
}

func TestBedrockEmbed(t *testing.T) {
	client := &mockBedrock{}
	client.On("InvokeModel", mock.Anything, titanInput("first")).
		Return(&bedrockruntime.InvokeModelOutput{Body: []byte(`{"embedding":[0.1,0.2],"inputTextTokenCount":1}`)}, nil)
	client.On("InvokeModel", mock.Anything, titanInput("second")).
		Return(&bedrockruntime.InvokeModelOutput{Body: []byte(`{"embedding":[0.3,0.4],"inputTextTokenCount":1}`)}, nil)

	e := NewBedrockEmbedder(client, "", 2, nil)
	vectors, err := e.Embed(context.Background(), []string{"first", "second"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{0.1, 0.2}, {0.3, 0.4}}, vectors)
	client.AssertNumberOfCalls(t, "InvokeModel", 2)
}

func TestBedrockEmbedError(t *testing.T) {
	client := &mockBedrock{}
	client.On("InvokeModel", mock.Anything, mock.Anything).Return(nil, errors.New("throttled"))

	_, err := NewBedrockEmbedder(client, "", 2, nil).Embed(context.Background(), []string{"x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "throttled")
}

func TestHashEmbedder(t *testing.T) {
	h := NewHashEmbedder(64)
	vectors, err := h.Embed(context.Background(), []string{"the quick brown fox", "the quick brown fox", "completely unrelated words"})
	require.NoError(t, err)
	require.Len(t, vectors, 3)
	assert.Len(t, vectors[0], 64)
	assert.Equal(t, vectors[0], vectors[1])
	assert.NotEqual(t, vectors[0], vectors[2])

	var norm float32
	for _, x := range vectors[0] {
		norm += x * x
	}
	assert.InDelta(t, 1.0, norm, 1e-5)

	empty, err := h.Embed(context.Background(), []string{""})
	require.NoError(t, err)
	assert.Len(t, empty[0], 64)
}

type countingEmbedder struct {
	*HashEmbedder
	calls []int
	fail  bool
}

func (c *countingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	c.calls = append(c.calls, len(texts))
	if c.fail {
		return [][]float32{{1}}, nil
	}
	return c.HashEmbedder.Embed(ctx, texts)
}

func TestEmbedInBatches(t *testing.T) {
	e := &countingEmbedder{HashEmbedder: NewHashEmbedder(8)}
	texts := make([]string, 37)
	for i := range texts {
		texts[i] = "chunk"
	}

	vectors, err := EmbedInBatches(context.Background(), e, texts, 16)
	require.NoError(t, err)
	assert.Len(t, vectors, 37)
	assert.Equal(t, []int{16, 16, 5}, e.calls)

	_, err = EmbedInBatches(context.Background(), e, nil, 16)
	assert.ErrorIs(t, err, ErrEmptyInput)

	short := &countingEmbedder{HashEmbedder: NewHashEmbedder(8), fail: true}
	_, err = EmbedInBatches(context.Background(), short, []string{"a", "b"}, 16)
	assert.Error(t, err)
}

func TestNewFromConfig(t *testing.T) {
	e, err := New(context.Background(), config.EmbeddingConfig{Provider: "hash", Dimensions: 32}, config.AWSConfig{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 32, e.Dimensions())

	_, err = New(context.Background(), config.EmbeddingConfig{Provider: "openai"}, config.AWSConfig{}, nil)
	assert.Error(t, err)

	_, err = New(context.Background(), config.EmbeddingConfig{Provider: "word2vec"}, config.AWSConfig{}, nil)
	assert.Error(t, err)
}
