package processor

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/docmesh/internal/models"
)

func numberedWords(n int) string {
	words := make([]string, n)
	for i := range words {
		words[i] = "w" + strings.Repeat("x", i%3) + string(rune('a'+i%26))
	}
	return strings.Join(words, " ")
}

func TestFixedSizeChunker_Chunk(t *testing.T) {
	tests := []struct {
		name       string
		size       int
		overlap    int
		words      int
		wantChunks int
		wantLast   int
	}{
		{name: "small content - single chunk", size: 100, overlap: 10, words: 8, wantChunks: 1, wantLast: 8},
		{name: "overlapping windows", size: 10, overlap: 2, words: 50, wantChunks: 6, wantLast: 10},
		{name: "exact boundary", size: 10, overlap: 0, words: 30, wantChunks: 3, wantLast: 10},
		{name: "defaults", size: 200, overlap: 40, words: 450, wantChunks: 3, wantLast: 130},
		{name: "empty content", size: 10, overlap: 2, words: 0, wantChunks: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref := models.DocumentRef{ID: uuid.New(), BotID: uuid.New()}
			chunks := NewFixedSizeChunker(tt.size, tt.overlap).Chunk(ref, numberedWords(tt.words))
			require.Len(t, chunks, tt.wantChunks)

			for i, c := range chunks {
				assert.Equal(t, i, c.Ordinal)
				assert.Equal(t, ref.ID, c.DocumentID)
				assert.Equal(t, ref.BotID, c.BotID)
				assert.Equal(t, models.ChunkPending, c.Status)
				assert.Equal(t, len(strings.Fields(c.Content)), c.TokenCount)
			}
			if tt.wantChunks > 0 {
				assert.Equal(t, tt.wantLast, chunks[len(chunks)-1].TokenCount)
			}

			if tt.overlap > 0 && len(chunks) > 1 {
				first := strings.Fields(chunks[0].Content)
				second := strings.Fields(chunks[1].Content)
				assert.Equal(t, first[len(first)-tt.overlap:], second[:tt.overlap])
			}
		})
	}
}

func TestNewFixedSizeChunkerDefaults(t *testing.T) {
	c := NewFixedSizeChunker(0, -1)
	assert.Equal(t, DefaultChunkSize, c.Size)
	assert.Equal(t, 0, c.Overlap)

	c = NewFixedSizeChunker(10, 10)
	assert.Equal(t, 0, c.Overlap)
}

func TestParseText(t *testing.T) {
	text, err := ParseText(models.SourceTXT, []byte("hello\xffworld"))
	require.NoError(t, err)
	assert.Equal(t, "helloworld", text)

	text, err = ParseText(models.SourceWebpage, []byte("extracted page text"))
	require.NoError(t, err)
	assert.Equal(t, "extracted page text", text)

	_, err = ParseText(models.SourceTXT, []byte("  \n\t "))
	assert.True(t, errors.Is(err, ErrNoText))

	_, err = ParseText(models.SourcePDF, []byte("not a pdf"))
	assert.Error(t, err)

	_, err = ParseText(models.SourceType("xls"), []byte("x"))
	assert.Error(t, err)
}
