// Package processor turns a stored document into embedded, indexed chunks
package processor

import (
	"strings"

	"github.com/google/uuid"

	"github.com/developer-mesh/docmesh/internal/models"
)

// Default chunking parameters, in words
const (
	DefaultChunkSize    = 200
	DefaultChunkOverlap = 40
)

// FixedSizeChunker splits text into windows of Size words where consecutive
// windows share Overlap words.
type FixedSizeChunker struct {
	Size    int
	Overlap int
}

// NewFixedSizeChunker creates a chunker. Out-of-range values fall back to the
// defaults.
func NewFixedSizeChunker(size, overlap int) *FixedSizeChunker {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}
	return &FixedSizeChunker{Size: size, Overlap: overlap}
}

// Chunk splits text into pending chunks owned by doc, numbered from 0
func (f *FixedSizeChunker) Chunk(doc models.DocumentRef, text string) []*models.Chunk {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	step := f.Size - f.Overlap
	if step <= 0 {
		step = 1
	}

	var chunks []*models.Chunk
	for start := 0; start < len(words); start += step {
		end := start + f.Size
		if end > len(words) {
			end = len(words)
		}
		chunks = append(chunks, &models.Chunk{
			ID:         uuid.New(),
			DocumentID: doc.ID,
			BotID:      doc.BotID,
			Ordinal:    len(chunks),
			Content:    strings.Join(words[start:end], " "),
			TokenCount: end - start,
			Status:     models.ChunkPending,
		})
		// the last window already reached the end of the text
		if end == len(words) {
			break
		}
	}
	return chunks
}
