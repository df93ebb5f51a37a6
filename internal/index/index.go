package index

import (
	"context"
	"fmt"

	"docqa/internal/chunker"
	"docqa/internal/embedding"
	"docqa/internal/models"
)

// VectorIndex is the semantic half of the index pair. One index is shared by
// all documents; every operation is scoped by doc id.
type VectorIndex interface {
	Add(ctx context.Context, chunks []models.Chunk, vectors [][]float32) error
	// Search returns chunk ids ranked by similarity, best first.
	Search(ctx context.Context, docID string, vector []float32, limit int) ([]string, error)
	FetchDoc(ctx context.Context, docID string) ([]models.Chunk, error)
	FetchByID(ctx context.Context, ids []string) (map[string]models.Chunk, error)
	DeletePage(ctx context.Context, docID string, pageNumber int) error
	DeleteDoc(ctx context.Context, docID string) error
}

// Indexer owns the index pair plus the embedder and keeps the two halves
// consistent: every mutation invalidates the document's lexical cache.
type Indexer struct {
	vectors  VectorIndex
	lexical  *LexicalCache
	embedder embedding.Provider
}

func NewIndexer(vectors VectorIndex, lexical *LexicalCache, embedder embedding.Provider) *Indexer {
	return &Indexer{vectors: vectors, lexical: lexical, embedder: embedder}
}

func (ix *Indexer) Vectors() VectorIndex    { return ix.vectors }
func (ix *Indexer) Lexical() *LexicalCache  { return ix.lexical }
func (ix *Indexer) Embedder() embedding.Provider { return ix.embedder }

// IndexDocument runs the initial chunking pass over all extracted pages and
// writes the result to the vector index. Returns the indexed chunk count.
func (ix *Indexer) IndexDocument(ctx context.Context, b *chunker.Builder, docID string, pages []models.Page) (int, error) {
	b.SampleHeadersFooters(pages)

	var chunks []models.Chunk
	for _, page := range pages {
		if page.Text == "" && len(page.Lines) == 0 {
			continue
		}
		chunks = append(chunks, b.BuildPage(page)...)
	}
	if len(chunks) == 0 {
		return 0, nil
	}

	if err := ix.addChunks(ctx, chunks); err != nil {
		return 0, fmt.Errorf("index document %s: %w", docID, err)
	}
	ix.lexical.Invalidate(docID)
	return len(chunks), nil
}

// IndexRecognizedPage replaces a page's chunks with freshly recognized lines.
// The page's previous chunks are dropped first; block ids are always new.
func (ix *Indexer) IndexRecognizedPage(ctx context.Context, b *chunker.Builder, docID string, pageNumber int, lines []models.Line) ([]models.Chunk, error) {
	if err := ix.vectors.DeletePage(ctx, docID, pageNumber); err != nil {
		return nil, fmt.Errorf("drop page %d chunks: %w", pageNumber, err)
	}
	ix.lexical.Invalidate(docID)

	chunks := b.BuildRecognizedPage(pageNumber, lines)
	if len(chunks) == 0 {
		return nil, nil
	}
	if err := ix.addChunks(ctx, chunks); err != nil {
		return nil, fmt.Errorf("index recognized page %d: %w", pageNumber, err)
	}
	ix.lexical.Invalidate(docID)
	return chunks, nil
}

// DeleteDocument removes all index entries for the document and drops caches.
func (ix *Indexer) DeleteDocument(ctx context.Context, docID string) error {
	if err := ix.vectors.DeleteDoc(ctx, docID); err != nil {
		return fmt.Errorf("delete document %s from index: %w", docID, err)
	}
	ix.lexical.Invalidate(docID)
	return nil
}

func (ix *Indexer) addChunks(ctx context.Context, chunks []models.Chunk) error {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	vectors := embedding.EmbedOrFallback(ctx, ix.embedder, texts)
	return ix.vectors.Add(ctx, chunks, vectors)
}
