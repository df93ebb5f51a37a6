package retriever

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"docqa/internal/embedding"
	"docqa/internal/index"
	"docqa/internal/models"
)

func seedIndex(t *testing.T, mem *index.MemoryIndex, embedder embedding.Provider, chunks []models.Chunk) {
	t.Helper()
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	vecs, err := embedder.Embed(context.Background(), texts)
	require.NoError(t, err)
	require.NoError(t, mem.Add(context.Background(), chunks, vecs))
}

func invoiceChunks(docID string) []models.Chunk {
	return []models.Chunk{
		{
			ID: docID + "-b0001", BlockID: "b0001", DocID: docID, PageNumber: 1,
			Content: "Invoice #1002\nTotal amount due $500\nThank you for your business",
			BBox:    models.BBox{X: 40, Y: 100, W: 520, H: 90},
			LineBBoxes: []models.BBox{
				{X: 40, Y: 100, W: 200, H: 20},
				{X: 40, Y: 130, W: 260, H: 20},
				{X: 40, Y: 160, W: 320, H: 20},
			},
			SourceKind: "native",
		},
		{
			ID: docID + "-b0002", BlockID: "b0002", DocID: docID, PageNumber: 2,
			Content:    "Shipping terms and delivery schedule for the order",
			BBox:       models.BBox{X: 40, Y: 100, W: 500, H: 40},
			SourceKind: "native",
		},
		{
			ID: docID + "-b0003", BlockID: "b0003", DocID: docID, PageNumber: 3,
			Content:    "Warranty coverage applies for twelve months after purchase",
			BBox:       models.BBox{X: 40, Y: 100, W: 500, H: 40},
			SourceKind: "native",
		},
	}
}

func newTestRetriever(t *testing.T, chunks []models.Chunk) *Retriever {
	t.Helper()
	mem := index.NewMemoryIndex()
	embedder := embedding.NewMockProvider(64)
	seedIndex(t, mem, embedder, chunks)
	return New(embedder, mem, index.NewLexicalCache())
}

func TestRetrieveRanksLexicalMatchFirst(t *testing.T) {
	r := newTestRetriever(t, invoiceChunks("doc-a"))

	res, err := r.Retrieve(context.Background(), "Total $500", "doc-a", Options{TopK: 3})
	require.NoError(t, err)
	require.NotEmpty(t, res.Chunks)
	require.Equal(t, "b0001", res.Chunks[0].BlockID)
	require.Equal(t, 1, res.Chunks[0].PageNumber)
}

func TestRetrieveRefinesBBoxToMatchingLine(t *testing.T) {
	chunks := invoiceChunks("doc-b")
	r := newTestRetriever(t, chunks)

	res, err := r.Retrieve(context.Background(), "Total $500", "doc-b", Options{TopK: 1})
	require.NoError(t, err)
	require.Len(t, res.Chunks, 1)

	// The "Total amount due $500" line, not the three-line envelope.
	require.Equal(t, chunks[0].LineBBoxes[1], res.Chunks[0].BBox)
}

func TestRetrieveKeepsEnvelopeWithoutLineGeometry(t *testing.T) {
	r := newTestRetriever(t, invoiceChunks("doc-c"))

	res, err := r.Retrieve(context.Background(), "warranty coverage months", "doc-c", Options{TopK: 1})
	require.NoError(t, err)
	require.Len(t, res.Chunks, 1)
	require.Equal(t, "b0003", res.Chunks[0].BlockID)
	require.Equal(t, models.BBox{X: 40, Y: 100, W: 500, H: 40}, res.Chunks[0].BBox)
}

func TestRetrieveEmptyAllowedPages(t *testing.T) {
	r := newTestRetriever(t, invoiceChunks("doc-d"))

	res, err := r.Retrieve(context.Background(), "total", "doc-d", Options{
		TopK:            5,
		PagesRestricted: true,
		AllowedPages:    nil,
	})
	require.NoError(t, err)
	require.Empty(t, res.Chunks)
	require.Equal(t, ReasonNoAllowedPages, res.Reason)
}

func TestRetrieveAllowedPagesFilter(t *testing.T) {
	r := newTestRetriever(t, invoiceChunks("doc-e"))

	res, err := r.Retrieve(context.Background(), "order", "doc-e", Options{
		TopK:            5,
		PagesRestricted: true,
		AllowedPages:    []int{2},
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.Chunks)
	for _, c := range res.Chunks {
		require.Equal(t, 2, c.PageNumber)
	}
}

func TestRetrieveAllowedPagesNoMatch(t *testing.T) {
	r := newTestRetriever(t, invoiceChunks("doc-f"))

	res, err := r.Retrieve(context.Background(), "total", "doc-f", Options{
		TopK:            5,
		PagesRestricted: true,
		AllowedPages:    []int{99},
	})
	require.NoError(t, err)
	require.Empty(t, res.Chunks)
	require.Equal(t, ReasonNoMatch, res.Reason)
}

func TestRetrievePageCoverage(t *testing.T) {
	r := newTestRetriever(t, invoiceChunks("doc-g"))

	res, err := r.Retrieve(context.Background(), "invoice", "doc-g", Options{
		TopK:               3,
		PagesRestricted:    true,
		AllowedPages:       []int{3, 1, 2},
		EnsurePageCoverage: true,
	})
	require.NoError(t, err)
	require.Len(t, res.Chunks, 3)

	pages := []int{res.Chunks[0].PageNumber, res.Chunks[1].PageNumber, res.Chunks[2].PageNumber}
	require.Equal(t, []int{1, 2, 3}, pages)
}

func TestRetrieveRefIDsSequential(t *testing.T) {
	r := newTestRetriever(t, invoiceChunks("doc-h"))

	res, err := r.Retrieve(context.Background(), "invoice order warranty", "doc-h", Options{TopK: 3})
	require.NoError(t, err)
	require.Len(t, res.Chunks, 3)
	for i, c := range res.Chunks {
		require.Equalf(t, fmt.Sprintf("ref-%d", i+1), c.RefID, "chunk %d", i)
	}
}

func TestFuseRRFPrefersDualRanked(t *testing.T) {
	fused, scores := fuseRRF(
		[]string{"a", "b", "c"},
		[]string{"c", "d"},
	)
	require.Equal(t, "c", fused[0])
	require.Len(t, fused, 4)
	require.InDelta(t, 1.0/61+1.0/63, scores["c"], 1e-9)
}

func TestRetrieveCarriesFusedScores(t *testing.T) {
	r := newTestRetriever(t, invoiceChunks("doc-i"))

	res, err := r.Retrieve(context.Background(), "Total $500", "doc-i", Options{TopK: 3})
	require.NoError(t, err)
	require.NotEmpty(t, res.Chunks)
	for _, c := range res.Chunks {
		require.Greater(t, c.Score, 0.0)
	}
}
