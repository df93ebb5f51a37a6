package index

import (
	"context"
	"testing"

	"docqa/internal/models"

	"github.com/stretchr/testify/require"
)

func TestMemoryIndexSearchScopedByDoc(t *testing.T) {
	v := NewMemoryIndex()
	ctx := context.Background()
	require.NoError(t, v.Add(ctx, []models.Chunk{
		{ID: "a_b0001", DocID: "a", PageNumber: 1, Content: "alpha"},
		{ID: "b_b0001", DocID: "b", PageNumber: 1, Content: "beta"},
	}, [][]float32{{1, 0}, {1, 0}}))

	ids, err := v.Search(ctx, "a", []float32{1, 0}, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"a_b0001"}, ids)
}

func TestMemoryIndexSearchRanksByCosine(t *testing.T) {
	v := NewMemoryIndex()
	ctx := context.Background()
	require.NoError(t, v.Add(ctx, []models.Chunk{
		{ID: "d_b0001", DocID: "d", PageNumber: 1},
		{ID: "d_b0002", DocID: "d", PageNumber: 2},
	}, [][]float32{{1, 0}, {0, 1}}))

	ids, err := v.Search(ctx, "d", []float32{0.1, 0.9}, 1)
	require.NoError(t, err)
	require.Equal(t, []string{"d_b0002"}, ids)
}

func TestMemoryIndexDeletePage(t *testing.T) {
	v := NewMemoryIndex()
	ctx := context.Background()
	require.NoError(t, v.Add(ctx, []models.Chunk{
		{ID: "d_b0001", DocID: "d", PageNumber: 1},
		{ID: "d_b0002", DocID: "d", PageNumber: 2},
	}, [][]float32{{1, 0}, {0, 1}}))

	require.NoError(t, v.DeletePage(ctx, "d", 1))
	chunks, err := v.FetchDoc(ctx, "d")
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	require.Equal(t, "d_b0002", chunks[0].ID)
}

func TestMemoryIndexDeleteDoc(t *testing.T) {
	v := NewMemoryIndex()
	ctx := context.Background()
	require.NoError(t, v.Add(ctx, []models.Chunk{{ID: "d_b0001", DocID: "d", PageNumber: 1}}, [][]float32{{1}}))
	require.NoError(t, v.DeleteDoc(ctx, "d"))
	chunks, err := v.FetchDoc(ctx, "d")
	require.NoError(t, err)
	require.Empty(t, chunks)
}

func TestFetchByID(t *testing.T) {
	v := NewMemoryIndex()
	ctx := context.Background()
	require.NoError(t, v.Add(ctx, []models.Chunk{
		{ID: "d_b0001", DocID: "d", PageNumber: 1, Content: "one"},
		{ID: "d_b0002", DocID: "d", PageNumber: 2, Content: "two"},
	}, [][]float32{{1, 0}, {0, 1}}))

	got, err := v.FetchByID(ctx, []string{"d_b0002", "d_missing"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "two", got["d_b0002"].Content)
}
