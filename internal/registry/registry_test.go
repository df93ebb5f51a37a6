package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"docqa/internal/models"
	"docqa/internal/storage"
	"docqa/internal/util"
)

func newTestRegistry(t *testing.T) (*Registry, *storage.FileStore) {
	t.Helper()
	store, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)
	return New(store), store
}

func TestRegisterAndEnsureLoadedReturnSameState(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t)

	st, err := r.Register(ctx, models.Document{ID: "doc-1", Name: "a.pdf", TotalPages: 2})
	require.NoError(t, err)

	again, err := r.EnsureLoaded(ctx, "doc-1")
	require.NoError(t, err)
	require.Same(t, st, again)
}

func TestEnsureLoadedUnknownDoc(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.EnsureLoaded(context.Background(), "missing")
	require.ErrorIs(t, err, util.ErrDocumentNotFound)
}

func TestHydrationPayloadWins(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)

	// Status map says unrecognized, but a persisted payload has text for
	// page 2: a crash happened between the payload write and the status
	// commit.
	require.NoError(t, store.UpsertDoc(ctx, models.Document{
		ID: "doc-1", Name: "a.pdf", TotalPages: 3,
		PageOCRStatus: map[int]models.PageStatus{
			1: models.StatusUnrecognized,
			2: models.StatusUnrecognized,
			3: models.StatusProcessing,
		},
	}))
	require.NoError(t, store.SaveRecognitionResult(ctx, models.RecognitionResult{
		DocID: "doc-1",
		Pages: []models.RecognizedPage{{PageNumber: 2, Provider: "remote", MergedText: "page two text"}},
	}))

	r := New(store)
	st, err := r.EnsureLoaded(ctx, "doc-1")
	require.NoError(t, err)

	require.Equal(t, models.StatusRecognized, st.Doc.PageOCRStatus[2])
	// Interrupted processing pages come back re-enqueueable.
	require.Equal(t, models.StatusUnrecognized, st.Doc.PageOCRStatus[3])
	require.Equal(t, []int{2}, st.Doc.RecognizedPages)
	require.Equal(t, []int{1, 3}, st.Doc.RequiredPages)
}

func TestHydrationIgnoresEmptyPayloadPages(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.UpsertDoc(ctx, models.Document{
		ID: "doc-1", Name: "a.pdf", TotalPages: 1,
		PageOCRStatus: map[int]models.PageStatus{1: models.StatusFailed},
	}))
	require.NoError(t, store.SaveRecognitionResult(ctx, models.RecognitionResult{
		DocID: "doc-1",
		Pages: []models.RecognizedPage{{PageNumber: 1, Provider: "remote"}},
	}))

	r := New(store)
	st, err := r.EnsureLoaded(ctx, "doc-1")
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, st.Doc.PageOCRStatus[1])
}

func TestHydrationSeedsBlockCounter(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)

	// Five chunks already live in the index from before the restart.
	require.NoError(t, store.UpsertDoc(ctx, models.Document{
		ID: "doc-1", Name: "a.pdf", TotalPages: 2, ChunkCount: 5,
		PageOCRStatus: map[int]models.PageStatus{2: models.StatusUnrecognized},
	}))

	r := New(store)
	st, err := r.EnsureLoaded(ctx, "doc-1")
	require.NoError(t, err)

	chunks := st.Builder.BuildRecognizedPage(2, []models.Line{
		{Text: "freshly recognized content for page two", BBox: models.BBox{X: 40, Y: 100, W: 400, H: 16}},
	})
	require.Len(t, chunks, 1)
	require.Equal(t, "b0006", chunks[0].BlockID)
}

func TestConsistentPagesRederive(t *testing.T) {
	st := &DocState{Doc: models.Document{
		ID: "doc-1",
		PageOCRStatus: map[int]models.PageStatus{
			3: models.StatusRecognized,
			1: models.StatusRecognized,
			2: models.StatusFailed,
		},
		// Stale derived sets on purpose.
		RecognizedPages: []int{2},
	}}

	got := ConsistentRecognizedPages(st)
	require.Equal(t, []int{1, 3}, got)
	require.Equal(t, []int{2}, st.Doc.RequiredPages)
}

func TestPendingAndCancelBookkeeping(t *testing.T) {
	st := &DocState{}
	st.Mu.Lock()
	defer st.Mu.Unlock()

	st.MarkPending([]int{1, 2})
	require.True(t, st.IsPending(1))
	st.ClearPending(1)
	require.False(t, st.IsPending(1))
	require.True(t, st.IsPending(2))

	gen := st.CancelGeneration()
	st.RequestCancel()
	require.NotEqual(t, gen, st.CancelGeneration())
	// Another cancel stales jobs captured between the two.
	mid := st.CancelGeneration()
	st.RequestCancel()
	require.NotEqual(t, mid, st.CancelGeneration())
}

func TestCleanupDeferredUntilIdle(t *testing.T) {
	st := &DocState{}
	st.Mu.Lock()
	defer st.Mu.Unlock()

	st.MarkPending([]int{1})
	st.RequestCleanup("/tmp/doc.pdf", "/tmp/pages")

	// Nothing released while a page is still pending.
	require.Nil(t, st.TakeCleanupIfIdle())

	st.ClearPending(1)
	require.Equal(t, []string{"/tmp/doc.pdf", "/tmp/pages"}, st.TakeCleanupIfIdle())
	require.Nil(t, st.TakeCleanupIfIdle())
}

func TestForgetDropsState(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t)

	st, err := r.Register(ctx, models.Document{ID: "doc-1", Name: "a.pdf"})
	require.NoError(t, err)
	r.Forget("doc-1")

	again, err := r.EnsureLoaded(ctx, "doc-1")
	require.NoError(t, err)
	require.NotSame(t, st, again)
}
