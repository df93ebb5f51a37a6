package index

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"

	"docqa/internal/models"
)

// MemoryIndex is a brute-force cosine-similarity index. Used in tests and
// zero-infrastructure deployments; the production backend is QdrantIndex.
type MemoryIndex struct {
	mu    sync.RWMutex
	byDoc map[string][]memEntry
}

type memEntry struct {
	chunk  models.Chunk
	vector []float32
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{byDoc: make(map[string][]memEntry)}
}

func (m *MemoryIndex) Add(ctx context.Context, chunks []models.Chunk, vectors [][]float32) error {
	_ = ctx
	if len(chunks) != len(vectors) {
		return errors.New("chunks and vectors length mismatch")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, c := range chunks {
		m.byDoc[c.DocID] = append(m.byDoc[c.DocID], memEntry{chunk: c, vector: vectors[i]})
	}
	return nil
}

func (m *MemoryIndex) Search(ctx context.Context, docID string, vector []float32, limit int) ([]string, error) {
	_ = ctx
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := m.byDoc[docID]
	if len(entries) == 0 {
		return nil, nil
	}

	type scored struct {
		id    string
		score float64
	}
	scores := make([]scored, 0, len(entries))
	for _, e := range entries {
		scores = append(scores, scored{id: e.chunk.ID, score: cosine(e.vector, vector)})
	}
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].score > scores[j].score })

	if limit <= 0 || limit > len(scores) {
		limit = len(scores)
	}
	out := make([]string, 0, limit)
	for _, s := range scores[:limit] {
		out = append(out, s.id)
	}
	return out, nil
}

func (m *MemoryIndex) FetchDoc(ctx context.Context, docID string) ([]models.Chunk, error) {
	_ = ctx
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := m.byDoc[docID]
	out := make([]models.Chunk, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.chunk)
	}
	return out, nil
}

func (m *MemoryIndex) FetchByID(ctx context.Context, ids []string) (map[string]models.Chunk, error) {
	_ = ctx
	m.mu.RLock()
	defer m.mu.RUnlock()
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	out := make(map[string]models.Chunk, len(ids))
	for _, entries := range m.byDoc {
		for _, e := range entries {
			if _, ok := want[e.chunk.ID]; ok {
				out[e.chunk.ID] = e.chunk
			}
		}
	}
	return out, nil
}

func (m *MemoryIndex) DeletePage(ctx context.Context, docID string, pageNumber int) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.byDoc[docID]
	kept := entries[:0]
	for _, e := range entries {
		if e.chunk.PageNumber != pageNumber {
			kept = append(kept, e)
		}
	}
	m.byDoc[docID] = kept
	return nil
}

func (m *MemoryIndex) DeleteDoc(ctx context.Context, docID string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byDoc, docID)
	return nil
}

func cosine(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
