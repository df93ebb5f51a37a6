// Package registry owns the in-memory per-document state: the metadata
// record, the per-document lock, the chunk builder, and the bookkeeping the
// recognition pipeline needs (pending pages, cancellation).
package registry

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	"docqa/internal/chunker"
	"docqa/internal/models"
	"docqa/internal/storage"
)

// DocState is everything the engine holds in memory for one document. All
// fields except the builder are guarded by Mu; callers lock before reading
// or mutating and never hold the lock across network I/O.
type DocState struct {
	Mu sync.Mutex

	Doc     models.Document
	Builder *chunker.Builder
	Result  models.RecognitionResult

	pending   map[int]struct{}
	cancelGen uint64
	cleanup   []string
}

// MarkPending records pages as queued. Caller holds Mu.
func (d *DocState) MarkPending(pages []int) {
	if d.pending == nil {
		d.pending = make(map[int]struct{})
	}
	for _, p := range pages {
		d.pending[p] = struct{}{}
	}
}

// ClearPending drops one page from the queued set. Caller holds Mu.
func (d *DocState) ClearPending(page int) {
	delete(d.pending, page)
}

// IsPending reports whether a page sits in an unconsumed job. Caller holds Mu.
func (d *DocState) IsPending(page int) bool {
	_, ok := d.pending[page]
	return ok
}

// PendingCount reports how many pages sit in unconsumed jobs. Caller holds Mu.
func (d *DocState) PendingCount() int { return len(d.pending) }

// RequestCleanup schedules filesystem paths for removal once no pages
// remain pending, so source files outlive any in-flight recognition.
// Caller holds Mu.
func (d *DocState) RequestCleanup(paths ...string) {
	d.cleanup = append(d.cleanup, paths...)
}

// TakeCleanupIfIdle hands back the scheduled paths when the pending set is
// empty, clearing them. Caller holds Mu and removes the paths after
// unlocking.
func (d *DocState) TakeCleanupIfIdle() []string {
	if len(d.pending) != 0 || len(d.cleanup) == 0 {
		return nil
	}
	out := d.cleanup
	d.cleanup = nil
	return out
}

// RequestCancel bumps the cancel generation. Jobs capture the generation at
// enqueue time; a later bump tells the worker to abandon the job's remaining
// pages without touching jobs enqueued after the cancel. Caller holds Mu.
func (d *DocState) RequestCancel() { d.cancelGen++ }

// CancelGeneration reports the current generation. Caller holds Mu.
func (d *DocState) CancelGeneration() uint64 { return d.cancelGen }

// Registry maps doc ids to their live state, hydrating lazily from the
// store on first access.
type Registry struct {
	mu    sync.Mutex
	store storage.Store
	docs  map[string]*DocState
}

func New(store storage.Store) *Registry {
	return &Registry{store: store, docs: make(map[string]*DocState)}
}

func (r *Registry) Store() storage.Store { return r.store }

// Register installs a freshly uploaded document and persists it.
func (r *Registry) Register(ctx context.Context, doc models.Document) (*DocState, error) {
	if doc.PageOCRStatus == nil {
		doc.PageOCRStatus = make(map[int]models.PageStatus)
	}
	ApplyConsistentPages(&doc)

	st := &DocState{
		Doc:     doc,
		Builder: chunker.NewBuilder(doc.ID),
		Result:  models.RecognitionResult{DocID: doc.ID},
	}
	if err := r.store.UpsertDoc(ctx, st.Doc); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.docs[doc.ID] = st
	r.mu.Unlock()
	return st, nil
}

// EnsureLoaded returns the live state for a document, hydrating it from the
// store on first access. Hydration reconciles persisted state left by a
// crash: the recognition payload wins over the status map for "recognized",
// and pages stuck in "processing" drop back to "unrecognized" so they can
// be re-enqueued.
func (r *Registry) EnsureLoaded(ctx context.Context, docID string) (*DocState, error) {
	r.mu.Lock()
	if st, ok := r.docs[docID]; ok {
		r.mu.Unlock()
		return st, nil
	}
	r.mu.Unlock()

	doc, err := r.store.GetByDocID(ctx, docID)
	if err != nil {
		return nil, err
	}
	result, err := r.store.LoadRecognitionResult(ctx, docID)
	if err != nil {
		return nil, fmt.Errorf("hydrate %s: %w", docID, err)
	}

	if doc.PageOCRStatus == nil {
		doc.PageOCRStatus = make(map[int]models.PageStatus)
	}
	reconcile(&doc, &result)
	ApplyConsistentPages(&doc)

	builder := chunker.NewBuilder(doc.ID)
	// ChunkCount is cumulative across re-recognitions, so seeding from it keeps
	// block ids unique across restarts.
	builder.SeedBlockCounter(doc.ChunkCount)

	st := &DocState{
		Doc:     doc,
		Builder: builder,
		Result:  result,
	}

	r.mu.Lock()
	// Lost the race with a concurrent hydration; keep the first one.
	if existing, ok := r.docs[docID]; ok {
		r.mu.Unlock()
		return existing, nil
	}
	r.docs[docID] = st
	r.mu.Unlock()

	log.Printf("[registry] hydrated doc_id=%s pages=%d recognized=%d", docID, doc.TotalPages, len(doc.RecognizedPages))
	return st, nil
}

// Forget drops the in-memory state, typically after document deletion.
func (r *Registry) Forget(docID string) {
	r.mu.Lock()
	delete(r.docs, docID)
	r.mu.Unlock()
}

// SaveDoc re-derives the recognized/required sets and persists the record.
// Caller holds st.Mu.
func (r *Registry) SaveDoc(ctx context.Context, st *DocState) error {
	ApplyConsistentPages(&st.Doc)
	return r.store.UpsertDoc(ctx, st.Doc)
}

// SaveResult persists the recognition payload. Caller holds st.Mu.
func (r *Registry) SaveResult(ctx context.Context, st *DocState) error {
	return r.store.SaveRecognitionResult(ctx, st.Result)
}

// reconcile aligns a persisted status map with the recognition payload.
// A page with persisted recognized text is recognized no matter what the
// status map claims; a page stuck in processing was interrupted mid-run.
func reconcile(doc *models.Document, result *models.RecognitionResult) {
	for i := range result.Pages {
		rp := &result.Pages[i]
		if strings.TrimSpace(rp.MergedText) == "" && len(rp.Fragments) == 0 {
			continue
		}
		if doc.PageOCRStatus[rp.PageNumber] != models.StatusRecognized {
			log.Printf("[registry] reconcile doc_id=%s page=%d payload-recognized", doc.ID, rp.PageNumber)
			doc.PageOCRStatus[rp.PageNumber] = models.StatusRecognized
		}
	}
	for page, status := range doc.PageOCRStatus {
		if status == models.StatusProcessing {
			doc.PageOCRStatus[page] = models.StatusUnrecognized
		}
	}
}

// ApplyConsistentPages re-derives RecognizedPages and RequiredPages from the
// authoritative per-page status map so callers never see stale sets.
func ApplyConsistentPages(doc *models.Document) {
	recognized := make([]int, 0)
	required := make([]int, 0)
	for page, status := range doc.PageOCRStatus {
		if status == models.StatusRecognized {
			recognized = append(recognized, page)
		} else {
			required = append(required, page)
		}
	}
	sort.Ints(recognized)
	sort.Ints(required)
	doc.RecognizedPages = recognized
	doc.RequiredPages = required
}

// ConsistentRecognizedPages returns the freshly derived recognized set.
// Caller holds st.Mu.
func ConsistentRecognizedPages(st *DocState) []int {
	ApplyConsistentPages(&st.Doc)
	return st.Doc.RecognizedPages
}
