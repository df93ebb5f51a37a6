// Package pipeline runs asynchronous page recognition: a FIFO job queue
// consumed by a single worker that drives each page through the
// unrecognized -> processing -> recognized|failed state machine and feeds
// recognized text back into the index.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"docqa/internal/index"
	"docqa/internal/models"
	"docqa/internal/ocr"
	"docqa/internal/registry"
	"docqa/internal/util"
)

// Fallback page dimensions when a provider needs them and the renderer
// recorded none. A4 in PDF points.
const (
	defaultPageWidth  = 595.0
	defaultPageHeight = 842.0
)

const DefaultQueueDepth = 256

// Pipeline owns the job queue and the ordered provider chain. Providers are
// tried in order; an authentication failure takes a provider out of the
// running for the rest of the current job.
type Pipeline struct {
	reg       *registry.Registry
	indexer   *index.Indexer
	providers []ocr.Provider
	imageDir  string

	jobs chan models.RecognitionJob
	wg   sync.WaitGroup
	once sync.Once
}

func New(reg *registry.Registry, indexer *index.Indexer, providers []ocr.Provider, imageDir string, queueDepth int) *Pipeline {
	if queueDepth <= 0 {
		queueDepth = DefaultQueueDepth
	}
	return &Pipeline{
		reg:       reg,
		indexer:   indexer,
		providers: providers,
		imageDir:  imageDir,
		jobs:      make(chan models.RecognitionJob, queueDepth),
	}
}

// PageImagePath is where the renderer leaves each page raster and where the
// pipeline picks it up.
func PageImagePath(imageDir, docID string, page int) string {
	return filepath.Join(imageDir, docID, fmt.Sprintf("page-%04d.png", page))
}

// Start launches the single queue consumer. One worker by design: page
// recognition is provider-bound, and a single consumer keeps job order FIFO
// without cross-document interleaving.
func (p *Pipeline) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case job, ok := <-p.jobs:
				if !ok {
					return
				}
				p.runJob(ctx, job)
			}
		}
	}()
}

// Stop closes the queue and waits for the in-flight job to finish.
func (p *Pipeline) Stop() {
	p.once.Do(func() { close(p.jobs) })
	p.wg.Wait()
}

// Enqueue validates and queues a recognition job. Pages out of range are
// rejected before any state changes. Pages already recognized, currently
// processing, or sitting in an earlier unconsumed job are filtered out, so
// repeated enqueues are idempotent. Returns the pages actually accepted;
// an empty slice is informational, not an error.
func (p *Pipeline) Enqueue(ctx context.Context, docID string, pages []int, sourceTag string) ([]int, error) {
	st, err := p.reg.EnsureLoaded(ctx, docID)
	if err != nil {
		return nil, err
	}

	for _, page := range pages {
		if page < 1 || page > st.Doc.TotalPages {
			return nil, fmt.Errorf("page %d of %d: %w", page, st.Doc.TotalPages, util.ErrPageOutOfRange)
		}
	}

	st.Mu.Lock()
	seen := make(map[int]struct{}, len(pages))
	accepted := make([]int, 0, len(pages))
	for _, page := range pages {
		if _, dup := seen[page]; dup {
			continue
		}
		seen[page] = struct{}{}

		switch st.Doc.PageOCRStatus[page] {
		case models.StatusRecognized, models.StatusProcessing:
			continue
		}
		if st.IsPending(page) {
			continue
		}
		if _, tracked := st.Doc.PageOCRStatus[page]; !tracked {
			st.Doc.PageOCRStatus[page] = models.StatusUnrecognized
		}
		accepted = append(accepted, page)
	}
	if len(accepted) == 0 {
		st.Mu.Unlock()
		return []int{}, nil
	}
	sort.Ints(accepted)
	st.MarkPending(accepted)
	gen := st.CancelGeneration()
	st.Mu.Unlock()

	job := models.RecognitionJob{DocID: docID, Pages: accepted, SourceTag: sourceTag, CancelGen: gen}
	select {
	case p.jobs <- job:
	default:
		st.Mu.Lock()
		for _, page := range accepted {
			st.ClearPending(page)
		}
		st.Mu.Unlock()
		return nil, fmt.Errorf("recognition queue full")
	}

	log.Printf("[pipeline] enqueued doc_id=%s pages=%v source=%s", docID, accepted, sourceTag)
	return accepted, nil
}

// Cancel bumps the document's cancel generation, staling every job enqueued
// before this moment; the worker releases their remaining pages back to
// unrecognized when it reaches them. Jobs enqueued afterwards are unaffected.
func (p *Pipeline) Cancel(ctx context.Context, docID string) error {
	st, err := p.reg.EnsureLoaded(ctx, docID)
	if err != nil {
		return err
	}
	st.Mu.Lock()
	st.RequestCancel()
	st.Mu.Unlock()
	log.Printf("[pipeline] cancel requested doc_id=%s", docID)
	return nil
}

// runJob processes one job to completion. A panic or a failing page never
// escapes: the queue must keep serving other documents, and a panicking page
// releases the rest of the job instead of leaving it wedged in processing.
func (p *Pipeline) runJob(ctx context.Context, job models.RecognitionJob) {
	st, err := p.reg.EnsureLoaded(ctx, job.DocID)
	if err != nil {
		log.Printf("[pipeline] job dropped doc_id=%s: %v", job.DocID, err)
		return
	}
	defer p.sweep(st)

	reached := 0
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[pipeline] job panic doc_id=%s: %v", job.DocID, r)
			st.Mu.Lock()
			p.releaseLocked(ctx, st, job.Pages[reached:])
			st.Mu.Unlock()
		}
	}()

	// Names of providers whose credentials failed during this job.
	authFailed := make(map[string]bool)

	for i, page := range job.Pages {
		reached = i

		// Phase 1: mark the page processing under the lock, then let go of
		// it before any network I/O.
		st.Mu.Lock()
		if st.CancelGeneration() != job.CancelGen {
			p.releaseLocked(ctx, st, job.Pages[i:])
			st.Mu.Unlock()
			log.Printf("[pipeline] job cancelled doc_id=%s released=%v", job.DocID, job.Pages[i:])
			return
		}
		st.ClearPending(page)
		switch st.Doc.PageOCRStatus[page] {
		case models.StatusRecognized, models.StatusProcessing:
			st.Mu.Unlock()
			continue
		}
		st.Doc.PageOCRStatus[page] = models.StatusProcessing
		if err := p.reg.SaveDoc(ctx, st); err != nil {
			log.Printf("[pipeline] persist processing doc_id=%s page=%d: %v", job.DocID, page, err)
		}
		st.Mu.Unlock()

		// Phase 2: recognition and indexing, no lock held.
		fragments, providerName := p.recognize(ctx, job.DocID, page, authFailed)
		merged := ocr.MergeFragments(fragments)

		var chunks []models.Chunk
		var indexErr error
		if len(merged) > 0 {
			lines := ocr.LinesFromFragments(merged)
			chunks, indexErr = p.indexer.IndexRecognizedPage(ctx, st.Builder, job.DocID, page, lines)
		}
		if indexErr == nil && len(chunks) == 0 {
			indexErr = util.ErrEmptyRecognition
		}

		// Phase 3: commit under the lock.
		st.Mu.Lock()
		if st.CancelGeneration() != job.CancelGen {
			st.Doc.PageOCRStatus[page] = models.StatusUnrecognized
			p.releaseLocked(ctx, st, job.Pages[i+1:])
			st.Mu.Unlock()
			log.Printf("[pipeline] job cancelled doc_id=%s mid-page=%d", job.DocID, page)
			return
		}

		switch {
		case indexErr != nil:
			st.Doc.PageOCRStatus[page] = models.StatusFailed
			log.Printf("[pipeline] page failed doc_id=%s page=%d: %v", job.DocID, page, indexErr)
		default:
			st.Doc.PageOCRStatus[page] = models.StatusRecognized
			st.Doc.ChunkCount += len(chunks)
			st.Result.SetPage(models.RecognizedPage{
				PageNumber: page,
				Provider:   providerName,
				Fragments:  merged,
				MergedText: ocr.MergedText(merged),
			})
			if err := p.reg.SaveResult(ctx, st); err != nil {
				log.Printf("[pipeline] persist result doc_id=%s page=%d: %v", job.DocID, page, err)
			}
			log.Printf("[pipeline] page recognized doc_id=%s page=%d provider=%s chunks=%d", job.DocID, page, providerName, len(chunks))
		}
		if err := p.reg.SaveDoc(ctx, st); err != nil {
			log.Printf("[pipeline] persist status doc_id=%s page=%d: %v", job.DocID, page, err)
		}
		st.Mu.Unlock()
	}
}

// releaseLocked returns not-yet-processed pages to unrecognized and
// persists. Caller holds st.Mu.
func (p *Pipeline) releaseLocked(ctx context.Context, st *registry.DocState, pages []int) {
	for _, page := range pages {
		st.ClearPending(page)
		if st.Doc.PageOCRStatus[page] == models.StatusProcessing {
			st.Doc.PageOCRStatus[page] = models.StatusUnrecognized
		}
	}
	if err := p.reg.SaveDoc(ctx, st); err != nil {
		log.Printf("[pipeline] persist release doc_id=%s: %v", st.Doc.ID, err)
	}
}

// sweep removes source files whose deletion was deferred while recognition
// was still pending for the document.
func (p *Pipeline) sweep(st *registry.DocState) {
	st.Mu.Lock()
	paths := st.TakeCleanupIfIdle()
	st.Mu.Unlock()
	for _, path := range paths {
		if err := os.RemoveAll(path); err != nil {
			log.Printf("[pipeline] deferred cleanup %s: %v", path, err)
		}
	}
}

// recognize walks the provider chain for one page. Providers that failed
// authentication earlier in the job are skipped outright; any other failure
// or empty output moves on to the next provider for this page only.
func (p *Pipeline) recognize(ctx context.Context, docID string, page int, authFailed map[string]bool) ([]models.RecognizedFragment, string) {
	req := ocr.Request{
		ImagePath:  PageImagePath(p.imageDir, docID, page),
		PageNumber: page,
		PageWidth:  defaultPageWidth,
		PageHeight: defaultPageHeight,
	}

	for _, provider := range p.providers {
		if authFailed[provider.Name()] {
			continue
		}
		fragments, kind, err := provider.Process(ctx, req)
		if err != nil {
			if kind == ocr.FailureAuth {
				authFailed[provider.Name()] = true
				log.Printf("[pipeline] provider auth failed doc_id=%s provider=%s, skipping for rest of job", docID, provider.Name())
			} else {
				log.Printf("[pipeline] provider error doc_id=%s page=%d provider=%s: %v", docID, page, provider.Name(), err)
			}
			continue
		}
		if len(fragments) == 0 {
			log.Printf("[pipeline] provider empty doc_id=%s page=%d provider=%s", docID, page, provider.Name())
			continue
		}
		return fragments, provider.Name()
	}
	return nil, ""
}
