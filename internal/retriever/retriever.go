package retriever

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"sort"
	"strings"

	"docqa/internal/chunker"
	"docqa/internal/embedding"
	"docqa/internal/index"
	"docqa/internal/models"
)

// RRFDamping is the reciprocal-rank-fusion constant. Tuned value from
// production, no documented derivation.
const RRFDamping = 60

// Coverage mode only engages for reasonably small page sets; beyond this it
// degrades to plain fused ranking.
const maxCoveragePages = 20

// Machine-distinguishable reasons for an empty result, so callers can render
// an actionable hint instead of a blank answer.
const (
	ReasonNoAllowedPages = "no_allowed_pages"
	ReasonNoMatch        = "allowed_pages_but_no_match"
)

// Options control one retrieval call. A nil AllowedPages means unrestricted;
// an explicitly empty set short-circuits to zero results (this is how "no
// recognized pages yet" is expressed without a separate sentinel).
type Options struct {
	TopK               int
	AllowedPages       []int
	PagesRestricted    bool
	EnsurePageCoverage bool
}

// Result carries the ranked chunks plus the empty-result reason when Chunks
// is empty.
type Result struct {
	Chunks []models.RetrievedChunk
	Reason string
}

// Retriever fuses semantic and lexical search over the index pair.
type Retriever struct {
	embedder embedding.Provider
	vectors  index.VectorIndex
	lexical  *index.LexicalCache
}

func New(embedder embedding.Provider, vectors index.VectorIndex, lexical *index.LexicalCache) *Retriever {
	return &Retriever{embedder: embedder, vectors: vectors, lexical: lexical}
}

// Retrieve runs the hybrid query and returns up to TopK chunks with
// sequential ref ids and line-refined bounding boxes.
func (r *Retriever) Retrieve(ctx context.Context, query, docID string, opts Options) (Result, error) {
	topK := opts.TopK
	if topK <= 0 {
		topK = 5
	}

	allowed := make(map[int]struct{}, len(opts.AllowedPages))
	for _, p := range opts.AllowedPages {
		allowed[p] = struct{}{}
	}
	if opts.PagesRestricted && len(allowed) == 0 {
		return Result{Reason: ReasonNoAllowedPages}, nil
	}

	allowedList := make([]int, 0, len(allowed))
	for p := range allowed {
		allowedList = append(allowedList, p)
	}
	sort.Ints(allowedList)

	coverage := opts.EnsurePageCoverage && opts.PagesRestricted &&
		len(allowedList) > 0 && len(allowedList) <= maxCoveragePages
	if coverage && len(allowedList) > topK {
		log.Printf("[retriever] page_coverage_limited doc_id=%s allowed_pages=%d top_k=%d", docID, len(allowedList), topK)
	}

	queryVec := embedding.EmbedOrFallback(ctx, r.embedder, []string{query})[0]

	// Pull enough candidates so noise filtering and page restriction can
	// still fill top_k afterwards.
	kCandidates := max(topK*10, 50)

	vectorIDs, err := r.vectors.Search(ctx, docID, queryVec, kCandidates)
	if err != nil {
		return Result{}, fmt.Errorf("vector search: %w", err)
	}

	lexicalIDs, err := r.lexical.Rank(ctx, docID, query, kCandidates, index.FetchFromVectors(r.vectors))
	if err != nil {
		return Result{}, fmt.Errorf("lexical search: %w", err)
	}

	fusedIDs, fusedScores := fuseRRF(vectorIDs, lexicalIDs)
	if len(fusedIDs) == 0 {
		return Result{Reason: ReasonNoMatch}, nil
	}

	candidateLimit := max(topK*20, 200)
	if len(fusedIDs) > candidateLimit {
		fusedIDs = fusedIDs[:candidateLimit]
	}

	records, err := r.vectors.FetchByID(ctx, fusedIDs)
	if err != nil {
		return Result{}, fmt.Errorf("materialize candidates: %w", err)
	}

	var candidates []models.Chunk
	for _, id := range fusedIDs {
		c, ok := records[id]
		if !ok {
			continue
		}
		// Defensive re-check: stale entries may predate tighter filters.
		if chunker.IsLowValueText(c.Content) {
			continue
		}
		if opts.PagesRestricted {
			if _, ok := allowed[c.PageNumber]; !ok {
				continue
			}
		}
		candidates = append(candidates, c)
	}
	if len(candidates) == 0 {
		return Result{Reason: ReasonNoMatch}, nil
	}

	var selected []models.Chunk
	if coverage {
		selected = selectWithCoverage(candidates, allowedList, topK)
	} else if len(candidates) > topK {
		selected = candidates[:topK]
	} else {
		selected = candidates
	}

	out := make([]models.RetrievedChunk, 0, len(selected))
	for i, c := range selected {
		c.BBox = refineBBox(query, c)
		out = append(out, models.RetrievedChunk{
			Chunk: c,
			RefID: fmt.Sprintf("ref-%d", i+1),
			Score: fusedScores[c.ID],
		})
	}
	return Result{Chunks: out}, nil
}

// fuseRRF merges two ranked id lists with reciprocal rank fusion:
// each list contributes 1/(k+rank+1) per candidate, summed then re-sorted.
// The fused scores come back alongside the ranking for the result payload.
func fuseRRF(vectorIDs, lexicalIDs []string) ([]string, map[string]float64) {
	scores := make(map[string]float64)
	for rank, id := range vectorIDs {
		scores[id] += 1.0 / float64(RRFDamping+rank+1)
	}
	for rank, id := range lexicalIDs {
		scores[id] += 1.0 / float64(RRFDamping+rank+1)
	}

	ids := make([]string, 0, len(scores))
	for id := range scores {
		ids = append(ids, id)
	}
	sort.SliceStable(ids, func(i, j int) bool {
		if scores[ids[i]] != scores[ids[j]] {
			return scores[ids[i]] > scores[ids[j]]
		}
		return ids[i] < ids[j]
	})
	return ids, scores
}

// selectWithCoverage picks each allowed page's best-ranked candidate first
// (ascending page order), then fills remaining slots from the global ranking.
// Every allowed page with any indexed content contributes at least one
// citation when slots permit.
func selectWithCoverage(candidates []models.Chunk, allowedPages []int, topK int) []models.Chunk {
	bestByPage := make(map[int]models.Chunk)
	for _, c := range candidates {
		if _, ok := bestByPage[c.PageNumber]; !ok {
			bestByPage[c.PageNumber] = c
		}
	}

	var selected []models.Chunk
	chosen := make(map[string]struct{})
	for _, page := range allowedPages {
		c, ok := bestByPage[page]
		if !ok {
			continue
		}
		selected = append(selected, c)
		chosen[c.ID] = struct{}{}
		if len(selected) >= topK {
			break
		}
	}

	if len(selected) < topK {
		for _, c := range candidates {
			if _, ok := chosen[c.ID]; ok {
				continue
			}
			selected = append(selected, c)
			chosen[c.ID] = struct{}{}
			if len(selected) >= topK {
				break
			}
		}
	}

	if len(selected) > topK {
		selected = selected[:topK]
	}
	return selected
}

var queryTokenRe = regexp.MustCompile(`\p{Han}{2,}|[A-Za-z]{2,}|\d{2,}`)

// refineBBox narrows a multi-line chunk's envelope to its best-matching
// line so highlighting stays tight even though retrieval matched at chunk
// granularity. Chunks without per-line geometry keep their envelope.
func refineBBox(query string, c models.Chunk) models.BBox {
	if len(c.LineBBoxes) == 0 {
		return c.BBox
	}
	lines := strings.Split(c.Content, "\n")
	if len(lines) > len(c.LineBBoxes) {
		lines = lines[:len(c.LineBBoxes)]
	}
	li := selectBestLine(query, lines)
	if li < 0 || li >= len(c.LineBBoxes) {
		li = 0
	}
	return c.LineBBoxes[li]
}

func selectBestLine(query string, lines []string) int {
	if len(lines) == 0 {
		return 0
	}
	q := strings.TrimSpace(query)
	if q == "" {
		return 0
	}
	tokens := queryTokenRe.FindAllString(q, -1)
	if len(tokens) == 0 {
		tokens = []string{q}
	}

	bestIdx := 0
	bestScore := -1.0
	for i, line := range lines {
		t := strings.TrimSpace(line)
		if t == "" {
			continue
		}
		score := 0.0
		for _, tok := range tokens {
			if strings.Contains(t, tok) {
				score += 2
			}
		}
		// Small bonus for longer informative lines.
		score += float64(min(len([]rune(t)), 120)) / 120.0
		if score > bestScore {
			bestScore = score
			bestIdx = i
		}
	}
	return bestIdx
}
