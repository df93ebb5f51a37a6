package index

import (
	"context"
	"fmt"
	"log"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// BM25 parameters, standard Okapi defaults.
const (
	bm25K1 = 1.5
	bm25B  = 0.75
)

// LexicalCache holds per-document term-frequency indexes derived from the
// vector index contents. Built lazily on first query, dropped whole on any
// document mutation; the next query rebuilds from the current chunk set.
type LexicalCache struct {
	mu    sync.Mutex
	cache map[string]*lexIndex
}

type lexIndex struct {
	ids    []string
	tokens [][]string
	df     map[string]int
	avgLen float64
}

func NewLexicalCache() *LexicalCache {
	return &LexicalCache{cache: make(map[string]*lexIndex)}
}

// Invalidate drops the cached index for a document.
func (c *LexicalCache) Invalidate(docID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cache, docID)
}

// Rank scores all of the document's chunks against the query and returns up
// to limit chunk ids with positive score, best first. The fetch callback
// supplies the current chunk set when the index needs rebuilding.
func (c *LexicalCache) Rank(ctx context.Context, docID, query string, limit int, fetch func(context.Context, string) ([]chunkText, error)) ([]string, error) {
	idx, err := c.ensure(ctx, docID, fetch)
	if err != nil {
		return nil, err
	}
	if idx == nil || len(idx.ids) == 0 {
		return nil, nil
	}

	queryTokens := Tokenize(query)
	if len(queryTokens) == 0 {
		return nil, nil
	}

	n := float64(len(idx.ids))
	type scored struct {
		id    string
		score float64
	}
	var results []scored
	for i := range idx.ids {
		docTokens := idx.tokens[i]
		if len(docTokens) == 0 {
			continue
		}
		tf := make(map[string]int, len(docTokens))
		for _, t := range docTokens {
			tf[t]++
		}
		var score float64
		for _, qt := range queryTokens {
			f := float64(tf[qt])
			if f == 0 {
				continue
			}
			df := float64(idx.df[qt])
			idf := math.Log(1 + (n-df+0.5)/(df+0.5))
			norm := f * (bm25K1 + 1) / (f + bm25K1*(1-bm25B+bm25B*float64(len(docTokens))/idx.avgLen))
			score += idf * norm
		}
		if score > 0 {
			results = append(results, scored{id: idx.ids[i], score: score})
		}
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].score > results[j].score })
	if limit > 0 && limit < len(results) {
		results = results[:limit]
	}
	out := make([]string, 0, len(results))
	for _, r := range results {
		out = append(out, r.id)
	}
	return out, nil
}

type chunkText struct {
	ID      string
	Content string
}

// FetchFromVectors adapts a VectorIndex into the Rank fetch callback.
func FetchFromVectors(v VectorIndex) func(context.Context, string) ([]chunkText, error) {
	return func(ctx context.Context, docID string) ([]chunkText, error) {
		chunks, err := v.FetchDoc(ctx, docID)
		if err != nil {
			return nil, fmt.Errorf("fetch doc chunks for lexical index: %w", err)
		}
		out := make([]chunkText, 0, len(chunks))
		for _, c := range chunks {
			out = append(out, chunkText{ID: c.ID, Content: c.Content})
		}
		return out, nil
	}
}

func (c *LexicalCache) ensure(ctx context.Context, docID string, fetch func(context.Context, string) ([]chunkText, error)) (*lexIndex, error) {
	c.mu.Lock()
	if idx, ok := c.cache[docID]; ok {
		c.mu.Unlock()
		return idx, nil
	}
	c.mu.Unlock()

	// Build outside the lock: fetching can hit the network.
	texts, err := fetch(ctx, docID)
	if err != nil {
		return nil, err
	}

	idx := &lexIndex{df: make(map[string]int)}
	totalLen := 0
	for _, t := range texts {
		tokens := Tokenize(t.Content)
		idx.ids = append(idx.ids, t.ID)
		idx.tokens = append(idx.tokens, tokens)
		totalLen += len(tokens)
		seen := make(map[string]struct{}, len(tokens))
		for _, tok := range tokens {
			if _, ok := seen[tok]; ok {
				continue
			}
			seen[tok] = struct{}{}
			idx.df[tok]++
		}
	}
	if len(idx.ids) > 0 {
		idx.avgLen = float64(totalLen) / float64(len(idx.ids))
	}

	c.mu.Lock()
	c.cache[docID] = idx
	c.mu.Unlock()
	log.Printf("[lexical] built index for %s, chunks: %d", docID, len(idx.ids))
	return idx, nil
}

var asciiTokenRe = regexp.MustCompile(`[a-z0-9]+`)

// Tokenize lower-cases and splits text into ASCII alphanumeric runs plus CJK
// unigrams and bigrams. The bigrams approximate word segmentation well enough
// for term-frequency scoring without a dictionary.
func Tokenize(s string) []string {
	lower := strings.ToLower(s)
	var out []string
	out = append(out, asciiTokenRe.FindAllString(lower, -1)...)

	var run []rune
	flush := func() {
		for i := range run {
			out = append(out, string(run[i]))
			if i+1 < len(run) {
				out = append(out, string(run[i:i+2]))
			}
		}
		run = run[:0]
	}
	for _, r := range lower {
		if unicode.Is(unicode.Han, r) {
			run = append(run, r)
			continue
		}
		if len(run) > 0 {
			flush()
		}
	}
	if len(run) > 0 {
		flush()
	}
	return out
}
