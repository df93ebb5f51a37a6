package chunker

import (
	"fmt"
	"strings"
	"sync"

	"docqa/internal/models"
)

// Tuned heuristics carried over from production; no derivation documented,
// override with care.
const (
	// MaxChunkChars / MaxChunkLines bound a merged geometry chunk.
	MaxChunkChars = 320
	MaxChunkLines = 8

	// Normalized lines seen on at least this share of pages (minimum
	// HeaderFooterMinPages) are treated as headers/footers.
	HeaderFooterRatio    = 0.35
	HeaderFooterMinPages = 3

	// Flushed chunks whose normalized text reaches this length participate
	// in cross-page boilerplate dedup.
	DedupMinChars = 80

	headerFooterMinKeyLen = 6
	edgeSampleLines       = 3
)

// Defaults for the no-geometry fallback splitter.
const (
	DefaultFallbackChunkSize = 500
	DefaultFallbackOverlap   = 50
)

// Builder turns page lines into retrieval chunks for one document. It owns
// the document-wide monotonic block counter, the cross-page dedup set and the
// header/footer blacklist, so it must live as long as the document does:
// re-chunking one recognized page never disturbs block ids already issued.
type Builder struct {
	mu sync.Mutex

	docID        string
	nextBlock    int
	seenChunks   map[string]struct{}
	bannedLines  map[string]struct{}
	fallbackSize int
	fallbackOver int
}

func NewBuilder(docID string) *Builder {
	return &Builder{
		docID:        docID,
		seenChunks:   make(map[string]struct{}),
		bannedLines:  make(map[string]struct{}),
		fallbackSize: DefaultFallbackChunkSize,
		fallbackOver: DefaultFallbackOverlap,
	}
}

// SeedBlockCounter advances the counter to at least n issued blocks. Builders
// rebuilt from a persisted document seed it with the cumulative chunk count so
// ids still live in the index are never reissued.
func (b *Builder) SeedBlockCounter(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n > b.nextBlock {
		b.nextBlock = n
	}
}

// SetFallbackSplit overrides the plain-text splitter geometry.
func (b *Builder) SetFallbackSplit(size, overlap int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if size > 0 {
		b.fallbackSize = size
	}
	if overlap >= 0 && overlap < b.fallbackSize {
		b.fallbackOver = overlap
	}
}

// SampleHeadersFooters scans the whole document once and blacklists lines
// that repeat across page tops/bottoms. Call before the first BuildPage; the
// blacklist persists for later incremental pages.
func (b *Builder) SampleHeadersFooters(pages []models.Page) {
	keys := collectRepeatedEdgeKeys(pages)
	b.mu.Lock()
	defer b.mu.Unlock()
	for k := range keys {
		b.bannedLines[k] = struct{}{}
	}
}

func collectRepeatedEdgeKeys(pages []models.Page) map[string]struct{} {
	if len(pages) < HeaderFooterMinPages {
		return nil
	}

	pageFreq := make(map[string]int)
	for _, page := range pages {
		var lines []string
		for _, ln := range strings.Split(page.Text, "\n") {
			if s := strings.TrimSpace(ln); s != "" {
				lines = append(lines, s)
			}
		}
		if len(lines) == 0 {
			continue
		}

		sample := lines[:min(edgeSampleLines, len(lines))]
		if len(lines) > edgeSampleLines {
			sample = append(sample, lines[max(0, len(lines)-edgeSampleLines):]...)
		}

		seen := make(map[string]struct{})
		for _, line := range sample {
			if IsLowValueText(line) {
				continue
			}
			key := NormalizeForDedup(line)
			if len([]rune(key)) < headerFooterMinKeyLen {
				continue
			}
			seen[key] = struct{}{}
		}
		for key := range seen {
			pageFreq[key]++
		}
	}

	threshold := max(HeaderFooterMinPages, int(float64(len(pages))*HeaderFooterRatio))
	out := make(map[string]struct{})
	for k, n := range pageFreq {
		if n >= threshold {
			out[k] = struct{}{}
		}
	}
	return out
}

// BuildPage chunks one page. Pages with line geometry go through the merge
// path; plain paragraph text falls back to the size-based splitter with an
// estimated, non-authoritative bbox.
func (b *Builder) BuildPage(page models.Page) []models.Chunk {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(page.Lines) > 0 {
		return b.buildFromLines(page, page.Lines, sourceKindFor(page.Kind))
	}
	return b.buildFromPlainText(page)
}

// BuildRecognizedPage chunks freshly recognized lines for a page. The caller
// is responsible for dropping the page's previous chunks from the index
// first; block ids issued here are always new.
func (b *Builder) BuildRecognizedPage(pageNumber int, lines []models.Line) []models.Chunk {
	b.mu.Lock()
	defer b.mu.Unlock()
	page := models.Page{PageNumber: pageNumber}
	return b.buildFromLines(page, lines, "ocr")
}

func (b *Builder) buildFromLines(page models.Page, lines []models.Line, sourceKind string) []models.Chunk {
	var out []models.Chunk

	var curTexts []string
	var curBoxes []models.BBox
	var envelope models.BBox

	flush := func() {
		if len(curTexts) == 0 {
			return
		}
		texts, boxes := curTexts, curBoxes
		env := envelope
		curTexts, curBoxes = nil, nil

		content := strings.TrimSpace(strings.Join(texts, "\n"))
		if content == "" || IsLowValueText(content) {
			return
		}
		key := NormalizeForDedup(content)
		if len([]rune(key)) >= DedupMinChars {
			if _, dup := b.seenChunks[key]; dup {
				return
			}
			b.seenChunks[key] = struct{}{}
		}
		out = append(out, b.emit(page.PageNumber, content, env, boxes, sourceKind))
	}

	for _, ln := range lines {
		text := strings.TrimSpace(ln.Text)
		if text == "" || IsLowValueText(text) {
			continue
		}
		if key := NormalizeForDedup(text); key != "" {
			if _, banned := b.bannedLines[key]; banned {
				continue
			}
		}

		if len(curTexts) == 0 {
			curTexts = []string{text}
			curBoxes = []models.BBox{ln.BBox}
			envelope = ln.BBox
			continue
		}

		// Running length includes the newline separators already merged in.
		curLen := 0
		for _, t := range curTexts {
			curLen += len([]rune(t))
		}
		curLen += len(curTexts) - 1
		nextLen := curLen + 1 + len([]rune(text))

		if nextLen > MaxChunkChars || len(curTexts) >= MaxChunkLines {
			flush()
			curTexts = []string{text}
			curBoxes = []models.BBox{ln.BBox}
			envelope = ln.BBox
			continue
		}

		curTexts = append(curTexts, text)
		curBoxes = append(curBoxes, ln.BBox)
		envelope = envelope.Union(ln.BBox)
	}
	flush()

	return out
}

func (b *Builder) buildFromPlainText(page models.Page) []models.Chunk {
	if strings.TrimSpace(page.Text) == "" {
		return nil
	}

	parts := SplitPlainText(page.Text, b.fallbackSize, b.fallbackOver)
	var out []models.Chunk
	for idx, part := range parts {
		if IsLowValueText(part) {
			continue
		}
		key := NormalizeForDedup(part)
		if len([]rune(key)) >= DedupMinChars {
			if _, dup := b.seenChunks[key]; dup {
				continue
			}
			b.seenChunks[key] = struct{}{}
		}

		// No geometry: estimate a top-to-bottom position so highlights still
		// land roughly where the text sits.
		yRatio := 1.0 - float64(idx)/float64(max(len(parts), 1))
		est := models.BBox{X: 50, Y: yRatio * 700, W: 500, H: 50}
		out = append(out, b.emit(page.PageNumber, part, est, nil, sourceKindFor(page.Kind)))
	}
	return out
}

func (b *Builder) emit(pageNumber int, content string, env models.BBox, lineBoxes []models.BBox, sourceKind string) models.Chunk {
	b.nextBlock++
	blockID := fmt.Sprintf("b%04d", b.nextBlock)
	return models.Chunk{
		ID:         b.docID + "_" + blockID,
		BlockID:    blockID,
		DocID:      b.docID,
		PageNumber: pageNumber,
		Content:    content,
		BBox:       env,
		LineBBoxes: lineBoxes,
		SourceKind: sourceKind,
	}
}

func sourceKindFor(kind models.PageKind) string {
	if kind == models.PageRecognized {
		return "ocr"
	}
	return "native"
}

// SplitPlainText splits paragraph text at sentence/clause separators near the
// target size, with overlap between consecutive chunks.
func SplitPlainText(text string, chunkSize, overlap int) []string {
	if chunkSize <= 0 {
		chunkSize = DefaultFallbackChunkSize
	}
	if overlap < 0 || overlap >= chunkSize {
		overlap = 0
	}
	runes := []rune(text)
	if len(runes) <= chunkSize {
		if t := strings.TrimSpace(text); t != "" {
			return []string{t}
		}
		return nil
	}

	separators := []string{"\n\n", "。", ".", "\n", "；", ";", "，", ","}

	var out []string
	start := 0
	for start < len(runes) {
		end := start + chunkSize
		if end < len(runes) {
			window := string(runes[start:end])
			for _, sep := range separators {
				if i := strings.LastIndex(window, sep); i > chunkSize/2 {
					end = start + len([]rune(window[:i+len(sep)]))
					break
				}
			}
		} else {
			end = len(runes)
		}

		if part := strings.TrimSpace(string(runes[start:end])); part != "" {
			out = append(out, part)
		}
		if end == len(runes) {
			break
		}
		next := end - overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return out
}
