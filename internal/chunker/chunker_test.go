package chunker

import (
	"fmt"
	"strings"
	"testing"

	"docqa/internal/models"

	"github.com/stretchr/testify/require"
)

func lineAt(text string, y float64) models.Line {
	return models.Line{Text: text, BBox: models.BBox{X: 50, Y: y, W: 400, H: 14}}
}

func TestIsLowValueText(t *testing.T) {
	cases := map[string]bool{
		"":                        true,
		"  ":                      true,
		"ab":                      true,
		"...":                     true,
		"----":                    true,
		"the":                     true, // short ASCII token
		"12":                      true, // 1-2 digit number
		"2024":                    false,
		"Total amount due: $500":  false,
		"项目":                      true, // 2-rune CJK
		"项目验收报告":                  false,
		"a1b":                     true, // <=4 ascii, not year-like
		"Invoice #1002 Total 500": false,
	}
	for in, want := range cases {
		if got := IsLowValueText(in); got != want {
			t.Fatalf("IsLowValueText(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNormalizeForDedup(t *testing.T) {
	if got := NormalizeForDedup("  Page   1 — Confidential!  "); got != "page 1  confidential" {
		t.Fatalf("unexpected key: %q", got)
	}
	if NormalizeForDedup("!!!") != "" {
		t.Fatal("punctuation should normalize to empty")
	}
	// Non-ASCII letters survive the key, so distinct boilerplate stays distinct.
	if got := NormalizeForDedup("Résumé: Стр 1"); got != "résumé стр 1" {
		t.Fatalf("unexpected key: %q", got)
	}
}

func TestBuildPageMergesUnderLimits(t *testing.T) {
	var lines []models.Line
	for i := 0; i < 20; i++ {
		lines = append(lines, lineAt(fmt.Sprintf("line %02d with enough visible characters", i), float64(100+i*16)))
	}
	b := NewBuilder("doc1")
	chunks := b.BuildPage(models.Page{PageNumber: 1, Kind: models.PageNative, Lines: lines})
	require.NotEmpty(t, chunks)

	for _, c := range chunks {
		segs := strings.Split(c.Content, "\n")
		require.LessOrEqual(t, len(segs), MaxChunkLines)
		require.LessOrEqual(t, len([]rune(c.Content)), MaxChunkChars)
		require.Len(t, c.LineBBoxes, len(segs), "line bboxes must track newline segments")
		require.Equal(t, 1, c.PageNumber)
		require.Equal(t, "native", c.SourceKind)
	}
}

func TestBuildPageEnvelopeUnionsLineBoxes(t *testing.T) {
	b := NewBuilder("doc1")
	lines := []models.Line{
		{Text: "first informative line", BBox: models.BBox{X: 50, Y: 100, W: 200, H: 14}},
		{Text: "second informative line", BBox: models.BBox{X: 40, Y: 120, W: 300, H: 14}},
	}
	chunks := b.BuildPage(models.Page{PageNumber: 2, Kind: models.PageNative, Lines: lines})
	require.Len(t, chunks, 1)
	c := chunks[0]
	require.Equal(t, 40.0, c.BBox.X)
	require.Equal(t, 100.0, c.BBox.Y)
	require.Equal(t, 300.0, c.BBox.W) // spans x 40..340
	require.Equal(t, 34.0, c.BBox.H)  // spans y 100..134
}

func TestBlockIDsMonotonicAcrossPages(t *testing.T) {
	b := NewBuilder("doc1")
	c1 := b.BuildPage(models.Page{PageNumber: 1, Kind: models.PageNative, Lines: []models.Line{lineAt("page one content line", 100)}})
	c2 := b.BuildRecognizedPage(3, []models.Line{lineAt("page three recognized content", 100)})
	c3 := b.BuildRecognizedPage(2, []models.Line{lineAt("page two recognized content", 100)})

	require.Equal(t, "b0001", c1[0].BlockID)
	require.Equal(t, "b0002", c2[0].BlockID)
	require.Equal(t, "b0003", c3[0].BlockID)
	require.Equal(t, "doc1_b0003", c3[0].ID)

	// Re-recognizing a page issues fresh block ids, never reuses old ones.
	c4 := b.BuildRecognizedPage(3, []models.Line{lineAt("page three replacement content", 100)})
	require.Equal(t, "b0004", c4[0].BlockID)
}

func TestHeaderFooterSuppression(t *testing.T) {
	header := "Acme Corporation Confidential Report"
	var pages []models.Page
	for p := 1; p <= 4; p++ {
		text := header + "\n" + fmt.Sprintf("unique body content for page %d goes here", p)
		pages = append(pages, models.Page{
			PageNumber: p,
			Kind:       models.PageNative,
			Text:       text,
			Lines: []models.Line{
				lineAt(header, 40),
				lineAt(fmt.Sprintf("unique body content for page %d goes here", p), 200),
			},
		})
	}

	b := NewBuilder("doc1")
	b.SampleHeadersFooters(pages)
	for _, page := range pages {
		for _, c := range b.BuildPage(page) {
			require.NotContains(t, c.Content, header)
		}
	}
}

func TestCrossPageDedupSkipsBoilerplate(t *testing.T) {
	long := strings.Repeat("standard terms and conditions apply to this agreement ", 3)
	b := NewBuilder("doc1")
	c1 := b.BuildPage(models.Page{PageNumber: 1, Kind: models.PageNative, Lines: []models.Line{lineAt(long, 100)}})
	c2 := b.BuildPage(models.Page{PageNumber: 2, Kind: models.PageNative, Lines: []models.Line{lineAt(long, 100)}})
	require.Len(t, c1, 1)
	require.Empty(t, c2, "identical long boilerplate should be emitted once")
}

func TestBuildPagePlainTextFallback(t *testing.T) {
	text := strings.Repeat("A sentence about procurement terms. ", 40)
	b := NewBuilder("doc1")
	chunks := b.BuildPage(models.Page{PageNumber: 1, Kind: models.PageNative, Text: text})
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		require.Nil(t, c.LineBBoxes)
		require.NotZero(t, c.BBox.W)
	}
}

func TestSplitPlainTextPrefersSentenceBoundaries(t *testing.T) {
	text := strings.Repeat("word ", 120) + ". " + strings.Repeat("tail ", 120)
	parts := SplitPlainText(text, 500, 50)
	require.Greater(t, len(parts), 1)
	for _, p := range parts {
		require.LessOrEqual(t, len([]rune(p)), 500)
	}
}
