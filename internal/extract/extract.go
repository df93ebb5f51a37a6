// Package extract pulls native text with line coordinates out of PDFs and
// decides per page whether the text is usable or the page needs optical
// recognition.
package extract

import (
	"fmt"
	"log"
	"sort"
	"strings"
	"unicode"

	"github.com/ledongthuc/pdf"

	"docqa/internal/models"
	"docqa/internal/util"
)

// A page with this little native text (ignoring whitespace) is treated as
// scanned.
const minNativeChars = 100

const (
	defaultPageWidth  = 595.0
	defaultPageHeight = 842.0
)

// Result is the per-page extraction output for one document.
// RecognitionRequired lists pages whose native text was absent or garbled.
type Result struct {
	Pages               []models.Page
	RecognitionRequired []int
}

// PDF extracts every page of the document at path. It never fails on
// individual unreadable pages; those are marked recognition-required and
// skipped from native indexing.
func PDF(path string) (Result, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()

	total := r.NumPage()
	if total == 0 {
		return Result{}, util.ErrNoExtractableText
	}

	var res Result
	for num := 1; num <= total; num++ {
		page := extractPage(r, num)
		if page.Kind != models.PageNative {
			res.RecognitionRequired = append(res.RecognitionRequired, num)
		}
		res.Pages = append(res.Pages, page)
	}
	return res, nil
}

func extractPage(r *pdf.Reader, num int) (out models.Page) {
	p := r.Page(num)
	width, height := pageSize(p)

	out = models.Page{
		PageNumber: num,
		Kind:       models.PageNative,
		Width:      width,
		Height:     height,
	}

	if p.V.IsNull() {
		out.Kind = models.PageRecognized
		return out
	}

	defer func() {
		// Malformed content streams panic inside the parser; treat the
		// page as scanned rather than failing the upload.
		if rec := recover(); rec != nil {
			log.Printf("[extract] page %d unreadable: %v", num, rec)
			out.Kind = models.PageRecognized
			out.Text = ""
			out.Lines = nil
		}
	}()

	lines := BuildLines(p.Content().Text, height)
	texts := make([]string, 0, len(lines))
	for _, l := range lines {
		texts = append(texts, l.Text)
	}
	text := util.SanitizeText(strings.Join(texts, "\n"))

	compact := strings.NewReplacer(" ", "", "\n", "").Replace(text)
	if len([]rune(compact)) <= minNativeChars || GarbledText(text) {
		out.Kind = models.PageRecognized
		return out
	}

	out.Text = text
	out.Lines = lines
	return out
}

// BuildLines groups raw glyph runs into visual lines with top-left-origin
// boxes. Runs sharing a baseline merge left to right.
func BuildLines(texts []pdf.Text, pageHeight float64) []models.Line {
	if len(texts) == 0 {
		return nil
	}
	if pageHeight <= 0 {
		pageHeight = defaultPageHeight
	}

	// Bucket by baseline; PDF coordinates put the origin bottom-left.
	type run struct {
		y     float64
		texts []pdf.Text
	}
	var runs []*run
	byBaseline := make(map[int]*run)
	for _, t := range texts {
		if t.S == "" {
			continue
		}
		key := int(t.Y * 2) // half-point baseline tolerance
		if r, ok := byBaseline[key]; ok {
			r.texts = append(r.texts, t)
			continue
		}
		r := &run{y: t.Y, texts: []pdf.Text{t}}
		byBaseline[key] = r
		runs = append(runs, r)
	}

	// Top of page first.
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].y > runs[j].y })

	var lines []models.Line
	for _, r := range runs {
		sort.SliceStable(r.texts, func(i, j int) bool { return r.texts[i].X < r.texts[j].X })

		var sb strings.Builder
		minX, maxX := r.texts[0].X, r.texts[0].X+r.texts[0].W
		var fontSize float64
		prevEnd := r.texts[0].X
		for _, t := range r.texts {
			if t.X-prevEnd > max(t.FontSize*0.3, 1) && sb.Len() > 0 {
				sb.WriteByte(' ')
			}
			sb.WriteString(t.S)
			prevEnd = t.X + t.W
			minX = min(minX, t.X)
			maxX = max(maxX, t.X+t.W)
			fontSize = max(fontSize, t.FontSize)
		}
		text := strings.TrimSpace(sb.String())
		if text == "" {
			continue
		}
		if fontSize <= 0 {
			fontSize = 12
		}

		lines = append(lines, models.Line{
			Text: text,
			BBox: models.BBox{
				X: minX,
				Y: pageHeight - r.y - fontSize,
				W: maxX - minX,
				H: fontSize * 1.2,
			},
		})
	}
	return lines
}

// GarbledText reports whether extracted text is mostly unreadable glyph
// soup, the signature of a scanned page with a broken text layer.
func GarbledText(text string) bool {
	runes := []rune(text)
	if len(runes) == 0 {
		return true
	}
	readable := 0
	for _, r := range runes {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) || r >= 0x4E00 {
			readable++
		}
	}
	return float64(readable)/float64(len(runes)) < 0.5
}

func pageSize(p pdf.Page) (float64, float64) {
	box := p.V.Key("MediaBox")
	if box.IsNull() || box.Len() < 4 {
		return defaultPageWidth, defaultPageHeight
	}
	x0, y0 := box.Index(0).Float64(), box.Index(1).Float64()
	x1, y1 := box.Index(2).Float64(), box.Index(3).Float64()
	w, h := x1-x0, y1-y0
	if w <= 0 || h <= 0 {
		return defaultPageWidth, defaultPageHeight
	}
	return w, h
}
