package models

import "time"

// BBox is an axis-aligned rectangle in document points, origin top-left.
// The same value type is used from extraction through indexing to retrieval.
type BBox struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Union returns the smallest box covering both b and o.
func (b BBox) Union(o BBox) BBox {
	x0 := min(b.X, o.X)
	y0 := min(b.Y, o.Y)
	x1 := max(b.X+b.W, o.X+o.W)
	y1 := max(b.Y+b.H, o.Y+o.H)
	return BBox{X: x0, Y: y0, W: x1 - x0, H: y1 - y0}
}

type PageKind string

const (
	PageNative     PageKind = "native"
	PageRecognized PageKind = "recognized"
)

// PageStatus tracks per-page recognition progress. Happy path is
// unrecognized -> processing -> recognized; failed is retry-eligible.
type PageStatus string

const (
	StatusUnrecognized PageStatus = "unrecognized"
	StatusProcessing   PageStatus = "processing"
	StatusRecognized   PageStatus = "recognized"
	StatusFailed       PageStatus = "failed"
)

// Line is one visual line of page text with its bounding box.
type Line struct {
	Text string `json:"text"`
	BBox BBox   `json:"bbox"`
}

// Page holds the extracted content of a single 1-indexed page.
// Recognition replaces Text/Lines/Kind atomically under the document lock.
type Page struct {
	PageNumber int      `json:"page_number"`
	Kind       PageKind `json:"kind"`
	Text       string   `json:"text"`
	Lines      []Line   `json:"lines,omitempty"`
	ImageRef   string   `json:"image_ref,omitempty"`
	Width      float64  `json:"width"`
	Height     float64  `json:"height"`
}

// Chunk is the retrieval-indexed unit. LineBBoxes[i] corresponds to the
// i-th newline-delimited segment of Content.
type Chunk struct {
	ID         string `json:"id"`
	BlockID    string `json:"block_id"`
	DocID      string `json:"doc_id"`
	PageNumber int    `json:"page_number"`
	Content    string `json:"content"`
	BBox       BBox   `json:"bbox"`
	LineBBoxes []BBox `json:"line_bboxes,omitempty"`
	SourceKind string `json:"source_kind"`
}

// RetrievedChunk is a Chunk with the caller-facing citation handle.
type RetrievedChunk struct {
	Chunk
	RefID string  `json:"ref_id"`
	Score float64 `json:"score"`
}

// Document is the persisted metadata record for one uploaded document.
type Document struct {
	ID              string             `json:"doc_id"`
	Name            string             `json:"name"`
	SHA256          string             `json:"sha256"`
	FilePath        string             `json:"file_path,omitempty"`
	TotalPages      int                `json:"total_pages"`
	ChunkCount      int                `json:"chunk_count"`
	PageOCRStatus   map[int]PageStatus `json:"page_ocr_status"`
	RecognizedPages []int              `json:"recognized_pages"`
	RequiredPages   []int              `json:"required_pages"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// RecognitionJob is one queued unit of work: a document and the ordered
// pages to recognize. A page appears in at most one pending job per document.
type RecognitionJob struct {
	DocID     string `json:"doc_id"`
	Pages     []int  `json:"pages"`
	SourceTag string `json:"source_tag,omitempty"`
	// CancelGen is the document's cancel generation captured at enqueue time.
	// A later cancel bumps the live generation, marking this job stale.
	CancelGen uint64 `json:"cancel_gen,omitempty"`
}

// RecognizedFragment is one raw provider fragment kept for resumability.
type RecognizedFragment struct {
	Text string `json:"text"`
	BBox BBox   `json:"bbox"`
}

// RecognizedPage is the persisted per-page recognition output.
type RecognizedPage struct {
	PageNumber int                  `json:"page_number"`
	Provider   string               `json:"provider"`
	Fragments  []RecognizedFragment `json:"chunks"`
	MergedText string               `json:"merged_text"`
}

// RecognitionResult is the per-document payload written after every page
// transition so a restart can rebuild registry state without re-running OCR.
type RecognitionResult struct {
	DocID string           `json:"doc_id"`
	Pages []RecognizedPage `json:"pages"`
}

// PageFor returns the payload entry for a page, or nil.
func (r *RecognitionResult) PageFor(page int) *RecognizedPage {
	if r == nil {
		return nil
	}
	for i := range r.Pages {
		if r.Pages[i].PageNumber == page {
			return &r.Pages[i]
		}
	}
	return nil
}

// SetPage replaces or appends the payload entry for rp.PageNumber.
func (r *RecognitionResult) SetPage(rp RecognizedPage) {
	for i := range r.Pages {
		if r.Pages[i].PageNumber == rp.PageNumber {
			r.Pages[i] = rp
			return
		}
	}
	r.Pages = append(r.Pages, rp)
}
