package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"docqa/internal/config"
	"docqa/internal/extract"
	"docqa/internal/index"
	"docqa/internal/models"
	"docqa/internal/pipeline"
	"docqa/internal/registry"
	"docqa/internal/retriever"
	"docqa/internal/util"
)

type Server struct {
	cfg     config.Config
	reg     *registry.Registry
	indexer *index.Indexer
	retr    *retriever.Retriever
	pipe    *pipeline.Pipeline
}

func NewServer(cfg config.Config, reg *registry.Registry, indexer *index.Indexer, retr *retriever.Retriever, pipe *pipeline.Pipeline) *Server {
	return &Server{cfg: cfg, reg: reg, indexer: indexer, retr: retr, pipe: pipe}
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/documents", s.handleDocuments)
	mux.HandleFunc("/documents/", s.handleDocumentScoped)
	mux.HandleFunc("/retrieve", s.handleRetrieve)
	return withCORS(mux)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		docs, err := s.reg.Store().ListDocs(r.Context())
		if err != nil {
			writeErr(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
	case http.MethodPost:
		s.handleUpload(w, r)
	default:
		writeErr(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
	}
}

func (s *Server) handleDocumentScoped(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/documents/"), "/"), "/")
	if len(parts) < 1 || parts[0] == "" {
		writeErr(w, http.StatusNotFound, fmt.Errorf("not found"))
		return
	}
	docID := parts[0]

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		s.handleGetDocument(w, r, docID)
	case len(parts) == 1 && r.Method == http.MethodDelete:
		s.handleDeleteDocument(w, r, docID)
	case len(parts) == 2 && parts[1] == "ocr" && r.Method == http.MethodPost:
		s.handleEnqueueOCR(w, r, docID, nil)
	case len(parts) == 4 && parts[1] == "pages" && parts[3] == "ocr" && r.Method == http.MethodPost:
		page, err := strconv.Atoi(parts[2])
		if err != nil {
			writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid page number"))
			return
		}
		s.handleEnqueueOCR(w, r, docID, []int{page})
	case len(parts) == 3 && parts[1] == "ocr" && parts[2] == "cancel" && r.Method == http.MethodPost:
		s.handleCancelOCR(w, r, docID)
	default:
		writeErr(w, http.StatusNotFound, fmt.Errorf("not found"))
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("parse multipart: %w", err))
		return
	}
	fh, ok := firstSingleFile(r.MultipartForm.File)
	if !ok {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("no files provided"))
		return
	}

	if err := util.EnsureDir(s.cfg.UploadDir); err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	sha, path, err := saveUploadedFile(s.cfg.UploadDir, fh)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}

	// Same bytes, same document: hand back the existing record.
	if existing, err := s.reg.Store().GetBySHA256(r.Context(), sha); err == nil {
		writeJSON(w, http.StatusOK, map[string]any{"document": existing, "deduplicated": true})
		return
	}

	extracted, err := extractFn(path)
	if err != nil {
		if errors.Is(err, util.ErrNoExtractableText) {
			writeErr(w, http.StatusBadRequest, err)
			return
		}
		writeErr(w, http.StatusInternalServerError, err)
		return
	}

	status := make(map[int]models.PageStatus, len(extracted.RecognitionRequired))
	for _, page := range extracted.RecognitionRequired {
		status[page] = models.StatusUnrecognized
	}

	doc := models.Document{
		ID:            uuid.NewString(),
		Name:          filepath.Base(fh.Filename),
		SHA256:        sha,
		FilePath:      path,
		TotalPages:    len(extracted.Pages),
		PageOCRStatus: status,
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	}
	st, err := s.reg.Register(r.Context(), doc)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}

	st.Mu.Lock()
	builder := st.Builder
	st.Mu.Unlock()
	if s.cfg.ChunkSize > 0 {
		builder.SetFallbackSplit(s.cfg.ChunkSize, s.cfg.ChunkOverlap)
	}
	count, err := s.indexer.IndexDocument(r.Context(), builder, doc.ID, extracted.Pages)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}

	st.Mu.Lock()
	st.Doc.ChunkCount = count
	if err := s.reg.SaveDoc(r.Context(), st); err != nil {
		st.Mu.Unlock()
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	docOut := st.Doc
	st.Mu.Unlock()

	// Scanned pages go straight into the recognition queue.
	var queued []int
	if len(extracted.RecognitionRequired) > 0 {
		queued, err = s.pipe.Enqueue(r.Context(), doc.ID, extracted.RecognitionRequired, "upload")
		if err != nil {
			writeErr(w, http.StatusInternalServerError, err)
			return
		}
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"document":     docOut,
		"chunk_count":  count,
		"queued_pages": queued,
	})
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request, docID string) {
	st, err := s.reg.EnsureLoaded(r.Context(), docID)
	if err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	st.Mu.Lock()
	registry.ApplyConsistentPages(&st.Doc)
	doc := st.Doc
	st.Mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"document": doc})
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request, docID string) {
	st, err := s.reg.EnsureLoaded(r.Context(), docID)
	if err != nil {
		writeErr(w, statusFor(err), err)
		return
	}

	imageDir := filepath.Join(s.cfg.StoreDir, "pages", docID)

	st.Mu.Lock()
	st.RequestCancel()
	filePath := st.Doc.FilePath
	// Source files stay on disk while recognition is still draining; the
	// worker removes them once the last pending page releases.
	deferred := st.PendingCount() > 0
	if deferred {
		if filePath != "" {
			st.RequestCleanup(filePath)
		}
		st.RequestCleanup(imageDir)
	}
	st.Mu.Unlock()

	if err := s.indexer.DeleteDocument(r.Context(), docID); err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	if err := s.reg.Store().DeleteDoc(r.Context(), docID); err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	s.reg.Forget(docID)
	if !deferred {
		if filePath != "" {
			if err := os.Remove(filePath); err != nil && !errors.Is(err, os.ErrNotExist) {
				writeErr(w, http.StatusInternalServerError, err)
				return
			}
		}
		_ = os.RemoveAll(imageDir)
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": docID})
}

type ocrRequest struct {
	Pages []int `json:"pages"`
}

func (s *Server) handleEnqueueOCR(w http.ResponseWriter, r *http.Request, docID string, pages []int) {
	if pages == nil {
		var req ocrRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
			return
		}
		pages = req.Pages
	}
	if len(pages) == 0 {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("pages are required"))
		return
	}

	accepted, err := s.pipe.Enqueue(r.Context(), docID, pages, "api")
	if err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"queued_pages": accepted})
}

func (s *Server) handleCancelOCR(w http.ResponseWriter, r *http.Request, docID string) {
	if err := s.pipe.Cancel(r.Context(), docID); err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": docID})
}

type retrieveRequest struct {
	DocID string `json:"doc_id"`
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
	// When present (even empty), retrieval is restricted to these pages.
	AllowedPages *[]int `json:"allowed_pages,omitempty"`
	// Restricts to the document's currently recognized pages.
	RecognizedOnly     bool `json:"recognized_only,omitempty"`
	EnsurePageCoverage bool `json:"ensure_page_coverage,omitempty"`
}

type retrieveCitation struct {
	RefID      string      `json:"ref_id"`
	ChunkID    string      `json:"chunk_id"`
	BlockID    string      `json:"block_id"`
	PageNumber int         `json:"page_number"`
	Snippet    string      `json:"snippet"`
	BBox       models.BBox `json:"bbox"`
	SourceKind string      `json:"source_kind"`
}

func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	var req retrieveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
		return
	}
	if req.DocID == "" || strings.TrimSpace(req.Query) == "" {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("doc_id and query are required"))
		return
	}

	st, err := s.reg.EnsureLoaded(r.Context(), req.DocID)
	if err != nil {
		writeErr(w, statusFor(err), err)
		return
	}

	opts := retriever.Options{
		TopK:               req.TopK,
		EnsurePageCoverage: req.EnsurePageCoverage,
	}
	switch {
	case req.RecognizedOnly:
		st.Mu.Lock()
		opts.AllowedPages = registry.ConsistentRecognizedPages(st)
		st.Mu.Unlock()
		opts.PagesRestricted = true
	case req.AllowedPages != nil:
		opts.AllowedPages = *req.AllowedPages
		opts.PagesRestricted = true
	}

	result, err := s.retr.Retrieve(r.Context(), req.Query, req.DocID, opts)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}

	citations := make([]retrieveCitation, 0, len(result.Chunks))
	for _, c := range result.Chunks {
		citations = append(citations, retrieveCitation{
			RefID:      c.RefID,
			ChunkID:    c.ID,
			BlockID:    c.BlockID,
			PageNumber: c.PageNumber,
			Snippet:    c.Content,
			BBox:       c.BBox,
			SourceKind: c.SourceKind,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"chunks": citations,
		"reason": result.Reason,
	})
}

// extractFn is swapped in tests to avoid needing PDF fixtures.
var extractFn = func(path string) (extract.Result, error) { return extract.PDF(path) }

func saveUploadedFile(dstDir string, fh *multipart.FileHeader) (sha, path string, err error) {
	src, err := fh.Open()
	if err != nil {
		return "", "", fmt.Errorf("open upload: %w", err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(dstDir, "upload-*.pdf")
	if err != nil {
		return "", "", fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		_ = tmp.Close()
	}()

	sha, err = util.SHA256HexFromReader(io.TeeReader(src, tmp))
	if err != nil {
		return "", "", fmt.Errorf("write upload: %w", err)
	}

	finalPath := filepath.Join(dstDir, sha+".pdf")
	if err := tmp.Close(); err != nil {
		return "", "", err
	}
	if err := os.Rename(tmp.Name(), finalPath); err != nil {
		return "", "", fmt.Errorf("atomic move upload: %w", err)
	}
	return sha, finalPath, nil
}

func firstSingleFile(m map[string][]*multipart.FileHeader) (*multipart.FileHeader, bool) {
	for _, v := range m {
		if len(v) > 0 {
			return v[0], true
		}
	}
	return nil, false
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, util.ErrDocumentNotFound):
		return http.StatusNotFound
	case errors.Is(err, util.ErrPageOutOfRange):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, err error) {
	msg := "Request failed."
	if err != nil && code < 500 {
		msg = err.Error()
	}
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": msg,
		},
	})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
