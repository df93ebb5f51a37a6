package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"docqa/internal/config"
	"docqa/internal/embedding"
	"docqa/internal/extract"
	"docqa/internal/index"
	"docqa/internal/models"
	"docqa/internal/pipeline"
	"docqa/internal/registry"
	"docqa/internal/retriever"
	"docqa/internal/storage"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	store, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)
	reg := registry.New(store)

	embedder := embedding.NewMockProvider(32)
	vectors := index.NewMemoryIndex()
	lexical := index.NewLexicalCache()
	indexer := index.NewIndexer(vectors, lexical, embedder)
	retr := retriever.New(embedder, vectors, lexical)
	pipe := pipeline.New(reg, indexer, nil, t.TempDir(), 16)

	cfg := config.Config{UploadDir: t.TempDir()}
	srv := httptest.NewServer(NewServer(cfg, reg, indexer, retr, pipe).Routes())
	t.Cleanup(srv.Close)
	return srv
}

func stubExtract(t *testing.T, res extract.Result) {
	t.Helper()
	prev := extractFn
	extractFn = func(string) (extract.Result, error) { return res, nil }
	t.Cleanup(func() { extractFn = prev })
}

func twoPageResult() extract.Result {
	return extract.Result{
		Pages: []models.Page{
			{
				PageNumber: 1, Kind: models.PageNative, Width: 595, Height: 842,
				Text: "Invoice #1002\nTotal amount due $500",
				Lines: []models.Line{
					{Text: "Invoice #1002", BBox: models.BBox{X: 50, Y: 80, W: 200, H: 14}},
					{Text: "Total amount due $500", BBox: models.BBox{X: 50, Y: 110, W: 240, H: 14}},
				},
			},
			{PageNumber: 2, Kind: models.PageRecognized, Width: 595, Height: 842},
		},
		RecognitionRequired: []int{2},
	}
}

func uploadPDF(t *testing.T, srv *httptest.Server, content string) map[string]any {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "invoice.pdf")
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(srv.URL+"/documents", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Contains(t, []int{http.StatusCreated, http.StatusOK}, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func docID(t *testing.T, body map[string]any) string {
	t.Helper()
	doc, ok := body["document"].(map[string]any)
	require.True(t, ok)
	id, ok := doc["doc_id"].(string)
	require.True(t, ok)
	return id
}

func TestUploadIndexesAndQueuesScannedPages(t *testing.T) {
	stubExtract(t, twoPageResult())
	srv := newTestServer(t)

	body := uploadPDF(t, srv, "%PDF-1.4 fake body")
	require.EqualValues(t, 1, body["chunk_count"].(float64))
	require.Len(t, body["queued_pages"].([]any), 1)
}

func TestUploadDeduplicatesBySHA256(t *testing.T) {
	stubExtract(t, twoPageResult())
	srv := newTestServer(t)

	first := uploadPDF(t, srv, "%PDF-1.4 same bytes")
	second := uploadPDF(t, srv, "%PDF-1.4 same bytes")

	require.Equal(t, docID(t, first), docID(t, second))
	require.Equal(t, true, second["deduplicated"])
}

func TestRetrieveEndpoint(t *testing.T) {
	stubExtract(t, twoPageResult())
	srv := newTestServer(t)
	id := docID(t, uploadPDF(t, srv, "%PDF-1.4 retrieval"))

	payload := fmt.Sprintf(`{"doc_id":%q,"query":"Total $500","top_k":3}`, id)
	resp, err := http.Post(srv.URL+"/retrieve", "application/json", strings.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Chunks []retrieveCitation `json:"chunks"`
		Reason string             `json:"reason"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotEmpty(t, body.Chunks)
	require.Equal(t, "ref-1", body.Chunks[0].RefID)
	require.Equal(t, 1, body.Chunks[0].PageNumber)
}

func TestRetrieveEmptyAllowedPagesReason(t *testing.T) {
	stubExtract(t, twoPageResult())
	srv := newTestServer(t)
	id := docID(t, uploadPDF(t, srv, "%PDF-1.4 restricted"))

	payload := fmt.Sprintf(`{"doc_id":%q,"query":"total","allowed_pages":[]}`, id)
	resp, err := http.Post(srv.URL+"/retrieve", "application/json", strings.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Empty(t, body["chunks"])
	require.Equal(t, retriever.ReasonNoAllowedPages, body["reason"])
}

func TestEnqueueOCRRejectsOutOfRange(t *testing.T) {
	stubExtract(t, twoPageResult())
	srv := newTestServer(t)
	id := docID(t, uploadPDF(t, srv, "%PDF-1.4 range"))

	resp, err := http.Post(srv.URL+"/documents/"+id+"/pages/9/ocr", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDeleteDocument(t *testing.T) {
	stubExtract(t, twoPageResult())
	srv := newTestServer(t)
	id := docID(t, uploadPDF(t, srv, "%PDF-1.4 delete me"))

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/documents/"+id, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	getResp, err := http.Get(srv.URL + "/documents/" + id)
	require.NoError(t, err)
	getResp.Body.Close()
	require.Equal(t, http.StatusNotFound, getResp.StatusCode)
}
