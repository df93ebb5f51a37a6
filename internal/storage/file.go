package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"docqa/internal/models"
	"docqa/internal/util"
)

// FileStore persists everything as JSON under one directory:
// documents.json for metadata, ocr/<doc_id>.json per recognition payload.
// Writes go through a temp file and rename so a crash never leaves a
// half-written artifact.
type FileStore struct {
	mu   sync.RWMutex
	dir  string
	docs map[string]models.Document
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := util.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	if err := util.EnsureDir(filepath.Join(dir, "ocr")); err != nil {
		return nil, fmt.Errorf("create ocr dir: %w", err)
	}

	s := &FileStore{dir: dir, docs: make(map[string]models.Document)}

	var docs []models.Document
	err := util.ReadJSON(s.docsPath(), &docs)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load documents: %w", err)
	}
	for _, d := range docs {
		s.docs[d.ID] = d
	}
	return s, nil
}

func (s *FileStore) docsPath() string {
	return filepath.Join(s.dir, "documents.json")
}

func (s *FileStore) resultPath(docID string) string {
	return util.SafeJoin(filepath.Join(s.dir, "ocr"), docID+".json")
}

// flushLocked rewrites documents.json. Caller holds s.mu.
func (s *FileStore) flushLocked() error {
	docs := make([]models.Document, 0, len(s.docs))
	for _, d := range s.docs {
		docs = append(docs, d)
	}
	if err := util.WriteJSONAtomic(s.docsPath(), docs); err != nil {
		return fmt.Errorf("write documents: %w", err)
	}
	return nil
}

func (s *FileStore) UpsertDoc(ctx context.Context, doc models.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[doc.ID] = doc
	return s.flushLocked()
}

func (s *FileStore) GetByDocID(ctx context.Context, docID string) (models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[docID]
	if !ok {
		return models.Document{}, util.ErrDocumentNotFound
	}
	return doc, nil
}

func (s *FileStore) GetBySHA256(ctx context.Context, sha256 string) (models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, doc := range s.docs {
		if doc.SHA256 == sha256 {
			return doc, nil
		}
	}
	return models.Document{}, util.ErrDocumentNotFound
}

func (s *FileStore) ListDocs(ctx context.Context) ([]models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Document, 0, len(s.docs))
	for _, doc := range s.docs {
		out = append(out, doc)
	}
	return out, nil
}

func (s *FileStore) DeleteDoc(ctx context.Context, docID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[docID]; !ok {
		return util.ErrDocumentNotFound
	}
	delete(s.docs, docID)
	if err := os.Remove(s.resultPath(docID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove recognition result: %w", err)
	}
	return s.flushLocked()
}

func (s *FileStore) SaveRecognitionResult(ctx context.Context, result models.RecognitionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := util.WriteJSONAtomic(s.resultPath(result.DocID), result); err != nil {
		return fmt.Errorf("write recognition result: %w", err)
	}
	return nil
}

func (s *FileStore) LoadRecognitionResult(ctx context.Context, docID string) (models.RecognitionResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result models.RecognitionResult
	err := util.ReadJSON(s.resultPath(docID), &result)
	if errors.Is(err, os.ErrNotExist) {
		return models.RecognitionResult{DocID: docID}, nil
	}
	if err != nil {
		return models.RecognitionResult{}, fmt.Errorf("load recognition result: %w", err)
	}
	result.DocID = docID
	return result, nil
}
