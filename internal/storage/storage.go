// Package storage persists document metadata and recognition payloads.
// Two implementations share one contract: Postgres for deployments and a
// JSON file store for development and tests.
package storage

import (
	"context"

	"docqa/internal/models"
)

// Store is the persistence contract the registry and pipeline write through.
// Lookups return util.ErrDocumentNotFound when no record exists.
// LoadRecognitionResult returns a zero-page result, not an error, for
// documents that never went through recognition.
type Store interface {
	UpsertDoc(ctx context.Context, doc models.Document) error
	GetByDocID(ctx context.Context, docID string) (models.Document, error)
	GetBySHA256(ctx context.Context, sha256 string) (models.Document, error)
	ListDocs(ctx context.Context) ([]models.Document, error)
	DeleteDoc(ctx context.Context, docID string) error

	SaveRecognitionResult(ctx context.Context, result models.RecognitionResult) error
	LoadRecognitionResult(ctx context.Context, docID string) (models.RecognitionResult, error)
}
