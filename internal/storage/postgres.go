package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"docqa/internal/models"
	"docqa/internal/util"
)

type DB struct {
	Pool *pgxpool.Pool
}

func NewDB(ctx context.Context, dsn string) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &DB{Pool: pool}, nil
}

func (d *DB) Close() {
	if d != nil && d.Pool != nil {
		d.Pool.Close()
	}
}

// PostgresStore keeps document records in a documents table and the raw
// recognition payloads in a side table keyed by doc id.
type PostgresStore struct {
	db *DB
}

func NewPostgresStore(db *DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema keeps startup resilient even if the operator forgot to run
// migrations.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS documents (
  doc_id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  sha256 TEXT NOT NULL,
  file_path TEXT NOT NULL DEFAULT '',
  total_pages INT NOT NULL DEFAULT 0,
  chunk_count INT NOT NULL DEFAULT 0,
  page_ocr_status JSONB NOT NULL DEFAULT '{}',
  recognized_pages JSONB NOT NULL DEFAULT '[]',
  required_pages JSONB NOT NULL DEFAULT '[]',
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_documents_sha256 ON documents(sha256);

CREATE TABLE IF NOT EXISTS recognition_results (
  doc_id TEXT PRIMARY KEY REFERENCES documents(doc_id) ON DELETE CASCADE,
  payload JSONB NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`
	if _, err := s.db.Pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensure documents schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpsertDoc(ctx context.Context, doc models.Document) error {
	status := doc.PageOCRStatus
	if status == nil {
		status = map[int]models.PageStatus{}
	}
	statusJSON, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("encode page status: %w", err)
	}
	recognizedJSON, _ := json.Marshal(orEmpty(doc.RecognizedPages))
	requiredJSON, _ := json.Marshal(orEmpty(doc.RequiredPages))

	_, err = s.db.Pool.Exec(ctx, `
INSERT INTO documents (doc_id, name, sha256, file_path, total_pages, chunk_count, page_ocr_status, recognized_pages, required_pages, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
ON CONFLICT (doc_id)
DO UPDATE SET
  name = EXCLUDED.name,
  sha256 = EXCLUDED.sha256,
  file_path = EXCLUDED.file_path,
  total_pages = EXCLUDED.total_pages,
  chunk_count = EXCLUDED.chunk_count,
  page_ocr_status = EXCLUDED.page_ocr_status,
  recognized_pages = EXCLUDED.recognized_pages,
  required_pages = EXCLUDED.required_pages,
  updated_at = NOW()`,
		doc.ID, doc.Name, doc.SHA256, doc.FilePath, doc.TotalPages, doc.ChunkCount,
		statusJSON, recognizedJSON, requiredJSON,
	)
	if err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}
	return nil
}

const docColumns = `doc_id, name, sha256, file_path, total_pages, chunk_count,
       page_ocr_status, recognized_pages, required_pages, created_at, updated_at`

func (s *PostgresStore) GetByDocID(ctx context.Context, docID string) (models.Document, error) {
	row := s.db.Pool.QueryRow(ctx, `SELECT `+docColumns+` FROM documents WHERE doc_id=$1`, docID)
	return scanDoc(row)
}

func (s *PostgresStore) GetBySHA256(ctx context.Context, sha256 string) (models.Document, error) {
	row := s.db.Pool.QueryRow(ctx, `SELECT `+docColumns+` FROM documents WHERE sha256=$1`, sha256)
	return scanDoc(row)
}

func (s *PostgresStore) ListDocs(ctx context.Context) ([]models.Document, error) {
	rows, err := s.db.Pool.Query(ctx, `SELECT `+docColumns+` FROM documents ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	out := make([]models.Document, 0)
	for rows.Next() {
		doc, err := scanDoc(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) DeleteDoc(ctx context.Context, docID string) error {
	tag, err := s.db.Pool.Exec(ctx, `DELETE FROM documents WHERE doc_id=$1`, docID)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return util.ErrDocumentNotFound
	}
	return nil
}

func (s *PostgresStore) SaveRecognitionResult(ctx context.Context, result models.RecognitionResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode recognition result: %w", err)
	}
	_, err = s.db.Pool.Exec(ctx, `
INSERT INTO recognition_results (doc_id, payload, updated_at)
VALUES ($1, $2, NOW())
ON CONFLICT (doc_id) DO UPDATE SET payload = EXCLUDED.payload, updated_at = NOW()`,
		result.DocID, payload,
	)
	if err != nil {
		return fmt.Errorf("save recognition result: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadRecognitionResult(ctx context.Context, docID string) (models.RecognitionResult, error) {
	var payload []byte
	err := s.db.Pool.QueryRow(ctx, `SELECT payload FROM recognition_results WHERE doc_id=$1`, docID).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.RecognitionResult{DocID: docID}, nil
	}
	if err != nil {
		return models.RecognitionResult{}, fmt.Errorf("load recognition result: %w", err)
	}

	var result models.RecognitionResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return models.RecognitionResult{}, fmt.Errorf("decode recognition result: %w", err)
	}
	result.DocID = docID
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDoc(row rowScanner) (models.Document, error) {
	var doc models.Document
	var statusJSON, recognizedJSON, requiredJSON []byte
	err := row.Scan(&doc.ID, &doc.Name, &doc.SHA256, &doc.FilePath, &doc.TotalPages, &doc.ChunkCount,
		&statusJSON, &recognizedJSON, &requiredJSON, &doc.CreatedAt, &doc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Document{}, util.ErrDocumentNotFound
	}
	if err != nil {
		return models.Document{}, fmt.Errorf("scan document: %w", err)
	}

	if err := json.Unmarshal(statusJSON, &doc.PageOCRStatus); err != nil {
		return models.Document{}, fmt.Errorf("decode page status: %w", err)
	}
	if err := json.Unmarshal(recognizedJSON, &doc.RecognizedPages); err != nil {
		return models.Document{}, fmt.Errorf("decode recognized pages: %w", err)
	}
	if err := json.Unmarshal(requiredJSON, &doc.RequiredPages); err != nil {
		return models.Document{}, fmt.Errorf("decode required pages: %w", err)
	}
	return doc, nil
}

func orEmpty(pages []int) []int {
	if pages == nil {
		return []int{}
	}
	return pages
}
