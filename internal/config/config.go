package config

import (
	"os"
	"strconv"
)

type Config struct {
	APIAddr          string
	PostgresURL      string
	StoreDir         string
	UploadDir        string
	QdrantAddr       string
	QdrantCollection string
	EmbedBaseURL     string
	EmbedAPIKey      string
	EmbedModel       string
	EmbedDim         int
	OCRRemoteURL     string
	OCRRemoteToken   string
	OCRLocalURL      string
	ChunkSize        int
	ChunkOverlap     int
	QueueDepth       int
}

func Load() Config {
	return Config{
		APIAddr:          getenv("DOCQA_API_ADDR", ":8080"),
		PostgresURL:      getenv("DOCQA_POSTGRES_URL", ""),
		StoreDir:         getenv("DOCQA_STORE_DIR", "./doc_store"),
		UploadDir:        getenv("DOCQA_UPLOAD_DIR", "./uploads"),
		QdrantAddr:       getenv("DOCQA_QDRANT_ADDR", ""),
		QdrantCollection: getenv("DOCQA_QDRANT_COLLECTION", "docqa_chunks"),
		EmbedBaseURL:     getenv("DOCQA_EMBED_BASE_URL", "https://api.openai.com/v1"),
		EmbedAPIKey:      getenv("DOCQA_EMBED_API_KEY", ""),
		EmbedModel:       getenv("DOCQA_EMBED_MODEL", "text-embedding-3-small"),
		EmbedDim:         getenvInt("DOCQA_EMBED_DIM", 1536),
		OCRRemoteURL:     getenv("DOCQA_OCR_REMOTE_URL", ""),
		OCRRemoteToken:   getenv("DOCQA_OCR_REMOTE_TOKEN", ""),
		OCRLocalURL:      getenv("DOCQA_OCR_LOCAL_URL", "http://localhost:8089"),
		ChunkSize:        getenvInt("DOCQA_CHUNK_SIZE", 500),
		ChunkOverlap:     getenvInt("DOCQA_CHUNK_OVERLAP", 50),
		QueueDepth:       getenvInt("DOCQA_OCR_QUEUE_DEPTH", 256),
	}
}

func getenv(k, fallback string) string {
	v := os.Getenv(k)
	if v == "" {
		return fallback
	}
	return v
}

func getenvInt(k string, fallback int) int {
	v := os.Getenv(k)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
