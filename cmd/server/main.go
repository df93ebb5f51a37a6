package main

import (
	"context"
	"log"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"docqa/internal/api"
	"docqa/internal/config"
	"docqa/internal/embedding"
	"docqa/internal/index"
	"docqa/internal/ocr"
	"docqa/internal/pipeline"
	"docqa/internal/registry"
	"docqa/internal/retriever"
	"docqa/internal/storage"
)

func main() {
	_ = godotenv.Load(".env")
	cfg := config.Load()
	ctx := context.Background()

	store, closeStore, err := buildStore(ctx, cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer closeStore()

	embedder := buildEmbedder(cfg)
	vectors, err := buildVectors(ctx, cfg, embedder.Dimension())
	if err != nil {
		log.Fatal(err)
	}

	lexical := index.NewLexicalCache()
	indexer := index.NewIndexer(vectors, lexical, embedder)
	retr := retriever.New(embedder, vectors, lexical)
	reg := registry.New(store)

	var providers []ocr.Provider
	if cfg.OCRRemoteURL != "" {
		providers = append(providers, ocr.NewRemoteProvider(cfg.OCRRemoteURL, cfg.OCRRemoteToken))
	}
	providers = append(providers, ocr.NewLocalProvider(cfg.OCRLocalURL))

	imageDir := filepath.Join(cfg.StoreDir, "pages")
	pipe := pipeline.New(reg, indexer, providers, imageDir, cfg.QueueDepth)
	pipe.Start(ctx)
	defer pipe.Stop()

	srv := api.NewServer(cfg, reg, indexer, retr, pipe)
	log.Printf("docqa api listening on %s store=%s vectors=%s embedder=%s ocr_providers=%d",
		cfg.APIAddr, storeKind(cfg), vectorKind(cfg), embedder.Name(), len(providers))
	if err := http.ListenAndServe(cfg.APIAddr, srv.Routes()); err != nil {
		log.Fatal(err)
	}
}

func buildStore(ctx context.Context, cfg config.Config) (storage.Store, func(), error) {
	if cfg.PostgresURL == "" {
		fs, err := storage.NewFileStore(cfg.StoreDir)
		return fs, func() {}, err
	}
	db, err := storage.NewDB(ctx, cfg.PostgresURL)
	if err != nil {
		return nil, nil, err
	}
	ps := storage.NewPostgresStore(db)
	if err := ps.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	return ps, db.Close, nil
}

func buildEmbedder(cfg config.Config) embedding.Provider {
	if cfg.EmbedAPIKey == "" {
		log.Printf("[main] no embed api key set, using mock embedder")
		return embedding.NewMockProvider(cfg.EmbedDim)
	}
	return embedding.NewOpenAIProvider(cfg.EmbedAPIKey, cfg.EmbedBaseURL, cfg.EmbedModel, cfg.EmbedDim)
}

func buildVectors(ctx context.Context, cfg config.Config, dim int) (index.VectorIndex, error) {
	if cfg.QdrantAddr == "" {
		log.Printf("[main] no qdrant address set, using in-memory vector index")
		return index.NewMemoryIndex(), nil
	}
	host, port := cfg.QdrantAddr, 6334
	if h, p, ok := strings.Cut(cfg.QdrantAddr, ":"); ok {
		host = h
		if n, err := strconv.Atoi(p); err == nil {
			port = n
		}
	}
	return index.NewQdrantIndex(ctx, host, port, cfg.QdrantCollection, dim)
}

func storeKind(cfg config.Config) string {
	if cfg.PostgresURL == "" {
		return "file"
	}
	return "postgres"
}

func vectorKind(cfg config.Config) string {
	if cfg.QdrantAddr == "" {
		return "memory"
	}
	return "qdrant"
}
