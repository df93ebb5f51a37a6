package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"docqa/internal/models"
)

// DefaultLocalURL is the offline recognition sidecar on the same host.
const DefaultLocalURL = "http://localhost:8089"

// LocalProvider talks to a self-hosted recognition sidecar. It requires no
// credentials, so it only ever fails transiently.
type LocalProvider struct {
	baseURL string
	client  *http.Client
}

func NewLocalProvider(baseURL string) *LocalProvider {
	if baseURL == "" {
		baseURL = DefaultLocalURL
	}
	return &LocalProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 120 * time.Second},
	}
}

func (p *LocalProvider) Name() string { return "local" }

type localRequest struct {
	Image string `json:"image"`
}

type localResponse struct {
	Items []struct {
		Poly [][]float64 `json:"poly"`
		Text string      `json:"text"`
	} `json:"items"`
}

func (p *LocalProvider) Process(ctx context.Context, req Request) ([]models.RecognizedFragment, FailureKind, error) {
	image, err := readImageBase64(req.ImagePath)
	if err != nil {
		return failure(FailureTransient, err)
	}

	body, err := json.Marshal(localRequest{Image: image})
	if err != nil {
		return failure(FailureTransient, fmt.Errorf("encode request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/ocr", bytes.NewReader(body))
	if err != nil {
		return failure(FailureTransient, fmt.Errorf("build request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return failure(FailureTransient, fmt.Errorf("call local ocr: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return failure(FailureTransient, fmt.Errorf("local ocr status %d", resp.StatusCode))
	}

	var parsed localResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return failure(FailureTransient, fmt.Errorf("decode local ocr response: %w", err))
	}

	var out []models.RecognizedFragment
	for _, item := range parsed.Items {
		if strings.TrimSpace(item.Text) == "" || len(item.Poly) < 4 {
			continue
		}
		box, ok := polyBounds(item.Poly)
		if !ok {
			continue
		}
		out = append(out, models.RecognizedFragment{
			Text: item.Text,
			BBox: scaleBox(box),
		})
	}
	log.Printf("[ocr] local page=%d fragments=%d", req.PageNumber, len(out))
	return out, FailureNone, nil
}
