// Package ocr contains the recognition providers and the fragment
// post-processing shared between them.
package ocr

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"

	"docqa/internal/models"
	"docqa/internal/util"
)

// FailureKind classifies a provider failure so the pipeline can decide
// between document-wide and page-local fallback.
type FailureKind int

const (
	FailureNone FailureKind = iota
	// FailureAuth means credentials were rejected. Retrying other pages
	// against the same provider is pointless.
	FailureAuth
	// FailureTransient covers everything else: timeouts, 5xx, empty output.
	FailureTransient
)

func (k FailureKind) String() string {
	switch k {
	case FailureAuth:
		return "auth"
	case FailureTransient:
		return "transient"
	default:
		return "none"
	}
}

// Request describes one page image to recognize. Width and height are the
// page's PDF-point dimensions, used by providers that return relative
// coordinates.
type Request struct {
	ImagePath  string
	PageNumber int
	PageWidth  float64
	PageHeight float64
}

// Provider is one recognition backend. Fragments come back in provider
// reading order with top-left-origin PDF-point coordinates. On failure the
// kind tells the caller whether the whole document should stop using this
// provider or only this page.
type Provider interface {
	Name() string
	Process(ctx context.Context, req Request) ([]models.RecognizedFragment, FailureKind, error)
}

// failure tags a provider error with the sentinel matching its kind so
// callers can use errors.Is without threading the kind alongside.
func failure(kind FailureKind, err error) ([]models.RecognizedFragment, FailureKind, error) {
	switch kind {
	case FailureAuth:
		err = fmt.Errorf("%w: %w", util.ErrProviderAuth, err)
	case FailureTransient:
		err = fmt.Errorf("%w: %w", util.ErrProviderTransient, err)
	}
	return nil, kind, err
}

func readImageBase64(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read page image: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
