package embedding

import (
	"context"
	"log"
)

// Provider converts text into dense vectors for the semantic index.
type Provider interface {
	Name() string
	Dimension() int
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// EmbedOrFallback never fails: on provider error every text gets the
// deterministic placeholder vector so indexing stays available in degraded
// mode. The quality trade-off is logged, not hidden.
func EmbedOrFallback(ctx context.Context, p Provider, texts []string) [][]float32 {
	if len(texts) == 0 {
		return nil
	}
	vecs, err := p.Embed(ctx, texts)
	if err == nil && len(vecs) == len(texts) {
		return vecs
	}
	if err != nil {
		log.Printf("[embedding] provider %s failed, using deterministic fallback vectors: %v", p.Name(), err)
	} else {
		log.Printf("[embedding] provider %s returned %d vectors for %d inputs, using deterministic fallback", p.Name(), len(vecs), len(texts))
	}
	out := make([][]float32, 0, len(texts))
	for _, t := range texts {
		out = append(out, Deterministic(t, p.Dimension()))
	}
	return out
}
