package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
)

// MockProvider produces deterministic vectors without any network calls.
// Used in tests and as the degraded-mode fallback generator.
type MockProvider struct {
	dim int
}

func NewMockProvider(dim int) *MockProvider {
	if dim <= 0 {
		dim = 1536
	}
	return &MockProvider{dim: dim}
}

func (m *MockProvider) Name() string { return "mock" }

func (m *MockProvider) Dimension() int { return m.dim }

func (m *MockProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	_ = ctx
	vectors := make([][]float32, 0, len(texts))
	for _, t := range texts {
		vectors = append(vectors, Deterministic(t, m.dim))
	}
	return vectors, nil
}

func (m *MockProvider) String() string { return fmt.Sprintf("mock-embed-%d", m.dim) }

// Deterministic derives a unit-norm vector from the text content alone.
// Low retrieval quality, but stable across runs and good enough to keep the
// pipeline alive when the real provider is down.
func Deterministic(input string, dim int) []float32 {
	if dim <= 0 {
		dim = 1536
	}
	vec := make([]float32, dim)
	seed := []byte(input)
	if len(seed) == 0 {
		seed = []byte("empty")
	}
	for i := 0; i < dim; i++ {
		h := sha256.Sum256(append(seed, byte(i%251)))
		u := binary.BigEndian.Uint32(h[:4])
		vec[i] = float32(u%2000)/1000.0 - 1.0
	}
	return normalize(vec)
}

func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := float32(1.0 / (math.Sqrt(sum) + 1e-9))
	for i := range v {
		v[i] *= inv
	}
	return v
}
