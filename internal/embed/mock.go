package embed

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"sync/atomic"
)

// Mock is a deterministic in-process Generator used by tests and by the CLI
// dry-run mode. It hashes each token of the input into a fixed-dimension
// bag-of-words vector, so texts sharing words come out similar and disjoint
// texts come out near-orthogonal. No model server involved.
type Mock struct {
	dimensions int
	calls      atomic.Int64
}

// NewMock creates a mock generator with the given dimensionality.
// A dimension of 0 defaults to 256.
func NewMock(dimensions int) *Mock {
	if dimensions <= 0 {
		dimensions = 256
	}
	return &Mock{dimensions: dimensions}
}

// Embed produces the deterministic bag-of-words embedding of text.
func (m *Mock) Embed(_ context.Context, text string) ([]float32, error) {
	m.calls.Add(1)

	vec := make([]float32, m.dimensions)
	for _, tok := range tokenize(text) {
		h := fnv.New64a()
		_, _ = h.Write([]byte(tok))
		vec[h.Sum64()%uint64(m.dimensions)] += 1
	}

	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	if norm > 0 {
		n := float32(math.Sqrt(float64(norm)))
		for i := range vec {
			vec[i] /= n
		}
	}
	return vec, nil
}

// Model returns a fixed marker name so cached vectors from the mock are
// never mistaken for a real model's.
func (m *Mock) Model() string {
	return "mock-bag-of-words"
}

// Calls returns how many times Embed has been invoked, across goroutines.
func (m *Mock) Calls() int64 {
	return m.calls.Load()
}

// tokenize lowercases the text and splits it on anything that is not a
// letter or digit.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
}

var _ Generator = (*Mock)(nil)
