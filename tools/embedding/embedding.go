package embedding

import (
	"context"
	"math"

	"github.com/forager-labs/forager/provider"
)

// Embedding batches embedding calls through the configured provider.
type Embedding struct {
	provider provider.Provider
}

// EmbedVec pairs a document id with its vector.
type EmbedVec struct {
	DocID string
	Vec   []float32
}

func NewEmbedding(p provider.Provider) *Embedding {
	return &Embedding{provider: p}
}

func (e *Embedding) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	return e.provider.Embed(ctx, texts)
}

func (e *Embedding) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.provider.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, nil
	}
	return vecs[0], nil
}

// Cosine returns the cosine similarity of two vectors, 0 when either has no
// magnitude.
func Cosine(a, b []float32) float64 {
	var dot, na, nb float64
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		ai := float64(a[i])
		bi := float64(b[i])
		dot += ai * bi
		na += ai * ai
		nb += bi * bi
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Distance is 1 - Cosine, clamped to [0,2].
func Distance(a, b []float32) float64 {
	d := 1 - Cosine(a, b)
	if d < 0 {
		return 0
	}
	return d
}
