package gap

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/forager-labs/forager/config"
	"github.com/forager-labs/forager/internal/memory"
)

type stubProvider struct {
	samples     []string
	sampleErr   error
	completion  string
	completeErr error
	embedFn     func(text string) []float32
}

func (s *stubProvider) Complete(ctx context.Context, prompt string) (string, int64, int64, error) {
	if s.completeErr != nil {
		return "", 0, 0, s.completeErr
	}
	return s.completion, 10, 20, nil
}

func (s *stubProvider) Sample(ctx context.Context, prompt string, n int) ([]string, int64, int64, error) {
	if s.sampleErr != nil {
		return nil, 0, 0, s.sampleErr
	}
	return s.samples, 10, 20, nil
}

func (s *stubProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if s.embedFn != nil {
			out[i] = s.embedFn(t)
		} else {
			out[i] = []float32{1, 0}
		}
	}
	return out, nil
}

func (s *stubProvider) Cost(inputTokens, outputTokens int64) float64 {
	return float64(inputTokens+outputTokens) / 1000
}

type stubRetriever struct {
	hits []memory.RetrievedChunk
	err  error
}

func (s *stubRetriever) Retrieve(ctx context.Context, query string, topK int) ([]memory.RetrievedChunk, error) {
	return s.hits, s.err
}

func testDetectorConfig() config.DetectorConfig {
	return config.DetectorConfig{
		Samples:             2,
		UncertaintyTau:      0.3,
		ProbeTau:            0.3,
		ConfidenceTau:       0.5,
		RetrievalTau:        0.6,
		DedupSimilarity:     0.8,
		HeuristicDeficit:    0.4,
		RetrievalMissNumber: 3,
	}
}

func testLLMConfig() config.LLMConfig {
	return config.LLMConfig{MaxRetries: 1, RetryBaseDelay: time.Millisecond}
}

func covered() *stubRetriever {
	return &stubRetriever{hits: []memory.RetrievedChunk{{
		Chunk:      memory.Chunk{ID: "c1"},
		Similarity: 0.9,
	}}}
}

func hasSource(gaps []Gap, src Source) bool {
	for _, g := range gaps {
		if g.Source == src {
			return true
		}
	}
	return false
}

func TestDetectDivergentSamples(t *testing.T) {
	llm := &stubProvider{
		samples:    []string{"alpha released in march", "alpha never shipped"},
		completion: "alpha released in march\nCONFIDENCE: 0.90",
		embedFn: func(text string) []float32 {
			if strings.Contains(text, "never") {
				return []float32{0, 1}
			}
			return []float32{1, 0}
		},
	}
	d := NewDetector(llm, covered(), testDetectorConfig(), testLLMConfig(), nil, nil)

	res, err := d.Detect(context.Background(), "track alpha", "when did alpha ship?")
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if res.Degraded {
		t.Fatal("expected full detection, got degraded")
	}
	if !hasSource(res.Gaps, SourceUncertainty) {
		t.Fatalf("expected uncertainty gap, got %+v", res.Gaps)
	}
	if res.Tokens == 0 || res.Cost == 0 {
		t.Fatalf("expected spend accounting, got tokens=%d cost=%f", res.Tokens, res.Cost)
	}
}

func TestDetectConsistentSamplesNoUncertaintyGap(t *testing.T) {
	llm := &stubProvider{
		samples:    []string{"alpha shipped in march", "alpha shipped in march"},
		completion: "alpha shipped in march\nCONFIDENCE: 0.95",
	}
	d := NewDetector(llm, covered(), testDetectorConfig(), testLLMConfig(), nil, nil)

	res, err := d.Detect(context.Background(), "track alpha", "when did alpha ship?")
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if hasSource(res.Gaps, SourceUncertainty) {
		t.Fatalf("unexpected uncertainty gap: %+v", res.Gaps)
	}
	if hasSource(res.Gaps, SourceProbing) {
		t.Fatalf("unexpected probing gap: %+v", res.Gaps)
	}
}

func TestDetectLowConfidenceProbe(t *testing.T) {
	llm := &stubProvider{
		samples:    []string{"alpha shipped in march", "alpha shipped in march"},
		completion: "alpha shipped in march\nCONFIDENCE: 0.20",
	}
	d := NewDetector(llm, covered(), testDetectorConfig(), testLLMConfig(), nil, nil)

	res, err := d.Detect(context.Background(), "track alpha", "when did alpha ship?")
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	var probe *Gap
	for i := range res.Gaps {
		if res.Gaps[i].Source == SourceProbing {
			probe = &res.Gaps[i]
		}
	}
	if probe == nil {
		t.Fatalf("expected probing gap, got %+v", res.Gaps)
	}
	if probe.ConfidenceDeficit < 0.79 || probe.ConfidenceDeficit > 0.81 {
		t.Fatalf("expected deficit near 0.8, got %f", probe.ConfidenceDeficit)
	}
}

func TestDetectDegradesOnProviderFailure(t *testing.T) {
	llm := &stubProvider{sampleErr: errors.New("connection refused")}
	d := NewDetector(llm, &stubRetriever{}, testDetectorConfig(), testLLMConfig(), nil, nil)

	res, err := d.Detect(context.Background(), "track alpha", "when did alpha ship?")
	if err != nil {
		t.Fatalf("Detect should not fail on provider outage: %v", err)
	}
	if !res.Degraded {
		t.Fatal("expected degraded result")
	}
	for _, g := range res.Gaps {
		if g.Source != SourceHeuristic {
			t.Fatalf("degraded cycle emitted non-heuristic gap: %+v", g)
		}
	}
	// empty retriever means a coverage miss
	if !hasSource(res.Gaps, SourceHeuristic) {
		t.Fatal("expected heuristic coverage gap")
	}
}

func TestHeuristicSignatures(t *testing.T) {
	d := NewDetector(nil, nil, testDetectorConfig(), testLLMConfig(), nil, nil)
	ctx := context.Background()

	gaps := d.heuristicGaps(ctx, "which vector database is best?")
	if len(gaps) != 1 {
		t.Fatalf("expected missing-criteria gap, got %+v", gaps)
	}
	if gaps[0].ConfidenceDeficit != 0.4 {
		t.Fatalf("heuristic deficit = %f, want fixed 0.4", gaps[0].ConfidenceDeficit)
	}

	if gaps := d.heuristicGaps(ctx, "which vector database is best for filtered search under 10ms?"); len(gaps) != 0 {
		t.Fatalf("criteria present, expected no gap, got %+v", gaps)
	}

	if gaps := d.heuristicGaps(ctx, "that broke again, why?"); len(gaps) != 1 {
		t.Fatalf("expected unresolved-reference gap, got %+v", gaps)
	}
}

func TestRetrievalMissGapCarriesRefs(t *testing.T) {
	retr := &stubRetriever{hits: []memory.RetrievedChunk{
		{Chunk: memory.Chunk{ID: "c1"}, Similarity: 0.2},
		{Chunk: memory.Chunk{ID: "c2"}, Similarity: 0.3},
	}}
	d := NewDetector(nil, retr, testDetectorConfig(), testLLMConfig(), nil, nil)

	gaps := d.heuristicGaps(context.Background(), "latest postgres release notes")
	if len(gaps) != 1 {
		t.Fatalf("expected coverage gap, got %+v", gaps)
	}
	if len(gaps[0].ContextRefs) != 2 {
		t.Fatalf("expected near-miss refs, got %+v", gaps[0].ContextRefs)
	}
}

func TestDedupMergesSimilarGaps(t *testing.T) {
	a := New("no stored knowledge covers: latest postgres release notes", SourceHeuristic, 0.4, "c1")
	b := New("no stored knowledge covers latest postgres release notes", SourceUncertainty, 0.7, "c2")
	c := New("answers diverge on: kubernetes upgrade path", SourceUncertainty, 0.5)

	merged := dedup([]Gap{a, b, c}, 0.8)
	if len(merged) != 2 {
		t.Fatalf("expected 2 gaps after merge, got %d", len(merged))
	}
	if merged[0].ConfidenceDeficit != 0.7 {
		t.Fatalf("merge should keep max deficit, got %f", merged[0].ConfidenceDeficit)
	}
	if len(merged[0].ContextRefs) != 2 {
		t.Fatalf("merge should union refs, got %+v", merged[0].ContextRefs)
	}
}
