package gap

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"

	"github.com/forager-labs/forager/config"
	"github.com/forager-labs/forager/internal/memory"
	"github.com/forager-labs/forager/internal/telemetry"
	"github.com/forager-labs/forager/provider"
	"github.com/forager-labs/forager/tools/embedding"
)

// Retriever is the slice of the memory store the detector needs for
// coverage probing.
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int) ([]memory.RetrievedChunk, error)
}

// Result carries the detected gaps plus the spend incurred finding them.
// Degraded marks a cycle where the model-backed analyzers were skipped.
type Result struct {
	Gaps     []Gap
	Degraded bool
	Cost     float64
	Tokens   int64
}

// Detector runs three analyzers over the agent's current question: N-sample
// divergence, critic probing, and structural heuristics. The first two need
// the model provider; when it is unavailable past retries the detector
// degrades to heuristics only instead of failing the cycle.
type Detector struct {
	llm       provider.Provider
	retriever Retriever
	cfg       config.DetectorConfig
	llmCfg    config.LLMConfig
	telemetry *telemetry.Telemetry
	logger    *log.Logger
}

func NewDetector(llm provider.Provider, retriever Retriever, cfg config.DetectorConfig, llmCfg config.LLMConfig, tel *telemetry.Telemetry, logger *log.Logger) *Detector {
	if logger == nil {
		logger = log.New(log.Writer(), "[DETECTOR] ", log.LstdFlags)
	}
	return &Detector{llm: llm, retriever: retriever, cfg: cfg, llmCfg: llmCfg, telemetry: tel, logger: logger}
}

// Detect analyzes the question in the context of the run goal and returns
// merged gaps sorted as found. Heuristic gaps are always attempted.
func (d *Detector) Detect(ctx context.Context, goal, question string) (Result, error) {
	var res Result

	samples, err := d.sampleAnswers(ctx, goal, question, &res)
	if err != nil {
		d.degrade(&res, fmt.Sprintf("sampling failed: %v", err))
	} else {
		if g, ok, err := d.uncertaintyGap(ctx, question, samples); err != nil {
			d.degrade(&res, fmt.Sprintf("uncertainty analysis failed: %v", err))
		} else if ok {
			res.Gaps = append(res.Gaps, g)
		}
		if !res.Degraded {
			if g, ok, err := d.probingGap(ctx, goal, question, samples[0], &res); err != nil {
				d.degrade(&res, fmt.Sprintf("probing failed: %v", err))
			} else if ok {
				res.Gaps = append(res.Gaps, g)
			}
		}
	}

	res.Gaps = append(res.Gaps, d.heuristicGaps(ctx, question)...)
	res.Gaps = dedup(res.Gaps, d.cfg.DedupSimilarity)
	for _, g := range res.Gaps {
		d.telemetry.RecordGap(string(g.Source))
	}
	return res, nil
}

func (d *Detector) degrade(res *Result, reason string) {
	if res.Degraded {
		return
	}
	res.Degraded = true
	d.logger.Printf("degrading to heuristics only: %s", reason)
	d.telemetry.RecordDetectorDegraded(reason)
}

func (d *Detector) sampleAnswers(ctx context.Context, goal, question string, res *Result) ([]string, error) {
	prompt := fmt.Sprintf("Research goal: %s\n\nAnswer the following from what you already know. Be concise and factual.\n\nQuestion: %s", goal, question)
	var samples []string
	err := provider.Retry(ctx, d.llmCfg.MaxRetries, d.llmCfg.RetryBaseDelay, func() error {
		out, in, outTok, err := d.llm.Sample(ctx, prompt, d.cfg.Samples)
		if err != nil {
			return err
		}
		samples = out
		res.Tokens += in + outTok
		res.Cost += d.llm.Cost(in, outTok)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(samples) < 2 {
		return nil, fmt.Errorf("provider returned %d samples, need at least 2", len(samples))
	}
	return samples, nil
}

// uncertaintyGap measures mean pairwise embedding distance across the
// samples. Divergent answers to the same question signal the model is
// guessing.
func (d *Detector) uncertaintyGap(ctx context.Context, question string, samples []string) (Gap, bool, error) {
	vecs, err := d.llm.Embed(ctx, samples)
	if err != nil {
		return Gap{}, false, fmt.Errorf("embedding samples: %w", err)
	}
	var sum float64
	var pairs int
	for i := 0; i < len(vecs); i++ {
		for j := i + 1; j < len(vecs); j++ {
			sum += embedding.Distance(vecs[i], vecs[j])
			pairs++
		}
	}
	if pairs == 0 {
		return Gap{}, false, nil
	}
	divergence := sum / float64(pairs)
	if divergence <= d.cfg.UncertaintyTau {
		return Gap{}, false, nil
	}
	desc := fmt.Sprintf("answers diverge on: %s", question)
	return New(desc, SourceUncertainty, divergence), true, nil
}

var confidenceLine = regexp.MustCompile(`(?mi)^\s*CONFIDENCE:\s*([01](?:\.\d+)?)\s*$`)

// probingGap challenges the draft answer with a critic pass and flags a gap
// when the revision moves far from the draft or self-reported confidence is
// low.
func (d *Detector) probingGap(ctx context.Context, goal, question, draft string, res *Result) (Gap, bool, error) {
	prompt := fmt.Sprintf(`Research goal: %s
Question: %s

Draft answer:
%s

Challenge the draft: identify unsupported claims, missing specifics, and stale assumptions, then produce a corrected answer.
End your reply with a single line of the form "CONFIDENCE: 0.00" giving your confidence in the corrected answer.`, goal, question, draft)

	var revised string
	err := provider.Retry(ctx, d.llmCfg.MaxRetries, d.llmCfg.RetryBaseDelay, func() error {
		out, in, outTok, err := d.llm.Complete(ctx, prompt)
		if err != nil {
			return err
		}
		revised = out
		res.Tokens += in + outTok
		res.Cost += d.llm.Cost(in, outTok)
		return nil
	})
	if err != nil {
		return Gap{}, false, err
	}

	confidence := 1.0
	if m := confidenceLine.FindAllStringSubmatch(revised, -1); len(m) > 0 {
		if v, err := strconv.ParseFloat(m[len(m)-1][1], 64); err == nil {
			confidence = v
		}
	}

	vecs, err := d.llm.Embed(ctx, []string{draft, confidenceLine.ReplaceAllString(revised, "")})
	if err != nil {
		return Gap{}, false, fmt.Errorf("embedding probe: %w", err)
	}
	drift := embedding.Distance(vecs[0], vecs[1])

	if drift <= d.cfg.ProbeTau && confidence >= d.cfg.ConfidenceTau {
		return Gap{}, false, nil
	}
	deficit := drift
	if 1-confidence > deficit {
		deficit = 1 - confidence
	}
	desc := fmt.Sprintf("draft answer does not survive scrutiny: %s", question)
	return New(desc, SourceProbing, deficit), true, nil
}

var (
	comparativeTerms = regexp.MustCompile(`(?i)\b(best|worst|cheapest|fastest|better|compare|recommend|should (?:i|we))\b`)
	criteriaTerms    = regexp.MustCompile(`(?i)\b(for|by|under|within|per|according to|given|criteria|in terms of)\b`)
	danglingPronoun  = regexp.MustCompile(`(?i)^\s*(it|this|that|they|these|those)\b`)
)

// heuristicGaps checks fast structural signatures that need no model call:
// comparative questions without criteria, dangling references, and questions
// memory cannot cover.
func (d *Detector) heuristicGaps(ctx context.Context, question string) []Gap {
	var gaps []Gap
	if comparativeTerms.MatchString(question) && !criteriaTerms.MatchString(question) {
		gaps = append(gaps, New(
			fmt.Sprintf("comparison requested without criteria: %s", question),
			SourceHeuristic, d.cfg.HeuristicDeficit))
	}
	if danglingPronoun.MatchString(question) {
		gaps = append(gaps, New(
			fmt.Sprintf("unresolved reference in: %s", question),
			SourceHeuristic, d.cfg.HeuristicDeficit))
	}
	if d.retriever != nil {
		topK := d.cfg.RetrievalMissNumber
		if topK <= 0 {
			topK = 5
		}
		hits, err := d.retriever.Retrieve(ctx, question, topK)
		if err != nil {
			d.logger.Printf("retrieval probe failed: %v", err)
		} else {
			covered := false
			var refs []string
			for _, h := range hits {
				if h.Similarity >= d.cfg.RetrievalTau {
					covered = true
				}
				refs = append(refs, h.Chunk.ID)
			}
			if !covered {
				gaps = append(gaps, New(
					fmt.Sprintf("no stored knowledge covers: %s", question),
					SourceHeuristic, d.cfg.HeuristicDeficit, refs...))
			}
		}
	}
	return gaps
}

// dedup merges gaps whose descriptions overlap above the threshold. The
// survivor keeps the highest deficit and the union of context refs.
func dedup(gaps []Gap, threshold float64) []Gap {
	if threshold <= 0 || len(gaps) < 2 {
		return gaps
	}
	merged := make([]Gap, 0, len(gaps))
	for _, g := range gaps {
		matched := false
		for i := range merged {
			if descriptionSimilarity(merged[i].Description, g.Description) >= threshold {
				if g.ConfidenceDeficit > merged[i].ConfidenceDeficit {
					merged[i].ConfidenceDeficit = g.ConfidenceDeficit
				}
				merged[i].ContextRefs = unionRefs(merged[i].ContextRefs, g.ContextRefs)
				matched = true
				break
			}
		}
		if !matched {
			merged = append(merged, g)
		}
	}
	return merged
}

func unionRefs(a, b []string) []string {
	seen := make(map[string]struct{}, len(a))
	out := append([]string(nil), a...)
	for _, r := range a {
		seen[r] = struct{}{}
	}
	for _, r := range b {
		if _, ok := seen[r]; !ok {
			seen[r] = struct{}{}
			out = append(out, r)
		}
	}
	return out
}

// descriptionSimilarity is token Jaccard, cheap enough to run on every pair.
func descriptionSimilarity(a, b string) float64 {
	ta, tb := tokenSet(a), tokenSet(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	inter := 0
	for tok := range ta {
		if _, ok := tb[tok]; ok {
			inter++
		}
	}
	return float64(inter) / float64(len(ta)+len(tb)-inter)
}

func tokenSet(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, tok := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	}) {
		if len(tok) >= 3 {
			out[tok] = struct{}{}
		}
	}
	return out
}
