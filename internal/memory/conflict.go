package memory

import (
	"strings"

	"github.com/forager-labs/forager/tools/embedding"
)

// claimOverlapFloor is the token-set Jaccard below which two captures are
// treated as making non-overlapping factual claims. Distant embeddings alone
// are not enough; paraphrases of the same facts should supersede, not
// conflict.
const claimOverlapFloor = 0.5

// contradictory reports whether two captures of the same subject disagree:
// embedding distance above the conflict threshold combined with low overlap
// between their factual claims.
func contradictory(a, b Chunk, conflictTau float64) bool {
	if len(a.Embedding) == 0 || len(b.Embedding) == 0 {
		// Without vectors fall back to the claim comparison alone.
		return claimOverlap(a.Content, b.Content) < claimOverlapFloor
	}
	if embedding.Distance(a.Embedding, b.Embedding) <= conflictTau {
		return false
	}
	return claimOverlap(a.Content, b.Content) < claimOverlapFloor
}

// pickWinner applies the auto-resolution order: higher trust weight first;
// when trust is equal within epsilon, the more recent capture wins and the
// resolution is recorded as recency-based.
func pickWinner(a, b Chunk, trustEpsilon float64) (Chunk, Resolution) {
	diff := a.TrustWeight - b.TrustWeight
	if diff > trustEpsilon {
		return a, ResolutionTrustWeighted
	}
	if diff < -trustEpsilon {
		return b, ResolutionTrustWeighted
	}
	if b.CapturedAt.After(a.CapturedAt) {
		return b, ResolutionRecency
	}
	return a, ResolutionRecency
}

// claimOverlap is the Jaccard similarity of the significant-token sets of
// two contents, a cheap proxy for overlapping factual claims.
func claimOverlap(a, b string) float64 {
	as := tokenSet(a)
	bs := tokenSet(b)
	if len(as) == 0 || len(bs) == 0 {
		return 0
	}
	inter := 0
	for t := range as {
		if _, ok := bs[t]; ok {
			inter++
		}
	}
	union := len(as) + len(bs) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

var stopwords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "of": {}, "to": {},
	"in": {}, "on": {}, "is": {}, "are": {}, "was": {}, "were": {}, "for": {},
	"with": {}, "as": {}, "by": {}, "at": {}, "it": {}, "this": {}, "that": {},
}

func tokenSet(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		tok = strings.Trim(tok, ".,;:!?\"'()[]")
		if len(tok) < 3 {
			continue
		}
		if _, stop := stopwords[tok]; stop {
			continue
		}
		out[tok] = struct{}{}
	}
	return out
}
