package memory

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/forager-labs/forager/config"
	"github.com/forager-labs/forager/tools/embedding"
)

// casRetries bounds the optimistic retry loop on the active-chunk pointer.
const casRetries = 3

// BenefitFunc estimates benefit-of-resolution for a conflict, reusing the
// prioritizer's benefit composition (deficit, relevance, recurrence).
type BenefitFunc func(deficit, relevance, recurrence float64) float64

// Store is the conflict-aware, versioned knowledge store. All cross-run
// coordination in the system is pushed into this type; both the live
// orchestrator and the refresh scheduler only ever call Upsert/Retrieve.
type Store struct {
	repo     Repository
	embedder *embedding.Embedding
	cfg      config.MemoryConfig
	benefit  BenefitFunc
	logger   *log.Logger
}

// NewStore wires a repository with an embedder and the memory thresholds.
// benefit may be nil, in which case conflicts never escalate on benefit
// grounds (trust/recency auto-resolution still applies).
func NewStore(repo Repository, embedder *embedding.Embedding, cfg config.MemoryConfig, benefit BenefitFunc, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.New(log.Writer(), "[MEMORY] ", log.LstdFlags)
	}
	return &Store{repo: repo, embedder: embedder, cfg: cfg, benefit: benefit, logger: logger}
}

// Upsert writes a candidate capture under the append-only contract:
//   - identical (source_uri, content_hash) already active: no-op accept;
//   - no active chunk for the subject: plain accept;
//   - different hash, semantically compatible: supersede the old chunk;
//   - different hash, contradictory: produce a ConflictRecord and resolve
//     by trust weight, then recency, or escalate to a human when the
//     benefit of getting it right is high.
func (s *Store) Upsert(ctx context.Context, cand Candidate) (UpsertResult, error) {
	if cand.Content == "" {
		return UpsertResult{}, fmt.Errorf("candidate content must not be empty")
	}
	if cand.ContentHash == "" {
		cand.ContentHash = HashContent(cand.Content)
	}
	if cand.CapturedAt.IsZero() {
		cand.CapturedAt = time.Now()
	}
	if cand.TrustWeight == 0 {
		cand.TrustWeight = s.cfg.DefaultTrustWeight
	}

	// Idempotence: the exact capture is already live.
	if existing, ok, err := s.repo.ActiveBySourceHash(ctx, cand.SourceURI, cand.ContentHash); err != nil {
		return UpsertResult{}, fmt.Errorf("lookup by hash: %w", err)
	} else if ok {
		return UpsertResult{Outcome: OutcomeAccepted, Chunk: existing, NoOp: true}, nil
	}

	if len(cand.Embedding) == 0 && s.embedder != nil {
		vec, err := s.embedder.EmbedOne(ctx, cand.Content)
		if err != nil {
			return UpsertResult{}, fmt.Errorf("embed candidate: %w", err)
		}
		cand.Embedding = vec
	}

	subjectKey := SubjectKeyFor(cand.SourceURI, cand.Topic)

	var lastErr error
	for attempt := 0; attempt < casRetries; attempt++ {
		res, retry, err := s.upsertOnce(ctx, subjectKey, cand)
		if err != nil {
			return UpsertResult{}, err
		}
		if !retry {
			return res, nil
		}
		// A concurrent writer moved the active pointer; re-run conflict
		// detection against the new active chunk.
		lastErr = fmt.Errorf("active pointer moved for %s", subjectKey)
	}
	return UpsertResult{}, fmt.Errorf("upsert %s: optimistic retries exhausted: %w", subjectKey, lastErr)
}

func (s *Store) upsertOnce(ctx context.Context, subjectKey string, cand Candidate) (UpsertResult, bool, error) {
	active, ok, err := s.repo.ActiveBySubject(ctx, subjectKey)
	if err != nil {
		return UpsertResult{}, false, fmt.Errorf("lookup subject %s: %w", subjectKey, err)
	}

	chunk := chunkFromCandidate(subjectKey, cand)

	if !ok {
		if err := s.repo.InsertChunk(ctx, chunk); err != nil {
			return UpsertResult{}, false, fmt.Errorf("insert chunk: %w", err)
		}
		return UpsertResult{Outcome: OutcomeAccepted, Chunk: chunk}, false, nil
	}

	if contradictory(active, chunk, s.cfg.ConflictTau) {
		return s.resolveConflict(ctx, subjectKey, active, chunk)
	}

	// Compatible update: new capture supersedes the old one.
	chunk.Version = active.Version + 1
	if err := s.repo.InsertChunk(ctx, chunk); err != nil {
		return UpsertResult{}, false, fmt.Errorf("insert chunk: %w", err)
	}
	swapped, err := s.repo.SwapActive(ctx, subjectKey, active.ID, active.Version, chunk.ID)
	if err != nil {
		return UpsertResult{}, false, fmt.Errorf("swap active: %w", err)
	}
	if !swapped {
		return UpsertResult{}, true, nil
	}
	return UpsertResult{Outcome: OutcomeSuperseded, Chunk: chunk}, false, nil
}

func (s *Store) resolveConflict(ctx context.Context, subjectKey string, active, chunk Chunk) (UpsertResult, bool, error) {
	rec := ConflictRecord{
		ID:         uuid.NewString(),
		SubjectKey: subjectKey,
		ChunkIDs:   []string{active.ID, chunk.ID},
		CreatedAt:  time.Now(),
	}

	// A challenger that wins, now or through a later human decision,
	// continues the subject's version line.
	chunk.Version = active.Version + 1

	winner, resolution := pickWinner(active, chunk, s.cfg.TrustEpsilon)

	if resolution != ResolutionEscalated && s.benefit != nil {
		deficit := embedding.Distance(active.Embedding, chunk.Embedding)
		avgTrust := (active.TrustWeight + chunk.TrustWeight) / 2
		if s.benefit(deficit, avgTrust, 0) >= s.cfg.EscalationBenefit {
			resolution = ResolutionEscalated
		}
	}

	// The losing candidate is still recorded, append-only.
	if resolution == ResolutionEscalated || winner.ID == active.ID {
		chunk.SupersededBy = active.ID
	}
	if err := s.repo.InsertChunk(ctx, chunk); err != nil {
		return UpsertResult{}, false, fmt.Errorf("insert conflicting chunk: %w", err)
	}

	rec.Resolution = resolution
	if resolution != ResolutionEscalated {
		now := time.Now()
		rec.ResolvedAt = &now
	}
	if err := s.repo.InsertConflict(ctx, rec); err != nil {
		return UpsertResult{}, false, fmt.Errorf("insert conflict record: %w", err)
	}
	s.logger.Printf("conflict on %s: %s (chunks %v)", subjectKey, resolution, rec.ChunkIDs)

	if resolution == ResolutionEscalated {
		// Active chunk stays in place until a human decides.
		return UpsertResult{Outcome: OutcomeConflict, Chunk: active, Conflict: &rec}, false, nil
	}

	if winner.ID == chunk.ID {
		swapped, err := s.repo.SwapActive(ctx, subjectKey, active.ID, active.Version, chunk.ID)
		if err != nil {
			return UpsertResult{}, false, fmt.Errorf("swap active after conflict: %w", err)
		}
		if !swapped {
			return UpsertResult{}, true, nil
		}
	}
	return UpsertResult{Outcome: OutcomeConflict, Chunk: winner, Conflict: &rec}, false, nil
}

// Retrieve embeds the query and ranks active chunks by similarity x trust,
// dropping results below the configured similarity floor.
func (s *Store) Retrieve(ctx context.Context, query string, k int) ([]RetrievedChunk, error) {
	if s.embedder == nil {
		return nil, fmt.Errorf("retrieve requires an embedder")
	}
	vec, err := s.embedder.EmbedOne(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return s.RetrieveByVector(ctx, vec, k)
}

// RetrieveByVector is Retrieve for callers that already hold an embedding.
func (s *Store) RetrieveByVector(ctx context.Context, vec []float32, k int) ([]RetrievedChunk, error) {
	if k <= 0 {
		k = s.cfg.SearchTopK
	}
	hits, err := s.repo.VectorSearch(ctx, vec, k*3)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	out := make([]RetrievedChunk, 0, len(hits))
	for _, h := range hits {
		if s.cfg.SearchThreshold > 0 && h.Similarity < s.cfg.SearchThreshold {
			continue
		}
		h.Score = h.Similarity * h.Chunk.TrustWeight
		out = append(out, h)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

const rrfK = 60 // reciprocal-rank-fusion constant

// HybridSearch fuses keyword and vector rankings with reciprocal-rank
// fusion; it backs the memory search API where queries are human text.
func (s *Store) HybridSearch(ctx context.Context, query string, k int) ([]RetrievedChunk, error) {
	keyword, err := s.repo.KeywordSearch(ctx, query, k)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	var vector []RetrievedChunk
	if s.embedder != nil {
		vec, err := s.embedder.EmbedOne(ctx, query)
		if err == nil {
			vector, _ = s.RetrieveByVector(ctx, vec, k)
		} else {
			s.logger.Printf("hybrid search: embed failed, keyword only: %v", err)
		}
	}

	type agg struct {
		item  RetrievedChunk
		score float64
	}
	fused := map[string]*agg{}
	add := func(list []RetrievedChunk) {
		for rank, h := range list {
			a, ok := fused[h.Chunk.ID]
			if !ok {
				a = &agg{item: h}
				fused[h.Chunk.ID] = a
			}
			a.score += 1.0 / float64(rrfK+rank+1)
		}
	}
	add(keyword)
	add(vector)

	out := make([]RetrievedChunk, 0, len(fused))
	for _, a := range fused {
		a.item.Score = a.score
		out = append(out, a.item)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// DecideConflict applies a human decision to an escalated conflict.
func (s *Store) DecideConflict(ctx context.Context, conflictID string, keepChunkID string) error {
	conflicts, err := s.repo.ListConflicts(ctx, true)
	if err != nil {
		return fmt.Errorf("list conflicts: %w", err)
	}
	for _, rec := range conflicts {
		if rec.ID != conflictID {
			continue
		}
		active, ok, err := s.repo.ActiveBySubject(ctx, rec.SubjectKey)
		if err != nil {
			return err
		}
		if ok && active.ID != keepChunkID && contains(rec.ChunkIDs, keepChunkID) {
			if _, err := s.repo.SwapActive(ctx, rec.SubjectKey, active.ID, active.Version, keepChunkID); err != nil {
				return fmt.Errorf("apply conflict decision: %w", err)
			}
		}
		return s.repo.ResolveConflict(ctx, conflictID, ResolutionEscalated)
	}
	return fmt.Errorf("conflict %s not found or already resolved", conflictID)
}

// Conflicts lists conflict records, optionally only unresolved ones.
func (s *Store) Conflicts(ctx context.Context, unresolvedOnly bool) ([]ConflictRecord, error) {
	return s.repo.ListConflicts(ctx, unresolvedOnly)
}

// StaleSubjects surfaces subject keys whose freshest capture predates the
// per-volatility-class cutoffs.
func (s *Store) StaleSubjects(ctx context.Context, cutoffs map[string]time.Time, defaultCutoff time.Time, limit int) ([]SubjectInfo, error) {
	return s.repo.StaleSubjects(ctx, cutoffs, defaultCutoff, limit)
}

// Purge destroys all memory artifacts. Administrative use only; nothing in
// the orchestration path calls this.
func (s *Store) Purge(ctx context.Context) error {
	s.logger.Printf("administrative purge requested")
	return s.repo.Purge(ctx)
}

func chunkFromCandidate(subjectKey string, cand Candidate) Chunk {
	now := time.Now()
	return Chunk{
		ID:          uuid.NewString(),
		SubjectKey:  subjectKey,
		Topic:       cand.Topic,
		Content:     cand.Content,
		Embedding:   cand.Embedding,
		SourceURI:   cand.SourceURI,
		ContentHash: cand.ContentHash,
		CapturedAt:  cand.CapturedAt,
		TrustWeight: cand.TrustWeight,
		Volatility:  cand.Volatility,
		Version:     1,
		CreatedAt:   now,
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
