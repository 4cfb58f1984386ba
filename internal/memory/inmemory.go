package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/blevesearch/bleve"

	"github.com/forager-labs/forager/tools/embedding"
)

// InMemoryRepository keeps all chunks in process: a map for identity, an
// in-memory bleve index for keyword search, and raw vectors for cosine
// ranking. Used by ephemeral runs and tests; durable deployments use the
// Postgres repository.
type InMemoryRepository struct {
	mu        sync.RWMutex
	chunks    map[string]*Chunk
	active    map[string]string // subject key -> active chunk id
	conflicts map[string]ConflictRecord
	index     bleve.Index
}

type indexedDoc struct {
	Content string `json:"content"`
	Topic   string `json:"topic"`
}

// NewInMemoryRepository builds an empty repository with a memory-only bleve
// index.
func NewInMemoryRepository() (*InMemoryRepository, error) {
	idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, err
	}
	return &InMemoryRepository{
		chunks:    make(map[string]*Chunk),
		active:    make(map[string]string),
		conflicts: make(map[string]ConflictRecord),
		index:     idx,
	}, nil
}

func (r *InMemoryRepository) ActiveBySourceHash(ctx context.Context, sourceURI, contentHash string) (Chunk, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.active {
		c := r.chunks[id]
		if c != nil && c.SourceURI == sourceURI && c.ContentHash == contentHash {
			return *c, true, nil
		}
	}
	return Chunk{}, false, nil
}

func (r *InMemoryRepository) ActiveBySubject(ctx context.Context, subjectKey string) (Chunk, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.active[subjectKey]
	if !ok {
		return Chunk{}, false, nil
	}
	c := r.chunks[id]
	if c == nil {
		return Chunk{}, false, nil
	}
	return *c, true, nil
}

func (r *InMemoryRepository) InsertChunk(ctx context.Context, c Chunk) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := c
	r.chunks[c.ID] = &stored
	if stored.Active() {
		if _, taken := r.active[c.SubjectKey]; !taken {
			r.active[c.SubjectKey] = c.ID
		}
		if err := r.index.Index(c.ID, indexedDoc{Content: c.Content, Topic: c.Topic}); err != nil {
			return err
		}
	}
	return nil
}

func (r *InMemoryRepository) SwapActive(ctx context.Context, subjectKey, oldID string, oldVersion int64, newID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	currentID, ok := r.active[subjectKey]
	if !ok || currentID != oldID {
		return false, nil
	}
	old := r.chunks[oldID]
	if old == nil || old.Version != oldVersion {
		return false, nil
	}
	old.SupersededBy = newID
	r.active[subjectKey] = newID
	if err := r.index.Delete(oldID); err != nil {
		return false, err
	}
	if newChunk := r.chunks[newID]; newChunk != nil {
		newChunk.SupersededBy = ""
		if err := r.index.Index(newID, indexedDoc{Content: newChunk.Content, Topic: newChunk.Topic}); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (r *InMemoryRepository) InsertConflict(ctx context.Context, rec ConflictRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conflicts[rec.ID] = rec
	return nil
}

func (r *InMemoryRepository) ResolveConflict(ctx context.Context, id string, res Resolution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.conflicts[id]
	if !ok {
		return nil
	}
	now := time.Now()
	rec.Resolution = res
	rec.ResolvedAt = &now
	r.conflicts[id] = rec
	return nil
}

func (r *InMemoryRepository) ListConflicts(ctx context.Context, unresolvedOnly bool) ([]ConflictRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []ConflictRecord
	for _, rec := range r.conflicts {
		if unresolvedOnly && rec.Resolved() {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *InMemoryRepository) VectorSearch(ctx context.Context, vector []float32, k int) ([]RetrievedChunk, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []RetrievedChunk
	for _, id := range r.active {
		c := r.chunks[id]
		if c == nil || len(c.Embedding) == 0 {
			continue
		}
		sim := embedding.Cosine(vector, c.Embedding)
		out = append(out, RetrievedChunk{Chunk: *c, Similarity: sim})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (r *InMemoryRepository) KeywordSearch(ctx context.Context, query string, k int) ([]RetrievedChunk, error) {
	q := bleve.NewQueryStringQuery(query)
	req := bleve.NewSearchRequestOptions(q, max(k*3, 10), 0, false)
	res, err := r.index.Search(req)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []RetrievedChunk
	for _, hit := range res.Hits {
		c := r.chunks[hit.ID]
		if c == nil || !c.Active() {
			continue
		}
		out = append(out, RetrievedChunk{Chunk: *c, Similarity: hit.Score, Score: hit.Score})
		if len(out) >= k {
			break
		}
	}
	return out, nil
}

func (r *InMemoryRepository) StaleSubjects(ctx context.Context, cutoffs map[string]time.Time, defaultCutoff time.Time, limit int) ([]SubjectInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []SubjectInfo
	for key, id := range r.active {
		c := r.chunks[id]
		if c == nil {
			continue
		}
		cutoff, ok := cutoffs[c.Volatility]
		if !ok {
			cutoff = defaultCutoff
		}
		if c.CapturedAt.After(cutoff) {
			continue
		}
		out = append(out, SubjectInfo{
			SubjectKey:     key,
			Topic:          c.Topic,
			SourceURI:      c.SourceURI,
			Volatility:     c.Volatility,
			LastCapturedAt: c.CapturedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastCapturedAt.Before(out[j].LastCapturedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *InMemoryRepository) Purge(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.chunks {
		_ = r.index.Delete(id)
	}
	r.chunks = make(map[string]*Chunk)
	r.active = make(map[string]string)
	r.conflicts = make(map[string]ConflictRecord)
	return nil
}
