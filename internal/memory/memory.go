package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// Outcome classifies what an upsert did to the store.
type Outcome string

const (
	// OutcomeAccepted means the candidate became (or already was) the
	// active chunk with no supersession.
	OutcomeAccepted Outcome = "accepted"
	// OutcomeSuperseded means an older active chunk was superseded.
	OutcomeSuperseded Outcome = "superseded"
	// OutcomeConflict means the candidate contradicts the active chunk and
	// a ConflictRecord was produced instead of an overwrite.
	OutcomeConflict Outcome = "conflict"
)

// Resolution records how a conflict between chunks was settled.
type Resolution string

const (
	ResolutionTrustWeighted Resolution = "auto_trust_weighted"
	ResolutionRecency       Resolution = "auto_recency"
	ResolutionEscalated     Resolution = "escalated_to_human"
)

// Chunk is one immutable captured piece of knowledge. Updates never mutate a
// chunk; they insert a successor and set SupersededBy on the old one.
type Chunk struct {
	ID          string    `json:"id"`
	SubjectKey  string    `json:"subject_key"`
	Topic       string    `json:"topic"`
	Content     string    `json:"content"`
	Embedding   []float32 `json:"-"`
	SourceURI   string    `json:"source_uri"`
	ContentHash string    `json:"content_hash"`
	CapturedAt  time.Time `json:"captured_at"`
	TrustWeight float64   `json:"trust_weight"`
	Volatility  string    `json:"volatility"`
	SupersededBy string   `json:"superseded_by,omitempty"`
	Version     int64     `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
}

// Active reports whether the chunk is the live capture for its subject.
func (c Chunk) Active() bool { return c.SupersededBy == "" }

// ConflictRecord captures a set of contradictory active chunks for one
// subject key and how (or whether) the contradiction was resolved.
type ConflictRecord struct {
	ID         string     `json:"id"`
	SubjectKey string     `json:"subject_key"`
	ChunkIDs   []string   `json:"chunk_ids"`
	Resolution Resolution `json:"resolution"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Resolved reports whether a human or auto policy has settled the conflict.
func (r ConflictRecord) Resolved() bool { return r.ResolvedAt != nil }

// Candidate is the write-side input to Upsert. Embedding may be nil; the
// store embeds content itself when an embedder is configured.
type Candidate struct {
	Content     string
	SourceURI   string
	Topic       string
	ContentHash string
	CapturedAt  time.Time
	TrustWeight float64
	Volatility  string
	Embedding   []float32
}

// UpsertResult reports what an upsert did.
type UpsertResult struct {
	Outcome  Outcome
	Chunk    Chunk
	Conflict *ConflictRecord
	// NoOp is set when the exact (source_uri, content_hash) capture was
	// already active; the write cost nothing.
	NoOp bool
}

// RetrievedChunk is a chunk plus its retrieval scoring.
type RetrievedChunk struct {
	Chunk      Chunk
	Similarity float64
	Score      float64 // similarity x trust_weight
}

// SubjectInfo summarizes the freshest capture per subject, used by the
// refresh scheduler to find stale memory.
type SubjectInfo struct {
	SubjectKey     string
	Topic          string
	SourceURI      string
	Volatility     string
	LastCapturedAt time.Time
}

// Repository is the persistence contract the store requires: optimistic
// versioning on the active-chunk pointer and append-only chunk semantics.
// Implementations: Postgres (durable) and the bleve-backed in-memory variant.
type Repository interface {
	ActiveBySourceHash(ctx context.Context, sourceURI, contentHash string) (Chunk, bool, error)
	ActiveBySubject(ctx context.Context, subjectKey string) (Chunk, bool, error)
	InsertChunk(ctx context.Context, c Chunk) error
	// SwapActive supersedes the chunk identified by oldID/oldVersion with
	// newID for the given subject key. It returns false without error when
	// the compare-and-swap lost (a concurrent writer won); callers retry
	// their conflict-detection step.
	SwapActive(ctx context.Context, subjectKey, oldID string, oldVersion int64, newID string) (bool, error)
	InsertConflict(ctx context.Context, rec ConflictRecord) error
	ResolveConflict(ctx context.Context, id string, res Resolution) error
	ListConflicts(ctx context.Context, unresolvedOnly bool) ([]ConflictRecord, error)
	// VectorSearch ranks active chunks by cosine similarity to the vector.
	VectorSearch(ctx context.Context, vector []float32, k int) ([]RetrievedChunk, error)
	// KeywordSearch ranks active chunks by keyword match for hybrid search.
	KeywordSearch(ctx context.Context, query string, k int) ([]RetrievedChunk, error)
	StaleSubjects(ctx context.Context, cutoffs map[string]time.Time, defaultCutoff time.Time, limit int) ([]SubjectInfo, error)
	// Purge is the only destructive operation, administrative teardown.
	Purge(ctx context.Context) error
}

// HashContent returns the canonical sha256 hex digest for capture dedup.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// SubjectKeyFor derives the semantic identity of a capture: normalized
// source host plus a lowercased topic slug. Two captures with the same
// subject key describe the same thing and may conflict.
func SubjectKeyFor(sourceURI, topic string) string {
	host := sourceURI
	if u, err := url.Parse(sourceURI); err == nil && u.Host != "" {
		host = strings.ToLower(u.Host)
	} else {
		host = strings.ToLower(strings.TrimSpace(host))
	}
	slug := slugPattern.ReplaceAllString(strings.ToLower(strings.TrimSpace(topic)), "-")
	slug = strings.Trim(slug, "-")
	if slug == "" {
		slug = "untitled"
	}
	return host + "#" + slug
}
