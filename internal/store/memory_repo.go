package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/forager-labs/forager/internal/memory"
)

// ChunkRepository is the durable memory.Repository. Chunks are append-only
// rows; the active chunk per subject is the one with an empty superseded_by,
// and the swap is an optimistic compare-and-swap on (id, version).
type ChunkRepository struct {
	db *sql.DB
}

func NewChunkRepository(p *Postgres) *ChunkRepository {
	return &ChunkRepository{db: p.db}
}

const chunkColumns = `id, subject_key, topic, content, source_uri, content_hash,
	captured_at, trust_weight, volatility, superseded_by, version, created_at`

func scanChunk(row interface{ Scan(...any) error }) (memory.Chunk, error) {
	var c memory.Chunk
	err := row.Scan(&c.ID, &c.SubjectKey, &c.Topic, &c.Content, &c.SourceURI,
		&c.ContentHash, &c.CapturedAt, &c.TrustWeight, &c.Volatility,
		&c.SupersededBy, &c.Version, &c.CreatedAt)
	return c, err
}

func (r *ChunkRepository) ActiveBySourceHash(ctx context.Context, sourceURI, contentHash string) (memory.Chunk, bool, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+chunkColumns+`
		FROM memory_chunks
		WHERE source_uri = $1 AND content_hash = $2 AND superseded_by = ''
		ORDER BY version DESC
		LIMIT 1`, sourceURI, contentHash)
	c, err := scanChunk(row)
	if err == sql.ErrNoRows {
		return memory.Chunk{}, false, nil
	}
	if err != nil {
		return memory.Chunk{}, false, fmt.Errorf("selecting by source/hash: %w", err)
	}
	return c, true, nil
}

func (r *ChunkRepository) ActiveBySubject(ctx context.Context, subjectKey string) (memory.Chunk, bool, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+chunkColumns+`
		FROM memory_chunks
		WHERE subject_key = $1 AND superseded_by = ''
		ORDER BY version ASC, created_at ASC
		LIMIT 1`, subjectKey)
	c, err := scanChunk(row)
	if err == sql.ErrNoRows {
		return memory.Chunk{}, false, nil
	}
	if err != nil {
		return memory.Chunk{}, false, fmt.Errorf("selecting active for %s: %w", subjectKey, err)
	}
	if vec, err := r.embeddingFor(ctx, c.ID); err == nil {
		c.Embedding = vec
	}
	return c, true, nil
}

func (r *ChunkRepository) embeddingFor(ctx context.Context, chunkID string) ([]float32, error) {
	var lit sql.NullString
	if err := r.db.QueryRowContext(ctx,
		`SELECT embedding::text FROM memory_chunks WHERE id = $1`, chunkID).Scan(&lit); err != nil {
		return nil, err
	}
	if !lit.Valid {
		return nil, nil
	}
	return decodeVectorLiteral(lit.String)
}

func (r *ChunkRepository) InsertChunk(ctx context.Context, c memory.Chunk) error {
	var embedding any
	if len(c.Embedding) > 0 {
		embedding = encodeVectorLiteral(c.Embedding)
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO memory_chunks (`+chunkColumns+`, embedding)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13::vector)`,
		c.ID, c.SubjectKey, c.Topic, c.Content, c.SourceURI, c.ContentHash,
		c.CapturedAt, c.TrustWeight, c.Volatility, c.SupersededBy, c.Version,
		c.CreatedAt, embedding)
	if err != nil {
		return fmt.Errorf("inserting chunk %s: %w", c.ID, err)
	}
	return nil
}

func (r *ChunkRepository) SwapActive(ctx context.Context, subjectKey, oldID string, oldVersion int64, newID string) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning swap for %s: %w", subjectKey, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE memory_chunks
		SET superseded_by = $1
		WHERE id = $2 AND subject_key = $3 AND version = $4 AND superseded_by = ''`,
		newID, oldID, subjectKey, oldVersion)
	if err != nil {
		return false, fmt.Errorf("swapping active for %s: %w", subjectKey, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("swap rows affected: %w", err)
	}
	if n != 1 {
		return false, nil
	}
	// The incoming chunk may have been parked as superseded while its
	// conflict awaited a human decision; promotion clears that mark.
	if _, err := tx.ExecContext(ctx, `
		UPDATE memory_chunks
		SET superseded_by = ''
		WHERE id = $1 AND subject_key = $2`,
		newID, subjectKey); err != nil {
		return false, fmt.Errorf("promoting chunk %s: %w", newID, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing swap for %s: %w", subjectKey, err)
	}
	return true, nil
}

func (r *ChunkRepository) InsertConflict(ctx context.Context, rec memory.ConflictRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO memory_conflicts (id, subject_key, chunk_ids, resolution, resolved_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		rec.ID, rec.SubjectKey, pq.Array(rec.ChunkIDs), string(rec.Resolution), rec.ResolvedAt, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting conflict %s: %w", rec.ID, err)
	}
	return nil
}

func (r *ChunkRepository) ResolveConflict(ctx context.Context, id string, res memory.Resolution) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE memory_conflicts
		SET resolution = $1, resolved_at = NOW()
		WHERE id = $2 AND resolved_at IS NULL`,
		string(res), id)
	if err != nil {
		return fmt.Errorf("resolving conflict %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("conflict %s not found or already resolved", id)
	}
	return nil
}

func (r *ChunkRepository) ListConflicts(ctx context.Context, unresolvedOnly bool) ([]memory.ConflictRecord, error) {
	q := `SELECT id, subject_key, chunk_ids, resolution, resolved_at, created_at
		FROM memory_conflicts`
	if unresolvedOnly {
		q += ` WHERE resolved_at IS NULL`
	}
	q += ` ORDER BY created_at DESC`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("listing conflicts: %w", err)
	}
	defer rows.Close()

	var out []memory.ConflictRecord
	for rows.Next() {
		var rec memory.ConflictRecord
		var resolution string
		if err := rows.Scan(&rec.ID, &rec.SubjectKey, pq.Array(&rec.ChunkIDs), &resolution, &rec.ResolvedAt, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning conflict: %w", err)
		}
		rec.Resolution = memory.Resolution(resolution)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *ChunkRepository) VectorSearch(ctx context.Context, vector []float32, k int) ([]memory.RetrievedChunk, error) {
	lit := encodeVectorLiteral(vector)
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+chunkColumns+`, 1 - (embedding <=> $1::vector) AS similarity
		FROM memory_chunks
		WHERE superseded_by = '' AND embedding IS NOT NULL
		ORDER BY embedding <=> $1::vector
		LIMIT $2`, lit, k)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var out []memory.RetrievedChunk
	for rows.Next() {
		var c memory.Chunk
		var sim float64
		if err := rows.Scan(&c.ID, &c.SubjectKey, &c.Topic, &c.Content, &c.SourceURI,
			&c.ContentHash, &c.CapturedAt, &c.TrustWeight, &c.Volatility,
			&c.SupersededBy, &c.Version, &c.CreatedAt, &sim); err != nil {
			return nil, fmt.Errorf("scanning vector hit: %w", err)
		}
		out = append(out, memory.RetrievedChunk{Chunk: c, Similarity: sim, Score: sim * c.TrustWeight})
	}
	return out, rows.Err()
}

func (r *ChunkRepository) KeywordSearch(ctx context.Context, query string, k int) ([]memory.RetrievedChunk, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+chunkColumns+`,
			ts_rank(to_tsvector('english', content), plainto_tsquery('english', $1)) AS rank
		FROM memory_chunks
		WHERE superseded_by = ''
		  AND to_tsvector('english', content) @@ plainto_tsquery('english', $1)
		ORDER BY rank DESC
		LIMIT $2`, query, k)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	defer rows.Close()

	var out []memory.RetrievedChunk
	for rows.Next() {
		var c memory.Chunk
		var rank float64
		if err := rows.Scan(&c.ID, &c.SubjectKey, &c.Topic, &c.Content, &c.SourceURI,
			&c.ContentHash, &c.CapturedAt, &c.TrustWeight, &c.Volatility,
			&c.SupersededBy, &c.Version, &c.CreatedAt, &rank); err != nil {
			return nil, fmt.Errorf("scanning keyword hit: %w", err)
		}
		out = append(out, memory.RetrievedChunk{Chunk: c, Similarity: rank, Score: rank * c.TrustWeight})
	}
	return out, rows.Err()
}

func (r *ChunkRepository) StaleSubjects(ctx context.Context, cutoffs map[string]time.Time, defaultCutoff time.Time, limit int) ([]memory.SubjectInfo, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT subject_key, topic, source_uri, volatility, captured_at
		FROM memory_chunks
		WHERE superseded_by = ''
		ORDER BY captured_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing subjects: %w", err)
	}
	defer rows.Close()

	var out []memory.SubjectInfo
	for rows.Next() {
		var info memory.SubjectInfo
		if err := rows.Scan(&info.SubjectKey, &info.Topic, &info.SourceURI, &info.Volatility, &info.LastCapturedAt); err != nil {
			return nil, fmt.Errorf("scanning subject: %w", err)
		}
		cutoff, ok := cutoffs[info.Volatility]
		if !ok {
			cutoff = defaultCutoff
		}
		if cutoff.IsZero() || !info.LastCapturedAt.Before(cutoff) {
			continue
		}
		out = append(out, info)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, rows.Err()
}

func (r *ChunkRepository) Purge(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `TRUNCATE memory_chunks, memory_conflicts`)
	if err != nil {
		return fmt.Errorf("purging memory: %w", err)
	}
	return nil
}

// encodeVectorLiteral renders a float slice as a pgvector literal.
func encodeVectorLiteral(vec []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

func decodeVectorLiteral(lit string) ([]float32, error) {
	lit = strings.Trim(strings.TrimSpace(lit), "[]")
	if lit == "" {
		return nil, nil
	}
	parts := strings.Split(lit, ",")
	out := make([]float32, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("parsing vector component %d: %w", i, err)
		}
		out[i] = float32(v)
	}
	return out, nil
}
