package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/forager-labs/forager/internal/agent"
)

// RunStore persists agent run state. The full State is stored as jsonb so a
// paused or crashed run reloads with its task ledger and history intact; the
// hot columns are duplicated for querying.
type RunStore struct {
	db *sql.DB
}

func NewRunStore(p *Postgres) *RunStore {
	return &RunStore{db: p.db}
}

func (s *RunStore) Save(ctx context.Context, st *agent.State) error {
	st.UpdatedAt = time.Now().UTC()
	blob, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshaling run state: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_runs (run_id, goal, status, spent_cost, state, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (run_id) DO UPDATE
		SET status = EXCLUDED.status,
		    spent_cost = EXCLUDED.spent_cost,
		    state = EXCLUDED.state,
		    updated_at = EXCLUDED.updated_at`,
		st.RunID, st.Goal, string(st.Status), st.SpentCost, blob, st.CreatedAt, st.UpdatedAt)
	if err != nil {
		return fmt.Errorf("saving run %s: %w", st.RunID, err)
	}
	return nil
}

func (s *RunStore) Load(ctx context.Context, runID string) (*agent.State, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM agent_runs WHERE run_id = $1`, runID).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s not found", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading run %s: %w", runID, err)
	}
	var st agent.State
	if err := json.Unmarshal(blob, &st); err != nil {
		return nil, fmt.Errorf("unmarshaling run %s: %w", runID, err)
	}
	return &st, nil
}

func (s *RunStore) List(ctx context.Context, limit int) ([]*agent.State, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT state FROM agent_runs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var out []*agent.State
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		var st agent.State
		if err := json.Unmarshal(blob, &st); err != nil {
			return nil, fmt.Errorf("unmarshaling run: %w", err)
		}
		out = append(out, &st)
	}
	return out, rows.Err()
}
