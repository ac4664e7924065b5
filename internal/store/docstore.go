package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgDocStore persists project state and run artifacts as jsonb documents.
// Project state is replaced wholesale per write (§6.6 "full_sync and
// state_update writes replace the stored document for the given mode");
// run artifacts are deep-merged so concurrent atoms can each contribute
// their own section without clobbering siblings.
type pgDocStore struct {
	pool *pgxpool.Pool
}

// NewPostgresDocStore wraps a pgx pool as a DocStore.
func NewPostgresDocStore(pool *pgxpool.Pool) DocStore {
	return &pgDocStore{pool: pool}
}

func (d *pgDocStore) GetProjectState(ctx context.Context, docID string) ([]byte, error) {
	var data []byte
	err := d.pool.QueryRow(ctx, `SELECT body FROM project_state WHERE doc_id = $1`, docID).Scan(&data)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get project state %q: %w", docID, err)
	}
	return data, nil
}

func (d *pgDocStore) PutProjectState(ctx context.Context, docID string, data []byte) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO project_state (doc_id, body, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (doc_id) DO UPDATE SET body = EXCLUDED.body, updated_at = EXCLUDED.updated_at
	`, docID, data)
	if err != nil {
		return fmt.Errorf("put project state %q: %w", docID, err)
	}
	return nil
}

func (d *pgDocStore) MergeRunArtifact(ctx context.Context, key string, update map[string]any) error {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin merge run artifact %q: %w", key, err)
	}
	defer tx.Rollback(ctx)

	var existing []byte
	err = tx.QueryRow(ctx, `SELECT body FROM run_artifacts WHERE key = $1 FOR UPDATE`, key).Scan(&existing)
	current := map[string]any{}
	if err != nil && err != pgx.ErrNoRows {
		return fmt.Errorf("load run artifact %q: %w", key, err)
	}
	if err == nil {
		if jsonErr := json.Unmarshal(existing, &current); jsonErr != nil {
			return fmt.Errorf("decode run artifact %q: %w", key, jsonErr)
		}
	}

	merged := deepExtend(current, update)
	body, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("encode run artifact %q: %w", key, err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO run_artifacts (key, body, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET body = EXCLUDED.body, updated_at = EXCLUDED.updated_at
	`, key, body)
	if err != nil {
		return fmt.Errorf("save run artifact %q: %w", key, err)
	}
	return tx.Commit(ctx)
}

// deepExtend merges update into base: nested objects are merged
// recursively, arrays and scalars from update replace base's value at that
// key. Keys present only in base are kept untouched.
func deepExtend(base, update map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(update))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range update {
		if nested, ok := v.(map[string]any); ok {
			if existing, ok := out[k].(map[string]any); ok {
				out[k] = deepExtend(existing, nested)
				continue
			}
		}
		out[k] = v
	}
	return out
}
