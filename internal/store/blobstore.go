package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgBlobStore persists blobs as rows in a content table, keyed by their
// storage key. It exists to give the BlobStore contract a concrete,
// dependency-backed implementation rather than leaving datasets on local
// disk; a real deployment would point this at object storage instead, but
// this system only depends on the interface.
type pgBlobStore struct {
	pool *pgxpool.Pool
}

// NewPostgresBlobStore wraps a pgx pool as a BlobStore.
func NewPostgresBlobStore(pool *pgxpool.Pool) BlobStore {
	return &pgBlobStore{pool: pool}
}

func (b *pgBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := b.pool.QueryRow(ctx, `SELECT data FROM blobs WHERE key = $1`, key).Scan(&data)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get blob %q: %w", key, err)
	}
	return data, nil
}

func (b *pgBlobStore) Put(ctx context.Context, key string, data []byte) error {
	_, err := b.pool.Exec(ctx, `
		INSERT INTO blobs (key, data, etag, last_modified)
		VALUES ($1, $2, md5($2), now())
		ON CONFLICT (key) DO UPDATE SET
			data = EXCLUDED.data,
			etag = EXCLUDED.etag,
			last_modified = EXCLUDED.last_modified
	`, key, data)
	if err != nil {
		return fmt.Errorf("put blob %q: %w", key, err)
	}
	return nil
}

func (b *pgBlobStore) Stat(ctx context.Context, key string) (ObjectStat, error) {
	var stat ObjectStat
	err := b.pool.QueryRow(ctx, `SELECT etag, last_modified, length(data) FROM blobs WHERE key = $1`, key).
		Scan(&stat.ETag, &stat.LastModified, &stat.Size)
	if err != nil {
		if err == pgx.ErrNoRows {
			return ObjectStat{}, ErrNotFound
		}
		return ObjectStat{}, fmt.Errorf("stat blob %q: %w", key, err)
	}
	return stat, nil
}

func (b *pgBlobStore) ListByPrefix(ctx context.Context, prefix string) ([]string, error) {
	rows, err := b.pool.Query(ctx, `SELECT key FROM blobs WHERE key LIKE $1 ORDER BY key`, strings.ReplaceAll(prefix, "%", "\\%")+"%")
	if err != nil {
		return nil, fmt.Errorf("list blobs prefix %q: %w", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan blob key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
