package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/user/pt-crawler/internal/entity"
)

const schema = `
CREATE TABLE IF NOT EXISTS kv_entries (
	namespace  TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (namespace, key)
);`

// KVStoreImpl provides a concrete implementation for the KeyValueStore interface using PostgreSQL.
type KVStoreImpl struct {
	db *pgxpool.Pool
}

// NewKVStore creates a new instance of KVStoreImpl. The schema must exist; see Connect.
func NewKVStore(db *pgxpool.Pool) *KVStoreImpl {
	return &KVStoreImpl{db: db}
}

// Connect opens a pool for url and applies the schema.
func Connect(ctx context.Context, url string) (*KVStoreImpl, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, &entity.StorageError{Op: "connect", Err: err}
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, &entity.StorageError{Op: "migrate", Err: err}
	}
	return NewKVStore(pool), nil
}

func (r *KVStoreImpl) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	var value []byte
	err := r.db.QueryRow(ctx,
		`SELECT value FROM kv_entries WHERE namespace = $1 AND key = $2`,
		namespace, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &entity.StorageError{Op: "get", Key: key, Err: entity.ErrNotFound}
	}
	if err != nil {
		return nil, &entity.StorageError{Op: "get", Key: key, Err: err}
	}
	return value, nil
}

// Set stores or replaces the value of a key.
func (r *KVStoreImpl) Set(ctx context.Context, namespace, key string, value []byte) error {
	query := `
		INSERT INTO kv_entries (namespace, key, value, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (namespace, key) DO UPDATE SET
			value = EXCLUDED.value,
			updated_at = EXCLUDED.updated_at;
	`
	if _, err := r.db.Exec(ctx, query, namespace, key, value); err != nil {
		return &entity.StorageError{Op: "set", Key: key, Err: err}
	}
	return nil
}

func (r *KVStoreImpl) Delete(ctx context.Context, namespace, key string) (bool, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM kv_entries WHERE namespace = $1 AND key = $2`, namespace, key)
	if err != nil {
		return false, &entity.StorageError{Op: "delete", Key: key, Err: err}
	}
	return tag.RowsAffected() == 1, nil
}

// ListKeys matches the prefix with starts_with so LIKE wildcards in keys stay literal.
func (r *KVStoreImpl) ListKeys(ctx context.Context, namespace, prefix string) ([]string, error) {
	rows, err := r.db.Query(ctx, `
		SELECT key FROM kv_entries
		WHERE namespace = $1 AND starts_with(key, $2)
		ORDER BY key COLLATE "C" ASC;
	`, namespace, prefix)
	if err != nil {
		return nil, &entity.StorageError{Op: "list", Key: prefix, Err: err}
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, &entity.StorageError{Op: "list", Key: prefix, Err: err}
	}
	return keys, nil
}

func (r *KVStoreImpl) Ping(ctx context.Context) error {
	if err := r.db.Ping(ctx); err != nil {
		return &entity.StorageError{Op: "ping", Err: err}
	}
	return nil
}

func (r *KVStoreImpl) Close() error {
	r.db.Close()
	return nil
}
