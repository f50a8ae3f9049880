package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/user/pt-crawler/internal/entity"
)

const schema = `
CREATE TABLE IF NOT EXISTS kv_entries (
	namespace  TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      BLOB NOT NULL,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (namespace, key)
);`

// KVStoreImpl is the local durable store backed by a single SQLite file.
type KVStoreImpl struct {
	db *sql.DB
}

// Open creates the database file if needed and applies the schema. The path
// ":memory:" gives a private in-process database.
func Open(ctx context.Context, path string) (*KVStoreImpl, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create storage dir: %w", err)
			}
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps :memory: databases shared and serialises writers.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=10000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &KVStoreImpl{db: db}, nil
}

func (s *KVStoreImpl) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv_entries WHERE namespace = ? AND key = ?`, namespace, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &entity.StorageError{Op: "get", Key: key, Err: entity.ErrNotFound}
	}
	if err != nil {
		return nil, &entity.StorageError{Op: "get", Key: key, Err: err}
	}
	return value, nil
}

func (s *KVStoreImpl) Set(ctx context.Context, namespace, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_entries (namespace, key, value, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (namespace, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`,
		namespace, key, value)
	if err != nil {
		return &entity.StorageError{Op: "set", Key: key, Err: err}
	}
	return nil
}

func (s *KVStoreImpl) Delete(ctx context.Context, namespace, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM kv_entries WHERE namespace = ? AND key = ?`, namespace, key)
	if err != nil {
		return false, &entity.StorageError{Op: "delete", Key: key, Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, &entity.StorageError{Op: "delete", Key: key, Err: err}
	}
	return n > 0, nil
}

func (s *KVStoreImpl) ListKeys(ctx context.Context, namespace, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key FROM kv_entries
		WHERE namespace = ? AND substr(key, 1, ?) = ?
		ORDER BY key`,
		namespace, len(prefix), prefix)
	if err != nil {
		return nil, &entity.StorageError{Op: "list", Key: prefix, Err: err}
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, &entity.StorageError{Op: "list", Key: prefix, Err: err}
		}
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, &entity.StorageError{Op: "list", Key: prefix, Err: err}
	}
	return keys, nil
}

func (s *KVStoreImpl) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return &entity.StorageError{Op: "ping", Err: err}
	}
	return nil
}

func (s *KVStoreImpl) Close() error {
	return s.db.Close()
}
