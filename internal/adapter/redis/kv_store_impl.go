package redis

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/user/pt-crawler/internal/entity"
)

const keyPrefix = "ptcrawler:"

// KVStoreImpl implements repository.KeyValueStore on plain Redis strings.
// Keys are laid out as ptcrawler:<namespace>:<key>.
type KVStoreImpl struct {
	client *redis.Client
}

// NewKVStore creates a new instance of KVStoreImpl.
func NewKVStore(client *redis.Client) *KVStoreImpl {
	return &KVStoreImpl{client: client}
}

// Connect dials the server and verifies it answers.
func Connect(ctx context.Context, addr, password string, db int) (*KVStoreImpl, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, &entity.StorageError{Op: "connect", Err: err}
	}
	return NewKVStore(client), nil
}

func (r *KVStoreImpl) generateKey(namespace, key string) string {
	return keyPrefix + namespace + ":" + key
}

func (r *KVStoreImpl) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	val, err := r.client.Get(ctx, r.generateKey(namespace, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, &entity.StorageError{Op: "get", Key: key, Err: entity.ErrNotFound}
	}
	if err != nil {
		return nil, &entity.StorageError{Op: "get", Key: key, Err: err}
	}
	return val, nil
}

func (r *KVStoreImpl) Set(ctx context.Context, namespace, key string, value []byte) error {
	// No expiry: pending batches and sessions live until deleted.
	if err := r.client.Set(ctx, r.generateKey(namespace, key), value, 0).Err(); err != nil {
		return &entity.StorageError{Op: "set", Key: key, Err: err}
	}
	return nil
}

func (r *KVStoreImpl) Delete(ctx context.Context, namespace, key string) (bool, error) {
	// DEL returns the number of keys removed.
	n, err := r.client.Del(ctx, r.generateKey(namespace, key)).Result()
	if err != nil {
		return false, &entity.StorageError{Op: "delete", Key: key, Err: err}
	}
	return n == 1, nil
}

// ListKeys walks the namespace with SCAN so large keyspaces never block the server.
func (r *KVStoreImpl) ListKeys(ctx context.Context, namespace, prefix string) ([]string, error) {
	base := r.generateKey(namespace, "")
	match := escapeGlob(base+prefix) + "*"

	var keys []string
	iter := r.client.Scan(ctx, 0, match, 500).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), base))
	}
	if err := iter.Err(); err != nil {
		return nil, &entity.StorageError{Op: "list", Key: prefix, Err: err}
	}
	// SCAN may return a key more than once.
	sort.Strings(keys)
	out := keys[:0]
	for i, k := range keys {
		if i == 0 || k != keys[i-1] {
			out = append(out, k)
		}
	}
	return out, nil
}

func (r *KVStoreImpl) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return &entity.StorageError{Op: "ping", Err: err}
	}
	return nil
}

func (r *KVStoreImpl) Close() error {
	return r.client.Close()
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string { return globEscaper.Replace(s) }
