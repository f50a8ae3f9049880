package repository

import "context"

// KeyValueStore is the durable storage backend shared across runs. Every
// operation is scoped by namespace; Get returns entity.ErrNotFound for a
// missing key.
type KeyValueStore interface {
	Get(ctx context.Context, namespace, key string) ([]byte, error)
	Set(ctx context.Context, namespace, key string, value []byte) error
	// Delete removes a key and reports whether it existed.
	Delete(ctx context.Context, namespace, key string) (bool, error)
	// ListKeys returns the keys of a namespace starting with prefix, sorted.
	ListKeys(ctx context.Context, namespace, prefix string) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}
