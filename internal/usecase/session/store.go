// Package session owns every durable artifact of a site: cookies, session
// snapshots, diagnostic bundles and pending sync batches.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/user/pt-crawler/internal/entity"
	"github.com/user/pt-crawler/internal/repository"
	"github.com/user/pt-crawler/pkg/utils"
)

const (
	cookiesSuffix      = "cookies"
	stateSuffix        = "session_state"
	pendingBatchPrefix = "pending_batch_"
)

// Store is the per-site view over the shared durable backend. Every key it
// writes lives in the site's namespace and carries the site identifier.
type Store struct {
	kv        repository.KeyValueStore
	site      string
	namespace string
	logger    *zap.Logger
	now       func() time.Time

	markerWait time.Duration
}

func NewStore(kv repository.KeyValueStore, site string, logger *zap.Logger) *Store {
	return &Store{
		kv:        kv,
		site:      site,
		namespace: utils.SanitizeKey(site),
		logger:    logger.With(zap.String("site", site)),
		now:       time.Now,

		markerWait: DefaultMarkerWait,
	}
}

func (s *Store) Site() string { return s.site }

// Key builds the storage key for suffix: site identifier plus the sanitised
// suffix, shortened with a content hash past the backend key limit.
func (s *Store) Key(suffix string) string {
	return utils.SanitizeKey(s.site + "-" + suffix)
}

// SaveJSON persists v under the key derived from suffix and returns that key.
func (s *Store) SaveJSON(ctx context.Context, suffix string, v any) (string, error) {
	key := s.Key(suffix)
	return key, s.putJSON(ctx, key, v)
}

// LoadJSON decodes the value under suffix into v. A missing key yields an
// error matching entity.ErrNotFound.
func (s *Store) LoadJSON(ctx context.Context, suffix string, v any) error {
	return s.getJSON(ctx, s.Key(suffix), v)
}

func (s *Store) Remove(ctx context.Context, suffix string) (bool, error) {
	return s.kv.Delete(ctx, s.namespace, s.Key(suffix))
}

func (s *Store) putJSON(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return &entity.StorageError{Op: "encode", Key: key, Err: err}
	}
	return s.kv.Set(ctx, s.namespace, key, b)
}

func (s *Store) getJSON(ctx context.Context, key string, v any) error {
	b, err := s.kv.Get(ctx, s.namespace, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return &entity.StorageError{Op: "decode", Key: key, Err: err}
	}
	return nil
}

// SaveCookies overwrites the site's cookie file.
func (s *Store) SaveCookies(ctx context.Context, cookies []entity.Cookie) error {
	if cookies == nil {
		cookies = []entity.Cookie{}
	}
	return s.putJSON(ctx, s.Key(cookiesSuffix), cookies)
}

// LoadCookies returns the stored cookies. When any stored cookie is past its
// expiry the whole file is removed and entity.ErrSessionExpired is returned.
func (s *Store) LoadCookies(ctx context.Context) ([]entity.Cookie, error) {
	key := s.Key(cookiesSuffix)
	var cookies []entity.Cookie
	if err := s.getJSON(ctx, key, &cookies); err != nil {
		return nil, err
	}
	now := s.now()
	for _, c := range cookies {
		if c.Expired(now) {
			s.logger.Info("stored cookie expired, discarding cookie file",
				zap.String("cookie", c.Name),
				zap.Time("expired_at", time.Unix(int64(c.Expires), 0)))
			if _, err := s.kv.Delete(ctx, s.namespace, key); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("cookie %s expired: %w", c.Name, entity.ErrSessionExpired)
		}
	}
	return cookies, nil
}

// SaveState persists the session snapshot and mirrors its cookies into the
// cookie file.
func (s *Store) SaveState(ctx context.Context, state *entity.SessionState) error {
	if err := s.putJSON(ctx, s.Key(stateSuffix), state); err != nil {
		return err
	}
	return s.SaveCookies(ctx, state.Cookies)
}

// LoadState returns the last session snapshot. A snapshot holding an expired
// cookie is removed together with the cookie file.
func (s *Store) LoadState(ctx context.Context) (*entity.SessionState, error) {
	key := s.Key(stateSuffix)
	var state entity.SessionState
	if err := s.getJSON(ctx, key, &state); err != nil {
		return nil, err
	}
	now := s.now()
	for _, c := range state.Cookies {
		if c.Expired(now) {
			s.logger.Info("session snapshot holds an expired cookie, invalidating", zap.String("cookie", c.Name))
			s.Invalidate(ctx)
			return nil, fmt.Errorf("cookie %s expired: %w", c.Name, entity.ErrSessionExpired)
		}
	}
	return &state, nil
}

// Invalidate removes the session snapshot and the cookie file.
func (s *Store) Invalidate(ctx context.Context) {
	for _, suffix := range []string{stateSuffix, cookiesSuffix} {
		if _, err := s.kv.Delete(ctx, s.namespace, s.Key(suffix)); err != nil {
			s.logger.Warn("failed to remove session artifact", zap.String("key", s.Key(suffix)), zap.Error(err))
		}
	}
}

// SavePending persists a batch that exhausted its delivery attempts under a
// unique timestamped key.
func (s *Store) SavePending(ctx context.Context, batch *entity.PendingBatch) (string, error) {
	key := s.Key(fmt.Sprintf("%s%d_%s", pendingBatchPrefix, s.now().UnixNano(), uuid.NewString()))
	if err := s.putJSON(ctx, key, batch); err != nil {
		return "", err
	}
	return key, nil
}

// PendingKeys lists pending batch keys, oldest first.
func (s *Store) PendingKeys(ctx context.Context) ([]string, error) {
	return s.kv.ListKeys(ctx, s.namespace, s.Key(pendingBatchPrefix))
}

func (s *Store) LoadPending(ctx context.Context, key string) (*entity.PendingBatch, error) {
	var batch entity.PendingBatch
	if err := s.getJSON(ctx, key, &batch); err != nil {
		return nil, err
	}
	return &batch, nil
}

// DeletePending removes a replayed batch. Deleting an already removed key is
// not an error; the bool reports whether this call removed it.
func (s *Store) DeletePending(ctx context.Context, key string) (bool, error) {
	return s.kv.Delete(ctx, s.namespace, key)
}

// IsNotFound reports whether err is a missing-key error from the store.
func IsNotFound(err error) bool {
	return errors.Is(err, entity.ErrNotFound)
}
