package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/user/pt-crawler/internal/entity"
	"github.com/user/pt-crawler/internal/repository"
)

// DefaultMarkerWait bounds how long the logged-in marker is awaited after
// navigation.
const DefaultMarkerWait = 5 * time.Second

// Snapshot reads cookies and both web storages from page.
func Snapshot(ctx context.Context, page repository.Page, username string, loggedIn bool) (*entity.SessionState, error) {
	cookies, err := page.Cookies(ctx)
	if err != nil {
		return nil, fmt.Errorf("read cookies: %w", err)
	}
	local, err := page.Storage(ctx, repository.LocalStorage)
	if err != nil {
		return nil, fmt.Errorf("read localStorage: %w", err)
	}
	sess, err := page.Storage(ctx, repository.SessionStorage)
	if err != nil {
		return nil, fmt.Errorf("read sessionStorage: %w", err)
	}
	u, _ := page.URL(ctx)
	return &entity.SessionState{
		Cookies:        cookies,
		LocalStorage:   local,
		SessionStorage: sess,
		IsLoggedIn:     loggedIn,
		LastLoginTime:  time.Now().UTC(),
		Username:       username,
		URL:            u,
	}, nil
}

// ValidateCookies applies the stored cookies to page, loads home and checks
// for the logged-in marker. Cookies changed by the server during the check
// are written back. It reports false without error when there is nothing to
// validate or the marker is absent.
func (s *Store) ValidateCookies(ctx context.Context, page repository.Page, home, marker string) (bool, error) {
	cookies, err := s.LoadCookies(ctx)
	if IsNotFound(err) || isExpired(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if len(cookies) == 0 {
		return false, nil
	}
	if err := page.SetCookies(ctx, cookies); err != nil {
		return false, fmt.Errorf("apply cookies: %w", err)
	}
	return s.verify(ctx, page, home, marker, cookies)
}

// verify loads home, looks for marker and persists cookies the server
// refreshed meanwhile.
func (s *Store) verify(ctx context.Context, page repository.Page, home, marker string, cookies []entity.Cookie) (bool, error) {
	ok, err := s.checkMarker(ctx, page, home, marker)
	if err != nil || !ok {
		return false, err
	}

	current, err := page.Cookies(ctx)
	if err != nil {
		s.logger.Warn("failed to read cookies after validation", zap.Error(err))
		return true, nil
	}
	if cookiesChanged(cookies, current) {
		s.logger.Info("server refreshed cookies during validation", zap.Int("cookies", len(current)))
		if err := s.SaveCookies(ctx, current); err != nil {
			return true, err
		}
		if state, err := s.LoadState(ctx); err == nil {
			state.Cookies = current
			if err := s.putJSON(ctx, s.Key(stateSuffix), state); err != nil {
				return true, err
			}
		}
	}
	return true, nil
}

// Restore brings a prior session back into page. The snapshot must be logged
// in, younger than maxAge and free of expired cookies; the marker must then be
// found on home. Web storage is applied after navigating so it lands on the
// site's origin.
func (s *Store) Restore(ctx context.Context, page repository.Page, home, marker string, maxAge time.Duration) (bool, error) {
	state, err := s.LoadState(ctx)
	if IsNotFound(err) || isExpired(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !state.Fresh(s.now(), maxAge) {
		s.logger.Info("stored session is stale",
			zap.Bool("logged_in", state.IsLoggedIn),
			zap.Time("last_login", state.LastLoginTime))
		return false, nil
	}
	if err := page.SetCookies(ctx, state.Cookies); err != nil {
		return false, fmt.Errorf("apply cookies: %w", err)
	}
	if err := page.Navigate(ctx, home, repository.NavigateOptions{}); err != nil {
		return false, err
	}
	if err := page.SetStorage(ctx, repository.LocalStorage, state.LocalStorage); err != nil {
		return false, fmt.Errorf("apply localStorage: %w", err)
	}
	if err := page.SetStorage(ctx, repository.SessionStorage, state.SessionStorage); err != nil {
		return false, fmt.Errorf("apply sessionStorage: %w", err)
	}
	ok, err := s.verify(ctx, page, home, marker, state.Cookies)
	if err != nil || !ok {
		return false, err
	}
	s.logger.Info("session restored", zap.String("username", state.Username), zap.Time("last_login", state.LastLoginTime))
	return true, nil
}

func (s *Store) checkMarker(ctx context.Context, page repository.Page, home, marker string) (bool, error) {
	if err := page.Navigate(ctx, home, repository.NavigateOptions{}); err != nil {
		return false, err
	}
	if marker == "" {
		return true, nil
	}
	found, err := WaitFor(ctx, s.markerWait, func(ctx context.Context) (bool, error) {
		n, err := page.Count(ctx, marker)
		return n > 0, err
	})
	if err != nil {
		return false, err
	}
	if !found {
		s.logger.Info("logged-in marker not found", zap.String("marker", marker), zap.String("home", home))
	}
	return found, nil
}

// WaitFor polls cond until it holds or timeout elapses. It reports false with
// a nil error on timeout; a cancelled ctx is returned as an error.
func WaitFor(ctx context.Context, timeout time.Duration, cond func(context.Context) (bool, error)) (bool, error) {
	deadline := time.Now().Add(timeout)
	interval := 50 * time.Millisecond
	for {
		ok, err := cond(ctx)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(interval):
		}
		interval = min(interval*2, 500*time.Millisecond)
	}
}

// Sleep waits for d or until ctx is done, returning ctx.Err() in that case.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func cookiesChanged(before, after []entity.Cookie) bool {
	key := func(c entity.Cookie) string { return c.Name + "\x00" + c.Domain + "\x00" + c.Path }
	prev := make(map[string]entity.Cookie, len(before))
	for _, c := range before {
		prev[key(c)] = c
	}
	if len(before) != len(after) {
		return true
	}
	return slices.ContainsFunc(after, func(c entity.Cookie) bool {
		p, ok := prev[key(c)]
		return !ok || p.Value != c.Value || p.Expires != c.Expires
	})
}

func isExpired(err error) bool {
	return errors.Is(err, entity.ErrSessionExpired)
}
