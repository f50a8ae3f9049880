package session

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/user/pt-crawler/internal/adapter/sqlite"
	"github.com/user/pt-crawler/internal/browsertest"
	"github.com/user/pt-crawler/internal/entity"
	"github.com/user/pt-crawler/pkg/utils"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newStore(t *testing.T, site string) *Store {
	t.Helper()
	kv, err := sqlite.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })
	s := NewStore(kv, site, zaptest.NewLogger(t))
	s.now = func() time.Time { return testNow }
	s.markerWait = 100 * time.Millisecond
	return s
}

func future() float64 { return float64(testNow.Add(24 * time.Hour).Unix()) }
func past() float64   { return float64(testNow.Add(-time.Minute).Unix()) }

func TestKeyCarriesSiteAndSanitisedSuffix(t *testing.T) {
	s := newStore(t, "hdsky")
	require.Equal(t, "hdsky-login_state_2024", s.Key("login state/2024"))

	long := s.Key(strings.Repeat("页", 200))
	require.LessOrEqual(t, len(long), utils.MaxKeyLength)
	require.True(t, strings.HasPrefix(long, "hdsky-"))
}

func TestCookiesRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, "site")

	_, err := s.LoadCookies(ctx)
	require.True(t, IsNotFound(err))

	cookies := []entity.Cookie{
		{Name: "uid", Value: "42", Domain: "pt.example.org", Path: "/", Expires: future()},
		{Name: "sess", Value: "abc", Domain: "pt.example.org", Path: "/"},
	}
	require.NoError(t, s.SaveCookies(ctx, cookies))
	got, err := s.LoadCookies(ctx)
	require.NoError(t, err)
	require.Equal(t, cookies, got)
}

func TestExpiredCookieRemovesFile(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, "site")

	require.NoError(t, s.SaveCookies(ctx, []entity.Cookie{
		{Name: "uid", Value: "42", Path: "/", Expires: future()},
		{Name: "pass", Value: "x", Path: "/", Expires: past()},
	}))

	_, err := s.LoadCookies(ctx)
	require.ErrorIs(t, err, entity.ErrSessionExpired)

	_, err = s.Raw(ctx, s.Key(cookiesSuffix))
	require.ErrorIs(t, err, entity.ErrNotFound)
}

func TestStateRoundTripAndInvalidation(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, "site")

	state := &entity.SessionState{
		Cookies:        []entity.Cookie{{Name: "uid", Value: "42", Path: "/", Expires: future()}},
		LocalStorage:   map[string]string{"theme": "dark"},
		SessionStorage: map[string]string{},
		IsLoggedIn:     true,
		LastLoginTime:  testNow.Add(-time.Hour),
		Username:       "alice",
	}
	require.NoError(t, s.SaveState(ctx, state))

	got, err := s.LoadState(ctx)
	require.NoError(t, err)
	require.Equal(t, "alice", got.Username)
	require.Equal(t, "dark", got.LocalStorage["theme"])

	cookies, err := s.LoadCookies(ctx)
	require.NoError(t, err)
	require.Len(t, cookies, 1)

	state.Cookies[0].Expires = past()
	require.NoError(t, s.SaveState(ctx, state))
	_, err = s.LoadState(ctx)
	require.ErrorIs(t, err, entity.ErrSessionExpired)
	_, err = s.Raw(ctx, s.Key(stateSuffix))
	require.ErrorIs(t, err, entity.ErrNotFound)
	_, err = s.Raw(ctx, s.Key(cookiesSuffix))
	require.ErrorIs(t, err, entity.ErrNotFound)
}

func TestPendingBatches(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, "task-1")

	var keys []string
	for i := 0; i < 3; i++ {
		s.now = func() time.Time { return testNow.Add(time.Duration(i) * time.Second) }
		key, err := s.SavePending(ctx, &entity.PendingBatch{TaskID: "task-1", CreatedAt: s.now(), Attempts: 4})
		require.NoError(t, err)
		keys = append(keys, key)
	}
	// A foreign key in the same namespace is not a pending batch.
	_, err := s.SaveJSON(ctx, "session_state", map[string]string{})
	require.NoError(t, err)

	listed, err := s.PendingKeys(ctx)
	require.NoError(t, err)
	require.Equal(t, keys, listed)

	batch, err := s.LoadPending(ctx, keys[1])
	require.NoError(t, err)
	require.Equal(t, 4, batch.Attempts)

	removed, err := s.DeletePending(ctx, keys[1])
	require.NoError(t, err)
	require.True(t, removed)
	removed, err = s.DeletePending(ctx, keys[1])
	require.NoError(t, err)
	require.False(t, removed)
}

func TestNamespacesDoNotInterfere(t *testing.T) {
	ctx := context.Background()
	kv, err := sqlite.Open(ctx, ":memory:")
	require.NoError(t, err)
	defer kv.Close()

	a := NewStore(kv, "site-a", zaptest.NewLogger(t))
	b := NewStore(kv, "site-b", zaptest.NewLogger(t))
	_, err = a.SavePending(ctx, &entity.PendingBatch{TaskID: "a"})
	require.NoError(t, err)

	keys, err := b.PendingKeys(ctx)
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestDiagnosticsCapture(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, "site")
	site := browsertest.NewSite()
	site.HTML("https://pt.example.org/takelogin.php", `<html><head><title>Login failed</title></head>
		<body><div class="alert-danger" style="display:none"></div>
		<td class="text"><font color="red">Wrong password</font></td></body></html>`)

	page, err := browsertest.NewBrowser(site).NewPage(ctx)
	require.NoError(t, err)
	require.NoError(t, page.Navigate(ctx, "https://pt.example.org/takelogin.php", navigateDefaults))

	d := Capture(ctx, page, "login failed", nil)
	require.Equal(t, "Login failed", d.Title)
	require.Equal(t, "Wrong password", d.ErrorMessage)

	key, err := s.SaveDiagnostics(ctx, "login-failure", d)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(key, "site-login-failure-"))

	html, err := s.Raw(ctx, d.HTMLKey)
	require.NoError(t, err)
	require.Contains(t, string(html), "Wrong password")
	shot, err := s.Raw(ctx, d.ScreenshotKey)
	require.NoError(t, err)
	require.NotEmpty(t, shot)
}

func TestDiagnosticsCaptureSkipsHiddenErrors(t *testing.T) {
	ctx := context.Background()
	site := browsertest.NewSite()
	site.HTML("https://pt.example.org/a.php", `<html><body>
		<div class="error" style="display:none">Session timed out</div>
		<font color="red">Wrong password</font></body></html>`)
	site.HTML("https://pt.example.org/b.php", `<html><body>
		<div hidden><p class="error">Template</p></div>
		<p class="error">Too many login attempts</p></body></html>`)

	page, err := browsertest.NewBrowser(site).NewPage(ctx)
	require.NoError(t, err)

	require.NoError(t, page.Navigate(ctx, "https://pt.example.org/a.php", navigateDefaults))
	require.Equal(t, "Wrong password", Capture(ctx, page, "login failed", nil).ErrorMessage)

	require.NoError(t, page.Navigate(ctx, "https://pt.example.org/b.php", navigateDefaults))
	require.Equal(t, "Too many login attempts", Capture(ctx, page, "login failed", nil).ErrorMessage)
}
