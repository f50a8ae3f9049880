package crawl

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/user/pt-crawler/internal/adapter/sqlite"
	"github.com/user/pt-crawler/internal/browsertest"
	"github.com/user/pt-crawler/internal/entity"
	"github.com/user/pt-crawler/internal/repository"
	"github.com/user/pt-crawler/internal/usecase/session"
	"github.com/user/pt-crawler/internal/usecase/syncer"
	"github.com/user/pt-crawler/pkg/metrics"
)

const (
	listURL   = "https://pt.example.org/torrents.php"
	loginURL  = "https://pt.example.org/login.php"
	submitURL = "https://pt.example.org/takelogin.php"
)

const userBar = `<a class="User_Name" href="userdetails.php?id=42">alice</a>`

// newTracker serves a torrent list that needs the uid cookie, two detail
// pages and a login form. details.php?id=404 is not served.
func newTracker() *browsertest.Site {
	site := browsertest.NewSite()
	site.Handle(listURL, func(r *browsertest.Request) (string, error) {
		if r.Cookies["uid"] != "42" {
			return `<html><body><h1>Torrents</h1><a href="login.php">Login</a></body></html>`, nil
		}
		return `<html><head><title>Torrents</title></head><body>` + userBar + `
			<h1>Torrents</h1>
			<table>
			  <tr><td><a class="detail" href="details.php?id=1">Ubuntu</a></td></tr>
			  <tr><td><a class="detail" href="details.php?id=1#comments">Ubuntu</a></td></tr>
			  <tr><td><a class="detail" href="/details.php?id=2">Debian</a></td></tr>
			  <tr><td><a class="detail" href="details.php?id=404">Gone</a></td></tr>
			</table></body></html>`, nil
	})
	site.HTML("https://pt.example.org/details.php?id=1",
		`<html><body><h1> Ubuntu 24.04 </h1><table><tr><td class="seeders">1,017</td></tr></table></body></html>`)
	site.HTML("https://pt.example.org/details.php?id=2",
		`<html><body><table><tr><td class="seeders">3</td></tr></table></body></html>`)
	site.HTML(loginURL, `<html><body><form id="loginform" action="takelogin.php" method="post">
		<input type="text" name="username"><input type="password" name="password">
		<input type="submit" value="Login"></form></body></html>`)
	site.Handle(submitURL, func(r *browsertest.Request) (string, error) {
		if r.Form.Get("username") != "alice" || r.Form.Get("password") != "secret" {
			return `<html><body><font color="red">Wrong password</font></body></html>`, nil
		}
		r.SetCookie(entity.Cookie{Name: "uid", Value: "42", Domain: "pt.example.org", Path: "/"})
		return `<html><body>` + userBar + `</body></html>`, nil
	})
	return site
}

func newTask() *entity.SiteTaskConfig {
	return &entity.SiteTaskConfig{
		TaskID:             "task-1",
		SiteID:             "pt-example",
		StartURLs:          []string{listURL},
		DetailLinkSelector: "a.detail",
		Login: &entity.LoginConfig{
			LoginURL:     loginURL,
			FormSelector: "form#loginform",
			Fields: entity.LoginFields{
				Username: entity.FieldConfig{Selector: "input[name=username]"},
				Password: entity.FieldConfig{Selector: "input[name=password]"},
			},
			SuccessCheck: entity.SuccessCheck{Selector: "a.User_Name", Timeout: entity.Duration(300 * time.Millisecond)},
		},
		Rules: []entity.ExtractRule{
			{Name: "title", Selector: "h1", Kind: entity.KindText, Required: true, Transform: []entity.TransformSpec{{Type: "trim"}}},
			{Name: "seeders", Selector: "td.seeders", Kind: entity.KindText, Transform: []entity.TransformSpec{{Type: "toInt"}}},
		},
		Credentials: entity.Credentials{Username: "alice", Password: "secret"},
	}
}

type fakeSender struct {
	mu      sync.Mutex
	err     error
	results []entity.CrawlResult
}

func (f *fakeSender) SendBatch(_ context.Context, _ string, results []entity.CrawlResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.results = append(f.results, results...)
	return nil
}

func (f *fakeSender) byURL(u string) (entity.CrawlResult, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.results {
		if r.URL == u {
			return r, true
		}
	}
	return entity.CrawlResult{}, false
}

type fixture struct {
	kv      repository.KeyValueStore
	site    *browsertest.Site
	sender  *fakeSender
	metrics *metrics.Metrics
	browser *browsertest.Browser
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	kv, err := sqlite.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })
	return &fixture{
		kv:      kv,
		site:    newTracker(),
		sender:  &fakeSender{},
		metrics: metrics.New(prometheus.NewRegistry()),
	}
}

func (f *fixture) runner(t *testing.T) *Runner {
	return NewRunner(Dependencies{
		Storage: f.kv,
		NewBrowser: func(context.Context) (repository.Browser, error) {
			f.browser = browsertest.NewBrowser(f.site)
			return f.browser, nil
		},
		Sender:  f.sender,
		Metrics: f.metrics,
		Logger:  zaptest.NewLogger(t),
	}, Settings{
		MaxConcurrency: 2,
		PageTimeout:    time.Second,
		SessionMaxAge:  time.Hour,
		Sync:           syncer.Config{BatchSize: 2, RetryTimes: 0},
	})
}

func (f *fixture) store(t *testing.T) *session.Store {
	return session.NewStore(f.kv, "pt-example", zaptest.NewLogger(t))
}

func TestRunLogsInAndFollowsDetailLinks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	report, err := f.runner(t).Run(ctx, newTask(), "run-1")
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, report.Status)
	require.True(t, report.LoggedIn)
	require.False(t, report.SessionRestored)

	require.Equal(t, 4, report.Pages)
	require.Equal(t, 1, report.PageFailures)
	require.Equal(t, 3, report.Records)
	// Missing seeders on the list page and missing title on details 2.
	require.Equal(t, 2, report.ExtractionErrors)
	require.Equal(t, 1, report.ValidationErrors)
	require.Equal(t, 2, report.Delivered)
	require.Zero(t, report.Deferred)

	d1, ok := f.sender.byURL("https://pt.example.org/details.php?id=1")
	require.True(t, ok)
	title, _ := d1.Data.Get("title")
	seeders, _ := d1.Data.Get("seeders")
	require.Equal(t, "Ubuntu 24.04", title)
	require.Equal(t, int64(1017), seeders)
	require.Empty(t, d1.Errors)
	require.Equal(t, "task-1", d1.TaskID)

	d2, ok := f.sender.byURL("https://pt.example.org/details.php?id=2")
	require.True(t, ok)
	require.Len(t, d2.Errors, 2)

	// Each detail page is visited once even though it is linked twice.
	visits := 0
	for _, v := range f.site.Visits() {
		if strings.HasPrefix(v, "https://pt.example.org/details.php?id=1") {
			visits++
		}
	}
	require.Equal(t, 1, visits)
	require.Zero(t, f.browser.OpenPages())

	state, err := f.store(t).LoadState(ctx)
	require.NoError(t, err)
	require.True(t, state.IsLoggedIn)
	require.Equal(t, "alice", state.Username)

	keys, err := f.kv.ListKeys(ctx, "pt-example", "pt-example-page-failure-")
	require.NoError(t, err)
	require.NotEmpty(t, keys)

	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.PagesTotal.WithLabelValues("task-1", "failure")))
	require.Equal(t, 3.0, testutil.ToFloat64(f.metrics.PagesTotal.WithLabelValues("task-1", "success")))
}

func TestRunRestoresStoredSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store(t).SaveState(ctx, &entity.SessionState{
		Cookies:       []entity.Cookie{{Name: "uid", Value: "42", Domain: "pt.example.org", Path: "/"}},
		IsLoggedIn:    true,
		LastLoginTime: time.Now().Add(-time.Minute),
		Username:      "alice",
	}))

	report, err := f.runner(t).Run(ctx, newTask(), "run-1")
	require.NoError(t, err)
	require.True(t, report.LoggedIn)
	require.True(t, report.SessionRestored)
	require.Equal(t, 3, report.Records)
	require.NotContains(t, f.site.Visits(), loginURL)
}

func TestRunStaleSessionLogsInAgain(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store(t).SaveState(ctx, &entity.SessionState{
		Cookies:       []entity.Cookie{{Name: "uid", Value: "42", Domain: "pt.example.org", Path: "/"}},
		IsLoggedIn:    true,
		LastLoginTime: time.Now().Add(-2 * time.Hour),
	}))

	report, err := f.runner(t).Run(ctx, newTask(), "run-1")
	require.NoError(t, err)
	require.False(t, report.SessionRestored)
	require.Contains(t, f.site.Visits(), loginURL)
}

func TestRunAbortsOnLoginFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	task := newTask()
	task.Credentials.Password = "wrong"

	report, err := f.runner(t).Run(ctx, task, "run-1")
	require.ErrorIs(t, err, entity.ErrLoginFailed)
	require.Equal(t, StatusFailed, report.Status)
	require.NotEmpty(t, report.Err)
	require.Zero(t, report.Pages)
	require.NotContains(t, f.site.Visits(), listURL)
	require.Empty(t, f.sender.results)
}

func TestRunDefersUndeliverableBatchesAndReplaysNextRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.sender.err = errors.New("backend down")

	report, err := f.runner(t).Run(ctx, newTask(), "run-1")
	require.NoError(t, err)
	require.Equal(t, 3, report.Records)
	require.Zero(t, report.Delivered)
	require.Equal(t, 2, report.Deferred)

	keys, err := f.store(t).PendingKeys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 2)

	f.sender.err = nil
	f.site = newTracker()
	report, err = f.runner(t).Run(ctx, newTask(), "run-2")
	require.NoError(t, err)
	require.Equal(t, 2, report.Replayed)
	require.Equal(t, 2, report.Delivered)
	// Three records from the first run and three from the second.
	require.Len(t, f.sender.results, 6)

	keys, err = f.store(t).PendingKeys(ctx)
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestRunRejectsInvalidTask(t *testing.T) {
	f := newFixture(t)
	task := newTask()
	task.StartURLs = nil

	report, err := f.runner(t).Run(context.Background(), task, "run-1")
	require.ErrorIs(t, err, entity.ErrInvalidTask)
	require.Equal(t, StatusFailed, report.Status)
}

func TestRunWithoutLoginOrDetails(t *testing.T) {
	f := newFixture(t)
	task := newTask()
	task.Login = nil
	task.DetailLinkSelector = ""

	report, err := f.runner(t).Run(context.Background(), task, "run-1")
	require.NoError(t, err)
	require.False(t, report.LoggedIn)
	require.Equal(t, 1, report.Pages)
	require.Equal(t, 1, report.Records)
}

func TestRunCancelled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := f.runner(t).Run(ctx, newTask(), "run-1")
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, StatusCancelled, report.Status)
	require.Empty(t, f.site.Visits())
}
