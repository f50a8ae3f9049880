// Package crawl drives one site task end to end: storage, session, login,
// page visits, extraction and sync.
package crawl

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/user/pt-crawler/internal/entity"
	"github.com/user/pt-crawler/internal/repository"
	"github.com/user/pt-crawler/internal/usecase/captcha"
	"github.com/user/pt-crawler/internal/usecase/extract"
	"github.com/user/pt-crawler/internal/usecase/login"
	"github.com/user/pt-crawler/internal/usecase/session"
	"github.com/user/pt-crawler/internal/usecase/syncer"
	"github.com/user/pt-crawler/pkg/metrics"
	"github.com/user/pt-crawler/pkg/utils"
)

// BrowserFactory opens an isolated browser session for one run.
type BrowserFactory func(ctx context.Context) (repository.Browser, error)

// Settings are the service-wide defaults a task may override.
type Settings struct {
	MaxConcurrency int
	PageTimeout    time.Duration
	SessionMaxAge  time.Duration
	Sync           syncer.Config
	ErrorSelectors []string
}

type Dependencies struct {
	Storage    repository.KeyValueStore
	NewBrowser BrowserFactory
	Sender     repository.BatchSender
	Captcha    captcha.Dependencies
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
}

// Runner executes site tasks. Runs of different tasks share nothing but the
// storage backend and may execute concurrently.
type Runner struct {
	deps     Dependencies
	settings Settings
}

func NewRunner(deps Dependencies, settings Settings) *Runner {
	if settings.MaxConcurrency <= 0 {
		settings.MaxConcurrency = 1
	}
	if settings.PageTimeout <= 0 {
		settings.PageTimeout = 60 * time.Second
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	deps.Captcha.Metrics = deps.Metrics
	deps.Captcha.Logger = deps.Logger
	return &Runner{deps: deps, settings: settings}
}

// run is the state of one execution.
type run struct {
	*Runner
	task     *entity.SiteTaskConfig
	store    *session.Store
	pipeline *syncer.Pipeline
	engine   *extract.Engine
	browser  repository.Browser
	logger   *zap.Logger
	tally    *tally
}

// Run executes task and always returns a report; the error is the reason the
// run stopped early. Extraction and delivery problems never stop a run.
func (r *Runner) Run(ctx context.Context, task *entity.SiteTaskConfig, runID string) (*RunReport, error) {
	report := &RunReport{RunID: runID, TaskID: task.TaskID, Status: StatusRunning, StartedAt: time.Now().UTC()}
	err := r.run(ctx, task, report)
	report.FinishedAt = time.Now().UTC()
	switch {
	case err == nil:
		report.Status = StatusSucceeded
	case errors.Is(err, context.Canceled):
		report.Status = StatusCancelled
		report.Err = err.Error()
	default:
		report.Status = StatusFailed
		report.Err = err.Error()
	}
	return report, err
}

func (r *Runner) run(ctx context.Context, task *entity.SiteTaskConfig, report *RunReport) error {
	logger := r.deps.Logger.With(zap.String("task_id", task.TaskID), zap.String("run_id", report.RunID))
	if err := task.Validate(); err != nil {
		return err
	}
	engine, err := extract.NewEngine(task.Rules, logger)
	if err != nil {
		return err
	}

	if err := r.deps.Storage.Ping(ctx); err != nil {
		return fmt.Errorf("storage unavailable: %w", err)
	}
	store := session.NewStore(r.deps.Storage, task.Site(), logger)
	pipeline := syncer.New(task.TaskID, r.deps.Sender, store, r.settings.Sync, r.deps.Metrics, logger)

	rep, err := pipeline.ProcessPending(ctx)
	report.Replayed += rep.Replayed
	if err != nil {
		logger.Warn("pending replay at start failed", zap.Error(err))
	}

	x := &run{
		Runner:   r,
		task:     task,
		store:    store,
		pipeline: pipeline,
		engine:   engine,
		logger:   logger,
		tally:    &tally{report: report},
	}
	runErr := x.crawl(ctx, report)

	// Drain and replay even on failure or cancellation; undeliverable batches
	// land in pending storage.
	if err := pipeline.Flush(ctx); err != nil {
		logger.Warn("final flush deferred", zap.Error(err))
	}
	rep, err = pipeline.ProcessPending(ctx)
	report.Replayed += rep.Replayed
	if err != nil && runErr == nil && !errors.Is(err, context.Canceled) {
		logger.Warn("pending replay at end failed", zap.Error(err))
	}

	stats := pipeline.Stats()
	report.Delivered = stats.Delivered
	report.Deferred = stats.Deferred

	logger.Info("crawl run finished",
		zap.Int("pages", report.Pages),
		zap.Int("page_failures", report.PageFailures),
		zap.Int("records", report.Records),
		zap.Int("delivered_batches", report.Delivered),
		zap.Int("deferred_batches", report.Deferred),
		zap.Int("replayed_batches", report.Replayed),
		zap.Error(runErr))
	return runErr
}

func (x *run) crawl(ctx context.Context, report *RunReport) error {
	browser, err := x.deps.NewBrowser(ctx)
	if err != nil {
		return fmt.Errorf("open browser: %w", err)
	}
	defer browser.Close()
	x.browser = browser

	if x.task.Login != nil {
		restored, err := x.authenticate(ctx)
		if err != nil {
			return err
		}
		report.LoggedIn = true
		report.SessionRestored = restored
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	links, err := x.visitAll(ctx, x.task.StartURLs, x.task.DetailLinkSelector != "")
	if err != nil {
		return err
	}
	if len(links) > 0 {
		x.logger.Info("visiting detail pages", zap.Int("links", len(links)))
		if _, err := x.visitAll(ctx, links, false); err != nil {
			return err
		}
	}
	return nil
}

// authenticate restores the stored session or logs in. A failed login stops
// the run because the remaining pages require an authenticated session.
func (x *run) authenticate(ctx context.Context) (bool, error) {
	page, err := x.browser.NewPage(ctx)
	if err != nil {
		return false, fmt.Errorf("open page: %w", err)
	}
	defer page.Close()

	cfg := *x.task.Login
	restored, err := x.store.Restore(ctx, page, x.task.Home(), cfg.SuccessCheck.Selector, x.settings.SessionMaxAge)
	if err != nil {
		x.logger.Warn("session restore failed, logging in", zap.Error(err))
	}
	if restored {
		return true, nil
	}

	var resolver captcha.Resolver
	if cfg.NeedsCaptcha() {
		resolver, err = captcha.New(cfg.Fields.Captcha.Resolver, x.deps.Captcha)
		if err != nil {
			return false, err
		}
	}
	o, err := login.New(cfg, x.task.Credentials, login.Dependencies{
		Resolver:       resolver,
		Store:          x.store,
		Metrics:        x.deps.Metrics,
		Logger:         x.logger,
		ErrorSelectors: x.settings.ErrorSelectors,
	})
	if err != nil {
		return false, err
	}
	if _, err := o.Login(ctx, page); err != nil {
		return false, err
	}
	return false, nil
}

// visitAll visits urls with bounded parallelism. It returns the detail links
// found when collect is set. Only cancellation stops it early.
func (x *run) visitAll(ctx context.Context, urls []string, collect bool) ([]string, error) {
	limit := x.settings.MaxConcurrency
	if x.task.MaxConcurrency > 0 {
		limit = x.task.MaxConcurrency
	}

	found := make([][]string, len(urls))
	var g errgroup.Group
	g.SetLimit(limit)
	for i, u := range urls {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			found[i] = x.visit(ctx, u, collect)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if !collect {
		return nil, nil
	}
	seen := make(map[string]struct{}, len(urls))
	for _, u := range urls {
		seen[u] = struct{}{}
	}
	var links []string
	for _, ls := range found {
		for _, l := range ls {
			if _, dup := seen[l]; dup {
				continue
			}
			seen[l] = struct{}{}
			links = append(links, l)
		}
	}
	return links, nil
}

// visit loads one page, extracts a record and hands it to the sync pipeline.
func (x *run) visit(ctx context.Context, target string, collect bool) []string {
	start := time.Now()
	logger := x.logger.With(zap.String("url", target))
	status := "success"
	defer func() {
		if x.deps.Metrics != nil {
			x.deps.Metrics.PagesTotal.WithLabelValues(x.task.TaskID, status).Inc()
			x.deps.Metrics.PageDuration.WithLabelValues(x.task.TaskID).Observe(time.Since(start).Seconds())
		}
	}()

	page, err := x.browser.NewPage(ctx)
	if err != nil {
		status = "failure"
		x.tally.page(false, 0, 0)
		logger.Error("failed to open page", zap.Error(err))
		return nil
	}
	defer page.Close()

	timeout := x.task.PageTimeout.Or(x.settings.PageTimeout)
	if err := page.Navigate(ctx, target, repository.NavigateOptions{WaitUntil: "load", Timeout: timeout}); err != nil {
		status = "failure"
		x.tally.page(false, 0, 0)
		logger.Error("page navigation failed", zap.Error(err))
		x.diagnose(ctx, page, err)
		return nil
	}

	html, err := page.Content(ctx)
	var doc *goquery.Document
	if err == nil {
		doc, err = goquery.NewDocumentFromReader(strings.NewReader(html))
	}
	if err != nil {
		status = "failure"
		x.tally.page(false, 0, 0)
		x.diagnose(ctx, page, fmt.Errorf("%w: %v", entity.ErrExtraction, err))
		return nil
	}

	res := x.engine.Extract(doc.Selection)
	errs := res.Errors
	verrs := x.engine.Validate(res.Data)
	for _, v := range verrs {
		errs = append(errs, v.Error())
	}
	if res.Data.Len() == 0 && len(x.task.Rules) > 0 {
		x.diagnose(ctx, page, fmt.Errorf("%w: no field extracted", entity.ErrExtraction))
	}

	result := entity.CrawlResult{
		URL:       target,
		Data:      res.Data,
		Timestamp: time.Now().UTC(),
		TaskID:    x.task.TaskID,
		Errors:    errs,
	}
	x.tally.page(true, len(res.Errors), len(verrs))
	logger.Info("page extracted",
		zap.Int("fields", res.Data.Len()),
		zap.Int("extraction_errors", len(res.Errors)),
		zap.Int("validation_errors", len(verrs)),
		zap.Duration("elapsed", time.Since(start)))

	if err := x.pipeline.Add(ctx, result); err != nil {
		logger.Warn("batch delivery deferred", zap.Error(err))
	}

	if !collect {
		return nil
	}
	return detailLinks(doc, target, x.task.DetailLinkSelector)
}

func (x *run) diagnose(ctx context.Context, page repository.Page, cause error) {
	if ctx.Err() != nil {
		return
	}
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	d := session.Capture(dctx, page, "page visit failed", x.settings.ErrorSelectors)
	d.Error = cause.Error()
	key, err := x.store.SaveDiagnostics(dctx, "page-failure", d)
	if err != nil {
		x.logger.Warn("failed to persist page diagnostics", zap.Error(err))
		return
	}
	x.logger.Warn("page failure diagnostics saved", zap.String("url", d.URL), zap.String("key", key), zap.Error(cause))
}

func detailLinks(doc *goquery.Document, pageURL, selector string) []string {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}
	var links []string
	doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok || strings.TrimSpace(href) == "" || strings.HasPrefix(href, "javascript:") {
			return
		}
		abs, err := utils.ToAbsoluteURL(base, href)
		if err != nil {
			return
		}
		links = append(links, abs)
	})
	return links
}
