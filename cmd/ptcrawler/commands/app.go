package commands

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/user/pt-crawler/internal/adapter/backend"
	"github.com/user/pt-crawler/internal/adapter/captchaapi"
	"github.com/user/pt-crawler/internal/adapter/chromedp_browser"
	"github.com/user/pt-crawler/internal/adapter/postgres"
	"github.com/user/pt-crawler/internal/adapter/redis"
	"github.com/user/pt-crawler/internal/adapter/sqlite"
	"github.com/user/pt-crawler/internal/adapter/taskfile"
	"github.com/user/pt-crawler/internal/adapter/tesseract"
	"github.com/user/pt-crawler/internal/repository"
	"github.com/user/pt-crawler/internal/usecase/captcha"
	"github.com/user/pt-crawler/internal/usecase/crawl"
	"github.com/user/pt-crawler/internal/usecase/session"
	"github.com/user/pt-crawler/internal/usecase/syncer"
	"github.com/user/pt-crawler/pkg/config"
	"github.com/user/pt-crawler/pkg/logger"
	"github.com/user/pt-crawler/pkg/metrics"
)

// app holds everything a command needs, built from configuration.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	storage  repository.KeyValueStore
	manager  *crawl.Manager
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("could not load config: %w", err)
	}
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	store, err := openStorage(ctx, cfg)
	if err != nil {
		log.Error("failed to open storage", zap.String("backend", cfg.StorageBackend), zap.Error(err))
		return nil, err
	}
	log.Info("storage ready", zap.String("backend", cfg.StorageBackend))

	client := backend.New(cfg.BackendURL, cfg.BackendToken, cfg.BackendTimeout)
	var tasks repository.TaskSource = taskfile.New(cfg.TasksDir)
	if cfg.TaskSource == "backend" {
		tasks = client
	}

	runner := crawl.NewRunner(crawl.Dependencies{
		Storage:    store,
		NewBrowser: browserFactory(cfg, log),
		Sender:     client,
		Captcha:    captchaDeps(ctx, cfg, log),
		Metrics:    m,
		Logger:     log,
	}, crawl.Settings{
		MaxConcurrency: cfg.MaxConcurrency,
		PageTimeout:    cfg.PageLoadTimeout,
		SessionMaxAge:  cfg.SessionMaxAge,
		Sync: syncer.Config{
			BatchSize:  cfg.SyncBatchSize,
			RetryTimes: cfg.SyncRetryTimes,
			RetryDelay: cfg.SyncRetryDelay,
		},
		ErrorSelectors: session.DefaultErrorSelectors,
	})

	return &app{
		cfg:      cfg,
		logger:   log,
		registry: reg,
		metrics:  m,
		storage:  store,
		manager:  crawl.NewManager(runner, tasks, log),
	}, nil
}

func (a *app) Close() {
	if err := a.storage.Close(); err != nil {
		a.logger.Warn("failed to close storage", zap.Error(err))
	}
	_ = a.logger.Sync()
}

func openStorage(ctx context.Context, cfg *config.Config) (repository.KeyValueStore, error) {
	switch cfg.StorageBackend {
	case "redis":
		return redis.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	case "postgres":
		return postgres.Connect(ctx, cfg.PostgresURL)
	default:
		return sqlite.Open(ctx, cfg.SQLitePath)
	}
}

func browserFactory(cfg *config.Config, log *zap.Logger) crawl.BrowserFactory {
	opts := chromedp_browser.Options{
		Headless:  cfg.Headless,
		ExecPath:  cfg.ChromePath,
		UserAgent: cfg.UserAgent,
	}
	rotator := chromedp_browser.NewRotator(cfg.ProxyURLs, cfg.UserAgents)
	return func(ctx context.Context) (repository.Browser, error) {
		return chromedp_browser.NewBrowser(ctx, rotator.Apply(opts), log)
	}
}

// captchaDeps wires the optional resolver backends. A task that asks for a
// backend that is not configured fails at resolver construction.
func captchaDeps(ctx context.Context, cfg *config.Config, log *zap.Logger) captcha.Dependencies {
	polling := captcha.DefaultPolling()
	polling.Timeout = cfg.CaptchaTimeout
	deps := captcha.Dependencies{Polling: polling}

	if cfg.CaptchaAPIKey != "" {
		api := captchaapi.New(cfg.CaptchaAPIURL, cfg.CaptchaAPIKey, cfg.BackendTimeout)
		if balance, err := api.Balance(ctx); err != nil {
			log.Warn("captcha service balance check failed", zap.Error(err))
		} else {
			log.Info("captcha service ready", zap.Float64("balance", balance))
		}
		deps.API = api
	}

	if ocr := tesseract.New(cfg.TesseractPath); ocr.Available() {
		deps.OCR = ocr
	} else {
		log.Info("tesseract not found, ocr captcha resolver disabled", zap.String("path", cfg.TesseractPath))
	}
	return deps
}
