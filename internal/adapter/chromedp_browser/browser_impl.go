package chromedp_browser

import (
	"context"
	"fmt"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/user/pt-crawler/internal/repository"
)

const defaultUserAgent = `Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36`

// Options configure the Chrome process.
type Options struct {
	Headless  bool
	ExecPath  string
	UserAgent string
	// ProxyServer is passed to Chrome as --proxy-server when set.
	ProxyServer string
	// WindowWidth and WindowHeight size the viewport used for screenshots.
	WindowWidth  int
	WindowHeight int
}

// Browser is one Chrome process. Its tabs share a cookie jar and web storage.
type Browser struct {
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	logger        *zap.Logger
}

var _ repository.Browser = (*Browser)(nil)

// NewBrowser starts Chrome and returns once the first target is attached.
func NewBrowser(ctx context.Context, opts Options, logger *zap.Logger) (*Browser, error) {
	ua := opts.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	w, h := opts.WindowWidth, opts.WindowHeight
	if w <= 0 || h <= 0 {
		w, h = 1366, 900
	}
	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.UserAgent(ua),
		chromedp.WindowSize(w, h),
	)
	if opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
	}
	if opts.ProxyServer != "" {
		allocOpts = append(allocOpts, chromedp.ProxyServer(opts.ProxyServer))
	}

	// The process must outlive the request context that launched it.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.WithoutCancel(ctx), allocOpts...)
	sugar := logger.Sugar()
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(sugar.Debugf),
		chromedp.WithErrorf(sugar.Errorf),
	)

	// The first Run binds the process lifetime to its context, so it gets the
	// browser context itself rather than a derived one with a deadline.
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("failed to start chrome: %w", err)
	}

	logger.Info("chrome started", zap.Bool("headless", opts.Headless), zap.Bool("proxied", opts.ProxyServer != ""))
	return &Browser{
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		logger:        logger,
	}, nil
}

// NewPage opens a new tab in the browser.
func (b *Browser) NewPage(ctx context.Context) (repository.Page, error) {
	if err := b.browserCtx.Err(); err != nil {
		return nil, fmt.Errorf("browser closed: %w", err)
	}
	tabCtx, cancel := chromedp.NewContext(b.browserCtx)
	p := &Page{ctx: tabCtx, cancel: cancel, logger: b.logger}
	if err := ctx.Err(); err != nil {
		cancel()
		return nil, err
	}
	// Attach the target now so failures surface here rather than on first use.
	if err := chromedp.Run(tabCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open tab: %w", err)
	}
	return p, nil
}

func (b *Browser) Close() error {
	b.browserCancel()
	b.allocCancel()
	b.logger.Info("chrome stopped")
	return nil
}
