package repository

import (
	"context"
	"time"

	"github.com/user/pt-crawler/internal/entity"
)

// StorageKind selects page-global web storage.
type StorageKind string

const (
	LocalStorage   StorageKind = "localStorage"
	SessionStorage StorageKind = "sessionStorage"
)

// NavigateOptions bound a single navigation.
type NavigateOptions struct {
	// WaitUntil is "load" (default) or "domcontentloaded".
	WaitUntil string
	Timeout   time.Duration
}

// Page is the browser automation capability the core drives. Selectors are CSS
// selectors; element operations act on the first match.
type Page interface {
	Navigate(ctx context.Context, url string, opts NavigateOptions) error
	URL(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)
	// Content returns the full outer HTML of the current document.
	Content(ctx context.Context) (string, error)
	Screenshot(ctx context.Context) ([]byte, error)
	ElementScreenshot(ctx context.Context, selector string) ([]byte, error)

	Count(ctx context.Context, selector string) (int, error)
	// IsReady reports whether the first match is attached, visible and enabled.
	IsReady(ctx context.Context, selector string) (bool, error)
	Text(ctx context.Context, selector string) (string, error)
	// VisibleText returns the trimmed text of the first visible, non-empty
	// match, or "" when every match is hidden or blank.
	VisibleText(ctx context.Context, selector string) (string, error)
	Attribute(ctx context.Context, selector, name string) (string, bool, error)
	// Value reads the live value property of a form control.
	Value(ctx context.Context, selector string) (string, error)
	InputType(ctx context.Context, selector string) (string, error)

	Fill(ctx context.Context, selector, value string) error
	// SetValue assigns the value property programmatically (hidden inputs).
	SetValue(ctx context.Context, selector, value string) error
	SetChecked(ctx context.Context, selector string, checked bool) error
	Click(ctx context.Context, selector string) error
	// ClickAndWaitNavigation clicks and awaits the resulting navigation as one step.
	ClickAndWaitNavigation(ctx context.Context, selector string, timeout time.Duration) error

	EvaluateBool(ctx context.Context, expression string) (bool, error)
	// FetchBase64 downloads a resource from inside the page's origin and session.
	FetchBase64(ctx context.Context, url string) (string, error)

	Cookies(ctx context.Context) ([]entity.Cookie, error)
	SetCookies(ctx context.Context, cookies []entity.Cookie) error
	Storage(ctx context.Context, kind StorageKind) (map[string]string, error)
	SetStorage(ctx context.Context, kind StorageKind, values map[string]string) error

	Close() error
}

// Browser hands out pages that share one cookie jar.
type Browser interface {
	NewPage(ctx context.Context) (Page, error)
	Close() error
}
