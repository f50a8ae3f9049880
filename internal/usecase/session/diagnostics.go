package session

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/user/pt-crawler/internal/repository"
)

// DefaultErrorSelectors are tried in order when collecting the visible error
// message of a failed page; the first non-empty text wins.
var DefaultErrorSelectors = []string{
	".error",
	".errormsg",
	".alert-danger",
	".alert-error",
	"#error",
	".message.error",
	"td.text font[color=red]",
	"font[color=red]",
	".text-danger",
}

// Diagnostics is the debugging bundle captured when a page flow fails.
type Diagnostics struct {
	Reason        string    `json:"reason"`
	State         string    `json:"state,omitempty"`
	URL           string    `json:"url"`
	Title         string    `json:"title"`
	ErrorMessage  string    `json:"errorMessage,omitempty"`
	Error         string    `json:"error,omitempty"`
	CapturedAt    time.Time `json:"capturedAt"`
	HTMLKey       string    `json:"htmlKey,omitempty"`
	ScreenshotKey string    `json:"screenshotKey,omitempty"`

	html       string
	screenshot []byte
}

// Capture collects URL, title, HTML, screenshot and the first visible error
// message from page. Every part is best effort: a failing read leaves its
// field empty and never masks the failure being diagnosed.
func Capture(ctx context.Context, page repository.Page, reason string, errorSelectors []string) *Diagnostics {
	d := &Diagnostics{Reason: reason, CapturedAt: time.Now().UTC()}
	if page == nil {
		return d
	}
	d.URL, _ = page.URL(ctx)
	d.Title, _ = page.Title(ctx)
	d.html, _ = page.Content(ctx)
	d.screenshot, _ = page.Screenshot(ctx)
	if len(errorSelectors) == 0 {
		errorSelectors = DefaultErrorSelectors
	}
	for _, sel := range errorSelectors {
		if text, err := page.VisibleText(ctx, sel); err == nil && text != "" {
			d.ErrorMessage = text
			break
		}
	}
	return d
}

// SaveDiagnostics writes the bundle as <site>-<label>-<ts>-{html,screenshot,meta}
// and returns the meta key.
func (s *Store) SaveDiagnostics(ctx context.Context, label string, d *Diagnostics) (string, error) {
	base := fmt.Sprintf("%s-%s", label, d.CapturedAt.Format("20060102T150405.000000000"))
	if d.html != "" {
		key := s.Key(base + "-html")
		if err := s.kv.Set(ctx, s.namespace, key, []byte(d.html)); err != nil {
			return "", err
		}
		d.HTMLKey = key
	}
	if len(d.screenshot) > 0 {
		key := s.Key(base + "-screenshot")
		if err := s.kv.Set(ctx, s.namespace, key, d.screenshot); err != nil {
			return "", err
		}
		d.ScreenshotKey = key
	}
	key, err := s.SaveJSON(ctx, base+"-meta", d)
	if err != nil {
		return "", err
	}
	s.logger.Info("diagnostics saved",
		zap.String("key", key),
		zap.String("reason", d.Reason),
		zap.String("url", d.URL),
		zap.String("error_message", d.ErrorMessage))
	return key, nil
}

// Raw returns the bytes stored under a key written by this store.
func (s *Store) Raw(ctx context.Context, key string) ([]byte, error) {
	return s.kv.Get(ctx, s.namespace, key)
}
