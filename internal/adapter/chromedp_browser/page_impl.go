package chromedp_browser

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	cdppage "github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/user/pt-crawler/internal/entity"
	"github.com/user/pt-crawler/internal/repository"
)

// defaultActionTimeout bounds element operations that carry no timeout of their own.
const defaultActionTimeout = 30 * time.Second

// Page is one Chrome tab. Element reads go through page-side evaluation so a
// missing selector fails immediately instead of waiting for the node.
type Page struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
}

var _ repository.Page = (*Page)(nil)

// run executes actions in the tab, bounded by timeout and by the caller's ctx.
func (p *Page) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	if timeout <= 0 {
		timeout = defaultActionTimeout
	}
	rctx, cancel := context.WithTimeout(p.ctx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(rctx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (p *Page) Navigate(ctx context.Context, url string, opts repository.NavigateOptions) error {
	var resp *network.Response
	err := p.run(ctx, opts.Timeout, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		if opts.WaitUntil == "domcontentloaded" {
			resp, err = navigateDOMReady(ctx, url)
		} else {
			resp, err = chromedp.RunResponse(ctx, chromedp.Navigate(url))
		}
		return err
	}))
	if err != nil {
		return entity.NetworkError("navigate "+url, err)
	}
	return checkResponse("navigate "+url, resp)
}

// navigateDOMReady returns once the document has been parsed, without waiting
// for the load event. The response is the main document of this navigation.
func navigateDOMReady(ctx context.Context, url string) (*network.Response, error) {
	var (
		mu        sync.Mutex
		responses = make(map[cdp.LoaderID]*network.Response)
	)
	chromedp.ListenTarget(ctx, func(ev any) {
		if e, ok := ev.(*network.EventResponseReceived); ok && e.Type == network.ResourceTypeDocument {
			mu.Lock()
			responses[e.LoaderID] = e.Response
			mu.Unlock()
		}
	})
	_, loaderID, errText, _, err := cdppage.Navigate(url).Do(ctx)
	if err != nil {
		return nil, err
	}
	if errText != "" {
		return nil, fmt.Errorf("page load error %s", errText)
	}
	var ready bool
	if err := chromedp.Poll(`document.readyState !== "loading"`, &ready, chromedp.WithPollingInterval(50*time.Millisecond), chromedp.WithPollingTimeout(0)).Do(ctx); err != nil {
		return nil, err
	}
	mu.Lock()
	defer mu.Unlock()
	return responses[loaderID], nil
}

func (p *Page) URL(ctx context.Context) (string, error) {
	var loc string
	err := p.run(ctx, 0, chromedp.Location(&loc))
	return loc, err
}

func (p *Page) Title(ctx context.Context) (string, error) {
	var title string
	err := p.run(ctx, 0, chromedp.Title(&title))
	return title, err
}

func (p *Page) Content(ctx context.Context) (string, error) {
	var html string
	err := p.run(ctx, 0, chromedp.Evaluate(`document.documentElement ? document.documentElement.outerHTML : ""`, &html))
	return html, err
}

func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	err := p.run(ctx, 0, chromedp.FullScreenshot(&buf, 90))
	return buf, err
}

func (p *Page) ElementScreenshot(ctx context.Context, selector string) ([]byte, error) {
	if err := p.mustExist(ctx, selector); err != nil {
		return nil, err
	}
	var buf []byte
	err := p.run(ctx, 0, chromedp.Screenshot(selector, &buf, chromedp.ByQuery))
	return buf, err
}

func (p *Page) Count(ctx context.Context, selector string) (int, error) {
	var n int
	err := p.run(ctx, 0, chromedp.Evaluate(fmt.Sprintf(`document.querySelectorAll(%s).length`, js(selector)), &n))
	if err != nil {
		return 0, fmt.Errorf("count %q: %w", selector, err)
	}
	return n, nil
}

const readyScript = `(() => {
	const el = document.querySelector(%s);
	if (!el || !el.isConnected || el.disabled) return false;
	for (let n = el; n && n.nodeType === 1; n = n.parentElement) {
		const st = getComputedStyle(n);
		if (st.display === "none" || st.visibility === "hidden" || st.opacity === "0") return false;
		if (n.disabled) return false;
	}
	return el.getClientRects().length > 0;
})()`

func (p *Page) IsReady(ctx context.Context, selector string) (bool, error) {
	var ok bool
	err := p.run(ctx, 0, chromedp.Evaluate(fmt.Sprintf(readyScript, js(selector)), &ok))
	return ok, err
}

const visibleTextScript = `(() => {
	const shown = (el) => {
		for (let n = el; n && n.nodeType === 1; n = n.parentElement) {
			const st = getComputedStyle(n);
			if (st.display === "none" || st.visibility === "hidden" || st.opacity === "0") return false;
		}
		return el.getClientRects().length > 0;
	};
	for (const el of document.querySelectorAll(%s)) {
		const text = (el.innerText || "").trim();
		if (text && shown(el)) return text;
	}
	return "";
})()`

func (p *Page) VisibleText(ctx context.Context, selector string) (string, error) {
	var text string
	err := p.run(ctx, 0, chromedp.Evaluate(fmt.Sprintf(visibleTextScript, js(selector)), &text))
	return text, err
}

// lookup is the result of reading one property of the first match.
type lookup struct {
	Found bool   `json:"found"`
	Has   bool   `json:"has"`
	Value string `json:"value"`
}

// read evaluates expr with el bound to the first match of selector.
func (p *Page) read(ctx context.Context, selector, expr string) (lookup, error) {
	script := fmt.Sprintf(`(() => {
	const el = document.querySelector(%s);
	if (!el) return {found: false, has: false, value: ""};
	const v = %s;
	return {found: true, has: v !== null && v !== undefined, value: v == null ? "" : String(v)};
})()`, js(selector), expr)
	var res lookup
	if err := p.run(ctx, 0, chromedp.Evaluate(script, &res)); err != nil {
		return res, err
	}
	if !res.Found {
		return res, notFound(selector)
	}
	return res, nil
}

func (p *Page) mustExist(ctx context.Context, selector string) error {
	_, err := p.read(ctx, selector, "true")
	return err
}

func (p *Page) Text(ctx context.Context, selector string) (string, error) {
	res, err := p.read(ctx, selector, "el.textContent")
	return strings.TrimSpace(res.Value), err
}

func (p *Page) Attribute(ctx context.Context, selector, name string) (string, bool, error) {
	res, err := p.read(ctx, selector, fmt.Sprintf("el.getAttribute(%s)", js(name)))
	return res.Value, res.Has, err
}

func (p *Page) Value(ctx context.Context, selector string) (string, error) {
	res, err := p.read(ctx, selector, "el.value")
	return res.Value, err
}

func (p *Page) InputType(ctx context.Context, selector string) (string, error) {
	res, err := p.read(ctx, selector,
		`(el.getAttribute("type") || (el.tagName === "INPUT" ? "text" : el.tagName)).toLowerCase()`)
	return res.Value, err
}

// Fill clears the control and types value so key handlers on the page fire.
func (p *Page) Fill(ctx context.Context, selector, value string) error {
	if err := p.mustExist(ctx, selector); err != nil {
		return err
	}
	return p.run(ctx, 0,
		chromedp.Focus(selector, chromedp.ByQuery),
		chromedp.SetValue(selector, "", chromedp.ByQuery),
		chromedp.SendKeys(selector, value, chromedp.ByQuery),
	)
}

func (p *Page) SetValue(ctx context.Context, selector, value string) error {
	return p.assign(ctx, selector, "el.value = "+js(value))
}

func (p *Page) SetChecked(ctx context.Context, selector string, checked bool) error {
	return p.assign(ctx, selector, fmt.Sprintf("el.checked = %t", checked))
}

func (p *Page) assign(ctx context.Context, selector, stmt string) error {
	script := fmt.Sprintf(`(() => {
	const el = document.querySelector(%s);
	if (!el) return false;
	%s;
	el.dispatchEvent(new Event("input", {bubbles: true}));
	el.dispatchEvent(new Event("change", {bubbles: true}));
	return true;
})()`, js(selector), stmt)
	var ok bool
	if err := p.run(ctx, 0, chromedp.Evaluate(script, &ok)); err != nil {
		return err
	}
	if !ok {
		return notFound(selector)
	}
	return nil
}

func (p *Page) Click(ctx context.Context, selector string) error {
	if err := p.mustExist(ctx, selector); err != nil {
		return err
	}
	return p.run(ctx, 0, chromedp.Click(selector, chromedp.ByQuery))
}

// ClickAndWaitNavigation clicks and waits for the navigation the click
// triggers as one action, so a fast response cannot be missed.
func (p *Page) ClickAndWaitNavigation(ctx context.Context, selector string, timeout time.Duration) error {
	if err := p.mustExist(ctx, selector); err != nil {
		return err
	}
	var resp *network.Response
	err := p.run(ctx, timeout, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		resp, err = chromedp.RunResponse(ctx, chromedp.Click(selector, chromedp.ByQuery))
		return err
	}))
	if err != nil {
		return entity.NetworkError("submit "+selector, err)
	}
	return checkResponse("submit "+selector, resp)
}

func (p *Page) EvaluateBool(ctx context.Context, expression string) (bool, error) {
	var ok bool
	err := p.run(ctx, 0, chromedp.Evaluate("Boolean("+expression+")", &ok))
	return ok, err
}

const fetchScript = `(async () => {
	const r = await fetch(%s, {credentials: "include"});
	if (!r.ok) throw new Error("status " + r.status);
	const bytes = new Uint8Array(await r.arrayBuffer());
	let s = "";
	for (let i = 0; i < bytes.length; i += 0x8000) {
		s += String.fromCharCode.apply(null, bytes.subarray(i, i + 0x8000));
	}
	return btoa(s);
})()`

// FetchBase64 downloads url through the page so the site's cookies apply.
func (p *Page) FetchBase64(ctx context.Context, url string) (string, error) {
	var b64 string
	err := p.run(ctx, 0, chromedp.Evaluate(fmt.Sprintf(fetchScript, js(url)), &b64,
		func(ep *runtime.EvaluateParams) *runtime.EvaluateParams { return ep.WithAwaitPromise(true) }))
	if err != nil {
		return "", entity.NetworkError("fetch "+url, err)
	}
	if _, err := base64.StdEncoding.DecodeString(b64); err != nil {
		return "", fmt.Errorf("fetch %s: invalid base64: %w", url, err)
	}
	return b64, nil
}

func (p *Page) Cookies(ctx context.Context) ([]entity.Cookie, error) {
	var cookies []*network.Cookie
	err := p.run(ctx, 0, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		cookies, err = network.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("get cookies: %w", err)
	}
	out := make([]entity.Cookie, 0, len(cookies))
	for _, c := range cookies {
		expires := c.Expires
		if c.Session {
			expires = 0
		}
		out = append(out, entity.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  expires,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: c.SameSite.String(),
		})
	}
	return out, nil
}

func (p *Page) SetCookies(ctx context.Context, cookies []entity.Cookie) error {
	if len(cookies) == 0 {
		return nil
	}
	return p.run(ctx, 0, chromedp.ActionFunc(func(ctx context.Context) error {
		for _, c := range cookies {
			set := network.SetCookie(c.Name, c.Value).
				WithDomain(c.Domain).
				WithPath(c.Path).
				WithSecure(c.Secure).
				WithHTTPOnly(c.HTTPOnly)
			if c.Expires > 0 {
				exp := cdp.TimeSinceEpoch(time.Unix(int64(c.Expires), 0))
				set = set.WithExpires(&exp)
			}
			switch strings.ToLower(c.SameSite) {
			case "strict":
				set = set.WithSameSite(network.CookieSameSiteStrict)
			case "lax":
				set = set.WithSameSite(network.CookieSameSiteLax)
			case "none":
				set = set.WithSameSite(network.CookieSameSiteNone)
			}
			if err := set.Do(ctx); err != nil {
				return fmt.Errorf("set cookie %s: %w", c.Name, err)
			}
		}
		return nil
	}))
}

func (p *Page) Storage(ctx context.Context, kind repository.StorageKind) (map[string]string, error) {
	script := fmt.Sprintf(`(() => {
	try { return Object.fromEntries(Object.entries(window[%s])); } catch (e) { return {}; }
})()`, js(string(kind)))
	values := map[string]string{}
	if err := p.run(ctx, 0, chromedp.Evaluate(script, &values)); err != nil {
		return nil, fmt.Errorf("read %s: %w", kind, err)
	}
	return values, nil
}

func (p *Page) SetStorage(ctx context.Context, kind repository.StorageKind, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	payload, err := json.Marshal(values)
	if err != nil {
		return err
	}
	script := fmt.Sprintf(`(() => {
	const s = window[%s], v = %s;
	for (const k in v) s.setItem(k, v[k]);
	return true;
})()`, js(string(kind)), payload)
	var ok bool
	if err := p.run(ctx, 0, chromedp.Evaluate(script, &ok)); err != nil {
		return fmt.Errorf("write %s: %w", kind, err)
	}
	return nil
}

func (p *Page) Close() error {
	p.cancel()
	return nil
}

// js quotes s as a JavaScript string literal.
func js(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func notFound(selector string) error {
	return fmt.Errorf("selector %q: %w", selector, entity.ErrNotFound)
}

func checkResponse(op string, resp *network.Response) error {
	if resp != nil && resp.Status >= 400 {
		return entity.NetworkError(op, fmt.Errorf("status %d", resp.Status))
	}
	return nil
}
