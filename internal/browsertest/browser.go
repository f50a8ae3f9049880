// Package browsertest provides an in-memory Browser whose pages are goquery
// documents served by registered handlers. Forms submit to handlers, cookies
// live in one jar per Site.
package browsertest

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/user/pt-crawler/internal/entity"
	"github.com/user/pt-crawler/internal/repository"
)

// Request is what a Handler sees for one navigation or form submission.
type Request struct {
	URL     string
	Method  string
	Form    url.Values
	Cookies map[string]string
	site    *Site
}

// SetCookie adds a cookie to the site's jar.
func (r *Request) SetCookie(c entity.Cookie) { r.site.putCookie(c) }

// Handler renders the HTML document for a request.
type Handler func(r *Request) (string, error)

// Site is a fake origin shared by every page of a Browser.
type Site struct {
	mu        sync.Mutex
	handlers  map[string]Handler
	onClick   map[string]func(doc *goquery.Document)
	evals     map[string]func(doc *goquery.Document) bool
	resources map[string][]byte
	cookies   map[string]entity.Cookie
	storage   map[repository.StorageKind]map[string]string
	visits    []string
}

func NewSite() *Site {
	return &Site{
		handlers:  make(map[string]Handler),
		onClick:   make(map[string]func(*goquery.Document)),
		evals:     make(map[string]func(*goquery.Document) bool),
		resources: make(map[string][]byte),
		cookies:   make(map[string]entity.Cookie),
		storage: map[repository.StorageKind]map[string]string{
			repository.LocalStorage:   {},
			repository.SessionStorage: {},
		},
	}
}

func (s *Site) Handle(rawURL string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[rawURL] = h
}

// HTML serves a static document at rawURL.
func (s *Site) HTML(rawURL, html string) {
	s.Handle(rawURL, func(*Request) (string, error) { return html, nil })
}

// OnClick mutates the current document when selector is clicked.
func (s *Site) OnClick(selector string, fn func(doc *goquery.Document)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClick[selector] = fn
}

// Eval registers the result of a page expression.
func (s *Site) Eval(expression string, fn func(doc *goquery.Document) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evals[expression] = fn
}

// Resource registers bytes returned by FetchBase64.
func (s *Site) Resource(rawURL string, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resources[rawURL] = body
}

func (s *Site) SetCookie(c entity.Cookie) { s.putCookie(c) }

// CookieJar returns a snapshot of the jar ordered by name.
func (s *Site) CookieJar() []entity.Cookie {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cookieList()
}

// Visits returns every URL loaded by any page, in order.
func (s *Site) Visits() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.visits...)
}

func (s *Site) StorageValues(kind repository.StorageKind) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.storage[kind]))
	for k, v := range s.storage[kind] {
		out[k] = v
	}
	return out
}

func (s *Site) putCookie(c entity.Cookie) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.Path == "" {
		c.Path = "/"
	}
	s.cookies[c.Name] = c
}

func (s *Site) cookieList() []entity.Cookie {
	names := make([]string, 0, len(s.cookies))
	for n := range s.cookies {
		names = append(names, n)
	}
	slices.Sort(names)
	out := make([]entity.Cookie, 0, len(names))
	for _, n := range names {
		out = append(out, s.cookies[n])
	}
	return out
}

func (s *Site) serve(method, rawURL string, form url.Values) (string, error) {
	s.mu.Lock()
	h, ok := s.handlers[rawURL]
	if !ok {
		if u, err := url.Parse(rawURL); err == nil && u.RawQuery != "" {
			u.RawQuery = ""
			h, ok = s.handlers[u.String()]
		}
	}
	s.visits = append(s.visits, rawURL)
	jar := make(map[string]string, len(s.cookies))
	for n, c := range s.cookies {
		jar[n] = c.Value
	}
	s.mu.Unlock()
	if !ok {
		return "", entity.NetworkError("navigate "+rawURL, fmt.Errorf("status 404"))
	}
	return h(&Request{URL: rawURL, Method: method, Form: form, Cookies: jar, site: s})
}

// Browser hands out pages bound to one Site.
type Browser struct {
	Site *Site

	mu     sync.Mutex
	pages  []*Page
	closed bool
}

func NewBrowser(site *Site) *Browser {
	return &Browser{Site: site}
}

func (b *Browser) NewPage(context.Context) (repository.Page, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("browser closed")
	}
	p := &Page{site: b.Site}
	b.pages = append(b.pages, p)
	return p, nil
}

func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// OpenPages counts pages that were not closed.
func (b *Browser) OpenPages() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, p := range b.pages {
		if !p.isClosed() {
			n++
		}
	}
	return n
}

// Page is a single tab holding the last loaded document.
type Page struct {
	site *Site

	mu     sync.Mutex
	url    string
	doc    *goquery.Document
	closed bool
}

var _ repository.Page = (*Page)(nil)

func (p *Page) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Page) load(method, rawURL string, form url.Values) error {
	html, err := p.site.serve(method, rawURL, form)
	if err != nil {
		return err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.url = rawURL
	p.doc = doc
	p.mu.Unlock()
	return nil
}

func (p *Page) Navigate(ctx context.Context, rawURL string, _ repository.NavigateOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.load("GET", rawURL, nil)
}

func (p *Page) URL(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, nil
}

func (p *Page) Title(context.Context) (string, error) {
	doc, err := p.document()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(doc.Find("title").First().Text()), nil
}

func (p *Page) Content(context.Context) (string, error) {
	doc, err := p.document()
	if err != nil {
		return "", err
	}
	return doc.Html()
}

func (p *Page) Screenshot(context.Context) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return []byte("PNG:" + p.url), nil
}

// ElementScreenshot returns the registered resource behind an img src, or a
// placeholder naming the selector.
func (p *Page) ElementScreenshot(ctx context.Context, selector string) ([]byte, error) {
	sel, err := p.first(selector)
	if err != nil {
		return nil, err
	}
	if src, ok := sel.Attr("src"); ok {
		p.site.mu.Lock()
		body, found := p.site.resources[src]
		p.site.mu.Unlock()
		if found {
			return body, nil
		}
	}
	return []byte("PNG:" + selector), nil
}

func (p *Page) Count(_ context.Context, selector string) (int, error) {
	doc, err := p.document()
	if err != nil {
		return 0, nil
	}
	return doc.Find(selector).Length(), nil
}

func (p *Page) IsReady(_ context.Context, selector string) (bool, error) {
	doc, err := p.document()
	if err != nil {
		return false, nil
	}
	sel := doc.Find(selector).First()
	if sel.Length() == 0 {
		return false, nil
	}
	if _, disabled := sel.Attr("disabled"); disabled {
		return false, nil
	}
	for n := sel; n.Length() > 0; n = n.Parent() {
		if hidden(n) {
			return false, nil
		}
	}
	return true, nil
}

func hidden(s *goquery.Selection) bool {
	if _, ok := s.Attr("hidden"); ok {
		return true
	}
	style := strings.ReplaceAll(strings.ToLower(s.AttrOr("style", "")), " ", "")
	return strings.Contains(style, "display:none") ||
		strings.Contains(style, "visibility:hidden") ||
		strings.Contains(style, "opacity:0;") || strings.HasSuffix(style, "opacity:0")
}

func (p *Page) Text(_ context.Context, selector string) (string, error) {
	sel, err := p.first(selector)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(sel.Text()), nil
}

func (p *Page) VisibleText(_ context.Context, selector string) (string, error) {
	doc, err := p.document()
	if err != nil {
		return "", err
	}
	var text string
	doc.Find(selector).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		for n := sel; n.Length() > 0; n = n.Parent() {
			if hidden(n) {
				return true
			}
		}
		text = strings.TrimSpace(sel.Text())
		return text == ""
	})
	return text, nil
}

func (p *Page) Attribute(_ context.Context, selector, name string) (string, bool, error) {
	sel, err := p.first(selector)
	if err != nil {
		return "", false, err
	}
	v, ok := sel.Attr(name)
	return v, ok, nil
}

func (p *Page) Value(_ context.Context, selector string) (string, error) {
	sel, err := p.first(selector)
	if err != nil {
		return "", err
	}
	return sel.AttrOr("value", ""), nil
}

func (p *Page) InputType(_ context.Context, selector string) (string, error) {
	sel, err := p.first(selector)
	if err != nil {
		return "", err
	}
	if t, ok := sel.Attr("type"); ok {
		return strings.ToLower(t), nil
	}
	if goquery.NodeName(sel) == "input" {
		return "text", nil
	}
	return goquery.NodeName(sel), nil
}

func (p *Page) Fill(_ context.Context, selector, value string) error {
	sel, err := p.first(selector)
	if err != nil {
		return err
	}
	if _, disabled := sel.Attr("disabled"); disabled {
		return fmt.Errorf("element %s is disabled", selector)
	}
	sel.SetAttr("value", value)
	return nil
}

func (p *Page) SetValue(_ context.Context, selector, value string) error {
	sel, err := p.first(selector)
	if err != nil {
		return err
	}
	sel.SetAttr("value", value)
	return nil
}

func (p *Page) SetChecked(_ context.Context, selector string, checked bool) error {
	sel, err := p.first(selector)
	if err != nil {
		return err
	}
	if checked {
		sel.SetAttr("checked", "checked")
	} else {
		sel.RemoveAttr("checked")
	}
	return nil
}

func (p *Page) Click(ctx context.Context, selector string) error {
	sel, err := p.first(selector)
	if err != nil {
		return err
	}
	p.site.mu.Lock()
	fn := p.site.onClick[selector]
	p.site.mu.Unlock()
	if fn != nil {
		p.mu.Lock()
		fn(p.doc)
		p.mu.Unlock()
		return nil
	}
	if href, ok := sel.Attr("href"); ok {
		target, err := p.resolve(href)
		if err != nil {
			return err
		}
		return p.load("GET", target, nil)
	}
	return nil
}

// ClickAndWaitNavigation submits the enclosing form, or follows a link.
func (p *Page) ClickAndWaitNavigation(ctx context.Context, selector string, timeout time.Duration) error {
	sel, err := p.first(selector)
	if err != nil {
		return err
	}
	form := sel.Closest("form")
	if form.Length() == 0 {
		if goquery.NodeName(sel) == "a" {
			return p.Click(ctx, selector)
		}
		return fmt.Errorf("navigation did not happen within %s", timeout)
	}
	action, err := p.resolve(form.AttrOr("action", ""))
	if err != nil {
		return err
	}
	method := strings.ToUpper(form.AttrOr("method", "GET"))
	return p.load(method, action, formValues(form))
}

func formValues(form *goquery.Selection) url.Values {
	values := url.Values{}
	form.Find("input, select, textarea").Each(func(_ int, s *goquery.Selection) {
		name, ok := s.Attr("name")
		if !ok || name == "" {
			return
		}
		switch goquery.NodeName(s) {
		case "textarea":
			values.Add(name, s.AttrOr("value", s.Text()))
		case "select":
			values.Add(name, s.Find("option[selected]").First().AttrOr("value", ""))
		default:
			switch strings.ToLower(s.AttrOr("type", "text")) {
			case "checkbox", "radio":
				if _, checked := s.Attr("checked"); checked {
					values.Add(name, s.AttrOr("value", "on"))
				}
			case "submit", "button", "image":
			default:
				values.Add(name, s.AttrOr("value", ""))
			}
		}
	})
	return values
}

func (p *Page) EvaluateBool(_ context.Context, expression string) (bool, error) {
	p.site.mu.Lock()
	fn, ok := p.site.evals[expression]
	p.site.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("unsupported expression %q", expression)
	}
	doc, err := p.document()
	if err != nil {
		return false, err
	}
	return fn(doc), nil
}

func (p *Page) FetchBase64(_ context.Context, rawURL string) (string, error) {
	target, err := p.resolve(rawURL)
	if err != nil {
		return "", err
	}
	p.site.mu.Lock()
	body, ok := p.site.resources[target]
	if !ok {
		body, ok = p.site.resources[rawURL]
	}
	p.site.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("fetch %s: status 404", rawURL)
	}
	return base64.StdEncoding.EncodeToString(body), nil
}

func (p *Page) Cookies(context.Context) ([]entity.Cookie, error) {
	return p.site.CookieJar(), nil
}

func (p *Page) SetCookies(_ context.Context, cookies []entity.Cookie) error {
	for _, c := range cookies {
		p.site.putCookie(c)
	}
	return nil
}

func (p *Page) Storage(_ context.Context, kind repository.StorageKind) (map[string]string, error) {
	return p.site.StorageValues(kind), nil
}

func (p *Page) SetStorage(_ context.Context, kind repository.StorageKind, values map[string]string) error {
	p.site.mu.Lock()
	defer p.site.mu.Unlock()
	for k, v := range values {
		p.site.storage[kind][k] = v
	}
	return nil
}

func (p *Page) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *Page) document() (*goquery.Document, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.doc == nil {
		return nil, fmt.Errorf("no document loaded")
	}
	return p.doc, nil
}

func (p *Page) first(selector string) (*goquery.Selection, error) {
	doc, err := p.document()
	if err != nil {
		return nil, err
	}
	sel := doc.Find(selector).First()
	if sel.Length() == 0 {
		return nil, fmt.Errorf("selector %q: %w", selector, entity.ErrNotFound)
	}
	return sel, nil
}

func (p *Page) resolve(ref string) (string, error) {
	p.mu.Lock()
	current := p.url
	p.mu.Unlock()
	base, err := url.Parse(current)
	if err != nil {
		return "", err
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(r).String(), nil
}
