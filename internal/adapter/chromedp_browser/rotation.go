package chromedp_browser

import (
	"math/rand/v2"
	"strings"
	"sync"
)

// Rotator hands out a proxy and user agent for each browser launch. Proxies
// rotate sequentially; user agents are picked at random.
type Rotator struct {
	proxies    []string
	userAgents []string

	mu         sync.Mutex
	proxyIndex int
}

func NewRotator(proxies, userAgents []string) *Rotator {
	return &Rotator{proxies: compact(proxies), userAgents: compact(userAgents)}
}

// Proxy returns the next proxy URL, or "" for a direct connection.
func (r *Rotator) Proxy() string {
	if len(r.proxies) == 0 {
		return ""
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.proxies[r.proxyIndex]
	r.proxyIndex = (r.proxyIndex + 1) % len(r.proxies)
	return p
}

// UserAgent returns one of the configured user agents, or "" for the default.
func (r *Rotator) UserAgent() string {
	if len(r.userAgents) == 0 {
		return ""
	}
	return r.userAgents[rand.IntN(len(r.userAgents))]
}

// Apply fills the proxy and user agent of opts.
func (r *Rotator) Apply(opts Options) Options {
	opts.ProxyServer = r.Proxy()
	if ua := r.UserAgent(); ua != "" {
		opts.UserAgent = ua
	}
	return opts
}

func compact(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
