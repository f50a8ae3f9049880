package chromedp_browser

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRotatorCyclesProxies(t *testing.T) {
	r := NewRotator([]string{"http://p1:8000", " ", "socks5://p2:1080"}, nil)

	assert.Equal(t, "http://p1:8000", r.Proxy())
	assert.Equal(t, "socks5://p2:1080", r.Proxy())
	assert.Equal(t, "http://p1:8000", r.Proxy())
}

func TestRotatorApply(t *testing.T) {
	base := Options{Headless: true, UserAgent: "base-agent"}

	opts := NewRotator(nil, nil).Apply(base)
	assert.Empty(t, opts.ProxyServer)
	assert.Equal(t, "base-agent", opts.UserAgent)
	assert.True(t, opts.Headless)

	agents := []string{"agent-a", "agent-b"}
	opts = NewRotator([]string{"http://p1:8000"}, agents).Apply(base)
	assert.Equal(t, "http://p1:8000", opts.ProxyServer)
	assert.Contains(t, agents, opts.UserAgent)
}
