// Package transport manages the shared HTTP clients used by adapters and
// metadata sources: one direct client plus one per proxy URL. Clients are
// created lazily, reused for the process lifetime and closed only at
// shutdown; business code must never close them.
package transport

import (
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// Manager hands out shared HTTP clients.
type Manager struct {
	mu      sync.Mutex
	direct  *http.Client
	byProxy map[string]*http.Client
	timeout time.Duration
}

// NewManager builds the manager. timeout applies per request.
func NewManager(timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Manager{
		byProxy: make(map[string]*http.Client),
		timeout: timeout,
	}
}

// Client returns the shared direct client.
func (m *Manager) Client() *http.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.direct == nil {
		m.direct = &http.Client{
			Timeout:   m.timeout,
			Transport: newTransport(nil, 50, 100),
		}
	}
	return m.direct
}

// ProxyClient returns the shared client for one proxy URL, creating it on
// first use. Proxy clients get halved keepalive limits.
func (m *Manager) ProxyClient(proxyURL string) (*http.Client, error) {
	if proxyURL == "" {
		return m.Client(), nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.byProxy[proxyURL]; ok {
		return c, nil
	}

	parsed, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("parse proxy url: %w", err)
	}

	c := &http.Client{
		Timeout:   m.timeout,
		Transport: newTransport(http.ProxyURL(parsed), 25, 50),
	}
	m.byProxy[proxyURL] = c
	return c, nil
}

func newTransport(proxy func(*http.Request) (*url.URL, error), maxIdlePerHost, maxConns int) *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.Proxy = proxy
	t.MaxIdleConns = maxIdlePerHost
	t.MaxIdleConnsPerHost = maxIdlePerHost
	t.MaxConnsPerHost = maxConns
	t.IdleConnTimeout = 30 * time.Second
	return t
}

// Close shuts down all idle connections. Called once at process shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.direct != nil {
		m.direct.CloseIdleConnections()
	}
	for _, c := range m.byProxy {
		c.CloseIdleConnections()
	}
}
