package worker

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/folio-edge/folio-cache/internal/cache"
	"github.com/folio-edge/folio-cache/internal/config"
)

var errOffline = errors.New("network unreachable")

// fakeOrigin 是可编程的源站：按 RequestURI 返回响应，可模拟离线与阻塞。
type fakeOrigin struct {
	mu        sync.Mutex
	responses map[string]*Response
	offline   bool
	gate      chan struct{}
	calls     atomic.Int64
	perURI    map[string]int
}

func newFakeOrigin() *fakeOrigin {
	return &fakeOrigin{
		responses: make(map[string]*Response),
		perURI:    make(map[string]int),
	}
}

func (f *fakeOrigin) set(uri string, status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[uri] = &Response{
		Status: status,
		Header: http.Header{"Content-Type": []string{"text/plain"}},
		Body:   []byte(body),
	}
}

func (f *fakeOrigin) setOffline(offline bool) {
	f.mu.Lock()
	f.offline = offline
	f.mu.Unlock()
}

// block 让后续请求阻塞直到返回的 release 被调用。
func (f *fakeOrigin) block() (release func()) {
	gate := make(chan struct{})
	f.mu.Lock()
	f.gate = gate
	f.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

func (f *fakeOrigin) count(uri string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.perURI[uri]
}

func (f *fakeOrigin) Fetch(ctx context.Context, req *Request) (*Response, error) {
	f.calls.Add(1)
	uri := req.URL.RequestURI()

	f.mu.Lock()
	f.perURI[uri]++
	gate := f.gate
	offline := f.offline
	resp := f.responses[uri]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if offline {
		return nil, errOffline
	}
	if resp == nil {
		return &Response{Status: http.StatusNotFound, Header: http.Header{}, Body: []byte("not found")}, nil
	}
	return resp.Clone(), nil
}

func testSite(version string, manifest ...string) config.SiteConfig {
	return config.SiteConfig{
		Name:      "portfolio",
		Domain:    "portfolio.local",
		Origin:    "https://origin.portfolio.example",
		Scope:     "/",
		AppPrefix: "portfolio",
		Version:   version,
		Manifest:  manifest,
	}
}

func newTestManager(t *testing.T, store cache.Store, origin Fetcher, site config.SiteConfig) *Manager {
	t.Helper()
	m, err := New(Options{
		Site:              site,
		Store:             store,
		Fetcher:           origin,
		InitialBackoff:    time.Millisecond,
		RevalidateTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	return m
}

// activeManager 完成 install + activate，返回可直接处理请求的 Manager。
func activeManager(t *testing.T, store cache.Store, origin Fetcher, site config.SiteConfig) *Manager {
	t.Helper()
	m := newTestManager(t, store, origin, site)
	require.NoError(t, m.Install(context.Background()))
	require.NoError(t, m.Activate(context.Background()))
	return m
}

func get(t *testing.T, m *Manager, rawURL string) *Response {
	t.Helper()
	req, err := NewRequest(rawURL)
	require.NoError(t, err)
	return m.Fetch(context.Background(), req)
}

func seed(t *testing.T, store cache.Store, partition, uri, body string) {
	t.Helper()
	require.NoError(t, store.Put(context.Background(), partition, cache.RequestKey(http.MethodGet, uri), &cache.Entry{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"text/plain"}},
		Body:   []byte(body),
	}))
}
