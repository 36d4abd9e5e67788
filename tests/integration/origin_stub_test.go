package integration

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

type originPage struct {
	status      int
	contentType string
	body        string
}

// originStub 模拟站点源站：按 path 返回预置内容，可切换为离线（直接断开连接）。
type originStub struct {
	server *httptest.Server

	mu       sync.Mutex
	pages    map[string]originPage
	hits     map[string]int
	offline  bool
	lastBody string
}

func newOriginStub(t *testing.T) *originStub {
	t.Helper()
	stub := &originStub{
		pages: make(map[string]originPage),
		hits:  make(map[string]int),
	}
	stub.server = httptest.NewServer(http.HandlerFunc(stub.handle))
	t.Cleanup(stub.server.Close)
	return stub
}

func (s *originStub) URL() string {
	return s.server.URL
}

func (s *originStub) set(path, contentType, body string) {
	s.setStatus(path, http.StatusOK, contentType, body)
}

func (s *originStub) setStatus(path string, status int, contentType, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[path] = originPage{status: status, contentType: contentType, body: body}
}

func (s *originStub) setOffline(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = v
}

func (s *originStub) hitCount(method, path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[method+" "+path]
}

func (s *originStub) receivedBody() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastBody
}

func (s *originStub) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	offline := s.offline
	s.hits[r.Method+" "+r.URL.Path]++
	page, ok := s.pages[r.URL.Path]
	s.mu.Unlock()

	if offline {
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, err := hj.Hijack(); err == nil {
				_ = conn.Close()
				return
			}
		}
		w.WriteHeader(http.StatusBadGateway)
		return
	}

	if r.Body != nil {
		raw, _ := io.ReadAll(r.Body)
		if len(raw) > 0 {
			s.mu.Lock()
			s.lastBody = string(raw)
			s.mu.Unlock()
		}
	}

	if !ok {
		http.NotFound(w, r)
		return
	}
	if page.contentType != "" {
		w.Header().Set("Content-Type", page.contentType)
	}
	w.WriteHeader(page.status)
	if r.Method != http.MethodHead {
		_, _ = io.WriteString(w, page.body)
	}
}
