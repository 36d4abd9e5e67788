package worker

import (
	"context"
	"net/http"
	"net/url"

	"github.com/folio-edge/folio-cache/internal/cache"
)

// CacheStatusHeader 向运维暴露命中情况，不包含分区名。
const CacheStatusHeader = "X-Folio-Cache"

// 缓存状态取值。
const (
	StatusHit      = "hit"
	StatusMiss     = "miss"
	StatusStale    = "stale"
	StatusNetwork  = "network"
	StatusFallback = "fallback"
	StatusBypass   = "bypass"
)

const immutableCacheControl = "public, max-age=31536000, immutable"

// Request 是被拦截的请求。URL 至少包含 Path，可选 Host 用于同源判断。
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
}

// NewRequest 解析 rawURL 并构造 GET 请求。
func NewRequest(rawURL string) (*Request, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	return &Request{Method: http.MethodGet, URL: parsed, Header: http.Header{}}, nil
}

// Key 返回分区内的请求标识。
func (r *Request) Key() string {
	return cache.RequestKey(r.Method, r.URL.RequestURI())
}

// Response 是策略返回给调用方的完整响应。
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Clone 返回深拷贝。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	clone := &Response{Status: r.Status, Header: r.Header.Clone()}
	if clone.Header == nil {
		clone.Header = http.Header{}
	}
	if r.Body != nil {
		clone.Body = append([]byte(nil), r.Body...)
	}
	return clone
}

func (r *Response) ok() bool {
	return r.Status >= 200 && r.Status < 300
}

func (r *Response) entry() *cache.Entry {
	header := r.Header.Clone()
	if header != nil {
		header.Del(CacheStatusHeader)
	}
	return &cache.Entry{
		Status: r.Status,
		Header: header,
		Body:   append([]byte(nil), r.Body...),
	}
}

func responseFromEntry(entry *cache.Entry) *Response {
	resp := &Response{
		Status: entry.Status,
		Header: entry.Header.Clone(),
		Body:   entry.Body,
	}
	if resp.Header == nil {
		resp.Header = http.Header{}
	}
	return resp
}

func (r *Response) withStatus(status string) *Response {
	if r.Header == nil {
		r.Header = http.Header{}
	}
	r.Header.Set(CacheStatusHeader, status)
	return r
}

// ServiceUnavailable 是 route 唯一产生的错误响应形态。
func ServiceUnavailable() *Response {
	return &Response{
		Status: http.StatusServiceUnavailable,
		Header: http.Header{"Content-Type": []string{"text/plain; charset=utf-8"}},
		Body:   []byte("Service Unavailable"),
	}
}

// Fetcher 访问网络（源站）。返回错误表示网络不可达，非 2xx 仍是正常响应。
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// FetcherFunc 让普通函数满足 Fetcher。
type FetcherFunc func(ctx context.Context, req *Request) (*Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}
