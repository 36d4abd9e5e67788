package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/folio-edge/folio-cache/internal/config"
	"github.com/folio-edge/folio-cache/internal/server"
	"github.com/folio-edge/folio-cache/internal/version"
	"github.com/folio-edge/folio-cache/internal/worker"
)

// maxBodyBytes 限制单个被缓存响应的大小，整段读入内存后才交给策略层。
const maxBodyBytes = 64 << 20

var conditionalHeaders = []string{"If-None-Match", "If-Modified-Since", "If-Match", "If-Unmodified-Since", "If-Range", "Range"}

// ErrBodyTooLarge 表示源站响应超过 maxBodyBytes。
var ErrBodyTooLarge = errors.New("origin response too large")

// Upstream 是访问某个站点源站的 worker.Fetcher，共享同一个 http.Client。
type Upstream struct {
	client *http.Client
	origin *url.URL
}

// NewUpstream 为站点构造 Fetcher。
func NewUpstream(client *http.Client, site config.SiteConfig) *Upstream {
	return &Upstream{client: client, origin: site.OriginURL()}
}

// Fetcher 返回 platform.FetcherFactory，供 Fleet 为每个站点（含热更新后的配置）构造 Fetcher。
func Fetcher(client *http.Client) func(site config.SiteConfig) worker.Fetcher {
	return func(site config.SiteConfig) worker.Fetcher {
		return NewUpstream(client, site)
	}
}

// Fetch 访问源站并读取完整响应。网络错误与超大响应返回 error，非 2xx 正常返回。
func (u *Upstream) Fetch(ctx context.Context, req *worker.Request) (*worker.Response, error) {
	target := resolveOriginURL(u.origin, req.URL)
	upstreamReq, err := newOriginRequest(ctx, req.Method, target, req.Header, nil)
	if err != nil {
		return nil, err
	}
	// 缓存层只存完整响应，浏览器的条件请求头不能带到源站。
	for _, key := range conditionalHeaders {
		upstreamReq.Header.Del(key)
	}

	resp, err := u.client.Do(upstreamReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read origin body: %w", err)
	}
	if len(body) > maxBodyBytes {
		return nil, fmt.Errorf("%w: %s", ErrBodyTooLarge, target)
	}

	header := http.Header{}
	server.CopyHeaders(header, resp.Header)
	return &worker.Response{
		Status: resp.StatusCode,
		Header: header,
		Body:   body,
	}, nil
}

// resolveOriginURL 把请求的 path/query 拼到源站地址上，忽略请求中的 scheme/host。
func resolveOriginURL(origin *url.URL, requested *url.URL) *url.URL {
	relative := &url.URL{Path: "/"}
	if requested != nil {
		relative.Path = requested.Path
		relative.RawPath = requested.RawPath
		relative.RawQuery = requested.RawQuery
		if relative.Path == "" {
			relative.Path = "/"
		}
	}
	return origin.ResolveReference(relative)
}

func newOriginRequest(ctx context.Context, method string, target *url.URL, header http.Header, body io.Reader) (*http.Request, error) {
	if body == nil {
		body = http.NoBody
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, err
	}
	if header != nil {
		server.CopyHeaders(req.Header, header)
	}
	req.Header.Del("Accept-Encoding")
	req.Header.Del("Host")
	req.Host = target.Host
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", version.UserAgent())
	}
	return req, nil
}
