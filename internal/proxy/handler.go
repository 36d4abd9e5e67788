package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/folio-edge/folio-cache/internal/logging"
	"github.com/folio-edge/folio-cache/internal/server"
	"github.com/folio-edge/folio-cache/internal/worker"
)

// Handler 是平台适配层在 HTTP 一侧的入口：能被生效 Manager 拦截的请求交给缓存层，
// 其余请求（非 GET、scope 之外、站点尚无生效版本）直接透传到源站。
type Handler struct {
	client *http.Client
	logger *logrus.Logger
}

// NewHandler constructs a proxy handler with shared HTTP client/logger.
func NewHandler(client *http.Client, logger *logrus.Logger) *Handler {
	return &Handler{
		client: client,
		logger: logger,
	}
}

// Handle 实现 server.ProxyHandler。
func (h *Handler) Handle(c fiber.Ctx, route *server.SiteRoute) error {
	started := time.Now()
	requestID := server.RequestID(c)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	req := buildWorkerRequest(c, route)
	if route.Controller != nil {
		if resp, handled := route.Controller.Route(ctx, req); handled {
			return h.writeResponse(c, route, req, resp, requestID, started)
		}
	}
	return h.passThrough(ctx, c, route, req, requestID, started)
}

func (h *Handler) writeResponse(
	c fiber.Ctx,
	route *server.SiteRoute,
	req *worker.Request,
	resp *worker.Response,
	requestID string,
	started time.Time,
) error {
	copyResponseHeaders(c, resp.Header)
	c.Response().Header.Del(fiber.HeaderContentLength)
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.Status)
	h.logResult(route, req, resp.Status, resp.Header.Get(worker.CacheStatusHeader), requestID, started, nil)
	return c.Send(resp.Body)
}

// passThrough 按原方法与请求体直连源站并流式返回，不读写缓存。
func (h *Handler) passThrough(
	ctx context.Context,
	c fiber.Ctx,
	route *server.SiteRoute,
	req *worker.Request,
	requestID string,
	started time.Time,
) error {
	site := route.Site()
	target := resolveOriginURL(site.OriginURL(), req.URL)
	upstreamReq, err := newOriginRequest(ctx, req.Method, target, req.Header, bytesReader(c.Body()))
	if err != nil {
		h.logResult(route, req, 0, worker.StatusBypass, requestID, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}

	resp, err := h.client.Do(upstreamReq)
	if err != nil {
		h.logResult(route, req, 0, worker.StatusBypass, requestID, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	defer resp.Body.Close()

	copyResponseHeaders(c, resp.Header)
	c.Set(worker.CacheStatusHeader, worker.StatusBypass)
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.StatusCode)

	if req.Method == http.MethodHead {
		h.logResult(route, req, resp.StatusCode, worker.StatusBypass, requestID, started, nil)
		return nil
	}

	_, err = io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logResult(route, req, resp.StatusCode, worker.StatusBypass, requestID, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	route *server.SiteRoute,
	req *worker.Request,
	status int,
	cacheStatus string,
	requestID string,
	started time.Time,
	err error,
) {
	if h.logger == nil {
		return
	}
	site := route.Site()
	strategy := ""
	if cacheStatus != worker.StatusBypass && cacheStatus != "" {
		strategy = string(worker.StrategyFor(worker.Classify(worker.DefaultRules, req.URL)))
	}
	fields := logging.RequestFields(site.Name, site.Domain, site.Version, strategy, cacheStatus)
	fields["action"] = "proxy"
	fields["method"] = req.Method
	fields["path"] = req.URL.RequestURI()
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

// buildWorkerRequest 把 fiber 请求转换为 worker.Request，并补齐 X-Forwarded-* 头。
func buildWorkerRequest(c fiber.Ctx, route *server.SiteRoute) *worker.Request {
	uri := c.Request().URI()
	target := &url.URL{
		Scheme:   c.Protocol(),
		Host:     c.Hostname(),
		Path:     normalizeRequestPath(string(uri.Path())),
		RawQuery: string(uri.QueryString()),
	}

	header := fiberHeadersAsHTTP(c)
	header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := header.Get("X-Forwarded-For"); prior != "" {
			header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			header.Set("X-Forwarded-For", ip)
		}
	}
	header.Set("X-Forwarded-Proto", c.Protocol())
	header.Set("X-Forwarded-Port", routePort(route))

	return &worker.Request{
		Method: c.Method(),
		URL:    target,
		Header: header,
	}
}

// normalizeRequestPath 清理 path，保留目录请求末尾的 /（分类规则依赖它）。
func normalizeRequestPath(raw string) string {
	if raw == "" {
		return "/"
	}
	clean := path.Clean("/" + raw)
	if strings.HasSuffix(raw, "/") && clean != "/" {
		clean += "/"
	}
	return clean
}

func bytesReader(b []byte) io.Reader {
	if len(b) == 0 {
		return http.NoBody
	}
	return bytes.NewReader(b)
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			c.Set(key, value)
		}
	}
}

func routePort(route *server.SiteRoute) string {
	if route == nil || route.ListenPort <= 0 {
		return "0"
	}
	return fmt.Sprintf("%d", route.ListenPort)
}
