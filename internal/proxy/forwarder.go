package proxy

import (
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/folio-edge/folio-cache/internal/logging"
	"github.com/folio-edge/folio-cache/internal/server"
	"github.com/folio-edge/folio-cache/internal/worker"
)

// Forwarder 包裹真正的 ProxyHandler，是请求进入缓存层前的最后一道失败边界：
// handler 缺失或 panic 时输出合成的 503，而不是把错误交给 fiber。
type Forwarder struct {
	handler server.ProxyHandler
	logger  *logrus.Logger
}

// NewForwarder 创建 Forwarder。
func NewForwarder(handler server.ProxyHandler, logger *logrus.Logger) *Forwarder {
	return &Forwarder{
		handler: handler,
		logger:  logger,
	}
}

// Handle 实现 server.ProxyHandler。
func (f *Forwarder) Handle(c fiber.Ctx, route *server.SiteRoute) error {
	requestID := server.RequestID(c)
	if f.handler == nil {
		f.logError(route, "proxy_handler_missing", nil, requestID)
		return writeServiceUnavailable(c, requestID)
	}
	return f.invokeHandler(c, route, requestID)
}

func (f *Forwarder) invokeHandler(c fiber.Ctx, route *server.SiteRoute, requestID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			f.logError(route, "proxy_handler_panic", fmt.Errorf("panic: %v", r), requestID)
			err = writeServiceUnavailable(c, requestID)
		}
	}()
	return f.handler.Handle(c, route)
}

func writeServiceUnavailable(c fiber.Ctx, requestID string) error {
	resp := worker.ServiceUnavailable()
	c.Response().Header.Reset()
	copyResponseHeaders(c, resp.Header)
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	return c.Status(resp.Status).Send(resp.Body)
}

func (f *Forwarder) logError(route *server.SiteRoute, code string, err error, requestID string) {
	if f.logger == nil {
		return
	}
	fields := routeFields(route, requestID)
	fields["action"] = "proxy"
	fields["error"] = code
	if err != nil {
		f.logger.WithFields(fields).Error(err.Error())
		return
	}
	f.logger.WithFields(fields).Error("proxy handler unavailable")
}

func routeFields(route *server.SiteRoute, requestID string) logrus.Fields {
	if route == nil {
		return logrus.Fields{"site": "", "domain": "", "version": ""}
	}
	site := route.Site()
	fields := logging.RequestFields(site.Name, site.Domain, site.Version, "", "")
	if requestID != "" {
		fields["request_id"] = requestID
	}
	return fields
}
