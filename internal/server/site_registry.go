package server

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/folio-edge/folio-cache/internal/config"
	"github.com/folio-edge/folio-cache/internal/platform"
)

// SiteRoute 将 Site 配置与派生属性（解析后的源站 URL、对应的 Controller）
// 聚合在一起，供路由/代理层直接复用。
type SiteRoute struct {
	// Config 是启动时的 Site 配置副本；热更新后的最新值以 Controller.Site() 为准。
	Config config.SiteConfig
	// ListenPort 记录当前监听端口，方便日志/转发头输出。
	ListenPort int
	OriginURL  *url.URL
	// Controller 为 nil 时只做透传（测试场景）。
	Controller *platform.Controller
}

// Site 返回当前生效的站点配置。
func (r *SiteRoute) Site() config.SiteConfig {
	if r.Controller != nil {
		return r.Controller.Site()
	}
	return r.Config
}

// SiteRegistry 提供 Host/Host:port 到 SiteRoute 的查询能力，所有 Site 共享同一个监听端口。
type SiteRegistry struct {
	routes  map[string]*SiteRoute
	ordered []*SiteRoute
}

// NewSiteRegistry 根据配置构建 Host 映射，fleet 可为 nil。
func NewSiteRegistry(cfg *config.Config, fleet *platform.Fleet) (*SiteRegistry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	registry := &SiteRegistry{
		routes: make(map[string]*SiteRoute, len(cfg.Sites)),
	}

	for _, site := range cfg.Sites {
		normalizedHost := normalizeDomain(site.Domain)
		if normalizedHost == "" {
			return nil, fmt.Errorf("invalid domain for site %s", site.Name)
		}
		if _, exists := registry.routes[normalizedHost]; exists {
			return nil, fmt.Errorf("duplicate domain mapping detected for %s", normalizedHost)
		}

		originURL, err := url.Parse(site.Origin)
		if err != nil {
			return nil, fmt.Errorf("invalid origin for site %s: %w", site.Name, err)
		}

		route := &SiteRoute{
			Config:     site,
			ListenPort: cfg.Global.ListenPort,
			OriginURL:  originURL,
		}
		if fleet != nil {
			controller, ok := fleet.Lookup(site.Name)
			if !ok {
				return nil, fmt.Errorf("site %s has no controller", site.Name)
			}
			route.Controller = controller
		}

		registry.routes[normalizedHost] = route
		registry.ordered = append(registry.ordered, route)
	}

	return registry, nil
}

// Lookup 根据 Host 或 Host:port 查找 SiteRoute。
func (r *SiteRegistry) Lookup(host string) (*SiteRoute, bool) {
	if r == nil {
		return nil, false
	}

	normalizedHost, _ := normalizeHost(host)
	if normalizedHost == "" {
		return nil, false
	}

	route, ok := r.routes[normalizedHost]
	return route, ok
}

// List 返回当前注册的 SiteRoute 列表（按配置定义的顺序）。
func (r *SiteRegistry) List() []*SiteRoute {
	if r == nil || len(r.ordered) == 0 {
		return nil
	}
	result := make([]*SiteRoute, len(r.ordered))
	copy(result, r.ordered)
	return result
}

func normalizeDomain(domain string) string {
	host, _ := normalizeHost(domain)
	return host
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 && strings.Count(raw[idx+1:], ":") == 0 {
			if parsedPort, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsedPort
			}
		}
	}

	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
