package integration

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/folio-edge/folio-cache/internal/cache"
	"github.com/folio-edge/folio-cache/internal/config"
	"github.com/folio-edge/folio-cache/internal/platform"
	"github.com/folio-edge/folio-cache/internal/proxy"
	"github.com/folio-edge/folio-cache/internal/server"
	"github.com/folio-edge/folio-cache/internal/server/routes"
)

const siteHost = "portfolio.local"

// gateway 按 main.go 的顺序组装整条链路：存储 → Fleet → SiteRegistry → Fiber。
type gateway struct {
	t     *testing.T
	cfg   *config.Config
	store cache.Store
	fleet *platform.Fleet
	app   *fiber.App
}

func testConfig(origin string, version string, manifest ...string) *config.Config {
	return &config.Config{
		Global: config.GlobalConfig{
			ListenPort:        5000,
			LogLevel:          "info",
			StorageBackend:    config.BackendMemory,
			MaxRetries:        1,
			InitialBackoff:    config.Duration(time.Millisecond),
			UpstreamTimeout:   config.Duration(2 * time.Second),
			RevalidateTimeout: config.Duration(2 * time.Second),
		},
		Sites: []config.SiteConfig{{
			Name:         "portfolio",
			Domain:       siteHost,
			Origin:       origin,
			Scope:        "/",
			AppPrefix:    "portfolio",
			Version:      version,
			Manifest:     manifest,
			SyncSchedule: "@every 1h",
		}},
	}
}

func startGateway(t *testing.T, cfg *config.Config, store cache.Store) *gateway {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	client := server.NewUpstreamClient(cfg)
	fleet, err := platform.NewFleet(cfg, store, proxy.Fetcher(client), logger)
	if err != nil {
		t.Fatalf("fleet error: %v", err)
	}
	fleet.Start(context.Background())
	t.Cleanup(fleet.Stop)

	registry, err := server.NewSiteRegistry(cfg, fleet)
	if err != nil {
		t.Fatalf("registry error: %v", err)
	}

	forwarder := proxy.NewForwarder(proxy.NewHandler(client, logger), logger)
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      forwarder,
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		t.Fatalf("app error: %v", err)
	}
	routes.RegisterSiteRoutes(app, fleet)

	return &gateway{t: t, cfg: cfg, store: store, fleet: fleet, app: app}
}

type result struct {
	status int
	cache  string
	header http.Header
	body   string
}

func (g *gateway) do(method, path string, body io.Reader) result {
	g.t.Helper()
	req := httptest.NewRequest(method, "http://"+siteHost+path, body)
	req.Host = siteHost
	resp, err := g.app.Test(req)
	if err != nil {
		g.t.Fatalf("app.Test %s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		g.t.Fatalf("read body: %v", err)
	}
	return result{
		status: resp.StatusCode,
		cache:  resp.Header.Get("X-Folio-Cache"),
		header: resp.Header,
		body:   string(raw),
	}
}

func (g *gateway) get(path string) result {
	g.t.Helper()
	return g.do(http.MethodGet, path, nil)
}

func (g *gateway) post(path, body string) result {
	g.t.Helper()
	return g.do(http.MethodPost, path, strings.NewReader(body))
}

func (g *gateway) controller() *platform.Controller {
	g.t.Helper()
	c, ok := g.fleet.Lookup("portfolio")
	if !ok {
		g.t.Fatalf("controller portfolio missing")
	}
	return c
}

// settle 等待当前版本所有后台重新验证写回存储。
func (g *gateway) settle() {
	if m := g.controller().Active(); m != nil {
		m.Wait()
	}
}

func (g *gateway) partitions() []string {
	g.t.Helper()
	names, err := g.controller().Partitions(context.Background())
	if err != nil {
		g.t.Fatalf("partitions: %v", err)
	}
	return names
}

func httptestRequest(t *testing.T, g *gateway, host, path string) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "http://"+host+path, nil)
	req.Host = host
	resp, err := g.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	resp.Body.Close()
	return resp.StatusCode
}
