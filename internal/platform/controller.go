package platform

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/folio-edge/folio-cache/internal/cache"
	"github.com/folio-edge/folio-cache/internal/config"
	"github.com/folio-edge/folio-cache/internal/logging"
	"github.com/folio-edge/folio-cache/internal/worker"
)

// FetcherFactory 为某个站点配置构造访问源站的 Fetcher。
type FetcherFactory func(site config.SiteConfig) worker.Fetcher

// Options 描述 Controller 的依赖。
type Options struct {
	Site     config.SiteConfig
	Global   config.GlobalConfig
	Store    cache.Store
	Fetchers FetcherFactory
	Logger   *logrus.Logger
}

// Controller 是单个站点的平台适配层：串行化 install/activate，
// 原子切换当前生效的 Manager，并维护待执行的后台同步 tag。
type Controller struct {
	global   config.GlobalConfig
	store    cache.Store
	fetchers FetcherFactory
	logger   *logrus.Logger

	deployMu sync.Mutex
	site     atomic.Pointer[config.SiteConfig]
	active   atomic.Pointer[worker.Manager]

	statusMu   sync.Mutex
	lastError  string
	lastDeploy time.Time

	syncMu  sync.Mutex
	pending map[string]struct{}
}

// Status 是诊断接口输出的站点快照。
type Status struct {
	Name              string           `json:"name"`
	Domain            string           `json:"domain"`
	ConfiguredVersion string           `json:"configured_version"`
	ActiveVersion     string           `json:"active_version,omitempty"`
	State             string           `json:"state"`
	Bindings          []worker.Binding `json:"bindings,omitempty"`
	PendingSync       []string         `json:"pending_sync"`
	LastError         string           `json:"last_error,omitempty"`
	LastDeploy        *time.Time       `json:"last_deploy,omitempty"`
}

// NewController 构造 Controller，此时还没有任何生效的 Manager。
func NewController(opts Options) (*Controller, error) {
	if opts.Store == nil {
		return nil, errors.New("cache store required")
	}
	if opts.Fetchers == nil {
		return nil, errors.New("fetcher factory required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	c := &Controller{
		global:   opts.Global,
		store:    opts.Store,
		fetchers: opts.Fetchers,
		logger:   logger,
		pending:  make(map[string]struct{}),
	}
	site := opts.Site
	c.site.Store(&site)
	return c, nil
}

// Site 返回当前配置的站点（可能尚未成功部署）。
func (c *Controller) Site() config.SiteConfig {
	return *c.site.Load()
}

// Active 返回当前生效的 Manager，没有时为 nil。
func (c *Controller) Active() *worker.Manager {
	return c.active.Load()
}

// Start 在进程启动时调用：存储中已激活同一版本时直接恢复，
// 否则部署配置的版本；部署失败时尝试恢复上一次激活的版本。
func (c *Controller) Start(ctx context.Context) error {
	site := c.Site()
	logger := c.logger.WithFields(logging.LifecycleFields(site.Name, site.Version, "start"))

	previous, err := c.store.ActiveVersion(ctx, site.AppPrefix)
	if err != nil {
		logger.WithError(err).Warn("read persisted active version failed")
	}

	if previous == site.Version {
		if m, err := c.newManager(site); err == nil && m.Resume(ctx) == nil {
			c.promote(m)
			return nil
		}
	}

	deployErr := c.Deploy(ctx, site)
	if deployErr == nil {
		return nil
	}
	if previous == "" || previous == site.Version {
		logger.WithError(deployErr).Error("no previous version available, requests pass through")
		return deployErr
	}

	fallback := site
	fallback.Version = previous
	m, err := c.newManager(fallback)
	if err != nil {
		return errors.Join(deployErr, err)
	}
	if err := m.Resume(ctx); err != nil {
		logger.WithError(err).Error("previous version unavailable, requests pass through")
		return errors.Join(deployErr, err)
	}
	c.promote(m)
	logger.WithField("serving_version", previous).Warn("deploy failed, previous version keeps serving")
	return deployErr
}

// Deploy 执行 install → activate，成功后切换到新 Manager。
// install 失败时保持原 Manager 继续服务。
func (c *Controller) Deploy(ctx context.Context, site config.SiteConfig) error {
	c.deployMu.Lock()
	defer c.deployMu.Unlock()

	c.site.Store(&site)
	m, err := c.newManager(site)
	if err != nil {
		c.recordDeploy(err)
		return err
	}
	if err := m.Install(ctx); err != nil {
		c.recordDeploy(err)
		return err
	}
	if err := m.Activate(ctx); err != nil {
		c.recordDeploy(err)
		return err
	}
	c.promote(m)
	c.recordDeploy(nil)
	return nil
}

// configure 更新不需要重新部署的字段（例如 SyncSchedule）。
func (c *Controller) configure(site config.SiteConfig) {
	c.deployMu.Lock()
	defer c.deployMu.Unlock()
	c.site.Store(&site)
}

// Route 把请求交给生效的 Manager。返回 false 表示未拦截，调用方应直连源站。
func (c *Controller) Route(ctx context.Context, req *worker.Request) (*worker.Response, bool) {
	m := c.active.Load()
	if m == nil || !m.Intercepts(req) {
		return nil, false
	}
	return m.Fetch(ctx, req), true
}

// RequestSync 登记一个后台同步 tag 并立即尝试执行；源站不可达时保留到下次探测。
func (c *Controller) RequestSync(ctx context.Context, tag string) error {
	if tag == "" {
		return errors.New("sync tag required")
	}
	if c.active.Load() == nil {
		return worker.ErrNotActive
	}
	c.syncMu.Lock()
	c.pending[tag] = struct{}{}
	c.syncMu.Unlock()

	_, err := c.FlushSync(ctx)
	return err
}

// PendingSync 返回尚未成功执行的 tag。
func (c *Controller) PendingSync() []string {
	c.syncMu.Lock()
	defer c.syncMu.Unlock()
	tags := make([]string, 0, len(c.pending))
	for tag := range c.pending {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// FlushSync 探测源站，可达时依次执行待处理的 tag，成功的 tag 从队列移除。
func (c *Controller) FlushSync(ctx context.Context) ([]string, error) {
	m := c.active.Load()
	if m == nil {
		return nil, worker.ErrNotActive
	}
	tags := c.PendingSync()
	if len(tags) == 0 {
		return nil, nil
	}
	if !c.Reachable(ctx) {
		c.logger.WithFields(logging.LifecycleFields(m.Site().Name, m.Version(), "sync")).
			WithField("pending", tags).Debug("origin unreachable, sync deferred")
		return nil, nil
	}

	var (
		flushed []string
		errs    []error
	)
	for _, tag := range tags {
		if err := m.Sync(ctx, tag); err != nil {
			errs = append(errs, err)
			continue
		}
		c.syncMu.Lock()
		delete(c.pending, tag)
		c.syncMu.Unlock()
		flushed = append(flushed, tag)
	}
	return flushed, errors.Join(errs...)
}

// Reachable 对源站 scope 发起 HEAD 请求，只要网络可达即视为在线。
func (c *Controller) Reachable(ctx context.Context) bool {
	site := c.Site()
	timeout := c.global.UpstreamTimeout.DurationValue()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := &worker.Request{
		Method: http.MethodHead,
		URL:    &url.URL{Path: site.Scope},
		Header: http.Header{},
	}
	_, err := c.fetchers(site).Fetch(probeCtx, req)
	return err == nil
}

// Status 汇总诊断信息。
func (c *Controller) Status() Status {
	site := c.Site()
	status := Status{
		Name:              site.Name,
		Domain:            site.Domain,
		ConfiguredVersion: site.Version,
		State:             "pass-through",
		PendingSync:       c.PendingSync(),
	}
	if m := c.active.Load(); m != nil {
		status.ActiveVersion = m.Version()
		status.State = string(m.State())
		status.Bindings = m.Bindings()
	}

	c.statusMu.Lock()
	status.LastError = c.lastError
	if !c.lastDeploy.IsZero() {
		deployed := c.lastDeploy
		status.LastDeploy = &deployed
	}
	c.statusMu.Unlock()
	return status
}

// Partitions 列出存储中属于本站点前缀的分区。
func (c *Controller) Partitions(ctx context.Context) ([]string, error) {
	names, err := c.store.Partitions(ctx)
	if err != nil {
		return nil, err
	}
	prefix := c.Site().AppPrefix + "-"
	result := make([]string, 0, len(names))
	for _, name := range names {
		if strings.HasPrefix(name, prefix) {
			result = append(result, name)
		}
	}
	return result, nil
}

// Close 等待当前 Manager 的后台重新验证结束。
func (c *Controller) Close() {
	if m := c.active.Load(); m != nil {
		m.Wait()
	}
}

func (c *Controller) newManager(site config.SiteConfig) (*worker.Manager, error) {
	m, err := worker.New(worker.Options{
		Site:              site,
		Store:             c.store,
		Fetcher:           c.fetchers(site),
		Logger:            c.logger,
		MaxRetries:        c.global.MaxRetries,
		InitialBackoff:    c.global.InitialBackoff.DurationValue(),
		RevalidateTimeout: c.global.RevalidateTimeout.DurationValue(),
	})
	if err != nil {
		return nil, fmt.Errorf("site %s: %w", site.Name, err)
	}
	return m, nil
}

// promote 相当于 clients.claim()：新 Manager 立即接管后续请求。
func (c *Controller) promote(m *worker.Manager) {
	previous := c.active.Swap(m)
	if previous != nil && previous != m {
		previous.MarkRedundant()
	}
}

func (c *Controller) recordDeploy(err error) {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	c.lastDeploy = time.Now().UTC()
	if err != nil {
		c.lastError = err.Error()
		return
	}
	c.lastError = ""
}
