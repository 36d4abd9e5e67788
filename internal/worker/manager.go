package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/folio-edge/folio-cache/internal/cache"
	"github.com/folio-edge/folio-cache/internal/config"
	"github.com/folio-edge/folio-cache/internal/logging"
)

// State 是 Manager 的生命周期状态。
type State string

const (
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
	StateFailed     State = "failed"
)

var (
	// ErrInstallFailed 表示 manifest 预取或提交失败，静态分区未写入任何条目。
	ErrInstallFailed = errors.New("install failed")
	// ErrNotActive 表示 Manager 尚未激活（或已被替换）。
	ErrNotActive = errors.New("worker not active")
)

const (
	defaultRevalidateTimeout = 30 * time.Second
	defaultInitialBackoff    = time.Second
	installConcurrency       = 6
)

// Options 描述构造 Manager 所需的依赖。
type Options struct {
	Site              config.SiteConfig
	Store             cache.Store
	Fetcher           Fetcher
	Logger            *logrus.Logger
	Rules             []Rule
	MaxRetries        int
	InitialBackoff    time.Duration
	RevalidateTimeout time.Duration
}

// Manager 是某个站点某个版本的缓存管理器。
type Manager struct {
	site    config.SiteConfig
	store   cache.Store
	fetcher Fetcher
	logger  *logrus.Logger
	rules   []Rule

	maxRetries        int
	initialBackoff    time.Duration
	revalidateTimeout time.Duration

	static  string
	dynamic string

	mu    sync.RWMutex
	state State

	inflight sync.WaitGroup
	group    singleflight.Group
}

// New 构造 Manager，初始状态为 installing。
func New(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("cache store required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher required")
	}
	if opts.Site.AppPrefix == "" || opts.Site.Version == "" {
		return nil, errors.New("site app prefix and version required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	rules := opts.Rules
	if len(rules) == 0 {
		rules = DefaultRules
	}
	backoff := opts.InitialBackoff
	if backoff <= 0 {
		backoff = defaultInitialBackoff
	}
	revalidate := opts.RevalidateTimeout
	if revalidate <= 0 {
		revalidate = defaultRevalidateTimeout
	}
	scope := opts.Site.Scope
	if scope == "" {
		scope = "/"
	}
	opts.Site.Scope = scope

	return &Manager{
		site:              opts.Site,
		store:             opts.Store,
		fetcher:           opts.Fetcher,
		logger:            logger,
		rules:             rules,
		maxRetries:        opts.MaxRetries,
		initialBackoff:    backoff,
		revalidateTimeout: revalidate,
		static:            opts.Site.StaticPartition(),
		dynamic:           opts.Site.DynamicPartition(),
		state:             StateInstalling,
	}, nil
}

// Site 返回 Manager 对应的站点配置。
func (m *Manager) Site() config.SiteConfig {
	return m.site
}

// Version 返回 Manager 的版本号。
func (m *Manager) Version() string {
	return m.site.Version
}

// State 返回当前生命周期状态。
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Manager) setState(state State) {
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
}

// Partitions 返回当前版本拥有的两个分区名。
func (m *Manager) Partitions() (static, dynamic string) {
	return m.static, m.dynamic
}

// Intercepts 判断请求是否由本 Manager 处理：仅 GET、同源且位于 scope 内。
func (m *Manager) Intercepts(req *Request) bool {
	if req == nil || req.URL == nil {
		return false
	}
	if req.Method != http.MethodGet {
		return false
	}
	if req.URL.Host != "" && !strings.EqualFold(hostOnly(req.URL.Host), hostOnly(m.site.Domain)) {
		return false
	}
	p := req.URL.Path
	if p == "" {
		p = "/"
	}
	return strings.HasPrefix(p, m.site.Scope)
}

// Fetch 是 route：分类并分派到对应策略。任何错误或 panic 都转换成 503。
func (m *Manager) Fetch(ctx context.Context, req *Request) (resp *Response) {
	class := Classify(m.rules, req.URL)
	strategy := StrategyFor(class)
	fields := logging.RequestFields(m.site.Name, m.site.Domain, m.site.Version, string(strategy), "")
	fields["path"] = req.URL.RequestURI()

	defer func() {
		if r := recover(); r != nil {
			m.logger.WithFields(fields).Errorf("strategy panic: %v", r)
			resp = ServiceUnavailable()
		}
	}()

	var err error
	switch class {
	case ClassDocument:
		resp, err = m.staleWhileRevalidate(ctx, req, m.dynamic)
	case ClassAPI:
		resp, err = m.networkFirst(ctx, req, m.dynamic)
	default:
		resp, err = m.cacheFirst(ctx, req, m.static)
	}
	if err != nil {
		m.logger.WithFields(fields).WithError(err).Warn("fetch failed, serving 503")
		return ServiceUnavailable()
	}
	if resp == nil {
		return ServiceUnavailable()
	}

	fields["cache_status"] = resp.Header.Get(CacheStatusHeader)
	fields["status"] = resp.Status
	m.logger.WithFields(fields).Debug("fetch served")
	return resp
}

// Wait 阻塞直到所有后台重新验证完成，主要供关闭流程与测试使用。
func (m *Manager) Wait() {
	m.inflight.Wait()
}

// MarkRedundant 在新版本接管后调用。
func (m *Manager) MarkRedundant() {
	m.setState(StateRedundant)
	m.logger.WithFields(logging.LifecycleFields(m.site.Name, m.site.Version, string(StateRedundant))).Info("worker replaced")
}

func (m *Manager) lookup(ctx context.Context, partition, key string) *Response {
	entry, err := m.store.Get(ctx, partition, key)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			m.logger.WithFields(logrus.Fields{
				"site": m.site.Name, "partition": partition, "key": key,
			}).WithError(err).Warn("cache read failed, treating as miss")
		}
		return nil
	}
	return responseFromEntry(entry)
}

func (m *Manager) storeSuccess(ctx context.Context, partition, key string, resp *Response) {
	if !resp.ok() {
		return
	}
	if err := m.store.Put(ctx, partition, key, resp.entry()); err != nil {
		m.logger.WithFields(logrus.Fields{
			"site": m.site.Name, "partition": partition, "key": key,
		}).WithError(err).Warn("cache write failed")
	}
}

// network 访问源站；开启 CoalesceMisses 时相同 key 的并发请求共享一次抓取。
func (m *Manager) network(ctx context.Context, req *Request) (*Response, error) {
	fetch := func() (*Response, error) {
		resp, err := m.fetcher.Fetch(ctx, req)
		if err != nil {
			return nil, wrapFetchError(req.Key(), err)
		}
		if resp == nil {
			return nil, wrapFetchError(req.Key(), errors.New("empty response"))
		}
		return resp, nil
	}
	if !m.site.CoalesceMisses {
		return fetch()
	}
	value, err, _ := m.group.Do(req.Key(), func() (any, error) {
		return fetch()
	})
	if err != nil {
		return nil, err
	}
	return value.(*Response).Clone(), nil
}

func hostOnly(hostport string) string {
	if i := strings.LastIndex(hostport, ":"); i != -1 && !strings.Contains(hostport[i:], "]") {
		return hostport[:i]
	}
	return hostport
}

func wrapFetchError(key string, err error) error {
	return fmt.Errorf("fetch %s: %w", key, err)
}

// Binding 描述一个分类绑定的策略与分区，仅用于诊断接口。
type Binding struct {
	Class     Class    `json:"class"`
	Strategy  Strategy `json:"strategy"`
	Partition string   `json:"partition"`
}

// Bindings 返回分类到策略/分区的映射表。
func (m *Manager) Bindings() []Binding {
	return []Binding{
		{Class: ClassStatic, Strategy: StrategyFor(ClassStatic), Partition: m.static},
		{Class: ClassDocument, Strategy: StrategyFor(ClassDocument), Partition: m.dynamic},
		{Class: ClassAPI, Strategy: StrategyFor(ClassAPI), Partition: m.dynamic},
	}
}
