package platform

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/folio-edge/folio-cache/internal/cache"
	"github.com/folio-edge/folio-cache/internal/config"
	"github.com/folio-edge/folio-cache/internal/logging"
)

// Fleet 持有全部站点的 Controller，按配置顺序排列。
type Fleet struct {
	controllers map[string]*Controller
	ordered     []*Controller
	scheduler   *Scheduler
	logger      *logrus.Logger
}

// NewFleet 为配置中的每个 Site 构造 Controller，尚未部署。
func NewFleet(cfg *config.Config, store cache.Store, fetchers FetcherFactory, logger *logrus.Logger) (*Fleet, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if logger == nil {
		logger = logging.Discard()
	}
	fleet := &Fleet{
		controllers: make(map[string]*Controller, len(cfg.Sites)),
		scheduler:   NewScheduler(logger),
		logger:      logger,
	}
	for _, site := range cfg.Sites {
		c, err := NewController(Options{
			Site:     site,
			Global:   cfg.Global,
			Store:    store,
			Fetchers: fetchers,
			Logger:   logger,
		})
		if err != nil {
			return nil, fmt.Errorf("site %s: %w", site.Name, err)
		}
		fleet.controllers[site.Name] = c
		fleet.ordered = append(fleet.ordered, c)
	}
	return fleet, nil
}

// Start 部署所有站点并启动探测调度。单个站点失败只记录日志，不影响其他站点。
func (f *Fleet) Start(ctx context.Context) {
	for _, c := range f.ordered {
		site := c.Site()
		if err := c.Start(ctx); err != nil {
			f.logger.WithFields(logging.LifecycleFields(site.Name, site.Version, "register")).
				WithError(err).Error("site registration failed")
		}
		if err := f.scheduler.Watch(ctx, c); err != nil {
			f.logger.WithFields(logging.LifecycleFields(site.Name, site.Version, "register")).
				WithError(err).Error("sync schedule rejected")
		}
	}
	f.scheduler.Start()
}

// Stop 停止调度并等待后台重新验证。
func (f *Fleet) Stop() {
	<-f.scheduler.Stop().Done()
	for _, c := range f.ordered {
		c.Close()
	}
}

// Lookup 按站点名称查找 Controller。
func (f *Fleet) Lookup(name string) (*Controller, bool) {
	c, ok := f.controllers[name]
	return c, ok
}

// List 按配置顺序返回所有 Controller。
func (f *Fleet) List() []*Controller {
	out := make([]*Controller, len(f.ordered))
	copy(out, f.ordered)
	return out
}

// Reload 比较新配置：Version/Manifest/Origin 变化的站点重新部署，
// SyncSchedule 变化的站点更新探测任务。新增或删除站点需要重启进程。
// 返回重新部署的站点名。
func (f *Fleet) Reload(ctx context.Context, cfg *config.Config) ([]string, error) {
	var (
		redeployed []string
		errs       []error
	)
	for _, next := range cfg.Sites {
		c, ok := f.controllers[next.Name]
		if !ok {
			f.logger.WithFields(logging.LifecycleFields(next.Name, next.Version, "reload")).
				Warn("new site requires restart")
			continue
		}
		current := c.Site()
		if !strings.EqualFold(current.Domain, next.Domain) {
			f.logger.WithFields(logging.LifecycleFields(next.Name, next.Version, "reload")).
				Warn("domain change requires restart")
			next.Domain = current.Domain
		}
		if needsDeploy(current, next) {
			if err := c.Deploy(ctx, next); err != nil {
				errs = append(errs, fmt.Errorf("site %s: %w", next.Name, err))
			} else {
				redeployed = append(redeployed, next.Name)
			}
		} else {
			c.configure(next)
		}
		if current.SyncSchedule != next.SyncSchedule {
			if err := f.scheduler.Watch(ctx, c); err != nil {
				errs = append(errs, fmt.Errorf("site %s: %w", next.Name, err))
			}
		}
	}
	return redeployed, errors.Join(errs...)
}

func needsDeploy(current, next config.SiteConfig) bool {
	return current.Version != next.Version ||
		current.Origin != next.Origin ||
		current.Scope != next.Scope ||
		current.CoalesceMisses != next.CoalesceMisses ||
		!slices.Equal(current.Manifest, next.Manifest)
}
