package platform

import (
	"context"
	"errors"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/folio-edge/folio-cache/internal/config"
	"github.com/folio-edge/folio-cache/internal/logging"
	"github.com/folio-edge/folio-cache/internal/worker"
)

// Scheduler 按各站点的 SyncSchedule 周期性探测源站，恢复连通后补发后台同步。
type Scheduler struct {
	cron   *cron.Cron
	logger *logrus.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// NewScheduler 使用与配置校验相同的 cron 解析器。
func NewScheduler(logger *logrus.Logger) *Scheduler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(config.ScheduleParser),
			cron.WithChain(cron.Recover(cron.PrintfLogger(logger))),
		),
		logger:  logger,
		entries: make(map[string]cron.EntryID),
	}
}

// Watch 为站点注册（或替换）探测任务。
func (s *Scheduler) Watch(ctx context.Context, c *Controller) error {
	site := c.Site()
	id, err := s.cron.AddFunc(site.SyncSchedule, func() {
		s.flush(ctx, c)
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	if previous, ok := s.entries[site.Name]; ok {
		s.cron.Remove(previous)
	}
	s.entries[site.Name] = id
	s.mu.Unlock()
	return nil
}

// Unwatch 移除站点的探测任务。
func (s *Scheduler) Unwatch(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[name]; ok {
		s.cron.Remove(id)
		delete(s.entries, name)
	}
}

// Start 启动调度循环。
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop 停止调度并返回一个在运行中任务结束后关闭的 context。
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) flush(ctx context.Context, c *Controller) {
	site := c.Site()
	flushed, err := c.FlushSync(ctx)
	fields := logging.LifecycleFields(site.Name, site.Version, "sync")
	switch {
	case errors.Is(err, worker.ErrNotActive):
		return
	case err != nil:
		s.logger.WithFields(fields).WithError(err).Warn("scheduled sync failed")
	case len(flushed) > 0:
		s.logger.WithFields(fields).WithField("tags", flushed).Info("scheduled sync flushed")
	}
}
