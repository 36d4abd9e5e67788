package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/folio-edge/folio-cache/internal/cache"
	"github.com/folio-edge/folio-cache/internal/logging"
)

// Install 并发预取 manifest 中的全部 URL，任一失败则整体失败且不写入任何条目；
// 全部成功后一次性提交到静态分区。
func (m *Manager) Install(ctx context.Context) error {
	m.setState(StateInstalling)
	logger := m.logger.WithFields(logging.LifecycleFields(m.site.Name, m.site.Version, string(StateInstalling)))
	started := time.Now()

	var (
		mu      sync.Mutex
		entries = make(map[string]*cache.Entry, len(m.site.Manifest))
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(installConcurrency)
	for _, raw := range m.site.Manifest {
		raw := raw
		group.Go(func() error {
			req, err := manifestRequest(raw)
			if err != nil {
				return fmt.Errorf("manifest entry %s: %w", raw, err)
			}
			resp, err := m.fetchWithRetry(groupCtx, req)
			if err != nil {
				return fmt.Errorf("manifest entry %s: %w", raw, err)
			}
			if !resp.ok() {
				return fmt.Errorf("manifest entry %s: unexpected status %d", raw, resp.Status)
			}
			mu.Lock()
			entries[req.Key()] = resp.entry()
			mu.Unlock()
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		m.setState(StateFailed)
		logger.WithError(err).Error("install failed, nothing committed")
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}
	if err := m.store.PutAll(ctx, m.static, entries); err != nil {
		m.setState(StateFailed)
		logger.WithError(err).Error("install commit failed")
		return fmt.Errorf("%w: commit %s: %w", ErrInstallFailed, m.static, err)
	}

	m.setState(StateInstalled)
	logger.WithFields(logrus.Fields{
		"entries":    len(entries),
		"elapsed_ms": time.Since(started).Milliseconds(),
	}).Info("install complete")
	return nil
}

// Activate 删除当前版本以外所有带 AppPrefix 的分区，然后记录激活版本。
// 删除失败只记录日志，不阻塞激活。
func (m *Manager) Activate(ctx context.Context) error {
	if state := m.State(); state != StateInstalled {
		return fmt.Errorf("activate from state %s", state)
	}
	m.setState(StateActivating)
	logger := m.logger.WithFields(logging.LifecycleFields(m.site.Name, m.site.Version, string(StateActivating)))

	deleted, err := m.store.DeleteAllExcept(ctx, m.site.AppPrefix+"-", []string{m.static, m.dynamic})
	if err != nil {
		logger.WithError(err).Warn("partition cleanup incomplete")
	}
	if len(deleted) > 0 {
		logger.WithField("deleted", deleted).Info("old partitions removed")
	}

	previous, err := m.store.ActiveVersion(ctx, m.site.AppPrefix)
	if err != nil {
		logger.WithError(err).Warn("read previous active version failed")
	}
	if err := m.store.MarkActive(ctx, m.site.AppPrefix, m.site.Version); err != nil {
		logger.WithError(err).Warn("persist active version failed")
	}

	m.setState(StateActivated)
	logger.WithFields(logrus.Fields{
		"previous":   previous,
		"transition": VersionTransition(previous, m.site.Version),
	}).Info("worker activated")
	return nil
}

// Resume 用于进程重启：确认当前版本的静态分区仍在存储中后直接进入 activated，
// 不重新预取也不清理分区。
func (m *Manager) Resume(ctx context.Context) error {
	names, err := m.store.Partitions(ctx)
	if err != nil {
		return fmt.Errorf("list partitions: %w", err)
	}
	found := false
	for _, name := range names {
		if name == m.static {
			found = true
			break
		}
	}
	if !found && len(m.site.Manifest) > 0 {
		return fmt.Errorf("%w: partition %s missing", ErrNotActive, m.static)
	}
	m.setState(StateActivated)
	m.logger.WithFields(logging.LifecycleFields(m.site.Name, m.site.Version, "resume")).Info("worker resumed from storage")
	return nil
}

// VersionTransition 比较前后两个版本：fresh、upgrade、downgrade 或 reinstall。
func VersionTransition(previous, current string) string {
	if previous == "" {
		return "fresh"
	}
	prev, err := semver.NewVersion(previous)
	if err != nil {
		return "upgrade"
	}
	next, err := semver.NewVersion(current)
	if err != nil {
		return "upgrade"
	}
	switch next.Compare(prev) {
	case 1:
		return "upgrade"
	case -1:
		return "downgrade"
	default:
		return "reinstall"
	}
}

func manifestRequest(raw string) (*Request, error) {
	if !strings.HasPrefix(raw, "/") {
		return nil, errors.New("manifest entry must be an absolute path")
	}
	parsed, err := url.ParseRequestURI(raw)
	if err != nil {
		return nil, err
	}
	return &Request{Method: http.MethodGet, URL: parsed, Header: http.Header{}}, nil
}

// fetchWithRetry 只对网络错误重试，非 2xx 直接返回给调用方判断。
func (m *Manager) fetchWithRetry(ctx context.Context, req *Request) (*Response, error) {
	backoff := m.initialBackoff
	var lastErr error
	for attempt := 0; attempt <= m.maxRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
			backoff *= 2
		}
		resp, err := m.fetcher.Fetch(ctx, req)
		if err == nil && resp != nil {
			return resp, nil
		}
		if err == nil {
			err = errors.New("empty response")
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("after %d attempts: %w", m.maxRetries+1, lastErr)
}
