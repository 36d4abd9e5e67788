package worker

import (
	"context"
	"fmt"

	"github.com/folio-edge/folio-cache/internal/bgsync"
	"github.com/folio-edge/folio-cache/internal/logging"
)

// Sync 按 tag 调用后台同步处理器，未注册的 tag 使用只记录日志的默认处理器。
func (m *Manager) Sync(ctx context.Context, tag string) error {
	if m.State() != StateActivated {
		return ErrNotActive
	}
	logger := m.logger.WithFields(logging.LifecycleFields(m.site.Name, m.site.Version, "sync")).WithField("tag", tag)
	handler := bgsync.Resolve(tag)
	event := bgsync.Event{
		Site:    m.site.Name,
		Version: m.site.Version,
		Tag:     tag,
		Logger:  logger,
	}
	if err := handler(ctx, event); err != nil {
		logger.WithError(err).Warn("background sync failed")
		return fmt.Errorf("sync %s: %w", tag, err)
	}
	return nil
}
