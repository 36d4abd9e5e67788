package bgsync

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Event 描述一次后台同步请求：哪个站点的哪个版本、以什么 tag 触发。
type Event struct {
	Site    string
	Version string
	Tag     string
	Logger  logrus.FieldLogger
}

// Handler 执行一次同步。返回错误时调用方负责记录，不会自动重试。
type Handler func(ctx context.Context, event Event) error

// DefaultHandler 只记录日志，未注册 tag 时使用。
func DefaultHandler(_ context.Context, event Event) error {
	if event.Logger == nil {
		return nil
	}
	event.Logger.WithFields(logrus.Fields{
		"action":  "bgsync",
		"site":    event.Site,
		"version": event.Version,
		"tag":     event.Tag,
	}).Info("background sync requested")
	return nil
}
