package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供站点/版本/策略/缓存状态字段，供代理请求日志复用。
func RequestFields(site, domain, version, strategy, cacheStatus string) logrus.Fields {
	return logrus.Fields{
		"site":         site,
		"domain":       domain,
		"version":      version,
		"strategy":     strategy,
		"cache_status": cacheStatus,
	}
}

// LifecycleFields 描述 install/activate/sync 等生命周期事件。
func LifecycleFields(site, version, phase string) logrus.Fields {
	return logrus.Fields{
		"action":  "lifecycle",
		"site":    site,
		"version": version,
		"phase":   phase,
	}
}
