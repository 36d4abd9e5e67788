package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/robfig/cron/v3"
)

var supportedBackends = map[string]struct{}{
	BackendLevelDB: {},
	BackendFS:      {},
	BackendMemory:  {},
	BackendRedis:   {},
}

const supportedBackendList = "leveldb|fs|memory|redis"

// ScheduleParser 与 platform 包的探测调度共用，保证校验与运行时语义一致。
var ScheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if _, ok := supportedBackends[g.StorageBackend]; !ok {
		return newFieldError("Global.StorageBackend", "仅支持 "+supportedBackendList)
	}
	switch g.StorageBackend {
	case BackendLevelDB, BackendFS:
		if g.StoragePath == "" {
			return newFieldError("Global.StoragePath", "不能为空")
		}
	case BackendRedis:
		if strings.TrimSpace(g.RedisAddr) == "" {
			return newFieldError("Global.RedisAddr", "redis 后端必须提供地址")
		}
	}
	if g.MaxRetries < 0 {
		return newFieldError("Global.MaxRetries", "不能为负数")
	}
	if g.InitialBackoff.DurationValue() <= 0 {
		return newFieldError("Global.InitialBackoff", "必须大于 0")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.RevalidateTimeout.DurationValue() <= 0 {
		return newFieldError("Global.RevalidateTimeout", "必须大于 0")
	}

	if len(c.Sites) == 0 {
		return errors.New("至少需要配置一个 Site")
	}

	seenNames := map[string]struct{}{}
	seenDomains := map[string]struct{}{}
	seenPrefixes := map[string]string{}
	for i := range c.Sites {
		site := &c.Sites[i]
		if site.Name == "" {
			return newFieldError("Site[].Name", "不能为空")
		}
		if _, exists := seenNames[site.Name]; exists {
			return newFieldError(siteField(site.Name, "Name"), "重复")
		}
		seenNames[site.Name] = struct{}{}

		if err := validateDomain(site.Domain); err != nil {
			return fmt.Errorf("%s: %w", siteField(site.Name, "Domain"), err)
		}
		domain := strings.ToLower(site.Domain)
		if _, exists := seenDomains[domain]; exists {
			return newFieldError(siteField(site.Name, "Domain"), "重复")
		}
		seenDomains[domain] = struct{}{}

		if err := validateOrigin(site.Origin); err != nil {
			return fmt.Errorf("%s: %w", siteField(site.Name, "Origin"), err)
		}
		if !strings.HasPrefix(site.Scope, "/") {
			return newFieldError(siteField(site.Name, "Scope"), "必须以 / 开头")
		}
		if err := validateAppPrefix(site.AppPrefix); err != nil {
			return fmt.Errorf("%s: %w", siteField(site.Name, "AppPrefix"), err)
		}
		// 不同站点共用前缀会让激活阶段互相删除对方的分区。
		for prefix, owner := range seenPrefixes {
			if prefix == site.AppPrefix ||
				strings.HasPrefix(site.AppPrefix, prefix+"-") ||
				strings.HasPrefix(prefix, site.AppPrefix+"-") {
				return newFieldError(siteField(site.Name, "AppPrefix"), "与 "+owner+" 冲突")
			}
		}
		seenPrefixes[site.AppPrefix] = site.Name

		if site.Version == "" {
			return newFieldError(siteField(site.Name, "Version"), "不能为空")
		}
		if _, err := semver.NewVersion(site.Version); err != nil {
			return newFieldError(siteField(site.Name, "Version"), "无法解析版本号: "+err.Error())
		}
		for _, entry := range site.Manifest {
			if !strings.HasPrefix(entry, "/") {
				return newFieldError(siteField(site.Name, "Manifest"), fmt.Sprintf("条目必须是以 / 开头的路径: %s", entry))
			}
			if _, err := url.ParseRequestURI(entry); err != nil {
				return newFieldError(siteField(site.Name, "Manifest"), fmt.Sprintf("非法条目 %s: %v", entry, err))
			}
		}
		if _, err := ScheduleParser.Parse(site.SyncSchedule); err != nil {
			return newFieldError(siteField(site.Name, "SyncSchedule"), err.Error())
		}
	}

	return nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少源站地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，源站: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("源站缺少 Host: %s", raw)
	}
	return nil
}

func validateAppPrefix(prefix string) error {
	if prefix == "" {
		return errors.New("AppPrefix 不能为空")
	}
	if strings.ContainsAny(prefix, " /\\:") {
		return errors.New("AppPrefix 不允许包含空格、路径分隔符或冒号")
	}
	return nil
}
