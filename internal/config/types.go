package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// 支持的缓存存储后端。
const (
	BackendLevelDB = "leveldb"
	BackendFS      = "fs"
	BackendMemory  = "memory"
	BackendRedis   = "redis"
)

// GlobalConfig 描述全局运行时行为，所有 Site 共享同一份参数。
type GlobalConfig struct {
	ListenPort        int      `mapstructure:"ListenPort"`
	LogLevel          string   `mapstructure:"LogLevel"`
	LogFilePath       string   `mapstructure:"LogFilePath"`
	LogMaxSize        int      `mapstructure:"LogMaxSize"`
	LogMaxBackups     int      `mapstructure:"LogMaxBackups"`
	LogCompress       bool     `mapstructure:"LogCompress"`
	StorageBackend    string   `mapstructure:"StorageBackend"`
	StoragePath       string   `mapstructure:"StoragePath"`
	RedisAddr         string   `mapstructure:"RedisAddr"`
	RedisPassword     string   `mapstructure:"RedisPassword"`
	RedisDB           int      `mapstructure:"RedisDB"`
	MaxRetries        int      `mapstructure:"MaxRetries"`
	InitialBackoff    Duration `mapstructure:"InitialBackoff"`
	UpstreamTimeout   Duration `mapstructure:"UpstreamTimeout"`
	RevalidateTimeout Duration `mapstructure:"RevalidateTimeout"`
}

// SiteConfig 描述一个被缓存层接管的站点（对应一次 service worker 注册）。
type SiteConfig struct {
	Name           string   `mapstructure:"Name"`
	Domain         string   `mapstructure:"Domain"`
	Origin         string   `mapstructure:"Origin"`
	Scope          string   `mapstructure:"Scope"`
	AppPrefix      string   `mapstructure:"AppPrefix"`
	Version        string   `mapstructure:"Version"`
	Manifest       []string `mapstructure:"Manifest"`
	ManifestFile   string   `mapstructure:"ManifestFile"`
	SyncSchedule   string   `mapstructure:"SyncSchedule"`
	CoalesceMisses bool     `mapstructure:"CoalesceMisses"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Sites  []SiteConfig `mapstructure:"Site"`
}

// StaticPartition 返回当前版本的静态分区名：<prefix>-static-v<version>。
func (s SiteConfig) StaticPartition() string {
	return fmt.Sprintf("%s-static-v%s", s.AppPrefix, s.Version)
}

// DynamicPartition 返回当前版本的动态分区名：<prefix>-dynamic-v<version>。
func (s SiteConfig) DynamicPartition() string {
	return fmt.Sprintf("%s-dynamic-v%s", s.AppPrefix, s.Version)
}

// OriginURL 返回解析后的源站地址（假定 Validate 已经通过）。
func (s SiteConfig) OriginURL() *url.URL {
	parsed, err := url.Parse(s.Origin)
	if err != nil {
		return &url.URL{}
	}
	return parsed
}

// SiteVersions 返回所有 Site 的版本摘要，例如 portfolio:2025.11，供启动日志使用。
func SiteVersions(sites []SiteConfig) []string {
	if len(sites) == 0 {
		return nil
	}
	result := make([]string, len(sites))
	for i, site := range sites {
		result[i] = fmt.Sprintf("%s:%s", site.Name, site.Version)
	}
	return result
}

// FindSite 按名称查找 Site 配置。
func (c *Config) FindSite(name string) (SiteConfig, bool) {
	if c == nil {
		return SiteConfig{}, false
	}
	for _, site := range c.Sites {
		if site.Name == name {
			return site, true
		}
	}
	return SiteConfig{}, false
}
