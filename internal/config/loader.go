package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}
	return decode(v, path)
}

// decode 将已读取的 viper 实例转换为 Config，Load 与 Watch 共用。
func decode(v *viper.Viper, path string) (*Config, error) {
	if err := rejectSiteLevelTTL(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	baseDir := filepath.Dir(path)
	for i := range cfg.Sites {
		applySiteDefaults(&cfg.Sites[i])
		if err := loadManifestFile(&cfg.Sites[i], baseDir); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Global.StorageBackend == BackendLevelDB || cfg.Global.StorageBackend == BackendFS {
		absStorage, err := filepath.Abs(cfg.Global.StoragePath)
		if err != nil {
			return nil, fmt.Errorf("无法解析缓存目录: %w", err)
		}
		cfg.Global.StoragePath = absStorage
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StorageBackend", BackendLevelDB)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("MaxRetries", 3)
	v.SetDefault("InitialBackoff", "1s")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("RevalidateTimeout", "30s")
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	g.StorageBackend = strings.ToLower(strings.TrimSpace(g.StorageBackend))
	if g.StorageBackend == "" {
		g.StorageBackend = BackendLevelDB
	}
	if g.InitialBackoff.DurationValue() == 0 {
		g.InitialBackoff = Duration(time.Second)
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.RevalidateTimeout.DurationValue() == 0 {
		g.RevalidateTimeout = Duration(30 * time.Second)
	}
}

func applySiteDefaults(s *SiteConfig) {
	if strings.TrimSpace(s.Scope) == "" {
		s.Scope = "/"
	}
	if !strings.HasSuffix(s.Scope, "/") {
		s.Scope += "/"
	}
	if strings.TrimSpace(s.AppPrefix) == "" {
		s.AppPrefix = s.Name
	}
	s.Version = strings.TrimPrefix(strings.TrimSpace(s.Version), "v")
	if strings.TrimSpace(s.SyncSchedule) == "" {
		s.SyncSchedule = "@every 30s"
	}
	s.Origin = strings.TrimRight(strings.TrimSpace(s.Origin), "/")
}

// loadManifestFile 读取 ManifestFile（YAML 字符串列表），追加在内联 Manifest 之后，保持顺序。
func loadManifestFile(s *SiteConfig, baseDir string) error {
	if strings.TrimSpace(s.ManifestFile) == "" {
		return nil
	}
	path := s.ManifestFile
	if !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%s: 读取失败: %w", siteField(s.Name, "ManifestFile"), err)
	}
	var entries []string
	if err := yaml.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("%s: 解析失败: %w", siteField(s.Name, "ManifestFile"), err)
	}
	for _, entry := range entries {
		if trimmed := strings.TrimSpace(entry); trimmed != "" {
			s.Manifest = append(s.Manifest, trimmed)
		}
	}
	return nil
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}

// rejectSiteLevelTTL 拒绝 Site 级 CacheTTL：缓存条目不按 TTL 过期，只随分区版本整体淘汰。
func rejectSiteLevelTTL(v *viper.Viper) error {
	raw := v.Get("Site")
	sites, ok := raw.([]interface{})
	if !ok {
		return nil
	}

	for idx, entry := range sites {
		m, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		if _, exists := lookupFold(m, "CacheTTL"); exists {
			name := fmt.Sprintf("#%d", idx)
			if rawName, ok := lookupFold(m, "Name"); ok {
				if str, ok := rawName.(string); ok && str != "" {
					name = str
				}
			}
			return newFieldError(siteField(name, "CacheTTL"), "不支持按条目过期，请通过提升 Version 淘汰旧分区")
		}
	}

	return nil
}

// lookupFold 忽略大小写读取 map 字段，viper 对数组内表的键大小写处理并不一致。
func lookupFold(m map[string]interface{}, key string) (interface{}, bool) {
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}
