package config

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestLoadWithDefaults(t *testing.T) {
	cfg, err := Load(testConfigPath(t, "valid.toml"))
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Global.UpstreamTimeout.DurationValue() != 30*time.Second {
		t.Fatalf("UpstreamTimeout 应该自动填充默认值，得到 %s", cfg.Global.UpstreamTimeout.DurationValue())
	}
	if cfg.Global.ListenPort != 5000 {
		t.Fatalf("ListenPort 应当被解析")
	}
	site := cfg.Sites[0]
	if site.Scope != "/" {
		t.Fatalf("Scope 默认应为 /，得到 %s", site.Scope)
	}
	if site.SyncSchedule != "@every 30s" {
		t.Fatalf("SyncSchedule 默认值错误: %s", site.SyncSchedule)
	}

	want := []string{
		"/",
		"/index.html",
		"/assets/css/style.css?v=2025.11",
		"/assets/js/main.js?v=2025.11",
		"/assets/img/profile.webp",
	}
	if diff := cmp.Diff(want, site.Manifest); diff != "" {
		t.Fatalf("Manifest 合并结果不符 (-want +got):\n%s", diff)
	}
}

func TestPartitionNames(t *testing.T) {
	site := SiteConfig{AppPrefix: "portfolio", Version: "2025.11"}
	if got := site.StaticPartition(); got != "portfolio-static-v2025.11" {
		t.Fatalf("静态分区名错误: %s", got)
	}
	if got := site.DynamicPartition(); got != "portfolio-dynamic-v2025.11" {
		t.Fatalf("动态分区名错误: %s", got)
	}
}

func TestApplySiteDefaultsStripsVersionPrefix(t *testing.T) {
	site := SiteConfig{Name: "blog", Version: "v3", Scope: "/blog", Origin: "https://origin.example/"}
	applySiteDefaults(&site)
	if site.Version != "3" {
		t.Fatalf("版本前缀 v 应被去除，得到 %s", site.Version)
	}
	if site.AppPrefix != "blog" {
		t.Fatalf("AppPrefix 应回退为 Name，得到 %s", site.AppPrefix)
	}
	if site.Scope != "/blog/" {
		t.Fatalf("Scope 应补齐结尾 /，得到 %s", site.Scope)
	}
	if site.Origin != "https://origin.example" {
		t.Fatalf("Origin 结尾 / 应被去除，得到 %s", site.Origin)
	}
}

func TestValidateEnforcesListenPortRange(t *testing.T) {
	cfg := validConfig()
	cfg.Global.ListenPort = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatalf("ListenPort 超出范围应当报错")
	}
}

func TestValidateBackends(t *testing.T) {
	testCases := []struct {
		name      string
		backend   string
		redisAddr string
		shouldErr bool
	}{
		{"memory ok", BackendMemory, "", false},
		{"leveldb ok", BackendLevelDB, "", false},
		{"fs ok", BackendFS, "", false},
		{"redis requires addr", BackendRedis, "", true},
		{"redis ok", BackendRedis, "127.0.0.1:6379", false},
		{"unsupported", "s3", "", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Global.StorageBackend = tc.backend
			cfg.Global.RedisAddr = tc.redisAddr
			err := cfg.Validate()
			if tc.shouldErr && err == nil {
				t.Fatalf("expected error for backend %q", tc.backend)
			}
			if !tc.shouldErr && err != nil {
				t.Fatalf("unexpected error for backend %q: %v", tc.backend, err)
			}
		})
	}
}

func TestValidateSiteFields(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*SiteConfig)
	}{
		{"bad version", func(s *SiteConfig) { s.Version = "latest" }},
		{"empty version", func(s *SiteConfig) { s.Version = "" }},
		{"relative manifest entry", func(s *SiteConfig) { s.Manifest = []string{"style.css"} }},
		{"bad schedule", func(s *SiteConfig) { s.SyncSchedule = "every now and then" }},
		{"prefix with slash", func(s *SiteConfig) { s.AppPrefix = "a/b" }},
		{"origin without scheme", func(s *SiteConfig) { s.Origin = "origin.example" }},
		{"domain with scheme", func(s *SiteConfig) { s.Domain = "https://portfolio.local" }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg.Sites[0])
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestValidateRejectsSharedPrefix(t *testing.T) {
	cfg := validConfig()
	second := cfg.Sites[0]
	second.Name = "mirror"
	second.Domain = "mirror.local"
	cfg.Sites = append(cfg.Sites, second)
	if err := cfg.Validate(); err == nil {
		t.Fatalf("共用 AppPrefix 应当报错")
	}
}

func TestValidateRejectsNestedPrefix(t *testing.T) {
	cfg := validConfig()
	second := cfg.Sites[0]
	second.Name = "blog"
	second.Domain = "blog.local"
	second.AppPrefix = "portfolio-blog"
	cfg.Sites = append(cfg.Sites, second)
	if err := cfg.Validate(); err == nil {
		t.Fatalf("portfolio-blog 会被 portfolio- 的清理命中，应当报错")
	}

	cfg.Sites[1].AppPrefix = "portfolioblog"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("不重叠的前缀应当通过: %v", err)
	}
}

func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			ListenPort:        5000,
			StorageBackend:    BackendMemory,
			StoragePath:       "./data",
			MaxRetries:        1,
			InitialBackoff:    Duration(time.Second),
			UpstreamTimeout:   Duration(time.Second),
			RevalidateTimeout: Duration(time.Second),
		},
		Sites: []SiteConfig{
			{
				Name:         "portfolio",
				Domain:       "portfolio.local",
				Origin:       "https://origin.portfolio.example",
				Scope:        "/",
				AppPrefix:    "portfolio",
				Version:      "2025.11",
				Manifest:     []string{"/", "/style.css?v=2025.11"},
				SyncSchedule: "@every 30s",
			},
		},
	}
}
