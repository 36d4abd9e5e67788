package config

import "testing"

func TestLoadFailsWithMissingFields(t *testing.T) {
	if _, err := Load(testConfigPath(t, "missing.toml")); err == nil {
		t.Fatalf("缺失字段的配置应返回错误")
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	cfg := `
LogLevel = "info"
StorageBackend = "memory"
UpstreamTimeout = "boom"

[[Site]]
Name = "portfolio"
Domain = "portfolio.local"
Origin = "https://origin.portfolio.example"
Version = "1.0.0"
`
	path := writeTempConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestLoadRejectsSiteLevelTTL(t *testing.T) {
	cfg := `
StorageBackend = "memory"

[[Site]]
Name = "portfolio"
Domain = "portfolio.local"
Origin = "https://origin.portfolio.example"
Version = "1.0.0"
CacheTTL = "1h"
`
	path := writeTempConfig(t, cfg)
	_, err := Load(path)
	if err == nil {
		t.Fatalf("Site 级 CacheTTL 应被拒绝")
	}
	fieldErr, ok := err.(FieldError)
	if !ok {
		t.Fatalf("期望 FieldError，得到 %T", err)
	}
	if fieldErr.Field != "Site[portfolio].CacheTTL" {
		t.Fatalf("字段路径不符: %s", fieldErr.Field)
	}
}

func TestLoadMissingManifestFile(t *testing.T) {
	cfg := `
StorageBackend = "memory"

[[Site]]
Name = "portfolio"
Domain = "portfolio.local"
Origin = "https://origin.portfolio.example"
Version = "1.0.0"
ManifestFile = "does-not-exist.yaml"
`
	path := writeTempConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("ManifestFile 不存在时应失败")
	}
}
