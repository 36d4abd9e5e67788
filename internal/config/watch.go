package config

import (
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Watch 监听配置文件变更，每次变更重新解析并回调 onChange；解析失败时回调 onError，
// 旧配置继续生效。Watch 本身只在首次读取失败时返回错误。
func Watch(path string, onChange func(*Config), onError func(error)) error {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return err
	}

	v.OnConfigChange(func(fsnotify.Event) {
		// 用新的 viper 实例重新读取，避免 WatchConfig 内部状态残留已删除的键。
		cfg, err := Load(path)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		if onChange != nil {
			onChange(cfg)
		}
	})
	v.WatchConfig()
	return nil
}
