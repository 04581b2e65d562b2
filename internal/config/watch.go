package config

import "github.com/fsnotify/fsnotify"

// Watch 监听配置文件变更，解析成功后回调 onChange；解析失败时回调 onError 并保留旧配置。
// 返回的首个 Config 即当前生效配置。
func Watch(path string, onChange func(*Config, fsnotify.Event), onError func(error)) (*Config, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	v.OnConfigChange(func(event fsnotify.Event) {
		if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
			return
		}
		updated, err := decode(v)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		if onChange != nil {
			onChange(updated, event)
		}
	})
	v.WatchConfig()

	return cfg, nil
}
