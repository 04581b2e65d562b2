package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

// WriteDefault 生成一份可直接 Load 的起始配置文件，已存在时拒绝覆盖。
func WriteDefault(path, origin string) error {
	if path == "" {
		return newFieldError("path", "不能为空")
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("配置文件已存在: %s", path)
	}

	data, err := toml.Marshal(defaultDocument(origin))
	if err != nil {
		return fmt.Errorf("序列化默认配置失败: %w", err)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("创建配置目录失败: %w", err)
		}
	}
	return os.WriteFile(path, data, 0o644)
}

func defaultDocument(origin string) map[string]interface{} {
	if origin == "" {
		origin = "http://localhost:8080"
	}
	return map[string]interface{}{
		"ListenPort":         5000,
		"LogLevel":           "info",
		"LogFilePath":        "",
		"LogMaxSize":         100,
		"LogMaxBackups":      10,
		"LogCompress":        true,
		"StoragePath":        "./storage",
		"DatabaseFile":       "audio.db",
		"CacheMaxAge":        Duration(DefaultCacheMaxAge),
		"FetchTimeout":       "30s",
		"UpstreamTimeout":    "60s",
		"CompressPayloads":   false,
		"PreloadConcurrency": 4,
		"PreloadRate":        2.0,
		"Intercept": map[string]interface{}{
			"Enabled":         true,
			"CachePrefix":     "hisnul-muslim",
			"Version":         "v1",
			"Origin":          origin,
			"AudioOrigin":     "https://www.hisnmuslim.com",
			"AudioExtensions": []string{".mp3"},
			"StaticFiles":     []string{"/", "/index.html", "/manifest.json", "/favicon.ico"},
			"OfflinePage":     "/offline.html",
		},
		"Preload": map[string]interface{}{
			"URLs": []string{
				"https://www.hisnmuslim.com/audio/ar/41.mp3",
				"https://www.hisnmuslim.com/audio/ar/42.mp3",
				"https://www.hisnmuslim.com/audio/ar/33.mp3",
				"https://www.hisnmuslim.com/audio/ar/48.mp3",
			},
		},
	}
}
