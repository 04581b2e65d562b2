package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// DefaultCacheMaxAge 是音频缓存的默认有效期（30 天）。
const DefaultCacheMaxAge = 30 * 24 * time.Hour

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

func newViper(path string) (*viper.Viper, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}
	return v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyInterceptDefaults(&cfg.Intercept)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("DatabaseFile", "audio.db")
	v.SetDefault("CacheMaxAge", "720h")
	v.SetDefault("FetchTimeout", "30s")
	v.SetDefault("UpstreamTimeout", "60s")
	v.SetDefault("CompressPayloads", false)
	v.SetDefault("PreloadConcurrency", 4)
	v.SetDefault("PreloadRate", 0)
	v.SetDefault("Intercept.Enabled", true)
	v.SetDefault("Intercept.CachePrefix", "hisnul-muslim")
	v.SetDefault("Intercept.Version", "v1")
	v.SetDefault("Intercept.AudioExtensions", []string{".mp3"})
	v.SetDefault("Intercept.StaticFiles", []string{
		"/",
		"/index.html",
		"/manifest.json",
		"/favicon.ico",
	})
	v.SetDefault("Intercept.OfflinePage", "/offline.html")
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if g.CacheMaxAge.DurationValue() == 0 {
		g.CacheMaxAge = Duration(DefaultCacheMaxAge)
	}
	if g.FetchTimeout.DurationValue() == 0 {
		g.FetchTimeout = Duration(30 * time.Second)
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(60 * time.Second)
	}
	if g.PreloadConcurrency == 0 {
		g.PreloadConcurrency = 4
	}
}

func applyInterceptDefaults(i *InterceptConfig) {
	i.CachePrefix = strings.TrimSpace(i.CachePrefix)
	i.Version = strings.TrimSpace(i.Version)
	if i.CachePrefix == "" {
		i.CachePrefix = "hisnul-muslim"
	}
	if i.Version == "" {
		i.Version = "v1"
	}
	if len(i.AudioExtensions) == 0 {
		i.AudioExtensions = []string{".mp3"}
	}
	for idx, ext := range i.AudioExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext != "" && !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		i.AudioExtensions[idx] = ext
	}
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
