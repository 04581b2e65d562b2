package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"720h" 或纯数字秒值等配置写法。
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

// MarshalText 输出 Go Duration 字符串，WriteDefault 写出的文件可被 Load 读回。
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
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

// GlobalConfig 描述进程级运行参数：监听端口、日志、持久化缓存与回源策略。
type GlobalConfig struct {
	ListenPort         int      `mapstructure:"ListenPort"`
	LogLevel           string   `mapstructure:"LogLevel"`
	LogFilePath        string   `mapstructure:"LogFilePath"`
	LogMaxSize         int      `mapstructure:"LogMaxSize"`
	LogMaxBackups      int      `mapstructure:"LogMaxBackups"`
	LogCompress        bool     `mapstructure:"LogCompress"`
	StoragePath        string   `mapstructure:"StoragePath"`
	DatabaseFile       string   `mapstructure:"DatabaseFile"`
	CacheMaxAge        Duration `mapstructure:"CacheMaxAge"`
	FetchTimeout       Duration `mapstructure:"FetchTimeout"`
	UpstreamTimeout    Duration `mapstructure:"UpstreamTimeout"`
	CompressPayloads   bool     `mapstructure:"CompressPayloads"`
	PreloadConcurrency int      `mapstructure:"PreloadConcurrency"`
	PreloadRate        float64  `mapstructure:"PreloadRate"`
}

// InterceptConfig 控制网络拦截层：命名空间版本、静态资源清单与回源地址。
type InterceptConfig struct {
	Enabled         bool     `mapstructure:"Enabled"`
	CachePrefix     string   `mapstructure:"CachePrefix"`
	Version         string   `mapstructure:"Version"`
	Origin          string   `mapstructure:"Origin"`
	AudioOrigin     string   `mapstructure:"AudioOrigin"`
	AudioExtensions []string `mapstructure:"AudioExtensions"`
	StaticFiles     []string `mapstructure:"StaticFiles"`
	OfflinePage     string   `mapstructure:"OfflinePage"`
}

// PreloadConfig 列出后台预取的音频 URL。
type PreloadConfig struct {
	URLs []string `mapstructure:"URLs"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global    GlobalConfig    `mapstructure:",squash"`
	Intercept InterceptConfig `mapstructure:"Intercept"`
	Preload   PreloadConfig   `mapstructure:"Preload"`
}

// DatabasePath 返回持久化音频库的绝对路径，DatabaseFile 为相对路径时挂在 StoragePath 下。
func (c *Config) DatabasePath() string {
	name := c.Global.DatabaseFile
	if name == "" {
		name = "audio.db"
	}
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.Global.StoragePath, name)
}

// ResponsesPath 返回拦截层响应缓存的根目录。
func (c *Config) ResponsesPath() string {
	return filepath.Join(c.Global.StoragePath, "responses")
}

// StaticNamespace 返回当前版本的静态资源命名空间，例如 hisnul-muslim-v1。
func (i InterceptConfig) StaticNamespace() string {
	return fmt.Sprintf("%s-%s", i.CachePrefix, i.Version)
}

// AudioNamespace 返回当前版本的音频命名空间，例如 hisnul-muslim-audio-v1。
func (i InterceptConfig) AudioNamespace() string {
	return fmt.Sprintf("%s-audio-%s", i.CachePrefix, i.Version)
}

// OriginURL 解析静态资源回源地址（Validate 已保证格式）。
func (i InterceptConfig) OriginURL() *url.URL {
	parsed, _ := url.Parse(i.Origin)
	return parsed
}

// AudioOriginURL 解析音频回源地址，未配置时退回 Origin。
func (i InterceptConfig) AudioOriginURL() *url.URL {
	if i.AudioOrigin == "" {
		return i.OriginURL()
	}
	parsed, _ := url.Parse(i.AudioOrigin)
	return parsed
}
