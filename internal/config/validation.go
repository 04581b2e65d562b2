package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
		return newFieldError("Global.LogLevel", "无法识别的日志级别")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.CacheMaxAge.DurationValue() <= 0 {
		return newFieldError("Global.CacheMaxAge", "必须大于 0")
	}
	if g.FetchTimeout.DurationValue() <= 0 {
		return newFieldError("Global.FetchTimeout", "必须大于 0")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.PreloadConcurrency < 0 {
		return newFieldError("Global.PreloadConcurrency", "不能为负数")
	}
	if g.PreloadRate < 0 {
		return newFieldError("Global.PreloadRate", "不能为负数")
	}

	if err := c.Intercept.validate(); err != nil {
		return err
	}

	for idx, raw := range c.Preload.URLs {
		if err := validateUpstream(raw); err != nil {
			return fmt.Errorf("%s: %w", listField("Preload.URLs", idx), err)
		}
	}

	return nil
}

func (i InterceptConfig) validate() error {
	if strings.ContainsAny(i.CachePrefix, `/\ `) {
		return newFieldError("Intercept.CachePrefix", "不允许包含路径分隔符或空格")
	}
	if strings.ContainsAny(i.Version, `/\ `) {
		return newFieldError("Intercept.Version", "不允许包含路径分隔符或空格")
	}
	if !i.Enabled {
		return nil
	}
	if err := validateUpstream(i.Origin); err != nil {
		return fmt.Errorf("Intercept.Origin: %w", err)
	}
	if i.AudioOrigin != "" {
		if err := validateUpstream(i.AudioOrigin); err != nil {
			return fmt.Errorf("Intercept.AudioOrigin: %w", err)
		}
	}
	for idx, file := range i.StaticFiles {
		if !strings.HasPrefix(file, "/") {
			return newFieldError(listField("Intercept.StaticFiles", idx), "必须以 / 开头")
		}
	}
	if i.OfflinePage != "" && !strings.HasPrefix(i.OfflinePage, "/") {
		return newFieldError("Intercept.OfflinePage", "必须以 / 开头")
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}
