package server

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/hisnul/hisnul-cache/internal/config"
)

// 路由名称，同时用作日志字段。
const (
	RouteStatic = "static"
	RouteAudio  = "audio"
)

// OriginRoute 描述一类请求的回源目标与所属命名空间，构造时解析完成，供代理层直接复用。
type OriginRoute struct {
	Name string
	// UpstreamURL 是回源基地址，请求路径拼接在其 Path 之后。
	UpstreamURL *url.URL
	Namespace   string
	ListenPort  int
}

// Audio 报告该路由是否服务音频请求。
func (r *OriginRoute) Audio() bool {
	return r != nil && r.Name == RouteAudio
}

// Resolve 把请求路径与查询串拼接到回源基地址上。
func (r *OriginRoute) Resolve(rawPath, rawQuery string) *url.URL {
	clean := path.Clean("/" + rawPath)
	if strings.HasSuffix(rawPath, "/") && clean != "/" {
		clean += "/"
	}
	target := *r.UpstreamURL
	target.Path = strings.TrimSuffix(r.UpstreamURL.Path, "/") + clean
	target.RawPath = ""
	target.RawQuery = rawQuery
	target.Fragment = ""
	return &target
}

// OriginRegistry 按请求路径把请求分到静态或音频回源。拦截层关闭时不注册任何路由。
type OriginRegistry struct {
	static  *OriginRoute
	audio   *OriginRoute
	isAudio func(string) bool
}

// NewOriginRegistry 根据配置构建路由表。isAudio 判定路径是否属于音频，通常传入
// intercept.Worker.IsAudioPath，保证与拦截层的分类一致。
func NewOriginRegistry(cfg *config.Config, isAudio func(string) bool) (*OriginRegistry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	registry := &OriginRegistry{isAudio: isAudio}
	if !cfg.Intercept.Enabled {
		return registry, nil
	}
	if isAudio == nil {
		return nil, errors.New("audio classifier is required")
	}

	static := cfg.Intercept.OriginURL()
	if static == nil || static.Host == "" {
		return nil, fmt.Errorf("invalid origin: %q", cfg.Intercept.Origin)
	}
	audio := cfg.Intercept.AudioOriginURL()
	if audio == nil || audio.Host == "" {
		return nil, fmt.Errorf("invalid audio origin: %q", cfg.Intercept.AudioOrigin)
	}

	registry.static = &OriginRoute{
		Name:        RouteStatic,
		UpstreamURL: static,
		Namespace:   cfg.Intercept.StaticNamespace(),
		ListenPort:  cfg.Global.ListenPort,
	}
	registry.audio = &OriginRoute{
		Name:        RouteAudio,
		UpstreamURL: audio,
		Namespace:   cfg.Intercept.AudioNamespace(),
		ListenPort:  cfg.Global.ListenPort,
	}
	return registry, nil
}

// Lookup 根据请求路径返回对应的路由。
func (r *OriginRegistry) Lookup(p string) (*OriginRoute, bool) {
	if r == nil || r.static == nil {
		return nil, false
	}
	if r.isAudio(p) {
		return r.audio, true
	}
	return r.static, true
}

// List 返回已注册的路由（静态在前），用于诊断输出。
func (r *OriginRegistry) List() []OriginRoute {
	if r == nil || r.static == nil {
		return nil
	}
	return []OriginRoute{*r.static, *r.audio}
}
