// Package proxy 把 Fiber 请求转换成 net/http 请求并交给共享 http.Client。
// 启用拦截层时 client 的 Transport 是 intercept.Worker，离线缓存逻辑全部发生在那里，
// 这里只负责头部转发、响应回写与请求日志。
package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/hisnul/hisnul-cache/internal/intercept"
	"github.com/hisnul/hisnul-cache/internal/logging"
	"github.com/hisnul/hisnul-cache/internal/metrics"
	"github.com/hisnul/hisnul-cache/internal/server"
)

// UpstreamHeader 回写实际访问的回源地址。
const UpstreamHeader = "X-Hisnul-Upstream"

// Handler 对外暴露 Fiber handler，内部复用共享 http.Client。
type Handler struct {
	client *http.Client
	logger *logrus.Logger
}

// NewHandler constructs a proxy handler with shared HTTP client and logger.
func NewHandler(client *http.Client, logger *logrus.Logger) *Handler {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{client: client, logger: logger}
}

// Handle 实现 server.ProxyHandler。
func (h *Handler) Handle(c fiber.Ctx, route *server.OriginRoute) error {
	started := time.Now()
	requestID := server.RequestID(c)
	upstream := route.Resolve(string(c.Request().URI().Path()), string(c.Request().URI().QueryString()))

	req, err := h.buildUpstreamRequest(c, upstream, route)
	if err != nil {
		h.logResult(c, route, upstream.String(), requestID, 0, "", started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}

	resp, err := h.client.Do(req)
	if err != nil {
		h.logResult(c, route, upstream.String(), requestID, 0, "", started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	defer resp.Body.Close()

	cacheResult := resp.Header.Get(intercept.CacheHeader)
	copyResponseHeaders(c, resp.Header)
	c.Set(UpstreamHeader, upstream.String())
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.StatusCode)

	if c.Method() == http.MethodHead {
		h.logResult(c, route, upstream.String(), requestID, resp.StatusCode, cacheResult, started, nil)
		return nil
	}

	_, err = io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logResult(c, route, upstream.String(), requestID, resp.StatusCode, cacheResult, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

func (h *Handler) buildUpstreamRequest(c fiber.Ctx, upstream *url.URL, route *server.OriginRoute) (*http.Request, error) {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	req, err := http.NewRequestWithContext(ctx, c.Method(), upstream.String(), bytesReader(c.Body()))
	if err != nil {
		return nil, err
	}

	server.CopyHeaders(req.Header, fiberHeadersAsHTTP(c))
	// 缓存保存的是解码后的完整正文，不向回源协商压缩。
	req.Header.Del("Accept-Encoding")
	req.Host = upstream.Host
	req.Header.Set("Host", upstream.Host)
	req.Header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	req.Header.Set("X-Forwarded-Proto", c.Protocol())
	req.Header.Set("X-Forwarded-Port", strconv.Itoa(route.ListenPort))

	if route.Audio() {
		// 音频缓存只保存完整文件，分段请求改为整文件获取。
		req.Header.Del("Range")
		req.Header.Del("If-Range")
		if req.Header.Get("Sec-Fetch-Dest") == "" {
			req.Header.Set("Sec-Fetch-Dest", "audio")
		}
	}
	return req, nil
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	c fiber.Ctx,
	route *server.OriginRoute,
	upstream string,
	requestID string,
	status int,
	cacheResult string,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(c.Method(), string(c.Request().URI().Path()), upstream, requestID)
	fields["action"] = "proxy"
	fields["route"] = route.Name
	fields["namespace"] = route.Namespace
	fields["upstream_status"] = status
	fields["cache_hit"] = cacheResult == metrics.ResultHit || cacheResult == metrics.ResultFallback
	if cacheResult != "" {
		fields["cache"] = cacheResult
	}
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

func bytesReader(b []byte) io.Reader {
	if len(b) == 0 {
		return http.NoBody
	}
	return bytes.NewReader(append([]byte(nil), b...))
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			c.Set(key, value)
		}
	}
}
