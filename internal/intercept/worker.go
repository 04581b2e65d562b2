// Package intercept 实现协议层的离线缓存：作为 http.RoundTripper 拦截请求，
// 音频走缓存优先、静态资源走网络优先，两类响应分别存放在带版本号的命名空间里。
// 它与应用层的 audiocache 互不调用，各自维护一份独立的副本。
package intercept

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/hisnul/hisnul-cache/internal/cache"
	"github.com/hisnul/hisnul-cache/internal/logging"
	"github.com/hisnul/hisnul-cache/internal/metrics"
)

// CacheHeader 标记响应来源：hit、miss、fallback 或 offline。
const CacheHeader = "X-Hisnul-Cache"

// SyncPreloadAudio 是后台同步预取音频的标签。
const SyncPreloadAudio = "preload-audio"

// ErrUnknownSyncTag 表示不支持的后台同步标签。
var ErrUnknownSyncTag = errors.New("unknown sync tag")

// Options 描述 Worker 的命名空间、回源地址与依赖。
type Options struct {
	Store           cache.Store
	Transport       http.RoundTripper
	StaticNamespace string
	AudioNamespace  string
	AudioExtensions []string
	// Origin 用于把 StaticFiles 与 OfflinePage 解析成完整 URL。
	Origin      *url.URL
	StaticFiles []string
	OfflinePage string
	PreloadURLs []string
	Logger      *logrus.Logger
	Metrics     *metrics.Metrics
}

// Worker 独占拦截层的两个命名空间，可被多个 goroutine 并发使用。
type Worker struct {
	responses       cache.ResponseWriter
	network         http.RoundTripper
	staticNamespace string
	audioNamespace  string
	audioExtensions []string
	origin          *url.URL
	staticFiles     []string
	offlinePage     string
	preloadURLs     []string
	logger          *logrus.Logger
	metrics         *metrics.Metrics
}

var _ http.RoundTripper = (*Worker)(nil)

// NewWorker 校验命名空间与回源配置后构建 Worker。
func NewWorker(opts Options) (*Worker, error) {
	if opts.Store == nil {
		return nil, errors.New("intercept: store required")
	}
	if opts.StaticNamespace == "" || opts.AudioNamespace == "" {
		return nil, errors.New("intercept: namespaces required")
	}
	if opts.StaticNamespace == opts.AudioNamespace {
		return nil, errors.New("intercept: static and audio namespaces must differ")
	}
	if opts.Origin == nil && (len(opts.StaticFiles) > 0 || opts.OfflinePage != "") {
		return nil, errors.New("intercept: origin required for static files")
	}

	w := &Worker{
		responses:       cache.NewResponseWriter(opts.Store),
		network:         opts.Transport,
		staticNamespace: opts.StaticNamespace,
		audioNamespace:  opts.AudioNamespace,
		origin:          opts.Origin,
		staticFiles:     append([]string(nil), opts.StaticFiles...),
		offlinePage:     opts.OfflinePage,
		preloadURLs:     append([]string(nil), opts.PreloadURLs...),
		logger:          opts.Logger,
		metrics:         opts.Metrics,
	}
	if w.network == nil {
		w.network = http.DefaultTransport
	}
	if w.logger == nil {
		w.logger = logrus.StandardLogger()
	}
	for _, ext := range opts.AudioExtensions {
		if ext = strings.ToLower(strings.TrimSpace(ext)); ext != "" {
			w.audioExtensions = append(w.audioExtensions, ext)
		}
	}
	if len(w.audioExtensions) == 0 {
		w.audioExtensions = []string{".mp3"}
	}
	return w, nil
}

// StaticNamespace 返回当前版本的静态资源命名空间。
func (w *Worker) StaticNamespace() string { return w.staticNamespace }

// AudioNamespace 返回当前版本的音频命名空间。
func (w *Worker) AudioNamespace() string { return w.audioNamespace }

// IsAudio 判断请求是否按音频处理：请求目标声明为 audio，或路径包含音频扩展名。
func (w *Worker) IsAudio(req *http.Request) bool {
	if strings.EqualFold(req.Header.Get("Sec-Fetch-Dest"), "audio") {
		return true
	}
	return w.IsAudioPath(req.URL.Path)
}

// IsAudioPath 判断 URL 路径是否包含音频扩展名。
func (w *Worker) IsAudioPath(p string) bool {
	lower := strings.ToLower(p)
	for _, ext := range w.audioExtensions {
		if strings.Contains(lower, ext) {
			return true
		}
	}
	return false
}

// RoundTrip 按请求类型分派。非 GET 请求直接透传到网络。
// 网络不可用时总能得到一个响应（缓存副本或合成的错误响应），因此不会返回错误。
func (w *Worker) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet {
		return w.network.RoundTrip(req)
	}
	if w.IsAudio(req) {
		return w.handleAudio(req), nil
	}
	return w.handleStatic(req), nil
}

// handleAudio 缓存优先；未命中回源，200 响应写入音频命名空间；
// 回源失败或正文读取中断时再查一次缓存，仍没有则返回 404。
func (w *Worker) handleAudio(req *http.Request) *http.Response {
	ctx := req.Context()
	locator := cache.RequestLocator(w.audioNamespace, req)

	if cached := w.lookup(ctx, locator, req); cached != nil {
		w.logger.WithFields(logging.CacheFields(metrics.LayerNetwork, locator.URL, true)).Debug("intercept_audio_hit")
		w.metrics.Lookup(metrics.LayerNetwork, metrics.ResultHit)
		return markCache(cached, metrics.ResultHit)
	}

	resp, err := w.network.RoundTrip(req)
	if err == nil && isCacheable(resp.StatusCode) {
		err = w.store(ctx, locator, resp)
	}
	if err != nil {
		w.metrics.FetchError(metrics.LayerNetwork, "network")
		w.logger.WithError(err).
			WithFields(logging.CacheFields(metrics.LayerNetwork, locator.URL, false)).
			Warn("intercept_audio_network_failed")
		return w.audioFallback(ctx, locator, req)
	}

	w.metrics.Lookup(metrics.LayerNetwork, metrics.ResultMiss)
	return markCache(resp, metrics.ResultMiss)
}

func (w *Worker) audioFallback(ctx context.Context, locator cache.Locator, req *http.Request) *http.Response {
	// 请求上下文可能已因超时结束，回退查找不受其影响。
	ctx = context.WithoutCancel(ctx)
	if cached := w.lookup(ctx, locator, req); cached != nil {
		w.metrics.Lookup(metrics.LayerNetwork, metrics.ResultFallback)
		return markCache(cached, metrics.ResultFallback)
	}
	w.metrics.Lookup(metrics.LayerNetwork, metrics.ResultOffline)
	return syntheticResponse(req, http.StatusNotFound, "Audio not available")
}

// handleStatic 网络优先；200 响应写入静态命名空间。网络失败时依次尝试
// 缓存副本、缓存的离线页面，最后返回 503。
func (w *Worker) handleStatic(req *http.Request) *http.Response {
	ctx := req.Context()
	locator := cache.RequestLocator(w.staticNamespace, req)

	resp, err := w.network.RoundTrip(req)
	if err == nil && isCacheable(resp.StatusCode) {
		err = w.store(ctx, locator, resp)
	}
	if err != nil {
		w.metrics.FetchError(metrics.LayerNetwork, "network")
		w.logger.WithError(err).
			WithFields(logging.CacheFields(metrics.LayerNetwork, locator.URL, false)).
			Info("intercept_static_network_failed")
		return w.staticFallback(ctx, locator, req)
	}

	w.metrics.Lookup(metrics.LayerNetwork, metrics.ResultMiss)
	return markCache(resp, metrics.ResultMiss)
}

func (w *Worker) staticFallback(ctx context.Context, locator cache.Locator, req *http.Request) *http.Response {
	ctx = context.WithoutCancel(ctx)
	if cached := w.lookup(ctx, locator, req); cached != nil {
		w.metrics.Lookup(metrics.LayerNetwork, metrics.ResultFallback)
		return markCache(cached, metrics.ResultFallback)
	}
	if offline := w.offlineResponse(ctx, req); offline != nil {
		w.metrics.Lookup(metrics.LayerNetwork, metrics.ResultOffline)
		return markCache(offline, metrics.ResultOffline)
	}
	w.metrics.Lookup(metrics.LayerNetwork, metrics.ResultOffline)
	return syntheticResponse(req, http.StatusServiceUnavailable, "Offline - Content not available")
}

func (w *Worker) offlineResponse(ctx context.Context, req *http.Request) *http.Response {
	if w.offlinePage == "" || w.origin == nil {
		return nil
	}
	target := w.origin.ResolveReference(&url.URL{Path: w.offlinePage})
	locator := cache.Locator{Namespace: w.staticNamespace, Method: http.MethodGet, URL: target.String()}
	return w.lookup(ctx, locator, req)
}

func (w *Worker) lookup(ctx context.Context, locator cache.Locator, req *http.Request) *http.Response {
	resp, err := w.responses.Get(ctx, locator, req)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			w.logger.WithError(err).
				WithFields(logging.CacheFields(metrics.LayerNetwork, locator.URL, false)).
				Warn("intercept_cache_get_failed")
		}
		return nil
	}
	return resp
}

// store 先把正文读入内存。正文读取中断时返回错误且不写缓存，由调用方走回退；
// 写缓存失败只记录日志，响应照常返回。
func (w *Worker) store(ctx context.Context, locator cache.Locator, resp *http.Response) error {
	if err := cache.BufferResponse(resp); err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	w.metrics.Fetched(metrics.LayerNetwork, int(resp.ContentLength))

	if _, err := w.responses.Put(context.WithoutCancel(ctx), locator, resp); err != nil {
		w.metrics.FetchError(metrics.LayerNetwork, "write")
		w.logger.WithError(err).
			WithFields(logging.CacheFields(metrics.LayerNetwork, locator.URL, false)).
			Warn("intercept_cache_write_failed")
		return nil
	}
	w.logger.WithFields(logging.CacheFields(metrics.LayerNetwork, locator.URL, false)).
		WithField("namespace", locator.Namespace).
		Debug("intercept_cached")
	return nil
}

func markCache(resp *http.Response, result string) *http.Response {
	if resp.Header == nil {
		resp.Header = make(http.Header)
	}
	resp.Header.Set(CacheHeader, result)
	return resp
}

func syntheticResponse(req *http.Request, status int, message string) *http.Response {
	header := make(http.Header)
	header.Set("Content-Type", "text/plain; charset=utf-8")
	header.Set(CacheHeader, metrics.ResultOffline)
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(strings.NewReader(message)),
		ContentLength: int64(len(message)),
		Request:       req,
	}
}

// isCacheable 只接受 200；206 等部分响应不能替换完整的缓存副本。
func isCacheable(status int) bool {
	return status == http.StatusOK
}
