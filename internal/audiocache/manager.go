// Package audiocache 实现应用层的音频缓存协议：先查持久化存储，命中且未过期直接返回，
// 否则回源下载并写回存储。存储不可用时退化为纯网络访问，调用方无需感知。
package audiocache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/hisnul/hisnul-cache/internal/logging"
	"github.com/hisnul/hisnul-cache/internal/metrics"
	"github.com/hisnul/hisnul-cache/internal/store"
)

const (
	// DefaultMaxAge 是缓存记录的有效期。
	DefaultMaxAge = 30 * 24 * time.Hour
	// DefaultFetchTimeout 约束单次回源下载。
	DefaultFetchTimeout = 30 * time.Second

	defaultPreloadConcurrency = 4
)

// Backend 是管理器依赖的存储子集，*store.SQLiteStore 满足该接口。
type Backend interface {
	Get(ctx context.Context, url string) (store.Record, bool, error)
	Put(ctx context.Context, url string, payload []byte, timestamp int64) error
	DeleteOlderThan(ctx context.Context, maxAge time.Duration) (int, error)
	Count(ctx context.Context) (int, error)
}

// Options 汇总 Manager 的依赖，零值字段使用默认值。
type Options struct {
	// Store 为 nil 表示持久化存储不可用，所有请求直接回源。
	Store        Backend
	Client       *http.Client
	MaxAge       time.Duration
	FetchTimeout time.Duration
	Logger       *logrus.Logger
	Metrics      *metrics.Metrics
	Now          func() time.Time

	PreloadConcurrency int
	// PreloadRate 为每秒允许发起的预取数，<= 0 表示不限速。
	PreloadRate float64
}

// Resolved 是一次解析的结果。
type Resolved struct {
	URL       string
	Payload   []byte
	FromCache bool
	Timestamp int64
}

// Manager 在持久化存储之上实现 fetchWithCache 协议，可被多个 goroutine 并发使用。
// 同一 URL 的并发未命中会各自回源、各自写入，以最后一次写入为准。
type Manager struct {
	store        Backend
	client       *http.Client
	maxAge       time.Duration
	fetchTimeout time.Duration
	logger       *logrus.Logger
	metrics      *metrics.Metrics
	now          func() time.Time

	preloadConcurrency int
	preloadRate        float64
}

// NewManager 构造管理器，应在进程入口处创建一次并注入到使用方。
func NewManager(opts Options) *Manager {
	m := &Manager{
		store:              opts.Store,
		client:             opts.Client,
		maxAge:             opts.MaxAge,
		fetchTimeout:       opts.FetchTimeout,
		logger:             opts.Logger,
		metrics:            opts.Metrics,
		now:                opts.Now,
		preloadConcurrency: opts.PreloadConcurrency,
		preloadRate:        opts.PreloadRate,
	}
	if m.client == nil {
		m.client = http.DefaultClient
	}
	if m.maxAge <= 0 {
		m.maxAge = DefaultMaxAge
	}
	if m.fetchTimeout <= 0 {
		m.fetchTimeout = DefaultFetchTimeout
	}
	if m.logger == nil {
		m.logger = logrus.StandardLogger()
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.preloadConcurrency <= 0 {
		m.preloadConcurrency = defaultPreloadConcurrency
	}
	return m
}

// Degraded 报告管理器是否在无持久化存储的模式下运行。
func (m *Manager) Degraded() bool {
	return m.store == nil
}

// MaxAge 返回记录有效期。
func (m *Manager) MaxAge() time.Duration {
	return m.maxAge
}

// Resolve 返回 URL 对应的音频字节：有效缓存优先，其次回源并写回存储。
// 存储读取失败按未命中处理；写入失败只记录日志，字节照常返回。
func (m *Manager) Resolve(ctx context.Context, url string) (*Resolved, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if m.store != nil {
		if resolved, ok := m.lookup(ctx, url); ok {
			return resolved, nil
		}
	}

	payload, err := m.fetch(ctx, url)
	if err != nil {
		return nil, err
	}

	timestamp := m.now().UnixMilli()
	if m.store != nil {
		m.write(ctx, url, payload, timestamp)
	}

	return &Resolved{URL: url, Payload: payload, Timestamp: timestamp}, nil
}

// FetchWithCache 是 Resolve 的字节版本。
func (m *Manager) FetchWithCache(ctx context.Context, url string) ([]byte, error) {
	resolved, err := m.Resolve(ctx, url)
	if err != nil {
		return nil, err
	}
	return resolved.Payload, nil
}

func (m *Manager) lookup(ctx context.Context, url string) (*Resolved, bool) {
	record, found, err := m.store.Get(ctx, url)
	if err != nil {
		m.logger.WithError(err).
			WithFields(logging.CacheFields(metrics.LayerApp, url, false)).
			Warn("cache_get_failed")
		m.metrics.Lookup(metrics.LayerApp, metrics.ResultMiss)
		return nil, false
	}
	if !found {
		m.metrics.Lookup(metrics.LayerApp, metrics.ResultMiss)
		return nil, false
	}

	age := record.Age(m.now())
	if age >= m.maxAge {
		m.logger.WithFields(logging.CacheFields(metrics.LayerApp, url, false)).
			WithField("age", age.String()).
			Debug("cache_expired")
		m.metrics.Lookup(metrics.LayerApp, metrics.ResultExpired)
		return nil, false
	}

	m.logger.WithFields(logging.CacheFields(metrics.LayerApp, url, true)).Debug("cache_hit")
	m.metrics.Lookup(metrics.LayerApp, metrics.ResultHit)
	return &Resolved{
		URL:       url,
		Payload:   record.Payload,
		FromCache: true,
		Timestamp: record.Timestamp,
	}, true
}

func (m *Manager) fetch(ctx context.Context, url string) ([]byte, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, m.fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, m.networkError(url, 0, err)
	}
	// 经由拦截层时按音频请求处理。
	req.Header.Set("Sec-Fetch-Dest", "audio")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, m.networkError(url, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, m.networkError(url, resp.StatusCode, nil)
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, m.networkError(url, 0, fmt.Errorf("read body: %w", err))
	}
	m.metrics.Fetched(metrics.LayerApp, len(payload))
	m.logger.WithFields(logging.CacheFields(metrics.LayerApp, url, false)).
		WithField("bytes", len(payload)).
		Debug("cache_fetched")
	return payload, nil
}

func (m *Manager) networkError(url string, status int, err error) error {
	m.metrics.FetchError(metrics.LayerApp, KindNetwork.String())
	m.logger.WithFields(logging.CacheFields(metrics.LayerApp, url, false)).
		WithFields(logrus.Fields{"status": status, "error": errString(err)}).
		Warn("cache_fetch_failed")
	return &Error{Kind: KindNetwork, URL: url, Status: status, Err: err}
}

// write 与调用方的取消解耦，调用方放弃等待不会中断已下载内容的落盘。
func (m *Manager) write(ctx context.Context, url string, payload []byte, timestamp int64) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.fetchTimeout)
	defer cancel()

	if err := m.store.Put(writeCtx, url, payload, timestamp); err != nil {
		werr := &Error{Kind: KindWrite, URL: url, Err: err}
		m.metrics.FetchError(metrics.LayerApp, KindWrite.String())
		m.logger.WithError(werr).
			WithFields(logging.CacheFields(metrics.LayerApp, url, false)).
			Warn("cache_write_failed")
	}
}

// EvictAll 删除全部记录，无论是否过期。
func (m *Manager) EvictAll(ctx context.Context) error {
	if m.store == nil {
		return &Error{Kind: KindStorageUnavailable, Err: errNoStore}
	}
	removed, err := m.store.DeleteOlderThan(ctx, 0)
	if err != nil {
		return fmt.Errorf("evict all: %w", err)
	}
	m.metrics.Evicted(metrics.LayerApp, removed)
	m.logger.WithFields(logrus.Fields{"layer": metrics.LayerApp, "removed": removed}).Info("cache_cleared")
	return nil
}

// Sweep 删除超过有效期的记录，返回删除条数。
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	if m.store == nil {
		return 0, &Error{Kind: KindStorageUnavailable, Err: errNoStore}
	}
	removed, err := m.store.DeleteOlderThan(ctx, m.maxAge)
	if err != nil {
		return 0, fmt.Errorf("sweep: %w", err)
	}
	m.metrics.Evicted(metrics.LayerApp, removed)
	m.logger.WithFields(logrus.Fields{
		"layer":   metrics.LayerApp,
		"removed": removed,
		"max_age": m.maxAge.String(),
	}).Info("cache_swept")
	return removed, nil
}

// SizeEstimate 返回缓存条目数（不是字节数）。
func (m *Manager) SizeEstimate(ctx context.Context) (int, error) {
	if m.store == nil {
		return 0, &Error{Kind: KindStorageUnavailable, Err: errNoStore}
	}
	count, err := m.store.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("size estimate: %w", err)
	}
	return count, nil
}

// Preload 预取 URL，失败只记录日志；需要异步时由调用方放入 goroutine。
func (m *Manager) Preload(ctx context.Context, url string) {
	if _, err := m.Resolve(ctx, url); err != nil {
		m.logger.WithError(err).
			WithFields(logging.CacheFields(metrics.LayerApp, url, false)).
			Warn("preload_failed")
	}
}

// PreloadReport 汇总批量预取结果。
type PreloadReport struct {
	Requested int
	Cached    int
	Fetched   int
	Failed    map[string]string
}

// PreloadAll 以有限并发、按速率预取一批 URL，单个失败不影响其余 URL。
func (m *Manager) PreloadAll(ctx context.Context, urls []string) PreloadReport {
	report := PreloadReport{Requested: len(urls), Failed: map[string]string{}}
	if len(urls) == 0 {
		return report
	}

	limit := rate.Inf
	if m.preloadRate > 0 {
		limit = rate.Limit(m.preloadRate)
	}
	limiter := rate.NewLimiter(limit, 1)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.preloadConcurrency)
	for _, url := range urls {
		g.Go(func() error {
			if err := limiter.Wait(gctx); err != nil {
				mu.Lock()
				report.Failed[url] = err.Error()
				mu.Unlock()
				return nil
			}
			resolved, err := m.Resolve(gctx, url)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				report.Failed[url] = err.Error()
			case resolved.FromCache:
				report.Cached++
			default:
				report.Fetched++
			}
			return nil
		})
	}
	_ = g.Wait()

	m.logger.WithFields(logrus.Fields{
		"action":    "preload",
		"requested": report.Requested,
		"cached":    report.Cached,
		"fetched":   report.Fetched,
		"failed":    len(report.Failed),
	}).Info("preload_complete")
	return report
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
