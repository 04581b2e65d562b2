package intercept

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/hisnul/hisnul-cache/internal/cache"
	"github.com/hisnul/hisnul-cache/internal/metrics"
)

// CacheInfo 汇总拦截层缓存，按命名空间名称是否包含 "audio" 归类。
type CacheInfo struct {
	Static     int      `json:"static"`
	Audio      int      `json:"audio"`
	Namespaces []string `json:"namespaces"`
}

// SyncReport 汇总一次后台同步。
type SyncReport struct {
	Stored int               `json:"stored"`
	Failed map[string]string `json:"failed,omitempty"`
}

// Install 预缓存静态资源清单：全部下载成功才写入，任何一个失败都不保留。
func (w *Worker) Install(ctx context.Context) error {
	type fetched struct {
		locator cache.Locator
		resp    *http.Response
	}

	batch := make([]fetched, 0, len(w.staticFiles))
	for _, file := range w.staticFiles {
		target := w.origin.ResolveReference(&url.URL{Path: file})
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
		if err != nil {
			return fmt.Errorf("install %s: %w", file, err)
		}
		resp, err := w.network.RoundTrip(req)
		if err != nil {
			return fmt.Errorf("install %s: %w", file, err)
		}
		if !isCacheable(resp.StatusCode) {
			resp.Body.Close()
			return fmt.Errorf("install %s: http status %d", file, resp.StatusCode)
		}
		if err := cache.BufferResponse(resp); err != nil {
			return fmt.Errorf("install %s: %w", file, err)
		}
		batch = append(batch, fetched{locator: cache.RequestLocator(w.staticNamespace, req), resp: resp})
	}

	for i, item := range batch {
		if _, err := w.responses.Put(ctx, item.locator, item.resp); err != nil {
			for _, done := range batch[:i] {
				_ = w.responses.Store().Remove(context.WithoutCancel(ctx), done.locator)
			}
			return fmt.Errorf("install %s: %w", item.locator.URL, err)
		}
	}

	w.logger.WithFields(logrus.Fields{
		"action":    "install",
		"namespace": w.staticNamespace,
		"files":     len(batch),
	}).Info("intercept_installed")
	return nil
}

// Activate 删除所有不属于当前版本的命名空间，返回被删除的名称。
func (w *Worker) Activate(ctx context.Context) ([]string, error) {
	store := w.responses.Store()
	names, err := store.Namespaces(ctx)
	if err != nil {
		return nil, fmt.Errorf("list namespaces: %w", err)
	}

	var removed []string
	var errs []error
	for _, name := range names {
		if name == w.staticNamespace || name == w.audioNamespace {
			continue
		}
		if err := store.DropNamespace(ctx, name); err != nil {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, name)
		w.logger.WithFields(logrus.Fields{"action": "activate", "namespace": name}).Info("intercept_namespace_deleted")
	}
	w.metrics.Evicted(metrics.LayerNetwork, len(removed))
	return removed, errors.Join(errs...)
}

// Sync 处理后台同步标签，目前只支持 preload-audio。
func (w *Worker) Sync(ctx context.Context, tag string) (SyncReport, error) {
	switch tag {
	case SyncPreloadAudio:
		return w.preloadAudio(ctx, w.preloadURLs), nil
	default:
		return SyncReport{}, fmt.Errorf("%w: %s", ErrUnknownSyncTag, tag)
	}
}

// preloadAudio 逐个下载并写入音频命名空间，单个失败只记录日志。
func (w *Worker) preloadAudio(ctx context.Context, urls []string) SyncReport {
	report := SyncReport{Failed: map[string]string{}}
	for _, raw := range urls {
		if err := w.preloadOne(ctx, raw); err != nil {
			report.Failed[raw] = err.Error()
			w.logger.WithError(err).WithField("url", raw).Warn("intercept_preload_failed")
			continue
		}
		report.Stored++
	}
	w.logger.WithFields(logrus.Fields{
		"action": "sync",
		"tag":    SyncPreloadAudio,
		"stored": report.Stored,
		"failed": len(report.Failed),
	}).Info("intercept_sync_complete")
	return report
}

func (w *Worker) preloadOne(ctx context.Context, raw string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return err
	}
	resp, err := w.network.RoundTrip(req)
	if err != nil {
		return err
	}
	if !isCacheable(resp.StatusCode) {
		resp.Body.Close()
		return fmt.Errorf("http status %d", resp.StatusCode)
	}
	if err := cache.BufferResponse(resp); err != nil {
		return err
	}
	w.metrics.Fetched(metrics.LayerNetwork, int(resp.ContentLength))
	_, err = w.responses.Put(ctx, cache.RequestLocator(w.audioNamespace, req), resp)
	return err
}

// Info 统计每个命名空间的条目数。
func (w *Worker) Info(ctx context.Context) (CacheInfo, error) {
	store := w.responses.Store()
	names, err := store.Namespaces(ctx)
	if err != nil {
		return CacheInfo{}, fmt.Errorf("list namespaces: %w", err)
	}
	info := CacheInfo{Namespaces: names}
	for _, name := range names {
		count, err := store.Count(ctx, name)
		if err != nil {
			return CacheInfo{}, fmt.Errorf("count %s: %w", name, err)
		}
		if strings.Contains(name, "audio") {
			info.Audio += count
		} else {
			info.Static += count
		}
	}
	return info, nil
}

// ClearAll 删除全部命名空间，包括当前版本。
func (w *Worker) ClearAll(ctx context.Context) error {
	store := w.responses.Store()
	names, err := store.Namespaces(ctx)
	if err != nil {
		return fmt.Errorf("list namespaces: %w", err)
	}
	var errs []error
	for _, name := range names {
		if err := store.DropNamespace(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	w.metrics.Evicted(metrics.LayerNetwork, len(names)-len(errs))
	w.logger.WithFields(logrus.Fields{"action": "clear", "namespaces": len(names)}).Info("intercept_cleared")
	return errors.Join(errs...)
}
