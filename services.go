package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/hisnul/hisnul-cache/internal/audiocache"
	"github.com/hisnul/hisnul-cache/internal/cache"
	"github.com/hisnul/hisnul-cache/internal/config"
	"github.com/hisnul/hisnul-cache/internal/intercept"
	"github.com/hisnul/hisnul-cache/internal/metrics"
	"github.com/hisnul/hisnul-cache/internal/server"
	"github.com/hisnul/hisnul-cache/internal/store"
)

// services 是进程内唯一的一组缓存组件，由入口构建后注入到 HTTP 服务与 CLI 子命令。
type services struct {
	cfg      *config.Config
	logger   *logrus.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	// audio 为空表示持久化存储不可用，管理器以降级模式运行。
	audio   *store.SQLiteStore
	worker  *intercept.Worker
	manager *audiocache.Manager
	network http.RoundTripper
}

// buildServices 按“持久化存储 → 拦截层 → 音频管理器”的顺序组装组件。
// 持久化存储打不开不是致命错误：记录告警后降级为直连网络。
func buildServices(cfg *config.Config, logger *logrus.Logger) (*services, error) {
	svc := &services{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
		network:  server.NewTransport(),
	}
	svc.metrics = metrics.New(svc.registry)

	audio, err := store.Open(cfg.DatabasePath(), store.Options{Compress: cfg.Global.CompressPayloads})
	if err != nil {
		logger.WithError(err).WithFields(logrus.Fields{
			"action": "open_store",
			"path":   cfg.DatabasePath(),
		}).Warn("storage_unavailable")
	} else {
		svc.audio = audio
	}

	var transport http.RoundTripper = svc.network
	if cfg.Intercept.Enabled {
		responses, err := cache.NewStore(cfg.ResponsesPath())
		if err != nil {
			svc.Close()
			return nil, fmt.Errorf("初始化响应缓存失败: %w", err)
		}
		worker, err := intercept.NewWorker(intercept.Options{
			Store:           responses,
			Transport:       svc.network,
			StaticNamespace: cfg.Intercept.StaticNamespace(),
			AudioNamespace:  cfg.Intercept.AudioNamespace(),
			AudioExtensions: cfg.Intercept.AudioExtensions,
			Origin:          cfg.Intercept.OriginURL(),
			StaticFiles:     cfg.Intercept.StaticFiles,
			OfflinePage:     cfg.Intercept.OfflinePage,
			PreloadURLs:     cfg.Preload.URLs,
			Logger:          logger,
			Metrics:         svc.metrics,
		})
		if err != nil {
			svc.Close()
			return nil, err
		}
		svc.worker = worker
		transport = worker
	}

	opts := audiocache.Options{
		Client:             server.NewUpstreamClient(cfg, transport),
		MaxAge:             cfg.Global.CacheMaxAge.DurationValue(),
		FetchTimeout:       cfg.Global.FetchTimeout.DurationValue(),
		Logger:             logger,
		Metrics:            svc.metrics,
		PreloadConcurrency: cfg.Global.PreloadConcurrency,
		PreloadRate:        cfg.Global.PreloadRate,
	}
	if svc.audio != nil {
		opts.Store = svc.audio
	}
	svc.manager = audiocache.NewManager(opts)
	return svc, nil
}

// audioStore 以接口形式返回持久化存储，降级时返回 nil 接口而不是带类型的 nil。
func (s *services) audioStore() store.Store {
	if s.audio == nil {
		return nil
	}
	return s.audio
}

// prepare 执行启动期维护：预缓存静态资源、清理旧命名空间、淘汰过期音频。
// 任何一步失败只记录日志。
func (s *services) prepare(ctx context.Context) {
	if s.worker != nil {
		if err := s.worker.Install(ctx); err != nil {
			s.logger.WithError(err).WithField("action", "install").Warn("intercept_install_failed")
		}
		if _, err := s.worker.Activate(ctx); err != nil {
			s.logger.WithError(err).WithField("action", "activate").Warn("intercept_activate_failed")
		}
	}
	if _, err := s.manager.Sweep(ctx); err != nil && !audiocache.IsKind(err, audiocache.KindStorageUnavailable) {
		s.logger.WithError(err).WithField("action", "sweep").Warn("sweep_failed")
	}
}

// clearAll 清空两层缓存，返回面向用户的提示与合并后的错误。
func (s *services) clearAll(ctx context.Context) (string, error) {
	message, ok := audiocache.NewControls(s.manager).ClearAll(ctx)
	var errs []error
	if !ok {
		errs = append(errs, errors.New(message))
	}
	if s.worker != nil {
		if err := s.worker.ClearAll(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return message, errors.Join(errs...)
}

// Close 释放持久化存储。
func (s *services) Close() {
	if s.audio != nil {
		if err := s.audio.Close(); err != nil {
			s.logger.WithError(err).WithField("action", "close_store").Warn("store_close_failed")
		}
	}
}
