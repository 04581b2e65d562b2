// Package routes 注册 /-/ 前缀下的管理与诊断接口：缓存统计与清理、预取、
// 后台同步、Prometheus 指标以及回源路由列表。
package routes

import (
	"context"
	"errors"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/hisnul/hisnul-cache/internal/audiocache"
	"github.com/hisnul/hisnul-cache/internal/intercept"
	"github.com/hisnul/hisnul-cache/internal/server"
	"github.com/hisnul/hisnul-cache/internal/store"
)

// Options 汇总管理接口依赖。Worker 为空表示拦截层未启用，Store 为空表示降级运行。
type Options struct {
	Manager     *audiocache.Manager
	Store       store.Store
	Worker      *intercept.Worker
	Registry    *server.OriginRegistry
	Gatherer    prometheus.Gatherer
	PreloadURLs []string
	Logger      *logrus.Logger
}

// RegisterManagementRoutes 在 app 上挂载管理接口，必须在 server.NewApp 之后调用。
func RegisterManagementRoutes(app *fiber.App, opts Options) {
	if app == nil || opts.Manager == nil {
		return
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	controls := audiocache.NewControls(opts.Manager)

	app.Get("/-/healthz", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":    "ok",
			"degraded":  opts.Manager.Degraded(),
			"intercept": opts.Worker != nil,
		})
	})

	app.Get("/-/cache", func(c fiber.Ctx) error {
		count, message := controls.EntryCount(c.Context())
		return c.JSON(fiber.Map{"entries": count, "message": message})
	})

	app.Delete("/-/cache", func(c fiber.Ctx) error {
		message, ok := controls.ClearAll(c.Context())
		status := fiber.StatusOK
		if !ok {
			status = fiber.StatusInternalServerError
		}
		opts.Logger.WithFields(logrus.Fields{"action": "clear_cache", "ok": ok}).Info(message)
		return c.Status(status).JSON(fiber.Map{"message": message, "ok": ok})
	})

	app.Get("/-/cache/stats", func(c fiber.Ctx) error {
		if opts.Store == nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "storage_unavailable"})
		}
		stats, err := opts.Store.Stats(c.Context())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "stats_failed"})
		}
		return c.JSON(encodeStats(stats))
	})

	app.Get("/-/cache/network", func(c fiber.Ctx) error {
		if opts.Worker == nil {
			return interceptDisabled(c)
		}
		info, err := opts.Worker.Info(c.Context())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "info_failed"})
		}
		return c.JSON(info)
	})

	app.Delete("/-/cache/network", func(c fiber.Ctx) error {
		if opts.Worker == nil {
			return interceptDisabled(c)
		}
		if err := opts.Worker.ClearAll(c.Context()); err != nil {
			opts.Logger.WithError(err).WithField("action", "clear_network").Warn("intercept_clear_failed")
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "clear_failed"})
		}
		return c.JSON(fiber.Map{"ok": true})
	})

	app.Post("/-/preload", func(c fiber.Ctx) error {
		urls := opts.PreloadURLs
		if body := c.Body(); len(body) > 0 {
			var req preloadRequest
			if err := c.App().Config().JSONDecoder(body, &req); err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body"})
			}
			if len(req.URLs) > 0 {
				urls = req.URLs
			}
		}
		report := opts.Manager.PreloadAll(detach(c.Context()), urls)
		return c.JSON(preloadPayload{
			Requested: report.Requested,
			Cached:    report.Cached,
			Fetched:   report.Fetched,
			Failed:    report.Failed,
		})
	})

	app.Post("/-/sync/:tag", func(c fiber.Ctx) error {
		if opts.Worker == nil {
			return interceptDisabled(c)
		}
		report, err := opts.Worker.Sync(detach(c.Context()), c.Params("tag"))
		if errors.Is(err, intercept.ErrUnknownSyncTag) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unknown_sync_tag"})
		}
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "sync_failed"})
		}
		return c.JSON(report)
	})

	app.Get("/-/routes", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"routes": encodeRoutes(opts.Registry.List())})
	})

	if opts.Gatherer != nil {
		app.Get("/-/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}
}

type preloadRequest struct {
	URLs []string `json:"urls"`
}

type preloadPayload struct {
	Requested int               `json:"requested"`
	Cached    int               `json:"cached"`
	Fetched   int               `json:"fetched"`
	Failed    map[string]string `json:"failed,omitempty"`
}

type statsPayload struct {
	Entries     int    `json:"entries"`
	StoredBytes int64  `json:"stored_bytes"`
	StoredHuman string `json:"stored_human"`
	Oldest      string `json:"oldest,omitempty"`
	Newest      string `json:"newest,omitempty"`
}

type routePayload struct {
	Name      string `json:"name"`
	Upstream  string `json:"upstream"`
	Namespace string `json:"namespace"`
}

func encodeStats(stats store.Stats) statsPayload {
	payload := statsPayload{
		Entries:     stats.Entries,
		StoredBytes: stats.StoredBytes,
		StoredHuman: humanize.Bytes(uint64(stats.StoredBytes)),
	}
	if !stats.Oldest.IsZero() {
		payload.Oldest = stats.Oldest.UTC().Format(time.RFC3339)
	}
	if !stats.Newest.IsZero() {
		payload.Newest = stats.Newest.UTC().Format(time.RFC3339)
	}
	return payload
}

func encodeRoutes(list []server.OriginRoute) []routePayload {
	result := make([]routePayload, 0, len(list))
	for _, route := range list {
		result = append(result, routePayload{
			Name:      route.Name,
			Upstream:  route.UpstreamURL.String(),
			Namespace: route.Namespace,
		})
	}
	return result
}

func interceptDisabled(c fiber.Ctx) error {
	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "intercept_disabled"})
}

// detach 让长任务不随客户端断开而中止。
func detach(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return context.WithoutCancel(ctx)
}
