package routes

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/hisnul/hisnul-cache/internal/audiocache"
	"github.com/hisnul/hisnul-cache/internal/cache"
	"github.com/hisnul/hisnul-cache/internal/config"
	"github.com/hisnul/hisnul-cache/internal/intercept"
	"github.com/hisnul/hisnul-cache/internal/metrics"
	"github.com/hisnul/hisnul-cache/internal/server"
	"github.com/hisnul/hisnul-cache/internal/store"
)

func TestCacheEndpointsReportAndClear(t *testing.T) {
	env := newRoutesEnv(t, true, true)

	body := env.call(t, http.MethodGet, "/-/cache", "", http.StatusOK)
	require.Equal(t, "No audio files cached", body["message"])

	body = env.call(t, http.MethodPost, "/-/preload", `{"urls":["`+env.upstream.URL+`/41.mp3"]}`, http.StatusOK)
	require.EqualValues(t, 1, body["fetched"])

	body = env.call(t, http.MethodGet, "/-/cache", "", http.StatusOK)
	require.EqualValues(t, 1, body["entries"])
	require.Equal(t, "1 audio file cached", body["message"])

	body = env.call(t, http.MethodGet, "/-/cache/stats", "", http.StatusOK)
	require.EqualValues(t, 1, body["entries"])
	require.EqualValues(t, len("/41.mp3"), body["stored_bytes"])
	require.NotEmpty(t, body["newest"])

	body = env.call(t, http.MethodDelete, "/-/cache", "", http.StatusOK)
	require.Equal(t, "Audio cache cleared", body["message"])
	require.Equal(t, true, body["ok"])

	body = env.call(t, http.MethodGet, "/-/cache", "", http.StatusOK)
	require.EqualValues(t, 0, body["entries"])
}

func TestPreloadUsesConfiguredURLsWithoutBody(t *testing.T) {
	env := newRoutesEnv(t, true, true)

	body := env.call(t, http.MethodPost, "/-/preload", "", http.StatusOK)
	require.EqualValues(t, 2, body["requested"])
	require.EqualValues(t, 1, body["fetched"])
	failed, ok := body["failed"].(map[string]any)
	require.True(t, ok)
	require.Len(t, failed, 1)

	env.call(t, http.MethodPost, "/-/preload", "{not json", http.StatusBadRequest)
}

func TestDegradedStorageMessages(t *testing.T) {
	env := newRoutesEnv(t, false, true)

	body := env.call(t, http.MethodGet, "/-/healthz", "", http.StatusOK)
	require.Equal(t, true, body["degraded"])

	body = env.call(t, http.MethodGet, "/-/cache", "", http.StatusOK)
	require.Equal(t, "Offline audio storage is not available", body["message"])

	body = env.call(t, http.MethodDelete, "/-/cache", "", http.StatusInternalServerError)
	require.Equal(t, false, body["ok"])

	env.call(t, http.MethodGet, "/-/cache/stats", "", http.StatusServiceUnavailable)
}

func TestNetworkCacheAndSync(t *testing.T) {
	env := newRoutesEnv(t, true, true)

	body := env.call(t, http.MethodPost, "/-/sync/"+intercept.SyncPreloadAudio, "", http.StatusOK)
	require.EqualValues(t, 1, body["stored"])

	body = env.call(t, http.MethodGet, "/-/cache/network", "", http.StatusOK)
	require.EqualValues(t, 1, body["audio"])

	env.call(t, http.MethodPost, "/-/sync/unknown", "", http.StatusBadRequest)

	body = env.call(t, http.MethodDelete, "/-/cache/network", "", http.StatusOK)
	require.Equal(t, true, body["ok"])

	body = env.call(t, http.MethodGet, "/-/cache/network", "", http.StatusOK)
	require.EqualValues(t, 0, body["audio"])
}

func TestNetworkEndpointsWhenInterceptDisabled(t *testing.T) {
	env := newRoutesEnv(t, true, false)

	body := env.call(t, http.MethodGet, "/-/cache/network", "", http.StatusNotFound)
	require.Equal(t, "intercept_disabled", body["error"])
	env.call(t, http.MethodPost, "/-/sync/"+intercept.SyncPreloadAudio, "", http.StatusNotFound)

	body = env.call(t, http.MethodGet, "/-/routes", "", http.StatusOK)
	require.Empty(t, body["routes"])
}

func TestRoutesAndMetricsEndpoints(t *testing.T) {
	env := newRoutesEnv(t, true, true)

	body := env.call(t, http.MethodGet, "/-/routes", "", http.StatusOK)
	routes, ok := body["routes"].([]any)
	require.True(t, ok)
	require.Len(t, routes, 2)

	env.call(t, http.MethodPost, "/-/preload", "", http.StatusOK)

	resp, err := env.app.Test(httptest.NewRequest(http.MethodGet, "/-/metrics", nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(raw), `hisnul_cache_lookups_total{layer="app",result="miss"}`)
}

type routesEnv struct {
	app      *fiber.App
	upstream *httptest.Server
}

func newRoutesEnv(t *testing.T, withStore, withIntercept bool) *routesEnv {
	t.Helper()
	env := &routesEnv{}
	env.upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "missing") {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, r.URL.Path)
	}))
	t.Cleanup(env.upstream.Close)

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	cfg := &config.Config{
		Global: config.GlobalConfig{ListenPort: 5000},
		Intercept: config.InterceptConfig{
			Enabled:     withIntercept,
			CachePrefix: "hisnul-muslim",
			Version:     "v1",
			Origin:      env.upstream.URL,
		},
		Preload: config.PreloadConfig{URLs: []string{
			env.upstream.URL + "/41.mp3",
			env.upstream.URL + "/missing.mp3",
		}},
	}

	opts := audiocache.Options{Logger: logger, Metrics: m}
	var sqlite *store.SQLiteStore
	if withStore {
		var err error
		sqlite, err = store.Open(filepath.Join(t.TempDir(), "audio.db"), store.Options{})
		require.NoError(t, err)
		t.Cleanup(func() { _ = sqlite.Close() })
		opts.Store = sqlite
	}
	manager := audiocache.NewManager(opts)

	var worker *intercept.Worker
	isAudio := func(string) bool { return false }
	if withIntercept {
		responses, err := cache.NewStore(t.TempDir())
		require.NoError(t, err)
		worker, err = intercept.NewWorker(intercept.Options{
			Store:           responses,
			StaticNamespace: cfg.Intercept.StaticNamespace(),
			AudioNamespace:  cfg.Intercept.AudioNamespace(),
			Origin:          cfg.Intercept.OriginURL(),
			PreloadURLs:     cfg.Preload.URLs[:1],
			Logger:          logger,
			Metrics:         m,
		})
		require.NoError(t, err)
		isAudio = worker.IsAudioPath
	}
	registry, err := server.NewOriginRegistry(cfg, isAudio)
	require.NoError(t, err)

	app, err := server.NewApp(server.AppOptions{
		Logger:   logger,
		Registry: registry,
		Proxy: server.ProxyHandlerFunc(func(c fiber.Ctx, _ *server.OriginRoute) error {
			return c.SendStatus(fiber.StatusTeapot)
		}),
		ListenPort: 5000,
	})
	require.NoError(t, err)

	routeOpts := Options{
		Manager:     manager,
		Worker:      worker,
		Registry:    registry,
		Gatherer:    reg,
		PreloadURLs: cfg.Preload.URLs,
		Logger:      logger,
	}
	if sqlite != nil {
		routeOpts.Store = sqlite
	}
	RegisterManagementRoutes(app, routeOpts)
	env.app = app
	return env
}

func (e *routesEnv) call(t *testing.T, method, path, body string, wantStatus int) map[string]any {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := e.app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, wantStatus, resp.StatusCode, string(raw))

	payload := map[string]any{}
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &payload))
	}
	return payload
}
