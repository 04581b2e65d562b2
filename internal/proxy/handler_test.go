package proxy

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/hisnul/hisnul-cache/internal/cache"
	"github.com/hisnul/hisnul-cache/internal/config"
	"github.com/hisnul/hisnul-cache/internal/intercept"
	"github.com/hisnul/hisnul-cache/internal/server"
)

func TestHandlerServesAudioOfflineFromCache(t *testing.T) {
	env := newProxyEnv(t, true)

	resp := env.do(t, http.MethodGet, "/audio/41.mp3", nil)
	if resp.StatusCode != http.StatusOK || readAll(t, resp) != "/audio/41.mp3" {
		t.Fatalf("unexpected first response %d", resp.StatusCode)
	}
	if got := resp.Header.Get(intercept.CacheHeader); got != "miss" {
		t.Fatalf("expected miss, got %q", got)
	}
	if got := resp.Header.Get(UpstreamHeader); got != env.upstream.URL+"/audio/41.mp3" {
		t.Fatalf("unexpected upstream header %q", got)
	}

	env.offline.Store(true)
	resp = env.do(t, http.MethodGet, "/audio/41.mp3", nil)
	if resp.StatusCode != http.StatusOK || readAll(t, resp) != "/audio/41.mp3" {
		t.Fatalf("expected cached audio offline, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get(intercept.CacheHeader); got != "hit" {
		t.Fatalf("expected hit, got %q", got)
	}
	if !strings.Contains(env.logs.String(), "proxy_complete") {
		t.Fatalf("expected proxy_complete log, got %s", env.logs.String())
	}
}

func TestHandlerAudioRequestDropsRangeAndMarksDestination(t *testing.T) {
	env := newProxyEnv(t, true)

	resp := env.do(t, http.MethodGet, "/audio/42.mp3", http.Header{"Range": {"bytes=0-1"}})
	readAll(t, resp)

	seen := env.lastHeader()
	if seen.Get("Range") != "" {
		t.Fatalf("range header should be dropped, got %q", seen.Get("Range"))
	}
	if seen.Get("Sec-Fetch-Dest") != "audio" {
		t.Fatalf("expected audio destination, got %q", seen.Get("Sec-Fetch-Dest"))
	}
	if seen.Get("X-Forwarded-Port") != "5000" {
		t.Fatalf("expected forwarded port, got %q", seen.Get("X-Forwarded-Port"))
	}
}

func TestHandlerStaticOfflineReturns503(t *testing.T) {
	env := newProxyEnv(t, true)
	env.offline.Store(true)

	resp := env.do(t, http.MethodGet, "/index.html", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
	if body := readAll(t, resp); body != "Offline - Content not available" {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestHandlerHeadSkipsBody(t *testing.T) {
	env := newProxyEnv(t, true)

	resp := env.do(t, http.MethodHead, "/index.html", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body := readAll(t, resp); body != "" {
		t.Fatalf("HEAD should have no body, got %q", body)
	}
}

func TestHandlerReturns502WhenNetworkFailsWithoutIntercept(t *testing.T) {
	env := newProxyEnv(t, false)
	env.offline.Store(true)

	resp := env.do(t, http.MethodGet, "/index.html", nil)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
	if body := readAll(t, resp); !strings.Contains(body, "upstream_failed") {
		t.Fatalf("expected upstream_failed, got %s", body)
	}
	if !strings.Contains(env.logs.String(), "proxy_failed") {
		t.Fatalf("expected proxy_failed log")
	}
}

type proxyEnv struct {
	app      *fiber.App
	upstream *httptest.Server
	offline  atomic.Bool
	logs     *bytes.Buffer

	mu     sync.Mutex
	header http.Header
}

func newProxyEnv(t *testing.T, withIntercept bool) *proxyEnv {
	t.Helper()
	env := &proxyEnv{logs: &bytes.Buffer{}}
	env.upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		env.mu.Lock()
		env.header = r.Header.Clone()
		env.mu.Unlock()
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, r.URL.Path)
	}))
	t.Cleanup(env.upstream.Close)

	cfg := &config.Config{
		Global: config.GlobalConfig{ListenPort: 5000},
		Intercept: config.InterceptConfig{
			Enabled:     true,
			CachePrefix: "hisnul-muslim",
			Version:     "v1",
			Origin:      env.upstream.URL,
		},
	}

	logger := logrus.New()
	logger.SetOutput(env.logs)

	network := &offlineTransport{base: server.NewTransport(), offline: &env.offline}
	store, err := cache.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("store error: %v", err)
	}
	worker, err := intercept.NewWorker(intercept.Options{
		Store:           store,
		Transport:       network,
		StaticNamespace: cfg.Intercept.StaticNamespace(),
		AudioNamespace:  cfg.Intercept.AudioNamespace(),
		Origin:          cfg.Intercept.OriginURL(),
		Logger:          logger,
	})
	if err != nil {
		t.Fatalf("worker error: %v", err)
	}

	var transport http.RoundTripper = network
	if withIntercept {
		transport = worker
	}
	registry, err := server.NewOriginRegistry(cfg, worker.IsAudioPath)
	if err != nil {
		t.Fatalf("registry error: %v", err)
	}
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      NewForwarder(NewHandler(server.NewUpstreamClient(cfg, transport), logger), logger),
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		t.Fatalf("app error: %v", err)
	}
	env.app = app
	return env
}

func (e *proxyEnv) do(t *testing.T, method, path string, header http.Header) *http.Response {
	t.Helper()
	req := httptest.NewRequest(method, "http://localhost"+path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := e.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	return resp
}

func (e *proxyEnv) lastHeader() http.Header {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.header
}

func readAll(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

type offlineTransport struct {
	base    http.RoundTripper
	offline *atomic.Bool
}

func (o *offlineTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if o.offline.Load() {
		return nil, errors.New("network unreachable")
	}
	return o.base.RoundTrip(req)
}
