package server

import (
	"strings"
	"testing"
)

func isMP3(p string) bool { return strings.HasSuffix(strings.ToLower(p), ".mp3") }

func TestOriginRegistryLookupByPath(t *testing.T) {
	registry, err := NewOriginRegistry(testConfig(true), isMP3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	route, ok := registry.Lookup("/audio/41.MP3")
	if !ok || !route.Audio() {
		t.Fatalf("expected audio route, got %+v", route)
	}
	if route.Namespace != "hisnul-muslim-audio-v1" || route.UpstreamURL.Host != "cdn.example.com" {
		t.Fatalf("unexpected audio route %+v", route)
	}

	route, ok = registry.Lookup("/index.html")
	if !ok || route.Audio() {
		t.Fatalf("expected static route, got %+v", route)
	}
	if route.Namespace != "hisnul-muslim-v1" || route.ListenPort != 5000 {
		t.Fatalf("unexpected static route %+v", route)
	}

	if list := registry.List(); len(list) != 2 || list[0].Name != RouteStatic {
		t.Fatalf("unexpected route list %+v", list)
	}
}

func TestOriginRegistryAudioOriginFallsBackToOrigin(t *testing.T) {
	cfg := testConfig(true)
	cfg.Intercept.AudioOrigin = ""
	registry, err := NewOriginRegistry(cfg, isMP3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	route, _ := registry.Lookup("/a.mp3")
	if route.UpstreamURL.Host != "app.example.com" {
		t.Fatalf("expected origin host, got %s", route.UpstreamURL.Host)
	}
}

func TestOriginRegistryEmptyWhenDisabled(t *testing.T) {
	registry, err := NewOriginRegistry(testConfig(false), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := registry.Lookup("/index.html"); ok {
		t.Fatalf("disabled intercept should not route")
	}
	if registry.List() != nil {
		t.Fatalf("expected no routes")
	}
}

func TestOriginRegistryRejectsMissingClassifier(t *testing.T) {
	if _, err := NewOriginRegistry(testConfig(true), nil); err == nil {
		t.Fatalf("expected error without classifier")
	}
	if _, err := NewOriginRegistry(nil, isMP3); err == nil {
		t.Fatalf("expected error for nil config")
	}
}

func TestOriginRouteResolveJoinsBasePath(t *testing.T) {
	registry, _ := NewOriginRegistry(testConfig(true), isMP3)
	route, _ := registry.Lookup("/41.mp3")

	cases := map[string]string{
		"/41.mp3":        "https://cdn.example.com/media/41.mp3",
		"/a/../b/42.mp3": "https://cdn.example.com/media/b/42.mp3",
		"/dir/":          "https://cdn.example.com/media/dir/",
		"":               "https://cdn.example.com/media/",
	}
	for in, want := range cases {
		if got := route.Resolve(in, "").String(); got != want {
			t.Fatalf("Resolve(%q) = %s, want %s", in, got, want)
		}
	}
	if got := route.Resolve("/41.mp3", "v=2").String(); got != "https://cdn.example.com/media/41.mp3?v=2" {
		t.Fatalf("query not preserved: %s", got)
	}
}
