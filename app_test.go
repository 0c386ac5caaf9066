package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/go-cmp/cmp"

	"github.com/any-hub/proxycache/internal/cache"
	"github.com/any-hub/proxycache/internal/config"
	"github.com/any-hub/proxycache/internal/logging"
)

func newFlowConfig(upstream, storage string, maxSize int64) *config.Config {
	return &config.Config{
		Global: config.GlobalConfig{
			ListenPort:    5000,
			LogLevel:      "info",
			StoragePath:   storage,
			MaxCacheSize:  maxSize,
			CacheMaxAge:   config.Duration(time.Hour),
			RecoverOnInit: true,
		},
		Upstream: config.UpstreamConfig{
			URL:          upstream,
			Timeout:      config.Duration(5 * time.Second),
			CacheMethods: []string{"GET"},
		},
	}
}

func newCountingUpstream(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, strings.Repeat("x", 1000)+r.URL.Path)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func startFlow(t *testing.T, cfg *config.Config) (*fiber.App, *cache.Cache) {
	t.Helper()
	logger := logging.Discard()
	store, err := openCache(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("openCache failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	app, err := buildApp(cfg, logger, store)
	if err != nil {
		t.Fatalf("buildApp failed: %v", err)
	}
	return app, store
}

func get(t *testing.T, app *fiber.App, target string) *http.Response {
	t.Helper()
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, target, nil))
	if err != nil {
		t.Fatalf("app.Test(%s) failed: %v", target, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestCacheFlowSurvivesRestart(t *testing.T) {
	upstream, hits := newCountingUpstream(t)
	cfg := newFlowConfig(upstream.URL, filepath.Join(t.TempDir(), "storage"), 1<<20)

	app, store := startFlow(t, cfg)
	if resp := get(t, app, "/pkg/a"); resp.Header.Get("X-Proxycache-Cache-Hit") != "false" {
		t.Fatalf("first request should miss")
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	restarted, _ := startFlow(t, cfg)
	resp := get(t, restarted, "/pkg/a")
	if resp.Header.Get("X-Proxycache-Cache-Hit") != "true" {
		t.Fatalf("recovered entry should be served from disk")
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.HasSuffix(string(body), "/pkg/a") || len(body) != 1000+len("/pkg/a") {
		t.Fatalf("unexpected recovered body length %d", len(body))
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("restart should not refetch, upstream hits=%d", got)
	}
}

func TestCacheFlowEvictsLeastRecentlyUsed(t *testing.T) {
	upstream, _ := newCountingUpstream(t)
	// 每个响应约 1006 字节，容量只够两条。
	cfg := newFlowConfig(upstream.URL, filepath.Join(t.TempDir(), "storage"), 2100)
	app, store := startFlow(t, cfg)

	get(t, app, "/pkg/a")
	get(t, app, "/pkg/b")
	get(t, app, "/pkg/a")
	get(t, app, "/pkg/c")
	store.WaitDisposals()

	resp := get(t, app, "/-/cache/keys")
	var payload struct {
		Keys  []string `json:"keys"`
		Count int      `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode keys failed: %v", err)
	}
	if diff := cmp.Diff([]string{"/pkg/a", "/pkg/c"}, payload.Keys); diff != "" {
		t.Fatalf("unexpected keys after eviction (-want +got):\n%s", diff)
	}

	statsResp := get(t, app, "/-/cache")
	var stats cache.Stats
	if err := json.NewDecoder(statsResp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats failed: %v", err)
	}
	if !stats.Ready || stats.Entries != 2 || stats.Evictions != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestOpenCacheFailsOnUnwritableStorage(t *testing.T) {
	upstream, _ := newCountingUpstream(t)
	blocker := filepath.Join(t.TempDir(), "file")
	if err := writeFile(blocker); err != nil {
		t.Fatalf("write blocker: %v", err)
	}
	cfg := newFlowConfig(upstream.URL, filepath.Join(blocker, "storage"), 1024)
	if _, err := openCache(context.Background(), cfg, logging.Discard()); err == nil {
		t.Fatalf("openCache should fail when the storage path cannot be created")
	}
}
