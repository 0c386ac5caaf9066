package config

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestLoadWithDefaults(t *testing.T) {
	cfgPath := fixturePath("valid.toml")

	cfg := mustLoad(t, cfgPath)
	if got := cfg.Global.CacheMaxAge.DurationValue(); got != 30*time.Minute {
		t.Fatalf("CacheMaxAge 解析错误: %s", got)
	}
	if !filepath.IsAbs(cfg.Global.StoragePath) {
		t.Fatalf("StoragePath 应转换为绝对路径: %s", cfg.Global.StoragePath)
	}
	if cfg.Global.MaxCacheSize != 1048576 {
		t.Fatalf("MaxCacheSize 解析错误: %d", cfg.Global.MaxCacheSize)
	}
	if !cfg.Global.RecoverOnInit {
		t.Fatalf("RecoverOnInit 默认应开启")
	}
	if cfg.Global.LogMaxSize != 100 || cfg.Global.LogMaxBackups != 10 {
		t.Fatalf("日志轮转默认值缺失: %+v", cfg.Global)
	}
	if got := cfg.Upstream.Timeout.DurationValue(); got != 10*time.Second {
		t.Fatalf("纯数字 Timeout 应按秒解析: %s", got)
	}
	if diff := cmp.Diff([]string{"GET", "HEAD"}, cfg.Upstream.CacheMethods); diff != "" {
		t.Fatalf("CacheMethods 应被规范化为大写 (-want +got):\n%s", diff)
	}
}

func TestValidateRejectsMissingUpstream(t *testing.T) {
	cfgPath := fixturePath("missing.toml")

	if _, err := Load(cfgPath); err == nil {
		t.Fatalf("缺少上游地址的配置应返回错误")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Fatalf("配置文件不存在时应返回错误")
	}
}

func TestValidateEnforcesListenPortRange(t *testing.T) {
	cfg := validConfig()
	cfg.Global.ListenPort = 70000
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("ListenPort 超出范围应当报错")
	}
	var fieldErr FieldError
	if !errors.As(err, &fieldErr) || fieldErr.Field != "Global.ListenPort" {
		t.Fatalf("应返回 ListenPort 字段错误, got %v", err)
	}
}

func TestValidateUpstream(t *testing.T) {
	testCases := []struct {
		name      string
		upstream  string
		shouldErr bool
	}{
		{"https ok", "https://registry.npmjs.org", false},
		{"http with port ok", "http://127.0.0.1:8080", false},
		{"missing", "", true},
		{"unsupported scheme", "ftp://example.com", true},
		{"missing host", "http://", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Upstream.URL = tc.upstream
			err := cfg.Validate()
			if tc.shouldErr && err == nil {
				t.Fatalf("expected error for upstream %q", tc.upstream)
			}
			if !tc.shouldErr && err != nil {
				t.Fatalf("unexpected error for upstream %q: %v", tc.upstream, err)
			}
		})
	}
}

func TestValidateCacheSettings(t *testing.T) {
	testCases := []struct {
		name      string
		mutate    func(*Config)
		shouldErr bool
	}{
		{"zero max age disables expiry", func(c *Config) { c.Global.CacheMaxAge = 0 }, false},
		{"negative max age", func(c *Config) { c.Global.CacheMaxAge = Duration(-time.Second) }, true},
		{"zero capacity", func(c *Config) { c.Global.MaxCacheSize = 0 }, true},
		{"empty storage path", func(c *Config) { c.Global.StoragePath = "" }, true},
		{"post is not cacheable", func(c *Config) { c.Upstream.CacheMethods = []string{"POST"} }, true},
		{"zero timeout", func(c *Config) { c.Upstream.Timeout = 0 }, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.shouldErr && err == nil {
				t.Fatalf("expected validation error")
			}
			if !tc.shouldErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestCacheable(t *testing.T) {
	u := UpstreamConfig{CacheMethods: []string{"GET"}}
	if !u.Cacheable("get") {
		t.Fatalf("GET 应参与缓存")
	}
	if u.Cacheable("HEAD") {
		t.Fatalf("未配置的 HEAD 不应参与缓存")
	}
}

func TestDurationUnmarshalText(t *testing.T) {
	testCases := []struct {
		raw  string
		want time.Duration
	}{
		{"", 0},
		{"5m", 5 * time.Minute},
		{"45", 45 * time.Second},
		{"0x10", 16 * time.Second},
	}
	for _, tc := range testCases {
		var d Duration
		if err := d.UnmarshalText([]byte(tc.raw)); err != nil {
			t.Fatalf("UnmarshalText(%q) 返回错误: %v", tc.raw, err)
		}
		if d.DurationValue() != tc.want {
			t.Fatalf("UnmarshalText(%q) = %s, want %s", tc.raw, d.DurationValue(), tc.want)
		}
	}

	var d Duration
	if err := d.UnmarshalText([]byte("soon")); err == nil {
		t.Fatalf("非法 Duration 应返回错误")
	}
}

func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			ListenPort:   5000,
			StoragePath:  "./data",
			MaxCacheSize: 1024,
			CacheMaxAge:  Duration(time.Hour),
		},
		Upstream: UpstreamConfig{
			URL:          "https://registry.npmjs.org",
			Timeout:      Duration(time.Second),
			CacheMethods: []string{"GET"},
		},
	}
}
