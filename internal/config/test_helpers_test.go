package config

import (
	"os"
	"path/filepath"
	"testing"
)

// fixturePath 返回 testdata 下的配置样例路径。
func fixturePath(name string) string {
	return filepath.Join("testdata", name)
}

// writeConfig 将 body 写入临时 config.toml 并返回路径。
func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}
	return path
}

// mustLoad 加载配置，失败时直接终止测试。
func mustLoad(t *testing.T, path string) *Config {
	t.Helper()
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load(%s) 返回错误: %v", path, err)
	}
	return cfg
}
