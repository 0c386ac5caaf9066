package cache

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

// newTestCache returns an initialised Cache rooted in a fresh temp dir.
func newTestCache(t *testing.T, opts Options) *Cache {
	t.Helper()
	if opts.Path == "" {
		opts.Path = filepath.Join(t.TempDir(), ".cache")
	}
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	c, err := New(opts)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if err := c.Init(context.Background()); err != nil {
		t.Fatalf("Init error: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func mustSet(t *testing.T, c *Cache, key, body string) {
	t.Helper()
	if !c.Set(context.Background(), key, strings.NewReader(body), SetOptions{}) {
		t.Fatalf("Set(%q) was not committed", key)
	}
}

func readEntry(t *testing.T, c *Cache, key string) string {
	t.Helper()
	entry, ok := c.Get(key)
	if !ok {
		t.Fatalf("expected hit for %q", key)
	}
	defer entry.Body.Close()
	body, err := io.ReadAll(entry.Body)
	if err != nil {
		t.Fatalf("read %q: %v", key, err)
	}
	return string(body)
}

func fileExists(t *testing.T, path string) bool {
	t.Helper()
	_, err := os.Stat(path)
	if err == nil {
		return true
	}
	if errors.Is(err, os.ErrNotExist) {
		return false
	}
	t.Fatalf("stat %s: %v", path, err)
	return false
}

// assertCached mirrors what the proxy relies on: both files on disk, the
// record agreeing with the payload, and a hit streaming the same bytes.
func assertCached(t *testing.T, c *Cache, key, body string) {
	t.Helper()
	prefix := filepath.Join(c.opts.Path, EncodeKey(key))
	raw, err := os.ReadFile(prefix + metaSuffix)
	if err != nil {
		t.Fatalf("read meta for %q: %v", key, err)
	}
	var record Record
	if err := record.UnmarshalJSON(raw); err != nil {
		t.Fatalf("decode meta for %q: %v", key, err)
	}
	if record.Key != key || record.Size != int64(len(body)) {
		t.Fatalf("record mismatch for %q: key=%q size=%d", key, record.Key, record.Size)
	}
	data, err := os.ReadFile(prefix + dataSuffix)
	if err != nil {
		t.Fatalf("read data for %q: %v", key, err)
	}
	if string(data) != body {
		t.Fatalf("persisted body mismatch for %q", key)
	}
	if !c.Has(key) {
		t.Fatalf("expected Has(%q)", key)
	}
	if got := readEntry(t, c, key); got != body {
		t.Fatalf("streamed body mismatch for %q", key)
	}
}

func assertNotCached(t *testing.T, c *Cache, key string) {
	t.Helper()
	prefix := filepath.Join(c.opts.Path, EncodeKey(key))
	if fileExists(t, prefix+metaSuffix) {
		t.Fatalf("meta file for %q should be gone", key)
	}
	if fileExists(t, prefix+dataSuffix) {
		t.Fatalf("data file for %q should be gone", key)
	}
	if _, ok := c.Get(key); ok {
		t.Fatalf("expected miss for %q", key)
	}
	if c.Has(key) {
		t.Fatalf("Has(%q) should be false", key)
	}
}

// failingReader delivers chunks and then fails, like an upstream that drops mid-body.
type failingReader struct {
	chunks []string
	err    error
}

func (r *failingReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		return 0, r.err
	}
	n := copy(p, r.chunks[0])
	r.chunks = r.chunks[1:]
	return n, nil
}

func randomText(n int) string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	var b strings.Builder
	for i := 0; i < n; i++ {
		b.WriteByte(alphabet[(i*7+n)%len(alphabet)])
	}
	return b.String()
}
