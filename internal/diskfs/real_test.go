package diskfs

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRealExists(t *testing.T) {
	fsys := NewReal()
	dir := t.TempDir()

	exists, err := fsys.Exists(filepath.Join(dir, "missing"))
	if err != nil || exists {
		t.Fatalf("missing file: exists=%v err=%v", exists, err)
	}

	path := filepath.Join(dir, "present")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}
	exists, err = fsys.Exists(path)
	if err != nil || !exists {
		t.Fatalf("present file: exists=%v err=%v", exists, err)
	}
}

func TestRealWriteFileAtomicReplacesContent(t *testing.T) {
	fsys := NewReal()
	path := filepath.Join(t.TempDir(), "record.meta")

	if err := fsys.WriteFileAtomic(path, []byte("first")); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := fsys.WriteFileAtomic(path, []byte("second")); err != nil {
		t.Fatalf("second write: %v", err)
	}

	got, err := fsys.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "second" {
		t.Fatalf("content=%q, want %q", got, "second")
	}

	names, err := fsys.ListFiles(filepath.Dir(path))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if diff := cmp.Diff([]string{"record.meta"}, names); diff != "" {
		t.Fatalf("leftover temp files (-want +got):\n%s", diff)
	}
}

func TestRealListFilesFiltersSuffixesAndDirectories(t *testing.T) {
	fsys := NewReal()
	dir := t.TempDir()

	for _, name := range []string{"b.data", "a.meta", "a.data", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatalf("setup %s: %v", name, err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "nested.meta"), 0o755); err != nil {
		t.Fatalf("setup dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "nested.meta", "c.meta"), nil, 0o644); err != nil {
		t.Fatalf("setup nested: %v", err)
	}

	names, err := fsys.ListFiles(dir, ".meta", ".data")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{"a.data", "a.meta", "b.data"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Fatalf("ListFiles mismatch (-want +got):\n%s", diff)
	}
}

func TestRealCreateTempRenameOpen(t *testing.T) {
	fsys := NewReal()
	dir := t.TempDir()

	tmp, err := fsys.CreateTemp(dir, ".pending-*")
	if err != nil {
		t.Fatalf("create temp: %v", err)
	}
	if _, err := tmp.Write([]byte("payload")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := tmp.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	target := filepath.Join(dir, "entry.data")
	if err := fsys.Rename(tmp.Name(), target); err != nil {
		t.Fatalf("rename: %v", err)
	}

	rc, err := fsys.Open(target)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rc.Close()
	body, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(body) != "payload" {
		t.Fatalf("body=%q", body)
	}
}

func TestRealIsWritable(t *testing.T) {
	fsys := NewReal()
	dir := t.TempDir()
	if !fsys.IsWritable(dir) {
		t.Fatalf("temp dir should be writable")
	}
	if fsys.IsWritable(filepath.Join(dir, "missing")) {
		t.Fatalf("missing dir should not be writable")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("IsWritable should leave no files behind, found %s", entries[0].Name())
	}
}

func TestRealRemoveAllMissingPath(t *testing.T) {
	fsys := NewReal()
	if err := fsys.RemoveAll(filepath.Join(t.TempDir(), "gone")); err != nil {
		t.Fatalf("RemoveAll on missing path should succeed: %v", err)
	}
}
