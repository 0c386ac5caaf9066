package cache

import (
	"io"
	"io/fs"

	"github.com/any-hub/proxycache/internal/diskfs"
)

// lazyFile 在第一次 Read 时才打开数据文件；打开失败的错误由之后的 Read 返回。
type lazyFile struct {
	fs   diskfs.FS
	path string

	rc  io.ReadCloser
	err error
}

func newLazyFile(fsys diskfs.FS, path string) *lazyFile {
	return &lazyFile{fs: fsys, path: path}
}

func (f *lazyFile) Read(p []byte) (int, error) {
	if f.rc == nil && f.err == nil {
		f.rc, f.err = f.fs.Open(f.path)
	}
	if f.err != nil {
		return 0, f.err
	}
	return f.rc.Read(p)
}

func (f *lazyFile) Close() error {
	if f.rc == nil {
		f.err = fs.ErrClosed
		return nil
	}
	err := f.rc.Close()
	f.rc = nil
	f.err = fs.ErrClosed
	return err
}
